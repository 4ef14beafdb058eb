package syncserver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/MarcoPoloResearchLab/realmkit/internal/users"
)

type stubTokenManager struct {
	validateErr error
}

func (stubTokenManager) IssueToken(_ context.Context, subject string) (string, int64, error) {
	return "token-" + subject, 60, nil
}

func (s stubTokenManager) ValidateToken(token string) (string, error) {
	if s.validateErr != nil {
		return "", s.validateErr
	}
	return strings.TrimPrefix(token, "token-"), nil
}

type stubIdentities struct{}

func (stubIdentities) ResolveCanonicalUserID(claims users.Claims) (string, error) {
	return claims.Subject, nil
}

func TestNewHTTPHandlerRequiresDependencies(t *testing.T) {
	_, err := NewHTTPHandler(Dependencies{})
	assert.ErrorIs(t, err, errMissingTokens)
	_, err = NewHTTPHandler(Dependencies{Tokens: stubTokenManager{}})
	assert.ErrorIs(t, err, errMissingIdentities)
	_, err = NewHTTPHandler(Dependencies{Tokens: stubTokenManager{}, Identities: stubIdentities{}})
	assert.ErrorIs(t, err, errMissingStore)
	_, err = NewHTTPHandler(Dependencies{Tokens: stubTokenManager{}, Identities: stubIdentities{}, Store: &Store{}})
	assert.ErrorIs(t, err, errMissingSecret)
}

func TestAuthorizeRequestLogsExpiredTokenAtInfoLevel(t *testing.T) {
	gin.SetMode(gin.TestMode)
	recorder := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(recorder)
	request := httptest.NewRequest(http.MethodGet, "/subscriptions", http.NoBody)
	request.Header.Set("Authorization", "Bearer expired-token")
	ctx.Request = request

	core, logs := observer.New(zapcore.DebugLevel)
	handler := &httpHandler{
		tokens:     stubTokenManager{validateErr: jwt.ErrTokenExpired},
		identities: stubIdentities{},
		logger:     zap.New(core),
	}
	handler.authorizeRequest(ctx)

	require.Equal(t, http.StatusUnauthorized, recorder.Code)
	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, zapcore.InfoLevel, entries[0].Level)
	assert.Equal(t, "token validation failed", entries[0].Message)
}

func TestAuthorizeRequestLogsUnexpectedTokenErrorAtWarnLevel(t *testing.T) {
	gin.SetMode(gin.TestMode)
	recorder := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(recorder)
	request := httptest.NewRequest(http.MethodGet, "/subscriptions", http.NoBody)
	request.Header.Set("Authorization", "Bearer invalid-token")
	ctx.Request = request

	core, logs := observer.New(zapcore.DebugLevel)
	handler := &httpHandler{
		tokens:     stubTokenManager{validateErr: errors.New("signature mismatch")},
		identities: stubIdentities{},
		logger:     zap.New(core),
	}
	handler.authorizeRequest(ctx)

	require.Equal(t, http.StatusUnauthorized, recorder.Code)
	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, zapcore.WarnLevel, entries[0].Level)
}

func TestAuthorizeRequestAcceptsQueryToken(t *testing.T) {
	gin.SetMode(gin.TestMode)
	recorder := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(recorder)
	ctx.Request = httptest.NewRequest(http.MethodGet, "/sync?access_token=token-alice", http.NoBody)

	handler := &httpHandler{tokens: stubTokenManager{}, identities: stubIdentities{}, logger: zap.NewNop()}
	handler.authorizeRequest(ctx)

	assert.False(t, ctx.IsAborted())
	assert.Equal(t, "alice", ctx.GetString(userIDContextKey))
}

func TestAuthorizeRequestRejectsNonBearerHeader(t *testing.T) {
	gin.SetMode(gin.TestMode)
	recorder := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(recorder)
	request := httptest.NewRequest(http.MethodGet, "/sync?access_token=token-alice", http.NoBody)
	request.Header.Set("Authorization", "Basic abc")
	ctx.Request = request

	handler := &httpHandler{tokens: stubTokenManager{}, identities: stubIdentities{}, logger: zap.NewNop()}
	handler.authorizeRequest(ctx)

	assert.True(t, ctx.IsAborted())
	assert.Equal(t, http.StatusUnauthorized, recorder.Code)
}

func TestHealthAndMetricsEndpoints(t *testing.T) {
	_, httpServer := mustServer(t, 0)

	response, err := http.Get(httpServer.URL + "/healthz")
	require.NoError(t, err)
	defer response.Body.Close()
	assert.Equal(t, http.StatusOK, response.StatusCode)

	metricsResponse, err := http.Get(httpServer.URL + "/metrics")
	require.NoError(t, err)
	defer metricsResponse.Body.Close()
	body, err := io.ReadAll(metricsResponse.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "realmkit_sync_active_connections")
}

func TestIssueTokenEndpoint(t *testing.T) {
	server, httpServer := mustServer(t, 0)

	rejected := postJSON(t, httpServer.URL+"/auth/token", map[string]string{"subject": "google:42", "secret": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, rejected.StatusCode)

	invalid := postJSON(t, httpServer.URL+"/auth/token", map[string]string{"secret": testSecret})
	assert.Equal(t, http.StatusBadRequest, invalid.StatusCode)

	accepted := postJSON(t, httpServer.URL+"/auth/token", map[string]string{
		"subject":      "google:42",
		"secret":       testSecret,
		"display_name": "Forty Two",
	})
	require.Equal(t, http.StatusOK, accepted.StatusCode)
	var payload tokenResponsePayload
	require.NoError(t, json.NewDecoder(accepted.Body).Decode(&payload))
	assert.Equal(t, "Bearer", payload.TokenType)
	assert.Equal(t, "42", payload.UserID)
	assert.Positive(t, payload.ExpiresIn)

	subject, err := server.tokens.ValidateToken(payload.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "google:42", subject)
}

func TestListSubscriptionsRequiresAuthorization(t *testing.T) {
	server, httpServer := mustServer(t, 0)

	response, err := http.Get(httpServer.URL + "/subscriptions")
	require.NoError(t, err)
	defer response.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, response.StatusCode)

	_, err = server.Store().Upsert(t.Context(), SubscriptionRecord{
		UserID:    "alice",
		Name:      "dogs",
		Class:     "Dog",
		QueryJSON: `{"class":"Dog"}`,
	})
	require.NoError(t, err)

	request, err := http.NewRequest(http.MethodGet, httpServer.URL+"/subscriptions", http.NoBody)
	require.NoError(t, err)
	request.Header.Set("Authorization", "Bearer "+mustToken(t, server, "alice"))
	authorized, err := http.DefaultClient.Do(request)
	require.NoError(t, err)
	defer authorized.Body.Close()
	require.Equal(t, http.StatusOK, authorized.StatusCode)

	var payload struct {
		Subscriptions []subscriptionPayload `json:"subscriptions"`
	}
	require.NoError(t, json.NewDecoder(authorized.Body).Decode(&payload))
	require.Len(t, payload.Subscriptions, 1)
	assert.Equal(t, "dogs", payload.Subscriptions[0].Name)
	assert.Equal(t, "pending", payload.Subscriptions[0].State)
	assert.JSONEq(t, `{"class":"Dog"}`, string(payload.Subscriptions[0].Query))
}
