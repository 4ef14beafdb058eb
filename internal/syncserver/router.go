package syncserver

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/realmkit/internal/subscription"
	"github.com/MarcoPoloResearchLab/realmkit/internal/users"
)

const (
	userIDContextKey  = "realmkit_user_id"
	accessTokenQuery  = "access_token"
	bearerTokenPrefix = "Bearer "
)

// TokenManager issues and validates client bearer tokens.
type TokenManager interface {
	IssueToken(ctx context.Context, subject string) (string, int64, error)
	ValidateToken(token string) (string, error)
}

// IdentityResolver maps a token subject onto the canonical user id.
type IdentityResolver interface {
	ResolveCanonicalUserID(claims users.Claims) (string, error)
}

// Dependencies wires the HTTP handler.
type Dependencies struct {
	Tokens       TokenManager
	Identities   IdentityResolver
	Store        *Store
	Dispatcher   *Dispatcher
	Metrics      *Metrics
	SharedSecret string
	AckDelay     time.Duration
	Logger       *zap.Logger
}

// NewHTTPHandler builds the gin router serving token issue, health, metrics,
// subscription listing and the sync websocket.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Tokens == nil {
		return nil, errMissingTokens
	}
	if deps.Identities == nil {
		return nil, errMissingIdentities
	}
	if deps.Store == nil {
		return nil, errMissingStore
	}
	if strings.TrimSpace(deps.SharedSecret) == "" {
		return nil, errMissingSecret
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	dispatcher := deps.Dispatcher
	if dispatcher == nil {
		dispatcher = NewDispatcher()
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = NewMetrics()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		tokens:     deps.Tokens,
		identities: deps.Identities,
		store:      deps.Store,
		dispatcher: dispatcher,
		metrics:    metrics,
		secret:     []byte(deps.SharedSecret),
		ackDelay:   deps.AckDelay,
		logger:     logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}

	router.GET("/healthz", handler.handleHealth)
	router.GET("/metrics", gin.WrapH(metrics.Handler()))
	router.POST("/auth/token", handler.handleIssueToken)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/subscriptions", handler.handleListSubscriptions)
	protected.GET("/sync", handler.handleSync)

	return router, nil
}

type httpHandler struct {
	tokens     TokenManager
	identities IdentityResolver
	store      *Store
	dispatcher *Dispatcher
	metrics    *Metrics
	secret     []byte
	ackDelay   time.Duration
	logger     *zap.Logger
	upgrader   websocket.Upgrader
}

type tokenRequestPayload struct {
	Subject     string `json:"subject"`
	Secret      string `json:"secret"`
	DisplayName string `json:"display_name"`
}

type tokenResponsePayload struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
	UserID      string `json:"user_id"`
}

type subscriptionPayload struct {
	Name         string          `json:"name"`
	Class        string          `json:"class"`
	Query        json.RawMessage `json:"query"`
	State        string          `json:"state"`
	ErrorMessage string          `json:"error_message,omitempty"`
	TTLMillis    int64           `json:"ttl_ms,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
	ExpiresAt    *time.Time      `json:"expires_at,omitempty"`
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handleIssueToken(c *gin.Context) {
	var request tokenRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Subject) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if subtle.ConstantTimeCompare([]byte(request.Secret), h.secret) != 1 {
		h.logger.Warn("token request rejected", zap.String("subject", request.Subject))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	userID, err := h.identities.ResolveCanonicalUserID(users.Claims{
		Subject:     request.Subject,
		DisplayName: request.DisplayName,
	})
	if err != nil {
		h.logger.Warn("identity resolution failed", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_subject"})
		return
	}

	token, expiresIn, err := h.tokens.IssueToken(c.Request.Context(), request.Subject)
	if err != nil {
		h.logger.Error("failed to issue token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}

	c.JSON(http.StatusOK, tokenResponsePayload{
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
		UserID:      userID,
	})
}

func (h *httpHandler) handleListSubscriptions(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	records, err := h.store.List(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list_failed"})
		return
	}
	payload := make([]subscriptionPayload, 0, len(records))
	for _, record := range records {
		state, _ := subscription.ParseState(record.State)
		query := json.RawMessage("null")
		if json.Valid([]byte(record.QueryJSON)) {
			query = json.RawMessage(record.QueryJSON)
		}
		payload = append(payload, subscriptionPayload{
			Name:         record.Name,
			Class:        record.Class,
			Query:        query,
			State:        state.String(),
			ErrorMessage: record.ErrorMessage,
			TTLMillis:    record.TTLMillis,
			CreatedAt:    record.CreatedAt,
			UpdatedAt:    record.UpdatedAt,
			ExpiresAt:    record.ExpiresAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"subscriptions": payload})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	token := bearerToken(c)
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	subject, err := h.tokens.ValidateToken(token)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	userID, err := h.identities.ResolveCanonicalUserID(users.Claims{Subject: subject})
	if err != nil {
		h.logger.Warn("identity resolution failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, userID)
	c.Next()
}

// bearerToken reads the Authorization header, falling back to the access_token
// query parameter for websocket clients that cannot set headers.
func bearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if strings.HasPrefix(header, bearerTokenPrefix) {
		return strings.TrimSpace(strings.TrimPrefix(header, bearerTokenPrefix))
	}
	if header != "" {
		return ""
	}
	return strings.TrimSpace(c.Query(accessTokenQuery))
}
