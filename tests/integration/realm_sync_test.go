package integration_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/realmkit/internal/query"
	"github.com/MarcoPoloResearchLab/realmkit/internal/realm"
	"github.com/MarcoPoloResearchLab/realmkit/internal/session"
	"github.com/MarcoPoloResearchLab/realmkit/internal/subscription"
	"github.com/MarcoPoloResearchLab/realmkit/internal/syncserver"
)

const (
	sharedSecret    = "integration-secret"
	clientSubject   = "device:tablet-1"
	jsonContentType = "application/json"
	waitTimeout     = 10 * time.Second
)

type Dog struct {
	Name string `realm:"name,pk"`
	Age  int64  `realm:"age"`
}

func TestRealmSynchronizesAgainstDevelopmentServer(testContext *testing.T) {
	gin.SetMode(gin.TestMode)
	server, err := syncserver.New(syncserver.Config{
		DatabasePath:   filepath.Join(testContext.TempDir(), "server.db"),
		SigningSecret:  sharedSecret,
		TokenTTL:       time.Hour,
		ExpiryInterval: time.Hour,
		Logger:         zap.NewNop(),
	})
	if err != nil {
		testContext.Fatalf("failed to create sync server: %v", err)
	}
	httpServer := httptest.NewServer(server.Handler())
	defer func() {
		httpServer.Close()
		_ = server.Close()
	}()

	token := requestToken(testContext, httpServer.URL)

	realmConfig := realm.Config{Path: filepath.Join(testContext.TempDir(), "synced.realm"), Types: []any{Dog{}}}
	wsURL := "ws" + strings.TrimPrefix(httpServer.URL, "http") + "/sync"
	syncSession, err := session.New(session.Config{
		Realm:     realmConfig,
		Transport: session.NewWebSocketTransport(wsURL, token),
		Logger:    zap.NewNop(),
	})
	if err != nil {
		testContext.Fatalf("failed to create session: %v", err)
	}
	if err := syncSession.Start(context.Background()); err != nil {
		testContext.Fatalf("failed to start session: %v", err)
	}
	defer syncSession.Close()

	local, err := realm.Open(realmConfig)
	if err != nil {
		testContext.Fatalf("failed to open realm: %v", err)
	}
	defer local.Close()

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()

	puppies, err := local.Filter(query.New("Dog").Where("age", query.Less, 2))
	if err != nil {
		testContext.Fatalf("failed to build results: %v", err)
	}
	sub, err := subscription.Subscribe(puppies, subscription.Options{Name: "puppies"})
	if err != nil {
		testContext.Fatalf("failed to subscribe: %v", err)
	}
	defer sub.Close()
	if err := sub.WaitForSynchronization(ctx); err != nil {
		testContext.Fatalf("subscription did not synchronize: %v", err)
	}
	if sub.State() != subscription.StateComplete {
		testContext.Fatalf("expected complete subscription, got %s", sub.State())
	}
	if err := syncSession.WaitForDownload(ctx); err != nil {
		testContext.Fatalf("download did not complete: %v", err)
	}

	if err := local.Write(func() error {
		_, err := local.Add(&Dog{Name: "Rex", Age: 1}, false)
		return err
	}); err != nil {
		testContext.Fatalf("write failed: %v", err)
	}
	if err := syncSession.WaitForUpload(ctx); err != nil {
		testContext.Fatalf("upload did not complete: %v", err)
	}

	listed := listSubscriptions(testContext, httpServer.URL, token)
	if len(listed) != 1 || listed[0].Name != "puppies" || listed[0].State != "complete" {
		testContext.Fatalf("unexpected server subscriptions %+v", listed)
	}

	if err := local.Write(func() error {
		_, err := local.Add(&Dog{Name: "Methuselah", Age: 15}, false)
		return err
	}); err != nil {
		testContext.Fatalf("write failed: %v", err)
	}

	brief, err := local.Filter(query.New("Dog").Where("age", query.Greater, 10))
	if err != nil {
		testContext.Fatalf("failed to build results: %v", err)
	}
	shortLived, err := subscription.Subscribe(brief, subscription.Options{Name: "seniors", TTL: time.Millisecond})
	if err != nil {
		testContext.Fatalf("failed to subscribe: %v", err)
	}
	defer shortLived.Close()
	if err := shortLived.WaitForSynchronization(ctx); err != nil {
		testContext.Fatalf("short-lived subscription did not synchronize: %v", err)
	}

	expireUntilRemoved(testContext, ctx, server)
	for shortLived.State() != subscription.StateInvalidated {
		if err := local.WaitForChange(ctx); err != nil {
			testContext.Fatalf("expired subscription never left the realm: %v", err)
		}
	}
	if err := shortLived.WaitForSynchronization(ctx); !errors.Is(err, subscription.ErrInvalidated) {
		testContext.Fatalf("expected ErrInvalidated, got %v", err)
	}
	if sub.State() != subscription.StateComplete {
		testContext.Fatalf("expected the other subscription to stay complete, got %s", sub.State())
	}
	if senior, err := local.Find("Dog", "Methuselah"); err != nil || senior != nil {
		testContext.Fatalf("expected objects matched only by the expired subscription to be removed, got %v err=%v", senior, err)
	}
	if puppy, err := local.Find("Dog", "Rex"); err != nil || puppy == nil {
		testContext.Fatalf("expected objects of the remaining subscription to stay, err=%v", err)
	}
}

func requestToken(testContext *testing.T, baseURL string) string {
	testContext.Helper()
	body, err := json.Marshal(map[string]string{"subject": clientSubject, "secret": sharedSecret})
	if err != nil {
		testContext.Fatalf("failed to encode token request: %v", err)
	}
	response, err := http.Post(baseURL+"/auth/token", jsonContentType, bytes.NewReader(body))
	if err != nil {
		testContext.Fatalf("token request failed: %v", err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		testContext.Fatalf("unexpected token status %d", response.StatusCode)
	}
	var payload struct {
		AccessToken string `json:"access_token"`
		UserID      string `json:"user_id"`
	}
	if err := json.NewDecoder(response.Body).Decode(&payload); err != nil {
		testContext.Fatalf("failed to decode token response: %v", err)
	}
	if payload.UserID != "tablet-1" {
		testContext.Fatalf("unexpected canonical user id %q", payload.UserID)
	}
	return payload.AccessToken
}

type listedSubscription struct {
	Name  string `json:"name"`
	State string `json:"state"`
}

func listSubscriptions(testContext *testing.T, baseURL, token string) []listedSubscription {
	testContext.Helper()
	request, err := http.NewRequest(http.MethodGet, baseURL+"/subscriptions", http.NoBody)
	if err != nil {
		testContext.Fatalf("failed to build request: %v", err)
	}
	request.Header.Set("Authorization", "Bearer "+token)
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		testContext.Fatalf("list request failed: %v", err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		testContext.Fatalf("unexpected list status %d", response.StatusCode)
	}
	var payload struct {
		Subscriptions []listedSubscription `json:"subscriptions"`
	}
	if err := json.NewDecoder(response.Body).Decode(&payload); err != nil {
		testContext.Fatalf("failed to decode list response: %v", err)
	}
	return payload.Subscriptions
}

func expireUntilRemoved(testContext *testing.T, ctx context.Context, server *syncserver.Server) {
	testContext.Helper()
	for {
		removed, err := server.ExpireOnce(ctx)
		if err != nil {
			testContext.Fatalf("expiry failed: %v", err)
		}
		if removed > 0 {
			return
		}
		select {
		case <-ctx.Done():
			testContext.Fatal("short-lived subscription never expired")
		case <-time.After(10 * time.Millisecond):
		}
	}
}
