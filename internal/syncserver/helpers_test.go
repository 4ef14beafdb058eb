package syncserver

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/realmkit/internal/protocol"
)

const testSecret = "test-shared-secret"

func mustServer(testContext *testing.T, ackDelay time.Duration) (*Server, *httptest.Server) {
	testContext.Helper()
	gin.SetMode(gin.TestMode)
	server, err := New(Config{
		DatabasePath:   filepath.Join(testContext.TempDir(), "server.db"),
		SigningSecret:  testSecret,
		TokenTTL:       30 * time.Minute,
		AckDelay:       ackDelay,
		ExpiryInterval: time.Hour,
		Logger:         zap.NewNop(),
	})
	if err != nil {
		testContext.Fatalf("failed to create server: %v", err)
	}
	httpServer := httptest.NewServer(server.Handler())
	testContext.Cleanup(func() {
		httpServer.Close()
		_ = server.Close()
	})
	return server, httpServer
}

func mustToken(testContext *testing.T, server *Server, subject string) string {
	testContext.Helper()
	token, err := server.IssueToken(context.Background(), subject)
	if err != nil {
		testContext.Fatalf("failed to issue token: %v", err)
	}
	return token
}

func syncURL(httpServer *httptest.Server) string {
	return "ws" + strings.TrimPrefix(httpServer.URL, "http") + "/sync"
}

func mustDial(testContext *testing.T, httpServer *httptest.Server, token string) *websocket.Conn {
	testContext.Helper()
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	conn, _, err := websocket.DefaultDialer.Dial(syncURL(httpServer), header)
	if err != nil {
		testContext.Fatalf("failed to dial sync endpoint: %v", err)
	}
	testContext.Cleanup(func() { _ = conn.Close() })
	return conn
}

func mustSend(testContext *testing.T, conn *websocket.Conn, message protocol.Message) {
	testContext.Helper()
	data, err := protocol.Encode(message)
	if err != nil {
		testContext.Fatalf("failed to encode message: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		testContext.Fatalf("failed to write message: %v", err)
	}
}

// readUntil reads messages until match accepts one and returns everything read.
func readUntil(testContext *testing.T, conn *websocket.Conn, match func(protocol.Message) bool) []protocol.Message {
	testContext.Helper()
	var seen []protocol.Message
	deadline := time.Now().Add(3 * time.Second)
	for {
		_ = conn.SetReadDeadline(deadline)
		_, data, err := conn.ReadMessage()
		if err != nil {
			testContext.Fatalf("read failed after %d messages %+v: %v", len(seen), seen, err)
		}
		message, err := protocol.Decode(data)
		if err != nil {
			testContext.Fatalf("failed to decode message: %v", err)
		}
		seen = append(seen, message)
		if match(message) {
			return seen
		}
	}
}

func isType(messageType protocol.Type, name string) func(protocol.Message) bool {
	return func(message protocol.Message) bool {
		return message.Type == messageType && (name == "" || message.Name == name)
	}
}

func postJSON(testContext *testing.T, url string, payload any) *http.Response {
	testContext.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		testContext.Fatalf("failed to encode payload: %v", err)
	}
	response, err := http.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		testContext.Fatalf("request failed: %v", err)
	}
	testContext.Cleanup(func() { _ = response.Body.Close() })
	return response
}
