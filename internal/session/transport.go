package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"

	"github.com/MarcoPoloResearchLab/realmkit/internal/protocol"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	messageBuffer           = 32
)

var errUnauthorized = errors.New("session: server rejected credentials")

// Transport carries protocol messages to and from the sync server. Messages returns the
// inbound stream of the current connection; it is closed when the connection drops.
type Transport interface {
	Connect(ctx context.Context) error
	Send(ctx context.Context, message protocol.Message) error
	Messages() <-chan protocol.Message
	Close() error
}

// WebSocketTransport connects to the sync server's websocket endpoint with a bearer token.
type WebSocketTransport struct {
	URL    string
	Token  string
	Dialer *websocket.Dialer
	Clock  func() time.Time

	mu       sync.Mutex
	writeMu  sync.Mutex
	conn     *websocket.Conn
	done     chan struct{}
	messages chan protocol.Message
}

// NewWebSocketTransport returns a transport for url authenticating with token.
func NewWebSocketTransport(url, token string) *WebSocketTransport {
	return &WebSocketTransport{URL: url, Token: token}
}

// Connect dials the server. An expired token fails before dialing.
func (t *WebSocketTransport) Connect(ctx context.Context) error {
	if err := t.checkToken(); err != nil {
		return err
	}
	dialer := t.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{HandshakeTimeout: defaultHandshakeTimeout}
	}
	header := http.Header{}
	if t.Token != "" {
		header.Set("Authorization", "Bearer "+t.Token)
	}
	conn, response, err := dialer.DialContext(ctx, t.URL, header)
	if err != nil {
		if response != nil && response.StatusCode == http.StatusUnauthorized {
			return fmt.Errorf("%w: %v", errUnauthorized, err)
		}
		return fmt.Errorf("session: dial %s: %w", t.URL, err)
	}
	messages := make(chan protocol.Message, messageBuffer)
	done := make(chan struct{})
	t.mu.Lock()
	if t.conn != nil {
		close(t.done)
		_ = t.conn.Close()
	}
	t.conn = conn
	t.done = done
	t.messages = messages
	t.mu.Unlock()
	go t.readLoop(conn, messages, done)
	return nil
}

func (t *WebSocketTransport) checkToken() error {
	if t.Token == "" {
		return nil
	}
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(t.Token, claims); err != nil {
		return fmt.Errorf("%w: %v", errUnauthorized, err)
	}
	clock := t.Clock
	if clock == nil {
		clock = time.Now
	}
	if claims.ExpiresAt != nil && !clock().Before(claims.ExpiresAt.Time) {
		return ErrTokenExpired
	}
	return nil
}

func (t *WebSocketTransport) readLoop(conn *websocket.Conn, messages chan protocol.Message, done <-chan struct{}) {
	defer close(messages)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		message, err := protocol.Decode(data)
		if err != nil {
			continue
		}
		select {
		case messages <- message:
		case <-done:
			return
		}
	}
}

// Send writes one message on the current connection.
func (t *WebSocketTransport) Send(ctx context.Context, message protocol.Message) error {
	data, err := protocol.Encode(message)
	if err != nil {
		return err
	}
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return errors.New("session: transport not connected")
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
		defer conn.SetWriteDeadline(time.Time{})
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

// Messages returns the inbound stream of the current connection.
func (t *WebSocketTransport) Messages() <-chan protocol.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.messages
}

// Close drops the current connection.
func (t *WebSocketTransport) Close() error {
	t.mu.Lock()
	conn := t.conn
	if conn != nil {
		close(t.done)
	}
	t.conn = nil
	t.mu.Unlock()
	if conn == nil {
		return nil
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return conn.Close()
}
