package syncserver

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/realmkit/internal/protocol"
	"github.com/MarcoPoloResearchLab/realmkit/internal/subscription"
)

const (
	directionIn  = "in"
	directionOut = "out"
	writeTimeout = 5 * time.Second
)

// connection serves one sync websocket. Subscription state flows through the
// dispatcher so every connection of the user sees it; acks and progress go
// straight back on this socket.
type connection struct {
	handler   *httpHandler
	socket    *websocket.Conn
	userID    string
	sessionID string
	classes   map[string]bool
	logger    *zap.Logger

	writeMu sync.Mutex
	pending sync.WaitGroup

	progressMu sync.Mutex
	requested  uint64
	completed  uint64
}

func (h *httpHandler) handleSync(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	socket, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	conn := &connection{
		handler: h,
		socket:  socket,
		userID:  userID,
		classes: make(map[string]bool),
		logger:  h.logger.With(zap.String("user_id", userID)),
	}
	h.metrics.ActiveConnections.Inc()
	defer h.metrics.ActiveConnections.Dec()
	conn.run(c.Request.Context())
}

func (c *connection) run(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	defer func() {
		cancel()
		_ = c.socket.Close()
		c.pending.Wait()
	}()

	stream, cleanup := c.handler.dispatcher.Subscribe(ctx, c.userID)
	defer cleanup()

	inbound := make(chan []byte)
	go c.readLoop(ctx, inbound)

	for {
		select {
		case <-ctx.Done():
			c.close(websocket.CloseGoingAway)
			return
		case message, ok := <-stream:
			if !ok {
				return
			}
			if err := c.send(message); err != nil {
				return
			}
		case data, ok := <-inbound:
			if !ok {
				return
			}
			message, err := protocol.Decode(data)
			if err != nil {
				c.sendError(protocol.CategoryProtocol, err)
				continue
			}
			c.handler.metrics.MessagesTotal.WithLabelValues(string(message.Type), directionIn).Inc()
			if err := c.handle(ctx, message); err != nil {
				c.logger.Warn("sync message failed", zap.String("type", string(message.Type)), zap.Error(err))
				c.sendError(protocol.CategoryConnection, err)
			}
		}
	}
}

func (c *connection) readLoop(ctx context.Context, inbound chan<- []byte) {
	defer close(inbound)
	for {
		_, data, err := c.socket.ReadMessage()
		if err != nil {
			return
		}
		select {
		case inbound <- data:
		case <-ctx.Done():
			return
		}
	}
}

func (c *connection) handle(ctx context.Context, message protocol.Message) error {
	switch message.Type {
	case protocol.TypeHello:
		c.sessionID = message.Session
		for _, class := range message.Classes {
			c.classes[class] = true
		}
		c.logger.Info("sync session connected", zap.String("session", c.sessionID), zap.Strings("classes", message.Classes))
		return nil
	case protocol.TypeSubscribe:
		return c.subscribe(ctx, message)
	case protocol.TypeUnsubscribe:
		existed, err := c.handler.store.Delete(ctx, c.userID, message.Name)
		if err != nil {
			return err
		}
		if existed {
			c.handler.dispatcher.Publish(c.userID, protocol.Message{Type: protocol.TypeSubscriptionRemoved, Name: message.Name})
		}
		return nil
	case protocol.TypeUpload:
		if _, err := c.handler.store.RecordUpload(ctx, c.userID, c.sessionID, message.Version, message.Bytes); err != nil {
			return err
		}
		c.handler.metrics.UploadedBytesTotal.Add(float64(max(message.Bytes, 0)))
		return c.send(protocol.Message{
			Type:    protocol.TypeUploadAck,
			Session: c.sessionID,
			Version: message.Version,
			Bytes:   message.Bytes,
		})
	default:
		return newServiceError(opHandleMessage, "unexpected_type", fmt.Errorf("unexpected message type %q", message.Type))
	}
}

// subscribe stores the subscription as Pending and reports Complete after the
// ack delay, or Error at once when the client never declared the class.
func (c *connection) subscribe(ctx context.Context, message protocol.Message) error {
	record := SubscriptionRecord{
		UserID:    c.userID,
		Name:      message.Name,
		Class:     message.Class,
		QueryJSON: string(message.Query),
		TTLMillis: message.TTLMillis,
		State:     int64(subscription.StatePending),
	}
	unknownClass := len(c.classes) > 0 && !c.classes[message.Class]
	if unknownClass {
		record.State = int64(subscription.StateError)
		record.ErrorMessage = fmt.Sprintf("unknown class %q", message.Class)
	}
	if _, err := c.handler.store.Upsert(ctx, record); err != nil {
		return err
	}
	if err := c.trackDownload(1, 0); err != nil {
		return err
	}
	if unknownClass {
		c.publishState(message.Name, subscription.StateError, record.ErrorMessage)
		return c.trackDownload(0, 1)
	}

	c.pending.Add(1)
	go func() {
		defer c.pending.Done()
		if delay := c.handler.ackDelay; delay > 0 {
			timer := time.NewTimer(delay)
			defer timer.Stop()
			select {
			case <-ctx.Done():
				return
			case <-timer.C:
			}
		}
		found, err := c.handler.store.SetState(ctx, c.userID, message.Name, subscription.StateComplete, "")
		if err != nil || !found {
			return
		}
		c.publishState(message.Name, subscription.StateComplete, "")
		_ = c.trackDownload(0, 1)
	}()
	return nil
}

func (c *connection) publishState(name string, state subscription.State, errorMessage string) {
	c.handler.metrics.SubscriptionStatesTotal.WithLabelValues(state.String()).Inc()
	c.handler.dispatcher.Publish(c.userID, protocol.Message{
		Type:  protocol.TypeSubscriptionState,
		Name:  name,
		State: int64(state),
		Error: errorMessage,
	})
}

// trackDownload reports download progress as acknowledged subscriptions over
// requested ones. Samples leave in the order they are counted.
func (c *connection) trackDownload(requested, completed uint64) error {
	c.progressMu.Lock()
	defer c.progressMu.Unlock()
	c.requested += requested
	c.completed += completed
	return c.send(protocol.Message{
		Type:         protocol.TypeProgress,
		Direction:    protocol.DirectionDownload,
		Transferred:  c.completed,
		Transferable: c.requested,
	})
}

func (c *connection) send(message protocol.Message) error {
	data, err := protocol.Encode(message)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.socket.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.socket.WriteMessage(websocket.TextMessage, data); err != nil {
		return err
	}
	c.handler.metrics.MessagesTotal.WithLabelValues(string(message.Type), directionOut).Inc()
	return nil
}

func (c *connection) sendError(category string, err error) {
	_ = c.send(protocol.Message{
		Type:     protocol.TypeError,
		Session:  c.sessionID,
		Category: category,
		Error:    err.Error(),
	})
}

func (c *connection) close(code int) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.socket.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, ""),
		time.Now().Add(time.Second))
}
