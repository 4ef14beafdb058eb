package session

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/realmkit/internal/protocol"
	"github.com/MarcoPoloResearchLab/realmkit/internal/query"
	"github.com/MarcoPoloResearchLab/realmkit/internal/realm"
	"github.com/MarcoPoloResearchLab/realmkit/internal/subscription"
)

// worker owns the session's private realm instance and runs on the session goroutine.
type worker struct {
	session  *Session
	realm    *realm.Realm
	classes  []string
	sent     map[string]string
	// removing holds the queries of subscriptions unsubscribed locally until the server
	// confirms the removal.
	removing map[string]string
	uploaded int64
}

func newWorker(s *Session, local *realm.Realm) (*worker, error) {
	version, err := local.Version()
	if err != nil {
		return nil, err
	}
	var classes []string
	for _, class := range local.Schema().Classes() {
		if !class.Internal() {
			classes = append(classes, class.Name)
		}
	}
	return &worker{session: s, realm: local, classes: classes, removing: make(map[string]string), uploaded: version}, nil
}

// serve runs one connection until it drops or ctx ends.
func (w *worker) serve(ctx context.Context) error {
	s := w.session
	w.sent = make(map[string]string)
	if err := s.transport.Send(ctx, protocol.Message{Type: protocol.TypeHello, Session: s.id, Classes: w.classes}); err != nil {
		return err
	}
	messages := s.transport.Messages()
	for {
		changed := w.realm.Changed()
		if err := w.pushLocalChanges(ctx); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-changed:
		case message, ok := <-messages:
			if !ok {
				s.logger.Info("sync connection closed by server")
				return nil
			}
			if err := w.apply(ctx, message); err != nil {
				return err
			}
		}
	}
}

func (w *worker) pushLocalChanges(ctx context.Context) error {
	if _, err := w.realm.Refresh(); err != nil {
		return err
	}
	if err := w.syncSubscriptions(ctx); err != nil {
		return err
	}
	return w.queueUpload(ctx)
}

func (w *worker) syncSubscriptions(ctx context.Context) error {
	records, err := subscription.List(w.realm)
	if err != nil {
		return err
	}
	current := make(map[string]bool, len(records))
	for _, record := range records {
		current[record.Name] = true
		if w.sent[record.Name] == record.QueryJSON {
			continue
		}
		message := protocol.Message{
			Type:    protocol.TypeSubscribe,
			Session: w.session.id,
			Name:    record.Name,
			Class:   record.Class,
			Query:   json.RawMessage(record.QueryJSON),
		}
		if record.TTL != nil {
			message.TTLMillis = record.TTL.Milliseconds()
		}
		if err := w.session.transport.Send(ctx, message); err != nil {
			return err
		}
		w.sent[record.Name] = record.QueryJSON
	}
	for name := range w.sent {
		if current[name] {
			continue
		}
		if err := w.session.transport.Send(ctx, protocol.Message{Type: protocol.TypeUnsubscribe, Session: w.session.id, Name: name}); err != nil {
			return err
		}
		w.removing[name] = w.sent[name]
		delete(w.sent, name)
	}
	return nil
}

func (w *worker) queueUpload(ctx context.Context) error {
	version, err := w.realm.Version()
	if err != nil {
		return err
	}
	if version <= w.uploaded {
		return nil
	}
	bytes, err := w.realm.ChangedBytesSince(w.uploaded)
	if err != nil {
		return err
	}
	w.uploaded = version
	if bytes <= 0 {
		return nil
	}
	w.session.upload.add(uint64(bytes))
	return w.session.transport.Send(ctx, protocol.Message{
		Type:    protocol.TypeUpload,
		Session: w.session.id,
		Version: version,
		Bytes:   bytes,
	})
}

// apply handles one server message. Writes made on behalf of the server are not uploaded.
func (w *worker) apply(ctx context.Context, message protocol.Message) error {
	s := w.session
	switch message.Type {
	case protocol.TypeSubscriptionState:
		return w.applyServerWrite(ctx, func() error {
			return subscription.ApplyServerState(w.realm, message.Name, message.State, message.Error)
		})
	case protocol.TypeSubscriptionRemoved:
		removedQuery, unsubscribed := w.removing[message.Name]
		delete(w.sent, message.Name)
		delete(w.removing, message.Name)
		return w.applyServerWrite(ctx, func() error {
			if !unsubscribed {
				return subscription.ApplyRemoval(w.realm, message.Name)
			}
			removed, err := query.Unmarshal([]byte(removedQuery))
			if err != nil {
				return err
			}
			return subscription.Prune(w.realm, removed)
		})
	case protocol.TypeUploadAck:
		s.upload.acknowledge(uint64(max(message.Bytes, 0)))
	case protocol.TypeProgress:
		direction := Download
		if message.Direction == protocol.DirectionUpload {
			direction = Upload
		}
		s.tracker(direction).update(message.Transferred, message.Transferable)
	case protocol.TypeError:
		s.reportError(syncErrorFromMessage(message, w.realm.Path()))
	default:
		s.logger.Debug("ignoring sync message", zap.String("type", string(message.Type)))
	}
	return nil
}

func (w *worker) applyServerWrite(ctx context.Context, write func() error) error {
	if err := w.pushLocalChanges(ctx); err != nil {
		return err
	}
	before, err := w.realm.Version()
	if err != nil {
		return err
	}
	if err := write(); err != nil {
		return err
	}
	after, err := w.realm.Version()
	if err != nil {
		return err
	}
	if w.uploaded == before && after == before+1 {
		w.uploaded = after
	}
	return nil
}
