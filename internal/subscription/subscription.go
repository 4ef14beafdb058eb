package subscription

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/realmkit/internal/query"
	"github.com/MarcoPoloResearchLab/realmkit/internal/realm"
	"github.com/MarcoPoloResearchLab/realmkit/internal/schema"
)

var (
	// ErrInvalidated is returned when waiting on a subscription that was removed.
	ErrInvalidated = errors.New("subscription: invalidated")
	// ErrUncommitted is returned when waiting on a subscription whose creating write is still open.
	ErrUncommitted = errors.New("subscription: creating write has not been committed")
	// ErrClosed is returned by a subscription after Close.
	ErrClosed = errors.New("subscription: closed")
)

// Observable property names reported by OnPropertyChanged.
const (
	PropertyState = "State"
	PropertyError = "Error"
)

// Options tunes Subscribe.
type Options struct {
	// Name identifies the subscription; the query description is used when empty.
	Name string
	// TTL asks the server to drop the subscription after the given duration.
	TTL time.Duration
	// UpdateIfExists replaces the query of an existing subscription with the same name.
	UpdateIfExists bool
}

// Subscription is a handle on one row of the subscription class. It shares the thread
// confinement of the realm it was created from.
type Subscription struct {
	realm     *realm.Realm
	results   *realm.Results
	name      string
	query     query.Query
	object    *realm.Object
	creating  bool
	conflict  *Failure
	closed    bool
	listeners []*listener
	token     *realm.NotificationToken
}

type listener struct {
	callback func(property string)
}

// Subscribe asks the server to synchronize the objects matched by results. Inside an open
// write the subscription stays Creating until that write commits; otherwise it is written in
// its own write and starts Pending.
func Subscribe(results *realm.Results, opts Options) (*Subscription, error) {
	r := results.Realm()
	q := results.Query()
	encoded, err := q.Marshal()
	if err != nil {
		return nil, err
	}
	name := opts.Name
	if name == "" {
		name = q.String()
	}
	sub := &Subscription{realm: r, results: results, name: name, query: q}

	body := func() error {
		existing, err := r.Find(schema.ResultSetsClassName, name)
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		if existing == nil {
			values := map[string]any{
				schema.ResultSetsName:            name,
				schema.ResultSetsQuery:           string(encoded),
				schema.ResultSetsMatchesProperty: q.Class + "_matches",
				schema.ResultSetsStatus:          int64(StatePending),
				schema.ResultSetsCreatedAt:       now,
				schema.ResultSetsUpdatedAt:       now,
			}
			if opts.TTL > 0 {
				values[schema.ResultSetsTimeToLive] = opts.TTL.Milliseconds()
				values[schema.ResultSetsExpiresAt] = now.Add(opts.TTL)
			}
			sub.object, err = r.CreateObject(schema.ResultSetsClassName, values)
			return err
		}
		sub.object = existing
		stored, err := existing.String(schema.ResultSetsQuery)
		if err != nil {
			return err
		}
		if stored == string(encoded) {
			return nil
		}
		if !opts.UpdateIfExists {
			sub.conflict = &Failure{
				Code:    int64(StateError),
				Message: fmt.Sprintf("a subscription named %q already exists with a different query", name),
			}
			return nil
		}
		return updateQuery(existing, string(encoded), opts.TTL, now)
	}

	if r.IsInTransaction() {
		if err := body(); err != nil {
			return nil, err
		}
		sub.creating = sub.conflict == nil
	} else if err := r.Write(body); err != nil {
		return nil, err
	}
	r.Logger().Debug("subscription requested",
		zap.String("name", name),
		zap.String("class", q.Class),
		zap.String("state", sub.State().String()))
	return sub, nil
}

type assignment struct {
	property string
	value    any
}

func updateQuery(object *realm.Object, encoded string, ttl time.Duration, now time.Time) error {
	updates := []assignment{
		{schema.ResultSetsQuery, encoded},
		{schema.ResultSetsStatus, int64(StatePending)},
		{schema.ResultSetsErrorMessage, ""},
		{schema.ResultSetsUpdatedAt, now},
	}
	if ttl > 0 {
		updates = append(updates,
			assignment{schema.ResultSetsTimeToLive, ttl.Milliseconds()},
			assignment{schema.ResultSetsExpiresAt, now.Add(ttl)})
	}
	for _, update := range updates {
		if err := object.Set(update.property, update.value); err != nil {
			return err
		}
	}
	return nil
}

// Name returns the subscription name.
func (s *Subscription) Name() string {
	return s.name
}

// Query returns the subscribed query.
func (s *Subscription) Query() query.Query {
	return s.query
}

// Results returns the results the subscription was created from.
func (s *Subscription) Results() *realm.Results {
	return s.results
}

// State returns the current state as seen by the realm's current version. On a goroutine
// other than the realm's it reports StateError and Error returns realm.ErrWrongThread.
func (s *Subscription) State() State {
	state, _ := s.current()
	return state
}

// Error returns the error carried by the Error state, or nil.
func (s *Subscription) Error() error {
	_, err := s.current()
	return err
}

func (s *Subscription) current() (State, error) {
	if err := s.realm.CheckThread(); err != nil {
		return StateError, err
	}
	if s.conflict != nil {
		return StateError, s.conflict
	}
	if s.creating {
		if s.realm.IsInTransaction() && s.object.IsValid() {
			return StateCreating, nil
		}
		s.creating = false
	}
	if s.object == nil || !s.object.IsValid() {
		return StateInvalidated, nil
	}
	values, err := s.object.Values()
	if err != nil {
		if errors.Is(err, realm.ErrObjectInvalidated) {
			return StateInvalidated, nil
		}
		if realm.KindOf(err) == realm.KindThread {
			return StateError, err
		}
		return StateError, &Failure{Code: int64(StateError), Message: err.Error()}
	}
	code, _ := values[schema.ResultSetsStatus].(int64)
	state, parseErr := ParseState(code)
	if state != StateError {
		return state, nil
	}
	if message := stringValue(values[schema.ResultSetsErrorMessage]); message != "" {
		return StateError, &Failure{Code: code, Message: message}
	}
	return StateError, parseErr
}

// ExpiresAt returns when the server drops the subscription, if a time to live was set.
func (s *Subscription) ExpiresAt() *time.Time {
	if s.object == nil || !s.object.IsValid() {
		return nil
	}
	expires, err := s.object.NullableDate(schema.ResultSetsExpiresAt)
	if err != nil {
		return nil
	}
	return expires
}

// OnPropertyChanged registers cb for changes of State and Error. Callbacks run on the realm's
// goroutine whenever it refreshes. The returned function unregisters cb.
func (s *Subscription) OnPropertyChanged(cb func(property string)) (func(), error) {
	if err := s.realm.CheckThread(); err != nil {
		return nil, err
	}
	if s.closed {
		return nil, ErrClosed
	}
	if s.token == nil && s.object != nil {
		token, err := s.object.Observe(s.objectChanged)
		if err != nil {
			return nil, err
		}
		s.token = token
	}
	entry := &listener{callback: cb}
	s.listeners = append(s.listeners, entry)
	return func() {
		s.listeners = slices.DeleteFunc(s.listeners, func(candidate *listener) bool { return candidate == entry })
	}, nil
}

func (s *Subscription) objectChanged(change realm.ObjectChange, err error) {
	if err != nil {
		s.realm.Logger().Warn("subscription observer failed", zap.String("name", s.name), zap.Error(err))
		return
	}
	var properties []string
	switch {
	case change.Deleted:
		properties = []string{PropertyState}
	default:
		for _, property := range change.ChangedProperties {
			switch property {
			case schema.ResultSetsStatus:
				properties = append(properties, PropertyState)
			case schema.ResultSetsErrorMessage:
				properties = append(properties, PropertyError)
			}
		}
	}
	for _, property := range properties {
		for _, entry := range slices.Clone(s.listeners) {
			entry.callback(property)
		}
	}
}

// WaitForSynchronization blocks until the subscription is Complete, Error or Invalidated,
// refreshing the realm whenever another instance commits. It returns the subscription error
// in the Error state and ErrInvalidated after removal.
func (s *Subscription) WaitForSynchronization(ctx context.Context) error {
	if err := s.realm.CheckThread(); err != nil {
		return err
	}
	for {
		if s.closed {
			return ErrClosed
		}
		state, err := s.current()
		switch state {
		case StateComplete:
			return nil
		case StateError:
			return err
		case StateInvalidated:
			return ErrInvalidated
		case StateCreating:
			return ErrUncommitted
		}
		if err := s.realm.WaitForChange(ctx); err != nil {
			return err
		}
	}
}

// Unsubscribe deletes the subscription locally. The server drops it once the deletion has
// been uploaded. Objects synchronized for it are kept until then.
func (s *Subscription) Unsubscribe() error {
	if err := s.realm.CheckThread(); err != nil {
		return err
	}
	if s.object == nil || !s.object.IsValid() {
		return nil
	}
	err := inWrite(s.realm, func() error {
		return s.realm.Remove(s.object)
	})
	if err != nil {
		return err
	}
	s.realm.Logger().Debug("subscription removed", zap.String("name", s.name))
	return nil
}

// Close stops property change delivery. It does not affect the subscription itself.
func (s *Subscription) Close() error {
	if err := s.realm.CheckThread(); err != nil {
		return err
	}
	if s.closed {
		return nil
	}
	s.closed = true
	s.listeners = nil
	if s.token == nil {
		return nil
	}
	return s.token.Close()
}
