package realm

import (
	"errors"
	"slices"

	"github.com/MarcoPoloResearchLab/realmkit/internal/changeset"
	"github.com/MarcoPoloResearchLab/realmkit/internal/engine"
	"github.com/MarcoPoloResearchLab/realmkit/internal/handle"
	"github.com/MarcoPoloResearchLab/realmkit/internal/schema"
)

// ResultsCallback receives collection notifications. The first call carries nil changes and
// marks the baseline. On error, results and changes are nil and no further calls follow.
type ResultsCallback func(results *Results, changes *changeset.ChangeSet, err error)

// RangeCallback receives list-binding style notifications.
type RangeCallback func(events []changeset.RangeEvent, err error)

// ObjectChange describes a change to an observed object.
type ObjectChange struct {
	Deleted           bool
	ChangedProperties []string
}

// ObjectCallback receives object notifications.
type ObjectCallback func(change ObjectChange, err error)

// NotificationToken keeps a callback registered until Close.
type NotificationToken struct {
	realm  *Realm
	handle *handle.Handle
}

// Close unregisters the callback. Close is idempotent and never rolls back anything already
// delivered.
func (t *NotificationToken) Close() error {
	if t == nil || !t.handle.Valid() {
		return nil
	}
	if goroutineID() != t.realm.owner {
		return newError(KindThread, "NotificationToken.Close", ErrWrongThread)
	}
	return t.handle.Close()
}

// IsValid reports whether the token is still registered.
func (t *NotificationToken) IsValid() bool {
	return t != nil && t.handle.Valid()
}

type subscriber struct {
	callback  ResultsCallback
	baselined bool
	active    bool
}

// collectionNotifier is the subscriber registry of one Results. The first subscriber
// acquires the engine token and the last one to leave releases it.
type collectionNotifier struct {
	realm       *Realm
	results     *Results
	handle      *handle.Handle
	token       *engine.Token
	subscribers []*subscriber
	ready       bool
	broken      bool
}

// Subscribe registers cb for changes to the results. Callbacks run on the realm's goroutine
// from Refresh, WaitForChange and Commit, once per observed version transition and in
// commit order.
func (res *Results) Subscribe(cb ResultsCallback) (*NotificationToken, error) {
	if err := res.check("Subscribe"); err != nil {
		return nil, err
	}
	if cb == nil {
		return nil, newError(KindArgument, "Subscribe", errors.New("realm: nil callback"))
	}
	r := res.realm
	notifier := res.notifier
	if notifier == nil || notifier.broken {
		var err error
		notifier, err = r.newCollectionNotifier(res)
		if err != nil {
			return nil, err
		}
		res.notifier = notifier
	}
	entry := &subscriber{callback: cb, active: true}
	notifier.subscribers = append(notifier.subscribers, entry)
	tokenHandle, err := r.arena.Acquire(handle.KindToken, func() error {
		notifier.remove(entry)
		return nil
	})
	if err != nil {
		notifier.remove(entry)
		return nil, newError(KindResource, "Subscribe", err)
	}
	return &NotificationToken{realm: r, handle: tokenHandle}, nil
}

// SubscribeRanges translates collection changes into range events: one contiguous add or
// remove when possible, otherwise a reset carrying the new count. The baseline is a reset.
func (res *Results) SubscribeRanges(cb RangeCallback) (*NotificationToken, error) {
	if cb == nil {
		return nil, newError(KindArgument, "SubscribeRanges", errors.New("realm: nil callback"))
	}
	return res.Subscribe(func(results *Results, changes *changeset.ChangeSet, err error) {
		if err != nil {
			cb(nil, err)
			return
		}
		var events []changeset.RangeEvent
		if changes == nil {
			events = []changeset.RangeEvent{{Action: changeset.ActionReset, StartIndex: -1}}
		} else {
			events = changeset.Translate(*changes)
		}
		if len(events) == 0 {
			return
		}
		rows, err := results.materialize()
		if err != nil {
			cb(nil, err)
			return
		}
		for i := range events {
			if events[i].Action == changeset.ActionReset {
				events[i].Count = len(rows)
			}
		}
		cb(events, nil)
	})
}

func (r *Realm) newCollectionNotifier(res *Results) (*collectionNotifier, error) {
	notifier := &collectionNotifier{realm: r, results: res}
	token, err := r.conn.SubscribeToChanges(func() ([]changeset.RowRef, error) {
		rows, err := res.materialize()
		if err != nil {
			return nil, err
		}
		return engine.RefsOf(rows), nil
	}, notifier.dispatch)
	if err != nil {
		return nil, engineError("Subscribe", err)
	}
	notifier.token = token
	notifierHandle, err := r.arena.Acquire(handle.KindResults, func() error {
		token.Close()
		r.notifiers = slices.DeleteFunc(r.notifiers, func(candidate *collectionNotifier) bool {
			return candidate == notifier
		})
		return nil
	})
	if err != nil {
		token.Close()
		return nil, newError(KindResource, "Subscribe", err)
	}
	notifier.handle = notifierHandle
	r.notifiers = append(r.notifiers, notifier)
	return notifier, nil
}

func (n *collectionNotifier) remove(entry *subscriber) {
	entry.active = false
	n.subscribers = slices.DeleteFunc(n.subscribers, func(candidate *subscriber) bool {
		return candidate == entry
	})
	if len(n.subscribers) > 0 {
		return
	}
	if n.results.notifier == n {
		n.results.notifier = nil
	}
	_ = n.handle.Close()
}

func (n *collectionNotifier) dispatch(changes *changeset.ChangeSet, err error) {
	subscribers := slices.Clone(n.subscribers)
	if err != nil {
		n.broken = true
		if n.results.notifier == n {
			n.results.notifier = nil
		}
		n.realm.logger.Debug("collection notifier broken")
		for _, entry := range subscribers {
			if entry.active {
				entry.callback(nil, nil, err)
			}
		}
		return
	}
	n.ready = true
	for _, entry := range subscribers {
		if !entry.active {
			continue
		}
		if !entry.baselined {
			entry.baselined = true
			entry.callback(n.results, nil, nil)
			continue
		}
		if changes != nil {
			entry.callback(n.results, changes, nil)
		}
	}
}

// flushBaselines serves subscribers that joined after the engine delivered its baseline.
func (n *collectionNotifier) flushBaselines() {
	if !n.ready || n.broken {
		return
	}
	for _, entry := range slices.Clone(n.subscribers) {
		if entry.active && !entry.baselined {
			entry.baselined = true
			entry.callback(n.results, nil, nil)
		}
	}
}

// Observe registers cb for changes to this object: property changes name the changed
// properties, deletion is reported once.
func (o *Object) Observe(cb ObjectCallback) (*NotificationToken, error) {
	if o.realm == nil {
		return nil, newError(KindResource, "Observe", ErrUnmanagedObject)
	}
	if cb == nil {
		return nil, newError(KindArgument, "Observe", errors.New("realm: nil callback"))
	}
	last, err := o.load("Observe")
	if err != nil {
		return nil, err
	}
	r := o.realm
	deleted := false
	token, err := r.conn.SubscribeToChanges(func() ([]changeset.RowRef, error) {
		row, err := r.conn.Get(o.rowID)
		if errors.Is(err, engine.ErrRowNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return []changeset.RowRef{{ID: row.ID, Version: row.Version}}, nil
	}, func(_ *changeset.ChangeSet, err error) {
		if deleted {
			return
		}
		if err != nil {
			cb(ObjectChange{}, err)
			return
		}
		row, getErr := r.conn.Get(o.rowID)
		if errors.Is(getErr, engine.ErrRowNotFound) || (getErr == nil && row.Class != o.className) {
			deleted = true
			cb(ObjectChange{Deleted: true}, nil)
			return
		}
		if getErr != nil {
			cb(ObjectChange{}, getErr)
			return
		}
		current, decodeErr := r.rowValues(o.meta, row)
		if decodeErr != nil {
			cb(ObjectChange{}, decodeErr)
			return
		}
		changed := changedProperties(o.meta.Class(), last, current)
		last = current
		if len(changed) > 0 {
			cb(ObjectChange{ChangedProperties: changed}, nil)
		}
	})
	if err != nil {
		return nil, engineError("Observe", err)
	}
	tokenHandle, err := r.arena.Acquire(handle.KindObject, func() error {
		token.Close()
		return nil
	})
	if err != nil {
		token.Close()
		return nil, newError(KindResource, "Observe", err)
	}
	return &NotificationToken{realm: r, handle: tokenHandle}, nil
}

func changedProperties(class schema.ObjectSchema, before, after []any) []string {
	var changed []string
	for column, property := range class.Properties {
		if !schema.Equal(property, before[column], after[column]) {
			changed = append(changed, property.Name)
		}
	}
	return changed
}
