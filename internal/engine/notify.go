package engine

import (
	"slices"

	"github.com/MarcoPoloResearchLab/realmkit/internal/changeset"
)

// SnapshotFunc evaluates the observed collection against the connection's current version.
type SnapshotFunc func() ([]changeset.RowRef, error)

// RawCallback receives engine notifications. The first call carries neither changes nor an
// error and marks the baseline; later calls carry a non-empty change set or an error.
type RawCallback func(changes *changeset.ChangeSet, err error)

// Token is a live registration created by SubscribeToChanges.
type Token struct {
	conn      *Conn
	source    SnapshotFunc
	callback  RawCallback
	delivered bool
	broken    bool
	closed    bool
	last      []changeset.RowRef
	base      int64
}

// SubscribeToChanges registers cb for the collection described by source. Delivery happens
// on the connection owner's goroutine from DeliverNotifications.
func (c *Conn) SubscribeToChanges(source SnapshotFunc, cb RawCallback) (*Token, error) {
	if c.closed {
		return nil, ErrClosed
	}
	token := &Token{conn: c, source: source, callback: cb}
	c.tokenMu.Lock()
	c.tokens = append(c.tokens, token)
	c.tokenMu.Unlock()
	return token, nil
}

// Close unregisters the token. Close is idempotent.
func (t *Token) Close() {
	if t.closed {
		return
	}
	t.markClosed()
	conn := t.conn
	conn.tokenMu.Lock()
	conn.tokens = slices.DeleteFunc(conn.tokens, func(candidate *Token) bool { return candidate == t })
	conn.tokenMu.Unlock()
}

// Broken reports whether the token stopped delivering after an error.
func (t *Token) Broken() bool {
	return t.broken
}

func (t *Token) markClosed() {
	t.closed = true
}

// DeliverNotifications evaluates every live token against the connection's current version
// and invokes its callback at most once. Versions skipped between two calls are coalesced
// into one cumulative change set. It returns the number of callbacks invoked.
func (c *Conn) DeliverNotifications() int {
	if c.closed || (c.write != nil && c.write.dirty) {
		return 0
	}
	c.tokenMu.Lock()
	tokens := slices.Clone(c.tokens)
	c.tokenMu.Unlock()

	version := c.current().version
	invoked := 0
	for _, token := range tokens {
		if token.closed || token.broken {
			continue
		}
		if token.deliver(version) {
			invoked++
		}
	}
	return invoked
}

func (t *Token) deliver(version int64) bool {
	if t.delivered && version <= t.base {
		return false
	}
	refs, err := t.source()
	if err != nil {
		t.broken = true
		t.callback(nil, err)
		return true
	}
	if !t.delivered {
		t.delivered = true
		t.last = refs
		t.base = version
		t.callback(nil, nil)
		return true
	}
	changes := changeset.Compute(t.last, refs, t.base)
	t.last = refs
	t.base = version
	if changes.Empty() {
		return false
	}
	t.callback(&changes, nil)
	return true
}

// RefsOf converts rows into the identities used for change computation.
func RefsOf(rows []Row) []changeset.RowRef {
	refs := make([]changeset.RowRef, len(rows))
	for i, row := range rows {
		refs[i] = changeset.RowRef{ID: row.ID, Version: row.Version}
	}
	return refs
}
