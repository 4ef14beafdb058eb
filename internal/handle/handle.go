// Package handle provides ownership wrappers for engine resources. An Arena owns
// every handle acquired from it; closing the arena releases all live children in
// one deterministic pass.
package handle

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/multierr"
)

var (
	// ErrReleased indicates that a handle was used after it was closed.
	ErrReleased = errors.New("handle: released")
	// ErrArenaClosed indicates that the owning arena was closed.
	ErrArenaClosed = errors.New("handle: owner closed")
)

// Kind labels the resource a handle wraps.
type Kind int

const (
	KindRealm Kind = iota
	KindTable
	KindObject
	KindResults
	KindQuery
	KindToken
	KindSession
)

var kindNames = [...]string{"realm", "table", "object", "results", "query", "token", "session"}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return fmt.Sprintf("kind(%d)", int(k))
	}
	return kindNames[k]
}

// Arena owns a set of handles.
type Arena struct {
	id       string
	name     string
	mu       sync.Mutex
	closed   bool
	nextSeq  uint64
	children map[uint64]*Handle
}

// NewArena constructs an empty arena.
func NewArena(name string) *Arena {
	return &Arena{
		id:       uuid.NewString(),
		name:     name,
		children: make(map[uint64]*Handle),
	}
}

// ID returns the arena identifier.
func (a *Arena) ID() string {
	return a.id
}

// Name returns the label given at construction.
func (a *Arena) Name() string {
	return a.name
}

// Acquire registers a new handle whose release func runs at most once.
func (a *Arena) Acquire(kind Kind, release func() error) (*Handle, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil, fmt.Errorf("%w: %s", ErrArenaClosed, a.name)
	}
	a.nextSeq++
	h := &Handle{arena: a, seq: a.nextSeq, kind: kind, release: release}
	a.children[h.seq] = h
	return h, nil
}

// Live reports the number of handles that are still open.
func (a *Arena) Live() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.children)
}

// Closed reports whether Close has been called.
func (a *Arena) Closed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closed
}

// Close releases every live handle in reverse acquisition order. It is safe to call repeatedly.
func (a *Arena) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	live := make([]*Handle, 0, len(a.children))
	for _, child := range a.children {
		live = append(live, child)
	}
	a.children = make(map[uint64]*Handle)
	a.mu.Unlock()

	slices.SortFunc(live, func(left, right *Handle) int {
		return cmp.Compare(right.seq, left.seq)
	})
	var err error
	for _, child := range live {
		err = multierr.Append(err, child.runRelease())
	}
	return err
}

func (a *Arena) forget(seq uint64) {
	a.mu.Lock()
	delete(a.children, seq)
	a.mu.Unlock()
}

func (a *Arena) isClosed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closed
}

// Handle is one owned resource.
type Handle struct {
	arena    *Arena
	seq      uint64
	kind     Kind
	released atomic.Bool
	once     sync.Once
	release  func() error
}

// Kind returns the resource kind.
func (h *Handle) Kind() Kind {
	return h.kind
}

// Check returns nil while the handle and its arena are open.
func (h *Handle) Check() error {
	if h == nil || h.released.Load() {
		return ErrReleased
	}
	if h.arena.isClosed() {
		return fmt.Errorf("%w: %s", ErrArenaClosed, h.arena.name)
	}
	return nil
}

// Valid is the boolean form of Check.
func (h *Handle) Valid() bool {
	return h.Check() == nil
}

// Close releases the handle. Subsequent calls return nil.
func (h *Handle) Close() error {
	if h == nil {
		return nil
	}
	h.arena.forget(h.seq)
	return h.runRelease()
}

func (h *Handle) runRelease() error {
	var err error
	h.once.Do(func() {
		h.released.Store(true)
		if h.release != nil {
			err = h.release()
		}
	})
	return err
}
