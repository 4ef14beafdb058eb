package subscription

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MarcoPoloResearchLab/realmkit/internal/query"
	"github.com/MarcoPoloResearchLab/realmkit/internal/realm"
)

type Dog struct {
	Name string `realm:"name,pk"`
	Age  int64  `realm:"age"`
}

func openRealm(t *testing.T, path string) *realm.Realm {
	t.Helper()
	r, err := realm.Open(realm.Config{Path: path, Types: []any{Dog{}}})
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func newPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "subscriptions.realm")
}

func puppies(t *testing.T, r *realm.Realm) *realm.Results {
	t.Helper()
	results, err := r.Filter(query.New("Dog").Where("age", query.Less, 2))
	require.NoError(t, err)
	return results
}

func TestParseState(t *testing.T) {
	for code, want := range map[int64]State{-1: StateError, 0: StatePending, 1: StateComplete, 2: StateCreating, 3: StateInvalidated} {
		state, err := ParseState(code)
		assert.Equal(t, want, state)
		if want == StateError {
			assert.EqualError(t, err, "unknown error, state=-1")
		} else {
			assert.NoError(t, err)
		}
	}

	state, err := ParseState(42)
	assert.Equal(t, StateError, state)
	require.Error(t, err)
	assert.Equal(t, "unknown error, state=42", err.Error())
	assert.True(t, errors.Is(err, ErrFailed))
}

func TestSubscribeOutsideWriteStartsPending(t *testing.T) {
	path := newPath(t)
	r := openRealm(t, path)

	sub, err := Subscribe(puppies(t, r), Options{})
	require.NoError(t, err)
	assert.Equal(t, StatePending, sub.State())
	assert.NoError(t, sub.Error())
	assert.Equal(t, `Dog: age < 2`, sub.Name())
	assert.Nil(t, sub.ExpiresAt())

	server := openRealm(t, path)
	require.NoError(t, ApplyServerState(server, sub.Name(), int64(StateComplete), ""))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, sub.WaitForSynchronization(ctx))
	assert.Equal(t, StateComplete, sub.State())
}

func TestWaitForSynchronizationFollowsServerFromAnotherGoroutine(t *testing.T) {
	path := newPath(t)
	r := openRealm(t, path)
	sub, err := Subscribe(puppies(t, r), Options{Name: "puppies"})
	require.NoError(t, err)

	applied := make(chan error, 1)
	go func() {
		server, err := realm.Open(realm.Config{Path: path, Types: []any{Dog{}}})
		if err != nil {
			applied <- err
			return
		}
		defer server.Close()
		time.Sleep(20 * time.Millisecond)
		applied <- ApplyServerState(server, "puppies", int64(StateError), "permission denied")
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = sub.WaitForSynchronization(ctx)
	require.NoError(t, <-applied)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrFailed))
	assert.Equal(t, "permission denied", err.Error())
	assert.Equal(t, StateError, sub.State())
}

func TestSubscribeInsideWriteIsCreatingUntilCommit(t *testing.T) {
	r := openRealm(t, newPath(t))
	results := puppies(t, r)

	tx, err := r.BeginWrite()
	require.NoError(t, err)
	sub, err := Subscribe(results, Options{Name: "in-write", TTL: time.Minute})
	require.NoError(t, err)
	assert.Equal(t, StateCreating, sub.State())
	assert.ErrorIs(t, sub.WaitForSynchronization(context.Background()), ErrUncommitted)
	require.NoError(t, tx.Commit())

	assert.Equal(t, StatePending, sub.State())
	expires := sub.ExpiresAt()
	require.NotNil(t, expires)
	assert.WithinDuration(t, time.Now().Add(time.Minute), *expires, 10*time.Second)
}

func TestUnknownStoredStateSurfacesAsError(t *testing.T) {
	r := openRealm(t, newPath(t))
	sub, err := Subscribe(puppies(t, r), Options{Name: "odd"})
	require.NoError(t, err)

	require.NoError(t, ApplyServerState(r, "odd", 9, ""))
	assert.Equal(t, StateError, sub.State())
	assert.EqualError(t, sub.Error(), "unknown error, state=9")

	require.NoError(t, ApplyServerState(r, "odd", int64(StateError), ""))
	assert.EqualError(t, sub.Error(), "unknown error, state=-1")
}

func TestExistingNameReuseAndConflict(t *testing.T) {
	r := openRealm(t, newPath(t))
	first, err := Subscribe(puppies(t, r), Options{Name: "dogs"})
	require.NoError(t, err)
	require.NoError(t, ApplyServerState(r, "dogs", int64(StateComplete), ""))

	again, err := Subscribe(puppies(t, r), Options{Name: "dogs"})
	require.NoError(t, err)
	assert.Equal(t, StateComplete, again.State())

	seniors, err := r.Filter(query.New("Dog").Where("age", query.GreaterOrEqual, 10))
	require.NoError(t, err)
	conflicting, err := Subscribe(seniors, Options{Name: "dogs"})
	require.NoError(t, err)
	assert.Equal(t, StateError, conflicting.State())
	assert.ErrorIs(t, conflicting.Error(), ErrFailed)
	assert.Equal(t, StateComplete, first.State())

	updated, err := Subscribe(seniors, Options{Name: "dogs", UpdateIfExists: true})
	require.NoError(t, err)
	assert.Equal(t, StatePending, updated.State())
	assert.Equal(t, StatePending, first.State())

	records, err := List(r)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "dogs", records[0].Name)
	assert.Equal(t, "Dog", records[0].Class)
	assert.Equal(t, seniors.Query().String(), records[0].Query.String())
}

func TestPropertyChangedAndUnsubscribe(t *testing.T) {
	r := openRealm(t, newPath(t))
	sub, err := Subscribe(puppies(t, r), Options{Name: "watched"})
	require.NoError(t, err)

	var changed []string
	stop, err := sub.OnPropertyChanged(func(property string) {
		changed = append(changed, property)
	})
	require.NoError(t, err)

	require.NoError(t, ApplyServerState(r, "watched", int64(StateError), "bad query"))
	assert.Equal(t, []string{PropertyState, PropertyError}, changed)

	require.NoError(t, sub.Unsubscribe())
	assert.Equal(t, StateInvalidated, sub.State())
	assert.Equal(t, []string{PropertyState, PropertyError, PropertyState}, changed)
	assert.ErrorIs(t, sub.WaitForSynchronization(context.Background()), ErrInvalidated)

	stop()
	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close())
	_, err = sub.OnPropertyChanged(func(string) {})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestApplyRemovalInvalidates(t *testing.T) {
	r := openRealm(t, newPath(t))
	sub, err := Subscribe(puppies(t, r), Options{Name: "expiring", TTL: time.Second})
	require.NoError(t, err)
	require.NoError(t, ApplyRemoval(r, "expiring"))
	assert.Equal(t, StateInvalidated, sub.State())
	require.NoError(t, ApplyRemoval(r, "expiring"))

	records, err := List(r)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func addDogs(t *testing.T, r *realm.Realm, dogs ...Dog) {
	t.Helper()
	require.NoError(t, r.Write(func() error {
		for i := range dogs {
			if _, err := r.Add(&dogs[i], false); err != nil {
				return err
			}
		}
		return nil
	}))
}

func dogNames(t *testing.T, r *realm.Realm) []string {
	t.Helper()
	results, err := r.Filter(query.New("Dog").OrderBy("name", false))
	require.NoError(t, err)
	objects, err := results.Objects()
	require.NoError(t, err)
	names := make([]string, 0, len(objects))
	for _, object := range objects {
		name, err := object.String("name")
		require.NoError(t, err)
		names = append(names, name)
	}
	return names
}

func TestApplyRemovalPrunesObjectsNoOtherSubscriptionMatches(t *testing.T) {
	r := openRealm(t, newPath(t))
	addDogs(t, r, Dog{Name: "Bolt", Age: 1}, Dog{Name: "Fido", Age: 4}, Dog{Name: "Rex", Age: 12})

	_, err := Subscribe(puppies(t, r), Options{Name: "puppies"})
	require.NoError(t, err)
	young, err := r.Filter(query.New("Dog").Where("age", query.Less, 5))
	require.NoError(t, err)
	_, err = Subscribe(young, Options{Name: "young", TTL: time.Second})
	require.NoError(t, err)

	require.NoError(t, ApplyRemoval(r, "young"))
	assert.Equal(t, []string{"Bolt", "Rex"}, dogNames(t, r))

	records, err := List(r)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "puppies", records[0].Name)
}

func TestPruneAfterLocalUnsubscribe(t *testing.T) {
	r := openRealm(t, newPath(t))
	addDogs(t, r, Dog{Name: "Bolt", Age: 1}, Dog{Name: "Rex", Age: 12})

	sub, err := Subscribe(puppies(t, r), Options{Name: "puppies"})
	require.NoError(t, err)
	removed := sub.Query()
	require.NoError(t, sub.Unsubscribe())
	assert.Equal(t, []string{"Bolt", "Rex"}, dogNames(t, r))

	require.NoError(t, Prune(r, removed))
	assert.Equal(t, []string{"Rex"}, dogNames(t, r))
	require.NoError(t, Prune(r, query.New("Unknown")))
}

func TestSubscriptionRejectsAnotherGoroutine(t *testing.T) {
	r := openRealm(t, newPath(t))
	sub, err := Subscribe(puppies(t, r), Options{Name: "owned"})
	require.NoError(t, err)
	require.NoError(t, ApplyServerState(r, "owned", int64(StateComplete), ""))
	require.Equal(t, StateComplete, sub.State())

	type observed struct {
		state State
		errs  []error
	}
	done := make(chan observed, 1)
	go func() {
		var seen observed
		seen.state = sub.State()
		seen.errs = append(seen.errs, sub.Error())
		seen.errs = append(seen.errs, sub.WaitForSynchronization(context.Background()))
		seen.errs = append(seen.errs, sub.Unsubscribe())
		_, err := sub.OnPropertyChanged(func(string) {})
		seen.errs = append(seen.errs, err)
		seen.errs = append(seen.errs, sub.Close())
		done <- seen
	}()
	seen := <-done

	assert.Equal(t, StateError, seen.state)
	for i, err := range seen.errs {
		assert.ErrorIs(t, err, realm.ErrWrongThread, "call %d", i)
		assert.NotErrorIs(t, err, ErrFailed, "call %d", i)
	}
	assert.Equal(t, StateComplete, sub.State())
	assert.NoError(t, sub.Error())
}
