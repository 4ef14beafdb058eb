package realm

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Transaction is an open write scope.
type Transaction struct {
	realm *Realm
	done  bool
	// external marks the write owned by a migration.
	external bool
}

// BeginWrite opens a write scope. Only one write may be open per instance.
func (r *Realm) BeginWrite() (*Transaction, error) {
	if err := r.check("BeginWrite"); err != nil {
		return nil, err
	}
	if r.tx != nil {
		return nil, newError(KindTransaction, "BeginWrite", ErrNestedWrite)
	}
	if err := r.conn.BeginWrite(); err != nil {
		return nil, engineError("BeginWrite", err)
	}
	r.tx = &Transaction{realm: r}
	return r.tx, nil
}

// IsInTransaction reports whether a write scope is open. It is false on other goroutines.
func (r *Realm) IsInTransaction() bool {
	return goroutineID() == r.owner && r.tx != nil
}

// Commit persists the write and delivers notifications for the new version.
func (t *Transaction) Commit() error {
	r := t.realm
	if err := r.check("Commit"); err != nil {
		return err
	}
	if t.done || t.external || r.tx != t {
		return newError(KindTransaction, "Commit", ErrNotInWrite)
	}
	t.done = true
	r.tx = nil
	version, err := r.conn.CommitWrite()
	if err != nil {
		r.resetCaches()
		return engineError("Commit", err)
	}
	r.mutations++
	r.logger.Debug("write committed", zap.String("realm_id", r.id), zap.Int64("version", version))
	r.deliverNotifications()
	return nil
}

// Rollback discards the write. Rolling back a finished transaction is a no-op.
func (t *Transaction) Rollback() error {
	r := t.realm
	if t.done || t.external {
		return nil
	}
	if err := r.check("Rollback"); err != nil {
		return err
	}
	t.done = true
	r.tx = nil
	r.resetCaches()
	if err := r.conn.CancelWrite(); err != nil {
		return engineError("Rollback", err)
	}
	return nil
}

// Write runs fn inside a write scope. The write is committed when fn returns nil and rolled
// back when fn returns an error or panics; a panic is re-raised after the rollback.
func (r *Realm) Write(fn func() error) error {
	tx, err := r.BeginWrite()
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	if err := fn(); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

// WriteAsync runs fn on a worker goroutine against a separate instance of the same file and
// returns once that write committed. The calling instance is refreshed afterwards. The
// context is only consulted before the write starts; a started write is never cancelled.
func (r *Realm) WriteAsync(ctx context.Context, fn func(*Realm) error) error {
	if err := r.check("WriteAsync"); err != nil {
		return err
	}
	if r.tx != nil {
		return newError(KindTransaction, "WriteAsync", ErrNestedWrite)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	workerConfig := r.config
	workerConfig.Migration = nil
	workerConfig.WatchFile = false

	var group errgroup.Group
	group.Go(func() (err error) {
		worker, err := open(workerConfig)
		if err != nil {
			return err
		}
		defer func() {
			if recovered := recover(); recovered != nil {
				err = fmt.Errorf("realm: async write panicked: %v", recovered)
			}
			_ = worker.Close()
		}()
		return worker.Write(func() error {
			return fn(worker)
		})
	})
	if err := group.Wait(); err != nil {
		return err
	}
	_, err := r.Refresh()
	return err
}

// OpenAsync performs the open, including any migration, on a worker goroutine with its own
// instance, then opens the instance returned to the caller on the calling goroutine.
func OpenAsync(ctx context.Context, cfg Config) (*Realm, error) {
	var group errgroup.Group
	group.Go(func() error {
		worker, err := open(cfg)
		if err != nil {
			return err
		}
		return worker.Close()
	})
	done := make(chan error, 1)
	go func() {
		done <- group.Wait()
	}()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case err := <-done:
		if err != nil {
			return nil, err
		}
	}
	return open(cfg)
}
