package session

import (
	"context"
	"sync"
)

const progressBuffer = 64

// Progress is one transfer sample. Transferred never exceeds Transferable.
type Progress struct {
	Transferred  uint64
	Transferable uint64
}

// Complete reports whether everything transferable has been transferred.
func (p Progress) Complete() bool {
	return p.Transferred >= p.Transferable
}

type progressSubscriber struct {
	mode        Mode
	denominator uint64
	fixed       bool
	stream      chan Progress
	done        chan struct{}
	closed      bool
}

// progressTracker holds the latest sample of one direction and fans it out to streams.
type progressTracker struct {
	mu          sync.Mutex
	current     Progress
	sampled     bool
	subscribers map[*progressSubscriber]struct{}
	changed     chan struct{}
	watchers    sync.WaitGroup
	stopped     bool
}

func newProgressTracker() *progressTracker {
	return &progressTracker{
		subscribers: make(map[*progressSubscriber]struct{}),
		changed:     make(chan struct{}),
	}
}

func clamp(transferred, transferable uint64) Progress {
	return Progress{Transferred: min(transferred, transferable), Transferable: transferable}
}

// update records a sample reported by the engine or the server.
func (t *progressTracker) update(transferred, transferable uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.current = clamp(transferred, transferable)
	t.sampled = true
	for subscriber := range t.subscribers {
		t.emit(subscriber)
	}
	close(t.changed)
	t.changed = make(chan struct{})
}

// add grows the outstanding work by queued bytes.
func (t *progressTracker) add(queued uint64) {
	t.mu.Lock()
	transferred, transferable := t.current.Transferred, t.current.Transferable+queued
	t.mu.Unlock()
	t.update(transferred, transferable)
}

// acknowledge marks acked bytes as transferred.
func (t *progressTracker) acknowledge(acked uint64) {
	t.mu.Lock()
	transferred, transferable := t.current.Transferred+acked, t.current.Transferable
	t.mu.Unlock()
	t.update(transferred, transferable)
}

func (t *progressTracker) snapshot() (Progress, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current, t.sampled
}

func (t *progressTracker) subscribe(ctx context.Context, mode Mode) <-chan Progress {
	subscriber := &progressSubscriber{mode: mode, stream: make(chan Progress, progressBuffer), done: make(chan struct{})}
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		close(subscriber.stream)
		return subscriber.stream
	}
	t.subscribers[subscriber] = struct{}{}
	if t.sampled {
		if mode == ForCurrentlyOutstandingWork {
			subscriber.denominator = t.current.Transferable
			subscriber.fixed = true
		}
		t.emit(subscriber)
	}
	t.watchers.Add(1)
	t.mu.Unlock()

	// The watcher exits when the caller cancels or when the stream closes on its own.
	go func() {
		defer t.watchers.Done()
		select {
		case <-ctx.Done():
			t.mu.Lock()
			t.finish(subscriber)
			t.mu.Unlock()
		case <-subscriber.done:
		}
	}()
	return subscriber.stream
}

// emit sends the current sample to subscriber. Callers hold t.mu.
func (t *progressTracker) emit(subscriber *progressSubscriber) {
	if subscriber.closed {
		return
	}
	sample := t.current
	if subscriber.mode == ForCurrentlyOutstandingWork {
		if !subscriber.fixed {
			subscriber.denominator = sample.Transferable
			subscriber.fixed = true
		}
		sample = clamp(sample.Transferred, subscriber.denominator)
	}
	deliver(subscriber.stream, sample)
	if subscriber.mode == ForCurrentlyOutstandingWork && sample.Complete() {
		t.finish(subscriber)
	}
}

// finish closes a stream. Callers hold t.mu.
func (t *progressTracker) finish(subscriber *progressSubscriber) {
	if subscriber.closed {
		return
	}
	subscriber.closed = true
	delete(t.subscribers, subscriber)
	close(subscriber.stream)
	close(subscriber.done)
}

// close ends every stream and waits for their watchers to exit. Later subscriptions get a
// closed stream.
func (t *progressTracker) close() {
	t.mu.Lock()
	t.stopped = true
	for subscriber := range t.subscribers {
		t.finish(subscriber)
	}
	t.mu.Unlock()
	t.watchers.Wait()
}

// wait blocks until no work is outstanding.
func (t *progressTracker) wait(ctx context.Context) error {
	for {
		t.mu.Lock()
		done := !t.sampled || t.current.Complete()
		changed := t.changed
		t.mu.Unlock()
		if done {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
		}
	}
}

// deliver never blocks the tracker: a lagging reader loses the oldest buffered sample.
func deliver(stream chan Progress, sample Progress) {
	for {
		select {
		case stream <- sample:
			return
		default:
		}
		select {
		case <-stream:
		default:
		}
	}
}
