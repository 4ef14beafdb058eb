// Package session is the client side of synchronization: it keeps a connection to the sync
// server, forwards local subscriptions and uploads, applies server state to the local file
// and exposes connection state, progress streams and sync errors.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/MarcoPoloResearchLab/realmkit/internal/realm"
)

const (
	defaultInitialBackoff = 500 * time.Millisecond
	defaultMaxBackoff     = 30 * time.Second
)

// Config describes one session.
type Config struct {
	// Realm opens the session's private instance of the synchronized file.
	Realm     realm.Config
	Transport Transport
	// OnError receives sync errors. Without it errors are logged.
	OnError func(*Session, *SyncError)
	Logger  *zap.Logger
	// Backoff paces reconnect attempts.
	Backoff *backoff.ExponentialBackOff
}

// ConnectionStateListener observes connection state transitions.
type ConnectionStateListener func(previous, current ConnectionState)

// Session synchronizes one realm file. All methods are safe for concurrent use.
type Session struct {
	id        string
	config    Config
	transport Transport
	logger    *zap.Logger
	upload    *progressTracker
	download  *progressTracker

	mu           sync.Mutex
	state        ConnectionState
	listeners    map[int]ConnectionStateListener
	nextListener int
	backoff      *backoff.ExponentialBackOff
	wake         chan struct{}
	started      bool
	closed       bool
	cancel       context.CancelFunc
	group        *errgroup.Group
}

// New validates cfg and returns a disconnected session.
func New(cfg Config) (*Session, error) {
	if cfg.Transport == nil {
		return nil, errMissingTransport
	}
	if cfg.Realm.Path == "" {
		return nil, errMissingPath
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	policy := cfg.Backoff
	if policy == nil {
		policy = backoff.NewExponentialBackOff()
		policy.InitialInterval = defaultInitialBackoff
		policy.MaxInterval = defaultMaxBackoff
	}
	policy.Reset()
	id := uuid.NewString()
	return &Session{
		id:        id,
		config:    cfg,
		transport: cfg.Transport,
		logger:    logger.With(zap.String("session_id", id)),
		upload:    newProgressTracker(),
		download:  newProgressTracker(),
		listeners: make(map[int]ConnectionStateListener),
		backoff:   policy,
		wake:      make(chan struct{}),
	}, nil
}

// ID identifies the session.
func (s *Session) ID() string {
	return s.id
}

// Path returns the path of the synchronized file.
func (s *Session) Path() string {
	return s.config.Realm.Path
}

// Start launches the connection loop. It returns immediately; connection failures are
// reported through the error handler and retried with backoff.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.started {
		return nil
	}
	s.started = true
	runCtx, cancel := context.WithCancel(ctx)
	group, groupCtx := errgroup.WithContext(runCtx)
	s.cancel = cancel
	s.group = group
	group.Go(func() error {
		return s.run(groupCtx)
	})
	return nil
}

// run owns the session's private realm. Failures are reported through the error handler;
// the returned error is always nil so Close only reflects shutdown.
func (s *Session) run(ctx context.Context) error {
	local, err := realm.Open(s.config.Realm)
	if err != nil {
		s.reportError(&SyncError{Message: err.Error(), Category: CategoryProtocol, Err: err})
		s.setState(Disconnected)
		return nil
	}
	defer local.Close()
	w, err := newWorker(s, local)
	if err != nil {
		s.reportError(&SyncError{Message: err.Error(), Category: CategoryProtocol, Err: err})
		s.setState(Disconnected)
		return nil
	}

	for {
		wake := s.wakeChannel()
		if ctx.Err() != nil {
			s.setState(Disconnected)
			return nil
		}
		s.setState(Connecting)
		if err := s.transport.Connect(ctx); err != nil {
			s.setState(Disconnected)
			if ctx.Err() != nil {
				return nil
			}
			s.reportError(connectionError(err))
			if !s.sleep(ctx, wake) {
				return nil
			}
			continue
		}
		s.resetBackoff()
		s.setState(Connected)
		serveErr := w.serve(ctx)
		_ = s.transport.Close()
		s.setState(Disconnected)
		if ctx.Err() != nil {
			return nil
		}
		if serveErr != nil {
			s.reportError(&SyncError{Message: serveErr.Error(), Category: CategoryConnection, Err: serveErr})
		}
		if !s.sleep(ctx, wake) {
			return nil
		}
	}
}

func (s *Session) wakeChannel() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.wake
}

func (s *Session) sleep(ctx context.Context, wake <-chan struct{}) bool {
	s.mu.Lock()
	delay := s.backoff.NextBackOff()
	s.mu.Unlock()
	var timeout <-chan time.Time
	if delay != backoff.Stop {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		timeout = timer.C
	}
	s.logger.Debug("sync session waiting to reconnect", zap.Duration("delay", delay))
	select {
	case <-ctx.Done():
		return false
	case <-wake:
		return true
	case <-timeout:
		return true
	}
}

func (s *Session) resetBackoff() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.backoff.Reset()
}

// Reconnect resets the backoff timer and retries a disconnected session immediately.
func (s *Session) Reconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.backoff.Reset()
	close(s.wake)
	s.wake = make(chan struct{})
}

// State returns the current connection state.
func (s *Session) State() ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// OnConnectionState registers listener for state transitions and returns a function that
// unregisters it. Listeners run on the session goroutine.
func (s *Session) OnConnectionState(listener ConnectionStateListener) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextListener
	s.nextListener++
	s.listeners[id] = listener
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.listeners, id)
	}
}

func (s *Session) setState(next ConnectionState) {
	s.mu.Lock()
	previous := s.state
	if previous == next {
		s.mu.Unlock()
		return
	}
	s.state = next
	listeners := make([]ConnectionStateListener, 0, len(s.listeners))
	for _, listener := range s.listeners {
		listeners = append(listeners, listener)
	}
	s.mu.Unlock()
	s.logger.Debug("sync connection state changed",
		zap.String("from", previous.String()),
		zap.String("to", next.String()))
	for _, listener := range listeners {
		listener(previous, next)
	}
}

func (s *Session) reportError(syncErr *SyncError) {
	if s.config.OnError != nil {
		s.config.OnError(s, syncErr)
		return
	}
	s.logger.Error("sync session error",
		zap.String("category", string(syncErr.Category)),
		zap.Int("code", syncErr.Code),
		zap.String("backup_path", syncErr.BackupPath),
		zap.Error(syncErr))
}

func (s *Session) tracker(direction Direction) *progressTracker {
	if direction == Upload {
		return s.upload
	}
	return s.download
}

// Progress streams transfer samples for direction. ForCurrentlyOutstandingWork streams
// close once the work outstanding at subscription time has been transferred; every stream
// closes when ctx ends or the session closes.
func (s *Session) Progress(ctx context.Context, direction Direction, mode Mode) <-chan Progress {
	return s.tracker(direction).subscribe(ctx, mode)
}

// SimulateProgress injects a progress sample as if reported by the server.
func (s *Session) SimulateProgress(direction Direction, transferred, transferable uint64) {
	s.tracker(direction).update(transferred, transferable)
}

// WaitForUpload blocks until no local changes are waiting for the server.
func (s *Session) WaitForUpload(ctx context.Context) error {
	return s.upload.wait(ctx)
}

// WaitForDownload blocks until no server changes are waiting to be applied.
func (s *Session) WaitForDownload(ctx context.Context) error {
	return s.download.wait(ctx)
}

// Close stops the connection loop and ends every progress stream. Close is idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	cancel, group := s.cancel, s.group
	s.mu.Unlock()

	var err error
	if cancel != nil {
		cancel()
		err = group.Wait()
	}
	_ = s.transport.Close()
	s.upload.close()
	s.download.close()
	s.setState(Disconnected)
	return err
}
