package session

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/MarcoPoloResearchLab/realmkit/internal/protocol"
	"github.com/MarcoPoloResearchLab/realmkit/internal/query"
	"github.com/MarcoPoloResearchLab/realmkit/internal/realm"
	"github.com/MarcoPoloResearchLab/realmkit/internal/subscription"
)

const waitTimeout = 5 * time.Second

type Dog struct {
	Name string `realm:"name,pk"`
	Age  int64  `realm:"age"`
}

type fakeTransport struct {
	mu          sync.Mutex
	connectErrs []error
	connects    int
	inbound     chan protocol.Message
	sent        chan protocol.Message
	autoAck     bool
}

func newFakeTransport(connectErrs ...error) *fakeTransport {
	return &fakeTransport{connectErrs: connectErrs, sent: make(chan protocol.Message, 256)}
}

func (f *fakeTransport) Connect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	if len(f.connectErrs) > 0 {
		err := f.connectErrs[0]
		f.connectErrs = f.connectErrs[1:]
		if err != nil {
			return err
		}
	}
	f.inbound = make(chan protocol.Message, 64)
	return nil
}

func (f *fakeTransport) Send(_ context.Context, message protocol.Message) error {
	f.sent <- message
	if message.Type == protocol.TypeUpload && f.autoAck {
		f.deliver(protocol.Message{Type: protocol.TypeUploadAck, Version: message.Version, Bytes: message.Bytes})
	}
	return nil
}

func (f *fakeTransport) Messages() <-chan protocol.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inbound
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.inbound != nil {
		close(f.inbound)
		f.inbound = nil
	}
	return nil
}

func (f *fakeTransport) deliver(message protocol.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.inbound != nil {
		f.inbound <- message
	}
}

func (f *fakeTransport) connectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

func expectSent(t *testing.T, f *fakeTransport, messageType protocol.Type) protocol.Message {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case message := <-f.sent:
			if message.Type == messageType {
				return message
			}
		case <-deadline:
			t.Fatalf("no %s message sent", messageType)
			return protocol.Message{}
		}
	}
}

func realmConfig(t *testing.T) realm.Config {
	t.Helper()
	return realm.Config{Path: filepath.Join(t.TempDir(), "synced.realm"), Types: []any{Dog{}}}
}

func startSession(t *testing.T, cfg Config) *Session {
	t.Helper()
	s, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func collect(t *testing.T, stream <-chan Progress, count int) []Progress {
	t.Helper()
	var samples []Progress
	timeout := time.After(waitTimeout)
	for len(samples) < count {
		select {
		case sample, ok := <-stream:
			if !ok {
				return samples
			}
			samples = append(samples, sample)
		case <-timeout:
			t.Fatalf("timed out after %d samples", len(samples))
		}
	}
	return samples
}

func TestNewRequiresDependencies(t *testing.T) {
	_, err := New(Config{Realm: realm.Config{Path: "x.realm"}})
	assert.ErrorIs(t, err, errMissingTransport)
	_, err = New(Config{Transport: newFakeTransport()})
	assert.ErrorIs(t, err, errMissingPath)
}

func TestProgressModes(t *testing.T) {
	s, err := New(Config{Realm: realmConfig(t), Transport: newFakeTransport()})
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()

	indefinite := s.Progress(ctx, Download, ReportIndefinitely)
	outstanding := s.Progress(ctx, Download, ForCurrentlyOutstandingWork)
	samples := []Progress{{0, 100}, {50, 150}, {100, 200}, {150, 200}, {200, 200}}
	for _, sample := range samples {
		s.SimulateProgress(Download, sample.Transferred, sample.Transferable)
	}

	reported := collect(t, indefinite, len(samples))
	assert.Equal(t, samples, reported)
	assert.Equal(t, Progress{Transferred: 200, Transferable: 200}, reported[len(reported)-1])
	assert.True(t, reported[len(reported)-1].Complete())

	fixed := collect(t, outstanding, 10)
	assert.Equal(t, []Progress{{0, 100}, {50, 100}, {100, 100}}, fixed)
	for _, sample := range append(reported, fixed...) {
		assert.LessOrEqual(t, sample.Transferred, sample.Transferable)
	}
}

func TestOutstandingWorkFixesDenominatorAtSubscription(t *testing.T) {
	s, err := New(Config{Realm: realmConfig(t), Transport: newFakeTransport()})
	require.NoError(t, err)
	defer s.Close()

	s.SimulateProgress(Upload, 10, 40)
	stream := s.Progress(context.Background(), Upload, ForCurrentlyOutstandingWork)
	s.SimulateProgress(Upload, 60, 80)
	assert.Equal(t, []Progress{{10, 40}, {40, 40}}, collect(t, stream, 10))

	ctx, cancel := context.WithCancel(context.Background())
	indefinite := s.Progress(ctx, Upload, ReportIndefinitely)
	assert.Equal(t, []Progress{{60, 80}}, collect(t, indefinite, 1))
	cancel()
	require.Eventually(t, func() bool {
		_, open := <-indefinite
		return !open
	}, waitTimeout, 10*time.Millisecond)
}

func TestFinishedStreamsReleaseTheirWatchers(t *testing.T) {
	tracker := newProgressTracker()
	tracker.update(0, 10)
	stream := tracker.subscribe(context.Background(), ForCurrentlyOutstandingWork)
	tracker.update(10, 10)
	assert.Equal(t, []Progress{{0, 10}, {10, 10}}, collect(t, stream, 10))

	watchersDone := make(chan struct{})
	go func() {
		tracker.watchers.Wait()
		close(watchersDone)
	}()
	select {
	case <-watchersDone:
	case <-time.After(waitTimeout):
		t.Fatal("watcher still running after the stream completed")
	}

	tracker.close()
	late := tracker.subscribe(context.Background(), ReportIndefinitely)
	_, open := <-late
	assert.False(t, open)
}

func TestWaitForDownloadFollowsSamples(t *testing.T) {
	s, err := New(Config{Realm: realmConfig(t), Transport: newFakeTransport()})
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.WaitForDownload(context.Background()))

	s.SimulateProgress(Download, 0, 10)
	short, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.WaitForDownload(short), context.DeadlineExceeded)

	go s.SimulateProgress(Download, 10, 10)
	ctx, cancelWait := context.WithTimeout(context.Background(), waitTimeout)
	defer cancelWait()
	require.NoError(t, s.WaitForDownload(ctx))
}

func TestSessionSynchronizesSubscriptionsAndUploads(t *testing.T) {
	transport := newFakeTransport()
	transport.autoAck = true
	cfg := realmConfig(t)
	s := startSession(t, Config{Realm: cfg, Transport: transport})

	hello := expectSent(t, transport, protocol.TypeHello)
	assert.Equal(t, s.ID(), hello.Session)
	assert.Contains(t, hello.Classes, "Dog")
	assert.NotContains(t, hello.Classes, "__ResultSets")
	assert.Equal(t, Connected, s.State())

	local, err := realm.Open(cfg)
	require.NoError(t, err)
	defer local.Close()
	results, err := local.Filter(query.New("Dog").Where("age", query.Less, 2))
	require.NoError(t, err)
	sub, err := subscription.Subscribe(results, subscription.Options{Name: "puppies", TTL: time.Minute})
	require.NoError(t, err)

	subscribe := expectSent(t, transport, protocol.TypeSubscribe)
	assert.Equal(t, "puppies", subscribe.Name)
	assert.Equal(t, "Dog", subscribe.Class)
	assert.Equal(t, int64(60000), subscribe.TTLMillis)
	decoded, err := query.Unmarshal(subscribe.Query)
	require.NoError(t, err)
	assert.Equal(t, results.Query().String(), decoded.String())

	transport.deliver(protocol.Message{Type: protocol.TypeSubscriptionState, Name: "puppies", State: int64(subscription.StateComplete)})
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	require.NoError(t, sub.WaitForSynchronization(ctx))

	require.NoError(t, local.Write(func() error {
		_, err := local.Add(&Dog{Name: "Rex", Age: 1}, false)
		return err
	}))
	upload := expectSent(t, transport, protocol.TypeUpload)
	assert.Positive(t, upload.Bytes)
	require.NoError(t, s.WaitForUpload(ctx))

	require.NoError(t, sub.Unsubscribe())
	unsubscribe := expectSent(t, transport, protocol.TypeUnsubscribe)
	assert.Equal(t, "puppies", unsubscribe.Name)
}

func TestSessionErrorsReachHandler(t *testing.T) {
	transport := newFakeTransport()
	received := make(chan *SyncError, 4)
	cfg := realmConfig(t)
	startSession(t, Config{
		Realm:     cfg,
		Transport: transport,
		OnError: func(_ *Session, syncErr *SyncError) {
			received <- syncErr
		},
	})
	expectSent(t, transport, protocol.TypeHello)

	transport.deliver(protocol.Message{
		Type:       protocol.TypeError,
		Code:       211,
		Error:      "client history diverged",
		Category:   protocol.CategoryClientReset,
		BackupPath: "/tmp/recovered.realm",
	})
	select {
	case syncErr := <-received:
		assert.True(t, syncErr.IsClientReset())
		assert.Equal(t, "/tmp/recovered.realm", syncErr.BackupPath)
		assert.Equal(t, cfg.Path, syncErr.OriginalPath)
		assert.Equal(t, 211, syncErr.Code)
	case <-time.After(waitTimeout):
		t.Fatal("error handler not invoked")
	}
}

func TestRealmOpenFailureIsReportedNotReturnedFromClose(t *testing.T) {
	transport := newFakeTransport()
	received := make(chan *SyncError, 1)
	cfg := realmConfig(t)
	cfg.EncryptionKey = []byte("short")
	s, err := New(Config{
		Realm:     cfg,
		Transport: transport,
		OnError: func(_ *Session, syncErr *SyncError) {
			received <- syncErr
		},
	})
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))

	select {
	case syncErr := <-received:
		assert.Equal(t, CategoryProtocol, syncErr.Category)
	case <-time.After(waitTimeout):
		t.Fatal("realm open failure not reported")
	}
	assert.NoError(t, s.Close())
	assert.Equal(t, 0, transport.connectCount())
}

func TestSessionErrorsWithoutHandlerAreLogged(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	transport := newFakeTransport()
	startSession(t, Config{Realm: realmConfig(t), Transport: transport, Logger: zap.New(core)})
	expectSent(t, transport, protocol.TypeHello)

	transport.deliver(protocol.Message{Type: protocol.TypeError, Error: "permission denied", Category: protocol.CategoryPermissionDenied})
	require.Eventually(t, func() bool {
		return logs.FilterMessage("sync session error").Len() == 1
	}, waitTimeout, 10*time.Millisecond)
	entry := logs.FilterMessage("sync session error").All()[0]
	assert.Equal(t, string(CategoryPermissionDenied), entry.ContextMap()["category"])
}

func TestReconnectAllRetriesImmediately(t *testing.T) {
	transport := newFakeTransport(errors.New("connection refused"))
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = time.Hour
	policy.MaxInterval = time.Hour
	policy.RandomizationFactor = 0

	failures := make(chan *SyncError, 4)
	s := startSession(t, Config{
		Realm:     realmConfig(t),
		Transport: transport,
		Backoff:   policy,
		OnError: func(_ *Session, syncErr *SyncError) {
			failures <- syncErr
		},
	})
	var transitions []ConnectionState
	var transitionsMu sync.Mutex
	s.OnConnectionState(func(_, current ConnectionState) {
		transitionsMu.Lock()
		defer transitionsMu.Unlock()
		transitions = append(transitions, current)
	})

	select {
	case syncErr := <-failures:
		assert.Equal(t, CategoryConnection, syncErr.Category)
	case <-time.After(waitTimeout):
		t.Fatal("connection failure not reported")
	}
	assert.Equal(t, 1, transport.connectCount())
	assert.Equal(t, Disconnected, s.State())

	manager := NewManager()
	require.NoError(t, manager.Add(s))
	assert.Error(t, manager.Add(s))
	manager.ReconnectAll()

	require.Eventually(t, func() bool { return s.State() == Connected }, waitTimeout, 10*time.Millisecond)
	assert.Equal(t, 2, transport.connectCount())
	transitionsMu.Lock()
	assert.Contains(t, transitions, Connected)
	transitionsMu.Unlock()

	require.NoError(t, manager.CloseAll())
	assert.Empty(t, manager.Sessions())
	assert.Equal(t, Disconnected, s.State())
}
