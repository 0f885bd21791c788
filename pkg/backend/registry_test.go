package backend

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mcphost/mcp-gateway-go/pkg/protocol"
	"github.com/mcphost/mcp-gateway-go/pkg/transport"
)

type fakeAdapter struct {
	name string

	mu      sync.Mutex
	sendFn  func(req *protocol.Request) (*protocol.Response, error)
	events  chan protocol.Event
	waitErr error
	waitCh  chan struct{}
	closed  bool
}

func newFakeAdapter(name string) *fakeAdapter {
	return &fakeAdapter{
		name:   name,
		events: make(chan protocol.Event, 8),
		waitCh: make(chan struct{}),
	}
}

func (f *fakeAdapter) Connect(ctx context.Context) error { return nil }

func (f *fakeAdapter) Send(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
	f.mu.Lock()
	fn := f.sendFn
	f.mu.Unlock()
	if fn != nil {
		return fn(req)
	}
	return &protocol.Response{Backend: f.name, Result: json.RawMessage(`{}`)}, nil
}

func (f *fakeAdapter) OpenStream(ctx context.Context) (<-chan protocol.Event, error) {
	return f.events, nil
}

func (f *fakeAdapter) Wait() error {
	<-f.waitCh
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.waitErr
}

func (f *fakeAdapter) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.waitCh)
	}
	return nil
}

// crash simulates the backend dying out-of-band.
func (f *fakeAdapter) crash(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		f.waitErr = err
		close(f.waitCh)
	}
}

type fakeDialer struct {
	mu      sync.Mutex
	dials   int
	failAll bool
	last    *fakeAdapter
}

func (d *fakeDialer) dial(tc transport.Config) (transport.Adapter, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.failAll {
		return nil, errors.New("dial refused")
	}
	ad := newFakeAdapter(tc.Backend)
	d.last = ad
	return ad, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) lastAdapter() *fakeAdapter {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.last
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRegistry(t *testing.T, d *fakeDialer) *Registry {
	t.Helper()
	r := NewRegistry(Options{Logger: quietLogger(), Dialer: d.dial})
	r.backoffInitial = time.Millisecond
	r.backoffMax = 5 * time.Millisecond
	t.Cleanup(func() { _ = r.Close(context.Background()) })
	return r
}

func stdioConfig(name string) Config {
	return Config{Name: name, Transport: transport.KindStdio, Command: "mcp-server"}
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t, &fakeDialer{})

	require.NoError(t, r.Register(stdioConfig("fs")))
	err := r.Register(stdioConfig("fs"))
	require.ErrorIs(t, err, protocol.ErrDuplicateBackend)
}

func TestRegisterRejectsInvalidConfig(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t, &fakeDialer{})

	err := r.Register(Config{Name: "fs", Transport: transport.KindStdio})
	require.ErrorIs(t, err, protocol.ErrConfig)

	err = r.Register(Config{Name: "web", Transport: transport.KindSSE})
	require.ErrorIs(t, err, protocol.ErrConfig)
}

func TestStartStopTransitions(t *testing.T) {
	t.Parallel()
	d := &fakeDialer{}
	r := newTestRegistry(t, d)
	ctx := context.Background()

	require.NoError(t, r.Register(stdioConfig("fs")))
	snap, err := r.Snapshot("fs")
	require.NoError(t, err)
	require.Equal(t, StatusInactive, snap.Status)

	require.NoError(t, r.Start(ctx, "fs"))
	snap, err = r.Snapshot("fs")
	require.NoError(t, err)
	require.Equal(t, StatusActive, snap.Status)
	require.Equal(t, []string{"fs"}, r.ActiveNames())

	// starting an active backend is a no-op
	require.NoError(t, r.Start(ctx, "fs"))
	require.Equal(t, 1, d.dialCount())

	require.NoError(t, r.Stop(ctx, "fs"))
	snap, err = r.Snapshot("fs")
	require.NoError(t, err)
	require.Equal(t, StatusInactive, snap.Status)
	require.Empty(t, r.ActiveNames())

	require.NoError(t, r.Stop(ctx, "fs"))
}

// slowConnectAdapter stretches Connect out and records, across every
// adapter sharing the counters, how many connects ever ran at once.
type slowConnectAdapter struct {
	*fakeAdapter
	inFlight *atomic.Int32
	maxSeen  *atomic.Int32
}

func (a *slowConnectAdapter) Connect(ctx context.Context) error {
	cur := a.inFlight.Add(1)
	defer a.inFlight.Add(-1)
	for {
		seen := a.maxSeen.Load()
		if cur <= seen || a.maxSeen.CompareAndSwap(seen, cur) {
			break
		}
	}
	time.Sleep(2 * time.Millisecond)
	return nil
}

type slowDialer struct {
	inFlight atomic.Int32
	maxSeen  atomic.Int32
}

func (d *slowDialer) dial(tc transport.Config) (transport.Adapter, error) {
	return &slowConnectAdapter{
		fakeAdapter: newFakeAdapter(tc.Backend),
		inFlight:    &d.inFlight,
		maxSeen:     &d.maxSeen,
	}, nil
}

func TestStartStopStormSerializes(t *testing.T) {
	t.Parallel()
	d := &slowDialer{}
	r := NewRegistry(Options{Logger: quietLogger(), Dialer: d.dial})
	r.backoffInitial = time.Millisecond
	r.backoffMax = 5 * time.Millisecond
	t.Cleanup(func() { _ = r.Close(context.Background()) })
	ctx := context.Background()

	require.NoError(t, r.Register(stdioConfig("fs")))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = r.Start(ctx, "fs")
		}()
		go func() {
			defer wg.Done()
			_ = r.Stop(ctx, "fs")
		}()
	}
	wg.Wait()

	// transitions never overlapped
	require.Equal(t, int32(1), d.maxSeen.Load())

	// the storm settles in a definite state, never mid-transition
	snap, err := r.Snapshot("fs")
	require.NoError(t, err)
	require.Contains(t, []Status{StatusActive, StatusInactive}, snap.Status)
	if snap.Status == StatusActive {
		require.Equal(t, []string{"fs"}, r.ActiveNames())
	} else {
		require.Empty(t, r.ActiveNames())
	}

	require.NoError(t, r.Start(ctx, "fs"))
	resp, err := r.Dispatch(ctx, "fs", &protocol.Request{Method: protocol.MethodPing})
	require.NoError(t, err)
	require.Equal(t, "fs", resp.Backend)
}

func TestDispatch(t *testing.T) {
	t.Parallel()
	d := &fakeDialer{}
	r := newTestRegistry(t, d)
	ctx := context.Background()

	require.NoError(t, r.Register(stdioConfig("fs")))
	require.NoError(t, r.Start(ctx, "fs"))

	resp, err := r.Dispatch(ctx, "fs", &protocol.Request{Method: protocol.MethodPing})
	require.NoError(t, err)
	require.Equal(t, "fs", resp.Backend)

	_, err = r.Dispatch(ctx, "nope", &protocol.Request{Method: protocol.MethodPing})
	require.ErrorIs(t, err, protocol.ErrNotFound)

	require.NoError(t, r.Stop(ctx, "fs"))
	_, err = r.Dispatch(ctx, "fs", &protocol.Request{Method: protocol.MethodPing})
	require.ErrorIs(t, err, protocol.ErrBackendStopped)
}

func TestDispatchWrapsBackendErrors(t *testing.T) {
	t.Parallel()
	d := &fakeDialer{}
	r := newTestRegistry(t, d)
	ctx := context.Background()

	require.NoError(t, r.Register(stdioConfig("fs")))
	require.NoError(t, r.Start(ctx, "fs"))

	sendErr := errors.New("boom")
	d.lastAdapter().mu.Lock()
	d.lastAdapter().sendFn = func(*protocol.Request) (*protocol.Response, error) {
		return nil, sendErr
	}
	d.lastAdapter().mu.Unlock()

	_, err := r.Dispatch(ctx, "fs", &protocol.Request{Method: protocol.MethodPing})
	require.ErrorIs(t, err, sendErr)
	var be *protocol.BackendError
	require.ErrorAs(t, err, &be)
	require.Equal(t, "fs", be.Backend)
}

func TestSessionExitTriggersRestart(t *testing.T) {
	t.Parallel()
	d := &fakeDialer{}
	r := newTestRegistry(t, d)
	ctx := context.Background()

	require.NoError(t, r.Register(stdioConfig("fs")))
	require.NoError(t, r.Start(ctx, "fs"))

	d.lastAdapter().crash(errors.New("process exited"))

	require.Eventually(t, func() bool {
		snap, err := r.Snapshot("fs")
		return err == nil && snap.Status == StatusActive && snap.Restarts == 1
	}, 3*time.Second, 5*time.Millisecond)
	require.Equal(t, 2, d.dialCount())
}

func TestRestartLimitPinsBackend(t *testing.T) {
	t.Parallel()
	d := &fakeDialer{failAll: true}
	r := newTestRegistry(t, d)
	ctx := context.Background()

	cfg := stdioConfig("fs")
	cfg.MaxRestarts = 2
	require.NoError(t, r.Register(cfg))
	require.Error(t, r.Start(ctx, "fs"))

	require.Eventually(t, func() bool {
		snap, err := r.Snapshot("fs")
		return err == nil && snap.Pinned && snap.Restarts == 2 && snap.Status == StatusError
	}, 3*time.Second, 5*time.Millisecond)

	// pinned backends stay down until an explicit start
	time.Sleep(50 * time.Millisecond)
	snap, err := r.Snapshot("fs")
	require.NoError(t, err)
	require.Equal(t, StatusError, snap.Status)

	d.mu.Lock()
	d.failAll = false
	d.mu.Unlock()

	require.NoError(t, r.Start(ctx, "fs"))
	snap, err = r.Snapshot("fs")
	require.NoError(t, err)
	require.Equal(t, StatusActive, snap.Status)
	require.False(t, snap.Pinned)
	require.Zero(t, snap.Restarts)
}

func TestDisabledAutoRestartStaysDown(t *testing.T) {
	t.Parallel()
	d := &fakeDialer{}
	r := newTestRegistry(t, d)
	ctx := context.Background()

	cfg := stdioConfig("fs")
	cfg.DisableAutoRestart = true
	require.NoError(t, r.Register(cfg))
	require.NoError(t, r.Start(ctx, "fs"))

	d.lastAdapter().crash(errors.New("process exited"))

	require.Eventually(t, func() bool {
		snap, err := r.Snapshot("fs")
		return err == nil && snap.Status == StatusError
	}, 3*time.Second, 5*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 1, d.dialCount())
}

func TestHealthFailureThresholdFaults(t *testing.T) {
	t.Parallel()
	d := &fakeDialer{}
	r := newTestRegistry(t, d)
	ctx := context.Background()

	cfg := stdioConfig("fs")
	cfg.HealthFailureThreshold = 2
	cfg.DisableAutoRestart = true
	require.NoError(t, r.Register(cfg))
	require.NoError(t, r.Start(ctx, "fs"))

	ad := d.lastAdapter()
	ad.mu.Lock()
	ad.sendFn = func(*protocol.Request) (*protocol.Response, error) {
		return nil, errors.New("no pong")
	}
	ad.mu.Unlock()

	require.Error(t, r.HealthCheck(ctx, "fs"))
	snap, err := r.Snapshot("fs")
	require.NoError(t, err)
	require.Equal(t, StatusActive, snap.Status)
	require.Equal(t, 1, snap.HealthFailures)

	require.Error(t, r.HealthCheck(ctx, "fs"))
	require.Eventually(t, func() bool {
		snap, err := r.Snapshot("fs")
		return err == nil && snap.Status == StatusError
	}, 3*time.Second, 5*time.Millisecond)
}

func TestHealthRecoveryResetsCounter(t *testing.T) {
	t.Parallel()
	d := &fakeDialer{}
	r := newTestRegistry(t, d)
	ctx := context.Background()

	cfg := stdioConfig("fs")
	cfg.HealthFailureThreshold = 3
	require.NoError(t, r.Register(cfg))
	require.NoError(t, r.Start(ctx, "fs"))

	ad := d.lastAdapter()
	ad.mu.Lock()
	ad.sendFn = func(*protocol.Request) (*protocol.Response, error) {
		return nil, errors.New("no pong")
	}
	ad.mu.Unlock()
	require.Error(t, r.HealthCheck(ctx, "fs"))

	ad.mu.Lock()
	ad.sendFn = nil
	ad.mu.Unlock()
	require.NoError(t, r.HealthCheck(ctx, "fs"))

	snap, err := r.Snapshot("fs")
	require.NoError(t, err)
	require.Zero(t, snap.HealthFailures)
	require.Empty(t, snap.LastHealthError)
}

func TestEventsFanIn(t *testing.T) {
	t.Parallel()
	d := &fakeDialer{}
	r := newTestRegistry(t, d)
	ctx := context.Background()

	require.NoError(t, r.Register(stdioConfig("fs")))
	require.NoError(t, r.Start(ctx, "fs"))

	want := protocol.Event{Backend: "fs", Method: "notifications/tools/list_changed"}
	d.lastAdapter().events <- want

	select {
	case got := <-r.Events():
		require.Equal(t, want.Backend, got.Backend)
		require.Equal(t, want.Method, got.Method)
	case <-time.After(3 * time.Second):
		t.Fatal("no event fanned in")
	}
}

func TestApplyReconciles(t *testing.T) {
	t.Parallel()
	d := &fakeDialer{}
	r := newTestRegistry(t, d)
	ctx := context.Background()

	require.NoError(t, r.Apply(ctx, []Config{stdioConfig("fs"), stdioConfig("web")}))
	require.Equal(t, []string{"fs", "web"}, r.Names())
	require.Equal(t, []string{"fs", "web"}, r.ActiveNames())

	// unchanged configs are left alone, removed ones stopped and dropped
	dials := d.dialCount()
	require.NoError(t, r.Apply(ctx, []Config{stdioConfig("fs")}))
	require.Equal(t, []string{"fs"}, r.Names())
	require.Equal(t, dials, d.dialCount())

	// a changed config restarts its backend
	changed := stdioConfig("fs")
	changed.Args = []string{"--readonly"}
	require.NoError(t, r.Apply(ctx, []Config{changed}))
	require.Equal(t, dials+1, d.dialCount())
	require.Equal(t, []string{"fs"}, r.ActiveNames())
}
