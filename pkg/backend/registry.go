package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/mcphost/mcp-gateway-go/pkg/protocol"
	"github.com/mcphost/mcp-gateway-go/pkg/transport"
)

// Status is a backend's lifecycle state.
type Status string

const (
	StatusInactive Status = "inactive"
	StatusStarting Status = "starting"
	StatusActive   Status = "active"
	StatusError    Status = "error"
	StatusStopping Status = "stopping"
)

// errRestartAborted stops a pending restart loop when the backend moved out
// of the error state underneath it (explicit start or stop won the race).
var errRestartAborted = errors.New("restart aborted")

// Options configure a Registry.
type Options struct {
	// Logger receives structured diagnostics. Defaults to slog.Default().
	Logger *slog.Logger

	// Dialer builds an adapter for a backend. Defaults to transport.New.
	// Overridden in tests to inject fakes or in-memory transports.
	Dialer func(transport.Config) (transport.Adapter, error)

	// OnActive runs after every successful start or restart, before the
	// backend serves requests. The gateway hooks the capability refresh
	// here. A returned error is logged, not fatal.
	OnActive func(ctx context.Context, name string, ad transport.Adapter) error

	// OnRemove runs after a backend is removed from the registry.
	OnRemove func(name string)

	// ClientName and ClientVersion identify the gateway during backend
	// handshakes.
	ClientName    string
	ClientVersion string
}

// Registry owns all configured backends. Lifecycle transitions for one
// backend serialize on that backend's own lock; unrelated backends never
// contend.
type Registry struct {
	opts Options

	mu      sync.RWMutex
	entries map[string]*entry
	order   []string

	events chan protocol.Event

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	// restart backoff bounds, shortened in tests
	backoffInitial time.Duration
	backoffMax     time.Duration
}

type entry struct {
	// transMu serializes lifecycle transitions. Held for the full duration
	// of a start or stop, including the blocking connect.
	transMu sync.Mutex

	// mu guards the fields below and is only ever held briefly, so status
	// reads never block on an in-flight transition.
	mu              sync.Mutex
	cfg             Config
	status          Status
	adapter         transport.Adapter
	restarts        int
	healthFailures  int
	lastHealthAt    time.Time
	lastHealthErr   error
	pinned          bool
	restartPending  bool
	bgCancel        context.CancelFunc
	restartCancel   context.CancelFunc
	inflight        sync.WaitGroup
}

// Snapshot is a read-only view of one backend's state for monitoring.
type Snapshot struct {
	Name            string         `json:"name"`
	Transport       transport.Kind `json:"transport"`
	Status          Status         `json:"status"`
	Restarts        int            `json:"restarts"`
	HealthFailures  int            `json:"health_failures"`
	Pinned          bool           `json:"pinned"`
	LastHealthAt    time.Time      `json:"last_health_at,omitzero"`
	LastHealthError string         `json:"last_health_error,omitempty"`
}

// NewRegistry builds an empty registry. Call Close to stop every backend and
// release background loops.
func NewRegistry(opts Options) *Registry {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Dialer == nil {
		opts.Dialer = func(tc transport.Config) (transport.Adapter, error) {
			return transport.New(tc)
		}
	}
	if opts.ClientName == "" {
		opts.ClientName = "mcp-gateway"
	}
	if opts.ClientVersion == "" {
		opts.ClientVersion = "1.0.0"
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		opts:           opts,
		entries:        make(map[string]*entry),
		events:         make(chan protocol.Event, 256),
		baseCtx:        ctx,
		cancel:         cancel,
		backoffInitial: defaultBackoffInitialInterval,
		backoffMax:     defaultBackoffMaxInterval,
	}
}

// Register validates cfg and stores the backend as inactive. Fails on a
// duplicate name or a malformed descriptor.
func (r *Registry) Register(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	cfg = cfg.withDefaults()

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[cfg.Name]; exists {
		return fmt.Errorf("%w: %q", protocol.ErrDuplicateBackend, cfg.Name)
	}
	r.entries[cfg.Name] = &entry{cfg: cfg, status: StatusInactive}
	r.order = append(r.order, cfg.Name)
	r.opts.Logger.Info("backend registered", "backend", cfg.Name, "transport", cfg.Transport)
	return nil
}

// Start brings a backend up. An explicit start clears the restart counter
// and un-pins a backend that exhausted its automatic restarts.
func (r *Registry) Start(ctx context.Context, name string) error {
	e, err := r.entry(name)
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.restarts = 0
	e.pinned = false
	if e.restartCancel != nil {
		e.restartCancel()
		e.restartCancel = nil
	}
	e.mu.Unlock()

	e.transMu.Lock()
	defer e.transMu.Unlock()
	return r.startLocked(ctx, e)
}

// startLocked performs the INACTIVE/ERROR -> STARTING -> ACTIVE transition.
// Caller holds e.transMu.
func (r *Registry) startLocked(ctx context.Context, e *entry) error {
	e.mu.Lock()
	if e.status == StatusActive {
		e.mu.Unlock()
		return nil
	}
	cfg := e.cfg
	e.status = StatusStarting
	e.mu.Unlock()

	tc := cfg.transportConfig()
	tc.ClientName = r.opts.ClientName
	tc.ClientVersion = r.opts.ClientVersion
	tc.Logger = r.opts.Logger

	ad, err := r.opts.Dialer(tc)
	if err == nil {
		err = ad.Connect(ctx)
	}
	if err != nil {
		e.mu.Lock()
		e.status = StatusError
		e.lastHealthErr = err
		e.mu.Unlock()
		if ad != nil {
			_ = ad.Close()
		}
		r.opts.Logger.Warn("backend start failed", "backend", cfg.Name, "error", err)
		r.scheduleRestartLocked(e)
		return fmt.Errorf("start backend %q: %w", cfg.Name, err)
	}

	bgCtx, bgCancel := context.WithCancel(r.baseCtx)
	e.mu.Lock()
	e.adapter = ad
	e.status = StatusActive
	e.healthFailures = 0
	e.lastHealthErr = nil
	e.bgCancel = bgCancel
	e.mu.Unlock()

	r.wg.Add(2)
	go r.healthLoop(bgCtx, e)
	go r.monitorSession(bgCtx, e, ad)
	r.pumpEvents(bgCtx, e, ad)

	r.opts.Logger.Info("backend active", "backend", cfg.Name)

	if r.opts.OnActive != nil {
		if err := r.opts.OnActive(ctx, cfg.Name, ad); err != nil {
			r.opts.Logger.Warn("backend activation hook failed", "backend", cfg.Name, "error", err)
		}
	}
	return nil
}

// Stop transitions a backend to STOPPING and then INACTIVE, letting
// in-flight requests drain for the configured grace period before the
// adapter is released.
func (r *Registry) Stop(ctx context.Context, name string) error {
	e, err := r.entry(name)
	if err != nil {
		return err
	}
	e.transMu.Lock()
	defer e.transMu.Unlock()
	return r.stopLocked(ctx, e)
}

func (r *Registry) stopLocked(_ context.Context, e *entry) error {
	e.mu.Lock()
	if e.status == StatusInactive {
		e.mu.Unlock()
		return nil
	}
	cfg := e.cfg
	e.status = StatusStopping
	ad := e.adapter
	e.adapter = nil
	if e.bgCancel != nil {
		e.bgCancel()
		e.bgCancel = nil
	}
	if e.restartCancel != nil {
		e.restartCancel()
		e.restartCancel = nil
	}
	e.restartPending = false
	e.mu.Unlock()

	if ad != nil {
		if !waitTimeout(&e.inflight, cfg.StopGracePeriod) {
			r.opts.Logger.Warn("stop grace period expired, cancelling in-flight requests", "backend", cfg.Name)
		}
		_ = ad.Close()
	}

	e.mu.Lock()
	e.status = StatusInactive
	e.healthFailures = 0
	e.mu.Unlock()
	r.opts.Logger.Info("backend stopped", "backend", cfg.Name)
	return nil
}

// Remove stops a backend and deletes it from the registry.
func (r *Registry) Remove(ctx context.Context, name string) error {
	if err := r.Stop(ctx, name); err != nil {
		return err
	}
	r.mu.Lock()
	delete(r.entries, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.mu.Unlock()
	if r.opts.OnRemove != nil {
		r.opts.OnRemove(name)
	}
	r.opts.Logger.Info("backend removed", "backend", name)
	return nil
}

// Apply reconciles the registry against a new configuration set: new
// backends are registered and started, changed ones restarted with the new
// config, and missing ones removed. Used by configuration change
// notifications.
func (r *Registry) Apply(ctx context.Context, cfgs []Config) error {
	var errs []error
	seen := make(map[string]struct{}, len(cfgs))
	for _, cfg := range cfgs {
		seen[cfg.Name] = struct{}{}
		e, err := r.entry(cfg.Name)
		if err != nil {
			if err := r.Register(cfg); err != nil {
				errs = append(errs, err)
				continue
			}
			if err := r.Start(ctx, cfg.Name); err != nil {
				errs = append(errs, err)
			}
			continue
		}
		if err := cfg.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		next := cfg.withDefaults()
		e.mu.Lock()
		unchanged := reflect.DeepEqual(e.cfg, next)
		e.mu.Unlock()
		if unchanged {
			continue
		}
		r.opts.Logger.Info("backend config changed, restarting", "backend", cfg.Name)
		if err := r.Stop(ctx, cfg.Name); err != nil {
			errs = append(errs, err)
			continue
		}
		e.mu.Lock()
		e.cfg = next
		e.mu.Unlock()
		if err := r.Start(ctx, cfg.Name); err != nil {
			errs = append(errs, err)
		}
	}
	for _, name := range r.Names() {
		if _, ok := seen[name]; !ok {
			if err := r.Remove(ctx, name); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// HealthCheck issues one liveness probe and applies the consecutive-failure
// policy. The background health loop calls this on the configured interval.
func (r *Registry) HealthCheck(ctx context.Context, name string) error {
	e, err := r.entry(name)
	if err != nil {
		return err
	}
	return r.probe(ctx, e)
}

func (r *Registry) probe(ctx context.Context, e *entry) error {
	e.mu.Lock()
	ad := e.adapter
	cfg := e.cfg
	if e.status != StatusActive || ad == nil {
		e.mu.Unlock()
		return fmt.Errorf("%w: backend %q is not active", protocol.ErrConnect, cfg.Name)
	}
	e.mu.Unlock()

	_, err := ad.Send(ctx, &protocol.Request{Method: protocol.MethodPing})

	e.mu.Lock()
	e.lastHealthAt = time.Now()
	if err == nil {
		e.healthFailures = 0
		e.lastHealthErr = nil
		e.mu.Unlock()
		return nil
	}
	e.healthFailures++
	e.lastHealthErr = err
	failures := e.healthFailures
	threshold := cfg.HealthFailureThreshold
	e.mu.Unlock()

	r.opts.Logger.Warn("health check failed",
		"backend", cfg.Name, "failures", failures, "threshold", threshold, "error", err)
	if failures >= threshold {
		r.fault(e, fmt.Errorf("%w: %d consecutive health-check failures: %s", protocol.ErrConnect, failures, err))
	}
	return err
}

// fault moves an active backend to ERROR, releases its adapter, and
// schedules a restart per policy. No-op if the backend already left ACTIVE;
// that makes fault idempotent across the health loop and session monitor
// racing each other.
func (r *Registry) fault(e *entry, cause error) {
	e.transMu.Lock()
	defer e.transMu.Unlock()

	e.mu.Lock()
	if e.status != StatusActive {
		e.mu.Unlock()
		return
	}
	cfg := e.cfg
	e.status = StatusError
	e.lastHealthErr = cause
	ad := e.adapter
	e.adapter = nil
	if e.bgCancel != nil {
		e.bgCancel()
		e.bgCancel = nil
	}
	e.mu.Unlock()

	if ad != nil {
		_ = ad.Close()
	}
	r.opts.Logger.Error("backend faulted", "backend", cfg.Name, "error", cause)
	r.scheduleRestartLocked(e)
}

// scheduleRestartLocked arms at most one pending restart loop for the entry.
// Caller holds e.transMu.
func (r *Registry) scheduleRestartLocked(e *entry) {
	e.mu.Lock()
	cfg := e.cfg
	if cfg.DisableAutoRestart || e.restartPending {
		e.mu.Unlock()
		return
	}
	if e.restarts >= cfg.MaxRestarts {
		e.pinned = true
		e.mu.Unlock()
		r.opts.Logger.Error("restart limit reached, backend pinned in error state until explicit start",
			"backend", cfg.Name, "max_restarts", cfg.MaxRestarts)
		return
	}
	e.restartPending = true
	remaining := cfg.MaxRestarts - e.restarts
	restartCtx, cancel := context.WithCancel(r.baseCtx)
	e.restartCancel = cancel
	e.mu.Unlock()

	r.wg.Add(1)
	go r.restartLoop(restartCtx, e, remaining)
}

func (r *Registry) restartLoop(ctx context.Context, e *entry, remaining int) {
	defer r.wg.Done()

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = r.backoffInitial
	exp.MaxInterval = r.backoffMax

	name := func() string {
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.cfg.Name
	}()

	attempt := func() (struct{}, error) {
		e.transMu.Lock()
		defer e.transMu.Unlock()

		e.mu.Lock()
		if e.status != StatusError || e.pinned {
			e.restartPending = false
			e.mu.Unlock()
			return struct{}{}, backoff.Permanent(errRestartAborted)
		}
		e.restarts++
		n := e.restarts
		e.mu.Unlock()

		r.opts.Logger.Info("restarting backend", "backend", name, "attempt", n)
		if err := r.startLocked(ctx, e); err != nil {
			return struct{}{}, err
		}
		e.mu.Lock()
		e.restartPending = false
		e.mu.Unlock()
		return struct{}{}, nil
	}

	_, err := backoff.Retry(ctx, attempt,
		backoff.WithBackOff(exp),
		backoff.WithMaxTries(uint(remaining)),
		backoff.WithNotify(func(err error, next time.Duration) {
			r.opts.Logger.Warn("restart attempt failed", "backend", name, "error", err, "retry_in", next)
		}),
	)
	if err != nil && !errors.Is(err, errRestartAborted) {
		e.mu.Lock()
		e.restartPending = false
		if e.status == StatusError && e.restarts >= e.cfg.MaxRestarts {
			e.pinned = true
		}
		e.mu.Unlock()
		r.opts.Logger.Error("automatic restarts exhausted", "backend", name, "error", err)
	}
}

// Dispatch routes one request to a backend's adapter. The registry owns the
// adapter handle, so this is the only request path into a backend.
func (r *Registry) Dispatch(ctx context.Context, name string, req *protocol.Request) (*protocol.Response, error) {
	e, err := r.entry(name)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	switch e.status {
	case StatusActive:
	case StatusStopping, StatusInactive:
		e.mu.Unlock()
		return nil, protocol.WrapBackend(name, protocol.ErrBackendStopped)
	default:
		status := e.status
		e.mu.Unlock()
		return nil, protocol.WrapBackend(name, fmt.Errorf("%w: backend is %s", protocol.ErrConnect, status))
	}
	ad := e.adapter
	e.inflight.Add(1)
	e.mu.Unlock()
	defer e.inflight.Done()

	resp, err := ad.Send(ctx, req)
	if err != nil {
		e.mu.Lock()
		stopping := e.status == StatusStopping || e.status == StatusInactive
		e.mu.Unlock()
		if stopping {
			return nil, protocol.WrapBackend(name, protocol.ErrBackendStopped)
		}
		return nil, protocol.WrapBackend(name, err)
	}
	return resp, nil
}

// Events is the merged stream of server-push notifications from every
// active backend. The channel closes when the registry closes.
func (r *Registry) Events() <-chan protocol.Event { return r.events }

func (r *Registry) healthLoop(ctx context.Context, e *entry) {
	defer r.wg.Done()
	e.mu.Lock()
	interval := e.cfg.HealthCheckInterval
	e.mu.Unlock()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = r.probe(ctx, e)
		}
	}
}

// monitorSession watches for the backend's session dying underneath us, for
// example a child process killed out-of-band.
func (r *Registry) monitorSession(ctx context.Context, e *entry, ad transport.Adapter) {
	defer r.wg.Done()
	err := ad.Wait()
	select {
	case <-ctx.Done():
		return
	default:
	}
	if err == nil {
		err = errors.New("session terminated")
	}
	r.fault(e, fmt.Errorf("%w: %s", protocol.ErrConnect, err))
}

func (r *Registry) pumpEvents(ctx context.Context, e *entry, ad transport.Adapter) {
	stream, err := ad.OpenStream(ctx)
	if err != nil {
		if !errors.Is(err, protocol.ErrStreamingUnsupported) {
			r.opts.Logger.Warn("open stream failed", "error", err)
		}
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-stream:
				if !ok {
					return
				}
				select {
				case r.events <- ev:
				default:
					r.opts.Logger.Debug("event fan-in full, dropping notification",
						"backend", ev.Backend, "method", ev.Method)
				}
			}
		}
	}()
}

// Names returns all backend names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// ActiveNames returns the names of ACTIVE backends in registration order.
func (r *Registry) ActiveNames() []string {
	r.mu.RLock()
	order := make([]string, len(r.order))
	copy(order, r.order)
	entries := make([]*entry, 0, len(order))
	for _, name := range order {
		entries = append(entries, r.entries[name])
	}
	r.mu.RUnlock()

	var active []string
	for i, e := range entries {
		e.mu.Lock()
		if e.status == StatusActive {
			active = append(active, order[i])
		}
		e.mu.Unlock()
	}
	return active
}

// Snapshot returns a read-only view of one backend.
func (r *Registry) Snapshot(name string) (Snapshot, error) {
	e, err := r.entry(name)
	if err != nil {
		return Snapshot{}, err
	}
	return r.snapshotEntry(e), nil
}

// SnapshotAll returns views of every backend in registration order.
func (r *Registry) SnapshotAll() []Snapshot {
	names := r.Names()
	out := make([]Snapshot, 0, len(names))
	for _, name := range names {
		if snap, err := r.Snapshot(name); err == nil {
			out = append(out, snap)
		}
	}
	return out
}

func (r *Registry) snapshotEntry(e *entry) Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	snap := Snapshot{
		Name:           e.cfg.Name,
		Transport:      e.cfg.Transport,
		Status:         e.status,
		Restarts:       e.restarts,
		HealthFailures: e.healthFailures,
		Pinned:         e.pinned,
		LastHealthAt:   e.lastHealthAt,
	}
	if e.lastHealthErr != nil {
		snap.LastHealthError = e.lastHealthErr.Error()
	}
	return snap
}

// Close stops every backend, cancels background loops, and closes the event
// stream.
func (r *Registry) Close(ctx context.Context) error {
	var errs []error
	for _, name := range r.Names() {
		if err := r.Stop(ctx, name); err != nil {
			errs = append(errs, err)
		}
	}
	r.cancel()
	r.wg.Wait()
	close(r.events)
	return errors.Join(errs...)
}

func (r *Registry) entry(name string) (*entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return nil, fmt.Errorf("%w: backend %q", protocol.ErrNotFound, name)
	}
	return e, nil
}

// waitTimeout waits for wg up to d, reporting whether the wait completed.
func waitTimeout(wg *sync.WaitGroup, d time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(d):
		return false
	}
}
