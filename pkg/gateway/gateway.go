// Package gateway is the front of the system: it owns the backend registry,
// the capability cache, the session registry, and the router, and exposes
// the operations the HTTP layer and embedders call.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/mcphost/mcp-gateway-go/pkg/backend"
	"github.com/mcphost/mcp-gateway-go/pkg/capability"
	"github.com/mcphost/mcp-gateway-go/pkg/protocol"
	"github.com/mcphost/mcp-gateway-go/pkg/router"
	"github.com/mcphost/mcp-gateway-go/pkg/session"
	"github.com/mcphost/mcp-gateway-go/pkg/transport"
)

const (
	// subscriberBuffer bounds one session's pending notifications. Slow
	// consumers drop events rather than stall the pump.
	subscriberBuffer = 32

	sweepInterval = time.Minute
)

// Options configure a Gateway.
type Options struct {
	Logger             *slog.Logger
	SessionIdleTimeout time.Duration
	AggregateTimeout   time.Duration

	// ClientName and ClientVersion identify the gateway during backend
	// handshakes.
	ClientName    string
	ClientVersion string

	// Dialer overrides how backend adapters are built. Tests inject
	// in-memory transports here.
	Dialer func(transport.Config) (transport.Adapter, error)
}

// Gateway aggregates a set of MCP backends behind one protocol surface.
type Gateway struct {
	logger   *slog.Logger
	backends *backend.Registry
	caps     *capability.Cache
	sessions *session.Registry
	router   *router.Router

	subMu sync.Mutex
	subs  map[string]map[chan protocol.Event]struct{}
}

// New wires up an empty gateway. Call Run to start the background loops and
// Close to shut everything down.
func New(opts Options) *Gateway {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	g := &Gateway{
		logger: opts.Logger,
		subs:   make(map[string]map[chan protocol.Event]struct{}),
	}
	g.caps = capability.NewCache(opts.Logger)
	g.backends = backend.NewRegistry(backend.Options{
		Logger:        opts.Logger,
		Dialer:        opts.Dialer,
		ClientName:    opts.ClientName,
		ClientVersion: opts.ClientVersion,
		OnActive: func(ctx context.Context, name string, ad transport.Adapter) error {
			return g.caps.Refresh(ctx, name, ad)
		},
		OnRemove: g.caps.Remove,
	})
	g.sessions = session.NewRegistry(session.Options{
		Logger:      opts.Logger,
		IdleTimeout: opts.SessionIdleTimeout,
	})
	g.router = router.New(g.backends, g.caps, router.Options{
		Logger:           opts.Logger,
		AggregateTimeout: opts.AggregateTimeout,
	})
	return g
}

// Run drives the idle-session sweeper and the notification pump until ctx
// is cancelled.
func (g *Gateway) Run(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, id := range g.sessions.Sweep() {
				g.dropSubscribers(id)
			}
		case ev, ok := <-g.backends.Events():
			if !ok {
				return
			}
			g.handleEvent(ctx, ev)
		}
	}
}

// Close stops every backend and releases background loops.
func (g *Gateway) Close(ctx context.Context) error {
	return g.backends.Close(ctx)
}

// CreateSession opens a session for identity, optionally scoped to a subset
// of backends. Scoped names must be registered, though not necessarily
// active yet. client is the caller's self-reported client description.
func (g *Gateway) CreateSession(identity, client string, scope []string) (session.Session, error) {
	known := make(map[string]struct{})
	for _, name := range g.backends.Names() {
		known[name] = struct{}{}
	}
	for _, name := range scope {
		if _, ok := known[name]; !ok {
			return session.Session{}, fmt.Errorf("%w: backend %q", protocol.ErrNotFound, name)
		}
	}
	return g.sessions.Create(identity, client, scope), nil
}

// Session returns a session by ID.
func (g *Gateway) Session(id string) (session.Session, error) {
	return g.sessions.Get(id)
}

// Sessions lists all live sessions.
func (g *Gateway) Sessions() []session.Session {
	return g.sessions.List()
}

// EvictSession removes a session and its event subscribers.
func (g *Gateway) EvictSession(id string) {
	g.sessions.Evict(id)
	g.dropSubscribers(id)
}

// Handle routes one protocol request on behalf of a session. The session's
// idle clock is refreshed and its scope filters which backends the request
// may reach.
func (g *Gateway) Handle(ctx context.Context, sessionID string, req *protocol.Request) (*protocol.Response, error) {
	if err := g.sessions.Touch(sessionID); err != nil {
		return nil, err
	}
	visible, err := g.sessions.Resolve(sessionID, g.backends.ActiveNames())
	if err != nil {
		return nil, err
	}
	return g.router.Route(ctx, visible, req)
}

// Subscribe opens a notification stream for a session. Only events from
// backends the session can see are delivered. The returned cancel func
// releases the stream and closes the channel.
func (g *Gateway) Subscribe(sessionID string) (<-chan protocol.Event, func(), error) {
	if err := g.sessions.Touch(sessionID); err != nil {
		return nil, nil, err
	}
	ch := make(chan protocol.Event, subscriberBuffer)
	g.subMu.Lock()
	set, ok := g.subs[sessionID]
	if !ok {
		set = make(map[chan protocol.Event]struct{})
		g.subs[sessionID] = set
	}
	set[ch] = struct{}{}
	g.subMu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			g.subMu.Lock()
			if set, ok := g.subs[sessionID]; ok {
				if _, live := set[ch]; live {
					delete(set, ch)
					close(ch)
				}
				if len(set) == 0 {
					delete(g.subs, sessionID)
				}
			}
			g.subMu.Unlock()
		})
	}
	return ch, cancel, nil
}

// handleEvent refreshes the capability cache on list-change notifications
// and fans the event out to subscribed sessions that can see its backend.
func (g *Gateway) handleEvent(ctx context.Context, ev protocol.Event) {
	if strings.HasSuffix(ev.Method, "list_changed") {
		sender := registrySender{backends: g.backends, name: ev.Backend}
		if err := g.caps.Refresh(ctx, ev.Backend, sender); err != nil {
			g.logger.Warn("capability refresh after list change failed",
				"backend", ev.Backend, "error", err)
		}
	}

	active := g.backends.ActiveNames()

	g.subMu.Lock()
	defer g.subMu.Unlock()
	for sessionID, set := range g.subs {
		visible, err := g.sessions.Resolve(sessionID, active)
		if err != nil {
			continue
		}
		seen := false
		for _, name := range visible {
			if name == ev.Backend {
				seen = true
				break
			}
		}
		if !seen {
			continue
		}
		for ch := range set {
			select {
			case ch <- ev:
			default:
				g.logger.Debug("subscriber buffer full, dropping event",
					"session", sessionID, "backend", ev.Backend, "method", ev.Method)
			}
		}
	}
}

func (g *Gateway) dropSubscribers(sessionID string) {
	g.subMu.Lock()
	defer g.subMu.Unlock()
	for ch := range g.subs[sessionID] {
		close(ch)
	}
	delete(g.subs, sessionID)
}

// RegisterBackend adds a backend without starting it.
func (g *Gateway) RegisterBackend(cfg backend.Config) error {
	return g.backends.Register(cfg)
}

// StartBackend brings a backend up, clearing any restart pin.
func (g *Gateway) StartBackend(ctx context.Context, name string) error {
	return g.backends.Start(ctx, name)
}

// StopBackend drains and stops a backend.
func (g *Gateway) StopBackend(ctx context.Context, name string) error {
	return g.backends.Stop(ctx, name)
}

// RemoveBackend stops a backend and forgets it.
func (g *Gateway) RemoveBackend(ctx context.Context, name string) error {
	return g.backends.Remove(ctx, name)
}

// ApplyConfig reconciles the backend set against a new configuration.
func (g *Gateway) ApplyConfig(ctx context.Context, cfgs []backend.Config) error {
	return g.backends.Apply(ctx, cfgs)
}

// Backends returns monitoring snapshots of every backend.
func (g *Gateway) Backends() []backend.Snapshot {
	return g.backends.SnapshotAll()
}

// Backend returns one backend's monitoring snapshot.
func (g *Gateway) Backend(name string) (backend.Snapshot, error) {
	return g.backends.Snapshot(name)
}

// Capabilities returns a backend's cached capability snapshot.
func (g *Gateway) Capabilities(name string) (capability.Snapshot, bool) {
	return g.caps.Snapshot(name)
}

// registrySender lets the capability cache refresh through the registry's
// dispatch path instead of holding an adapter.
type registrySender struct {
	backends *backend.Registry
	name     string
}

func (s registrySender) Send(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
	return s.backends.Dispatch(ctx, s.name, req)
}
