// Package session tracks gateway client sessions: opaque tokens bound to an
// identity and an optional backend scope, evicted after an idle window.
package session

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mcphost/mcp-gateway-go/pkg/protocol"
)

// DefaultIdleTimeout is how long a session may sit untouched before the
// sweeper evicts it.
const DefaultIdleTimeout = 30 * time.Minute

// Session is a read-only view of one client session. Client is the caller's
// self-reported client description, kept for monitoring only.
type Session struct {
	ID         string    `json:"id"`
	Identity   string    `json:"identity,omitempty"`
	Client     string    `json:"client,omitempty"`
	Scope      []string  `json:"scope,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	LastSeenAt time.Time `json:"last_seen_at"`
}

type record struct {
	identity   string
	client     string
	scope      []string
	createdAt  time.Time
	lastSeenAt time.Time
}

// Options configure a Registry.
type Options struct {
	Logger      *slog.Logger
	IdleTimeout time.Duration

	// now is a test hook.
	now func() time.Time
}

// Registry is the in-memory session store. Safe for concurrent use.
type Registry struct {
	logger      *slog.Logger
	idleTimeout time.Duration
	now         func() time.Time

	mu       sync.Mutex
	sessions map[string]*record
}

// NewRegistry builds an empty session registry.
func NewRegistry(opts Options) *Registry {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = DefaultIdleTimeout
	}
	if opts.now == nil {
		opts.now = time.Now
	}
	return &Registry{
		logger:      opts.Logger,
		idleTimeout: opts.IdleTimeout,
		now:         opts.now,
		sessions:    make(map[string]*record),
	}
}

// Create opens a session for identity, optionally restricted to the named
// backends. An empty scope means every backend is visible.
func (r *Registry) Create(identity, client string, scope []string) Session {
	id := uuid.NewString()
	now := r.now()
	rec := &record{
		identity:   identity,
		client:     client,
		scope:      append([]string(nil), scope...),
		createdAt:  now,
		lastSeenAt: now,
	}
	r.mu.Lock()
	r.sessions[id] = rec
	r.mu.Unlock()
	r.logger.Info("session created", "session", id, "identity", identity, "scope", scope)
	return r.view(id, rec)
}

// Get returns the session, if it exists.
func (r *Registry) Get(id string) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.sessions[id]
	if !ok {
		return Session{}, fmt.Errorf("%w: session %q", protocol.ErrSessionNotFound, id)
	}
	return r.view(id, rec), nil
}

// Touch refreshes a session's idle clock. Every gateway operation on the
// session calls this first.
func (r *Registry) Touch(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.sessions[id]
	if !ok {
		return fmt.Errorf("%w: session %q", protocol.ErrSessionNotFound, id)
	}
	rec.lastSeenAt = r.now()
	return nil
}

// Evict removes a session. Evicting an unknown session is not an error.
func (r *Registry) Evict(id string) {
	r.mu.Lock()
	_, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()
	if ok {
		r.logger.Info("session evicted", "session", id)
	}
}

// Resolve intersects a session's scope with the currently active backends,
// preserving the active list's order. An empty scope resolves to the whole
// active list.
func (r *Registry) Resolve(id string, active []string) ([]string, error) {
	r.mu.Lock()
	rec, ok := r.sessions[id]
	var scope []string
	if ok {
		scope = append([]string(nil), rec.scope...)
	}
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: session %q", protocol.ErrSessionNotFound, id)
	}
	if len(scope) == 0 {
		return append([]string(nil), active...), nil
	}
	allowed := make(map[string]struct{}, len(scope))
	for _, name := range scope {
		allowed[name] = struct{}{}
	}
	var visible []string
	for _, name := range active {
		if _, ok := allowed[name]; ok {
			visible = append(visible, name)
		}
	}
	return visible, nil
}

// List returns every live session, most recently created last.
func (r *Registry) List() []Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Session, 0, len(r.sessions))
	for id, rec := range r.sessions {
		out = append(out, r.view(id, rec))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Sweep evicts sessions idle past the configured window and returns their
// IDs. The gateway drives this on a timer.
func (r *Registry) Sweep() []string {
	cutoff := r.now().Add(-r.idleTimeout)
	r.mu.Lock()
	var evicted []string
	for id, rec := range r.sessions {
		if rec.lastSeenAt.Before(cutoff) {
			delete(r.sessions, id)
			evicted = append(evicted, id)
		}
	}
	r.mu.Unlock()
	for _, id := range evicted {
		r.logger.Info("idle session evicted", "session", id)
	}
	return evicted
}

func (r *Registry) view(id string, rec *record) Session {
	return Session{
		ID:         id,
		Identity:   rec.identity,
		Client:     rec.client,
		Scope:      append([]string(nil), rec.scope...),
		CreatedAt:  rec.createdAt,
		LastSeenAt: rec.lastSeenAt,
	}
}
