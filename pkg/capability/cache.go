// Package capability caches what each backend advertises: tools, resources,
// resource templates, and prompts. The router consults the cache to pick the
// backend that owns a name, and the gateway refreshes it whenever a backend
// becomes active or announces a list change.
package capability

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mcphost/mcp-gateway-go/pkg/protocol"
)

// Sender issues protocol requests against a single backend.
// transport.Adapter satisfies it.
type Sender interface {
	Send(ctx context.Context, req *protocol.Request) (*protocol.Response, error)
}

// Item is one advertised capability. Key is the identifier used for
// routing lookups (tool name, resource URI, template pattern, or prompt
// name); Raw is the backend's full declaration, preserved verbatim.
type Item struct {
	Key string
	Raw json.RawMessage
}

// Snapshot holds one backend's advertised capabilities at a point in time.
type Snapshot struct {
	Tools             []Item
	Resources         []Item
	ResourceTemplates []Item
	Prompts           []Item
	RefreshedAt       time.Time
}

// Cache maps backend names to their latest capability snapshots. Safe for
// concurrent use; lookups take a read lock only.
type Cache struct {
	logger *slog.Logger

	mu        sync.RWMutex
	byBackend map[string]Snapshot
}

// NewCache builds an empty cache. A nil logger falls back to slog.Default().
func NewCache(logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		logger:    logger,
		byBackend: make(map[string]Snapshot),
	}
}

// Refresh re-queries every capability list of one backend and replaces its
// snapshot. Lists the backend does not support come back empty rather than
// failing the refresh; a transport fault on any list is reported but the
// successfully fetched lists are still stored.
func (c *Cache) Refresh(ctx context.Context, backend string, s Sender) error {
	snap := Snapshot{RefreshedAt: time.Now()}
	var errs []error

	fetch := func(method, field string, dst *[]Item) {
		resp, err := s.Send(ctx, &protocol.Request{Method: method})
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", method, err))
			return
		}
		items, err := decodeList(resp.Result, field)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", method, err))
			return
		}
		*dst = items
	}

	fetch(protocol.MethodListTools, "tools", &snap.Tools)
	fetch(protocol.MethodListResources, "resources", &snap.Resources)
	fetch(protocol.MethodListResourceTemplates, "resourceTemplates", &snap.ResourceTemplates)
	fetch(protocol.MethodListPrompts, "prompts", &snap.Prompts)

	c.mu.Lock()
	c.byBackend[backend] = snap
	c.mu.Unlock()

	c.logger.Debug("capability snapshot refreshed",
		"backend", backend,
		"tools", len(snap.Tools),
		"resources", len(snap.Resources),
		"resource_templates", len(snap.ResourceTemplates),
		"prompts", len(snap.Prompts))
	return errors.Join(errs...)
}

// Remove drops a backend's snapshot.
func (c *Cache) Remove(backend string) {
	c.mu.Lock()
	delete(c.byBackend, backend)
	c.mu.Unlock()
}

// Snapshot returns a backend's current snapshot, if one exists.
func (c *Cache) Snapshot(backend string) (Snapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	snap, ok := c.byBackend[backend]
	return snap, ok
}

// FindTool returns the first backend in visible order that advertises the
// named tool. When several backends declare the same tool name, the earliest
// one in visible order wins, so resolution stays deterministic.
func (c *Cache) FindTool(name string, visible []string) (string, bool) {
	return c.find(name, visible, func(s Snapshot) []Item { return s.Tools })
}

// FindResource returns the first backend in visible order that advertises
// the resource URI.
func (c *Cache) FindResource(uri string, visible []string) (string, bool) {
	return c.find(uri, visible, func(s Snapshot) []Item { return s.Resources })
}

// FindPrompt returns the first backend in visible order that advertises the
// named prompt.
func (c *Cache) FindPrompt(name string, visible []string) (string, bool) {
	return c.find(name, visible, func(s Snapshot) []Item { return s.Prompts })
}

func (c *Cache) find(key string, visible []string, pick func(Snapshot) []Item) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, backend := range visible {
		snap, ok := c.byBackend[backend]
		if !ok {
			continue
		}
		for _, item := range pick(snap) {
			if item.Key == key {
				return backend, true
			}
		}
	}
	return "", false
}

// decodeList extracts the named array from a list result and keys each
// element by its identifying field.
func decodeList(result json.RawMessage, field string) ([]Item, error) {
	if len(result) == 0 {
		return nil, nil
	}
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(result, &envelope); err != nil {
		return nil, fmt.Errorf("decode list result: %w", err)
	}
	raw, ok := envelope[field]
	if !ok {
		return nil, nil
	}
	var elems []json.RawMessage
	if err := json.Unmarshal(raw, &elems); err != nil {
		return nil, fmt.Errorf("decode %s array: %w", field, err)
	}
	items := make([]Item, 0, len(elems))
	for _, elem := range elems {
		var probe struct {
			Name        string `json:"name"`
			URI         string `json:"uri"`
			URITemplate string `json:"uriTemplate"`
		}
		if err := json.Unmarshal(elem, &probe); err != nil {
			return nil, fmt.Errorf("decode %s element: %w", field, err)
		}
		key := probe.Name
		if probe.URI != "" {
			key = probe.URI
		}
		if probe.URITemplate != "" {
			key = probe.URITemplate
		}
		items = append(items, Item{Key: key, Raw: elem})
	}
	return items, nil
}
