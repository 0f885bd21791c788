// Package router maps incoming protocol requests onto backends. List
// methods fan out to every visible backend and merge, targeted methods
// resolve their owner through the capability cache, and everything else
// goes to the primary backend.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mcphost/mcp-gateway-go/pkg/protocol"
)

// DefaultAggregateTimeout bounds a whole fan-out, shared across every
// backend in the set.
const DefaultAggregateTimeout = 30 * time.Second

// Dispatcher sends a request to a named backend. The backend registry
// satisfies it.
type Dispatcher interface {
	Dispatch(ctx context.Context, backend string, req *protocol.Request) (*protocol.Response, error)
}

// Resolver looks up which backend owns a capability. The capability cache
// satisfies it.
type Resolver interface {
	FindTool(name string, visible []string) (string, bool)
	FindResource(uri string, visible []string) (string, bool)
	FindPrompt(name string, visible []string) (string, bool)
}

// Options tune a Router.
type Options struct {
	Logger           *slog.Logger
	AggregateTimeout time.Duration
}

// Router routes requests for one gateway instance.
type Router struct {
	dispatcher Dispatcher
	resolver   Resolver
	logger     *slog.Logger
	timeout    time.Duration
}

// New builds a Router over a dispatcher and resolver.
func New(d Dispatcher, res Resolver, opts Options) *Router {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.AggregateTimeout <= 0 {
		opts.AggregateTimeout = DefaultAggregateTimeout
	}
	return &Router{
		dispatcher: d,
		resolver:   res,
		logger:     opts.Logger,
		timeout:    opts.AggregateTimeout,
	}
}

// Route dispatches req against the visible backends, which must already be
// filtered to the caller's scope and listed in registration order. The
// first entry is the primary backend for methods with no better owner.
func (r *Router) Route(ctx context.Context, visible []string, req *protocol.Request) (*protocol.Response, error) {
	if protocol.IsAggregate(req.Method) {
		return r.aggregate(ctx, visible, req)
	}

	backend, err := r.resolve(visible, req)
	if err != nil {
		return nil, err
	}
	return r.dispatcher.Dispatch(ctx, backend, req)
}

func (r *Router) resolve(visible []string, req *protocol.Request) (string, error) {
	switch req.Method {
	case protocol.MethodCallTool:
		name, err := paramString(req.Params, "name")
		if err != nil {
			return "", err
		}
		backend, ok := r.resolver.FindTool(name, visible)
		if !ok {
			return "", fmt.Errorf("%w: tool %q", protocol.ErrNotFound, name)
		}
		return backend, nil

	case protocol.MethodReadResource, protocol.MethodSubscribeResource, protocol.MethodUnsubscribeResource:
		uri, err := paramString(req.Params, "uri")
		if err != nil {
			return "", err
		}
		backend, ok := r.resolver.FindResource(uri, visible)
		if !ok {
			return "", fmt.Errorf("%w: resource %q", protocol.ErrNotFound, uri)
		}
		return backend, nil

	case protocol.MethodGetPrompt:
		name, err := paramString(req.Params, "name")
		if err != nil {
			return "", err
		}
		backend, ok := r.resolver.FindPrompt(name, visible)
		if !ok {
			return "", fmt.Errorf("%w: prompt %q", protocol.ErrNotFound, name)
		}
		return backend, nil

	default:
		// Methods without a capability owner go to the primary backend.
		if len(visible) == 0 {
			return "", fmt.Errorf("%w: no active backend", protocol.ErrNotFound)
		}
		return visible[0], nil
	}
}

type fanoutResult struct {
	items []map[string]any
	err   error
}

// aggregate fans req out to every visible backend under one shared timeout
// and merges the results. Backends that fail are reported in a _failures
// annotation instead of failing the merge; only a total wipeout is an error.
func (r *Router) aggregate(ctx context.Context, visible []string, req *protocol.Request) (*protocol.Response, error) {
	field := listField(req.Method)

	if len(visible) == 0 {
		return emptyAggregate(field)
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	results := make([]fanoutResult, len(visible))
	g, gctx := errgroup.WithContext(ctx)
	for i, backend := range visible {
		g.Go(func() error {
			resp, err := r.dispatcher.Dispatch(gctx, backend, req)
			if err != nil {
				results[i] = fanoutResult{err: err}
				return nil
			}
			items, err := tagItems(resp.Result, field, backend)
			results[i] = fanoutResult{items: items, err: err}
			return nil
		})
	}
	_ = g.Wait()

	merged := make([]map[string]any, 0)
	failures := make(map[string]string)
	for i, res := range results {
		if res.err != nil {
			failures[visible[i]] = res.err.Error()
			r.logger.Warn("aggregate fan-out failed for backend",
				"backend", visible[i], "method", req.Method, "error", res.err)
			continue
		}
		merged = append(merged, res.items...)
	}
	if len(failures) == len(visible) {
		return nil, fmt.Errorf("%w: %s across %d backends", protocol.ErrAllBackendsFailed, req.Method, len(visible))
	}

	out := map[string]any{field: merged}
	if len(failures) > 0 {
		out["_failures"] = failures
	}
	raw, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("encode merged result: %w", err)
	}
	return &protocol.Response{Result: raw}, nil
}

func emptyAggregate(field string) (*protocol.Response, error) {
	raw, err := json.Marshal(map[string]any{field: []any{}})
	if err != nil {
		return nil, err
	}
	return &protocol.Response{Result: raw}, nil
}

// tagItems decodes the list array out of one backend's result and stamps
// each element with the backend it came from.
func tagItems(result json.RawMessage, field, backend string) ([]map[string]any, error) {
	if len(result) == 0 {
		return nil, nil
	}
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(result, &envelope); err != nil {
		return nil, fmt.Errorf("decode %s result: %w", field, err)
	}
	raw, ok := envelope[field]
	if !ok {
		return nil, nil
	}
	var items []map[string]any
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("decode %s array: %w", field, err)
	}
	for _, item := range items {
		item["_backend"] = backend
	}
	return items, nil
}

func listField(method string) string {
	switch method {
	case protocol.MethodListTools:
		return "tools"
	case protocol.MethodListResources:
		return "resources"
	case protocol.MethodListResourceTemplates:
		return "resourceTemplates"
	case protocol.MethodListPrompts:
		return "prompts"
	default:
		return "items"
	}
}

func paramString(params json.RawMessage, key string) (string, error) {
	if len(params) == 0 {
		return "", fmt.Errorf("%w: missing %q parameter", protocol.ErrConfig, key)
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(params, &m); err != nil {
		return "", fmt.Errorf("%w: %s", protocol.ErrConfig, err)
	}
	var v string
	if raw, ok := m[key]; ok {
		if err := json.Unmarshal(raw, &v); err != nil {
			return "", fmt.Errorf("%w: %s", protocol.ErrConfig, err)
		}
	}
	if v == "" {
		return "", fmt.Errorf("%w: missing %q parameter", protocol.ErrConfig, key)
	}
	return v, nil
}
