package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/mcphost/mcp-gateway-go/pkg/protocol"
)

// sdkAdapter is the single Adapter implementation: every transport kind
// reduces to an mcp.Transport, and the adapter owns the MCP client session
// speaking the protocol over it.
type sdkAdapter struct {
	cfg       Config
	transport mcp.Transport
	logger    *slog.Logger
	push      bool

	mu      sync.Mutex
	session *mcp.ClientSession
	closed  bool
	events  chan protocol.Event
}

func newAdapter(cfg Config, t mcp.Transport) *sdkAdapter {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ClientName == "" {
		cfg.ClientName = "mcp-gateway"
	}
	if cfg.ClientVersion == "" {
		cfg.ClientVersion = "1.0.0"
	}
	return &sdkAdapter{
		cfg:       cfg,
		transport: t,
		logger:    cfg.Logger,
		push:      cfg.Kind != KindHTTP,
		events:    make(chan protocol.Event, 64),
	}
}

func (a *sdkAdapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return fmt.Errorf("%w: adapter closed", protocol.ErrConnect)
	}
	if a.session != nil {
		a.mu.Unlock()
		return nil
	}
	a.mu.Unlock()

	client := mcp.NewClient(&mcp.Implementation{
		Name:    a.cfg.ClientName,
		Version: a.cfg.ClientVersion,
	}, a.clientOptions())

	wire := a.transport
	if a.cfg.LogRPC {
		wire = &loggingTransport{backend: a.cfg.Backend, delegate: a.transport, logger: a.logger}
	}

	if a.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.cfg.Timeout)
		defer cancel()
	}
	session, err := client.Connect(ctx, wire, nil)
	if err != nil {
		return fmt.Errorf("%w: %s", protocol.ErrConnect, err)
	}

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		_ = session.Close()
		return fmt.Errorf("%w: adapter closed", protocol.ErrConnect)
	}
	a.session = session
	a.mu.Unlock()
	return nil
}

// clientOptions wires every server-initiated notification into the adapter's
// event stream. The SDK invokes these handlers on its own goroutines.
func (a *sdkAdapter) clientOptions() *mcp.ClientOptions {
	return &mcp.ClientOptions{
		ToolListChangedHandler: func(_ context.Context, req *mcp.ToolListChangedRequest) {
			a.emit("notifications/tools/list_changed", req.Params)
		},
		PromptListChangedHandler: func(_ context.Context, req *mcp.PromptListChangedRequest) {
			a.emit("notifications/prompts/list_changed", req.Params)
		},
		ResourceListChangedHandler: func(_ context.Context, req *mcp.ResourceListChangedRequest) {
			a.emit("notifications/resources/list_changed", req.Params)
		},
		ResourceUpdatedHandler: func(_ context.Context, req *mcp.ResourceUpdatedNotificationRequest) {
			a.emit("notifications/resources/updated", req.Params)
		},
		LoggingMessageHandler: func(_ context.Context, req *mcp.LoggingMessageRequest) {
			a.emit("notifications/message", req.Params)
		},
		ProgressNotificationHandler: func(_ context.Context, req *mcp.ProgressNotificationClientRequest) {
			a.emit("notifications/progress", req.Params)
		},
	}
}

// emit queues an event without blocking; a slow or absent consumer drops
// rather than stalling the SDK's read loop.
func (a *sdkAdapter) emit(method string, params any) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	raw, err := json.Marshal(params)
	if err != nil {
		a.logger.Warn("dropping unencodable notification", "backend", a.cfg.Backend, "method", method, "error", err)
		return
	}
	ev := protocol.Event{Backend: a.cfg.Backend, Method: method, Params: raw, At: time.Now()}
	select {
	case a.events <- ev:
	default:
		a.logger.Debug("event stream full, dropping notification", "backend", a.cfg.Backend, "method", method)
	}
}

func (a *sdkAdapter) OpenStream(context.Context) (<-chan protocol.Event, error) {
	if !a.push {
		return nil, fmt.Errorf("%w: %s transport", protocol.ErrStreamingUnsupported, a.cfg.Kind)
	}
	return a.events, nil
}

func (a *sdkAdapter) Send(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
	a.mu.Lock()
	session := a.session
	a.mu.Unlock()
	if session == nil {
		return nil, fmt.Errorf("%w: not connected", protocol.ErrConnect)
	}
	if a.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.cfg.Timeout)
		defer cancel()
	}

	result, err := a.dispatch(ctx, session, req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s", protocol.ErrTimeout, req.Method)
		}
		return nil, err
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("encode %s result: %w", req.Method, err)
	}
	return &protocol.Response{Backend: a.cfg.Backend, Result: raw}, nil
}

func (a *sdkAdapter) dispatch(ctx context.Context, session *mcp.ClientSession, req *protocol.Request) (any, error) {
	switch req.Method {
	case protocol.MethodPing:
		if err := session.Ping(ctx, nil); err != nil {
			return nil, err
		}
		return struct{}{}, nil

	case protocol.MethodListTools:
		res, err := session.ListTools(ctx, nil)
		if err != nil {
			if isMethodUnavailable(err, req.Method) {
				return &mcp.ListToolsResult{Tools: []*mcp.Tool{}}, nil
			}
			return nil, err
		}
		return res, nil

	case protocol.MethodCallTool:
		var params struct {
			Name      string          `json:"name"`
			Arguments json.RawMessage `json:"arguments"`
		}
		if err := decodeParams(req.Params, &params); err != nil {
			return nil, err
		}
		if params.Name == "" {
			return nil, fmt.Errorf("%w: tools/call requires a tool name", protocol.ErrConfig)
		}
		call := &mcp.CallToolParams{Name: params.Name}
		if len(params.Arguments) > 0 {
			call.Arguments = params.Arguments
		}
		return session.CallTool(ctx, call)

	case protocol.MethodListResources:
		res, err := session.ListResources(ctx, nil)
		if err != nil {
			if isMethodUnavailable(err, req.Method) {
				return &mcp.ListResourcesResult{Resources: []*mcp.Resource{}}, nil
			}
			return nil, err
		}
		return res, nil

	case protocol.MethodReadResource:
		var params mcp.ReadResourceParams
		if err := decodeParams(req.Params, &params); err != nil {
			return nil, err
		}
		return session.ReadResource(ctx, &params)

	case protocol.MethodListResourceTemplates:
		res, err := session.ListResourceTemplates(ctx, nil)
		if err != nil {
			if isMethodUnavailable(err, req.Method) {
				return &mcp.ListResourceTemplatesResult{ResourceTemplates: []*mcp.ResourceTemplate{}}, nil
			}
			return nil, err
		}
		return res, nil

	case protocol.MethodSubscribeResource:
		var params mcp.SubscribeParams
		if err := decodeParams(req.Params, &params); err != nil {
			return nil, err
		}
		if err := session.Subscribe(ctx, &params); err != nil {
			return nil, err
		}
		return struct{}{}, nil

	case protocol.MethodUnsubscribeResource:
		var params mcp.UnsubscribeParams
		if err := decodeParams(req.Params, &params); err != nil {
			return nil, err
		}
		if err := session.Unsubscribe(ctx, &params); err != nil {
			return nil, err
		}
		return struct{}{}, nil

	case protocol.MethodListPrompts:
		res, err := session.ListPrompts(ctx, nil)
		if err != nil {
			if isMethodUnavailable(err, req.Method) {
				return &mcp.ListPromptsResult{Prompts: []*mcp.Prompt{}}, nil
			}
			return nil, err
		}
		return res, nil

	case protocol.MethodGetPrompt:
		var params mcp.GetPromptParams
		if err := decodeParams(req.Params, &params); err != nil {
			return nil, err
		}
		return session.GetPrompt(ctx, &params)

	default:
		return nil, fmt.Errorf("%w: %s", protocol.ErrUnsupportedMethod, req.Method)
	}
}

func (a *sdkAdapter) Wait() error {
	a.mu.Lock()
	session := a.session
	a.mu.Unlock()
	if session == nil {
		return fmt.Errorf("%w: not connected", protocol.ErrConnect)
	}
	return session.Wait()
}

func (a *sdkAdapter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	session := a.session
	a.session = nil
	close(a.events)
	a.mu.Unlock()

	if session == nil {
		return nil
	}
	return session.Close()
}

func decodeParams(raw json.RawMessage, dst any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%w: decode params: %s", protocol.ErrConfig, err)
	}
	return nil
}

// isMethodUnavailable reports whether err looks like the backend rejecting a
// method it never implemented, which list-style callers coerce to an empty
// result rather than a fault.
func isMethodUnavailable(err error, method string) bool {
	if err == nil {
		return false
	}
	lower := strings.ToLower(err.Error())
	if !(strings.Contains(lower, "method not found") ||
		strings.Contains(lower, "not implemented") ||
		strings.Contains(lower, "unsupported") ||
		strings.Contains(lower, "does not support") ||
		strings.Contains(lower, "unimplemented")) {
		return false
	}
	for _, part := range strings.Split(strings.ToLower(method), "/") {
		if part != "" && strings.Contains(lower, part) {
			return true
		}
	}
	return true
}
