// Package transport wraps the four backend connection styles the gateway
// speaks (stdio subprocess, plain request/response HTTP, SSE, and streamable
// HTTP) behind a single Adapter interface. An adapter translates between the
// backend's wire encoding and the gateway's protocol envelope. It never
// retries internally: faults surface to the backend registry, which owns the
// restart policy.
package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/mcphost/mcp-gateway-go/pkg/protocol"
)

// Kind identifies a backend's wire style.
type Kind string

const (
	KindStdio      Kind = "stdio"
	KindHTTP       Kind = "http"
	KindSSE        Kind = "sse"
	KindStreamable Kind = "streamable-http"
)

// Valid reports whether k names a supported transport kind.
func (k Kind) Valid() bool {
	switch k {
	case KindStdio, KindHTTP, KindSSE, KindStreamable:
		return true
	}
	return false
}

// AuthScheme selects how outbound requests to a network backend are
// authenticated. Credential validation for inbound callers is not a
// transport concern.
type AuthScheme string

const (
	AuthNone   AuthScheme = "none"
	AuthBearer AuthScheme = "bearer"
	AuthAPIKey AuthScheme = "api_key"
)

// AuthConfig describes the outbound auth decoration for one backend.
type AuthConfig struct {
	Scheme AuthScheme `mapstructure:"scheme" json:"scheme"`
	// Token is the bearer token or API key value.
	Token string `mapstructure:"token" json:"-"`
	// Header overrides the header name for api_key auth. Defaults to
	// "X-Api-Key".
	Header string `mapstructure:"header" json:"header,omitempty"`
}

// Config describes how to reach one backend. Exactly one of the launch
// descriptor (Command) or the network descriptor (Endpoint) is used,
// depending on Kind.
type Config struct {
	// Backend is the owning backend's name, used for event and error
	// attribution.
	Backend string

	Kind Kind

	// Stdio launch descriptor.
	Command string
	Args    []string
	Env     map[string]string

	// Network descriptor.
	Endpoint   string
	Auth       AuthConfig
	HTTPClient *http.Client

	// Timeout bounds each Send call. Zero means no per-call bound beyond the
	// caller's context.
	Timeout time.Duration

	// ClientName and ClientVersion identify the gateway to the backend
	// during the protocol handshake.
	ClientName    string
	ClientVersion string

	// Logger receives structured diagnostics; LogRPC additionally dumps
	// JSON-RPC traffic at debug level.
	Logger *slog.Logger
	LogRPC bool
}

// Adapter is the uniform surface over one backend connection. The backend
// registry is the sole owner of adapter handles.
type Adapter interface {
	// Connect establishes the session, spawning the child process or opening
	// the network connection as the kind requires.
	Connect(ctx context.Context) error

	// Send issues one request and returns its single response. Timeouts and
	// broken connections are reported as errors wrapping protocol.ErrTimeout
	// and protocol.ErrConnect respectively.
	Send(ctx context.Context, req *protocol.Request) (*protocol.Response, error)

	// OpenStream returns the adapter's decoded server-push event sequence.
	// Transports without server push return protocol.ErrStreamingUnsupported.
	// The channel closes when the adapter closes.
	OpenStream(ctx context.Context) (<-chan protocol.Event, error)

	// Wait blocks until the underlying session terminates and reports the
	// terminal error, if any.
	Wait() error

	// Close releases the connection and, for process-based transports, kills
	// and reaps the child process.
	Close() error
}

// New builds an adapter for cfg. The connection is not established until
// Connect is called.
func New(cfg Config) (Adapter, error) {
	t, err := buildTransport(&cfg)
	if err != nil {
		return nil, err
	}
	return newAdapter(cfg, t), nil
}

// NewFromTransport builds an adapter over an existing mcp.Transport,
// bypassing kind-based construction. Used by tests and embedders that supply
// their own transport, such as an in-memory pair.
func NewFromTransport(cfg Config, t mcp.Transport) Adapter {
	return newAdapter(cfg, t)
}

func buildTransport(cfg *Config) (mcp.Transport, error) {
	switch cfg.Kind {
	case KindStdio:
		if cfg.Command == "" {
			return nil, fmt.Errorf("%w: stdio backend %q has no command", protocol.ErrConfig, cfg.Backend)
		}
		cmd := exec.Command(cfg.Command, cfg.Args...)
		if len(cfg.Env) > 0 {
			env := os.Environ()
			for k, v := range cfg.Env {
				env = append(env, fmt.Sprintf("%s=%s", k, v))
			}
			cmd.Env = env
		}
		return &mcp.CommandTransport{Command: cmd}, nil
	case KindHTTP:
		if cfg.Endpoint == "" {
			return nil, fmt.Errorf("%w: http backend %q has no endpoint", protocol.ErrConfig, cfg.Backend)
		}
		return &rpcTransport{endpoint: cfg.Endpoint, client: decorateClient(cfg)}, nil
	case KindSSE:
		if cfg.Endpoint == "" {
			return nil, fmt.Errorf("%w: sse backend %q has no endpoint", protocol.ErrConfig, cfg.Backend)
		}
		return &mcp.SSEClientTransport{Endpoint: cfg.Endpoint, HTTPClient: decorateClient(cfg)}, nil
	case KindStreamable:
		if cfg.Endpoint == "" {
			return nil, fmt.Errorf("%w: streamable backend %q has no endpoint", protocol.ErrConfig, cfg.Backend)
		}
		return &mcp.StreamableClientTransport{Endpoint: cfg.Endpoint, HTTPClient: decorateClient(cfg)}, nil
	default:
		return nil, fmt.Errorf("%w: unknown transport kind %q", protocol.ErrConfig, cfg.Kind)
	}
}
