// Package backend owns the set of configured backends and their lifecycle:
// registration, start/stop transitions, background health checking, and
// restart-with-backoff. It is the sole mutator of backend state and the sole
// owner of transport adapter handles; routing decisions live elsewhere.
package backend

import (
	"fmt"
	"strings"
	"time"

	"github.com/mcphost/mcp-gateway-go/pkg/protocol"
	"github.com/mcphost/mcp-gateway-go/pkg/transport"
)

// Defaults applied by Config.withDefaults.
const (
	DefaultHealthCheckInterval    = 60 * time.Second
	DefaultHealthFailureThreshold = 3
	DefaultMaxRestarts            = 3
	DefaultRequestTimeout         = 30 * time.Second
	DefaultStopGracePeriod        = 5 * time.Second
	defaultBackoffInitialInterval = time.Second
	defaultBackoffMaxInterval     = time.Minute
)

// Config describes one backend: identity, how to reach it, and its health
// and restart policy. Immutable while the backend is running; edits go
// through Registry.Apply, which performs a controlled restart.
type Config struct {
	// Name uniquely identifies the backend within the gateway.
	Name string `mapstructure:"name" json:"name"`

	// Transport selects the wire style.
	Transport transport.Kind `mapstructure:"transport" json:"transport"`

	// Launch descriptor for stdio backends.
	Command string            `mapstructure:"command" json:"command,omitempty"`
	Args    []string          `mapstructure:"args" json:"args,omitempty"`
	Env     map[string]string `mapstructure:"env" json:"env,omitempty"`

	// Endpoint is the base URL for network backends.
	Endpoint string `mapstructure:"endpoint" json:"endpoint,omitempty"`

	// Auth decorates outbound requests to network backends.
	Auth transport.AuthConfig `mapstructure:"auth" json:"auth,omitempty"`

	// HealthCheckInterval is the period between liveness probes.
	HealthCheckInterval time.Duration `mapstructure:"health_check_interval" json:"health_check_interval"`

	// HealthFailureThreshold is the number of consecutive probe failures
	// before the backend is treated as faulted.
	HealthFailureThreshold int `mapstructure:"health_failure_threshold" json:"health_failure_threshold"`

	// MaxRestarts bounds automatic restart attempts after a fault. Once
	// exceeded, the backend pins in the error state until an explicit Start.
	// Zero means "use the default"; to forbid restarts entirely set
	// DisableAutoRestart instead.
	MaxRestarts int `mapstructure:"max_restarts" json:"max_restarts"`

	// DisableAutoRestart turns the restart policy off entirely; faulted
	// backends then wait for an explicit Start.
	DisableAutoRestart bool `mapstructure:"disable_auto_restart" json:"disable_auto_restart,omitempty"`

	// RequestTimeout bounds each call through the adapter.
	RequestTimeout time.Duration `mapstructure:"request_timeout" json:"request_timeout"`

	// StopGracePeriod bounds how long Stop waits for in-flight requests to
	// drain before cancelling them.
	StopGracePeriod time.Duration `mapstructure:"stop_grace_period" json:"stop_grace_period"`

	// LogRPC dumps this backend's JSON-RPC traffic at debug level.
	LogRPC bool `mapstructure:"log_rpc" json:"log_rpc,omitempty"`
}

// Validate checks the descriptor for the declared transport kind.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return fmt.Errorf("%w: backend name is required", protocol.ErrConfig)
	}
	if !c.Transport.Valid() {
		return fmt.Errorf("%w: backend %q: unknown transport %q", protocol.ErrConfig, c.Name, c.Transport)
	}
	switch c.Transport {
	case transport.KindStdio:
		if c.Command == "" {
			return fmt.Errorf("%w: backend %q: stdio transport requires a command", protocol.ErrConfig, c.Name)
		}
	default:
		if c.Endpoint == "" {
			return fmt.Errorf("%w: backend %q: %s transport requires an endpoint", protocol.ErrConfig, c.Name, c.Transport)
		}
	}
	if c.MaxRestarts < 0 {
		return fmt.Errorf("%w: backend %q: max_restarts must be >= 0", protocol.ErrConfig, c.Name)
	}
	return nil
}

func (c Config) withDefaults() Config {
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = DefaultHealthCheckInterval
	}
	if c.HealthFailureThreshold <= 0 {
		c.HealthFailureThreshold = DefaultHealthFailureThreshold
	}
	if c.MaxRestarts == 0 {
		c.MaxRestarts = DefaultMaxRestarts
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.StopGracePeriod <= 0 {
		c.StopGracePeriod = DefaultStopGracePeriod
	}
	return c
}

// transportConfig projects the backend config onto the transport layer.
func (c Config) transportConfig() transport.Config {
	return transport.Config{
		Backend:  c.Name,
		Kind:     c.Transport,
		Command:  c.Command,
		Args:     c.Args,
		Env:      c.Env,
		Endpoint: c.Endpoint,
		Auth:     c.Auth,
		Timeout:  c.RequestTimeout,
		LogRPC:   c.LogRPC,
	}
}
