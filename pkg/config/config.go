// Package config loads the gateway's YAML configuration and watches it for
// changes.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/mcphost/mcp-gateway-go/pkg/backend"
)

// Config is the top-level gateway configuration.
type Config struct {
	Listen             string           `mapstructure:"listen"`
	CORSOrigins        []string         `mapstructure:"cors_origins"`
	LogLevel           string           `mapstructure:"log_level"`
	SessionIdleTimeout time.Duration    `mapstructure:"session_idle_timeout"`
	AggregateTimeout   time.Duration    `mapstructure:"aggregate_timeout"`
	Backends           []backend.Config `mapstructure:"backends"`
}

func newViper(path string) *viper.Viper {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetDefault("listen", ":8080")
	v.SetDefault("log_level", "info")
	return v
}

// Load reads and validates the configuration at path.
func Load(path string) (*Config, error) {
	v := newViper(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return decode(v)
}

// Watch loads the configuration and then re-reads it on every file change,
// handing each valid new version to apply. Invalid edits are logged and
// skipped, keeping the last good configuration in effect.
func Watch(path string, logger *slog.Logger, apply func(*Config)) (*Config, error) {
	v := newViper(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}
	v.OnConfigChange(func(_ fsnotify.Event) {
		next, err := decode(v)
		if err != nil {
			logger.Error("config reload rejected", "path", path, "error", err)
			return
		}
		logger.Info("config reloaded", "path", path, "backends", len(next.Backends))
		apply(next)
	})
	v.WatchConfig()
	return cfg, nil
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	for i := range cfg.Backends {
		cfg.Backends[i].Auth.Token = os.ExpandEnv(cfg.Backends[i].Auth.Token)
		if err := cfg.Backends[i].Validate(); err != nil {
			return nil, err
		}
	}
	return &cfg, nil
}
