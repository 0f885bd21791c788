// Command mcp-gateway runs the MCP gateway: it loads the configuration,
// starts every configured backend, and serves the HTTP front door until
// interrupted.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mcphost/mcp-gateway-go/pkg/config"
	"github.com/mcphost/mcp-gateway-go/pkg/gateway"
	"github.com/mcphost/mcp-gateway-go/pkg/httpapi"
)

const shutdownGrace = 10 * time.Second

func main() {
	configPath := flag.String("config", "gateway.yaml", "path to the gateway configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "mcp-gateway:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bootstrap, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := newLogger(bootstrap.LogLevel)
	slog.SetDefault(logger)

	gw := gateway.New(gateway.Options{
		Logger:             logger,
		SessionIdleTimeout: bootstrap.SessionIdleTimeout,
		AggregateTimeout:   bootstrap.AggregateTimeout,
		ClientName:         "mcp-gateway",
	})

	cfg, err := config.Watch(configPath, logger, func(next *config.Config) {
		if err := gw.ApplyConfig(ctx, next.Backends); err != nil {
			logger.Error("apply reloaded config", "error", err)
		}
	})
	if err != nil {
		return err
	}

	go gw.Run(ctx)

	if err := gw.ApplyConfig(ctx, cfg.Backends); err != nil {
		// Backends that fail to start keep restarting per policy; the
		// gateway still serves the ones that came up.
		logger.Warn("not all backends started", "error", err)
	}

	srv := &http.Server{
		Addr: cfg.Listen,
		Handler: httpapi.NewHandler(gw, httpapi.Options{
			Logger:      logger,
			CORSOrigins: cfg.CORSOrigins,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", "addr", cfg.Listen, "backends", len(cfg.Backends))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	if err := gw.Close(shutdownCtx); err != nil {
		logger.Warn("gateway shutdown", "error", err)
	}
	return nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
