// Package app ties configuration, logging, and the engine into a
// runnable process with signal-driven shutdown.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/pyfast/engine/config"
	"github.com/pyfast/engine/core"
)

// App owns one engine's lifecycle.
type App struct {
	cfg    *config.Config
	log    *slog.Logger
	engine *core.Engine
}

// New wires an engine from cfg. The config is taken as given; callers
// that want PYFAST_ environment overrides apply them first with
// cfg.ApplyEnv.
func New(cfg *config.Config) (*App, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	logger, err := buildLogger(cfg)
	if err != nil {
		return nil, err
	}
	engine, err := core.New(cfg, logger)
	if err != nil {
		return nil, err
	}
	return &App{cfg: cfg, log: logger, engine: engine}, nil
}

// Engine exposes the engine for route registration. Register before
// calling Run.
func (a *App) Engine() *core.Engine { return a.engine }

// Logger returns the process logger, built from the config's level and
// format.
func (a *App) Logger() *slog.Logger { return a.log }

// Run starts the engine and blocks until SIGINT or SIGTERM, then shuts
// down within the configured grace.
func (a *App) Run() error {
	if err := a.engine.Start(); err != nil {
		return err
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	sig := <-quit
	a.log.Info("signal received, shutting down", "signal", sig.String())

	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
	defer cancel()
	return a.engine.Shutdown(ctx)
}

// Shutdown stops the engine directly, for embedders that manage their
// own signals.
func (a *App) Shutdown(ctx context.Context) error {
	return a.engine.Shutdown(ctx)
}

func buildLogger(cfg *config.Config) (*slog.Logger, error) {
	var level slog.Level
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "info", "":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, fmt.Errorf("app: unknown log level %q", cfg.LogLevel)
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler), nil
}
