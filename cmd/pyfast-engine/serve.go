package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/pyfast/engine/app"
	"github.com/pyfast/engine/config"
	"github.com/pyfast/engine/core"
	"github.com/pyfast/engine/core/http"
	"github.com/pyfast/engine/core/websocket"
)

func serveCmd() *cobra.Command {
	// Flags overlay PYFAST_ environment overrides, which overlay the
	// defaults. Binding directly into the env-applied config gets that
	// ordering for free: an unset flag leaves the field alone.
	cfg := config.Default()
	envErr := cfg.ApplyEnv()

	var demo bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the engine standalone",
		Long: `Start the engine with the configured listeners and block until
SIGINT or SIGTERM arrives, then drain and exit.

Examples:
  pyfast-engine serve
  pyfast-engine serve --addr :9000 --metrics-addr :9100
  pyfast-engine serve --demo --log-level debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if envErr != nil {
				return envErr
			}
			application, err := app.New(cfg)
			if err != nil {
				return err
			}
			if demo {
				if err := registerDemo(application.Engine()); err != nil {
					return err
				}
			}
			return application.Run()
		},
	}

	fs := cmd.Flags()
	fs.StringSliceVar(&cfg.Addrs, "addr", cfg.Addrs, "listen address (repeatable)")
	fs.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "Prometheus metrics listen address")
	fs.StringVar(&cfg.HTTP2Addr, "http2-addr", cfg.HTTP2Addr, "h2c listen address")
	fs.IntVar(&cfg.MaxConnections, "max-connections", cfg.MaxConnections, "concurrent connection cap")
	fs.IntVar(&cfg.Workers, "workers", cfg.Workers, "dispatch workers (0 = one per CPU)")
	fs.IntVar(&cfg.QueueDepth, "queue-depth", cfg.QueueDepth, "dispatch queue capacity")
	fs.IntVar(&cfg.PipelineDepth, "pipeline-depth", cfg.PipelineDepth, "requests in flight per connection")
	fs.DurationVar(&cfg.ReadTimeout, "read-timeout", cfg.ReadTimeout, "socket read deadline")
	fs.DurationVar(&cfg.WriteTimeout, "write-timeout", cfg.WriteTimeout, "socket write deadline")
	fs.DurationVar(&cfg.IdleTimeout, "idle-timeout", cfg.IdleTimeout, "idle connection eviction threshold")
	fs.DurationVar(&cfg.CallTimeout, "call-timeout", cfg.CallTimeout, "handler call deadline")
	fs.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout", cfg.ShutdownTimeout, "graceful shutdown grace")
	fs.Int64Var(&cfg.MaxBodyBytes, "max-body-bytes", cfg.MaxBodyBytes, "request body cap in bytes")
	fs.BoolVar(&cfg.ExposeErrors, "expose-errors", cfg.ExposeErrors, "return handler error text in 500 bodies")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn, or error")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "text or json")
	fs.BoolVar(&demo, "demo", false, "register demo echo routes")

	return cmd
}

func registerDemo(eng *core.Engine) error {
	if err := eng.GET("/demo/hello", func(ctx context.Context, req *http.Request) (any, error) {
		return "hello from pyfast-engine", nil
	}); err != nil {
		return err
	}
	if err := eng.POST("/demo/echo", func(ctx context.Context, req *http.Request) (any, error) {
		return req.Body, nil
	}); err != nil {
		return err
	}
	if err := eng.GET("/demo/users/:id", func(ctx context.Context, req *http.Request) (any, error) {
		return map[string]string{"id": req.Param("id")}, nil
	}); err != nil {
		return err
	}
	return eng.HandleWebSocket("/demo/ws", websocket.HandlerFuncs{
		Message: func(s *websocket.Session, msg websocket.Message) error {
			return s.SendMessage(msg)
		},
	})
}
