// Package config defines the engine's tunables. Every field documents
// its effect and default. Start from Default(), adjust, then Validate()
// before handing the result to the engine.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds every knob the engine reads at startup. The zero value
// is not usable; start from Default().
type Config struct {
	// Listeners

	// Addrs are the TCP addresses accepting HTTP/1.1 and WebSocket
	// traffic. Default: [":8080"].
	Addrs []string

	// MetricsAddr serves Prometheus metrics over plain net/http when
	// non-empty. Default: "" (disabled).
	MetricsAddr string

	// HTTP2Addr serves h2c ingress when non-empty. Requests arriving
	// there run through the same dispatch pipeline. Default: "" (disabled).
	HTTP2Addr string

	// Capacity

	// MaxConnections caps concurrently open connections. Accepting is
	// deferred once the cap is reached; the kernel backlog queues the
	// rest. Default: 10000.
	MaxConnections int

	// Workers is the dispatch worker count. 0 means one per CPU.
	// Default: 0.
	Workers int

	// QueueDepth bounds the dispatch queue shared by all workers.
	// Default: 1024.
	QueueDepth int

	// PipelineDepth is how many requests one connection may have in
	// flight; 1 serializes strictly. Responses are written in request
	// order at any depth. Default: 1.
	PipelineDepth int

	// Timeouts

	// ReadTimeout bounds one socket read while parsing. Default: 30s.
	ReadTimeout time.Duration

	// WriteTimeout bounds one response write. Default: 30s.
	WriteTimeout time.Duration

	// IdleTimeout evicts connections with no traffic. Default: 2m.
	IdleTimeout time.Duration

	// CallTimeout bounds one host handler call; overruns synthesize a
	// 504. Zero disables the deadline. Default: 30s.
	CallTimeout time.Duration

	// ShutdownTimeout bounds graceful shutdown before remaining
	// sockets are terminated. Default: 30s.
	ShutdownTimeout time.Duration

	// Request limits

	// MaxBodyBytes caps a decoded request body; beyond it the request
	// is answered 413. Default: 10 MiB.
	MaxBodyBytes int64

	// MaxHeaderBytes caps the request header section; beyond it the
	// request is answered 431. Default: 64 KiB.
	MaxHeaderBytes int

	// MaxHeaderCount caps the number of header fields. Default: 100.
	MaxHeaderCount int

	// WebSocket

	// WSMaxMessageSize caps one reassembled message; larger messages
	// close the session with status 1009. Default: 1 MiB.
	WSMaxMessageSize int64

	// WSReadTimeout is the per-frame read deadline for sessions.
	// Default: 60s.
	WSReadTimeout time.Duration

	// WSWriteTimeout bounds one frame write. Default: 10s.
	WSWriteTimeout time.Duration

	// WSSendQueue is a session's outbound queue capacity; sends beyond
	// it are dropped rather than blocking the sender. Default: 256.
	WSSendQueue int

	// Behavior

	// ExposeErrors returns handler error text in 500 bodies. Meant for
	// development setups. Default: false.
	ExposeErrors bool

	// LogLevel is one of debug, info, warn, error. Default: "info".
	LogLevel string

	// LogFormat is "text" or "json". Default: "text".
	LogFormat string
}

// Default returns a ready-to-run configuration.
func Default() *Config {
	return &Config{
		Addrs:            []string{":8080"},
		MaxConnections:   10000,
		Workers:          0,
		QueueDepth:       1024,
		PipelineDepth:    1,
		ReadTimeout:      30 * time.Second,
		WriteTimeout:     30 * time.Second,
		IdleTimeout:      2 * time.Minute,
		CallTimeout:      30 * time.Second,
		ShutdownTimeout:  30 * time.Second,
		MaxBodyBytes:     10 << 20,
		MaxHeaderBytes:   64 << 10,
		MaxHeaderCount:   100,
		WSMaxMessageSize: 1 << 20,
		WSReadTimeout:    60 * time.Second,
		WSWriteTimeout:   10 * time.Second,
		WSSendQueue:      256,
		LogLevel:         "info",
		LogFormat:        "text",
	}
}

// Clone returns a deep copy of the config.
func (c *Config) Clone() *Config {
	if c == nil {
		return nil
	}
	clone := *c
	clone.Addrs = append([]string(nil), c.Addrs...)
	return &clone
}

// Validate rejects configurations the engine cannot run with. It
// returns the first problem found.
func (c *Config) Validate() error {
	if len(c.Addrs) == 0 {
		return fmt.Errorf("config: no listen addresses")
	}
	for _, a := range c.Addrs {
		if a == "" {
			return fmt.Errorf("config: empty listen address")
		}
	}
	if c.MaxConnections < 1 {
		return fmt.Errorf("config: MaxConnections must be positive, got %d", c.MaxConnections)
	}
	if c.Workers < 0 {
		return fmt.Errorf("config: Workers must not be negative, got %d", c.Workers)
	}
	if c.QueueDepth < 1 {
		return fmt.Errorf("config: QueueDepth must be positive, got %d", c.QueueDepth)
	}
	if c.PipelineDepth < 1 {
		return fmt.Errorf("config: PipelineDepth must be at least 1, got %d", c.PipelineDepth)
	}
	for _, d := range []struct {
		name string
		val  time.Duration
	}{
		{"ReadTimeout", c.ReadTimeout},
		{"WriteTimeout", c.WriteTimeout},
		{"IdleTimeout", c.IdleTimeout},
		{"CallTimeout", c.CallTimeout},
		{"ShutdownTimeout", c.ShutdownTimeout},
		{"WSReadTimeout", c.WSReadTimeout},
		{"WSWriteTimeout", c.WSWriteTimeout},
	} {
		if d.val < 0 {
			return fmt.Errorf("config: %s must not be negative, got %s", d.name, d.val)
		}
	}
	if c.MaxBodyBytes < 1 {
		return fmt.Errorf("config: MaxBodyBytes must be positive, got %d", c.MaxBodyBytes)
	}
	if c.MaxHeaderBytes < 1 {
		return fmt.Errorf("config: MaxHeaderBytes must be positive, got %d", c.MaxHeaderBytes)
	}
	if c.WSMaxMessageSize < 1 {
		return fmt.Errorf("config: WSMaxMessageSize must be positive, got %d", c.WSMaxMessageSize)
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: unknown LogLevel %q", c.LogLevel)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("config: unknown LogFormat %q", c.LogFormat)
	}
	return nil
}

// ApplyEnv overrides fields from PYFAST_-prefixed environment
// variables. Malformed values are reported, not ignored.
func (c *Config) ApplyEnv() error {
	var err error
	if v, ok := os.LookupEnv("PYFAST_ADDRS"); ok {
		c.Addrs = splitList(v)
	}
	envString("PYFAST_METRICS_ADDR", &c.MetricsAddr)
	envString("PYFAST_HTTP2_ADDR", &c.HTTP2Addr)
	err = firstErr(err, envInt("PYFAST_MAX_CONNECTIONS", &c.MaxConnections))
	err = firstErr(err, envInt("PYFAST_WORKERS", &c.Workers))
	err = firstErr(err, envInt("PYFAST_QUEUE_DEPTH", &c.QueueDepth))
	err = firstErr(err, envInt("PYFAST_PIPELINE_DEPTH", &c.PipelineDepth))
	err = firstErr(err, envDuration("PYFAST_READ_TIMEOUT", &c.ReadTimeout))
	err = firstErr(err, envDuration("PYFAST_WRITE_TIMEOUT", &c.WriteTimeout))
	err = firstErr(err, envDuration("PYFAST_IDLE_TIMEOUT", &c.IdleTimeout))
	err = firstErr(err, envDuration("PYFAST_CALL_TIMEOUT", &c.CallTimeout))
	err = firstErr(err, envDuration("PYFAST_SHUTDOWN_TIMEOUT", &c.ShutdownTimeout))
	err = firstErr(err, envInt64("PYFAST_MAX_BODY_BYTES", &c.MaxBodyBytes))
	err = firstErr(err, envBool("PYFAST_EXPOSE_ERRORS", &c.ExposeErrors))
	envString("PYFAST_LOG_LEVEL", &c.LogLevel)
	envString("PYFAST_LOG_FORMAT", &c.LogFormat)
	return err
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func envString(name string, dst *string) {
	if v, ok := os.LookupEnv(name); ok {
		*dst = v
	}
}

func envInt(name string, dst *int) error {
	v, ok := os.LookupEnv(name)
	if !ok {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("config: %s=%q is not an integer", name, v)
	}
	*dst = n
	return nil
}

func envInt64(name string, dst *int64) error {
	v, ok := os.LookupEnv(name)
	if !ok {
		return nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fmt.Errorf("config: %s=%q is not an integer", name, v)
	}
	*dst = n
	return nil
}

func envDuration(name string, dst *time.Duration) error {
	v, ok := os.LookupEnv(name)
	if !ok {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("config: %s=%q is not a duration", name, v)
	}
	*dst = d
	return nil
}

func envBool(name string, dst *bool) error {
	v, ok := os.LookupEnv(name)
	if !ok {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("config: %s=%q is not a boolean", name, v)
	}
	*dst = b
	return nil
}

func firstErr(a, b error) error {
	if a != nil {
		return a
	}
	return b
}
