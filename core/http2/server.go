// Package http2 carries h2c ingress into the engine. The std library
// does the framing; every decoded request is converted to the native
// form and pushed through the same dispatch pipeline as HTTP/1.1
// traffic, so routing, middleware, scheduling, and host serialization
// behave identically on both listeners.
package http2

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	nethttp "net/http"
	"sync"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/pyfast/engine/core/http"
	"github.com/pyfast/engine/core/metrics"
)

// DispatchFunc hands one native request to the engine and blocks until
// the response is ready.
type DispatchFunc func(ctx context.Context, req *http.Request) *http.Response

// Config configures the h2c listener.
type Config struct {
	Addr     string
	Dispatch DispatchFunc
	Logger   *slog.Logger
	Metrics  *metrics.Metrics

	// MaxBodyBytes caps one request body. Default: 10 MiB.
	MaxBodyBytes int64

	// MaxConcurrentStreams caps streams per connection. Default: 250.
	MaxConcurrentStreams uint32

	// IdleTimeout closes connections with no active streams.
	// Default: 2m.
	IdleTimeout time.Duration
}

// Server is the h2c ingress listener.
type Server struct {
	cfg Config
	log *slog.Logger
	met *metrics.Metrics

	srv *nethttp.Server
	ln  net.Listener

	mu     sync.Mutex
	closed bool
}

// NewServer builds the listener; nothing binds until Start.
func NewServer(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 10 << 20
	}
	if cfg.MaxConcurrentStreams == 0 {
		cfg.MaxConcurrentStreams = 250
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = 2 * time.Minute
	}

	s := &Server{
		cfg: cfg,
		log: cfg.Logger.With("component", "http2"),
		met: cfg.Metrics,
	}
	h2 := &http2.Server{
		MaxConcurrentStreams: cfg.MaxConcurrentStreams,
		IdleTimeout:          cfg.IdleTimeout,
	}
	s.srv = &nethttp.Server{
		Handler: h2c.NewHandler(nethttp.HandlerFunc(s.serveHTTP), h2),
	}
	return s
}

// Start binds the address and serves in the background. Bind failures
// come back synchronously.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("http2: listen %s: %w", s.cfg.Addr, err)
	}
	s.ln = ln
	s.log.Info("h2c listening", "addr", ln.Addr().String())
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, nethttp.ErrServerClosed) {
			s.log.Error("h2c server failed", "error", err)
		}
	}()
	return nil
}

// Addr returns the bound address, or "" before Start.
func (s *Server) Addr() string {
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Shutdown drains in-flight streams under ctx, then closes.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.srv.Shutdown(ctx); err != nil {
		return s.srv.Close()
	}
	return nil
}

// serveHTTP converts one stream to the native request form, dispatches
// it, and writes the native response back.
func (s *Server) serveHTTP(w nethttp.ResponseWriter, r *nethttp.Request) {
	req := http.AcquireRequest()
	defer http.ReleaseRequest(req)

	req.Method = r.Method
	req.Path = r.URL.Path
	req.RawQuery = r.URL.RawQuery
	req.Proto = r.Proto
	req.RemoteAddr = r.RemoteAddr
	for key, values := range r.Header {
		for _, v := range values {
			req.Headers.Add(key, v)
		}
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, s.cfg.MaxBodyBytes+1))
	if err != nil {
		writeError(w, 400, "unreadable body")
		return
	}
	if int64(len(body)) > s.cfg.MaxBodyBytes {
		writeError(w, 413, "request body too large")
		return
	}
	req.Body = body
	s.met.AddBytesRead(len(body))

	resp := s.cfg.Dispatch(r.Context(), req)
	if resp == nil {
		writeError(w, 500, "no response")
		return
	}
	defer http.ReleaseResponse(resp)

	head := w.Header()
	for key, values := range resp.Headers {
		for _, v := range values {
			head.Add(key, v)
		}
	}
	w.WriteHeader(resp.Status)
	if r.Method == "HEAD" {
		return
	}
	if resp.BodyStream != nil {
		n, _ := io.Copy(w, resp.BodyStream)
		s.met.AddBytesWritten(int(n))
		if c, ok := resp.BodyStream.(io.Closer); ok {
			c.Close()
		}
		return
	}
	w.Write(resp.Body)
	s.met.AddBytesWritten(len(resp.Body))
}

func writeError(w nethttp.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	fmt.Fprintf(w, `{"error":%q}`, msg)
}
