// Package core wires the native dispatch engine together: acceptors
// feed a per-connection parser, parsed requests cross a bounded
// scheduler into host callables, and responses return to the wire in
// request order. The host embedding this engine registers routes and
// callables; everything socket-shaped stays in here.
package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	nethttp "net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pyfast/engine/config"
	"github.com/pyfast/engine/core/hostbridge"
	"github.com/pyfast/engine/core/http"
	"github.com/pyfast/engine/core/http2"
	"github.com/pyfast/engine/core/metrics"
	"github.com/pyfast/engine/core/middleware"
	"github.com/pyfast/engine/core/netutil"
	"github.com/pyfast/engine/core/pools"
	"github.com/pyfast/engine/core/router"
	"github.com/pyfast/engine/core/scheduler"
	"github.com/pyfast/engine/core/websocket"
)

// Engine is the dispatch core. Build one with New, register routes,
// then Start it. All registration must happen before Start; the route
// table freezes there.
type Engine struct {
	cfg    *config.Config
	log    *slog.Logger
	met    *metrics.Metrics
	limits http.Limits

	table  *router.Table
	sched  *scheduler.Pool
	bridge *hostbridge.Bridge
	hub    *websocket.Hub

	registry *Registry

	mws     []middleware.Middleware
	handler hostbridge.Handler

	listeners []net.Listener
	connSem   chan struct{}
	connSeq   atomic.Uint64
	tune      netutil.Options

	baseCtx  context.Context
	cancel   context.CancelFunc
	draining atomic.Bool
	started  atomic.Bool
	stopped  atomic.Bool

	wg sync.WaitGroup

	metricsSrv *nethttp.Server
	h2srv      *http2.Server
}

// New builds an engine from cfg. A nil cfg means config.Default(); a
// nil logger means slog.Default().
func New(cfg *config.Config, log *slog.Logger) (*Engine, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.Clone()
	if log == nil {
		log = slog.Default()
	}

	met := metrics.New()

	limits := http.DefaultLimits()
	limits.MaxBodyBytes = cfg.MaxBodyBytes
	limits.MaxHeaderBytes = cfg.MaxHeaderBytes
	limits.MaxHeaderCount = cfg.MaxHeaderCount

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		cfg:    cfg,
		log:    log,
		met:    met,
		limits: limits,
		table:  router.NewTable(),
		sched: scheduler.New(scheduler.Config{
			Workers:   cfg.Workers,
			QueueSize: cfg.QueueDepth,
			Logger:    log,
			Metrics:   met,
		}),
		bridge: hostbridge.New(hostbridge.Config{
			CallTimeout:  cfg.CallTimeout,
			ExposeErrors: cfg.ExposeErrors,
			Logger:       log,
			Metrics:      met,
		}),
		hub:      websocket.NewHub(met),
		registry: newRegistry(),
		connSem:  make(chan struct{}, cfg.MaxConnections),
		tune:     netutil.DefaultOptions(),
		baseCtx:  ctx,
		cancel:   cancel,
	}
	return e, nil
}

// Use appends middleware. The first one added runs outermost.
func (e *Engine) Use(mw ...middleware.Middleware) {
	e.mws = append(e.mws, mw...)
}

// Handle registers a callable for method and pattern. Registration
// conflicts come back as errors, never panics.
func (e *Engine) Handle(method, pattern string, h hostbridge.Callable, mode hostbridge.ExecMode) error {
	return e.table.Add(method, pattern, h, mode)
}

// HandleWebSocket registers a WebSocket endpoint on pattern.
func (e *Engine) HandleWebSocket(pattern string, h websocket.Handler) error {
	return e.table.AddWebSocket(pattern, h)
}

// GET registers a synchronous GET callable.
func (e *Engine) GET(pattern string, h hostbridge.CallableFunc) error {
	return e.table.Add("GET", pattern, h, hostbridge.ModeSync)
}

// POST registers a synchronous POST callable.
func (e *Engine) POST(pattern string, h hostbridge.CallableFunc) error {
	return e.table.Add("POST", pattern, h, hostbridge.ModeSync)
}

// PUT registers a synchronous PUT callable.
func (e *Engine) PUT(pattern string, h hostbridge.CallableFunc) error {
	return e.table.Add("PUT", pattern, h, hostbridge.ModeSync)
}

// DELETE registers a synchronous DELETE callable.
func (e *Engine) DELETE(pattern string, h hostbridge.CallableFunc) error {
	return e.table.Add("DELETE", pattern, h, hostbridge.ModeSync)
}

// PATCH registers a synchronous PATCH callable.
func (e *Engine) PATCH(pattern string, h hostbridge.CallableFunc) error {
	return e.table.Add("PATCH", pattern, h, hostbridge.ModeSync)
}

// HEAD registers a synchronous HEAD callable. Unregistered HEADs fall
// back to the GET callable with the body suppressed.
func (e *Engine) HEAD(pattern string, h hostbridge.CallableFunc) error {
	return e.table.Add("HEAD", pattern, h, hostbridge.ModeSync)
}

// OPTIONS registers a synchronous OPTIONS callable.
func (e *Engine) OPTIONS(pattern string, h hostbridge.CallableFunc) error {
	return e.table.Add("OPTIONS", pattern, h, hostbridge.ModeSync)
}

// Hub returns the WebSocket session hub for broadcasts and targeted
// sends from outside handler callbacks.
func (e *Engine) Hub() *websocket.Hub { return e.hub }

// Registry returns the live connection registry.
func (e *Engine) Registry() *Registry { return e.registry }

// Addrs returns the bound listener addresses. Empty before Start.
func (e *Engine) Addrs() []string {
	out := make([]string, len(e.listeners))
	for i, ln := range e.listeners {
		out[i] = ln.Addr().String()
	}
	return out
}

// Start binds the listeners and begins serving. Any bind failure is
// fatal: nothing is left running and the error says which address.
func (e *Engine) Start() error {
	if !e.started.CompareAndSwap(false, true) {
		return errors.New("engine: already started")
	}

	e.registerBuiltin()
	e.handler = e.buildHandler()
	e.table.Freeze()

	for _, addr := range e.cfg.Addrs {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			e.closeListeners()
			return fmt.Errorf("engine: listen %s: %w", addr, err)
		}
		e.listeners = append(e.listeners, ln)
	}
	if e.cfg.MetricsAddr != "" {
		if err := e.startMetrics(); err != nil {
			e.closeListeners()
			return err
		}
	}
	if e.cfg.HTTP2Addr != "" {
		e.h2srv = http2.NewServer(http2.Config{
			Addr:         e.cfg.HTTP2Addr,
			Dispatch:     e.dispatchH2,
			Logger:       e.log,
			Metrics:      e.met,
			MaxBodyBytes: e.cfg.MaxBodyBytes,
			IdleTimeout:  e.cfg.IdleTimeout,
		})
		if err := e.h2srv.Start(); err != nil {
			e.closeListeners()
			return err
		}
	}

	for _, ln := range e.listeners {
		e.log.Info("listening", "addr", ln.Addr().String())
		e.wg.Add(1)
		go e.acceptLoop(ln)
	}

	e.wg.Add(1)
	go e.sweepIdle()

	return nil
}

func (e *Engine) closeListeners() {
	for _, ln := range e.listeners {
		ln.Close()
	}
}

func (e *Engine) startMetrics() error {
	ln, err := net.Listen("tcp", e.cfg.MetricsAddr)
	if err != nil {
		return fmt.Errorf("engine: listen %s: %w", e.cfg.MetricsAddr, err)
	}
	mux := nethttp.NewServeMux()
	mux.Handle("/metrics", e.met.Handler())
	e.metricsSrv = &nethttp.Server{Handler: mux}
	e.log.Info("metrics listening", "addr", ln.Addr().String())
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.metricsSrv.Serve(ln); err != nil && !errors.Is(err, nethttp.ErrServerClosed) {
			e.log.Error("metrics server failed", "error", err)
		}
	}()
	return nil
}

// registerBuiltin adds the health and stats endpoints. A conflict means
// the host claimed the path, which wins.
func (e *Engine) registerBuiltin() {
	e.table.Add("GET", "/healthz", hostbridge.CallableFunc(
		func(ctx context.Context, req *http.Request) (any, error) {
			return map[string]string{"status": "ok"}, nil
		}), hostbridge.ModeSync)
	e.table.Add("GET", "/stats", hostbridge.CallableFunc(
		func(ctx context.Context, req *http.Request) (any, error) {
			return e.Stats(), nil
		}), hostbridge.ModeSync)
}

// buildHandler assembles routing, middleware, and the request metric
// into one handler shared by every transport.
func (e *Engine) buildHandler() hostbridge.Handler {
	inner := func(ctx context.Context, req *http.Request) *http.Response {
		route, err := e.table.Lookup(req.Method, req.Path, req.SetParam)
		if err != nil {
			return routeError(err)
		}
		if route.IsWebSocket() {
			resp := http.ErrorResponse(426, "upgrade required")
			resp.Headers.Set("Upgrade", "websocket")
			return resp
		}
		return e.bridge.Execute(ctx, route.Handler, route.Mode, req)
	}

	h := middleware.Chain(inner, e.mws...)

	return func(ctx context.Context, req *http.Request) *http.Response {
		start := time.Now()
		method := req.Method
		resp := h(ctx, req)
		if resp == nil {
			resp = http.ErrorResponse(500, "handler returned no response")
		}
		e.met.RecordRequest(method, resp.Status, time.Since(start))
		return resp
	}
}

func routeError(err error) *http.Response {
	var merr *router.MethodError
	if errors.As(err, &merr) {
		resp := http.ErrorResponse(405, "method not allowed")
		resp.Headers.Set("Allow", strings.Join(merr.Allow, ", "))
		return resp
	}
	return http.ErrorResponse(404, "not found")
}

// handle runs one request through the shared handler.
func (e *Engine) handle(req *http.Request) *http.Response {
	return e.handler(e.baseCtx, req)
}

// wsRoute resolves req against the table and returns the route only if
// it is a WebSocket endpoint, along with any captured path parameters.
func (e *Engine) wsRoute(req *http.Request) (*router.Route, map[string]string) {
	var params map[string]string
	route, err := e.table.Lookup(req.Method, req.Path, func(k, v string) {
		if params == nil {
			params = make(map[string]string, 4)
		}
		params[k] = v
	})
	if err != nil || !route.IsWebSocket() {
		return nil, nil
	}
	return route, params
}

// invoker binds session callbacks to the bridge so WebSocket handlers
// share the host serialization with HTTP callables.
func (e *Engine) invoker() websocket.InvokeFunc {
	return func(ctx context.Context, fn func(context.Context) (any, error)) (any, error) {
		return e.bridge.Call(ctx, hostbridge.ModeSync, fn)
	}
}

// dispatchH2 routes one h2c request through the scheduler, so HTTP/2
// traffic obeys the same queue bounds as HTTP/1.1.
func (e *Engine) dispatchH2(ctx context.Context, req *http.Request) *http.Response {
	done := make(chan *http.Response, 1)
	item := scheduler.Item{
		Run: func() {
			done <- e.handler(ctx, req)
		},
		OnPanic: func(v any, _ []byte) {
			e.met.RecordPanic()
			done <- http.ErrorResponse(500, "internal server error")
		},
	}
	if err := e.sched.Submit(ctx, item); err != nil {
		return http.ErrorResponse(503, "server overloaded")
	}
	select {
	case resp := <-done:
		return resp
	case <-ctx.Done():
		return http.ErrorResponse(499, "client closed request")
	}
}

// acceptLoop owns one listener. The connection slot is taken before
// Accept, so at the cap new clients wait in the kernel backlog instead
// of being churned through accept-and-close.
func (e *Engine) acceptLoop(ln net.Listener) {
	defer e.wg.Done()
	for {
		select {
		case e.connSem <- struct{}{}:
		case <-e.baseCtx.Done():
			return
		}

		conn, err := ln.Accept()
		if err != nil {
			<-e.connSem
			if errors.Is(err, net.ErrClosed) {
				return
			}
			e.log.Warn("accept failed", "error", err)
			time.Sleep(10 * time.Millisecond)
			continue
		}

		if e.draining.Load() {
			conn.Close()
			<-e.connSem
			e.met.ConnRejected("draining")
			continue
		}

		netutil.TuneConn(e.log, conn, e.tune)
		c := newConnection(e.connSeq.Add(1), conn, e)
		e.registry.add(c)
		e.met.ConnOpened()
		go func() {
			defer func() { <-e.connSem }()
			c.serve()
		}()
	}
}

func (e *Engine) sweepIdle() {
	defer e.wg.Done()
	if e.cfg.IdleTimeout <= 0 {
		return
	}
	interval := e.cfg.IdleTimeout / 4
	if interval < time.Second {
		interval = time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			if n := e.registry.closeIdle(e.cfg.IdleTimeout); n > 0 {
				e.log.Debug("evicted idle connections", "count", n)
			}
		case <-e.baseCtx.Done():
			return
		}
	}
}

// Shutdown stops the engine: accepting ends at once, in-flight work
// drains under ctx, sessions get close frames, and whatever outlives
// the grace is terminated.
func (e *Engine) Shutdown(ctx context.Context) error {
	if !e.stopped.CompareAndSwap(false, true) {
		return nil
	}
	e.log.Info("shutdown started", "connections", e.registry.Len())

	e.closeListeners()
	e.draining.Store(true)

	e.hub.CloseAll(websocket.CloseGoingAway, "server shutting down")

	drained := e.awaitDrain(ctx)
	if !drained {
		remaining := e.registry.Len()
		e.log.Warn("drain grace expired, terminating", "remaining", remaining)
		e.hub.TerminateAll()
		e.registry.closeAll()
	}

	e.cancel()

	if err := e.sched.Close(ctx); err != nil {
		e.log.Warn("scheduler close", "error", err)
	}
	e.bridge.Close()

	if e.metricsSrv != nil {
		e.metricsSrv.Close()
	}
	if e.h2srv != nil {
		e.h2srv.Shutdown(ctx)
	}

	e.wg.Wait()
	e.log.Info("shutdown complete")
	if !drained {
		return ctx.Err()
	}
	return nil
}

// awaitDrain waits for the registry to empty. Each tick it also closes
// connections with nothing in flight; busy ones close themselves after
// their final response because draining marks every response close.
func (e *Engine) awaitDrain(ctx context.Context) bool {
	t := time.NewTicker(20 * time.Millisecond)
	defer t.Stop()
	for {
		e.registry.closeInactive()
		if e.registry.Len() == 0 {
			return true
		}
		select {
		case <-t.C:
		case <-ctx.Done():
			return e.registry.Len() == 0
		}
	}
}

// Stats is a point-in-time snapshot served on /stats.
func (e *Engine) Stats() map[string]any {
	ss := e.sched.Stats()
	tiers, misses := pools.GlobalStats()
	poolTiers := make([]map[string]any, len(tiers))
	for i, tr := range tiers {
		poolTiers[i] = map[string]any{
			"size": tr.Size,
			"gets": tr.Gets,
			"puts": tr.Puts,
		}
	}
	return map[string]any{
		"connections": map[string]any{
			"open":     e.registry.Len(),
			"accepted": e.registry.Accepted(),
			"evicted":  e.registry.Evicted(),
			"max":      e.cfg.MaxConnections,
		},
		"scheduler": map[string]any{
			"workers":   ss.Workers,
			"depth":     ss.Depth,
			"capacity":  ss.QueueSize,
			"submitted": ss.Submitted,
			"completed": ss.Completed,
			"panics":    ss.Panics,
			"rejected":  ss.Rejected,
		},
		"websocket": e.hub.Stats(),
		"byte_pool": map[string]any{
			"tiers":  poolTiers,
			"misses": misses,
		},
	}
}
