// Package hostbridge executes host-registered handlers on behalf of the
// dispatch engine.
//
// The host runtime this engine embeds into allows only one handler to
// run at a time. The bridge enforces that with a single execution lock:
// sync callables take the lock on the calling worker, async callables
// run on a dedicated runtime loop that takes the same lock per call.
// Timeouts, panics and handler errors are absorbed here and come back
// as ready-to-write responses, never as escaped failures.
package hostbridge

import (
	"context"
	"errors"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/pyfast/engine/core/http"
	"github.com/pyfast/engine/core/metrics"
)

const defaultLoopBacklog = 256

// Config configures a Bridge.
type Config struct {
	// CallTimeout bounds a single host call. Zero disables the deadline.
	CallTimeout time.Duration

	// LoopBacklog is the async runtime loop's queue capacity.
	// Default: 256.
	LoopBacklog int

	// ExposeErrors includes handler error text in 500 bodies. Meant for
	// development setups only.
	ExposeErrors bool

	// Logger receives bridge diagnostics. Defaults to slog.Default().
	Logger *slog.Logger

	// Metrics receives call instrumentation. May be nil.
	Metrics *metrics.Metrics
}

// Bridge owns host handler execution. At most one callable is active at
// any moment, regardless of mode.
type Bridge struct {
	cfg    Config
	log    *slog.Logger
	met    *metrics.Metrics
	tracer trace.Tracer

	hostMu sync.Mutex
	loop   *runLoop

	protoCodec Codec
	jsonCodec  Codec

	closed atomic.Bool
}

// New builds a Bridge and starts its runtime loop.
func New(cfg Config) *Bridge {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.LoopBacklog <= 0 {
		cfg.LoopBacklog = defaultLoopBacklog
	}
	b := &Bridge{
		cfg:        cfg,
		log:        cfg.Logger.With("component", "hostbridge"),
		met:        cfg.Metrics,
		tracer:     otel.Tracer("github.com/pyfast/engine"),
		protoCodec: ProtoCodec{},
		jsonCodec:  JSONCodec{},
	}
	b.loop = newRunLoop(&b.hostMu, b.log, cfg.LoopBacklog)
	return b
}

// Close stops the runtime loop after draining queued calls. Calls
// submitted after Close fail with ErrClosed.
func (b *Bridge) Close() {
	if b.closed.Swap(true) {
		return
	}
	b.loop.close()
}

// Execute runs the route callable for req and converts its result into
// a response. Failures never escape: timeouts become 504, panics and
// handler errors become 500, a HandlerError keeps its chosen status.
func (b *Bridge) Execute(ctx context.Context, c Callable, mode ExecMode, req *http.Request) *http.Response {
	start := time.Now()

	ctx, span := b.tracer.Start(ctx, req.Method+" "+req.Path,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("http.method", req.Method),
			attribute.String("http.target", req.Path),
			attribute.String("host.mode", mode.String()),
		))
	defer span.End()

	result, err := b.Call(ctx, mode, func(ctx context.Context) (any, error) {
		return c.Invoke(ctx, req)
	})
	b.met.RecordHostCall(mode.String(), time.Since(start), errors.Is(err, ErrTimeout))

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return b.errorResponse(err, req)
	}
	span.SetStatus(codes.Ok, "")
	return b.toResponse(result)
}

// Call runs fn under the host execution lock in the requested mode.
//
// Sync calls run on the calling goroutine and cannot be interrupted; if
// the deadline lapses mid-call the stale result is discarded and
// ErrTimeout returned. Async calls run on the runtime loop; the caller
// blocks until completion or deadline, whichever comes first.
func (b *Bridge) Call(ctx context.Context, mode ExecMode, fn func(ctx context.Context) (any, error)) (any, error) {
	if b.closed.Load() {
		return nil, ErrClosed
	}
	if b.cfg.CallTimeout > 0 {
		if _, ok := ctx.Deadline(); !ok {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, b.cfg.CallTimeout)
			defer cancel()
		}
	}
	if mode == ModeAsync {
		return b.callAsync(ctx, fn)
	}
	return b.callSync(ctx, fn)
}

func (b *Bridge) callSync(ctx context.Context, fn func(ctx context.Context) (any, error)) (any, error) {
	b.hostMu.Lock()
	result, err := safeCall(ctx, fn)
	b.hostMu.Unlock()

	if ctx.Err() != nil {
		// Panics keep their identity so the stack reaches the log.
		var perr *PanicError
		if errors.As(err, &perr) {
			return nil, err
		}
		b.log.Warn("sync host call outlived its deadline, result discarded")
		return nil, ErrTimeout
	}
	return result, err
}

func (b *Bridge) callAsync(ctx context.Context, fn func(ctx context.Context) (any, error)) (any, error) {
	t := &task{
		ctx:      ctx,
		call:     fn,
		done:     make(chan struct{}),
		enqueued: time.Now(),
	}
	if err := b.loop.submit(ctx, t); err != nil {
		return nil, err
	}
	select {
	case <-t.done:
		return t.result, t.err
	case <-ctx.Done():
		t.abandoned.Store(true)
		return nil, ErrTimeout
	}
}

// errorResponse maps a call failure to the response the client sees.
// Handler internals stay in the log unless ExposeErrors is set.
func (b *Bridge) errorResponse(err error, req *http.Request) *http.Response {
	var perr *PanicError
	var herr *HandlerError
	switch {
	case errors.Is(err, ErrTimeout):
		b.log.Error("host call timed out",
			"method", req.Method, "path", req.Path, "timeout", b.cfg.CallTimeout)
		b.met.RecordError("timeout")
		return http.ErrorResponse(504, "handler timed out")

	case errors.Is(err, ErrClosed):
		return http.ErrorResponse(503, "server is shutting down")

	case errors.As(err, &perr):
		b.log.Error("handler panicked",
			"method", req.Method, "path", req.Path,
			"panic", perr.Value, "stack", string(perr.Stack))
		b.met.RecordError("panic")
		b.met.RecordPanic()
		return http.ErrorResponse(500, "internal server error")

	case errors.As(err, &herr):
		return http.ErrorResponse(herr.Status, herr.Error())

	default:
		b.log.Error("handler failed",
			"method", req.Method, "path", req.Path, "error", err)
		b.met.RecordError("handler")
		if b.cfg.ExposeErrors {
			return http.ErrorResponse(500, err.Error())
		}
		return http.ErrorResponse(500, "internal server error")
	}
}

func safeCall(ctx context.Context, fn func(ctx context.Context) (any, error)) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return fn(ctx)
}
