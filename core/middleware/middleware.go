// Package middleware wraps dispatch handlers with cross-cutting
// behavior. A Middleware decorates the response-level Handler exposed
// by the bridge, so it always sees a writable response. Panic
// containment is not middleware; the worker boundary owns it.
package middleware

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pyfast/engine/core/hostbridge"
	"github.com/pyfast/engine/core/http"
)

// Middleware decorates a dispatch handler.
type Middleware func(hostbridge.Handler) hostbridge.Handler

// Chain composes middlewares around h so the first listed runs
// outermost. Nil entries are skipped.
func Chain(h hostbridge.Handler, mws ...Middleware) hostbridge.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		if mws[i] != nil {
			h = mws[i](h)
		}
	}
	return h
}

// AccessLog logs one line per completed request.
func AccessLog(log *slog.Logger) Middleware {
	if log == nil {
		log = slog.Default()
	}
	return func(next hostbridge.Handler) hostbridge.Handler {
		return func(ctx context.Context, req *http.Request) *http.Response {
			start := time.Now()
			resp := next(ctx, req)
			log.Info("request",
				"method", req.Method,
				"path", req.Path,
				"status", resp.Status,
				"bytes", len(resp.Body),
				"remote", req.RemoteAddr,
				"duration", time.Since(start))
			return resp
		}
	}
}

type ctxKey int

const requestIDKey ctxKey = iota

// RequestIDFromContext returns the id assigned by RequestID, or "".
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// RequestID tags each request with an id, reusing the client's
// X-Request-Id when present, and echoes it on the response.
func RequestID() Middleware {
	var counter atomic.Uint64
	return func(next hostbridge.Handler) hostbridge.Handler {
		return func(ctx context.Context, req *http.Request) *http.Response {
			id := req.Header("X-Request-Id")
			if id == "" {
				id = strconv.FormatUint(counter.Add(1), 10)
			}
			ctx = context.WithValue(ctx, requestIDKey, id)
			resp := next(ctx, req)
			setHeader(resp, "X-Request-Id", id)
			return resp
		}
	}
}

// RateLimit caps throughput with a token bucket of perSecond refill
// and burst capacity. Requests beyond the bucket are answered 429
// without reaching the host.
func RateLimit(perSecond, burst int) Middleware {
	if perSecond < 1 {
		perSecond = 1
	}
	if burst < 1 {
		burst = perSecond
	}

	var (
		mu     sync.Mutex
		tokens = float64(burst)
		last   = time.Now()
	)
	allow := func() bool {
		mu.Lock()
		defer mu.Unlock()
		now := time.Now()
		tokens += now.Sub(last).Seconds() * float64(perSecond)
		if tokens > float64(burst) {
			tokens = float64(burst)
		}
		last = now
		if tokens < 1 {
			return false
		}
		tokens--
		return true
	}

	return func(next hostbridge.Handler) hostbridge.Handler {
		return func(ctx context.Context, req *http.Request) *http.Response {
			if !allow() {
				resp := http.ErrorResponse(429, "too many requests")
				setHeader(resp, "Retry-After", "1")
				return resp
			}
			return next(ctx, req)
		}
	}
}

// CORS answers preflight requests and stamps allow-origin headers on
// everything else. With no origins listed, any origin is allowed.
func CORS(origins ...string) Middleware {
	allowAll := len(origins) == 0
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		allowed[o] = true
	}

	match := func(req *http.Request) string {
		o := req.Header("Origin")
		switch {
		case o == "":
			return ""
		case allowAll:
			return "*"
		case allowed[o]:
			return o
		default:
			return ""
		}
	}

	return func(next hostbridge.Handler) hostbridge.Handler {
		return func(ctx context.Context, req *http.Request) *http.Response {
			o := match(req)

			// Preflight never reaches the host.
			if req.Method == "OPTIONS" && req.Header("Access-Control-Request-Method") != "" {
				resp := http.NoContentResponse()
				if o != "" {
					setHeader(resp, "Access-Control-Allow-Origin", o)
					setHeader(resp, "Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
					setHeader(resp, "Access-Control-Allow-Headers", "Content-Type, Authorization")
					setHeader(resp, "Access-Control-Max-Age", "300")
				}
				return resp
			}

			resp := next(ctx, req)
			if o != "" {
				setHeader(resp, "Access-Control-Allow-Origin", o)
				if !allowAll {
					setHeader(resp, "Vary", "Origin")
				}
			}
			return resp
		}
	}
}

func setHeader(resp *http.Response, key, value string) {
	if resp.Headers == nil {
		resp.Headers = make(http.Headers, 4)
	}
	resp.Headers.Set(key, value)
}
