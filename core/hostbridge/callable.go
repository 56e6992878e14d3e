package hostbridge

import (
	"context"

	"github.com/pyfast/engine/core/http"
)

// ExecMode selects how a callable is scheduled on the host runtime.
type ExecMode int

const (
	// ModeSync invokes the callable on the calling worker while holding
	// the host execution lock.
	ModeSync ExecMode = iota

	// ModeAsync posts the callable to the runtime loop and blocks the
	// worker until the loop reports completion.
	ModeAsync
)

// String returns the mode label used in logs and metrics.
func (m ExecMode) String() string {
	if m == ModeAsync {
		return "async"
	}
	return "sync"
}

// Callable is a host handler bound to a route. It receives the parsed
// request and returns a result value the bridge converts into a
// response, or an error the bridge maps to an error status.
type Callable interface {
	Invoke(ctx context.Context, req *http.Request) (any, error)
}

// CallableFunc adapts a function to the Callable interface.
type CallableFunc func(ctx context.Context, req *http.Request) (any, error)

// Invoke calls f.
func (f CallableFunc) Invoke(ctx context.Context, req *http.Request) (any, error) {
	return f(ctx, req)
}

// Handler is the response-level execution contract middleware wraps.
// The innermost Handler runs the routed callable through the bridge, so
// a Handler always yields a writable response, never nil.
type Handler func(ctx context.Context, req *http.Request) *http.Response
