package hostbridge

import (
	"errors"
	"fmt"

	"github.com/pyfast/engine/core/http"
)

// ErrTimeout reports a host call abandoned after its deadline expired.
var ErrTimeout = errors.New("host call timed out")

// ErrClosed reports a call submitted after the bridge shut down.
var ErrClosed = errors.New("host bridge closed")

// PanicError wraps a panic recovered from a callable. The stack is
// captured at the recovery site for logging.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("handler panic: %v", e.Value)
}

// HandlerError lets a callable pick the status code surfaced to the
// client. Any other error from a callable becomes a generic 500.
type HandlerError struct {
	Status int
	Msg    string
}

func (e *HandlerError) Error() string {
	if e.Msg != "" {
		return e.Msg
	}
	return http.StatusText(e.Status)
}

// NewHandlerError builds a HandlerError with a formatted message.
func NewHandlerError(status int, format string, args ...any) *HandlerError {
	return &HandlerError{Status: status, Msg: fmt.Sprintf(format, args...)}
}
