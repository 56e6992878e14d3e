package http

import "fmt"

// ProtocolError is a request-level protocol violation. Status is the
// client-error response to synthesize before deciding the connection's
// fate.
type ProtocolError struct {
	// Status is the HTTP status to respond with (400, 413, 431).
	Status int

	// Reason describes the violation for logs and the error body.
	Reason string

	// Drain is the number of body bytes that can be read and discarded
	// to keep the connection's framing intact after responding. Negative
	// means framing cannot be recovered and the connection must close.
	Drain int64
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("http: %s (status %d)", e.Reason, e.Status)
}

// Recoverable reports whether the connection can keep serving requests
// after the error response is written.
func (e *ProtocolError) Recoverable() bool {
	return e.Drain >= 0
}

func protocolErr(status int, reason string) *ProtocolError {
	return &ProtocolError{Status: status, Reason: reason, Drain: -1}
}
