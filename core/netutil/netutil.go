// Package netutil tunes accepted sockets. Tuning is best effort: a
// socket that rejects an option still serves traffic, so failures are
// logged and ignored.
package netutil

import (
	"log/slog"
	"net"
	"time"
)

// Options selects the socket options applied to accepted connections.
type Options struct {
	// NoDelay disables Nagle's algorithm.
	NoDelay bool

	// KeepAlive enables TCP keepalive probes.
	KeepAlive bool

	// KeepAliveIdle is the idle time before the first probe.
	KeepAliveIdle time.Duration

	// KeepAliveInterval is the gap between probes.
	KeepAliveInterval time.Duration

	// ReadBuffer and WriteBuffer size the kernel socket buffers when
	// positive.
	ReadBuffer  int
	WriteBuffer int
}

// DefaultOptions is the tuning applied to accepted sockets unless
// configured otherwise.
func DefaultOptions() Options {
	return Options{
		NoDelay:           true,
		KeepAlive:         true,
		KeepAliveIdle:     30 * time.Second,
		KeepAliveInterval: 10 * time.Second,
	}
}

// TuneConn applies opts to conn. Non-TCP connections are left alone.
func TuneConn(log *slog.Logger, conn net.Conn, opts Options) {
	tc, ok := conn.(*net.TCPConn)
	if !ok {
		return
	}
	if opts.NoDelay {
		if err := tc.SetNoDelay(true); err != nil {
			warn(log, tc, "TCP_NODELAY", err)
		}
	}
	if opts.KeepAlive {
		if err := tc.SetKeepAlive(true); err != nil {
			warn(log, tc, "SO_KEEPALIVE", err)
		}
	}
	if opts.ReadBuffer > 0 {
		if err := tc.SetReadBuffer(opts.ReadBuffer); err != nil {
			warn(log, tc, "SO_RCVBUF", err)
		}
	}
	if opts.WriteBuffer > 0 {
		if err := tc.SetWriteBuffer(opts.WriteBuffer); err != nil {
			warn(log, tc, "SO_SNDBUF", err)
		}
	}
	if opts.KeepAlive && (opts.KeepAliveIdle > 0 || opts.KeepAliveInterval > 0) {
		tuneKeepAlive(log, tc, opts)
	}
}

func warn(log *slog.Logger, conn net.Conn, opt string, err error) {
	if log == nil {
		return
	}
	log.Warn("socket option failed",
		"option", opt,
		"remote", conn.RemoteAddr().String(),
		"error", err)
}

func seconds(d time.Duration) int {
	s := int(d / time.Second)
	if s < 1 {
		s = 1
	}
	return s
}
