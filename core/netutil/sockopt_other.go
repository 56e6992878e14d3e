//go:build !linux && !darwin

package netutil

import (
	"log/slog"
	"net"
)

// Other platforms get the portable keepalive period only.
func tuneKeepAlive(log *slog.Logger, tc *net.TCPConn, opts Options) {
	if opts.KeepAliveIdle > 0 {
		if err := tc.SetKeepAlivePeriod(opts.KeepAliveIdle); err != nil {
			warn(log, tc, "keepalive period", err)
		}
	}
}
