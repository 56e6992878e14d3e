//go:build linux

package netutil

import (
	"log/slog"
	"net"

	"golang.org/x/sys/unix"
)

// tuneKeepAlive sets probe timing through the raw fd so the option set
// stays explicit and in one place.
func tuneKeepAlive(log *slog.Logger, tc *net.TCPConn, opts Options) {
	raw, err := tc.SyscallConn()
	if err != nil {
		warn(log, tc, "SyscallConn", err)
		return
	}
	err = raw.Control(func(fd uintptr) {
		if opts.KeepAliveIdle > 0 {
			if e := unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_KEEPIDLE, seconds(opts.KeepAliveIdle)); e != nil {
				warn(log, tc, "TCP_KEEPIDLE", e)
			}
		}
		if opts.KeepAliveInterval > 0 {
			if e := unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_KEEPINTVL, seconds(opts.KeepAliveInterval)); e != nil {
				warn(log, tc, "TCP_KEEPINTVL", e)
			}
		}
	})
	if err != nil {
		warn(log, tc, "setsockopt", err)
	}
}
