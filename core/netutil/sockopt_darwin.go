//go:build darwin

package netutil

import (
	"log/slog"
	"net"

	"golang.org/x/sys/unix"
)

// Darwin spells the idle option TCP_KEEPALIVE; the interval option
// matches Linux.
func tuneKeepAlive(log *slog.Logger, tc *net.TCPConn, opts Options) {
	raw, err := tc.SyscallConn()
	if err != nil {
		warn(log, tc, "SyscallConn", err)
		return
	}
	err = raw.Control(func(fd uintptr) {
		if opts.KeepAliveIdle > 0 {
			if e := unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_KEEPALIVE, seconds(opts.KeepAliveIdle)); e != nil {
				warn(log, tc, "TCP_KEEPALIVE", e)
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
