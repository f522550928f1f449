//go:build darwin || freebsd || netbsd || openbsd

package netdial

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// Only TCP_NODELAY and keepalive are portable across the BSDs.
func applyOutboundSocketOptions(network string, fd uintptr, opts *Options) error {
	if !isTCPSocket(network) {
		return nil
	}
	if opts.TCPNoDelay {
		if err := syscall.SetsockoptInt(int(fd), syscall.IPPROTO_TCP, syscall.TCP_NODELAY, 1); err != nil {
			return err
		}
	}
	if opts.KeepAliveIdle > 0 || opts.KeepAliveInterval > 0 {
		return unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1)
	}
	return nil
}
