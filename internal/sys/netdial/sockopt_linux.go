//go:build linux

package netdial

import (
	"fmt"

	"golang.org/x/sys/unix"
)

func applyOutboundSocketOptions(network string, fd uintptr, opts *Options) error {
	if !isTCPSocket(network) {
		return nil
	}

	if opts.TCPFastOpen {
		if err := unix.SetsockoptInt(int(fd), unix.SOL_TCP, unix.TCP_FASTOPEN_CONNECT, 1); err != nil {
			return fmt.Errorf("failed to set TCP_FASTOPEN_CONNECT: %w", err)
		}
	}

	if opts.KeepAliveInterval > 0 || opts.KeepAliveIdle > 0 {
		if opts.KeepAliveInterval > 0 {
			if err := unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_KEEPINTVL, opts.KeepAliveInterval); err != nil {
				return fmt.Errorf("failed to set TCP_KEEPINTVL: %w", err)
			}
		}
		if opts.KeepAliveIdle > 0 {
			if err := unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_KEEPIDLE, opts.KeepAliveIdle); err != nil {
				return fmt.Errorf("failed to set TCP_KEEPIDLE: %w", err)
			}
		}
		if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1); err != nil {
			return fmt.Errorf("failed to set SO_KEEPALIVE: %w", err)
		}
	} else if opts.KeepAliveInterval < 0 || opts.KeepAliveIdle < 0 {
		if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_KEEPALIVE, 0); err != nil {
			return fmt.Errorf("failed to unset SO_KEEPALIVE: %w", err)
		}
	}

	if opts.TCPNoDelay {
		if err := unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_NODELAY, 1); err != nil {
			return fmt.Errorf("failed to set TCP_NODELAY: %w", err)
		}
	}
	return nil
}
