//go:build !linux && !darwin && !freebsd && !netbsd && !openbsd

package netdial

func applyOutboundSocketOptions(network string, fd uintptr, opts *Options) error {
	return nil
}
