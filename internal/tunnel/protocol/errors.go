package protocol

import (
	"errors"
	"fmt"
)

// Header decode errors. All of them are fatal to the session.
var (
	ErrInvalidHeader      = errors.New("invalid header")
	ErrInvalidUser        = errors.New("invalid user")
	ErrUnsupportedCommand = errors.New("unsupported command")
	ErrInvalidAddressType = errors.New("invalid address type")
	ErrEmptyAddress       = errors.New("empty address")

	// Trojan only.
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrMalformedHeader      = errors.New("malformed header")
)

// Outbound errors. NAT64 and tunnel errors are recovered by the failover chain.
var (
	ErrDNSResolutionFailed   = errors.New("dns resolution failed")
	ErrInvalidIPv4           = errors.New("invalid ipv4 address")
	ErrTunnelEstablishFailed = errors.New("tunnel establish failed")
	ErrNoRouteAvailable      = errors.New("no route available")
	ErrUnsupportedUDPTarget  = errors.New("unsupported udp target")
)

// CommandError reports the numeric command that was rejected.
type CommandError struct {
	Command byte
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%s: %d", ErrUnsupportedCommand, e.Command)
}

func (e *CommandError) Is(target error) bool {
	return target == ErrUnsupportedCommand
}

// IsRecoverable 判断错误是否可以由下一个出站策略恢复。
func IsRecoverable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrDNSResolutionFailed),
		errors.Is(err, ErrInvalidIPv4),
		errors.Is(err, ErrTunnelEstablishFailed):
		return true
	}
	return false
}
