package netdial

import (
	"context"
	"net"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/sagernet/sing/common/control"

	"liuproxy_edge/internal/shared/logger"
	"liuproxy_edge/internal/shared/types"
)

// Options are the socket level settings applied to every outbound TCP socket.
type Options struct {
	Timeout           time.Duration
	TCPNoDelay        bool
	TCPFastOpen       bool
	KeepAliveIdle     int // seconds
	KeepAliveInterval int // seconds
	Mark              int
	Interface         string
}

// OptionsFromConfig maps the [outbound] section onto Options.
func OptionsFromConfig(c types.OutboundConf) Options {
	return Options{
		Timeout:           c.DialDeadline(),
		TCPNoDelay:        c.TCPNoDelay,
		TCPFastOpen:       c.TCPFastOpen,
		KeepAliveIdle:     c.KeepAliveIdle,
		KeepAliveInterval: c.KeepAliveInterval,
		Mark:              c.Mark,
		Interface:         c.Interface,
	}
}

func (o Options) hasSocketOptions() bool {
	return o.TCPNoDelay || o.TCPFastOpen || o.KeepAliveIdle != 0 || o.KeepAliveInterval != 0
}

// Dialer is the system dialer used by every outbound strategy.
type Dialer struct {
	opts        Options
	controllers []control.Func
	logger      zerolog.Logger
}

// New returns a dialer. Mark and Interface become sing controllers; extra
// controllers run after them and before the socket options.
func New(opts Options, controllers ...control.Func) *Dialer {
	if opts.Timeout <= 0 {
		opts.Timeout = 16 * time.Second
	}
	d := &Dialer{
		opts:   opts,
		logger: logger.WithComponent("Dialer"),
	}
	if opts.Mark != 0 {
		// 非 Linux 平台上 RoutingMark 返回 nil
		if ctl := control.RoutingMark(uint32(opts.Mark)); ctl != nil {
			d.controllers = append(d.controllers, ctl)
		}
	}
	if opts.Interface != "" {
		finder := control.NewDefaultInterfaceFinder()
		if err := finder.Update(); err != nil {
			d.logger.Warn().Err(err).Msg("failed to list network interfaces")
		}
		d.controllers = append(d.controllers, control.BindToInterface(finder, opts.Interface, -1))
	}
	d.controllers = append(d.controllers, controllers...)
	return d
}

// DialContext matches net.Dialer.DialContext.
func (d *Dialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	goStdKeepAlive := time.Duration(0)
	if d.opts.KeepAliveIdle != 0 || d.opts.KeepAliveInterval != 0 {
		goStdKeepAlive = time.Duration(-1)
	}
	dialer := &net.Dialer{
		Timeout:   d.opts.Timeout,
		KeepAlive: goStdKeepAlive,
	}

	if d.opts.hasSocketOptions() || len(d.controllers) > 0 {
		dialer.Control = func(network, address string, c syscall.RawConn) error {
			for _, ctl := range d.controllers {
				if err := ctl(network, address, c); err != nil {
					d.logger.Error().Err(err).Msg("failed to apply socket controller")
				}
			}
			return c.Control(func(fd uintptr) {
				if err := applyOutboundSocketOptions(network, fd, &d.opts); err != nil {
					d.logger.Error().Err(err).Str("address", address).Msg("failed to apply socket options")
				}
			})
		}
	}

	return dialer.DialContext(ctx, network, address)
}

func isTCPSocket(network string) bool {
	switch network {
	case "tcp", "tcp4", "tcp6":
		return true
	default:
		return false
	}
}
