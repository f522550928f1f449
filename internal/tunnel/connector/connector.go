package connector

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"liuproxy_edge/internal/shared/geo"
	"liuproxy_edge/internal/shared/logger"
	"liuproxy_edge/internal/tunnel/protocol"
	"liuproxy_edge/internal/tunnel/relayhost"
)

// Strategy is one way of reaching the target.
type Strategy uint8

const (
	StrategyDirect Strategy = iota + 1
	StrategyRelayHost
	StrategyNAT64
)

func (s Strategy) String() string {
	switch s {
	case StrategyDirect:
		return "direct"
	case StrategyRelayHost:
		return "relay-host"
	case StrategyNAT64:
		return "nat64"
	}
	return "unknown"
}

// Outcome of a ConnectionAttempt.
type Outcome uint8

const (
	OutcomePending Outcome = iota
	OutcomeConnected
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeConnected:
		return "connected"
	case OutcomeFailed:
		return "failed"
	}
	return "pending"
}

// ConnectionAttempt records one strategy tried for a session.
type ConnectionAttempt struct {
	Strategy Strategy
	Outcome  Outcome
	Err      error
	Elapsed  time.Duration
}

// Dialer opens plain TCP connections.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// RelayAcquirer hands out tunnels through a relay host. *relayhost.Pool implements it.
type RelayAcquirer interface {
	AcquireWith(ctx context.Context, host string, port uint16, o relayhost.AcquireOptions) (net.Conn, error)
}

// AddressSynthesizer returns NAT64 literals for a host, preferred prefix first.
type AddressSynthesizer interface {
	Candidates(ctx context.Context, domainOrIPv4 string, region geo.Region) ([]string, error)
}

// Options configure a Connector. Relay and NAT64 are optional; a missing
// collaborator removes its strategy from every plan.
type Options struct {
	Dialer      Dialer
	Relay       RelayAcquirer
	NAT64       AddressSynthesizer
	Classifier  *Classifier
	AliasSuffix string
	DialTimeout time.Duration
}

// Connector establishes outbound connections with ordered failover.
type Connector struct {
	opts   Options
	logger zerolog.Logger
}

func New(opts Options) *Connector {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 10 * time.Second
	}
	return &Connector{
		opts:   opts,
		logger: logger.WithComponent("Connector"),
	}
}

// Classifier returns the classifier used to build targets.
func (c *Connector) Classifier() *Classifier { return c.opts.Classifier }

// Request carries everything a session knows about the outbound it needs.
// Nothing here is shared between sessions.
type Request struct {
	Target OutboundTarget
	// Payload is written as the first outbound bytes by every strategy.
	Payload []byte
	Region  geo.Region
	// Relay overrides the configured relay host for this session.
	Relay RelayAcquirer
	// ForceRelay tries the relay host even when its health check failed.
	ForceRelay bool
	Logger     *zerolog.Logger
}

// Plan returns the strategy order for req.
func (c *Connector) Plan(req Request) []Strategy {
	plan := make([]Strategy, 0, 3)
	if req.Target.Classification != ClassRestrictedCDN {
		plan = append(plan, StrategyDirect)
	}
	if req.Relay != nil || c.opts.Relay != nil {
		plan = append(plan, StrategyRelayHost)
	}
	if c.opts.NAT64 != nil {
		plan = append(plan, StrategyNAT64)
	}
	return plan
}

// Connect starts a chain for req and returns its first working connection.
// The chain is returned even on error so callers can inspect the attempts.
func (c *Connector) Connect(ctx context.Context, req Request) (net.Conn, *Chain, error) {
	chain := c.NewChain(req)
	conn, err := chain.Next(ctx)
	return conn, chain, err
}

// NewChain prepares the failover chain for req without dialing.
func (c *Connector) NewChain(req Request) *Chain {
	l := c.logger
	if req.Logger != nil {
		l = *req.Logger
	}
	return &Chain{
		c:      c,
		req:    req,
		plan:   c.Plan(req),
		logger: l.With().Str("target", req.Target.String()).Logger(),
	}
}

// Chain walks a strategy plan one attempt at a time. Attempts are strictly
// sequential; a Chain is used by a single goroutine.
type Chain struct {
	c        *Connector
	req      Request
	plan     []Strategy
	next     int
	attempts []ConnectionAttempt
	lastErr  error
	logger   zerolog.Logger
}

// HasNext reports whether an untried strategy remains.
func (ch *Chain) HasNext() bool { return ch.next < len(ch.plan) }

// Attempts returns the attempts made so far.
func (ch *Chain) Attempts() []ConnectionAttempt {
	return append([]ConnectionAttempt(nil), ch.attempts...)
}

// Next tries the remaining strategies in order and returns the first
// connection that accepted the initial payload. When every strategy has
// failed the error wraps ErrNoRouteAvailable.
func (ch *Chain) Next(ctx context.Context) (net.Conn, error) {
	for ch.HasNext() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		s := ch.plan[ch.next]
		ch.next++

		start := time.Now()
		conn, err := ch.c.dial(ctx, s, ch.req)
		if err == nil && len(ch.req.Payload) > 0 {
			if _, werr := conn.Write(ch.req.Payload); werr != nil {
				conn.Close()
				conn, err = nil, fmt.Errorf("write initial payload: %w", werr)
			}
		}

		attempt := ConnectionAttempt{Strategy: s, Elapsed: time.Since(start)}
		if err != nil {
			attempt.Outcome = OutcomeFailed
			attempt.Err = err
			ch.attempts = append(ch.attempts, attempt)
			ch.lastErr = err
			ch.logger.Debug().Err(err).Str("strategy", s.String()).Dur("elapsed", attempt.Elapsed).Msg("Outbound strategy failed.")
			continue
		}

		attempt.Outcome = OutcomeConnected
		ch.attempts = append(ch.attempts, attempt)
		ch.logger.Debug().Str("strategy", s.String()).Dur("elapsed", attempt.Elapsed).Msg("Outbound connected.")
		return conn, nil
	}

	if ch.lastErr != nil {
		return nil, fmt.Errorf("%w: %s after %d attempts: %v", protocol.ErrNoRouteAvailable, ch.req.Target, len(ch.attempts), ch.lastErr)
	}
	return nil, fmt.Errorf("%w: %s", protocol.ErrNoRouteAvailable, ch.req.Target)
}

func (c *Connector) dial(ctx context.Context, s Strategy, req Request) (net.Conn, error) {
	switch s {
	case StrategyDirect:
		return c.dialDirect(ctx, req.Target)
	case StrategyRelayHost:
		relay := req.Relay
		if relay == nil {
			relay = c.opts.Relay
		}
		return relay.AcquireWith(ctx, req.Target.Host(), req.Target.Port(), relayhost.AcquireOptions{Force: req.ForceRelay})
	case StrategyNAT64:
		return c.dialNAT64(ctx, req)
	}
	return nil, fmt.Errorf("unknown strategy %d", s)
}

func (c *Connector) dialDirect(ctx context.Context, t OutboundTarget) (net.Conn, error) {
	host := t.Host()
	if ip, ok := t.ipv4(); ok && c.opts.AliasSuffix != "" {
		host = "www." + ip.String() + "." + strings.Trim(c.opts.AliasSuffix, ".")
	}
	return c.dialTCP(ctx, net.JoinHostPort(host, strconv.Itoa(int(t.Port()))))
}

// dialNAT64 resolves once and walks every prefix until one connects.
func (c *Connector) dialNAT64(ctx context.Context, req Request) (net.Conn, error) {
	candidates, err := c.opts.NAT64.Candidates(ctx, req.Target.Host(), req.Region)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("no nat64 prefixes configured")
	}
	port := strconv.Itoa(int(req.Target.Port()))

	var errs []error
	for _, literal := range candidates {
		addr := net.JoinHostPort(strings.Trim(literal, "[]"), port)
		conn, err := c.dialTCP(ctx, addr)
		if err == nil {
			return conn, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", literal, err))
		if ctx.Err() != nil {
			break
		}
	}
	return nil, errors.Join(errs...)
}

func (c *Connector) dialTCP(ctx context.Context, addr string) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.DialTimeout)
	defer cancel()
	return c.opts.Dialer.DialContext(ctx, "tcp", addr)
}
