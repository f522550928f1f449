package relayhost

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"liuproxy_edge/internal/shared/logger"
	"liuproxy_edge/internal/shared/types"
	"liuproxy_edge/internal/tunnel/protocol"
)

// ErrUnhealthy is wrapped into ErrTunnelEstablishFailed when the last health
// check failed and the caller did not force the attempt.
var ErrUnhealthy = errors.New("relay host is unhealthy")

// ContextDialer opens raw TCP connections.
type ContextDialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Options configure one relay-host pool.
type Options struct {
	Host            string
	Port            int
	TLS             bool
	SNI             string
	Insecure        bool
	Fingerprint     string
	Username        string
	Password        string
	UserAgent       string
	MaxPoolSize     int
	ConnectionTTL   time.Duration
	HealthInterval  time.Duration
	HealthTimeout   time.Duration
	ResponseTimeout time.Duration
	DialTimeout     time.Duration
	Prewarm         bool
}

// OptionsFromConfig maps the [relay] section onto Options.
func OptionsFromConfig(c types.RelayConf, dialTimeout time.Duration) Options {
	return Options{
		Host:            c.Host,
		Port:            c.Port,
		TLS:             !c.Plain,
		SNI:             c.SNI,
		Insecure:        c.Insecure,
		Fingerprint:     c.Fingerprint,
		Username:        c.Username,
		Password:        c.Password,
		UserAgent:       c.UserAgent,
		MaxPoolSize:     c.PoolSize,
		ConnectionTTL:   c.TTL(),
		HealthInterval:  c.HealthEvery(),
		HealthTimeout:   c.HealthDeadline(),
		ResponseTimeout: c.ResponseDeadline(),
		DialTimeout:     dialTimeout,
		Prewarm:         c.Prewarm,
	}
}

func (o *Options) setDefaults() {
	if o.Port == 0 {
		o.Port = 443
	}
	if o.MaxPoolSize <= 0 {
		o.MaxPoolSize = 50
	}
	if o.ConnectionTTL <= 0 {
		o.ConnectionTTL = 30 * time.Second
	}
	if o.HealthInterval <= 0 {
		o.HealthInterval = 60 * time.Second
	}
	if o.HealthTimeout <= 0 {
		o.HealthTimeout = 5 * time.Second
	}
	if o.ResponseTimeout <= 0 {
		o.ResponseTimeout = 10 * time.Second
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = 30 * time.Second
	}
	if o.UserAgent == "" {
		o.UserAgent = "liuproxy-edge/1.0"
	}
}

// AcquireOptions tune a single Acquire call.
type AcquireOptions struct {
	// Force dials even when the last health check failed.
	Force bool
	// NoPool neither reuses nor prewarms pooled tunnels.
	NoPool bool
}

// pooledConn is an idle, already established tunnel.
type pooledConn struct {
	key        string
	conn       net.Conn
	createdAt  time.Time
	lastUsedAt time.Time
}

// Pool 管理到同一个中转主机的隧道连接, 并在后台做健康检查。
type Pool struct {
	opts      Options
	addr      string
	dialRelay func(ctx context.Context) (net.Conn, error)
	now       func() time.Time
	logger    zerolog.Logger

	mu      sync.Mutex
	entries map[string]*list.Element // key -> *pooledConn
	order   *list.List               // oldest insertion at the front
	warming map[string]bool
	closed  bool

	healthMu  sync.RWMutex
	healthy   bool
	lastCheck *types.HealthCheck

	statsMu sync.Mutex
	stats   types.RelayStats

	healthTicker *time.Ticker
	ctx          context.Context
	cancel       context.CancelFunc
	stopChan     chan struct{}
	wg           sync.WaitGroup
	startOnce    sync.Once
	destroyOnce  sync.Once
}

// NewPool creates a pool for opts.Host. The health loop starts with Start.
func NewPool(opts Options, dialer ContextDialer) (*Pool, error) {
	opts.setDefaults()
	if opts.Host == "" {
		return nil, fmt.Errorf("relay host is not configured")
	}
	p := newPool(opts)

	hello, err := ClientHelloID(opts.Fingerprint)
	if err != nil {
		return nil, err
	}
	serverName := opts.SNI
	if serverName == "" {
		serverName = opts.Host
	}
	p.dialRelay = func(ctx context.Context) (net.Conn, error) {
		raw, err := dialer.DialContext(ctx, "tcp", p.addr)
		if err != nil {
			return nil, err
		}
		if !opts.TLS {
			return raw, nil
		}
		conn, err := tlsClient(ctx, raw, serverName, opts.Insecure, hello)
		if err != nil {
			raw.Close()
			return nil, err
		}
		return conn, nil
	}
	return p, nil
}

func newPool(opts Options) *Pool {
	addr := net.JoinHostPort(opts.Host, strconv.Itoa(opts.Port))
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		ctx:      ctx,
		cancel:   cancel,
		opts:     opts,
		addr:     addr,
		now:      time.Now,
		entries:  make(map[string]*list.Element),
		order:    list.New(),
		warming:  make(map[string]bool),
		healthy:  true,
		stopChan: make(chan struct{}),
		logger:   logger.WithComponent("RelayHost/Pool").With().Str("relay", addr).Logger(),
	}
}

// Start launches the background health loop. Calling it twice is a no-op.
func (p *Pool) Start() {
	p.startOnce.Do(func() {
		p.healthTicker = time.NewTicker(p.opts.HealthInterval)
		p.wg.Add(1)
		go p.healthLoop()
		p.logger.Info().Dur("interval", p.opts.HealthInterval).Msg("Relay host health loop started.")
	})
}

func (p *Pool) healthLoop() {
	defer p.wg.Done()
	defer p.healthTicker.Stop()

	p.CheckHealth(p.ctx)
	for {
		select {
		case <-p.healthTicker.C:
			p.CheckHealth(p.ctx)
			if n := p.cleanup(); n > 0 {
				p.logger.Debug().Int("expired", n).Msg("Expired pooled tunnels closed.")
			}
		case <-p.stopChan:
			return
		}
	}
}

// CheckHealth opens a throwaway connection to the relay host and records the result.
func (p *Pool) CheckHealth(ctx context.Context) *types.HealthCheck {
	ctx, cancel := context.WithTimeout(ctx, p.opts.HealthTimeout)
	defer cancel()

	start := p.now()
	conn, err := p.dialRelay(ctx)
	check := &types.HealthCheck{
		Timestamp:      start,
		ResponseTimeMs: p.now().Sub(start).Milliseconds(),
	}
	if err != nil {
		check.Status = types.StatusDown
		check.Error = err.Error()
	} else {
		check.Status = types.StatusUp
		conn.Close()
	}

	p.healthMu.Lock()
	wasHealthy := p.healthy
	p.healthy = err == nil
	p.lastCheck = check
	p.healthMu.Unlock()

	if err != nil && wasHealthy {
		p.logger.Warn().Err(err).Msg("Relay host became unhealthy.")
	} else if err == nil && !wasHealthy {
		p.logger.Info().Int64("latency_ms", check.ResponseTimeMs).Msg("Relay host recovered.")
	}
	return check
}

// Addr returns the relay host as host:port.
func (p *Pool) Addr() string { return p.addr }

// Acquire returns a tunnel to host:port through the relay host.
func (p *Pool) Acquire(ctx context.Context, host string, port uint16) (net.Conn, error) {
	return p.AcquireWith(ctx, host, port, AcquireOptions{})
}

// AcquireWith is Acquire with per-call options.
func (p *Pool) AcquireWith(ctx context.Context, host string, port uint16, o AcquireOptions) (net.Conn, error) {
	start := p.now()
	key := net.JoinHostPort(host, strconv.Itoa(int(port)))

	if !o.Force && !p.Healthy() {
		p.record(start, false)
		return nil, fmt.Errorf("%w: %s: %w", protocol.ErrTunnelEstablishFailed, p.addr, ErrUnhealthy)
	}

	if !o.NoPool {
		if conn := p.checkout(key); conn != nil {
			p.logger.Debug().Str("target", key).Msg("Reusing pooled tunnel.")
			p.record(start, true)
			return conn, nil
		}
	}

	conn, err := p.dialTunnel(ctx, host, port)
	if err != nil {
		p.record(start, false)
		if !errors.Is(err, protocol.ErrTunnelEstablishFailed) {
			err = fmt.Errorf("%w: %s: %v", protocol.ErrTunnelEstablishFailed, p.addr, err)
		}
		return nil, err
	}
	p.record(start, true)

	if p.opts.Prewarm && !o.NoPool {
		p.mu.Lock()
		if !p.closed {
			p.wg.Add(1)
			go p.prewarm(key, host, port)
		}
		p.mu.Unlock()
	}
	return conn, nil
}

func (p *Pool) dialTunnel(ctx context.Context, host string, port uint16) (net.Conn, error) {
	req, err := NewConnectRequest(host, port, p.opts.UserAgent, p.opts.Username, p.opts.Password)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", protocol.ErrTunnelEstablishFailed, err)
	}

	dialCtx, cancel := context.WithTimeout(ctx, p.opts.DialTimeout)
	defer cancel()
	conn, err := p.dialRelay(dialCtx)
	if err != nil {
		return nil, err
	}
	tunnel, err := EstablishTunnel(conn, req, p.opts.ResponseTimeout)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return tunnel, nil
}

// prewarm dials one spare tunnel for key so the next Acquire can skip the handshake.
func (p *Pool) prewarm(key, host string, port uint16) {
	defer p.wg.Done()

	p.mu.Lock()
	if p.warming[key] || p.entries[key] != nil {
		p.mu.Unlock()
		return
	}
	p.warming[key] = true
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.warming, key)
		p.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(p.ctx, p.opts.DialTimeout)
	defer cancel()
	conn, err := p.dialTunnel(ctx, host, port)
	if err != nil {
		p.logger.Debug().Err(err).Str("target", key).Msg("Prewarm failed.")
		return
	}
	p.add(key, conn)
}

// checkout removes and returns the idle tunnel for key if it is still usable.
func (p *Pool) checkout(key string) net.Conn {
	p.mu.Lock()
	elem, ok := p.entries[key]
	if !ok {
		p.mu.Unlock()
		return nil
	}
	pc := p.removeLocked(elem)
	p.mu.Unlock()

	if p.now().Sub(pc.createdAt) > p.opts.ConnectionTTL {
		pc.conn.Close()
		return nil
	}
	if !isAlive(pc.conn) {
		pc.conn.Close()
		return nil
	}
	pc.lastUsedAt = p.now()
	return pc.conn
}

// add inserts conn under key, replacing any entry with the same key and
// evicting the oldest entries while the pool is full. After Destroy conn is
// closed instead.
func (p *Pool) add(key string, conn net.Conn) {
	var evicted []net.Conn

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		conn.Close()
		return
	}
	if elem, ok := p.entries[key]; ok {
		evicted = append(evicted, p.removeLocked(elem).conn)
	}
	for p.order.Len() >= p.opts.MaxPoolSize {
		oldest := p.removeLocked(p.order.Front())
		evicted = append(evicted, oldest.conn)
		p.logger.Debug().Str("target", oldest.key).Msg("Pool full, evicted oldest tunnel.")
	}
	now := p.now()
	p.entries[key] = p.order.PushBack(&pooledConn{key: key, conn: conn, createdAt: now, lastUsedAt: now})
	p.mu.Unlock()

	for _, c := range evicted {
		c.Close()
	}
}

// removeLocked must be called with p.mu held.
func (p *Pool) removeLocked(elem *list.Element) *pooledConn {
	pc := p.order.Remove(elem).(*pooledConn)
	delete(p.entries, pc.key)
	return pc
}

// cleanup closes idle tunnels older than the TTL.
func (p *Pool) cleanup() int {
	var expired []net.Conn
	now := p.now()

	p.mu.Lock()
	for elem := p.order.Front(); elem != nil; {
		next := elem.Next()
		if pc := elem.Value.(*pooledConn); now.Sub(pc.createdAt) > p.opts.ConnectionTTL {
			expired = append(expired, p.removeLocked(elem).conn)
		}
		elem = next
	}
	p.mu.Unlock()

	for _, c := range expired {
		c.Close()
	}
	return len(expired)
}

// Len returns the number of idle pooled tunnels.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.order.Len()
}

// record updates counters and the smoothed latency.
func (p *Pool) record(start time.Time, success bool) {
	rt := p.now().Sub(start).Milliseconds()

	p.statsMu.Lock()
	defer p.statsMu.Unlock()
	p.stats.TotalAttempts++
	if success {
		p.stats.Successes++
	} else {
		p.stats.Failures++
	}
	p.stats.LastResponseMs = rt
	if p.stats.AvgResponseMs == 0 {
		p.stats.AvgResponseMs = float64(rt)
	} else {
		p.stats.AvgResponseMs = p.stats.AvgResponseMs*0.9 + float64(rt)*0.1
	}
}

// Healthy reports the result of the last health check. A pool that was never
// checked is considered healthy.
func (p *Pool) Healthy() bool {
	p.healthMu.RLock()
	defer p.healthMu.RUnlock()
	return p.healthy
}

// GetStatus returns a snapshot for the status API.
func (p *Pool) GetStatus() types.RelayStatus {
	st := types.RelayStatus{
		Host:        p.opts.Host,
		Port:        p.opts.Port,
		MaxPoolSize: p.opts.MaxPoolSize,
		PoolSize:    p.Len(),
	}
	p.healthMu.RLock()
	st.Healthy = p.healthy
	if p.lastCheck != nil {
		check := *p.lastCheck
		st.LastCheck = &check
	}
	p.healthMu.RUnlock()

	p.statsMu.Lock()
	st.Stats = p.stats
	p.statsMu.Unlock()
	return st
}

// Destroy stops the health loop and closes every idle tunnel. Safe to call
// more than once.
func (p *Pool) Destroy() {
	p.destroyOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		p.mu.Unlock()

		p.cancel()
		close(p.stopChan)
		p.wg.Wait()

		p.mu.Lock()
		var conns []net.Conn
		for p.order.Len() > 0 {
			conns = append(conns, p.removeLocked(p.order.Front()).conn)
		}
		p.mu.Unlock()
		for _, c := range conns {
			c.Close()
		}
		p.logger.Info().Int("closed", len(conns)).Msg("Relay host pool destroyed.")
	})
}

// isAlive tests an idle connection without blocking: a read that times out
// means the peer is still there, anything else (EOF, error, stray data) means
// the tunnel is no longer usable.
func isAlive(conn net.Conn) bool {
	if err := conn.SetReadDeadline(time.Now().Add(time.Millisecond)); err != nil {
		return false
	}
	defer conn.SetReadDeadline(time.Time{})

	var one [1]byte
	_, err := conn.Read(one[:])
	return errors.Is(err, os.ErrDeadlineExceeded)
}
