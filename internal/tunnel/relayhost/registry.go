package relayhost

import (
	"net"
	"sort"
	"strconv"
	"sync"

	"liuproxy_edge/internal/shared/logger"
	"liuproxy_edge/internal/shared/types"
)

// Registry keeps one Pool per relay host. The configured host is created up
// front, per-session overrides are created lazily and share the same options.
type Registry struct {
	base   Options
	dialer ContextDialer

	mu    sync.Mutex
	pools map[string]*Pool
	def   *Pool
}

// NewRegistry creates the registry and, if base.Host is set, the default pool.
func NewRegistry(base Options, dialer ContextDialer) (*Registry, error) {
	r := &Registry{
		base:   base,
		dialer: dialer,
		pools:  make(map[string]*Pool),
	}
	if base.Host == "" {
		return r, nil
	}
	p, err := NewPool(base, dialer)
	if err != nil {
		return nil, err
	}
	r.pools[p.Addr()] = p
	r.def = p
	return r, nil
}

// Default returns the configured relay host pool, or nil when none is configured.
func (r *Registry) Default() *Pool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.def
}

// Get returns the pool for host:port, creating and starting it if needed.
func (r *Registry) Get(host string, port int) (*Pool, error) {
	if port == 0 {
		port = r.base.Port
		if port == 0 {
			port = 443
		}
	}
	key := net.JoinHostPort(host, strconv.Itoa(port))

	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.pools[key]; ok {
		return p, nil
	}

	opts := r.base
	opts.Host = host
	opts.Port = port
	if r.base.SNI != "" && r.base.Host != host {
		opts.SNI = ""
	}
	p, err := NewPool(opts, r.dialer)
	if err != nil {
		return nil, err
	}
	p.Start()
	r.pools[key] = p
	logger.Info().Str("relay", key).Msg("Created relay host pool for session override.")
	return p, nil
}

// Start starts the health loop of every known pool.
func (r *Registry) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.pools {
		p.Start()
	}
}

// Statuses returns a status snapshot of every pool, sorted by address.
func (r *Registry) Statuses() []types.RelayStatus {
	r.mu.Lock()
	pools := make([]*Pool, 0, len(r.pools))
	for _, p := range r.pools {
		pools = append(pools, p)
	}
	r.mu.Unlock()

	sort.Slice(pools, func(i, j int) bool { return pools[i].Addr() < pools[j].Addr() })
	out := make([]types.RelayStatus, 0, len(pools))
	for _, p := range pools {
		out = append(out, p.GetStatus())
	}
	return out
}

// DestroyAll tears down every pool.
func (r *Registry) DestroyAll() {
	r.mu.Lock()
	pools := r.pools
	r.pools = make(map[string]*Pool)
	r.def = nil
	r.mu.Unlock()

	for _, p := range pools {
		p.Destroy()
	}
}
