package relayhost

import (
	"context"
	"errors"
	"math"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"liuproxy_edge/internal/shared/types"
	"liuproxy_edge/internal/tunnel/protocol"
)

// trackedConn records whether Close was called.
type trackedConn struct {
	net.Conn
	closed atomic.Bool
}

func (c *trackedConn) Close() error {
	c.closed.Store(true)
	return c.Conn.Close()
}

func newTrackedConn(t *testing.T) *trackedConn {
	a, b := net.Pipe()
	t.Cleanup(func() { a.Close(); b.Close() })
	return &trackedConn{Conn: a}
}

func newTestPool(opts Options) *Pool {
	if opts.Host == "" {
		opts.Host = "relay.example.com"
	}
	opts.setDefaults()
	return newPool(opts)
}

func TestPool_EvictsOldestOnOverflow(t *testing.T) {
	p := newTestPool(Options{MaxPoolSize: 2})
	first, second, third := newTrackedConn(t), newTrackedConn(t), newTrackedConn(t)

	p.add("a.com:443", first)
	p.add("b.com:443", second)
	p.add("c.com:443", third)

	if p.Len() != 2 {
		t.Fatalf("Expected pool size 2, but got %d", p.Len())
	}
	if !first.closed.Load() {
		t.Error("Expected the oldest entry to be closed on eviction")
	}
	if second.closed.Load() || third.closed.Load() {
		t.Error("Expected only the oldest entry to be evicted")
	}
	if _, ok := p.entries["a.com:443"]; ok {
		t.Error("Expected 'a.com:443' to be evicted")
	}
}

func TestPool_ExpiredEntryIsDiscarded(t *testing.T) {
	p := newTestPool(Options{ConnectionTTL: 30 * time.Second})
	base := time.Now()
	p.now = func() time.Time { return base }

	conn := newTrackedConn(t)
	p.add("a.com:443", conn)

	p.now = func() time.Time { return base.Add(31 * time.Second) }
	if got := p.checkout("a.com:443"); got != nil {
		t.Fatal("Expected an expired entry not to be returned")
	}
	if !conn.closed.Load() {
		t.Error("Expected the expired entry to be closed")
	}
	if p.Len() != 0 {
		t.Errorf("Expected empty pool, but got %d entries", p.Len())
	}
}

func TestPool_CleanupRemovesExpired(t *testing.T) {
	p := newTestPool(Options{ConnectionTTL: 30 * time.Second})
	base := time.Now()
	p.now = func() time.Time { return base }
	p.add("old.com:443", newTrackedConn(t))

	p.now = func() time.Time { return base.Add(20 * time.Second) }
	p.add("new.com:443", newTrackedConn(t))

	p.now = func() time.Time { return base.Add(40 * time.Second) }
	if n := p.cleanup(); n != 1 {
		t.Errorf("Expected 1 expired entry, but got %d", n)
	}
	if _, ok := p.entries["new.com:443"]; !ok {
		t.Error("Expected the fresh entry to survive cleanup")
	}
}

func TestPool_AcquireReusesPooledTunnel(t *testing.T) {
	p := newTestPool(Options{})
	p.dialRelay = func(ctx context.Context) (net.Conn, error) {
		t.Fatal("Expected no dial for a pooled target")
		return nil, nil
	}
	conn := newTrackedConn(t)
	p.add("a.com:443", conn)

	got, err := p.Acquire(context.Background(), "a.com", 443)
	if err != nil {
		t.Fatalf("Acquire() returned an error: %v", err)
	}
	if got != net.Conn(conn) {
		t.Error("Expected the pooled connection to be returned")
	}
	if p.Len() != 0 {
		t.Error("Expected the pooled entry to be checked out")
	}
	if st := p.GetStatus().Stats; st.Successes != 1 || st.TotalAttempts != 1 {
		t.Errorf("Expected 1 successful attempt, but got %+v", st)
	}
}

func TestPool_AcquireDialsAndHandshakes(t *testing.T) {
	p := newTestPool(Options{})
	targets := make(chan string, 1)
	p.dialRelay = func(ctx context.Context) (net.Conn, error) {
		client, server := net.Pipe()
		reqs := fakeRelay(server, "HTTP/1.1 200 Connection Established", "")
		go func() {
			if req, ok := <-reqs; ok {
				targets <- req.Host
			}
		}()
		return client, nil
	}

	conn, err := p.Acquire(context.Background(), "example.com", 443)
	if err != nil {
		t.Fatalf("Acquire() returned an error: %v", err)
	}
	defer conn.Close()

	if got := <-targets; got != "example.com:443" {
		t.Errorf("Expected CONNECT target 'example.com:443', but got '%s'", got)
	}
}

func TestPool_AcquireFailsOnBadStatus(t *testing.T) {
	p := newTestPool(Options{})
	p.dialRelay = func(ctx context.Context) (net.Conn, error) {
		client, server := net.Pipe()
		fakeRelay(server, "HTTP/1.1 502 Bad Gateway", "")
		return client, nil
	}

	_, err := p.Acquire(context.Background(), "example.com", 443)
	if !errors.Is(err, protocol.ErrTunnelEstablishFailed) {
		t.Fatalf("Expected ErrTunnelEstablishFailed, but got %v", err)
	}
	if st := p.GetStatus().Stats; st.Failures != 1 {
		t.Errorf("Expected 1 failure, but got %d", st.Failures)
	}
}

func TestPool_UnhealthyGate(t *testing.T) {
	p := newTestPool(Options{})
	var dials atomic.Int32
	p.dialRelay = func(ctx context.Context) (net.Conn, error) {
		dials.Add(1)
		return nil, errors.New("connection refused")
	}

	p.CheckHealth(context.Background())
	if p.Healthy() {
		t.Fatal("Expected pool to be unhealthy after a failed health check")
	}
	st := p.GetStatus()
	if st.LastCheck == nil || st.LastCheck.Status != types.StatusDown || st.LastCheck.Error == "" {
		t.Errorf("Expected a recorded failed check, but got %+v", st.LastCheck)
	}

	dials.Store(0)
	_, err := p.Acquire(context.Background(), "example.com", 443)
	if !errors.Is(err, ErrUnhealthy) || !errors.Is(err, protocol.ErrTunnelEstablishFailed) {
		t.Errorf("Expected an unhealthy gate error, but got %v", err)
	}
	if dials.Load() != 0 {
		t.Errorf("Expected no dial while unhealthy, but got %d", dials.Load())
	}

	_, err = p.AcquireWith(context.Background(), "example.com", 443, AcquireOptions{Force: true})
	if err == nil || errors.Is(err, ErrUnhealthy) {
		t.Errorf("Expected a forced attempt to reach the dialer, but got %v", err)
	}
	if dials.Load() != 1 {
		t.Errorf("Expected exactly 1 forced dial, but got %d", dials.Load())
	}
}

func TestPool_HealthRecovers(t *testing.T) {
	p := newTestPool(Options{})
	fail := true
	p.dialRelay = func(ctx context.Context) (net.Conn, error) {
		if fail {
			return nil, errors.New("down")
		}
		a, _ := net.Pipe()
		return a, nil
	}
	p.CheckHealth(context.Background())
	fail = false
	check := p.CheckHealth(context.Background())
	if !p.Healthy() || check.Status != types.StatusUp {
		t.Errorf("Expected pool to recover, but got healthy=%v status=%s", p.Healthy(), check.Status)
	}
}

func TestPool_StatsSmoothing(t *testing.T) {
	p := newTestPool(Options{})
	base := time.Now()

	p.now = func() time.Time { return base.Add(100 * time.Millisecond) }
	p.record(base, true)
	p.now = func() time.Time { return base.Add(200 * time.Millisecond) }
	p.record(base, false)

	st := p.GetStatus().Stats
	if math.Abs(st.AvgResponseMs-110) > 1e-9 {
		t.Errorf("Expected smoothed average 110, but got %v", st.AvgResponseMs)
	}
	if st.TotalAttempts != 2 || st.Successes != 1 || st.Failures != 1 {
		t.Errorf("Expected 2 attempts (1 ok, 1 failed), but got %+v", st)
	}
}

func TestPool_DestroyIsIdempotent(t *testing.T) {
	p := newTestPool(Options{HealthInterval: time.Hour})
	p.dialRelay = func(ctx context.Context) (net.Conn, error) {
		return nil, errors.New("down")
	}
	conn := newTrackedConn(t)
	p.add("a.com:443", conn)
	p.Start()

	p.Destroy()
	p.Destroy()

	if !conn.closed.Load() {
		t.Error("Expected Destroy to close pooled connections")
	}
	if p.Len() != 0 {
		t.Errorf("Expected empty pool after Destroy, but got %d", p.Len())
	}
}

func TestPool_ConcurrentAcquireAndHealth(t *testing.T) {
	const maxSize = 4
	p := newTestPool(Options{MaxPoolSize: maxSize, Prewarm: true, HealthInterval: time.Hour})
	p.dialRelay = func(ctx context.Context) (net.Conn, error) {
		client, server := net.Pipe()
		fakeRelay(server, "HTTP/1.1 200 Connection established", "")
		t.Cleanup(func() { server.Close() })
		return client, nil
	}

	targets := []string{"a.com", "b.com", "c.com", "d.com", "e.com", "f.com"}
	var wg sync.WaitGroup
	var failures atomic.Int32
	for i := 0; i < 24; i++ {
		wg.Add(1)
		go func(host string) {
			defer wg.Done()
			conn, err := p.Acquire(context.Background(), host, 443)
			if err != nil {
				failures.Add(1)
				return
			}
			conn.Close()
		}(targets[i%len(targets)])
	}
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.CheckHealth(context.Background())
			p.cleanup()
			_ = p.GetStatus()
			if n := p.Len(); n > maxSize {
				t.Errorf("Expected at most %d pooled tunnels, but got %d", maxSize, n)
			}
		}()
	}
	wg.Wait()

	if n := failures.Load(); n != 0 {
		t.Errorf("Expected every Acquire to succeed, but got %d failures", n)
	}
	if n := p.Len(); n > maxSize {
		t.Errorf("Expected at most %d pooled tunnels, but got %d", maxSize, n)
	}
	p.Destroy()
	if n := p.Len(); n != 0 {
		t.Errorf("Expected empty pool after Destroy, but got %d", n)
	}
}

func TestPool_AddAfterDestroyClosesConn(t *testing.T) {
	p := newTestPool(Options{})
	p.Destroy()

	conn := newTrackedConn(t)
	p.add("a.com:443", conn)

	if !conn.closed.Load() {
		t.Error("Expected a tunnel added after Destroy to be closed")
	}
	if p.Len() != 0 {
		t.Errorf("Expected empty pool after Destroy, but got %d", p.Len())
	}
}

func TestPool_DestroyWaitsForPrewarm(t *testing.T) {
	p := newTestPool(Options{Prewarm: true})
	release := make(chan struct{})
	var prewarmed atomic.Pointer[trackedConn]
	var dials atomic.Int32
	p.dialRelay = func(ctx context.Context) (net.Conn, error) {
		client, server := net.Pipe()
		fakeRelay(server, "HTTP/1.1 200 Connection established", "")
		t.Cleanup(func() { server.Close() })
		if dials.Add(1) == 1 {
			return client, nil
		}
		// 预热连接: 等 Destroy 开始后才返回
		<-release
		tc := &trackedConn{Conn: client}
		prewarmed.Store(tc)
		return tc, nil
	}

	conn, err := p.Acquire(context.Background(), "example.com", 443)
	if err != nil {
		t.Fatalf("Acquire() returned an error: %v", err)
	}
	conn.Close()

	done := make(chan struct{})
	go func() {
		p.Destroy()
		close(done)
	}()
	for dials.Load() < 2 {
		time.Sleep(time.Millisecond)
	}
	close(release)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Expected Destroy to return after the prewarm finished")
	}
	if p.Len() != 0 {
		t.Errorf("Expected no tunnel pooled after Destroy, but got %d", p.Len())
	}
	if tc := prewarmed.Load(); tc != nil && !tc.closed.Load() {
		t.Error("Expected the late prewarmed tunnel to be closed")
	}
}

func TestRegistry_GetCreatesOverridePools(t *testing.T) {
	r, err := NewRegistry(Options{Host: "relay.example.com", HealthInterval: time.Hour}, &net.Dialer{})
	if err != nil {
		t.Fatalf("NewRegistry() returned an error: %v", err)
	}
	defer r.DestroyAll()

	if r.Default() == nil || r.Default().Addr() != "relay.example.com:443" {
		t.Fatalf("Expected a default pool for relay.example.com:443")
	}
	p1, _ := r.Get("other.example.com", 8443)
	p2, _ := r.Get("other.example.com", 8443)
	if p1 != p2 {
		t.Error("Expected the same pool for the same override")
	}
	if n := len(r.Statuses()); n != 2 {
		t.Errorf("Expected 2 relay statuses, but got %d", n)
	}
}
