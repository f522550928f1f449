package nat64

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"

	"liuproxy_edge/internal/shared/geo"
	"liuproxy_edge/internal/tunnel/protocol"
)

type mockResolver struct {
	mu    sync.Mutex
	ips   map[string]string
	calls int
}

func (m *mockResolver) LookupA(ctx context.Context, name string) ([]net.IP, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	ip, ok := m.ips[name]
	if !ok {
		return nil, errors.New("no such host")
	}
	return []net.IP{net.ParseIP(ip)}, nil
}

func TestConvertToNAT64_KnownVector(t *testing.T) {
	got, err := ConvertToNAT64("192.0.2.10", "64:ff9b::")
	if err != nil {
		t.Fatalf("ConvertToNAT64() returned an error: %v", err)
	}
	if got != "[64:ff9b::c000:20a]" {
		t.Errorf("Expected '[64:ff9b::c000:20a]', but got '%s'", got)
	}
	if net.ParseIP(got[1:len(got)-1]) == nil {
		t.Errorf("Expected '%s' to be a valid IPv6 literal", got)
	}
}

func TestConvertToNAT64_InvalidIPv4(t *testing.T) {
	for _, in := range []string{"256.0.0.1", "1.2.3", "1.2.3.4.5", "a.b.c.d", "-1.0.0.0"} {
		if _, err := ConvertToNAT64(in, "64:ff9b::"); !errors.Is(err, protocol.ErrInvalidIPv4) {
			t.Errorf("Expected ErrInvalidIPv4 for '%s', but got %v", in, err)
		}
	}
}

func TestResolveAndSynthesize_LiteralSkipsDNS(t *testing.T) {
	r := &mockResolver{}
	s := NewSynthesizer(nil, r)
	got, err := s.ResolveAndSynthesize(context.Background(), "192.0.2.10", geo.RegionCN)
	if err != nil {
		t.Fatalf("ResolveAndSynthesize() returned an error: %v", err)
	}
	if got != "[64:ff9b::c000:20a]" {
		t.Errorf("Expected '[64:ff9b::c000:20a]', but got '%s'", got)
	}
	if r.calls != 0 {
		t.Errorf("Expected no DNS lookups for a literal, but got %d", r.calls)
	}
}

func TestResolveAndSynthesize_DomainUsesRegionPrefix(t *testing.T) {
	r := &mockResolver{ips: map[string]string{"example.com": "192.0.2.10"}}
	s := NewSynthesizer(nil, r)
	got, err := s.ResolveAndSynthesize(context.Background(), "example.com", geo.RegionEU)
	if err != nil {
		t.Fatalf("ResolveAndSynthesize() returned an error: %v", err)
	}
	if got != "[2001:67c:2b0::c000:20a]" {
		t.Errorf("Expected EU prefix result, but got '%s'", got)
	}
}

func TestResolveAndSynthesize_DNSFailure(t *testing.T) {
	s := NewSynthesizer(nil, &mockResolver{})
	_, err := s.ResolveAndSynthesize(context.Background(), "missing.example", geo.RegionGlobal)
	if !errors.Is(err, protocol.ErrDNSResolutionFailed) {
		t.Fatalf("Expected ErrDNSResolutionFailed, but got %v", err)
	}
}

func TestPreferredPrefix_GlobalIsRandom(t *testing.T) {
	s := NewSynthesizer(nil, nil)
	s.intn = func(n int) int { return n - 1 }
	if idx := s.PreferredPrefix(geo.RegionGlobal); idx != len(DefaultPrefixes)-1 {
		t.Errorf("Expected random pick %d, but got %d", len(DefaultPrefixes)-1, idx)
	}
	if idx := s.PreferredPrefix(geo.RegionAsia); idx != 0 {
		t.Errorf("Expected Asia to prefer prefix 0, but got %d", idx)
	}
}

func TestCandidates_CoversEveryPrefixPreferredFirst(t *testing.T) {
	s := NewSynthesizer(nil, nil)
	got, err := s.Candidates(context.Background(), "192.0.2.10", geo.RegionEU)
	if err != nil {
		t.Fatalf("Candidates() returned an error: %v", err)
	}
	if len(got) != len(DefaultPrefixes) {
		t.Fatalf("Expected %d candidates, but got %d", len(DefaultPrefixes), len(got))
	}
	if got[0] != "[2001:67c:2b0::c000:20a]" {
		t.Errorf("Expected EU prefix first, but got '%s'", got[0])
	}
	seen := map[string]bool{}
	for _, c := range got {
		seen[c] = true
	}
	if len(seen) != len(DefaultPrefixes) {
		t.Errorf("Expected distinct candidates, but got %v", got)
	}
}

// blockingResolver holds every lookup until release is closed.
type blockingResolver struct {
	once    sync.Once
	started chan struct{}
	release chan struct{}

	mu     sync.Mutex
	ctxErr error
}

func (b *blockingResolver) LookupA(ctx context.Context, name string) ([]net.IP, error) {
	b.once.Do(func() { close(b.started) })
	<-b.release
	b.mu.Lock()
	if err := ctx.Err(); err != nil {
		b.ctxErr = err
	}
	b.mu.Unlock()
	return []net.IP{net.ParseIP("192.0.2.10")}, nil
}

func TestResolveIPv4_SharedLookupOutlivesFirstCaller(t *testing.T) {
	r := &blockingResolver{started: make(chan struct{}), release: make(chan struct{})}
	s := NewSynthesizer(nil, r)

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := s.ResolveIPv4(firstCtx, "example.com")
		firstErr <- err
	}()
	<-r.started

	type result struct {
		ip  string
		err error
	}
	second := make(chan result, 1)
	go func() {
		ip, err := s.ResolveIPv4(context.Background(), "example.com")
		second <- result{ip, err}
	}()

	cancelFirst()
	if err := <-firstErr; !errors.Is(err, protocol.ErrDNSResolutionFailed) {
		t.Errorf("Expected the cancelled caller to get ErrDNSResolutionFailed, but got %v", err)
	}
	close(r.release)

	res := <-second
	if res.err != nil {
		t.Fatalf("Expected the second caller to succeed, but got %v", res.err)
	}
	if res.ip != "192.0.2.10" {
		t.Errorf("Expected '192.0.2.10', but got '%s'", res.ip)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ctxErr != nil {
		t.Errorf("Expected the shared lookup context to stay live, but got %v", r.ctxErr)
	}
}
