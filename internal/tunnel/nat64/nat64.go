package nat64

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"liuproxy_edge/internal/shared/geo"
	"liuproxy_edge/internal/shared/logger"
	"liuproxy_edge/internal/tunnel/protocol"
)

// DefaultPrefixes are well known public NAT64 prefixes, in preference order.
var DefaultPrefixes = []string{
	"64:ff9b::",            // Google Public NAT64
	"2001:67c:2b0::",       // TREX.CZ
	"2001:67c:27e4:1064::", // level66
	"2602:fc59:b0:64::",
}

// LookupTimeout bounds a shared DoH lookup, independent of any one caller.
const LookupTimeout = 10 * time.Second

// Resolver looks up IPv4 addresses for a domain.
type Resolver interface {
	LookupA(ctx context.Context, name string) ([]net.IP, error)
}

// ParseIPv4 splits a dotted quad into octets.
func ParseIPv4(s string) ([4]byte, error) {
	var out [4]byte
	parts := strings.Split(s, ".")
	if len(parts) != 4 {
		return out, fmt.Errorf("%w: %q", protocol.ErrInvalidIPv4, s)
	}
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 || n > 255 {
			return out, fmt.Errorf("%w: %q", protocol.ErrInvalidIPv4, s)
		}
		out[i] = byte(n)
	}
	return out, nil
}

// ConvertToNAT64 embeds ipv4 into the last 32 bits of prefix and returns a
// bracketed literal, e.g. 192.0.2.10 + 64:ff9b:: -> [64:ff9b::c000:20a].
func ConvertToNAT64(ipv4, prefix string) (string, error) {
	o, err := ParseIPv4(ipv4)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("[%s%x:%x]", prefix, uint16(o[0])<<8|uint16(o[1]), uint16(o[2])<<8|uint16(o[3])), nil
}

// looksLikeIPv4 reports whether every label is numeric, so the input is
// treated as a literal (and validated) instead of being resolved.
func looksLikeIPv4(s string) bool {
	if s == "" {
		return false
	}
	for _, label := range strings.Split(s, ".") {
		if label == "" {
			return false
		}
		for _, r := range label {
			if r < '0' || r > '9' {
				return false
			}
		}
	}
	return true
}

// Synthesizer resolves targets over DoH and maps them into NAT64 space.
type Synthesizer struct {
	prefixes []string
	resolver Resolver
	group    singleflight.Group
	intn     func(n int) int
	logger   zerolog.Logger

	lookupTimeout time.Duration
}

// NewSynthesizer uses DefaultPrefixes when prefixes is empty.
func NewSynthesizer(prefixes []string, resolver Resolver) *Synthesizer {
	if len(prefixes) == 0 {
		prefixes = DefaultPrefixes
	}
	return &Synthesizer{
		prefixes: append([]string(nil), prefixes...),
		resolver: resolver,
		intn:     rand.Intn,
		logger:   logger.WithComponent("NAT64"),

		lookupTimeout: LookupTimeout,
	}
}

// Prefixes returns the configured prefix list.
func (s *Synthesizer) Prefixes() []string { return s.prefixes }

// PreferredPrefix picks an index into Prefixes for the client's region.
// Asian clients get the first prefix, European clients the second, everyone
// else a uniform random one.
func (s *Synthesizer) PreferredPrefix(region geo.Region) int {
	switch region {
	case geo.RegionCN, geo.RegionAsia:
		return 0
	case geo.RegionEU:
		if len(s.prefixes) > 1 {
			return 1
		}
		return 0
	}
	return s.intn(len(s.prefixes))
}

// ResolveIPv4 returns the dotted IPv4 for domainOrIPv4, querying DoH for domains.
func (s *Synthesizer) ResolveIPv4(ctx context.Context, domainOrIPv4 string) (string, error) {
	if looksLikeIPv4(domainOrIPv4) {
		if _, err := ParseIPv4(domainOrIPv4); err != nil {
			return "", err
		}
		return domainOrIPv4, nil
	}
	if s.resolver == nil {
		return "", fmt.Errorf("%w: no resolver for %s", protocol.ErrDNSResolutionFailed, domainOrIPv4)
	}

	// 合并的查询被多个调用方共享, 不能随第一个调用方的 ctx 一起取消
	lookupCtx := context.WithoutCancel(ctx)
	ch := s.group.DoChan(domainOrIPv4, func() (interface{}, error) {
		lctx, cancel := context.WithTimeout(lookupCtx, s.lookupTimeout)
		defer cancel()
		ips, err := s.resolver.LookupA(lctx, domainOrIPv4)
		if err != nil {
			return "", err
		}
		return ips[0].String(), nil
	})
	select {
	case <-ctx.Done():
		return "", fmt.Errorf("%w: %s: %v", protocol.ErrDNSResolutionFailed, domainOrIPv4, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return "", fmt.Errorf("%w: %s: %v", protocol.ErrDNSResolutionFailed, domainOrIPv4, res.Err)
		}
		s.logger.Debug().Str("domain", domainOrIPv4).Str("ipv4", res.Val.(string)).Bool("shared", res.Shared).Msg("Resolved for NAT64 synthesis.")
		return res.Val.(string), nil
	}
}

// ResolveAndSynthesize returns one NAT64 literal using the region's preferred prefix.
func (s *Synthesizer) ResolveAndSynthesize(ctx context.Context, domainOrIPv4 string, region geo.Region) (string, error) {
	ipv4, err := s.ResolveIPv4(ctx, domainOrIPv4)
	if err != nil {
		return "", err
	}
	return ConvertToNAT64(ipv4, s.prefixes[s.PreferredPrefix(region)])
}

// Candidates returns a literal for every prefix, starting at the preferred
// one and wrapping around the configured list.
func (s *Synthesizer) Candidates(ctx context.Context, domainOrIPv4 string, region geo.Region) ([]string, error) {
	ipv4, err := s.ResolveIPv4(ctx, domainOrIPv4)
	if err != nil {
		return nil, err
	}
	first := s.PreferredPrefix(region)
	out := make([]string, 0, len(s.prefixes))
	for i := range s.prefixes {
		idx := (first + i) % len(s.prefixes)
		addr, err := ConvertToNAT64(ipv4, s.prefixes[idx])
		if err != nil {
			return nil, err
		}
		out = append(out, addr)
	}
	return out, nil
}
