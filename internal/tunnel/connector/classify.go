package connector

import (
	"fmt"
	"net"
	"net/netip"
	"strings"

	M "github.com/sagernet/sing/common/metadata"
	"github.com/yl2chen/cidranger"

	"liuproxy_edge/internal/tunnel/protocol"
)

// Classification of an outbound target.
type Classification uint8

const (
	ClassOrdinary Classification = iota
	// ClassRestrictedCDN targets are known to refuse connections coming
	// straight from the edge network, so Direct is never tried for them.
	ClassRestrictedCDN
)

func (c Classification) String() string {
	if c == ClassRestrictedCDN {
		return "restricted-cdn"
	}
	return "ordinary"
}

// DefaultRestrictedDomains are matched exactly and as a parent domain.
var DefaultRestrictedDomains = []string{
	"x.com", "twitter.com",
	"openai.com", "api.openai.com", "chat.openai.com",
	"discord.com", "discordapp.com",
	"github.com", "api.github.com",
	"reddit.com", "www.reddit.com",
	"medium.com",
	"notion.so", "www.notion.so",
	"figma.com", "www.figma.com",
}

// DefaultRestrictedCIDRs are the published Cloudflare IPv4 ranges.
var DefaultRestrictedCIDRs = []string{
	"104.16.0.0/13",
	"104.24.0.0/14",
	"172.64.0.0/13",
	"162.158.0.0/15",
	"141.101.64.0/18",
	"108.162.192.0/18",
	"190.93.240.0/20",
	"188.114.96.0/20",
	"197.234.240.0/22",
	"198.41.128.0/17",
	"173.245.48.0/20",
	"103.21.244.0/22",
	"103.22.200.0/22",
	"103.31.4.0/22",
	"131.0.72.0/22",
}

// Classifier is a static lookup table, built once at startup.
type Classifier struct {
	domains map[string]struct{}
	ranger  cidranger.Ranger
}

// NewClassifier falls back to the default lists when domains or cidrs are empty.
func NewClassifier(domains, cidrs []string) (*Classifier, error) {
	if len(domains) == 0 {
		domains = DefaultRestrictedDomains
	}
	if len(cidrs) == 0 {
		cidrs = DefaultRestrictedCIDRs
	}

	c := &Classifier{
		domains: make(map[string]struct{}, len(domains)),
		ranger:  cidranger.NewPCTrieRanger(),
	}
	for _, d := range domains {
		d = strings.Trim(strings.ToLower(strings.TrimSpace(d)), ".")
		if d != "" {
			c.domains[d] = struct{}{}
		}
	}
	for _, s := range cidrs {
		_, network, err := net.ParseCIDR(strings.TrimSpace(s))
		if err != nil {
			return nil, fmt.Errorf("restricted cidr %q: %w", s, err)
		}
		if err := c.ranger.Insert(cidranger.NewBasicRangerEntry(*network)); err != nil {
			return nil, fmt.Errorf("restricted cidr %q: %w", s, err)
		}
	}
	return c, nil
}

// Classify reports whether host is a known restricted CDN name or address.
func (c *Classifier) Classify(host string) Classification {
	if c == nil {
		return ClassOrdinary
	}
	if ip := net.ParseIP(host); ip != nil {
		if ok, err := c.ranger.Contains(ip); err == nil && ok {
			return ClassRestrictedCDN
		}
		return ClassOrdinary
	}

	name := strings.TrimSuffix(strings.ToLower(host), ".")
	for {
		if _, ok := c.domains[name]; ok {
			return ClassRestrictedCDN
		}
		i := strings.IndexByte(name, '.')
		if i < 0 {
			return ClassOrdinary
		}
		name = name[i+1:]
	}
}

// OutboundTarget is derived once per session from the decoded header.
type OutboundTarget struct {
	Destination    M.Socksaddr
	Classification Classification
}

// NewTarget builds the target for h and classifies it.
func NewTarget(h *protocol.TunnelHeader, c *Classifier) OutboundTarget {
	dest := M.ParseSocksaddrHostPort(h.Address, h.Port)
	return OutboundTarget{
		Destination:    dest,
		Classification: c.Classify(dest.AddrString()),
	}
}

// Host returns the host part without brackets.
func (t OutboundTarget) Host() string { return t.Destination.AddrString() }

// Port returns the destination port.
func (t OutboundTarget) Port() uint16 { return t.Destination.Port }

// String returns host:port.
func (t OutboundTarget) String() string { return t.Destination.String() }

// ipv4 returns the address when the target is an IPv4 literal.
func (t OutboundTarget) ipv4() (netip.Addr, bool) {
	if t.Destination.Addr.Is4() {
		return t.Destination.Addr, true
	}
	return netip.Addr{}, false
}
