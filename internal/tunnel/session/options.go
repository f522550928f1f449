package session

import (
	"encoding/base64"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/asaskevich/govalidator"

	"liuproxy_edge/internal/tunnel/protocol"
)

// RelayOverride is a relay host chosen from the request path.
type RelayOverride struct {
	Host string
	Port int // 0 means the configured relay port
}

// PathOptions are the per-session settings carried in the upgrade request.
type PathOptions struct {
	Variant protocol.Variant
	Relay   *RelayOverride
}

// ParsePath reads the upgrade path:
//
//	/<trojanPath or anything>[/<base64 list of host:port>]
//
// The first segment selects Trojan when it equals trojanPath, or when the
// negotiated subprotocol mentions trojan. The second segment, when it decodes,
// lists relay hosts; pick chooses one index out of n.
func ParsePath(path, trojanPath, subprotocol string, pick func(n int) int) (PathOptions, error) {
	opts := PathOptions{Variant: protocol.VariantVLESS}

	segments := strings.Split(strings.Trim(path, "/"), "/")
	if trojanPath != "" && segments[0] == trojanPath {
		opts.Variant = protocol.VariantTrojan
	}
	if strings.Contains(strings.ToLower(subprotocol), "trojan") {
		opts.Variant = protocol.VariantTrojan
	}
	if len(segments) < 2 || segments[1] == "" {
		return opts, nil
	}

	hosts, err := decodeRelayList(segments[1])
	if err != nil {
		return opts, err
	}
	if len(hosts) == 0 {
		return opts, nil
	}
	opts.Relay = &hosts[pick(len(hosts))]
	return opts, nil
}

func decodeRelayList(segment string) ([]RelayOverride, error) {
	raw, err := DecodeBase64(segment)
	if err != nil {
		return nil, fmt.Errorf("relay list %q: %w", segment, err)
	}

	var out []RelayOverride
	for _, entry := range strings.Split(string(raw), ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		r, err := parseRelayEntry(entry)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

func parseRelayEntry(entry string) (RelayOverride, error) {
	host, portStr, err := net.SplitHostPort(entry)
	if err != nil {
		// 没有端口的主机名或 IPv6 字面量
		host = strings.Trim(entry, "[]")
		if !validHost(host) {
			return RelayOverride{}, fmt.Errorf("invalid relay entry %q", entry)
		}
		return RelayOverride{Host: host}, nil
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 || !validHost(host) {
		return RelayOverride{}, fmt.Errorf("invalid relay entry %q", entry)
	}
	return RelayOverride{Host: host, Port: port}, nil
}

func validHost(host string) bool {
	return govalidator.IsIP(host) || govalidator.IsDNSName(host)
}

// DecodeBase64 accepts standard and URL alphabets, with or without padding.
func DecodeBase64(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	s = strings.NewReplacer("+", "-", "/", "_").Replace(s)
	return base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
}
