package protocol

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Variant selects the wire format handled by a Codec.
type Variant uint8

const (
	VariantVLESS Variant = iota + 1
	VariantTrojan
)

func (v Variant) String() string {
	switch v {
	case VariantVLESS:
		return "vless"
	case VariantTrojan:
		return "trojan"
	default:
		return "unknown(" + strconv.Itoa(int(v)) + ")"
	}
}

// ParseVariant accepts "vless" or "trojan" in any case.
func ParseVariant(s string) (Variant, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "vless":
		return VariantVLESS, nil
	case "trojan":
		return VariantTrojan, nil
	}
	return 0, fmt.Errorf("unknown protocol variant %q", s)
}

// Command is the requested tunnel operation, normalized across variants.
type Command byte

const (
	CommandTCP Command = 1
	CommandUDP Command = 2
)

func (c Command) String() string {
	switch c {
	case CommandTCP:
		return "tcp"
	case CommandUDP:
		return "udp"
	}
	return "cmd(" + strconv.Itoa(int(c)) + ")"
}

// AddressKind is the decoded address family, independent of wire numbering.
type AddressKind uint8

const (
	AddressIPv4 AddressKind = iota + 1
	AddressDomain
	AddressIPv6
)

func (k AddressKind) String() string {
	switch k {
	case AddressIPv4:
		return "ipv4"
	case AddressDomain:
		return "domain"
	case AddressIPv6:
		return "ipv6"
	}
	return "unknown"
}

// TunnelHeader is the decoded request header of one session. It is never
// modified after Decode returns it.
type TunnelHeader struct {
	Variant Variant
	// Version is only meaningful for VLESS; it is echoed in the response header.
	Version     byte
	Command     Command
	AddressKind AddressKind
	Address     string
	Port        uint16
	// PayloadOffset is the index of the first byte after the header in the
	// decoded buffer.
	PayloadOffset int
	// Credential is the canonical credential form (VLESS UUID). Empty for Trojan.
	Credential string
}

// Target returns "host:port", bracketing IPv6 literals.
func (h *TunnelHeader) Target() string {
	return net.JoinHostPort(h.Address, strconv.Itoa(int(h.Port)))
}

// Payload returns the bytes following the header in buf.
func (h *TunnelHeader) Payload(buf []byte) []byte {
	if h.PayloadOffset >= len(buf) {
		return nil
	}
	return buf[h.PayloadOffset:]
}

// ResponseHeader returns the bytes prefixed once onto the first downstream
// chunk. Trojan has no response header.
func (h *TunnelHeader) ResponseHeader() []byte {
	if h.Variant == VariantVLESS {
		return []byte{h.Version, 0}
	}
	return nil
}
