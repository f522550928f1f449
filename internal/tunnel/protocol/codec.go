package protocol

import (
	"crypto/sha256"
	"fmt"
	"net"
	"strconv"
	"strings"

	"golang.org/x/crypto/cryptobyte"
)

// CredentialValidator answers whether a canonical credential belongs to an
// active account. It is called once per session, before any outbound dial.
type CredentialValidator interface {
	IsValidCredential(canonical string) bool
}

// addressTypes maps a variant's wire address tags onto AddressKind.
var addressTypes = map[Variant]map[byte]AddressKind{
	VariantVLESS:  {1: AddressIPv4, 2: AddressDomain, 3: AddressIPv6},
	VariantTrojan: {1: AddressIPv4, 3: AddressDomain, 4: AddressIPv6},
}

// Codec decodes the request header of one protocol variant.
type Codec struct {
	variant     Variant
	credentials CredentialValidator
	digests     [][sha256.Size224]byte
}

// NewVLESSCodec returns a codec that checks VLESS UUIDs against v.
func NewVLESSCodec(v CredentialValidator) *Codec {
	return &Codec{variant: VariantVLESS, credentials: v}
}

// NewTrojanCodec returns a codec that accepts any of the given passwords.
func NewTrojanCodec(passwords ...string) *Codec {
	c := &Codec{variant: VariantTrojan}
	for _, p := range passwords {
		c.digests = append(c.digests, TrojanDigest(p))
	}
	return c
}

// Variant reports the wire format this codec handles.
func (c *Codec) Variant() Variant { return c.variant }

// Decode parses the header at the start of buf.
func (c *Codec) Decode(buf []byte) (*TunnelHeader, error) {
	switch c.variant {
	case VariantVLESS:
		return c.decodeVLESS(buf)
	case VariantTrojan:
		return c.decodeTrojan(buf)
	}
	return nil, fmt.Errorf("decode: %s: %w", c.variant, ErrInvalidHeader)
}

// readAddress reads the address body for the given wire tag. The tag itself
// has already been consumed.
func readAddress(s *cryptobyte.String, variant Variant, tag byte) (AddressKind, string, error) {
	kind, ok := addressTypes[variant][tag]
	if !ok {
		return 0, "", fmt.Errorf("%w: %d", ErrInvalidAddressType, tag)
	}

	var address string
	switch kind {
	case AddressIPv4:
		var raw []byte
		if !s.ReadBytes(&raw, net.IPv4len) {
			return kind, "", fmt.Errorf("truncated ipv4 address: %w", ErrInvalidHeader)
		}
		address = net.IP(raw).String()
	case AddressDomain:
		var name cryptobyte.String
		if !s.ReadUint8LengthPrefixed(&name) {
			return kind, "", fmt.Errorf("truncated domain address: %w", ErrInvalidHeader)
		}
		address = string(name)
	case AddressIPv6:
		var raw []byte
		if !s.ReadBytes(&raw, net.IPv6len) {
			return kind, "", fmt.Errorf("truncated ipv6 address: %w", ErrInvalidHeader)
		}
		address = formatIPv6(raw)
	}

	if address == "" {
		return kind, "", ErrEmptyAddress
	}
	return kind, address, nil
}

// formatIPv6 renders eight colon separated hex groups without zero compression.
func formatIPv6(raw []byte) string {
	groups := make([]string, 0, 8)
	for i := 0; i < net.IPv6len; i += 2 {
		groups = append(groups, strconv.FormatUint(uint64(raw[i])<<8|uint64(raw[i+1]), 16))
	}
	return strings.Join(groups, ":")
}

// addressTag is the inverse of addressTypes.
func addressTag(variant Variant, kind AddressKind) (byte, bool) {
	for tag, k := range addressTypes[variant] {
		if k == kind {
			return tag, true
		}
	}
	return 0, false
}

// addAddress writes tag + address body. The caller handles the port because
// VLESS and Trojan place it on different sides of the address.
func addAddress(b *cryptobyte.Builder, variant Variant, host string) error {
	kind := AddressDomain
	ip := net.ParseIP(host)
	if ip != nil {
		// 含冒号的一律按 IPv6 编码, ::ffff:a.b.c.d 不能降级成 IPv4
		kind = AddressIPv4
		if strings.Contains(host, ":") {
			kind = AddressIPv6
		}
	}
	tag, ok := addressTag(variant, kind)
	if !ok {
		return fmt.Errorf("%w: %s", ErrInvalidAddressType, kind)
	}

	b.AddUint8(tag)
	switch kind {
	case AddressIPv4:
		b.AddBytes(ip.To4())
	case AddressIPv6:
		b.AddBytes(ip.To16())
	default:
		if host == "" {
			return ErrEmptyAddress
		}
		if len(host) > 255 {
			return fmt.Errorf("domain length > 255: %s", host)
		}
		b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {
			b.AddBytes([]byte(host))
		})
	}
	return nil
}
