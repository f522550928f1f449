package protocol

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"
)

const testUUID = "b831381d-6324-4d53-ad4f-8cda48b30811"

// mockValidator records how often it was consulted.
type mockValidator struct {
	valid map[string]bool
	calls int
}

func (m *mockValidator) IsValidCredential(canonical string) bool {
	m.calls++
	return m.valid[canonical]
}

func newMockValidator() *mockValidator {
	return &mockValidator{valid: map[string]bool{testUUID: true}}
}

func TestDecodeVLESS_RoundTrip(t *testing.T) {
	cases := []struct {
		name    string
		host    string
		kind    AddressKind
		command Command
	}{
		{"ipv4", "192.0.2.10", AddressIPv4, CommandTCP},
		{"domain", "example.com", AddressDomain, CommandTCP},
		{"ipv6", "2001:db8:0:0:0:0:0:1", AddressIPv6, CommandTCP},
		{"ipv4-mapped ipv6", "0:0:0:0:0:ffff:102:304", AddressIPv6, CommandTCP},
		{"udp", "8.8.8.8", AddressIPv4, CommandUDP},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			payload := []byte("GET / HTTP/1.1\r\n")
			wire, err := EncodeVLESSRequest(0, testUUID, tc.command, tc.host, 443, payload)
			if err != nil {
				t.Fatalf("EncodeVLESSRequest() returned an error: %v", err)
			}

			h, err := NewVLESSCodec(newMockValidator()).Decode(wire)
			if err != nil {
				t.Fatalf("Decode() returned an error: %v", err)
			}
			if h.AddressKind != tc.kind {
				t.Errorf("Expected address kind %s, but got %s", tc.kind, h.AddressKind)
			}
			if h.Address != tc.host {
				t.Errorf("Expected address '%s', but got '%s'", tc.host, h.Address)
			}
			if h.Port != 443 || h.Command != tc.command {
				t.Errorf("Expected port 443 and command %s, but got %d and %s", tc.command, h.Port, h.Command)
			}
			if !bytes.Equal(h.Payload(wire), payload) {
				t.Errorf("Expected payload %q, but got %q", payload, h.Payload(wire))
			}

			again, err := EncodeVLESSRequest(h.Version, h.Credential, h.Command, h.Address, h.Port, nil)
			if err != nil {
				t.Fatalf("re-encode returned an error: %v", err)
			}
			if !bytes.Equal(again, wire[:h.PayloadOffset]) {
				t.Errorf("Expected re-encoded header %x, but got %x", wire[:h.PayloadOffset], again)
			}
		})
	}
}

func TestDecodeVLESS_MappedIPv6KeepsWireForm(t *testing.T) {
	id := uuid.MustParse(testUUID)
	wire := []byte{0}
	wire = append(wire, id[:]...)
	wire = append(wire, 0, 1, 0x01, 0xbb, 3)
	wire = append(wire, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0xff, 0xff, 1, 2, 3, 4)

	h, err := NewVLESSCodec(newMockValidator()).Decode(wire)
	if err != nil {
		t.Fatalf("Decode() returned an error: %v", err)
	}
	if h.AddressKind != AddressIPv6 {
		t.Errorf("Expected address kind ipv6, but got %s", h.AddressKind)
	}

	again, err := EncodeVLESSRequest(h.Version, h.Credential, h.Command, h.Address, h.Port, nil)
	if err != nil {
		t.Fatalf("re-encode returned an error: %v", err)
	}
	if !bytes.Equal(again, wire) {
		t.Errorf("Expected re-encoded header %x, but got %x", wire, again)
	}
}

func TestDecodeVLESS_ShortBufferSkipsCredentialCheck(t *testing.T) {
	v := newMockValidator()
	codec := NewVLESSCodec(v)
	for n := 0; n < MinVLESSHeaderLen; n++ {
		_, err := codec.Decode(make([]byte, n))
		if !errors.Is(err, ErrInvalidHeader) {
			t.Fatalf("Expected ErrInvalidHeader for %d bytes, but got %v", n, err)
		}
	}
	if v.calls != 0 {
		t.Errorf("Expected no credential checks, but got %d", v.calls)
	}
}

func TestDecodeVLESS_InvalidUser(t *testing.T) {
	wire, _ := EncodeVLESSRequest(0, "00000000-0000-4000-8000-000000000000", CommandTCP, "example.com", 80, nil)
	if _, err := NewVLESSCodec(newMockValidator()).Decode(wire); !errors.Is(err, ErrInvalidUser) {
		t.Fatalf("Expected ErrInvalidUser, but got %v", err)
	}
}

func TestDecodeVLESS_CredentialCheckedBeforeCommand(t *testing.T) {
	wire, _ := EncodeVLESSRequest(0, "00000000-0000-4000-8000-000000000000", CommandTCP, "example.com", 80, nil)
	wire[18] = 0x07
	if _, err := NewVLESSCodec(newMockValidator()).Decode(wire); !errors.Is(err, ErrInvalidUser) {
		t.Fatalf("Expected ErrInvalidUser before command parsing, but got %v", err)
	}
}

func TestDecodeVLESS_UnsupportedCommand(t *testing.T) {
	wire, _ := EncodeVLESSRequest(0, testUUID, CommandTCP, "example.com", 80, nil)
	wire[18] = 0x03 // mux

	_, err := NewVLESSCodec(newMockValidator()).Decode(wire)
	if !errors.Is(err, ErrUnsupportedCommand) {
		t.Fatalf("Expected ErrUnsupportedCommand, but got %v", err)
	}
	if !strings.Contains(err.Error(), "3") {
		t.Errorf("Expected error message to contain the command value, but got '%s'", err)
	}
}

func TestDecodeVLESS_InvalidAddressType(t *testing.T) {
	wire, _ := EncodeVLESSRequest(0, testUUID, CommandTCP, "example.com", 80, nil)
	wire[21] = 0x09
	if _, err := NewVLESSCodec(newMockValidator()).Decode(wire); !errors.Is(err, ErrInvalidAddressType) {
		t.Fatalf("Expected ErrInvalidAddressType, but got %v", err)
	}
}

func TestDecodeVLESS_EmptyDomain(t *testing.T) {
	wire, _ := EncodeVLESSRequest(0, testUUID, CommandTCP, "a", 80, []byte("xyz"))
	wire[22] = 0 // domain length
	if _, err := NewVLESSCodec(newMockValidator()).Decode(wire); !errors.Is(err, ErrEmptyAddress) {
		t.Fatalf("Expected ErrEmptyAddress, but got %v", err)
	}
}

func TestDecodeVLESS_SkipsOptions(t *testing.T) {
	wire, _ := EncodeVLESSRequest(0, testUUID, CommandTCP, "example.com", 8443, []byte("hi"))
	withOpts := append([]byte{}, wire[:17]...)
	withOpts = append(withOpts, 3, 0xaa, 0xbb, 0xcc)
	withOpts = append(withOpts, wire[18:]...)

	h, err := NewVLESSCodec(newMockValidator()).Decode(withOpts)
	if err != nil {
		t.Fatalf("Decode() returned an error: %v", err)
	}
	if h.Target() != "example.com:8443" {
		t.Errorf("Expected target 'example.com:8443', but got '%s'", h.Target())
	}
	if string(h.Payload(withOpts)) != "hi" {
		t.Errorf("Expected payload 'hi', but got '%s'", h.Payload(withOpts))
	}
}

func TestDecodeVLESS_TruncatedOptions(t *testing.T) {
	wire, _ := EncodeVLESSRequest(0, testUUID, CommandTCP, "example.com", 80, nil)
	wire[17] = 200
	if _, err := NewVLESSCodec(newMockValidator()).Decode(wire); !errors.Is(err, ErrInvalidHeader) {
		t.Fatalf("Expected ErrInvalidHeader, but got %v", err)
	}
}

func TestResponseHeader(t *testing.T) {
	h := &TunnelHeader{Variant: VariantVLESS, Version: 7}
	if !bytes.Equal(h.ResponseHeader(), []byte{7, 0}) {
		t.Errorf("Expected VLESS response header [7 0], but got %v", h.ResponseHeader())
	}
	h = &TunnelHeader{Variant: VariantTrojan}
	if h.ResponseHeader() != nil {
		t.Errorf("Expected no Trojan response header, but got %v", h.ResponseHeader())
	}
}

func TestDecodeTrojan_Valid(t *testing.T) {
	cases := []struct {
		host string
		kind AddressKind
	}{
		{"192.0.2.10", AddressIPv4},
		{"example.com", AddressDomain},
		{"2001:db8:0:0:0:0:0:1", AddressIPv6},
	}
	codec := NewTrojanCodec("other", "secret")
	for _, tc := range cases {
		wire, err := EncodeTrojanRequest("secret", tc.host, 443, []byte("payload"))
		if err != nil {
			t.Fatalf("EncodeTrojanRequest() returned an error: %v", err)
		}
		h, err := codec.Decode(wire)
		if err != nil {
			t.Fatalf("Decode(%s) returned an error: %v", tc.host, err)
		}
		if h.AddressKind != tc.kind || h.Address != tc.host || h.Port != 443 {
			t.Errorf("Expected %s %s:443, but got %s %s:%d", tc.kind, tc.host, h.AddressKind, h.Address, h.Port)
		}
		if string(h.Payload(wire)) != "payload" {
			t.Errorf("Expected payload 'payload', but got '%s'", h.Payload(wire))
		}
	}
}

func TestDecodeTrojan_EmptyPayload(t *testing.T) {
	wire, _ := EncodeTrojanRequest("secret", "example.com", 80, nil)
	h, err := NewTrojanCodec("secret").Decode(wire)
	if err != nil {
		t.Fatalf("Decode() returned an error: %v", err)
	}
	if h.PayloadOffset != len(wire) || len(h.Payload(wire)) != 0 {
		t.Errorf("Expected empty payload at offset %d, but got offset %d", len(wire), h.PayloadOffset)
	}
}

func TestDecodeTrojan_LastDigestByteDiffers(t *testing.T) {
	wire, _ := EncodeTrojanRequest("secret", "example.com", 80, nil)
	wire[27] ^= 0x01
	if _, err := NewTrojanCodec("secret").Decode(wire); !errors.Is(err, ErrAuthenticationFailed) {
		t.Fatalf("Expected ErrAuthenticationFailed, but got %v", err)
	}
}

func TestDecodeTrojan_ShortDigest(t *testing.T) {
	digest := TrojanDigest("secret")
	if _, err := NewTrojanCodec("secret").Decode(digest[:27]); !errors.Is(err, ErrAuthenticationFailed) {
		t.Fatalf("Expected ErrAuthenticationFailed, but got %v", err)
	}
}

func TestDecodeTrojan_MissingCRLF(t *testing.T) {
	wire, _ := EncodeTrojanRequest("secret", "example.com", 80, nil)
	wire[28] = 'x'
	if _, err := NewTrojanCodec("secret").Decode(wire); !errors.Is(err, ErrMalformedHeader) {
		t.Fatalf("Expected ErrMalformedHeader, but got %v", err)
	}

	wire, _ = EncodeTrojanRequest("secret", "example.com", 80, nil)
	if _, err := NewTrojanCodec("secret").Decode(wire[:len(wire)-2]); !errors.Is(err, ErrMalformedHeader) {
		t.Fatalf("Expected ErrMalformedHeader for missing trailing CRLF, but got %v", err)
	}
}

func TestDecodeTrojan_UnsupportedCommand(t *testing.T) {
	wire, _ := EncodeTrojanRequest("secret", "example.com", 53, nil)
	wire[30] = 0x03 // udp associate
	_, err := NewTrojanCodec("secret").Decode(wire)
	var cmdErr *CommandError
	if !errors.As(err, &cmdErr) || cmdErr.Command != 3 {
		t.Fatalf("Expected CommandError{3}, but got %v", err)
	}
}

func TestIsRecoverable(t *testing.T) {
	if !IsRecoverable(ErrTunnelEstablishFailed) || !IsRecoverable(ErrDNSResolutionFailed) {
		t.Error("Expected tunnel and dns errors to be recoverable")
	}
	if IsRecoverable(ErrInvalidUser) || IsRecoverable(ErrNoRouteAvailable) || IsRecoverable(nil) {
		t.Error("Expected header and exhaustion errors to be fatal")
	}
}

func TestCredentialStore_Canonicalizes(t *testing.T) {
	s, err := NewCredentialStore([]string{" B831381D-6324-4D53-AD4F-8CDA48B30811 ", ""})
	if err != nil {
		t.Fatalf("NewCredentialStore() returned an error: %v", err)
	}
	if !s.IsValidCredential(testUUID) {
		t.Errorf("Expected canonical form '%s' to be valid", testUUID)
	}
	if s.Len() != 1 {
		t.Errorf("Expected 1 credential, but got %d", s.Len())
	}
	if _, err := NewCredentialStore([]string{"not-a-uuid"}); err == nil {
		t.Error("Expected an error for a malformed UUID")
	}
}
