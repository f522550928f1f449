package protocol

import (
	"crypto/sha256"
	"crypto/subtle"
	"fmt"

	"golang.org/x/crypto/cryptobyte"
)

const trojanCommandConnect = byte(0x01)

// TrojanDigest returns the raw SHA-224 digest of password.
func TrojanDigest(password string) [sha256.Size224]byte {
	return sha256.Sum224([]byte(password))
}

// authenticate compares the leading digest against every configured secret.
// Each comparison is constant time and all of them run.
func (c *Codec) authenticate(digest []byte) bool {
	match := 0
	for i := range c.digests {
		match |= subtle.ConstantTimeCompare(digest, c.digests[i][:])
	}
	return match == 1
}

// decodeTrojan 解析 Trojan 请求头:
// digest(28) | CRLF | cmd(1) | atyp(1) | addr | port(2) | CRLF | payload
func (c *Codec) decodeTrojan(buf []byte) (*TunnelHeader, error) {
	s := cryptobyte.String(buf)
	var digest []byte
	if !s.ReadBytes(&digest, sha256.Size224) || !c.authenticate(digest) {
		return nil, ErrAuthenticationFailed
	}
	if !readCRLF(&s) {
		return nil, ErrMalformedHeader
	}

	var cmd, tag uint8
	if !s.ReadUint8(&cmd) {
		return nil, fmt.Errorf("missing trojan command: %w", ErrMalformedHeader)
	}
	if cmd != trojanCommandConnect {
		return nil, &CommandError{Command: cmd}
	}
	if !s.ReadUint8(&tag) {
		return nil, fmt.Errorf("missing trojan address type: %w", ErrMalformedHeader)
	}

	h := &TunnelHeader{Variant: VariantTrojan, Command: CommandTCP}
	var err error
	h.AddressKind, h.Address, err = readAddress(&s, VariantTrojan, tag)
	if err != nil {
		return nil, err
	}
	if !s.ReadUint16(&h.Port) {
		return nil, fmt.Errorf("missing trojan port: %w", ErrMalformedHeader)
	}
	if !readCRLF(&s) {
		return nil, ErrMalformedHeader
	}

	h.PayloadOffset = len(buf) - len(s)
	return h, nil
}

func readCRLF(s *cryptobyte.String) bool {
	var crlf []byte
	return s.ReadBytes(&crlf, 2) && crlf[0] == '\r' && crlf[1] == '\n'
}

// EncodeTrojanRequest 编码 Trojan CONNECT 请求头并追加 payload。
func EncodeTrojanRequest(password, host string, port uint16, payload []byte) ([]byte, error) {
	digest := TrojanDigest(password)

	b := cryptobyte.NewBuilder(nil)
	b.AddBytes(digest[:])
	b.AddBytes([]byte("\r\n"))
	b.AddUint8(trojanCommandConnect)
	if err := addAddress(b, VariantTrojan, host); err != nil {
		return nil, err
	}
	b.AddUint16(port)
	b.AddBytes([]byte("\r\n"))
	b.AddBytes(payload)
	return b.Bytes()
}
