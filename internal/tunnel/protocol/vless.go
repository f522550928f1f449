package protocol

import (
	"fmt"

	"github.com/google/uuid"
	"golang.org/x/crypto/cryptobyte"
)

// MinVLESSHeaderLen is the shortest buffer that can hold a VLESS request.
const MinVLESSHeaderLen = 24

// MaxHeaderLen bounds any request header: a VLESS header with a full addon
// block and a 255-byte domain. Trojan headers are shorter.
const MaxHeaderLen = 1 + 16 + 1 + 255 + 1 + 2 + 1 + 1 + 255

const (
	vlessCommandTCP = byte(0x01)
	vlessCommandUDP = byte(0x02)
)

// decodeVLESS 解析 VLESS 请求头:
// version(1) | uuid(16) | optLen(1) | opt(N) | cmd(1) | port(2) | atyp(1) | addr
func (c *Codec) decodeVLESS(buf []byte) (*TunnelHeader, error) {
	if len(buf) < MinVLESSHeaderLen {
		return nil, fmt.Errorf("vless header too short (%d bytes): %w", len(buf), ErrInvalidHeader)
	}
	s := cryptobyte.String(buf)
	h := &TunnelHeader{Variant: VariantVLESS}

	var id []byte
	if !s.ReadUint8(&h.Version) || !s.ReadBytes(&id, 16) {
		return nil, ErrInvalidHeader
	}
	uid, err := uuid.FromBytes(id)
	if err != nil {
		return nil, fmt.Errorf("vless uuid: %w", ErrInvalidHeader)
	}
	h.Credential = uid.String()
	if c.credentials == nil || !c.credentials.IsValidCredential(h.Credential) {
		return nil, ErrInvalidUser
	}

	var optLen, cmd uint8
	if !s.ReadUint8(&optLen) || !s.Skip(int(optLen)) || !s.ReadUint8(&cmd) {
		return nil, fmt.Errorf("truncated vless options: %w", ErrInvalidHeader)
	}
	switch cmd {
	case vlessCommandTCP:
		h.Command = CommandTCP
	case vlessCommandUDP:
		h.Command = CommandUDP
	default:
		return nil, &CommandError{Command: cmd}
	}

	var tag uint8
	if !s.ReadUint16(&h.Port) || !s.ReadUint8(&tag) {
		return nil, fmt.Errorf("truncated vless target: %w", ErrInvalidHeader)
	}
	h.AddressKind, h.Address, err = readAddress(&s, VariantVLESS, tag)
	if err != nil {
		return nil, err
	}

	h.PayloadOffset = len(buf) - len(s)
	return h, nil
}

// EncodeVLESSRequest 编码 VLESS 请求头并追加 payload。
func EncodeVLESSRequest(version byte, userUUID string, command Command, host string, port uint16, payload []byte) ([]byte, error) {
	uid, err := uuid.Parse(userUUID)
	if err != nil {
		return nil, fmt.Errorf("invalid vless uuid: %w", err)
	}

	b := cryptobyte.NewBuilder(nil)
	b.AddUint8(version)
	b.AddBytes(uid[:])
	b.AddUint8(0) // no addons
	b.AddUint8(byte(command))
	b.AddUint16(port)
	if err := addAddress(b, VariantVLESS, host); err != nil {
		return nil, err
	}
	b.AddBytes(payload)
	return b.Bytes()
}
