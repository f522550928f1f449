package relay

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync/atomic"
	"time"

	"github.com/miekg/dns"
	"github.com/rs/zerolog"

	"liuproxy_edge/internal/tunnel/protocol"
)

// DNSPort is the only UDP destination the frame relay serves.
const DNSPort = 53

// Exchanger sends one wire-format DNS message and returns the answer.
// *doh.Client implements it.
type Exchanger interface {
	Exchange(ctx context.Context, query []byte) ([]byte, error)
}

// UDPFrameRelay answers length-prefixed DNS datagrams over DoH.
//
// Inbound and outbound frames are [2-byte big-endian length][datagram].
// Each datagram becomes one DoH query; a failed query drops that datagram
// only.
type UDPFrameRelay struct {
	Inbound  net.Conn
	Header   []byte
	Resolver Exchanger
	Timeout  time.Duration
	Uplink   *atomic.Uint64
	Downlink *atomic.Uint64
	Logger   zerolog.Logger

	headerSent bool
}

// CheckUDPTarget fails with ErrUnsupportedUDPTarget for any port but 53.
func CheckUDPTarget(port uint16) error {
	if port != DNSPort {
		return fmt.Errorf("%w: port %d", protocol.ErrUnsupportedUDPTarget, port)
	}
	return nil
}

// Run processes initial followed by the rest of the inbound stream until the
// inbound side closes.
func (u *UDPFrameRelay) Run(ctx context.Context, initial []byte) error {
	if u.Timeout <= 0 {
		u.Timeout = 5 * time.Second
	}
	r := bufio.NewReader(io.MultiReader(bytes.NewReader(initial), u.Inbound))

	var lenBuf [2]byte
	for {
		if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
			return endOfStream(err)
		}
		size := binary.BigEndian.Uint16(lenBuf[:])
		if size == 0 {
			continue
		}
		query := make([]byte, size)
		if _, err := io.ReadFull(r, query); err != nil {
			return endOfStream(err)
		}
		if u.Uplink != nil {
			u.Uplink.Add(uint64(size) + 2)
		}

		answer, err := u.exchange(ctx, query)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			u.Logger.Warn().Err(err).Str("question", describeQuery(query)).Msg("DoH query failed, dropping datagram.")
			continue
		}
		if err := u.writeFrame(answer); err != nil {
			return err
		}
	}
}

func (u *UDPFrameRelay) exchange(ctx context.Context, query []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, u.Timeout)
	defer cancel()
	answer, err := u.Resolver.Exchange(ctx, query)
	if err != nil {
		return nil, err
	}
	if len(answer) > 0xffff {
		return nil, fmt.Errorf("dns answer too large: %d bytes", len(answer))
	}
	u.Logger.Debug().Str("question", describeQuery(query)).Int("answer_len", len(answer)).Msg("DoH query answered.")
	return answer, nil
}

// writeFrame sends one length-prefixed answer, with the response header
// in front of the very first frame of the session.
func (u *UDPFrameRelay) writeFrame(answer []byte) error {
	frame := make([]byte, 0, len(u.Header)+2+len(answer))
	if !u.headerSent {
		frame = append(frame, u.Header...)
	}
	frame = binary.BigEndian.AppendUint16(frame, uint16(len(answer)))
	frame = append(frame, answer...)

	if _, err := u.Inbound.Write(frame); err != nil {
		return fmt.Errorf("write dns answer: %w", err)
	}
	u.headerSent = true
	if u.Downlink != nil {
		u.Downlink.Add(uint64(len(answer)) + 2)
	}
	return nil
}

func endOfStream(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// describeQuery renders the first question for logs.
func describeQuery(query []byte) string {
	var m dns.Msg
	if err := m.Unpack(query); err != nil || len(m.Question) == 0 {
		return "<unparsable>"
	}
	q := m.Question[0]
	return q.Name + " " + dns.TypeToString[q.Qtype]
}
