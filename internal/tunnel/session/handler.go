package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"liuproxy_edge/internal/shared/geo"
	"liuproxy_edge/internal/shared/logger"
	"liuproxy_edge/internal/tunnel/connector"
	"liuproxy_edge/internal/tunnel/protocol"
	"liuproxy_edge/internal/tunnel/relay"
)

// Inbound is an upgraded client stream that can report why it was closed.
// *shared.WebSocketConnAdapter implements it.
type Inbound interface {
	net.Conn
	CloseWithCode(code int, reason string) error
}

// Event is published once per session when the outbound phase ends.
type Event struct {
	Timestamp time.Time `json:"timestamp"`
	SessionID string    `json:"session_id"`
	ClientIP  string    `json:"client_ip"`
	Protocol  string    `json:"protocol"`
	Command   string    `json:"command,omitempty"`
	Target    string    `json:"target,omitempty"`
	Strategy  string    `json:"strategy,omitempty"`
	Outcome   string    `json:"outcome"`
	Error     string    `json:"error,omitempty"`
}

// EventSink receives session events. Publish must not block.
type EventSink interface {
	Publish(e Event)
}

// Config wires a Handler.
type Config struct {
	VLESS *protocol.Codec
	// Trojan is nil when no Trojan password is configured.
	Trojan           *protocol.Codec
	Connector        *connector.Connector
	DNS              relay.Exchanger
	DNSTimeout       time.Duration
	BufferSize       int
	HandshakeTimeout time.Duration
	Events           EventSink
}

// Options are decided by the transport layer for one session.
type Options struct {
	Variant protocol.Variant
	// Relay overrides the configured relay host when non-nil.
	Relay      connector.RelayAcquirer
	ForceRelay bool
	Region     geo.Region
}

// Handler runs tunnel sessions.
type Handler struct {
	cfg     Config
	metrics Metrics
	logger  zerolog.Logger
}

func NewHandler(cfg Config) *Handler {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 32 * 1024
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	return &Handler{
		cfg:    cfg,
		logger: logger.WithComponent("Session"),
	}
}

// Metrics returns the live counters.
func (h *Handler) Metrics() *Metrics { return &h.metrics }

// HandleTunnelUpgrade owns inbound until the session ends and always closes
// it. earlyData, when present, is treated as the first inbound read.
func (h *Handler) HandleTunnelUpgrade(ctx context.Context, inbound Inbound, earlyData []byte, opts Options) {
	h.metrics.active.Add(1)
	h.metrics.total.Add(1)
	defer h.metrics.active.Add(-1)

	if opts.Variant == 0 {
		opts.Variant = protocol.VariantVLESS
	}
	s := &tunnelSession{
		h:       h,
		id:      uuid.NewString()[:8],
		inbound: inbound,
		opts:    opts,
	}
	s.logger = h.logger.With().
		Str("session_id", s.id).
		Str("protocol", opts.Variant.String()).
		Str("remote_addr", remoteIP(inbound)).
		Logger()

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Interface("panic", r).Bytes("stack", debug.Stack()).Msg("Session panicked.")
			h.metrics.failed.Add(1)
			inbound.CloseWithCode(websocket.CloseInternalServerErr, "internal error")
		}
	}()

	// 进程退出时关闭入站, 阻塞中的读写随之返回
	stop := context.AfterFunc(ctx, func() {
		inbound.CloseWithCode(websocket.CloseGoingAway, "shutting down")
	})
	defer stop()

	err := s.run(ctx, earlyData)
	code, reason := closeCode(err)
	if err != nil {
		h.metrics.failed.Add(1)
	}
	inbound.CloseWithCode(code, reason)
}

type tunnelSession struct {
	h       *Handler
	id      string
	inbound Inbound
	opts    Options
	header  *protocol.TunnelHeader
	logger  zerolog.Logger
}

func (s *tunnelSession) run(ctx context.Context, earlyData []byte) error {
	first, err := s.firstFrame(earlyData)
	if err != nil {
		s.logger.Debug().Err(err).Msg("Inbound closed before the header arrived.")
		return fmt.Errorf("%w: %v", protocol.ErrInvalidHeader, err)
	}

	codec := s.h.cfg.VLESS
	if s.opts.Variant == protocol.VariantTrojan {
		codec = s.h.cfg.Trojan
	}
	if codec == nil {
		s.logger.Warn().Msg("Protocol is not enabled.")
		return protocol.ErrAuthenticationFailed
	}

	hdr, err := codec.Decode(first)
	if err != nil {
		s.logger.Warn().Err(err).Int("frame_len", len(first)).Msg("Header rejected.")
		s.publish(nil, "", "rejected", err)
		return err
	}
	s.header = hdr
	s.logger = s.logger.With().Str("target", hdr.Target()).Str("command", hdr.Command.String()).Logger()
	payload := hdr.Payload(first)

	if hdr.Command == protocol.CommandUDP {
		return s.runUDP(ctx, payload)
	}
	return s.runTCP(ctx, payload)
}

// firstFrame returns earlyData or the first inbound read, bounded by the
// handshake timeout.
func (s *tunnelSession) firstFrame(earlyData []byte) ([]byte, error) {
	if len(earlyData) > 0 {
		return earlyData, nil
	}
	_ = s.inbound.SetReadDeadline(time.Now().Add(s.h.cfg.HandshakeTimeout))
	defer s.inbound.SetReadDeadline(time.Time{})

	buf := make([]byte, s.h.cfg.BufferSize)
	n, err := s.inbound.Read(buf)
	if n > 0 {
		return buf[:n], nil
	}
	if err == nil {
		err = errors.New("empty first frame")
	}
	return nil, err
}

func (s *tunnelSession) runTCP(ctx context.Context, payload []byte) error {
	c := s.h.cfg.Connector
	target := connector.NewTarget(s.header, c.Classifier())
	l := s.logger

	outbound, chain, err := c.Connect(ctx, connector.Request{
		Target:     target,
		Payload:    payload,
		Region:     s.opts.Region,
		Relay:      s.opts.Relay,
		ForceRelay: s.opts.ForceRelay,
		Logger:     &l,
	})
	if err != nil {
		s.logger.Error().Err(err).Int("attempts", len(chain.Attempts())).Msg("No outbound route.")
		s.publish(chain, target.String(), "failed", err)
		return err
	}
	s.logger.Info().Str("class", target.Classification.String()).Str("strategy", lastStrategy(chain)).Msg("Outbound established.")

	r := &relay.Bidirectional{
		Inbound:    s.inbound,
		Header:     s.header.ResponseHeader(),
		Failover:   chain,
		Uplink:     &s.h.metrics.uplink,
		Downlink:   &s.h.metrics.downlink,
		BufferSize: s.h.cfg.BufferSize,
		Logger:     s.logger,
	}
	err = r.Run(ctx, outbound)

	outcome := "closed"
	if err != nil {
		outcome = "failed"
	}
	s.publish(chain, target.String(), outcome, err)
	s.logger.Info().Err(err).Str("strategy", lastStrategy(chain)).Int64("delivered", r.Delivered()).
		Int("attempts", len(chain.Attempts())).Msg("Session finished.")
	return err
}

func (s *tunnelSession) runUDP(ctx context.Context, payload []byte) error {
	if err := relay.CheckUDPTarget(s.header.Port); err != nil {
		s.logger.Warn().Err(err).Msg("UDP target rejected.")
		s.publish(nil, s.header.Target(), "rejected", err)
		return err
	}
	if s.h.cfg.DNS == nil {
		return fmt.Errorf("%w: no dns resolver configured", protocol.ErrUnsupportedUDPTarget)
	}

	u := &relay.UDPFrameRelay{
		Inbound:  s.inbound,
		Header:   s.header.ResponseHeader(),
		Resolver: s.h.cfg.DNS,
		Timeout:  s.h.cfg.DNSTimeout,
		Uplink:   &s.h.metrics.uplink,
		Downlink: &s.h.metrics.downlink,
		Logger:   s.logger,
	}
	err := u.Run(ctx, payload)
	s.publish(nil, s.header.Target(), "closed", err)
	s.logger.Debug().Err(err).Msg("DNS session finished.")
	return err
}

func (s *tunnelSession) publish(chain *connector.Chain, target, outcome string, err error) {
	if s.h.cfg.Events == nil {
		return
	}
	e := Event{
		Timestamp: time.Now(),
		SessionID: s.id,
		ClientIP:  remoteIP(s.inbound),
		Protocol:  s.opts.Variant.String(),
		Target:    target,
		Outcome:   outcome,
	}
	if s.header != nil {
		e.Command = s.header.Command.String()
	}
	if chain != nil {
		e.Strategy = lastStrategy(chain)
	}
	if err != nil {
		e.Error = err.Error()
	}
	s.h.cfg.Events.Publish(e)
}

func lastStrategy(chain *connector.Chain) string {
	attempts := chain.Attempts()
	for i := len(attempts) - 1; i >= 0; i-- {
		if attempts[i].Outcome == connector.OutcomeConnected {
			return attempts[i].Strategy.String()
		}
	}
	return ""
}

// closeCode maps the session error onto a WebSocket close code.
func closeCode(err error) (int, string) {
	switch {
	case err == nil:
		return websocket.CloseNormalClosure, ""
	case errors.Is(err, protocol.ErrInvalidUser), errors.Is(err, protocol.ErrAuthenticationFailed):
		return websocket.ClosePolicyViolation, "unauthorized"
	case errors.Is(err, protocol.ErrInvalidHeader), errors.Is(err, protocol.ErrUnsupportedCommand),
		errors.Is(err, protocol.ErrInvalidAddressType), errors.Is(err, protocol.ErrEmptyAddress),
		errors.Is(err, protocol.ErrMalformedHeader):
		return websocket.CloseProtocolError, "invalid header"
	case errors.Is(err, protocol.ErrUnsupportedUDPTarget):
		return websocket.CloseUnsupportedData, "unsupported udp target"
	case errors.Is(err, protocol.ErrNoRouteAvailable):
		return websocket.CloseInternalServerErr, "no route available"
	}
	return websocket.CloseInternalServerErr, "relay error"
}

func remoteIP(c net.Conn) string {
	addr := c.RemoteAddr()
	if addr == nil {
		return ""
	}
	if host, _, err := net.SplitHostPort(addr.String()); err == nil {
		return host
	}
	return addr.String()
}
