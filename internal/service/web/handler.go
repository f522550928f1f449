package web

import (
	"encoding/json"
	"math/rand"
	"net"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"liuproxy_edge/internal/shared"
	"liuproxy_edge/internal/shared/logger"
	"liuproxy_edge/internal/tunnel/connector"
	"liuproxy_edge/internal/tunnel/protocol"
	"liuproxy_edge/internal/tunnel/session"
)

const (
	earlyDataHeader   = "Sec-WebSocket-Protocol"
	defaultBufferSize = 32 * 1024
)

var tunnelUpgrader = websocket.Upgrader{
	ReadBufferSize:  32 * 1024,
	WriteBufferSize: 32 * 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// HandleTunnel upgrades the request and runs one tunnel session on it.
func (s *Server) HandleTunnel(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		http.NotFound(w, r)
		return
	}

	subprotocol := r.Header.Get(earlyDataHeader)
	early, err := earlyData(subprotocol)
	if err != nil {
		logger.Warn().Err(err).Str("remote_addr", r.RemoteAddr).Msg("Rejecting upgrade with undecodable early data.")
		http.Error(w, "Bad early data", http.StatusBadRequest)
		return
	}

	pathOpts, err := session.ParsePath(r.URL.Path, s.cfg.ServerConf.TrojanPath, subprotocol, rand.Intn)
	if err != nil {
		logger.Warn().Err(err).Str("path", r.URL.Path).Msg("Ignoring relay override in path.")
	}
	opts := session.Options{
		Variant: pathOpts.Variant,
		Region:  s.regions.Region(clientIP(r), r.Header),
	}
	if pathOpts.Relay != nil {
		if relay := s.relayFor(pathOpts.Relay); relay != nil {
			opts.Relay = relay
		}
	}

	var respHeader http.Header
	if subprotocol != "" {
		respHeader = http.Header{earlyDataHeader: []string{subprotocol}}
	}
	ws, err := tunnelUpgrader.Upgrade(w, r, respHeader)
	if err != nil {
		// Upgrade has already replied to the client.
		logger.Debug().Err(err).Str("remote_addr", r.RemoteAddr).Msg("WebSocket upgrade failed.")
		return
	}
	ws.SetReadLimit(readLimit(s.cfg.CommonConf.BufferSize))

	s.sessions.HandleTunnelUpgrade(r.Context(), shared.NewWebSocketConnAdapter(ws), early, opts)
}

// readLimit caps one client frame at a relay buffer plus the largest header.
func readLimit(bufferSize int) int64 {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	return int64(bufferSize + protocol.MaxHeaderLen)
}

func (s *Server) relayFor(o *session.RelayOverride) connector.RelayAcquirer {
	if s.registry == nil {
		return nil
	}
	pool, err := s.registry.Get(o.Host, o.Port)
	if err != nil {
		logger.Warn().Err(err).Str("relay", o.Host).Msg("Cannot use relay override.")
		return nil
	}
	return pool
}

// earlyData decodes the 0-RTT payload some clients put in the subprotocol
// header. A protocol name such as "trojan" carries no data.
func earlyData(value string) ([]byte, error) {
	if value == "" || strings.Contains(strings.ToLower(value), "trojan") {
		return nil, nil
	}
	return session.DecodeBase64(value)
}

func clientIP(r *http.Request) net.IP {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return net.ParseIP(host)
}

// HandleStatus 返回服务运行状态
func (s *Server) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.status())
}

// HandleEvents subscribes the caller to the live session feed.
func (s *Server) HandleEvents(w http.ResponseWriter, r *http.Request) {
	ServeWs(s.hub, w, r)
}
