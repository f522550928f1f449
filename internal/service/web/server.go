package web

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	proxyproto "github.com/pires/go-proxyproto"

	"liuproxy_edge/internal/shared/geo"
	"liuproxy_edge/internal/shared/logger"
	"liuproxy_edge/internal/shared/types"
	"liuproxy_edge/internal/tunnel/relayhost"
	"liuproxy_edge/internal/tunnel/session"
)

// basicAuthMiddleware 检查 web_user 和 web_password 是否已配置。
// 如果配置了，它将强制执行 HTTP Basic Authentication。
func basicAuthMiddleware(next http.Handler, user, pass string) http.Handler {
	// 如果用户名或密码未设置，则不启用认证，直接返回原始处理器
	if user == "" || pass == "" {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, p, ok := r.BasicAuth()
		if !ok || u != user || p != pass {
			w.Header().Set("WWW-Authenticate", `Basic realm="Restricted"`)
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte("Unauthorized.\n"))
			return
		}
		// 认证成功，继续处理请求
		next.ServeHTTP(w, r)
	})
}

// Server is the public listener: tunnel upgrades on every path, plus the
// status API and the event feed.
type Server struct {
	cfg      *types.Config
	sessions *session.Handler
	registry *relayhost.Registry
	regions  *geo.Classifier
	hub      *Hub
	status   func() types.ServiceStatus

	httpServer *http.Server
	listener   net.Listener
	wg         sync.WaitGroup
}

func NewServer(
	cfg *types.Config,
	sessions *session.Handler,
	registry *relayhost.Registry,
	regions *geo.Classifier,
	hub *Hub,
	status func() types.ServiceStatus,
) *Server {
	s := &Server{
		cfg:      cfg,
		sessions: sessions,
		registry: registry,
		regions:  regions,
		hub:      hub,
		status:   status,
	}
	s.httpServer = &http.Server{
		Handler:           s.Routes(),
		ReadHeaderTimeout: time.Duration(cfg.ServerConf.HandshakeTimeout) * time.Second,
	}
	return s
}

// Routes builds the request multiplexer.
func (s *Server) Routes() http.Handler {
	user, pass := s.cfg.ServerConf.WebUser, s.cfg.ServerConf.WebPassword

	mux := http.NewServeMux()
	mux.Handle("/api/status", basicAuthMiddleware(http.HandlerFunc(s.HandleStatus), user, pass))
	mux.Handle("/api/events", basicAuthMiddleware(http.HandlerFunc(s.HandleEvents), user, pass))
	mux.HandleFunc("/", s.HandleTunnel)
	return mux
}

// Start listens and serves in the background. ctx becomes the parent of
// every session context.
func (s *Server) Start(ctx context.Context) error {
	addr := net.JoinHostPort(s.cfg.ServerConf.ListenAddr, fmt.Sprint(s.cfg.ServerConf.ListenPort))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	if s.cfg.ServerConf.ProxyProtocol {
		listener = &proxyproto.Listener{
			Listener:          listener,
			ReadHeaderTimeout: 5 * time.Second,
		}
	}
	s.listener = listener
	s.httpServer.BaseContext = func(net.Listener) context.Context { return ctx }

	logger.Info().Str("addr", addr).Bool("proxy_protocol", s.cfg.ServerConf.ProxyProtocol).Msg("Edge listener started.")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("Edge listener stopped with error.")
		}
	}()
	return nil
}

// Addr returns the bound address once Start succeeded.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Shutdown stops accepting connections. Hijacked tunnel sessions end when the
// context given to Start is cancelled.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)
	s.wg.Wait()
	return err
}
