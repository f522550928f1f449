package app

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"liuproxy_edge/internal/service/web"
	"liuproxy_edge/internal/shared/geo"
	"liuproxy_edge/internal/shared/logger"
	"liuproxy_edge/internal/shared/types"
	"liuproxy_edge/internal/sys/netdial"
	"liuproxy_edge/internal/tunnel/connector"
	"liuproxy_edge/internal/tunnel/doh"
	"liuproxy_edge/internal/tunnel/nat64"
	"liuproxy_edge/internal/tunnel/protocol"
	"liuproxy_edge/internal/tunnel/relayhost"
	"liuproxy_edge/internal/tunnel/session"
)

const statusInterval = 2 * time.Second

// AppServer is the application's main struct. It owns every long lived
// component and their shutdown order.
type AppServer struct {
	cfg       *types.Config
	startedAt time.Time

	dialer    *netdial.Dialer
	registry  *relayhost.Registry
	regions   *geo.Classifier
	connector *connector.Connector
	sessions  *session.Handler
	hub       *web.Hub
	server    *web.Server

	cancel    context.CancelFunc
	waitGroup sync.WaitGroup
	stopOnce  sync.Once
}

// New builds the component graph from cfg. Nothing listens until Start.
func New(cfg *types.Config) (*AppServer, error) {
	s := &AppServer{cfg: cfg}

	credentials, err := protocol.NewCredentialStore(cfg.AuthConf.UUIDs)
	if err != nil {
		return nil, fmt.Errorf("load credentials: %w", err)
	}
	vlessCodec := protocol.NewVLESSCodec(credentials)
	var trojanCodec *protocol.Codec
	if len(cfg.AuthConf.TrojanPasswords) > 0 {
		trojanCodec = protocol.NewTrojanCodec(cfg.AuthConf.TrojanPasswords...)
	}

	s.dialer = netdial.New(netdial.OptionsFromConfig(cfg.OutboundConf))

	s.registry, err = relayhost.NewRegistry(
		relayhost.OptionsFromConfig(cfg.RelayConf, cfg.OutboundConf.DialDeadline()),
		s.dialer,
	)
	if err != nil {
		return nil, fmt.Errorf("create relay host pool: %w", err)
	}

	dnsClient, err := doh.NewClient(cfg.DNSConf.UDPEndpoints, cfg.DNSConf.QueryTimeout(), s.dialer.DialContext)
	if err != nil {
		return nil, fmt.Errorf("create dns client: %w", err)
	}

	classifier, err := connector.NewClassifier(cfg.OutboundConf.RestrictedDomains, cfg.OutboundConf.RestrictedCIDRs)
	if err != nil {
		return nil, fmt.Errorf("build restricted target classifier: %w", err)
	}

	opts := connector.Options{
		Dialer:      s.dialer,
		Classifier:  classifier,
		AliasSuffix: cfg.OutboundConf.IPv4AliasSuffix,
		DialTimeout: cfg.OutboundConf.DialDeadline(),
	}
	// 只在配置了中转主机时赋值, 避免接口里装着 nil *Pool
	if def := s.registry.Default(); def != nil {
		opts.Relay = def
	}
	if cfg.NAT64Conf.Enabled {
		resolver, err := doh.NewClient(cfg.NAT64Conf.DoHEndpoints, cfg.DNSConf.QueryTimeout(), s.dialer.DialContext)
		if err != nil {
			return nil, fmt.Errorf("create nat64 resolver: %w", err)
		}
		opts.NAT64 = nat64.NewSynthesizer(cfg.NAT64Conf.Prefixes, resolver)
	}
	s.connector = connector.New(opts)

	s.regions, err = geo.NewClassifier(cfg.NAT64Conf.GeoIPDB, cfg.NAT64Conf.CountryHeader)
	if err != nil {
		return nil, err
	}

	s.hub = web.NewHub()
	s.sessions = session.NewHandler(session.Config{
		VLESS:            vlessCodec,
		Trojan:           trojanCodec,
		Connector:        s.connector,
		DNS:              dnsClient,
		DNSTimeout:       cfg.DNSConf.QueryTimeout(),
		BufferSize:       cfg.CommonConf.BufferSize,
		HandshakeTimeout: time.Duration(cfg.ServerConf.HandshakeTimeout) * time.Second,
		Events:           s.hub,
	})
	s.server = web.NewServer(cfg, s.sessions, s.registry, s.regions, s.hub, s.Status)

	logger.Info().
		Int("uuids", len(cfg.AuthConf.UUIDs)).
		Bool("trojan", trojanCodec != nil).
		Str("relay_host", cfg.RelayConf.Host).
		Bool("nat64", cfg.NAT64Conf.Enabled).
		Msg("Edge components initialized.")
	return s, nil
}

// Start brings up the relay pools, the event hub and the listener.
func (s *AppServer) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)
	s.startedAt = time.Now()

	s.registry.Start()

	s.waitGroup.Add(1)
	go func() {
		defer s.waitGroup.Done()
		s.hub.Run(ctx)
	}()

	s.waitGroup.Add(1)
	go s.statsLoop(ctx)

	if err := s.server.Start(ctx); err != nil {
		s.cancel()
		s.waitGroup.Wait()
		s.registry.DestroyAll()
		return err
	}
	return nil
}

// Run starts the server and blocks until ctx is cancelled.
func (s *AppServer) Run(ctx context.Context) error {
	logger.Info().Msg("Starting edge relay...")
	if err := s.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	s.Stop()
	return nil
}

// Addr returns the listener address after Start.
func (s *AppServer) Addr() net.Addr { return s.server.Addr() }

// Stop gracefully shuts down the server. Safe to call more than once.
func (s *AppServer) Stop() {
	s.stopOnce.Do(func() {
		logger.Info().Msg("Stopping edge relay...")
		if s.cancel != nil {
			s.cancel()
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("Listener shutdown did not complete cleanly.")
		}

		s.waitGroup.Wait()
		s.registry.DestroyAll()
		if err := s.regions.Close(); err != nil {
			logger.Warn().Err(err).Msg("Failed to close GeoIP database.")
		}
		logger.Info().Msg("Edge relay stopped.")
	})
}

// Status assembles the document served by /api/status.
func (s *AppServer) Status() types.ServiceStatus {
	var uptime int64
	if !s.startedAt.IsZero() {
		uptime = int64(time.Since(s.startedAt).Seconds())
	}
	return types.ServiceStatus{
		UptimeSeconds: uptime,
		Sessions:      s.sessions.Metrics().Snapshot(),
		RelayHosts:    s.registry.Statuses(),
	}
}

// statsLoop 定期向事件订阅者推送运行状态
func (s *AppServer) statsLoop(ctx context.Context) {
	defer s.waitGroup.Done()
	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if s.hub.Subscribers() == 0 {
				continue
			}
			s.hub.BroadcastStatus(s.Status())
		case <-ctx.Done():
			return
		}
	}
}
