package types

import "time"

// CommonConf 包含共有的配置
type CommonConf struct {
	MaxConnections int `ini:"max_connections"`
	BufferSize     int `ini:"buffer_size"`
}

// ServerConf 入站监听配置
type ServerConf struct {
	ListenAddr       string `ini:"listen_addr"`
	ListenPort       int    `ini:"listen_port"`
	TrojanPath       string `ini:"trojan_path"`
	ProxyProtocol    bool   `ini:"proxy_protocol"`
	HandshakeTimeout int    `ini:"handshake_timeout"` // 秒, 读取首帧的超时
	WebUser          string `ini:"web_user"`
	WebPassword      string `ini:"web_password"`
}

// LogConf contains logging specific configuration
type LogConf struct {
	Level      string `ini:"level"`
	File       string `ini:"file"`
	MaxSizeMB  int    `ini:"max_size_mb"`
	MaxBackups int    `ini:"max_backups"`
	MaxAgeDays int    `ini:"max_age_days"`
	Compress   bool   `ini:"compress"`
}

// AuthConf 凭据: VLESS UUID 与 Trojan 密码
type AuthConf struct {
	UUIDs           []string `ini:"uuids" delim:","`
	TrojanPasswords []string `ini:"trojan_passwords" delim:","`
}

// RelayConf 中转主机 (ProxyIP) 与连接池配置
type RelayConf struct {
	Host            string `ini:"host"`
	Port            int    `ini:"port"`
	Plain           bool   `ini:"plain"` // 明文连接中转主机, 不做 TLS
	SNI             string `ini:"sni"`
	Fingerprint     string `ini:"fingerprint"` // chrome, firefox, safari, edge, golang
	Insecure        bool   `ini:"insecure"`
	Username        string `ini:"username"`
	Password        string `ini:"password"`
	UserAgent       string `ini:"user_agent"`
	PoolSize        int    `ini:"pool_size"`
	ConnectionTTL   int    `ini:"connection_ttl"`   // 秒
	HealthInterval  int    `ini:"health_interval"`  // 秒
	HealthTimeout   int    `ini:"health_timeout"`   // 秒
	ResponseTimeout int    `ini:"response_timeout"` // 秒
	Prewarm         bool   `ini:"prewarm"`
}

func (c RelayConf) TTL() time.Duration { return seconds(c.ConnectionTTL) }

func (c RelayConf) HealthEvery() time.Duration { return seconds(c.HealthInterval) }

func (c RelayConf) HealthDeadline() time.Duration { return seconds(c.HealthTimeout) }

func (c RelayConf) ResponseDeadline() time.Duration { return seconds(c.ResponseTimeout) }

// NAT64Conf NAT64 合成配置
type NAT64Conf struct {
	Enabled       bool     `ini:"enabled"`
	Prefixes      []string `ini:"prefixes" delim:","`
	DoHEndpoints  []string `ini:"doh_endpoints" delim:","`
	GeoIPDB       string   `ini:"geoip_db"`
	CountryHeader string   `ini:"country_header"`
}

// DNSConf UDP/53 的 DoH 转发配置
type DNSConf struct {
	UDPEndpoints []string `ini:"udp_endpoints" delim:","`
	Timeout      int      `ini:"timeout"` // 秒
}

func (c DNSConf) QueryTimeout() time.Duration { return seconds(c.Timeout) }

// OutboundConf 直连出站配置
type OutboundConf struct {
	DialTimeout       int      `ini:"dial_timeout"` // 秒
	TCPNoDelay        bool     `ini:"tcp_nodelay"`
	TCPFastOpen       bool     `ini:"tcp_fast_open"`
	KeepAliveIdle     int      `ini:"keepalive_idle"`
	KeepAliveInterval int      `ini:"keepalive_interval"`
	Mark              int      `ini:"mark"`
	Interface         string   `ini:"interface"`
	RestrictedDomains []string `ini:"restricted_domains" delim:","`
	RestrictedCIDRs   []string `ini:"restricted_cidrs" delim:","`
	IPv4AliasSuffix   string   `ini:"ipv4_alias_suffix"`
}

func (c OutboundConf) DialDeadline() time.Duration { return seconds(c.DialTimeout) }

// Config 是 edge 的统一配置结构体
type Config struct {
	CommonConf   `ini:"common"`
	ServerConf   `ini:"server"`
	LogConf      `ini:"log"`
	AuthConf     `ini:"auth"`
	RelayConf    `ini:"relay"`
	NAT64Conf    `ini:"nat64"`
	DNSConf      `ini:"dns"`
	OutboundConf `ini:"outbound"`
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }
