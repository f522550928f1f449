package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/ini.v1"

	"liuproxy_edge/internal/shared/types"
)

// DefaultDoHEndpoints are queried in order for NAT64 resolution and UDP/53.
var DefaultDoHEndpoints = []string{
	"https://1.1.1.1/dns-query",
	"https://8.8.8.8/dns-query",
}

// LoadIni 加载 edge.ini, 应用默认值与环境变量覆盖, 然后校验。
func LoadIni(cfg *types.Config, fileName string) error {
	iniFile, err := ini.Load(fileName)
	if err != nil {
		return err
	}
	if err := iniFile.MapTo(cfg); err != nil {
		return err
	}
	// bool 零值与显式 false 无法区分, 这两个开关只在 key 缺失时默认开启
	setBool(iniFile.Section("relay"), "prewarm", &cfg.RelayConf.Prewarm, true)
	setBool(iniFile.Section("nat64"), "enabled", &cfg.NAT64Conf.Enabled, true)
	ApplyDefaults(cfg)
	overrideFromEnvInt(&cfg.ServerConf.ListenPort, "EDGE_LISTEN_PORT")
	overrideFromEnvList(&cfg.AuthConf.UUIDs, "EDGE_UUIDS")
	overrideFromEnvList(&cfg.AuthConf.TrojanPasswords, "EDGE_TROJAN_PASSWORDS")
	overrideFromEnvString(&cfg.RelayConf.Host, "EDGE_RELAY_HOST")
	return Validate(cfg)
}

// ApplyDefaults fills every unset value.
func ApplyDefaults(cfg *types.Config) {
	setInt(&cfg.CommonConf.BufferSize, 32*1024)

	setString(&cfg.ServerConf.ListenAddr, "0.0.0.0")
	setInt(&cfg.ServerConf.ListenPort, 8080)
	setString(&cfg.ServerConf.TrojanPath, "trojan")
	setInt(&cfg.ServerConf.HandshakeTimeout, 10)

	setString(&cfg.LogConf.Level, "info")

	setInt(&cfg.RelayConf.Port, 443)
	setString(&cfg.RelayConf.Fingerprint, "chrome")
	setString(&cfg.RelayConf.UserAgent, "liuproxy-edge/1.0")
	setInt(&cfg.RelayConf.PoolSize, 50)
	setInt(&cfg.RelayConf.ConnectionTTL, 30)
	setInt(&cfg.RelayConf.HealthInterval, 60)
	setInt(&cfg.RelayConf.HealthTimeout, 5)
	setInt(&cfg.RelayConf.ResponseTimeout, 10)

	if len(cfg.NAT64Conf.DoHEndpoints) == 0 {
		cfg.NAT64Conf.DoHEndpoints = append([]string(nil), DefaultDoHEndpoints...)
	}
	setString(&cfg.NAT64Conf.CountryHeader, "CF-IPCountry")

	if len(cfg.DNSConf.UDPEndpoints) == 0 {
		cfg.DNSConf.UDPEndpoints = []string{DefaultDoHEndpoints[0]}
	}
	setInt(&cfg.DNSConf.Timeout, 5)

	setInt(&cfg.OutboundConf.DialTimeout, 10)
}

// Validate rejects configurations the relay cannot serve.
func Validate(cfg *types.Config) error {
	if len(cfg.AuthConf.UUIDs) == 0 && len(cfg.AuthConf.TrojanPasswords) == 0 {
		return fmt.Errorf("[auth] no uuids or trojan_passwords configured")
	}
	for _, id := range cfg.AuthConf.UUIDs {
		if _, err := uuid.Parse(strings.TrimSpace(id)); err != nil {
			return fmt.Errorf("[auth] invalid uuid %q: %w", id, err)
		}
	}
	if cfg.ServerConf.ListenPort <= 0 || cfg.ServerConf.ListenPort > 65535 {
		return fmt.Errorf("[server] invalid listen_port %d", cfg.ServerConf.ListenPort)
	}
	if cfg.RelayConf.Port <= 0 || cfg.RelayConf.Port > 65535 {
		return fmt.Errorf("[relay] invalid port %d", cfg.RelayConf.Port)
	}
	for _, p := range cfg.NAT64Conf.Prefixes {
		if !strings.HasSuffix(p, "::") || net.ParseIP(p) == nil {
			return fmt.Errorf("[nat64] prefix %q must be an IPv6 prefix ending in '::'", p)
		}
	}
	for _, c := range cfg.OutboundConf.RestrictedCIDRs {
		if _, _, err := net.ParseCIDR(strings.TrimSpace(c)); err != nil {
			return fmt.Errorf("[outbound] invalid restricted cidr %q: %w", c, err)
		}
	}
	for _, list := range [][]string{cfg.NAT64Conf.DoHEndpoints, cfg.DNSConf.UDPEndpoints} {
		for _, e := range list {
			u, err := url.Parse(e)
			if err != nil || u.Scheme != "https" || u.Host == "" {
				return fmt.Errorf("doh endpoint %q must be an https url", e)
			}
		}
	}
	return nil
}

func setInt(target *int, def int) {
	if *target <= 0 {
		*target = def
	}
}

func setString(target *string, def string) {
	if *target == "" {
		*target = def
	}
}

func setBool(sec *ini.Section, key string, target *bool, def bool) {
	if !sec.HasKey(key) {
		*target = def
	}
}

func overrideFromEnvInt(target *int, envName string) {
	envValue := os.Getenv(envName)
	if envValue != "" {
		if intValue, err := strconv.Atoi(envValue); err == nil {
			*target = intValue
		}
	}
}

func overrideFromEnvString(target *string, envName string) {
	if v := os.Getenv(envName); v != "" {
		*target = v
	}
}

func overrideFromEnvList(target *[]string, envName string) {
	v := os.Getenv(envName)
	if v == "" {
		return
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	*target = out
}
