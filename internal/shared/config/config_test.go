package config

import (
	"os"
	"path/filepath"
	"testing"

	"liuproxy_edge/internal/shared/types"
)

func writeIni(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "edge.ini")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("failed to write ini: %v", err)
	}
	return path
}

func TestLoadIni_DefaultsApplied(t *testing.T) {
	path := writeIni(t, `
[auth]
uuids = b831381d-6324-4d53-ad4f-8cda48b30811, 0d4fbbd8-2b57-4a9f-9d51-6b0f6a0a2b1e

[relay]
host = relay.example.com
`)
	cfg := new(types.Config)
	if err := LoadIni(cfg, path); err != nil {
		t.Fatalf("LoadIni() returned an error: %v", err)
	}
	if len(cfg.AuthConf.UUIDs) != 2 {
		t.Errorf("Expected 2 uuids, but got %d", len(cfg.AuthConf.UUIDs))
	}
	if cfg.RelayConf.PoolSize != 50 || cfg.RelayConf.ConnectionTTL != 30 {
		t.Errorf("Expected pool defaults 50/30, but got %d/%d", cfg.RelayConf.PoolSize, cfg.RelayConf.ConnectionTTL)
	}
	if cfg.RelayConf.HealthInterval != 60 || cfg.RelayConf.HealthTimeout != 5 || cfg.RelayConf.ResponseTimeout != 10 {
		t.Errorf("Unexpected health defaults: %+v", cfg.RelayConf)
	}
	if cfg.ServerConf.ListenPort != 8080 {
		t.Errorf("Expected default listen port 8080, but got %d", cfg.ServerConf.ListenPort)
	}
	if len(cfg.DNSConf.UDPEndpoints) != 1 || cfg.DNSConf.UDPEndpoints[0] != "https://1.1.1.1/dns-query" {
		t.Errorf("Unexpected udp endpoints: %v", cfg.DNSConf.UDPEndpoints)
	}
}

func TestLoadIni_BoolSwitches(t *testing.T) {
	tests := []struct {
		name        string
		body        string
		wantPrewarm bool
		wantNAT64   bool
	}{
		{"missing keys default on", "[auth]\ntrojan_passwords = s\n", true, true},
		{"explicit false kept", "[auth]\ntrojan_passwords = s\n[relay]\nprewarm = false\n[nat64]\nenabled = false\n", false, false},
		{"section without key", "[auth]\ntrojan_passwords = s\n[nat64]\ncountry_header = X-Country\n", true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := new(types.Config)
			if err := LoadIni(cfg, writeIni(t, tt.body)); err != nil {
				t.Fatalf("LoadIni() returned an error: %v", err)
			}
			if cfg.RelayConf.Prewarm != tt.wantPrewarm {
				t.Errorf("Expected prewarm %v, but got %v", tt.wantPrewarm, cfg.RelayConf.Prewarm)
			}
			if cfg.NAT64Conf.Enabled != tt.wantNAT64 {
				t.Errorf("Expected nat64 enabled %v, but got %v", tt.wantNAT64, cfg.NAT64Conf.Enabled)
			}
		})
	}
}

func TestLoadIni_EnvOverrides(t *testing.T) {
	path := writeIni(t, "[auth]\ntrojan_passwords = secret\n")
	t.Setenv("EDGE_LISTEN_PORT", "9443")
	t.Setenv("EDGE_RELAY_HOST", "override.example.com")

	cfg := new(types.Config)
	if err := LoadIni(cfg, path); err != nil {
		t.Fatalf("LoadIni() returned an error: %v", err)
	}
	if cfg.ServerConf.ListenPort != 9443 {
		t.Errorf("Expected listen port 9443, but got %d", cfg.ServerConf.ListenPort)
	}
	if cfg.RelayConf.Host != "override.example.com" {
		t.Errorf("Expected relay host override, but got '%s'", cfg.RelayConf.Host)
	}
}

func TestValidate_Rejects(t *testing.T) {
	cases := map[string]string{
		"no credentials": "[server]\nlisten_port = 80\n",
		"bad uuid":       "[auth]\nuuids = nope\n",
		"bad prefix":     "[auth]\ntrojan_passwords = s\n[nat64]\nprefixes = 64:ff9b::1\n",
		"bad cidr":       "[auth]\ntrojan_passwords = s\n[outbound]\nrestricted_cidrs = 10.0.0.0/33\n",
		"http doh":       "[auth]\ntrojan_passwords = s\n[dns]\nudp_endpoints = http://1.1.1.1/dns-query\n",
	}
	for name, body := range cases {
		cfg := new(types.Config)
		if err := LoadIni(cfg, writeIni(t, body)); err == nil {
			t.Errorf("%s: expected a validation error", name)
		}
	}
}
