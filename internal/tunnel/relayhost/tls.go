package relayhost

import (
	"context"
	"fmt"
	"net"
	"strings"

	utls "github.com/refraction-networking/utls"
)

var globalSessionCache = utls.NewLRUClientSessionCache(128)

// ClientHelloID maps a configured fingerprint name onto a uTLS preset.
func ClientHelloID(name string) (utls.ClientHelloID, error) {
	switch strings.ToLower(name) {
	case "", "chrome":
		return utls.HelloChrome_Auto, nil
	case "firefox":
		return utls.HelloFirefox_Auto, nil
	case "safari":
		return utls.HelloSafari_Auto, nil
	case "edge":
		return utls.HelloEdge_Auto, nil
	case "ios":
		return utls.HelloIOS_Auto, nil
	case "golang":
		return utls.HelloGolang, nil
	}
	return utls.ClientHelloID{}, fmt.Errorf("unknown tls fingerprint %q", name)
}

// tlsClient performs a fingerprinted handshake over raw. ALPN is pinned to
// http/1.1 because the CONNECT exchange that follows is HTTP/1.1.
func tlsClient(ctx context.Context, raw net.Conn, serverName string, insecure bool, hello utls.ClientHelloID) (net.Conn, error) {
	cfg := &utls.Config{
		ServerName:         serverName,
		InsecureSkipVerify: insecure,
		NextProtos:         []string{"http/1.1"},
		ClientSessionCache: globalSessionCache,
	}

	var uconn *utls.UConn
	if hello == utls.HelloGolang {
		uconn = utls.UClient(raw, cfg, utls.HelloGolang)
	} else {
		spec, err := utls.UTLSIdToSpec(hello)
		if err != nil {
			return nil, fmt.Errorf("build client hello: %w", err)
		}
		for _, ext := range spec.Extensions {
			if alpn, ok := ext.(*utls.ALPNExtension); ok {
				alpn.AlpnProtocols = []string{"http/1.1"}
			}
		}
		uconn = utls.UClient(raw, cfg, utls.HelloCustom)
		if err := uconn.ApplyPreset(&spec); err != nil {
			return nil, fmt.Errorf("apply client hello: %w", err)
		}
	}

	if err := uconn.HandshakeContext(ctx); err != nil {
		return nil, fmt.Errorf("tls handshake with %s: %w", serverName, err)
	}
	return uconn, nil
}
