package relayhost

import (
	"bufio"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/asaskevich/govalidator"

	"liuproxy_edge/internal/tunnel/protocol"
)

const establishedReason = "connection established"

// NewConnectRequest builds the CONNECT request for host:port. The host must be
// a DNS name or an IP literal so it cannot smuggle extra header lines.
func NewConnectRequest(host string, port uint16, userAgent, username, password string) (*http.Request, error) {
	if port == 0 {
		return nil, fmt.Errorf("connect request: invalid port 0")
	}
	if !govalidator.IsIP(host) && !govalidator.IsDNSName(host) {
		return nil, fmt.Errorf("connect request: invalid target host %q", host)
	}
	if strings.ContainsAny(userAgent, "\r\n") {
		return nil, fmt.Errorf("connect request: invalid user agent")
	}

	target := net.JoinHostPort(host, strconv.Itoa(int(port)))
	req := &http.Request{
		Method:     http.MethodConnect,
		URL:        &url.URL{Host: target},
		Host:       target,
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
		Header:     make(http.Header),
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Proxy-Connection", "keep-alive")
	if username != "" {
		auth := username + ":" + password
		req.Header.Set("Proxy-Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(auth)))
	}
	return req, nil
}

// bufferedConn returns bytes the response reader already pulled off the wire
// before reading from the socket again.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(b []byte) (int, error) { return c.r.Read(b) }

// EstablishTunnel writes req on conn and waits at most timeout for a
// "200 Connection established" status line.
func EstablishTunnel(conn net.Conn, req *http.Request, timeout time.Duration) (net.Conn, error) {
	if timeout > 0 {
		if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
			return nil, fmt.Errorf("%w: set deadline: %v", protocol.ErrTunnelEstablishFailed, err)
		}
		defer conn.SetDeadline(time.Time{})
	}

	if err := req.Write(conn); err != nil {
		return nil, fmt.Errorf("%w: write CONNECT: %v", protocol.ErrTunnelEstablishFailed, err)
	}

	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, req)
	if err != nil {
		return nil, fmt.Errorf("%w: read CONNECT response: %v", protocol.ErrTunnelEstablishFailed, err)
	}
	// 不关闭 resp.Body: HTTP/1.0 应答下 Close 会把隧道数据读空

	reason := strings.TrimSpace(strings.TrimPrefix(resp.Status, strconv.Itoa(resp.StatusCode)))
	if resp.StatusCode != http.StatusOK || !strings.EqualFold(reason, establishedReason) {
		return nil, fmt.Errorf("%w: relay answered %q", protocol.ErrTunnelEstablishFailed, resp.Status)
	}

	if br.Buffered() > 0 {
		return &bufferedConn{Conn: conn, r: br}, nil
	}
	return conn, nil
}
