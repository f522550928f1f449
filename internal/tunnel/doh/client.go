package doh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/miekg/dns"
	"github.com/rs/zerolog"
	"golang.org/x/net/http2"

	"liuproxy_edge/internal/shared/logger"
)

// MediaType is the RFC 8484 content type for wire format DNS messages.
const MediaType = "application/dns-message"

const maxMessageSize = 65535

// ErrNoAnswer is returned by LookupA when the response has no A record.
var ErrNoAnswer = errors.New("no A record in response")

// DialContextFunc matches net.Dialer.DialContext.
type DialContextFunc func(ctx context.Context, network, address string) (net.Conn, error)

// Client sends DNS queries as HTTPS POST bodies. Endpoints are tried in order.
type Client struct {
	endpoints  []string
	httpClient *http.Client
	logger     zerolog.Logger
}

// NewClient builds a client over an HTTP/2 capable transport. dial may be nil.
func NewClient(endpoints []string, timeout time.Duration, dial DialContextFunc) (*Client, error) {
	if len(endpoints) == 0 {
		return nil, errors.New("doh: no endpoints configured")
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	transport := &http.Transport{
		ForceAttemptHTTP2:   true,
		MaxIdleConnsPerHost: 4,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: timeout,
	}
	if dial != nil {
		transport.DialContext = dial
	}
	if err := http2.ConfigureTransport(transport); err != nil {
		return nil, fmt.Errorf("doh: configure http2 transport: %w", err)
	}

	return &Client{
		endpoints: append([]string(nil), endpoints...),
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   timeout,
		},
		logger: logger.WithComponent("DoH"),
	}, nil
}

// Exchange posts a wire format query and returns the wire format answer from
// the first endpoint that responds successfully.
func (c *Client) Exchange(ctx context.Context, query []byte) ([]byte, error) {
	var lastErr error
	for _, endpoint := range c.endpoints {
		resp, err := c.post(ctx, endpoint, query)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		c.logger.Debug().Err(err).Str("endpoint", endpoint).Msg("DoH exchange failed, trying next endpoint.")
		if ctx.Err() != nil {
			break
		}
	}
	return nil, lastErr
}

func (c *Client) post(ctx context.Context, endpoint string, query []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(query))
	if err != nil {
		return nil, fmt.Errorf("doh: build request: %w", err)
	}
	req.Header.Set("Content-Type", MediaType)
	req.Header.Set("Accept", MediaType)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("doh: %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("doh: %s: unexpected status code: %d", endpoint, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxMessageSize))
	if err != nil {
		return nil, fmt.Errorf("doh: %s: read body: %w", endpoint, err)
	}
	return body, nil
}

// LookupA resolves the IPv4 addresses of name.
func (c *Client) LookupA(ctx context.Context, name string) ([]net.IP, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(name), dns.TypeA)
	msg.Id = 0
	query, err := msg.Pack()
	if err != nil {
		return nil, fmt.Errorf("doh: pack query for %s: %w", name, err)
	}

	raw, err := c.Exchange(ctx, query)
	if err != nil {
		return nil, err
	}

	answer := new(dns.Msg)
	if err := answer.Unpack(raw); err != nil {
		return nil, fmt.Errorf("doh: unpack answer for %s: %w", name, err)
	}
	if answer.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("doh: %s: rcode %s", name, dns.RcodeToString[answer.Rcode])
	}

	var ips []net.IP
	for _, rr := range answer.Answer {
		if a, ok := rr.(*dns.A); ok {
			ips = append(ips, a.A)
		}
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("doh: %s: %w", name, ErrNoAnswer)
	}
	return ips, nil
}
