package dialer

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/die-net/liveproxy/internal/proxyerr"
)

// HTTPProxyDialer dials outbound TCP connections through an HTTP proxy using
// the CONNECT method. HTTPS candidates are HTTP proxies that accept CONNECT,
// so they share this dialer.
type HTTPProxyDialer struct {
	cfg       Config
	proxyAddr string
	direct    ContextDialer
}

func NewHTTPProxyDialer(cfg Config, proxyAddr string) *HTTPProxyDialer {
	return &HTTPProxyDialer{
		cfg:       cfg,
		proxyAddr: proxyAddr,
		direct:    NewDirectDialer(cfg),
	}
}

func (d *HTTPProxyDialer) ProxyAddr() string {
	return d.proxyAddr
}

// ProxyURL returns the proxy as an http:// URL, suitable for
// http.Transport.Proxy.
func (d *HTTPProxyDialer) ProxyURL() *url.URL {
	return &url.URL{Scheme: "http", Host: d.proxyAddr}
}

// Direct returns the dialer used to reach the proxy itself.
func (d *HTTPProxyDialer) Direct() ContextDialer {
	return d.direct
}

// DialContext connects to the proxy and asks it to CONNECT to address. Any
// 2xx status establishes the tunnel.
func (d *HTTPProxyDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	if !strings.HasPrefix(network, "tcp") {
		return nil, proxyerr.LocalError("http proxy dial", address, fmt.Errorf("unsupported network %s", network))
	}

	c, err := d.direct.DialContext(ctx, network, d.proxyAddr)
	if err != nil {
		return nil, err
	}

	req := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Opaque: address},
		Host:   address,
		Header: make(http.Header),
	}

	var br *bufio.Reader
	err = negotiate(ctx, c, d.cfg.NegotiationTimeout, func() error {
		if err := req.Write(c); err != nil {
			return fmt.Errorf("write: %w", err)
		}
		br = bufio.NewReader(c)
		resp, err := http.ReadResponse(br, req)
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		// The body of a CONNECT response is the tunnel; leave it unread.
		if resp.StatusCode/100 != 2 {
			return &statusError{code: resp.StatusCode, status: resp.Status}
		}
		return nil
	})
	if err != nil {
		_ = c.Close()
		return nil, handshakeError("http connect", d.proxyAddr, err)
	}

	return wrapBuffered(c, br), nil
}
