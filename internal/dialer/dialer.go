package dialer

import (
	"context"
	"fmt"
	"net"

	"github.com/die-net/liveproxy/internal/candidate"
)

// ContextDialer mirrors the net.Dialer DialContext method.
type ContextDialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// ProxyDialer is a ContextDialer bound to one proxy.
type ProxyDialer interface {
	ContextDialer
	ProxyAddr() string
}

// New returns the dialer for c's protocol.
func New(cfg Config, c candidate.Candidate) (ProxyDialer, error) {
	if c.Host == "" || c.Port == 0 {
		return nil, fmt.Errorf("invalid proxy address %q", c.Addr())
	}

	switch c.Protocol {
	case candidate.HTTP, candidate.HTTPS:
		return NewHTTPProxyDialer(cfg, c.Addr()), nil
	case candidate.SOCKS4:
		return NewSOCKS4ProxyDialer(cfg, c.Addr()), nil
	case candidate.SOCKS5:
		return NewSOCKS5ProxyDialer(cfg, c.Addr(), "", ""), nil
	default:
		return nil, fmt.Errorf("unsupported proxy protocol %v", c.Protocol)
	}
}
