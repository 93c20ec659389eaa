package dialer

import (
	"context"
	"fmt"
	"net"

	"github.com/die-net/liveproxy/internal/proxyerr"
	"github.com/die-net/liveproxy/internal/socks5"
)

// SOCKS5ProxyDialer dials through a SOCKS5 proxy. Destination hostnames are
// sent to the proxy unresolved.
type SOCKS5ProxyDialer struct {
	cfg       Config
	proxyAddr string
	auth      socks5.Auth
	direct    ContextDialer
}

func NewSOCKS5ProxyDialer(cfg Config, proxyAddr, username, password string) *SOCKS5ProxyDialer {
	return &SOCKS5ProxyDialer{
		cfg:       cfg,
		proxyAddr: proxyAddr,
		auth:      socks5.Auth{Username: username, Password: password},
		direct:    NewDirectDialer(cfg),
	}
}

func (d *SOCKS5ProxyDialer) ProxyAddr() string {
	return d.proxyAddr
}

func (d *SOCKS5ProxyDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	if network != "tcp" && network != "tcp4" && network != "tcp6" {
		return nil, proxyerr.LocalError("socks5 proxy dial", address, fmt.Errorf("unsupported network %s", network))
	}

	c, err := d.direct.DialContext(ctx, "tcp", d.proxyAddr)
	if err != nil {
		return nil, err
	}

	err = negotiate(ctx, c, d.cfg.NegotiationTimeout, func() error {
		return socks5.ClientDial(c, d.auth, address)
	})
	if err != nil {
		_ = c.Close()
		return nil, handshakeError("socks5 connect", d.proxyAddr, err)
	}
	return c, nil
}
