package dialer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"

	"github.com/die-net/liveproxy/internal/proxyerr"
	"github.com/die-net/liveproxy/internal/socks5"
)

// SOCKS4ProxyDialer dials through a SOCKS4 proxy. SOCKS4 carries only IPv4
// destinations, so hostnames are resolved locally first.
type SOCKS4ProxyDialer struct {
	cfg       Config
	proxyAddr string
	resolver  Resolver
	direct    ContextDialer
}

func NewSOCKS4ProxyDialer(cfg Config, proxyAddr string) *SOCKS4ProxyDialer {
	r := cfg.Resolver
	if r == nil {
		r = SystemResolver{}
	}
	return &SOCKS4ProxyDialer{
		cfg:       cfg,
		proxyAddr: proxyAddr,
		resolver:  r,
		direct:    NewDirectDialer(cfg),
	}
}

func (d *SOCKS4ProxyDialer) ProxyAddr() string {
	return d.proxyAddr
}

func (d *SOCKS4ProxyDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	if network != "tcp" && network != "tcp4" {
		return nil, proxyerr.LocalError("socks4 proxy dial", address, fmt.Errorf("unsupported network %s", network))
	}

	host, portStr, err := net.SplitHostPort(address)
	if err != nil {
		return nil, proxyerr.LocalError("socks4 proxy dial", address, err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return nil, proxyerr.LocalError("socks4 proxy dial", address, errors.New("invalid port"))
	}

	ip := net.ParseIP(host).To4()
	if ip == nil {
		ip, err = d.resolver.LookupIPv4(ctx, host)
		if err != nil {
			return nil, proxyerr.LocalError("socks4 resolve", host, err)
		}
	}

	c, err := d.direct.DialContext(ctx, "tcp", d.proxyAddr)
	if err != nil {
		return nil, err
	}

	err = negotiate(ctx, c, d.cfg.NegotiationTimeout, func() error {
		return socks5.Connect4(c, ip, uint16(port), "")
	})
	if err != nil {
		_ = c.Close()
		return nil, handshakeError("socks4 connect", d.proxyAddr, err)
	}
	return c, nil
}
