package dialer

import (
	"net"
	"time"
)

type Config struct {
	// DialTimeout bounds the TCP connect to the proxy.
	DialTimeout time.Duration
	// NegotiationTimeout bounds the CONNECT handshake once connected.
	NegotiationTimeout time.Duration
	KeepAlive          net.KeepAliveConfig
	// Resolver turns SOCKS4 destination hostnames into IPv4 addresses.
	// Nil uses the system resolver.
	Resolver Resolver
}
