package dialer

import (
	"context"
	"net"

	"github.com/die-net/liveproxy/internal/proxyerr"
)

type directDialer struct {
	cfg Config
}

// NewDirectDialer returns a dialer that connects without a proxy.
func NewDirectDialer(cfg Config) ContextDialer {
	return &directDialer{cfg: cfg}
}

func (d *directDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	nd := net.Dialer{Timeout: d.cfg.DialTimeout, KeepAliveConfig: d.cfg.KeepAlive}

	conn, err := nd.DialContext(ctx, network, address)
	if err != nil {
		return nil, proxyerr.Connect("dial "+network, address, err)
	}
	return conn, nil
}
