package dialer

import (
	"context"
	"fmt"
	"net"
)

// Resolver looks up the IPv4 address used for a SOCKS4 destination.
type Resolver interface {
	LookupIPv4(ctx context.Context, host string) (net.IP, error)
}

// SystemResolver uses net.DefaultResolver.
type SystemResolver struct{}

func (SystemResolver) LookupIPv4(ctx context.Context, host string) (net.IP, error) {
	ips, err := net.DefaultResolver.LookupIP(ctx, "ip4", host)
	if err != nil {
		return nil, err
	}
	for _, ip := range ips {
		if ip4 := ip.To4(); ip4 != nil {
			return ip4, nil
		}
	}
	return nil, fmt.Errorf("no IPv4 address for %s", host)
}
