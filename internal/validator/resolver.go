package validator

import (
	"context"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/die-net/liveproxy/internal/dialer"
)

// cycleResolver resolves each SOCKS4 destination once per cycle no matter
// how many candidates ask for it concurrently.
type cycleResolver struct {
	next    dialer.Resolver
	timeout time.Duration
	group   singleflight.Group

	mu   sync.Mutex
	hits map[string]net.IP
}

func newCycleResolver(next dialer.Resolver, timeout time.Duration) *cycleResolver {
	return &cycleResolver{next: next, timeout: timeout, hits: make(map[string]net.IP)}
}

func (r *cycleResolver) LookupIPv4(ctx context.Context, host string) (net.IP, error) {
	r.mu.Lock()
	ip, ok := r.hits[host]
	r.mu.Unlock()
	if ok {
		return ip, nil
	}

	ch := r.group.DoChan(host, func() (any, error) {
		r.mu.Lock()
		ip, ok := r.hits[host]
		r.mu.Unlock()
		if ok {
			return ip, nil
		}

		// Detached from the first caller so its cancellation does not fail
		// everyone waiting on the same lookup.
		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
		defer cancel()

		ip, err := r.next.LookupIPv4(lctx, host)
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		r.hits[host] = ip
		r.mu.Unlock()
		return ip, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(net.IP), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
