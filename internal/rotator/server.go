// Package rotator serves verified proxies behind one stable forward-proxy
// endpoint.
//
// Every client request is admitted through a State, relayed through the
// upstream it was assigned and, if that upstream fails to connect or
// handshake, retried on the next one. The HTTP front accepts CONNECT and
// absolute-URI requests; an optional SOCKS5 front accepts CONNECT.
package rotator

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/die-net/liveproxy/internal/candidate"
	"github.com/die-net/liveproxy/internal/dialer"
	"github.com/die-net/liveproxy/internal/logger"
	"github.com/die-net/liveproxy/internal/pool"
	"github.com/die-net/liveproxy/internal/proxyerr"
	"github.com/die-net/liveproxy/internal/socks5"
)

const (
	DefaultThreshold     = 20
	DefaultMaxRetries    = 3
	DefaultMaxBodyBytes  = 8 << 20
	DefaultShutdownGrace = 5 * time.Second
	DefaultIdleTimeout   = 5 * time.Minute
)

type Config struct {
	// Threshold is the number of requests an upstream serves before the
	// next one takes over.
	Threshold int
	// MaxRetries is the number of additional upstreams tried for one client
	// request after the first fails.
	MaxRetries int
	// Dialer configures upstream connections.
	Dialer dialer.Config
	// MaxBodyBytes bounds the plain HTTP request body buffered for replay.
	MaxBodyBytes int64
	// IdleTimeout ends a tunnel that moves no data for this long.
	IdleTimeout time.Duration
	// HTTPIdleTimeout closes idle client keep-alive connections.
	HTTPIdleTimeout time.Duration
	// SOCKS5Auth, when it has a username, is required from SOCKS5 clients.
	SOCKS5Auth socks5.Auth
}

func (c Config) withDefaults() Config {
	if c.Threshold <= 0 {
		c.Threshold = DefaultThreshold
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.Dialer.DialTimeout <= 0 {
		c.Dialer.DialTimeout = 10 * time.Second
	}
	if c.Dialer.NegotiationTimeout <= 0 {
		c.Dialer.NegotiationTimeout = 10 * time.Second
	}
	if c.HTTPIdleTimeout <= 0 {
		c.HTTPIdleTimeout = 90 * time.Second
	}
	return c
}

// upstream holds the connection machinery for one verified proxy.
type upstream struct {
	dialer    dialer.ProxyDialer
	transport *http.Transport
}

type Server struct {
	cfg   Config
	store *pool.Store
	state *State
	log   zerolog.Logger

	// relayCtx is cancelled when the shutdown grace period ends.
	relayCtx    context.Context
	cancelRelay context.CancelFunc

	httpSrv *http.Server

	mu        sync.Mutex
	closing   bool
	listeners map[net.Listener]struct{}
	tunnels   sync.WaitGroup
	upVersion uint64
	upstreams map[candidate.Key]*upstream
}

// NewServer returns a server relaying through the proxies in store. The
// store may be refreshed at any time; the server follows it.
func NewServer(store *pool.Store, cfg Config) *Server {
	cfg = cfg.withDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:         cfg,
		store:       store,
		state:       NewState(store, cfg.Threshold),
		log:         logger.WithComponent("rotator"),
		relayCtx:    ctx,
		cancelRelay: cancel,
		listeners:   make(map[net.Listener]struct{}),
		upstreams:   make(map[candidate.Key]*upstream),
	}
	s.httpSrv = &http.Server{
		Handler:           http.HandlerFunc(s.handle),
		ReadHeaderTimeout: cfg.Dialer.NegotiationTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		BaseContext: func(net.Listener) context.Context {
			return s.relayCtx
		},
	}
	return s
}

// State exposes the rotation state, mainly for stats.
func (s *Server) State() *State {
	return s.state
}

// Serve serves the HTTP forward proxy on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	err := s.httpSrv.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting connections and waits for in-flight requests and
// tunnels to finish. When ctx is done first, remaining relays are cut.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	for ln := range s.listeners {
		_ = ln.Close()
	}
	s.mu.Unlock()

	err := s.httpSrv.Shutdown(ctx)
	if err != nil {
		s.cancelRelay()
		_ = s.httpSrv.Close()
	}

	done := make(chan struct{})
	go func() {
		s.tunnels.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn().Msg("grace period over, closing remaining tunnels")
		s.cancelRelay()
		<-done
		if err == nil {
			err = ctx.Err()
		}
	}
	s.cancelRelay()

	s.mu.Lock()
	for _, up := range s.upstreams {
		up.transport.CloseIdleConnections()
	}
	s.mu.Unlock()
	return err
}

// track registers a tunnel so Shutdown waits for it. It fails once Shutdown
// has begun.
func (s *Server) track() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.tunnels.Add(1)
	return true
}

func (s *Server) trackListener(ln net.Listener) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.listeners[ln] = struct{}{}
	return true
}

func (s *Server) untrackListener(ln net.Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.listeners, ln)
}

// upstreamFor returns the dialer and transport for the lease's upstream,
// dropping those of proxies that left the store.
func (s *Server) upstreamFor(l Lease) (*upstream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if l.version > s.upVersion {
		s.pruneLocked()
		s.upVersion = l.version
	}

	key := l.Upstream.Key()
	if up, ok := s.upstreams[key]; ok {
		return up, nil
	}

	d, err := dialer.New(s.cfg.Dialer, l.Upstream.Candidate)
	if err != nil {
		return nil, err
	}
	up := &upstream{dialer: d, transport: newTransport(s.cfg, d)}
	s.upstreams[key] = up
	return up, nil
}

func (s *Server) pruneLocked() {
	_, live := s.store.Snapshot()
	keep := make(map[candidate.Key]struct{}, len(live))
	for _, v := range live {
		keep[v.Key()] = struct{}{}
	}
	for k, up := range s.upstreams {
		if _, ok := keep[k]; !ok {
			up.transport.CloseIdleConnections()
			delete(s.upstreams, k)
		}
	}
}

// attempt is called with each admitted upstream until it succeeds, fails
// with an error that another upstream would not fix, or the retry budget is
// spent.
type attempt func(ctx context.Context, lease Lease, up *upstream) error

// withFailover runs fn against up to 1+MaxRetries upstreams.
//
// Only failures of the upstream itself (connect, handshake, round trip) are
// retried, and they degrade it. Local errors return at once and leave the
// upstream alone. A destination the upstream reports as unreachable is
// returned to the client without a retry and counts as a strike against
// the upstream. A cancelled ctx does neither.
func (s *Server) withFailover(ctx context.Context, l zerolog.Logger, target string, fn attempt) error {
	var lastErr error
	for try := 0; try <= s.cfg.MaxRetries; try++ {
		lease, err := s.state.Acquire()
		if err != nil {
			if lastErr != nil {
				err = fmt.Errorf("%w (last upstream error: %v)", err, lastErr)
			}
			l.Error().Err(err).Str("target", target).Msg("no upstream available")
			return err
		}

		up, err := s.upstreamFor(lease)
		if err == nil {
			err = fn(ctx, lease, up)
		}
		if err == nil {
			s.state.Succeed(lease)
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		switch proxyerr.KindOf(err) {
		case proxyerr.Local:
			l.Debug().Err(err).Str("target", target).Msg("request failed before reaching an upstream")
			return err
		case proxyerr.DestinationUnreachable:
			if s.state.Strike(lease) {
				l.Warn().
					Stringer("upstream", lease.Upstream.Candidate).
					Str("target", target).
					Err(err).
					Msg("upstream keeps refusing destinations, degrading")
			} else {
				l.Debug().Err(err).Str("target", target).Msg("destination unreachable")
			}
			return err
		}

		lastErr = err
		if s.state.Fail(lease) {
			l.Warn().
				Stringer("upstream", lease.Upstream.Candidate).
				Str("kind", proxyerr.KindOf(err).String()).
				Str("target", target).
				Err(err).
				Msg("upstream failed, failing over")
		}
	}
	return fmt.Errorf("%d upstreams failed: %w", s.cfg.MaxRetries+1, lastErr)
}
