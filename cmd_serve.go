package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/die-net/liveproxy/internal/candidate"
	"github.com/die-net/liveproxy/internal/config"
	"github.com/die-net/liveproxy/internal/dialer"
	"github.com/die-net/liveproxy/internal/logger"
	"github.com/die-net/liveproxy/internal/pool"
	"github.com/die-net/liveproxy/internal/rotator"
	"github.com/die-net/liveproxy/internal/socks5"
	"github.com/die-net/liveproxy/internal/validator"
)

func addServeFlags(fs *pflag.FlagSet, cfg *config.Config) {
	s := &cfg.Serve
	fs.StringVar(&s.HTTPListen, "http-listen", s.HTTPListen, "HTTP proxy listen address (e.g. 127.0.0.1:8080). Empty disables.")
	fs.StringVar(&s.SOCKS5Listen, "socks5-listen", s.SOCKS5Listen, "SOCKS5 proxy listen address (e.g. 127.0.0.1:1080). Empty disables.")
	fs.StringVar(&s.SOCKS5User, "socks5-user", s.SOCKS5User, "Username SOCKS5 clients must present; empty allows unauthenticated clients")
	fs.StringVar(&s.SOCKS5Password, "socks5-password", s.SOCKS5Password, "Password SOCKS5 clients must present")
	fs.IntVarP(&s.Threshold, "rotate-every", "r", s.Threshold, "Requests served by one upstream before rotating to the next")
	fs.IntVar(&s.MaxRetries, "max-retries", s.MaxRetries, "Additional upstreams tried for one request after a failure")
	fs.BoolVar(&s.NoTest, "no-test", s.NoTest, "Serve the input list as is, without validating it")
	fs.DurationVar(&s.RevalidateInterval, "revalidate-interval", s.RevalidateInterval, "Re-read and revalidate the input this often; 0 only on SIGHUP")
	fs.DurationVar(&s.ShutdownGrace, "shutdown-grace", s.ShutdownGrace, "Time in-flight requests and tunnels get to finish on shutdown")
	fs.DurationVar(&s.DialTimeout, "dial-timeout", s.DialTimeout, "Timeout for TCP connect to an upstream")
	fs.DurationVar(&s.NegotiationTimeout, "negotiation-timeout", s.NegotiationTimeout, "Timeout for the handshake with an upstream")
	fs.DurationVar(&s.IdleTimeout, "idle-timeout", s.IdleTimeout, "Close tunnels that move no data for this long")
	fs.Int64Var(&s.MaxBodyBytes, "max-body-bytes", s.MaxBodyBytes, "Largest plain HTTP request body buffered for retries")
	fs.StringVar(&s.TCPKeepAlive, "tcp-keepalive", s.TCPKeepAlive, "TCP keepalive: on|off|keepidle:keepintvl:keepcnt")
}

func runServe(args []string) error {
	cfg, err := loadConfig("serve", args, addServeFlags)
	if err != nil {
		return err
	}
	if cfg.Serve.HTTPListen == "" && cfg.Serve.SOCKS5Listen == "" {
		return errors.New("no listeners enabled (set at least one of --http-listen, --socks5-listen)")
	}
	ka, err := parseTCPKeepAlive(cfg.Serve.TCPKeepAlive)
	if err != nil {
		return fmt.Errorf("invalid --tcp-keepalive: %w", err)
	}

	l := logger.WithComponent("serve")
	raiseOpenFileLimit(l)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ld, err := newLoader(cfg.Check, cfg.Serve.NoTest, l)
	if err != nil {
		return err
	}
	store := pool.NewStore()
	if err := ld.load(ctx, store); err != nil {
		return err
	}
	if store.Len() == 0 {
		if cfg.Serve.RevalidateInterval == 0 {
			return errors.New("no live proxies to serve")
		}
		l.Warn().Dur("retry_in", cfg.Serve.RevalidateInterval).Msg("no live proxies yet; requests fail until the next cycle")
	}

	srv := rotator.NewServer(store, rotator.Config{
		Threshold:  cfg.Serve.Threshold,
		MaxRetries: cfg.Serve.MaxRetries,
		Dialer: dialer.Config{
			DialTimeout:        cfg.Serve.DialTimeout,
			NegotiationTimeout: cfg.Serve.NegotiationTimeout,
			KeepAlive:          ka,
		},
		MaxBodyBytes: cfg.Serve.MaxBodyBytes,
		IdleTimeout:  cfg.Serve.IdleTimeout,
		SOCKS5Auth:   socks5.Auth{Username: cfg.Serve.SOCKS5User, Password: cfg.Serve.SOCKS5Password},
	})

	g, gctx := errgroup.WithContext(ctx)

	if cfg.Serve.HTTPListen != "" {
		ln, err := rotator.ListenTCP(ctx, "tcp", cfg.Serve.HTTPListen, ka)
		if err != nil {
			return fmt.Errorf("http listen: %w", err)
		}
		g.Go(func() error {
			if err := srv.Serve(ln); err != nil {
				return fmt.Errorf("http proxy serve: %w", err)
			}
			return nil
		})
		l.Info().Str("addr", ln.Addr().String()).Msg("http proxy listening")
	}

	if cfg.Serve.SOCKS5Listen != "" {
		ln, err := rotator.ListenTCP(ctx, "tcp", cfg.Serve.SOCKS5Listen, ka)
		if err != nil {
			return fmt.Errorf("socks5 listen: %w", err)
		}
		g.Go(func() error {
			if err := srv.ServeSOCKS5(ln); err != nil {
				return fmt.Errorf("socks5 serve: %w", err)
			}
			return nil
		})
		l.Info().Str("addr", ln.Addr().String()).Msg("socks5 proxy listening")
	}

	g.Go(func() error {
		ld.schedule(gctx, store, cfg.Serve.RevalidateInterval)
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		l.Info().Dur("grace", cfg.Serve.ShutdownGrace).Msg("shutting down")

		sctx, cancel := context.WithTimeout(context.Background(), cfg.Serve.ShutdownGrace)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	})

	err = g.Wait()
	st := srv.State().Stats()
	l.Info().Uint64("admitted", st.Admitted).Uint64("failovers", st.Failovers).Msg("stopped")
	return err
}

// loader fills the store from the input, validating it unless noTest.
type loader struct {
	check config.Check
	v     *validator.Validator
	log   zerolog.Logger
}

func newLoader(c config.Check, noTest bool, l zerolog.Logger) (*loader, error) {
	ld := &loader{check: c, log: l}
	if noTest {
		return ld, nil
	}
	v, err := newValidator(c)
	if err != nil {
		return nil, err
	}
	ld.v = v
	return ld, nil
}

func (ld *loader) load(ctx context.Context, store *pool.Store) error {
	var vs []pool.Verified
	if ld.v == nil {
		proto, err := ld.check.ProtocolValue()
		if err != nil {
			return err
		}
		cands, err := readCandidates(ld.log, ld.check.Input, proto)
		if err != nil {
			return err
		}
		vs = unverified(cands)
	} else {
		rep, err := runCycle(ctx, ld.log, ld.v, ld.check)
		if err != nil {
			return err
		}
		vs = rep.Verified
	}

	version := store.Refresh(vs)
	ld.log.Info().Uint64("version", version).Int("upstreams", store.Len()).Msg("upstreams refreshed")
	return nil
}

// unverified wraps candidates served without validation, keeping input order.
func unverified(cands []candidate.Candidate) []pool.Verified {
	vs := make([]pool.Verified, len(cands))
	for i, c := range cands {
		vs[i] = pool.Verified{Candidate: c}
	}
	return vs
}

// schedule reloads the store every interval, when positive, and on SIGHUP
// until ctx is done. A failed reload keeps the current upstreams.
func (ld *loader) schedule(ctx context.Context, store *pool.Store, interval time.Duration) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	var tick <-chan time.Time
	if interval > 0 {
		t := time.NewTicker(interval)
		defer t.Stop()
		tick = t.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-tick:
		case <-hup:
			ld.log.Info().Msg("SIGHUP received, reloading")
		}

		if err := ld.load(ctx, store); err != nil {
			if ctx.Err() != nil {
				return
			}
			ld.log.Error().Err(err).Msg("reload failed, keeping current upstreams")
		}
	}
}
