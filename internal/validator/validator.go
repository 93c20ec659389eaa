// Package validator decides which proxy candidates are live.
//
// A candidate passes only if a TCP probe succeeds and then every required
// check passes: an IP-echo GET per target for HTTP and HTTPS proxies, or a
// CONNECT handshake per destination for SOCKS proxies. Checks run in order
// and stop at the first failure. Candidates are checked concurrently under a
// fixed worker limit.
package validator

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/die-net/liveproxy/internal/candidate"
	"github.com/die-net/liveproxy/internal/logger"
	"github.com/die-net/liveproxy/internal/pool"
	"github.com/die-net/liveproxy/internal/proxyerr"
)

var errStopAfter = errors.New("stop-after count reached")

type Validator struct {
	cfg   Config
	cache *cache.Cache
	log   zerolog.Logger
}

func New(cfg Config) (*Validator, error) {
	cfg = cfg.withDefaults()
	if err := cfg.check(); err != nil {
		return nil, err
	}

	v := &Validator{cfg: cfg, log: logger.WithComponent("validator")}
	if cfg.CacheTTL > 0 {
		v.cache = cache.New(cfg.CacheTTL, 2*cfg.CacheTTL)
	}
	return v, nil
}

// Validate runs one validation cycle over cands. Duplicates are validated
// once. If ctx is cancelled before the cycle completes, Validate returns the
// context's error and no report.
func (v *Validator) Validate(ctx context.Context, cands []candidate.Candidate) (*Report, error) {
	cands = v.normalize(cands)
	if len(cands) == 0 {
		return nil, candidate.ErrEmpty
	}

	rep := &Report{ID: uuid.NewString(), Protocol: v.cfg.Protocol, StartedAt: time.Now()}
	l := v.log.With().Str("cycle", rep.ID).Logger()
	l.Info().Int("candidates", len(cands)).Int("parallel", v.cfg.MaxParallel).Msg("validation started")

	runCtx, stop := context.WithCancelCause(ctx)
	defer stop(nil)

	resolver := newCycleResolver(v.cfg.Resolver, v.cfg.Timeout)
	results := make([]*Outcome, len(cands))
	var verified atomic.Int64

	g := errgroup.Group{}
	g.SetLimit(v.cfg.MaxParallel)
	for i, c := range cands {
		if runCtx.Err() != nil {
			break
		}
		g.Go(func() error {
			if runCtx.Err() != nil {
				return nil
			}

			o := v.validateOne(runCtx, c, resolver)
			if !o.Passed && errors.Is(context.Cause(runCtx), errStopAfter) {
				// Interrupted by our own stop, not a verdict.
				return nil
			}

			results[i] = &o

			if o.Passed {
				l.Debug().Stringer("proxy", c).Dur("latency", o.Verified().Latency).Msg("verified")
				if n := verified.Add(1); v.cfg.StopAfter > 0 && n >= int64(v.cfg.StopAfter) {
					stop(errStopAfter)
				}
			} else {
				l.Debug().Stringer("proxy", c).Str("kind", proxyerr.KindOf(firstFailure(o)).String()).Err(o.Err).Msg("rejected")
			}
			if v.cfg.OnOutcome != nil {
				v.cfg.OnOutcome(o)
			}
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		l.Warn().Err(err).Msg("validation aborted")
		return nil, err
	}

	for _, o := range results {
		if o == nil {
			continue
		}
		rep.Outcomes = append(rep.Outcomes, *o)
		if o.Passed {
			rep.Verified = append(rep.Verified, o.Verified())
		}
	}
	rep.Verified = pool.Normalize(rep.Verified)
	rep.FinishedAt = time.Now()

	counts := rep.Counts()
	l.Info().
		Int("verified", counts.Verified).
		Int("rejected", counts.Rejected).
		Int("skipped", len(cands)-counts.Total).
		Dur("elapsed", rep.FinishedAt.Sub(rep.StartedAt)).
		Msg("validation finished")
	return rep, nil
}

// normalize fills in the default protocol and drops duplicates.
func (v *Validator) normalize(cands []candidate.Candidate) []candidate.Candidate {
	out := make([]candidate.Candidate, 0, len(cands))
	for _, c := range cands {
		if c.Protocol == 0 {
			c.Protocol = v.cfg.Protocol
		}
		out = append(out, c)
	}
	return candidate.Dedup(out)
}

func (v *Validator) validateOne(cycle context.Context, c candidate.Candidate, resolver *cycleResolver) Outcome {
	key := c.Key().String()
	if v.cache != nil {
		if cached, ok := v.cache.Get(key); ok {
			o := cached.(Outcome)
			o.Candidate = c
			o.Cached = true
			return o
		}
	}

	ctx, cancel := context.WithTimeout(cycle, v.cfg.CandidateTimeout)
	defer cancel()

	o := v.run(ctx, c, resolver)
	if v.cache != nil && cacheable(cycle, o) {
		v.cache.SetDefault(key, o)
	}
	return o
}

// cacheable reports whether o is a verdict about the proxy rather than an
// artifact of a cancelled cycle or a local error. o.Err always wraps the
// failure as a CheckFailure, so the failing check's own error decides.
func cacheable(cycle context.Context, o Outcome) bool {
	if o.Passed {
		return true
	}
	if cycle.Err() != nil {
		return false
	}
	switch proxyerr.KindOf(firstFailure(o)) {
	case proxyerr.ConnectFailure, proxyerr.Timeout, proxyerr.ProtocolHandshake, proxyerr.DestinationUnreachable:
		return true
	}
	return false
}

func (v *Validator) run(ctx context.Context, c candidate.Candidate, resolver *cycleResolver) Outcome {
	o := Outcome{Candidate: c}

	required := v.cfg.required(c.Protocol)

	probe := v.probe(ctx, c)
	o.Checks = append(o.Checks, probe)
	if !probe.Passed {
		o.Err = proxyerr.Check("validate", c.Addr(), probe.Err)
		o.CheckedAt = time.Now()
		return o
	}

	ck, err := v.newChecker(c, resolver)
	if err != nil {
		o.Err = err
		o.CheckedAt = time.Now()
		return o
	}
	defer ck.close()

	for _, target := range required {
		res := ck.check(ctx, target)
		o.Checks = append(o.Checks, res)
		if !res.Passed {
			o.Err = proxyerr.Check("validate", c.Addr(), res.Err)
			break
		}
	}

	o.Passed = passed(o.Checks, len(required))
	o.CheckedAt = time.Now()
	return o
}

func firstFailure(o Outcome) error {
	for _, c := range o.Checks {
		if !c.Passed {
			return c.Err
		}
	}
	return o.Err
}
