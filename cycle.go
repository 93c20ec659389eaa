package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"

	"github.com/die-net/liveproxy/internal/candidate"
	"github.com/die-net/liveproxy/internal/config"
	"github.com/die-net/liveproxy/internal/validator"
)

// readCandidates parses the candidate list at path, or stdin for "-".
// Malformed lines are logged and skipped.
func readCandidates(l zerolog.Logger, path string, def candidate.Protocol) ([]candidate.Candidate, error) {
	var r io.Reader = os.Stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open input: %w", err)
		}
		defer f.Close()
		r = f
	}

	cands, bad, err := candidate.Parse(r, def)
	if err != nil {
		return nil, fmt.Errorf("read input %s: %w", path, err)
	}
	for _, le := range bad {
		l.Warn().Int("line", le.Line).Str("text", le.Text).Err(le.Err).Msg("skipping malformed candidate")
	}
	if len(cands) == 0 {
		return nil, fmt.Errorf("%s: %w", path, candidate.ErrEmpty)
	}
	return cands, nil
}

func newValidator(c config.Check) (*validator.Validator, error) {
	proto, err := c.ProtocolValue()
	if err != nil {
		return nil, err
	}

	vc := validator.Config{
		Protocol:     proto,
		Timeout:      c.Timeout,
		ProbeTimeout: c.ProbeTimeout,
		Targets:      c.Targets,
		Destinations: c.Destinations,
		MaxParallel:  c.Parallel,
		CacheTTL:     c.CacheTTL,
		StopAfter:    c.StopAfter,
	}
	if c.Insecure {
		vc.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // Opt-in for self-signed IP-echo targets.
	}
	return validator.New(vc)
}

// runCycle reads the input and validates it once.
func runCycle(ctx context.Context, l zerolog.Logger, v *validator.Validator, c config.Check) (*validator.Report, error) {
	proto, err := c.ProtocolValue()
	if err != nil {
		return nil, err
	}
	cands, err := readCandidates(l, c.Input, proto)
	if err != nil {
		return nil, err
	}

	rep, err := v.Validate(ctx, cands)
	if err != nil {
		return nil, fmt.Errorf("validate: %w", err)
	}

	counts := rep.Counts()
	l.Info().
		Str("cycle", rep.ID).
		Int("checked", counts.Total).
		Int("verified", counts.Verified).
		Int("rejected", counts.Rejected).
		Dur("took", rep.FinishedAt.Sub(rep.StartedAt)).
		Msg("validation cycle done")
	return rep, nil
}
