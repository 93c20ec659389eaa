package validator

import (
	"time"

	"github.com/die-net/liveproxy/internal/candidate"
	"github.com/die-net/liveproxy/internal/pool"
)

// ProbeTarget names the preliminary TCP connect in CheckResult.Target.
const ProbeTarget = "probe"

// CheckResult is the result of one check against one target.
type CheckResult struct {
	Target  string
	Passed  bool
	Latency time.Duration
	// ExitIP is the address an IP-echo target reported. Empty for SOCKS
	// checks and the probe.
	ExitIP string
	Err    error
}

// Outcome is the validation result for one candidate.
type Outcome struct {
	Candidate candidate.Candidate
	// Checks holds the probe followed by the required checks, in order,
	// up to and including the first failure.
	Checks    []CheckResult
	Passed    bool
	Err       error
	CheckedAt time.Time
	// Cached is set when the outcome came from a previous cycle.
	Cached bool
}

// passed reports whether checks holds a passing probe followed by a passing
// result for each of the want required checks.
func passed(checks []CheckResult, want int) bool {
	if want <= 0 || len(checks) != want+1 || checks[0].Target != ProbeTarget {
		return false
	}
	for _, c := range checks {
		if !c.Passed {
			return false
		}
	}
	return true
}

// Verified converts a passed outcome into a pool entry.
func (o Outcome) Verified() pool.Verified {
	var (
		total time.Duration
		n     int
		exit  string
	)
	for _, c := range o.Checks {
		if c.Target == ProbeTarget || !c.Passed {
			continue
		}
		total += c.Latency
		n++
		if exit == "" {
			exit = c.ExitIP
		}
	}
	v := pool.Verified{Candidate: o.Candidate, ExitIP: exit, CheckedAt: o.CheckedAt}
	if n > 0 {
		v.Latency = total / time.Duration(n)
	}
	return v
}

// Report is the result of one validation cycle.
type Report struct {
	ID         string
	Protocol   candidate.Protocol
	StartedAt  time.Time
	FinishedAt time.Time
	// Outcomes is in input order. Candidates skipped by StopAfter are
	// absent.
	Outcomes []Outcome
	// Verified is ordered fastest first.
	Verified []pool.Verified
}

type Counts struct {
	Total    int
	Verified int
	Rejected int
}

func (r *Report) Counts() Counts {
	c := Counts{Total: len(r.Outcomes)}
	for _, o := range r.Outcomes {
		if o.Passed {
			c.Verified++
		} else {
			c.Rejected++
		}
	}
	return c
}
