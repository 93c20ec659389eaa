// Package report writes validation results for other tools to consume.
package report

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/die-net/liveproxy/internal/geo"
	"github.com/die-net/liveproxy/internal/pool"
	"github.com/die-net/liveproxy/internal/proxyerr"
	"github.com/die-net/liveproxy/internal/validator"
)

// WriteList writes one host:port per line, in the order given.
func WriteList(w io.Writer, vs []pool.Verified) error {
	bw := bufio.NewWriter(w)
	for _, v := range vs {
		if _, err := fmt.Fprintln(bw, v.Candidate.Addr()); err != nil {
			return err
		}
	}
	return bw.Flush()
}

type jsonReport struct {
	ID         string       `json:"id"`
	Protocol   string       `json:"protocol"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at"`
	DurationMS float64      `json:"duration_ms"`
	Counts     jsonCounts   `json:"counts"`
	Verified   []string     `json:"verified"`
	Results    []jsonResult `json:"results"`
}

type jsonCounts struct {
	Total    int `json:"total"`
	Verified int `json:"verified"`
	Rejected int `json:"rejected"`
}

type jsonResult struct {
	Proxy        string      `json:"proxy"`
	Protocol     string      `json:"protocol"`
	Passed       bool        `json:"passed"`
	LatencyMS    float64     `json:"latency_ms,omitempty"`
	ExitIP       string      `json:"exit_ip,omitempty"`
	ChecksPassed int         `json:"checks_passed"`
	ChecksRun    int         `json:"checks_run"`
	Cached       bool        `json:"cached,omitempty"`
	Error        string      `json:"error,omitempty"`
	ErrorKind    string      `json:"error_kind,omitempty"`
	Country      string      `json:"country,omitempty"`
	City         string      `json:"city,omitempty"`
	CheckedAt    time.Time   `json:"checked_at"`
	Checks       []jsonCheck `json:"checks"`
}

type jsonCheck struct {
	Target    string  `json:"target"`
	Passed    bool    `json:"passed"`
	LatencyMS float64 `json:"latency_ms"`
	ExitIP    string  `json:"exit_ip,omitempty"`
	Error     string  `json:"error,omitempty"`
}

func millis(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}

// WriteJSON writes r as an indented JSON document. When lookup is not nil
// each result carries the proxy host's country and city.
func WriteJSON(w io.Writer, r *validator.Report, lookup geo.Lookup) error {
	counts := r.Counts()
	out := jsonReport{
		ID:         r.ID,
		Protocol:   r.Protocol.String(),
		StartedAt:  r.StartedAt,
		FinishedAt: r.FinishedAt,
		DurationMS: millis(r.FinishedAt.Sub(r.StartedAt)),
		Counts:     jsonCounts{Total: counts.Total, Verified: counts.Verified, Rejected: counts.Rejected},
		Verified:   make([]string, 0, len(r.Verified)),
		Results:    make([]jsonResult, 0, len(r.Outcomes)),
	}
	for _, v := range r.Verified {
		out.Verified = append(out.Verified, v.Candidate.URL())
	}

	for _, o := range r.Outcomes {
		res := jsonResult{
			Proxy:     o.Candidate.Addr(),
			Protocol:  o.Candidate.Protocol.String(),
			Passed:    o.Passed,
			ChecksRun: len(o.Checks),
			Cached:    o.Cached,
			CheckedAt: o.CheckedAt,
			Checks:    make([]jsonCheck, 0, len(o.Checks)),
		}
		if o.Passed {
			v := o.Verified()
			res.LatencyMS = millis(v.Latency)
			res.ExitIP = v.ExitIP
		}
		if o.Err != nil {
			res.Error = o.Err.Error()
			res.ErrorKind = proxyerr.KindOf(o.Err).String()
		}
		if lookup != nil {
			loc := lookup(o.Candidate.Host)
			res.Country, res.City = loc.Country, loc.City
		}

		for _, c := range o.Checks {
			jc := jsonCheck{Target: c.Target, Passed: c.Passed, LatencyMS: millis(c.Latency), ExitIP: c.ExitIP}
			if c.Err != nil {
				jc.Error = c.Err.Error()
			}
			if c.Passed {
				res.ChecksPassed++
			}
			res.Checks = append(res.Checks, jc)
		}
		out.Results = append(out.Results, res)
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
