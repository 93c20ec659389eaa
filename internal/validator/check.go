package validator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"regexp"
	"time"

	"github.com/die-net/liveproxy/internal/candidate"
	"github.com/die-net/liveproxy/internal/dialer"
	"github.com/die-net/liveproxy/internal/proxyerr"
)

const maxEchoBody = 64 << 10

var ipv4Pattern = regexp.MustCompile(`\b\d{1,3}(?:\.\d{1,3}){3}\b`)

// probe opens and closes a TCP connection to the candidate.
func (v *Validator) probe(ctx context.Context, c candidate.Candidate) CheckResult {
	res := CheckResult{Target: ProbeTarget}

	d := net.Dialer{Timeout: v.cfg.ProbeTimeout}
	start := time.Now()
	conn, err := d.DialContext(ctx, "tcp", c.Addr())
	res.Latency = time.Since(start)
	if err != nil {
		res.Err = proxyerr.Connect("probe", c.Addr(), err)
		return res
	}
	_ = conn.Close()
	res.Passed = true
	return res
}

// checker runs the required checks for one candidate.
type checker interface {
	check(ctx context.Context, target string) CheckResult
	close()
}

func (v *Validator) newChecker(c candidate.Candidate, resolver dialer.Resolver) (checker, error) {
	dcfg := dialer.Config{
		DialTimeout:        v.cfg.Timeout,
		NegotiationTimeout: v.cfg.Timeout,
		KeepAlive:          v.cfg.KeepAlive,
		Resolver:           resolver,
	}
	d, err := dialer.New(dcfg, c)
	if err != nil {
		return nil, err
	}

	if c.Protocol.IsSOCKS() {
		return &socksChecker{d: d, timeout: v.cfg.Timeout}, nil
	}

	hd, ok := d.(*dialer.HTTPProxyDialer)
	if !ok {
		return nil, fmt.Errorf("unexpected dialer %T for %v", d, c.Protocol)
	}
	transport := &http.Transport{
		Proxy:                 http.ProxyURL(hd.ProxyURL()),
		DialContext:           hd.Direct().DialContext,
		TLSClientConfig:       v.cfg.TLSClientConfig,
		TLSHandshakeTimeout:   v.cfg.Timeout,
		ResponseHeaderTimeout: v.cfg.Timeout,
		DisableKeepAlives:     true,
	}
	return &httpChecker{
		proxyAddr: c.Addr(),
		client:    &http.Client{Transport: transport, Timeout: v.cfg.Timeout},
		timeout:   v.cfg.Timeout,
	}, nil
}

// httpChecker fetches an IP-echo URL through an HTTP proxy. The check passes
// on status 200 with an IPv4 address in the body.
type httpChecker struct {
	proxyAddr string
	client    *http.Client
	timeout   time.Duration
}

func (h *httpChecker) check(ctx context.Context, target string) CheckResult {
	res := CheckResult{Target: target}
	op := "GET " + target

	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		res.Err = err
		return res
	}
	req.Header.Set("User-Agent", "liveproxy")

	start := time.Now()
	resp, err := h.client.Do(req)
	if err != nil {
		res.Latency = time.Since(start)
		res.Err = proxyerr.Connect(op, h.proxyAddr, err)
		return res
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxEchoBody))
	res.Latency = time.Since(start)
	if err != nil {
		res.Err = proxyerr.Connect(op, h.proxyAddr, err)
		return res
	}
	if resp.StatusCode != http.StatusOK {
		res.Err = proxyerr.Handshake(op, h.proxyAddr, fmt.Errorf("status %s", resp.Status))
		return res
	}

	ip := findIPv4(body)
	if ip == "" {
		res.Err = proxyerr.Handshake(op, h.proxyAddr, errors.New("response has no IPv4 address"))
		return res
	}
	res.ExitIP = ip
	res.Passed = true
	return res
}

func (h *httpChecker) close() {
	h.client.CloseIdleConnections()
}

func findIPv4(body []byte) string {
	for _, m := range ipv4Pattern.FindAll(body, -1) {
		if ip := net.ParseIP(string(m)); ip != nil && ip.To4() != nil {
			return string(m)
		}
	}
	return ""
}

// socksChecker performs a CONNECT handshake to a destination and hangs up.
type socksChecker struct {
	d       dialer.ContextDialer
	timeout time.Duration
}

func (s *socksChecker) check(ctx context.Context, target string) CheckResult {
	res := CheckResult{Target: target}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	conn, err := s.d.DialContext(ctx, "tcp", target)
	res.Latency = time.Since(start)
	if err != nil {
		res.Err = err
		return res
	}
	_ = conn.Close()
	res.Passed = true
	return res
}

func (s *socksChecker) close() {}
