package validator

import (
	"crypto/tls"
	"fmt"
	"net"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/die-net/liveproxy/internal/candidate"
	"github.com/die-net/liveproxy/internal/dialer"
)

const (
	DefaultTimeout      = 6 * time.Second
	DefaultProbeTimeout = 2 * time.Second
	DefaultMaxParallel  = 100

	// HTTPSTarget is appended to the targets of HTTPS candidates when no
	// https:// target is configured.
	HTTPSTarget = "https://api.ipify.org"
)

var (
	DefaultTargets      = []string{"http://icanhazip.com", "http://api.ipify.org", "http://ip.me"}
	DefaultDestinations = []string{"icanhazip.com:80", "api.ipify.org:80", "ip.me:80"}
)

type Config struct {
	// Protocol is assigned to candidates that carry none.
	Protocol candidate.Protocol

	// Timeout bounds each HTTP check or SOCKS handshake.
	Timeout time.Duration
	// ProbeTimeout bounds the preliminary TCP connect.
	ProbeTimeout time.Duration
	// CandidateTimeout bounds all work for one candidate. Zero means
	// 4*Timeout.
	CandidateTimeout time.Duration

	// Targets are the IP-echo URLs fetched through HTTP and HTTPS proxies.
	Targets []string
	// Destinations are the host:port pairs SOCKS proxies must CONNECT to.
	Destinations []string

	MaxParallel int

	// CacheTTL keeps outcomes across Validate calls. Zero disables it.
	CacheTTL time.Duration
	// StopAfter ends the cycle once this many candidates have passed. Zero
	// validates everything.
	StopAfter int
	// OnOutcome, when set, is called once per recorded outcome. It may be
	// called concurrently.
	OnOutcome func(Outcome)

	// TLSClientConfig is used for https:// targets. Nil uses the system
	// roots.
	TLSClientConfig *tls.Config
	KeepAlive       net.KeepAliveConfig
	// Resolver resolves SOCKS4 destinations. Nil uses the system resolver.
	Resolver dialer.Resolver
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = DefaultProbeTimeout
	}
	if c.CandidateTimeout <= 0 {
		c.CandidateTimeout = 4 * c.Timeout
	}
	if len(c.Targets) == 0 {
		c.Targets = slices.Clone(DefaultTargets)
	}
	if len(c.Destinations) == 0 {
		c.Destinations = slices.Clone(DefaultDestinations)
	}
	if c.MaxParallel <= 0 {
		c.MaxParallel = DefaultMaxParallel
	}
	if c.Resolver == nil {
		c.Resolver = dialer.SystemResolver{}
	}
	return c
}

func (c Config) check() error {
	for _, t := range c.Targets {
		u, err := url.Parse(t)
		if err != nil {
			return fmt.Errorf("invalid target %q: %w", t, err)
		}
		if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("invalid target %q: want an absolute http or https URL", t)
		}
	}
	for _, d := range c.Destinations {
		host, port, err := net.SplitHostPort(d)
		if err != nil || host == "" || port == "" {
			return fmt.Errorf("invalid destination %q: want host:port", d)
		}
	}
	if c.StopAfter < 0 {
		return fmt.Errorf("invalid stop-after %d", c.StopAfter)
	}
	return nil
}

// targetsFor returns the HTTP targets an HTTP or HTTPS candidate must pass.
func (c Config) targetsFor(p candidate.Protocol) []string {
	if p != candidate.HTTPS {
		return c.Targets
	}
	for _, t := range c.Targets {
		if strings.HasPrefix(t, "https://") {
			return c.Targets
		}
	}
	return append(slices.Clone(c.Targets), HTTPSTarget)
}

// required returns the ordered check targets for p, excluding the probe.
func (c Config) required(p candidate.Protocol) []string {
	if p.IsSOCKS() {
		return c.Destinations
	}
	return c.targetsFor(p)
}
