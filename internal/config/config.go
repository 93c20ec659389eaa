// Package config holds the settings shared by the check and serve commands.
// Values come from defaults, then an optional INI file, then flags.
package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/ini.v1"

	"github.com/die-net/liveproxy/internal/candidate"
	"github.com/die-net/liveproxy/internal/rotator"
	"github.com/die-net/liveproxy/internal/validator"
)

type Config struct {
	Check Check `ini:"check"`
	Serve Serve `ini:"serve"`
	Log   Log   `ini:"log"`
}

// Check configures candidate input and validation.
type Check struct {
	Input        string        `ini:"input"`
	Protocol     string        `ini:"protocol"`
	Output       string        `ini:"output"`
	JSON         string        `ini:"json"`
	GeoIPDB      string        `ini:"geoip_db"`
	Timeout      time.Duration `ini:"timeout"`
	ProbeTimeout time.Duration `ini:"probe_timeout"`
	Parallel     int           `ini:"parallel"`
	Targets      []string      `ini:"targets" delim:","`
	Destinations []string      `ini:"destinations" delim:","`
	CacheTTL     time.Duration `ini:"cache_ttl"`
	StopAfter    int           `ini:"stop_after"`
	Insecure     bool          `ini:"insecure"`
}

// Serve configures the rotation server.
type Serve struct {
	HTTPListen         string        `ini:"http_listen"`
	SOCKS5Listen       string        `ini:"socks5_listen"`
	SOCKS5User         string        `ini:"socks5_user"`
	SOCKS5Password     string        `ini:"socks5_password"`
	Threshold          int           `ini:"rotate_every"`
	MaxRetries         int           `ini:"max_retries"`
	NoTest             bool          `ini:"no_test"`
	RevalidateInterval time.Duration `ini:"revalidate_interval"`
	ShutdownGrace      time.Duration `ini:"shutdown_grace"`
	DialTimeout        time.Duration `ini:"dial_timeout"`
	NegotiationTimeout time.Duration `ini:"negotiation_timeout"`
	IdleTimeout        time.Duration `ini:"idle_timeout"`
	MaxBodyBytes       int64         `ini:"max_body_bytes"`
	TCPKeepAlive       string        `ini:"tcp_keepalive"`
}

type Log struct {
	Level  string `ini:"level"`
	Format string `ini:"format"`
}

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	return Config{
		Check: Check{
			Input:        "-",
			Protocol:     candidate.HTTP.String(),
			Timeout:      validator.DefaultTimeout,
			ProbeTimeout: validator.DefaultProbeTimeout,
			Parallel:     validator.DefaultMaxParallel,
		},
		Serve: Serve{
			HTTPListen:         "127.0.0.1:8080",
			Threshold:          rotator.DefaultThreshold,
			MaxRetries:         rotator.DefaultMaxRetries,
			ShutdownGrace:      rotator.DefaultShutdownGrace,
			DialTimeout:        10 * time.Second,
			NegotiationTimeout: 10 * time.Second,
			IdleTimeout:        rotator.DefaultIdleTimeout,
			MaxBodyBytes:       rotator.DefaultMaxBodyBytes,
			TCPKeepAlive:       "45:45:3",
		},
		Log: Log{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load returns Default overlaid with the INI file at path. Keys missing from
// the file keep their defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	f, err := ini.Load(path)
	if err != nil {
		return cfg, fmt.Errorf("load config %s: %w", path, err)
	}
	if err := f.MapTo(&cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// ProtocolValue returns the parsed default candidate protocol.
func (c Check) ProtocolValue() (candidate.Protocol, error) {
	return candidate.ParseProtocol(c.Protocol)
}

// Validate reports every malformed setting.
func (c Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if _, err := c.Check.ProtocolValue(); err != nil {
		errs = append(errs, err)
	}
	if c.Check.Input == "" {
		add("input must not be empty")
	}
	if c.Check.Timeout <= 0 {
		add("timeout must be positive, got %v", c.Check.Timeout)
	}
	if c.Check.ProbeTimeout <= 0 {
		add("probe timeout must be positive, got %v", c.Check.ProbeTimeout)
	}
	if c.Check.Parallel <= 0 {
		add("parallel must be positive, got %d", c.Check.Parallel)
	}
	if c.Check.CacheTTL < 0 {
		add("cache ttl must not be negative, got %v", c.Check.CacheTTL)
	}
	if c.Check.StopAfter < 0 {
		add("stop after must not be negative, got %d", c.Check.StopAfter)
	}

	if c.Serve.Threshold <= 0 {
		add("rotate-every must be positive, got %d", c.Serve.Threshold)
	}
	if c.Serve.MaxRetries < 0 {
		add("max retries must not be negative, got %d", c.Serve.MaxRetries)
	}
	if c.Serve.RevalidateInterval < 0 {
		add("revalidate interval must not be negative, got %v", c.Serve.RevalidateInterval)
	}
	for name, d := range map[string]time.Duration{
		"shutdown grace":      c.Serve.ShutdownGrace,
		"dial timeout":        c.Serve.DialTimeout,
		"negotiation timeout": c.Serve.NegotiationTimeout,
		"idle timeout":        c.Serve.IdleTimeout,
	} {
		if d <= 0 {
			add("%s must be positive, got %v", name, d)
		}
	}
	if c.Serve.MaxBodyBytes <= 0 {
		add("max body bytes must be positive, got %d", c.Serve.MaxBodyBytes)
	}
	for name, addr := range map[string]string{
		"http listen":   c.Serve.HTTPListen,
		"socks5 listen": c.Serve.SOCKS5Listen,
	} {
		if addr == "" {
			continue
		}
		if err := checkListenAddr(addr); err != nil {
			add("%s: %w", name, err)
		}
	}
	if c.Serve.SOCKS5Password != "" && c.Serve.SOCKS5User == "" {
		add("socks5 password set without a user")
	}

	if _, err := zerolog.ParseLevel(strings.ToLower(c.Log.Level)); err != nil {
		add("log level: %w", err)
	}
	if c.Log.Format != "console" && c.Log.Format != "json" {
		add("log format must be console or json, got %q", c.Log.Format)
	}

	return errors.Join(errs...)
}

func checkListenAddr(addr string) error {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid address %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return fmt.Errorf("invalid port %q", portStr)
	}
	return nil
}
