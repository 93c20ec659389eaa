package candidate

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Protocol is the proxy protocol a candidate is expected to speak.
type Protocol uint8

const (
	HTTP Protocol = iota + 1
	HTTPS
	SOCKS4
	SOCKS5
)

// ErrEmpty is returned when an input yields no usable candidates.
var ErrEmpty = errors.New("no proxy candidates")

func (p Protocol) String() string {
	switch p {
	case HTTP:
		return "http"
	case HTTPS:
		return "https"
	case SOCKS4:
		return "socks4"
	case SOCKS5:
		return "socks5"
	default:
		return "unknown"
	}
}

// IsSOCKS reports whether p is SOCKS4 or SOCKS5.
func (p Protocol) IsSOCKS() bool {
	return p == SOCKS4 || p == SOCKS5
}

// ParseProtocol parses a protocol name case-insensitively.
func ParseProtocol(s string) (Protocol, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "http":
		return HTTP, nil
	case "https":
		return HTTPS, nil
	case "socks4":
		return SOCKS4, nil
	case "socks5":
		return SOCKS5, nil
	default:
		return 0, fmt.Errorf("unknown protocol %q (want http, https, socks4 or socks5)", s)
	}
}

// Candidate is an unvalidated proxy endpoint.
type Candidate struct {
	Host     string
	Port     uint16
	Protocol Protocol
}

// Key identifies a candidate. Two candidates with the same host, port and
// protocol are the same candidate.
type Key struct {
	Host     string
	Port     uint16
	Protocol Protocol
}

func (k Key) String() string {
	return k.Protocol.String() + "://" + net.JoinHostPort(k.Host, strconv.Itoa(int(k.Port)))
}

func (c Candidate) Key() Key {
	return Key{Host: strings.ToLower(c.Host), Port: c.Port, Protocol: c.Protocol}
}

// Addr returns host:port.
func (c Candidate) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(int(c.Port)))
}

// URL returns scheme://host:port.
func (c Candidate) URL() string {
	return c.Protocol.String() + "://" + c.Addr()
}

func (c Candidate) String() string {
	return c.URL()
}

// Dedup returns candidates with duplicates removed, keeping first-seen order.
func Dedup(cs []Candidate) []Candidate {
	seen := make(map[Key]struct{}, len(cs))
	out := make([]Candidate, 0, len(cs))
	for _, c := range cs {
		k := c.Key()
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, c)
	}
	return out
}
