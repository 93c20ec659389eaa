package candidate

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
)

// LineError describes an input line that could not be parsed.
type LineError struct {
	Line int
	Text string
	Err  error
}

func (e LineError) Error() string {
	return fmt.Sprintf("line %d: %v", e.Line, e.Err)
}

// ParseLine parses "host:port" (using def as the protocol) or
// "scheme://host:port". A trailing "# comment" is ignored.
func ParseLine(line string, def Protocol) (Candidate, error) {
	if i := strings.IndexByte(line, '#'); i >= 0 {
		line = line[:i]
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return Candidate{}, errors.New("empty entry")
	}

	proto := def
	if scheme, rest, ok := strings.Cut(line, "://"); ok {
		p, err := ParseProtocol(scheme)
		if err != nil {
			return Candidate{}, err
		}
		proto = p
		line = strings.TrimSuffix(rest, "/")
	}
	if proto == 0 {
		return Candidate{}, errors.New("missing protocol")
	}

	host, portStr, err := net.SplitHostPort(line)
	if err != nil {
		return Candidate{}, fmt.Errorf("invalid address %q: %w", line, err)
	}
	if host == "" {
		return Candidate{}, fmt.Errorf("invalid address %q: empty host", line)
	}
	if strings.ContainsAny(host, " \t/@") {
		return Candidate{}, fmt.Errorf("invalid host %q", host)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return Candidate{}, fmt.Errorf("invalid port %q", portStr)
	}

	return Candidate{Host: host, Port: uint16(port), Protocol: proto}, nil
}

// maxLine bounds one input line. Longer lines are reported and skipped.
const maxLine = 4 << 10

// Parse reads newline-delimited candidates from r. Blank lines and lines
// starting with '#' are skipped; malformed or overlong lines are returned as
// LineErrors and do not stop parsing. The result is deduplicated.
func Parse(r io.Reader, def Protocol) ([]Candidate, []LineError, error) {
	var (
		out  []Candidate
		bad  []LineError
		line int
	)

	br := bufio.NewReaderSize(r, maxLine)
	for {
		raw, tooLong, err := readLine(br)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, bad, err
		}
		line++
		if tooLong {
			bad = append(bad, LineError{Line: line, Text: raw, Err: errors.New("line too long")})
			continue
		}
		text := strings.TrimSpace(raw)
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		c, err := ParseLine(text, def)
		if err != nil {
			bad = append(bad, LineError{Line: line, Text: text, Err: err})
			continue
		}
		out = append(out, c)
	}

	return Dedup(out), bad, nil
}

// readLine returns the next line without its terminator. For a line that
// does not fit br's buffer it returns the first 64 bytes, discards the rest
// and sets tooLong.
func readLine(br *bufio.Reader) (string, bool, error) {
	b, isPrefix, err := br.ReadLine()
	if err != nil {
		return "", false, err
	}
	if !isPrefix {
		return string(b), false, nil
	}

	head := string(b[:min(len(b), 64)])
	for isPrefix {
		_, isPrefix, err = br.ReadLine()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", false, err
		}
	}
	return head, true, nil
}
