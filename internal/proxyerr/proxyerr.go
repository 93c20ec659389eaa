package proxyerr

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Kind classifies a failure observed while talking to a proxy.
type Kind uint8

const (
	KindUnknown Kind = iota
	// ConnectFailure means the TCP connection could not be established.
	ConnectFailure
	// Timeout means a deadline expired during connect, handshake or I/O.
	Timeout
	// ProtocolHandshake means the peer answered with a malformed or
	// negative SOCKS reply, or a bad HTTP status.
	ProtocolHandshake
	// CheckFailure means a required validation check did not pass.
	CheckFailure
	// PoolExhausted means no non-degraded upstream remains.
	PoolExhausted
	// DestinationUnreachable means the proxy answered but could not reach
	// the requested destination.
	DestinationUnreachable
	// Local means the request failed before any proxy was contacted, such
	// as a bad address or a failed local DNS lookup.
	Local
)

func (k Kind) String() string {
	switch k {
	case ConnectFailure:
		return "connect_failure"
	case Timeout:
		return "timeout"
	case ProtocolHandshake:
		return "protocol_handshake_error"
	case CheckFailure:
		return "check_failure"
	case PoolExhausted:
		return "pool_exhausted"
	case DestinationUnreachable:
		return "destination_unreachable"
	case Local:
		return "local_error"
	default:
		return "unknown"
	}
}

// Error is a classified proxy error. Op names the failed operation and Addr
// the peer it was talking to, when known.
type Error struct {
	Kind Kind
	Op   string
	Addr string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Op
	if e.Addr != "" {
		msg += " " + e.Addr
	}
	if e.Err != nil {
		if msg != "" {
			return fmt.Sprintf("%s: %v", msg, e.Err)
		}
		return e.Err.Error()
	}
	if msg == "" {
		return e.Kind.String()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error of the same Kind with no Op, which
// lets the sentinel values below match any error of their kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Addr == "" && t.Err == nil
}

var (
	ErrConnect       = &Error{Kind: ConnectFailure}
	ErrTimeout       = &Error{Kind: Timeout}
	ErrHandshake     = &Error{Kind: ProtocolHandshake}
	ErrCheck         = &Error{Kind: CheckFailure}
	ErrPoolExhausted = &Error{Kind: PoolExhausted}
	ErrDestination   = &Error{Kind: DestinationUnreachable}
	ErrLocal         = &Error{Kind: Local}
)

// Connect wraps a dial error. Timeouts are classified as Timeout.
func Connect(op, addr string, err error) error {
	return newError(ConnectFailure, op, addr, err)
}

// Handshake wraps a protocol negotiation error. Timeouts are classified as
// Timeout.
func Handshake(op, addr string, err error) error {
	return newError(ProtocolHandshake, op, addr, err)
}

// Check wraps the failure of a required validation check.
func Check(op, addr string, err error) error {
	return &Error{Kind: CheckFailure, Op: op, Addr: addr, Err: err}
}

// Destination wraps a negative proxy reply about the destination.
func Destination(op, addr string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: DestinationUnreachable, Op: op, Addr: addr, Err: err}
}

// LocalError wraps an error raised before the proxy was contacted. Local
// timeouts stay Local.
func LocalError(op, addr string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: Local, Op: op, Addr: addr, Err: err}
}

// Exhausted returns a PoolExhausted error for op.
func Exhausted(op string) error {
	return &Error{Kind: PoolExhausted, Op: op, Err: errors.New("no non-degraded upstream remains")}
}

func newError(kind Kind, op, addr string, err error) error {
	if err == nil {
		return nil
	}
	if IsTimeout(err) {
		kind = Timeout
	}
	return &Error{Kind: kind, Op: op, Addr: addr, Err: err}
}

// KindOf returns the Kind of the outermost *Error in err's chain, or a
// best-effort classification for unwrapped network errors.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	if IsTimeout(err) {
		return Timeout
	}
	var oe *net.OpError
	if errors.As(err, &oe) && oe.Op == "dial" {
		return ConnectFailure
	}
	return KindUnknown
}

// IsTimeout reports whether err is a deadline or network timeout.
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
