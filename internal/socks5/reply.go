package socks5

import (
	"errors"
	"fmt"
	"net"
	"syscall"

	txsocks5 "github.com/txthinking/socks5"

	"github.com/die-net/liveproxy/internal/proxyerr"
)

const (
	// CmdConnect is the SOCKS5 CONNECT command value.
	CmdConnect = txsocks5.CmdConnect
)

// Auth configures optional username/password authentication for SOCKS5
// negotiation.
type Auth struct {
	Username string
	Password string
}

// ReplyError is a non-success reply code returned by a SOCKS server.
type ReplyError struct {
	Version byte
	Code    byte
}

func (e *ReplyError) Error() string {
	return fmt.Sprintf("socks%d reply 0x%02x (%s)", e.Version, e.Code, replyText(e.Version, e.Code))
}

// Unreachable reports whether the reply says the destination could not be
// reached, as opposed to the server refusing or failing the request itself.
// SOCKS4 has a single rejection code, so it counts as unreachable.
func (e *ReplyError) Unreachable() bool {
	if e.Version == 4 {
		return e.Code == socks4Rejected
	}
	switch e.Code {
	case repNetworkUnreachable, txsocks5.RepHostUnreachable, txsocks5.RepConnectionRefused, repTTLExpired:
		return true
	}
	return false
}

func replyText(version, code byte) string {
	if version == 4 {
		switch code {
		case socks4Granted:
			return "granted"
		case socks4Rejected:
			return "rejected or failed"
		case socks4NoIdentd:
			return "identd unreachable"
		case socks4BadIdent:
			return "identd mismatch"
		}
		return "unknown"
	}
	if int(code) < len(socks5ReplyText) {
		return socks5ReplyText[code]
	}
	return "unknown"
}

// RFC 1928 section 6.
const (
	repServerFailure      byte = 0x01
	repNetworkUnreachable byte = 0x03
	repTTLExpired         byte = 0x06
)

var socks5ReplyText = [...]string{
	"succeeded",
	"general failure",
	"not allowed by ruleset",
	"network unreachable",
	"host unreachable",
	"connection refused",
	"ttl expired",
	"command not supported",
	"address type not supported",
}

// ReplyCodeFor maps an outbound dial error to the SOCKS5 reply sent to the
// client.
func ReplyCodeFor(err error) byte {
	var re *ReplyError
	switch {
	case errors.As(err, &re) && re.Version == 5:
		return re.Code
	case errors.Is(err, syscall.ECONNREFUSED):
		return txsocks5.RepConnectionRefused
	case errors.Is(err, syscall.ENETUNREACH):
		return repNetworkUnreachable
	case errors.Is(err, syscall.EHOSTUNREACH):
		return txsocks5.RepHostUnreachable
	}
	var de *net.DNSError
	if errors.As(err, &de) || proxyerr.KindOf(err) == proxyerr.DestinationUnreachable {
		return txsocks5.RepHostUnreachable
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return repTTLExpired
	}
	return repServerFailure
}

// WriteReply writes a reply with code rep and a zero bound address.
func WriteReply(conn net.Conn, rep, atyp byte) error {
	_, err := newZeroAddrReply(rep, atyp).WriteTo(conn)
	return err
}

// WriteCommandNotSupportedReply writes a SOCKS5 reply indicating that the
// requested command is not supported.
func WriteCommandNotSupportedReply(conn net.Conn, atyp byte) {
	_ = WriteReply(conn, txsocks5.RepCommandNotSupported, atyp)
}

// WriteSuccessReply writes a SOCKS5 success reply using localAddr as the bound
// address.
func WriteSuccessReply(conn net.Conn, localAddr net.Addr) error {
	atyp, host, port, err := splitAddress(localAddr.String())
	if err != nil {
		return err
	}
	if _, err := txsocks5.NewReply(txsocks5.RepSuccess, atyp, host, port).WriteTo(conn); err != nil {
		return fmt.Errorf("success reply: %w", err)
	}
	return nil
}

func newZeroAddrReply(rep, atyp byte) *txsocks5.Reply {
	if atyp == txsocks5.ATYPIPv6 {
		return txsocks5.NewReply(rep, txsocks5.ATYPIPv6, []byte(net.IPv6zero), []byte{0x00, 0x00})
	}
	return txsocks5.NewReply(rep, txsocks5.ATYPIPv4, []byte{0x00, 0x00, 0x00, 0x00}, []byte{0x00, 0x00})
}

func writeNoAcceptableMethods(conn net.Conn) {
	_, _ = txsocks5.NewNegotiationReply(methodNoAcceptable).WriteTo(conn)
}
