package socks5

import (
	"errors"
	"fmt"
	"net"

	txsocks5 "github.com/txthinking/socks5"
)

var (
	// ErrNoAcceptableMethod means the server accepted none of the offered
	// authentication methods.
	ErrNoAcceptableMethod = errors.New("socks5: no acceptable authentication method")
	// ErrAuthFailed means the server rejected the username and password.
	ErrAuthFailed = errors.New("socks5: authentication failed")
)

const methodNoAcceptable = 0xff

// ClientDial negotiates with a SOCKS5 server on conn and asks it to CONNECT
// to address. A non-success reply is returned as a *ReplyError.
func ClientDial(conn net.Conn, auth Auth, address string) error {
	if err := ClientNegotiate(conn, auth); err != nil {
		return err
	}
	return ClientConnect(conn, address)
}

// ClientNegotiate offers no-auth, plus username/password when auth has a
// username, and completes whichever method the server picks.
func ClientNegotiate(conn net.Conn, auth Auth) error {
	offered := offeredMethods(auth)
	if _, err := txsocks5.NewNegotiationRequest(offered).WriteTo(conn); err != nil {
		return fmt.Errorf("write negotiation: %w", err)
	}
	neg, err := txsocks5.NewNegotiationReplyFrom(conn)
	if err != nil {
		return fmt.Errorf("read negotiation: %w", err)
	}

	switch {
	case neg.Method == methodNoAcceptable:
		return ErrNoAcceptableMethod
	case !containsMethod(offered, neg.Method):
		return fmt.Errorf("server chose unoffered method 0x%02x", neg.Method)
	case neg.Method == txsocks5.MethodUsernamePassword:
		return authenticate(conn, auth)
	default:
		return nil
	}
}

func offeredMethods(auth Auth) []byte {
	if auth.Username == "" {
		return []byte{txsocks5.MethodNone}
	}
	return []byte{txsocks5.MethodNone, txsocks5.MethodUsernamePassword}
}

func containsMethod(methods []byte, m byte) bool {
	for _, o := range methods {
		if o == m {
			return true
		}
	}
	return false
}

// authenticate runs the RFC 1929 username/password subnegotiation.
func authenticate(conn net.Conn, auth Auth) error {
	req := txsocks5.NewUserPassNegotiationRequest([]byte(auth.Username), []byte(auth.Password))
	if _, err := req.WriteTo(conn); err != nil {
		return fmt.Errorf("write userpass: %w", err)
	}
	rep, err := txsocks5.NewUserPassNegotiationReplyFrom(conn)
	if err != nil {
		return fmt.Errorf("read userpass: %w", err)
	}
	if rep.Status != txsocks5.UserPassStatusSuccess {
		return ErrAuthFailed
	}
	return nil
}

// ClientConnect sends a CONNECT request for address. Hostnames are passed to
// the server unresolved.
func ClientConnect(conn net.Conn, address string) error {
	atyp, host, port, err := splitAddress(address)
	if err != nil {
		return err
	}
	if _, err := txsocks5.NewRequest(CmdConnect, atyp, host, port).WriteTo(conn); err != nil {
		return fmt.Errorf("write request: %w", err)
	}

	rep, err := txsocks5.NewReplyFrom(conn)
	if err != nil {
		return fmt.Errorf("read reply: %w", err)
	}
	if rep.Rep != txsocks5.RepSuccess {
		return &ReplyError{Version: 5, Code: rep.Rep}
	}
	return nil
}

// splitAddress encodes host:port for the DST/BND fields. The library
// prefixes domain names with their length, which NewRequest and NewReply add
// again, so it is stripped here.
func splitAddress(address string) (atyp byte, host, port []byte, err error) {
	atyp, host, port, err = txsocks5.ParseAddress(address)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("parse address %q: %w", address, err)
	}
	if atyp == txsocks5.ATYPDomain {
		host = host[1:]
	}
	return atyp, host, port, nil
}
