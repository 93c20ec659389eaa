package socks5

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
)

const (
	socks4Version    = 0x04
	socks4CmdConnect = 0x01

	socks4Granted  = 0x5a
	socks4Rejected = 0x5b
	socks4NoIdentd = 0x5c
	socks4BadIdent = 0x5d

	maxUserIDLen = 255
)

// Connect4 sends a SOCKS4 CONNECT request for ip:port on conn and reads the
// 8-byte reply. A code other than "granted" is returned as a *ReplyError.
func Connect4(conn net.Conn, ip net.IP, port uint16, userID string) error {
	ip4 := ip.To4()
	if ip4 == nil {
		return fmt.Errorf("socks4 needs an IPv4 destination, got %v", ip)
	}
	if len(userID) > maxUserIDLen {
		return errors.New("socks4 user id too long")
	}

	req := make([]byte, 0, 9+len(userID))
	req = append(req, socks4Version, socks4CmdConnect)
	req = binary.BigEndian.AppendUint16(req, port)
	req = append(req, ip4...)
	req = append(req, userID...)
	req = append(req, 0x00)
	if _, err := conn.Write(req); err != nil {
		return fmt.Errorf("write request: %w", err)
	}

	var rep [8]byte
	if _, err := io.ReadFull(conn, rep[:]); err != nil {
		return fmt.Errorf("read reply: %w", err)
	}
	if rep[0] != 0x00 {
		return fmt.Errorf("malformed reply version 0x%02x", rep[0])
	}
	if rep[1] != socks4Granted {
		return &ReplyError{Version: 4, Code: rep[1]}
	}
	return nil
}

// Request4 is a parsed SOCKS4 CONNECT request.
type Request4 struct {
	IP     net.IP
	Port   uint16
	UserID string
}

func (r *Request4) Address() string {
	return net.JoinHostPort(r.IP.String(), strconv.Itoa(int(r.Port)))
}

// ReadRequest4 reads a SOCKS4 request from the client side of a connection.
// Only CONNECT is accepted; SOCKS4a hostnames are rejected.
func ReadRequest4(r io.Reader) (*Request4, error) {
	var hdr [8]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, fmt.Errorf("read request: %w", err)
	}
	if hdr[0] != socks4Version {
		return nil, fmt.Errorf("unexpected version 0x%02x", hdr[0])
	}
	if hdr[1] != socks4CmdConnect {
		return nil, fmt.Errorf("unsupported command 0x%02x", hdr[1])
	}

	// Read the NUL-terminated user id a byte at a time so nothing past the
	// request is consumed.
	var (
		user []byte
		b    [1]byte
	)
	for {
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return nil, fmt.Errorf("read user id: %w", err)
		}
		if b[0] == 0x00 {
			break
		}
		if len(user) == maxUserIDLen {
			return nil, errors.New("socks4 user id too long")
		}
		user = append(user, b[0])
	}

	ip := net.IPv4(hdr[4], hdr[5], hdr[6], hdr[7]).To4()
	if ip[0] == 0 && ip[1] == 0 && ip[2] == 0 && ip[3] != 0 {
		return nil, errors.New("socks4a hostnames are not supported")
	}

	return &Request4{
		IP:     ip,
		Port:   binary.BigEndian.Uint16(hdr[2:4]),
		UserID: string(user),
	}, nil
}

// WriteReply4 writes a SOCKS4 reply. granted selects 0x5a, otherwise 0x5b.
func WriteReply4(w io.Writer, granted bool) error {
	code := byte(socks4Rejected)
	if granted {
		code = socks4Granted
	}
	_, err := w.Write([]byte{0x00, code, 0, 0, 0, 0, 0, 0})
	return err
}
