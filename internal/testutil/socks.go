package testutil

import (
	"context"
	"net"
	"testing"

	gosocks5 "github.com/armon/go-socks5"

	"github.com/die-net/liveproxy/internal/socks5"
)

// StartSOCKS5Proxy runs a real SOCKS5 server on a loopback port.
func StartSOCKS5Proxy(t *testing.T) net.Listener {
	t.Helper()

	srv, err := gosocks5.New(&gosocks5.Config{})
	if err != nil {
		t.Fatal(err)
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = ln.Close() })

	go func() { _ = srv.Serve(ln) }()
	return ln
}

// StartSOCKS4Proxy runs a SOCKS4 CONNECT server. When reject is true every
// request is refused with 0x5b.
func StartSOCKS4Proxy(t *testing.T, ctx context.Context, reject bool) net.Listener {
	t.Helper()

	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go serveSOCKS4(c, reject)
		}
	}()
	return ln
}

func serveSOCKS4(c net.Conn, reject bool) {
	req, err := socks5.ReadRequest4(c)
	if err != nil || reject {
		_ = socks5.WriteReply4(c, false)
		_ = c.Close()
		return
	}

	dst, err := net.Dial("tcp", req.Address())
	if err != nil {
		_ = socks5.WriteReply4(c, false)
		_ = c.Close()
		return
	}
	if err := socks5.WriteReply4(c, true); err != nil {
		_ = c.Close()
		_ = dst.Close()
		return
	}
	Relay(c, dst)
}
