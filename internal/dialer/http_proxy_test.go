package dialer

import (
	"bufio"
	"context"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/die-net/liveproxy/internal/proxyerr"
	"github.com/die-net/liveproxy/internal/testutil"
)

func TestHTTPProxyDialerDialSuccess(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	echoLn := testutil.StartEchoTCPServer(t, ctx)
	proxy := testutil.StartHTTPProxy(t)

	d := NewHTTPProxyDialer(Config{DialTimeout: 2 * time.Second}, proxy.Addr())

	conn, err := d.DialContext(ctx, "tcp", echoLn.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	testutil.AssertEcho(t, conn, conn, []byte("hello"))
	assert.Equal(t, int64(1), proxy.Requests())
	assert.Equal(t, "http://"+proxy.Addr(), d.ProxyURL().String())
}

func TestHTTPProxyDialerKeepsEarlyBytes(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	upLn, waitUp := testutil.StartSingleAcceptServer(t, ctx, func(c net.Conn) {
		req, err := http.ReadRequest(bufio.NewReader(c))
		if err != nil {
			return
		}
		_ = req.Body.Close()
		// Reply and first tunnel bytes in one write.
		_, _ = io.WriteString(c, "HTTP/1.1 200 OK\r\n\r\nbanner")
	})

	d := NewHTTPProxyDialer(Config{DialTimeout: 2 * time.Second}, upLn.Addr().String())
	conn, err := d.DialContext(ctx, "tcp", "127.0.0.1:1")
	require.NoError(t, err)
	defer conn.Close()

	buf := make([]byte, 6)
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	assert.Equal(t, "banner", string(buf))

	waitUp()
}

func TestHTTPProxyDialerDialNon2xx(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	upLn, waitUp := testutil.StartSingleAcceptServer(t, ctx, func(c net.Conn) {
		req, err := http.ReadRequest(bufio.NewReader(c))
		if err != nil {
			return
		}
		_ = req.Body.Close()
		_, _ = io.WriteString(c, "HTTP/1.1 403 Forbidden\r\n\r\n")
	})

	d := NewHTTPProxyDialer(Config{DialTimeout: 2 * time.Second}, upLn.Addr().String())

	_, err := d.DialContext(ctx, "tcp", "127.0.0.1:1")
	require.Error(t, err)
	assert.Equal(t, proxyerr.ProtocolHandshake, proxyerr.KindOf(err))
	assert.Contains(t, err.Error(), "403")

	waitUp()
}

func TestHTTPProxyDialerBadGatewayIsDestination(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	upLn, waitUp := testutil.StartSingleAcceptServer(t, ctx, func(c net.Conn) {
		req, err := http.ReadRequest(bufio.NewReader(c))
		if err != nil {
			return
		}
		_ = req.Body.Close()
		_, _ = io.WriteString(c, "HTTP/1.1 502 Bad Gateway\r\n\r\n")
	})

	d := NewHTTPProxyDialer(Config{DialTimeout: 2 * time.Second}, upLn.Addr().String())

	_, err := d.DialContext(ctx, "tcp", "127.0.0.1:1")
	require.Error(t, err)
	assert.Equal(t, proxyerr.DestinationUnreachable, proxyerr.KindOf(err))
	assert.Contains(t, err.Error(), "502")

	waitUp()
}

func TestHTTPProxyDialerConnectRefused(t *testing.T) {
	d := NewHTTPProxyDialer(Config{DialTimeout: time.Second}, testutil.StartClosedPort(t))

	_, err := d.DialContext(context.Background(), "tcp", "127.0.0.1:1")
	require.Error(t, err)
	assert.Equal(t, proxyerr.ConnectFailure, proxyerr.KindOf(err))
}

func TestHTTPProxyDialerNegotiationTimeout(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	upLn, waitUp := testutil.StartSingleAcceptServer(t, ctx, func(c net.Conn) {
		// Read the request but never answer.
		_, _ = http.ReadRequest(bufio.NewReader(c))
		<-ctx.Done()
	})

	d := NewHTTPProxyDialer(Config{DialTimeout: time.Second, NegotiationTimeout: 100 * time.Millisecond}, upLn.Addr().String())

	start := time.Now()
	_, err := d.DialContext(ctx, "tcp", "127.0.0.1:1")
	require.Error(t, err)
	assert.Equal(t, proxyerr.Timeout, proxyerr.KindOf(err))
	assert.Less(t, time.Since(start), time.Second)

	cancel()
	waitUp()
}
