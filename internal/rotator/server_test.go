package rotator

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/proxy"

	"github.com/die-net/liveproxy/internal/candidate"
	"github.com/die-net/liveproxy/internal/dialer"
	"github.com/die-net/liveproxy/internal/pool"
	"github.com/die-net/liveproxy/internal/proxyerr"
	"github.com/die-net/liveproxy/internal/socks5"
	"github.com/die-net/liveproxy/internal/testutil"
)

var clientCfg = dialer.Config{DialTimeout: 2 * time.Second, NegotiationTimeout: 2 * time.Second}

// verified builds a store entry for addr; i orders entries by latency.
func verified(t *testing.T, addr string, p candidate.Protocol, i int) pool.Verified {
	t.Helper()

	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return pool.Verified{
		Candidate: candidate.Candidate{Host: host, Port: uint16(port), Protocol: p},
		Latency:   time.Duration(i+1) * time.Millisecond,
	}
}

func startServer(t *testing.T, store *pool.Store, cfg Config) (*Server, string) {
	t.Helper()

	if cfg.Dialer.DialTimeout == 0 {
		cfg.Dialer = clientCfg
	}
	srv := NewServer(store, cfg)
	ln, err := ListenTCP(context.Background(), "tcp", "127.0.0.1:0", net.KeepAliveConfig{})
	require.NoError(t, err)

	go func() { _ = srv.Serve(ln) }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})
	return srv, ln.Addr().String()
}

// connectEcho tunnels one CONNECT through the rotator at addr and checks the
// echo.
func connectEcho(t *testing.T, addr, echo string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	c, err := dialer.NewHTTPProxyDialer(clientCfg, addr).DialContext(ctx, "tcp", echo)
	require.NoError(t, err)
	defer c.Close()
	testutil.AssertEcho(t, c, c, []byte("hello"))
}

func TestHTTPConnectRotates(t *testing.T) {
	echo := testutil.StartEchoTCPServer(t, context.Background())

	ups := []*testutil.HTTPProxy{testutil.StartHTTPProxy(t), testutil.StartHTTPProxy(t), testutil.StartHTTPProxy(t)}
	var vs []pool.Verified
	for i, p := range ups {
		vs = append(vs, verified(t, p.Addr(), candidate.HTTP, i))
	}
	_, addr := startServer(t, pool.NewStore(vs...), Config{Threshold: 2})

	var order []int
	for range 7 {
		before := make([]int64, len(ups))
		for i, p := range ups {
			before[i] = p.Requests()
		}
		connectEcho(t, addr, echo.Addr().String())
		for i, p := range ups {
			if p.Requests() > before[i] {
				order = append(order, i)
			}
		}
	}
	assert.Equal(t, []int{0, 0, 1, 1, 2, 2, 0}, order)
}

func TestHTTPConnectFailsOver(t *testing.T) {
	echo := testutil.StartEchoTCPServer(t, context.Background())

	bad := testutil.StartHTTPProxy(t)
	bad.Fail.Store(true)
	good := testutil.StartHTTPProxy(t)

	store := pool.NewStore(
		verified(t, bad.Addr(), candidate.HTTP, 0),
		verified(t, good.Addr(), candidate.HTTP, 1),
	)
	srv, addr := startServer(t, store, Config{Threshold: 5, MaxRetries: 2})

	connectEcho(t, addr, echo.Addr().String())
	connectEcho(t, addr, echo.Addr().String())

	assert.EqualValues(t, 1, bad.Requests())
	assert.EqualValues(t, 2, good.Requests())

	st := srv.State().Stats()
	assert.EqualValues(t, 1, st.Failovers)
	assert.Equal(t, 1, st.Degraded)
	assert.Equal(t, "http://"+good.Addr(), st.Current)
}

func TestHTTPConnectExhaustedThenRefreshed(t *testing.T) {
	echo := testutil.StartEchoTCPServer(t, context.Background())

	store := pool.NewStore(verified(t, testutil.StartClosedPort(t), candidate.HTTP, 0))
	_, addr := startServer(t, store, Config{Threshold: 5, MaxRetries: 3})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := dialer.NewHTTPProxyDialer(clientCfg, addr).DialContext(ctx, "tcp", echo.Addr().String())
	require.Error(t, err)
	assert.Equal(t, proxyerr.DestinationUnreachable, proxyerr.KindOf(err))
	assert.ErrorContains(t, err, "502")

	good := testutil.StartHTTPProxy(t)
	store.Refresh([]pool.Verified{verified(t, good.Addr(), candidate.HTTP, 0)})
	connectEcho(t, addr, echo.Addr().String())
}

func TestHTTPConnectUnreachableDestinationKeepsUpstreams(t *testing.T) {
	echo := testutil.StartEchoTCPServer(t, context.Background())

	a, b := testutil.StartHTTPProxy(t), testutil.StartHTTPProxy(t)
	store := pool.NewStore(
		verified(t, a.Addr(), candidate.HTTP, 0),
		verified(t, b.Addr(), candidate.HTTP, 1),
	)
	srv, addr := startServer(t, store, Config{Threshold: 5, MaxRetries: 3})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := dialer.NewHTTPProxyDialer(clientCfg, addr).DialContext(ctx, "tcp", testutil.StartClosedPort(t))
	require.Error(t, err)
	assert.ErrorContains(t, err, "502")

	assert.EqualValues(t, 1, a.Requests()+b.Requests(), "not retried")
	st := srv.State().Stats()
	assert.Zero(t, st.Degraded)
	assert.Zero(t, st.Failovers)

	connectEcho(t, addr, echo.Addr().String())
}

func TestHTTPConnectRepeatedRefusalsDegrade(t *testing.T) {
	echo := testutil.StartEchoTCPServer(t, context.Background())

	a, b := testutil.StartHTTPProxy(t), testutil.StartHTTPProxy(t)
	store := pool.NewStore(
		verified(t, a.Addr(), candidate.HTTP, 0),
		verified(t, b.Addr(), candidate.HTTP, 1),
	)
	srv, addr := startServer(t, store, Config{Threshold: 10})

	closed := testutil.StartClosedPort(t)
	for range DestinationStrikes {
		_, err := dialer.NewHTTPProxyDialer(clientCfg, addr).DialContext(context.Background(), "tcp", closed)
		require.Error(t, err)
	}
	assert.EqualValues(t, DestinationStrikes, a.Requests())

	st := srv.State().Stats()
	assert.Equal(t, 1, st.Degraded)
	assert.Equal(t, "http://"+b.Addr(), st.Current)

	connectEcho(t, addr, echo.Addr().String())
	assert.EqualValues(t, 1, b.Requests())
}

type failingResolver struct{}

func (failingResolver) LookupIPv4(_ context.Context, host string) (net.IP, error) {
	return nil, &net.DNSError{Err: "no such host", Name: host, IsNotFound: true}
}

func TestSOCKS4LocalResolveFailureKeepsUpstreams(t *testing.T) {
	echo := testutil.StartEchoTCPServer(t, context.Background())

	s4a := testutil.StartSOCKS4Proxy(t, context.Background(), false)
	s4b := testutil.StartSOCKS4Proxy(t, context.Background(), false)
	store := pool.NewStore(
		verified(t, s4a.Addr().String(), candidate.SOCKS4, 0),
		verified(t, s4b.Addr().String(), candidate.SOCKS4, 1),
	)
	dcfg := clientCfg
	dcfg.Resolver = failingResolver{}
	srv, addr := startServer(t, store, Config{Threshold: 5, MaxRetries: 3, Dialer: dcfg})
	front := startSOCKS5Front(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := dialer.NewHTTPProxyDialer(clientCfg, addr).DialContext(ctx, "tcp", "no-such-host.test:80")
	require.Error(t, err)

	d, err := proxy.SOCKS5("tcp", front, nil, proxy.Direct)
	require.NoError(t, err)
	_, err = d.Dial("tcp", "no-such-host.test:80")
	require.Error(t, err)
	assert.ErrorContains(t, err, "host unreachable")

	st := srv.State().Stats()
	assert.Zero(t, st.Degraded)
	assert.Zero(t, st.Failovers)

	connectEcho(t, addr, echo.Addr().String())
}

func TestSOCKSUpstreams(t *testing.T) {
	echo := testutil.StartEchoTCPServer(t, context.Background())

	s5 := testutil.StartSOCKS5Proxy(t)
	s4 := testutil.StartSOCKS4Proxy(t, context.Background(), false)
	store := pool.NewStore(
		verified(t, s5.Addr().String(), candidate.SOCKS5, 0),
		verified(t, s4.Addr().String(), candidate.SOCKS4, 1),
	)
	srv, addr := startServer(t, store, Config{Threshold: 1})

	for range 4 {
		connectEcho(t, addr, echo.Addr().String())
	}
	st := srv.State().Stats()
	assert.EqualValues(t, 4, st.Admitted)
	assert.Zero(t, st.Failovers)
}

func newProxyClient(addr string) *http.Client {
	return &http.Client{
		Transport: &http.Transport{Proxy: http.ProxyURL(&url.URL{Scheme: "http", Host: addr})},
		Timeout:   2 * time.Second,
	}
}

func TestPlainHTTPReplaysBodyOnFailover(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Method", r.Method)
		_, _ = io.Copy(w, r.Body)
	}))
	defer origin.Close()

	good := testutil.StartHTTPProxy(t)
	store := pool.NewStore(
		verified(t, testutil.StartClosedPort(t), candidate.HTTP, 0),
		verified(t, good.Addr(), candidate.HTTP, 1),
	)
	srv, addr := startServer(t, store, Config{Threshold: 5, MaxRetries: 1})

	resp, err := newProxyClient(addr).Post(origin.URL+"/echo", "text/plain", strings.NewReader("payload"))
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "POST", resp.Header.Get("X-Method"))
	assert.Equal(t, "payload", string(body))
	assert.EqualValues(t, 1, good.Requests())
	assert.EqualValues(t, 1, srv.State().Stats().Failovers)
}

func TestPlainHTTPUpstreamStatusIsNotFailure(t *testing.T) {
	origin := testutil.StartIPEcho(t, "203.0.113.7")

	bad := testutil.StartHTTPProxy(t)
	bad.Fail.Store(true)
	store := pool.NewStore(verified(t, bad.Addr(), candidate.HTTP, 0))
	srv, addr := startServer(t, store, Config{})

	resp, err := newProxyClient(addr).Get(origin.URL)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Zero(t, srv.State().Stats().Failovers)
}

func TestPlainHTTPRejects(t *testing.T) {
	good := testutil.StartHTTPProxy(t)
	store := pool.NewStore(verified(t, good.Addr(), candidate.HTTP, 0))
	_, addr := startServer(t, store, Config{MaxBodyBytes: 4})

	resp, err := http.Get("http://" + addr + "/")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	origin := testutil.StartIPEcho(t, "203.0.113.7")
	resp, err = newProxyClient(addr).Post(origin.URL, "text/plain", strings.NewReader("too large"))
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
	assert.Zero(t, good.Requests())
}

func startSOCKS5Front(t *testing.T, srv *Server) string {
	t.Helper()

	ln, err := ListenTCP(context.Background(), "tcp", "127.0.0.1:0", net.KeepAliveConfig{})
	require.NoError(t, err)
	go func() { _ = srv.ServeSOCKS5(ln) }()
	return ln.Addr().String()
}

func TestSOCKS5Front(t *testing.T) {
	echo := testutil.StartEchoTCPServer(t, context.Background())

	up := testutil.StartHTTPProxy(t)
	store := pool.NewStore(verified(t, up.Addr(), candidate.HTTP, 0))
	srv, _ := startServer(t, store, Config{SOCKS5Auth: socks5.Auth{Username: "u", Password: "p"}})
	front := startSOCKS5Front(t, srv)

	d, err := proxy.SOCKS5("tcp", front, &proxy.Auth{User: "u", Password: "p"}, proxy.Direct)
	require.NoError(t, err)
	c, err := d.Dial("tcp", echo.Addr().String())
	require.NoError(t, err)
	defer c.Close()
	testutil.AssertEcho(t, c, c, []byte("over socks"))
	assert.EqualValues(t, 1, up.Requests())

	d, err = proxy.SOCKS5("tcp", front, &proxy.Auth{User: "u", Password: "wrong"}, proxy.Direct)
	require.NoError(t, err)
	_, err = d.Dial("tcp", echo.Addr().String())
	assert.Error(t, err)
}

func TestSOCKS5FrontExhausted(t *testing.T) {
	srv, _ := startServer(t, pool.NewStore(), Config{})
	front := startSOCKS5Front(t, srv)

	d, err := proxy.SOCKS5("tcp", front, nil, proxy.Direct)
	require.NoError(t, err)
	_, err = d.Dial("tcp", "127.0.0.1:9")
	assert.Error(t, err)
}

// openTunnel returns a client connection with an established CONNECT tunnel.
func openTunnel(t *testing.T, addr, echo string) net.Conn {
	t.Helper()

	c, err := dialer.NewHTTPProxyDialer(clientCfg, addr).DialContext(context.Background(), "tcp", echo)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	testutil.AssertEcho(t, c, c, []byte("open"))
	return c
}

func TestShutdownWaitsForTunnels(t *testing.T) {
	echo := testutil.StartEchoTCPServer(t, context.Background())
	up := testutil.StartHTTPProxy(t)
	srv, addr := startServer(t, pool.NewStore(verified(t, up.Addr(), candidate.HTTP, 0)), Config{})

	c := openTunnel(t, addr, echo.Addr().String())

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		done <- srv.Shutdown(ctx)
	}()

	select {
	case err := <-done:
		t.Fatalf("shutdown returned with a live tunnel: %v", err)
	case <-time.After(100 * time.Millisecond):
	}

	// The tunnel still works during the grace period.
	testutil.AssertEcho(t, c, c, []byte("still open"))
	_ = c.Close()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("shutdown did not return after the tunnel closed")
	}
}

func TestShutdownCutsTunnelsAfterGrace(t *testing.T) {
	echo := testutil.StartEchoTCPServer(t, context.Background())
	up := testutil.StartHTTPProxy(t)
	srv, addr := startServer(t, pool.NewStore(verified(t, up.Addr(), candidate.HTTP, 0)), Config{})

	c := openTunnel(t, addr, echo.Addr().String())

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err := srv.Shutdown(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = c.Read(make([]byte, 1))
	require.Error(t, err)
	assert.False(t, proxyerr.IsTimeout(err), "tunnel was not closed")
}
