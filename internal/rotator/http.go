package rotator

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httputil"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/die-net/liveproxy/internal/dialer"
	"github.com/die-net/liveproxy/internal/proxyerr"
)

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	l := s.log.With().Str("req", uuid.NewString()).Str("client", r.RemoteAddr).Logger()

	if strings.EqualFold(r.Method, http.MethodConnect) {
		s.handleConnect(w, r, l)
		return
	}
	if !r.URL.IsAbs() || r.URL.Host == "" {
		http.Error(w, "this is a forward proxy; send an absolute URI or CONNECT", http.StatusBadRequest)
		return
	}
	s.handleHTTP(w, r, l)
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request, l zerolog.Logger) {
	target := r.Host
	if _, _, err := net.SplitHostPort(target); err != nil {
		target = net.JoinHostPort(target, "443")
	}

	hj, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "hijacking not supported", http.StatusInternalServerError)
		return
	}
	clientConn, brw, err := hj.Hijack()
	if err != nil {
		http.Error(w, "hijack failed", http.StatusInternalServerError)
		return
	}
	if !s.track() {
		_, _ = writeError(brw, errors.New("server shutting down"), http.StatusServiceUnavailable)
		_ = brw.Flush()
		_ = clientConn.Close()
		return
	}
	defer s.tunnels.Done()

	var serverConn net.Conn
	err = s.withFailover(r.Context(), l, target, func(ctx context.Context, _ Lease, up *upstream) error {
		c, err := up.dialer.DialContext(ctx, "tcp", target)
		if err != nil {
			return err
		}
		serverConn = c
		return nil
	})
	if err != nil {
		_, _ = writeError(brw, err, http.StatusBadGateway)
		_ = brw.Flush()
		_ = clientConn.Close()
		return
	}

	if _, err := brw.WriteString("HTTP/1.1 200 Connection Established\r\n\r\n"); err != nil {
		_ = clientConn.Close()
		_ = serverConn.Close()
		return
	}
	if err := brw.Flush(); err != nil {
		_ = clientConn.Close()
		_ = serverConn.Close()
		return
	}

	// Bytes the client sent after the CONNECT header are already buffered.
	client := clientConn
	if n := brw.Reader.Buffered(); n > 0 {
		client = &prefixConn{Conn: clientConn, r: brw.Reader}
	}

	if err := CopyBidirectional(s.relayCtx, client, serverConn, s.cfg.IdleTimeout); err != nil {
		l.Debug().Err(err).Str("target", target).Msg("tunnel ended")
	}
}

// prefixConn drains r before reading from Conn.
type prefixConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *prefixConn) Read(p []byte) (int, error) {
	if c.r.Buffered() > 0 {
		return c.r.Read(p)
	}
	return c.Conn.Read(p)
}

func (c *prefixConn) CloseWrite() error {
	if cw, ok := c.Conn.(closeWriter); ok {
		return cw.CloseWrite()
	}
	return c.Conn.Close()
}

func (s *Server) handleHTTP(w http.ResponseWriter, r *http.Request, l zerolog.Logger) {
	body, err := readBody(r, s.cfg.MaxBodyBytes)
	if err != nil {
		http.Error(w, err.Error(), http.StatusRequestEntityTooLarge)
		return
	}
	r.Body = nil

	rp := &httputil.ReverseProxy{
		Director: director,
		Transport: &failoverTransport{
			server: s,
			body:   body,
			log:    l,
		},
		FlushInterval: 10 * time.Millisecond, // Only buffer incomplete responses briefly
		ErrorHandler: func(w http.ResponseWriter, _ *http.Request, err error) {
			http.Error(w, err.Error(), http.StatusBadGateway)
		},
		BufferPool: copyBuffers,
	}
	rp.ServeHTTP(w, r)
}

func readBody(r *http.Request, limit int64) ([]byte, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, nil
	}
	defer r.Body.Close()

	b, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		return nil, fmt.Errorf("read request body: %w", err)
	}
	if int64(len(b)) > limit {
		return nil, fmt.Errorf("request body exceeds %d bytes", limit)
	}
	return b, nil
}

func director(r *http.Request) {
	if r.URL.Scheme == "" {
		r.URL.Scheme = "http"
	}
	r.Host = r.URL.Host
	r.Header.Del("Proxy-Authorization")

	// Ask that X-Forwarded-For not be set.
	r.Header["X-Forwarded-For"] = nil
}

// failoverTransport sends one client request through the rotation, replaying
// the buffered body on each attempt.
type failoverTransport struct {
	server *Server
	body   []byte
	log    zerolog.Logger
}

func (t *failoverTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	var resp *http.Response
	err := t.server.withFailover(req.Context(), t.log, req.URL.Host, func(ctx context.Context, _ Lease, up *upstream) error {
		out := req.Clone(ctx)
		if t.body != nil {
			out.Body = io.NopCloser(bytes.NewReader(t.body))
			out.GetBody = func() (io.ReadCloser, error) {
				return io.NopCloser(bytes.NewReader(t.body)), nil
			}
			out.ContentLength = int64(len(t.body))
		}

		r, err := up.transport.RoundTrip(out)
		if err != nil {
			return classify(up, err)
		}
		resp = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// classify labels transport errors that arrive unclassified, so logs and
// failover decisions see a kind.
func classify(up *upstream, err error) error {
	if proxyerr.KindOf(err) != proxyerr.KindUnknown {
		return err
	}
	return proxyerr.Connect("round trip", up.dialer.ProxyAddr(), err)
}

func newTransport(cfg Config, d dialer.ProxyDialer) *http.Transport {
	t := &http.Transport{
		DialContext:         d.DialContext,
		ForceAttemptHTTP2:   true,
		MaxIdleConns:        256,
		MaxIdleConnsPerHost: 64,
		IdleConnTimeout:     cfg.HTTPIdleTimeout,
		TLSHandshakeTimeout: cfg.Dialer.NegotiationTimeout,
		DisableCompression:  true,
		TLSClientConfig: &tls.Config{
			MinVersion:         tls.VersionTLS12,
			ClientSessionCache: tls.NewLRUClientSessionCache(0),
		},
	}

	// HTTP proxies take absolute-URI requests directly; DialContext then
	// reaches the proxy itself.
	if hd, ok := d.(*dialer.HTTPProxyDialer); ok {
		t.Proxy = http.ProxyURL(hd.ProxyURL())
		t.DialContext = hd.Direct().DialContext
	}
	return t
}

// writeError simulates http.Error() for use on a hijacked connection.
func writeError(brw *bufio.ReadWriter, err error, code int) (int, error) {
	return fmt.Fprintf(brw, "HTTP/1.1 %d %s\r\nContent-Type: text/plain; charset=utf-8\r\nConnection: close\r\n\r\n%s\r\n", code, http.StatusText(code), err.Error())
}
