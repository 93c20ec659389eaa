package testutil

import (
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

// HTTPProxy is a minimal forward proxy for tests. It tunnels CONNECT and
// forwards absolute-URI requests.
type HTTPProxy struct {
	*httptest.Server

	// Fail makes every request answer 503 without contacting the target.
	Fail atomic.Bool

	deny     map[string]bool
	requests atomic.Int64
}

// StartHTTPProxy starts a proxy that answers 403 for requests to any of the
// deny host:port targets.
func StartHTTPProxy(t *testing.T, deny ...string) *HTTPProxy {
	t.Helper()

	p := &HTTPProxy{deny: make(map[string]bool, len(deny))}
	for _, d := range deny {
		p.deny[d] = true
	}
	p.Server = httptest.NewServer(http.HandlerFunc(p.serveHTTP))
	t.Cleanup(p.Close)
	return p
}

// Addr returns the proxy's host:port.
func (p *HTTPProxy) Addr() string {
	return p.Listener.Addr().String()
}

// Requests returns how many client requests the proxy has received.
func (p *HTTPProxy) Requests() int64 {
	return p.requests.Load()
}

func (p *HTTPProxy) serveHTTP(w http.ResponseWriter, r *http.Request) {
	p.requests.Add(1)
	if p.Fail.Load() {
		http.Error(w, "proxy unavailable", http.StatusServiceUnavailable)
		return
	}
	if p.deny[r.Host] {
		http.Error(w, "denied", http.StatusForbidden)
		return
	}

	if r.Method == http.MethodConnect {
		dst, err := net.Dial("tcp", r.Host)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		hj, ok := w.(http.Hijacker)
		if !ok {
			_ = dst.Close()
			http.Error(w, "hijack unsupported", http.StatusInternalServerError)
			return
		}
		c, _, err := hj.Hijack()
		if err != nil {
			_ = dst.Close()
			return
		}
		_, _ = io.WriteString(c, "HTTP/1.1 200 Connection Established\r\n\r\n")
		Relay(c, dst)
		return
	}

	if !r.URL.IsAbs() {
		http.Error(w, "absolute URI required", http.StatusBadRequest)
		return
	}
	out := r.Clone(r.Context())
	out.RequestURI = ""
	out.Header.Del("Proxy-Connection")
	resp, err := http.DefaultTransport.RoundTrip(out)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()
	for k, vs := range resp.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}

// StartIPEcho starts an HTTP server that answers every request with body.
func StartIPEcho(t *testing.T, body string) *httptest.Server {
	t.Helper()

	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(s.Close)
	return s
}
