package dialer

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/die-net/liveproxy/internal/proxyerr"
	"github.com/die-net/liveproxy/internal/socks5"
)

// statusError is a non-2xx answer to CONNECT.
type statusError struct {
	code   int
	status string
}

func (e *statusError) Error() string {
	if e.status == "" {
		return "status " + strconv.Itoa(e.code)
	}
	return "status " + e.status
}

// handshakeError classifies a failed negotiation. Replies saying the proxy
// could not reach the destination are DestinationUnreachable; everything
// else is blamed on the proxy.
func handshakeError(op, proxyAddr string, err error) error {
	var re *socks5.ReplyError
	if errors.As(err, &re) && re.Unreachable() {
		return proxyerr.Destination(op, proxyAddr, err)
	}
	var se *statusError
	if errors.As(err, &se) && (se.code == http.StatusBadGateway || se.code == http.StatusGatewayTimeout) {
		return proxyerr.Destination(op, proxyAddr, err)
	}
	return proxyerr.Handshake(op, proxyAddr, err)
}
