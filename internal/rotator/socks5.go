package rotator

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/google/uuid"

	"github.com/die-net/liveproxy/internal/socks5"
)

// ServeSOCKS5 serves the SOCKS5 front on ln until Shutdown. Only CONNECT is
// supported.
func (s *Server) ServeSOCKS5(ln net.Listener) error {
	if !s.trackListener(ln) {
		_ = ln.Close()
		return nil
	}
	defer s.untrackListener(ln)

	var backoff time.Duration
	for {
		c, err := ln.Accept()
		if err != nil {
			if s.isClosing() {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				backoff = min(max(2*backoff, 5*time.Millisecond), time.Second)
				time.Sleep(backoff)
				continue
			}
			return err
		}
		backoff = 0

		if !s.track() {
			_ = c.Close()
			return nil
		}
		go func() {
			defer s.tunnels.Done()
			s.handleSOCKS5(c)
		}()
	}
}

func (s *Server) isClosing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}

func (s *Server) handleSOCKS5(conn net.Conn) {
	l := s.log.With().Str("req", uuid.NewString()).Str("client", conn.RemoteAddr().String()).Logger()

	// Closes the client if shutdown cuts relays before the request is read.
	stop := context.AfterFunc(s.relayCtx, func() { _ = conn.Close() })

	_ = conn.SetDeadline(time.Now().Add(s.cfg.Dialer.NegotiationTimeout))
	if err := socks5.ServerNegotiate(conn, s.cfg.SOCKS5Auth); err != nil {
		l.Debug().Err(err).Msg("socks5 negotiation failed")
		stop()
		_ = conn.Close()
		return
	}
	req, err := socks5.ServerReadRequest(conn)
	if err != nil {
		l.Debug().Err(err).Msg("socks5 request failed")
		stop()
		_ = conn.Close()
		return
	}
	_ = conn.SetDeadline(time.Time{})

	if req.Cmd != socks5.CmdConnect {
		socks5.WriteCommandNotSupportedReply(conn, req.Atyp)
		stop()
		_ = conn.Close()
		return
	}

	target := req.Address()
	var serverConn net.Conn
	err = s.withFailover(s.relayCtx, l, target, func(ctx context.Context, _ Lease, up *upstream) error {
		c, err := up.dialer.DialContext(ctx, "tcp", target)
		if err != nil {
			return err
		}
		serverConn = c
		return nil
	})
	stop()
	if err != nil {
		_ = socks5.WriteReply(conn, socks5.ReplyCodeFor(err), req.Atyp)
		_ = conn.Close()
		return
	}

	if err := socks5.WriteSuccessReply(conn, serverConn.LocalAddr()); err != nil {
		_ = conn.Close()
		_ = serverConn.Close()
		return
	}

	if err := CopyBidirectional(s.relayCtx, conn, serverConn, s.cfg.IdleTimeout); err != nil {
		l.Debug().Err(err).Str("target", target).Msg("tunnel ended")
	}
}
