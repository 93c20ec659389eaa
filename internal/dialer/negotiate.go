package dialer

import (
	"bufio"
	"context"
	"net"
	"time"
)

// negotiate runs fn with a deadline on c covering both timeout and ctx.
// Cancelling ctx interrupts a blocked fn. The deadline is cleared on success.
func negotiate(ctx context.Context, c net.Conn, timeout time.Duration, fn func() error) error {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	if d, ok := ctx.Deadline(); ok && (deadline.IsZero() || d.Before(deadline)) {
		deadline = d
	}
	if !deadline.IsZero() {
		_ = c.SetDeadline(deadline)
	}

	stop := context.AfterFunc(ctx, func() {
		_ = c.SetDeadline(time.Unix(1, 0))
	})
	err := fn()
	if !stop() {
		return ctx.Err()
	}
	if err != nil {
		return err
	}

	_ = c.SetDeadline(time.Time{})
	return nil
}

// bufferedConn returns bytes already read into r before reading from Conn.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) {
	if c.r.Buffered() > 0 {
		return c.r.Read(p)
	}
	return c.Conn.Read(p)
}

// CloseWrite half-closes the underlying connection when it supports it and
// closes it otherwise.
func (c *bufferedConn) CloseWrite() error {
	if cw, ok := c.Conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return c.Conn.Close()
}

func wrapBuffered(c net.Conn, r *bufio.Reader) net.Conn {
	if r.Buffered() == 0 {
		return c
	}
	return &bufferedConn{Conn: c, r: r}
}
