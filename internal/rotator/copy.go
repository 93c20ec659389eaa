package rotator

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// errClosed ends a relay whose destination cannot be half-closed.
var errClosed = errors.New("relay closed")

// CopyBidirectional relays between left and right until both directions
// finish, either fails or ctx is done, then closes both. EOF on one side is
// passed on as a half-close when the other side supports it. When idle is
// positive, a direction that moves no data for that long fails.
func CopyBidirectional(ctx context.Context, left, right net.Conn, idle time.Duration) error {
	g, gctx := errgroup.WithContext(ctx)

	var closeOnce sync.Once
	closeBoth := func() {
		closeOnce.Do(func() {
			_ = left.Close()
			_ = right.Close()
		})
	}
	defer closeBoth()

	// gctx is done on the first error, on ctx cancellation, or once Wait
	// returns; any of them closes both sides to unblock the copies.
	stop := context.AfterFunc(gctx, closeBoth)
	defer stop()

	g.Go(func() error {
		return copyIdle(left, right, idle)
	})
	g.Go(func() error {
		return copyIdle(right, left, idle)
	})

	err := g.Wait()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(err, errClosed) {
		return nil
	}
	return err
}

type closeWriter interface {
	CloseWrite() error
}

func copyIdle(dst, src net.Conn, idle time.Duration) error {
	buf := copyBuffers.Get()
	defer copyBuffers.Put(buf)

	for {
		if idle > 0 {
			_ = src.SetReadDeadline(time.Now().Add(idle))
		}
		n, rerr := src.Read(buf)
		if n > 0 {
			if idle > 0 {
				_ = dst.SetWriteDeadline(time.Now().Add(idle))
			}
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return werr
			}
		}
		if rerr == io.EOF {
			if cw, ok := dst.(closeWriter); ok {
				_ = cw.CloseWrite()
				return nil
			}
			return errClosed
		}
		if rerr != nil {
			return rerr
		}
	}
}
