package socket

import (
	"context"
	"errors"
	"io"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Pipe copies between a and b in both directions until both directions
// reach EOF, either side fails, or ctx is done. Both sides are closed on
// return. When a side supports ShutdownOutput, EOF from the other side is
// passed on as a half close.
func Pipe(ctx context.Context, a, b io.ReadWriteCloser) error {
	g, gctx := errgroup.WithContext(ctx)

	var closeOnce sync.Once
	closeBoth := func() {
		closeOnce.Do(func() {
			_ = a.Close()
			_ = b.Close()
		})
	}
	defer closeBoth()

	// Closing both sides unblocks the copies.
	stop := context.AfterFunc(gctx, closeBoth)
	defer stop()

	g.Go(func() error {
		return copyHalf(a, b)
	})
	g.Go(func() error {
		return copyHalf(b, a)
	})

	err := g.Wait()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return err
}

// copyBufferSize matches the buffer io.Copy allocates.
const copyBufferSize = 32 * 1024

var copyBuffers = sync.Pool{
	New: func() any {
		b := make([]byte, copyBufferSize)
		return &b
	},
}

type outputShutdowner interface {
	ShutdownOutput() error
}

func copyHalf(dst io.Writer, src io.Reader) error {
	bp := copyBuffers.Get().(*[]byte)
	defer copyBuffers.Put(bp)

	_, err := io.CopyBuffer(dst, src, *bp)
	if err != nil {
		return err
	}
	if sd, ok := dst.(outputShutdowner); ok {
		if err := sd.ShutdownOutput(); err != nil && !errors.Is(err, ErrSocketClosed) {
			return err
		}
	}
	return nil
}
