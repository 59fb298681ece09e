package dialer

import (
	"context"
	"net"

	"github.com/die-net/netsock/internal/retry"
)

// Dialer mirrors the net.Dialer interface.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

type retryingDialer struct {
	next    Dialer
	retrier *retry.Retrier
}

// NewRetryingDialer returns a Dialer that retries next with r's backoff.
// The returned error wraps retry.ErrNetworkUnreachable once attempts run out.
func NewRetryingDialer(next Dialer, r *retry.Retrier) Dialer {
	return &retryingDialer{next: next, retrier: r}
}

func (d *retryingDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	return retry.Do(d.retrier, func() (net.Conn, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return d.next.DialContext(ctx, network, address)
	})
}
