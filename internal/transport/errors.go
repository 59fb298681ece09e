package transport

import (
	"errors"
	"io"
	"net"
	"os"
	"syscall"
)

var (
	ErrSocketClosed     = errors.New("socket closed")
	ErrAlreadyBound     = errors.New("socket already bound")
	ErrAlreadyConnected = errors.New("socket already connected")
	ErrNotBound         = errors.New("socket not bound")
	ErrNotConnected     = errors.New("socket not connected")

	// ErrResourceExhausted is returned when the datagram socket limit is
	// reached.
	ErrResourceExhausted = errors.New("datagram socket limit reached")

	// ErrProxyUnreachable is joined with the per-candidate errors when no
	// proxy candidate accepted a connection.
	ErrProxyUnreachable = errors.New("no proxy candidate reachable")

	// ErrUnsupportedProxy is returned for proxy types a socket cannot use,
	// such as HTTP.
	ErrUnsupportedProxy = errors.New("unsupported proxy type for socket")

	ErrTimeout        = errors.New("i/o timeout")
	ErrInvalidOption  = errors.New("invalid socket option")
	ErrUnsupportedOpt = errors.New("socket option not supported on this platform")
)

// isReset reports whether err means the peer reset the connection.
func isReset(err error) bool {
	return errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE)
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func isEOF(err error) bool {
	return errors.Is(err, io.EOF)
}
