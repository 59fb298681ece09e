package socket

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/die-net/netsock/internal/transport"
)

// ServerSocket accepts stream connections, locally or through a SOCKS BIND.
type ServerSocket struct {
	f      *Factory
	id     string
	logger zerolog.Logger
	impl   transport.Server

	mu    sync.Mutex
	state State
	bound bool
}

func (f *Factory) newServerSocket(impl transport.Server) *ServerSocket {
	id, logger := f.childLogger()
	return &ServerSocket{f: f, id: id, logger: logger, impl: impl}
}

func (ss *ServerSocket) ID() string { return ss.id }

func (ss *ServerSocket) State() State {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return ss.state
}

func (ss *ServerSocket) IsBound() bool {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return ss.bound
}

func (ss *ServerSocket) IsClosed() bool {
	return ss.State() == Closed
}

// LocalAddr is the listening address. Through a SOCKS proxy it is the
// address the proxy listens on.
func (ss *ServerSocket) LocalAddr() net.Addr {
	return ss.impl.LocalAddr()
}

// Bind starts listening on host:port. Through a SOCKS proxy, host:port
// names the peer expected to connect.
func (ss *ServerSocket) Bind(ctx context.Context, host string, port uint16, backlog int) error {
	ss.mu.Lock()
	if err := checkTransition(ss.state, Bound); err != nil {
		ss.mu.Unlock()
		return err
	}
	ss.mu.Unlock()

	if err := ss.impl.Bind(ctx, host, port, backlog); err != nil {
		return err
	}

	ss.mu.Lock()
	defer ss.mu.Unlock()
	if ss.state == Closed {
		return ErrSocketClosed
	}
	ss.state = Bound
	ss.bound = true
	ss.logger.Debug().Stringer("addr", ss.impl.LocalAddr()).Msg("bound")
	return nil
}

// Accept waits for the next connection. SO_TIMEOUT bounds the wait and
// cancelling ctx aborts it.
func (ss *ServerSocket) Accept(ctx context.Context) (*Socket, error) {
	ss.mu.Lock()
	state := ss.state
	ss.mu.Unlock()
	switch state {
	case Closed:
		return nil, ErrSocketClosed
	case Created:
		return nil, ErrNotBound
	}

	tr, err := ss.impl.Accept(ctx)
	if err != nil {
		return nil, err
	}
	s := ss.f.newSocket(tr, Connected)
	s.logger.Debug().Stringer("remote", tr.RemoteAddr()).Str("server_id", ss.id).Msg("accepted")
	return s, nil
}

func (ss *ServerSocket) Close() error {
	ss.mu.Lock()
	if ss.state == Closed {
		ss.mu.Unlock()
		return nil
	}
	ss.state = Closed
	ss.mu.Unlock()

	if err := ss.impl.Close(); err != nil {
		ss.logger.Warn().Err(err).Msg("close failed")
	}
	ss.logger.Debug().Msg("closed")
	return nil
}

// SetSoTimeout bounds each Accept. Zero waits forever.
func (ss *ServerSocket) SetSoTimeout(d time.Duration) error {
	return ss.impl.SetOption(transport.SoTimeout, d)
}

func (ss *ServerSocket) SoTimeout() (time.Duration, error) {
	return durationOption(ss.impl, transport.SoTimeout)
}

// SetReuseAddress takes effect at Bind.
func (ss *ServerSocket) SetReuseAddress(on bool) error {
	return ss.impl.SetOption(transport.SoReuseAddr, on)
}

func (ss *ServerSocket) ReuseAddress() (bool, error) {
	return boolOption(ss.impl, transport.SoReuseAddr)
}

func (ss *ServerSocket) SetReceiveBufferSize(n int) error {
	return ss.impl.SetOption(transport.SoRcvBuf, n)
}

func (ss *ServerSocket) ReceiveBufferSize() (int, error) {
	return intOption(ss.impl, transport.SoRcvBuf)
}
