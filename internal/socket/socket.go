package socket

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/die-net/netsock/internal/transport"
)

// Socket is a stream socket. All I/O is delegated to its transport; Socket
// adds the lifecycle state and the typed option accessors.
type Socket struct {
	id     string
	logger zerolog.Logger
	impl   transport.Stream

	mu        sync.Mutex
	state     State
	bound     bool
	connected bool
	inShut    bool
	outShut   bool
}

func (f *Factory) newSocket(impl transport.Stream, state State) *Socket {
	id, logger := f.childLogger()
	s := &Socket{id: id, logger: logger, impl: impl, state: state}
	if state == Connected {
		s.bound, s.connected = true, true
	}
	return s
}

func (s *Socket) ID() string { return s.id }

func (s *Socket) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// IsBound reports whether the socket was ever bound. It stays true after
// Close.
func (s *Socket) IsBound() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bound
}

// IsConnected reports whether the socket was ever connected. It stays true
// after Close.
func (s *Socket) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *Socket) IsClosed() bool {
	return s.State() == Closed
}

func (s *Socket) IsInputShutdown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inShut
}

func (s *Socket) IsOutputShutdown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outShut
}

func (s *Socket) LocalAddr() net.Addr { return s.impl.LocalAddr() }

func (s *Socket) RemoteAddr() net.Addr { return s.impl.RemoteAddr() }

// Bind sets the local address used by Connect. An empty host is the
// wildcard address.
func (s *Socket) Bind(ctx context.Context, host string, port uint16) error {
	if err := s.begin(Bound); err != nil {
		return err
	}
	if err := s.impl.Bind(ctx, host, port); err != nil {
		return err
	}
	return s.finish(Bound)
}

// Connect connects to host:port, through a proxy when the socket has one.
// timeout bounds each dial; zero means no limit beyond the dialer's own.
// A failed connect closes the socket.
func (s *Socket) Connect(ctx context.Context, host string, port uint16, timeout time.Duration) error {
	if err := s.begin(Connected); err != nil {
		return err
	}
	if err := s.impl.Connect(ctx, host, port, timeout); err != nil {
		s.mu.Lock()
		s.state = Closed
		s.mu.Unlock()
		s.logger.Debug().Err(err).Str("host", host).Uint16("port", port).Msg("connect failed")
		return err
	}
	if err := s.finish(Connected); err != nil {
		return err
	}
	s.logger.Debug().Stringer("remote", s.impl.RemoteAddr()).Msg("connected")
	return nil
}

// begin checks that the socket may move to next before the transport is
// called. The state itself changes in finish.
func (s *Socket) begin(next State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return checkTransition(s.state, next)
}

func (s *Socket) finish(next State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Closed {
		return ErrSocketClosed
	}
	s.state = next
	s.bound = true
	if next == Connected {
		s.connected = true
	}
	return nil
}

func (s *Socket) Read(p []byte) (int, error) {
	if err := s.checkIO(); err != nil {
		return 0, err
	}
	return s.impl.Read(p)
}

// ReadTimeout reads with a timeout overriding SO_TIMEOUT for this call.
func (s *Socket) ReadTimeout(p []byte, timeout time.Duration) (int, error) {
	if err := s.checkIO(); err != nil {
		return 0, err
	}
	return s.impl.ReadTimeout(p, timeout)
}

func (s *Socket) Write(p []byte) (int, error) {
	if err := s.checkIO(); err != nil {
		return 0, err
	}
	return s.impl.Write(p)
}

// Available returns the number of bytes readable without blocking. It
// returns 0 once the connection is known to be reset.
func (s *Socket) Available() (int, error) {
	if err := s.checkIO(); err != nil {
		return 0, err
	}
	return s.impl.Available()
}

func (s *Socket) SendUrgentData(b byte) error {
	if err := s.checkIO(); err != nil {
		return err
	}
	return s.impl.SendUrgentData(b)
}

func (s *Socket) ResetState() transport.ResetState {
	return s.impl.ResetState()
}

func (s *Socket) checkIO() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case Closed:
		return ErrSocketClosed
	case Connected:
		return nil
	}
	return ErrNotConnected
}

func (s *Socket) ShutdownInput() error {
	if err := s.checkIO(); err != nil {
		return err
	}
	if err := s.impl.ShutdownInput(); err != nil {
		return err
	}
	s.mu.Lock()
	s.inShut = true
	s.mu.Unlock()
	return nil
}

func (s *Socket) ShutdownOutput() error {
	if err := s.checkIO(); err != nil {
		return err
	}
	if err := s.impl.ShutdownOutput(); err != nil {
		return err
	}
	s.mu.Lock()
	s.outShut = true
	s.mu.Unlock()
	return nil
}

// Close closes the socket. It is safe to call more than once and from
// another goroutine while a call is blocked in I/O.
func (s *Socket) Close() error {
	s.mu.Lock()
	if s.state == Closed {
		s.mu.Unlock()
		return nil
	}
	s.state = Closed
	s.mu.Unlock()

	if err := s.impl.Close(); err != nil {
		s.logger.Warn().Err(err).Msg("close failed")
	}
	s.logger.Debug().Msg("closed")
	return nil
}

func (s *Socket) SetTCPNoDelay(on bool) error {
	return s.impl.SetOption(transport.TCPNoDelay, on)
}

func (s *Socket) TCPNoDelay() (bool, error) {
	return boolOption(s.impl, transport.TCPNoDelay)
}

// SetSoLinger enables SO_LINGER with the given timeout in seconds, or
// disables it when on is false.
func (s *Socket) SetSoLinger(on bool, seconds int) error {
	if !on {
		seconds = -1
	}
	return s.impl.SetOption(transport.SoLinger, seconds)
}

// SoLinger returns the linger timeout in seconds, or -1 when disabled.
func (s *Socket) SoLinger() (int, error) {
	return intOption(s.impl, transport.SoLinger)
}

// SetSoTimeout bounds every blocking read. Zero waits forever.
func (s *Socket) SetSoTimeout(d time.Duration) error {
	return s.impl.SetOption(transport.SoTimeout, d)
}

func (s *Socket) SoTimeout() (time.Duration, error) {
	return durationOption(s.impl, transport.SoTimeout)
}

func (s *Socket) SetKeepAlive(on bool) error {
	return s.impl.SetOption(transport.SoKeepAlive, on)
}

func (s *Socket) KeepAlive() (bool, error) {
	return boolOption(s.impl, transport.SoKeepAlive)
}

func (s *Socket) SetReceiveBufferSize(n int) error {
	return s.impl.SetOption(transport.SoRcvBuf, n)
}

func (s *Socket) ReceiveBufferSize() (int, error) {
	return intOption(s.impl, transport.SoRcvBuf)
}

func (s *Socket) SetSendBufferSize(n int) error {
	return s.impl.SetOption(transport.SoSndBuf, n)
}

func (s *Socket) SendBufferSize() (int, error) {
	return intOption(s.impl, transport.SoSndBuf)
}

func (s *Socket) SetReuseAddress(on bool) error {
	return s.impl.SetOption(transport.SoReuseAddr, on)
}

func (s *Socket) ReuseAddress() (bool, error) {
	return boolOption(s.impl, transport.SoReuseAddr)
}

func (s *Socket) SetOOBInline(on bool) error {
	return s.impl.SetOption(transport.SoOOBInline, on)
}

func (s *Socket) OOBInline() (bool, error) {
	return boolOption(s.impl, transport.SoOOBInline)
}
