package transport

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/die-net/netsock/internal/metrics"
)

// Listener is a listening stream transport. Accept is bracketed by the
// handle's reference count so a racing Close cannot release the socket
// under it.
type Listener struct {
	env    *Env
	id     string
	logger zerolog.Logger
	ref    fdRef

	mu    sync.Mutex
	state State
	ln    net.Listener
	opts  options
}

func (e *Env) NewListener() *Listener {
	id, logger := e.childLogger(KindListener)
	l := &Listener{env: e, id: id, logger: logger}
	runtime.SetFinalizer(l, (*Listener).finalize)
	return l
}

func (l *Listener) ID() string { return l.id }

func (l *Listener) Kind() Kind { return KindListener }

func (l *Listener) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *Listener) LocalAddr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ln == nil {
		return nil
	}
	return l.ln.Addr()
}

// Bind binds host:port and starts listening. The backlog is left to the
// system; net.ListenConfig does not expose it.
func (l *Listener) Bind(ctx context.Context, host string, port uint16, _ int) error {
	l.mu.Lock()
	if l.state != Unbound {
		err := ErrAlreadyBound
		if l.state == Closed {
			err = ErrSocketClosed
		}
		l.mu.Unlock()
		return err
	}
	reuse := l.opts.bool(SoReuseAddr)
	rcvBuf, _ := l.opts.load(SoRcvBuf)
	l.mu.Unlock()

	addr, err := l.env.resolveBind(ctx, host)
	if err != nil {
		return fmt.Errorf("bind %s: %w", host, err)
	}

	n, _ := rcvBuf.(int)
	ln, err := listenTCP(ctx, netip.AddrPortFrom(addr, port), bindControl(reuse, n), l.env.cfg.Dial.KeepAlive)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != Unbound {
		_ = ln.Close()
		if l.state == Closed {
			return ErrSocketClosed
		}
		return ErrAlreadyBound
	}
	l.ln = ln
	l.state = Bound
	metrics.OpenTransports.WithLabelValues(KindListener.String()).Inc()
	l.logger.Debug().Stringer("addr", ln.Addr()).Msg("listening")
	return nil
}

// Accept waits for a connection. SO_TIMEOUT bounds the wait; cancelling ctx
// aborts it.
func (l *Listener) Accept(ctx context.Context) (*TCP, error) {
	if err := l.ref.acquire(); err != nil {
		return nil, err
	}
	defer l.releaseRef()

	l.mu.Lock()
	ln := l.ln
	timeout := l.opts.timeout()
	l.mu.Unlock()
	if ln == nil {
		return nil, ErrNotBound
	}

	dl, hasDeadline := ln.(interface{ SetDeadline(time.Time) error })
	if hasDeadline {
		var deadline time.Time
		if timeout > 0 {
			deadline = time.Now().Add(timeout)
		}
		_ = dl.SetDeadline(deadline)
		stop := context.AfterFunc(ctx, func() { _ = dl.SetDeadline(time.Unix(1, 0)) })
		defer stop()
	}
	// A close racing the deadline above may have been overwritten.
	if l.ref.pending() {
		return nil, ErrSocketClosed
	}

	conn, err := ln.Accept()
	if err != nil {
		switch {
		case l.ref.pending():
			return nil, ErrSocketClosed
		case ctx.Err() != nil:
			return nil, ctx.Err()
		case isTimeout(err):
			return nil, fmt.Errorf("accept: %w: %w", ErrTimeout, err)
		}
		return nil, fmt.Errorf("accept: %w", err)
	}
	if l.ref.pending() {
		_ = conn.Close()
		return nil, ErrSocketClosed
	}
	return l.env.newAcceptedTCP(conn, conn.RemoteAddr()), nil
}

func (l *Listener) SetOption(opt Option, value any) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == Closed {
		return ErrSocketClosed
	}
	switch opt {
	case SoReuseAddr, SoTimeout, SoRcvBuf:
	default:
		return fmt.Errorf("%w: %s on a listener", ErrInvalidOption, opt)
	}
	if err := l.opts.store(opt, value); err != nil {
		return err
	}
	// Connections accepted from now on inherit the new size.
	if sc, ok := l.syscallConn(); ok && opt == SoRcvBuf {
		return setBufferSize(sc, true, value.(int))
	}
	return nil
}

func (l *Listener) GetOption(opt Option) (any, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == Closed {
		return nil, ErrSocketClosed
	}
	if !opt.valid() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidOption, opt)
	}
	if sc, ok := l.syscallConn(); ok && opt == SoRcvBuf {
		if n, err := getBufferSize(sc, true); err == nil {
			return n, nil
		}
	}
	if v, ok := l.opts.load(opt); ok {
		return v, nil
	}
	return defaultOption(opt), nil
}

// syscallConn returns the listening socket. l.mu must be held.
func (l *Listener) syscallConn() (syscall.Conn, bool) {
	if kl, ok := l.ln.(*keepAliveListener); ok {
		return kl.TCPListener, true
	}
	return nil, false
}

// Close stops listening. A pending Accept returns ErrSocketClosed.
func (l *Listener) Close() error {
	pre, final := l.ref.close()
	if !pre {
		return nil
	}
	l.preClose()
	if final {
		l.finalClose()
	}
	return nil
}

func (l *Listener) preClose() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.state = Closed
	if dl, ok := l.ln.(interface{ SetDeadline(time.Time) error }); ok {
		_ = dl.SetDeadline(time.Unix(1, 0))
	}
}

func (l *Listener) finalClose() {
	l.mu.Lock()
	ln := l.ln
	l.mu.Unlock()

	runtime.SetFinalizer(l, nil)
	if ln != nil {
		_ = ln.Close()
		metrics.OpenTransports.WithLabelValues(KindListener.String()).Dec()
	}
	l.logger.Debug().Msg("closed")
}

func (l *Listener) releaseRef() {
	if l.ref.release() {
		l.finalClose()
	}
}

func (l *Listener) finalize() {
	_ = l.Close()
}

// listenTCP listens on addr and returns a net.Listener that applies
// keepAliveConfig to accepted TCP connections. control runs before bind.
func listenTCP(ctx context.Context, addr netip.AddrPort, control func(string, string, syscall.RawConn) error, keepAliveConfig net.KeepAliveConfig) (net.Listener, error) {
	lc := net.ListenConfig{KeepAlive: -1, Control: control}

	ln, err := lc.Listen(ctx, "tcp", addr.String())
	if err != nil {
		return nil, fmt.Errorf("listen tcp %s: %w", addr, err)
	}

	return &keepAliveListener{TCPListener: ln.(*net.TCPListener), KeepAliveConfig: keepAliveConfig}, nil
}

// keepAliveListener wraps a *net.TCPListener and applies KeepAliveConfig to
// every accepted connection.
type keepAliveListener struct {
	*net.TCPListener
	net.KeepAliveConfig
}

func (l *keepAliveListener) Accept() (net.Conn, error) {
	conn, err := l.AcceptTCP()
	if err != nil {
		return nil, err
	}
	_ = conn.SetKeepAliveConfig(l.KeepAliveConfig)
	return conn, nil
}
