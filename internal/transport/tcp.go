package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/die-net/netsock/internal/dialer"
	"github.com/die-net/netsock/internal/metrics"
)

// TCP is a plain stream transport.
//
// Every blocking call is bracketed by the handle's reference count, so Close
// from another goroutine shuts I/O down at once and defers releasing the
// connection until the last in-flight call returns.
type TCP struct {
	env    *Env
	id     string
	kind   Kind
	logger zerolog.Logger
	ref    fdRef

	// probe reports queued bytes for Available.
	probe func(net.Conn) (int, error)

	mu         sync.Mutex
	state      State
	conn       net.Conn
	local      netip.AddrPort
	remote     net.Addr
	cancelDial context.CancelFunc
	opts       options
	reset      ResetState
	inShut     bool
	outShut    bool
}

// NewTCP returns an unbound stream transport.
func (e *Env) NewTCP() *TCP {
	return e.newTCP(KindTCP)
}

func (e *Env) newTCP(kind Kind) *TCP {
	id, logger := e.childLogger(kind)
	t := &TCP{
		env:    e,
		id:     id,
		kind:   kind,
		logger: logger,
		probe:  probeAvailable,
	}
	runtime.SetFinalizer(t, (*TCP).finalize)
	return t
}

// newAcceptedTCP wraps a connection produced by an accept. The result is
// already connected.
func (e *Env) newAcceptedTCP(conn net.Conn, remote net.Addr) *TCP {
	t := e.newTCP(KindTCP)
	t.conn = conn
	t.remote = remote
	t.state = Connected
	if la, ok := conn.LocalAddr().(*net.TCPAddr); ok {
		t.local = la.AddrPort()
	}
	metrics.OpenTransports.WithLabelValues(t.kind.String()).Inc()
	t.logger.Debug().Stringer("remote", remote).Msg("accepted")
	return t
}

func (t *TCP) ID() string { return t.id }

func (t *TCP) Kind() Kind { return t.kind }

func (t *TCP) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *TCP) ResetState() ResetState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reset
}

func (t *TCP) LocalAddr() net.Addr {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn != nil {
		return t.conn.LocalAddr()
	}
	return tcpAddr(t.local)
}

func (t *TCP) RemoteAddr() net.Addr {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.remote
}

// Bind records the local address used by a later Connect. An empty host
// binds the wildcard address; port 0 lets the system pick.
func (t *TCP) Bind(ctx context.Context, host string, port uint16) error {
	if err := t.checkBindable(); err != nil {
		return err
	}
	addr, err := t.env.resolveBind(ctx, host)
	if err != nil {
		return fmt.Errorf("bind %s: %w", host, err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != Unbound {
		return t.stateError(ErrAlreadyBound)
	}
	t.local = netip.AddrPortFrom(addr, port)
	t.state = Bound
	return nil
}

func (t *TCP) checkBindable() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != Unbound {
		return t.stateError(ErrAlreadyBound)
	}
	return nil
}

// stateError returns ErrSocketClosed for closed transports and fallback
// otherwise. The caller holds t.mu.
func (t *TCP) stateError(fallback error) error {
	if t.state == Closed {
		return ErrSocketClosed
	}
	return fallback
}

func (t *TCP) checkConnectable() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch t.state {
	case Closed:
		return ErrSocketClosed
	case Connected:
		return ErrAlreadyConnected
	}
	return nil
}

// Connect resolves host and connects to it, retrying with backoff. The
// wildcard address means the local host. On any failure the transport is
// closed.
func (t *TCP) Connect(ctx context.Context, host string, port uint16, timeout time.Duration) (err error) {
	if err := t.checkConnectable(); err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = t.Close()
		}
	}()

	addr, err := t.env.resolveTarget(ctx, host)
	if err != nil {
		return fmt.Errorf("connect %s: %w", host, err)
	}

	d := dialer.NewRetryingDialer(dialer.NewDirectDialer(t.dialConfig()), t.env.cfg.Retrier)
	return t.connectWith(ctx, d, netip.AddrPortFrom(addr, port), timeout)
}

// dialConfig returns the environment's dial settings plus this transport's
// bound address and SO_REUSEADDR.
func (t *TCP) dialConfig() dialer.Config {
	cfg := t.env.cfg.Dial
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == Bound {
		cfg.LocalAddr = net.TCPAddrFromAddrPort(t.local)
	}
	if t.opts.bool(SoReuseAddr) {
		cfg.Control = bindControl(true, 0)
	}
	return cfg
}

// connectWith dials target through d while holding a reference. A close that
// lands during the dial cancels it and wins over a successful result.
func (t *TCP) connectWith(ctx context.Context, d dialer.Dialer, target netip.AddrPort, timeout time.Duration) error {
	conn, err := t.dialHeld(ctx, d, target.String(), timeout)
	if err != nil {
		return err
	}
	return t.install(conn, net.TCPAddrFromAddrPort(target))
}

// dialHeld dials address with the reference held and the dial cancellable
// by Close. The returned connection is already owned by t.
func (t *TCP) dialHeld(ctx context.Context, d dialer.Dialer, address string, timeout time.Duration) (net.Conn, error) {
	if err := t.ref.acquire(); err != nil {
		return nil, err
	}

	var (
		dctx   context.Context
		cancel context.CancelFunc
	)
	if timeout > 0 {
		dctx, cancel = context.WithTimeout(ctx, timeout)
	} else {
		dctx, cancel = context.WithCancel(ctx)
	}
	t.mu.Lock()
	t.cancelDial = cancel
	t.mu.Unlock()

	conn, err := d.DialContext(dctx, "tcp", address)
	cancel()

	t.mu.Lock()
	t.cancelDial = nil
	if err == nil {
		t.conn = conn
		metrics.OpenTransports.WithLabelValues(t.kind.String()).Inc()
	}
	t.mu.Unlock()

	t.releaseRef()

	if t.ref.pending() {
		return nil, ErrSocketClosed
	}
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", address, err)
	}
	return conn, nil
}

// install marks t connected to remote over its current connection and
// applies the stored options.
func (t *TCP) install(conn net.Conn, remote net.Addr) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == Closed {
		return ErrSocketClosed
	}
	if err := t.opts.applyAll(conn); err != nil {
		return err
	}
	if la, ok := conn.LocalAddr().(*net.TCPAddr); ok {
		t.local = la.AddrPort()
	}
	t.remote = remote
	t.state = Connected
	t.logger.Debug().Stringer("remote", remote).Msg("connected")
	return nil
}

func (t *TCP) Read(p []byte) (int, error) {
	return t.ReadTimeout(p, 0)
}

// ReadTimeout reads with timeout instead of SO_TIMEOUT when timeout is
// positive. A read that times out returns ErrTimeout; the transport stays
// usable.
func (t *TCP) ReadTimeout(p []byte, timeout time.Duration) (int, error) {
	conn, err := t.beginIO()
	if err != nil {
		return 0, err
	}
	defer t.releaseRef()

	t.mu.Lock()
	inShut := t.inShut
	if timeout <= 0 {
		timeout = t.opts.timeout()
	}
	t.mu.Unlock()
	if inShut {
		return 0, io.EOF
	}

	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	if err := conn.SetReadDeadline(deadline); err != nil {
		return 0, t.ioError(err)
	}
	// A close racing the deadline above may have been overwritten.
	if t.ref.pending() {
		return 0, ErrSocketClosed
	}

	n, err := conn.Read(p)
	if err != nil && !isEOF(err) {
		return n, t.ioError(err)
	}
	return n, err
}

func (t *TCP) Write(p []byte) (int, error) {
	conn, err := t.beginIO()
	if err != nil {
		return 0, err
	}
	defer t.releaseRef()

	t.mu.Lock()
	outShut := t.outShut
	t.mu.Unlock()
	if outShut {
		return 0, fmt.Errorf("write: %w", net.ErrClosed)
	}

	n, err := conn.Write(p)
	if err != nil {
		return n, t.ioError(err)
	}
	return n, nil
}

// beginIO acquires a reference and returns the connection. The caller must
// releaseRef when done.
func (t *TCP) beginIO() (net.Conn, error) {
	if err := t.ref.acquire(); err != nil {
		return nil, err
	}
	t.mu.Lock()
	conn := t.conn
	connected := t.state == Connected
	t.mu.Unlock()
	if conn == nil || !connected {
		t.releaseRef()
		return nil, ErrNotConnected
	}
	return conn, nil
}

// ioError classifies a read or write error, recording resets.
func (t *TCP) ioError(err error) error {
	switch {
	case t.ref.pending():
		return ErrSocketClosed
	case isTimeout(err):
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	case isReset(err):
		t.mu.Lock()
		t.reset.advance(Reset)
		t.mu.Unlock()
	}
	return err
}

// Available returns the number of bytes that can be read without blocking.
// A failed probe marks the connection reset-pending and is retried once; a
// second failure or an empty queue then marks it reset.
func (t *TCP) Available() (int, error) {
	conn, err := t.beginIO()
	if err != nil {
		return 0, err
	}
	defer t.releaseRef()

	t.mu.Lock()
	if t.reset == Reset || t.inShut {
		t.mu.Unlock()
		return 0, nil
	}
	t.mu.Unlock()

	n, err := t.probe(conn)
	if err == nil {
		if n == 0 && t.ref.pending() {
			return 0, ErrSocketClosed
		}
		return n, nil
	}

	t.logger.Debug().Err(err).Msg("available probe failed, retrying")
	t.mu.Lock()
	t.reset.advance(ResetPending)
	t.mu.Unlock()

	n, err = t.probe(conn)
	if err != nil || n == 0 {
		t.mu.Lock()
		t.reset.advance(Reset)
		t.mu.Unlock()
		return 0, nil
	}
	return n, nil
}

// SendUrgentData is not supported; Go exposes no MSG_OOB send.
func (t *TCP) SendUrgentData(byte) error {
	if _, err := t.beginIO(); err != nil {
		return err
	}
	t.releaseRef()
	return fmt.Errorf("send urgent data: %w", errors.ErrUnsupported)
}

type closeReader interface{ CloseRead() error }

type closeWriter interface{ CloseWrite() error }

// ShutdownInput disables reads; later reads return io.EOF.
func (t *TCP) ShutdownInput() error {
	conn, err := t.beginIO()
	if err != nil {
		return err
	}
	defer t.releaseRef()

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.inShut {
		return nil
	}
	if cr, ok := conn.(closeReader); ok {
		if err := cr.CloseRead(); err != nil {
			return fmt.Errorf("shutdown input: %w", err)
		}
	}
	t.inShut = true
	return nil
}

// ShutdownOutput sends FIN; later writes fail.
func (t *TCP) ShutdownOutput() error {
	conn, err := t.beginIO()
	if err != nil {
		return err
	}
	defer t.releaseRef()

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.outShut {
		return nil
	}
	if cw, ok := conn.(closeWriter); ok {
		if err := cw.CloseWrite(); err != nil {
			return fmt.Errorf("shutdown output: %w", err)
		}
	}
	t.outShut = true
	return nil
}

func (t *TCP) SetOption(opt Option, value any) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == Closed {
		return ErrSocketClosed
	}
	if err := t.opts.store(opt, value); err != nil {
		return err
	}
	if t.conn == nil {
		return nil
	}
	if err := applyConnOption(t.conn, opt, value); err != nil {
		return fmt.Errorf("set %s: %w", opt, err)
	}
	return nil
}

func (t *TCP) GetOption(opt Option) (any, error) {
	if !opt.valid() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidOption, opt)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == Closed {
		return nil, ErrSocketClosed
	}
	if t.conn != nil {
		if v, ok := queryConnOption(t.conn, opt); ok {
			return v, nil
		}
	}
	if v, ok := t.opts.load(opt); ok {
		return v, nil
	}
	return defaultOption(opt), nil
}

// Close shuts the connection down. With no call in flight the connection
// is released at once; otherwise the last call to return releases it.
// Second and later calls do nothing.
func (t *TCP) Close() error {
	pre, final := t.ref.close()
	if !pre {
		return nil
	}
	t.preClose()
	if final {
		t.finalClose()
	}
	return nil
}

// preClose stops in-flight I/O without releasing the connection. Errors are
// discarded so the caller's primary error is what surfaces.
func (t *TCP) preClose() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = Closed
	if t.cancelDial != nil {
		t.cancelDial()
	}
	if t.conn == nil {
		return
	}
	_ = t.conn.SetDeadline(time.Unix(1, 0))
	if cr, ok := t.conn.(closeReader); ok {
		_ = cr.CloseRead()
	}
	if cw, ok := t.conn.(closeWriter); ok {
		_ = cw.CloseWrite()
	}
}

// finalClose releases the connection. fdRef guarantees it runs once.
func (t *TCP) finalClose() {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()

	runtime.SetFinalizer(t, nil)
	if conn == nil {
		t.logger.Debug().Msg("closed")
		return
	}
	_ = conn.Close()
	metrics.OpenTransports.WithLabelValues(t.kind.String()).Dec()
	t.logger.Debug().Msg("closed")
}

func (t *TCP) releaseRef() {
	if t.ref.release() {
		t.finalClose()
	}
}

// detach hands the connection to a new owner without closing it and leaves
// t closed.
func (t *TCP) detach() net.Conn {
	t.mu.Lock()
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()
	if conn != nil {
		metrics.OpenTransports.WithLabelValues(t.kind.String()).Dec()
	}
	_ = t.Close()
	return conn
}

func (t *TCP) finalize() {
	if pre, final := t.ref.close(); pre {
		t.logger.Debug().Msg("closing unreachable transport")
		t.preClose()
		if final {
			t.finalClose()
		}
	}
}
