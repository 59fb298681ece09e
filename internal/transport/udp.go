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

// DefaultMaxDatagramSockets is the guard limit when none is configured.
const DefaultMaxDatagramSockets = 1024

// UDPGuard limits the number of datagram sockets open at once in the
// process.
type UDPGuard struct {
	mu    sync.Mutex
	limit int
	count int
}

// NewUDPGuard returns a guard allowing limit sockets. limit <= 0 means
// DefaultMaxDatagramSockets.
func NewUDPGuard(limit int) *UDPGuard {
	if limit <= 0 {
		limit = DefaultMaxDatagramSockets
	}
	return &UDPGuard{limit: limit}
}

// BeforeCreate reserves a slot, failing with ErrResourceExhausted at the
// limit.
func (g *UDPGuard) BeforeCreate() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.count >= g.limit {
		return fmt.Errorf("%w (%d)", ErrResourceExhausted, g.limit)
	}
	g.count++
	metrics.DatagramSockets.Set(float64(g.count))
	return nil
}

// AfterClose returns a slot. It also rolls back a BeforeCreate whose socket
// could not be created.
func (g *UDPGuard) AfterClose() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.count > 0 {
		g.count--
	}
	metrics.DatagramSockets.Set(float64(g.count))
}

func (g *UDPGuard) Count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.count
}

// UDP is a datagram transport. Only creation accounting, binding and raw
// packet I/O are provided.
type UDP struct {
	env    *Env
	id     string
	logger zerolog.Logger
	ref    fdRef
	guard  *UDPGuard

	mu    sync.Mutex
	state State
	pc    net.PacketConn
	opts  options
}

// NewUDP reserves a datagram slot and returns an unbound transport.
func (e *Env) NewUDP() (*UDP, error) {
	guard := e.cfg.UDPGuard
	if guard != nil {
		if err := guard.BeforeCreate(); err != nil {
			return nil, err
		}
	}
	id, logger := e.childLogger(KindUDP)
	u := &UDP{env: e, id: id, logger: logger, guard: guard}
	runtime.SetFinalizer(u, (*UDP).finalize)
	return u, nil
}

func (u *UDP) ID() string { return u.id }

func (u *UDP) Kind() Kind { return KindUDP }

func (u *UDP) State() State {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.state
}

func (u *UDP) LocalAddr() net.Addr {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.pc == nil {
		return nil
	}
	return u.pc.LocalAddr()
}

// Bind opens the datagram socket on host:port.
func (u *UDP) Bind(ctx context.Context, host string, port uint16) error {
	u.mu.Lock()
	if u.state != Unbound {
		err := ErrAlreadyBound
		if u.state == Closed {
			err = ErrSocketClosed
		}
		u.mu.Unlock()
		return err
	}
	reuse := u.opts.bool(SoReuseAddr)
	u.mu.Unlock()

	addr, err := u.env.resolveBind(ctx, host)
	if err != nil {
		return fmt.Errorf("bind %s: %w", host, err)
	}

	lc := net.ListenConfig{Control: bindControl(reuse, 0)}
	pc, err := lc.ListenPacket(ctx, "udp", netip.AddrPortFrom(addr, port).String())
	if err != nil {
		return fmt.Errorf("listen udp: %w", err)
	}

	u.mu.Lock()
	defer u.mu.Unlock()
	if u.state != Unbound {
		_ = pc.Close()
		if u.state == Closed {
			return ErrSocketClosed
		}
		return ErrAlreadyBound
	}
	if err := applyBufferSizes(pc, &u.opts); err != nil {
		_ = pc.Close()
		return err
	}
	u.pc = pc
	u.state = Bound
	metrics.OpenTransports.WithLabelValues(KindUDP.String()).Inc()
	return nil
}

// ReadFrom reads one datagram, honouring SO_TIMEOUT.
func (u *UDP) ReadFrom(p []byte) (int, net.Addr, error) {
	pc, err := u.begin()
	if err != nil {
		return 0, nil, err
	}
	defer u.releaseRef()

	u.mu.Lock()
	timeout := u.opts.timeout()
	u.mu.Unlock()
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	_ = pc.SetReadDeadline(deadline)
	if u.ref.pending() {
		return 0, nil, ErrSocketClosed
	}

	n, addr, err := pc.ReadFrom(p)
	if err != nil {
		return n, addr, u.ioError(err)
	}
	return n, addr, nil
}

func (u *UDP) WriteTo(p []byte, addr net.Addr) (int, error) {
	pc, err := u.begin()
	if err != nil {
		return 0, err
	}
	defer u.releaseRef()

	n, err := pc.WriteTo(p, addr)
	if err != nil {
		return n, u.ioError(err)
	}
	return n, nil
}

func (u *UDP) begin() (net.PacketConn, error) {
	if err := u.ref.acquire(); err != nil {
		return nil, err
	}
	u.mu.Lock()
	pc := u.pc
	u.mu.Unlock()
	if pc == nil {
		u.releaseRef()
		return nil, ErrNotBound
	}
	return pc, nil
}

func (u *UDP) ioError(err error) error {
	switch {
	case u.ref.pending():
		return ErrSocketClosed
	case isTimeout(err):
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	return err
}

func (u *UDP) SetOption(opt Option, value any) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.state == Closed {
		return ErrSocketClosed
	}
	switch opt {
	case SoReuseAddr, SoTimeout, SoRcvBuf, SoSndBuf:
	default:
		return fmt.Errorf("%w: %s on a datagram socket", ErrInvalidOption, opt)
	}
	if err := u.opts.store(opt, value); err != nil {
		return err
	}
	if uc, ok := u.pc.(*net.UDPConn); ok {
		switch opt {
		case SoRcvBuf:
			return uc.SetReadBuffer(value.(int))
		case SoSndBuf:
			return uc.SetWriteBuffer(value.(int))
		}
	}
	return nil
}

func (u *UDP) GetOption(opt Option) (any, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.state == Closed {
		return nil, ErrSocketClosed
	}
	if !opt.valid() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidOption, opt)
	}
	if sc, ok := u.pc.(syscall.Conn); ok && (opt == SoRcvBuf || opt == SoSndBuf) {
		if n, err := getBufferSize(sc, opt == SoRcvBuf); err == nil {
			return n, nil
		}
	}
	if v, ok := u.opts.load(opt); ok {
		return v, nil
	}
	return defaultOption(opt), nil
}

// applyBufferSizes pushes the buffer sizes stored before Bind to pc.
func applyBufferSizes(pc net.PacketConn, o *options) error {
	uc, ok := pc.(*net.UDPConn)
	if !ok {
		return nil
	}
	if v, ok := o.load(SoRcvBuf); ok {
		if err := uc.SetReadBuffer(v.(int)); err != nil {
			return fmt.Errorf("apply %s: %w", SoRcvBuf, err)
		}
	}
	if v, ok := o.load(SoSndBuf); ok {
		if err := uc.SetWriteBuffer(v.(int)); err != nil {
			return fmt.Errorf("apply %s: %w", SoSndBuf, err)
		}
	}
	return nil
}

// Close releases the socket and its guard slot.
func (u *UDP) Close() error {
	pre, final := u.ref.close()
	if !pre {
		return nil
	}
	u.mu.Lock()
	u.state = Closed
	if u.pc != nil {
		_ = u.pc.SetDeadline(time.Unix(1, 0))
	}
	u.mu.Unlock()
	if final {
		u.finalClose()
	}
	return nil
}

func (u *UDP) finalClose() {
	u.mu.Lock()
	pc := u.pc
	u.mu.Unlock()

	runtime.SetFinalizer(u, nil)
	if pc != nil {
		_ = pc.Close()
		metrics.OpenTransports.WithLabelValues(KindUDP.String()).Dec()
	}
	if u.guard != nil {
		u.guard.AfterClose()
	}
	u.logger.Debug().Msg("closed")
}

func (u *UDP) releaseRef() {
	if u.ref.release() {
		u.finalClose()
	}
}

func (u *UDP) finalize() {
	_ = u.Close()
}
