package transport

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/die-net/netsock/internal/proxy"
	"github.com/die-net/netsock/internal/socks"
)

// SocksListener accepts a single connection through a SOCKS BIND.
//
// Bind opens a control connection to the proxy and issues BIND; Accept waits
// for the proxy's second reply. The control connection then becomes the
// accepted transport and is detached from the listener rather than closed.
// When the selector answers Direct, a plain local Listener is used instead.
type SocksListener struct {
	env    *Env
	id     string
	logger zerolog.Logger
	ref    fdRef
	proxy  *proxy.Descriptor

	mu     sync.Mutex
	state  State
	ctrl   *TCP
	client *socks.Client
	bound  socks.Addr
	direct *Listener
	opts   options
}

// NewSocksListener returns a listener that binds through p, or through the
// selector's choice when p is nil.
func (e *Env) NewSocksListener(p *proxy.Descriptor) *SocksListener {
	id, logger := e.childLogger(KindSocksListener)
	l := &SocksListener{env: e, id: id, logger: logger, proxy: p}
	runtime.SetFinalizer(l, (*SocksListener).finalize)
	return l
}

func (l *SocksListener) ID() string { return l.id }

func (l *SocksListener) Kind() Kind { return KindSocksListener }

func (l *SocksListener) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// LocalAddr returns the address the proxy listens on for us, or the local
// address in direct mode.
func (l *SocksListener) LocalAddr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.direct != nil {
		return l.direct.LocalAddr()
	}
	if l.state != Bound {
		return nil
	}
	return l.bound
}

// Bind asks the proxy to accept a connection from host:port, the peer
// expected to connect. In direct mode it listens locally on port instead.
func (l *SocksListener) Bind(ctx context.Context, host string, port uint16, backlog int) (err error) {
	l.mu.Lock()
	if l.state != Unbound {
		err := ErrAlreadyBound
		if l.state == Closed {
			err = ErrSocketClosed
		}
		l.mu.Unlock()
		return err
	}
	timeout := l.opts.timeout()
	l.mu.Unlock()

	u := &url.URL{Scheme: "serversocket", Host: net.JoinHostPort(host, strconv.Itoa(int(port)))}
	candidates, err := l.env.candidates(l.proxy, u)
	if err != nil {
		return err
	}
	if len(candidates) == 0 || candidates[0].Type == proxy.Direct {
		return l.bindDirect(ctx, port, backlog)
	}

	ctrl := l.env.newTCP(KindSocks)
	defer func() {
		if err != nil {
			_ = ctrl.Close()
		}
	}()

	conn, chosen, err := ctrl.dialCandidates(ctx, candidates, u, timeout)
	if err != nil {
		return err
	}
	target, err := l.env.socksTarget(ctx, host, port, chosen.SocksVersion)
	if err != nil {
		return err
	}

	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	client := socks.NewClient(conn, socks.Config{
		Version:  chosen.SocksVersion,
		Auth:     l.env.cfg.SocksAuth,
		Deadline: deadline,
		Logger:   &l.logger,
	})

	var bound socks.Addr
	err = ctrl.handshake(func(net.Conn) error {
		var err error
		bound, err = client.Bind(target)
		return err
	})
	if err != nil {
		return err
	}

	// Proxies answer 0.0.0.0 when they listen on the address we reached
	// them at.
	if bound.IP.IsValid() && bound.IP.IsUnspecified() {
		if ra, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
			bound.IP = ra.AddrPort().Addr().Unmap()
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != Unbound {
		if l.state == Closed {
			return ErrSocketClosed
		}
		return ErrAlreadyBound
	}
	l.ctrl = ctrl
	l.client = client
	l.bound = bound
	l.state = Bound
	l.logger.Debug().Stringer("proxy", chosen).Stringer("bound", bound).Msg("socks bind")
	return nil
}

func (l *SocksListener) bindDirect(ctx context.Context, port uint16, backlog int) error {
	ln := l.env.NewListener()
	l.mu.Lock()
	for opt, v := range l.opts.set {
		_ = ln.SetOption(opt, v)
	}
	l.mu.Unlock()

	if err := ln.Bind(ctx, "", port, backlog); err != nil {
		_ = ln.Close()
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
	l.direct = ln
	l.state = Bound
	return nil
}

// Accept waits for the peer to connect to the proxy. Only one connection
// can be accepted; later calls return ErrNotBound.
func (l *SocksListener) Accept(ctx context.Context) (*TCP, error) {
	if err := l.ref.acquire(); err != nil {
		return nil, err
	}
	defer l.releaseRef()

	l.mu.Lock()
	direct, ctrl, client := l.direct, l.ctrl, l.client
	timeout := l.opts.timeout()
	l.mu.Unlock()

	if direct != nil {
		return direct.Accept(ctx)
	}
	if ctrl == nil {
		return nil, ErrNotBound
	}

	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	client.SetDeadline(deadline)

	var peer socks.Addr
	err := ctrl.handshake(func(conn net.Conn) error {
		stop := context.AfterFunc(ctx, func() { _ = conn.SetReadDeadline(time.Unix(1, 0)) })
		defer stop()
		var err error
		peer, err = client.AwaitPeer()
		return err
	})
	switch {
	case l.ref.pending():
		return nil, ErrSocketClosed
	case err != nil && ctx.Err() != nil:
		return nil, ctx.Err()
	case err != nil:
		return nil, fmt.Errorf("socks accept: %w", err)
	}

	l.mu.Lock()
	if l.ctrl != ctrl {
		l.mu.Unlock()
		return nil, ErrSocketClosed
	}
	l.ctrl = nil
	l.client = nil
	l.mu.Unlock()

	conn := ctrl.detach()
	if conn == nil {
		return nil, ErrSocketClosed
	}
	return l.env.newAcceptedTCP(conn, peer), nil
}

func (l *SocksListener) SetOption(opt Option, value any) error {
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
	if l.direct != nil {
		return l.direct.SetOption(opt, value)
	}
	return nil
}

func (l *SocksListener) GetOption(opt Option) (any, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == Closed {
		return nil, ErrSocketClosed
	}
	if !opt.valid() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidOption, opt)
	}
	if v, ok := l.opts.load(opt); ok {
		return v, nil
	}
	return defaultOption(opt), nil
}

// Close closes the control connection, or the local listener in direct
// mode. A connection already accepted is unaffected.
func (l *SocksListener) Close() error {
	pre, final := l.ref.close()
	if !pre {
		return nil
	}
	l.mu.Lock()
	l.state = Closed
	ctrl, direct := l.ctrl, l.direct
	l.mu.Unlock()

	// Both have their own reference counts and defer their release.
	if ctrl != nil {
		_ = ctrl.Close()
	}
	if direct != nil {
		_ = direct.Close()
	}
	if final {
		l.finalClose()
	}
	return nil
}

func (l *SocksListener) finalClose() {
	runtime.SetFinalizer(l, nil)
	l.logger.Debug().Msg("closed")
}

func (l *SocksListener) releaseRef() {
	if l.ref.release() {
		l.finalClose()
	}
}

func (l *SocksListener) finalize() {
	_ = l.Close()
}
