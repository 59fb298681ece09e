package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strconv"
	"time"

	"github.com/die-net/netsock/internal/proxy"
	"github.com/die-net/netsock/internal/socks"
)

// Socks is a stream transport that reaches its target through a SOCKS
// proxy. Proxy candidates come from an explicit descriptor or from the
// selector; a Direct answer falls back to a plain connect.
type Socks struct {
	*TCP
	proxy *proxy.Descriptor

	version int
	bound   socks.Addr
}

// NewSocks returns a transport that connects through p, or through the
// selector's choice when p is nil.
func (e *Env) NewSocks(p *proxy.Descriptor) *Socks {
	return &Socks{TCP: e.newTCP(KindSocks), proxy: p}
}

// ProxyVersion returns the SOCKS version used for the connection, or 0 when
// the transport connected directly.
func (s *Socks) ProxyVersion() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

// ProxyBoundAddr returns the address the proxy reported for the connection.
func (s *Socks) ProxyBoundAddr() socks.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bound
}

// Connect reaches host:port through the first proxy candidate that accepts
// a TCP connection. Only that candidate's handshake is attempted; a
// handshake failure is final. timeout bounds each proxy dial and the whole
// handshake.
func (s *Socks) Connect(ctx context.Context, host string, port uint16, timeout time.Duration) (err error) {
	if err := s.checkConnectable(); err != nil {
		return err
	}

	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	u := &url.URL{Scheme: "socket", Host: net.JoinHostPort(host, strconv.Itoa(int(port)))}
	candidates, err := s.env.candidates(s.proxy, u)
	if err != nil {
		_ = s.Close()
		return err
	}
	if len(candidates) == 0 || candidates[0].Type == proxy.Direct {
		return s.TCP.Connect(ctx, host, port, timeout)
	}

	defer func() {
		if err != nil {
			_ = s.Close()
		}
	}()

	conn, chosen, err := s.dialCandidates(ctx, candidates, u, timeout)
	if err != nil {
		return err
	}

	target, err := s.env.socksTarget(ctx, host, port, chosen.SocksVersion)
	if err != nil {
		return err
	}

	var (
		bound   socks.Addr
		version int
	)
	err = s.handshake(func(conn net.Conn) error {
		c := socks.NewClient(conn, socks.Config{
			Version:  chosen.SocksVersion,
			Auth:     s.env.cfg.SocksAuth,
			Deadline: deadline,
			Logger:   &s.logger,
		})
		var err error
		bound, err = c.Connect(target)
		version = c.Version()
		return err
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.version = version
	s.bound = bound
	s.mu.Unlock()
	return s.install(conn, target)
}

// candidates returns the explicit proxy or asks the selector.
func (e *Env) candidates(explicit *proxy.Descriptor, u *url.URL) ([]proxy.Descriptor, error) {
	if explicit != nil {
		return []proxy.Descriptor{*explicit}, nil
	}
	if e.cfg.Selector == nil {
		return []proxy.Descriptor{proxy.NoProxy}, nil
	}
	return e.cfg.Selector.Select(u)
}

// socksTarget turns host into a SOCKS address. Names are resolved locally
// unless RemoteDNS is set and the proxy speaks SOCKS5.
func (e *Env) socksTarget(ctx context.Context, host string, port uint16, version int) (socks.Addr, error) {
	if a, err := netip.ParseAddr(host); err == nil {
		return socks.Addr{IP: a.Unmap(), Port: port}, nil
	}
	if e.cfg.RemoteDNS && version != socks.Version4 {
		return socks.Addr{Host: host, Port: port}, nil
	}
	a, err := e.resolveTarget(ctx, host)
	if err != nil {
		return socks.Addr{}, fmt.Errorf("resolve socks target %s: %w", host, err)
	}
	return socks.Addr{IP: a, Port: port}, nil
}

// dialCandidates connects t to the first reachable SOCKS candidate with a
// single attempt each. The connection is owned by t on return.
func (t *TCP) dialCandidates(ctx context.Context, candidates []proxy.Descriptor, u *url.URL, timeout time.Duration) (net.Conn, proxy.Descriptor, error) {
	errs := []error{ErrProxyUnreachable}
	for _, cand := range candidates {
		conn, err := t.dialCandidate(ctx, cand, timeout)
		if err == nil {
			t.logger.Debug().Stringer("proxy", cand).Msg("proxy connected")
			return conn, cand, nil
		}
		if errors.Is(err, ErrSocketClosed) {
			return nil, proxy.Descriptor{}, err
		}
		if t.env.cfg.Selector != nil {
			t.env.cfg.Selector.ConnectFailed(u, cand, err)
		}
		errs = append(errs, fmt.Errorf("%s: %w", cand, err))
	}
	return nil, proxy.Descriptor{}, fmt.Errorf("connect %s: %w", u.Host, errors.Join(errs...))
}

func (t *TCP) dialCandidate(ctx context.Context, cand proxy.Descriptor, timeout time.Duration) (net.Conn, error) {
	if cand.Type != proxy.SOCKS {
		return nil, ErrUnsupportedProxy
	}
	host, port, err := cand.HostPort()
	if err != nil {
		return nil, err
	}
	addr, err := t.env.resolveTarget(ctx, host)
	if err != nil {
		return nil, err
	}
	return t.dialHeld(ctx, t.env.direct, hostPort(addr, uint16(port)), timeout)
}

// handshake runs fn on the owned connection with a reference held. A close
// during fn wins over its result.
func (t *TCP) handshake(fn func(net.Conn) error) error {
	if err := t.ref.acquire(); err != nil {
		return err
	}
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()

	var err error
	if conn == nil {
		err = ErrNotConnected
	} else {
		err = fn(conn)
	}
	t.releaseRef()

	if t.ref.pending() {
		return ErrSocketClosed
	}
	return err
}
