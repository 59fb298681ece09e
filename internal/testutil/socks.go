package testutil

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"testing"

	"github.com/die-net/netsock/internal/socks"
)

// SOCKSServer is a loopback SOCKS proxy that serves CONNECT and BIND for a
// single protocol version.
type SOCKSServer struct {
	net.Listener

	version int
	auth    socks.Auth
	ctx     context.Context

	mu       sync.Mutex
	requests []string
}

// StartSOCKSServer starts a SOCKS server speaking version (4 or 5). A
// non-empty auth.Username makes the SOCKS5 server require it.
func StartSOCKSServer(t *testing.T, ctx context.Context, version int, auth socks.Auth) *SOCKSServer {
	t.Helper()

	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = ln.Close() })

	s := &SOCKSServer{Listener: ln, version: version, auth: auth, ctx: ctx}
	go s.serve()
	return s
}

// Requests returns "CMD address" for every request received, in order.
func (s *SOCKSServer) Requests() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.requests...)
}

func (s *SOCKSServer) record(cmd byte, addr string) {
	name := fmt.Sprintf("CMD%d", cmd)
	switch cmd {
	case socks.CmdConnect:
		name = "CONNECT"
	case socks.CmdBind:
		name = "BIND"
	}
	s.mu.Lock()
	s.requests = append(s.requests, name+" "+addr)
	s.mu.Unlock()
}

func (s *SOCKSServer) serve() {
	for {
		c, err := s.Accept()
		if err != nil {
			return
		}
		go func() {
			defer c.Close()
			if s.version == socks.Version4 {
				_ = s.handle4(c)
			} else {
				_ = s.handle5(c)
			}
		}()
	}
}

func (s *SOCKSServer) handle5(c net.Conn) error {
	if err := socks.ServerNegotiate(c, s.auth); err != nil {
		return err
	}
	req, err := socks.ServerReadRequest(c)
	if err != nil {
		return err
	}
	s.record(req.Cmd, req.Address())

	switch req.Cmd {
	case socks.CmdConnect:
		d := net.Dialer{}
		dst, err := d.DialContext(s.ctx, "tcp", req.Address())
		if err != nil {
			return socks.WriteReply(c, socks.Status5HostUnreachable, nil)
		}
		defer dst.Close()
		if err := socks.WriteSuccessReply(c, dst.LocalAddr()); err != nil {
			return err
		}
		relay(c, dst)
		return nil
	case socks.CmdBind:
		return s.bind(c, func(addr net.Addr) error { return socks.WriteSuccessReply(c, addr) })
	default:
		return socks.WriteReply(c, socks.Status5CommandNotSupported, nil)
	}
}

func (s *SOCKSServer) handle4(c net.Conn) error {
	req, err := socks.ServerReadRequest4(c)
	if err != nil {
		return err
	}
	s.record(req.Cmd, req.Addr.String())

	switch req.Cmd {
	case socks.CmdConnect:
		d := net.Dialer{}
		dst, err := d.DialContext(s.ctx, "tcp", req.Addr.String())
		if err != nil {
			return socks.WriteReply4(c, socks.Status4Rejected, socks.Addr{})
		}
		defer dst.Close()
		if err := socks.WriteReply4(c, socks.Status4Granted, tcpToAddr(dst.LocalAddr())); err != nil {
			return err
		}
		relay(c, dst)
		return nil
	case socks.CmdBind:
		return s.bind(c, func(addr net.Addr) error {
			return socks.WriteReply4(c, socks.Status4Granted, tcpToAddr(addr))
		})
	default:
		return socks.WriteReply4(c, socks.Status4Rejected, socks.Addr{})
	}
}

// bind listens for one peer, reporting the listen address and then the
// peer's address through reply, and relays between the two.
func (s *SOCKSServer) bind(c net.Conn, reply func(net.Addr) error) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(s.ctx, "tcp", "127.0.0.1:0")
	if err != nil {
		return err
	}
	defer ln.Close()
	stop := context.AfterFunc(s.ctx, func() { _ = ln.Close() })
	defer stop()

	if err := reply(ln.Addr()); err != nil {
		return err
	}
	peer, err := ln.Accept()
	if err != nil {
		return err
	}
	defer peer.Close()
	if err := reply(peer.RemoteAddr()); err != nil {
		return err
	}
	relay(c, peer)
	return nil
}

func relay(a, b net.Conn) {
	go func() {
		_, _ = io.Copy(b, a)
		_ = b.Close()
	}()
	_, _ = io.Copy(a, b)
}

func tcpToAddr(a net.Addr) socks.Addr {
	ta, ok := a.(*net.TCPAddr)
	if !ok {
		return socks.Addr{}
	}
	return socks.AddrFromAddrPort(ta.AddrPort())
}
