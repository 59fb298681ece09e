package socks

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"net/netip"

	txsocks5 "github.com/txthinking/socks5"
)

// The server side covers only what a proxy peer needs to answer this
// package's client: negotiation, one request and its replies.

func ServerNegotiate(conn net.Conn, auth Auth) error {
	neg, err := txsocks5.NewNegotiationRequestFrom(conn)
	if err != nil {
		return fmt.Errorf("negotiation request: %w", err)
	}

	if auth.Username != "" {
		if !containsMethod(neg.Methods, MethodUserPass) {
			writeNoAcceptableMethods(conn)
			return fmt.Errorf("client does not support username/password")
		}
		if _, err := txsocks5.NewNegotiationReply(MethodUserPass).WriteTo(conn); err != nil {
			return fmt.Errorf("negotiation reply: %w", err)
		}

		urq, err := txsocks5.NewUserPassNegotiationRequestFrom(conn)
		if err != nil {
			return fmt.Errorf("read userpass: %w", err)
		}
		if string(urq.Uname) != auth.Username || string(urq.Passwd) != auth.Password {
			_, _ = txsocks5.NewUserPassNegotiationReply(txsocks5.UserPassStatusFailure).WriteTo(conn)
			return fmt.Errorf("auth failed")
		}
		if _, err := txsocks5.NewUserPassNegotiationReply(txsocks5.UserPassStatusSuccess).WriteTo(conn); err != nil {
			return fmt.Errorf("write userpass: %w", err)
		}
		return nil
	}

	if !containsMethod(neg.Methods, MethodNoAuth) {
		writeNoAcceptableMethods(conn)
		return fmt.Errorf("client does not support no-auth")
	}
	if _, err := txsocks5.NewNegotiationReply(MethodNoAuth).WriteTo(conn); err != nil {
		return fmt.Errorf("negotiation reply: %w", err)
	}
	return nil
}

// ServerRejectMethods reads the greeting and answers NO_METHODS.
func ServerRejectMethods(conn net.Conn) error {
	if _, err := txsocks5.NewNegotiationRequestFrom(conn); err != nil {
		return fmt.Errorf("negotiation request: %w", err)
	}
	writeNoAcceptableMethods(conn)
	return nil
}

func ServerReadRequest(conn net.Conn) (*txsocks5.Request, error) {
	req, err := txsocks5.NewRequestFrom(conn)
	if err != nil {
		return nil, fmt.Errorf("request: %w", err)
	}
	return req, nil
}

// WriteReply writes a SOCKS5 reply carrying addr. A nil addr is sent as the
// IPv4 wildcard.
func WriteReply(conn net.Conn, rep byte, addr net.Addr) error {
	if addr == nil {
		_, err := newZeroAddrReply(rep, AtypIPv4).WriteTo(conn)
		return err
	}
	a, host, port, err := txsocks5.ParseAddress(addr.String())
	if err != nil {
		return fmt.Errorf("parse address %q: %w", addr.String(), err)
	}
	if a == AtypDomain {
		host = host[1:]
	}
	if _, err := txsocks5.NewReply(rep, a, host, port).WriteTo(conn); err != nil {
		return fmt.Errorf("write reply: %w", err)
	}
	return nil
}

// WriteSuccessReply writes a SOCKS5 success reply using localAddr as the bound
// address.
func WriteSuccessReply(conn net.Conn, localAddr net.Addr) error {
	return WriteReply(conn, Status5OK, localAddr)
}

// Request4 is a decoded SOCKS4 request.
type Request4 struct {
	Cmd    byte
	Addr   Addr
	UserID string
}

// ServerReadRequest4 reads a SOCKS4 request, including the version byte.
func ServerReadRequest4(r io.Reader) (*Request4, error) {
	var hdr [8]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, fmt.Errorf("socks4 request: %w", err)
	}
	if hdr[0] != Version4 {
		return nil, fmt.Errorf("%w: socks4 request version %d", ErrProtocol, hdr[0])
	}

	req := &Request4{
		Cmd: hdr[1],
		Addr: Addr{
			IP:   netip.AddrFrom4([4]byte(hdr[4:8])),
			Port: binary.BigEndian.Uint16(hdr[2:4]),
		},
	}

	var user []byte
	var b [1]byte
	for {
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return nil, fmt.Errorf("socks4 user id: %w", err)
		}
		if b[0] == 0 {
			break
		}
		if len(user) == 255 {
			return nil, fmt.Errorf("%w: socks4 user id too long", ErrProtocol)
		}
		user = append(user, b[0])
	}
	req.UserID = string(user)
	return req, nil
}

// WriteReply4 writes an 8 byte SOCKS4 reply. Non-IPv4 addresses are sent as
// 0.0.0.0.
func WriteReply4(w io.Writer, status byte, addr Addr) error {
	rep := [8]byte{0, status}
	binary.BigEndian.PutUint16(rep[2:4], addr.Port)
	if addr.IP.Is4() {
		ip := addr.IP.As4()
		copy(rep[4:], ip[:])
	}
	if _, err := w.Write(rep[:]); err != nil {
		return fmt.Errorf("socks4 reply: %w", err)
	}
	return nil
}

func newZeroAddrReply(rep, atyp byte) *txsocks5.Reply {
	if atyp == AtypIPv6 {
		return txsocks5.NewReply(rep, AtypIPv6, []byte(net.IPv6zero), []byte{0x00, 0x00})
	}
	return txsocks5.NewReply(rep, AtypIPv4, []byte{0x00, 0x00, 0x00, 0x00}, []byte{0x00, 0x00})
}

func writeNoAcceptableMethods(conn net.Conn) {
	// RFC 1928: 0xFF indicates no acceptable methods.
	_, _ = txsocks5.NewNegotiationReply(MethodNone).WriteTo(conn)
}

func containsMethod(methods []byte, want byte) bool {
	for _, m := range methods {
		if m == want {
			return true
		}
	}
	return false
}
