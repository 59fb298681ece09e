package socks

import (
	"encoding/binary"
	"fmt"
	"net"
	"net/netip"
	"strconv"

	txsocks5 "github.com/txthinking/socks5"
	"golang.org/x/net/idna"
)

const (
	Version4 = 4
	Version5 = 5
)

// Wire constants. Names shared with RFC 1928 come from txthinking/socks5.
const (
	MethodNoAuth   byte = txsocks5.MethodNone
	MethodGSSAPI   byte = 0x01
	MethodUserPass byte = txsocks5.MethodUsernamePassword
	MethodNone     byte = 0xFF

	CmdConnect      byte = txsocks5.CmdConnect
	CmdBind         byte = 0x02
	CmdUDPAssociate byte = 0x03

	AtypIPv4   byte = txsocks5.ATYPIPv4
	AtypDomain byte = txsocks5.ATYPDomain
	AtypIPv6   byte = txsocks5.ATYPIPv6
)

const (
	Status5OK                  byte = 0
	Status5GeneralFailure      byte = 1
	Status5NotAllowed          byte = 2
	Status5NetworkUnreachable  byte = 3
	Status5HostUnreachable     byte = 4
	Status5ConnectionRefused   byte = 5
	Status5TTLExpired          byte = 6
	Status5CommandNotSupported byte = 7
	Status5AddressNotSupported byte = 8

	Status4Granted           byte = 90
	Status4Rejected          byte = 91
	Status4IdentdUnreachable byte = 92
	Status4IdentdMismatch    byte = 93
)

// Addr is a SOCKS endpoint. Exactly one of Host and IP is set: Host holds a
// name the proxy resolves, IP a literal address.
type Addr struct {
	Host string
	IP   netip.Addr
	Port uint16
}

// AddrFromAddrPort returns the literal endpoint ap.
func AddrFromAddrPort(ap netip.AddrPort) Addr {
	return Addr{IP: ap.Addr().Unmap(), Port: ap.Port()}
}

// ParseAddr splits host:port. Literal hosts become IP, anything else stays an
// unresolved name.
func ParseAddr(hostport string) (Addr, error) {
	host, port, err := net.SplitHostPort(hostport)
	if err != nil {
		return Addr{}, err
	}
	p, err := strconv.ParseUint(port, 10, 16)
	if err != nil {
		return Addr{}, fmt.Errorf("invalid port %q", port)
	}
	if ip, err := netip.ParseAddr(host); err == nil {
		return Addr{IP: ip.Unmap(), Port: uint16(p)}, nil
	}
	if host == "" {
		return Addr{}, fmt.Errorf("missing host in %q", hostport)
	}
	return Addr{Host: host, Port: uint16(p)}, nil
}

// Resolved reports whether a carries a literal address.
func (a Addr) Resolved() bool {
	return a.IP.IsValid()
}

// AddrPort returns the literal endpoint. It is the zero value for names.
func (a Addr) AddrPort() netip.AddrPort {
	if !a.IP.IsValid() {
		return netip.AddrPort{}
	}
	return netip.AddrPortFrom(a.IP, a.Port)
}

func (a Addr) Network() string { return "tcp" }

func (a Addr) String() string {
	host := a.Host
	if a.IP.IsValid() {
		host = a.IP.String()
	}
	return net.JoinHostPort(host, strconv.Itoa(int(a.Port)))
}

// encode5 returns the SOCKS5 address type and address bytes for a. Domain
// names are IDNA encoded and returned without their length prefix.
func (a Addr) encode5() (byte, []byte, []byte, error) {
	host := a.Host
	if a.IP.IsValid() {
		host = a.IP.String()
	} else {
		ascii, err := idna.Lookup.ToASCII(host)
		if err != nil {
			return 0, nil, nil, fmt.Errorf("encode host %q: %w", host, err)
		}
		if len(ascii) > 255 {
			return 0, nil, nil, fmt.Errorf("encode host %q: name too long", host)
		}
		host = ascii
	}

	atyp, addr, port, err := txsocks5.ParseAddress(net.JoinHostPort(host, strconv.Itoa(int(a.Port))))
	if err != nil {
		return 0, nil, nil, fmt.Errorf("encode address %s: %w", a, err)
	}
	if atyp == AtypDomain {
		addr = addr[1:]
	}
	return atyp, addr, port, nil
}

// encode4 returns the port and IPv4 bytes of a SOCKS4 request.
func (a Addr) encode4() ([]byte, []byte, error) {
	if !a.IP.IsValid() || !a.IP.Is4() {
		return nil, nil, fmt.Errorf("%w: %s", ErrUnresolvedTarget, a)
	}
	port := binary.BigEndian.AppendUint16(nil, a.Port)
	ip := a.IP.As4()
	return port, ip[:], nil
}
