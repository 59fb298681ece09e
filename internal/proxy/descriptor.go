package proxy

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// Type is the kind of intermediary a Descriptor names.
type Type int

const (
	Direct Type = iota
	HTTP
	SOCKS
)

func (t Type) String() string {
	switch t {
	case Direct:
		return "DIRECT"
	case HTTP:
		return "HTTP"
	case SOCKS:
		return "SOCKS"
	default:
		return "Type(" + strconv.Itoa(int(t)) + ")"
	}
}

// DefaultSocksVersion is used when socksProxyVersion is unset.
const DefaultSocksVersion = 5

// Descriptor names one proxy. Address is an unresolved host:port; name
// resolution is left to connect time. Direct descriptors carry no address.
type Descriptor struct {
	Type         Type
	Address      string
	SocksVersion int
}

// NoProxy is the Direct descriptor.
var NoProxy = Descriptor{Type: Direct}

func (d Descriptor) String() string {
	switch d.Type {
	case Direct:
		return "DIRECT"
	case SOCKS:
		return fmt.Sprintf("SOCKS%d @ %s", d.SocksVersion, d.Address)
	default:
		return fmt.Sprintf("%s @ %s", d.Type, d.Address)
	}
}

// HostPort splits Address.
func (d Descriptor) HostPort() (string, int, error) {
	host, port, err := net.SplitHostPort(d.Address)
	if err != nil {
		return "", 0, fmt.Errorf("proxy address %q: %w", d.Address, err)
	}
	p, err := strconv.Atoi(port)
	if err != nil || p <= 0 || p > 65535 {
		return "", 0, fmt.Errorf("proxy address %q: invalid port", d.Address)
	}
	return host, p, nil
}

// ParseURL parses a proxy URL into a Descriptor.
//
// Supported schemes:
//   - direct://
//   - http://host[:port]
//   - socks://host[:port] (SOCKS5)
//   - socks4://host[:port]
//   - socks5://host[:port]
//
// A default port is applied if the URL host is missing one.
func ParseURL(s string) (Descriptor, error) {
	u, err := url.Parse(s)
	if err != nil {
		return Descriptor{}, fmt.Errorf("invalid url: %w", err)
	}

	u.Scheme = strings.ToLower(u.Scheme)

	if u.Path != "" && u.Path != "/" {
		return Descriptor{}, errors.New("invalid url: path should be empty")
	}

	switch u.Scheme {
	case "":
		return Descriptor{}, errors.New("invalid url: missing scheme")
	case "direct":
		return NoProxy, nil
	case "http", "socks", "socks4", "socks5":
		host := u.Hostname()
		if host == "" {
			return Descriptor{}, errors.New("invalid url: missing host")
		}
		port := u.Port()
		if port == "" {
			port = defaultPortForScheme(u.Scheme)
		}
		addr := net.JoinHostPort(host, port)

		switch u.Scheme {
		case "http":
			return Descriptor{Type: HTTP, Address: addr}, nil
		case "socks4":
			return Descriptor{Type: SOCKS, Address: addr, SocksVersion: 4}, nil
		default:
			return Descriptor{Type: SOCKS, Address: addr, SocksVersion: 5}, nil
		}
	default:
		return Descriptor{}, fmt.Errorf("invalid url scheme: %q", u.Scheme)
	}
}

func defaultPortForScheme(scheme string) string {
	switch scheme {
	case "http":
		return "80"
	case "socks", "socks4", "socks5":
		return "1080"
	default:
		return ""
	}
}
