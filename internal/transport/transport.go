package transport

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/die-net/netsock/internal/dialer"
	"github.com/die-net/netsock/internal/proxy"
	"github.com/die-net/netsock/internal/resolver"
	"github.com/die-net/netsock/internal/retry"
	"github.com/die-net/netsock/internal/socks"
)

// Transport is implemented by every transport kind.
type Transport interface {
	ID() string
	Kind() Kind
	State() State
	LocalAddr() net.Addr
	SetOption(opt Option, value any) error
	GetOption(opt Option) (any, error)
	Close() error
}

// Stream is a connecting byte-stream transport: *TCP or *Socks.
type Stream interface {
	Transport
	Bind(ctx context.Context, host string, port uint16) error
	Connect(ctx context.Context, host string, port uint16, timeout time.Duration) error
	RemoteAddr() net.Addr
	Read(p []byte) (int, error)
	ReadTimeout(p []byte, timeout time.Duration) (int, error)
	Write(p []byte) (int, error)
	Available() (int, error)
	ShutdownInput() error
	ShutdownOutput() error
	SendUrgentData(b byte) error
	ResetState() ResetState
}

// Server is a listening transport: *Listener or *SocksListener.
type Server interface {
	Transport
	Bind(ctx context.Context, host string, port uint16, backlog int) error
	Accept(ctx context.Context) (*TCP, error)
}

var (
	_ Stream    = (*TCP)(nil)
	_ Stream    = (*Socks)(nil)
	_ Server    = (*Listener)(nil)
	_ Server    = (*SocksListener)(nil)
	_ Transport = (*UDP)(nil)
)

// Config carries the services transports depend on. Resolver is required;
// the rest have defaults.
type Config struct {
	Resolver *resolver.Resolver
	Dial     dialer.Config
	Retrier  *retry.Retrier

	// Selector picks SOCKS proxies when a Socks transport has no explicit
	// proxy.
	Selector *proxy.Selector

	// UDPGuard limits concurrent datagram sockets. Nil means unlimited.
	UDPGuard *UDPGuard

	SocksAuth socks.Auth

	// RemoteDNS sends unresolved names to SOCKS5 proxies instead of
	// resolving them locally first.
	RemoteDNS bool

	Logger *zerolog.Logger
}

// Env builds transports that share one Config.
type Env struct {
	cfg    Config
	direct dialer.Dialer
	logger zerolog.Logger
}

func NewEnv(cfg Config) (*Env, error) {
	if cfg.Resolver == nil {
		return nil, fmt.Errorf("transport: resolver is required")
	}
	if cfg.Retrier == nil {
		cfg.Retrier = retry.New(retry.Config{Logger: cfg.Logger})
	}
	base := log.Logger
	if cfg.Logger != nil {
		base = *cfg.Logger
	}
	return &Env{
		cfg:    cfg,
		direct: dialer.NewDirectDialer(cfg.Dial),
		logger: base.With().Str("component", "transport").Logger(),
	}, nil
}

// Create returns a new, unbound transport of kind. SOCKS kinds use the
// selector to find their proxy.
func (e *Env) Create(kind Kind) (Transport, error) {
	switch kind {
	case KindTCP:
		return e.NewTCP(), nil
	case KindListener:
		return e.NewListener(), nil
	case KindUDP:
		return e.NewUDP()
	case KindSocks:
		return e.NewSocks(nil), nil
	case KindSocksListener:
		return e.NewSocksListener(nil), nil
	default:
		return nil, fmt.Errorf("transport: unknown kind %s", kind)
	}
}

func (e *Env) childLogger(kind Kind) (string, zerolog.Logger) {
	id := uuid.NewString()
	return id, e.logger.With().Str("transport_id", id).Stringer("kind", kind).Logger()
}

// resolveTarget resolves host for connect. The wildcard address is replaced
// by the local host's address.
func (e *Env) resolveTarget(ctx context.Context, host string) (netip.Addr, error) {
	addr, err := e.cfg.Resolver.Lookup(ctx, host)
	if err != nil {
		return netip.Addr{}, err
	}
	if addr.IsUnspecified() {
		addr = e.cfg.Resolver.LocalHost(ctx)
	}
	return addr, nil
}

// resolveBind resolves host for bind. An empty host binds the wildcard.
func (e *Env) resolveBind(ctx context.Context, host string) (netip.Addr, error) {
	if host == "" {
		return netip.IPv6Unspecified(), nil
	}
	return e.cfg.Resolver.Lookup(ctx, host)
}

func hostPort(addr netip.Addr, port uint16) string {
	return net.JoinHostPort(addr.String(), strconv.Itoa(int(port)))
}

func tcpAddr(ap netip.AddrPort) net.Addr {
	if !ap.IsValid() {
		return nil
	}
	return net.TCPAddrFromAddrPort(ap)
}
