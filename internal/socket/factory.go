package socket

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/die-net/netsock/internal/config"
	"github.com/die-net/netsock/internal/dialer"
	"github.com/die-net/netsock/internal/proxy"
	"github.com/die-net/netsock/internal/resolver"
	"github.com/die-net/netsock/internal/retry"
	"github.com/die-net/netsock/internal/socks"
	"github.com/die-net/netsock/internal/transport"
)

const (
	PropMaxDatagramSockets = "netsock.maxDatagramSockets"
	PropSocksUsername      = "socksUsername"
	PropSocksPassword      = "socksPassword"
	PropSocksRemoteDNS     = "netsock.socks.remoteDNS"
)

// Config carries the services shared by every socket a Factory creates.
type Config struct {
	Resolver *resolver.Resolver

	// Selector, when set, makes NewSocket connect through the SOCKS
	// transport, which asks it for proxies per target.
	Selector *proxy.Selector

	UDPGuard  *transport.UDPGuard
	Dial      dialer.Config
	Retrier   *retry.Retrier
	SocksAuth socks.Auth
	RemoteDNS bool

	Logger *zerolog.Logger
}

// ConfigFromProperties builds a complete Config from props: resolver cache
// policies, retry budget, datagram limit, proxy selection and SOCKS
// credentials.
func ConfigFromProperties(props *config.Properties, logger *zerolog.Logger) Config {
	rcfg := resolver.ConfigFromProperties(props)
	rcfg.Logger = logger
	retryCfg := retry.ConfigFromProperties(props)
	retryCfg.Logger = logger

	remoteDNS, _ := strconv.ParseBool(strings.TrimSpace(props.Get(PropSocksRemoteDNS)))

	return Config{
		Resolver: resolver.New(rcfg),
		Selector: proxy.NewSelector(props, logger),
		UDPGuard: transport.NewUDPGuard(props.Int(PropMaxDatagramSockets, transport.DefaultMaxDatagramSockets)),
		Retrier:  retry.New(retryCfg),
		SocksAuth: socks.Auth{
			Username: props.Get(PropSocksUsername),
			Password: props.Get(PropSocksPassword),
		},
		RemoteDNS: remoteDNS,
		Logger:    logger,
	}
}

// Factory creates sockets sharing one set of services.
type Factory struct {
	env      *transport.Env
	selector *proxy.Selector
	logger   zerolog.Logger
}

func NewFactory(cfg Config) (*Factory, error) {
	if cfg.Resolver == nil {
		return nil, errors.New("socket: resolver is required")
	}
	env, err := transport.NewEnv(transport.Config{
		Resolver:  cfg.Resolver,
		Dial:      cfg.Dial,
		Retrier:   cfg.Retrier,
		Selector:  cfg.Selector,
		UDPGuard:  cfg.UDPGuard,
		SocksAuth: cfg.SocksAuth,
		RemoteDNS: cfg.RemoteDNS,
		Logger:    cfg.Logger,
	})
	if err != nil {
		return nil, err
	}

	base := log.Logger
	if cfg.Logger != nil {
		base = *cfg.Logger
	}
	return &Factory{
		env:      env,
		selector: cfg.Selector,
		logger:   base.With().Str("component", "socket").Logger(),
	}, nil
}

// NewSocket returns an unconnected stream socket. With a selector the
// socket connects through whatever proxy it picks for the target.
func (f *Factory) NewSocket() *Socket {
	if f.selector != nil {
		return f.newSocket(f.env.NewSocks(nil), Created)
	}
	return f.newSocket(f.env.NewTCP(), Created)
}

// NewSocketVia returns a stream socket that connects through d. Direct
// bypasses any selector; HTTP proxies are not supported.
func (f *Factory) NewSocketVia(d proxy.Descriptor) (*Socket, error) {
	switch d.Type {
	case proxy.Direct:
		return f.newSocket(f.env.NewTCP(), Created), nil
	case proxy.SOCKS:
		return f.newSocket(f.env.NewSocks(&d), Created), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedProxy, d)
	}
}

// NewServerSocket returns an unbound server socket listening locally.
func (f *Factory) NewServerSocket() *ServerSocket {
	return f.newServerSocket(f.env.NewListener())
}

// NewServerSocketVia returns a server socket that accepts through a SOCKS
// BIND on d. Direct listens locally.
func (f *Factory) NewServerSocketVia(d proxy.Descriptor) (*ServerSocket, error) {
	switch d.Type {
	case proxy.Direct:
		return f.newServerSocket(f.env.NewListener()), nil
	case proxy.SOCKS:
		return f.newServerSocket(f.env.NewSocksListener(&d)), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedProxy, d)
	}
}

// NewDatagramSocket reserves a datagram slot and returns an unbound socket.
// It fails with ErrResourceExhausted at the process limit.
func (f *Factory) NewDatagramSocket() (*DatagramSocket, error) {
	u, err := f.env.NewUDP()
	if err != nil {
		return nil, err
	}
	id, logger := f.childLogger()
	return &DatagramSocket{id: id, logger: logger, impl: u}, nil
}

func (f *Factory) childLogger() (string, zerolog.Logger) {
	id := uuid.NewString()
	return id, f.logger.With().Str("socket_id", id).Logger()
}
