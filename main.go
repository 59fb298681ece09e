package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // Intentionally exposed on debug port.
	"net/netip"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/die-net/netsock/internal/config"
	"github.com/die-net/netsock/internal/dialer"
	"github.com/die-net/netsock/internal/proxy"
	"github.com/die-net/netsock/internal/resolver"
	"github.com/die-net/netsock/internal/socket"
)

const usage = `Usage: netsock [flags] <command> [args]

Commands:
  resolve <host|ip>...     resolve names (or reverse-resolve addresses)
  select <uri>...          show the proxies chosen for each URI
  connect <host:port>      connect and relay stdin/stdout
  listen <[host:]port>     accept one connection and relay stdin/stdout

Flags:
`

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath = pflag.String("config", "", "Properties file (ini, default section). Empty uses only the environment and --property.")
		properties = pflag.StringArrayP("property", "D", nil, "Property override key=value; may be repeated (e.g. -D socksProxyHost=127.0.0.1)")
		proxyURL   = pflag.String("proxy", defaultProxy(), "Proxy for connect/listen: direct:// | socks4://host:port | socks5://host:port. Empty uses the proxy properties.")

		debugListen  = pflag.String("debug-listen", "", "Debug HTTP listen address exposing /debug/pprof and /metrics (e.g. 127.0.0.1:6060). Empty disables.")
		dialTimeout  = pflag.Duration("dial-timeout", 10*time.Second, "Timeout for each TCP connect attempt and SOCKS handshake")
		soTimeout    = pflag.Duration("so-timeout", 0, "Read and accept timeout (SO_TIMEOUT). Zero waits forever.")
		tcpKeepAlive = pflag.String("tcp-keepalive", "45:45:3", "TCP keepalive: on|off|keepidle:keepintvl:keepcnt")
		logLevel     = pflag.String("log-level", "info", "Log level: trace|debug|info|warn|error")
	)

	pflag.CommandLine.SortFlags = false
	pflag.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		pflag.PrintDefaults()
	}
	pflag.Parse()

	level, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		return fmt.Errorf("invalid --log-level: %w", err)
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).Level(level).With().Timestamp().Logger()
	log.Logger = logger

	ka, err := parseTCPKeepAlive(*tcpKeepAlive)
	if err != nil {
		return fmt.Errorf("invalid --tcp-keepalive: %w", err)
	}

	args := pflag.Args()
	if len(args) == 0 {
		pflag.Usage()
		return errors.New("no command given")
	}

	props, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	for _, kv := range *properties {
		if err := props.SetPair(kv); err != nil {
			return fmt.Errorf("invalid --property: %w", err)
		}
	}

	var via *proxy.Descriptor
	if *proxyURL != "" {
		d, err := proxy.ParseURL(*proxyURL)
		if err != nil {
			return fmt.Errorf("invalid --proxy: %w", err)
		}
		via = &d
	}

	cfg := socket.ConfigFromProperties(props, &logger)
	cfg.Dial = dialer.Config{DialTimeout: *dialTimeout, KeepAlive: ka}
	factory, err := socket.NewFactory(cfg)
	if err != nil {
		return err
	}

	cmd := command{
		factory:     factory,
		resolver:    cfg.Resolver,
		selector:    cfg.Selector,
		via:         via,
		dialTimeout: *dialTimeout,
		soTimeout:   *soTimeout,
		out:         os.Stdout,
		logger:      logger,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if *debugListen != "" {
		http.Handle("/metrics", promhttp.Handler())
		debugSrv := &http.Server{Handler: http.DefaultServeMux} //nolint:gosec // Not concerned about timeouts on debug port.
		lc := net.ListenConfig{KeepAliveConfig: ka}
		debugLn, err := lc.Listen(ctx, "tcp", *debugListen)
		if err != nil {
			return fmt.Errorf("debug listen: %w", err)
		}
		context.AfterFunc(ctx, func() {
			_ = debugSrv.Close()
			_ = debugLn.Close()
		})

		g.Go(func() error {
			if err := debugSrv.Serve(debugLn); err != nil {
				return fmt.Errorf("debug serve: %w", err)
			}
			return nil
		})
		logger.Info().Str("addr", *debugListen).Msg("debug listening")
	}

	g.Go(func() error {
		defer cancel()
		return cmd.run(ctx, args[0], args[1:])
	})

	err = g.Wait()
	if errors.Is(err, http.ErrServerClosed) || errors.Is(err, context.Canceled) {
		err = nil
	}
	return err
}

type command struct {
	factory     *socket.Factory
	resolver    *resolver.Resolver
	selector    *proxy.Selector
	via         *proxy.Descriptor
	dialTimeout time.Duration
	soTimeout   time.Duration
	out         io.Writer
	logger      zerolog.Logger
}

func (c *command) run(ctx context.Context, name string, args []string) error {
	switch name {
	case "resolve":
		return c.resolve(ctx, args)
	case "select":
		return c.selectProxies(args)
	case "connect":
		if len(args) != 1 {
			return errors.New("connect: expected <host:port>")
		}
		return c.connect(ctx, args[0])
	case "listen":
		if len(args) != 1 {
			return errors.New("listen: expected <[host:]port>")
		}
		return c.listen(ctx, args[0])
	default:
		return fmt.Errorf("unknown command %q", name)
	}
}

// resolve prints the addresses of each name, or the name of each address.
func (c *command) resolve(ctx context.Context, hosts []string) error {
	if len(hosts) == 0 {
		return errors.New("resolve: expected at least one host")
	}
	var errs []error
	for _, host := range hosts {
		if ip, err := netip.ParseAddr(host); err == nil {
			fmt.Fprintf(c.out, "%s\t%s\n", host, c.resolver.HostByAddr(ctx, ip))
			continue
		}
		addrs, err := c.resolver.LookupAll(ctx, host)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		strs := make([]string, len(addrs))
		for i, a := range addrs {
			strs[i] = a.String()
		}
		fmt.Fprintf(c.out, "%s\t%s\n", host, strings.Join(strs, " "))
	}
	return errors.Join(errs...)
}

func (c *command) selectProxies(uris []string) error {
	if len(uris) == 0 {
		return errors.New("select: expected at least one uri")
	}
	for _, raw := range uris {
		u, err := url.Parse(raw)
		if err != nil {
			return fmt.Errorf("select: %w", err)
		}
		ds, err := c.selector.Select(u)
		if err != nil {
			return err
		}
		strs := make([]string, len(ds))
		for i, d := range ds {
			strs[i] = d.String()
		}
		fmt.Fprintf(c.out, "%s\t%s\n", raw, strings.Join(strs, ", "))
	}
	return nil
}

func (c *command) connect(ctx context.Context, target string) error {
	host, port, err := parseHostPort(target, false)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	var s *socket.Socket
	if c.via != nil {
		if s, err = c.factory.NewSocketVia(*c.via); err != nil {
			return err
		}
	} else {
		s = c.factory.NewSocket()
	}
	defer s.Close()

	if c.soTimeout > 0 {
		if err := s.SetSoTimeout(c.soTimeout); err != nil {
			return err
		}
	}
	if err := s.Connect(ctx, host, port, c.dialTimeout); err != nil {
		return err
	}
	c.logger.Info().Stringer("remote", s.RemoteAddr()).Stringer("local", s.LocalAddr()).Msg("connected")
	return relayStdio(ctx, s)
}

func (c *command) listen(ctx context.Context, addr string) error {
	host, port, err := parseHostPort(addr, true)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	var ss *socket.ServerSocket
	if c.via != nil {
		if ss, err = c.factory.NewServerSocketVia(*c.via); err != nil {
			return err
		}
	} else {
		ss = c.factory.NewServerSocket()
	}
	defer ss.Close()

	if c.soTimeout > 0 {
		if err := ss.SetSoTimeout(c.soTimeout); err != nil {
			return err
		}
	}
	if err := ss.SetReuseAddress(true); err != nil {
		return err
	}
	if err := ss.Bind(ctx, host, port, 1); err != nil {
		return err
	}
	c.logger.Info().Stringer("addr", ss.LocalAddr()).Msg("listening")

	s, err := ss.Accept(ctx)
	if err != nil {
		return err
	}
	c.logger.Info().Stringer("remote", s.RemoteAddr()).Msg("accepted")
	return relayStdio(ctx, s)
}

// relayStdio pipes s to stdout and stdin to s. It returns when the relay
// finishes or ctx is done, without waiting for a blocked stdin read.
func relayStdio(ctx context.Context, s *socket.Socket) error {
	errc := make(chan error, 1)
	go func() { errc <- socket.Pipe(ctx, s, stdio{}) }()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		_ = s.Close()
		return nil
	}
}

type stdio struct{}

func (stdio) Read(p []byte) (int, error)  { return os.Stdin.Read(p) }
func (stdio) Write(p []byte) (int, error) { return os.Stdout.Write(p) }
func (stdio) Close() error                { return nil }

// parseHostPort splits host:port. With portOnly allowed, a bare port
// means the wildcard address.
func parseHostPort(s string, portOnly bool) (string, uint16, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		if !portOnly {
			return "", 0, err
		}
		host, portStr = "", s
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return "", 0, fmt.Errorf("invalid port %q", portStr)
	}
	return host, uint16(port), nil
}

func parseTCPKeepAlive(s string) (net.KeepAliveConfig, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return net.KeepAliveConfig{}, errors.New("empty")
	}
	if s == "on" {
		return net.KeepAliveConfig{Enable: true}, nil
	}
	if s == "off" {
		return net.KeepAliveConfig{Enable: false}, nil
	}

	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return net.KeepAliveConfig{}, errors.New("expected on|off|keepidle:keepintvl:keepcnt")
	}
	keepIdle, err := parsePositiveSeconds(parts[0])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepidle: %w", err)
	}
	keepIntvl, err := parsePositiveSeconds(parts[1])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepintvl: %w", err)
	}
	keepCnt, err := parsePositiveInt(parts[2])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepcnt: %w", err)
	}

	return net.KeepAliveConfig{
		Enable:   true,
		Idle:     keepIdle,
		Interval: keepIntvl,
		Count:    keepCnt,
	}, nil
}

func parsePositiveSeconds(s string) (time.Duration, error) {
	n, err := parsePositiveInt(s)
	if err != nil {
		return 0, err
	}
	return time.Duration(n) * time.Second, nil
}

func parsePositiveInt(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, errors.New("must be > 0")
	}
	return n, nil
}

// defaultProxy returns the SOCKS proxy named by ALL_PROXY, if any.
func defaultProxy() string {
	for _, k := range []string{"ALL_PROXY", "all_proxy"} {
		if p := os.Getenv(k); p != "" {
			return p
		}
	}
	return ""
}
