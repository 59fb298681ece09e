package socks

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	txsocks5 "github.com/txthinking/socks5"

	"github.com/die-net/netsock/internal/metrics"
)

// Auth configures the credentials offered to the proxy. Username doubles as
// the SOCKS4 user id.
type Auth struct {
	Username string
	Password string
}

type Config struct {
	// Version is the protocol to start with: 4, or 5 (the default).
	Version int
	Auth    Auth

	// Deadline bounds every reply read of the handshake. Zero means no limit.
	Deadline time.Time

	Logger *zerolog.Logger
}

// Client runs SOCKS handshakes over an established connection to the proxy.
// A Client is not safe for concurrent use.
type Client struct {
	conn     net.Conn
	version  int
	auth     Auth
	deadline time.Time
	sleep    func(time.Duration)
	logger   zerolog.Logger

	negotiated bool
}

func NewClient(conn net.Conn, cfg Config) *Client {
	base := log.Logger
	if cfg.Logger != nil {
		base = *cfg.Logger
	}
	version := cfg.Version
	if version != Version4 {
		version = Version5
	}
	return &Client{
		conn:     conn,
		version:  version,
		auth:     cfg.Auth,
		deadline: cfg.Deadline,
		sleep:    time.Sleep,
		logger:   base.With().Str("component", "socks").Str("proxy", conn.RemoteAddr().String()).Logger(),
	}
}

// Version reports the protocol in use. It changes from 5 to 4 when the proxy
// does not answer the SOCKS5 greeting as a SOCKS5 server.
func (c *Client) Version() int {
	return c.version
}

// SetDeadline replaces the handshake deadline, for example before waiting
// for the second BIND reply.
func (c *Client) SetDeadline(t time.Time) {
	c.deadline = t
}

// Connect asks the proxy to connect to target and returns the address the
// proxy bound for the connection.
func (c *Client) Connect(target Addr) (Addr, error) {
	return c.Request(CmdConnect, target)
}

// Bind asks the proxy to listen for a connection from target and returns
// the address it listens on. AwaitPeer reads the second reply.
func (c *Client) Bind(target Addr) (Addr, error) {
	return c.Request(CmdBind, target)
}

// AwaitPeer blocks until the proxy reports the peer that connected to a
// bound address.
func (c *Client) AwaitPeer() (Addr, error) {
	var (
		peer Addr
		err  error
	)
	if c.version == Version4 {
		peer, err = c.readReply4()
	} else {
		peer, err = c.readReply5()
	}
	if err != nil {
		return Addr{}, fmt.Errorf("socks%d bind accept: %w", c.version, err)
	}
	_ = c.conn.SetReadDeadline(time.Time{})
	c.logger.Debug().Stringer("peer", peer).Msg("bind peer connected")
	return peer, nil
}

// Request negotiates on first use and then issues cmd for target.
func (c *Client) Request(cmd byte, target Addr) (Addr, error) {
	bound, err := c.request(cmd, target)
	metrics.SocksHandshakes.WithLabelValues(strconv.Itoa(c.version), metrics.Result(err)).Inc()
	if err != nil {
		c.logger.Debug().Err(err).Int("version", c.version).Stringer("target", target).Msg("handshake failed")
		return Addr{}, err
	}
	_ = c.conn.SetReadDeadline(time.Time{})
	c.logger.Debug().Int("version", c.version).Stringer("target", target).Stringer("bound", bound).Msg("handshake complete")
	return bound, nil
}

func (c *Client) request(cmd byte, target Addr) (Addr, error) {
	if c.version == Version5 && !c.negotiated {
		fallback, err := c.negotiate5()
		if err != nil {
			return Addr{}, fmt.Errorf("socks5 negotiate: %w", err)
		}
		c.negotiated = true
		if fallback {
			c.logger.Debug().Msg("proxy is not a socks5 server, falling back to socks4")
			c.version = Version4
		}
	}

	if c.version == Version4 {
		return c.request4(cmd, target)
	}
	return c.request5(cmd, target)
}

// negotiate5 offers NO_AUTH and USER_PASSW. It reports fallback when the
// reply's version byte is not 5; that is the only point where SOCKS4 is
// tried instead.
func (c *Client) negotiate5() (bool, error) {
	methods := []byte{MethodNoAuth, MethodUserPass}
	if _, err := txsocks5.NewNegotiationRequest(methods).WriteTo(c.conn); err != nil {
		return false, fmt.Errorf("write negotiation: %w", err)
	}

	var rep [2]byte
	if _, err := readReply(c.conn, rep[:], c.deadline, c.sleep); err != nil {
		return false, err
	}
	if rep[0] != Version5 {
		return true, nil
	}

	switch rep[1] {
	case MethodNoAuth:
		return false, nil
	case MethodUserPass:
		return false, c.authenticate()
	case MethodNone:
		return false, ErrNoAcceptableAuthMethod
	case MethodGSSAPI:
		return false, fmt.Errorf("%w: gssapi is not supported", ErrAuthRequired)
	default:
		return false, fmt.Errorf("%w: proxy chose method %d which was not offered", ErrProtocol, rep[1])
	}
}

// authenticate runs RFC 1929 username/password authentication.
func (c *Client) authenticate() error {
	if c.auth.Username == "" {
		return fmt.Errorf("%w: proxy requires username/password", ErrAuthRequired)
	}
	if _, err := txsocks5.NewUserPassNegotiationRequest([]byte(c.auth.Username), []byte(c.auth.Password)).WriteTo(c.conn); err != nil {
		return fmt.Errorf("write userpass: %w", err)
	}

	var rep [2]byte
	if _, err := readReply(c.conn, rep[:], c.deadline, c.sleep); err != nil {
		return err
	}
	if rep[1] != txsocks5.UserPassStatusSuccess {
		return ErrAuthFailed
	}
	return nil
}

func (c *Client) request4(cmd byte, target Addr) (Addr, error) {
	port, ip, err := target.encode4()
	if err != nil {
		return Addr{}, err
	}

	req := make([]byte, 0, 9+len(c.auth.Username))
	req = append(req, Version4, cmd)
	req = append(req, port...)
	req = append(req, ip...)
	req = append(req, c.auth.Username...)
	req = append(req, 0)
	if _, err := c.conn.Write(req); err != nil {
		return Addr{}, fmt.Errorf("socks4 write request: %w", err)
	}

	bound, err := c.readReply4()
	if err != nil {
		return Addr{}, fmt.Errorf("socks4 request: %w", err)
	}
	return bound, nil
}

func (c *Client) request5(cmd byte, target Addr) (Addr, error) {
	atyp, addr, port, err := target.encode5()
	if err != nil {
		return Addr{}, err
	}
	if _, err := txsocks5.NewRequest(cmd, atyp, addr, port).WriteTo(c.conn); err != nil {
		return Addr{}, fmt.Errorf("socks5 write request: %w", err)
	}

	bound, err := c.readReply5()
	if err != nil {
		return Addr{}, fmt.Errorf("socks5 request: %w", err)
	}
	return bound, nil
}
