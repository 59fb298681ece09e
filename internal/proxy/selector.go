package proxy

import (
	"errors"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Properties supplies configuration values; *config.Properties satisfies it.
type Properties interface {
	Get(key string) string
}

const PropSocksVersion = "socksProxyVersion"

// protocolRule lists, in priority order, the property prefixes consulted for a
// protocol. The last prefix of every rule is the SOCKS slot.
type protocolRule struct {
	prefixes    []string
	defaultPort int
	nonProxy    []string
}

var protocolRules = map[string]protocolRule{
	"http": {
		prefixes:    []string{"http.proxy", "proxy", "socksProxy"},
		defaultPort: 80,
		nonProxy:    []string{"http.nonProxyHosts"},
	},
	"https": {
		prefixes:    []string{"https.proxy", "proxy", "socksProxy"},
		defaultPort: 443,
		nonProxy:    []string{"https.nonProxyHosts", "http.nonProxyHosts"},
	},
	"ftp": {
		prefixes:    []string{"ftp.proxy", "ftpProxy", "proxy", "socksProxy"},
		defaultPort: 80,
		nonProxy:    []string{"ftp.nonProxyHosts"},
	},
	"gopher": {
		prefixes:    []string{"gopherProxy", "socksProxy"},
		defaultPort: 80,
		nonProxy:    []string{"http.nonProxyHosts"},
	},
	"socket": {
		prefixes:    []string{"socksProxy"},
		defaultPort: 1080,
		nonProxy:    []string{"socksNonProxyHosts"},
	},
}

const defaultSocksPort = 1080

// Selector chooses the proxy for a target URI from protocol-prefixed
// properties. It returns at most one candidate derived from configuration;
// SetOverride can install several.
type Selector struct {
	props  Properties
	logger zerolog.Logger

	mu        sync.Mutex
	rules     map[string]*nonProxyRule
	overrides map[string][]Descriptor
}

func NewSelector(props Properties, logger *zerolog.Logger) *Selector {
	base := log.Logger
	if logger != nil {
		base = *logger
	}
	return &Selector{
		props:     props,
		logger:    base.With().Str("component", "proxy").Logger(),
		rules:     make(map[string]*nonProxyRule),
		overrides: make(map[string][]Descriptor),
	}
}

// SetOverride makes Select return ds for protocol, bypassing properties.
// A nil slice removes the override.
func (s *Selector) SetOverride(protocol string, ds []Descriptor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	protocol = normalizeProtocol(protocol)
	if ds == nil {
		delete(s.overrides, protocol)
		return
	}
	s.overrides[protocol] = append([]Descriptor(nil), ds...)
}

// Select returns the proxies to try, in order, for u. The result is never
// empty; a target that should not be proxied yields [NoProxy].
func (s *Selector) Select(u *url.URL) ([]Descriptor, error) {
	if u == nil {
		return nil, errors.New("proxy select: nil uri")
	}
	protocol := normalizeProtocol(u.Scheme)
	host := u.Hostname()
	if protocol == "" || host == "" {
		return nil, errors.New("proxy select: uri needs a scheme and a host")
	}

	s.mu.Lock()
	override, ok := s.overrides[protocol]
	s.mu.Unlock()
	if ok && len(override) > 0 {
		return append([]Descriptor(nil), override...), nil
	}

	rule, ok := protocolRules[protocol]
	if !ok {
		return []Descriptor{NoProxy}, nil
	}

	matched := -1
	var proxyHost string
	for i, prefix := range rule.prefixes {
		if h := strings.TrimSpace(s.props.Get(prefix + "Host")); h != "" {
			matched, proxyHost = i, h
			break
		}
	}
	if matched < 0 {
		return []Descriptor{NoProxy}, nil
	}

	socksSlot := matched == len(rule.prefixes)-1

	nonProxyKey, raw := s.nonProxyProperty(rule, socksSlot)
	if nonProxyKey != "" && s.rule(nonProxyKey).match(raw, host) {
		return []Descriptor{NoProxy}, nil
	}

	port := s.port(rule.prefixes[matched])
	if port == 0 && !socksSlot {
		for j := range len(rule.prefixes) - 1 {
			if j == matched {
				continue
			}
			if port = s.port(rule.prefixes[j]); port != 0 {
				break
			}
		}
	}
	if port == 0 {
		if socksSlot {
			port = defaultSocksPort
		} else {
			port = rule.defaultPort
		}
	}

	addr := net.JoinHostPort(strings.Trim(proxyHost, "[]"), strconv.Itoa(port))
	if socksSlot {
		version := DefaultSocksVersion
		if v, err := strconv.Atoi(strings.TrimSpace(s.props.Get(PropSocksVersion))); err == nil && (v == 4 || v == 5) {
			version = v
		}
		return []Descriptor{{Type: SOCKS, Address: addr, SocksVersion: version}}, nil
	}
	return []Descriptor{{Type: HTTP, Address: addr}}, nil
}

// ConnectFailed records that d could not be reached for u.
func (s *Selector) ConnectFailed(u *url.URL, d Descriptor, err error) {
	target := ""
	if u != nil {
		target = u.String()
	}
	s.logger.Warn().Err(err).Str("target", target).Str("proxy", d.String()).Msg("proxy connect failed")
}

// nonProxyProperty returns the first configured non-proxy key for rule. The
// SOCKS slot of a non-socket protocol still honours socksNonProxyHosts.
func (s *Selector) nonProxyProperty(rule protocolRule, socksSlot bool) (string, string) {
	keys := rule.nonProxy
	if socksSlot {
		keys = append(append([]string(nil), keys...), "socksNonProxyHosts")
	}
	for _, k := range keys {
		if v := s.props.Get(k); v != "" {
			return k, v
		}
	}
	// Defaults still apply when nothing is configured.
	return keys[0], ""
}

func (s *Selector) rule(key string) *nonProxyRule {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rules[key]
	if !ok {
		r = newNonProxyRule(key)
		s.rules[key] = r
	}
	return r
}

func (s *Selector) port(prefix string) int {
	p, err := strconv.Atoi(strings.TrimSpace(s.props.Get(prefix + "Port")))
	if err != nil || p <= 0 || p > 65535 {
		return 0
	}
	return p
}

func normalizeProtocol(p string) string {
	p = strings.ToLower(p)
	if p == "serversocket" {
		return "socket"
	}
	return p
}
