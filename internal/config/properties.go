package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	ini "gopkg.in/ini.v1"
)

// EnvPrefix is prepended to environment variable names derived from property
// keys. "http.proxyHost" is looked up as NETSOCK_HTTP_PROXYHOST.
const EnvPrefix = "NETSOCK_"

// Properties is a read-mostly key/value store backed by an ini file, the
// process environment and programmatic overrides, in increasing order of
// precedence.
type Properties struct {
	mu        sync.RWMutex
	overrides map[string]string
	file      *ini.File
	lookupEnv func(string) (string, bool)
}

// New returns an empty property set that still consults the environment.
func New() *Properties {
	return &Properties{
		overrides: make(map[string]string),
		file:      ini.Empty(),
		lookupEnv: os.LookupEnv,
	}
}

// Load reads properties from an ini file. Keys are taken from the default
// (unnamed) section. An empty path yields an empty property set.
func Load(path string) (*Properties, error) {
	p := New()
	if path == "" {
		return p, nil
	}

	f, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load properties %s: %w", path, err)
	}
	p.file = f
	return p, nil
}

// FromMap returns a property set holding kv as overrides and ignoring the
// environment. It is mostly useful in tests.
func FromMap(kv map[string]string) *Properties {
	p := New()
	p.lookupEnv = func(string) (string, bool) { return "", false }
	for k, v := range kv {
		p.overrides[k] = v
	}
	return p
}

// Get returns the value for key, or "" if it is not set anywhere.
func (p *Properties) Get(key string) string {
	v, _ := p.Lookup(key)
	return v
}

// Lookup returns the value for key and whether it was set.
func (p *Properties) Lookup(key string) (string, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if v, ok := p.overrides[key]; ok {
		return v, true
	}
	if v, ok := p.lookupEnv(EnvName(key)); ok {
		return v, true
	}
	sec := p.file.Section("")
	if sec.HasKey(key) {
		return sec.Key(key).String(), true
	}
	return "", false
}

// Set installs an override for key.
func (p *Properties) Set(key, value string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.overrides[key] = value
}

// SetPair parses "key=value" and installs it as an override.
func (p *Properties) SetPair(pair string) error {
	k, v, ok := strings.Cut(pair, "=")
	k = strings.TrimSpace(k)
	if !ok || k == "" {
		return fmt.Errorf("invalid property %q: expected key=value", pair)
	}
	p.Set(k, strings.TrimSpace(v))
	return nil
}

// Int returns key parsed as an integer, or def if unset or malformed.
func (p *Properties) Int(key string, def int) int {
	v, ok := p.Lookup(key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return def
	}
	return n
}

// Duration returns key parsed with time.ParseDuration. A bare integer is
// taken as milliseconds.
func (p *Properties) Duration(key string, def time.Duration) time.Duration {
	v, ok := p.Lookup(key)
	if !ok {
		return def
	}
	v = strings.TrimSpace(v)
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Millisecond
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

// EnvName maps a property key to its environment variable name.
func EnvName(key string) string {
	return EnvPrefix + strings.ToUpper(strings.NewReplacer(".", "_", "-", "_").Replace(key))
}
