package resolver

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/idna"
	"golang.org/x/sync/singleflight"

	"github.com/die-net/netsock/internal/config"
	"github.com/die-net/netsock/internal/metrics"
)

// ErrUnknownHost is returned when no provider could resolve a host name.
var ErrUnknownHost = errors.New("unknown host")

const (
	// PropCacheTTL and PropNegativeCacheTTL are in seconds; negative means
	// forever and zero disables the cache.
	PropCacheTTL         = "networkaddress.cache.ttl"
	PropNegativeCacheTTL = "networkaddress.cache.negative.ttl"

	DefaultPositiveTTL = TTL(30 * time.Second)
	DefaultNegativeTTL = Never
	DefaultReverseTTL  = 5 * time.Minute
)

// Loopback is returned for empty host names and, as a last resort, for
// "localhost".
var Loopback = netip.AddrFrom4([4]byte{127, 0, 0, 1})

type Config struct {
	// Providers are consulted in order; the first non-empty answer wins.
	// Nil means a single SystemProvider.
	Providers []Provider

	PositiveTTL TTL
	NegativeTTL TTL
	ReverseTTL  time.Duration

	Now    func() time.Time
	Logger *zerolog.Logger
}

// ConfigFromProperties reads cache policies from props.
func ConfigFromProperties(props *config.Properties) Config {
	return Config{
		PositiveTTL: TTLFromSeconds(props.Int(PropCacheTTL, int(time.Duration(DefaultPositiveTTL)/time.Second))),
		NegativeTTL: TTLFromSeconds(props.Int(PropNegativeCacheTTL, 0)),
		ReverseTTL:  DefaultReverseTTL,
	}
}

// Resolver maps host names to addresses through a provider chain, with
// separate positive and negative caches.
type Resolver struct {
	providers []Provider
	positive  *Cache
	negative  *Cache
	reverse   *gocache.Cache
	group     singleflight.Group
	logger    zerolog.Logger
}

func New(cfg Config) *Resolver {
	providers := cfg.Providers
	if len(providers) == 0 {
		providers = []Provider{SystemProvider{}}
	}
	reverseTTL := cfg.ReverseTTL
	if reverseTTL <= 0 {
		reverseTTL = DefaultReverseTTL
	}

	base := log.Logger
	if cfg.Logger != nil {
		base = *cfg.Logger
	}

	return &Resolver{
		providers: providers,
		positive:  newCache("positive", cfg.PositiveTTL, cfg.Now),
		negative:  newCache("negative", cfg.NegativeTTL, cfg.Now),
		reverse:   gocache.New(reverseTTL, 2*reverseTTL),
		logger:    base.With().Str("component", "resolver").Logger(),
	}
}

// Positive returns the cache of successful lookups.
func (r *Resolver) Positive() *Cache { return r.positive }

// Negative returns the cache of failed lookups.
func (r *Resolver) Negative() *Cache { return r.negative }

// LookupAll returns every address known for host.
func (r *Resolver) LookupAll(ctx context.Context, host string) ([]netip.Addr, error) {
	return r.LookupAllPreferred(ctx, host, netip.Addr{})
}

// Lookup returns the first address for host.
func (r *Resolver) Lookup(ctx context.Context, host string) (netip.Addr, error) {
	addrs, err := r.LookupAll(ctx, host)
	if err != nil {
		return netip.Addr{}, err
	}
	return addrs[0], nil
}

// LookupAllPreferred is LookupAll, except that when preferred appears in the
// answer it is moved to the front. The order of the other addresses is kept.
func (r *Resolver) LookupAllPreferred(ctx context.Context, host string, preferred netip.Addr) ([]netip.Addr, error) {
	if host == "" {
		return []netip.Addr{Loopback}, nil
	}

	if strings.HasPrefix(host, "[") {
		if !strings.HasSuffix(host, "]") || len(host) < 3 {
			return nil, fmt.Errorf("%w: invalid IPv6 literal %q", ErrUnknownHost, host)
		}
		lit := host[1 : len(host)-1]
		a, err := netip.ParseAddr(lit)
		if err != nil || !a.Is6() {
			return nil, fmt.Errorf("%w: invalid IPv6 literal %q", ErrUnknownHost, host)
		}
		return []netip.Addr{a}, nil
	}
	if a, err := netip.ParseAddr(host); err == nil {
		return []netip.Addr{a.Unmap()}, nil
	}

	key := cacheKey(host)

	if addrs, ok := r.positive.Get(key); ok {
		metrics.ResolverLookups.WithLabelValues("positive", "hit").Inc()
		return rotate(addrs, preferred), nil
	}
	metrics.ResolverLookups.WithLabelValues("positive", "miss").Inc()

	if _, ok := r.negative.Get(key); ok {
		metrics.ResolverLookups.WithLabelValues("negative", "hit").Inc()
		return nil, fmt.Errorf("%w: %s", ErrUnknownHost, host)
	}
	metrics.ResolverLookups.WithLabelValues("negative", "miss").Inc()

	// The shared lookup outlives any one caller; each caller waits on its
	// own ctx.
	flight := r.group.DoChan(key, func() (any, error) {
		return r.resolve(context.WithoutCancel(ctx), host, key)
	})
	select {
	case res := <-flight:
		if res.Err != nil {
			return nil, res.Err
		}
		return rotate(res.Val.([]netip.Addr), preferred), nil
	case <-ctx.Done():
		return nil, fmt.Errorf("lookup %s: %w", host, ctx.Err())
	}
}

func (r *Resolver) resolve(ctx context.Context, host, key string) ([]netip.Addr, error) {
	var errs []error
	for _, p := range r.providers {
		addrs, err := p.LookupHost(ctx, host)
		metrics.ResolverProviderCalls.WithLabelValues(metrics.Result(err)).Inc()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if len(addrs) > 0 {
			r.positive.Put(key, addrs)
			return addrs, nil
		}
	}

	if key == "localhost" {
		addrs := []netip.Addr{Loopback}
		r.positive.Put(key, addrs)
		return addrs, nil
	}

	err := errors.Join(errs...)
	if isContextError(err) {
		// An abandoned lookup says nothing about the name.
		return nil, fmt.Errorf("lookup %s: %w", host, err)
	}

	r.negative.Put(key, nil)
	r.logger.Debug().Str("host", host).Errs("errors", errs).Msg("lookup failed")
	if err == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownHost, host)
	}
	return nil, fmt.Errorf("%w: %s: %w", ErrUnknownHost, host, err)
}

func isContextError(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// HostByAddr returns a name for addr from the provider chain. When no
// provider knows the address its textual form is returned.
func (r *Resolver) HostByAddr(ctx context.Context, addr netip.Addr) string {
	k := addr.String()
	if v, ok := r.reverse.Get(k); ok {
		return v.(string)
	}

	name := k
	for _, p := range r.providers {
		h, err := p.LookupAddr(ctx, addr)
		if err == nil && h != "" {
			name = h
			break
		}
	}
	if name == k && ctx.Err() != nil {
		return name
	}
	r.reverse.SetDefault(k, name)
	return name
}

// LocalHost returns an address for the local host name, or Loopback when the
// name does not resolve.
func (r *Resolver) LocalHost(ctx context.Context) netip.Addr {
	name, err := os.Hostname()
	if err != nil || name == "" {
		return Loopback
	}
	a, err := r.Lookup(ctx, name)
	if err != nil {
		return Loopback
	}
	return a
}

// rotate moves preferred to index 0 when it appears at a later index. The
// cached slice is never modified.
func rotate(addrs []netip.Addr, preferred netip.Addr) []netip.Addr {
	out := append([]netip.Addr(nil), addrs...)
	if !preferred.IsValid() {
		return out
	}
	for i := 1; i < len(out); i++ {
		if out[i] == preferred {
			copy(out[1:i+1], out[:i])
			out[0] = preferred
			break
		}
	}
	return out
}

func cacheKey(host string) string {
	if a, err := idna.Lookup.ToASCII(host); err == nil {
		host = a
	}
	return strings.ToLower(host)
}
