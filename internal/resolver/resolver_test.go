package resolver

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/die-net/netsock/internal/config"
)

type countingProvider struct {
	calls atomic.Int32
	addrs map[string][]netip.Addr
	block chan struct{}
}

func (p *countingProvider) LookupHost(_ context.Context, host string) ([]netip.Addr, error) {
	p.calls.Add(1)
	if p.block != nil {
		<-p.block
	}
	if a, ok := p.addrs[host]; ok {
		return append([]netip.Addr(nil), a...), nil
	}
	return nil, errors.New("no such host")
}

func (p *countingProvider) LookupAddr(_ context.Context, addr netip.Addr) (string, error) {
	p.calls.Add(1)
	for h, as := range p.addrs {
		for _, a := range as {
			if a == addr {
				return h, nil
			}
		}
	}
	return "", errors.New("no such address")
}

// gatedProvider answers once release is closed and gives up when ctx is
// done.
type gatedProvider struct {
	calls   atomic.Int32
	name    string
	addrs   []netip.Addr
	release chan struct{}
}

func (p *gatedProvider) LookupHost(ctx context.Context, _ string) ([]netip.Addr, error) {
	p.calls.Add(1)
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.release:
		return p.addrs, nil
	}
}

func (p *gatedProvider) LookupAddr(ctx context.Context, _ netip.Addr) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-p.release:
		return p.name, nil
	}
}

type failingProvider struct{ err error }

func (p failingProvider) LookupHost(context.Context, string) ([]netip.Addr, error) {
	return nil, p.err
}

func (p failingProvider) LookupAddr(context.Context, netip.Addr) (string, error) {
	return "", p.err
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

var (
	addrA = netip.MustParseAddr("192.0.2.1")
	addrB = netip.MustParseAddr("192.0.2.2")
	addrC = netip.MustParseAddr("2001:db8::3")
)

func TestLookupLiterals(t *testing.T) {
	t.Parallel()

	p := &countingProvider{}
	r := New(Config{Providers: []Provider{p}, PositiveTTL: Forever})
	ctx := context.Background()

	tests := []struct {
		host    string
		want    netip.Addr
		wantErr bool
	}{
		{host: "", want: Loopback},
		{host: "10.1.2.3", want: netip.MustParseAddr("10.1.2.3")},
		{host: "::1", want: netip.IPv6Loopback()},
		{host: "[2001:db8::1]", want: netip.MustParseAddr("2001:db8::1")},
		{host: "fe80::1%eth0", want: netip.MustParseAddr("fe80::1%eth0")},
		{host: "::ffff:10.0.0.1", want: netip.MustParseAddr("10.0.0.1")},
		{host: "[10.0.0.1]", wantErr: true},
		{host: "[2001:db8::1", wantErr: true},
	}

	for _, tt := range tests {
		addrs, err := r.LookupAll(ctx, tt.host)
		if tt.wantErr {
			require.ErrorIs(t, err, ErrUnknownHost, tt.host)
			continue
		}
		require.NoError(t, err, tt.host)
		require.Equal(t, []netip.Addr{tt.want}, addrs, tt.host)
	}

	require.Zero(t, p.calls.Load(), "literals must not reach the provider")
	require.Zero(t, r.Positive().Len())
}

func TestPositiveCacheTTL(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	p := &countingProvider{addrs: map[string][]netip.Addr{"Example.ORG": {addrA}, "example.org": {addrA}}}
	r := New(Config{Providers: []Provider{p}, PositiveTTL: TTL(10 * time.Second), Now: clock.Now})
	ctx := context.Background()

	_, err := r.LookupAll(ctx, "example.org")
	require.NoError(t, err)
	require.EqualValues(t, 1, p.calls.Load())

	// Case-insensitive key, still inside the TTL.
	clock.Advance(9 * time.Second)
	addrs, err := r.LookupAll(ctx, "Example.ORG")
	require.NoError(t, err)
	require.Equal(t, []netip.Addr{addrA}, addrs)
	require.EqualValues(t, 1, p.calls.Load())

	// Exactly at expiration the entry is a miss and is removed.
	clock.Advance(time.Second)
	_, ok := r.Positive().Get("example.org")
	require.False(t, ok)
	require.Zero(t, r.Positive().Len())

	_, err = r.LookupAll(ctx, "example.org")
	require.NoError(t, err)
	require.EqualValues(t, 2, p.calls.Load())
}

func TestNegativeCacheNeverCallsProviderEveryTime(t *testing.T) {
	t.Parallel()

	p := &countingProvider{}
	r := New(Config{Providers: []Provider{p}, PositiveTTL: Forever, NegativeTTL: Never})
	ctx := context.Background()

	for range 2 {
		_, err := r.LookupAll(ctx, "nowhere.invalid")
		require.ErrorIs(t, err, ErrUnknownHost)
	}
	require.EqualValues(t, 2, p.calls.Load())
	require.Zero(t, r.Negative().Len())
}

func TestNegativeCacheTTL(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	p := &countingProvider{}
	r := New(Config{Providers: []Provider{p}, NegativeTTL: TTL(5 * time.Second), Now: clock.Now})
	ctx := context.Background()

	_, err := r.LookupAll(ctx, "nowhere.invalid")
	require.ErrorIs(t, err, ErrUnknownHost)
	_, err = r.LookupAll(ctx, "nowhere.invalid")
	require.ErrorIs(t, err, ErrUnknownHost)
	require.EqualValues(t, 1, p.calls.Load())

	clock.Advance(5 * time.Second)
	_, err = r.LookupAll(ctx, "nowhere.invalid")
	require.ErrorIs(t, err, ErrUnknownHost)
	require.EqualValues(t, 2, p.calls.Load())
}

func TestProviderChain(t *testing.T) {
	t.Parallel()

	first := &countingProvider{}
	second := &countingProvider{addrs: map[string][]netip.Addr{"svc.internal": {addrB}}}
	r := New(Config{Providers: []Provider{first, second}, PositiveTTL: Forever})

	addrs, err := r.LookupAll(context.Background(), "svc.internal")
	require.NoError(t, err)
	require.Equal(t, []netip.Addr{addrB}, addrs)
	require.EqualValues(t, 1, first.calls.Load())
	require.EqualValues(t, 1, second.calls.Load())
}

func TestLocalhostFallback(t *testing.T) {
	t.Parallel()

	p := &countingProvider{}
	r := New(Config{Providers: []Provider{p}, PositiveTTL: Forever})

	addrs, err := r.LookupAll(context.Background(), "LOCALHOST")
	require.NoError(t, err)
	require.Equal(t, []netip.Addr{Loopback}, addrs)
}

func TestRotatePreferred(t *testing.T) {
	t.Parallel()

	p := &countingProvider{addrs: map[string][]netip.Addr{"multi.example": {addrA, addrB, addrC}}}
	r := New(Config{Providers: []Provider{p}, PositiveTTL: Forever})
	ctx := context.Background()

	addrs, err := r.LookupAll(ctx, "multi.example")
	require.NoError(t, err)
	require.Equal(t, []netip.Addr{addrA, addrB, addrC}, addrs)

	addrs, err = r.LookupAllPreferred(ctx, "multi.example", addrC)
	require.NoError(t, err)
	require.Equal(t, []netip.Addr{addrC, addrA, addrB}, addrs)

	addrs, err = r.LookupAllPreferred(ctx, "multi.example", addrB)
	require.NoError(t, err)
	require.Equal(t, []netip.Addr{addrB, addrA, addrC}, addrs)

	// Unknown preferred address leaves the order alone, and the cache is
	// never rewritten by rotation.
	addrs, err = r.LookupAllPreferred(ctx, "multi.example", netip.MustParseAddr("198.51.100.1"))
	require.NoError(t, err)
	require.Equal(t, []netip.Addr{addrA, addrB, addrC}, addrs)
	require.EqualValues(t, 1, p.calls.Load())
}

func TestConcurrentMissesShareOneLookup(t *testing.T) {
	t.Parallel()

	p := &countingProvider{
		addrs: map[string][]netip.Addr{"busy.example": {addrA}},
		block: make(chan struct{}),
	}
	r := New(Config{Providers: []Provider{p}, PositiveTTL: Forever})

	var g errgroup.Group
	for range 8 {
		g.Go(func() error {
			_, err := r.LookupAll(context.Background(), "busy.example")
			return err
		})
	}
	require.Eventually(t, func() bool { return p.calls.Load() >= 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(p.block)
	require.NoError(t, g.Wait())
	require.LessOrEqual(t, p.calls.Load(), int32(8))
	require.Equal(t, 1, r.Positive().Len())
}

func TestHostByAddr(t *testing.T) {
	t.Parallel()

	p := &countingProvider{addrs: map[string][]netip.Addr{"a.example": {addrA}}}
	r := New(Config{Providers: []Provider{p}})
	ctx := context.Background()

	require.Equal(t, "a.example", r.HostByAddr(ctx, addrA))
	require.Equal(t, "a.example", r.HostByAddr(ctx, addrA))
	require.EqualValues(t, 1, p.calls.Load())

	require.Equal(t, addrB.String(), r.HostByAddr(ctx, addrB))
}

func TestLocalHost(t *testing.T) {
	t.Parallel()

	r := New(Config{Providers: []Provider{&countingProvider{}}})
	a := r.LocalHost(context.Background())
	require.True(t, a.IsValid())
}

func TestConfigFromProperties(t *testing.T) {
	t.Parallel()

	cfg := ConfigFromProperties(config.FromMap(nil))
	require.Equal(t, DefaultPositiveTTL, cfg.PositiveTTL)
	require.Equal(t, Never, cfg.NegativeTTL)

	cfg = ConfigFromProperties(config.FromMap(map[string]string{
		PropCacheTTL:         "-1",
		PropNegativeCacheTTL: "10",
	}))
	require.Equal(t, Forever, cfg.PositiveTTL)
	require.Equal(t, TTL(10*time.Second), cfg.NegativeTTL)
}

func TestCancelledLookupIsNotCached(t *testing.T) {
	t.Parallel()

	p := &gatedProvider{addrs: []netip.Addr{addrA}, release: make(chan struct{})}
	r := New(Config{Providers: []Provider{p}, PositiveTTL: TTL(time.Minute), NegativeTTL: TTL(time.Minute)})

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := r.LookupAll(ctx, "good.example")
		errc <- err
	}()
	require.Eventually(t, func() bool { return p.calls.Load() == 1 }, time.Second, time.Millisecond)

	// A caller with a live context joins the same lookup.
	var g errgroup.Group
	var joined []netip.Addr
	g.Go(func() error {
		var err error
		joined, err = r.LookupAll(context.Background(), "good.example")
		return err
	})
	time.Sleep(20 * time.Millisecond)

	cancel()
	err := <-errc
	require.ErrorIs(t, err, context.Canceled)
	require.NotErrorIs(t, err, ErrUnknownHost)

	close(p.release)
	require.NoError(t, g.Wait())
	require.Equal(t, []netip.Addr{addrA}, joined)

	addrs, err := r.LookupAll(context.Background(), "good.example")
	require.NoError(t, err)
	require.Equal(t, []netip.Addr{addrA}, addrs)
	require.Zero(t, r.Negative().Len())
	require.EqualValues(t, 1, p.calls.Load())
}

func TestProviderTimeoutIsNotCached(t *testing.T) {
	t.Parallel()

	r := New(Config{
		Providers:   []Provider{failingProvider{err: fmt.Errorf("dns: %w", context.DeadlineExceeded)}},
		NegativeTTL: Forever,
	})

	_, err := r.LookupAll(context.Background(), "slow.example")
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.NotErrorIs(t, err, ErrUnknownHost)
	require.Zero(t, r.Negative().Len())
}

func TestHostByAddrCancelledIsNotCached(t *testing.T) {
	t.Parallel()

	p := &gatedProvider{name: "a.example", release: make(chan struct{})}
	r := New(Config{Providers: []Provider{p}})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.Equal(t, addrA.String(), r.HostByAddr(ctx, addrA))

	close(p.release)
	require.Equal(t, "a.example", r.HostByAddr(context.Background(), addrA))
}
