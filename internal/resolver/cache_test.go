package resolver

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCachePurgesLeadingExpiredOnly(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	c := newCache("positive", TTL(10*time.Second), clock.Now)

	c.Put("a", []netip.Addr{addrA})
	clock.Advance(5 * time.Second)
	c.Put("b", []netip.Addr{addrB})
	require.Equal(t, 2, c.Len())

	// "a" expired, "b" still live: insertion drops only "a".
	clock.Advance(6 * time.Second)
	c.Put("c", []netip.Addr{addrC})
	require.Equal(t, 2, c.Len())
	_, ok := c.Get("a")
	require.False(t, ok)
	got, ok := c.Get("b")
	require.True(t, ok)
	require.Equal(t, []netip.Addr{addrB}, got)
}

func TestCacheReinsertMovesToBack(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	c := newCache("positive", TTL(10*time.Second), clock.Now)

	c.Put("a", []netip.Addr{addrA})
	c.Put("b", []netip.Addr{addrB})
	clock.Advance(5 * time.Second)
	c.Put("a", []netip.Addr{addrC})

	clock.Advance(6 * time.Second)
	c.Put("d", nil)
	// "b" was the only expired leading entry; refreshed "a" survives.
	got, ok := c.Get("a")
	require.True(t, ok)
	require.Equal(t, []netip.Addr{addrC}, got)
	_, ok = c.Get("b")
	require.False(t, ok)
}

func TestCachePolicies(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}

	never := newCache("negative", Never, clock.Now)
	never.Put("a", nil)
	_, ok := never.Get("a")
	require.False(t, ok)
	require.Zero(t, never.Len())

	forever := newCache("positive", Forever, clock.Now)
	forever.Put("a", []netip.Addr{addrA})
	clock.Advance(100 * 365 * 24 * time.Hour)
	_, ok = forever.Get("a")
	require.True(t, ok)
}

func TestTTLFromSeconds(t *testing.T) {
	t.Parallel()

	require.Equal(t, Forever, TTLFromSeconds(-5))
	require.Equal(t, Never, TTLFromSeconds(0))
	require.Equal(t, TTL(30*time.Second), TTLFromSeconds(30))
	require.Equal(t, "forever", Forever.String())
	require.Equal(t, "never", Never.String())
	require.Equal(t, "30s", TTLFromSeconds(30).String())
}
