package resolver

import (
	"container/list"
	"net/netip"
	"sync"
	"time"
)

// TTL is a cache retention policy. Positive values are lifetimes; Never and
// Forever are sentinels.
type TTL time.Duration

const (
	// Never disables caching.
	Never TTL = 0
	// Forever keeps entries until the process exits.
	Forever TTL = -1
)

// TTLFromSeconds converts a networkaddress.cache.* property value.
func TTLFromSeconds(n int) TTL {
	switch {
	case n < 0:
		return Forever
	case n == 0:
		return Never
	default:
		return TTL(time.Duration(n) * time.Second)
	}
}

func (t TTL) String() string {
	switch t {
	case Never:
		return "never"
	case Forever:
		return "forever"
	default:
		return time.Duration(t).String()
	}
}

type cacheEntry struct {
	host    string
	addrs   []netip.Addr
	expires time.Time // zero for Forever
}

// Cache maps lower-cased host names to address lists. Entries are kept in
// insertion order so that expiry sweeps can stop at the first live entry.
type Cache struct {
	name string
	ttl  TTL
	now  func() time.Time

	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List
}

func newCache(name string, ttl TTL, now func() time.Time) *Cache {
	if now == nil {
		now = time.Now
	}
	return &Cache{
		name:    name,
		ttl:     ttl,
		now:     now,
		entries: make(map[string]*list.Element),
		order:   list.New(),
	}
}

// Policy returns the retention policy of c.
func (c *Cache) Policy() TTL {
	return c.ttl
}

// Put stores addrs for host. With a Never policy nothing is stored. Leading
// expired entries are purged first.
func (c *Cache) Put(host string, addrs []netip.Addr) {
	if c.ttl == Never {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.purgeLeading(now)

	e := &cacheEntry{host: host, addrs: addrs}
	if c.ttl != Forever {
		e.expires = now.Add(time.Duration(c.ttl))
	}

	// Re-inserting moves the host to the back, keeping expirations ordered.
	if el, ok := c.entries[host]; ok {
		c.order.Remove(el)
	}
	c.entries[host] = c.order.PushBack(e)
}

// Get returns the addresses cached for host. An entry at or past its
// expiration is removed and reported as a miss.
func (c *Cache) Get(host string) ([]netip.Addr, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[host]
	if !ok {
		return nil, false
	}
	e := el.Value.(*cacheEntry)
	if c.expired(e, c.now()) {
		c.order.Remove(el)
		delete(c.entries, host)
		return nil, false
	}
	return e.addrs, true
}

// Len returns the number of entries, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

func (c *Cache) purgeLeading(now time.Time) {
	for el := c.order.Front(); el != nil; el = c.order.Front() {
		e := el.Value.(*cacheEntry)
		if !c.expired(e, now) {
			return
		}
		c.order.Remove(el)
		delete(c.entries, e.host)
	}
}

func (c *Cache) expired(e *cacheEntry, now time.Time) bool {
	return !e.expires.IsZero() && !now.Before(e.expires)
}
