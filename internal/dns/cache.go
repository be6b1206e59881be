package dns

import (
	"net/netip"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"

	"firestige.xyz/tern/internal/core"
)

// minLifetime is the shortest time a record stays cached, so a zero TTL
// still answers the lookup that fetched it.
const minLifetime = time.Second

// Entry is one cached record. Forward entries carry Addr, reverse entries
// carry Name.
type Entry struct {
	Addr         netip.Addr
	Name         string
	Expiry       time.Time
	LastAccessed time.Time
}

// Cache holds resolved records for every device of the process. Expiry is
// judged against the injected clock and enforced lazily on lookup.
type Cache struct {
	mu    sync.Mutex
	items *cache.Cache
	size  int
	clock core.Clock
}

// NewCache returns a cache holding at most size records.
func NewCache(size int, clock core.Clock) *Cache {
	if size <= 0 {
		size = 64
	}
	if clock == nil {
		clock = core.SystemClock
	}
	return &Cache{
		items: cache.New(cache.NoExpiration, 0),
		size:  size,
		clock: clock,
	}
}

func nameKey(name string) string     { return "A " + canonicalName(name) }
func addrKey(addr netip.Addr) string { return "PTR " + addr.String() }

// LookupName returns the cached address of name.
func (c *Cache) LookupName(name string) (netip.Addr, bool) {
	e, ok := c.lookup(nameKey(name))
	return e.Addr, ok
}

// LookupAddr returns the cached name of addr.
func (c *Cache) LookupAddr(addr netip.Addr) (string, bool) {
	e, ok := c.lookup(addrKey(addr))
	return e.Name, ok
}

// StoreName caches addr as the address of name for ttl.
func (c *Cache) StoreName(name string, addr netip.Addr, ttl time.Duration) {
	c.store(nameKey(name), Entry{Addr: addr}, ttl)
}

// StoreAddr caches name as the name of addr for ttl.
func (c *Cache) StoreAddr(addr netip.Addr, name string, ttl time.Duration) {
	c.store(addrKey(addr), Entry{Name: name}, ttl)
}

func (c *Cache) lookup(key string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.items.Get(key)
	if !ok {
		return Entry{}, false
	}
	e := v.(*Entry)
	now := c.clock.Now()
	if now.After(e.Expiry) {
		c.items.Delete(key)
		return Entry{}, false
	}
	e.LastAccessed = now
	return *e, true
}

func (c *Cache) store(key string, e Entry, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.clock.Now()
	e.Expiry = now.Add(max(ttl, minLifetime))
	e.LastAccessed = now
	if _, ok := c.items.Get(key); !ok && c.items.ItemCount() >= c.size {
		c.evictLocked(now)
	}
	c.items.Set(key, &e, cache.NoExpiration)
}

// evictLocked drops expired records, or the least recently used one when
// none has expired.
func (c *Cache) evictLocked(now time.Time) {
	var oldest string
	var oldestAt time.Time
	expired := false
	for k, it := range c.items.Items() {
		e := it.Object.(*Entry)
		if now.After(e.Expiry) {
			c.items.Delete(k)
			expired = true
			continue
		}
		if oldest == "" || e.LastAccessed.Before(oldestAt) {
			oldest, oldestAt = k, e.LastAccessed
		}
	}
	if !expired && oldest != "" {
		c.items.Delete(oldest)
	}
}

// Len returns the number of cached records, expired ones included.
func (c *Cache) Len() int { return c.items.ItemCount() }

// Flush empties the cache.
func (c *Cache) Flush() { c.items.Flush() }
