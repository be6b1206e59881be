package device

import (
	"net/netip"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"firestige.xyz/tern/internal/core"
)

// ARPEntry maps a logical address to a hardware address.
type ARPEntry struct {
	Addr    netip.Addr
	MAC     core.MAC
	Updated time.Time
}

// ARPCache is a bounded neighbour table ordered most recently used first.
// When full, the least recently used entry is dropped.
type ARPCache struct {
	mu      sync.Mutex
	max     int
	entries []ARPEntry
	gauge   prometheus.Gauge
}

// NewARPCache creates a cache holding at most max entries.
func NewARPCache(max int, gauge prometheus.Gauge) *ARPCache {
	if max <= 0 {
		max = 64
	}
	return &ARPCache{
		max:     max,
		entries: make([]ARPEntry, 0, max),
		gauge:   gauge,
	}
}

// Lookup returns the hardware address of addr and promotes the entry.
func (c *ARPCache) Lookup(addr netip.Addr) (core.MAC, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	i := c.index(addr)
	if i < 0 {
		return core.MAC{}, false
	}
	c.promote(i)
	return c.entries[0].MAC, true
}

// Update records addr at mac as the most recently used entry.
func (c *ARPCache) Update(addr netip.Addr, mac core.MAC, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if i := c.index(addr); i >= 0 {
		c.promote(i)
		c.entries[0].MAC = mac
		c.entries[0].Updated = now
		return
	}

	if len(c.entries) < c.max {
		c.entries = append(c.entries, ARPEntry{})
	}
	copy(c.entries[1:], c.entries[:len(c.entries)-1])
	c.entries[0] = ARPEntry{Addr: addr, MAC: mac, Updated: now}
	if c.gauge != nil {
		c.gauge.Set(float64(len(c.entries)))
	}
}

// Len returns the number of cached entries.
func (c *ARPCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Entries returns a copy of the table, most recently used first.
func (c *ARPCache) Entries() []ARPEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]ARPEntry(nil), c.entries...)
}

func (c *ARPCache) index(addr netip.Addr) int {
	for i := range c.entries {
		if c.entries[i].Addr == addr {
			return i
		}
	}
	return -1
}

func (c *ARPCache) promote(i int) {
	if i == 0 {
		return
	}
	e := c.entries[i]
	copy(c.entries[1:i+1], c.entries[:i])
	c.entries[0] = e
}
