package codec

import (
	"net/netip"
	"sync"
	"sync/atomic"
	"time"
)

// RateLimiter caps events per source address within a fixed window. Counts
// live in one map that is dropped wholesale when the window rolls over.
// A nil *RateLimiter allows everything.
type RateLimiter struct {
	mu          sync.Mutex
	current     map[netip.Addr]int
	windowStart time.Time
	window      time.Duration
	max         int

	rejected atomic.Int64
}

// NewRateLimiter returns nil when max <= 0 (limiting disabled).
func NewRateLimiter(max int, window time.Duration) *RateLimiter {
	if max <= 0 {
		return nil
	}
	if window <= 0 {
		window = time.Second
	}
	return &RateLimiter{
		current: make(map[netip.Addr]int),
		window:  window,
		max:     max,
	}
}

// Allow counts one event from src and reports whether it is within the limit.
func (l *RateLimiter) Allow(src netip.Addr, now time.Time) bool {
	if l == nil {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.windowStart) >= l.window {
		clear(l.current)
		l.windowStart = now
	}

	l.current[src]++
	if l.current[src] > l.max {
		l.rejected.Add(1)
		return false
	}
	return true
}

// Rejected returns the total number of refused events.
func (l *RateLimiter) Rejected() int64 {
	if l == nil {
		return 0
	}
	return l.rejected.Load()
}

// Active returns the number of distinct sources in the current window.
func (l *RateLimiter) Active() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.current)
}
