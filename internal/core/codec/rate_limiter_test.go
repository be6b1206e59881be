package codec

import (
	"errors"
	"net/netip"
	"testing"
	"time"

	"firestige.xyz/tern/internal/core"
)

func TestRateLimiter_NilWhenDisabled(t *testing.T) {
	l := NewRateLimiter(0, time.Second)
	if l != nil {
		t.Fatal("expected nil when max = 0")
	}
	if !l.Allow(addrA, time.Now()) {
		t.Error("nil limiter must allow everything")
	}
	if l.Rejected() != 0 || l.Active() != 0 {
		t.Error("nil limiter must report zero counts")
	}
}

func TestRateLimiter_RejectsOverLimit(t *testing.T) {
	l := NewRateLimiter(3, 10*time.Second)
	now := time.Now()

	for i := 0; i < 3; i++ {
		if !l.Allow(addrA, now) {
			t.Fatalf("event %d should be allowed", i)
		}
	}
	if l.Allow(addrA, now) {
		t.Error("4th event should be rejected")
	}
	if l.Rejected() != 1 {
		t.Errorf("expected 1 rejected, got %d", l.Rejected())
	}
}

func TestRateLimiter_SourcesIndependent(t *testing.T) {
	l := NewRateLimiter(1, 10*time.Second)
	now := time.Now()

	if !l.Allow(addrA, now) || !l.Allow(addrB, now) {
		t.Fatal("first event from each source should be allowed")
	}
	if l.Allow(addrA, now) {
		t.Error("second event from A should be rejected")
	}
	if l.Active() != 2 {
		t.Errorf("expected 2 active sources, got %d", l.Active())
	}
}

func TestRateLimiter_WindowRotation(t *testing.T) {
	l := NewRateLimiter(1, time.Second)
	now := time.Now()

	l.Allow(addrA, now)
	if l.Allow(addrA, now.Add(500*time.Millisecond)) {
		t.Fatal("should be limited inside the window")
	}
	if !l.Allow(addrA, now.Add(1500*time.Millisecond)) {
		t.Error("should be allowed after the window rolls over")
	}
}

func TestReassembler_RateLimitRejectsFragments(t *testing.T) {
	r := NewReassembler(ReassemblyConfig{MaxPerSource: 2, RateWindow: 10 * time.Second})
	now := time.Now()
	src := netip.MustParseAddr("192.0.2.1")

	for i := uint16(0); i < 2; i++ {
		if _, err := r.Add(buildFragment(t, src, addrB, 100+i, 0, true, make([]byte, 8)), now); err != nil {
			t.Fatalf("fragment %d: %v", i, err)
		}
	}
	_, err := r.Add(buildFragment(t, src, addrB, 200, 0, true, make([]byte, 8)), now)
	if !errors.Is(err, core.ErrQueueFull) {
		t.Errorf("expected rate limit rejection, got %v", err)
	}
}
