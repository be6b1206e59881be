// Package dns resolves host names and addresses through the DNS server of a
// device and caches the answers.
package dns

import (
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/netip"
	"time"

	"golang.org/x/net/dns/dnsmessage"

	"firestige.xyz/tern/internal/core"
	"firestige.xyz/tern/internal/device"
	"firestige.xyz/tern/internal/metrics"
	"firestige.xyz/tern/internal/netstack"
)

const owner = "dns"

// Config times the resolver.
type Config struct {
	Timeout time.Duration
}

// Resolver answers lookups from its cache or by querying a server.
type Resolver struct {
	stack *netstack.Stack
	cache *Cache
	cfg   Config
}

// NewResolver returns a resolver for s sharing cache.
func NewResolver(s *netstack.Stack, cache *Cache, cfg Config) *Resolver {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &Resolver{stack: s, cache: cache, cfg: cfg}
}

// Cache returns the resolver's cache.
func (r *Resolver) Cache() *Cache { return r.cache }

// ResolveName returns the IPv4 address of name. dev may be nil to use the
// first running device that knows a DNS server.
func (r *Resolver) ResolveName(dev *device.Device, name string) (_ netip.Addr, err error) {
	hit := false
	defer func() { metrics.DNSLookupsTotal.WithLabelValues("A", lookupResult(err, hit)).Inc() }()

	if a, perr := netip.ParseAddr(name); perr == nil && a.Is4() {
		return a, nil
	}
	if a, ok := r.cache.LookupName(name); ok {
		hit = true
		return a, nil
	}
	records, err := r.query(dev, name, dnsmessage.TypeA)
	if err != nil {
		return netip.Addr{}, err
	}

	want := map[string]bool{canonicalName(name): true}
	for _, rec := range records {
		if rec.Type == dnsmessage.TypeCNAME && want[rec.Name] {
			want[rec.Target] = true
		}
	}
	for _, rec := range records {
		if rec.Type == dnsmessage.TypeA && want[rec.Name] {
			r.cache.StoreName(name, rec.Addr, rec.TTL)
			break
		}
	}
	if a, ok := r.cache.LookupName(name); ok {
		return a, nil
	}
	return netip.Addr{}, fmt.Errorf("resolve %s: %w", name, core.ErrHostUnknown)
}

// ResolveAddress returns the host name of addr.
func (r *Resolver) ResolveAddress(dev *device.Device, addr netip.Addr) (_ string, err error) {
	hit := false
	defer func() { metrics.DNSLookupsTotal.WithLabelValues("PTR", lookupResult(err, hit)).Inc() }()

	if !addr.Is4() {
		return "", fmt.Errorf("reverse lookup of %s: %w", addr, core.ErrConfigInvalid)
	}
	if n, ok := r.cache.LookupAddr(addr); ok {
		hit = true
		return n, nil
	}
	rev := reverseName(addr)
	records, err := r.query(dev, rev, dnsmessage.TypePTR)
	if err != nil {
		return "", err
	}
	for _, rec := range records {
		if rec.Type == dnsmessage.TypePTR && rec.Name == rev {
			r.cache.StoreAddr(addr, rec.Target, rec.TTL)
			break
		}
	}
	if n, ok := r.cache.LookupAddr(addr); ok {
		return n, nil
	}
	return "", fmt.Errorf("reverse lookup of %s: %w", addr, core.ErrHostUnknown)
}

// server picks the device and DNS server for a query.
func (r *Resolver) server(dev *device.Device) (*device.Device, netip.Addr, error) {
	if dev != nil {
		s := dev.Addressing().DNS
		if !s.IsValid() || s.IsUnspecified() {
			return nil, netip.Addr{}, fmt.Errorf("device %s: %w", dev.Name(), core.ErrNoDNSServer)
		}
		return dev, s, nil
	}
	for _, d := range r.stack.Devices() {
		if s := d.Addressing().DNS; d.Running() && s.IsValid() && !s.IsUnspecified() {
			return d, s, nil
		}
	}
	return nil, netip.Addr{}, core.ErrNoDNSServer
}

// query sends one question and returns the records of the matching reply.
// Replies with other transaction IDs are ignored.
func (r *Resolver) query(dev *device.Device, name string, qtype dnsmessage.Type) ([]record, error) {
	dev, server, err := r.server(dev)
	if err != nil {
		return nil, err
	}
	id := uint16(rand.Uint32())
	q, err := buildQuery(id, name, qtype)
	if err != nil {
		return nil, err
	}

	conn, err := r.stack.Open(netstack.OpenOptions{
		Device: dev,
		Owner:  owner,
		Mode:   core.ModeRead | core.ModeWrite,
		Peer:   server,
		Filter: core.UDPFilter(0, Port),
		Stream: true,
	})
	if err != nil {
		return nil, err
	}
	defer conn.Close(false)

	start := time.Now()
	if _, err := conn.Write(q); err != nil {
		return nil, fmt.Errorf("query %s: %w", server, err)
	}
	slog.Debug("dns query sent", "device", dev.Name(), "server", server, "name", name, "type", qtype)

	deadline := start.Add(r.cfg.Timeout)
	buf := make([]byte, core.MaxPacketLen)
	for {
		left := time.Until(deadline)
		if left <= 0 {
			return nil, fmt.Errorf("query %s for %s: %w", server, name, core.ErrTimeout)
		}
		if err := conn.Wait(left); err != nil {
			return nil, fmt.Errorf("query %s for %s: %w", server, name, err)
		}
		n, err := conn.ReadMessage(buf)
		if err != nil {
			return nil, err
		}
		if got, ok := replyID(buf[:n]); !ok || got != id {
			continue
		}
		metrics.DNSQuerySeconds.Observe(time.Since(start).Seconds())
		return parseReply(buf[:n])
	}
}

func lookupResult(err error, hit bool) string {
	switch {
	case hit:
		return "hit"
	case err == nil:
		return "resolved"
	case errors.Is(err, core.ErrHostUnknown):
		return "unknown"
	case errors.Is(err, core.ErrTimeout):
		return "timeout"
	case errors.Is(err, core.ErrBadData):
		return "malformed"
	default:
		return "error"
	}
}
