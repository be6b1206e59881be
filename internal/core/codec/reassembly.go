package codec

import (
	"container/list"
	"encoding/binary"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"firestige.xyz/tern/internal/core"
	"firestige.xyz/tern/internal/metrics"
)

// ReassemblyConfig bounds IPv4 fragment reassembly.
type ReassemblyConfig struct {
	MaxFragments int           // per datagram (default 64)
	MaxDatagram  int           // reassembled size limit (default 65535)
	Timeout      time.Duration // idle flow lifetime (default 30s)
	MaxPerSource int           // fragments per source per window (0 = unlimited)
	RateWindow   time.Duration // rate limit window (default 10s)
}

// flowKey identifies the datagram a fragment belongs to.
type flowKey struct {
	src   netip.Addr
	dst   netip.Addr
	proto uint8
	id    uint16
}

type fragment struct {
	offset int
	data   []byte
}

// flow holds the fragments of one datagram sorted by offset. Overlapping
// bytes keep the copy that arrived first.
type flow struct {
	fragments     list.List // of *fragment
	highest       int       // max(offset + length) seen
	received      int       // unique bytes held
	finalReceived bool      // last fragment (MF=0) seen
	lastSeen      time.Time
	ttl           uint8
}

// Reassembler rebuilds fragmented IPv4 datagrams on the receive path.
type Reassembler struct {
	mu      sync.Mutex
	flows   map[flowKey]*flow
	config  ReassemblyConfig
	limiter *RateLimiter
}

// NewReassembler creates a reassembler. Expired flows are removed by Expire,
// which the dispatch loop calls on every tick.
func NewReassembler(cfg ReassemblyConfig) *Reassembler {
	if cfg.MaxFragments <= 0 {
		cfg.MaxFragments = 64
	}
	if cfg.MaxDatagram <= 0 || cfg.MaxDatagram > ipv4MaxDatagram {
		cfg.MaxDatagram = ipv4MaxDatagram
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RateWindow <= 0 {
		cfg.RateWindow = 10 * time.Second
	}
	return &Reassembler{
		flows:   make(map[flowKey]*flow),
		config:  cfg,
		limiter: NewRateLimiter(cfg.MaxPerSource, cfg.RateWindow),
	}
}

// Add takes a packet for which Decode returned core.ErrFragment. When the
// datagram is complete it returns a newly decoded packet holding the link
// header, a rebuilt IPv4 header and the whole payload; otherwise it returns
// nil. The caller keeps its reference to p.
func (r *Reassembler) Add(p *core.Packet, now time.Time) (*core.Packet, error) {
	hdr := p.Bytes()[p.NetOff:]

	// Identification (2 bytes at offset 4), Flags + Fragment Offset (offset 6)
	id := binary.BigEndian.Uint16(hdr[4:6])
	flagsOffset := binary.BigEndian.Uint16(hdr[6:8])
	more := flagsOffset&ipv4FlagMF != 0
	offset := int(flagsOffset&ipv4OffsetMask) * 8
	payload := p.Bytes()[p.TransOff:p.Length]

	if len(payload) == 0 {
		return nil, fmt.Errorf("%w: empty fragment", core.ErrBadData)
	}
	if offset+len(payload) > r.config.MaxDatagram {
		return nil, fmt.Errorf("%w: fragment ends at %d", core.ErrBadData, offset+len(payload))
	}
	if !r.limiter.Allow(p.SrcAddr, now) {
		return nil, fmt.Errorf("%w: fragment rate from %s", core.ErrQueueFull, p.SrcAddr)
	}

	key := flowKey{src: p.SrcAddr, dst: p.DstAddr, proto: p.TransProto, id: id}

	r.mu.Lock()
	defer r.mu.Unlock()

	fl, ok := r.flows[key]
	if !ok {
		fl = &flow{ttl: hdr[8]}
		r.flows[key] = fl
		metrics.ReassemblyFlows.Inc()
	}
	if fl.fragments.Len() >= r.config.MaxFragments {
		r.evict(key)
		return nil, fmt.Errorf("%w: more than %d fragments", core.ErrQueueFull, r.config.MaxFragments)
	}
	fl.lastSeen = now

	end := offset + len(payload)
	if !more {
		fl.finalReceived = true
		fl.highest = end
	} else if end > fl.highest && !fl.finalReceived {
		fl.highest = end
	}
	data := make([]byte, len(payload))
	copy(data, payload)
	fl.insert(&fragment{offset: offset, data: data})

	if !fl.finalReceived || fl.received < fl.highest {
		return nil, nil
	}
	r.evict(key)
	return r.build(p, key, fl)
}

// insert places frag in offset order, trimming bytes already covered by its
// neighbours.
func (fl *flow) insert(frag *fragment) {
	var next *list.Element
	for e := fl.fragments.Front(); e != nil; e = e.Next() {
		if e.Value.(*fragment).offset >= frag.offset {
			next = e
			break
		}
	}

	start, end := frag.offset, frag.offset+len(frag.data)
	var prev *list.Element
	if next != nil {
		prev = next.Prev()
	} else {
		prev = fl.fragments.Back()
	}
	if prev != nil {
		pf := prev.Value.(*fragment)
		if pe := pf.offset + len(pf.data); pe > start {
			start = pe
		}
	}
	if next != nil {
		if nf := next.Value.(*fragment); nf.offset < end {
			end = nf.offset
		}
	}
	if start >= end {
		return
	}

	trimmed := &fragment{offset: start, data: frag.data[start-frag.offset : end-frag.offset]}
	if next != nil {
		fl.fragments.InsertBefore(trimmed, next)
	} else {
		fl.fragments.PushBack(trimmed)
	}
	fl.received += len(trimmed.data)
}

// build assembles the datagram into a fresh packet and decodes it.
func (r *Reassembler) build(p *core.Packet, key flowKey, fl *flow) (*core.Packet, error) {
	total := fl.highest
	out := core.NewPacketSize(p.NetOff + core.IPv4HeaderLen + total)
	buf := out.Buffer()
	copy(buf, p.Bytes()[:p.NetOff])
	PutIPv4(buf[p.NetOff:], IPv4{
		Src:      key.src,
		Dst:      key.dst,
		Protocol: key.proto,
		ID:       key.id,
		TTL:      fl.ttl,
	}, total)
	data := buf[p.NetOff+core.IPv4HeaderLen:]
	for e := fl.fragments.Front(); e != nil; e = e.Next() {
		f := e.Value.(*fragment)
		copy(data[f.offset:], f.data)
	}
	out.Length = len(buf)
	out.Timestamp = p.Timestamp

	if err := Decode(out, p.LinkType); err != nil {
		out.Release()
		return nil, fmt.Errorf("reassembled datagram: %w", err)
	}
	return out, nil
}

// evict removes a flow. Must be called with r.mu held.
func (r *Reassembler) evict(key flowKey) {
	if _, ok := r.flows[key]; ok {
		delete(r.flows, key)
		metrics.ReassemblyFlows.Dec()
	}
}

// Expire drops flows idle for longer than the configured timeout and returns
// how many were dropped.
func (r *Reassembler) Expire(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for key, fl := range r.flows {
		if now.Sub(fl.lastSeen) > r.config.Timeout {
			r.evict(key)
			n++
		}
	}
	return n
}

// Pending returns the number of incomplete datagrams.
func (r *Reassembler) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.flows)
}
