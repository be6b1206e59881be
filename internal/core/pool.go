package core

import "sync/atomic"

// Pool is a fixed set of preallocated packets backing the receive path.
// Get and the release hook only move pointers through a buffered channel,
// so neither allocates nor blocks.
type Pool struct {
	free   chan *Packet
	size   int
	misses atomic.Uint64
}

// NewPool preallocates size packets of MaxPacketLen capacity.
func NewPool(size int) *Pool {
	p := &Pool{
		free: make(chan *Packet, size),
		size: size,
	}
	for i := 0; i < size; i++ {
		pk := &Packet{buf: make([]byte, MaxPacketLen), release: p.put}
		p.free <- pk
	}
	return p
}

// Get returns a packet with one reference, or nil if the pool is empty.
func (p *Pool) Get() *Packet {
	select {
	case pk := <-p.free:
		pk.Reset()
		pk.refs.Store(1)
		return pk
	default:
		p.misses.Add(1)
		return nil
	}
}

func (p *Pool) put(pk *Packet) {
	select {
	case p.free <- pk:
	default:
	}
}

// Available returns the number of free packets.
func (p *Pool) Available() int { return len(p.free) }

// Size returns the pool capacity.
func (p *Pool) Size() int { return p.size }

// Misses returns how many Get calls found the pool empty.
func (p *Pool) Misses() uint64 { return p.misses.Load() }
