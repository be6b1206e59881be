package core

import (
	"net/netip"
	"sync/atomic"
	"time"
)

// Packet is a reference-counted frame buffer. The same Packet may sit in an
// outbound queue, a retransmission queue and a reorder queue at once, so
// every holder takes a reference with Hold and drops it with Release.
type Packet struct {
	buf     []byte
	Length  int
	refs    atomic.Int32
	release func(*Packet)

	Timestamp time.Time

	// Layer tags and header offsets into the buffer.
	LinkType   LinkType
	NetProto   NetProto
	TransProto uint8
	SubType    uint8 // ICMP type
	LinkOff    int
	NetOff     int
	TransOff   int
	DataOff    int
	DataLen    int

	SrcMAC  MAC
	DstMAC  MAC
	SrcAddr netip.Addr
	DstAddr netip.Addr
	SrcPort uint16
	DstPort uint16

	// TCP fields (only populated for TCP)
	Seq    uint32
	Ack    uint32
	Flags  uint8
	Window uint16

	// Retransmission bookkeeping
	TimeSent    time.Time
	Timeout     time.Time
	Retransmits int
}

// NewPacket allocates a packet of MaxPacketLen capacity with one reference.
func NewPacket() *Packet {
	return NewPacketSize(MaxPacketLen)
}

// NewPacketSize allocates a packet with the given capacity and one reference.
// Reassembled datagrams are the only packets larger than MaxPacketLen.
func NewPacketSize(size int) *Packet {
	p := &Packet{buf: make([]byte, size)}
	p.refs.Store(1)
	return p
}

// Hold takes an additional reference and returns p for chaining.
func (p *Packet) Hold() *Packet {
	p.refs.Add(1)
	return p
}

// Release drops a reference. The release hook runs when the last reference
// is dropped.
func (p *Packet) Release() {
	n := p.refs.Add(-1)
	if n < 0 {
		panic("core: packet released more often than held")
	}
	if n == 0 && p.release != nil {
		p.release(p)
	}
}

// Refs returns the current reference count.
func (p *Packet) Refs() int32 { return p.refs.Load() }

// Cap returns the buffer capacity.
func (p *Packet) Cap() int { return len(p.buf) }

// Buffer returns the whole backing buffer for in-place header construction.
func (p *Packet) Buffer() []byte { return p.buf }

// Bytes returns the filled portion of the buffer.
func (p *Packet) Bytes() []byte { return p.buf[:p.Length] }

// Payload returns the application data.
func (p *Packet) Payload() []byte { return p.buf[p.DataOff : p.DataOff+p.DataLen] }

// SetBytes copies a frame into the buffer. It reports false if the frame does
// not fit.
func (p *Packet) SetBytes(frame []byte) bool {
	if len(frame) > len(p.buf) {
		return false
	}
	p.Length = copy(p.buf, frame)
	return true
}

// Reset clears all metadata. The buffer contents are left as they are.
func (p *Packet) Reset() {
	*p = Packet{buf: p.buf, release: p.release}
}
