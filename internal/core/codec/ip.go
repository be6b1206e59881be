package codec

import (
	"encoding/binary"
	"net/netip"

	"firestige.xyz/tern/internal/core"
)

const (
	ipv4Version     = 4
	ipv4DefaultTTL  = 64
	ipv4FlagMF      = 0x2000
	ipv4OffsetMask  = 0x1FFF
	ipv4MaxDatagram = 65535
)

// decodeIPv4 decodes the IPv4 header, verifies its checksum and trims the
// packet to the datagram's total length (dropping link padding).
func decodeIPv4(p *core.Packet) error {
	data := p.Bytes()[p.NetOff:]
	if len(data) < core.IPv4HeaderLen {
		return core.ErrTruncated
	}

	if data[0]>>4 != ipv4Version {
		return core.ErrUnsupportedProtocol
	}

	// IHL (Internet Header Length) - lower 4 bits of first byte
	headerLen := int(data[0]&0x0F) * 4
	if headerLen < core.IPv4HeaderLen || len(data) < headerLen {
		return core.ErrTruncated
	}

	// Total Length (2 bytes at offset 2)
	totalLen := int(binary.BigEndian.Uint16(data[2:4]))
	if totalLen < headerLen || totalLen > len(data) {
		return core.ErrTruncated
	}

	if Checksum(data[:headerLen], 0) != 0 {
		return core.ErrBadChecksum
	}

	// Protocol (1 byte at offset 9)
	p.TransProto = data[9]

	// Source and destination (4 bytes each at offsets 12 and 16)
	p.SrcAddr = netip.AddrFrom4([4]byte(data[12:16]))
	p.DstAddr = netip.AddrFrom4([4]byte(data[16:20]))

	p.Length = p.NetOff + totalLen
	p.TransOff = p.NetOff + headerLen
	p.DataOff = p.TransOff
	p.DataLen = totalLen - headerLen

	// Flags and Fragment Offset (2 bytes at offset 6)
	flagsOffset := binary.BigEndian.Uint16(data[6:8])
	if flagsOffset&ipv4FlagMF != 0 || flagsOffset&ipv4OffsetMask != 0 {
		return core.ErrFragment
	}
	return nil
}

// IPv4 describes an outbound IPv4 header.
type IPv4 struct {
	Src      netip.Addr
	Dst      netip.Addr
	Protocol uint8
	ID       uint16
	TTL      uint8
}

// PutIPv4 writes a 20-byte header without options into b, followed in the
// datagram by payloadLen bytes, and fills in the header checksum.
func PutIPv4(b []byte, h IPv4, payloadLen int) {
	ttl := h.TTL
	if ttl == 0 {
		ttl = ipv4DefaultTTL
	}
	b[0] = ipv4Version<<4 | core.IPv4HeaderLen/4
	b[1] = 0
	binary.BigEndian.PutUint16(b[2:4], uint16(core.IPv4HeaderLen+payloadLen))
	binary.BigEndian.PutUint16(b[4:6], h.ID)
	binary.BigEndian.PutUint16(b[6:8], 0)
	b[8] = ttl
	b[9] = h.Protocol
	b[10], b[11] = 0, 0
	src, dst := as4(h.Src), as4(h.Dst)
	copy(b[12:16], src[:])
	copy(b[16:20], dst[:])
	binary.BigEndian.PutUint16(b[10:12], Checksum(b[:core.IPv4HeaderLen], 0))
}
