package codec

import (
	"encoding/binary"

	"firestige.xyz/tern/internal/core"
)

// decodeEthernet decodes the 14-byte Ethernet II header.
func decodeEthernet(p *core.Packet) error {
	data := p.Bytes()
	if len(data) < core.EthernetHeaderLen {
		return core.ErrTruncated
	}

	// Destination MAC (6 bytes)
	copy(p.DstMAC[:], data[0:6])

	// Source MAC (6 bytes)
	copy(p.SrcMAC[:], data[6:12])

	// EtherType (2 bytes)
	p.NetProto = core.NetProto(binary.BigEndian.Uint16(data[12:14]))
	p.NetOff = core.EthernetHeaderLen
	return nil
}

// decodeLoopback handles frames without a link header. The network protocol
// comes from the IP version nibble.
func decodeLoopback(p *core.Packet) error {
	data := p.Bytes()
	if len(data) < 1 {
		return core.ErrTruncated
	}
	p.NetOff = 0
	if data[0]>>4 == 4 {
		p.NetProto = core.NetIPv4
	}
	return nil
}

// LinkHeaderLen returns the size of the link header for a link type.
func LinkHeaderLen(link core.LinkType) int {
	if link == core.LinkEthernet {
		return core.EthernetHeaderLen
	}
	return 0
}

// PutEthernet writes an Ethernet II header into b.
func PutEthernet(b []byte, dst, src core.MAC, proto core.NetProto) {
	copy(b[0:6], dst[:])
	copy(b[6:12], src[:])
	binary.BigEndian.PutUint16(b[12:14], uint16(proto))
}
