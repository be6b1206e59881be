package codec

import (
	"encoding/binary"
	"net/netip"

	"firestige.xyz/tern/internal/core"
)

// decodeICMP decodes the ICMP header and verifies the message checksum.
func decodeICMP(p *core.Packet) error {
	data := p.Bytes()[p.TransOff:]
	if len(data) < core.ICMPHeaderLen {
		return core.ErrTruncated
	}
	if Checksum(data, 0) != 0 {
		return core.ErrBadChecksum
	}

	// Type (1 byte at offset 0)
	p.SubType = data[0]
	p.DataOff = p.TransOff + core.ICMPHeaderLen
	p.DataLen = len(data) - core.ICMPHeaderLen
	return nil
}

// decodeUDP decodes the UDP header. A zero checksum means the sender did not
// compute one.
func decodeUDP(p *core.Packet) error {
	data := p.Bytes()[p.TransOff:]
	if len(data) < core.UDPHeaderLen {
		return core.ErrTruncated
	}

	// Source Port (2 bytes at offset 0)
	p.SrcPort = binary.BigEndian.Uint16(data[0:2])

	// Destination Port (2 bytes at offset 2)
	p.DstPort = binary.BigEndian.Uint16(data[2:4])

	// Length (2 bytes at offset 4) - includes header and data
	length := int(binary.BigEndian.Uint16(data[4:6]))
	if length < core.UDPHeaderLen || length > len(data) {
		return core.ErrTruncated
	}

	// Checksum (2 bytes at offset 6)
	if binary.BigEndian.Uint16(data[6:8]) != 0 {
		if Checksum(data[:length], PseudoHeaderSum(p.SrcAddr, p.DstAddr, core.ProtoUDP, length)) != 0 {
			return core.ErrBadChecksum
		}
	}

	p.DataOff = p.TransOff + core.UDPHeaderLen
	p.DataLen = length - core.UDPHeaderLen
	return nil
}

// decodeTCP decodes the TCP header and verifies the segment checksum.
func decodeTCP(p *core.Packet) error {
	data := p.Bytes()[p.TransOff:]
	if len(data) < core.TCPHeaderLen {
		return core.ErrTruncated
	}

	// Source Port (2 bytes at offset 0)
	p.SrcPort = binary.BigEndian.Uint16(data[0:2])

	// Destination Port (2 bytes at offset 2)
	p.DstPort = binary.BigEndian.Uint16(data[2:4])

	// Sequence Number (4 bytes at offset 4)
	p.Seq = binary.BigEndian.Uint32(data[4:8])

	// Acknowledgment Number (4 bytes at offset 8)
	p.Ack = binary.BigEndian.Uint32(data[8:12])

	// Data Offset (upper 4 bits of byte 12, in 32-bit words)
	headerLen := int(data[12]>>4) * 4
	if headerLen < core.TCPHeaderLen || len(data) < headerLen {
		return core.ErrTruncated
	}

	// Flags: URG, ACK, PSH, RST, SYN, FIN (lower 6 bits of byte 13)
	p.Flags = data[13] & 0x3F

	// Window (2 bytes at offset 14)
	p.Window = binary.BigEndian.Uint16(data[14:16])

	if TransportChecksum(p.SrcAddr, p.DstAddr, core.ProtoTCP, data) != 0 {
		return core.ErrBadChecksum
	}

	p.DataOff = p.TransOff + headerLen
	p.DataLen = len(data) - headerLen
	return nil
}

// PutUDP writes a UDP header at the start of segment, which holds the header
// followed by payloadLen bytes of data, and fills in the checksum.
func PutUDP(segment []byte, src, dst netip.Addr, srcPort, dstPort uint16, payloadLen int) {
	length := core.UDPHeaderLen + payloadLen
	binary.BigEndian.PutUint16(segment[0:2], srcPort)
	binary.BigEndian.PutUint16(segment[2:4], dstPort)
	binary.BigEndian.PutUint16(segment[4:6], uint16(length))
	binary.BigEndian.PutUint16(segment[6:8], 0)
	sum := TransportChecksum(src, dst, core.ProtoUDP, segment[:length])
	if sum == 0 {
		sum = 0xFFFF
	}
	binary.BigEndian.PutUint16(segment[6:8], sum)
}

// TCPHeader describes an outbound TCP header without options.
type TCPHeader struct {
	SrcPort uint16
	DstPort uint16
	Seq     uint32
	Ack     uint32
	Flags   uint8
	Window  uint16
}

// PutTCP writes h at the start of segment, which holds the header followed by
// payloadLen bytes of data, and fills in the checksum.
func PutTCP(segment []byte, src, dst netip.Addr, h TCPHeader, payloadLen int) {
	length := core.TCPHeaderLen + payloadLen
	binary.BigEndian.PutUint16(segment[0:2], h.SrcPort)
	binary.BigEndian.PutUint16(segment[2:4], h.DstPort)
	binary.BigEndian.PutUint32(segment[4:8], h.Seq)
	binary.BigEndian.PutUint32(segment[8:12], h.Ack)
	segment[12] = (core.TCPHeaderLen / 4) << 4
	segment[13] = h.Flags & 0x3F
	binary.BigEndian.PutUint16(segment[14:16], h.Window)
	binary.BigEndian.PutUint16(segment[16:18], 0)
	binary.BigEndian.PutUint16(segment[18:20], 0)
	sum := TransportChecksum(src, dst, core.ProtoTCP, segment[:length])
	binary.BigEndian.PutUint16(segment[16:18], sum)
}

// PutICMPEcho writes an echo request or reply header at the start of message,
// which holds the header followed by payloadLen bytes, and fills in the
// checksum.
func PutICMPEcho(message []byte, icmpType uint8, id, seq uint16, payloadLen int) {
	length := core.ICMPHeaderLen + payloadLen
	message[0] = icmpType
	message[1] = 0
	binary.BigEndian.PutUint16(message[2:4], 0)
	binary.BigEndian.PutUint16(message[4:6], id)
	binary.BigEndian.PutUint16(message[6:8], seq)
	binary.BigEndian.PutUint16(message[2:4], Checksum(message[:length], 0))
}

// EchoFields returns the identifier and sequence number of a decoded ICMP
// echo message.
func EchoFields(p *core.Packet) (id, seq uint16) {
	b := p.Bytes()[p.TransOff:]
	return binary.BigEndian.Uint16(b[4:6]), binary.BigEndian.Uint16(b[6:8])
}
