// Package core defines core types shared by every layer of the engine.
package core

// LinkType identifies the framing used by a device.
type LinkType uint8

const (
	LinkNone LinkType = iota
	LinkEthernet
	LinkLoopback
)

func (l LinkType) String() string {
	switch l {
	case LinkEthernet:
		return "ethernet"
	case LinkLoopback:
		return "loopback"
	default:
		return "none"
	}
}

// NetProto is the network-layer protocol. Values are the Ethernet types.
type NetProto uint16

const (
	NetIPv4 NetProto = 0x0800
	NetARP  NetProto = 0x0806
)

// IP protocol numbers.
const (
	ProtoICMP uint8 = 1
	ProtoTCP  uint8 = 6
	ProtoUDP  uint8 = 17
)

// ICMP message types.
const (
	ICMPEchoReply      uint8 = 0
	ICMPUnreachable    uint8 = 3
	ICMPSourceQuench   uint8 = 4
	ICMPRedirect       uint8 = 5
	ICMPEcho           uint8 = 8
	ICMPTimeExceeded   uint8 = 11
	ICMPParamProblem   uint8 = 12
	ICMPTimestamp      uint8 = 13
	ICMPTimestampReply uint8 = 14
	ICMPInfoRequest    uint8 = 15
	ICMPInfoReply      uint8 = 16
)

// TCP header flags (low six bits of byte 13).
const (
	TCPFin uint8 = 0x01
	TCPSyn uint8 = 0x02
	TCPRst uint8 = 0x04
	TCPPsh uint8 = 0x08
	TCPAck uint8 = 0x10
	TCPUrg uint8 = 0x20
)

// Frame and header sizes.
const (
	MaxPacketLen      = 1518
	MaxEtherData      = 1500
	EthernetHeaderLen = 14
	ARPLen            = 28
	IPv4HeaderLen     = 20
	ICMPHeaderLen     = 8
	UDPHeaderLen      = 8
	TCPHeaderLen      = 20
)

// Mode is the set of operations a connection permits.
type Mode uint8

const (
	ModeWrite  Mode = 0x1
	ModeRead   Mode = 0x2
	ModeListen Mode = 0x4
)

// Has reports whether every bit of o is set in m.
func (m Mode) Has(o Mode) bool { return m&o == o }
