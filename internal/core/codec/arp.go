package codec

import (
	"encoding/binary"
	"net/netip"

	"firestige.xyz/tern/internal/core"
)

// ARP operations.
const (
	ARPRequest uint16 = 1
	ARPReply   uint16 = 2
)

const (
	arpHardwareEthernet = 1
	arpHardwareLen      = 6
	arpProtocolLen      = 4
)

// ARP is an Ethernet/IPv4 address resolution message.
type ARP struct {
	Op         uint16
	SenderMAC  core.MAC
	SenderAddr netip.Addr
	TargetMAC  core.MAC
	TargetAddr netip.Addr
}

// ParseARP decodes an ARP body. Only Ethernet/IPv4 mappings are accepted.
func ParseARP(data []byte) (ARP, error) {
	var a ARP
	if len(data) < core.ARPLen {
		return a, core.ErrTruncated
	}

	// Hardware type (2 bytes at offset 0), protocol type (2 bytes at offset 2)
	if binary.BigEndian.Uint16(data[0:2]) != arpHardwareEthernet ||
		binary.BigEndian.Uint16(data[2:4]) != uint16(core.NetIPv4) {
		return a, core.ErrUnsupportedProtocol
	}

	// Address lengths (1 byte each at offsets 4 and 5)
	if data[4] != arpHardwareLen || data[5] != arpProtocolLen {
		return a, core.ErrUnsupportedProtocol
	}

	// Operation (2 bytes at offset 6)
	a.Op = binary.BigEndian.Uint16(data[6:8])

	copy(a.SenderMAC[:], data[8:14])
	a.SenderAddr = netip.AddrFrom4([4]byte(data[14:18]))
	copy(a.TargetMAC[:], data[18:24])
	a.TargetAddr = netip.AddrFrom4([4]byte(data[24:28]))
	return a, nil
}

// PutARP encodes a into b, which must hold core.ARPLen bytes.
func PutARP(b []byte, a ARP) {
	binary.BigEndian.PutUint16(b[0:2], arpHardwareEthernet)
	binary.BigEndian.PutUint16(b[2:4], uint16(core.NetIPv4))
	b[4] = arpHardwareLen
	b[5] = arpProtocolLen
	binary.BigEndian.PutUint16(b[6:8], a.Op)
	copy(b[8:14], a.SenderMAC[:])
	sa := as4(a.SenderAddr)
	copy(b[14:18], sa[:])
	copy(b[18:24], a.TargetMAC[:])
	ta := as4(a.TargetAddr)
	copy(b[24:28], ta[:])
}
