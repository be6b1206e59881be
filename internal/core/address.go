package core

import (
	"net"
	"net/netip"
)

// MAC is an Ethernet hardware address.
type MAC [6]byte

// BroadcastMAC is the Ethernet broadcast address.
var BroadcastMAC = MAC{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

// IPv4Broadcast is the limited broadcast address 255.255.255.255.
var IPv4Broadcast = netip.AddrFrom4([4]byte{255, 255, 255, 255})

// ParseMAC parses a colon separated hardware address.
func ParseMAC(s string) (MAC, error) {
	var m MAC
	hw, err := net.ParseMAC(s)
	if err != nil {
		return m, err
	}
	if len(hw) != len(m) {
		return m, &net.AddrError{Err: "not an ethernet address", Addr: s}
	}
	copy(m[:], hw)
	return m, nil
}

// HardwareAddr converts m for APIs that take a net.HardwareAddr.
func (m MAC) HardwareAddr() net.HardwareAddr { return net.HardwareAddr(m[:]) }

func (m MAC) String() string { return m.HardwareAddr().String() }

// IsZero reports whether m is all zeros.
func (m MAC) IsZero() bool { return m == MAC{} }

// MaskAddr applies an IPv4 netmask to addr.
func MaskAddr(addr, mask netip.Addr) netip.Addr {
	if !addr.Is4() || !mask.Is4() {
		return netip.Addr{}
	}
	a, m := addr.As4(), mask.As4()
	for i := range a {
		a[i] &= m[i]
	}
	return netip.AddrFrom4(a)
}

// OnLink reports whether addr shares host's network under mask.
func OnLink(addr, host, mask netip.Addr) bool {
	if !addr.Is4() || !host.Is4() || !mask.Is4() || mask.IsUnspecified() {
		return false
	}
	return MaskAddr(addr, mask) == MaskAddr(host, mask)
}

// BroadcastFor returns the directed broadcast address of host's network.
func BroadcastFor(host, mask netip.Addr) netip.Addr {
	if !host.Is4() || !mask.Is4() {
		return netip.Addr{}
	}
	a, m := host.As4(), mask.As4()
	for i := range a {
		a[i] |= ^m[i]
	}
	return netip.AddrFrom4(a)
}

// IsBroadcast reports whether addr is the limited broadcast address or the
// directed broadcast address of host's network.
func IsBroadcast(addr, host, mask netip.Addr) bool {
	if addr == IPv4Broadcast {
		return true
	}
	return mask.Is4() && !mask.IsUnspecified() && addr == BroadcastFor(host, mask)
}

// IsWildcard reports whether a peer address matches any source.
func IsWildcard(addr netip.Addr) bool {
	return !addr.IsValid() || addr.IsUnspecified() || addr == IPv4Broadcast
}
