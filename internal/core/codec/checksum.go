package codec

import "net/netip"

// Sum adds b to a running one's-complement sum of 16-bit big-endian words.
// An odd trailing byte is padded with a zero byte.
func Sum(b []byte, initial uint32) uint32 {
	sum := initial
	n := len(b)
	for i := 0; i+1 < n; i += 2 {
		sum += uint32(b[i])<<8 | uint32(b[i+1])
	}
	if n%2 == 1 {
		sum += uint32(b[n-1]) << 8
	}
	return sum
}

// Fold reduces a 32-bit sum to 16 bits with end-around carry.
func Fold(sum uint32) uint16 {
	for sum>>16 != 0 {
		sum = (sum & 0xFFFF) + (sum >> 16)
	}
	return uint16(sum)
}

// Checksum returns the Internet checksum of b seeded with initial. Computed
// over data that already carries a correct checksum, the result is zero.
func Checksum(b []byte, initial uint32) uint16 {
	return ^Fold(Sum(b, initial))
}

// PseudoHeaderSum sums the 96-bit IPv4 pseudo-header: source, destination,
// zero, protocol and transport length.
func PseudoHeaderSum(src, dst netip.Addr, proto uint8, length int) uint32 {
	s, d := as4(src), as4(dst)
	sum := (uint32(s[0])<<8 | uint32(s[1])) + (uint32(s[2])<<8 | uint32(s[3]))
	sum += (uint32(d[0])<<8 | uint32(d[1])) + (uint32(d[2])<<8 | uint32(d[3]))
	sum += uint32(proto)
	sum += uint32(length)
	return sum
}

// TransportChecksum computes the checksum of a UDP or TCP segment whose
// checksum field is zero.
func TransportChecksum(src, dst netip.Addr, proto uint8, segment []byte) uint16 {
	return Checksum(segment, PseudoHeaderSum(src, dst, proto, len(segment)))
}

// as4 returns the IPv4 bytes of a, or zeros when a is not IPv4.
func as4(a netip.Addr) [4]byte {
	if !a.Is4() {
		return [4]byte{}
	}
	return a.As4()
}
