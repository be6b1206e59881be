// Package codec implements the wire formats of the engine: in-place decoding
// of inbound frames and header construction for outbound packets.
package codec

import (
	"fmt"

	"firestige.xyz/tern/internal/core"
)

// Decode parses a received frame in place, filling the packet's offsets,
// protocol tags, addresses and ports. Checksums are verified at every layer.
// An IPv4 fragment decodes its network header and returns core.ErrFragment.
func Decode(p *core.Packet, link core.LinkType) error {
	p.LinkType = link
	p.LinkOff = 0

	switch link {
	case core.LinkEthernet:
		if err := decodeEthernet(p); err != nil {
			return err
		}
	case core.LinkLoopback:
		if err := decodeLoopback(p); err != nil {
			return err
		}
	default:
		return fmt.Errorf("%w: link type %d", core.ErrUnsupportedProtocol, link)
	}

	switch p.NetProto {
	case core.NetARP:
		if p.Length-p.NetOff < core.ARPLen {
			return core.ErrTruncated
		}
		p.TransOff = p.NetOff
		p.DataOff = p.NetOff
		p.DataLen = core.ARPLen
		return nil
	case core.NetIPv4:
		if err := decodeIPv4(p); err != nil {
			return err
		}
	default:
		return fmt.Errorf("%w: ethertype 0x%04x", core.ErrUnsupportedProtocol, uint16(p.NetProto))
	}

	switch p.TransProto {
	case core.ProtoICMP:
		return decodeICMP(p)
	case core.ProtoUDP:
		return decodeUDP(p)
	case core.ProtoTCP:
		return decodeTCP(p)
	default:
		return fmt.Errorf("%w: ip protocol %d", core.ErrUnsupportedProtocol, p.TransProto)
	}
}
