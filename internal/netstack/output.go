package netstack

import (
	"fmt"
	"log/slog"
	"net/netip"
	"time"

	"firestige.xyz/tern/internal/core"
	"firestige.xyz/tern/internal/core/codec"
	"firestige.xyz/tern/internal/device"
	"firestige.xyz/tern/internal/metrics"
)

// minFrameLen is the shortest Ethernet frame without the frame check sequence.
const minFrameLen = 60

// newDatagram allocates an outbound packet with room for the link and IPv4
// headers followed by n bytes of transport data.
func (s *Stack) newDatagram(dev *device.Device, n int) (*core.Packet, error) {
	link := codec.LinkHeaderLen(dev.LinkType())
	total := link + core.IPv4HeaderLen + n
	if total > core.MaxPacketLen {
		return nil, fmt.Errorf("datagram of %d bytes: %w", n, core.ErrBadData)
	}
	p := core.NewPacket()
	p.LinkType = dev.LinkType()
	p.NetProto = core.NetIPv4
	p.NetOff = link
	p.TransOff = link + core.IPv4HeaderLen
	p.DataOff = p.TransOff
	p.Length = total
	return p, nil
}

// sendIP writes the IPv4 header of p and hands it to the link layer. The
// transport header must already be complete.
func (s *Stack) sendIP(b *binding, p *core.Packet, src, dst netip.Addr, proto uint8, id uint16) error {
	codec.PutIPv4(p.Buffer()[p.NetOff:], codec.IPv4{Src: src, Dst: dst, Protocol: proto, ID: id}, p.Length-p.TransOff)
	p.SrcAddr, p.DstAddr, p.TransProto = src, dst, proto
	return s.sendFrame(b, p, dst)
}

// sendFrame adds the link header and queues p. A unicast destination whose
// hardware address is unknown parks the frame and sends an ARP request.
func (s *Stack) sendFrame(b *binding, p *core.Packet, dst netip.Addr) error {
	dev := b.dev
	if dev.LinkType() != core.LinkEthernet {
		return dev.Send(p)
	}

	a := dev.Addressing()
	if !dst.IsValid() || dst.IsUnspecified() || core.IsBroadcast(dst, a.Host, a.Netmask) {
		codec.PutEthernet(p.Buffer(), core.BroadcastMAC, dev.HardwareAddr(), core.NetIPv4)
		return dev.Send(p)
	}

	hop := dst
	if a.Gateway.IsValid() && !core.OnLink(dst, a.Host, a.Netmask) {
		hop = a.Gateway
	}
	if mac, ok := dev.ARP().Lookup(hop); ok {
		codec.PutEthernet(p.Buffer(), mac, dev.HardwareAddr(), core.NetIPv4)
		return dev.Send(p)
	}

	if err := s.park(b, p, hop); err != nil {
		return err
	}
	return s.sendARP(b, codec.ARPRequest, core.BroadcastMAC, hop, core.MAC{})
}

// park holds p until hop is resolved. It takes over the caller's reference.
func (s *Stack) park(b *binding, p *core.Packet, hop netip.Addr) error {
	b.pendMu.Lock()
	defer b.pendMu.Unlock()
	if len(b.pending) >= s.cfg.ARPPending {
		p.Release()
		metrics.DeviceDropsTotal.WithLabelValues(b.dev.Name(), "arp_pending_full").Inc()
		return fmt.Errorf("resolve %s on %s: %w", hop, b.dev.Name(), core.ErrQueueFull)
	}
	b.pending = append(b.pending, pendingFrame{p: p, hop: hop, queued: s.clock.Now()})
	return nil
}

// releasePending sends every frame parked for addr, now known at mac.
func (s *Stack) releasePending(b *binding, addr netip.Addr, mac core.MAC) {
	b.pendMu.Lock()
	var ready []*core.Packet
	kept := b.pending[:0]
	for _, pf := range b.pending {
		if pf.hop == addr {
			ready = append(ready, pf.p)
		} else {
			kept = append(kept, pf)
		}
	}
	clear(b.pending[len(kept):])
	b.pending = kept
	b.pendMu.Unlock()

	for _, p := range ready {
		codec.PutEthernet(p.Buffer(), mac, b.dev.HardwareAddr(), core.NetIPv4)
		b.dev.Send(p)
	}
}

// expirePending drops frames whose neighbour never answered.
func (s *Stack) expirePending(b *binding, now time.Time) {
	b.pendMu.Lock()
	defer b.pendMu.Unlock()
	kept := b.pending[:0]
	for _, pf := range b.pending {
		if now.Sub(pf.queued) < s.cfg.ARPTimeout {
			kept = append(kept, pf)
			continue
		}
		slog.Debug("address resolution timed out", "device", b.dev.Name(), "addr", pf.hop)
		metrics.DeviceDropsTotal.WithLabelValues(b.dev.Name(), "arp_timeout").Inc()
		pf.p.Release()
	}
	clear(b.pending[len(kept):])
	b.pending = kept
}

func (s *Stack) dropPending(b *binding) {
	b.pendMu.Lock()
	defer b.pendMu.Unlock()
	for _, pf := range b.pending {
		pf.p.Release()
	}
	clear(b.pending)
	b.pending = b.pending[:0]
}

// sendARP queues an ARP message from this device about its host address.
func (s *Stack) sendARP(b *binding, op uint16, dstMAC core.MAC, target netip.Addr, targetMAC core.MAC) error {
	dev := b.dev
	p := core.NewPacket()
	p.Length = minFrameLen
	buf := p.Buffer()
	clear(buf[:minFrameLen])
	codec.PutEthernet(buf, dstMAC, dev.HardwareAddr(), core.NetARP)
	codec.PutARP(buf[core.EthernetHeaderLen:], codec.ARP{
		Op:         op,
		SenderMAC:  dev.HardwareAddr(),
		SenderAddr: dev.Host(),
		TargetMAC:  targetMAC,
		TargetAddr: target,
	})
	return dev.Send(p)
}
