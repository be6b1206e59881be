package netstack

import (
	"errors"
	"log/slog"
	"time"

	"firestige.xyz/tern/internal/core"
	"firestige.xyz/tern/internal/core/codec"
	"firestige.xyz/tern/internal/device"
	"firestige.xyz/tern/internal/metrics"
)

// Poll runs one pass of the dispatch loop over every device that is running
// or being auto-configured.
func (s *Stack) Poll() {
	start := time.Now()
	now := s.clock.Now()
	for _, b := range s.allBindings() {
		dev := b.dev
		if !dev.Running() && !dev.Configuring() {
			continue
		}
		for p := dev.NextInbound(); p != nil; p = dev.NextInbound() {
			s.input(b, p, now)
			p.Release()
		}
		s.expirePending(b, now)
		for _, c := range b.snapshot() {
			if c.tcp != nil {
				c.tcp.Tick()
			}
		}
		dev.Flush()
		s.checkLease(b, now)
	}
	if n := s.reasm.Expire(now); n > 0 {
		slog.Debug("fragment flows expired", "count", n)
	}
	metrics.ReassemblyFlows.Set(float64(s.reasm.Pending()))
	metrics.DispatchPollSeconds.Observe(time.Since(start).Seconds())
}

// input processes one received packet. The caller keeps its reference.
func (s *Stack) input(b *binding, p *core.Packet, now time.Time) {
	dev := b.dev
	if err := codec.Decode(p, dev.LinkType()); err != nil {
		if !errors.Is(err, core.ErrFragment) {
			dev.DropInbound(dropReason(err))
			slog.Debug("inbound packet discarded", "device", dev.Name(), "error", err)
			return
		}
		whole, err := s.reasm.Add(p, now)
		if err != nil {
			dev.DropInbound("fragment")
			slog.Debug("fragment discarded", "device", dev.Name(), "error", err)
			return
		}
		if whole == nil {
			return
		}
		defer whole.Release()
		p = whole
	}
	if f := b.ingress.Load(); f != nil && !f.Matches(p) {
		dev.DropInbound("filtered")
		return
	}

	if p.NetProto == core.NetARP {
		s.handleARP(b, p, now)
		return
	}
	if !s.addressedToUs(dev, p) {
		return
	}
	if p.TransProto == core.ProtoICMP && p.SubType == core.ICMPEcho && p.DstAddr == dev.Host() {
		s.answerEcho(b, p, now)
	}
	s.dispatch(b, p)
}

// dispatch hands p to every matching connection. Unmatched packets are
// dropped without reply.
func (s *Stack) dispatch(b *binding, p *core.Packet) {
	for _, c := range b.snapshot() {
		if !c.matches(p) {
			continue
		}
		if c.tcp != nil {
			if err := c.tcp.Process(p); err != nil {
				slog.Debug("tcp segment not accepted", "device", b.dev.Name(), "owner", c.owner, "error", err)
			}
			continue
		}
		c.deliver(p)
	}
}

// addressedToUs accepts packets for the host address, broadcast, anything
// while the device has no address yet, and anything in promiscuous mode.
func (s *Stack) addressedToUs(dev *device.Device, p *core.Packet) bool {
	if p.NetProto != core.NetIPv4 || dev.LinkType() == core.LinkLoopback {
		return true
	}
	host := dev.Host()
	if !host.IsValid() || host.IsUnspecified() || dev.Configuring() {
		return true
	}
	return dev.IsLocal(p.DstAddr) || dev.Has(device.FlagPromiscuous)
}

// handleARP learns the sender of every ARP message, releases frames waiting
// for it and answers requests for the host address.
func (s *Stack) handleARP(b *binding, p *core.Packet, now time.Time) {
	dev := b.dev
	a, err := codec.ParseARP(p.Payload())
	if err != nil {
		dev.DropInbound(dropReason(err))
		return
	}
	if a.SenderAddr.IsValid() && !a.SenderAddr.IsUnspecified() {
		dev.ARP().Update(a.SenderAddr, a.SenderMAC, now)
		s.releasePending(b, a.SenderAddr, a.SenderMAC)
	}
	host := dev.Host()
	if a.Op == codec.ARPRequest && host.IsValid() && a.TargetAddr == host {
		if err := s.sendARP(b, codec.ARPReply, a.SenderMAC, a.SenderAddr, a.SenderMAC); err != nil {
			slog.Debug("arp reply not sent", "device", dev.Name(), "error", err)
		}
	}
}

// answerEcho queues an echo reply carrying the request's identifier,
// sequence number and data.
func (s *Stack) answerEcho(b *binding, req *core.Packet, now time.Time) {
	if !s.echoLimit.Allow(req.SrcAddr, now) {
		metrics.ICMPEchoRepliesTotal.WithLabelValues("rate_limited").Inc()
		return
	}
	msgLen := req.Length - req.TransOff
	p, err := s.newDatagram(b.dev, msgLen)
	if err != nil {
		return
	}
	msg := p.Buffer()[p.TransOff:]
	copy(msg, req.Bytes()[req.TransOff:])
	id, seq := codec.EchoFields(req)
	codec.PutICMPEcho(msg, core.ICMPEchoReply, id, seq, msgLen-core.ICMPHeaderLen)
	if err := s.sendIP(b, p, b.dev.Host(), req.SrcAddr, core.ProtoICMP, uint16(s.ipID.Add(1))); err != nil {
		slog.Debug("echo reply not sent", "device", b.dev.Name(), "error", err)
		return
	}
	metrics.ICMPEchoRepliesTotal.WithLabelValues("answered").Inc()
}

// checkLease renews an auto-configured lease that is about to expire. The
// exchange runs on its own goroutine because it needs this loop to carry it.
func (s *Stack) checkLease(b *binding, now time.Time) {
	dev := b.dev
	auto := s.autoConfigurer()
	if auto == nil || !dev.Has(device.FlagAutoconf) || dev.Configuring() {
		return
	}
	l := dev.Lease()
	if l == nil || l.Infinite() || now.Before(l.Expiry.Add(-s.cfg.RenewMargin)) {
		return
	}
	if !b.renewing.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer b.renewing.Store(false)
		if err := auto.Renew(dev, s.cfg.AutoconfTimeout); err != nil {
			slog.Warn("lease renewal failed, device down", "device", dev.Name(), "error", err)
			dev.SetFlag(device.FlagRunning, false)
			return
		}
		slog.Info("lease renewed", "device", dev.Name(), "host", dev.Host())
	}()
}

func dropReason(err error) string {
	switch {
	case errors.Is(err, core.ErrTruncated):
		return "truncated"
	case errors.Is(err, core.ErrBadChecksum):
		return "bad_checksum"
	case errors.Is(err, core.ErrUnsupportedProtocol):
		return "unsupported"
	default:
		return "malformed"
	}
}
