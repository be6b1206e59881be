package tcp

import (
	"fmt"
	"log/slog"
	"slices"

	"firestige.xyz/tern/internal/core"
	"firestige.xyz/tern/internal/metrics"
)

// Process runs one inbound segment through validation, sequencing and the
// state machine. In-order payload goes to the Transport's Deliver. A non-nil
// error classifies a segment that was dropped or held back: ErrInvalidSegment,
// ErrOutOfOrder, ErrDuplicate or ErrConnClosed.
func (c *Control) Process(p *core.Packet) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.processLocked(p, false); err != nil {
		return err
	}
	c.drainWaitLocked()
	return nil
}

func (c *Control) processLocked(p *core.Packet, reprocess bool) error {
	if c.state == Closed {
		return core.ErrConnClosed
	}
	if err := c.checkFlagsLocked(p); err != nil {
		slog.Debug("tcp segment rejected", "conn", c.cfg.Name, "error", err)
		return err
	}

	syn := p.Flags&core.TCPSyn != 0
	fin := p.Flags&core.TCPFin != 0
	ack := p.Flags&core.TCPAck != 0

	if !reprocess && c.recvWindow != int(p.Window) {
		c.recvWindow = int(p.Window)
		c.notifyLocked()
	}
	if ack && seqGT(p.Ack, c.sendUnacked) {
		c.sendUnacked = p.Ack
		c.ackRetransLocked(p.Ack)
		c.notifyLocked()
	}

	if !c.synced {
		if syn && c.state == SynSent {
			c.recvInit, c.recvLast, c.synced = p.Seq, p.Seq, true
		}
	} else if length := uint32(p.DataLen) + b2u(fin); length > 0 {
		next := c.recvLast + 1
		switch {
		case seqGT(p.Seq, next):
			c.holdLocked(p)
			return core.ErrOutOfOrder
		case seqLT(p.Seq, next):
			c.emitLocked(0)
			return core.ErrDuplicate
		}
		if p.DataLen > 0 {
			c.recvLast += uint32(p.DataLen)
			c.t.Deliver(p)
		}
	}

	acked := ack && p.Ack == c.sendNext
	switch c.state {
	case Listen:
		if !syn {
			break
		}
		if !c.t.Accept(p.SrcAddr, p.SrcPort) {
			slog.Debug("tcp syn refused", "conn", c.cfg.Name, "peer", p.SrcAddr, "port", p.SrcPort)
			if err := c.t.Reset(p, p.Seq+1); err != nil {
				slog.Debug("tcp reset not sent", "conn", c.cfg.Name, "error", err)
			}
			break
		}
		c.recvInit, c.recvLast, c.synced = p.Seq, p.Seq, true
		c.startSequenceLocked()
		c.setStateLocked(SynReceived)
		c.emitLocked(core.TCPSyn)

	case SynSent:
		switch {
		case p.Flags&core.TCPRst != 0:
			c.setStateLocked(Closed)
		case syn && c.sendUnacked == c.sendNext:
			c.setStateLocked(Established)
			c.emitLocked(0)
		case syn && !ack:
			c.setStateLocked(SynReceived)
			c.emitLocked(0)
		}

	case SynReceived:
		if acked {
			c.setStateLocked(Established)
		}

	case Established:
		if fin {
			c.recvLast++
			c.setStateLocked(CloseWait)
			c.emitLocked(0)
			c.setStateLocked(LastAck)
			c.emitLocked(core.TCPFin)
		}

	case LastAck:
		if acked {
			c.setStateLocked(Closed)
		}

	case FinWait1:
		switch {
		case fin:
			c.recvLast++
			if acked {
				c.setStateLocked(TimeWait)
			} else {
				c.setStateLocked(Closing)
			}
			c.emitLocked(0)
		case acked:
			c.setStateLocked(FinWait2)
		}

	case FinWait2:
		if fin {
			c.recvLast++
			c.setStateLocked(TimeWait)
			c.emitLocked(0)
		}

	case Closing:
		if acked {
			c.setStateLocked(TimeWait)
		}
	}
	return nil
}

// checkFlagsLocked rejects segments whose flags make no sense in the current
// state. A bare SYN is allowed in syn_sent for simultaneous open.
func (c *Control) checkFlagsLocked(p *core.Packet) error {
	syn := p.Flags&core.TCPSyn != 0
	fin := p.Flags&core.TCPFin != 0
	ack := p.Flags&core.TCPAck != 0

	var reason string
	switch {
	case syn && c.state >= SynReceived:
		reason = "unexpected SYN"
	case ack && seqGT(p.Ack, c.sendNext):
		reason = "acknowledges unsent data"
	case !ack && c.state >= SynSent && !(syn && c.state == SynSent):
		reason = "missing ACK"
	case fin && c.state < Established:
		reason = "FIN before established"
	default:
		return nil
	}
	return fmt.Errorf("%w: %s (%s in %s)", core.ErrInvalidSegment, reason, FlagString(p.Flags), c.state)
}

// ackRetransLocked drops every queued segment covered by ack. Segments that
// were never resent give a clean round-trip sample.
func (c *Control) ackRetransLocked(ack uint32) {
	now := c.cfg.Clock.Now()
	kept := c.retrans[:0]
	for _, s := range c.retrans {
		if !seqLE(s.seq+s.length, ack) {
			kept = append(kept, s)
			continue
		}
		if s.p.Retransmits == 0 {
			sample := now.Sub(s.p.TimeSent)
			c.rtt = c.rtt/2 + sample/2
			c.backoff = 0
			metrics.TCPRoundTripSeconds.Observe(sample.Seconds())
		}
		s.p.Release()
	}
	clear(c.retrans[len(kept):])
	c.retrans = kept
}

// holdLocked parks a segment that arrived ahead of sequence. A segment with
// the same sequence number replaces the held one; a full queue drops it.
func (c *Control) holdLocked(p *core.Packet) {
	for i, w := range c.wait {
		if w.Seq == p.Seq {
			w.Release()
			c.wait[i] = p.Hold()
			return
		}
	}
	if len(c.wait) >= c.cfg.WaitQueue {
		slog.Debug("tcp wait queue full", "conn", c.cfg.Name, "seq", p.Seq)
		return
	}
	c.wait = append(c.wait, p.Hold())
}

// drainWaitLocked replays held segments that have become next in sequence
// and drops those the stream has already passed.
func (c *Control) drainWaitLocked() {
	for {
		next := c.recvLast + 1
		i := slices.IndexFunc(c.wait, func(p *core.Packet) bool { return seqLE(p.Seq, next) })
		if i < 0 {
			return
		}
		p := c.wait[i]
		c.wait = slices.Delete(c.wait, i, i+1)
		if p.Seq == next {
			c.processLocked(p, true)
		}
		p.Release()
	}
}

func b2u(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}
