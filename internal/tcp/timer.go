package tcp

import (
	"log/slog"
	"time"

	"firestige.xyz/tern/internal/metrics"
)

// Tick runs the periodic work of the connection. The dispatch loop calls it
// once per pass: pending ACKs go out, held segments are rescanned, at most one
// timed-out segment is resent and time_wait expires.
func (c *Control) Tick() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.cfg.Clock.Now()

	if c.state >= Established {
		if c.synced && seqLE(c.recvAcked, c.recvLast) {
			c.emitLocked(0)
		}
		c.drainWaitLocked()
	}
	if c.state >= SynSent && seqLT(c.sendUnacked, c.sendNext) {
		c.retransmitLocked(now)
	}
	if c.state == TimeWait && !now.Before(c.timeWait.Add(timeWaitDuration)) {
		c.setStateLocked(Closed)
	}
}

// retransmitLocked resends the oldest segment whose timer has expired and
// backs off the timer of the whole connection.
func (c *Control) retransmitLocked(now time.Time) {
	for i := range c.retrans {
		s := &c.retrans[i]
		if now.Before(s.p.Timeout) {
			continue
		}
		if c.backoff > 0 {
			c.backoff = min(2*c.backoff, maxBackoff)
		} else {
			c.backoff = min(max(2*c.rtt, minBackoff), maxBackoff)
		}
		s.p.Retransmits++
		s.p.TimeSent = now
		s.p.Timeout = now.Add(c.backoff)

		h := c.headerLocked(s.flags, s.seq)
		metrics.TCPRetransmitsTotal.Inc()
		slog.Debug("tcp retransmit", "conn", c.cfg.Name, "seq", s.seq, "attempt", s.p.Retransmits, "backoff", c.backoff)
		if err := c.t.Output(s.p.Hold(), h); err != nil {
			slog.Debug("tcp retransmit failed", "conn", c.cfg.Name, "seq", s.seq, "error", err)
		}
		return
	}
}
