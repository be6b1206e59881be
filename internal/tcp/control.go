// Package tcp implements the TCP connection state machine. A Control owns the
// sequence space, the retransmission and reorder queues and the timers of one
// connection. Building frames and delivering payload is left to a Transport,
// which the network stack provides.
package tcp

import (
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/netip"
	"sync"
	"time"

	"firestige.xyz/tern/internal/core"
	"firestige.xyz/tern/internal/metrics"
)

const (
	minSegmentTimeout = 100 * time.Millisecond
	minBackoff        = 200 * time.Millisecond
	maxBackoff        = 4000 * time.Millisecond
	timeWaitDuration  = 5 * time.Second
	maxWindow         = 0xFFFF

	// MSS is the largest payload carried in one segment.
	MSS = core.MaxEtherData - core.IPv4HeaderLen - core.TCPHeaderLen
)

// Header holds the TCP fields a Control decides. Ports and checksum belong to
// the Transport.
type Header struct {
	Seq    uint32
	Ack    uint32
	Flags  uint8
	Window uint16
}

// Transport is the connection side of the engine.
type Transport interface {
	// Segment returns a packet with link, network and TCP headers laid out
	// for the connection's peer and DataOff/DataLen covering n payload bytes.
	Segment(n int) (*core.Packet, error)
	// Output writes h into p, completes the checksums and queues p for
	// transmission. It consumes the caller's reference to p.
	Output(p *core.Packet, h Header) error
	// Reset answers the sender of p with RST|ACK acknowledging ack.
	Reset(p *core.Packet, ack uint32) error
	// Accept decides whether a SYN from addr:port may complete a passive
	// open. On true the peer is bound to the connection.
	Accept(addr netip.Addr, port uint16) bool
	// Deliver hands in-order payload to the receive stream.
	Deliver(p *core.Packet)
	// Space returns the free room in the receive stream.
	Space() int
}

// Config bounds one connection.
type Config struct {
	Name         string // used in logs
	RetransQueue int
	WaitQueue    int
	SynTimeout   time.Duration
	SynRetries   int
	Clock        core.Clock
}

func (c *Config) applyDefaults() {
	if c.RetransQueue <= 0 {
		c.RetransQueue = 64
	}
	if c.WaitQueue <= 0 {
		c.WaitQueue = 64
	}
	if c.SynTimeout <= 0 {
		c.SynTimeout = 3 * time.Second
	}
	if c.SynRetries <= 0 {
		c.SynRetries = 3
	}
	if c.Clock == nil {
		c.Clock = core.SystemClock
	}
}

// segment is an entry of the retransmission queue. The timers live on the
// packet (TimeSent, Timeout, Retransmits).
type segment struct {
	p      *core.Packet
	seq    uint32
	length uint32 // payload plus one for SYN or FIN
	flags  uint8  // without ACK, which is added on every send
}

// Control is the TCP record of one connection.
type Control struct {
	cfg Config
	t   Transport

	mu      sync.Mutex
	state   State
	changed chan struct{} // closed and replaced on every state or ack change
	aborted bool

	sendInit    uint32
	sendNext    uint32
	sendUnacked uint32

	recvInit   uint32
	recvLast   uint32
	recvAcked  uint32
	recvWindow int
	synced     bool // recvInit holds the peer's initial sequence number

	rtt      time.Duration
	backoff  time.Duration
	timeWait time.Time

	retrans []segment
	wait    []*core.Packet
}

// New returns a closed connection record.
func New(t Transport, cfg Config) *Control {
	cfg.applyDefaults()
	return &Control{
		cfg:     cfg,
		t:       t,
		changed: make(chan struct{}),
	}
}

// State returns the current state.
func (c *Control) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Snapshot is a consistent copy of a connection's counters.
type Snapshot struct {
	State       State
	SendNext    uint32
	SendUnacked uint32
	RecvLast    uint32
	RecvWindow  int
	RTT         time.Duration
	Backoff     time.Duration
	Retrans     int
	Waiting     int
}

// Snapshot returns the connection's state and sequence variables.
func (c *Control) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		State:       c.state,
		SendNext:    c.sendNext,
		SendUnacked: c.sendUnacked,
		RecvLast:    c.recvLast,
		RecvWindow:  c.recvWindow,
		RTT:         c.rtt,
		Backoff:     c.backoff,
		Retrans:     len(c.retrans),
		Waiting:     len(c.wait),
	}
}

// Listen prepares a passive open.
func (c *Control) Listen() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resetLocked()
	c.setStateLocked(Listen)
}

// Dial performs an active open. Each attempt picks a fresh initial sequence
// number, sends SYN and waits SynTimeout for the handshake.
func (c *Control) Dial() error {
	for attempt := 1; attempt <= c.cfg.SynRetries; attempt++ {
		c.mu.Lock()
		if c.aborted {
			c.mu.Unlock()
			return fmt.Errorf("tcp dial %s: %w", c.cfg.Name, core.ErrConnClosed)
		}
		c.resetLocked()
		c.startSequenceLocked()
		c.setStateLocked(SynSent)
		if err := c.emitLocked(core.TCPSyn); err != nil {
			slog.Debug("tcp syn not sent", "conn", c.cfg.Name, "error", err)
		}
		c.mu.Unlock()

		st, err := c.Await(c.cfg.SynTimeout, Established, Closed)
		if err == nil && st == Established {
			return nil
		}
		slog.Debug("tcp syn unanswered", "conn", c.cfg.Name, "attempt", attempt, "state", st)
	}

	c.mu.Lock()
	c.setStateLocked(Closed)
	c.mu.Unlock()
	return fmt.Errorf("tcp dial %s: %w", c.cfg.Name, core.ErrRetriesExceeded)
}

// Await blocks until the connection is in one of states or timeout passes,
// and returns the state it saw last.
func (c *Control) Await(timeout time.Duration, states ...State) (State, error) {
	var st State
	err := c.lockWhen(time.Now().Add(timeout), func() (bool, error) {
		st = c.state
		for _, s := range states {
			if st == s {
				return true, nil
			}
		}
		return false, nil
	})
	if err != nil {
		return st, err
	}
	c.mu.Unlock()
	return st, nil
}

// Close performs a polite close and waits for the connection to reach closed.
// When timeout passes first the connection is closed anyway and ErrTimeout is
// returned.
func (c *Control) Close(timeout time.Duration) error {
	c.mu.Lock()
	switch c.state {
	case Closed:
		c.mu.Unlock()
		return nil
	case Listen, SynSent:
		c.setStateLocked(Closed)
		c.mu.Unlock()
		return nil
	case SynReceived, Established:
		c.purgeLocked()
		c.setStateLocked(FinWait1)
		if err := c.emitLocked(core.TCPFin); err != nil {
			slog.Debug("tcp fin not sent", "conn", c.cfg.Name, "error", err)
		}
	}
	c.mu.Unlock()

	if _, err := c.Await(timeout, Closed); err != nil {
		c.Abort()
		return fmt.Errorf("tcp close %s: %w", c.cfg.Name, err)
	}
	return nil
}

// Abort moves the connection straight to closed and wakes every waiter.
func (c *Control) Abort() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.aborted = true
	c.setStateLocked(Closed)
	c.purgeLocked()
	c.notifyLocked()
}

// Send transmits data in segments of at most MSS bytes. It blocks while the
// peer's window or the retransmission queue has no room, and returns how many
// bytes were queued.
func (c *Control) Send(data []byte, timeout time.Duration) (int, error) {
	deadline := time.Now().Add(timeout)
	sent := 0
	for sent < len(data) {
		n := min(len(data)-sent, MSS)
		err := c.lockWhen(deadline, func() (bool, error) {
			if c.state != Established && c.state != CloseWait {
				return false, core.ErrConnClosed
			}
			if c.recvWindow > 0 && n > c.recvWindow {
				n = c.recvWindow
			}
			inflight := int(c.sendNext - c.sendUnacked)
			return inflight+n <= c.recvWindow && len(c.retrans) < c.cfg.RetransQueue, nil
		})
		if err != nil {
			return sent, fmt.Errorf("tcp send %s: %w", c.cfg.Name, err)
		}

		p, err := c.t.Segment(n)
		if err != nil {
			c.mu.Unlock()
			return sent, fmt.Errorf("tcp send %s: %w", c.cfg.Name, err)
		}
		copy(p.Payload(), data[sent:sent+n])
		var flags uint8
		if sent+n == len(data) {
			flags = core.TCPPsh
		}
		h := c.headerLocked(flags, c.sendNext)
		c.queueLocked(p, h.Seq, uint32(n), flags)
		c.sendNext += uint32(n)
		if err := c.t.Output(p, h); err != nil {
			slog.Debug("tcp segment left for retransmission", "conn", c.cfg.Name, "seq", h.Seq, "error", err)
		}
		c.mu.Unlock()
		sent += n
	}
	return sent, nil
}

// lockWhen acquires c.mu once ready reports true. On success it returns with
// c.mu held; on error c.mu is released.
func (c *Control) lockWhen(deadline time.Time, ready func() (bool, error)) error {
	for {
		c.mu.Lock()
		ok, err := ready()
		if err != nil {
			c.mu.Unlock()
			return err
		}
		if ok {
			return nil
		}
		if c.aborted {
			c.mu.Unlock()
			return core.ErrConnClosed
		}
		ch := c.changed
		c.mu.Unlock()

		d := time.Until(deadline)
		if d <= 0 {
			return core.ErrTimeout
		}
		timer := time.NewTimer(d)
		select {
		case <-ch:
			timer.Stop()
		case <-timer.C:
			return core.ErrTimeout
		}
	}
}

func (c *Control) notifyLocked() {
	close(c.changed)
	c.changed = make(chan struct{})
}

func (c *Control) setStateLocked(s State) {
	if c.state == s {
		return
	}
	slog.Debug("tcp state", "conn", c.cfg.Name, "from", c.state.String(), "to", s.String())
	c.state = s
	switch s {
	case TimeWait:
		c.timeWait = c.cfg.Clock.Now()
	case Closed:
		c.purgeLocked()
	}
	metrics.TCPStateTransitionsTotal.WithLabelValues(s.String()).Inc()
	c.notifyLocked()
}

// resetLocked forgets the sequence space of a previous attempt.
func (c *Control) resetLocked() {
	c.purgeLocked()
	c.sendInit, c.sendNext, c.sendUnacked = 0, 0, 0
	c.recvInit, c.recvLast, c.recvAcked = 0, 0, 0
	c.recvWindow = 0
	c.synced = false
	c.backoff = 0
}

func (c *Control) startSequenceLocked() {
	c.sendInit = rand.Uint32()
	c.sendNext = c.sendInit
	c.sendUnacked = c.sendInit
}

func (c *Control) purgeLocked() {
	for _, s := range c.retrans {
		s.p.Release()
	}
	clear(c.retrans)
	c.retrans = c.retrans[:0]
	for _, p := range c.wait {
		p.Release()
	}
	clear(c.wait)
	c.wait = c.wait[:0]
}

func (c *Control) windowLocked() uint16 {
	return uint16(max(0, min(c.t.Space(), maxWindow)))
}

// headerLocked fills a header for a segment starting at seq. Once the peer's
// sequence number is known every segment acknowledges recvLast+1.
func (c *Control) headerLocked(flags uint8, seq uint32) Header {
	h := Header{Seq: seq, Flags: flags, Window: c.windowLocked()}
	if c.synced {
		h.Flags |= core.TCPAck
		h.Ack = c.recvLast + 1
		c.recvAcked = h.Ack
	}
	return h
}

// emitLocked sends a segment without payload. SYN and FIN take one sequence
// number and are kept for retransmission.
func (c *Control) emitLocked(flags uint8) error {
	p, err := c.t.Segment(0)
	if err != nil {
		return err
	}
	h := c.headerLocked(flags, c.sendNext)
	if flags&(core.TCPSyn|core.TCPFin) != 0 {
		c.queueLocked(p, h.Seq, 1, flags)
		c.sendNext++
	}
	return c.t.Output(p, h)
}

func (c *Control) segmentTimeoutLocked() time.Duration {
	if c.backoff > 0 {
		return c.backoff
	}
	return max(2*c.rtt, minSegmentTimeout)
}

// queueLocked keeps a reference to p for retransmission. A full queue leaves
// the segment unprotected.
func (c *Control) queueLocked(p *core.Packet, seq, length uint32, flags uint8) {
	if len(c.retrans) >= c.cfg.RetransQueue {
		slog.Debug("tcp retransmission queue full", "conn", c.cfg.Name, "seq", seq)
		return
	}
	now := c.cfg.Clock.Now()
	p.TimeSent = now
	p.Timeout = now.Add(c.segmentTimeoutLocked())
	c.retrans = append(c.retrans, segment{p: p.Hold(), seq: seq, length: length, flags: flags})
}
