package netstack

import (
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/netip"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"firestige.xyz/tern/internal/core"
	"firestige.xyz/tern/internal/core/codec"
	"firestige.xyz/tern/internal/device"
	"firestige.xyz/tern/internal/metrics"
	"firestige.xyz/tern/internal/tcp"
)

// OpenOptions describes a connection to open.
type OpenOptions struct {
	Device *device.Device // nil selects a device for Peer
	Owner  string
	Mode   core.Mode
	Peer   netip.Addr // unset or broadcast accepts any source
	Filter core.Filter
	Stream bool // allocate an inbound stream
}

// Conn is an endpoint bound to one device and one filter.
type Conn struct {
	stack *Stack
	b     *binding
	dev   *device.Device
	owner string
	mode  core.Mode

	mu     sync.Mutex
	peer   netip.Addr
	filter core.Filter

	stream *stream
	tcp    *tcp.Control
	ipID   atomic.Uint32
	echoID uint16
	closed atomic.Bool
	trunc  func(float64)
}

// Open registers a connection. TCP filters are refused; use DialTCP or
// ListenTCP.
func (s *Stack) Open(o OpenOptions) (*Conn, error) {
	if o.Filter.Has(core.FilterTransProto) && o.Filter.TransProto == core.ProtoTCP {
		return nil, core.ErrTCPFilter
	}
	return s.open(o, nil)
}

// open registers a connection. setup runs after the local port is assigned
// and before the dispatch loop can see the connection.
func (s *Stack) open(o OpenOptions, setup func(*Conn)) (*Conn, error) {
	dev := o.Device
	if dev == nil {
		var err error
		if dev, err = s.reg.Select(o.Peer); err != nil {
			return nil, err
		}
	}
	b, err := s.binding(dev)
	if err != nil {
		return nil, err
	}

	c := &Conn{
		stack:  s,
		b:      b,
		dev:    dev,
		owner:  o.Owner,
		mode:   o.Mode,
		peer:   o.Peer,
		filter: o.Filter,
		echoID: uint16(rand.Uint32()),
		trunc:  metrics.StreamTruncatedBytesTotal.WithLabelValues(dev.Name()).Add,
	}
	c.ipID.Store(rand.Uint32())
	if o.Stream {
		c.stream = newStream(s.cfg.StreamCapacity)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if c.filter.NetProto == core.NetIPv4 && c.filter.Has(core.FilterLocalPort) {
		port, err := s.assignPortLocked(b, c.filter.TransProto, c.filter.LocalPort)
		if err != nil {
			return nil, err
		}
		c.filter.LocalPort = port
	}
	if setup != nil {
		setup(c)
	}
	b.conns = append(b.conns, c)
	b.open.Inc()
	slog.Debug("connection opened", "device", dev.Name(), "owner", o.Owner, "peer", o.Peer, "local_port", c.filter.LocalPort)
	return c, nil
}

// assignPortLocked returns port if it is free for proto on b, or an
// ephemeral port when port is zero.
func (s *Stack) assignPortLocked(b *binding, proto uint8, port uint16) (uint16, error) {
	inUse := func(p uint16) bool {
		return slices.ContainsFunc(b.conns, func(c *Conn) bool {
			return c.filter.TransProto == proto && c.filter.Has(core.FilterLocalPort) && c.filter.LocalPort == p
		})
	}
	if port != 0 {
		if inUse(port) {
			return 0, fmt.Errorf("port %d: %w", port, core.ErrPortInUse)
		}
		return port, nil
	}
	const span = ephemeralLast - ephemeralFirst + 1
	for range span {
		p := s.nextPort.Add(1) - 1
		candidate := uint16(ephemeralFirst + p%span)
		if !inUse(candidate) {
			return candidate, nil
		}
	}
	return 0, fmt.Errorf("no ephemeral port: %w", core.ErrPortInUse)
}

// Device returns the device the connection is bound to.
func (c *Conn) Device() *device.Device { return c.dev }

// Owner returns the owner recorded at open.
func (c *Conn) Owner() string { return c.owner }

// LocalPort returns the bound local port, or zero.
func (c *Conn) LocalPort() uint16 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.filter.LocalPort
}

// Peer returns the peer address and remote port as currently known.
func (c *Conn) Peer() (netip.Addr, uint16) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peer, c.filter.RemotePort
}

// TCP returns the TCP record, or nil for other connections.
func (c *Conn) TCP() *tcp.Control { return c.tcp }

// matches reports whether p is for this connection.
func (c *Conn) matches(p *core.Packet) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.filter.Matches(p) {
		return false
	}
	if p.NetProto == core.NetIPv4 && !core.IsWildcard(c.peer) && p.SrcAddr != c.peer {
		return false
	}
	return true
}

// deliver appends the part of p selected by the filter's header level.
func (c *Conn) deliver(p *core.Packet) {
	if c.stream == nil || !c.mode.Has(core.ModeRead) {
		return
	}
	c.mu.Lock()
	off := c.filter.HeaderOffset(p)
	c.mu.Unlock()
	c.appendData(p.Bytes()[off : p.DataOff+p.DataLen])
}

func (c *Conn) appendData(data []byte) {
	if n := c.stream.Append(data); n < len(data) {
		c.trunc(float64(len(data) - n))
		slog.Debug("stream full", "device", c.dev.Name(), "owner", c.owner, "dropped", len(data)-n)
	}
}

// Close removes the connection. A polite close of a TCP connection performs
// the closing handshake first; otherwise the connection is dropped at once.
func (c *Conn) Close(polite bool) error {
	if c.closed.Swap(true) {
		return nil
	}
	var err error
	if c.tcp != nil {
		if polite {
			err = c.tcp.Close(c.stack.cfg.CloseTimeout)
		} else {
			c.tcp.Abort()
		}
	}
	c.b.mu.Lock()
	if i := slices.Index(c.b.conns, c); i >= 0 {
		c.b.conns = slices.Delete(c.b.conns, i, i+1)
		c.b.open.Dec()
	}
	c.b.mu.Unlock()
	if c.stream != nil {
		c.stream.Close()
	}
	slog.Debug("connection closed", "device", c.dev.Name(), "owner", c.owner, "polite", polite)
	return err
}

// CloseOwner force-closes every connection opened by owner and returns how
// many there were.
func (s *Stack) CloseOwner(owner string) int {
	n := 0
	for _, b := range s.allBindings() {
		for _, c := range b.snapshot() {
			if c.owner == owner {
				c.Close(false)
				n++
			}
		}
	}
	return n
}

func (c *Conn) readable() error {
	if !c.mode.Has(core.ModeRead) || c.stream == nil {
		return core.ErrNotPermitted
	}
	return nil
}

// Read takes up to len(p) buffered bytes without waiting.
func (c *Conn) Read(p []byte) (int, error) {
	if err := c.readable(); err != nil {
		return 0, err
	}
	n := c.stream.Read(p)
	if n == 0 && c.closed.Load() {
		return 0, core.ErrConnClosed
	}
	return n, nil
}

// ReadMessage takes the oldest buffered message without waiting. Bytes that
// do not fit in p are discarded.
func (c *Conn) ReadMessage(p []byte) (int, error) {
	if err := c.readable(); err != nil {
		return 0, err
	}
	n := c.stream.ReadMessage(p)
	if n == 0 && c.closed.Load() {
		return 0, core.ErrConnClosed
	}
	return n, nil
}

// Wait blocks until data is buffered or timeout passes.
func (c *Conn) Wait(timeout time.Duration) error {
	if err := c.readable(); err != nil {
		return err
	}
	return c.stream.Wait(timeout)
}

// Count returns the number of buffered inbound bytes.
func (c *Conn) Count() int {
	if c.stream == nil {
		return 0
	}
	return c.stream.Count()
}

// Write sends data to the peer. TCP connections stream it; UDP connections
// send one datagram; other IPv4 connections send data as the payload of
// their transport protocol; connections without a network protocol send
// data as a complete frame.
func (c *Conn) Write(data []byte) (int, error) {
	if !c.mode.Has(core.ModeWrite) {
		return 0, core.ErrNotPermitted
	}
	if c.closed.Load() {
		return 0, core.ErrConnClosed
	}
	if !c.dev.Running() && !c.dev.Configuring() {
		return 0, fmt.Errorf("write on %s: %w", c.dev.Name(), core.ErrNotRunning)
	}
	if c.tcp != nil {
		return c.tcp.Send(data, c.stack.cfg.WriteTimeout)
	}

	c.mu.Lock()
	f, peer := c.filter, c.peer
	c.mu.Unlock()

	if f.NetProto != core.NetIPv4 {
		p := core.NewPacket()
		if !p.SetBytes(data) {
			p.Release()
			return 0, fmt.Errorf("frame of %d bytes: %w", len(data), core.ErrBadData)
		}
		if err := c.dev.Send(p); err != nil {
			return 0, err
		}
		return len(data), nil
	}

	dst := peer
	if core.IsWildcard(dst) {
		dst = core.IPv4Broadcast
	}
	return c.sendDatagram(f, dst, f.RemotePort, data)
}

// WriteTo sends one UDP datagram to dst:port regardless of the connection's
// peer. Servers use it to answer the source of a request.
func (c *Conn) WriteTo(data []byte, dst netip.Addr, port uint16) (int, error) {
	if !c.mode.Has(core.ModeWrite) {
		return 0, core.ErrNotPermitted
	}
	if c.closed.Load() {
		return 0, core.ErrConnClosed
	}
	c.mu.Lock()
	f := c.filter
	c.mu.Unlock()
	if f.NetProto != core.NetIPv4 || f.TransProto != core.ProtoUDP {
		return 0, core.ErrNotPermitted
	}
	if !c.dev.Running() && !c.dev.Configuring() {
		return 0, fmt.Errorf("write on %s: %w", c.dev.Name(), core.ErrNotRunning)
	}
	return c.sendDatagram(f, dst, port, data)
}

// sendDatagram sends data as the payload of f's transport protocol. UDP
// datagrams get a header from f's local port to dstPort.
func (c *Conn) sendDatagram(f core.Filter, dst netip.Addr, dstPort uint16, data []byte) (int, error) {
	hdr := 0
	if f.TransProto == core.ProtoUDP {
		hdr = core.UDPHeaderLen
	}
	p, err := c.stack.newDatagram(c.dev, hdr+len(data))
	if err != nil {
		return 0, err
	}
	p.TransProto = f.TransProto
	p.DataOff = p.TransOff + hdr
	p.DataLen = len(data)
	copy(p.Buffer()[p.DataOff:], data)

	src := c.dev.Host()
	if f.TransProto == core.ProtoUDP {
		codec.PutUDP(p.Buffer()[p.TransOff:], src, dst, f.LocalPort, dstPort, len(data))
	}
	if err := c.stack.sendIP(c.b, p, src, dst, f.TransProto, c.nextID()); err != nil {
		return 0, err
	}
	return len(data), nil
}

// Ping sends an ICMP echo request carrying payload to the peer. Replies reach
// connections opened with core.ICMPFilter(core.ICMPEchoReply).
func (c *Conn) Ping(seq uint16, payload []byte) error {
	if !c.mode.Has(core.ModeWrite) {
		return core.ErrNotPermitted
	}
	c.mu.Lock()
	peer := c.peer
	c.mu.Unlock()
	if core.IsWildcard(peer) {
		return fmt.Errorf("ping needs a peer address: %w", core.ErrConfigInvalid)
	}
	p, err := c.stack.newDatagram(c.dev, core.ICMPHeaderLen+len(payload))
	if err != nil {
		return err
	}
	p.TransProto = core.ProtoICMP
	p.DataOff = p.TransOff + core.ICMPHeaderLen
	p.DataLen = len(payload)
	copy(p.Buffer()[p.DataOff:], payload)
	codec.PutICMPEcho(p.Buffer()[p.TransOff:], core.ICMPEcho, c.echoID, seq, len(payload))
	return c.stack.sendIP(c.b, p, c.dev.Host(), peer, core.ProtoICMP, c.nextID())
}

func (c *Conn) nextID() uint16 { return uint16(c.ipID.Add(1)) }
