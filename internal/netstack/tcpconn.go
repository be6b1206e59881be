package netstack

import (
	"fmt"
	"net/netip"
	"time"

	"firestige.xyz/tern/internal/core"
	"firestige.xyz/tern/internal/core/codec"
	"firestige.xyz/tern/internal/device"
	"firestige.xyz/tern/internal/tcp"
)

// DialTCP opens a TCP connection to peer:port and waits for the handshake.
// dev may be nil to select a device for peer.
func (s *Stack) DialTCP(dev *device.Device, owner string, peer netip.Addr, port uint16) (*Conn, error) {
	if core.IsWildcard(peer) || port == 0 {
		return nil, fmt.Errorf("dial %s:%d: %w", peer, port, core.ErrConfigInvalid)
	}
	c, err := s.openTCP(dev, owner, core.ModeRead|core.ModeWrite, peer, 0, port)
	if err != nil {
		return nil, err
	}
	if err := c.tcp.Dial(); err != nil {
		c.Close(false)
		return nil, err
	}
	return c, nil
}

// ListenTCP opens a passive TCP connection on port. The first SYN from an
// acceptable peer completes it; peer may be unset to accept anyone. Use
// Accept to wait for the handshake.
func (s *Stack) ListenTCP(dev *device.Device, owner string, port uint16, peer netip.Addr) (*Conn, error) {
	if port == 0 {
		return nil, fmt.Errorf("listen on port 0: %w", core.ErrConfigInvalid)
	}
	c, err := s.openTCP(dev, owner, core.ModeRead|core.ModeWrite|core.ModeListen, peer, port, 0)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Accept waits for a listening connection to become established.
func (c *Conn) Accept(timeout time.Duration) error {
	if c.tcp == nil || !c.mode.Has(core.ModeListen) {
		return core.ErrNotPermitted
	}
	st, err := c.tcp.Await(timeout, tcp.Established, tcp.Closed)
	if err != nil {
		return err
	}
	if st == tcp.Closed {
		return core.ErrConnClosed
	}
	return nil
}

func (s *Stack) openTCP(dev *device.Device, owner string, mode core.Mode, peer netip.Addr, local, remote uint16) (*Conn, error) {
	f := core.Filter{
		Flags:      core.FilterNetProto | core.FilterTransProto | core.FilterLocalPort,
		NetProto:   core.NetIPv4,
		TransProto: core.ProtoTCP,
		LocalPort:  local,
	}
	if remote != 0 {
		f.Learn(remote)
	}
	return s.open(OpenOptions{
		Device: dev,
		Owner:  owner,
		Mode:   mode,
		Peer:   peer,
		Filter: f,
		Stream: true,
	}, func(c *Conn) {
		c.tcp = tcp.New(tcpTransport{c}, tcp.Config{
			Name:         fmt.Sprintf("%s:%d", c.dev.Name(), c.filter.LocalPort),
			RetransQueue: s.cfg.RetransQueue,
			WaitQueue:    s.cfg.WaitQueue,
			SynTimeout:   s.cfg.SynTimeout,
			SynRetries:   s.cfg.SynRetries,
			Clock:        s.clock,
		})
		if mode.Has(core.ModeListen) {
			c.tcp.Listen()
		}
	})
}

// tcpTransport connects a tcp.Control to its connection.
type tcpTransport struct{ c *Conn }

func (t tcpTransport) Segment(n int) (*core.Packet, error) {
	p, err := t.c.stack.newDatagram(t.c.dev, core.TCPHeaderLen+n)
	if err != nil {
		return nil, err
	}
	p.TransProto = core.ProtoTCP
	p.DataOff = p.TransOff + core.TCPHeaderLen
	p.DataLen = n
	return p, nil
}

func (t tcpTransport) Output(p *core.Packet, h tcp.Header) error {
	c := t.c
	c.mu.Lock()
	dst, local, remote := c.peer, c.filter.LocalPort, c.filter.RemotePort
	c.mu.Unlock()
	src := c.dev.Host()
	codec.PutTCP(p.Buffer()[p.TransOff:], src, dst, codec.TCPHeader{
		SrcPort: local,
		DstPort: remote,
		Seq:     h.Seq,
		Ack:     h.Ack,
		Flags:   h.Flags,
		Window:  h.Window,
	}, p.DataLen)
	p.Seq, p.Ack, p.Flags, p.Window = h.Seq, h.Ack, h.Flags, h.Window
	return c.stack.sendIP(c.b, p, src, dst, core.ProtoTCP, c.nextID())
}

func (t tcpTransport) Reset(in *core.Packet, ack uint32) error {
	c := t.c
	p, err := t.Segment(0)
	if err != nil {
		return err
	}
	src := c.dev.Host()
	codec.PutTCP(p.Buffer()[p.TransOff:], src, in.SrcAddr, codec.TCPHeader{
		SrcPort: in.DstPort,
		DstPort: in.SrcPort,
		Ack:     ack,
		Flags:   core.TCPRst | core.TCPAck,
	}, 0)
	return c.stack.sendIP(c.b, p, src, in.SrcAddr, core.ProtoTCP, c.nextID())
}

// Accept binds the first acceptable peer. A peer address or remote port
// that is already set is never replaced.
func (t tcpTransport) Accept(addr netip.Addr, port uint16) bool {
	c := t.c
	c.mu.Lock()
	defer c.mu.Unlock()
	if !core.IsWildcard(c.peer) && c.peer != addr {
		return false
	}
	if c.filter.Has(core.FilterRemotePort) && c.filter.RemotePort != port {
		return false
	}
	if core.IsWildcard(c.peer) {
		c.peer = addr
	}
	c.filter.Learn(port)
	return true
}

func (t tcpTransport) Deliver(p *core.Packet) { t.c.appendData(p.Payload()) }

func (t tcpTransport) Space() int { return t.c.stream.Space() }
