// Package memory implements a pair of Ethernet drivers joined back to back
// in memory. Whatever one end transmits the other end receives.
package memory

import (
	"errors"
	"sync"
	"sync/atomic"

	"firestige.xyz/tern/internal/core"
	"firestige.xyz/tern/internal/device"
)

var errClosed = errors.New("memory: link closed")

// Tap observes frames crossing the link. from is the transmitting end.
type Tap func(from string, frame []byte)

// Link is the shared wire between two Drivers.
type Link struct {
	mu   sync.RWMutex
	tap  Tap
	loss func(from string, frame []byte) bool
}

// SetTap installs an observer for every transmitted frame; nil removes it.
func (l *Link) SetTap(t Tap) {
	l.mu.Lock()
	l.tap = t
	l.mu.Unlock()
}

// SetLoss installs a predicate that drops frames for which it returns true;
// nil removes it.
func (l *Link) SetLoss(f func(from string, frame []byte) bool) {
	l.mu.Lock()
	l.loss = f
	l.mu.Unlock()
}

// Driver is one end of a Link.
type Driver struct {
	name    string
	mac     core.MAC
	link    *Link
	peer    *Driver
	promisc atomic.Bool

	mu     sync.RWMutex
	rx     device.Receiver
	closed bool

	sent, lost atomic.Uint64
}

// Pair returns two connected drivers.
func Pair(nameA string, macA core.MAC, nameB string, macB core.MAC) (*Driver, *Driver, *Link) {
	l := &Link{}
	a := &Driver{name: nameA, mac: macA, link: l}
	b := &Driver{name: nameB, mac: macB, link: l}
	a.peer, b.peer = b, a
	return a, b, l
}

func (d *Driver) Name() string            { return d.name }
func (d *Driver) HardwareAddr() core.MAC  { return d.mac }
func (d *Driver) LinkType() core.LinkType { return core.LinkEthernet }

func (d *Driver) Start(rx device.Receiver) error {
	d.mu.Lock()
	d.rx = rx
	d.closed = false
	d.mu.Unlock()
	return nil
}

// Transmit delivers frame to the peer end. Frames reach the peer only if
// addressed to its hardware address, to broadcast, or if it is promiscuous.
func (d *Driver) Transmit(frame []byte) error {
	d.mu.RLock()
	closed := d.closed
	d.mu.RUnlock()
	if closed {
		return errClosed
	}
	d.sent.Add(1)

	d.link.mu.RLock()
	tap, loss := d.link.tap, d.link.loss
	d.link.mu.RUnlock()
	if tap != nil {
		tap(d.name, frame)
	}
	if loss != nil && loss(d.name, frame) {
		d.lost.Add(1)
		return nil
	}
	d.peer.deliver(frame)
	return nil
}

func (d *Driver) deliver(frame []byte) {
	d.mu.RLock()
	rx, closed := d.rx, d.closed
	d.mu.RUnlock()
	if rx == nil || closed {
		return
	}
	if len(frame) >= core.EthernetHeaderLen && !d.promisc.Load() {
		var dst core.MAC
		copy(dst[:], frame[:6])
		if dst != d.mac && dst != core.BroadcastMAC {
			return
		}
	}
	rx.Receive(frame)
}

// SetFlags supports FlagPromiscuous.
func (d *Driver) SetFlags(flags device.Flags, on bool) error {
	if flags&device.FlagPromiscuous != 0 {
		d.promisc.Store(on)
	}
	return nil
}

func (d *Driver) Close() error {
	d.mu.Lock()
	d.closed = true
	d.rx = nil
	d.mu.Unlock()
	return nil
}

// Sent returns how many frames this end transmitted, including lost ones.
func (d *Driver) Sent() uint64 { return d.sent.Load() }

// Lost returns how many transmitted frames the loss predicate dropped.
func (d *Driver) Lost() uint64 { return d.lost.Load() }
