// Package loopback implements the loopback driver. Transmitted frames are
// handed straight back to the receive path; frames carry no link header.
package loopback

import (
	"errors"
	"sync"

	"firestige.xyz/tern/internal/core"
	"firestige.xyz/tern/internal/device"
)

const defaultName = "lo"

var errNotStarted = errors.New("loopback: not started")

// Driver is the loopback adapter.
type Driver struct {
	name string

	mu sync.RWMutex
	rx device.Receiver
}

// New returns a loopback driver. An empty name defaults to "lo".
func New(name string) *Driver {
	if name == "" {
		name = defaultName
	}
	return &Driver{name: name}
}

func (d *Driver) Name() string            { return d.name }
func (d *Driver) HardwareAddr() core.MAC  { return core.MAC{} }
func (d *Driver) LinkType() core.LinkType { return core.LinkLoopback }

func (d *Driver) Start(rx device.Receiver) error {
	d.mu.Lock()
	d.rx = rx
	d.mu.Unlock()
	return nil
}

// Transmit loops the frame back to the receiver.
func (d *Driver) Transmit(frame []byte) error {
	d.mu.RLock()
	rx := d.rx
	d.mu.RUnlock()
	if rx == nil {
		return errNotStarted
	}
	rx.Receive(frame)
	return nil
}

// SetFlags accepts every flag; promiscuity is meaningless here.
func (d *Driver) SetFlags(device.Flags, bool) error { return nil }

func (d *Driver) Close() error {
	d.mu.Lock()
	d.rx = nil
	d.mu.Unlock()
	return nil
}
