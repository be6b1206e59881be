package device

import (
	"fmt"
	"net/netip"
	"sync"

	"firestige.xyz/tern/internal/core"
)

// Registry holds the devices known to the engine in registration order.
type Registry struct {
	mu      sync.RWMutex
	max     int
	devices []*Device
}

// NewRegistry creates a registry holding at most max devices.
func NewRegistry(max int) *Registry {
	if max <= 0 {
		max = 16
	}
	return &Registry{max: max}
}

// Add registers d. Names must be unique.
func (r *Registry) Add(d *Device) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.devices) >= r.max {
		return fmt.Errorf("register %s: %w", d.Name(), core.ErrTooManyDevice)
	}
	for _, existing := range r.devices {
		if existing.Name() == d.Name() {
			return fmt.Errorf("%w: device %s already registered", core.ErrConfigInvalid, d.Name())
		}
	}
	r.devices = append(r.devices, d)
	return nil
}

// Remove unregisters the named device and returns it.
func (r *Registry) Remove(name string) (*Device, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, d := range r.devices {
		if d.Name() == name {
			r.devices = append(r.devices[:i], r.devices[i+1:]...)
			return d, true
		}
	}
	return nil, false
}

// Get returns the named device.
func (r *Registry) Get(name string) (*Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, d := range r.devices {
		if d.Name() == name {
			return d, true
		}
	}
	return nil, false
}

// All returns the registered devices in registration order.
func (r *Registry) All() []*Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*Device(nil), r.devices...)
}

// Len returns the number of registered devices.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.devices)
}

// Loopback returns the first loopback device.
func (r *Registry) Loopback() (*Device, bool) {
	for _, d := range r.All() {
		if d.LinkType() == core.LinkLoopback {
			return d, true
		}
	}
	return nil, false
}

// Select picks the device to reach dest. A single device is always chosen.
// Otherwise a running device on-link with dest wins, then a running
// non-loopback device with a gateway, then the first running non-loopback
// device. An invalid dest skips the on-link step.
func (r *Registry) Select(dest netip.Addr) (*Device, error) {
	devs := r.All()
	switch len(devs) {
	case 0:
		return nil, core.ErrNoDevice
	case 1:
		return devs[0], nil
	}

	var fallback *Device
	for _, d := range devs {
		if d.Running() && d.LinkType() != core.LinkLoopback {
			fallback = d
			break
		}
	}

	if dest.IsValid() {
		if dest.IsLoopback() {
			if lo, ok := r.Loopback(); ok {
				return lo, nil
			}
		}
		for _, d := range devs {
			if !d.Running() {
				continue
			}
			a := d.Addressing()
			if dest == a.Host || core.OnLink(dest, a.Host, a.Netmask) {
				return d, nil
			}
		}
	}

	for _, d := range devs {
		if d.Running() && d.LinkType() != core.LinkLoopback && d.Addressing().Gateway.IsValid() {
			return d, nil
		}
	}

	if fallback != nil {
		return fallback, nil
	}
	return nil, fmt.Errorf("no running device for %s: %w", dest, core.ErrNoDevice)
}
