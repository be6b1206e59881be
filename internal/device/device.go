// Package device models network adapters: addressing, neighbour cache,
// packet queues and the driver they sit on.
package device

import (
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"firestige.xyz/tern/internal/core"
	"firestige.xyz/tern/internal/metrics"
)

// Flags describe device state.
type Flags uint32

const (
	FlagInitialized Flags = 1 << iota
	FlagRunning
	FlagLink
	FlagAutoconf
	FlagPromiscuous
)

func (f Flags) String() string {
	names := []struct {
		flag Flags
		name string
	}{
		{FlagInitialized, "INITIALIZED"},
		{FlagRunning, "RUNNING"},
		{FlagLink, "LINK"},
		{FlagAutoconf, "AUTOCONF"},
		{FlagPromiscuous, "PROMISCUOUS"},
	}
	s := ""
	for _, n := range names {
		if f&n.flag != 0 {
			if s != "" {
				s += "|"
			}
			s += n.name
		}
	}
	if s == "" {
		return "NONE"
	}
	return s
}

// Addressing is the logical address configuration of a device.
type Addressing struct {
	Host      netip.Addr
	Netmask   netip.Addr
	Gateway   netip.Addr
	Broadcast netip.Addr
	DNS       netip.Addr
}

// Lease is the DHCP lease held by a device. A zero Expiry never expires.
type Lease struct {
	Raw      []byte
	Server   netip.Addr
	Obtained time.Time
	Expiry   time.Time
}

// Infinite reports whether the lease never expires.
func (l *Lease) Infinite() bool { return l.Expiry.IsZero() }

// Stats is a snapshot of device counters.
type Stats struct {
	RxPackets uint64
	RxBytes   uint64
	RxDropped uint64
	TxPackets uint64
	TxBytes   uint64
	TxDropped uint64
}

// Options sizes the per-device resources.
type Options struct {
	PoolSize     int
	QueueLength  int
	ARPCacheSize int
}

// Device is one network adapter as seen by the engine.
type Device struct {
	name   string
	driver Driver
	link   core.LinkType
	mac    core.MAC

	flags       atomic.Uint32
	configuring atomic.Bool

	mu    sync.RWMutex
	addrs Addressing
	lease *Lease

	pool     *core.Pool
	inbound  *Queue
	outbound *Queue
	arp      *ARPCache

	rxPackets, rxBytes, rxDropped atomic.Uint64
	txPackets, txBytes, txDropped atomic.Uint64

	// Resolved once so the receive path never looks up label values.
	rxPacketsMetric, rxBytesMetric  prometheus.Counter
	txPacketsMetric, txBytesMetric  prometheus.Counter
	dropPoolMetric, dropQueueMetric prometheus.Counter
	dropTxMetric, dropSizeMetric    prometheus.Counter
}

// New creates a device over drv. The driver is not started.
func New(drv Driver, opts Options) *Device {
	if opts.PoolSize <= 0 {
		opts.PoolSize = 256
	}
	if opts.QueueLength <= 0 {
		opts.QueueLength = 256
	}
	name := drv.Name()
	d := &Device{
		name:     name,
		driver:   drv,
		link:     drv.LinkType(),
		mac:      drv.HardwareAddr(),
		pool:     core.NewPool(opts.PoolSize),
		inbound:  NewQueue(opts.QueueLength),
		outbound: NewQueue(opts.QueueLength),
		arp:      NewARPCache(opts.ARPCacheSize, metrics.ARPCacheEntries.WithLabelValues(name)),

		rxPacketsMetric: metrics.DevicePacketsTotal.WithLabelValues(name, "rx"),
		rxBytesMetric:   metrics.DeviceBytesTotal.WithLabelValues(name, "rx"),
		txPacketsMetric: metrics.DevicePacketsTotal.WithLabelValues(name, "tx"),
		txBytesMetric:   metrics.DeviceBytesTotal.WithLabelValues(name, "tx"),
		dropPoolMetric:  metrics.DeviceDropsTotal.WithLabelValues(name, "pool_exhausted"),
		dropQueueMetric: metrics.DeviceDropsTotal.WithLabelValues(name, "queue_full"),
		dropTxMetric:    metrics.DeviceDropsTotal.WithLabelValues(name, "transmit"),
		dropSizeMetric:  metrics.DeviceDropsTotal.WithLabelValues(name, "oversize"),
	}
	return d
}

// Start starts the driver and marks the device initialized with link up.
func (d *Device) Start() error {
	if err := d.driver.Start(d); err != nil {
		return fmt.Errorf("start driver %s: %w", d.name, err)
	}
	d.SetFlag(FlagInitialized|FlagLink, true)
	slog.Info("device started", "device", d.name, "link", d.link, "mac", d.mac)
	return nil
}

// Close stops the driver and releases queued packets.
func (d *Device) Close() error {
	d.SetFlag(FlagRunning|FlagLink, false)
	err := d.driver.Close()
	d.inbound.Drain()
	d.outbound.Drain()
	return err
}

func (d *Device) Name() string            { return d.name }
func (d *Device) LinkType() core.LinkType { return d.link }
func (d *Device) HardwareAddr() core.MAC  { return d.mac }
func (d *Device) ARP() *ARPCache          { return d.arp }
func (d *Device) Pool() *core.Pool        { return d.pool }

// Flags returns the current flag set.
func (d *Device) Flags() Flags { return Flags(d.flags.Load()) }

// Has reports whether every flag in f is set.
func (d *Device) Has(f Flags) bool { return d.Flags()&f == f }

// Running reports whether the device is RUNNING.
func (d *Device) Running() bool { return d.Has(FlagRunning) }

// SetFlag sets or clears f. FlagPromiscuous is forwarded to the driver.
func (d *Device) SetFlag(f Flags, on bool) error {
	if f&FlagPromiscuous != 0 {
		if err := d.driver.SetFlags(FlagPromiscuous, on); err != nil {
			return fmt.Errorf("set promiscuous on %s: %w", d.name, err)
		}
	}
	for {
		old := d.flags.Load()
		next := old | uint32(f)
		if !on {
			next = old &^ uint32(f)
		}
		if d.flags.CompareAndSwap(old, next) {
			return nil
		}
	}
}

// TryBeginConfigure claims the device for an auto-configuration exchange.
// It reports false if one is already in flight.
func (d *Device) TryBeginConfigure() bool {
	return d.configuring.CompareAndSwap(false, true)
}

// EndConfigure releases the claim taken by TryBeginConfigure.
func (d *Device) EndConfigure() { d.configuring.Store(false) }

// Configuring reports whether an auto-configuration exchange is in flight.
func (d *Device) Configuring() bool { return d.configuring.Load() }

// Addressing returns the current logical addresses.
func (d *Device) Addressing() Addressing {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.addrs
}

// Host returns the device's own address.
func (d *Device) Host() netip.Addr {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.addrs.Host
}

// SetAddressing replaces the logical addresses. An unset broadcast address is
// derived from host and netmask.
func (d *Device) SetAddressing(a Addressing) {
	if !a.Broadcast.IsValid() && a.Host.IsValid() && a.Netmask.IsValid() {
		a.Broadcast = core.BroadcastFor(a.Host, a.Netmask)
	}
	d.mu.Lock()
	d.addrs = a
	d.mu.Unlock()
}

// IsLocal reports whether addr is addressed to this device, including
// broadcast.
func (d *Device) IsLocal(addr netip.Addr) bool {
	a := d.Addressing()
	if addr == a.Host {
		return true
	}
	return core.IsBroadcast(addr, a.Host, a.Netmask)
}

// Lease returns the current DHCP lease, or nil.
func (d *Device) Lease() *Lease {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.lease
}

// SetLease stores l; nil clears it.
func (d *Device) SetLease(l *Lease) {
	d.mu.Lock()
	d.lease = l
	d.mu.Unlock()
}

// Receive implements Receiver. The frame is copied into a pooled packet and
// queued for the dispatch loop; on pool exhaustion or a full queue the frame
// is dropped and counted.
func (d *Device) Receive(frame []byte) {
	p := d.pool.Get()
	if p == nil {
		d.rxDropped.Add(1)
		d.dropPoolMetric.Inc()
		return
	}
	if !p.SetBytes(frame) {
		p.Release()
		d.rxDropped.Add(1)
		d.dropSizeMetric.Inc()
		return
	}
	p.Timestamp = time.Now()
	p.LinkType = d.link
	if err := d.inbound.Push(p); err != nil {
		p.Release()
		d.rxDropped.Add(1)
		d.dropQueueMetric.Inc()
		return
	}
	d.rxPackets.Add(1)
	d.rxBytes.Add(uint64(len(frame)))
	d.rxPacketsMetric.Inc()
	d.rxBytesMetric.Add(float64(len(frame)))
}

// NextInbound pops the oldest received packet, or nil.
func (d *Device) NextInbound() *core.Packet { return d.inbound.Pop() }

// Send queues a complete frame for transmission, taking over the caller's
// reference.
func (d *Device) Send(p *core.Packet) error {
	if err := d.outbound.Push(p); err != nil {
		p.Release()
		d.txDropped.Add(1)
		d.dropQueueMetric.Inc()
		return fmt.Errorf("send on %s: %w", d.name, err)
	}
	return nil
}

// Flush hands every queued outbound frame to the driver and returns how many
// were transmitted.
func (d *Device) Flush() int {
	n := 0
	for p := d.outbound.Pop(); p != nil; p = d.outbound.Pop() {
		frame := p.Bytes()
		if err := d.driver.Transmit(frame); err != nil {
			d.txDropped.Add(1)
			d.dropTxMetric.Inc()
			slog.Debug("transmit failed", "device", d.name, "error", err)
		} else {
			d.txPackets.Add(1)
			d.txBytes.Add(uint64(len(frame)))
			d.txPacketsMetric.Inc()
			d.txBytesMetric.Add(float64(len(frame)))
			n++
		}
		p.Release()
	}
	return n
}

// DropInbound counts a received packet that failed processing.
func (d *Device) DropInbound(reason string) {
	d.rxDropped.Add(1)
	metrics.DeviceDropsTotal.WithLabelValues(d.name, reason).Inc()
}

// Stats returns a snapshot of the device counters.
func (d *Device) Stats() Stats {
	return Stats{
		RxPackets: d.rxPackets.Load(),
		RxBytes:   d.rxBytes.Load(),
		RxDropped: d.rxDropped.Load(),
		TxPackets: d.txPackets.Load(),
		TxBytes:   d.txBytes.Load(),
		TxDropped: d.txDropped.Load(),
	}
}

// Pending returns the number of queued inbound and outbound packets.
func (d *Device) Pending() (in, out int) {
	return d.inbound.Len(), d.outbound.Len()
}
