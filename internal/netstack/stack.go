// Package netstack ties devices, connections and the protocol engines
// together. A Stack owns the device registry, the connection set of every
// device and the single dispatch loop that moves packets between them.
package netstack

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"firestige.xyz/tern/internal/core"
	"firestige.xyz/tern/internal/core/codec"
	"firestige.xyz/tern/internal/device"
	"firestige.xyz/tern/internal/driver/loopback"
	"firestige.xyz/tern/internal/metrics"
)

const (
	maxHostName   = 32
	maxDomainName = 224

	ephemeralFirst = 49152
	ephemeralLast  = 65535
)

// AutoConfigurer obtains addresses for a device that has none. The DHCP
// client implements it.
type AutoConfigurer interface {
	Configure(dev *device.Device, timeout time.Duration) error
	Renew(dev *device.Device, timeout time.Duration) error
	Release(dev *device.Device) error
}

// Config sizes and times a Stack.
type Config struct {
	Hostname       string
	Domain         string
	MaxDevices     int
	PollInterval   time.Duration
	Device         device.Options
	StreamCapacity int
	ARPPending     int
	ARPTimeout     time.Duration
	ICMPRateLimit  int // echo replies per source per second, 0 = unlimited

	RetransQueue int
	WaitQueue    int
	SynTimeout   time.Duration
	SynRetries   int
	CloseTimeout time.Duration
	WriteTimeout time.Duration

	AutoconfTimeout time.Duration
	RenewMargin     time.Duration

	Clock core.Clock
}

func (c *Config) applyDefaults() {
	if c.MaxDevices <= 0 {
		c.MaxDevices = 16
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Millisecond
	}
	if c.StreamCapacity <= 0 || c.StreamCapacity > 0xFFFF {
		c.StreamCapacity = 0xFFFF
	}
	if c.ARPPending <= 0 {
		c.ARPPending = 32
	}
	if c.ARPTimeout <= 0 {
		c.ARPTimeout = 3 * time.Second
	}
	if c.CloseTimeout <= 0 {
		c.CloseTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.AutoconfTimeout <= 0 {
		c.AutoconfTimeout = 10 * time.Second
	}
	if c.RenewMargin <= 0 {
		c.RenewMargin = 60 * time.Second
	}
	if c.Clock == nil {
		c.Clock = core.SystemClock
	}
}

// binding is the stack's view of one device: its connections and the frames
// waiting for address resolution.
type binding struct {
	dev *device.Device

	mu    sync.RWMutex
	conns []*Conn

	pendMu  sync.Mutex
	pending []pendingFrame

	renewing atomic.Bool
	open     prometheus.Gauge
	ingress  atomic.Pointer[core.Filter]
}

type pendingFrame struct {
	p      *core.Packet
	hop    netip.Addr
	queued time.Time
}

func (b *binding) snapshot() []*Conn {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]*Conn(nil), b.conns...)
}

// Stack is the protocol engine.
type Stack struct {
	cfg   Config
	clock core.Clock
	reg   *device.Registry

	mu       sync.RWMutex
	bindings map[string]*binding
	auto     AutoConfigurer

	reasm     *codec.Reassembler
	echoLimit *codec.RateLimiter
	ipID      atomic.Uint32
	nextPort  atomic.Uint32

	nameMu   sync.RWMutex
	hostname string
	domain   string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a stack holding a running loopback device at 127.0.0.1/8.
func New(cfg Config) (*Stack, error) {
	cfg.applyDefaults()
	s := &Stack{
		cfg:       cfg,
		clock:     cfg.Clock,
		reg:       device.NewRegistry(cfg.MaxDevices),
		bindings:  make(map[string]*binding),
		reasm:     codec.NewReassembler(codec.ReassemblyConfig{}),
		echoLimit: codec.NewRateLimiter(cfg.ICMPRateLimit, time.Second),
	}
	s.nextPort.Store(ephemeralFirst)
	if err := s.SetHostName(cfg.Hostname); err != nil {
		return nil, err
	}
	if err := s.SetDomainName(cfg.Domain); err != nil {
		return nil, err
	}

	lo := device.New(loopback.New("lo"), cfg.Device)
	lo.SetAddressing(device.Addressing{
		Host:    netip.AddrFrom4([4]byte{127, 0, 0, 1}),
		Netmask: netip.AddrFrom4([4]byte{255, 0, 0, 0}),
	})
	if err := s.AddDevice(lo); err != nil {
		return nil, err
	}
	if err := s.Enable(lo); err != nil {
		return nil, err
	}
	return s, nil
}

// Config returns the effective configuration.
func (s *Stack) Config() Config { return s.cfg }

// SetAutoConfigurer installs the component that configures devices without
// a static address.
func (s *Stack) SetAutoConfigurer(a AutoConfigurer) {
	s.mu.Lock()
	s.auto = a
	s.mu.Unlock()
}

func (s *Stack) autoConfigurer() AutoConfigurer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.auto
}

// AddDevice registers dev and starts its driver. The device is not running
// until Enable.
func (s *Stack) AddDevice(dev *device.Device) error {
	if err := s.reg.Add(dev); err != nil {
		return err
	}
	if err := dev.Start(); err != nil {
		s.reg.Remove(dev.Name())
		return err
	}
	s.mu.Lock()
	s.bindings[dev.Name()] = &binding{
		dev:  dev,
		open: metrics.ConnectionsOpen.WithLabelValues(dev.Name()),
	}
	s.mu.Unlock()
	return nil
}

// Device returns the registered device called name.
func (s *Stack) Device(name string) (*device.Device, bool) { return s.reg.Get(name) }

// Devices returns every registered device in registration order.
func (s *Stack) Devices() []*device.Device { return s.reg.All() }

// SelectDevice picks the device to reach dest.
func (s *Stack) SelectDevice(dest netip.Addr) (*device.Device, error) { return s.reg.Select(dest) }

func (s *Stack) binding(dev *device.Device) (*binding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.bindings[dev.Name()]
	if !ok || b.dev != dev {
		return nil, fmt.Errorf("device %s not registered: %w", dev.Name(), core.ErrNoDevice)
	}
	return b, nil
}

func (s *Stack) allBindings() []*binding {
	devs := s.reg.All()
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*binding, 0, len(devs))
	for _, d := range devs {
		if b, ok := s.bindings[d.Name()]; ok {
			out = append(out, b)
		}
	}
	return out
}

// Enable brings dev up. A device with an address is marked running at once;
// otherwise the auto-configurer runs first, synchronously, and the dispatch
// loop must be running to carry its exchange.
func (s *Stack) Enable(dev *device.Device) error {
	if host := dev.Host(); host.IsValid() && !host.IsUnspecified() {
		if err := dev.SetFlag(device.FlagRunning, true); err != nil {
			return err
		}
		slog.Info("device enabled", "device", dev.Name(), "host", host)
		return nil
	}
	auto := s.autoConfigurer()
	if auto == nil {
		return fmt.Errorf("enable %s: no address and no auto-configuration: %w", dev.Name(), core.ErrConfigInvalid)
	}
	if err := auto.Configure(dev, s.cfg.AutoconfTimeout); err != nil {
		return fmt.Errorf("enable %s: %w", dev.Name(), err)
	}
	slog.Info("device enabled", "device", dev.Name(), "host", dev.Host(), "autoconf", true)
	return nil
}

// Disable closes the connections of dev, releases an auto-configured lease
// and clears RUNNING.
func (s *Stack) Disable(dev *device.Device) error {
	b, err := s.binding(dev)
	if err != nil {
		return err
	}
	for _, c := range b.snapshot() {
		c.Close(false)
	}

	var releaseErr error
	if auto := s.autoConfigurer(); auto != nil && dev.Has(device.FlagAutoconf) && dev.Running() {
		if releaseErr = auto.Release(dev); releaseErr != nil {
			slog.Warn("lease release failed", "device", dev.Name(), "error", releaseErr)
		}
		dev.Flush()
	}
	s.dropPending(b)
	dev.SetFlag(device.FlagRunning|device.FlagAutoconf, false)
	slog.Info("device disabled", "device", dev.Name())
	return releaseErr
}

// Shutdown stops the dispatch loop, disables every device and closes the
// drivers.
func (s *Stack) Shutdown() error {
	s.Stop()
	var errs []error
	for _, dev := range s.reg.All() {
		if err := s.Disable(dev); err != nil {
			errs = append(errs, err)
		}
		if err := dev.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", dev.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// HostName returns the configured host name.
func (s *Stack) HostName() string {
	s.nameMu.RLock()
	defer s.nameMu.RUnlock()
	return s.hostname
}

// SetHostName replaces the host name, at most 32 bytes.
func (s *Stack) SetHostName(name string) error {
	if len(name) > maxHostName {
		return fmt.Errorf("host name longer than %d bytes: %w", maxHostName, core.ErrConfigInvalid)
	}
	s.nameMu.Lock()
	s.hostname = name
	s.nameMu.Unlock()
	return nil
}

// DomainName returns the configured domain name.
func (s *Stack) DomainName() string {
	s.nameMu.RLock()
	defer s.nameMu.RUnlock()
	return s.domain
}

// SetDomainName replaces the domain name, at most 224 bytes.
func (s *Stack) SetDomainName(name string) error {
	if len(name) > maxDomainName {
		return fmt.Errorf("domain name longer than %d bytes: %w", maxDomainName, core.ErrConfigInvalid)
	}
	s.nameMu.Lock()
	s.domain = name
	s.nameMu.Unlock()
	return nil
}

// SetIngressFilter installs f as the admission predicate of dev. Decoded
// packets that f rejects are dropped before dispatch. A nil f admits
// everything.
func (s *Stack) SetIngressFilter(dev *device.Device, f *core.Filter) error {
	b, err := s.binding(dev)
	if err != nil {
		return err
	}
	b.ingress.Store(f)
	return nil
}

// DeviceStatus is a point-in-time view of one device.
type DeviceStatus struct {
	Name        string       `json:"name"`
	Link        string       `json:"link"`
	MAC         string       `json:"mac"`
	Flags       string       `json:"flags"`
	Host        string       `json:"host,omitempty"`
	Netmask     string       `json:"netmask,omitempty"`
	Gateway     string       `json:"gateway,omitempty"`
	DNS         string       `json:"dns,omitempty"`
	LeaseExpiry *time.Time   `json:"lease_expiry,omitempty"`
	Connections int          `json:"connections"`
	ARPEntries  int          `json:"arp_entries"`
	Stats       device.Stats `json:"stats"`
}

// Status describes every device.
func (s *Stack) Status() []DeviceStatus {
	var out []DeviceStatus
	for _, b := range s.allBindings() {
		d := b.dev
		a := d.Addressing()
		st := DeviceStatus{
			Name:        d.Name(),
			Link:        d.LinkType().String(),
			MAC:         d.HardwareAddr().String(),
			Flags:       d.Flags().String(),
			Host:        addrString(a.Host),
			Netmask:     addrString(a.Netmask),
			Gateway:     addrString(a.Gateway),
			DNS:         addrString(a.DNS),
			Connections: len(b.snapshot()),
			ARPEntries:  d.ARP().Len(),
			Stats:       d.Stats(),
		}
		if l := d.Lease(); l != nil && !l.Infinite() {
			exp := l.Expiry
			st.LeaseExpiry = &exp
		}
		out = append(out, st)
	}
	return out
}

func addrString(a netip.Addr) string {
	if !a.IsValid() {
		return ""
	}
	return a.String()
}

// Start runs the dispatch loop in the background until Stop.
func (s *Stack) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.Run(s.ctx)
	}()
}

// Stop ends a loop started with Start and waits for it.
func (s *Stack) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	s.wg.Wait()
}

// Run polls every device each PollInterval until ctx ends.
func (s *Stack) Run(ctx context.Context) {
	slog.Info("dispatch loop starting", "poll_interval", s.cfg.PollInterval)
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("dispatch loop stopped")
			return
		case <-ticker.C:
			s.Poll()
		}
	}
}
