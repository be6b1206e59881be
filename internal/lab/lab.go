// Package lab runs two stacks joined by an in-memory Ethernet link. The
// server side hosts DHCP, DNS and echo services; the client side configures
// itself through DHCP and exercises them.
package lab

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"firestige.xyz/tern/internal/core"
	"firestige.xyz/tern/internal/device"
	"firestige.xyz/tern/internal/dhcp"
	"firestige.xyz/tern/internal/dns"
	"firestige.xyz/tern/internal/driver/memory"
	"firestige.xyz/tern/internal/netstack"
)

// Names the lab zone serves under Config.Domain.
const (
	ServerName = "gateway"
	ClientName = "client"
)

const zoneTTL = 60

var (
	serverAddr    = netip.MustParseAddr("10.0.0.1")
	labNetmask    = netip.MustParseAddr("255.255.255.0")
	broadcastAddr = netip.MustParseAddr("10.0.0.255")
	poolStart     = netip.MustParseAddr("10.0.0.50")

	serverMAC = core.MAC{0x02, 0x74, 0x65, 0x72, 0x6e, 0x01}
	clientMAC = core.MAC{0x02, 0x74, 0x65, 0x72, 0x6e, 0x02}
)

// Config describes a lab.
type Config struct {
	Domain    string
	LeaseTime time.Duration
	Timeout   time.Duration // per scenario step
	Stack     netstack.Config

	Capture io.Writer    // receives a pcap of the link when set
	Summary func(string) // receives one line per frame when set
}

func (c *Config) applyDefaults() {
	if c.Domain == "" {
		c.Domain = "lab"
	}
	if c.LeaseTime <= 0 {
		c.LeaseTime = time.Hour
	}
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
}

// Lab is a running pair of stacks.
type Lab struct {
	cfg Config

	Server    *netstack.Stack
	ServerDev *device.Device
	Client    *netstack.Stack
	ClientDev *device.Device
	DHCP      *dhcp.Client
	Resolver  *dns.Resolver

	link    *memory.Link
	capture *capture
	dhcpd   *dhcpServer
	zone    *zone

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds both stacks and starts the server side with its services. The
// client device is registered but not enabled; Run or Enable configures it.
func New(cfg Config) (*Lab, error) {
	cfg.applyDefaults()
	l := &Lab{cfg: cfg, zone: newZone()}
	l.dhcpd = newDHCPServer(l)
	l.zone.add(ServerName+"."+cfg.Domain, serverAddr)

	var err error
	if l.capture, err = newCapture(cfg.Capture, cfg.Summary); err != nil {
		return nil, err
	}
	drvS, drvC, link := memory.Pair("lab0", serverMAC, "eth0", clientMAC)
	link.SetTap(l.capture.tap)
	l.link = link

	serverCfg := cfg.Stack
	serverCfg.Hostname, serverCfg.Domain = ServerName, cfg.Domain
	if l.Server, err = netstack.New(serverCfg); err != nil {
		return nil, fmt.Errorf("lab: server stack: %w", err)
	}
	l.ServerDev = device.New(drvS, serverCfg.Device)
	l.ServerDev.SetAddressing(device.Addressing{Host: serverAddr, Netmask: labNetmask})
	if err := l.Server.AddDevice(l.ServerDev); err != nil {
		return nil, err
	}
	if err := l.Server.Enable(l.ServerDev); err != nil {
		return nil, err
	}

	clientCfg := cfg.Stack
	clientCfg.Hostname = ClientName
	if l.Client, err = netstack.New(clientCfg); err != nil {
		l.Server.Shutdown()
		return nil, fmt.Errorf("lab: client stack: %w", err)
	}
	l.ClientDev = device.New(drvC, clientCfg.Device)
	if err := l.Client.AddDevice(l.ClientDev); err != nil {
		l.Server.Shutdown()
		return nil, err
	}
	l.DHCP = dhcp.New(l.Client, dhcp.Config{Clock: clientCfg.Clock})
	l.Client.SetAutoConfigurer(l.DHCP)
	l.Resolver = dns.NewResolver(l.Client, dns.NewCache(0, clientCfg.Clock), dns.Config{Timeout: cfg.Timeout})

	ctx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	if err := l.startServices(ctx); err != nil {
		cancel()
		l.Server.Shutdown()
		return nil, fmt.Errorf("lab: services: %w", err)
	}
	l.Server.Start()
	l.Client.Start()
	slog.Info("lab started", "server", serverAddr, "domain", cfg.Domain)
	return l, nil
}

// Frames returns how many frames have crossed the link.
func (l *Lab) Frames() int { return l.capture.count() }

// SetLoss installs a predicate dropping frames on the link.
func (l *Lab) SetLoss(f func(from string, frame []byte) bool) { l.link.SetLoss(f) }

// Close shuts the client down first so its lease release reaches the server,
// then stops the services and the server.
func (l *Lab) Close() error {
	var errs []error
	if err := l.Client.Shutdown(); err != nil {
		errs = append(errs, fmt.Errorf("client: %w", err))
	}
	l.cancel()
	l.wg.Wait()
	if err := l.Server.Shutdown(); err != nil {
		errs = append(errs, fmt.Errorf("server: %w", err))
	}
	slog.Info("lab stopped", "frames", l.Frames())
	return errors.Join(errs...)
}
