// Package dhcp configures devices from a DHCP server. The exchange runs over
// an ordinary broadcast connection of the stack, so the dispatch loop must be
// running while it is in progress.
package dhcp

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net"
	"net/netip"
	"time"

	"github.com/insomniacslk/dhcp/dhcpv4"

	"firestige.xyz/tern/internal/core"
	"firestige.xyz/tern/internal/device"
	"firestige.xyz/tern/internal/metrics"
	"firestige.xyz/tern/internal/netstack"
)

const (
	ClientPort = 68
	ServerPort = 67

	owner = "dhcp"

	// infiniteLease is the lease time value that never expires.
	infiniteLease = time.Duration(math.MaxUint32) * time.Second
)

// requestedOptions is the parameter request list of every DISCOVER.
var requestedOptions = []dhcpv4.OptionCode{
	dhcpv4.OptionSubnetMask,
	dhcpv4.OptionRouter,
	dhcpv4.OptionDomainNameServer,
	dhcpv4.OptionHostName,
	dhcpv4.OptionDomainName,
	dhcpv4.OptionBroadcastAddress,
	dhcpv4.OptionIPAddressLeaseTime,
}

// Config times the client.
type Config struct {
	ReplyTimeout time.Duration // wait for one reply before resending
	Clock        core.Clock
}

// Client negotiates leases for the devices of one stack. It implements
// netstack.AutoConfigurer.
type Client struct {
	stack *netstack.Stack
	cfg   Config
}

// New returns a client for s.
func New(s *netstack.Stack, cfg Config) *Client {
	if cfg.ReplyTimeout <= 0 {
		cfg.ReplyTimeout = 1500 * time.Millisecond
	}
	if cfg.Clock == nil {
		cfg.Clock = core.SystemClock
	}
	return &Client{stack: s, cfg: cfg}
}

// Configure obtains a lease for dev and applies it. A lease saved on the
// device is requested again before falling back to discovery.
func (c *Client) Configure(dev *device.Device, timeout time.Duration) error {
	return c.negotiate(dev, timeout, "configure")
}

// Renew extends the lease held by dev.
func (c *Client) Renew(dev *device.Device, timeout time.Duration) error {
	if dev.Lease() == nil {
		return fmt.Errorf("renew on %s: %w", dev.Name(), core.ErrNoLease)
	}
	return c.negotiate(dev, timeout, "renew")
}

// Release gives the lease of dev back to its server. No reply is expected.
// The lease and addresses are cleared either way.
func (c *Client) Release(dev *device.Device) error {
	l := dev.Lease()
	if l == nil {
		return fmt.Errorf("release on %s: %w", dev.Name(), core.ErrNoLease)
	}
	defer func() {
		dev.SetLease(nil)
		dev.SetAddressing(device.Addressing{})
	}()

	ack, err := dhcpv4.FromBytes(l.Raw)
	if err != nil {
		metrics.DHCPNegotiationsTotal.WithLabelValues("release", "error").Inc()
		return fmt.Errorf("saved lease on %s: %v: %w", dev.Name(), err, core.ErrBadData)
	}
	msg, err := dhcpv4.NewReleaseFromACK(ack)
	if err != nil {
		return fmt.Errorf("build release: %w", err)
	}
	conn, err := c.open(dev)
	if err != nil {
		return err
	}
	defer conn.Close(false)
	if _, err := conn.Write(msg.ToBytes()); err != nil {
		metrics.DHCPNegotiationsTotal.WithLabelValues("release", "error").Inc()
		return fmt.Errorf("send release on %s: %w", dev.Name(), err)
	}
	metrics.DHCPNegotiationsTotal.WithLabelValues("release", "sent").Inc()
	slog.Info("lease released", "device", dev.Name(), "host", dev.Host(), "server", l.Server)
	return nil
}

// open returns a broadcast connection on the client port.
func (c *Client) open(dev *device.Device) (*netstack.Conn, error) {
	return c.stack.Open(netstack.OpenOptions{
		Device: dev,
		Owner:  owner,
		Mode:   core.ModeRead | core.ModeWrite,
		Filter: core.UDPFilter(ClientPort, ServerPort),
		Stream: true,
	})
}

func (c *Client) negotiate(dev *device.Device, timeout time.Duration, kind string) (err error) {
	if !dev.TryBeginConfigure() {
		return fmt.Errorf("%s on %s: %w", kind, dev.Name(), core.ErrConfigureBusy)
	}
	defer dev.EndConfigure()
	defer func() {
		metrics.DHCPNegotiationsTotal.WithLabelValues(kind, resultLabel(err)).Inc()
	}()

	conn, err := c.open(dev)
	if err != nil {
		return err
	}
	defer conn.Close(false)

	ex := &exchange{client: c, dev: dev, conn: conn, deadline: time.Now().Add(timeout)}
	var offer *dhcpv4.DHCPv4
	if l := dev.Lease(); l != nil {
		if saved, perr := dhcpv4.FromBytes(l.Raw); perr == nil {
			offer = saved
		}
	}

	for {
		if offer == nil {
			if offer, err = ex.discover(); err != nil {
				return err
			}
		}
		ack, err := ex.request(offer)
		switch {
		case err == nil:
			c.apply(dev, ack)
			return nil
		case errors.Is(err, core.ErrDHCPNak):
			slog.Info("lease refused, restarting discovery", "device", dev.Name())
			dev.SetLease(nil)
			offer = nil
		case errors.Is(err, core.ErrTimeout) && time.Now().Before(ex.deadline):
			offer = nil
		default:
			return err
		}
	}
}

// exchange is one negotiation in progress.
type exchange struct {
	client   *Client
	dev      *device.Device
	conn     *netstack.Conn
	deadline time.Time
}

func (e *exchange) discover() (*dhcpv4.DHCPv4, error) {
	hw := e.dev.HardwareAddr().HardwareAddr()
	msg, err := dhcpv4.NewDiscovery(hw,
		dhcpv4.WithOption(dhcpv4.OptIPAddressLeaseTime(infiniteLease)),
	)
	if err != nil {
		return nil, fmt.Errorf("build discover: %w", err)
	}
	msg.UpdateOption(dhcpv4.OptParameterRequestList(requestedOptions...))

	for {
		if err := e.send(msg); err != nil {
			return nil, err
		}
		reply, err := e.await(msg.TransactionID, dhcpv4.MessageTypeOffer)
		if err == nil {
			slog.Debug("offer received", "device", e.dev.Name(), "addr", reply.YourIPAddr, "server", reply.ServerIdentifier())
			return reply, nil
		}
		if !errors.Is(err, core.ErrTimeout) || !time.Now().Before(e.deadline) {
			return nil, err
		}
	}
}

// request asks for the address in offer and waits for the server's verdict.
// offer may also be a saved ACK.
func (e *exchange) request(offer *dhcpv4.DHCPv4) (*dhcpv4.DHCPv4, error) {
	var mods []dhcpv4.Modifier
	if !offer.Options.Has(dhcpv4.OptionHostName) {
		if name := e.client.stack.HostName(); name != "" {
			mods = append(mods, dhcpv4.WithOption(dhcpv4.OptHostName(name)))
		}
	}
	if !offer.Options.Has(dhcpv4.OptionDomainName) {
		if name := e.client.stack.DomainName(); name != "" {
			mods = append(mods, dhcpv4.WithOption(dhcpv4.OptDomainName(name)))
		}
	}
	msg, err := dhcpv4.NewRequestFromOffer(offer, mods...)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	msg.YourIPAddr = net.IPv4zero

	if err := e.send(msg); err != nil {
		return nil, err
	}
	reply, err := e.await(msg.TransactionID, dhcpv4.MessageTypeAck, dhcpv4.MessageTypeNak)
	if err != nil {
		return nil, err
	}
	if reply.MessageType() == dhcpv4.MessageTypeNak {
		return nil, fmt.Errorf("request %s on %s: %w", offer.YourIPAddr, e.dev.Name(), core.ErrDHCPNak)
	}
	return reply, nil
}

func (e *exchange) send(msg *dhcpv4.DHCPv4) error {
	if _, err := e.conn.Write(msg.ToBytes()); err != nil {
		return fmt.Errorf("send %s on %s: %w", msg.MessageType(), e.dev.Name(), err)
	}
	return nil
}

// await returns the first reply to xid of one of the wanted types. Other
// traffic on the port is skipped.
func (e *exchange) await(xid dhcpv4.TransactionID, wanted ...dhcpv4.MessageType) (*dhcpv4.DHCPv4, error) {
	wait := min(e.client.cfg.ReplyTimeout, time.Until(e.deadline))
	until := time.Now().Add(wait)
	buf := make([]byte, core.MaxPacketLen)
	for {
		left := time.Until(until)
		if left <= 0 {
			return nil, fmt.Errorf("waiting for %v on %s: %w", wanted, e.dev.Name(), core.ErrTimeout)
		}
		if err := e.conn.Wait(left); err != nil {
			return nil, fmt.Errorf("waiting for %v on %s: %w", wanted, e.dev.Name(), err)
		}
		n, err := e.conn.ReadMessage(buf)
		if err != nil {
			return nil, err
		}
		reply, err := dhcpv4.FromBytes(buf[:n])
		if err != nil {
			slog.Debug("malformed dhcp message discarded", "device", e.dev.Name(), "error", err)
			continue
		}
		if reply.OpCode != dhcpv4.OpcodeBootReply || reply.TransactionID != xid {
			continue
		}
		for _, t := range wanted {
			if reply.MessageType() == t {
				return reply, nil
			}
		}
	}
}

// apply configures dev from ack.
func (c *Client) apply(dev *device.Device, ack *dhcpv4.DHCPv4) {
	a := device.Addressing{Host: addrOf(ack.YourIPAddr)}
	if m := ack.SubnetMask(); len(m) == net.IPv4len {
		a.Netmask = netip.AddrFrom4([4]byte(m))
	}
	if r := ack.Router(); len(r) > 0 {
		a.Gateway = addrOf(r[0])
	}
	if d := ack.DNS(); len(d) > 0 {
		a.DNS = addrOf(d[0])
	}
	a.Broadcast = addrOf(ack.BroadcastAddress())
	dev.SetAddressing(a)

	if name := ack.HostName(); name != "" {
		if err := c.stack.SetHostName(name); err != nil {
			slog.Warn("host name from lease ignored", "device", dev.Name(), "error", err)
		}
	}
	if name := ack.DomainName(); name != "" {
		if err := c.stack.SetDomainName(name); err != nil {
			slog.Warn("domain name from lease ignored", "device", dev.Name(), "error", err)
		}
	}

	now := c.cfg.Clock.Now()
	l := &device.Lease{Raw: ack.ToBytes(), Server: addrOf(ack.ServerIdentifier()), Obtained: now}
	if d := ack.IPAddressLeaseTime(infiniteLease); d < infiniteLease {
		l.Expiry = now.Add(d)
	}
	dev.SetLease(l)
	dev.SetFlag(device.FlagRunning|device.FlagAutoconf, true)

	slog.Info("lease obtained",
		"device", dev.Name(),
		"host", a.Host,
		"netmask", a.Netmask,
		"gateway", a.Gateway,
		"dns", a.DNS,
		"server", l.Server,
		"expiry", l.Expiry)
}

func addrOf(ip net.IP) netip.Addr {
	if ip4 := ip.To4(); ip4 != nil {
		return netip.AddrFrom4([4]byte(ip4))
	}
	return netip.Addr{}
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ack"
	case errors.Is(err, core.ErrDHCPNak):
		return "nak"
	case errors.Is(err, core.ErrTimeout):
		return "timeout"
	case errors.Is(err, core.ErrConfigureBusy):
		return "busy"
	default:
		return "error"
	}
}
