package dhcp

import (
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/insomniacslk/dhcp/dhcpv4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/tern/internal/core"
	"firestige.xyz/tern/internal/device"
	"firestige.xyz/tern/internal/driver/memory"
	"firestige.xyz/tern/internal/netstack"
)

var (
	clientMAC = core.MAC{0x02, 0, 0, 0, 0, 0x01}
	serverMAC = core.MAC{0x02, 0, 0, 0, 0, 0xfe}
	serverIP  = net.IPv4(10, 0, 0, 1).To4()
	leasedIP  = net.IPv4(10, 0, 0, 50).To4()
)

// script answers DHCP messages on the server side of the link.
type script struct {
	mu       sync.Mutex
	naks     int // REQUESTs to refuse before acknowledging
	leaseFor time.Duration
	seen     []dhcpv4.MessageType
	requests []*dhcpv4.DHCPv4
}

func (s *script) reply(m *dhcpv4.DHCPv4) *dhcpv4.DHCPv4 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen = append(s.seen, m.MessageType())

	mods := []dhcpv4.Modifier{
		dhcpv4.WithServerIP(serverIP),
		dhcpv4.WithOption(dhcpv4.OptServerIdentifier(serverIP)),
	}
	switch m.MessageType() {
	case dhcpv4.MessageTypeDiscover:
		mods = append(mods,
			dhcpv4.WithMessageType(dhcpv4.MessageTypeOffer),
			dhcpv4.WithYourIP(leasedIP),
		)
	case dhcpv4.MessageTypeRequest:
		s.requests = append(s.requests, m)
		if s.naks > 0 {
			s.naks--
			mods = append(mods, dhcpv4.WithMessageType(dhcpv4.MessageTypeNak))
			break
		}
		mods = append(mods,
			dhcpv4.WithMessageType(dhcpv4.MessageTypeAck),
			dhcpv4.WithYourIP(leasedIP),
			dhcpv4.WithNetmask(net.IPv4Mask(255, 255, 255, 0)),
			dhcpv4.WithRouter(serverIP),
			dhcpv4.WithDNS(serverIP),
			dhcpv4.WithLeaseTime(uint32(s.leaseFor/time.Second)),
			dhcpv4.WithOption(dhcpv4.OptDomainName("lab.test")),
		)
	default:
		return nil
	}
	r, err := dhcpv4.NewReplyFromRequest(m, mods...)
	if err != nil {
		return nil
	}
	return r
}

func (s *script) types() []dhcpv4.MessageType {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]dhcpv4.MessageType(nil), s.seen...)
}

type testNet struct {
	client *netstack.Stack
	dev    *device.Device
	dhcp   *Client
	script *script
}

func newTestNet(t *testing.T, sc *script) *testNet {
	t.Helper()
	drvC, drvS, _ := memory.Pair("eth0", clientMAC, "eth0", serverMAC)

	srv, err := netstack.New(netstack.Config{})
	require.NoError(t, err)
	sdev := device.New(drvS, device.Options{})
	sdev.SetAddressing(device.Addressing{
		Host:    netip.AddrFrom4([4]byte(serverIP)),
		Netmask: netip.MustParseAddr("255.255.255.0"),
	})
	require.NoError(t, srv.AddDevice(sdev))
	require.NoError(t, srv.Enable(sdev))
	conn, err := srv.Open(netstack.OpenOptions{
		Device: sdev,
		Owner:  "dhcpd",
		Mode:   core.ModeRead | core.ModeWrite,
		Filter: core.UDPFilter(ServerPort, ClientPort),
		Stream: true,
	})
	require.NoError(t, err)
	srv.Start()

	done := make(chan struct{})
	go func() {
		buf := make([]byte, 1500)
		for {
			select {
			case <-done:
				return
			default:
			}
			if conn.Wait(20*time.Millisecond) != nil {
				continue
			}
			n, _ := conn.ReadMessage(buf)
			m, err := dhcpv4.FromBytes(buf[:n])
			if err != nil {
				continue
			}
			if r := sc.reply(m); r != nil {
				conn.Write(r.ToBytes())
			}
		}
	}()

	cli, err := netstack.New(netstack.Config{Hostname: "client-1"})
	require.NoError(t, err)
	dev := device.New(drvC, device.Options{})
	require.NoError(t, cli.AddDevice(dev))
	dc := New(cli, Config{ReplyTimeout: 200 * time.Millisecond})
	cli.SetAutoConfigurer(dc)
	cli.Start()

	t.Cleanup(func() {
		close(done)
		cli.Shutdown()
		srv.Shutdown()
	})
	return &testNet{client: cli, dev: dev, dhcp: dc, script: sc}
}

func TestConfigureScriptedOfferAck(t *testing.T) {
	n := newTestNet(t, &script{leaseFor: time.Hour})

	before := time.Now()
	require.NoError(t, n.client.Enable(n.dev))

	a := n.dev.Addressing()
	assert.Equal(t, "10.0.0.50", a.Host.String())
	assert.Equal(t, "255.255.255.0", a.Netmask.String())
	assert.Equal(t, "10.0.0.1", a.Gateway.String())
	assert.Equal(t, "10.0.0.1", a.DNS.String())
	assert.Equal(t, "10.0.0.255", a.Broadcast.String())
	assert.True(t, n.dev.Has(device.FlagRunning|device.FlagAutoconf))
	assert.False(t, n.dev.Configuring())
	assert.Equal(t, "lab.test", n.client.DomainName())

	l := n.dev.Lease()
	require.NotNil(t, l)
	assert.Equal(t, "10.0.0.1", l.Server.String())
	assert.WithinDuration(t, before.Add(time.Hour), l.Expiry, 5*time.Second)

	assert.Equal(t, []dhcpv4.MessageType{dhcpv4.MessageTypeDiscover, dhcpv4.MessageTypeRequest}, n.script.types())
	req := n.script.requests[0]
	assert.Equal(t, "10.0.0.50", req.RequestedIPAddress().String())
	assert.Equal(t, "client-1", req.HostName(), "host name added to the request")
	assert.True(t, req.YourIPAddr.IsUnspecified())
}

func TestConfigureRestartsAfterNak(t *testing.T) {
	n := newTestNet(t, &script{naks: 1, leaseFor: time.Hour})

	require.NoError(t, n.client.Enable(n.dev))
	assert.Equal(t, []dhcpv4.MessageType{
		dhcpv4.MessageTypeDiscover,
		dhcpv4.MessageTypeRequest,
		dhcpv4.MessageTypeDiscover,
		dhcpv4.MessageTypeRequest,
	}, n.script.types())
	assert.Equal(t, "10.0.0.50", n.dev.Host().String())
}

func TestConfigureInfiniteLease(t *testing.T) {
	n := newTestNet(t, &script{leaseFor: time.Duration(0xFFFFFFFF) * time.Second})

	require.NoError(t, n.client.Enable(n.dev))
	require.NotNil(t, n.dev.Lease())
	assert.True(t, n.dev.Lease().Infinite())
}

func TestConfigureBusy(t *testing.T) {
	n := newTestNet(t, &script{leaseFor: time.Hour})

	require.True(t, n.dev.TryBeginConfigure())
	err := n.dhcp.Configure(n.dev, time.Second)
	assert.ErrorIs(t, err, core.ErrConfigureBusy)
	n.dev.EndConfigure()
}

func TestConfigureTimesOut(t *testing.T) {
	drvC, _, _ := memory.Pair("eth0", clientMAC, "eth0", serverMAC)
	s, err := netstack.New(netstack.Config{})
	require.NoError(t, err)
	t.Cleanup(func() { s.Shutdown() })
	dev := device.New(drvC, device.Options{})
	require.NoError(t, s.AddDevice(dev))
	s.Start()

	c := New(s, Config{ReplyTimeout: 50 * time.Millisecond})
	err = c.Configure(dev, 300*time.Millisecond)
	assert.ErrorIs(t, err, core.ErrTimeout)
	assert.False(t, dev.Running())
	assert.False(t, dev.Configuring())
}

func TestRenewReusesLease(t *testing.T) {
	n := newTestNet(t, &script{leaseFor: time.Hour})
	require.NoError(t, n.client.Enable(n.dev))
	first := n.dev.Lease()

	require.NoError(t, n.dhcp.Renew(n.dev, 2*time.Second))
	assert.Equal(t, []dhcpv4.MessageType{
		dhcpv4.MessageTypeDiscover,
		dhcpv4.MessageTypeRequest,
		dhcpv4.MessageTypeRequest,
	}, n.script.types(), "renewal skips discovery")
	assert.False(t, n.dev.Lease().Obtained.Before(first.Obtained))
}

func TestRenewWithoutLease(t *testing.T) {
	n := newTestNet(t, &script{leaseFor: time.Hour})
	assert.ErrorIs(t, n.dhcp.Renew(n.dev, time.Second), core.ErrNoLease)
}

func TestReleaseOnDisable(t *testing.T) {
	n := newTestNet(t, &script{leaseFor: time.Hour})
	require.NoError(t, n.client.Enable(n.dev))

	require.NoError(t, n.client.Disable(n.dev))
	assert.Nil(t, n.dev.Lease())
	assert.False(t, n.dev.Host().IsValid())
	assert.False(t, n.dev.Has(device.FlagAutoconf))
	require.Eventually(t, func() bool {
		types := n.script.types()
		return len(types) > 0 && types[len(types)-1] == dhcpv4.MessageTypeRelease
	}, 2*time.Second, 10*time.Millisecond)
}
