package dns

import (
	"net"
	"net/netip"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	mdns "github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/tern/internal/core"
	"firestige.xyz/tern/internal/device"
	"firestige.xyz/tern/internal/driver/memory"
	"firestige.xyz/tern/internal/netstack"
)

var (
	clientAddr = netip.MustParseAddr("10.0.0.2")
	serverAddr = netip.MustParseAddr("10.0.0.1")
)

// answerFunc builds the raw reply to a query; nil sends nothing.
type answerFunc func(q *mdns.Msg) []byte

type testNet struct {
	resolver *Resolver
	dev      *device.Device
	clock    *core.ManualClock
	queries  atomic.Int32
}

func newTestNet(t *testing.T, answer answerFunc) *testNet {
	t.Helper()
	n := &testNet{clock: core.NewManualClock(time.Unix(1_700_000_000, 0))}
	drvC, drvS, _ := memory.Pair("eth0", core.MAC{2, 0, 0, 0, 0, 2}, "eth0", core.MAC{2, 0, 0, 0, 0, 1})
	mask := netip.MustParseAddr("255.255.255.0")

	srv, err := netstack.New(netstack.Config{})
	require.NoError(t, err)
	sdev := device.New(drvS, device.Options{})
	sdev.SetAddressing(device.Addressing{Host: serverAddr, Netmask: mask})
	require.NoError(t, srv.AddDevice(sdev))
	require.NoError(t, srv.Enable(sdev))
	f := core.UDPFilter(Port, 0)
	f.Headers = core.HeadersNet
	conn, err := srv.Open(netstack.OpenOptions{
		Device: sdev,
		Mode:   core.ModeRead | core.ModeWrite,
		Filter: f,
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
			size, _ := conn.ReadMessage(buf)
			pkt := gopacket.NewPacket(buf[:size], layers.LayerTypeIPv4, gopacket.Default)
			ip, _ := pkt.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
			udp, _ := pkt.Layer(layers.LayerTypeUDP).(*layers.UDP)
			if ip == nil || udp == nil {
				continue
			}
			var q mdns.Msg
			if q.Unpack(udp.Payload) != nil {
				continue
			}
			n.queries.Add(1)
			if reply := answer(&q); reply != nil {
				src, _ := netip.AddrFromSlice(ip.SrcIP.To4())
				conn.WriteTo(reply, src, uint16(udp.SrcPort))
			}
		}
	}()

	cli, err := netstack.New(netstack.Config{Clock: n.clock})
	require.NoError(t, err)
	n.dev = device.New(drvC, device.Options{})
	n.dev.SetAddressing(device.Addressing{Host: clientAddr, Netmask: mask, DNS: serverAddr})
	require.NoError(t, cli.AddDevice(n.dev))
	require.NoError(t, cli.Enable(n.dev))
	cli.Start()

	n.resolver = NewResolver(cli, NewCache(16, n.clock), Config{Timeout: time.Second})
	t.Cleanup(func() {
		close(done)
		cli.Shutdown()
		srv.Shutdown()
	})
	return n
}

func zone(ttl uint32) answerFunc {
	return func(q *mdns.Msg) []byte {
		r := new(mdns.Msg)
		r.SetReply(q)
		qq := q.Question[0]
		hdr := mdns.RR_Header{Name: qq.Name, Rrtype: qq.Qtype, Class: mdns.ClassINET, Ttl: ttl}
		switch {
		case qq.Qtype == mdns.TypeA && qq.Name == "host.lab.":
			r.Answer = append(r.Answer, &mdns.A{Hdr: hdr, A: net.IPv4(10, 0, 0, 42)})
		case qq.Qtype == mdns.TypePTR && qq.Name == "42.0.0.10.in-addr.arpa.":
			r.Answer = append(r.Answer, &mdns.PTR{Hdr: hdr, Ptr: "host.lab."})
		default:
			r.SetRcode(q, mdns.RcodeNameError)
		}
		b, _ := r.Pack()
		return b
	}
}

func TestResolveName(t *testing.T) {
	n := newTestNet(t, zone(300))

	addr, err := n.resolver.ResolveName(n.dev, "host.lab")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.42", addr.String())

	addr, err = n.resolver.ResolveName(nil, "HOST.lab.")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.42", addr.String())
	assert.Equal(t, int32(1), n.queries.Load(), "second lookup is a cache hit")
}

func TestResolveAddress(t *testing.T) {
	n := newTestNet(t, zone(300))

	name, err := n.resolver.ResolveAddress(n.dev, netip.MustParseAddr("10.0.0.42"))
	require.NoError(t, err)
	assert.Equal(t, "host.lab.", name)
}

func TestResolveZeroTTLRefreshes(t *testing.T) {
	n := newTestNet(t, zone(0))

	_, err := n.resolver.ResolveName(n.dev, "host.lab")
	require.NoError(t, err)
	_, err = n.resolver.ResolveName(n.dev, "host.lab")
	require.NoError(t, err)
	assert.Equal(t, int32(1), n.queries.Load())

	n.clock.Advance(2 * time.Second)
	_, err = n.resolver.ResolveName(n.dev, "host.lab")
	require.NoError(t, err)
	assert.Equal(t, int32(2), n.queries.Load(), "expired record triggers a fresh query")
}

func TestResolveUnknownHost(t *testing.T) {
	n := newTestNet(t, zone(300))

	_, err := n.resolver.ResolveName(n.dev, "missing.lab")
	assert.ErrorIs(t, err, core.ErrHostUnknown)
}

func TestResolveMalformedPointer(t *testing.T) {
	n := newTestNet(t, func(q *mdns.Msg) []byte {
		r := new(mdns.Msg)
		r.SetReply(q)
		b, _ := r.Pack()
		b[7] = 1 // one answer
		return append(b, 0xC0, 0xFF, 0, 1, 0, 1, 0, 0, 0, 60, 0, 4, 10, 0, 0, 1)
	})

	_, err := n.resolver.ResolveName(n.dev, "host.lab")
	assert.ErrorIs(t, err, core.ErrBadData)
}

func TestResolveIgnoresOtherIDs(t *testing.T) {
	n := newTestNet(t, func(q *mdns.Msg) []byte {
		r := new(mdns.Msg)
		r.SetReply(q)
		r.Id = q.Id + 1
		r.Answer = append(r.Answer, &mdns.A{
			Hdr: mdns.RR_Header{Name: "host.lab.", Rrtype: mdns.TypeA, Class: mdns.ClassINET, Ttl: 60},
			A:   net.IPv4(10, 0, 0, 66),
		})
		b, _ := r.Pack()
		return b
	})
	n.resolver.cfg.Timeout = 200 * time.Millisecond

	_, err := n.resolver.ResolveName(n.dev, "host.lab")
	assert.ErrorIs(t, err, core.ErrTimeout)
}

func TestResolveWithoutServer(t *testing.T) {
	n := newTestNet(t, zone(300))
	a := n.dev.Addressing()
	a.DNS = netip.Addr{}
	n.dev.SetAddressing(a)

	_, err := n.resolver.ResolveName(n.dev, "host.lab")
	assert.ErrorIs(t, err, core.ErrNoDNSServer)
	_, err = n.resolver.ResolveName(nil, "host.lab")
	assert.ErrorIs(t, err, core.ErrNoDNSServer)

	addr, err := n.resolver.ResolveName(nil, "10.1.2.3")
	require.NoError(t, err)
	assert.Equal(t, "10.1.2.3", addr.String(), "literal addresses need no server")
}
