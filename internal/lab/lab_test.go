package lab

import (
	"bytes"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/insomniacslk/dhcp/dhcpv4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/tern/internal/core"
	"firestige.xyz/tern/internal/netstack"
)

type lines struct {
	mu  sync.Mutex
	all []string
}

func (l *lines) add(s string) {
	l.mu.Lock()
	l.all = append(l.all, s)
	l.mu.Unlock()
}

func (l *lines) joined() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return strings.Join(l.all, "\n")
}

func TestRun(t *testing.T) {
	var pcap bytes.Buffer
	var summary lines
	l, err := New(Config{Capture: &pcap, Summary: summary.add})
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	results := l.Run()
	require.Len(t, results, 6)
	for _, r := range results {
		assert.NoError(t, r.Err, "step %s", r.Step)
	}

	assert.Equal(t, "10.0.0.50", l.ClientDev.Host().String())
	assert.Equal(t, "lab", l.Client.DomainName())
	assert.Equal(t, []dhcpv4.MessageType{dhcpv4.MessageTypeDiscover, dhcpv4.MessageTypeRequest}, l.dhcpd.Messages())
	assert.Contains(t, results[4].Detail, "10.0.0.1")
	assert.Contains(t, results[5].Detail, "client.lab.")
	assert.Equal(t, 2, l.zone.Queries())

	text := summary.joined()
	assert.Contains(t, text, "ARP who-has 10.0.0.1 tell 10.0.0.50")
	assert.Contains(t, text, "(DHCP)")
	assert.Contains(t, text, "(DNS)")
	assert.Contains(t, text, "Flags [S]")
	assert.Contains(t, text, "ICMP EchoReply")

	r, err := pcapgo.NewReader(bytes.NewReader(pcap.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, layers.LinkTypeEthernet, r.LinkType())
	frames := 0
	for {
		if _, _, err := r.ReadPacketData(); err != nil {
			break
		}
		frames++
	}
	assert.Equal(t, l.Frames(), frames)

	require.NoError(t, l.Client.Disable(l.ClientDev))
	require.Eventually(t, func() bool {
		seen := l.dhcpd.Messages()
		return seen[len(seen)-1] == dhcpv4.MessageTypeRelease
	}, 5*time.Second, 10*time.Millisecond)
}

func TestRunWithoutServer(t *testing.T) {
	l, err := New(Config{Stack: netstack.Config{AutoconfTimeout: 300 * time.Millisecond}})
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	l.SetLoss(func(string, []byte) bool { return true })

	results := l.Run()
	require.Len(t, results, 6)
	assert.ErrorIs(t, results[0].Err, core.ErrTimeout)
	for _, r := range results[1:] {
		assert.ErrorIs(t, r.Err, core.ErrNotRunning, "step %s", r.Step)
	}
	assert.False(t, l.ClientDev.Running())
}

func TestDHCPServerPool(t *testing.T) {
	l := &Lab{cfg: Config{Domain: "lab", LeaseTime: time.Hour}, zone: newZone()}
	s := newDHCPServer(l)

	a := s.allocateLocked("02:00:00:00:00:01")
	b := s.allocateLocked("02:00:00:00:00:02")
	assert.Equal(t, "10.0.0.50", a.String())
	assert.Equal(t, "10.0.0.51", b.String())
	assert.Equal(t, a, s.allocateLocked("02:00:00:00:00:01"), "a client keeps its address")

	req, err := dhcpv4.NewDiscovery(net.HardwareAddr{2, 0, 0, 0, 0, 9})
	require.NoError(t, err)
	req.UpdateOption(dhcpv4.OptMessageType(dhcpv4.MessageTypeRequest))
	req.UpdateOption(dhcpv4.OptRequestedIPAddress(net.IPv4(10, 0, 0, 99)))
	reply := s.reply(req)
	require.NotNil(t, reply)
	assert.Equal(t, dhcpv4.MessageTypeNak, reply.MessageType(), "request without an offer is refused")
}

func serialize(t *testing.T, ls ...gopacket.SerializableLayer) []byte {
	t.Helper()
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, ls...))
	return buf.Bytes()
}

func TestSummarize(t *testing.T) {
	src, dst := net.HardwareAddr(clientMAC[:]), net.HardwareAddr(serverMAC[:])
	ip := func(proto layers.IPProtocol) *layers.IPv4 {
		return &layers.IPv4{Version: 4, TTL: 64, Protocol: proto, SrcIP: net.IPv4(10, 0, 0, 50), DstIP: net.IPv4(10, 0, 0, 1)}
	}
	eth := func(t layers.EthernetType) *layers.Ethernet {
		return &layers.Ethernet{SrcMAC: src, DstMAC: dst, EthernetType: t}
	}

	udpIP := ip(layers.IPProtocolUDP)
	udp := &layers.UDP{SrcPort: 49152, DstPort: 53}
	require.NoError(t, udp.SetNetworkLayerForChecksum(udpIP))

	tcpIP := ip(layers.IPProtocolTCP)
	tcp := &layers.TCP{SrcPort: 49153, DstPort: 7, Seq: 100, SYN: true, Window: 65535}
	require.NoError(t, tcp.SetNetworkLayerForChecksum(tcpIP))

	tests := []struct {
		name  string
		frame []byte
		want  string
	}{
		{
			"arp request",
			serialize(t, eth(layers.EthernetTypeARP), &layers.ARP{
				AddrType: layers.LinkTypeEthernet, Protocol: layers.EthernetTypeIPv4,
				HwAddressSize: 6, ProtAddressSize: 4, Operation: layers.ARPRequest,
				SourceHwAddress: src, SourceProtAddress: []byte{10, 0, 0, 50},
				DstHwAddress: make([]byte, 6), DstProtAddress: []byte{10, 0, 0, 1},
			}),
			"ARP who-has 10.0.0.1 tell 10.0.0.50",
		},
		{
			"dns query",
			serialize(t, eth(layers.EthernetTypeIPv4), udpIP, udp, gopacket.Payload("query")),
			"IP 10.0.0.50.49152 > 10.0.0.1.53: UDP (DNS), length 5",
		},
		{
			"tcp syn",
			serialize(t, eth(layers.EthernetTypeIPv4), tcpIP, tcp),
			"IP 10.0.0.50.49153 > 10.0.0.1.7: Flags [S], seq 100, ack 0, win 65535, length 0",
		},
		{
			"runt",
			[]byte{1, 2, 3},
			"undecodable, length 3",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Summarize(tt.frame))
		})
	}
}
