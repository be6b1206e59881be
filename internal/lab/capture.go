package lab

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

const snapLen = 65535

// capture records frames crossing the lab link.
type capture struct {
	mu      sync.Mutex
	writer  *pcapgo.Writer
	summary func(string)
	frames  int
}

func newCapture(w io.Writer, summary func(string)) (*capture, error) {
	c := &capture{summary: summary}
	if w != nil {
		c.writer = pcapgo.NewWriter(w)
		if err := c.writer.WriteFileHeader(snapLen, layers.LinkTypeEthernet); err != nil {
			return nil, fmt.Errorf("lab: pcap header: %w", err)
		}
	}
	return c, nil
}

func (c *capture) tap(from string, frame []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames++
	if c.writer != nil {
		ci := gopacket.CaptureInfo{
			Timestamp:     time.Now(),
			CaptureLength: len(frame),
			Length:        len(frame),
		}
		_ = c.writer.WritePacket(ci, frame)
	}
	if c.summary != nil {
		c.summary(from + " " + Summarize(frame))
	}
}

func (c *capture) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.frames
}

// Summarize renders an Ethernet frame as one line in the manner of tcpdump.
func Summarize(frame []byte) string {
	pkt := gopacket.NewPacket(frame, layers.LayerTypeEthernet, gopacket.NoCopy)

	if l, ok := pkt.Layer(layers.LayerTypeARP).(*layers.ARP); ok {
		sender, target := ipString(l.SourceProtAddress), ipString(l.DstProtAddress)
		if l.Operation == layers.ARPRequest {
			return fmt.Sprintf("ARP who-has %s tell %s", target, sender)
		}
		return fmt.Sprintf("ARP %s is-at %s", sender, macString(l.SourceHwAddress))
	}

	ip, ok := pkt.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
	if !ok {
		if eth, ok := pkt.Layer(layers.LayerTypeEthernet).(*layers.Ethernet); ok {
			return fmt.Sprintf("ethertype %s, length %d", eth.EthernetType, len(frame))
		}
		return fmt.Sprintf("undecodable, length %d", len(frame))
	}

	switch l := pkt.TransportLayer().(type) {
	case *layers.UDP:
		return fmt.Sprintf("IP %s.%d > %s.%d: UDP%s, length %d",
			ip.SrcIP, l.SrcPort, ip.DstIP, l.DstPort, udpApp(l), len(l.Payload))
	case *layers.TCP:
		return fmt.Sprintf("IP %s.%d > %s.%d: Flags [%s], seq %d, ack %d, win %d, length %d",
			ip.SrcIP, l.SrcPort, ip.DstIP, l.DstPort, tcpFlags(l), l.Seq, l.Ack, l.Window, len(l.Payload))
	}
	if icmp, ok := pkt.Layer(layers.LayerTypeICMPv4).(*layers.ICMPv4); ok {
		return fmt.Sprintf("IP %s > %s: ICMP %s, id %d, seq %d",
			ip.SrcIP, ip.DstIP, icmp.TypeCode, icmp.Id, icmp.Seq)
	}
	return fmt.Sprintf("IP %s > %s: %s, length %d", ip.SrcIP, ip.DstIP, ip.Protocol, ip.Length)
}

// udpApp names the well-known service carried by a datagram.
func udpApp(l *layers.UDP) string {
	switch {
	case l.SrcPort == 53 || l.DstPort == 53:
		return " (DNS)"
	case l.SrcPort == 67 || l.DstPort == 67:
		return " (DHCP)"
	case l.SrcPort == 7 || l.DstPort == 7:
		return " (echo)"
	}
	return ""
}

func tcpFlags(l *layers.TCP) string {
	var b strings.Builder
	for _, f := range []struct {
		set  bool
		mark byte
	}{
		{l.SYN, 'S'}, {l.FIN, 'F'}, {l.RST, 'R'}, {l.PSH, 'P'}, {l.ACK, '.'},
	} {
		if f.set {
			b.WriteByte(f.mark)
		}
	}
	return b.String()
}

func ipString(b []byte) string {
	if len(b) != 4 {
		return "?"
	}
	return fmt.Sprintf("%d.%d.%d.%d", b[0], b[1], b[2], b[3])
}

func macString(b []byte) string {
	parts := make([]string, len(b))
	for i, v := range b {
		parts[i] = fmt.Sprintf("%02x", v)
	}
	return strings.Join(parts, ":")
}
