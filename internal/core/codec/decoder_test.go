package codec

import (
	"errors"
	"net/netip"
	"testing"

	"firestige.xyz/tern/internal/core"
)

var (
	macA  = core.MAC{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
	macB  = core.MAC{0x02, 0x00, 0x00, 0x00, 0x00, 0x02}
	addrA = netip.MustParseAddr("10.0.0.1")
	addrB = netip.MustParseAddr("10.0.0.2")
)

// buildUDPFrame builds an Ethernet/IPv4/UDP frame from A to B.
func buildUDPFrame(srcPort, dstPort uint16, payload []byte) []byte {
	frame := make([]byte, core.EthernetHeaderLen+core.IPv4HeaderLen+core.UDPHeaderLen+len(payload))
	PutEthernet(frame, macB, macA, core.NetIPv4)
	ip := frame[core.EthernetHeaderLen:]
	PutIPv4(ip, IPv4{Src: addrA, Dst: addrB, Protocol: core.ProtoUDP, ID: 7}, core.UDPHeaderLen+len(payload))
	seg := ip[core.IPv4HeaderLen:]
	copy(seg[core.UDPHeaderLen:], payload)
	PutUDP(seg, addrA, addrB, srcPort, dstPort, len(payload))
	return frame
}

// buildTCPFrame builds an Ethernet/IPv4/TCP frame from A to B.
func buildTCPFrame(h TCPHeader, payload []byte) []byte {
	frame := make([]byte, core.EthernetHeaderLen+core.IPv4HeaderLen+core.TCPHeaderLen+len(payload))
	PutEthernet(frame, macB, macA, core.NetIPv4)
	ip := frame[core.EthernetHeaderLen:]
	PutIPv4(ip, IPv4{Src: addrA, Dst: addrB, Protocol: core.ProtoTCP, ID: 9}, core.TCPHeaderLen+len(payload))
	seg := ip[core.IPv4HeaderLen:]
	copy(seg[core.TCPHeaderLen:], payload)
	PutTCP(seg, addrA, addrB, h, len(payload))
	return frame
}

func decodeFrame(t *testing.T, frame []byte, link core.LinkType) (*core.Packet, error) {
	t.Helper()
	p := core.NewPacket()
	if !p.SetBytes(frame) {
		t.Fatalf("frame of %d bytes does not fit", len(frame))
	}
	return p, Decode(p, link)
}

func TestDecodeUDP(t *testing.T) {
	p, err := decodeFrame(t, buildUDPFrame(40000, 9, []byte("ping")), core.LinkEthernet)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}

	if p.NetProto != core.NetIPv4 {
		t.Errorf("Expected NetProto IPv4, got 0x%04x", uint16(p.NetProto))
	}
	if p.TransProto != core.ProtoUDP {
		t.Errorf("Expected protocol 17, got %d", p.TransProto)
	}
	if p.SrcAddr != addrA || p.DstAddr != addrB {
		t.Errorf("Expected %s -> %s, got %s -> %s", addrA, addrB, p.SrcAddr, p.DstAddr)
	}
	if p.SrcPort != 40000 || p.DstPort != 9 {
		t.Errorf("Expected ports 40000 -> 9, got %d -> %d", p.SrcPort, p.DstPort)
	}
	if p.SrcMAC != macA || p.DstMAC != macB {
		t.Errorf("Expected MACs %s -> %s, got %s -> %s", macA, macB, p.SrcMAC, p.DstMAC)
	}
	if string(p.Payload()) != "ping" {
		t.Errorf("Expected payload ping, got %q", p.Payload())
	}
	if p.NetOff != 14 || p.TransOff != 34 || p.DataOff != 42 {
		t.Errorf("Unexpected offsets net=%d trans=%d data=%d", p.NetOff, p.TransOff, p.DataOff)
	}
}

func TestDecodeTrimsLinkPadding(t *testing.T) {
	frame := buildUDPFrame(1, 2, []byte("x"))
	padded := append(frame, make([]byte, 60-len(frame))...)

	p, err := decodeFrame(t, padded, core.LinkEthernet)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if p.Length != len(frame) {
		t.Errorf("Expected length %d after trimming, got %d", len(frame), p.Length)
	}
	if p.DataLen != 1 {
		t.Errorf("Expected 1 payload byte, got %d", p.DataLen)
	}
}

func TestDecodeTCP(t *testing.T) {
	h := TCPHeader{SrcPort: 5000, DstPort: 80, Seq: 1, Ack: 2, Flags: core.TCPSyn | core.TCPAck, Window: 4096}
	p, err := decodeFrame(t, buildTCPFrame(h, []byte("hello")), core.LinkEthernet)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}

	if p.Seq != 1 || p.Ack != 2 {
		t.Errorf("Expected seq=1 ack=2, got seq=%d ack=%d", p.Seq, p.Ack)
	}
	if p.Flags != core.TCPSyn|core.TCPAck {
		t.Errorf("Expected flags SYN|ACK, got 0x%02x", p.Flags)
	}
	if p.Window != 4096 {
		t.Errorf("Expected window 4096, got %d", p.Window)
	}
	if string(p.Payload()) != "hello" {
		t.Errorf("Expected payload hello, got %q", p.Payload())
	}
}

func TestDecodeICMPEcho(t *testing.T) {
	payload := []byte("abcdefgh")
	frame := make([]byte, core.EthernetHeaderLen+core.IPv4HeaderLen+core.ICMPHeaderLen+len(payload))
	PutEthernet(frame, macB, macA, core.NetIPv4)
	ip := frame[core.EthernetHeaderLen:]
	PutIPv4(ip, IPv4{Src: addrA, Dst: addrB, Protocol: core.ProtoICMP}, core.ICMPHeaderLen+len(payload))
	msg := ip[core.IPv4HeaderLen:]
	copy(msg[core.ICMPHeaderLen:], payload)
	PutICMPEcho(msg, core.ICMPEcho, 0x1234, 3, len(payload))

	p, err := decodeFrame(t, frame, core.LinkEthernet)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if p.SubType != core.ICMPEcho {
		t.Errorf("Expected echo request, got type %d", p.SubType)
	}
	id, seq := EchoFields(p)
	if id != 0x1234 || seq != 3 {
		t.Errorf("Expected id=0x1234 seq=3, got id=0x%x seq=%d", id, seq)
	}
	if string(p.Payload()) != string(payload) {
		t.Errorf("Expected payload %q, got %q", payload, p.Payload())
	}
}

func TestDecodeARP(t *testing.T) {
	frame := make([]byte, core.EthernetHeaderLen+core.ARPLen)
	PutEthernet(frame, core.BroadcastMAC, macA, core.NetARP)
	PutARP(frame[core.EthernetHeaderLen:], ARP{
		Op:         ARPRequest,
		SenderMAC:  macA,
		SenderAddr: addrA,
		TargetAddr: addrB,
	})

	p, err := decodeFrame(t, frame, core.LinkEthernet)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if p.NetProto != core.NetARP {
		t.Fatalf("Expected ARP, got 0x%04x", uint16(p.NetProto))
	}
	a, err := ParseARP(p.Payload())
	if err != nil {
		t.Fatalf("ParseARP failed: %v", err)
	}
	if a.Op != ARPRequest || a.SenderMAC != macA || a.SenderAddr != addrA || a.TargetAddr != addrB {
		t.Errorf("Unexpected ARP body: %+v", a)
	}
}

func TestDecodeLoopback(t *testing.T) {
	frame := buildUDPFrame(7, 7, []byte("lo"))[core.EthernetHeaderLen:]
	p, err := decodeFrame(t, frame, core.LinkLoopback)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if p.NetOff != 0 || p.NetProto != core.NetIPv4 {
		t.Errorf("Expected IPv4 at offset 0, got proto 0x%04x at %d", uint16(p.NetProto), p.NetOff)
	}
	if string(p.Payload()) != "lo" {
		t.Errorf("Expected payload lo, got %q", p.Payload())
	}
}

func TestDecodeErrors(t *testing.T) {
	good := buildUDPFrame(40000, 9, []byte("ping"))

	corrupt := func(mutate func(b []byte)) []byte {
		b := append([]byte(nil), good...)
		mutate(b)
		return b
	}

	tests := []struct {
		name  string
		frame []byte
		want  error
	}{
		{"short ethernet", good[:10], core.ErrTruncated},
		{"short ip", good[:20], core.ErrTruncated},
		{"ip total length overrun", corrupt(func(b []byte) { b[16], b[17] = 0x05, 0xDC }), core.ErrTruncated},
		{"ip header checksum", corrupt(func(b []byte) { b[22]-- }), core.ErrBadChecksum},
		{"udp checksum", corrupt(func(b []byte) { b[len(b)-1] ^= 0xFF }), core.ErrBadChecksum},
		{"unknown ethertype", corrupt(func(b []byte) { b[12], b[13] = 0x86, 0xDD }), core.ErrUnsupportedProtocol},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := decodeFrame(t, tt.frame, core.LinkEthernet)
			if !errors.Is(err, tt.want) {
				t.Errorf("Expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestDecodeUnverifiedUDPChecksum(t *testing.T) {
	frame := buildUDPFrame(1, 2, []byte("no sum"))
	frame[40], frame[41] = 0, 0
	if _, err := decodeFrame(t, frame, core.LinkEthernet); err != nil {
		t.Errorf("zero UDP checksum should be accepted, got %v", err)
	}
}

func TestDecodeFragment(t *testing.T) {
	frame := buildUDPFrame(1, 2, []byte("fragmented"))
	ip := frame[core.EthernetHeaderLen:]
	ip[6] = 0x20 // MF
	ip[10], ip[11] = 0, 0
	sum := Checksum(ip[:core.IPv4HeaderLen], 0)
	ip[10], ip[11] = byte(sum>>8), byte(sum)

	_, err := decodeFrame(t, frame, core.LinkEthernet)
	if !errors.Is(err, core.ErrFragment) {
		t.Errorf("Expected ErrFragment, got %v", err)
	}
}
