package codec

import (
	"bytes"
	"encoding/binary"
	"math/rand"
	"net"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"firestige.xyz/tern/internal/core"
)

func TestChecksumRoundTrip(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	for i := 0; i < 500; i++ {
		n := 2 + r.Intn(1400)
		data := make([]byte, n)
		r.Read(data)

		// The checksum lives in the first two bytes.
		data[0], data[1] = 0, 0
		sum := Checksum(data, 0)
		binary.BigEndian.PutUint16(data[0:2], sum)

		if residual := Checksum(data, 0); residual != 0 {
			t.Fatalf("length %d: expected zero residual, got 0x%04x", n, residual)
		}
	}
}

func TestChecksumOddLengthPadsWithZero(t *testing.T) {
	odd := []byte{0x01, 0x02, 0x03}
	even := []byte{0x01, 0x02, 0x03, 0x00}
	if Checksum(odd, 0) != Checksum(even, 0) {
		t.Error("odd trailing byte must be padded with zero")
	}
}

func TestChecksumKnownVector(t *testing.T) {
	// IPv4 header from RFC 1071 style examples.
	hdr := []byte{
		0x45, 0x00, 0x00, 0x73, 0x00, 0x00, 0x40, 0x00, 0x40, 0x11,
		0x00, 0x00, 0xc0, 0xa8, 0x00, 0x01, 0xc0, 0xa8, 0x00, 0xc7,
	}
	if got := Checksum(hdr, 0); got != 0xb861 {
		t.Errorf("Expected checksum 0xb861, got 0x%04x", got)
	}
}

func serializeWithGopacket(t *testing.T, transport gopacket.SerializableLayer, ip *layers.IPv4, payload []byte) []byte {
	t.Helper()
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr(macA[:]),
		DstMAC:       net.HardwareAddr(macB[:]),
		EthernetType: layers.EthernetTypeIPv4,
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: true}
	if err := gopacket.SerializeLayers(buf, opts, eth, ip, transport, gopacket.Payload(payload)); err != nil {
		t.Fatalf("gopacket serialize failed: %v", err)
	}
	return buf.Bytes()
}

func TestUDPMatchesGopacket(t *testing.T) {
	payload := []byte("ping")
	ours := buildUDPFrame(40000, 9, payload)

	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Id:       7,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    net.IP(addrA.AsSlice()),
		DstIP:    net.IP(addrB.AsSlice()),
	}
	udp := &layers.UDP{SrcPort: 40000, DstPort: 9}
	if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
		t.Fatal(err)
	}
	theirs := serializeWithGopacket(t, udp, ip, payload)

	// gopacket pads Ethernet frames to 60 bytes.
	if !bytes.Equal(ours, theirs[:len(ours)]) {
		t.Errorf("frame mismatch\nours:   % x\ntheirs: % x", ours, theirs[:len(ours)])
	}
}

func TestTCPMatchesGopacket(t *testing.T) {
	payload := []byte("hello, tcp")
	h := TCPHeader{SrcPort: 49152, DstPort: 80, Seq: 0x01020304, Ack: 0xA0B0C0D0, Flags: core.TCPAck | core.TCPPsh, Window: 0xFFFF}
	ours := buildTCPFrame(h, payload)

	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Id:       9,
		Protocol: layers.IPProtocolTCP,
		SrcIP:    net.IP(addrA.AsSlice()),
		DstIP:    net.IP(addrB.AsSlice()),
	}
	tcp := &layers.TCP{
		SrcPort: 49152,
		DstPort: 80,
		Seq:     0x01020304,
		Ack:     0xA0B0C0D0,
		ACK:     true,
		PSH:     true,
		Window:  0xFFFF,
	}
	if err := tcp.SetNetworkLayerForChecksum(ip); err != nil {
		t.Fatal(err)
	}
	theirs := serializeWithGopacket(t, tcp, ip, payload)

	if !bytes.Equal(ours, theirs[:len(ours)]) {
		t.Errorf("frame mismatch\nours:   % x\ntheirs: % x", ours, theirs[:len(ours)])
	}
}

func TestGopacketDecodesOurFrames(t *testing.T) {
	frame := buildUDPFrame(40000, 9, []byte("ping"))
	pkt := gopacket.NewPacket(frame, layers.LayerTypeEthernet, gopacket.Default)
	if errLayer := pkt.ErrorLayer(); errLayer != nil {
		t.Fatalf("gopacket decode error: %v", errLayer.Error())
	}
	udp, ok := pkt.Layer(layers.LayerTypeUDP).(*layers.UDP)
	if !ok {
		t.Fatal("no UDP layer")
	}
	if udp.DstPort != 9 || string(udp.Payload) != "ping" {
		t.Errorf("Expected port 9 payload ping, got %d %q", udp.DstPort, udp.Payload)
	}
}
