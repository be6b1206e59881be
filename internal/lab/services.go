package lab

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/insomniacslk/dhcp/dhcpv4"
	mdns "github.com/miekg/dns"

	"firestige.xyz/tern/internal/core"
	"firestige.xyz/tern/internal/device"
	"firestige.xyz/tern/internal/dhcp"
	"firestige.xyz/tern/internal/dns"
	"firestige.xyz/tern/internal/netstack"
	"firestige.xyz/tern/internal/tcp"
)

// EchoPort is the port of the UDP and TCP echo services.
const EchoPort = 7

const servicePoll = 20 * time.Millisecond

// handler answers one message read from a service connection.
type handler func(conn *netstack.Conn, msg []byte)

// serve reads messages from conn until ctx ends.
func serve(ctx context.Context, wg *sync.WaitGroup, conn *netstack.Conn, name string, h handler) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer conn.Close(false)
		buf := make([]byte, core.MaxPacketLen)
		for ctx.Err() == nil {
			if err := conn.Wait(servicePoll); err != nil {
				if errors.Is(err, core.ErrConnClosed) {
					return
				}
				continue
			}
			n, err := conn.ReadMessage(buf)
			if err != nil {
				return
			}
			h(conn, buf[:n])
		}
		slog.Debug("lab service stopped", "service", name)
	}()
}

// datagram splits a message delivered with network headers into its source
// and UDP payload.
func datagram(msg []byte) (netip.Addr, uint16, []byte, bool) {
	pkt := gopacket.NewPacket(msg, layers.LayerTypeIPv4, gopacket.NoCopy)
	ip, _ := pkt.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
	udp, _ := pkt.Layer(layers.LayerTypeUDP).(*layers.UDP)
	if ip == nil || udp == nil {
		return netip.Addr{}, 0, nil, false
	}
	src, ok := netip.AddrFromSlice(ip.SrcIP.To4())
	return src, uint16(udp.SrcPort), udp.Payload, ok
}

// ─── DHCP ───

// dhcpServer leases addresses from a pool, one per hardware address.
type dhcpServer struct {
	lab *Lab

	mu     sync.Mutex
	leases map[string]netip.Addr
	next   netip.Addr
	seen   []dhcpv4.MessageType
}

func newDHCPServer(l *Lab) *dhcpServer {
	return &dhcpServer{lab: l, leases: make(map[string]netip.Addr), next: poolStart}
}

func (s *dhcpServer) handle(conn *netstack.Conn, msg []byte) {
	m, err := dhcpv4.FromBytes(msg)
	if err != nil || m.OpCode != dhcpv4.OpcodeBootRequest {
		return
	}
	reply := s.reply(m)
	if reply == nil {
		return
	}
	if _, err := conn.Write(reply.ToBytes()); err != nil {
		slog.Debug("dhcp reply not sent", "error", err)
	}
}

func (s *dhcpServer) reply(m *dhcpv4.DHCPv4) *dhcpv4.DHCPv4 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen = append(s.seen, m.MessageType())
	hw := m.ClientHWAddr.String()
	server := net.IP(serverAddr.AsSlice())

	mods := []dhcpv4.Modifier{
		dhcpv4.WithServerIP(server),
		dhcpv4.WithOption(dhcpv4.OptServerIdentifier(server)),
	}
	switch m.MessageType() {
	case dhcpv4.MessageTypeDiscover:
		addr := s.allocateLocked(hw)
		if !addr.IsValid() {
			return nil
		}
		mods = append(mods,
			dhcpv4.WithMessageType(dhcpv4.MessageTypeOffer),
			dhcpv4.WithYourIP(net.IP(addr.AsSlice())),
		)
	case dhcpv4.MessageTypeRequest:
		want := m.RequestedIPAddress()
		if want == nil || want.IsUnspecified() {
			want = m.ClientIPAddr
		}
		addr, ok := s.leases[hw]
		if !ok || !want.Equal(net.IP(addr.AsSlice())) {
			mods = append(mods, dhcpv4.WithMessageType(dhcpv4.MessageTypeNak))
			break
		}
		mods = append(mods,
			dhcpv4.WithMessageType(dhcpv4.MessageTypeAck),
			dhcpv4.WithYourIP(net.IP(addr.AsSlice())),
			dhcpv4.WithNetmask(net.IPv4Mask(255, 255, 255, 0)),
			dhcpv4.WithRouter(server),
			dhcpv4.WithDNS(server),
			dhcpv4.WithLeaseTime(uint32(s.lab.cfg.LeaseTime/time.Second)),
			dhcpv4.WithOption(dhcpv4.OptBroadcastAddress(net.IP(broadcastAddr.AsSlice()))),
			dhcpv4.WithOption(dhcpv4.OptDomainName(s.lab.cfg.Domain)),
		)
		s.lab.zone.add(ClientName+"."+s.lab.cfg.Domain, addr)
	case dhcpv4.MessageTypeRelease:
		if addr, ok := s.leases[hw]; ok {
			delete(s.leases, hw)
			slog.Info("lab lease released", "hw", hw, "addr", addr)
		}
		return nil
	default:
		return nil
	}
	r, err := dhcpv4.NewReplyFromRequest(m, mods...)
	if err != nil {
		slog.Debug("dhcp reply not built", "error", err)
		return nil
	}
	return r
}

// allocateLocked returns the address held by hw, or the next free one.
func (s *dhcpServer) allocateLocked(hw string) netip.Addr {
	if a, ok := s.leases[hw]; ok {
		return a
	}
	if s.next == broadcastAddr {
		return netip.Addr{}
	}
	a := s.next
	s.next = s.next.Next()
	s.leases[hw] = a
	return a
}

// Messages returns the DHCP message types the server has received.
func (s *dhcpServer) Messages() []dhcpv4.MessageType {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]dhcpv4.MessageType(nil), s.seen...)
}

// ─── DNS ───

// zone is the lab's authoritative data.
type zone struct {
	mu      sync.RWMutex
	forward map[string]netip.Addr
	reverse map[string]string
	queries int
}

func newZone() *zone {
	return &zone{forward: make(map[string]netip.Addr), reverse: make(map[string]string)}
}

func (z *zone) add(name string, addr netip.Addr) {
	fqdn := mdns.Fqdn(strings.ToLower(name))
	rev, _ := mdns.ReverseAddr(addr.String())
	z.mu.Lock()
	z.forward[fqdn] = addr
	z.reverse[rev] = fqdn
	z.mu.Unlock()
}

func (z *zone) handle(conn *netstack.Conn, msg []byte) {
	src, port, payload, ok := datagram(msg)
	if !ok {
		return
	}
	var q mdns.Msg
	if err := q.Unpack(payload); err != nil || len(q.Question) != 1 {
		return
	}
	b, err := z.answer(&q).Pack()
	if err != nil {
		return
	}
	if _, err := conn.WriteTo(b, src, port); err != nil {
		slog.Debug("dns reply not sent", "to", src, "error", err)
	}
}

func (z *zone) answer(q *mdns.Msg) *mdns.Msg {
	z.mu.Lock()
	defer z.mu.Unlock()
	z.queries++

	r := new(mdns.Msg)
	r.SetReply(q)
	r.Authoritative = true
	qq := q.Question[0]
	name := strings.ToLower(qq.Name)
	hdr := mdns.RR_Header{Name: qq.Name, Rrtype: qq.Qtype, Class: mdns.ClassINET, Ttl: zoneTTL}
	switch qq.Qtype {
	case mdns.TypeA:
		if a, ok := z.forward[name]; ok {
			r.Answer = append(r.Answer, &mdns.A{Hdr: hdr, A: net.IP(a.AsSlice())})
			return r
		}
	case mdns.TypePTR:
		if n, ok := z.reverse[name]; ok {
			r.Answer = append(r.Answer, &mdns.PTR{Hdr: hdr, Ptr: n})
			return r
		}
	}
	r.SetRcode(q, mdns.RcodeNameError)
	return r
}

// Queries returns how many questions the zone has answered.
func (z *zone) Queries() int {
	z.mu.RLock()
	defer z.mu.RUnlock()
	return z.queries
}

// ─── Echo ───

func udpEcho(conn *netstack.Conn, msg []byte) {
	src, port, payload, ok := datagram(msg)
	if !ok {
		return
	}
	if _, err := conn.WriteTo(payload, src, port); err != nil {
		slog.Debug("echo reply not sent", "to", src, "error", err)
	}
}

// tcpEcho accepts one connection at a time on EchoPort and returns what it
// reads until the peer closes.
func tcpEcho(ctx context.Context, wg *sync.WaitGroup, s *netstack.Stack, dev *device.Device) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		buf := make([]byte, 4096)
		for ctx.Err() == nil {
			ln, err := s.ListenTCP(dev, "lab-echo", EchoPort, netip.Addr{})
			if err != nil {
				slog.Warn("tcp echo listen failed", "error", err)
				return
			}
			for ctx.Err() == nil && errors.Is(ln.Accept(servicePoll), core.ErrTimeout) {
			}
			for ctx.Err() == nil && ln.TCP().State() == tcp.Established {
				if ln.Wait(servicePoll) != nil {
					continue
				}
				n, err := ln.Read(buf)
				if err != nil {
					break
				}
				if _, err := ln.Write(buf[:n]); err != nil {
					slog.Debug("tcp echo write failed", "error", err)
					break
				}
			}
			ln.Close(false)
		}
	}()
}

// startServices starts every lab service on the server device.
func (l *Lab) startServices(ctx context.Context) error {
	open := func(owner string, f core.Filter) (*netstack.Conn, error) {
		return l.Server.Open(netstack.OpenOptions{
			Device: l.ServerDev,
			Owner:  owner,
			Mode:   core.ModeRead | core.ModeWrite,
			Filter: f,
			Stream: true,
		})
	}

	dhcpConn, err := open("lab-dhcp", core.UDPFilter(dhcp.ServerPort, dhcp.ClientPort))
	if err != nil {
		return err
	}
	serve(ctx, &l.wg, dhcpConn, "dhcp", l.dhcpd.handle)

	dnsFilter := core.UDPFilter(dns.Port, 0)
	dnsFilter.Headers = core.HeadersNet
	dnsConn, err := open("lab-dns", dnsFilter)
	if err != nil {
		return err
	}
	serve(ctx, &l.wg, dnsConn, "dns", l.zone.handle)

	echoFilter := core.UDPFilter(EchoPort, 0)
	echoFilter.Headers = core.HeadersNet
	echoConn, err := open("lab-echo", echoFilter)
	if err != nil {
		return err
	}
	serve(ctx, &l.wg, echoConn, "udp-echo", udpEcho)

	tcpEcho(ctx, &l.wg, l.Server, l.ServerDev)
	return nil
}
