package core

import (
	"fmt"

	"golang.org/x/net/bpf"
)

// FilterFlags selects which predicates of a Filter are active.
type FilterFlags uint16

const (
	FilterLinkProto FilterFlags = 1 << iota
	FilterNetProto
	FilterTransProto
	FilterSubType
	FilterLocalPort
	FilterRemotePort
	FilterProgram
)

// HeaderLevel controls how much of a matched packet is copied into a
// connection's stream.
type HeaderLevel uint8

const (
	HeadersNone      HeaderLevel = iota // payload only
	HeadersTransport                    // from the transport header
	HeadersNet                          // from the network header
	HeadersLink                         // from the link header
	HeadersRaw                          // the whole frame
)

// Filter routes inbound packets to connections. Only predicates whose flag is
// set take part in matching.
type Filter struct {
	Flags      FilterFlags
	Headers    HeaderLevel
	LinkProto  LinkType
	NetProto   NetProto
	TransProto uint8
	SubType    uint8
	LocalPort  uint16
	RemotePort uint16

	program *bpf.VM
}

// UDPFilter matches IPv4 UDP traffic between the given ports. A zero local
// port asks the stack to pick an ephemeral one; a zero remote port matches
// any source port.
func UDPFilter(localPort, remotePort uint16) Filter {
	f := Filter{
		Flags:      FilterNetProto | FilterTransProto | FilterLocalPort,
		NetProto:   NetIPv4,
		TransProto: ProtoUDP,
		LocalPort:  localPort,
		RemotePort: remotePort,
	}
	if remotePort != 0 {
		f.Flags |= FilterRemotePort
	}
	return f
}

// ICMPFilter matches IPv4 ICMP messages of one type.
func ICMPFilter(icmpType uint8) Filter {
	return Filter{
		Flags:      FilterNetProto | FilterTransProto | FilterSubType,
		NetProto:   NetIPv4,
		TransProto: ProtoICMP,
		SubType:    icmpType,
	}
}

// Has reports whether every flag in o is active.
func (f *Filter) Has(o FilterFlags) bool { return f.Flags&o == o }

// SetProgram attaches a classic BPF program run against the frame starting at
// the link header. A packet matches when the program accepts a non-zero
// number of bytes.
func (f *Filter) SetProgram(prog []bpf.Instruction) error {
	vm, err := bpf.NewVM(prog)
	if err != nil {
		return fmt.Errorf("%w: bpf program: %v", ErrConfigInvalid, err)
	}
	f.program = vm
	f.Flags |= FilterProgram
	return nil
}

// Learn fills the remote port predicate from an accepted peer. An already
// active remote port is never replaced.
func (f *Filter) Learn(remotePort uint16) {
	if f.Has(FilterRemotePort) {
		return
	}
	f.RemotePort = remotePort
	f.Flags |= FilterRemotePort
}

// Matches evaluates the active predicates against a decoded packet in link,
// net, transport, sub-type, local port, remote port order, stopping at the
// first mismatch.
func (f *Filter) Matches(p *Packet) bool {
	if f.Has(FilterLinkProto) && p.LinkType != f.LinkProto {
		return false
	}
	if f.Has(FilterNetProto) && p.NetProto != f.NetProto {
		return false
	}
	if f.Has(FilterTransProto) && p.TransProto != f.TransProto {
		return false
	}
	if f.Has(FilterSubType) && p.SubType != f.SubType {
		return false
	}
	if f.Has(FilterLocalPort) && p.DstPort != f.LocalPort {
		return false
	}
	if f.Has(FilterRemotePort) && p.SrcPort != f.RemotePort {
		return false
	}
	if f.Has(FilterProgram) && f.program != nil {
		n, err := f.program.Run(p.Bytes()[p.LinkOff:])
		if err != nil || n == 0 {
			return false
		}
	}
	return true
}

// HeaderOffset returns where delivery to a stream starts for this filter.
func (f *Filter) HeaderOffset(p *Packet) int {
	switch f.Headers {
	case HeadersTransport:
		return p.TransOff
	case HeadersNet:
		return p.NetOff
	case HeadersLink:
		return p.LinkOff
	case HeadersRaw:
		return 0
	default:
		return p.DataOff
	}
}
