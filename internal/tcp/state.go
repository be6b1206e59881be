package tcp

import (
	"strings"

	"firestige.xyz/tern/internal/core"
)

// State is a TCP connection state. Several checks compare states by order,
// so the constants must stay in this sequence.
type State uint8

const (
	Closed State = iota
	Listen
	SynSent
	SynReceived
	Established
	CloseWait
	LastAck
	FinWait1
	FinWait2
	Closing
	TimeWait
)

var stateNames = [...]string{
	Closed:      "closed",
	Listen:      "listen",
	SynSent:     "syn_sent",
	SynReceived: "syn_received",
	Established: "established",
	CloseWait:   "close_wait",
	LastAck:     "last_ack",
	FinWait1:    "fin_wait1",
	FinWait2:    "fin_wait2",
	Closing:     "closing",
	TimeWait:    "time_wait",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// Sequence numbers wrap, so ordering is decided by the sign of the distance.
func seqLT(a, b uint32) bool { return int32(a-b) < 0 }
func seqLE(a, b uint32) bool { return int32(a-b) <= 0 }
func seqGT(a, b uint32) bool { return int32(a-b) > 0 }

var flagNames = []struct {
	bit  uint8
	name string
}{
	{core.TCPSyn, "SYN"},
	{core.TCPFin, "FIN"},
	{core.TCPRst, "RST"},
	{core.TCPPsh, "PSH"},
	{core.TCPAck, "ACK"},
	{core.TCPUrg, "URG"},
}

// FlagString renders TCP header flags as "SYN|ACK".
func FlagString(flags uint8) string {
	var parts []string
	for _, f := range flagNames {
		if flags&f.bit != 0 {
			parts = append(parts, f.name)
		}
	}
	if len(parts) == 0 {
		return "NONE"
	}
	return strings.Join(parts, "|")
}
