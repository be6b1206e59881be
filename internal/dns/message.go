package dns

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"golang.org/x/net/dns/dnsmessage"

	"firestige.xyz/tern/internal/core"
)

// Port is the DNS server port.
const Port = 53

// record is one usable resource record from a reply.
type record struct {
	Name   string // owner name, canonical
	Type   dnsmessage.Type
	Addr   netip.Addr // TypeA
	Target string     // TypePTR and TypeCNAME, canonical
	TTL    time.Duration
}

// canonicalName lowercases ASCII letters and makes name fully qualified.
func canonicalName(name string) string {
	name = strings.Map(func(r rune) rune {
		if r >= 'A' && r <= 'Z' {
			r += 'a' - 'A'
		}
		return r
	}, name)
	if !strings.HasSuffix(name, ".") {
		name += "."
	}
	return name
}

// reverseName returns the in-addr.arpa name of addr.
func reverseName(addr netip.Addr) string {
	b := addr.As4()
	return fmt.Sprintf("%d.%d.%d.%d.in-addr.arpa.", b[3], b[2], b[1], b[0])
}

// buildQuery encodes a recursive query with one question.
func buildQuery(id uint16, name string, qtype dnsmessage.Type) ([]byte, error) {
	qname, err := dnsmessage.NewName(canonicalName(name))
	if err != nil {
		return nil, fmt.Errorf("query name %q: %v: %w", name, err, core.ErrConfigInvalid)
	}
	b := dnsmessage.NewBuilder(make([]byte, 0, 512), dnsmessage.Header{ID: id, RecursionDesired: true})
	b.EnableCompression()
	if err := b.StartQuestions(); err != nil {
		return nil, err
	}
	if err := b.Question(dnsmessage.Question{Name: qname, Type: qtype, Class: dnsmessage.ClassINET}); err != nil {
		return nil, fmt.Errorf("query name %q: %v: %w", name, err, core.ErrConfigInvalid)
	}
	return b.Finish()
}

// replyID returns the transaction ID of msg, or false when msg is too short
// to hold a header.
func replyID(msg []byte) (uint16, bool) {
	if len(msg) < 12 {
		return 0, false
	}
	return uint16(msg[0])<<8 | uint16(msg[1]), true
}

// parseReply decodes the answer, authority and additional sections of msg.
// Lengths and compression pointers are bounds checked; any violation yields
// core.ErrBadData. A response code other than success yields
// core.ErrHostUnknown.
func parseReply(msg []byte) ([]record, error) {
	var p dnsmessage.Parser
	h, err := p.Start(msg)
	if err != nil {
		return nil, badData(err)
	}
	if !h.Response {
		return nil, fmt.Errorf("not a response: %w", core.ErrBadData)
	}
	if h.RCode != dnsmessage.RCodeSuccess {
		return nil, fmt.Errorf("server answered %s: %w", h.RCode, core.ErrHostUnknown)
	}
	if err := p.SkipAllQuestions(); err != nil {
		return nil, badData(err)
	}

	sections := []struct {
		header func() (dnsmessage.ResourceHeader, error)
		skip   func() error
	}{
		{p.AnswerHeader, p.SkipAnswer},
		{p.AuthorityHeader, p.SkipAuthority},
		{p.AdditionalHeader, p.SkipAdditional},
	}
	var out []record
	for _, s := range sections {
		for {
			rh, err := s.header()
			if errors.Is(err, dnsmessage.ErrSectionDone) {
				break
			}
			if err != nil {
				return nil, badData(err)
			}
			r := record{
				Name: canonicalName(rh.Name.String()),
				Type: rh.Type,
				TTL:  time.Duration(rh.TTL) * time.Second,
			}
			switch {
			case rh.Type == dnsmessage.TypeA && rh.Class == dnsmessage.ClassINET:
				a, err := p.AResource()
				if err != nil {
					return nil, badData(err)
				}
				r.Addr = netip.AddrFrom4(a.A)
			case rh.Type == dnsmessage.TypePTR:
				ptr, err := p.PTRResource()
				if err != nil {
					return nil, badData(err)
				}
				r.Target = canonicalName(ptr.PTR.String())
			case rh.Type == dnsmessage.TypeCNAME:
				cn, err := p.CNAMEResource()
				if err != nil {
					return nil, badData(err)
				}
				r.Target = canonicalName(cn.CNAME.String())
			default:
				if err := s.skip(); err != nil {
					return nil, badData(err)
				}
				continue
			}
			out = append(out, r)
		}
	}
	return out, nil
}

func badData(err error) error {
	return fmt.Errorf("dns reply: %v: %w", err, core.ErrBadData)
}
