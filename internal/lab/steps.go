package lab

import (
	"bytes"
	"fmt"
	"time"

	"firestige.xyz/tern/internal/core"
	"firestige.xyz/tern/internal/netstack"
	"firestige.xyz/tern/internal/tcp"
)

// Result is the outcome of one scenario step.
type Result struct {
	Step     string        `json:"step"`
	Detail   string        `json:"detail,omitempty"`
	Duration time.Duration `json:"duration"`
	Err      error         `json:"-"`
}

// OK reports whether the step succeeded.
func (r Result) OK() bool { return r.Err == nil }

type step struct {
	name string
	run  func() (string, error)
}

// Run configures the client through DHCP and then exercises every service.
// Steps after a failed DHCP exchange are skipped.
func (l *Lab) Run() []Result {
	steps := []step{
		{"dhcp", l.Configure},
		{"ping", l.Ping},
		{"udp-echo", func() (string, error) { return l.UDPEcho([]byte("ping")) }},
		{"tcp-echo", func() (string, error) { return l.TCPEcho(bytes.Repeat([]byte("tern"), 1024)) }},
		{"dns-name", func() (string, error) { return l.LookupName(ServerName + "." + l.cfg.Domain) }},
		{"dns-addr", l.LookupClient},
	}
	results := make([]Result, 0, len(steps))
	for i, s := range steps {
		start := time.Now()
		detail, err := s.run()
		results = append(results, Result{Step: s.name, Detail: detail, Duration: time.Since(start), Err: err})
		if err != nil && i == 0 {
			for _, rest := range steps[1:] {
				results = append(results, Result{Step: rest.name, Err: fmt.Errorf("skipped: %w", core.ErrNotRunning)})
			}
			break
		}
	}
	return results
}

// Configure enables the client device, which runs DHCP.
func (l *Lab) Configure() (string, error) {
	if err := l.Client.Enable(l.ClientDev); err != nil {
		return "", err
	}
	a := l.ClientDev.Addressing()
	server := "?"
	if lease := l.ClientDev.Lease(); lease != nil {
		server = lease.Server.String()
	}
	return fmt.Sprintf("leased %s mask %s from %s", a.Host, a.Netmask, server), nil
}

// Ping sends one echo request to the server and waits for the reply.
func (l *Lab) Ping() (string, error) {
	conn, err := l.Client.Open(netstack.OpenOptions{
		Device: l.ClientDev,
		Owner:  "lab-ping",
		Mode:   core.ModeRead | core.ModeWrite,
		Peer:   serverAddr,
		Filter: core.ICMPFilter(core.ICMPEchoReply),
		Stream: true,
	})
	if err != nil {
		return "", err
	}
	defer conn.Close(false)

	payload := []byte("tern lab echo")
	start := time.Now()
	if err := conn.Ping(1, payload); err != nil {
		return "", err
	}
	if err := conn.Wait(l.cfg.Timeout); err != nil {
		return "", fmt.Errorf("echo reply from %s: %w", serverAddr, err)
	}
	buf := make([]byte, core.MaxPacketLen)
	n, err := conn.ReadMessage(buf)
	if err != nil {
		return "", err
	}
	if !bytes.Equal(buf[:n], payload) {
		return "", fmt.Errorf("echo reply payload differs: %w", core.ErrBadData)
	}
	return fmt.Sprintf("reply from %s in %s", serverAddr, time.Since(start).Round(time.Microsecond)), nil
}

// UDPEcho sends msg to the UDP echo service and checks the answer.
func (l *Lab) UDPEcho(msg []byte) (string, error) {
	conn, err := l.Client.Open(netstack.OpenOptions{
		Device: l.ClientDev,
		Owner:  "lab-udp",
		Mode:   core.ModeRead | core.ModeWrite,
		Peer:   serverAddr,
		Filter: core.UDPFilter(0, EchoPort),
		Stream: true,
	})
	if err != nil {
		return "", err
	}
	defer conn.Close(false)

	if _, err := conn.Write(msg); err != nil {
		return "", err
	}
	if err := conn.Wait(l.cfg.Timeout); err != nil {
		return "", fmt.Errorf("udp echo from %s: %w", serverAddr, err)
	}
	buf := make([]byte, core.MaxPacketLen)
	n, err := conn.ReadMessage(buf)
	if err != nil {
		return "", err
	}
	if !bytes.Equal(buf[:n], msg) {
		return "", fmt.Errorf("udp echo payload differs: %w", core.ErrBadData)
	}
	return fmt.Sprintf("%d bytes echoed from port %d", n, conn.LocalPort()), nil
}

// TCPEcho streams msg through the TCP echo service and closes the
// connection. The client does not linger in time_wait.
func (l *Lab) TCPEcho(msg []byte) (string, error) {
	conn, err := l.Client.DialTCP(l.ClientDev, "lab-tcp", serverAddr, EchoPort)
	if err != nil {
		return "", err
	}
	if _, err := conn.Write(msg); err != nil {
		conn.Close(false)
		return "", err
	}

	got := make([]byte, 0, len(msg))
	buf := make([]byte, 4096)
	deadline := time.Now().Add(l.cfg.Timeout)
	for len(got) < len(msg) {
		left := time.Until(deadline)
		if left <= 0 {
			conn.Close(false)
			return "", fmt.Errorf("tcp echo: %d of %d bytes: %w", len(got), len(msg), core.ErrTimeout)
		}
		if conn.Wait(left) != nil {
			continue
		}
		n, err := conn.Read(buf)
		if err != nil {
			return "", err
		}
		got = append(got, buf[:n]...)
	}
	if !bytes.Equal(got, msg) {
		conn.Close(false)
		return "", fmt.Errorf("tcp echo stream differs: %w", core.ErrBadData)
	}

	closed := make(chan error, 1)
	go func() { closed <- conn.Close(true) }()
	st, err := conn.TCP().Await(l.cfg.Timeout, tcp.TimeWait, tcp.Closed)
	conn.TCP().Abort()
	<-closed
	if err != nil {
		return "", fmt.Errorf("tcp close: %w", err)
	}
	return fmt.Sprintf("%d bytes echoed, closed via %s", len(got), st), nil
}

// LookupName resolves name through the lab DNS server.
func (l *Lab) LookupName(name string) (string, error) {
	addr, err := l.Resolver.ResolveName(l.ClientDev, name)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s is %s", name, addr), nil
}

// LookupClient resolves the client's own address back to its name.
func (l *Lab) LookupClient() (string, error) {
	addr := l.ClientDev.Host()
	name, err := l.Resolver.ResolveAddress(l.ClientDev, addr)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s is %s", addr, name), nil
}
