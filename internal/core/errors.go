// Package core defines sentinel errors.
package core

import "errors"

// Sentinel errors. Callers match them with errors.Is; lower layers wrap them
// with context using fmt.Errorf("...: %w", err).
var (
	// Resource exhaustion
	ErrPoolExhausted = errors.New("tern: packet pool exhausted")
	ErrQueueFull     = errors.New("tern: queue full")

	// Malformed wire data
	ErrTruncated           = errors.New("tern: packet too short")
	ErrBadChecksum         = errors.New("tern: bad checksum")
	ErrUnsupportedProtocol = errors.New("tern: unsupported protocol")
	ErrBadData             = errors.New("tern: data exceeds message bounds")
	ErrFragment            = errors.New("tern: fragment awaiting reassembly")

	// Protocol state
	ErrInvalidSegment  = errors.New("tern: invalid tcp segment")
	ErrOutOfOrder      = errors.New("tern: segment ahead of sequence")
	ErrDuplicate       = errors.New("tern: duplicate segment")
	ErrDHCPNak         = errors.New("tern: dhcp request refused")
	ErrTimeout         = errors.New("tern: operation timed out")
	ErrRetriesExceeded = errors.New("tern: retries exceeded")
	ErrConnClosed      = errors.New("tern: connection closed")
	ErrConfigureBusy   = errors.New("tern: device configuration in progress")
	ErrNoLease         = errors.New("tern: no dhcp lease")

	// Configuration / caller errors
	ErrNoDevice      = errors.New("tern: no device for destination")
	ErrTooManyDevice = errors.New("tern: device limit reached")
	ErrNoDNSServer   = errors.New("tern: no dns server configured")
	ErrHostUnknown   = errors.New("tern: host unknown")
	ErrTCPFilter     = errors.New("tern: tcp filters require DialTCP or ListenTCP")
	ErrPortInUse     = errors.New("tern: local port in use")
	ErrNotRunning    = errors.New("tern: device not running")
	ErrNotPermitted  = errors.New("tern: operation not permitted by connection mode")
	ErrConfigInvalid = errors.New("tern: invalid configuration")
)
