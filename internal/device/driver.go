package device

import "firestige.xyz/tern/internal/core"

// Receiver accepts frames from a driver. Receive copies the frame and returns
// without blocking or allocating, so drivers may call it from any goroutine.
type Receiver interface {
	Receive(frame []byte)
}

// Driver is the capability interface a network adapter exposes to the engine.
type Driver interface {
	Name() string
	HardwareAddr() core.MAC
	LinkType() core.LinkType

	// Start begins delivering inbound frames to rx.
	Start(rx Receiver) error

	// Transmit sends one complete link-layer frame.
	Transmit(frame []byte) error

	// SetFlags turns driver-level flags (e.g. FlagPromiscuous) on or off.
	SetFlags(flags Flags, on bool) error

	Close() error
}
