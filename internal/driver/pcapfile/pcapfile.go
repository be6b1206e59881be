// Package pcapfile implements a driver backed by capture files. Frames read
// from the input file are replayed into the engine; transmitted frames are
// appended to the output file.
package pcapfile

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"firestige.xyz/tern/internal/core"
	"firestige.xyz/tern/internal/device"
)

const snapLen = 65535

// Config describes the capture files of one device.
type Config struct {
	Name   string
	MAC    core.MAC
	Input  string        // replayed on Start; empty = no inbound traffic
	Output string        // transmitted frames; empty = discard
	Pace   time.Duration // delay between replayed frames
}

// Driver replays and records Ethernet frames.
type Driver struct {
	cfg Config

	mu     sync.Mutex
	out    *os.File
	writer *pcapgo.Writer

	cancel context.CancelFunc
	done   chan struct{}

	replayed, written atomic.Uint64
}

// New validates cfg and returns an unstarted driver.
func New(cfg Config) (*Driver, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("pcapfile: name is required")
	}
	if cfg.Input == "" && cfg.Output == "" {
		return nil, fmt.Errorf("pcapfile: input or output is required")
	}
	return &Driver{cfg: cfg}, nil
}

func (d *Driver) Name() string            { return d.cfg.Name }
func (d *Driver) HardwareAddr() core.MAC  { return d.cfg.MAC }
func (d *Driver) LinkType() core.LinkType { return core.LinkEthernet }

// Start opens the output file and begins replaying the input file.
func (d *Driver) Start(rx device.Receiver) error {
	if d.cfg.Output != "" {
		f, err := os.Create(d.cfg.Output)
		if err != nil {
			return fmt.Errorf("pcapfile: create %s: %w", d.cfg.Output, err)
		}
		w := pcapgo.NewWriter(f)
		if err := w.WriteFileHeader(snapLen, layers.LinkTypeEthernet); err != nil {
			f.Close()
			return fmt.Errorf("pcapfile: write header: %w", err)
		}
		d.mu.Lock()
		d.out, d.writer = f, w
		d.mu.Unlock()
	}

	if d.cfg.Input == "" {
		return nil
	}
	in, err := os.Open(d.cfg.Input)
	if err != nil {
		return fmt.Errorf("pcapfile: open %s: %w", d.cfg.Input, err)
	}
	r, err := pcapgo.NewReader(in)
	if err != nil {
		in.Close()
		return fmt.Errorf("pcapfile: read header of %s: %w", d.cfg.Input, err)
	}
	if r.LinkType() != layers.LinkTypeEthernet {
		in.Close()
		return fmt.Errorf("pcapfile: %s has link type %s, want Ethernet", d.cfg.Input, r.LinkType())
	}

	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.done = make(chan struct{})
	go d.replay(ctx, in, r, rx)
	return nil
}

func (d *Driver) replay(ctx context.Context, in io.Closer, r *pcapgo.Reader, rx device.Receiver) {
	defer close(d.done)
	defer in.Close()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		data, _, err := r.ReadPacketData()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				slog.Warn("pcap replay stopped", "device", d.cfg.Name, "error", err)
			}
			slog.Debug("pcap replay finished", "device", d.cfg.Name, "frames", d.replayed.Load())
			return
		}
		rx.Receive(data)
		d.replayed.Add(1)

		if d.cfg.Pace > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(d.cfg.Pace):
			}
		}
	}
}

// Transmit appends frame to the output file.
func (d *Driver) Transmit(frame []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.writer == nil {
		return nil
	}
	ci := gopacket.CaptureInfo{
		Timestamp:     time.Now(),
		CaptureLength: len(frame),
		Length:        len(frame),
	}
	if err := d.writer.WritePacket(ci, frame); err != nil {
		return fmt.Errorf("pcapfile: write: %w", err)
	}
	d.written.Add(1)
	return nil
}

// SetFlags accepts every flag; a capture file already holds everything.
func (d *Driver) SetFlags(device.Flags, bool) error { return nil }

// Close stops replay and closes the output file.
func (d *Driver) Close() error {
	if d.cancel != nil {
		d.cancel()
		<-d.done
		d.cancel = nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.out == nil {
		return nil
	}
	err := d.out.Close()
	d.out, d.writer = nil, nil
	return err
}

// Replayed returns the number of frames read from the input file.
func (d *Driver) Replayed() uint64 { return d.replayed.Load() }

// Written returns the number of frames written to the output file.
func (d *Driver) Written() uint64 { return d.written.Load() }

// Wait blocks until replay has consumed the input file or ctx ends.
func (d *Driver) Wait(ctx context.Context) error {
	if d.done == nil {
		return nil
	}
	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
