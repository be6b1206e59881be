package pcapfile

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/tern/internal/core"
)

type recorder struct {
	mu     sync.Mutex
	frames [][]byte
}

func (r *recorder) Receive(frame []byte) {
	r.mu.Lock()
	r.frames = append(r.frames, append([]byte(nil), frame...))
	r.mu.Unlock()
}

func writeCapture(t *testing.T, path string, link layers.LinkType, frames ...[]byte) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	w := pcapgo.NewWriter(f)
	require.NoError(t, w.WriteFileHeader(snapLen, link))
	for _, fr := range frames {
		ci := gopacket.CaptureInfo{Timestamp: time.Now(), CaptureLength: len(fr), Length: len(fr)}
		require.NoError(t, w.WritePacket(ci, fr))
	}
}

func TestNewRequiresFiles(t *testing.T) {
	_, err := New(Config{Name: "eth0"})
	assert.Error(t, err)
	_, err = New(Config{Output: "x.pcap"})
	assert.Error(t, err)
}

func TestReplayInput(t *testing.T) {
	in := filepath.Join(t.TempDir(), "in.pcap")
	writeCapture(t, in, layers.LinkTypeEthernet, []byte{1, 2, 3}, []byte{4, 5, 6, 7})

	drv, err := New(Config{Name: "eth0", Input: in})
	require.NoError(t, err)
	rec := &recorder{}
	require.NoError(t, drv.Start(rec))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, drv.Wait(ctx))
	require.NoError(t, drv.Close())

	assert.Equal(t, uint64(2), drv.Replayed())
	assert.Equal(t, [][]byte{{1, 2, 3}, {4, 5, 6, 7}}, rec.frames)
}

func TestReplayRejectsOtherLinkTypes(t *testing.T) {
	in := filepath.Join(t.TempDir(), "raw.pcap")
	writeCapture(t, in, layers.LinkTypeRaw, []byte{0x45})

	drv, err := New(Config{Name: "eth0", Input: in})
	require.NoError(t, err)
	assert.Error(t, drv.Start(&recorder{}))
}

func TestRecordOutput(t *testing.T) {
	out := filepath.Join(t.TempDir(), "out.pcap")
	drv, err := New(Config{Name: "eth0", MAC: core.MAC{2, 0, 0, 0, 0, 1}, Output: out})
	require.NoError(t, err)
	require.NoError(t, drv.Start(&recorder{}))

	require.NoError(t, drv.Transmit([]byte{0xde, 0xad}))
	require.NoError(t, drv.Transmit([]byte{0xbe, 0xef, 0x00}))
	require.NoError(t, drv.Close())
	assert.Equal(t, uint64(2), drv.Written())

	f, err := os.Open(out)
	require.NoError(t, err)
	defer f.Close()
	r, err := pcapgo.NewReader(f)
	require.NoError(t, err)
	assert.Equal(t, layers.LinkTypeEthernet, r.LinkType())

	data, _, err := r.ReadPacketData()
	require.NoError(t, err)
	assert.Equal(t, []byte{0xde, 0xad}, data)
	data, _, err = r.ReadPacketData()
	require.NoError(t, err)
	assert.Equal(t, []byte{0xbe, 0xef, 0x00}, data)

	// Transmit after close is a no-op.
	assert.NoError(t, drv.Transmit([]byte{1}))
}
