package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestRunValidate(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(`
tern:
  hostname: edge-1
  devices:
    - name: lo1
      driver: loopback
      address: 127.0.1.1
`), 0644))

	var buf bytes.Buffer
	require.NoError(t, runValidate(path, &buf))
	assert.Contains(t, buf.String(), "# VALID")

	var out struct {
		Tern struct {
			Hostname string `yaml:"hostname"`
			Stack    struct {
				PollInterval string `yaml:"poll_interval"`
			} `yaml:"stack"`
			Devices []struct {
				Name    string `yaml:"name"`
				Netmask string `yaml:"netmask"`
			} `yaml:"devices"`
		} `yaml:"tern"`
	}
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &out))
	assert.Equal(t, "edge-1", out.Tern.Hostname)
	assert.Equal(t, "1ms", out.Tern.Stack.PollInterval)
	require.Len(t, out.Tern.Devices, 1)
	assert.Equal(t, "255.255.255.0", out.Tern.Devices[0].Netmask, "defaults are filled in")
}

func TestRunValidateRejects(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte("tern:\n  log:\n    level: loud\n"), 0644))
	assert.Error(t, runValidate(path, &bytes.Buffer{}))
}

func TestRunLab(t *testing.T) {
	pcap := filepath.Join(t.TempDir(), "lab.pcap")
	var buf bytes.Buffer
	err := runLab(&buf, labOptions{pcap: pcap, summary: true, domain: "lab", timeout: 5e9, logLevel: "error"})
	require.NoError(t, err, buf.String())

	out := buf.String()
	for _, step := range []string{"dhcp", "ping", "udp-echo", "tcp-echo", "dns-name", "dns-addr"} {
		assert.Contains(t, out, step)
	}
	assert.NotContains(t, out, "FAIL")
	assert.Contains(t, out, "ARP who-has")

	info, err := os.Stat(pcap)
	require.NoError(t, err)
	assert.Greater(t, info.Size(), int64(24), "capture holds frames after the file header")
}
