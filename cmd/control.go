package cmd

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"syscall"

	"firestige.xyz/tern/internal/config"
)

// ClientInterface is what the control commands need from a running daemon.
type ClientInterface interface {
	Stop(ctx context.Context) error
	Reload(ctx context.Context) error
	Status(ctx context.Context) ([]byte, error)
}

// cli is replaced by tests.
var cli ClientInterface

// SetClient injects the client used by the control commands.
func SetClient(c ClientInterface) {
	cli = c
}

// GetClient returns the injected client, if any.
func GetClient() ClientInterface {
	return cli
}

// client returns the injected client or one built from the config file.
func client() (ClientInterface, error) {
	if cli != nil {
		return cli, nil
	}
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}
	return newProcessClient(cfg), nil
}

// processClient signals the daemon named by its PID file and reads its
// status from the metrics listener.
type processClient struct {
	pidFile   string
	statusURL string
	http      *http.Client
}

func newProcessClient(cfg *config.GlobalConfig) *processClient {
	c := &processClient{pidFile: cfg.Control.PIDFile, http: http.DefaultClient}
	if cfg.Metrics.Enabled {
		host, port, err := net.SplitHostPort(cfg.Metrics.Listen)
		if err == nil {
			if host == "" || host == "0.0.0.0" || host == "::" {
				host = "127.0.0.1"
			}
			c.statusURL = "http://" + net.JoinHostPort(host, port) + "/status"
		}
	}
	return c
}

func (c *processClient) signal(sig syscall.Signal) error {
	data, err := os.ReadFile(c.pidFile)
	if err != nil {
		return fmt.Errorf("daemon is not running: %w", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return fmt.Errorf("invalid PID file %s", c.pidFile)
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	if err := p.Signal(sig); err != nil {
		return fmt.Errorf("signal pid %d: %w", pid, err)
	}
	return nil
}

func (c *processClient) Stop(context.Context) error   { return c.signal(syscall.SIGTERM) }
func (c *processClient) Reload(context.Context) error { return c.signal(syscall.SIGHUP) }

func (c *processClient) Status(ctx context.Context) ([]byte, error) {
	if c.statusURL == "" {
		return nil, fmt.Errorf("metrics server disabled, status unavailable")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.statusURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("daemon is not running: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status request: %s", resp.Status)
	}
	return io.ReadAll(resp.Body)
}
