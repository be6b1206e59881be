// Package daemon implements the daemon lifecycle manager.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"firestige.xyz/tern/internal/config"
	"firestige.xyz/tern/internal/core"
	"firestige.xyz/tern/internal/device"
	"firestige.xyz/tern/internal/dhcp"
	"firestige.xyz/tern/internal/dns"
	"firestige.xyz/tern/internal/driver/loopback"
	"firestige.xyz/tern/internal/driver/pcapfile"
	logpkg "firestige.xyz/tern/internal/log"
	"firestige.xyz/tern/internal/metrics"
	"firestige.xyz/tern/internal/netstack"
)

// Daemon manages the tern process lifecycle.
type Daemon struct {
	// Configuration
	config     *config.GlobalConfig
	configPath string
	pidFile    string

	// Core components
	stack         *netstack.Stack
	dhcpClient    *dhcp.Client
	resolver      *dns.Resolver
	metricsServer *metrics.Server // nil if metrics disabled

	// Lifecycle management
	ctx          context.Context
	cancel       context.CancelFunc
	shutdownChan chan struct{}
	sigChan      chan os.Signal // promoted from Run() local for cleanup in Stop()
}

// New creates a new Daemon instance. An empty configPath runs on defaults;
// an empty pidFile falls back to control.pid_file.
func New(configPath, pidFile string) (*Daemon, error) {
	globalConfig := config.Default()
	if configPath != "" {
		var err error
		if globalConfig, err = config.Load(configPath); err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
	}
	if pidFile == "" {
		pidFile = globalConfig.Control.PIDFile
	}

	d := &Daemon{
		config:       globalConfig,
		configPath:   configPath,
		pidFile:      pidFile,
		shutdownChan: make(chan struct{}, 1),
	}
	d.ctx, d.cancel = context.WithCancel(context.Background())
	return d, nil
}

// Stack returns the running engine, nil before Start.
func (d *Daemon) Stack() *netstack.Stack { return d.stack }

// Resolver returns the DNS resolver, nil before Start.
func (d *Daemon) Resolver() *dns.Resolver { return d.resolver }

// Start initializes and starts all daemon components.
func (d *Daemon) Start() error {
	// 1. Initialize logging system
	if err := d.initLogging(); err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	slog.Info("starting tern daemon",
		"hostname", d.config.Hostname,
		"config", d.configPath,
		"devices", len(d.config.Devices),
	)

	// 2. Write PID file
	if err := d.writePIDFile(); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}

	// 3. Create the engine with its auto-configurer and resolver
	stack, err := netstack.New(stackConfig(d.config))
	if err != nil {
		d.removePIDFile()
		return fmt.Errorf("failed to create stack: %w", err)
	}
	d.stack = stack
	d.dhcpClient = dhcp.New(stack, dhcp.Config{ReplyTimeout: d.config.DHCP.ReplyTimeout})
	stack.SetAutoConfigurer(d.dhcpClient)
	d.resolver = dns.NewResolver(stack,
		dns.NewCache(d.config.DNS.CacheSize, nil),
		dns.Config{Timeout: d.config.DNS.Timeout},
	)

	// 4. Register configured devices
	devs := make([]*device.Device, 0, len(d.config.Devices))
	for _, dc := range d.config.Devices {
		dev, err := d.addDevice(dc)
		if err != nil {
			d.stack.Shutdown()
			d.removePIDFile()
			return fmt.Errorf("failed to add device %s: %w", dc.Name, err)
		}
		devs = append(devs, dev)
	}

	// 5. Start the dispatch loop; DHCP exchanges need it running
	d.stack.Start()

	// 6. Enable devices. A failed DHCP exchange leaves its device down but
	// does not stop the daemon.
	for _, dev := range devs {
		if err := d.stack.Enable(dev); err != nil {
			slog.Error("device not enabled", "device", dev.Name(), "error", err)
		}
	}

	// 7. Start metrics server
	if err := d.startMetrics(); err != nil {
		d.stack.Shutdown()
		d.removePIDFile()
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	slog.Info("daemon started successfully")
	return nil
}

// addDevice builds the driver and device described by dc and registers it.
func (d *Daemon) addDevice(dc config.DeviceConfig) (*device.Device, error) {
	var mac core.MAC
	if dc.MAC != "" {
		var err error
		if mac, err = core.ParseMAC(dc.MAC); err != nil {
			return nil, err
		}
	}

	var drv device.Driver
	switch dc.Driver {
	case "pcapfile":
		pd, err := pcapfile.New(pcapfile.Config{
			Name:   dc.Name,
			MAC:    mac,
			Input:  dc.Pcap.Input,
			Output: dc.Pcap.Output,
		})
		if err != nil {
			return nil, err
		}
		drv = pd
	default:
		drv = loopback.New(dc.Name)
	}

	dev := device.New(drv, d.stack.Config().Device)
	if dc.Address != "" {
		dev.SetAddressing(device.Addressing{
			Host:    config.Addr(dc.Address),
			Netmask: config.Addr(dc.Netmask),
			Gateway: config.Addr(dc.Gateway),
			DNS:     config.Addr(dc.DNS),
		})
	}
	if err := d.stack.AddDevice(dev); err != nil {
		return nil, err
	}
	if dc.Promiscuous {
		if err := dev.SetFlag(device.FlagPromiscuous, true); err != nil {
			return nil, err
		}
	}
	if dc.BPF != "" {
		prog, err := core.ParseProgram(dc.BPF)
		if err != nil {
			return nil, err
		}
		f := &core.Filter{}
		if err := f.SetProgram(prog); err != nil {
			return nil, err
		}
		if err := d.stack.SetIngressFilter(dev, f); err != nil {
			return nil, err
		}
	}
	slog.Info("device registered", "device", dev.Name(), "driver", dc.Driver, "dhcp", dc.DHCP)
	return dev, nil
}

// stackConfig maps the engine sections of cfg onto netstack.Config. The
// built-in loopback device is not counted against max_devices.
func stackConfig(cfg *config.GlobalConfig) netstack.Config {
	return netstack.Config{
		Hostname:     cfg.Hostname,
		Domain:       cfg.Domain,
		MaxDevices:   cfg.Stack.MaxDevices + 1,
		PollInterval: cfg.Stack.PollInterval,
		Device: device.Options{
			PoolSize:     cfg.Stack.PoolSize,
			QueueLength:  cfg.Stack.QueueLength,
			ARPCacheSize: cfg.Stack.ARPCacheSize,
		},
		StreamCapacity: cfg.Stack.StreamCapacity,
		ARPPending:     cfg.Stack.ARPPending,
		ARPTimeout:     cfg.Stack.ARPTimeout,
		ICMPRateLimit:  cfg.Stack.ICMPRateLimit,

		RetransQueue: cfg.TCP.RetransQueue,
		WaitQueue:    cfg.TCP.WaitQueue,
		SynTimeout:   cfg.TCP.SynTimeout,
		SynRetries:   cfg.TCP.SynRetries,
		CloseTimeout: cfg.TCP.CloseTimeout,
		WriteTimeout: cfg.TCP.WriteTimeout,

		AutoconfTimeout: cfg.DHCP.Timeout,
		RenewMargin:     cfg.DHCP.RenewMargin,
	}
}

// Stop performs graceful shutdown of all daemon components.
func (d *Daemon) Stop() {
	slog.Info("initiating graceful shutdown")

	// 1. Stop metrics server
	if d.metricsServer != nil {
		slog.Info("stopping metrics server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := d.metricsServer.Stop(shutdownCtx); err != nil {
			slog.Error("error stopping metrics server", "error", err)
		}
		d.metricsServer = nil
	}

	// 2. Stop the engine; leases are released before drivers close
	if d.stack != nil {
		slog.Info("stopping stack")
		if err := d.stack.Shutdown(); err != nil {
			slog.Error("error stopping stack", "error", err)
		}
		d.stack = nil
	}

	// 3. Cancel context to signal all goroutines
	d.cancel()

	// 4. Unregister signal handler to prevent goroutine leak
	if d.sigChan != nil {
		signal.Stop(d.sigChan)
	}

	// 5. Remove PID file
	if err := d.removePIDFile(); err != nil {
		slog.Error("error removing PID file", "error", err)
	}

	slog.Info("daemon stopped gracefully")

	// 6. Flush logs
	logpkg.Flush()
}

// Run runs the daemon main loop, blocking until shutdown is triggered.
// Shutdown can be triggered by:
//  1. OS signals (SIGTERM, SIGINT)
//  2. TriggerShutdown
//  3. SIGHUP triggers config reload
func (d *Daemon) Run() error {
	d.sigChan = make(chan os.Signal, 1)
	signal.Notify(d.sigChan, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)

	slog.Info("daemon running, waiting for signals")

	for {
		select {
		case sig := <-d.sigChan:
			switch sig {
			case syscall.SIGTERM, syscall.SIGINT:
				slog.Info("received shutdown signal", "signal", sig)
				d.Stop()
				return nil

			case syscall.SIGHUP:
				slog.Info("received reload signal")
				if err := d.Reload(); err != nil {
					slog.Error("failed to reload config", "error", err)
				}
			}

		case <-d.shutdownChan:
			slog.Info("shutdown triggered")
			d.Stop()
			return nil

		case <-d.ctx.Done():
			slog.Info("context cancelled", "error", d.ctx.Err())
			d.Stop()
			return d.ctx.Err()
		}
	}
}

// Reload reloads the global configuration.
// Hot-reloadable: log level/format, hostname, domain.
// Cold (requires restart): devices, engine sizing, metrics listen address.
func (d *Daemon) Reload() error {
	if d.configPath == "" {
		return errors.New("no config file to reload")
	}
	slog.Info("reloading configuration", "path", d.configPath)

	newConfig, err := config.Load(d.configPath)
	if err != nil {
		return fmt.Errorf("failed to load new config: %w", err)
	}
	old := d.config
	hotReloaded := []string{}

	// 1. Re-initialize logging with new config (log level + format)
	d.config = newConfig
	if err := d.initLogging(); err != nil {
		slog.Error("failed to reinitialize logging", "error", err)
	} else if newConfig.Log.Level != old.Log.Level || newConfig.Log.Format != old.Log.Format {
		hotReloaded = append(hotReloaded, "log")
	}

	// 2. Host and domain names
	if d.stack != nil {
		if newConfig.Hostname != old.Hostname {
			if err := d.stack.SetHostName(newConfig.Hostname); err != nil {
				slog.Warn("hostname not applied", "error", err)
			} else {
				hotReloaded = append(hotReloaded, "hostname")
			}
		}
		if newConfig.Domain != old.Domain {
			if err := d.stack.SetDomainName(newConfig.Domain); err != nil {
				slog.Warn("domain not applied", "error", err)
			} else {
				hotReloaded = append(hotReloaded, "domain")
			}
		}
	}

	// 3. Warn about cold-reload items that changed
	requiresRestart := []string{}
	if newConfig.Metrics.Listen != old.Metrics.Listen || newConfig.Metrics.Enabled != old.Metrics.Enabled {
		requiresRestart = append(requiresRestart, "metrics")
	}
	if newConfig.Stack != old.Stack || newConfig.TCP != old.TCP {
		requiresRestart = append(requiresRestart, "stack")
	}
	if !sameDevices(newConfig.Devices, old.Devices) {
		requiresRestart = append(requiresRestart, "devices")
	}

	slog.Info("configuration reloaded",
		"hot_reloaded", hotReloaded,
		"requires_restart", requiresRestart,
	)
	return nil
}

func sameDevices(a, b []config.DeviceConfig) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// TriggerShutdown triggers graceful shutdown from an external caller.
func (d *Daemon) TriggerShutdown() {
	select {
	case d.shutdownChan <- struct{}{}:
	default:
	}
}

// initLogging initializes the logging system from config.
func (d *Daemon) initLogging() error {
	if err := logpkg.Init(d.config.Log); err != nil {
		return err
	}

	// Update global slog default to use the configured logger
	slog.SetDefault(logpkg.Get())

	slog.Debug("logging initialized",
		"level", d.config.Log.Level,
		"format", d.config.Log.Format,
	)
	return nil
}

// startMetrics starts the metrics HTTP server if enabled.
func (d *Daemon) startMetrics() error {
	if !d.config.Metrics.Enabled {
		slog.Info("metrics server disabled")
		return nil
	}

	d.metricsServer = metrics.NewServer(d.config.Metrics.Listen, d.config.Metrics.Path,
		func() any { return d.stack.Status() })
	if err := d.metricsServer.Start(d.ctx); err != nil {
		d.metricsServer = nil
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	slog.Info("metrics server started",
		"addr", d.metricsServer.Addr(),
		"path", d.config.Metrics.Path,
	)
	return nil
}

// writePIDFile writes the current process ID to the PID file.
func (d *Daemon) writePIDFile() error {
	if d.pidFile == "" {
		return nil
	}

	pid := os.Getpid()
	data := []byte(strconv.Itoa(pid) + "\n")

	if err := os.WriteFile(d.pidFile, data, 0644); err != nil {
		return fmt.Errorf("failed to write PID file %s: %w", d.pidFile, err)
	}

	slog.Debug("PID file written", "path", d.pidFile, "pid", pid)
	return nil
}

// removePIDFile removes the PID file.
func (d *Daemon) removePIDFile() error {
	if d.pidFile == "" {
		return nil
	}

	if err := os.Remove(d.pidFile); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove PID file %s: %w", d.pidFile, err)
	}

	slog.Debug("PID file removed", "path", d.pidFile)
	return nil
}
