// Package config handles global configuration loading using viper.
package config

import (
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/spf13/viper"

	"firestige.xyz/tern/internal/core"
)

// GlobalConfig represents the top-level configuration.
// Maps to the `tern:` root key in YAML.
type GlobalConfig struct {
	Hostname string         `mapstructure:"hostname" yaml:"hostname"`
	Domain   string         `mapstructure:"domain" yaml:"domain"`
	Control  ControlConfig  `mapstructure:"control" yaml:"control"`
	Log      LogConfig      `mapstructure:"log" yaml:"log"`
	Metrics  MetricsConfig  `mapstructure:"metrics" yaml:"metrics"`
	Stack    StackConfig    `mapstructure:"stack" yaml:"stack"`
	TCP      TCPConfig      `mapstructure:"tcp" yaml:"tcp"`
	DHCP     DHCPConfig     `mapstructure:"dhcp" yaml:"dhcp"`
	DNS      DNSConfig      `mapstructure:"dns" yaml:"dns"`
	Devices  []DeviceConfig `mapstructure:"devices" yaml:"devices"`
}

// ─── Control ───

// ControlConfig contains local process control settings.
type ControlConfig struct {
	PIDFile string `mapstructure:"pid_file" yaml:"pid_file"`
}

// ─── Engine ───

// StackConfig sizes the engine's fixed resources.
type StackConfig struct {
	MaxDevices     int           `mapstructure:"max_devices" yaml:"max_devices"`
	PollInterval   time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	PoolSize       int           `mapstructure:"pool_size" yaml:"pool_size"`       // packets per device
	QueueLength    int           `mapstructure:"queue_length" yaml:"queue_length"` // inbound and outbound
	StreamCapacity int           `mapstructure:"stream_capacity" yaml:"stream_capacity"`
	ARPCacheSize   int           `mapstructure:"arp_cache_size" yaml:"arp_cache_size"`
	ARPPending     int           `mapstructure:"arp_pending" yaml:"arp_pending"`
	ARPTimeout     time.Duration `mapstructure:"arp_timeout" yaml:"arp_timeout"`
	ICMPRateLimit  int           `mapstructure:"icmp_rate_limit" yaml:"icmp_rate_limit"` // echo replies per source per second, 0 = unlimited
}

// TCPConfig tunes the TCP engine.
type TCPConfig struct {
	RetransQueue int           `mapstructure:"retrans_queue" yaml:"retrans_queue"`
	WaitQueue    int           `mapstructure:"wait_queue" yaml:"wait_queue"`
	SynTimeout   time.Duration `mapstructure:"syn_timeout" yaml:"syn_timeout"`
	SynRetries   int           `mapstructure:"syn_retries" yaml:"syn_retries"`
	CloseTimeout time.Duration `mapstructure:"close_timeout" yaml:"close_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
}

// DHCPConfig tunes the DHCP client.
type DHCPConfig struct {
	Timeout      time.Duration `mapstructure:"timeout" yaml:"timeout"`
	ReplyTimeout time.Duration `mapstructure:"reply_timeout" yaml:"reply_timeout"`
	RenewMargin  time.Duration `mapstructure:"renew_margin" yaml:"renew_margin"`
}

// DNSConfig tunes the resolver.
type DNSConfig struct {
	Timeout   time.Duration `mapstructure:"timeout" yaml:"timeout"`
	CacheSize int           `mapstructure:"cache_size" yaml:"cache_size"`
}

// DeviceConfig describes one network device and its driver.
type DeviceConfig struct {
	Name        string     `mapstructure:"name" yaml:"name"`
	Driver      string     `mapstructure:"driver" yaml:"driver"` // loopback | pcapfile
	MAC         string     `mapstructure:"mac" yaml:"mac"`
	Address     string     `mapstructure:"address" yaml:"address"`
	Netmask     string     `mapstructure:"netmask" yaml:"netmask"`
	Gateway     string     `mapstructure:"gateway" yaml:"gateway"`
	DNS         string     `mapstructure:"dns" yaml:"dns"`
	DHCP        bool       `mapstructure:"dhcp" yaml:"dhcp"`
	Promiscuous bool       `mapstructure:"promiscuous" yaml:"promiscuous"`
	Pcap        PcapConfig `mapstructure:"pcap" yaml:"pcap"`
	BPF         string     `mapstructure:"bpf" yaml:"bpf"` // raw instructions, "code jt jf k" per line
}

// PcapConfig names the capture files of a pcapfile device.
type PcapConfig struct {
	Input  string `mapstructure:"input" yaml:"input"`
	Output string `mapstructure:"output" yaml:"output"`
}

// ─── Metrics ───

// MetricsConfig contains Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Listen  string `mapstructure:"listen" yaml:"listen"`
	Path    string `mapstructure:"path" yaml:"path"`
}

// ─── Log ───

// LogConfig contains logging settings.
type LogConfig struct {
	Level   string           `mapstructure:"level" yaml:"level"`   // debug / info / warn / error
	Format  string           `mapstructure:"format" yaml:"format"` // json / text
	Outputs LogOutputsConfig `mapstructure:"outputs" yaml:"outputs"`
}

// LogOutputsConfig contains structured log output destinations.
type LogOutputsConfig struct {
	File FileOutputConfig `mapstructure:"file" yaml:"file"`
}

// FileOutputConfig configures file log output.
type FileOutputConfig struct {
	Enabled  bool           `mapstructure:"enabled" yaml:"enabled"`
	Path     string         `mapstructure:"path" yaml:"path"`
	Rotation RotationConfig `mapstructure:"rotation" yaml:"rotation"`
}

// RotationConfig configures log file rotation.
type RotationConfig struct {
	MaxSizeMB  int  `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxAgeDays int  `mapstructure:"max_age_days" yaml:"max_age_days"`
	MaxBackups int  `mapstructure:"max_backups" yaml:"max_backups"`
	Compress   bool `mapstructure:"compress" yaml:"compress"`
}

// ─── Loading ───

// configRoot is the top-level wrapper matching the YAML structure `tern: ...`.
type configRoot struct {
	Tern GlobalConfig `mapstructure:"tern"`
}

// Load loads configuration from file.
// The YAML file uses `tern:` as root key; env vars use the TERN_ prefix
// (e.g., TERN_LOG_LEVEL).
func Load(path string) (*GlobalConfig, error) {
	v := viper.New()

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// The `tern.` key prefix maps to `TERN_` through the replacer.
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	var root configRoot
	if err := v.Unmarshal(&root); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg := root.Tern

	if err := cfg.ValidateAndApplyDefaults(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *GlobalConfig {
	v := viper.New()
	setDefaults(v)
	var root configRoot
	// Defaults alone always decode.
	_ = v.Unmarshal(&root)
	cfg := root.Tern
	_ = cfg.ValidateAndApplyDefaults()
	return &cfg
}

// setDefaults sets default values for configuration.
// All keys use the "tern." prefix to match the YAML root wrapper.
func setDefaults(v *viper.Viper) {
	v.SetDefault("tern.hostname", "tern")
	v.SetDefault("tern.control.pid_file", "/var/run/tern.pid")

	// Log defaults
	v.SetDefault("tern.log.level", "info")
	v.SetDefault("tern.log.format", "json")
	v.SetDefault("tern.log.outputs.file.enabled", false)
	v.SetDefault("tern.log.outputs.file.path", "/var/log/tern/tern.log")
	v.SetDefault("tern.log.outputs.file.rotation.max_size_mb", 100)
	v.SetDefault("tern.log.outputs.file.rotation.max_age_days", 30)
	v.SetDefault("tern.log.outputs.file.rotation.max_backups", 5)
	v.SetDefault("tern.log.outputs.file.rotation.compress", true)

	// Metrics defaults
	v.SetDefault("tern.metrics.enabled", true)
	v.SetDefault("tern.metrics.listen", ":9092")
	v.SetDefault("tern.metrics.path", "/metrics")

	// Engine defaults
	v.SetDefault("tern.stack.max_devices", 16)
	v.SetDefault("tern.stack.poll_interval", "1ms")
	v.SetDefault("tern.stack.pool_size", 256)
	v.SetDefault("tern.stack.queue_length", 256)
	v.SetDefault("tern.stack.stream_capacity", 65535)
	v.SetDefault("tern.stack.arp_cache_size", 64)
	v.SetDefault("tern.stack.arp_pending", 32)
	v.SetDefault("tern.stack.arp_timeout", "3s")
	v.SetDefault("tern.stack.icmp_rate_limit", 100)

	v.SetDefault("tern.tcp.retrans_queue", 64)
	v.SetDefault("tern.tcp.wait_queue", 64)
	v.SetDefault("tern.tcp.syn_timeout", "3s")
	v.SetDefault("tern.tcp.syn_retries", 3)
	v.SetDefault("tern.tcp.close_timeout", "10s")
	v.SetDefault("tern.tcp.write_timeout", "10s")

	v.SetDefault("tern.dhcp.timeout", "10s")
	v.SetDefault("tern.dhcp.reply_timeout", "1500ms")
	v.SetDefault("tern.dhcp.renew_margin", "60s")

	v.SetDefault("tern.dns.timeout", "5s")
	v.SetDefault("tern.dns.cache_size", 256)
}

var validDrivers = map[string]bool{"loopback": true, "pcapfile": true}

// ValidateAndApplyDefaults validates configuration and fills per-device
// defaults.
func (cfg *GlobalConfig) ValidateAndApplyDefaults() error {
	// ── Log validation ──
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[cfg.Log.Level] {
		return fmt.Errorf("invalid log level: %s (must be debug/info/warn/error)", cfg.Log.Level)
	}
	if cfg.Log.Format != "json" && cfg.Log.Format != "text" {
		return fmt.Errorf("invalid log format: %s (must be json/text)", cfg.Log.Format)
	}

	// ── Names ──
	if len(cfg.Hostname) > 32 {
		return fmt.Errorf("%w: hostname longer than 32 bytes", core.ErrConfigInvalid)
	}
	if len(cfg.Domain) > 224 {
		return fmt.Errorf("%w: domain longer than 224 bytes", core.ErrConfigInvalid)
	}

	// ── Engine sizing ──
	if cfg.Stack.MaxDevices <= 0 || cfg.Stack.PoolSize <= 0 || cfg.Stack.QueueLength <= 0 {
		return fmt.Errorf("%w: stack.max_devices, pool_size and queue_length must be positive", core.ErrConfigInvalid)
	}
	if cfg.Stack.StreamCapacity <= 0 || cfg.Stack.StreamCapacity > 65535 {
		return fmt.Errorf("%w: stack.stream_capacity must be within 1..65535", core.ErrConfigInvalid)
	}
	if cfg.TCP.SynRetries <= 0 {
		return fmt.Errorf("%w: tcp.syn_retries must be positive", core.ErrConfigInvalid)
	}

	// ── Devices ──
	if len(cfg.Devices) > cfg.Stack.MaxDevices {
		return fmt.Errorf("%w: %d devices configured, max_devices is %d", core.ErrTooManyDevice, len(cfg.Devices), cfg.Stack.MaxDevices)
	}
	seen := make(map[string]bool, len(cfg.Devices))
	for i := range cfg.Devices {
		if err := cfg.Devices[i].validate(); err != nil {
			return fmt.Errorf("devices[%d]: %w", i, err)
		}
		if seen[cfg.Devices[i].Name] {
			return fmt.Errorf("%w: duplicate device name %q", core.ErrConfigInvalid, cfg.Devices[i].Name)
		}
		seen[cfg.Devices[i].Name] = true
	}

	return nil
}

func (d *DeviceConfig) validate() error {
	if d.Driver == "" {
		d.Driver = "loopback"
	}
	if !validDrivers[d.Driver] {
		return fmt.Errorf("%w: unsupported driver %q (must be loopback/pcapfile)", core.ErrConfigInvalid, d.Driver)
	}
	if d.Name == "" {
		return fmt.Errorf("%w: device name is required", core.ErrConfigInvalid)
	}
	if d.MAC != "" {
		if _, err := core.ParseMAC(d.MAC); err != nil {
			return fmt.Errorf("%w: mac %q: %v", core.ErrConfigInvalid, d.MAC, err)
		}
	}
	for field, s := range map[string]string{
		"address": d.Address,
		"netmask": d.Netmask,
		"gateway": d.Gateway,
		"dns":     d.DNS,
	} {
		if s == "" {
			continue
		}
		if a, err := netip.ParseAddr(s); err != nil || !a.Is4() {
			return fmt.Errorf("%w: %s %q is not an IPv4 address", core.ErrConfigInvalid, field, s)
		}
	}
	if d.Address != "" && d.Netmask == "" {
		d.Netmask = "255.255.255.0"
	}
	if d.Driver == "pcapfile" && d.Pcap.Input == "" && d.Pcap.Output == "" {
		return fmt.Errorf("%w: pcapfile driver needs pcap.input or pcap.output", core.ErrConfigInvalid)
	}
	if d.Driver == "loopback" && d.DHCP {
		return fmt.Errorf("%w: dhcp is not available on loopback", core.ErrConfigInvalid)
	}
	return nil
}

// Addr parses an already validated address field, returning the zero Addr
// when unset.
func Addr(s string) netip.Addr {
	a, _ := netip.ParseAddr(s)
	return a
}
