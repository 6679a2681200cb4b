// Package config handles global configuration loading using viper.
package config

import (
	"fmt"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/viper"

	"firestige.xyz/dpni/internal/core"
)

// GlobalConfig represents the top-level configuration.
// Maps to the `dpni:` root key in YAML.
type GlobalConfig struct {
	Log     LogConfig      `mapstructure:"log" yaml:"log"`
	Metrics MetricsConfig  `mapstructure:"metrics" yaml:"metrics"`
	DP      DPConfig       `mapstructure:"dp" yaml:"dp"`
	Devices []DeviceConfig `mapstructure:"devices" yaml:"devices"`
}

// ─── Log ───

// LogConfig contains logging settings.
type LogConfig struct {
	Level        string             `mapstructure:"level" yaml:"level"`     // trace / debug / info / warn / error
	Pattern      string             `mapstructure:"pattern" yaml:"pattern"` // %time %level %field %msg %caller %func %pid
	Time         string             `mapstructure:"time" yaml:"time"`       // Go time layout
	ReportCaller bool               `mapstructure:"report_caller" yaml:"report_caller"`
	File         FileAppenderConfig `mapstructure:"file" yaml:"file"`
}

// FileAppenderConfig configures the rotating file appender.
type FileAppenderConfig struct {
	Enabled    bool   `mapstructure:"enabled" yaml:"enabled"`
	Filename   string `mapstructure:"filename" yaml:"filename"`
	MaxSize    int    `mapstructure:"max_size" yaml:"max_size"` // MB
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge     int    `mapstructure:"max_age" yaml:"max_age"` // days
	Compress   bool   `mapstructure:"compress" yaml:"compress"`
}

// ─── Metrics ───

// MetricsConfig contains Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Listen  string `mapstructure:"listen" yaml:"listen"`
	Path    string `mapstructure:"path" yaml:"path"`
}

// ─── Device process transport ───

// DPConfig configures the shared segment and the I/O subprocess handshake.
type DPConfig struct {
	Signal        int           `mapstructure:"signal" yaml:"signal"`   // wakeup signal number
	Mlock         bool          `mapstructure:"mlock" yaml:"mlock"`     // pin the segment
	BufferIn      int           `mapstructure:"buffer_in" yaml:"buffer_in"`
	BufferOut     int           `mapstructure:"buffer_out" yaml:"buffer_out"`
	PollInterval  time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	AttachTimeout time.Duration `mapstructure:"attach_timeout" yaml:"attach_timeout"`
	SendTimeout   time.Duration `mapstructure:"send_timeout" yaml:"send_timeout"`
	RetryBudget   int           `mapstructure:"retry_budget" yaml:"retry_budget"`
	Debug         uint32        `mapstructure:"debug" yaml:"debug"`
}

// ─── Devices ───

// DeviceConfig describes one emulated network controller and its transport.
type DeviceConfig struct {
	Name              string                 `mapstructure:"name" yaml:"name"`
	Transport         string                 `mapstructure:"transport" yaml:"transport"` // afpacket | pcap | loopback
	Interface         string                 `mapstructure:"interface" yaml:"interface"`
	Options           map[string]interface{} `mapstructure:"options" yaml:"options,omitempty"`
	Promiscuous       bool                   `mapstructure:"promiscuous" yaml:"promiscuous"`
	TickInterval      time.Duration          `mapstructure:"tick_interval" yaml:"tick_interval"`
	StartupDelayTicks int                    `mapstructure:"startup_delay_ticks" yaml:"startup_delay_ticks"`
	MaxProtocols      int                    `mapstructure:"max_protocols" yaml:"max_protocols"`
	MaxMulticast      int                    `mapstructure:"max_multicast" yaml:"max_multicast"`
	Echo              EchoConfig             `mapstructure:"echo" yaml:"echo"`
}

// EchoConfig sizes the echo-suppression ring.
type EchoConfig struct {
	Size     int `mapstructure:"size" yaml:"size"`
	TTLTicks int `mapstructure:"ttl_ticks" yaml:"ttl_ticks"`
}

// Hard caps of the emulated hardware's tables.
const (
	MaxProtocolEntries  = 16
	MaxMulticastEntries = 16
)

// configRoot is the top-level wrapper matching the YAML structure `dpni: ...`.
type configRoot struct {
	DPNI GlobalConfig `mapstructure:"dpni"`
}

// Load loads configuration from file.
// Env vars map through the key replacer, e.g. "dpni.log.level" → DPNI_LOG_LEVEL.
func Load(path string) (*GlobalConfig, error) {
	v := viper.New()

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	var root configRoot
	if err := v.Unmarshal(&root); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg := root.DPNI

	if err := cfg.ValidateAndApplyDefaults(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// setDefaults sets default values for configuration.
func setDefaults(v *viper.Viper) {
	v.SetDefault("dpni.log.level", "info")
	v.SetDefault("dpni.log.time", "2006-01-02 15:04:05.000")
	v.SetDefault("dpni.log.file.enabled", false)
	v.SetDefault("dpni.log.file.filename", "/var/log/dpni/dpni.log")
	v.SetDefault("dpni.log.file.max_size", 100)
	v.SetDefault("dpni.log.file.max_backups", 5)
	v.SetDefault("dpni.log.file.max_age", 30)
	v.SetDefault("dpni.log.file.compress", true)

	v.SetDefault("dpni.metrics.enabled", false)
	v.SetDefault("dpni.metrics.listen", ":9092")
	v.SetDefault("dpni.metrics.path", "/metrics")

	v.SetDefault("dpni.dp.signal", int(syscall.SIGUSR1))
	v.SetDefault("dpni.dp.mlock", false)
	v.SetDefault("dpni.dp.buffer_in", 2048)
	v.SetDefault("dpni.dp.buffer_out", 2048)
	v.SetDefault("dpni.dp.poll_interval", "20ms")
	v.SetDefault("dpni.dp.attach_timeout", "5s")
	v.SetDefault("dpni.dp.send_timeout", "500ms")
	v.SetDefault("dpni.dp.retry_budget", 10)
}

// Default returns a configuration with every default applied and no devices.
func Default() *GlobalConfig {
	cfg := &GlobalConfig{
		Log: LogConfig{Level: "info"},
		Metrics: MetricsConfig{
			Listen: ":9092",
			Path:   "/metrics",
		},
		DP: DPConfig{
			Signal:        int(syscall.SIGUSR1),
			BufferIn:      2048,
			BufferOut:     2048,
			PollInterval:  20 * time.Millisecond,
			AttachTimeout: 5 * time.Second,
			SendTimeout:   500 * time.Millisecond,
			RetryBudget:   10,
		},
	}
	return cfg
}

// ValidateAndApplyDefaults validates configuration and applies per-device defaults.
func (cfg *GlobalConfig) ValidateAndApplyDefaults() error {
	validLevels := map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[cfg.Log.Level] {
		return fmt.Errorf("%w: log level %q (must be trace/debug/info/warn/error)", core.ErrConfigInvalid, cfg.Log.Level)
	}
	if cfg.Log.File.Enabled && cfg.Log.File.Filename == "" {
		return fmt.Errorf("%w: log.file.filename is required when log.file.enabled=true", core.ErrConfigInvalid)
	}

	if err := cfg.DP.validate(); err != nil {
		return err
	}

	seen := make(map[string]bool, len(cfg.Devices))
	for i := range cfg.Devices {
		d := &cfg.Devices[i]
		if err := d.applyDefaults(); err != nil {
			return fmt.Errorf("devices[%d]: %w", i, err)
		}
		if seen[d.Name] {
			return fmt.Errorf("%w: duplicate device name %q", core.ErrConfigInvalid, d.Name)
		}
		seen[d.Name] = true
	}
	return nil
}

// Device returns the named device section.
func (cfg *GlobalConfig) Device(name string) (*DeviceConfig, error) {
	for i := range cfg.Devices {
		if cfg.Devices[i].Name == name {
			return &cfg.Devices[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %s", core.ErrDeviceNotFound, name)
}

func (dp *DPConfig) validate() error {
	if dp.Signal <= 0 || dp.Signal >= 65 {
		return fmt.Errorf("%w: dp.signal %d out of range", core.ErrConfigInvalid, dp.Signal)
	}
	// The largest frame plus the 2-byte receive length prefix must fit.
	const minBuffer = 1518
	if dp.BufferIn < minBuffer || dp.BufferOut < minBuffer {
		return fmt.Errorf("%w: dp buffers must be at least %d bytes (in=%d out=%d)",
			core.ErrConfigInvalid, minBuffer, dp.BufferIn, dp.BufferOut)
	}
	if dp.PollInterval <= 0 {
		dp.PollInterval = 20 * time.Millisecond
	}
	if dp.AttachTimeout <= 0 {
		dp.AttachTimeout = 5 * time.Second
	}
	if dp.SendTimeout <= 0 {
		dp.SendTimeout = 500 * time.Millisecond
	}
	if dp.RetryBudget <= 0 {
		dp.RetryBudget = 10
	}
	return nil
}

func (d *DeviceConfig) applyDefaults() error {
	if d.Name == "" {
		return fmt.Errorf("%w: device name is required", core.ErrConfigInvalid)
	}
	if d.Transport == "" {
		d.Transport = "afpacket"
	}
	if d.Transport != "loopback" && d.Interface == "" {
		return fmt.Errorf("%w: device %s: interface is required for transport %s",
			core.ErrConfigInvalid, d.Name, d.Transport)
	}
	if d.TickInterval <= 0 {
		d.TickInterval = 50 * time.Millisecond
	}
	if d.StartupDelayTicks < 0 {
		d.StartupDelayTicks = 0
	}
	if d.MaxProtocols <= 0 || d.MaxProtocols > MaxProtocolEntries {
		d.MaxProtocols = MaxProtocolEntries
	}
	if d.MaxMulticast <= 0 || d.MaxMulticast > MaxMulticastEntries {
		d.MaxMulticast = MaxMulticastEntries
	}
	if d.Echo.Size <= 0 {
		d.Echo.Size = 32
	}
	if d.Echo.TTLTicks <= 0 {
		d.Echo.TTLTicks = 20
	}
	return nil
}
