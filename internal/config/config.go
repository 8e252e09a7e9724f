package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/chaz8081/blecentral/internal/ble"
	"github.com/chaz8081/blecentral/internal/ble/protocol"
)

// Config holds all application configuration.
type Config struct {
	ServiceUUID     string                 `yaml:"service_uuid"`
	Characteristics []CharacteristicConfig `yaml:"characteristics"`
	Scan            ScanConfig             `yaml:"scan"`
	Connect         ConnectConfig          `yaml:"connect"`
	Transfer        TransferConfig         `yaml:"transfer"`
	BlueZ           BlueZConfig            `yaml:"bluez"`
	LogLevel        string                 `yaml:"log_level"`
}

// CharacteristicConfig names one characteristic to resolve on connect.
type CharacteristicConfig struct {
	UUID         string   `yaml:"uuid"`
	Capabilities []string `yaml:"capabilities"` // read, write, write-without-response, notify, indicate
}

// ScanConfig holds scanning settings.
type ScanConfig struct {
	Duration        time.Duration `yaml:"duration"`
	AllowDuplicates bool          `yaml:"allow_duplicates"`
}

// ConnectConfig holds connection settings.
type ConnectConfig struct {
	Timeout      time.Duration `yaml:"timeout"` // 0 disables
	Reconnect    bool          `yaml:"reconnect"`
	ReconnectMax int           `yaml:"reconnect_max"` // seconds
}

// TransferConfig holds outbound write settings.
type TransferConfig struct {
	InterChunkDelay  time.Duration `yaml:"inter_chunk_delay"`
	DefaultChunkSize int           `yaml:"default_chunk_size"` // used when the MTU cannot be read
}

// BlueZConfig holds Linux-only settings.
type BlueZConfig struct {
	Adapter    string `yaml:"adapter"`
	WatchPower bool   `yaml:"watch_power"`
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "blecentral")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values. The characteristic
// set matches the Particle UART firmware: a write-only RX and a
// read/notify TX.
func Default() *Config {
	return &Config{
		ServiceUUID: ble.NUSServiceUUID,
		Characteristics: []CharacteristicConfig{
			{UUID: ble.NUSRXCharUUID, Capabilities: []string{"write"}},
			{UUID: ble.NUSTXCharUUID, Capabilities: []string{"read", "notify"}},
		},
		Scan: ScanConfig{
			Duration: 10 * time.Second,
		},
		Connect: ConnectConfig{
			Timeout:      15 * time.Second,
			ReconnectMax: 30,
		},
		Transfer: TransferConfig{
			DefaultChunkSize: protocol.DefaultChunkSize,
		},
		BlueZ: BlueZConfig{
			Adapter:    "hci0",
			WatchPower: true,
		},
		LogLevel: "info",
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	return cfg, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	if c.ServiceUUID == "" {
		return fmt.Errorf("service_uuid must not be empty")
	}

	if len(c.Characteristics) == 0 {
		return fmt.Errorf("characteristics must not be empty")
	}
	seen := make(map[string]bool)
	for i, ch := range c.Characteristics {
		d, err := ch.Descriptor()
		if err != nil {
			return fmt.Errorf("characteristics[%d]: %w", i, err)
		}
		if seen[d.Key()] {
			return fmt.Errorf("characteristics[%d]: duplicate uuid %q", i, ch.UUID)
		}
		seen[d.Key()] = true
	}

	if c.Scan.Duration <= 0 {
		return fmt.Errorf("scan.duration must be > 0")
	}
	if c.Connect.Timeout < 0 {
		return fmt.Errorf("connect.timeout must be >= 0")
	}
	if c.Connect.Reconnect && c.Connect.ReconnectMax <= 0 {
		return fmt.Errorf("connect.reconnect_max must be > 0 when reconnect is enabled")
	}
	if c.Transfer.InterChunkDelay < 0 {
		return fmt.Errorf("transfer.inter_chunk_delay must be >= 0")
	}
	if c.Transfer.DefaultChunkSize < 0 {
		return fmt.Errorf("transfer.default_chunk_size must be >= 0")
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	return nil
}

// Descriptor converts the entry into a characteristic descriptor.
func (c CharacteristicConfig) Descriptor() (ble.CharacteristicDescriptor, error) {
	if c.UUID == "" {
		return ble.CharacteristicDescriptor{}, fmt.Errorf("uuid must not be empty")
	}
	caps, err := ble.ParseCapabilities(c.Capabilities)
	if err != nil {
		return ble.CharacteristicDescriptor{}, err
	}
	return ble.CharacteristicDescriptor{UUID: c.UUID, Capabilities: caps}, nil
}

// Descriptors converts every configured characteristic.
func (c *Config) Descriptors() ([]ble.CharacteristicDescriptor, error) {
	out := make([]ble.CharacteristicDescriptor, 0, len(c.Characteristics))
	for i, ch := range c.Characteristics {
		d, err := ch.Descriptor()
		if err != nil {
			return nil, fmt.Errorf("characteristics[%d]: %w", i, err)
		}
		out = append(out, d)
	}
	return out, nil
}

// ParseLogLevel maps a log_level value to a slog level. Unknown values
// fall back to info.
func ParseLogLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

const defaultHeader = "# blecentral configuration\n# Durations use Go syntax, e.g. 10s, 250ms.\n\n"

// WriteDefault writes the default config to DefaultConfigPath if no file
// exists there. It returns the path written, or "" if a file already existed.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}

	data, err := yaml.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("encoding default config: %w", err)
	}
	if err := os.WriteFile(path, append([]byte(defaultHeader), data...), 0644); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
}
