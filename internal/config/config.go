package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Device   DeviceConfig   `yaml:"device"`
	Exchange ExchangeConfig `yaml:"exchange"`
	Output   OutputConfig   `yaml:"output"`
	LogLevel string         `yaml:"log_level"`
}

// DeviceConfig identifies the peripheral and how long to look for it.
type DeviceConfig struct {
	Address       string `yaml:"address"` // MAC on Linux/Windows, CoreBluetooth UUID on macOS
	ScanTimeoutMS int    `yaml:"scan_timeout_ms"`
}

// ExchangeConfig holds the command and connection policy.
type ExchangeConfig struct {
	Command        string `yaml:"command"` // Go escapes (\r, \n, \xNN) are interpreted
	ConnectDelayMS int    `yaml:"connect_delay_ms"`
	MaxRetries     int    `yaml:"max_retries"`
	TimeoutMS      int    `yaml:"timeout_ms"` // 0 = no overall deadline
}

// OutputConfig controls how results are printed.
type OutputConfig struct {
	Format string `yaml:"format"` // "text", "hex" or "yaml"
}

// ScanTimeout returns the scan timeout as a duration.
func (d DeviceConfig) ScanTimeout() time.Duration {
	return time.Duration(d.ScanTimeoutMS) * time.Millisecond
}

// ConnectDelay returns the pre-connect delay as a duration.
func (e ExchangeConfig) ConnectDelay() time.Duration {
	return time.Duration(e.ConnectDelayMS) * time.Millisecond
}

// Timeout returns the overall exchange timeout as a duration.
func (e ExchangeConfig) Timeout() time.Duration {
	return time.Duration(e.TimeoutMS) * time.Millisecond
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "bleuart")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		Device: DeviceConfig{
			ScanTimeoutMS: 10000,
		},
		Exchange: ExchangeConfig{
			ConnectDelayMS: 1000,
			MaxRetries:     3,
		},
		Output: OutputConfig{
			Format: "text",
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
	cfg.Device.Address = strings.TrimSpace(cfg.Device.Address)

	return cfg, nil
}

// Validate checks the config for invalid values. The device address and
// command may be supplied later on the command line, so they are checked by
// ValidateExchange instead.
func (c *Config) Validate() error {
	if c.Device.ScanTimeoutMS <= 0 {
		return fmt.Errorf("device.scan_timeout_ms must be > 0")
	}

	if c.Exchange.ConnectDelayMS < 0 {
		return fmt.Errorf("exchange.connect_delay_ms must be >= 0")
	}

	if c.Exchange.MaxRetries < 0 {
		return fmt.Errorf("exchange.max_retries must be >= 0")
	}

	if c.Exchange.TimeoutMS < 0 {
		return fmt.Errorf("exchange.timeout_ms must be >= 0")
	}

	switch c.Output.Format {
	case "text", "hex", "yaml":
	default:
		return fmt.Errorf("output.format must be \"text\", \"hex\" or \"yaml\", got %q", c.Output.Format)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	return nil
}

// ValidateExchange checks that everything needed to run an exchange is set.
func (c *Config) ValidateExchange() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.Device.Address == "" {
		return fmt.Errorf("device.address must not be empty")
	}
	if c.Exchange.Command == "" {
		return fmt.Errorf("exchange.command must not be empty")
	}
	return nil
}

// ParseLogLevel maps a config log level to a slog level. Unknown values
// map to info.
func ParseLogLevel(level string) slog.Level {
	switch level {
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

const defaultConfigTemplate = `# bleuart configuration
#
# device.address is the address printed by "bleuart -scan".
device:
  address: ""
  scan_timeout_ms: %d

exchange:
  # Command written to the UART RX characteristic. Go escapes are interpreted.
  command: ""
  # Delay before every connection attempt; lets the radio settle after scanning.
  connect_delay_ms: %d
  # Reconnection attempts before giving up on establishing a connection.
  max_retries: %d
  # Overall exchange deadline, 0 disables it.
  timeout_ms: %d

output:
  format: %s # text, hex or yaml

log_level: %s
`

// WriteDefault writes a commented default config to DefaultConfigPath. If a
// file already exists there it is left untouched and ("", nil) is returned.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}

	d := Default()
	content := fmt.Sprintf(defaultConfigTemplate,
		d.Device.ScanTimeoutMS,
		d.Exchange.ConnectDelayMS,
		d.Exchange.MaxRetries,
		d.Exchange.TimeoutMS,
		d.Output.Format,
		d.LogLevel,
	)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
}
