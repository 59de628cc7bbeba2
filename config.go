package accessory

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// DefaultExpectedSerial is the accessory identity accepted when none is
// configured.
const DefaultExpectedSerial = "1123456789"

// Permission modes.
const (
	PermissionPolkit = "polkit"
	PermissionManual = "manual"
)

// Config holds the settings of a Manager and of the stock collaborators.
type Config struct {
	// ExpectedSerial is the only accessory serial allowed to connect.
	ExpectedSerial string `yaml:"expected_serial"`

	// Device is an explicit tty path. When set, only that node is reported,
	// whether or not the enumerator sees it as a USB port.
	Device string `yaml:"device"`

	// VendorID and ProductID restrict enumeration (hex, e.g. "18d1").
	VendorID  string `yaml:"vendor_id"`
	ProductID string `yaml:"product_id"`

	BaudRate int `yaml:"baud_rate"`

	// ReadBufferSize is the maximum chunk size delivered per read.
	ReadBufferSize int `yaml:"read_buffer_size"`

	// DiscoveryTimeout bounds one discovery pass (0 = no timeout).
	DiscoveryTimeout time.Duration `yaml:"discovery_timeout"`

	// Permission selects the permission provider: "polkit" or "manual".
	Permission   string `yaml:"permission"`
	PolkitAction string `yaml:"polkit_action"`

	// WatchDetach arms a device-node watcher while connected.
	WatchDetach bool `yaml:"watch_detach"`

	LogLevel string `yaml:"log_level"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		ExpectedSerial:   DefaultExpectedSerial,
		BaudRate:         115200,
		ReadBufferSize:   1024,
		DiscoveryTimeout: 2 * time.Second,
		Permission:       PermissionManual,
		PolkitAction:     DefaultPolkitAction,
		WatchDetach:      true,
		LogLevel:         "info",
	}
}

// LoadConfig reads a YAML file on top of DefaultConfig and validates it.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks the configuration for values a Manager cannot work with.
func (c Config) Validate() error {
	if c.ExpectedSerial == "" {
		return fmt.Errorf("%w: expected_serial is required", ErrInvalidConfig)
	}
	if c.ReadBufferSize <= 0 {
		return fmt.Errorf("%w: read_buffer_size must be positive, got %d", ErrInvalidConfig, c.ReadBufferSize)
	}
	if c.DiscoveryTimeout < 0 {
		return fmt.Errorf("%w: discovery_timeout must not be negative", ErrInvalidConfig)
	}
	switch c.Permission {
	case PermissionPolkit, PermissionManual:
	default:
		return fmt.Errorf("%w: unknown permission mode %q", ErrInvalidConfig, c.Permission)
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("%w: log_level: %v", ErrInvalidConfig, err)
	}
	return nil
}

// Level returns the configured log level, defaulting to info.
func (c Config) Level() zerolog.Level {
	lvl, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}
