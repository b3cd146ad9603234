// Package config loads and validates the srpblk configuration from file,
// environment, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/sanboot/srpblk/internal/scsi"
	"github.com/sanboot/srpblk/internal/srp"
)

// Config captures the static configuration of the srpblk tool.
//
// Configuration sources (in order of precedence):
//  1. CLI flags (highest priority)
//  2. Environment variables (SRPBLK_*)
//  3. Configuration file (YAML)
//  4. Default values (lowest priority)
type Config struct {
	// Logging controls log output behavior
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Session configures the SRP session: identities and addressing
	Session SessionConfig `mapstructure:"session" yaml:"session"`

	// Disk sizes the emulated target disk used by probe runs
	Disk DiskConfig `mapstructure:"disk" yaml:"disk"`

	// Metrics contains Prometheus metrics endpoint configuration
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level: DEBUG, INFO, WARN or ERROR
	Level string `mapstructure:"level" yaml:"level"`

	// Format is the output format: text or json
	Format string `mapstructure:"format" yaml:"format"`

	// Output is "stdout", "stderr", or a file path
	Output string `mapstructure:"output" yaml:"output"`
}

// SessionConfig configures the SRP session.
type SessionConfig struct {
	// Initiator is the 128-bit initiator port identifier as 32 hex digits,
	// with optional ':' separators. Empty picks a random identifier.
	Initiator string `mapstructure:"initiator" yaml:"initiator"`

	// Target is the 128-bit target port identifier.
	Target string `mapstructure:"target" yaml:"target"`

	// LUN is the logical unit to address, as up to four '-'-separated
	// 16-bit hex segments, e.g. "1-2-0-0".
	LUN string `mapstructure:"lun" yaml:"lun"`

	// MemoryHandle tags every memory descriptor sent to the target.
	MemoryHandle uint32 `mapstructure:"memory_handle" yaml:"memory_handle"`
}

// DiskConfig sizes the emulated disk.
type DiskConfig struct {
	// Blocks is the disk size in blocks
	Blocks uint64 `mapstructure:"blocks" yaml:"blocks"`

	// BlockSize is the block size in bytes, a power of two
	BlockSize uint32 `mapstructure:"block_size" yaml:"block_size"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	// Enabled turns the metrics HTTP listener on
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Address is the listen address, e.g. ":9090"
	Address string `mapstructure:"address" yaml:"address"`
}

// GetDefaultConfig returns a configuration with every default applied.
func GetDefaultConfig() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills in defaults for any zero-valued fields.
func ApplyDefaults(cfg *Config) {
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "INFO"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stderr"
	}

	if cfg.Session.Target == "" {
		cfg.Session.Target = "00000000:00000000:00000000:00000001"
	}
	if cfg.Session.LUN == "" {
		cfg.Session.LUN = "0"
	}
	if cfg.Session.MemoryHandle == 0 {
		cfg.Session.MemoryHandle = 1
	}

	if cfg.Disk.Blocks == 0 {
		cfg.Disk.Blocks = 2048
	}
	if cfg.Disk.BlockSize == 0 {
		cfg.Disk.BlockSize = 512
	}

	if cfg.Metrics.Address == "" {
		cfg.Metrics.Address = ":9090"
	}
}

// Validate checks the configuration for consistency.
func Validate(cfg *Config) error {
	switch strings.ToUpper(cfg.Logging.Level) {
	case "DEBUG", "INFO", "WARN", "ERROR":
	default:
		return fmt.Errorf("invalid logging level %q", cfg.Logging.Level)
	}

	switch strings.ToLower(cfg.Logging.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("invalid logging format %q", cfg.Logging.Format)
	}

	if cfg.Session.Initiator != "" {
		if _, err := srp.ParsePortID(cfg.Session.Initiator); err != nil {
			return fmt.Errorf("invalid initiator port ID: %w", err)
		}
	}
	if _, err := srp.ParsePortID(cfg.Session.Target); err != nil {
		return fmt.Errorf("invalid target port ID: %w", err)
	}
	if _, err := scsi.ParseLUN(cfg.Session.LUN); err != nil {
		return fmt.Errorf("invalid LUN: %w", err)
	}

	if cfg.Disk.Blocks == 0 {
		return fmt.Errorf("disk must have at least one block")
	}
	if cfg.Disk.BlockSize == 0 || cfg.Disk.BlockSize&(cfg.Disk.BlockSize-1) != 0 {
		return fmt.Errorf("block size %d is not a power of two", cfg.Disk.BlockSize)
	}

	return nil
}

// Load loads configuration from file, environment, and defaults.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (SRPBLK_*)
//  2. Configuration file
//  3. Default values
//
// An empty configPath uses the default location and falls back to pure
// defaults when no file exists there.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)

	configFileFound, err := readConfigFile(v)
	if err != nil {
		return nil, err
	}

	if !configFileFound {
		cfg := GetDefaultConfig()
		if err := Validate(cfg); err != nil {
			return nil, fmt.Errorf("configuration validation failed: %w", err)
		}
		return cfg, nil
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// setupViper configures environment variable support and config file search.
// Environment variables use the SRPBLK_ prefix with underscores, for example
// SRPBLK_LOGGING_LEVEL=DEBUG.
func setupViper(v *viper.Viper, configPath string) {
	v.SetEnvPrefix("SRPBLK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(getConfigDir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

// readConfigFile reads the configuration file if it exists. A missing file
// is not an error; the defaults apply.
func readConfigFile(v *viper.Viper) (bool, error) {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return false, nil
		}
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read config file: %w", err)
	}
	return true, nil
}

// getConfigDir returns $XDG_CONFIG_HOME/srpblk, falling back to
// ~/.config/srpblk.
func getConfigDir() string {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, "srpblk")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "srpblk")
}
