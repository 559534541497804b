package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/jiangwu1911/memtest/internal/gpu"
	"github.com/jiangwu1911/memtest/internal/system"
)

// Config represents the application configuration
type Config struct {
	Allocator AllocatorConfig `mapstructure:"allocator"`
	Device    DeviceConfig    `mapstructure:"device"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

type AllocatorConfig struct {
	IdleTimeout   time.Duration `mapstructure:"idle_timeout"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	Streams       int           `mapstructure:"streams"`
}

type DeviceConfig struct {
	Kind          string        `mapstructure:"kind"`
	HostLimitMB   int64         `mapstructure:"host_limit_mb"`
	DeviceLimitMB int64         `mapstructure:"device_limit_mb"`
	Latency       time.Duration `mapstructure:"latency"`
}

type LoggingConfig struct {
	Level   string `mapstructure:"level"`
	File    string `mapstructure:"file"`
	Console bool   `mapstructure:"console"`
}

// DefaultConfig returns configuration with default values
func DefaultConfig() *Config {
	return &Config{
		Allocator: AllocatorConfig{
			IdleTimeout:   5 * time.Second,
			SweepInterval: time.Second,
			Streams:       16,
		},
		Device: DeviceConfig{
			Kind:          "auto",
			HostLimitMB:   0,
			DeviceLimitMB: 2048,
			Latency:       0,
		},
		Logging: LoggingConfig{
			Level:   "info",
			File:    "",
			Console: true,
		},
	}
}

// Load loads configuration from file, environment, and defaults
func Load(cfgFile string) (*Config, error) {
	v := viper.New()

	cfg := DefaultConfig()
	setDefaults(v, cfg)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("finding home directory: %w", err)
		}

		v.AddConfigPath(filepath.Join(home, ".memtest"))
		v.AddConfigPath(".")
		v.SetConfigType("yaml")
		v.SetConfigName("config")
	}

	// MEMTEST_DEVICE_KIND, MEMTEST_ALLOCATOR_STREAMS, ...
	v.SetEnvPrefix("MEMTEST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	cfg.Logging.File = expandPath(cfg.Logging.File)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Allocator.IdleTimeout <= 0 {
		return errors.New("allocator.idle_timeout must be positive")
	}
	if c.Allocator.SweepInterval <= 0 || c.Allocator.SweepInterval > c.Allocator.IdleTimeout {
		return errors.New("allocator.sweep_interval must be positive and not exceed allocator.idle_timeout")
	}
	if c.Allocator.Streams < 1 || c.Allocator.Streams > 1024 {
		return errors.New("allocator.streams must be between 1 and 1024")
	}

	validKinds := []string{"auto", "cpu", "emulated", "cuda"}
	if !slices.Contains(validKinds, c.Device.Kind) {
		return fmt.Errorf("device.kind must be one of: %v", validKinds)
	}
	if c.Device.HostLimitMB < 0 || c.Device.DeviceLimitMB < 0 {
		return errors.New("device memory limits must not be negative")
	}
	if c.Device.Latency < 0 {
		return errors.New("device.latency must not be negative")
	}

	validLevels := []string{"debug", "info", "warn", "error"}
	if !slices.Contains(validLevels, c.Logging.Level) {
		return fmt.Errorf("logging.level must be one of: %v", validLevels)
	}

	return nil
}

// DeviceOptions converts the device section into gpu.Options. A zero host
// limit is derived from system RAM.
func (c *Config) DeviceOptions() gpu.Options {
	const mb = 1 << 20

	opts := gpu.Options{
		HostLimit:   c.Device.HostLimitMB * mb,
		DeviceLimit: c.Device.DeviceLimitMB * mb,
		Latency:     c.Device.Latency,
	}
	if opts.HostLimit == 0 {
		opts.HostLimit = system.DefaultHostLimit()
	}
	return opts
}

// YAML renders the configuration in the format Load reads
func (c *Config) YAML() ([]byte, error) {
	doc := map[string]any{
		"allocator": map[string]any{
			"idle_timeout":   c.Allocator.IdleTimeout.String(),
			"sweep_interval": c.Allocator.SweepInterval.String(),
			"streams":        c.Allocator.Streams,
		},
		"device": map[string]any{
			"kind":            c.Device.Kind,
			"host_limit_mb":   c.Device.HostLimitMB,
			"device_limit_mb": c.Device.DeviceLimitMB,
			"latency":         c.Device.Latency.String(),
		},
		"logging": map[string]any{
			"level":   c.Logging.Level,
			"file":    c.Logging.File,
			"console": c.Logging.Console,
		},
	}
	return yaml.Marshal(doc)
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return os.ExpandEnv(path)
}

func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("allocator.idle_timeout", cfg.Allocator.IdleTimeout)
	v.SetDefault("allocator.sweep_interval", cfg.Allocator.SweepInterval)
	v.SetDefault("allocator.streams", cfg.Allocator.Streams)

	v.SetDefault("device.kind", cfg.Device.Kind)
	v.SetDefault("device.host_limit_mb", cfg.Device.HostLimitMB)
	v.SetDefault("device.device_limit_mb", cfg.Device.DeviceLimitMB)
	v.SetDefault("device.latency", cfg.Device.Latency)

	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.file", cfg.Logging.File)
	v.SetDefault("logging.console", cfg.Logging.Console)
}
