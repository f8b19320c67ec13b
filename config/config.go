// Package config provides configuration for the si daemon.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds daemon configuration.
type Config struct {
	// Listen is the address to listen on (e.g., ":7448").
	Listen string
	// Data is the directory holding the database file.
	Data string
	// SweepInterval is the pause between object reclamation passes.
	SweepInterval time.Duration
	// SweepDisable turns background reclamation off.
	SweepDisable bool
	// FuncEndpoint is the function execution service URL; empty disables
	// the execute endpoint.
	FuncEndpoint string
	// MaxPackSize is the maximum allowed pack size in bytes.
	MaxPackSize int64
	// EventBuffer is the per-subscriber event buffer capacity.
	EventBuffer int
	// ApplyRetries bounds how often one apply chases a moving baseline.
	ApplyRetries int
	// Debug enables debug logging.
	Debug bool
	// Version is the daemon version string.
	Version string
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Listen:        ":7448",
		Data:          "./data",
		SweepInterval: 10 * time.Minute,
		MaxPackSize:   256 * 1024 * 1024, // 256MB
		EventBuffer:   256,
		ApplyRetries:  5,
		Version:       "0.1.0",
	}
}

// FromEnv creates a Config from environment variables over the defaults.
func FromEnv() *Config {
	cfg := Default()
	cfg.applyEnv()
	return cfg
}

// Load layers an optional YAML file between the defaults and the
// environment: file values override defaults, env values override the
// file. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		var f fileConfig
		if err := yaml.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
		if err := f.mergeInto(cfg); err != nil {
			return nil, fmt.Errorf("config file %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

// FromArgs creates a Config from explicit values, with file and env
// fallbacks. Empty arguments keep the loaded values.
func FromArgs(path, listen, data string) (*Config, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	if listen != "" {
		cfg.Listen = listen
	}
	if data != "" {
		cfg.Data = data
	}
	return cfg, nil
}

// DBPath is the SQLite file inside the data directory.
func (c *Config) DBPath() string {
	return filepath.Join(c.Data, "si.db")
}

// fileConfig is the YAML shape; pointer fields distinguish absent keys
// from zero values.
type fileConfig struct {
	Listen        *string `yaml:"listen"`
	Data          *string `yaml:"data"`
	SweepInterval *string `yaml:"sweep_interval"`
	SweepDisable  *bool   `yaml:"sweep_disable"`
	FuncEndpoint  *string `yaml:"func_endpoint"`
	MaxPackSize   *int64  `yaml:"max_pack_size"`
	EventBuffer   *int    `yaml:"event_buffer"`
	ApplyRetries  *int    `yaml:"apply_retries"`
	Debug         *bool   `yaml:"debug"`
	Version       *string `yaml:"version"`
}

func (f *fileConfig) mergeInto(cfg *Config) error {
	if f.Listen != nil {
		cfg.Listen = *f.Listen
	}
	if f.Data != nil {
		cfg.Data = *f.Data
	}
	if f.SweepInterval != nil {
		d, err := time.ParseDuration(*f.SweepInterval)
		if err != nil {
			return fmt.Errorf("sweep_interval: %w", err)
		}
		cfg.SweepInterval = d
	}
	if f.SweepDisable != nil {
		cfg.SweepDisable = *f.SweepDisable
	}
	if f.FuncEndpoint != nil {
		cfg.FuncEndpoint = *f.FuncEndpoint
	}
	if f.MaxPackSize != nil {
		cfg.MaxPackSize = *f.MaxPackSize
	}
	if f.EventBuffer != nil {
		cfg.EventBuffer = *f.EventBuffer
	}
	if f.ApplyRetries != nil {
		cfg.ApplyRetries = *f.ApplyRetries
	}
	if f.Debug != nil {
		cfg.Debug = *f.Debug
	}
	if f.Version != nil {
		cfg.Version = *f.Version
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Listen = getEnv("SI_LISTEN", c.Listen)
	c.Data = getEnv("SI_DATA", c.Data)
	c.SweepInterval = getEnvDuration("SI_SWEEP_INTERVAL", c.SweepInterval)
	c.SweepDisable = getEnvBool("SI_SWEEP_DISABLE", c.SweepDisable)
	c.FuncEndpoint = getEnv("SI_FUNC_ENDPOINT", c.FuncEndpoint)
	c.MaxPackSize = getEnvInt64("SI_MAX_PACK_SIZE", c.MaxPackSize)
	c.EventBuffer = getEnvInt("SI_EVENT_BUFFER", c.EventBuffer)
	c.ApplyRetries = getEnvInt("SI_APPLY_RETRIES", c.ApplyRetries)
	c.Debug = getEnvBool("SI_DEBUG", c.Debug)
	c.Version = getEnv("SI_VERSION", c.Version)
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt64(key string, defaultVal int64) int64 {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.ParseInt(val, 10, 64); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}
