// Package config carries the scheduler's runtime knobs: built-in defaults,
// optionally overridden by a YAML file named in the KS_CONFIG environment
// variable. The registry name is additionally scoped by USER (see shm).
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/yangzy723/Rebuilt-PyTorch/internal/shm"
)

// Config is the scheduler configuration. Durations are plain milliseconds so
// the YAML stays trivial.
type Config struct {
	LogDir            string `yaml:"log_dir"`
	RegistryName      string `yaml:"registry_name"`
	ScanIntervalMs    int    `yaml:"scan_interval_ms"`
	ResponseTimeoutMs int    `yaml:"response_timeout_ms"`
	ConnectTimeoutMs  int    `yaml:"connect_timeout_ms"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		LogDir:            "logs",
		RegistryName:      shm.RegistryName(),
		ScanIntervalMs:    100,
		ResponseTimeoutMs: 5000,
		ConnectTimeoutMs:  5000,
	}
}

// Load returns the defaults, overridden by the YAML file named in KS_CONFIG
// when that variable is set.
func Load() (Config, error) {
	cfg := Default()
	path := os.Getenv("KS_CONFIG")
	if path == "" {
		return cfg, nil
	}
	if err := loadFile(path, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}
