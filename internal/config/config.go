// Package config provides YAML configuration loading and validation for the
// log collector daemon.
package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration structure for the log collector
// daemon.
type Config struct {
	// RootDir is the directory the collector watches for container log
	// files, conventionally /var/log/containers. Required.
	RootDir string `yaml:"root_dir"`

	// DataDir is the directory the database uses to persist stream files
	// (<StreamKey>.meta / <StreamKey>.dat). The durability side-log is kept
	// beside it at "<data_dir>.wal". Required.
	DataDir string `yaml:"data_dir"`

	// HTTPAddr is the listen address for the query surface HTTP server
	// (e.g. "127.0.0.1:9100"). Defaults to "127.0.0.1:9100" when omitted.
	HTTPAddr string `yaml:"http_addr"`

	// LogLevel sets the minimum log severity: "debug", "info", "warn", or
	// "error". Defaults to "info" when omitted.
	LogLevel string `yaml:"log_level"`

	// DisableK8sLabels, when true, skips Kubernetes filename parsing and
	// labels every entry with just its source path. Useful on hosts that
	// are not Kubernetes nodes.
	DisableK8sLabels bool `yaml:"disable_k8s_labels"`

	// DisableWAL, when true, skips the SQLite durability side-log and
	// writes straight to the .dat files. Crash recovery then relies solely
	// on whatever survived the OS write, with no replay of in-flight writes.
	DisableWAL bool `yaml:"disable_wal"`
}

// validLogLevels is the set of accepted log level strings.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// LoadConfig reads the YAML file at path, unmarshals it into Config, applies
// defaults, and validates all required fields. A validation error lists
// every failure found, not just the first.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: cannot read %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: cannot parse %q: %w", path, err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed for %q: %w", path, err)
	}

	return &cfg, nil
}

// applyDefaults fills in zero-value optional fields with sensible defaults.
func applyDefaults(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = "127.0.0.1:9100"
	}
}

// validate checks that all required fields are populated and that enumerated
// fields contain only valid values.
func validate(cfg *Config) error {
	var errs []error

	if cfg.RootDir == "" {
		errs = append(errs, errors.New("root_dir is required"))
	}
	if cfg.DataDir == "" {
		errs = append(errs, errors.New("data_dir is required"))
	}
	if !validLogLevels[cfg.LogLevel] {
		errs = append(errs, fmt.Errorf("log_level %q must be one of: debug, info, warn, error", cfg.LogLevel))
	}

	return errors.Join(errs...)
}
