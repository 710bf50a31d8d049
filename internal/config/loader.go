package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/pelletier/go-toml/v2"

	"github.com/lamim/phasesignal/pkg/models"
)

// Environment variables that override file values
const (
	EnvRoot        = "PHASESIGNAL_ROOT"
	EnvExperiment  = "PHASESIGNAL_EXPERIMENT"
	EnvEnabled     = "PHASESIGNAL_ENABLED"
	EnvGranularity = "PHASESIGNAL_GRANULARITY"
)

// Load reads and parses the configuration file and environment variables
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return finish(&cfg)
}

// Default returns the built-in configuration with environment overrides applied
func Default() (*Config, error) {
	return finish(&Config{})
}

// LoadOrDefault loads configPath, or the default configuration when configPath is empty
func LoadOrDefault(configPath string) (*Config, error) {
	if configPath == "" {
		return Default()
	}
	return Load(configPath)
}

func finish(cfg *Config) (*Config, error) {
	if err := applyEnv(cfg); err != nil {
		return nil, fmt.Errorf("invalid environment: %w", err)
	}

	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// applyEnv overrides file values with PHASESIGNAL_* variables
func applyEnv(cfg *Config) error {
	if v := strings.TrimSpace(os.Getenv(EnvRoot)); v != "" {
		cfg.Signal.Root = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvExperiment)); v != "" {
		cfg.Signal.ExperimentName = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvEnabled)); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s must be a boolean (got %q)", EnvEnabled, v)
		}
		cfg.Signal.Enabled = &enabled
	}
	if v := strings.TrimSpace(os.Getenv(EnvGranularity)); v != "" {
		cfg.Signal.Granularity = models.Granularity(v)
	}
	return nil
}
