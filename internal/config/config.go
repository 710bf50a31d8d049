package config

import (
	"fmt"
	"time"

	"github.com/lamim/phasesignal/internal/layout"
	"github.com/lamim/phasesignal/pkg/models"
)

// Config represents the complete application configuration
type Config struct {
	Signal  SignalConfig  `toml:"signal"`
	Monitor MonitorConfig `toml:"monitor"`
	Logging LoggingConfig `toml:"logging"`
}

// SignalConfig holds the settings shared by the writer and the reader
type SignalConfig struct {
	Root           string             `toml:"root"`            // Monitoring root directory shared by writer and reader
	ExperimentName string             `toml:"experiment_name"` // Used verbatim in file names
	Enabled        *bool              `toml:"enabled"`         // Global kill-switch for the writer (default: true)
	Granularity    models.Granularity `toml:"granularity"`     // phase or operation (default: phase)
}

// MonitorConfig holds settings for the polling monitor
type MonitorConfig struct {
	PollIntervalMs int    `toml:"poll_interval_ms"` // Delay between samples (default: 500)
	MetricsAddr    string `toml:"metrics_addr"`     // Serve Prometheus metrics here when set
}

// LoggingConfig holds log output settings
type LoggingConfig struct {
	Level string `toml:"level"` // debug, info, warn, error (default: info)
	File  string `toml:"file"`  // Optional JSON log file
}

const (
	// MinPollIntervalMs is the fastest allowed sampling rate
	MinPollIntervalMs = 10
	// MaxPollIntervalMs is the slowest allowed sampling rate (one hour)
	MaxPollIntervalMs = 60 * 60 * 1000
)

// IsEnabled reports whether the writer should touch the filesystem
func (s SignalConfig) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// PollInterval returns the monitor sampling interval
func (m MonitorConfig) PollInterval() time.Duration {
	return time.Duration(m.PollIntervalMs) * time.Millisecond
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Signal.Root == "" {
		return fmt.Errorf("signal.root is required")
	}

	// The experiment may also come from the command line, so only check it when set
	if c.Signal.ExperimentName != "" {
		if err := layout.ValidateExperimentName(c.Signal.ExperimentName); err != nil {
			return fmt.Errorf("signal.experiment_name: %w", err)
		}
	}

	g, err := models.ParseGranularity(string(c.Signal.Granularity))
	if err != nil {
		return fmt.Errorf("signal.granularity: %w", err)
	}
	c.Signal.Granularity = g

	if c.Monitor.PollIntervalMs < MinPollIntervalMs || c.Monitor.PollIntervalMs > MaxPollIntervalMs {
		return fmt.Errorf("monitor.poll_interval_ms must be between %d and %d (got %d)",
			MinPollIntervalMs, MaxPollIntervalMs, c.Monitor.PollIntervalMs)
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error (got %s)", c.Logging.Level)
	}

	return nil
}

// RequireExperiment returns an error when no experiment name has been configured
func (c *Config) RequireExperiment() error {
	if c.Signal.ExperimentName == "" {
		return fmt.Errorf("experiment name is required (set signal.experiment_name or --experiment)")
	}
	return layout.ValidateExperimentName(c.Signal.ExperimentName)
}
