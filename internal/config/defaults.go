package config

import "github.com/lamim/phasesignal/pkg/models"

const (
	// DefaultRoot is the monitoring directory used when none is configured
	DefaultRoot = "monitoring"
	// DefaultPollIntervalMs is the monitor sampling interval used when none is configured
	DefaultPollIntervalMs = 500
	// DefaultLogLevel is the log level used when none is configured
	DefaultLogLevel = "info"
)

// applyDefaults sets default values for optional configuration fields
func applyDefaults(cfg *Config) {
	if cfg.Signal.Root == "" {
		cfg.Signal.Root = DefaultRoot
	}
	if cfg.Signal.Enabled == nil {
		enabled := true
		cfg.Signal.Enabled = &enabled
	}
	if cfg.Signal.Granularity == "" {
		cfg.Signal.Granularity = models.GranularityPhase
	}
	if cfg.Monitor.PollIntervalMs == 0 {
		cfg.Monitor.PollIntervalMs = DefaultPollIntervalMs
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = DefaultLogLevel
	}
}
