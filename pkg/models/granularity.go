package models

import (
	"errors"
	"fmt"
)

// ErrInvalidGranularity is returned for granularity values other than phase or operation
var ErrInvalidGranularity = errors.New("invalid granularity")

// Granularity selects how much timing detail the profiler captures
type Granularity string

const (
	GranularityPhase     Granularity = "phase"     // State file only
	GranularityOperation Granularity = "operation" // State file plus timing log
)

// ParseGranularity converts a config value into a Granularity. Empty means phase.
func ParseGranularity(s string) (Granularity, error) {
	switch Granularity(s) {
	case "":
		return GranularityPhase, nil
	case GranularityPhase, GranularityOperation:
		return Granularity(s), nil
	}
	return "", fmt.Errorf("%w: %q (expected phase or operation)", ErrInvalidGranularity, s)
}
