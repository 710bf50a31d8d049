package layout

import (
	"fmt"
	"strings"
	"unicode"
)

// MaxExperimentNameLength keeps derived file names well under common filesystem limits
const MaxExperimentNameLength = 200

// ValidateExperimentName checks that an experiment name can be embedded verbatim
// in a file name inside the monitoring root. It rejects:
//   - empty names
//   - path separators and traversal (..)
//   - control characters
//   - names longer than MaxExperimentNameLength
func ValidateExperimentName(name string) error {
	if name == "" {
		return fmt.Errorf("experiment name cannot be empty")
	}

	if len(name) > MaxExperimentNameLength {
		return fmt.Errorf("experiment name exceeds maximum length of %d characters (got %d)",
			MaxExperimentNameLength, len(name))
	}

	if strings.Contains(name, "..") {
		return fmt.Errorf("invalid experiment name: contains '..' (path traversal attempt)")
	}

	if strings.ContainsAny(name, "/\\") {
		return fmt.Errorf("invalid experiment name: must not contain path separators")
	}

	for _, r := range name {
		if unicode.IsControl(r) {
			return fmt.Errorf("invalid experiment name: contains control characters")
		}
	}

	return nil
}
