package profiler

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/lamim/phasesignal/internal/layout"
	"github.com/lamim/phasesignal/pkg/models"
)

// stateFile publishes snapshots with write-temp-then-rename so a concurrent
// reader sees either the previous complete snapshot or the new one.
type stateFile struct {
	path     string
	tempPath string

	// afterTempWrite runs between the temp write and the rename (tests only)
	afterTempWrite func()
}

func newStateFile(path string) *stateFile {
	return &stateFile{
		path:     path,
		tempPath: layout.TempPath(path),
	}
}

// write replaces the state file with state
func (s *stateFile) write(state models.PhaseState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal phase state: %w", err)
	}

	if err := os.WriteFile(s.tempPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write temp state file: %w", err)
	}

	if s.afterTempWrite != nil {
		s.afterTempWrite()
	}

	if err := os.Rename(s.tempPath, s.path); err != nil {
		_ = os.Remove(s.tempPath)
		return fmt.Errorf("failed to rename state file: %w", err)
	}

	return nil
}

// remove deletes the state file. A missing file is not an error.
func (s *stateFile) remove() error {
	err := os.Remove(s.path)
	if err == nil || errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("failed to remove state file: %w", err)
}
