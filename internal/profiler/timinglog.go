package profiler

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/lamim/phasesignal/pkg/models"
)

// TimingLog appends operation timing records to a JSON Lines file
type TimingLog struct {
	path   string
	file   *os.File
	mu     sync.Mutex
	logger *slog.Logger
}

// NewTimingLog creates (or truncates) the timing log at path
func NewTimingLog(path string, logger *slog.Logger) (*TimingLog, error) {
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create timing log: %w", err)
	}

	logger.Info("Created timing log", "path", path)

	return &TimingLog{
		path:   path,
		file:   file,
		logger: logger,
	}, nil
}

// Path returns the timing log location
func (tl *TimingLog) Path() string {
	return tl.path
}

// Append writes rec as a single line
func (tl *TimingLog) Append(rec models.TimingRecord) error {
	tl.mu.Lock()
	defer tl.mu.Unlock()

	if tl.file == nil {
		return ErrClosed
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal timing record: %w", err)
	}

	if _, err := tl.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write timing record: %w", err)
	}

	return nil
}

// Close syncs and closes the file. The log itself is kept on disk.
func (tl *TimingLog) Close() error {
	tl.mu.Lock()
	defer tl.mu.Unlock()

	if tl.file == nil {
		return nil
	}

	if err := tl.file.Sync(); err != nil {
		tl.logger.Warn("Failed to sync timing log", "error", err)
	}

	err := tl.file.Close()
	tl.file = nil
	if err != nil {
		return fmt.Errorf("failed to close timing log: %w", err)
	}

	tl.logger.Debug("Closed timing log", "path", tl.path)
	return nil
}
