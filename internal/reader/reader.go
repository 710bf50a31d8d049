package reader

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/lamim/phasesignal/internal/layout"
	"github.com/lamim/phasesignal/pkg/models"
)

// Sample is the outcome of one read. State is always a valid snapshot: when
// the state file cannot be used it holds the idle fallback and Err says why.
type Sample struct {
	State models.PhaseState
	Live  bool  // State came from the state file
	Err   error // Cause of the fallback, nil when Live
}

// Reader is the monitoring side of the phase channel. It never fails outward.
type Reader struct {
	experiment string
	statePath  string
	logger     *slog.Logger
	now        func() time.Time
}

// New creates a reader for the experiment's state file under root
func New(root, experimentName string, logger *slog.Logger) *Reader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reader{
		experiment: experimentName,
		statePath:  layout.StatePath(root, experimentName),
		logger:     logger,
		now:        time.Now,
	}
}

// Experiment returns the experiment name the reader follows
func (r *Reader) Experiment() string {
	return r.experiment
}

// StatePath returns the state file the reader polls
func (r *Reader) StatePath() string {
	return r.statePath
}

// GetCurrentPhase returns the latest published snapshot, or the idle fallback
// when the writer has not started, has exited, or the file is unreadable
func (r *Reader) GetCurrentPhase() models.PhaseState {
	return r.Sample().State
}

// Sample reads the state file once. It is never cached.
func (r *Reader) Sample() Sample {
	state, err := r.read()
	if err != nil {
		r.logger.Debug("Using fallback phase state", "path", r.statePath, "error", err)
		return Sample{
			State: models.IdleState(r.now()),
			Err:   err,
		}
	}
	return Sample{State: state, Live: true}
}

func (r *Reader) read() (models.PhaseState, error) {
	data, err := os.ReadFile(r.statePath)
	if err != nil {
		return models.PhaseState{}, fmt.Errorf("failed to read state file: %w", err)
	}

	var state models.PhaseState
	if err := json.Unmarshal(data, &state); err != nil {
		return models.PhaseState{}, fmt.Errorf("failed to decode state file: %w", err)
	}

	if !state.Valid() {
		return models.PhaseState{}, fmt.Errorf("invalid phase state: id %d, name %q, iteration %d",
			state.PhaseID, state.PhaseName, state.Iteration)
	}

	return state, nil
}
