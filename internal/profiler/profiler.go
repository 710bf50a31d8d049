package profiler

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lamim/phasesignal/internal/config"
	"github.com/lamim/phasesignal/internal/layout"
	"github.com/lamim/phasesignal/internal/metrics"
	"github.com/lamim/phasesignal/pkg/models"
)

var (
	// ErrPhaseMismatch is returned by MarkPhaseEnd when the named phase is not the one being tracked
	ErrPhaseMismatch = errors.New("phase does not match the phase being tracked")
	// ErrInvalidIteration is returned for negative iteration counters
	ErrInvalidIteration = errors.New("iteration must be non-negative")
	// ErrClosed is returned when publishing after Cleanup
	ErrClosed = errors.New("profiler is closed")
)

// Profiler is the writer side of the phase channel. It is owned by the
// training controller and mirrors the current phase to the state file.
// A disabled Profiler turns every method into a no-op.
type Profiler struct {
	enabled     bool
	experiment  string
	granularity models.Granularity
	state       *stateFile
	timings     *TimingLog // nil unless granularity is operation
	logger      *slog.Logger
	metrics     *metrics.Collector
	now         func() time.Time

	mu         sync.Mutex
	current    models.Phase
	iteration  int
	phaseStart time.Time
	started    bool // phaseStart is set
	closed     bool
}

// New creates a profiler for cfg.ExperimentName under cfg.Root and publishes
// the initial idle snapshot. When cfg is disabled nothing touches the filesystem.
func New(cfg config.SignalConfig, logger *slog.Logger) (*Profiler, error) {
	if logger == nil {
		logger = slog.Default()
	}

	p := &Profiler{
		enabled:    cfg.IsEnabled(),
		experiment: cfg.ExperimentName,
		current:    models.PhaseIdle,
		now:        time.Now,
	}

	if !p.enabled {
		p.logger = logger
		return p, nil
	}

	if err := layout.ValidateExperimentName(cfg.ExperimentName); err != nil {
		return nil, err
	}

	granularity, err := models.ParseGranularity(string(cfg.Granularity))
	if err != nil {
		return nil, err
	}
	p.granularity = granularity

	p.logger = logger.With("experiment", cfg.ExperimentName, "run_id", uuid.New().String())
	p.metrics = metrics.NewCollector(p.logger)
	p.state = newStateFile(layout.StatePath(cfg.Root, cfg.ExperimentName))

	if err := os.MkdirAll(cfg.Root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create monitoring directory: %w", err)
	}

	if err := p.publish(models.IdleState(p.now())); err != nil {
		return nil, err
	}

	if granularity == models.GranularityOperation {
		timings, err := NewTimingLog(layout.TimingLogPath(cfg.Root, cfg.ExperimentName), p.logger)
		if err != nil {
			if rmErr := p.state.remove(); rmErr != nil {
				p.logger.Warn("Failed to remove state file after setup error", "error", rmErr)
			}
			return nil, err
		}
		p.timings = timings
	}

	p.logger.Info("Phase profiler initialized",
		"state_file", p.state.path,
		"timing_log", p.TimingLogPath(),
		"granularity", granularity)

	return p, nil
}

// Enabled reports whether the profiler writes anything
func (p *Profiler) Enabled() bool {
	return p.enabled
}

// StatePath returns the state file location, or "" when disabled
func (p *Profiler) StatePath() string {
	if p.state == nil {
		return ""
	}
	return p.state.path
}

// TimingLogPath returns the timing log location, or "" when no log is kept
func (p *Profiler) TimingLogPath() string {
	if p.timings == nil {
		return ""
	}
	return p.timings.Path()
}

// CurrentPhase returns the phase most recently started
func (p *Profiler) CurrentPhase() models.Phase {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

// Iteration returns the stored iteration counter
func (p *Profiler) Iteration() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.iteration
}

// MarkPhaseStart publishes phase as current, keeping the stored iteration
func (p *Profiler) MarkPhaseStart(phase models.Phase) error {
	return p.markPhaseStart(phase, nil)
}

// MarkPhaseStartAt publishes phase as current and replaces the stored iteration
func (p *Profiler) MarkPhaseStartAt(phase models.Phase, iteration int) error {
	return p.markPhaseStart(phase, &iteration)
}

func (p *Profiler) markPhaseStart(phase models.Phase, iteration *int) error {
	if !p.enabled {
		return nil
	}
	if !phase.Valid() {
		return fmt.Errorf("%w: %q", models.ErrUnknownPhase, string(phase))
	}
	if iteration != nil && *iteration < 0 {
		return fmt.Errorf("%w (got %d)", ErrInvalidIteration, *iteration)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrClosed
	}

	now := p.now()
	var elapsed time.Duration
	if p.started {
		elapsed = now.Sub(p.phaseStart)
	}
	previous := p.current

	p.current = phase
	if iteration != nil {
		p.iteration = *iteration
	}
	p.phaseStart = now
	p.started = true

	state, err := models.NewPhaseState(phase, p.iteration, now)
	if err != nil {
		return err
	}
	if err := p.publish(state); err != nil {
		return err
	}

	p.metrics.RecordTransition(previous.String(), phase.String(), elapsed)
	p.logger.Debug("Phase started", "phase", phase, "iteration", p.iteration)
	return nil
}

// MarkPhaseEnd returns the time elapsed since the last phase start. It does not
// publish anything and does not reset the start time. An empty phase skips the
// check against the tracked phase; any other value must match it.
func (p *Profiler) MarkPhaseEnd(phase models.Phase) (time.Duration, error) {
	if !p.enabled {
		return 0, nil
	}
	if phase != "" && !phase.Valid() {
		return 0, fmt.Errorf("%w: %q", models.ErrUnknownPhase, string(phase))
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.started {
		return 0, nil
	}
	if phase != "" && phase != p.current {
		return 0, fmt.Errorf("%w: ending %s while tracking %s", ErrPhaseMismatch, phase, p.current)
	}

	return p.now().Sub(p.phaseStart), nil
}

// LogTimings appends one timing record when the profiler runs at operation
// granularity. Entries named like the required fields are dropped.
func (p *Profiler) LogTimings(timings map[string]float64, phase models.Phase, iteration int) error {
	if !p.enabled || p.timings == nil {
		return nil
	}
	if !phase.Valid() {
		return fmt.Errorf("%w: %q", models.ErrUnknownPhase, string(phase))
	}
	if iteration < 0 {
		return fmt.Errorf("%w (got %d)", ErrInvalidIteration, iteration)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrClosed
	}

	clean := make(map[string]float64, len(timings))
	for name, seconds := range timings {
		if models.IsReservedTimingKey(name) {
			p.logger.Warn("Dropping timing with reserved name", "name", name)
			continue
		}
		clean[name] = seconds
	}

	rec := models.NewTimingRecord(clean, phase, iteration, p.now())
	if err := p.timings.Append(rec); err != nil {
		return err
	}

	p.metrics.IncrementTimingRecords()
	return nil
}

// Cleanup removes the state file and closes the timing log, which stays on
// disk. Failures are logged and never returned. Safe to call more than once.
func (p *Profiler) Cleanup() {
	if !p.enabled {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}
	p.closed = true

	if err := p.state.remove(); err != nil {
		p.logger.Warn("Cleanup failed", "path", p.state.path, "error", err)
	} else {
		p.logger.Debug("Removed state file", "path", p.state.path)
	}

	if p.timings != nil {
		if err := p.timings.Close(); err != nil {
			p.logger.Warn("Timing log close failed", "path", p.timings.Path(), "error", err)
		}
	}
}

// publish writes state and records the outcome
func (p *Profiler) publish(state models.PhaseState) error {
	if err := p.state.write(state); err != nil {
		p.metrics.RecordStateWrite(false)
		return err
	}
	p.metrics.RecordStateWrite(true)
	return nil
}
