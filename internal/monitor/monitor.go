package monitor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/lamim/phasesignal/internal/metrics"
	"github.com/lamim/phasesignal/internal/reader"
	"github.com/lamim/phasesignal/pkg/models"
)

// StateSource is anything that can be sampled for the current phase
type StateSource interface {
	Sample() reader.Sample
	Experiment() string
}

// Occupancy summarizes what the monitor has observed so far
type Occupancy struct {
	Samples     int
	Fallbacks   int                  // Samples that used the idle fallback
	Transitions int                  // Phase or iteration changes between consecutive samples
	ByPhase     map[models.Phase]int // Samples per phase, fallbacks counted as idle
}

// Share returns the fraction of samples that observed phase
func (o Occupancy) Share(phase models.Phase) float64 {
	if o.Samples == 0 {
		return 0
	}
	return float64(o.ByPhase[phase]) / float64(o.Samples)
}

// Monitor polls a StateSource at a fixed rate
type Monitor struct {
	source   StateSource
	interval time.Duration
	limiter  *rate.Limiter
	logger   *slog.Logger
	metrics  *metrics.Collector

	mu    sync.Mutex
	stats Occupancy
	last  *models.PhaseState
}

// New creates a monitor sampling source every interval
func New(source StateSource, interval time.Duration, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		source:   source,
		interval: interval,
		limiter:  rate.NewLimiter(rate.Every(interval), 1),
		logger:   logger,
		metrics:  metrics.NewCollector(logger),
		stats: Occupancy{
			ByPhase: make(map[models.Phase]int, len(models.AllPhases())),
		},
	}
}

// Poll takes one sample immediately and folds it into the statistics
func (m *Monitor) Poll() reader.Sample {
	s := m.source.Sample()

	m.mu.Lock()
	m.stats.Samples++
	if !s.Live {
		m.stats.Fallbacks++
	}
	m.stats.ByPhase[s.State.PhaseName]++
	if m.last != nil && (m.last.PhaseName != s.State.PhaseName || m.last.Iteration != s.State.Iteration) {
		m.stats.Transitions++
	}
	state := s.State
	m.last = &state
	m.mu.Unlock()

	m.metrics.RecordSample(m.source.Experiment(), s.State.PhaseName.String(), s.State.PhaseID, s.Live)
	return s
}

// Run samples until ctx is done or maxSamples samples were taken (0 means no
// limit), calling fn with each sample. Cancellation is a normal exit.
func (m *Monitor) Run(ctx context.Context, maxSamples int, fn func(reader.Sample)) error {
	m.logger.Info("Monitoring phase state",
		"experiment", m.source.Experiment(),
		"interval", m.interval)

	for taken := 0; maxSamples <= 0 || taken < maxSamples; taken++ {
		// Wait only fails when ctx is cancelled or its deadline comes first
		if err := m.limiter.Wait(ctx); err != nil {
			m.logger.Debug("Monitor stopped", "reason", err)
			return nil
		}

		s := m.Poll()
		if fn != nil {
			fn(s)
		}
	}

	return nil
}

// Stats returns a copy of the statistics gathered so far
func (m *Monitor) Stats() Occupancy {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := m.stats
	out.ByPhase = make(map[models.Phase]int, len(m.stats.ByPhase))
	for p, n := range m.stats.ByPhase {
		out.ByPhase[p] = n
	}
	return out
}
