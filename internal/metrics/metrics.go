package metrics

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Writer metrics
	phaseTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "phasesignal_phase_transitions_total",
			Help: "Number of phase starts published, by previous and new phase",
		},
		[]string{"from", "to"},
	)

	phaseDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "phasesignal_phase_duration_seconds",
			Help:    "Time spent in a phase before the next phase started",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 16), // 10ms to ~5min
		},
		[]string{"phase"},
	)

	stateWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "phasesignal_state_writes_total",
			Help: "State file publications by result",
		},
		[]string{"status"}, // "success" or "error"
	)

	timingRecords = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "phasesignal_timing_records_total",
			Help: "Records appended to the operation timing log",
		},
	)

	// Monitor metrics
	observedPhase = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "phasesignal_observed_phase_id",
			Help: "Phase id most recently read from the state file",
		},
		[]string{"experiment"},
	)

	samples = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "phasesignal_samples_total",
			Help: "Monitor samples by phase and source",
		},
		[]string{"phase", "source"}, // source: "live" or "fallback"
	)
)

// Collector provides convenience methods for recording metrics
type Collector struct {
	logger *slog.Logger
}

// NewCollector creates a new metrics collector
func NewCollector(logger *slog.Logger) *Collector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Collector{
		logger: logger,
	}
}

// RecordTransition counts a phase start and observes how long the previous phase ran
func (c *Collector) RecordTransition(from, to string, elapsed time.Duration) {
	phaseTransitions.WithLabelValues(from, to).Inc()
	if elapsed > 0 {
		phaseDuration.WithLabelValues(from).Observe(elapsed.Seconds())
	}
}

// RecordStateWrite counts a state file publication
func (c *Collector) RecordStateWrite(success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	stateWrites.WithLabelValues(status).Inc()
}

// IncrementTimingRecords counts one appended timing record
func (c *Collector) IncrementTimingRecords() {
	timingRecords.Inc()
}

// RecordSample records a monitor sample
func (c *Collector) RecordSample(experiment, phase string, phaseID int, live bool) {
	source := "live"
	if !live {
		source = "fallback"
	}
	samples.WithLabelValues(phase, source).Inc()
	observedPhase.WithLabelValues(experiment).Set(float64(phaseID))
}

// Serve exposes the default registry on addr until the server fails.
// It blocks, so callers usually run it in a goroutine.
func (c *Collector) Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	c.logger.Info("Serving metrics", "addr", addr, "path", "/metrics")
	return server.ListenAndServe()
}
