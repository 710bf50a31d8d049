package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/lamim/phasesignal/internal/config"
	"github.com/lamim/phasesignal/internal/logging"
	"github.com/lamim/phasesignal/internal/metrics"
	"github.com/lamim/phasesignal/internal/monitor"
	"github.com/lamim/phasesignal/internal/profiler"
	"github.com/lamim/phasesignal/internal/reader"
	"github.com/lamim/phasesignal/pkg/models"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var (
	configPath string
	envFile    string
	rootDir    string
	experiment string
	logFile    string
	verbose    bool

	// monitor flags
	pollInterval time.Duration
	sampleCount  int
	metricsAddr  string

	// simulate flags
	iterations      int
	granularity     string
	rolloutTime     time.Duration
	policyTime      time.Duration
	trainingTime    time.Duration
	disableProfiler bool
)

// simulatedOps are the operation names logged per phase by the simulate command
var simulatedOps = map[models.Phase][]string{
	models.PhaseRollout:  {"gen", "reward"},
	models.PhaseRLPolicy: {"old_log_prob", "ref", "adv"},
	models.PhaseTraining: {"update_critic", "update_actor"},
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "phasesignal",
		Short: "phasesignal - file-based training phase signaling",
		Long: `phasesignal lets a training controller publish which phase of the training
loop is running, and lets an independent monitor sample it, through a state file
replaced atomically on every phase change.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", Version, GitCommit, BuildTime),
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to configuration file (TOML)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Path to environment file")
	rootCmd.PersistentFlags().StringVar(&rootDir, "root", "", "Monitoring root directory (overrides config)")
	rootCmd.PersistentFlags().StringVarP(&experiment, "experiment", "e", "", "Experiment name (overrides config)")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "Also write JSON logs to this file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Print the current phase of an experiment",
		Long:  "Read the experiment's state file once and print the snapshot as JSON. Falls back to idle when no writer is running.",
		Args:  cobra.NoArgs,
		RunE:  runStatus,
	}

	monitorCmd := &cobra.Command{
		Use:   "monitor",
		Short: "Sample the current phase at a fixed interval",
		Long:  "Poll the experiment's state file, print one line per sample and a phase occupancy summary on exit.",
		Args:  cobra.NoArgs,
		RunE:  runMonitor,
	}
	monitorCmd.Flags().DurationVar(&pollInterval, "interval", 0, "Sampling interval (default from config, 500ms)")
	monitorCmd.Flags().IntVar(&sampleCount, "count", 0, "Stop after this many samples (0 = until interrupted)")
	monitorCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :2112)")

	simulateCmd := &cobra.Command{
		Use:   "simulate",
		Short: "Drive a profiler through a synthetic training loop",
		Long: `Run a fake training loop that cycles through rollout, rl_policy and training
for the given number of iterations, publishing every phase change and, at operation
granularity, logging synthetic operation timings.`,
		Args: cobra.NoArgs,
		RunE: runSimulate,
	}
	simulateCmd.Flags().IntVarP(&iterations, "iterations", "n", 5, "Number of training iterations")
	simulateCmd.Flags().StringVar(&granularity, "granularity", "", "phase or operation (overrides config)")
	simulateCmd.Flags().DurationVar(&rolloutTime, "rollout", 200*time.Millisecond, "Time spent in rollout per iteration")
	simulateCmd.Flags().DurationVar(&policyTime, "rl-policy", 100*time.Millisecond, "Time spent in rl_policy per iteration")
	simulateCmd.Flags().DurationVar(&trainingTime, "training", 300*time.Millisecond, "Time spent in training per iteration")
	simulateCmd.Flags().BoolVar(&disableProfiler, "disable", false, "Run the loop with the profiler disabled")

	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(monitorCmd)
	rootCmd.AddCommand(simulateCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// setup loads the environment file, configuration and logger shared by all commands
func setup() (*config.Config, *slog.Logger, func(), error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "Warning: failed to load env file: %v\n", err)
		}
	}

	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if rootDir != "" {
		cfg.Signal.Root = rootDir
	}
	if experiment != "" {
		cfg.Signal.ExperimentName = experiment
	}
	if logFile != "" {
		cfg.Logging.File = logFile
	}
	if verbose {
		cfg.Logging.Level = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.RequireExperiment(); err != nil {
		return nil, nil, nil, err
	}

	logger, file, err := logging.Setup(os.Stderr, logging.ParseLevel(cfg.Logging.Level), cfg.Logging.File)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to setup logger: %w", err)
	}
	slog.SetDefault(logger)

	closeLog := func() {
		if file != nil {
			_ = file.Sync()
			_ = file.Close()
		}
	}

	return cfg, logger, closeLog, nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, logger, closeLog, err := setup()
	if err != nil {
		return err
	}
	defer closeLog()

	r := reader.New(cfg.Signal.Root, cfg.Signal.ExperimentName, logger)
	s := r.Sample()
	if !s.Live {
		logger.Info("No live state, showing fallback", "path", r.StatePath(), "reason", s.Err)
	}

	out, err := json.MarshalIndent(s.State, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode state: %w", err)
	}
	fmt.Println(string(out))
	return nil
}

func runMonitor(cmd *cobra.Command, args []string) error {
	cfg, logger, closeLog, err := setup()
	if err != nil {
		return err
	}
	defer closeLog()

	interval := cfg.Monitor.PollInterval()
	if pollInterval > 0 {
		interval = pollInterval
	}
	addr := cfg.Monitor.MetricsAddr
	if metricsAddr != "" {
		addr = metricsAddr
	}

	if addr != "" {
		collector := metrics.NewCollector(logger)
		go func() {
			if err := collector.Serve(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("Metrics server stopped", "error", err)
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	r := reader.New(cfg.Signal.Root, cfg.Signal.ExperimentName, logger)
	m := monitor.New(r, interval, logger)

	if err := m.Run(ctx, sampleCount, printSample); err != nil {
		return fmt.Errorf("monitor failed: %w", err)
	}

	printOccupancy(m.Stats())
	return nil
}

func printSample(s reader.Sample) {
	source := "live"
	if !s.Live {
		source = "fallback"
	}
	fmt.Printf("%s  %-10s id=%d iteration=%-6d %s\n",
		s.State.Time().Format("15:04:05.000"),
		s.State.PhaseName,
		s.State.PhaseID,
		s.State.Iteration,
		source)
}

func printOccupancy(stats monitor.Occupancy) {
	fmt.Println()
	fmt.Printf("Samples: %d  Fallbacks: %d  Transitions: %d\n", stats.Samples, stats.Fallbacks, stats.Transitions)
	fmt.Printf("%-12s %-10s %s\n", "PHASE", "SAMPLES", "SHARE")
	fmt.Println(strings.Repeat("-", 32))
	for _, p := range models.AllPhases() {
		fmt.Printf("%-12s %-10d %.1f%%\n", p, stats.ByPhase[p], stats.Share(p)*100)
	}
}

func runSimulate(cmd *cobra.Command, args []string) error {
	cfg, logger, closeLog, err := setup()
	if err != nil {
		return err
	}
	defer closeLog()

	if iterations < 1 {
		return fmt.Errorf("--iterations must be at least 1")
	}
	if granularity != "" {
		g, err := models.ParseGranularity(granularity)
		if err != nil {
			return err
		}
		cfg.Signal.Granularity = g
	}
	if disableProfiler {
		enabled := false
		cfg.Signal.Enabled = &enabled
	}

	prof, err := profiler.New(cfg.Signal, logger)
	if err != nil {
		return fmt.Errorf("failed to create profiler: %w", err)
	}
	defer prof.Cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	phaseTimes := []struct {
		phase models.Phase
		d     time.Duration
	}{
		{models.PhaseRollout, rolloutTime},
		{models.PhaseRLPolicy, policyTime},
		{models.PhaseTraining, trainingTime},
	}

	bar := progressbar.Default(int64(iterations), "Simulating")
	for i := 0; i < iterations; i++ {
		for _, pt := range phaseTimes {
			if err := runPhase(ctx, prof, pt.phase, pt.d, i); err != nil {
				if errors.Is(err, context.Canceled) {
					logger.Warn("Simulation interrupted", "iteration", i)
					return nil
				}
				return err
			}
		}
		_ = bar.Add(1)
	}

	if err := prof.MarkPhaseStart(models.PhaseIdle); err != nil {
		return fmt.Errorf("failed to publish idle: %w", err)
	}

	logger.Info("Simulation complete",
		"iterations", iterations,
		"state_file", prof.StatePath(),
		"timing_log", prof.TimingLogPath())
	return nil
}

// runPhase publishes phase, spends d across its synthetic operations and logs their timings
func runPhase(ctx context.Context, prof *profiler.Profiler, phase models.Phase, d time.Duration, iteration int) error {
	if err := prof.MarkPhaseStartAt(phase, iteration); err != nil {
		return fmt.Errorf("failed to start %s: %w", phase, err)
	}

	ops := simulatedOps[phase]
	timings := make(map[string]float64, len(ops))
	for _, op := range ops {
		start := time.Now()
		if err := sleep(ctx, d/time.Duration(len(ops))); err != nil {
			return err
		}
		timings[op] = time.Since(start).Seconds()
	}

	elapsed, err := prof.MarkPhaseEnd(phase)
	if err != nil {
		return fmt.Errorf("failed to end %s: %w", phase, err)
	}
	timings["phase_total"] = elapsed.Seconds()

	if err := prof.LogTimings(timings, phase, iteration); err != nil {
		return fmt.Errorf("failed to log timings: %w", err)
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
