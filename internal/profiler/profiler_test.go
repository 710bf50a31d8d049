package profiler

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/lamim/phasesignal/internal/config"
	"github.com/lamim/phasesignal/internal/layout"
	"github.com/lamim/phasesignal/internal/reader"
	"github.com/lamim/phasesignal/pkg/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func boolPtr(b bool) *bool {
	return &b
}

func newProfiler(t *testing.T, root string, granularity models.Granularity) *Profiler {
	t.Helper()
	p, err := New(config.SignalConfig{
		Root:           root,
		ExperimentName: "exp1",
		Granularity:    granularity,
	}, testLogger())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return p
}

func readState(t *testing.T, path string) models.PhaseState {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read state file: %v", err)
	}
	var state models.PhaseState
	if err := json.Unmarshal(data, &state); err != nil {
		t.Fatalf("decode state file: %v (%s)", err, data)
	}
	return state
}

func TestNewPublishesIdle(t *testing.T) {
	root := filepath.Join(t.TempDir(), "nested", "monitoring")
	before := time.Now()
	p := newProfiler(t, root, "")
	defer p.Cleanup()

	if p.StatePath() != layout.StatePath(root, "exp1") {
		t.Errorf("unexpected state path %q", p.StatePath())
	}
	if p.TimingLogPath() != "" {
		t.Errorf("Expected no timing log at phase granularity, got %q", p.TimingLogPath())
	}

	state := readState(t, p.StatePath())
	if state.PhaseName != models.PhaseIdle || state.PhaseID != 0 || state.Iteration != 0 {
		t.Errorf("Expected idle/0/0, got %+v", state)
	}
	if state.Timestamp < models.EpochSeconds(before)-1 {
		t.Errorf("initial timestamp %f predates construction", state.Timestamp)
	}
}

func TestNewTwiceSameRoot(t *testing.T) {
	root := t.TempDir()
	first := newProfiler(t, root, "")
	second := newProfiler(t, root, "")
	second.Cleanup()
	first.Cleanup()
}

func TestNewRejectsBadInput(t *testing.T) {
	root := t.TempDir()

	if _, err := New(config.SignalConfig{Root: root, ExperimentName: "../x"}, testLogger()); err == nil {
		t.Error("Expected error for traversal experiment name")
	}
	if _, err := New(config.SignalConfig{Root: root, ExperimentName: ""}, testLogger()); err == nil {
		t.Error("Expected error for empty experiment name")
	}
	_, err := New(config.SignalConfig{Root: root, ExperimentName: "exp1", Granularity: "step"}, testLogger())
	if !errors.Is(err, models.ErrInvalidGranularity) {
		t.Errorf("Expected ErrInvalidGranularity, got %v", err)
	}
}

func TestEveryPhaseVisibleToReader(t *testing.T) {
	root := t.TempDir()
	p := newProfiler(t, root, "")
	defer p.Cleanup()
	r := reader.New(root, "exp1", testLogger())

	for i, phase := range models.AllPhases() {
		if err := p.MarkPhaseStartAt(phase, i); err != nil {
			t.Fatalf("MarkPhaseStartAt(%s) failed: %v", phase, err)
		}

		got := r.GetCurrentPhase()
		wantID, _ := phase.ID()
		if got.PhaseName != phase || got.PhaseID != wantID {
			t.Errorf("Expected %s/%d, got %s/%d", phase, wantID, got.PhaseName, got.PhaseID)
		}
		if got.Iteration != i {
			t.Errorf("Expected iteration %d, got %d", i, got.Iteration)
		}
	}
}

func TestLastWriteWins(t *testing.T) {
	root := t.TempDir()
	p := newProfiler(t, root, "")
	defer p.Cleanup()

	if err := p.MarkPhaseStartAt(models.PhaseRollout, 1); err != nil {
		t.Fatal(err)
	}
	if err := p.MarkPhaseStartAt(models.PhaseTraining, 2); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(p.StatePath())
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Contains(data, []byte("rollout")) {
		t.Errorf("state file still mentions the first phase: %s", data)
	}
	if state := readState(t, p.StatePath()); state.PhaseName != models.PhaseTraining {
		t.Errorf("Expected training, got %s", state.PhaseName)
	}
	if _, err := os.Stat(layout.TempPath(p.StatePath())); !os.IsNotExist(err) {
		t.Errorf("temp file left behind: %v", err)
	}
}

func TestMarkPhaseStartKeepsIteration(t *testing.T) {
	root := t.TempDir()
	p := newProfiler(t, root, "")
	defer p.Cleanup()

	if err := p.MarkPhaseStartAt(models.PhaseRollout, 9); err != nil {
		t.Fatal(err)
	}
	if err := p.MarkPhaseStart(models.PhaseRLPolicy); err != nil {
		t.Fatal(err)
	}

	state := readState(t, p.StatePath())
	if state.Iteration != 9 || state.PhaseName != models.PhaseRLPolicy {
		t.Errorf("Expected rl_policy at iteration 9, got %+v", state)
	}
	if p.Iteration() != 9 || p.CurrentPhase() != models.PhaseRLPolicy {
		t.Errorf("unexpected in-memory state: %s/%d", p.CurrentPhase(), p.Iteration())
	}
}

func TestMarkPhaseStartPublishesStartTime(t *testing.T) {
	root := t.TempDir()
	p := newProfiler(t, root, "")
	defer p.Cleanup()

	fixed := time.Unix(1700000100, 0)
	p.now = func() time.Time { return fixed }

	if err := p.MarkPhaseStartAt(models.PhaseTraining, 1); err != nil {
		t.Fatal(err)
	}
	if state := readState(t, p.StatePath()); state.Timestamp != 1700000100 {
		t.Errorf("Expected start timestamp 1700000100, got %f", state.Timestamp)
	}
}

func TestMarkPhaseStartRejectsBadInput(t *testing.T) {
	root := t.TempDir()
	p := newProfiler(t, root, "")
	defer p.Cleanup()

	before, err := os.ReadFile(p.StatePath())
	if err != nil {
		t.Fatal(err)
	}

	if err := p.MarkPhaseStart(models.Phase("eval")); !errors.Is(err, models.ErrUnknownPhase) {
		t.Errorf("Expected ErrUnknownPhase, got %v", err)
	}
	if err := p.MarkPhaseStartAt(models.PhaseRollout, -1); !errors.Is(err, ErrInvalidIteration) {
		t.Errorf("Expected ErrInvalidIteration, got %v", err)
	}

	after, err := os.ReadFile(p.StatePath())
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(before, after) {
		t.Errorf("rejected calls changed the state file: %s -> %s", before, after)
	}
	if p.CurrentPhase() != models.PhaseIdle {
		t.Errorf("rejected calls changed the tracked phase to %s", p.CurrentPhase())
	}
}

func TestMarkPhaseEndWithoutStart(t *testing.T) {
	root := t.TempDir()
	p := newProfiler(t, root, "")
	defer p.Cleanup()

	before, err := os.ReadFile(p.StatePath())
	if err != nil {
		t.Fatal(err)
	}
	info, err := os.Stat(p.StatePath())
	if err != nil {
		t.Fatal(err)
	}

	d, err := p.MarkPhaseEnd("")
	if err != nil {
		t.Fatalf("MarkPhaseEnd failed: %v", err)
	}
	if d != 0 {
		t.Errorf("Expected 0 duration, got %s", d)
	}

	after, err := os.ReadFile(p.StatePath())
	if err != nil {
		t.Fatal(err)
	}
	infoAfter, err := os.Stat(p.StatePath())
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(before, after) || !info.ModTime().Equal(infoAfter.ModTime()) {
		t.Error("MarkPhaseEnd touched the state file")
	}
}

func TestMarkPhaseEndMeasuresFromSameStart(t *testing.T) {
	root := t.TempDir()
	p := newProfiler(t, root, "")
	defer p.Cleanup()

	start := time.Unix(1000, 0)
	clock := start
	p.now = func() time.Time { return clock }

	if err := p.MarkPhaseStartAt(models.PhaseRollout, 1); err != nil {
		t.Fatal(err)
	}
	published, err := os.ReadFile(p.StatePath())
	if err != nil {
		t.Fatal(err)
	}

	clock = start.Add(2 * time.Second)
	first, err := p.MarkPhaseEnd(models.PhaseRollout)
	if err != nil {
		t.Fatal(err)
	}
	clock = start.Add(5 * time.Second)
	second, err := p.MarkPhaseEnd("")
	if err != nil {
		t.Fatal(err)
	}

	if first != 2*time.Second || second != 5*time.Second {
		t.Errorf("Expected 2s then 5s, got %s then %s", first, second)
	}

	after, err := os.ReadFile(p.StatePath())
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(published, after) {
		t.Error("MarkPhaseEnd republished the state file")
	}
}

func TestMarkPhaseEndChecksPhase(t *testing.T) {
	root := t.TempDir()
	p := newProfiler(t, root, "")
	defer p.Cleanup()

	if err := p.MarkPhaseStart(models.PhaseRollout); err != nil {
		t.Fatal(err)
	}

	d, err := p.MarkPhaseEnd(models.PhaseTraining)
	if !errors.Is(err, ErrPhaseMismatch) {
		t.Errorf("Expected ErrPhaseMismatch, got %v", err)
	}
	if d != 0 {
		t.Errorf("Expected 0 duration on mismatch, got %s", d)
	}

	if _, err := p.MarkPhaseEnd(models.Phase("eval")); !errors.Is(err, models.ErrUnknownPhase) {
		t.Errorf("Expected ErrUnknownPhase, got %v", err)
	}
}

func TestAtomicReplacementInjectedRead(t *testing.T) {
	root := t.TempDir()
	p := newProfiler(t, root, "")
	defer p.Cleanup()
	r := reader.New(root, "exp1", testLogger())

	if err := p.MarkPhaseStartAt(models.PhaseRollout, 1); err != nil {
		t.Fatal(err)
	}

	var during reader.Sample
	p.state.afterTempWrite = func() {
		during = r.Sample()
	}

	if err := p.MarkPhaseStartAt(models.PhaseTraining, 2); err != nil {
		t.Fatal(err)
	}

	if !during.Live {
		t.Fatalf("read during temp write fell back: %v", during.Err)
	}
	if during.State.PhaseName != models.PhaseRollout || during.State.Iteration != 1 {
		t.Errorf("Expected previous complete snapshot during write, got %+v", during.State)
	}
	if got := r.GetCurrentPhase(); got.PhaseName != models.PhaseTraining || got.Iteration != 2 {
		t.Errorf("Expected new snapshot after write, got %+v", got)
	}
}

func TestAtomicReplacementConcurrentReader(t *testing.T) {
	root := t.TempDir()
	p := newProfiler(t, root, "")
	defer p.Cleanup()

	const writes = 300
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)

	var readErr error
	reads := 0
	go func() {
		defer wg.Done()
		for {
			select {
			case <-done:
				return
			default:
			}
			data, err := os.ReadFile(p.StatePath())
			if err != nil {
				readErr = err
				return
			}
			var state models.PhaseState
			if err := json.Unmarshal(data, &state); err != nil {
				readErr = err
				return
			}
			if !state.Valid() {
				readErr = errors.New("invalid snapshot observed")
				return
			}
			reads++
		}
	}()

	phases := models.AllPhases()
	for i := 0; i < writes; i++ {
		if err := p.MarkPhaseStartAt(phases[i%len(phases)], i); err != nil {
			close(done)
			wg.Wait()
			t.Fatalf("MarkPhaseStartAt failed: %v", err)
		}
	}
	close(done)
	wg.Wait()

	if readErr != nil {
		t.Fatalf("concurrent reader observed a torn snapshot after %d reads: %v", reads, readErr)
	}
}

func TestDisabledHasNoSideEffects(t *testing.T) {
	root := filepath.Join(t.TempDir(), "monitoring")

	p, err := New(config.SignalConfig{
		Root:           root,
		ExperimentName: "exp1",
		Enabled:        boolPtr(false),
		Granularity:    models.GranularityOperation,
	}, testLogger())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	if p.Enabled() {
		t.Error("Expected disabled profiler")
	}
	if err := p.MarkPhaseStartAt(models.PhaseRollout, 5); err != nil {
		t.Errorf("MarkPhaseStartAt: %v", err)
	}
	if err := p.MarkPhaseStart(models.PhaseTraining); err != nil {
		t.Errorf("MarkPhaseStart: %v", err)
	}
	if d, err := p.MarkPhaseEnd(models.PhaseTraining); err != nil || d != 0 {
		t.Errorf("MarkPhaseEnd = %s, %v", d, err)
	}
	if err := p.LogTimings(map[string]float64{"gen": 1}, models.PhaseRollout, 5); err != nil {
		t.Errorf("LogTimings: %v", err)
	}
	p.Cleanup()

	if _, err := os.Stat(root); !os.IsNotExist(err) {
		t.Errorf("disabled profiler created %s (stat err: %v)", root, err)
	}
	if p.StatePath() != "" || p.TimingLogPath() != "" {
		t.Error("disabled profiler should report no paths")
	}
}

func TestTimingLogGrowth(t *testing.T) {
	root := t.TempDir()
	p := newProfiler(t, root, models.GranularityOperation)
	defer p.Cleanup()

	const n = 25
	for i := 0; i < n; i++ {
		timings := map[string]float64{
			"gen":          float64(i) * 0.5,
			"update_actor": 1.5,
		}
		if err := p.LogTimings(timings, models.PhaseRollout, i); err != nil {
			t.Fatalf("LogTimings failed: %v", err)
		}
	}

	file, err := os.Open(layout.TimingLogPath(root, "exp1"))
	if err != nil {
		t.Fatalf("open timing log: %v", err)
	}
	defer file.Close()

	lines := 0
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		var entry map[string]any
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			t.Fatalf("line %d is not JSON: %v", lines+1, err)
		}
		for _, key := range []string{"iteration", "phase", "timestamp", "gen", "update_actor"} {
			if _, ok := entry[key]; !ok {
				t.Errorf("line %d missing %q: %v", lines+1, key, entry)
			}
		}
		if entry["iteration"] != float64(lines) {
			t.Errorf("line %d out of order: iteration %v", lines+1, entry["iteration"])
		}
		lines++
	}
	if err := scanner.Err(); err != nil {
		t.Fatal(err)
	}
	if lines != n {
		t.Errorf("Expected %d lines, got %d", n, lines)
	}
}

func TestLogTimingsDropsReservedKeys(t *testing.T) {
	root := t.TempDir()
	p := newProfiler(t, root, models.GranularityOperation)
	defer p.Cleanup()

	if err := p.LogTimings(map[string]float64{"phase": 1, "gen": 2}, models.PhaseTraining, 3); err != nil {
		t.Fatal(err)
	}
	if err := p.LogTimings(nil, models.Phase("eval"), 3); !errors.Is(err, models.ErrUnknownPhase) {
		t.Errorf("Expected ErrUnknownPhase, got %v", err)
	}

	data, err := os.ReadFile(p.TimingLogPath())
	if err != nil {
		t.Fatal(err)
	}
	var rec models.TimingRecord
	if err := json.Unmarshal(bytes.TrimSpace(data), &rec); err != nil {
		t.Fatal(err)
	}
	if rec.Phase != models.PhaseTraining || rec.Iteration != 3 {
		t.Errorf("unexpected record: %+v", rec)
	}
	if len(rec.Timings) != 1 || rec.Timings["gen"] != 2 {
		t.Errorf("unexpected timings: %v", rec.Timings)
	}
}

func TestPhaseGranularityKeepsNoTimingLog(t *testing.T) {
	root := t.TempDir()
	p := newProfiler(t, root, models.GranularityPhase)
	defer p.Cleanup()

	if err := p.LogTimings(map[string]float64{"gen": 1}, models.PhaseRollout, 1); err != nil {
		t.Errorf("LogTimings: %v", err)
	}
	if _, err := os.Stat(layout.TimingLogPath(root, "exp1")); !os.IsNotExist(err) {
		t.Errorf("timing log should not exist at phase granularity: %v", err)
	}
}

func TestTimingLogTruncatedOnStart(t *testing.T) {
	root := t.TempDir()
	logPath := layout.TimingLogPath(root, "exp1")
	if err := os.WriteFile(logPath, []byte("{\"old\":1}\n"), 0644); err != nil {
		t.Fatal(err)
	}

	p := newProfiler(t, root, models.GranularityOperation)
	defer p.Cleanup()

	info, err := os.Stat(logPath)
	if err != nil {
		t.Fatal(err)
	}
	if info.Size() != 0 {
		t.Errorf("Expected truncated timing log, size is %d", info.Size())
	}
}

func TestCleanupPreservesTimingLog(t *testing.T) {
	root := t.TempDir()
	p := newProfiler(t, root, models.GranularityOperation)
	r := reader.New(root, "exp1", testLogger())

	if err := p.MarkPhaseStartAt(models.PhaseRollout, 1); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if err := p.LogTimings(map[string]float64{"gen": 1}, models.PhaseRollout, i); err != nil {
			t.Fatal(err)
		}
	}

	before, err := os.ReadFile(p.TimingLogPath())
	if err != nil {
		t.Fatal(err)
	}

	p.Cleanup()

	if _, err := os.Stat(p.StatePath()); !os.IsNotExist(err) {
		t.Errorf("state file still present after cleanup: %v", err)
	}
	after, err := os.ReadFile(p.TimingLogPath())
	if err != nil {
		t.Fatalf("timing log removed by cleanup: %v", err)
	}
	if !bytes.Equal(before, after) {
		t.Error("cleanup changed the timing log")
	}

	got := r.GetCurrentPhase()
	if got.PhaseName != models.PhaseIdle || got.PhaseID != 0 || got.Iteration != 0 {
		t.Errorf("Expected fallback after cleanup, got %+v", got)
	}
}

func TestCleanupIsIdempotentAndCloses(t *testing.T) {
	root := t.TempDir()
	p := newProfiler(t, root, models.GranularityOperation)

	if err := os.Remove(p.StatePath()); err != nil {
		t.Fatal(err)
	}
	p.Cleanup()
	p.Cleanup()

	if err := p.MarkPhaseStart(models.PhaseRollout); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed, got %v", err)
	}
	if err := p.LogTimings(map[string]float64{"gen": 1}, models.PhaseRollout, 1); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed, got %v", err)
	}
	if _, err := os.Stat(p.StatePath()); !os.IsNotExist(err) {
		t.Error("closed profiler recreated the state file")
	}
}

func TestWriteFailurePropagates(t *testing.T) {
	root := t.TempDir()
	p := newProfiler(t, root, "")
	defer p.Cleanup()

	// A directory at the temp path makes the temp write fail
	if err := os.Mkdir(layout.TempPath(p.StatePath()), 0755); err != nil {
		t.Fatal(err)
	}

	if err := p.MarkPhaseStart(models.PhaseRollout); err == nil {
		t.Error("Expected write failure to be returned")
	}
}

func TestExampleScenario(t *testing.T) {
	root := t.TempDir()
	p := newProfiler(t, root, "")
	r := reader.New(root, "exp1", testLogger())

	if err := p.MarkPhaseStartAt(models.PhaseRollout, 5); err != nil {
		t.Fatal(err)
	}
	got := r.GetCurrentPhase()
	if got.PhaseID != 1 || got.PhaseName != "rollout" || got.Iteration != 5 {
		t.Errorf("after rollout: %+v", got)
	}
	if time.Since(got.Time()) > time.Minute {
		t.Errorf("timestamp is not current: %f", got.Timestamp)
	}

	if err := p.MarkPhaseStartAt(models.PhaseTraining, 6); err != nil {
		t.Fatal(err)
	}
	got = r.GetCurrentPhase()
	if got.PhaseID != 3 || got.PhaseName != "training" || got.Iteration != 6 {
		t.Errorf("after training: %+v", got)
	}

	p.Cleanup()
	got = r.GetCurrentPhase()
	if got.PhaseID != 0 || got.PhaseName != "idle" || got.Iteration != 0 {
		t.Errorf("after cleanup: %+v", got)
	}
}
