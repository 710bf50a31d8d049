package layout

import (
	"path/filepath"
	"strings"
)

const (
	statePrefix  = "phase_state_"
	stateExt     = ".json"
	timingPrefix = "phase_timings_"
	timingExt    = ".jsonl"
	tempExt      = ".tmp"
)

// StatePath returns the state file location for an experiment.
// Writer and reader must both resolve the channel through this function.
func StatePath(root, experimentName string) string {
	return filepath.Join(root, statePrefix+experimentName+stateExt)
}

// TimingLogPath returns the operation timing log location for an experiment
func TimingLogPath(root, experimentName string) string {
	return filepath.Join(root, timingPrefix+experimentName+timingExt)
}

// TempPath returns the sibling file a snapshot is staged in before rename.
// The extension of path is replaced by .tmp.
func TempPath(path string) string {
	return strings.TrimSuffix(path, filepath.Ext(path)) + tempExt
}
