package models

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// Keys that TimingRecord always writes itself
const (
	TimingKeyIteration = "iteration"
	TimingKeyPhase     = "phase"
	TimingKeyTimestamp = "timestamp"
)

// IsReservedTimingKey reports whether key collides with a required TimingRecord field
func IsReservedTimingKey(key string) bool {
	switch key {
	case TimingKeyIteration, TimingKeyPhase, TimingKeyTimestamp:
		return true
	}
	return false
}

// TimingRecord is one line of the operation timing log.
// Timings are flattened into the top level of the JSON object.
type TimingRecord struct {
	Iteration int
	Phase     Phase
	Timestamp float64            // Seconds since epoch
	Timings   map[string]float64 // Operation name -> duration in seconds
}

// NewTimingRecord builds a record stamped with at
func NewTimingRecord(timings map[string]float64, p Phase, iteration int, at time.Time) TimingRecord {
	return TimingRecord{
		Iteration: iteration,
		Phase:     p,
		Timestamp: EpochSeconds(at),
		Timings:   timings,
	}
}

// OperationNames returns the timing keys in sorted order
func (r TimingRecord) OperationNames() []string {
	names := make([]string, 0, len(r.Timings))
	for name := range r.Timings {
		if IsReservedTimingKey(name) {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// MarshalJSON writes the required fields and every timing at the top level.
// Required fields win over timing entries with the same key.
func (r TimingRecord) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(r.Timings)+3)
	for name, seconds := range r.Timings {
		out[name] = seconds
	}
	out[TimingKeyIteration] = r.Iteration
	out[TimingKeyPhase] = r.Phase
	out[TimingKeyTimestamp] = r.Timestamp
	return json.Marshal(out)
}

// UnmarshalJSON splits a flat timing line back into required fields and timings
func (r *TimingRecord) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	var rec TimingRecord
	for _, key := range []string{TimingKeyIteration, TimingKeyPhase, TimingKeyTimestamp} {
		if _, ok := raw[key]; !ok {
			return fmt.Errorf("timing record missing %q", key)
		}
	}
	if err := json.Unmarshal(raw[TimingKeyIteration], &rec.Iteration); err != nil {
		return fmt.Errorf("invalid %q: %w", TimingKeyIteration, err)
	}
	if err := json.Unmarshal(raw[TimingKeyPhase], &rec.Phase); err != nil {
		return fmt.Errorf("invalid %q: %w", TimingKeyPhase, err)
	}
	if err := json.Unmarshal(raw[TimingKeyTimestamp], &rec.Timestamp); err != nil {
		return fmt.Errorf("invalid %q: %w", TimingKeyTimestamp, err)
	}

	rec.Timings = make(map[string]float64, len(raw))
	for key, value := range raw {
		if IsReservedTimingKey(key) {
			continue
		}
		var seconds float64
		if err := json.Unmarshal(value, &seconds); err != nil {
			return fmt.Errorf("invalid timing %q: %w", key, err)
		}
		rec.Timings[key] = seconds
	}

	*r = rec
	return nil
}
