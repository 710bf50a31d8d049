package models

import (
	"errors"
	"fmt"
	"time"
)

// ErrUnknownPhase is returned when a phase name is not part of the Phase enum
var ErrUnknownPhase = errors.New("unknown phase")

// Phase represents a coarse stage of the training loop
type Phase string

const (
	PhaseIdle     Phase = "idle"
	PhaseRollout  Phase = "rollout"
	PhaseRLPolicy Phase = "rl_policy"
	PhaseTraining Phase = "training"
)

// phaseIDs pairs every phase with its stable numeric id
var phaseIDs = map[Phase]int{
	PhaseIdle:     0,
	PhaseRollout:  1,
	PhaseRLPolicy: 2,
	PhaseTraining: 3,
}

// AllPhases returns every phase in id order
func AllPhases() []Phase {
	return []Phase{PhaseIdle, PhaseRollout, PhaseRLPolicy, PhaseTraining}
}

// ParsePhase converts a phase name into a Phase
func ParsePhase(name string) (Phase, error) {
	p := Phase(name)
	if _, ok := phaseIDs[p]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownPhase, name)
	}
	return p, nil
}

// ID returns the numeric id paired with the phase
func (p Phase) ID() (int, bool) {
	id, ok := phaseIDs[p]
	return id, ok
}

// Valid reports whether p is one of the enumerated phases
func (p Phase) Valid() bool {
	_, ok := phaseIDs[p]
	return ok
}

func (p Phase) String() string {
	return string(p)
}

// PhaseState is the snapshot published to the state file
type PhaseState struct {
	PhaseID   int     `json:"phase_id"`
	PhaseName Phase   `json:"phase_name"`
	Iteration int     `json:"iteration"`
	Timestamp float64 `json:"timestamp"` // Seconds since epoch
}

// NewPhaseState builds a snapshot for a known phase. The caller must pass a
// valid phase; ids for unknown phases are never produced.
func NewPhaseState(p Phase, iteration int, at time.Time) (PhaseState, error) {
	id, ok := p.ID()
	if !ok {
		return PhaseState{}, fmt.Errorf("%w: %q", ErrUnknownPhase, string(p))
	}
	return PhaseState{
		PhaseID:   id,
		PhaseName: p,
		Iteration: iteration,
		Timestamp: EpochSeconds(at),
	}, nil
}

// IdleState returns the idle snapshot used at startup and as the read fallback
func IdleState(at time.Time) PhaseState {
	return PhaseState{
		PhaseID:   phaseIDs[PhaseIdle],
		PhaseName: PhaseIdle,
		Iteration: 0,
		Timestamp: EpochSeconds(at),
	}
}

// Valid reports whether the id and name refer to the same phase and the
// iteration is non-negative
func (s PhaseState) Valid() bool {
	id, ok := s.PhaseName.ID()
	return ok && id == s.PhaseID && s.Iteration >= 0
}

// Time converts the snapshot timestamp back into a time.Time
func (s PhaseState) Time() time.Time {
	sec := int64(s.Timestamp)
	nsec := int64((s.Timestamp - float64(sec)) * 1e9)
	return time.Unix(sec, nsec)
}

// EpochSeconds converts t into fractional seconds since the Unix epoch
func EpochSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}
