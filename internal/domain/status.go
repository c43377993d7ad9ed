package domain

import (
	"fmt"
	"time"
)

// Phase is a stage's position in the pending → running → {done, error}
// state machine.
type Phase string

// Possible phase values
const (
	PhasePending Phase = "pending"
	PhaseRunning Phase = "running"
	PhaseDone    Phase = "done"
	PhaseError   Phase = "error"
)

// Valid reports whether p is a known phase.
func (p Phase) Valid() bool {
	switch p {
	case PhasePending, PhaseRunning, PhaseDone, PhaseError:
		return true
	default:
		return false
	}
}

// Terminal reports whether p ends a run.
func (p Phase) Terminal() bool {
	return p == PhaseDone || p == PhaseError
}

// StageKey addresses one status record.
type StageKey struct {
	Group string `json:"group"`
	Stage string `json:"stage"`
}

// String renders the key as group/stage.
func (k StageKey) String() string {
	return k.Group + "/" + k.Stage
}

// Validate checks that both parts of the key are usable as path components.
func (k StageKey) Validate() error {
	if err := ValidateGroupID(k.Group); err != nil {
		return err
	}
	if err := ValidateGroupID(k.Stage); err != nil {
		return fmt.Errorf("stage: %w", err)
	}
	return nil
}

// GroupStatus is the persisted status record of one (group, stage).
type GroupStatus struct {
	Group     string         `json:"group"`
	Stage     string         `json:"stage"`
	Phase     Phase          `json:"phase"`
	RunID     string         `json:"run_id,omitempty"`
	UpdatedAt time.Time      `json:"updated_at"`
	Error     string         `json:"error,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Key returns the record's stage key.
func (s *GroupStatus) Key() StageKey {
	return StageKey{Group: s.Group, Stage: s.Stage}
}
