package syncer

import (
	"time"
)

// State is a sync pair's position in the state machine.
type State int

const (
	StateIdle State = iota
	StateComputingDelta
	StateTransmitting
	StateApplying
	StateCompleted
	StateFailed
	StateConflictPending
)

// String returns the snake_case name of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateComputingDelta:
		return "computing_delta"
	case StateTransmitting:
		return "transmitting"
	case StateApplying:
		return "applying"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateConflictPending:
		return "conflict_pending"
	default:
		return "unknown"
	}
}

// Terminal reports whether the state ends a run.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateConflictPending
}

// Record is the long-lived sync bookkeeping for one (source, target) pair.
// It spans the pair's whole relationship, not a single run.
type Record struct {
	Source string `json:"source"`
	Target string `json:"target"`
	Status State  `json:"-"`

	// StatusName mirrors Status for JSON consumers.
	StatusName string `json:"status"`

	// Checkpoint is the source position the latest run applied at the
	// target. Positions advance independently per scope filter, so a
	// scoped run never moves the unscoped position past changes its
	// filter skipped.
	Checkpoint int64 `json:"checkpoint"`

	Conflicts []Conflict `json:"conflicts,omitempty"`

	StartedAt time.Time `json:"started_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Attempts counts transport calls of the latest run, retries included.
	Attempts int `json:"attempts"`

	// LastError describes the latest failure, empty while healthy.
	LastError string `json:"last_error,omitempty"`
}
