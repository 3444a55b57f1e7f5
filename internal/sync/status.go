package sync

import (
	"time"

	"github.com/bellaotica/optisync/internal/queue"
	"github.com/bellaotica/optisync/internal/schema"
)

// State is the engine's observable phase.
type State int

const (
	// StateIdle means no cycle is running.
	StateIdle State = iota

	// StatePushing means at least one table is draining its queue.
	StatePushing

	// StatePulling means at least one table is applying remote changes.
	StatePulling

	// StateConflictPending means a conflict is mid-resolution.
	StateConflictPending

	// StateError means the last cycle failed and the engine is waiting
	// (backoff or re-authentication) before trying again.
	StateError
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePushing:
		return "pushing"
	case StatePulling:
		return "pulling"
	case StateConflictPending:
		return "conflict-pending"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Status is a point-in-time snapshot of the engine.
type Status struct {
	State       State                `json:"state"`
	LastError   string               `json:"last_error,omitempty"`
	QueueDepth  int                  `json:"queue_depth"`
	DeadLetters int                  `json:"dead_letters"`
	Dirty       int                  `json:"dirty_records"`
	Watermarks  map[string]time.Time `json:"watermarks"`
	LastCycle   time.Time            `json:"last_cycle,omitempty"`
}

// CycleResult summarizes one table's completed cycle.
type CycleResult struct {
	Table    string        `json:"table"`
	Pushed   int           `json:"pushed"`
	Pulled   int           `json:"pulled"`
	Duration time.Duration `json:"duration"`
}

// Notifier receives engine events for display. Implementations must not
// block; the engine calls them inline from cycle goroutines.
//
// A nil Notifier is valid and disables reporting.
type Notifier interface {
	// StateChanged fires when the engine's observable state moves.
	StateChanged(st State)

	// CycleComplete fires after a table finishes push+pull.
	CycleComplete(res CycleResult)

	// ConflictResolved fires after a conflict was merged or a remote
	// deletion discarded local changes.
	ConflictResolved(table, recordID string, policy schema.MergePolicy, remoteDeleteWon bool)

	// DeadLettered fires when an entry exhausts its attempts or is
	// rejected as invalid.
	DeadLettered(e queue.Entry)
}
