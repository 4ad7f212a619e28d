package domain

import "time"

// SourceID identifies a managed stream source. IDs are assigned monotonically
// by the source manager and are never reused, even after removal.
type SourceID uint64

// SourceState represents the lifecycle state of a source.
type SourceState string

const (
	StateAdded      SourceState = "added"
	StateConnecting SourceState = "connecting"
	StatePlaying    SourceState = "playing"
	StatePaused     SourceState = "paused"
	StateError      SourceState = "error"
	StateRecovering SourceState = "recovering"
	StateRemoved    SourceState = "removed"
)

// validTransitions restricts the lifecycle graph. Removed is a sink and
// admits no further transitions.
var validTransitions = map[SourceState][]SourceState{
	StateAdded:      {StateConnecting, StateRemoved},
	StateConnecting: {StatePlaying, StateError, StateRemoved},
	StatePlaying:    {StatePaused, StateError, StateRemoved},
	StatePaused:     {StatePlaying, StateError, StateRemoved},
	StateError:      {StateRecovering, StateRemoved},
	StateRecovering: {StatePlaying, StateError, StateRemoved},
	StateRemoved:    {},
}

// CanTransition reports whether moving from one state to another is a legal
// lifecycle transition.
func CanTransition(from, to SourceState) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the state admits no further mutation.
func (s SourceState) IsTerminal() bool {
	return s == StateRemoved
}

// SourceInfo is a read-only snapshot of a managed source.
type SourceInfo struct {
	ID        SourceID    `json:"id"`
	URI       string      `json:"uri"`
	State     SourceState `json:"state"`
	CreatedAt time.Time   `json:"created_at"`
	LastError string      `json:"last_error,omitempty"`
}
