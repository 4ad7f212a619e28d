package domain

import "time"

// EventType identifies a source lifecycle event.
type EventType string

const (
	EventSourceAdded       EventType = "source_added"
	EventStateChanged      EventType = "state_changed"
	EventSourceError       EventType = "source_error"
	EventSourceRemoved     EventType = "source_removed"
	EventRecoveryExhausted EventType = "recovery_exhausted"
	EventSourceQuarantined EventType = "source_quarantined"
	EventSourceEOS         EventType = "source_eos"
)

// SourceEvent is emitted on every source state transition. Transitions are
// the sole trigger point; subscribers never observe a mutation without an
// accompanying event.
type SourceEvent struct {
	ID             string          `json:"id"`
	Type           EventType       `json:"type"`
	SourceID       SourceID        `json:"source_id"`
	URI            string          `json:"uri"`
	OldState       SourceState     `json:"old_state,omitempty"`
	NewState       SourceState     `json:"new_state,omitempty"`
	Classification *Classification `json:"classification,omitempty"`
	Error          string          `json:"error,omitempty"`
	EmittedAt      time.Time       `json:"emitted_at"`
}
