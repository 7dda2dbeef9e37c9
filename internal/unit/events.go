package unit

import "time"

// EventKind discriminates engine events on the bus.
type EventKind string

const (
	EventStateChanged  EventKind = "state_changed"
	EventControlFailed EventKind = "control_failed"
)

// StateChanged is emitted when a unit's resolved state differs from its
// previous state, whether from a poll observation or an optimistic
// transition.
type StateChanged struct {
	UnitName string
	Old      State
	New      State
	At       time.Time
}

// ControlFailed is emitted when a control action or a state query fails.
// Query failures wrap ErrQueryFailed so subscribers can tell them apart.
type ControlFailed struct {
	UnitName string
	Action   Action
	Err      error
	At       time.Time
}
