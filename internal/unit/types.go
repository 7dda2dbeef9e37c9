package unit

import (
	"fmt"
	"strings"
	"time"
)

// Scope selects which systemd manager instance owns a unit and which
// privilege path applies to control verbs.
type Scope string

const (
	ScopeUser   Scope = "user"
	ScopeSystem Scope = "system"
)

func ParseScope(s string) (Scope, error) {
	switch Scope(strings.ToLower(strings.TrimSpace(s))) {
	case ScopeUser:
		return ScopeUser, nil
	case ScopeSystem:
		return ScopeSystem, nil
	default:
		return "", fmt.Errorf("invalid scope %q (want user or system)", s)
	}
}

func (s Scope) Valid() bool { return s == ScopeUser || s == ScopeSystem }

// State is the engine's view of a unit, mapped from systemd's ActiveState
// vocabulary. Starting/stopping cover both native transitional states and the
// registry's optimistic transitions.
type State string

const (
	StateUnknown  State = "unknown"
	StateRunning  State = "running"
	StateStopped  State = "stopped"
	StateFailed   State = "failed"
	StateStarting State = "starting"
	StateStopping State = "stopping"
)

// Transitional reports whether the state is a short-lived in-between state.
func (s State) Transitional() bool { return s == StateStarting || s == StateStopping }

// StateFromActive maps a systemd ActiveState string onto the engine model.
func StateFromActive(active string) State {
	switch active {
	case "active", "reloading":
		return StateRunning
	case "inactive":
		return StateStopped
	case "failed":
		return StateFailed
	case "activating":
		return StateStarting
	case "deactivating":
		return StateStopping
	default:
		return StateUnknown
	}
}

// Action is a systemd control verb. Submit accepts only the run-state verbs
// (start/stop/restart); enable/disable ride the same privilege path but never
// touch run state.
type Action string

const (
	ActionStart   Action = "start"
	ActionStop    Action = "stop"
	ActionRestart Action = "restart"
	ActionEnable  Action = "enable"
	ActionDisable Action = "disable"
)

func ParseAction(s string) (Action, error) {
	switch Action(strings.ToLower(strings.TrimSpace(s))) {
	case ActionStart:
		return ActionStart, nil
	case ActionStop:
		return ActionStop, nil
	case ActionRestart:
		return ActionRestart, nil
	default:
		return "", fmt.Errorf("invalid action %q", s)
	}
}

func (a Action) Valid() bool {
	return a == ActionStart || a == ActionStop || a == ActionRestart
}

// Optimistic returns the transitional state the registry applies the moment
// an action is dispatched, before systemd confirms anything.
func (a Action) Optimistic() State {
	if a == ActionStart {
		return StateStarting
	}
	return StateStopping
}

// Spec is the immutable identity of a registered unit. Scope is fixed at
// creation; changing it means unregistering and re-registering.
type Spec struct {
	Name        string
	DisplayName string
	Scope       Scope
	IconRef     string
	AutoStart   bool
	TrayEnabled bool
}

// Handle is an external snapshot of one registered unit: identity plus the
// last confirmed observation.
type Handle struct {
	Spec

	State     State
	LastError string
	ChangedAt time.Time
}

// ControlRequest is the ephemeral control intent submitted by the UI.
type ControlRequest struct {
	UnitName    string
	Action      Action
	RequestedAt time.Time
}

// Observation is one poll result for a unit.
type Observation struct {
	State    State
	SubState string
	At       time.Time
}
