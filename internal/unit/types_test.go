package unit

import (
	"errors"
	"testing"
)

func TestParseScope(t *testing.T) {
	cases := map[string]Scope{
		"user":    ScopeUser,
		"SYSTEM":  ScopeSystem,
		" user ":  ScopeUser,
		"":        "",
		"session": "",
	}
	for in, want := range cases {
		got, err := ParseScope(in)
		if want == "" {
			if err == nil {
				t.Errorf("ParseScope(%q): expected error", in)
			}
			continue
		}
		if err != nil || got != want {
			t.Errorf("ParseScope(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
}

func TestStateFromActive(t *testing.T) {
	cases := map[string]State{
		"active":       StateRunning,
		"reloading":    StateRunning,
		"inactive":     StateStopped,
		"failed":       StateFailed,
		"activating":   StateStarting,
		"deactivating": StateStopping,
		"maintenance":  StateUnknown,
		"":             StateUnknown,
	}
	for in, want := range cases {
		if got := StateFromActive(in); got != want {
			t.Errorf("StateFromActive(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestActionOptimistic(t *testing.T) {
	if got := ActionStart.Optimistic(); got != StateStarting {
		t.Fatalf("start -> %v", got)
	}
	if got := ActionStop.Optimistic(); got != StateStopping {
		t.Fatalf("stop -> %v", got)
	}
	if got := ActionRestart.Optimistic(); got != StateStopping {
		t.Fatalf("restart -> %v", got)
	}
}

func TestActionValidity(t *testing.T) {
	for _, a := range []Action{ActionStart, ActionStop, ActionRestart} {
		if !a.Valid() {
			t.Errorf("%s should be a valid submit action", a)
		}
	}
	for _, a := range []Action{ActionEnable, ActionDisable, Action("kill")} {
		if a.Valid() {
			t.Errorf("%s must not be submittable", a)
		}
	}
	if _, err := ParseAction("enable"); err == nil {
		t.Error("enable must not parse as a submit action")
	}
}

func TestCommandFailedErrorChain(t *testing.T) {
	cf := &CommandFailedError{Action: ActionRestart, Unit: "nginx", ExitCode: 1, Detail: "job failed"}
	wrapped := errors.Join(ErrTimeout, cf)

	got, ok := IsCommandFailed(wrapped)
	if !ok || got.ExitCode != 1 {
		t.Fatalf("IsCommandFailed = %v, %v", got, ok)
	}
	if !errors.Is(wrapped, ErrTimeout) {
		t.Fatal("sentinel lost in chain")
	}
}
