package unit

import (
	"errors"
	"fmt"
)

// Sentinel error kinds returned by the registry and privilege broker.
// Callers classify with errors.Is; CommandFailedError carries detail and is
// matched with errors.As.
var (
	ErrDuplicateUnit        = errors.New("unit already registered")
	ErrNotFound             = errors.New("unit not registered")
	ErrElevationDenied      = errors.New("privilege elevation denied")
	ErrElevationUnavailable = errors.New("privilege elevation unavailable")
	ErrQueryFailed          = errors.New("unit state query failed")
	ErrTimeout              = errors.New("operation timed out")
	ErrConfigIO             = errors.New("config store failure")
)

// CommandFailedError reports a systemd-rejected control action.
type CommandFailedError struct {
	Action   Action
	Unit     string
	ExitCode int
	Detail   string
}

func (e *CommandFailedError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s %s failed (exit %d): %s", e.Action, e.Unit, e.ExitCode, e.Detail)
	}
	return fmt.Sprintf("%s %s failed (exit %d)", e.Action, e.Unit, e.ExitCode)
}

// IsCommandFailed extracts a CommandFailedError from an error chain.
func IsCommandFailed(err error) (*CommandFailedError, bool) {
	var cf *CommandFailedError
	if errors.As(err, &cf) {
		return cf, true
	}
	return nil, false
}
