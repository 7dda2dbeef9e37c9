package privilege

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"nyxd/internal/unit"
)

// pkexec's own exit codes, distinct from the wrapped command's.
const (
	pkexecExitDismissed     = 126
	pkexecExitNotAuthorized = 127
)

// PkexecPrompt runs `pkexec systemctl <action> <unit>`: one polkit dialog per
// call, then the verb under the granted privilege.
type PkexecPrompt struct{}

func NewPkexecPrompt() *PkexecPrompt { return &PkexecPrompt{} }

func (p *PkexecPrompt) Run(ctx context.Context, name string, action unit.Action) error {
	cmd := exec.CommandContext(ctx, "pkexec", "systemctl", string(action), name)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err == nil {
		return nil
	}

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%s %s: %w", action, name, unit.ErrTimeout)
	}

	var ee *exec.ExitError
	if errors.As(err, &ee) {
		detail := strings.TrimSpace(stderr.String())
		switch ee.ExitCode() {
		case pkexecExitDismissed:
			return fmt.Errorf("%s %s: authentication dialog dismissed: %w", action, name, unit.ErrElevationDenied)
		case pkexecExitNotAuthorized:
			return fmt.Errorf("%s %s: not authorized: %w", action, name, unit.ErrElevationDenied)
		default:
			// pkexec passed through systemctl's own failure.
			return &unit.CommandFailedError{Action: action, Unit: name, ExitCode: ee.ExitCode(), Detail: detail}
		}
	}

	// pkexec binary missing or unrunnable.
	return fmt.Errorf("%s %s: pkexec: %w: %w", action, name, unit.ErrElevationUnavailable, err)
}
