package systemdctl

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
)

const maxJournalLines = 10000

// Journal tails the unit's journal via journalctl. lines is clamped to
// [1, 10000]; the caller bounds the call with ctx.
func Journal(ctx context.Context, bus Bus, name string, lines int) (string, error) {
	if lines <= 0 {
		lines = 100
	}
	if lines > maxJournalLines {
		lines = maxJournalLines
	}

	args := make([]string, 0, 8)
	if bus == UserBus {
		args = append(args, "--user")
	}
	args = append(args,
		"-u", UnitName(name),
		"-n", strconv.Itoa(lines),
		"--no-pager",
		"--output=short-iso",
	)

	out, err := exec.CommandContext(ctx, "journalctl", args...).Output()
	if err != nil {
		if ee, ok := err.(*exec.ExitError); ok && len(ee.Stderr) > 0 {
			return "", fmt.Errorf("journalctl failed for %s: %s", name, string(ee.Stderr))
		}
		return "", fmt.Errorf("journalctl failed for %s: %w", name, err)
	}
	return string(out), nil
}
