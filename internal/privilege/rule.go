package privilege

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/user"
	"strings"
	"time"

	"nyxd/internal/unit"
)

const ruleFile = "/etc/polkit-1/rules.d/50-nyxd-systemctl.rules"

const ruleTemplate = `/* Allow %[1]s to manage systemd services without password */
polkit.addRule(function(action, subject) {
    if ((action.id == "org.freedesktop.systemd1.manage-units" ||
         action.id == "org.freedesktop.systemd1.manage-unit-files" ||
         action.id == "org.freedesktop.systemd1.reload-daemon") &&
        subject.user == "%[1]s") {
        return polkit.Result.YES;
    }
});
`

const ruleInstallTimeout = 30 * time.Second

// InstallPasswordlessRule writes the polkit rule that grants the current
// user unit management without a prompt. The write itself goes through one
// pkexec prompt; after that, passwordless mode is prompt-free.
func InstallPasswordlessRule(ctx context.Context) error {
	u, err := user.Current()
	if err != nil {
		return fmt.Errorf("resolve current user: %w", err)
	}

	tmp, err := os.CreateTemp("", "nyxd-polkit-*.rules")
	if err != nil {
		return fmt.Errorf("write rule temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := fmt.Fprintf(tmp, ruleTemplate, u.Username); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write rule temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write rule temp file: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, ruleInstallTimeout)
	defer cancel()

	script := fmt.Sprintf("install -m 644 %s %s", shellQuote(tmpPath), shellQuote(ruleFile))
	return runPkexecShell(ctx, script, "install polkit rule")
}

// RemovePasswordlessRule deletes the rule, restoring interactive prompts.
func RemovePasswordlessRule(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, ruleInstallTimeout)
	defer cancel()
	return runPkexecShell(ctx, "rm -f "+shellQuote(ruleFile), "remove polkit rule")
}

// RuleInstalled reports whether the rule file exists. Reading the directory
// may need privileges; a permission error counts as "unknown", not
// installed.
func RuleInstalled() bool {
	_, err := os.Stat(ruleFile)
	return err == nil
}

func runPkexecShell(ctx context.Context, script, what string) error {
	out, err := exec.CommandContext(ctx, "pkexec", "sh", "-c", script).CombinedOutput()
	if err == nil {
		return nil
	}
	if ctx.Err() == context.DeadlineExceeded {
		return fmt.Errorf("%s: %w", what, unit.ErrTimeout)
	}
	if ee, ok := err.(*exec.ExitError); ok {
		switch ee.ExitCode() {
		case pkexecExitDismissed, pkexecExitNotAuthorized:
			return fmt.Errorf("%s: %w", what, unit.ErrElevationDenied)
		}
		detail := strings.TrimSpace(string(out))
		if detail == "" {
			detail = err.Error()
		}
		return fmt.Errorf("%s: %s", what, detail)
	}
	return fmt.Errorf("%s: %w: %w", what, unit.ErrElevationUnavailable, err)
}

func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	if !strings.ContainsAny(s, " \t\n'\"\\$&|;<>(){}*?[]~#") {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
