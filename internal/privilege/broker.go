// Package privilege decides, per control operation, whether elevation is
// required and executes the underlying systemd verb with the minimum
// escalation needed.
//
// Policy:
//   - user scope never elevates; the verb goes straight to the user manager.
//   - system scope with passwordless mode on tries the polkit-backed
//     non-interactive path first.
//   - if that path is unavailable or denied, it falls back to one interactive
//     prompt per call. It never silently retries with different privilege
//     levels.
package privilege

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"nyxd/internal/unit"
	logx "nyxd/pkg/logx"
)

// PolkitActionManageUnits is the polkit action systemd checks for unit
// control on the system bus.
const PolkitActionManageUnits = "org.freedesktop.systemd1.manage-units"

const defaultExecuteTimeout = 15 * time.Second

// Controller executes a control verb directly against one systemd manager
// (no elevation of its own). pkg/systemdctl.Manager satisfies this.
type Controller interface {
	Start(ctx context.Context, name string) error
	Stop(ctx context.Context, name string) error
	Restart(ctx context.Context, name string) error
	Enable(ctx context.Context, name string) error
	Disable(ctx context.Context, name string) error
}

// Authority answers polkit authorization checks.
type Authority interface {
	// CheckAuthorization reports whether the current process holds actionID.
	// With allowInteraction false the check never shows a dialog.
	CheckAuthorization(ctx context.Context, actionID string, allowInteraction bool) (bool, error)
}

// Prompt runs one control verb through an interactive elevation path
// (pkexec). It may block on credential entry up to the caller's deadline.
type Prompt interface {
	Run(ctx context.Context, name string, action unit.Action) error
}

// Broker routes control verbs through the right privilege path.
type Broker struct {
	controllers map[unit.Scope]Controller
	authority   Authority
	prompt      Prompt
	session     *Session
	timeout     time.Duration
	log         logx.Logger
}

type BrokerOption func(*Broker)

func WithTimeout(d time.Duration) BrokerOption {
	return func(b *Broker) {
		if d > 0 {
			b.timeout = d
		}
	}
}

func WithBrokerLogger(log logx.Logger) BrokerOption {
	return func(b *Broker) { b.log = log }
}

func NewBroker(controllers map[unit.Scope]Controller, authority Authority, prompt Prompt, session *Session, opts ...BrokerOption) *Broker {
	b := &Broker{
		controllers: controllers,
		authority:   authority,
		prompt:      prompt,
		session:     session,
		timeout:     defaultExecuteTimeout,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

func (b *Broker) Session() *Session { return b.session }

// Execute runs action for name under the scope's privilege policy. The call
// is bounded by the broker timeout, generous enough for interactive
// credential entry.
func (b *Broker) Execute(ctx context.Context, scope unit.Scope, name string, action unit.Action) error {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	if scope == unit.ScopeUser {
		return b.direct(ctx, scope, name, action)
	}

	if b.session.Passwordless() {
		authorized := b.session.Granted(scope)
		if !authorized && b.authority != nil {
			ok, err := b.authority.CheckAuthorization(ctx, PolkitActionManageUnits, false)
			if err != nil {
				if !b.log.IsZero() {
					b.log.Warn("polkit check failed; falling back to interactive prompt",
						logx.String("unit", name), logx.Err(err))
				}
			}
			authorized = err == nil && ok
		}
		if authorized {
			err := b.direct(ctx, scope, name, action)
			switch {
			case err == nil:
				b.session.MarkGranted(scope)
				return nil
			case errors.Is(err, unit.ErrElevationDenied):
				// Stale session grant or a since-revoked polkit rule: drop
				// the cache and take the interactive path below.
				b.session.Revoke(scope)
				if !b.log.IsZero() {
					b.log.Warn("passwordless path denied; falling back to interactive prompt",
						logx.String("unit", name), logx.Err(err))
				}
			default:
				// The verb itself failed after systemd accepted the caller:
				// report it, do not re-run through another privilege level.
				return err
			}
		}
	}

	// Interactive path: exactly one prompt per call.
	if b.prompt == nil {
		return fmt.Errorf("%s %s: %w", action, name, unit.ErrElevationUnavailable)
	}
	if err := b.prompt.Run(ctx, name, action); err != nil {
		return mapTimeout(ctx, err)
	}
	b.session.MarkGranted(scope)
	return nil
}

func (b *Broker) direct(ctx context.Context, scope unit.Scope, name string, action unit.Action) error {
	ctl, ok := b.controllers[scope]
	if !ok || ctl == nil {
		return fmt.Errorf("no %s-scope controller: %w", scope, unit.ErrElevationUnavailable)
	}

	var err error
	switch action {
	case unit.ActionStart:
		err = ctl.Start(ctx, name)
	case unit.ActionStop:
		err = ctl.Stop(ctx, name)
	case unit.ActionRestart:
		err = ctl.Restart(ctx, name)
	case unit.ActionEnable:
		err = ctl.Enable(ctx, name)
	case unit.ActionDisable:
		err = ctl.Disable(ctx, name)
	default:
		return fmt.Errorf("unsupported action %q", action)
	}
	if err == nil {
		return nil
	}
	return mapTimeout(ctx, mapBusError(err, name, action))
}

// mapBusError classifies D-Bus level failures into the broker taxonomy.
func mapBusError(err error, name string, action unit.Action) error {
	es := strings.ToLower(err.Error())
	// systemd answers "interactive authentication required" (and the generic
	// AccessDenied D-Bus error) when the caller lacks the polkit grant.
	if strings.Contains(es, "interactive authentication required") ||
		strings.Contains(es, "accessdenied") ||
		strings.Contains(es, "permission denied") {
		return fmt.Errorf("%s %s: %w: %w", action, name, unit.ErrElevationDenied, err)
	}
	// No exit code on the D-Bus path; -1 marks "not a process exit".
	return &unit.CommandFailedError{Action: action, Unit: name, ExitCode: -1, Detail: err.Error()}
}

func mapTimeout(ctx context.Context, err error) error {
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", unit.ErrTimeout, err)
	}
	return err
}
