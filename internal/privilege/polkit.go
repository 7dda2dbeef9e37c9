package privilege

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/godbus/dbus/v5"
)

const (
	polkitBusName   = "org.freedesktop.PolicyKit1"
	polkitPath      = dbus.ObjectPath("/org/freedesktop/PolicyKit1/Authority")
	polkitCheckCall = "org.freedesktop.PolicyKit1.Authority.CheckAuthorization"

	checkFlagNone             = uint32(0)
	checkFlagAllowInteraction = uint32(1)
)

// PolkitAuthority asks polkitd whether this process holds an action, over
// the system bus. The non-interactive form is what makes passwordless mode
// prompt-free.
type PolkitAuthority struct {
	conn *dbus.Conn
}

func NewPolkitAuthority(ctx context.Context) (*PolkitAuthority, error) {
	conn, err := dbus.SystemBusPrivate(dbus.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("polkit: connect system bus: %w", err)
	}
	if err := conn.Auth(nil); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("polkit: auth: %w", err)
	}
	if err := conn.Hello(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("polkit: hello: %w", err)
	}
	return &PolkitAuthority{conn: conn}, nil
}

func (a *PolkitAuthority) Close() error {
	if a.conn != nil {
		return a.conn.Close()
	}
	return nil
}

// checkResult mirrors polkit's (b, b, a{ss}) reply.
type checkResult struct {
	IsAuthorized bool
	IsChallenge  bool
	Details      map[string]string
}

func (a *PolkitAuthority) CheckAuthorization(ctx context.Context, actionID string, allowInteraction bool) (bool, error) {
	pid := uint32(os.Getpid())
	subject := struct {
		Kind    string
		Details map[string]dbus.Variant
	}{
		Kind: "unix-process",
		Details: map[string]dbus.Variant{
			"pid":        dbus.MakeVariant(pid),
			"start-time": dbus.MakeVariant(procStartTime(int(pid))),
		},
	}

	flags := checkFlagNone
	if allowInteraction {
		flags = checkFlagAllowInteraction
	}

	var res checkResult
	obj := a.conn.Object(polkitBusName, polkitPath)
	call := obj.CallWithContext(ctx, polkitCheckCall, 0,
		subject, actionID, map[string]string{}, flags, "")
	if call.Err != nil {
		return false, fmt.Errorf("polkit: check %s: %w", actionID, call.Err)
	}
	if err := call.Store(&res); err != nil {
		return false, fmt.Errorf("polkit: decode reply: %w", err)
	}
	return res.IsAuthorized, nil
}

// procStartTime reads the process start time (clock ticks since boot) from
// /proc/<pid>/stat; polkit uses it to guard against PID reuse. Zero lets
// polkitd resolve it itself.
func procStartTime(pid int) uint64 {
	b, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return 0
	}
	// Field 22, counted after the parenthesized comm which may contain spaces.
	s := string(b)
	i := strings.LastIndexByte(s, ')')
	if i < 0 || i+2 > len(s) {
		return 0
	}
	fields := strings.Fields(s[i+2:])
	// fields[0] is state (field 3); start time is field 22 overall.
	const startTimeIdx = 22 - 3
	if len(fields) <= startTimeIdx {
		return 0
	}
	v, err := strconv.ParseUint(fields[startTimeIdx], 10, 64)
	if err != nil {
		return 0
	}
	return v
}
