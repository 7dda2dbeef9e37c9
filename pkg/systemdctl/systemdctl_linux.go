//go:build linux

package systemdctl

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/dbus"
)

// Manager is the D-Bus backed Client for one systemd manager instance.
type Manager struct {
	mu   sync.RWMutex
	bus  Bus
	conn *dbus.Conn
}

// New connects to the systemd manager selected by bus, using ctx for the
// initial D-Bus handshake.
func New(ctx context.Context, bus Bus) (*Manager, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	var (
		conn *dbus.Conn
		err  error
	)
	switch bus {
	case UserBus:
		conn, err = dbus.NewUserConnectionContext(ctx)
	default:
		conn, err = dbus.NewSystemConnectionContext(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to systemd (%s bus): %w", bus, err)
	}

	return &Manager{bus: bus, conn: conn}, nil
}

func (m *Manager) Bus() Bus { return m.bus }

// Close closes the systemd connection.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
	return nil
}

func (m *Manager) connection() (*dbus.Conn, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.conn == nil {
		return nil, fmt.Errorf("systemd connection is closed")
	}
	return m.conn, nil
}

//
// Status
//

// Status is a cheap status lookup intended for high-frequency polling.
//
// It uses ListUnitsByPatterns (lightweight) for the core state, and only
// falls back to the full property map when the pattern query comes back
// empty (missing units, older backends).
func (m *Manager) Status(ctx context.Context, name string) (Status, error) {
	conn, err := m.connection()
	if err != nil {
		return Status{}, err
	}

	unitName := UnitName(name)

	units, err := conn.ListUnitsByPatternsContext(ctx, nil, []string{unitName})
	if err == nil && len(units) > 0 {
		// Prefer exact match if patterns returned multiple.
		u := units[0]
		for _, x := range units {
			if x.Name == unitName {
				u = x
				break
			}
		}
		st := Status{
			Name:        name,
			ActiveState: u.ActiveState,
			SubState:    u.SubState,
			LoadState:   u.LoadState,
			Description: u.Description,
		}
		if st.NotFound() {
			st.ActiveState = "unknown"
			return st, nil
		}
		return st, nil
	}

	// Fallback: property query (handles missing units or older backends).
	props, err := conn.GetUnitPropertiesContext(ctx, unitName)
	if err != nil {
		if isNoSuchUnitErr(err) {
			return Status{Name: name, ActiveState: "unknown", SubState: "not-found", LoadState: "not-found"}, nil
		}
		return Status{}, fmt.Errorf("failed to get status for %s: %w", name, err)
	}

	return statusFromProps(name, props), nil
}

// StatusFull adds timestamps, memory, and uptime on top of Status. Used by
// the unit detail view, not the poll loop.
func (m *Manager) StatusFull(ctx context.Context, name string) (Status, error) {
	conn, err := m.connection()
	if err != nil {
		return Status{}, err
	}

	unitName := UnitName(name)
	props, err := conn.GetUnitPropertiesContext(ctx, unitName)
	if err != nil {
		if isNoSuchUnitErr(err) {
			return Status{Name: name, ActiveState: "unknown", SubState: "not-found", LoadState: "not-found"}, nil
		}
		return Status{}, fmt.Errorf("failed to get status for %s: %w", name, err)
	}

	st := statusFromProps(name, props)
	if st.NotFound() {
		return st, nil
	}

	if mem, ok := props["MemoryCurrent"].(uint64); ok && mem > 0 {
		st.Memory = mem
	} else if mem, ok := props["MemoryUsage"].(uint64); ok && mem > 0 {
		st.Memory = mem
	}
	if !st.ActiveSince.IsZero() && st.ActiveState == "active" {
		st.Uptime = time.Since(st.ActiveSince)
	}
	return st, nil
}

func statusFromProps(name string, props map[string]interface{}) Status {
	activeState, _ := getStringProperty(props, "ActiveState")
	subState, _ := getStringProperty(props, "SubState")
	loadState, _ := getStringProperty(props, "LoadState")
	description, _ := getStringProperty(props, "Description")

	if loadState == "not-found" {
		return Status{Name: name, ActiveState: "unknown", SubState: "not-found", LoadState: "not-found"}
	}

	return Status{
		Name:        name,
		ActiveState: activeState,
		SubState:    subState,
		LoadState:   loadState,
		Description: description,
		ActiveSince: parseTimestamp(props, "ActiveEnterTimestamp"),
		StateChange: parseTimestamp(props, "StateChangeTimestamp"),
	}
}

func isNoSuchUnitErr(err error) bool {
	if err == nil {
		return false
	}
	es := err.Error()
	// systemd returns org.freedesktop.systemd1.NoSuchUnit for missing units.
	if strings.Contains(es, "NoSuchUnit") {
		return true
	}
	return strings.Contains(es, "not-found")
}

//
// Control verbs
//

func (m *Manager) Start(ctx context.Context, name string) error {
	conn, err := m.connection()
	if err != nil {
		return err
	}
	if _, err := conn.StartUnitContext(ctx, UnitName(name), "replace", nil); err != nil {
		return fmt.Errorf("failed to start %s: %w", name, err)
	}
	return nil
}

func (m *Manager) Stop(ctx context.Context, name string) error {
	conn, err := m.connection()
	if err != nil {
		return err
	}
	if _, err := conn.StopUnitContext(ctx, UnitName(name), "replace", nil); err != nil {
		return fmt.Errorf("failed to stop %s: %w", name, err)
	}
	return nil
}

func (m *Manager) Restart(ctx context.Context, name string) error {
	conn, err := m.connection()
	if err != nil {
		return err
	}
	if _, err := conn.RestartUnitContext(ctx, UnitName(name), "replace", nil); err != nil {
		return fmt.Errorf("failed to restart %s: %w", name, err)
	}
	return nil
}

//
// Boot enablement
//

func (m *Manager) Enable(ctx context.Context, name string) error {
	conn, err := m.connection()
	if err != nil {
		return err
	}
	if _, _, err := conn.EnableUnitFilesContext(ctx, []string{UnitName(name)}, false, true); err != nil {
		return fmt.Errorf("failed to enable %s: %w", name, err)
	}
	if err := conn.ReloadContext(ctx); err != nil {
		return fmt.Errorf("enabled %s but failed to reload systemd daemon: %w", name, err)
	}
	return nil
}

func (m *Manager) Disable(ctx context.Context, name string) error {
	conn, err := m.connection()
	if err != nil {
		return err
	}
	if _, err := conn.DisableUnitFilesContext(ctx, []string{UnitName(name)}, false); err != nil {
		return fmt.Errorf("failed to disable %s: %w", name, err)
	}
	if err := conn.ReloadContext(ctx); err != nil {
		return fmt.Errorf("disabled %s but failed to reload systemd daemon: %w", name, err)
	}
	return nil
}

func (m *Manager) IsEnabled(ctx context.Context, name string) bool {
	conn, err := m.connection()
	if err != nil {
		return false
	}

	unitName := UnitName(name)
	states, err := conn.ListUnitFilesByPatternsContext(ctx, nil, []string{unitName})
	if err != nil {
		return false
	}
	for _, state := range states {
		if state.Path == unitName || strings.HasSuffix(state.Path, "/"+unitName) {
			return state.Type == "enabled"
		}
	}
	return false
}
