// Package systemdctl talks to a systemd manager instance (system or user
// scope) over D-Bus: unit status queries, control verbs, boot enablement,
// and journal tails.
package systemdctl

import (
	"context"
	"strings"
	"time"
)

// Bus selects which systemd manager instance a Manager connects to.
type Bus string

const (
	SystemBus Bus = "system"
	UserBus   Bus = "user"
)

// Status is a point-in-time view of one unit.
type Status struct {
	Name        string
	ActiveState string // active, inactive, failed, activating, deactivating
	SubState    string // running, dead, exited, ...
	LoadState   string // loaded, not-found, ...
	Description string
	Memory      uint64
	Uptime      time.Duration
	ActiveSince time.Time // ActiveEnterTimestamp
	StateChange time.Time // StateChangeTimestamp
}

// NotFound reports whether the unit is unknown to this manager instance.
func (s Status) NotFound() bool {
	return s.LoadState == "not-found" || s.SubState == "not-found"
}

// Client is the manager surface the engine depends on. The real
// implementation is the D-Bus Manager; tests substitute fakes.
type Client interface {
	Status(ctx context.Context, name string) (Status, error)
	Start(ctx context.Context, name string) error
	Stop(ctx context.Context, name string) error
	Restart(ctx context.Context, name string) error
	Enable(ctx context.Context, name string) error
	Disable(ctx context.Context, name string) error
	IsEnabled(ctx context.Context, name string) bool
	Close() error
}

// UnitName normalizes a service name to a full unit name. Names that already
// carry a unit suffix pass through unchanged.
func UnitName(name string) string {
	if strings.ContainsRune(name, '.') {
		return name
	}
	return name + ".service"
}

func parseTimestamp(props map[string]interface{}, key string) time.Time {
	if ts, ok := props[key].(uint64); ok && ts > 0 {
		// systemd timestamps are in microseconds since the Unix epoch
		return time.Unix(int64(ts/1_000_000), 0)
	}
	return time.Time{}
}

func getStringProperty(props map[string]interface{}, key string) (string, bool) {
	if val, ok := props[key].(string); ok {
		return val, true
	}
	return "", false
}
