//go:build !linux

package systemdctl

import (
	"context"
	"errors"
)

var ErrUnsupported = errors.New("systemdctl: unsupported OS (linux only)")

// Manager is a stub Client so the engine compiles on non-linux hosts. Every
// call reports ErrUnsupported.
type Manager struct {
	bus Bus
}

func New(ctx context.Context, bus Bus) (*Manager, error) {
	return &Manager{bus: bus}, nil
}

func (m *Manager) Bus() Bus     { return m.bus }
func (m *Manager) Close() error { return nil }

func (m *Manager) Status(ctx context.Context, name string) (Status, error) {
	return Status{}, ErrUnsupported
}

func (m *Manager) StatusFull(ctx context.Context, name string) (Status, error) {
	return Status{}, ErrUnsupported
}

func (m *Manager) Start(ctx context.Context, name string) error   { return ErrUnsupported }
func (m *Manager) Stop(ctx context.Context, name string) error    { return ErrUnsupported }
func (m *Manager) Restart(ctx context.Context, name string) error { return ErrUnsupported }
func (m *Manager) Enable(ctx context.Context, name string) error  { return ErrUnsupported }
func (m *Manager) Disable(ctx context.Context, name string) error { return ErrUnsupported }

func (m *Manager) IsEnabled(ctx context.Context, name string) bool { return false }
