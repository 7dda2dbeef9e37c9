package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nyxd/internal/unit"
)

func testManager(t *testing.T) *Manager {
	t.Helper()
	return NewManager(filepath.Join(t.TempDir(), "config.yaml"))
}

func TestLoadMissingFileSeedsDefaults(t *testing.T) {
	m := testManager(t)

	cfg, err := m.Load()
	require.NoError(t, err)
	assert.Equal(t, DefaultUpdateInterval, cfg.Settings.UpdateInterval)
	assert.Empty(t, cfg.Services)

	// First load must leave a valid file behind.
	_, err = os.Stat(m.Path())
	require.NoError(t, err)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	m := testManager(t)
	_, err := m.Load()
	require.NoError(t, err)

	cfg := Default()
	cfg.Services = []Service{
		{Name: "docker", DisplayName: "Docker", ServiceType: "system", AutoStart: true, Enabled: true},
		{Name: "syncthing", ServiceType: "user", Enabled: true},
	}
	cfg.Settings.PasswordlessMode = true
	require.NoError(t, m.Save(cfg))

	m2 := NewManager(m.Path())
	got, err := m2.Load()
	require.NoError(t, err)
	require.Len(t, got.Services, 2)
	assert.Equal(t, "docker", got.Services[0].Name)
	assert.Equal(t, unit.ScopeSystem, got.Services[0].Scope())
	assert.True(t, got.Settings.PasswordlessMode)
}

func TestSaveKeepsBackup(t *testing.T) {
	m := testManager(t)
	_, err := m.Load()
	require.NoError(t, err)

	cfg := Default()
	cfg.Services = []Service{{Name: "nginx", ServiceType: "user", Enabled: true}}
	require.NoError(t, m.Save(cfg))

	_, err = os.Stat(m.Path() + ".bak")
	require.NoError(t, err)
}

func TestLoadCorruptFileFails(t *testing.T) {
	m := testManager(t)
	require.NoError(t, os.MkdirAll(filepath.Dir(m.Path()), 0o755))
	require.NoError(t, os.WriteFile(m.Path(), []byte("{not yaml: ["), 0o644))

	_, err := m.Load()
	require.Error(t, err)
	assert.True(t, errors.Is(err, unit.ErrConfigIO))
}

func TestValidateRejectsBadConfigs(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"zero interval", func(c *Config) { c.Settings.UpdateInterval = 0 }},
		{"empty service name", func(c *Config) {
			c.Services = []Service{{Name: " ", ServiceType: "user"}}
		}},
		{"duplicate service", func(c *Config) {
			c.Services = []Service{
				{Name: "docker", ServiceType: "system"},
				{Name: "docker", ServiceType: "user"},
			}
		}},
		{"bad scope", func(c *Config) {
			c.Services = []Service{{Name: "docker", ServiceType: "root"}}
		}},
		{"bad history driver", func(c *Config) { c.History.Driver = "postgres" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestMutatePersistsChange(t *testing.T) {
	m := testManager(t)
	_, err := m.Load()
	require.NoError(t, err)

	_, err = m.Mutate(func(c *Config) error {
		c.Services = append(c.Services, Service{Name: "docker", ServiceType: "system", Enabled: true})
		return nil
	})
	require.NoError(t, err)

	got, err := NewManager(m.Path()).Load()
	require.NoError(t, err)
	_, ok := got.FindService("docker")
	assert.True(t, ok)
}

func TestMutateRollsBackOnValidationError(t *testing.T) {
	m := testManager(t)
	_, err := m.Load()
	require.NoError(t, err)

	_, err = m.Mutate(func(c *Config) error {
		c.Settings.UpdateInterval = -1
		return nil
	})
	require.Error(t, err)

	// Committed config must be untouched.
	assert.Equal(t, DefaultUpdateInterval, m.Get().Settings.UpdateInterval)
}

func TestServiceSpecDefaults(t *testing.T) {
	s := Service{Name: "docker", ServiceType: "system"}
	spec := s.Spec()
	assert.Equal(t, "docker", spec.DisplayName)
	assert.Equal(t, DefaultIcon, spec.IconRef)
	assert.Equal(t, unit.ScopeSystem, spec.Scope)
}
