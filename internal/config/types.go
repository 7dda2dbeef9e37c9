package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"nyxd/internal/unit"
)

const Version = "1.0"

const (
	DefaultUpdateInterval = 5 // seconds
	DefaultIcon           = "application-x-executable"
)

// Service is the persisted record for one registered unit.
type Service struct {
	Name        string `yaml:"name"`
	DisplayName string `yaml:"display_name,omitempty"`
	Icon        string `yaml:"icon,omitempty"`
	IconLight   string `yaml:"icon_light,omitempty"`
	IconDark    string `yaml:"icon_dark,omitempty"`
	ServiceType string `yaml:"service_type"`
	AutoStart   bool   `yaml:"auto_start"`
	Enabled     bool   `yaml:"enabled"`
}

// Scope returns the unit scope for this record.
func (s Service) Scope() unit.Scope {
	sc, err := unit.ParseScope(s.ServiceType)
	if err != nil {
		return unit.ScopeUser
	}
	return sc
}

// Spec converts the record into the registry's unit identity.
func (s Service) Spec() unit.Spec {
	display := s.DisplayName
	if display == "" {
		display = s.Name
	}
	icon := s.Icon
	if icon == "" {
		icon = DefaultIcon
	}
	return unit.Spec{
		Name:        s.Name,
		DisplayName: display,
		Scope:       s.Scope(),
		IconRef:     icon,
		AutoStart:   s.AutoStart,
		TrayEnabled: s.Enabled,
	}
}

// Settings are the process-wide knobs. UpdateInterval drives the poll tick;
// PollSchedule optionally overrides it with a cron/duration spec.
type Settings struct {
	UpdateInterval    int    `yaml:"update_interval"`
	PollSchedule      string `yaml:"poll_schedule,omitempty"`
	ShowNotifications bool   `yaml:"show_notifications"`
	MinimizeToTray    bool   `yaml:"minimize_to_tray"`
	PasswordlessMode  bool   `yaml:"passwordless_mode"`
	ShowMainTray      bool   `yaml:"show_main_tray"`
}

// Logging mirrors pkg/logx knobs so sinks can be reconfigured from the same
// file.
type Logging struct {
	Level       string `yaml:"level,omitempty"`
	Console     bool   `yaml:"console"`
	FileEnabled bool   `yaml:"file_enabled"`
	FilePath    string `yaml:"file_path,omitempty"`
}

// History configures the event history store consumed by the log viewer.
type History struct {
	Enabled bool   `yaml:"enabled"`
	Driver  string `yaml:"driver,omitempty"` // file | sqlite
	Path    string `yaml:"path,omitempty"`
	MaxRows int    `yaml:"max_rows,omitempty"`
}

type Config struct {
	Version  string    `yaml:"version"`
	Services []Service `yaml:"services"`
	Settings Settings  `yaml:"settings"`
	Logging  Logging   `yaml:"logging,omitempty"`
	History  History   `yaml:"history,omitempty"`
}

// Default returns the configuration used when no file exists yet.
func Default() *Config {
	return &Config{
		Version:  Version,
		Services: []Service{},
		Settings: Settings{
			UpdateInterval:    DefaultUpdateInterval,
			ShowNotifications: true,
			MinimizeToTray:    true,
			ShowMainTray:      true,
		},
		Logging: Logging{Level: "INFO", Console: true},
	}
}

// DefaultPath resolves the per-user config file location.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = "."
	}
	return filepath.Join(dir, "nyxd", "config.yaml")
}

// Validate rejects configs the engine cannot run with.
func (c *Config) Validate() error {
	if c.Settings.UpdateInterval <= 0 {
		return fmt.Errorf("settings.update_interval must be > 0, got %d", c.Settings.UpdateInterval)
	}
	seen := make(map[string]struct{}, len(c.Services))
	for i, svc := range c.Services {
		name := strings.TrimSpace(svc.Name)
		if name == "" {
			return fmt.Errorf("services[%d]: name must not be empty", i)
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("services[%d]: duplicate service %q", i, name)
		}
		seen[name] = struct{}{}
		if _, err := unit.ParseScope(svc.ServiceType); err != nil {
			return fmt.Errorf("services[%d] (%s): %w", i, name, err)
		}
	}
	switch c.History.Driver {
	case "", "file", "sqlite":
	default:
		return fmt.Errorf("history.driver must be file or sqlite, got %q", c.History.Driver)
	}
	return nil
}

// FindService returns the record for name, if present.
func (c *Config) FindService(name string) (Service, bool) {
	for _, s := range c.Services {
		if s.Name == name {
			return s, true
		}
	}
	return Service{}, false
}
