package config

import (
	"bytes"
	"errors"
	"fmt"
	"hash/fnv"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/renameio/v2"
	yaml "go.yaml.in/yaml/v3"

	"nyxd/internal/unit"
	logx "nyxd/pkg/logx"
)

// Manager owns the on-disk YAML config: load, atomic save, change
// subscriptions, and the fsnotify watch loop in watch.go.
type Manager struct {
	path string

	mu  sync.RWMutex
	cfg *Config

	// subsMu guards subscriber list and ensures we never send on a channel
	// that is concurrently being closed in Unsubscribe().
	subsMu sync.Mutex
	subs   []chan *Config

	log logx.Logger

	// lastHash tracks the last committed config content; it suppresses
	// redundant publishes when an editor fires several write events without
	// content changes.
	lastHash uint64
}

func NewManager(path string) *Manager {
	if path == "" {
		path = DefaultPath()
	}
	return &Manager{path: path}
}

func (m *Manager) SetLogger(log logx.Logger) { m.log = log }

func (m *Manager) Path() string { return m.path }

// Parse reads and validates the file without committing it.
func (m *Manager) Parse() (*Config, error) {
	b, err := os.ReadFile(m.path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", unit.ErrConfigIO, err)
	}

	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("%w: parse %s: %w", unit.ErrConfigIO, m.path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", unit.ErrConfigIO, err)
	}
	return &cfg, nil
}

// Load parses the file and commits it. A missing file is not an error: the
// defaults are committed and persisted so first launch leaves a valid file
// behind.
func (m *Manager) Load() (*Config, error) {
	cfg, err := m.Parse()
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			cfg = Default()
			m.Commit(cfg)
			if saveErr := m.Save(cfg); saveErr != nil && !m.log.IsZero() {
				m.log.Warn("failed writing default config", logx.Err(saveErr), logx.String("path", m.path))
			}
			return cfg, nil
		}
		return nil, err
	}
	m.Commit(cfg)
	return cfg, nil
}

func (m *Manager) Commit(cfg *Config) {
	m.mu.Lock()
	m.cfg = cfg
	m.lastHash = hashConfig(cfg)
	m.mu.Unlock()
}

func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// Save writes cfg atomically, keeping a .bak copy of the previous file, and
// commits it as current.
func (m *Manager) Save(cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("%w: %w", unit.ErrConfigIO, err)
	}
	if cfg.Version == "" {
		cfg.Version = Version
	}

	if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return fmt.Errorf("%w: %w", unit.ErrConfigIO, err)
	}

	if prev, err := os.ReadFile(m.path); err == nil {
		if err := renameio.WriteFile(m.path+".bak", prev, 0o644); err != nil && !m.log.IsZero() {
			m.log.Warn("config backup failed", logx.Err(err), logx.String("path", m.path))
		}
	}

	b, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("%w: %w", unit.ErrConfigIO, err)
	}
	if err := renameio.WriteFile(m.path, b, 0o644); err != nil {
		return fmt.Errorf("%w: %w", unit.ErrConfigIO, err)
	}

	m.Commit(cfg)
	return nil
}

// Mutate clones the current config, applies fn, and saves the result. Used by
// register/unregister and settings updates so every change goes through the
// same validate-then-atomic-write path.
func (m *Manager) Mutate(fn func(cfg *Config) error) (*Config, error) {
	m.mu.RLock()
	cur := m.cfg
	m.mu.RUnlock()
	if cur == nil {
		cur = Default()
	}

	next := cur.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	if err := m.Save(next); err != nil {
		return nil, err
	}
	return next, nil
}

// Clone deep-copies the config so mutations never alias published snapshots.
func (c *Config) Clone() *Config {
	cp := *c
	cp.Services = append([]Service(nil), c.Services...)
	return &cp
}

func (m *Manager) Subscribe(buffer int) chan *Config {
	ch := make(chan *Config, buffer)
	m.subsMu.Lock()
	m.subs = append(m.subs, ch)
	m.subsMu.Unlock()
	return ch
}

func (m *Manager) Unsubscribe(ch chan *Config) {
	if ch == nil {
		return
	}
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for i, s := range m.subs {
		if s == ch {
			// swap-remove (order doesn't matter)
			last := len(m.subs) - 1
			m.subs[i] = m.subs[last]
			m.subs[last] = nil
			m.subs = m.subs[:last]
			close(ch)
			return
		}
	}
}

func (m *Manager) publish(cfg *Config) {
	// Hold subsMu while sending to avoid send-on-closed panics.
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for _, ch := range m.subs {
		if ch == nil {
			continue
		}
		// Always try to deliver the latest config. If the subscriber is slow
		// and the buffer is full, drop one oldest item then push the newest.
		select {
		case ch <- cfg:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- cfg:
			default:
				if !m.log.IsZero() {
					m.log.Debug("config update dropped (subscriber slow)",
						logx.Int("queue_len", len(ch)),
						logx.Int("queue_cap", cap(ch)),
					)
				}
			}
		}
	}
}

func hashConfig(cfg *Config) uint64 {
	if cfg == nil {
		return 0
	}
	b, err := yaml.Marshal(cfg)
	if err != nil {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}
