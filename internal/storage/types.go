package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures the event history store.
//
// Driver values:
//   - "file": dependency-free JSON Lines backend
//   - "sqlite": SQLite database file (optional build tag)
//
// If Driver is empty or "none", history is disabled.
type Config struct {
	Driver      string
	Path        string
	MaxRows     int           // retention cap; 0 means default
	BusyTimeout time.Duration // sqlite only; 0 means default
}

const defaultMaxRows = 5000

// Record is one history row consumed by the external log viewer.
// Keep it compact and schema-stable.
type Record struct {
	At     time.Time `json:"at"`
	Unit   string    `json:"unit"`
	Kind   string    `json:"kind"`
	From   string    `json:"from,omitempty"`
	To     string    `json:"to,omitempty"`
	Action string    `json:"action,omitempty"`
	Error  string    `json:"error,omitempty"`
}
