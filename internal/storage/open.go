// Package storage keeps an append-only history of engine events so the log
// viewer can show what happened to a unit and when.
package storage

import (
	"context"
	"errors"
	"strings"

	"nyxd/internal/eventbus"
	"nyxd/internal/unit"
	"nyxd/pkg/logx"
)

// Store is the history API used by the engine and the log viewer.
type Store interface {
	Append(ctx context.Context, rec Record) error
	Recent(ctx context.Context, limit int) ([]Record, error)
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if history is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown history driver: " + driver)
	}
}

// FromEvent flattens an engine event into a history record.
func FromEvent(e eventbus.Event) Record {
	rec := Record{At: e.Time, Unit: e.UnitName, Kind: string(e.Kind)}
	switch d := e.Data.(type) {
	case unit.StateChanged:
		rec.From = string(d.Old)
		rec.To = string(d.New)
	case unit.ControlFailed:
		rec.Action = string(d.Action)
		if d.Err != nil {
			rec.Error = d.Err.Error()
		}
	}
	return rec
}

// Recorder adapts a Store to the reconciliation loop's history hook.
type Recorder struct {
	Store Store
}

func (r Recorder) Append(ctx context.Context, e eventbus.Event) error {
	if r.Store == nil {
		return nil
	}
	return r.Store.Append(ctx, FromEvent(e))
}
