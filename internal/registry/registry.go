// Package registry owns the set of managed units: it applies poller
// observations, serializes control requests against them, and emits the
// ordered event stream consumed by the UI layer.
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"nyxd/internal/config"
	"nyxd/internal/eventbus"
	"nyxd/internal/unit"
	logx "nyxd/pkg/logx"
)

// ControlBroker executes a control verb under the right privilege path.
type ControlBroker interface {
	Execute(ctx context.Context, scope unit.Scope, name string, action unit.Action) error
}

// Store persists registration changes to the external config collaborator.
type Store interface {
	AddService(svc config.Service) error
	RemoveService(name string) error
}

// EmitFunc receives every registry event in per-unit order.
type EmitFunc func(e eventbus.Event)

const defaultFailureThreshold = 2

type entry struct {
	// opMu serializes control dispatch for this unit across the whole broker
	// call, so two submits for the same unit never interleave their
	// optimistic transitions. Held around, never inside, mu.
	opMu sync.Mutex

	// mu serializes all state mutation for this unit: optimistic transitions
	// from Submit and observations from the poller never interleave.
	mu sync.Mutex

	spec unit.Spec

	state     unit.State
	lastErr   string
	changedAt time.Time

	// barrier is the timestamp of the last optimistic transition; any
	// observation older than it is stale and discarded.
	barrier time.Time
	// confirmed is the last poller-confirmed state, the revert target when a
	// dispatched action fails.
	confirmed unit.State

	failStreak int
	degraded   bool

	ctx     context.Context
	cancel  context.CancelFunc
	removed bool
}

// Registry is the single-writer table of unit handles.
type Registry struct {
	mu    sync.RWMutex
	units map[string]*entry

	parent        context.Context
	broker        ControlBroker
	store         Store
	emit          EmitFunc
	log           logx.Logger
	failThreshold int
}

type Option func(*Registry)

// WithFailureThreshold sets how many consecutive poll failures degrade a
// unit to unknown.
func WithFailureThreshold(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.failThreshold = n
		}
	}
}

func WithLogger(log logx.Logger) Option {
	return func(r *Registry) { r.log = log }
}

// New creates an empty registry. Per-unit contexts descend from parent, so
// tearing down the parent cancels every in-flight poll and control call.
func New(parent context.Context, broker ControlBroker, store Store, emit EmitFunc, opts ...Option) *Registry {
	if parent == nil {
		parent = context.Background()
	}
	if emit == nil {
		emit = func(eventbus.Event) {}
	}
	r := &Registry{
		units:         map[string]*entry{},
		parent:        parent,
		broker:        broker,
		store:         store,
		emit:          emit,
		failThreshold: defaultFailureThreshold,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Seed loads persisted services at startup without writing back to the
// store. Duplicate names are logged and skipped.
func (r *Registry) Seed(specs []unit.Spec) {
	for _, spec := range specs {
		if err := r.add(spec); err != nil {
			if !r.log.IsZero() {
				r.log.Warn("skipping persisted service", logx.String("unit", spec.Name), logx.Err(err))
			}
		}
	}
}

// Register adds a new unit and persists it. Fails with ErrDuplicateUnit if
// the name is taken; the existing unit is untouched.
func (r *Registry) Register(spec unit.Spec) error {
	if spec.Name == "" {
		return fmt.Errorf("register: name must not be empty")
	}
	if !spec.Scope.Valid() {
		return fmt.Errorf("register %s: invalid scope %q", spec.Name, spec.Scope)
	}

	if err := r.add(spec); err != nil {
		return err
	}

	if r.store != nil {
		if err := r.store.AddService(serviceRecord(spec)); err != nil {
			// Roll back so the in-memory table never diverges from disk.
			r.remove(spec.Name)
			return fmt.Errorf("register %s: %w", spec.Name, err)
		}
	}
	if !r.log.IsZero() {
		r.log.Info("unit registered", logx.String("unit", spec.Name), logx.String("scope", string(spec.Scope)))
	}
	return nil
}

func (r *Registry) add(spec unit.Spec) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.units[spec.Name]; dup {
		return fmt.Errorf("%s: %w", spec.Name, unit.ErrDuplicateUnit)
	}
	ctx, cancel := context.WithCancel(r.parent)
	r.units[spec.Name] = &entry{
		spec:      spec,
		state:     unit.StateUnknown,
		confirmed: unit.StateUnknown,
		ctx:       ctx,
		cancel:    cancel,
	}
	return nil
}

// Unregister removes a unit: polling stops, in-flight operations are
// cancelled, no further events are emitted for it, and the store record is
// dropped.
func (r *Registry) Unregister(name string) error {
	e := r.remove(name)
	if e == nil {
		return fmt.Errorf("%s: %w", name, unit.ErrNotFound)
	}

	if r.store != nil {
		if err := r.store.RemoveService(name); err != nil {
			return fmt.Errorf("unregister %s: %w", name, err)
		}
	}
	if !r.log.IsZero() {
		r.log.Info("unit unregistered", logx.String("unit", name))
	}
	return nil
}

func (r *Registry) remove(name string) *entry {
	r.mu.Lock()
	e, ok := r.units[name]
	if ok {
		delete(r.units, name)
	}
	r.mu.Unlock()
	if !ok {
		return nil
	}

	e.mu.Lock()
	e.removed = true
	e.mu.Unlock()
	e.cancel()
	return e
}

func (r *Registry) lookup(name string) *entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.units[name]
}

// Names returns the registered unit names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.units))
	for name := range r.units {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}

// Snapshot returns handles for every registered unit, sorted by name.
func (r *Registry) Snapshot() []unit.Handle {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.units))
	for _, e := range r.units {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	handles := make([]unit.Handle, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if !e.removed {
			handles = append(handles, unit.Handle{
				Spec:      e.spec,
				State:     e.state,
				LastError: e.lastErr,
				ChangedAt: e.changedAt,
			})
		}
		e.mu.Unlock()
	}
	sort.Slice(handles, func(i, j int) bool { return handles[i].Name < handles[j].Name })
	return handles
}

// Get returns the handle for one unit.
func (r *Registry) Get(name string) (unit.Handle, error) {
	e := r.lookup(name)
	if e == nil {
		return unit.Handle{}, fmt.Errorf("%s: %w", name, unit.ErrNotFound)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return unit.Handle{}, fmt.Errorf("%s: %w", name, unit.ErrNotFound)
	}
	return unit.Handle{Spec: e.spec, State: e.state, LastError: e.lastErr, ChangedAt: e.changedAt}, nil
}

// UnitContext exposes the per-unit lifecycle context so the poller can bound
// queries to the unit's registration. The second return is false when the
// unit is gone.
func (r *Registry) UnitContext(name string) (context.Context, bool) {
	e := r.lookup(name)
	if e == nil {
		return nil, false
	}
	return e.ctx, true
}

//
// Observation path (poller only)
//

// ApplyObservation folds one poll result into the unit's state under the
// freshness rule: observations older than the last optimistic transition are
// stale and dropped; anything at/after it wins, including reverts.
func (r *Registry) ApplyObservation(name string, obs unit.Observation) {
	e := r.lookup(name)
	if e == nil {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return
	}

	if obs.At.Before(e.barrier) {
		return
	}

	e.failStreak = 0
	e.degraded = false
	e.confirmed = obs.State

	r.transitionLocked(e, obs.State, "", obs.At)
}

// ApplyQueryFailure records one failed poll. After the failure threshold the
// unit degrades to unknown exactly once and a QueryFailed event is emitted;
// further failures stay silent until a poll succeeds again.
func (r *Registry) ApplyQueryFailure(name string, qerr error, at time.Time) {
	e := r.lookup(name)
	if e == nil {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return
	}

	e.failStreak++
	if e.degraded || e.failStreak < r.failThreshold {
		return
	}
	e.degraded = true

	wrapped := fmt.Errorf("%w: %w", unit.ErrQueryFailed, qerr)
	e.lastErr = wrapped.Error()
	r.emit(eventbus.Event{
		Kind:     unit.EventControlFailed,
		UnitName: name,
		Time:     at,
		Data:     unit.ControlFailed{UnitName: name, Err: wrapped, At: at},
	})
	r.transitionLocked(e, unit.StateUnknown, e.lastErr, at)
}

// transitionLocked resolves a state change and emits StateChanged if the
// state actually moved. Caller holds e.mu.
func (r *Registry) transitionLocked(e *entry, next unit.State, lastErr string, at time.Time) {
	if lastErr != "" {
		e.lastErr = lastErr
	}
	if e.state == next {
		return
	}
	old := e.state
	e.state = next
	e.changedAt = at

	r.emit(eventbus.Event{
		Kind:     unit.EventStateChanged,
		UnitName: e.spec.Name,
		Time:     at,
		Data:     unit.StateChanged{UnitName: e.spec.Name, Old: old, New: next, At: at},
	})
}

//
// Control path
//

// Submit validates and executes one control request. The optimistic
// transitional state is applied before the broker runs so the UI reflects
// intent immediately; the caller (reconciliation loop worker) blocks until
// the broker reports, and the next poll confirms or corrects.
//
// Idempotent no-ops: stop on an already-stopped unit and start on an
// already-running unit succeed without dispatching or emitting anything.
func (r *Registry) Submit(req unit.ControlRequest) error {
	if !req.Action.Valid() {
		return fmt.Errorf("submit %s: invalid action %q", req.UnitName, req.Action)
	}

	e := r.lookup(req.UnitName)
	if e == nil {
		return fmt.Errorf("%s: %w", req.UnitName, unit.ErrNotFound)
	}

	e.opMu.Lock()
	defer e.opMu.Unlock()

	e.mu.Lock()
	if e.removed {
		e.mu.Unlock()
		return fmt.Errorf("%s: %w", req.UnitName, unit.ErrNotFound)
	}

	if noop(e.state, req.Action) {
		e.mu.Unlock()
		return nil
	}

	now := time.Now()
	if req.RequestedAt.After(now) {
		now = req.RequestedAt
	}
	e.barrier = now
	scope := e.spec.Scope
	ctx := e.ctx
	r.transitionLocked(e, req.Action.Optimistic(), "", now)
	e.mu.Unlock()

	err := r.broker.Execute(ctx, scope, req.UnitName, req.Action)
	if err == nil {
		return nil
	}

	// Failed dispatch: report it and put the last confirmed state back
	// (never unknown — the unit itself did not change).
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return err
	}
	at := time.Now()
	e.lastErr = err.Error()
	r.emit(eventbus.Event{
		Kind:     unit.EventControlFailed,
		UnitName: req.UnitName,
		Time:     at,
		Data:     unit.ControlFailed{UnitName: req.UnitName, Action: req.Action, Err: err, At: at},
	})
	r.transitionLocked(e, e.confirmed, e.lastErr, at)
	return err
}

// SetBootEnabled flips the unit's boot enablement through the same privilege
// policy as control verbs. No optimistic run-state change applies.
func (r *Registry) SetBootEnabled(name string, enabled bool) error {
	e := r.lookup(name)
	if e == nil {
		return fmt.Errorf("%s: %w", name, unit.ErrNotFound)
	}

	e.opMu.Lock()
	defer e.opMu.Unlock()

	e.mu.Lock()
	scope := e.spec.Scope
	ctx := e.ctx
	e.mu.Unlock()

	action := unit.ActionEnable
	if !enabled {
		action = unit.ActionDisable
	}
	return r.broker.Execute(ctx, scope, name, action)
}

// AutoStartNames lists units flagged for start at registry initialization.
func (r *Registry) AutoStartNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0)
	for name, e := range r.units {
		if e.spec.AutoStart {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// noop reports whether the action is already satisfied by the current state.
func noop(state unit.State, action unit.Action) bool {
	switch action {
	case unit.ActionStop:
		return state == unit.StateStopped
	case unit.ActionStart:
		return state == unit.StateRunning
	default:
		return false
	}
}

func serviceRecord(spec unit.Spec) config.Service {
	return config.Service{
		Name:        spec.Name,
		DisplayName: spec.DisplayName,
		Icon:        spec.IconRef,
		ServiceType: string(spec.Scope),
		AutoStart:   spec.AutoStart,
		Enabled:     spec.TrayEnabled,
	}
}
