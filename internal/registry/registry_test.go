package registry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nyxd/internal/config"
	"nyxd/internal/eventbus"
	"nyxd/internal/unit"
)

type fakeBroker struct {
	mu    sync.Mutex
	calls []string
	err   error
	block chan struct{} // when set, Execute waits for ctx or close
}

func (b *fakeBroker) Execute(ctx context.Context, scope unit.Scope, name string, action unit.Action) error {
	b.mu.Lock()
	b.calls = append(b.calls, string(action)+" "+name)
	block := b.block
	err := b.err
	b.mu.Unlock()

	if block != nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-block:
		}
	}
	return err
}

func (b *fakeBroker) callCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.calls)
}

type memStore struct {
	mu       sync.Mutex
	services map[string]config.Service
	err      error
}

func newMemStore() *memStore { return &memStore{services: map[string]config.Service{}} }

func (s *memStore) AddService(svc config.Service) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.services[svc.Name] = svc
	return nil
}

func (s *memStore) RemoveService(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	delete(s.services, name)
	return nil
}

type recorder struct {
	mu     sync.Mutex
	events []eventbus.Event
}

func (r *recorder) emit(e eventbus.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) all() []eventbus.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]eventbus.Event(nil), r.events...)
}

func (r *recorder) forUnit(name string) []eventbus.Event {
	var out []eventbus.Event
	for _, e := range r.all() {
		if e.UnitName == name {
			out = append(out, e)
		}
	}
	return out
}

func newTestRegistry(t *testing.T, broker ControlBroker) (*Registry, *recorder, *memStore) {
	t.Helper()
	rec := &recorder{}
	store := newMemStore()
	r := New(context.Background(), broker, store, rec.emit)
	return r, rec, store
}

func spec(name string, scope unit.Scope) unit.Spec {
	return unit.Spec{Name: name, DisplayName: name, Scope: scope, TrayEnabled: true}
}

func TestRegisterPersistsAndDuplicateFails(t *testing.T) {
	r, _, store := newTestRegistry(t, &fakeBroker{})

	require.NoError(t, r.Register(spec("docker", unit.ScopeSystem)))
	_, ok := store.services["docker"]
	assert.True(t, ok)

	// Move the existing unit to a known state, then collide with it.
	r.ApplyObservation("docker", unit.Observation{State: unit.StateRunning, At: time.Now()})

	err := r.Register(spec("docker", unit.ScopeUser))
	require.Error(t, err)
	assert.ErrorIs(t, err, unit.ErrDuplicateUnit)

	h, err := r.Get("docker")
	require.NoError(t, err)
	assert.Equal(t, unit.StateRunning, h.State, "existing unit state must be untouched")
	assert.Equal(t, unit.ScopeSystem, h.Scope)
}

func TestRegisterRollsBackOnStoreFailure(t *testing.T) {
	r, _, store := newTestRegistry(t, &fakeBroker{})
	store.err = errors.New("disk full")

	err := r.Register(spec("docker", unit.ScopeSystem))
	require.Error(t, err)
	assert.Empty(t, r.Names())
}

func TestUnregisterUnknownFails(t *testing.T) {
	r, _, _ := newTestRegistry(t, &fakeBroker{})
	err := r.Unregister("ghost")
	assert.ErrorIs(t, err, unit.ErrNotFound)
}

func TestSubmitStopOnStoppedIsNoop(t *testing.T) {
	broker := &fakeBroker{}
	r, rec, _ := newTestRegistry(t, broker)
	require.NoError(t, r.Register(spec("nginx", unit.ScopeUser)))

	r.ApplyObservation("nginx", unit.Observation{State: unit.StateStopped, At: time.Now()})
	before := len(rec.all())

	require.NoError(t, r.Submit(unit.ControlRequest{UnitName: "nginx", Action: unit.ActionStop, RequestedAt: time.Now()}))
	assert.Zero(t, broker.callCount(), "no-op must not dispatch")
	assert.Len(t, rec.all(), before, "no-op must not emit")
}

func TestFreshnessRuleDiscardsStaleObservation(t *testing.T) {
	broker := &fakeBroker{}
	r, _, _ := newTestRegistry(t, broker)
	require.NoError(t, r.Register(spec("docker", unit.ScopeSystem)))

	require.NoError(t, r.Submit(unit.ControlRequest{UnitName: "docker", Action: unit.ActionStart, RequestedAt: time.Now()}))
	h, _ := r.Get("docker")
	require.Equal(t, unit.StateStarting, h.State)

	// A poll taken before the submit must not clobber the optimistic state.
	r.ApplyObservation("docker", unit.Observation{State: unit.StateStopped, At: time.Now().Add(-time.Second)})
	h, _ = r.Get("docker")
	assert.Equal(t, unit.StateStarting, h.State)

	// A poll at/after the barrier always wins, even when it reverts.
	r.ApplyObservation("docker", unit.Observation{State: unit.StateFailed, At: time.Now().Add(time.Second)})
	h, _ = r.Get("docker")
	assert.Equal(t, unit.StateFailed, h.State)
}

func TestQueryFailureDegradesOnce(t *testing.T) {
	r, rec, _ := newTestRegistry(t, &fakeBroker{})
	require.NoError(t, r.Register(spec("docker", unit.ScopeSystem)))
	r.ApplyObservation("docker", unit.Observation{State: unit.StateRunning, At: time.Now()})

	failErr := errors.New("query timeout")
	for i := 0; i < 5; i++ {
		r.ApplyQueryFailure("docker", failErr, time.Now())
	}

	h, _ := r.Get("docker")
	assert.Equal(t, unit.StateUnknown, h.State)

	var degradeEvents, queryFailed int
	for _, e := range rec.forUnit("docker") {
		switch d := e.Data.(type) {
		case unit.StateChanged:
			if d.New == unit.StateUnknown {
				degradeEvents++
			}
		case unit.ControlFailed:
			if errors.Is(d.Err, unit.ErrQueryFailed) {
				queryFailed++
			}
		}
	}
	assert.Equal(t, 1, degradeEvents, "degrade transition must be emitted exactly once")
	assert.Equal(t, 1, queryFailed)

	// Recovery resets the streak; a fresh pair of failures degrades again.
	r.ApplyObservation("docker", unit.Observation{State: unit.StateRunning, At: time.Now()})
	r.ApplyQueryFailure("docker", failErr, time.Now())
	h, _ = r.Get("docker")
	assert.Equal(t, unit.StateRunning, h.State, "single failure must not degrade")
}

func TestControlSuccessScenario(t *testing.T) {
	// register docker (system) -> submit(start) -> broker succeeds ->
	// next poll observes running. Event sequence must be exactly
	// unknown->starting, starting->running.
	broker := &fakeBroker{}
	r, rec, _ := newTestRegistry(t, broker)
	require.NoError(t, r.Register(spec("docker", unit.ScopeSystem)))

	require.NoError(t, r.Submit(unit.ControlRequest{UnitName: "docker", Action: unit.ActionStart, RequestedAt: time.Now()}))
	r.ApplyObservation("docker", unit.Observation{State: unit.StateRunning, At: time.Now().Add(100 * time.Millisecond)})

	events := rec.forUnit("docker")
	require.Len(t, events, 2)

	first, ok := events[0].Data.(unit.StateChanged)
	require.True(t, ok)
	assert.Equal(t, unit.StateUnknown, first.Old)
	assert.Equal(t, unit.StateStarting, first.New)

	second, ok := events[1].Data.(unit.StateChanged)
	require.True(t, ok)
	assert.Equal(t, unit.StateStarting, second.Old)
	assert.Equal(t, unit.StateRunning, second.New)
}

func TestControlFailureRevertsToConfirmed(t *testing.T) {
	// register nginx (user) -> poll confirms running -> submit(restart)
	// fails -> ControlFailed emitted and state reverts to running, not
	// unknown.
	broker := &fakeBroker{err: &unit.CommandFailedError{Action: unit.ActionRestart, Unit: "nginx", ExitCode: 1, Detail: "job failed"}}
	r, rec, _ := newTestRegistry(t, broker)
	require.NoError(t, r.Register(spec("nginx", unit.ScopeUser)))
	r.ApplyObservation("nginx", unit.Observation{State: unit.StateRunning, At: time.Now()})

	err := r.Submit(unit.ControlRequest{UnitName: "nginx", Action: unit.ActionRestart, RequestedAt: time.Now()})
	require.Error(t, err)
	cf, ok := unit.IsCommandFailed(err)
	require.True(t, ok)
	assert.Equal(t, 1, cf.ExitCode)

	h, _ := r.Get("nginx")
	assert.Equal(t, unit.StateRunning, h.State)
	assert.NotEmpty(t, h.LastError)

	var sawControlFailed bool
	for _, e := range rec.forUnit("nginx") {
		if d, ok := e.Data.(unit.ControlFailed); ok {
			sawControlFailed = true
			assert.Equal(t, unit.ActionRestart, d.Action)
		}
	}
	assert.True(t, sawControlFailed)
}

func TestUnregisterCancelsInFlightAndSuppressesEvents(t *testing.T) {
	block := make(chan struct{})
	broker := &fakeBroker{block: block}
	defer close(block)

	r, rec, _ := newTestRegistry(t, broker)
	require.NoError(t, r.Register(spec("docker", unit.ScopeSystem)))

	ctx, ok := r.UnitContext("docker")
	require.True(t, ok)

	done := make(chan error, 1)
	go func() {
		done <- r.Submit(unit.ControlRequest{UnitName: "docker", Action: unit.ActionStart, RequestedAt: time.Now()})
	}()

	// Wait until the broker call is in flight.
	require.Eventually(t, func() bool { return broker.callCount() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, r.Unregister("docker"))

	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("unit context not cancelled by unregister")
	}

	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("submit did not return after cancellation")
	}

	before := len(rec.all())
	r.ApplyObservation("docker", unit.Observation{State: unit.StateRunning, At: time.Now()})
	r.ApplyQueryFailure("docker", errors.New("late"), time.Now())
	assert.Len(t, rec.all(), before, "no events after unregister")
}

func TestSameUnitSubmitsSerialize(t *testing.T) {
	block := make(chan struct{})
	broker := &fakeBroker{block: block}
	r, _, _ := newTestRegistry(t, broker)
	require.NoError(t, r.Register(spec("docker", unit.ScopeSystem)))

	done := make(chan struct{}, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_ = r.Submit(unit.ControlRequest{UnitName: "docker", Action: unit.ActionRestart, RequestedAt: time.Now()})
			done <- struct{}{}
		}()
	}

	require.Eventually(t, func() bool { return broker.callCount() == 1 }, time.Second, 5*time.Millisecond)
	// The second dispatch must wait for the first one to finish.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, broker.callCount())

	block <- struct{}{}
	require.Eventually(t, func() bool { return broker.callCount() == 2 }, time.Second, 5*time.Millisecond)
	block <- struct{}{}
	<-done
	<-done
}

func TestSeedSkipsDuplicates(t *testing.T) {
	r, _, store := newTestRegistry(t, &fakeBroker{})
	r.Seed([]unit.Spec{
		spec("docker", unit.ScopeSystem),
		spec("docker", unit.ScopeUser),
		spec("nginx", unit.ScopeUser),
	})
	assert.Equal(t, []string{"docker", "nginx"}, r.Names())
	assert.Empty(t, store.services, "seed must not write back to the store")
}

func TestAutoStartNames(t *testing.T) {
	r, _, _ := newTestRegistry(t, &fakeBroker{})
	auto := spec("docker", unit.ScopeSystem)
	auto.AutoStart = true
	r.Seed([]unit.Spec{auto, spec("nginx", unit.ScopeUser)})
	assert.Equal(t, []string{"docker"}, r.AutoStartNames())
}

func TestConcurrentSubmitAndObserveDifferentUnits(t *testing.T) {
	broker := &fakeBroker{}
	r, _, _ := newTestRegistry(t, broker)
	for _, n := range []string{"a", "b", "c", "d"} {
		require.NoError(t, r.Register(spec(n, unit.ScopeUser)))
	}

	var wg sync.WaitGroup
	for _, n := range []string{"a", "b", "c", "d"} {
		n := n
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				_ = r.Submit(unit.ControlRequest{UnitName: n, Action: unit.ActionRestart, RequestedAt: time.Now()})
				r.ApplyObservation(n, unit.Observation{State: unit.StateRunning, At: time.Now()})
			}
		}()
	}
	wg.Wait()
}
