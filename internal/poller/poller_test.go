package poller

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nyxd/internal/unit"
	"nyxd/pkg/systemdctl"
)

type fakeSink struct {
	mu       sync.Mutex
	handles  []unit.Handle
	obs      map[string][]unit.Observation
	failures map[string]int
	ctxs     map[string]context.Context
}

func newFakeSink(handles ...unit.Handle) *fakeSink {
	return &fakeSink{
		handles:  handles,
		obs:      map[string][]unit.Observation{},
		failures: map[string]int{},
		ctxs:     map[string]context.Context{},
	}
}

func (s *fakeSink) Snapshot() []unit.Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]unit.Handle(nil), s.handles...)
}

func (s *fakeSink) UnitContext(name string) (context.Context, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ctx, ok := s.ctxs[name]; ok {
		return ctx, ctx.Err() == nil
	}
	return context.Background(), true
}

func (s *fakeSink) ApplyObservation(name string, obs unit.Observation) {
	s.mu.Lock()
	s.obs[name] = append(s.obs[name], obs)
	s.mu.Unlock()
}

func (s *fakeSink) ApplyQueryFailure(name string, err error, at time.Time) {
	s.mu.Lock()
	s.failures[name]++
	s.mu.Unlock()
}

type scriptedQuerier struct {
	mu     sync.Mutex
	status map[string]systemdctl.Status
	err    error
	calls  int
}

func (q *scriptedQuerier) Status(ctx context.Context, name string) (systemdctl.Status, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.calls++
	if q.err != nil {
		return systemdctl.Status{}, q.err
	}
	return q.status[name], nil
}

func handle(name string, scope unit.Scope) unit.Handle {
	return unit.Handle{Spec: unit.Spec{Name: name, Scope: scope}}
}

func TestPollOnceMapsStates(t *testing.T) {
	sink := newFakeSink(
		handle("docker", unit.ScopeSystem),
		handle("syncthing", unit.ScopeUser),
	)
	system := &scriptedQuerier{status: map[string]systemdctl.Status{
		"docker": {ActiveState: "active", SubState: "running", LoadState: "loaded"},
	}}
	user := &scriptedQuerier{status: map[string]systemdctl.Status{
		"syncthing": {ActiveState: "failed", SubState: "failed", LoadState: "loaded"},
	}}

	p := New(sink, map[unit.Scope]Querier{unit.ScopeSystem: system, unit.ScopeUser: user}, IntervalSchedule(time.Second))
	p.PollOnce(context.Background())

	require.Len(t, sink.obs["docker"], 1)
	assert.Equal(t, unit.StateRunning, sink.obs["docker"][0].State)
	assert.Equal(t, "running", sink.obs["docker"][0].SubState)

	require.Len(t, sink.obs["syncthing"], 1)
	assert.Equal(t, unit.StateFailed, sink.obs["syncthing"][0].State)
	assert.Equal(t, 1, system.calls)
	assert.Equal(t, 1, user.calls)
}

func TestPollOnceNotFoundObservesUnknown(t *testing.T) {
	sink := newFakeSink(handle("ghost", unit.ScopeUser))
	q := &scriptedQuerier{status: map[string]systemdctl.Status{
		"ghost": {LoadState: "not-found"},
	}}

	p := New(sink, map[unit.Scope]Querier{unit.ScopeUser: q}, IntervalSchedule(time.Second))
	p.PollOnce(context.Background())

	require.Len(t, sink.obs["ghost"], 1)
	assert.Equal(t, unit.StateUnknown, sink.obs["ghost"][0].State)
	assert.Equal(t, "not-found", sink.obs["ghost"][0].SubState)
	assert.Zero(t, sink.failures["ghost"], "not-found is a successful query")
}

func TestPollOnceReportsQueryFailure(t *testing.T) {
	sink := newFakeSink(handle("docker", unit.ScopeSystem))
	q := &scriptedQuerier{err: errors.New("dbus timeout")}

	p := New(sink, map[unit.Scope]Querier{unit.ScopeSystem: q}, IntervalSchedule(time.Second))
	p.PollOnce(context.Background())
	p.PollOnce(context.Background())

	assert.Equal(t, 2, sink.failures["docker"])
	assert.Empty(t, sink.obs["docker"])
}

func TestPollOnceMissingScopeIsFailure(t *testing.T) {
	sink := newFakeSink(handle("docker", unit.ScopeSystem))
	p := New(sink, map[unit.Scope]Querier{}, IntervalSchedule(time.Second))
	p.PollOnce(context.Background())
	assert.Equal(t, 1, sink.failures["docker"])
}

func TestPollSkipsUnregisteredUnit(t *testing.T) {
	sink := newFakeSink(handle("gone", unit.ScopeUser))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	sink.ctxs["gone"] = ctx

	q := &scriptedQuerier{}
	p := New(sink, map[unit.Scope]Querier{unit.ScopeUser: q}, IntervalSchedule(time.Second))
	p.PollOnce(context.Background())

	assert.Zero(t, q.calls)
	assert.Zero(t, sink.failures["gone"])
	assert.Empty(t, sink.obs["gone"])
}

func TestRunPollsImmediatelyAndOnKick(t *testing.T) {
	sink := newFakeSink(handle("docker", unit.ScopeSystem))
	q := &scriptedQuerier{status: map[string]systemdctl.Status{
		"docker": {ActiveState: "active", SubState: "running", LoadState: "loaded"},
	}}

	p := New(sink, map[unit.Scope]Querier{unit.ScopeSystem: q}, IntervalSchedule(time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = p.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		sink.mu.Lock()
		defer sink.mu.Unlock()
		return len(sink.obs["docker"]) >= 1
	}, time.Second, 5*time.Millisecond)

	p.Kick()
	require.Eventually(t, func() bool {
		sink.mu.Lock()
		defer sink.mu.Unlock()
		return len(sink.obs["docker"]) >= 2
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop on cancel")
	}
}
