package privilege

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nyxd/internal/unit"
)

type fakeController struct {
	calls []string
	err   error
}

func (f *fakeController) record(verb, name string) error {
	f.calls = append(f.calls, verb+" "+name)
	return f.err
}

func (f *fakeController) Start(ctx context.Context, name string) error {
	return f.record("start", name)
}
func (f *fakeController) Stop(ctx context.Context, name string) error {
	return f.record("stop", name)
}
func (f *fakeController) Restart(ctx context.Context, name string) error {
	return f.record("restart", name)
}
func (f *fakeController) Enable(ctx context.Context, name string) error {
	return f.record("enable", name)
}
func (f *fakeController) Disable(ctx context.Context, name string) error {
	return f.record("disable", name)
}

type fakeAuthority struct {
	authorized bool
	err        error
	checks     int
}

func (f *fakeAuthority) CheckAuthorization(ctx context.Context, actionID string, allowInteraction bool) (bool, error) {
	f.checks++
	return f.authorized, f.err
}

type fakePrompt struct {
	err  error
	runs int
}

func (f *fakePrompt) Run(ctx context.Context, name string, action unit.Action) error {
	f.runs++
	return f.err
}

func newTestBroker(userCtl, sysCtl *fakeController, auth *fakeAuthority, prompt *fakePrompt, passwordless bool) *Broker {
	ctls := map[unit.Scope]Controller{}
	if userCtl != nil {
		ctls[unit.ScopeUser] = userCtl
	}
	if sysCtl != nil {
		ctls[unit.ScopeSystem] = sysCtl
	}
	return NewBroker(ctls, auth, prompt, NewSession(passwordless))
}

func TestUserScopeNeverElevates(t *testing.T) {
	userCtl := &fakeController{}
	prompt := &fakePrompt{}
	auth := &fakeAuthority{}
	b := newTestBroker(userCtl, &fakeController{}, auth, prompt, false)

	require.NoError(t, b.Execute(context.Background(), unit.ScopeUser, "syncthing", unit.ActionRestart))
	assert.Equal(t, []string{"restart syncthing"}, userCtl.calls)
	assert.Zero(t, prompt.runs)
	assert.Zero(t, auth.checks)
}

func TestSystemScopeInteractiveWhenPasswordlessOff(t *testing.T) {
	sysCtl := &fakeController{}
	prompt := &fakePrompt{}
	auth := &fakeAuthority{authorized: true}
	b := newTestBroker(nil, sysCtl, auth, prompt, false)

	require.NoError(t, b.Execute(context.Background(), unit.ScopeSystem, "docker", unit.ActionStart))
	assert.Equal(t, 1, prompt.runs)
	assert.Empty(t, sysCtl.calls, "direct path must not be used without passwordless mode")
	assert.Zero(t, auth.checks)
}

func TestPasswordlessUsesPolkitPath(t *testing.T) {
	sysCtl := &fakeController{}
	prompt := &fakePrompt{}
	auth := &fakeAuthority{authorized: true}
	b := newTestBroker(nil, sysCtl, auth, prompt, true)

	require.NoError(t, b.Execute(context.Background(), unit.ScopeSystem, "docker", unit.ActionStart))
	assert.Equal(t, []string{"start docker"}, sysCtl.calls)
	assert.Zero(t, prompt.runs)
}

func TestElevationCacheSkipsSecondCheck(t *testing.T) {
	sysCtl := &fakeController{}
	auth := &fakeAuthority{authorized: true}
	b := newTestBroker(nil, sysCtl, auth, &fakePrompt{}, true)

	ctx := context.Background()
	require.NoError(t, b.Execute(ctx, unit.ScopeSystem, "docker", unit.ActionStart))
	require.NoError(t, b.Execute(ctx, unit.ScopeSystem, "nginx", unit.ActionRestart))

	assert.Equal(t, 1, auth.checks, "second request must reuse the session grant")
	assert.Equal(t, []string{"start docker", "restart nginx"}, sysCtl.calls)
}

func TestPasswordlessFallsBackToPromptOnce(t *testing.T) {
	sysCtl := &fakeController{}
	prompt := &fakePrompt{}
	auth := &fakeAuthority{authorized: false}
	b := newTestBroker(nil, sysCtl, auth, prompt, true)

	require.NoError(t, b.Execute(context.Background(), unit.ScopeSystem, "docker", unit.ActionStop))
	assert.Equal(t, 1, prompt.runs)
	assert.Empty(t, sysCtl.calls)

	// Successful interactive elevation seeds the session cache; the next call
	// may use the direct path without re-checking polkit.
	auth.authorized = true
	require.NoError(t, b.Execute(context.Background(), unit.ScopeSystem, "docker", unit.ActionStart))
	assert.Equal(t, 1, prompt.runs, "no second prompt inside the session window")
	assert.Equal(t, []string{"start docker"}, sysCtl.calls)
}

func TestStaleGrantFallsBackToPromptOnce(t *testing.T) {
	// Grant cached, but the direct system-bus call is refused (polkit rule
	// revoked since): the broker must revoke the grant and run the single
	// interactive prompt instead of failing the call outright.
	sysCtl := &fakeController{err: errors.New("Interactive authentication required.")}
	prompt := &fakePrompt{}
	auth := &fakeAuthority{authorized: true}
	b := newTestBroker(nil, sysCtl, auth, prompt, true)
	b.Session().MarkGranted(unit.ScopeSystem)

	require.NoError(t, b.Execute(context.Background(), unit.ScopeSystem, "docker", unit.ActionRestart))
	assert.Equal(t, []string{"restart docker"}, sysCtl.calls, "exactly one direct attempt")
	assert.Equal(t, 1, prompt.runs, "exactly one interactive fallback")
	assert.Zero(t, auth.checks, "cached grant must skip the polkit check")
	assert.True(t, b.Session().Granted(unit.ScopeSystem), "successful prompt re-seeds the grant")
}

func TestStaleGrantPromptDenialSurfaces(t *testing.T) {
	sysCtl := &fakeController{err: errors.New("Interactive authentication required.")}
	prompt := &fakePrompt{err: unit.ErrElevationDenied}
	b := newTestBroker(nil, sysCtl, &fakeAuthority{}, prompt, true)
	b.Session().MarkGranted(unit.ScopeSystem)

	err := b.Execute(context.Background(), unit.ScopeSystem, "docker", unit.ActionStart)
	require.ErrorIs(t, err, unit.ErrElevationDenied)
	assert.Equal(t, 1, prompt.runs)
	assert.False(t, b.Session().Granted(unit.ScopeSystem), "denied fallback must leave the grant revoked")
}

func TestPolkitErrorFallsBackToPrompt(t *testing.T) {
	prompt := &fakePrompt{}
	auth := &fakeAuthority{err: errors.New("polkitd not running")}
	b := newTestBroker(nil, &fakeController{}, auth, prompt, true)

	require.NoError(t, b.Execute(context.Background(), unit.ScopeSystem, "docker", unit.ActionStart))
	assert.Equal(t, 1, prompt.runs)
}

func TestPromptDenialSurfaces(t *testing.T) {
	prompt := &fakePrompt{err: unit.ErrElevationDenied}
	b := newTestBroker(nil, &fakeController{}, &fakeAuthority{}, prompt, false)

	err := b.Execute(context.Background(), unit.ScopeSystem, "docker", unit.ActionStart)
	require.Error(t, err)
	assert.ErrorIs(t, err, unit.ErrElevationDenied)
	assert.False(t, b.Session().Granted(unit.ScopeSystem))
}

func TestAuthorizedButRefusedDoesNotRetry(t *testing.T) {
	sysCtl := &fakeController{err: errors.New("Unit docker.service not found")}
	prompt := &fakePrompt{}
	auth := &fakeAuthority{authorized: true}
	b := newTestBroker(nil, sysCtl, auth, prompt, true)

	err := b.Execute(context.Background(), unit.ScopeSystem, "docker", unit.ActionStart)
	require.Error(t, err)
	cf, ok := unit.IsCommandFailed(err)
	require.True(t, ok)
	assert.Equal(t, "docker", cf.Unit)
	assert.Zero(t, prompt.runs, "command failure after authorization must not escalate")
}

func TestBusAccessDeniedMapsToElevationDenied(t *testing.T) {
	userCtl := &fakeController{err: errors.New("Interactive authentication required.")}
	b := newTestBroker(userCtl, nil, nil, nil, false)

	err := b.Execute(context.Background(), unit.ScopeUser, "syncthing", unit.ActionStop)
	assert.ErrorIs(t, err, unit.ErrElevationDenied)
}

func TestSessionClearsOnPasswordlessDisable(t *testing.T) {
	s := NewSession(true)
	s.MarkGranted(unit.ScopeSystem)
	require.True(t, s.Granted(unit.ScopeSystem))

	s.SetPasswordless(false)
	assert.False(t, s.Granted(unit.ScopeSystem))
}
