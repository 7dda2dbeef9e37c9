// Package app wires the engine together: config, logging, history, systemd
// connections, privilege broker, registry, poller, and the reconciliation
// loop, all running under one supervisor.
package app

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"nyxd/internal/config"
	"nyxd/internal/eventbus"
	"nyxd/internal/poller"
	"nyxd/internal/privilege"
	"nyxd/internal/reconcile"
	"nyxd/internal/registry"
	"nyxd/internal/runtime/supervisor"
	"nyxd/internal/storage"
	"nyxd/internal/unit"
	"nyxd/pkg/logx"
	"nyxd/pkg/systemdctl"
)

// Options carries startup flags. The UI intent booleans are opaque to the
// engine: they pass through to the frontend untouched.
type Options struct {
	ConfigPath string

	ShowWindow   bool
	SuppressTray bool
	Autostarted  bool
}

type App struct {
	opts Options

	cfgm    *config.Manager
	logs    *logx.Service
	log     logx.Logger
	bus     eventbus.Bus
	store   storage.Store
	session *privilege.Session

	clients   map[unit.Scope]systemdctl.Client
	authority *privilege.PolkitAuthority
	broker    *privilege.Broker
	reg       *registry.Registry
	poll      *poller.Poller
	loop      *reconcile.Loop

	sup *supervisor.Supervisor
}

// New loads config and builds the passive pieces. Connections and goroutines
// come up in Start.
func New(opts Options) (*App, error) {
	path := opts.ConfigPath
	if path == "" {
		path = config.DefaultPath()
	}
	cfgm := config.NewManager(path)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logs, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.FileEnabled,
			Path:    cfg.Logging.FilePath,
		},
	})
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(logs.Logger().With(logx.String("comp", "config")))

	var store storage.Store
	if cfg.History.Enabled {
		st, err := storage.Open(historyConfig(cfg, path), logs.Logger().With(logx.String("comp", "history")))
		if err != nil {
			return nil, fmt.Errorf("open history: %w", err)
		}
		store = st
		if store != nil {
			log.Info("history enabled", logx.String("driver", cfg.History.Driver))
		}
	}

	return &App{
		opts:    opts,
		cfgm:    cfgm,
		logs:    logs,
		log:     log,
		bus:     eventbus.New(),
		store:   store,
		session: privilege.NewSession(cfg.Settings.PasswordlessMode),
		clients: map[unit.Scope]systemdctl.Client{},
	}, nil
}

// historyConfig resolves the history store config; the file lands next to
// the config file unless a path is set.
func historyConfig(cfg *config.Config, cfgPath string) storage.Config {
	driver := cfg.History.Driver
	if driver == "" {
		driver = "file"
	}
	path := cfg.History.Path
	if path == "" {
		path = filepath.Join(filepath.Dir(cfgPath), "history.jsonl")
	}
	return storage.Config{Driver: driver, Path: path, MaxRows: cfg.History.MaxRows}
}

// Start connects to the systemd managers and launches the engine goroutines.
func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	sctx := a.sup.Context()
	cfg := a.cfgm.Get()

	if err := a.connect(sctx); err != nil {
		return err
	}

	controllers := map[unit.Scope]privilege.Controller{}
	queriers := map[unit.Scope]poller.Querier{}
	for scope, c := range a.clients {
		controllers[scope] = c
		queriers[scope] = c
	}

	a.broker = privilege.NewBroker(controllers, a.authorityOrNil(), privilege.NewPkexecPrompt(), a.session,
		privilege.WithBrokerLogger(a.logs.Logger().With(logx.String("comp", "privilege"))))

	a.reg = registry.New(sctx, a.broker, configStore{cfgm: a.cfgm},
		func(e eventbus.Event) {
			if a.loop != nil {
				a.loop.Enqueue(e)
			}
		},
		registry.WithLogger(a.logs.Logger().With(logx.String("comp", "registry"))))

	specs := make([]unit.Spec, 0, len(cfg.Services))
	for _, svc := range cfg.Services {
		specs = append(specs, svc.Spec())
	}
	a.reg.Seed(specs)

	sched, err := reconcile.ScheduleFromSettings(cfg.Settings)
	if err != nil {
		return fmt.Errorf("poll schedule: %w", err)
	}
	a.poll = poller.New(a.reg, queriers, sched,
		poller.WithLogger(a.logs.Logger().With(logx.String("comp", "poller"))))

	var loopOpts []reconcile.Option
	loopOpts = append(loopOpts, reconcile.WithLogger(a.logs.Logger().With(logx.String("comp", "reconcile"))))
	if a.store != nil {
		loopOpts = append(loopOpts, reconcile.WithHistory(storage.Recorder{Store: a.store}))
	}
	a.loop = reconcile.New(a.reg, a.bus, a.poll, loopOpts...)

	a.sup.Go("reconcile.loop", a.loop.Run)
	a.sup.Go("poller.run", a.poll.Run)
	a.sup.GoRestart("config.watch", a.cfgm.Watch)

	// Hot-reload fan-out: relevant settings reach their components without a
	// restart.
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				a.applyConfig(newCfg)
			}
		}
	})

	a.autoStart()

	a.log.Info("engine started",
		logx.Int("units", len(specs)),
		logx.Bool("passwordless", cfg.Settings.PasswordlessMode))
	return nil
}

func (a *App) connect(ctx context.Context) error {
	user, err := systemdctl.New(ctx, systemdctl.UserBus)
	if err != nil {
		return fmt.Errorf("user bus: %w", err)
	}
	a.clients[unit.ScopeUser] = user

	// A missing system bus degrades system-scope units to query failures
	// instead of blocking startup.
	system, err := systemdctl.New(ctx, systemdctl.SystemBus)
	if err != nil {
		a.log.Warn("system bus unavailable", logx.Err(err))
	} else {
		a.clients[unit.ScopeSystem] = system
	}

	authority, err := privilege.NewPolkitAuthority(ctx)
	if err != nil {
		a.log.Warn("polkit authority unavailable", logx.Err(err))
	} else {
		a.authority = authority
	}
	return nil
}

func (a *App) authorityOrNil() privilege.Authority {
	if a.authority == nil {
		return nil
	}
	return a.authority
}

// autoStart issues start for flagged units in the background so a hung unit
// cannot stall bring-up.
func (a *App) autoStart() {
	names := a.reg.AutoStartNames()
	if len(names) == 0 {
		return
	}
	a.sup.Go0("autostart", func(c context.Context) {
		for _, name := range names {
			h, err := a.reg.Get(name)
			if err != nil {
				continue
			}
			if h.State == unit.StateRunning {
				continue
			}
			if err := a.loop.Submit(c, unit.ControlRequest{
				UnitName:    name,
				Action:      unit.ActionStart,
				RequestedAt: time.Now(),
			}); err != nil {
				a.log.Warn("autostart failed", logx.String("unit", name), logx.Err(err))
			}
		}
	})
}

func (a *App) applyConfig(cfg *config.Config) {
	if cfg == nil {
		return
	}
	a.logs.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.FileEnabled,
			Path:    cfg.Logging.FilePath,
		},
	})
	a.loop.ApplySettings(cfg.Settings)
	a.session.SetPasswordless(cfg.Settings.PasswordlessMode)
	a.log.Debug("config reloaded")
}

// Stop shuts the engine down: goroutines first, then connections and sinks.
func (a *App) Stop(timeout time.Duration) {
	if a.sup != nil {
		if !a.sup.Stop(timeout) {
			a.log.Warn("shutdown timed out, exiting anyway")
		}
	}
	for _, c := range a.clients {
		_ = c.Close()
	}
	if a.authority != nil {
		_ = a.authority.Close()
	}
	if a.store != nil {
		_ = a.store.Close()
	}
	_ = a.logs.Close()
}

// Done is closed when the supervisor context ends (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err reports the first fatal error observed by the supervisor, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

//
// Control surface for the UI layer
//

// Units returns a snapshot of every registered unit.
func (a *App) Units() []unit.Handle { return a.reg.Snapshot() }

// Unit returns one unit's handle.
func (a *App) Unit(name string) (unit.Handle, error) { return a.reg.Get(name) }

// Submit queues a control request and waits for its outcome.
func (a *App) Submit(ctx context.Context, req unit.ControlRequest) error {
	return a.loop.Submit(ctx, req)
}

// Register adds a new service record and starts managing it.
func (a *App) Register(svc config.Service) error {
	return a.reg.Register(svc.Spec())
}

// Unregister stops managing a service and drops its record.
func (a *App) Unregister(name string) error {
	if err := a.reg.Unregister(name); err != nil {
		return err
	}
	a.loop.Forget(name)
	return nil
}

// SetBootEnabled flips systemd boot enablement for a unit.
func (a *App) SetBootEnabled(name string, enabled bool) error {
	return a.reg.SetBootEnabled(name, enabled)
}

// BootEnabled reports whether the unit starts at boot/login.
func (a *App) BootEnabled(ctx context.Context, name string) bool {
	h, err := a.reg.Get(name)
	if err != nil {
		return false
	}
	client, ok := a.clients[h.Scope]
	if !ok {
		return false
	}
	return client.IsEnabled(ctx, name)
}

// Subscribe taps the outward event stream.
func (a *App) Subscribe(buffer int) (<-chan eventbus.Event, func()) {
	return a.bus.Subscribe(buffer)
}

// History returns the event history store, or nil when disabled.
func (a *App) History() storage.Store { return a.store }

// Detail returns the full status snapshot (uptime, memory, timestamps) for
// the unit detail view.
func (a *App) Detail(ctx context.Context, name string) (systemdctl.Status, error) {
	h, err := a.reg.Get(name)
	if err != nil {
		return systemdctl.Status{}, err
	}
	client, ok := a.clients[h.Scope]
	if !ok {
		return systemdctl.Status{}, fmt.Errorf("no %s-scope connection: %w", h.Scope, unit.ErrQueryFailed)
	}
	if m, ok := client.(*systemdctl.Manager); ok {
		return m.StatusFull(ctx, name)
	}
	return client.Status(ctx, name)
}

// Journal tails a unit's journal for the detail view.
func (a *App) Journal(ctx context.Context, name string, lines int) (string, error) {
	h, err := a.reg.Get(name)
	if err != nil {
		return "", err
	}
	bus := systemdctl.UserBus
	if h.Scope == unit.ScopeSystem {
		bus = systemdctl.SystemBus
	}
	return systemdctl.Journal(ctx, bus, name, lines)
}

// Config returns the current committed configuration.
func (a *App) Config() *config.Config { return a.cfgm.Get() }

// UpdateSettings validates, persists, and applies new settings. The
// passwordless toggle also installs or removes the polkit rule, prompting
// once for the rule write itself.
func (a *App) UpdateSettings(ctx context.Context, s config.Settings) error {
	prev := a.cfgm.Get().Settings

	if s.PasswordlessMode != prev.PasswordlessMode {
		if err := a.setPasswordless(ctx, s.PasswordlessMode); err != nil {
			return err
		}
	}

	_, err := a.cfgm.Mutate(func(c *config.Config) error {
		c.Settings = s
		return nil
	})
	if err != nil {
		return err
	}
	a.loop.ApplySettings(s)
	a.session.SetPasswordless(s.PasswordlessMode)
	return nil
}

func (a *App) setPasswordless(ctx context.Context, on bool) error {
	if on {
		if !privilege.RuleInstalled() {
			if err := privilege.InstallPasswordlessRule(ctx); err != nil {
				return fmt.Errorf("install polkit rule: %w", err)
			}
		}
	} else {
		if privilege.RuleInstalled() {
			if err := privilege.RemovePasswordlessRule(ctx); err != nil {
				return fmt.Errorf("remove polkit rule: %w", err)
			}
		}
	}
	return nil
}

// UIOptions exposes the launcher's UI intent flags untouched.
func (a *App) UIOptions() Options { return a.opts }
