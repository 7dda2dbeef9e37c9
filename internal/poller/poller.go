// Package poller drives periodic status queries against the systemd
// managers and feeds the results into the registry.
package poller

import (
	"context"
	"fmt"
	"sync"
	"time"

	"nyxd/internal/unit"
	"nyxd/pkg/logx"
	"nyxd/pkg/systemdctl"
)

const defaultQueryTimeout = 3 * time.Second

// Sink receives poll results. The registry implements it.
type Sink interface {
	Snapshot() []unit.Handle
	UnitContext(name string) (context.Context, bool)
	ApplyObservation(name string, obs unit.Observation)
	ApplyQueryFailure(name string, err error, at time.Time)
}

// Querier is the status slice of systemdctl.Client the poller needs.
type Querier interface {
	Status(ctx context.Context, name string) (systemdctl.Status, error)
}

// Poller ticks on a schedule and queries every registered unit through the
// manager connection for its scope.
type Poller struct {
	sink    Sink
	clients map[unit.Scope]Querier
	timeout time.Duration
	log     logx.Logger

	mu    sync.Mutex
	sched Schedule

	kick chan struct{}
}

type Option func(*Poller)

func WithQueryTimeout(d time.Duration) Option {
	return func(p *Poller) {
		if d > 0 {
			p.timeout = d
		}
	}
}

func WithLogger(log logx.Logger) Option {
	return func(p *Poller) { p.log = log }
}

// New creates a poller. clients must hold a Querier per scope the registry
// can contain; a missing scope is reported as a query failure.
func New(sink Sink, clients map[unit.Scope]Querier, sched Schedule, opts ...Option) *Poller {
	p := &Poller{
		sink:    sink,
		clients: clients,
		timeout: defaultQueryTimeout,
		sched:   sched,
		kick:    make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// SetSchedule swaps the tick schedule. Takes effect on the next tick.
func (p *Poller) SetSchedule(sched Schedule) {
	if sched.Zero() {
		return
	}
	p.mu.Lock()
	p.sched = sched
	p.mu.Unlock()
	p.Kick()
}

// Kick requests an immediate out-of-schedule poll, typically right after a
// control action so the UI confirms quickly. Coalesces when one is pending.
func (p *Poller) Kick() {
	select {
	case p.kick <- struct{}{}:
	default:
	}
}

func (p *Poller) wait() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sched.Wait(time.Now())
}

// Run polls until ctx is cancelled. The first poll happens immediately.
func (p *Poller) Run(ctx context.Context) error {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.kick:
		case <-timer.C:
		}
		p.PollOnce(ctx)

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(p.wait())
	}
}

// PollOnce queries every registered unit once.
func (p *Poller) PollOnce(ctx context.Context) {
	for _, h := range p.sink.Snapshot() {
		select {
		case <-ctx.Done():
			return
		default:
		}
		p.pollUnit(ctx, h.Name, h.Scope)
	}
}

func (p *Poller) pollUnit(ctx context.Context, name string, scope unit.Scope) {
	at := time.Now()

	client, ok := p.clients[scope]
	if !ok {
		p.sink.ApplyQueryFailure(name, fmt.Errorf("no manager connection for scope %q", scope), at)
		return
	}

	// Bound the query to both the poll cycle and the unit's registration,
	// so an unregister aborts an in-flight query.
	uctx, alive := p.sink.UnitContext(name)
	if !alive {
		return
	}
	qctx, cancel := context.WithTimeout(uctx, p.timeout)
	defer cancel()

	st, err := client.Status(qctx, name)
	if err != nil {
		if uctx.Err() != nil {
			return
		}
		if !p.log.IsZero() {
			p.log.Debug("status query failed", logx.String("unit", name), logx.Err(err))
		}
		p.sink.ApplyQueryFailure(name, err, at)
		return
	}

	obs := unit.Observation{SubState: st.SubState, At: at}
	if st.NotFound() {
		obs.State = unit.StateUnknown
		obs.SubState = "not-found"
	} else {
		obs.State = unit.StateFromActive(st.ActiveState)
	}
	p.sink.ApplyObservation(name, obs)
}
