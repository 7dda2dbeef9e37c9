// Package reconcile runs the engine's single ordering goroutine: control
// requests, registry events, and settings changes all pass through one loop,
// which keeps the outward event stream in per-unit order.
package reconcile

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"nyxd/internal/config"
	"nyxd/internal/eventbus"
	"nyxd/internal/poller"
	"nyxd/internal/unit"
	"nyxd/pkg/logx"
)

// failureNotifyEvery throttles ControlFailed fan-out per unit so a flapping
// unit cannot flood subscribers. History recording is never throttled.
const failureNotifyEvery = 30 * time.Second

const (
	requestQueueSize = 32
	eventQueueSize   = 256
)

// Submitter executes one control request. The registry implements it.
type Submitter interface {
	Submit(req unit.ControlRequest) error
}

// PollControl is the slice of the poller the loop drives.
type PollControl interface {
	Kick()
	SetSchedule(poller.Schedule)
}

// History records events for the log viewer. Optional.
type History interface {
	Append(ctx context.Context, e eventbus.Event) error
}

type pendingRequest struct {
	req   unit.ControlRequest
	reply chan error
}

// Loop serializes control execution and event fan-out.
type Loop struct {
	reg     Submitter
	bus     eventbus.Bus
	pollctl PollControl
	history History
	log     logx.Logger

	requests chan pendingRequest
	events   chan eventbus.Event
	settings chan config.Settings

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

type Option func(*Loop)

func WithHistory(h History) Option {
	return func(l *Loop) { l.history = h }
}

func WithLogger(log logx.Logger) Option {
	return func(l *Loop) { l.log = log }
}

func New(reg Submitter, bus eventbus.Bus, pollctl PollControl, opts ...Option) *Loop {
	l := &Loop{
		reg:      reg,
		bus:      bus,
		pollctl:  pollctl,
		requests: make(chan pendingRequest, requestQueueSize),
		events:   make(chan eventbus.Event, eventQueueSize),
		settings: make(chan config.Settings, 1),
		limiters: map[string]*rate.Limiter{},
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Enqueue is the registry's emit hook. It must never block: the registry
// calls it under a unit lock. When the queue is full the event is dropped
// and counted, never reordered.
func (l *Loop) Enqueue(e eventbus.Event) {
	select {
	case l.events <- e:
	default:
		if !l.log.IsZero() {
			l.log.Warn("event queue full, dropping", logx.String("unit", e.UnitName), logx.String("kind", string(e.Kind)))
		}
	}
}

// Submit queues a control request and waits for its outcome. Same-unit
// requests are serialized by the registry; different units run concurrently.
func (l *Loop) Submit(ctx context.Context, req unit.ControlRequest) error {
	if req.RequestedAt.IsZero() {
		req.RequestedAt = time.Now()
	}
	p := pendingRequest{req: req, reply: make(chan error, 1)}

	select {
	case l.requests <- p:
	case <-ctx.Done():
		return fmt.Errorf("submit %s: %w", req.UnitName, ctx.Err())
	}

	select {
	case err := <-p.reply:
		return err
	case <-ctx.Done():
		return fmt.Errorf("submit %s: %w", req.UnitName, ctx.Err())
	}
}

// ApplySettings hands new settings to the loop. Coalesces: only the latest
// pending value is applied.
func (l *Loop) ApplySettings(s config.Settings) {
	for {
		select {
		case l.settings <- s:
			return
		default:
			select {
			case <-l.settings:
			default:
			}
		}
	}
}

// Run processes until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			l.drainReplies(ctx.Err())
			return ctx.Err()
		case p := <-l.requests:
			// Dispatch off the loop goroutine: an interactive elevation
			// prompt for one unit must not stall events or other units.
			// Same-unit requests still serialize inside the registry.
			go func(p pendingRequest) {
				err := l.reg.Submit(p.req)
				if l.pollctl != nil {
					// Confirm the outcome quickly instead of waiting a
					// full tick.
					l.pollctl.Kick()
				}
				p.reply <- err
			}(p)
		case e := <-l.events:
			l.dispatch(ctx, e)
		case s := <-l.settings:
			l.applySettings(s)
		}
	}
}

func (l *Loop) drainReplies(err error) {
	for {
		select {
		case p := <-l.requests:
			p.reply <- err
		default:
			return
		}
	}
}

func (l *Loop) dispatch(ctx context.Context, e eventbus.Event) {
	if l.history != nil {
		if err := l.history.Append(ctx, e); err != nil && !l.log.IsZero() {
			l.log.Warn("history append failed", logx.Err(err))
		}
	}

	if e.Kind == unit.EventControlFailed && !l.allowFailure(e.UnitName) {
		return
	}
	l.bus.Publish(e)
}

// Forget drops the unit's failure limiter. Called on unregister so the map
// does not accumulate entries for units long gone.
func (l *Loop) Forget(name string) {
	l.mu.Lock()
	delete(l.limiters, name)
	l.mu.Unlock()
}

// allowFailure rate-limits failure fan-out per unit.
func (l *Loop) allowFailure(name string) bool {
	l.mu.Lock()
	lim, ok := l.limiters[name]
	if !ok {
		lim = rate.NewLimiter(rate.Every(failureNotifyEvery), 1)
		l.limiters[name] = lim
	}
	l.mu.Unlock()
	return lim.Allow()
}

func (l *Loop) applySettings(s config.Settings) {
	if l.pollctl == nil {
		return
	}
	sched, err := ScheduleFromSettings(s)
	if err != nil {
		if !l.log.IsZero() {
			l.log.Warn("bad poll schedule, keeping previous", logx.Err(err))
		}
		return
	}
	l.pollctl.SetSchedule(sched)
}

// ScheduleFromSettings resolves the poll schedule: an explicit poll_schedule
// string wins over the plain update_interval seconds.
func ScheduleFromSettings(s config.Settings) (poller.Schedule, error) {
	if s.PollSchedule != "" {
		return poller.ParseSchedule(s.PollSchedule)
	}
	iv := s.UpdateInterval
	if iv <= 0 {
		iv = config.DefaultUpdateInterval
	}
	return poller.IntervalSchedule(time.Duration(iv) * time.Second), nil
}
