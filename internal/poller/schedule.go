package poller

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Schedule drives poll ticks: either a fixed interval or a cron expression
// for users who want to confine polling to certain windows.
type Schedule struct {
	every time.Duration
	cron  cron.Schedule
}

// cronParser accepts standard 5-field specs plus descriptors like @hourly
// and @every 30s.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// IntervalSchedule ticks at a fixed period.
func IntervalSchedule(every time.Duration) Schedule {
	return Schedule{every: every}
}

// ParseSchedule parses a schedule string.
//
// Supported forms:
//   - Go duration: "5s", "2m30s"
//   - Cron (robfig/cron): "*/5 * * * *", "@every 10s", "@hourly"
//
// Optional "cron:" and "interval:" prefixes force one interpretation.
func ParseSchedule(raw string) (Schedule, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Schedule{}, fmt.Errorf("schedule required")
	}

	low := strings.ToLower(s)
	if strings.HasPrefix(low, "cron:") {
		return parseCron(strings.TrimSpace(s[len("cron:"):]))
	}
	if strings.HasPrefix(low, "interval:") {
		return parseInterval(strings.TrimSpace(s[len("interval:"):]))
	}

	// Whitespace or a leading '@' means cron.
	if strings.ContainsAny(s, " \t") || strings.HasPrefix(s, "@") {
		return parseCron(s)
	}

	if d, err := time.ParseDuration(s); err == nil {
		if d <= 0 {
			return Schedule{}, fmt.Errorf("interval must be > 0")
		}
		return IntervalSchedule(d), nil
	}

	return Schedule{}, fmt.Errorf("invalid schedule %q (use a duration like '5s' or cron like '*/5 * * * *')", raw)
}

func parseCron(expr string) (Schedule, error) {
	if expr == "" {
		return Schedule{}, fmt.Errorf("cron schedule required")
	}
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return Schedule{}, fmt.Errorf("invalid cron schedule %q: %w", expr, err)
	}
	return Schedule{cron: sched}, nil
}

func parseInterval(v string) (Schedule, error) {
	if v == "" {
		return Schedule{}, fmt.Errorf("interval required")
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return Schedule{}, fmt.Errorf("invalid interval %q: %w", v, err)
	}
	if d <= 0 {
		return Schedule{}, fmt.Errorf("interval must be > 0")
	}
	return IntervalSchedule(d), nil
}

// Wait returns how long to sleep before the next tick, measured from now.
func (s Schedule) Wait(now time.Time) time.Duration {
	if s.cron != nil {
		d := s.cron.Next(now).Sub(now)
		if d < 0 {
			d = 0
		}
		return d
	}
	return s.every
}

// Zero reports whether the schedule was never set.
func (s Schedule) Zero() bool { return s.cron == nil && s.every <= 0 }
