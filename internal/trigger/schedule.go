package trigger

import (
	"context"
	"strings"
	"time"

	"github.com/rendis/flowgate/internal/cron"
	"github.com/rendis/flowgate/pkg/schema"
)

// due decides whether a scheduled workflow should run at now.
//
// Cron: now, truncated to the minute, must match the expression and no
// execution may have started within that minute already.
// Interval: due when at least the interval has elapsed since the last
// completion or, with none, since the last execution started. A workflow
// that never ran is due.
func (d *Dispatcher) due(ctx context.Context, def *schema.WorkflowDefinition, now time.Time) (bool, error) {
	cfg := def.TriggerConfig
	switch {
	case strings.TrimSpace(cfg.Cron) != "":
		sched, err := cron.Parse(cfg.Cron)
		if err != nil {
			return false, err
		}
		minute := now.Truncate(time.Minute)
		if !sched.Matches(minute) {
			return false, nil
		}
		last, err := d.execs.GetLastExecution(ctx, def.ID)
		if err != nil {
			return false, err
		}
		return last == nil || last.StartedAt.Before(minute), nil

	case strings.TrimSpace(cfg.Interval) != "":
		interval, err := ParseInterval(cfg.Interval)
		if err != nil {
			return false, err
		}
		last, err := d.execs.GetLastCompletedExecution(ctx, def.ID)
		if err != nil {
			return false, err
		}
		if last != nil && last.CompletedAt != nil {
			return now.Sub(*last.CompletedAt) >= interval, nil
		}
		// Nothing completed yet: runs that failed or still wait count from their start.
		last, err = d.execs.GetLastExecution(ctx, def.ID)
		if err != nil {
			return false, err
		}
		return last == nil || now.Sub(last.StartedAt) >= interval, nil
	}
	return false, schema.NewErrorf(schema.ErrCodeValidation, "workflow %q has neither cron nor interval", def.ID)
}

// ParseInterval parses a positive Go duration such as "30m".
func ParseInterval(s string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return 0, schema.NewErrorf(schema.ErrCodeValidation, "invalid interval %q", s).WithCause(err)
	}
	if d <= 0 {
		return 0, schema.NewErrorf(schema.ErrCodeValidation, "interval %q must be positive", s)
	}
	return d, nil
}
