package trigger

import (
	"fmt"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/robfig/cron/v3"

	"github.com/schedulezero/schedulezero/internal/domain"
)

// Five wall-clock fields; seconds are always zero. Restricted day-of-month
// and day-of-week combine with OR semantics.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Parsed expressions are cached; schedules re-parse their trigger on every
// claim and cron parsing is the only non-trivial cost on that path.
var cronCache, _ = lru.New[string, cron.Schedule](256)

type cronTrigger struct {
	expr  string
	loc   *time.Location
	sched cron.Schedule
}

func newCron(cfg Config, defaultTZ *time.Location) (Trigger, error) {
	loc := defaultTZ
	if loc == nil {
		loc = time.UTC
	}
	if cfg.TZ != "" {
		var err error
		if loc, err = time.LoadLocation(cfg.TZ); err != nil {
			return nil, fmt.Errorf("%w: unknown time zone %q", domain.ErrInvalidTrigger, cfg.TZ)
		}
	}

	expr := strings.Join([]string{
		orStar(cfg.Minute),
		orStar(cfg.Hour),
		orStar(cfg.Day),
		orStar(cfg.Month),
		orStar(cfg.DayOfWeek),
	}, " ")

	key := expr + "\x00" + loc.String()
	sched, ok := cronCache.Get(key)
	if !ok {
		var err error
		if sched, err = cronParser.Parse(expr); err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrInvalidTrigger, err)
		}
		cronCache.Add(key, sched)
	}
	return &cronTrigger{expr: expr, loc: loc, sched: sched}, nil
}

func orStar(field string) string {
	if field == "" {
		return "*"
	}
	return field
}

// NextAfter evaluates the expression on the wall clock of the configured
// zone and reports the result in UTC. Wall-clock instants skipped by a DST
// jump do not fire; repeated instants fire once per UTC instant, so the
// returned sequence is strictly monotone in UTC.
func (c *cronTrigger) NextAfter(t time.Time) (time.Time, bool) {
	next := c.sched.Next(t.In(c.loc))
	if next.IsZero() {
		return time.Time{}, false
	}
	return domain.UTCMillis(next), true
}

func (c *cronTrigger) Describe() string {
	return "cron(" + c.expr + " " + c.loc.String() + ")"
}
