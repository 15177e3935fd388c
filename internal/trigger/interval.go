package trigger

import (
	"fmt"
	"time"

	"github.com/schedulezero/schedulezero/internal/domain"
)

type intervalTrigger struct {
	start  time.Time
	period time.Duration
	end    *time.Time
}

func newInterval(cfg Config) (Trigger, error) {
	period := time.Duration(cfg.Weeks)*7*24*time.Hour +
		time.Duration(cfg.Days)*24*time.Hour +
		time.Duration(cfg.Hours)*time.Hour +
		time.Duration(cfg.Minutes)*time.Minute +
		time.Duration(cfg.Seconds)*time.Second +
		time.Duration(cfg.Milliseconds)*time.Millisecond
	if period < time.Millisecond {
		return nil, fmt.Errorf("%w: interval period must be at least 1ms", domain.ErrInvalidTrigger)
	}
	if cfg.Start == nil {
		return nil, fmt.Errorf("%w: interval trigger requires an anchor start", domain.ErrInvalidTrigger)
	}
	it := &intervalTrigger{start: domain.UTCMillis(*cfg.Start), period: period}
	if cfg.End != nil {
		end := domain.UTCMillis(*cfg.End)
		if !end.After(it.start) {
			return nil, fmt.Errorf("%w: interval end precedes start", domain.ErrInvalidTrigger)
		}
		it.end = &end
	}
	return it, nil
}

// NextAfter returns start + ceil((t-start)/period)*period, with exact
// multiples of the period advancing one full period so results stay
// strictly after t.
func (i *intervalTrigger) NextAfter(t time.Time) (time.Time, bool) {
	t = domain.UTCMillis(t)
	var next time.Time
	if t.Before(i.start) {
		next = i.start
	} else {
		n := t.Sub(i.start)/i.period + 1
		next = i.start.Add(n * i.period)
	}
	if i.end != nil && next.After(*i.end) {
		return time.Time{}, false
	}
	return next, true
}

func (i *intervalTrigger) Describe() string {
	return "interval/" + i.period.String()
}
