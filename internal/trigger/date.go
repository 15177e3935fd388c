package trigger

import (
	"fmt"
	"time"

	"github.com/schedulezero/schedulezero/internal/domain"
)

type dateTrigger struct {
	runAt time.Time
}

func newDate(cfg Config) (Trigger, error) {
	if cfg.RunDate == nil {
		return nil, fmt.Errorf("%w: date trigger requires run_date", domain.ErrInvalidTrigger)
	}
	return &dateTrigger{runAt: domain.UTCMillis(*cfg.RunDate)}, nil
}

func (d *dateTrigger) NextAfter(t time.Time) (time.Time, bool) {
	if d.runAt.After(t) {
		return d.runAt, true
	}
	return time.Time{}, false
}

func (d *dateTrigger) Describe() string {
	return "date@" + d.runAt.Format(time.RFC3339)
}
