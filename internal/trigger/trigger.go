// Package trigger computes next-fire instants for date, interval, and cron
// triggers. Triggers are pure: parsing is deterministic and NextAfter does
// no I/O. All returned instants are UTC, truncated to milliseconds.
package trigger

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/schedulezero/schedulezero/internal/domain"
)

const (
	TypeDate     = "date"
	TypeInterval = "interval"
	TypeCron     = "cron"
)

// Trigger yields firing instants. NextAfter returns the first instant
// strictly after t, or false when the trigger is exhausted.
type Trigger interface {
	NextAfter(t time.Time) (time.Time, bool)
	Describe() string
}

// Config is the wire/persisted shape of a trigger. Exactly one type's
// fields are meaningful.
type Config struct {
	Type string `json:"type"`

	// date
	RunDate *time.Time `json:"run_date,omitempty"`

	// interval
	Weeks        int        `json:"weeks,omitempty"`
	Days         int        `json:"days,omitempty"`
	Hours        int        `json:"hours,omitempty"`
	Minutes      int        `json:"minutes,omitempty"`
	Seconds      int        `json:"seconds,omitempty"`
	Milliseconds int        `json:"milliseconds,omitempty"`
	Start        *time.Time `json:"start,omitempty"`
	End          *time.Time `json:"end,omitempty"`

	// cron
	Minute    string `json:"minute,omitempty"`
	Hour      string `json:"hour,omitempty"`
	Day       string `json:"day,omitempty"`
	Month     string `json:"month,omitempty"`
	DayOfWeek string `json:"day_of_week,omitempty"`
	TZ        string `json:"tz,omitempty"`
}

// Parse builds a trigger from its persisted config. defaultTZ applies to
// cron configs that carry no tz of their own.
func Parse(raw json.RawMessage, defaultTZ *time.Location) (Trigger, error) {
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidTrigger, err)
	}
	switch cfg.Type {
	case TypeDate:
		return newDate(cfg)
	case TypeInterval:
		return newInterval(cfg)
	case TypeCron:
		return newCron(cfg, defaultTZ)
	default:
		return nil, fmt.Errorf("%w: unknown type %q", domain.ErrInvalidTrigger, cfg.Type)
	}
}

// Normalize validates a trigger config at submission time: it anchors
// interval triggers without an explicit start at now, stamps the default
// time zone into cron configs, and rejects triggers that produce no fire
// strictly after now. The returned JSON is what the store should persist
// so later parses reconstruct the identical trigger.
func Normalize(raw json.RawMessage, now time.Time, defaultTZ *time.Location) (Trigger, json.RawMessage, error) {
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", domain.ErrInvalidTrigger, err)
	}
	now = domain.UTCMillis(now)

	switch cfg.Type {
	case TypeInterval:
		if cfg.Start == nil {
			anchored := now
			cfg.Start = &anchored
		}
	case TypeCron:
		if cfg.TZ == "" {
			cfg.TZ = defaultTZ.String()
		}
	}

	norm, err := json.Marshal(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", domain.ErrInvalidTrigger, err)
	}
	trig, err := Parse(norm, defaultTZ)
	if err != nil {
		return nil, nil, err
	}
	if _, ok := trig.NextAfter(now); !ok {
		return nil, nil, fmt.Errorf("%w: produces no future fires", domain.ErrInvalidTrigger)
	}
	return trig, norm, nil
}
