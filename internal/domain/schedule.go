package domain

import (
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrScheduleNotFound      = errors.New("schedule not found")
	ErrDuplicateSchedule     = errors.New("schedule with this id already exists")
	ErrInvalidTrigger        = errors.New("trigger is malformed or never fires")
	ErrScheduleAlreadyPaused = errors.New("schedule is already paused")
	ErrScheduleNotPaused     = errors.New("schedule is not paused")
	ErrStoreUnavailable      = errors.New("schedule store unavailable")
)

type MisfirePolicy string

const (
	MisfireRunNowIfLate MisfirePolicy = "run_now_if_late"
	MisfireSkipIfLate   MisfirePolicy = "skip_if_late"
)

type ScheduleStatus string

const (
	ScheduleStatusScheduled ScheduleStatus = "scheduled"
	ScheduleStatusPaused    ScheduleStatus = "paused"
	ScheduleStatusFinished  ScheduleStatus = "finished"
)

type Schedule struct {
	ID        string
	HandlerID string
	Method    string
	Params    map[string]any
	Trigger   json.RawMessage // trigger config, persisted verbatim

	NextFire      *time.Time // nil once a one-shot trigger is exhausted
	Paused        bool
	ClaimOwner    *string
	ClaimDeadline *time.Time

	MisfirePolicy  MisfirePolicy
	MisfireGrace   time.Duration
	MaxAttempts    int
	AttemptTimeout time.Duration // 0 means the global per-attempt timeout

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (s *Schedule) Status() ScheduleStatus {
	switch {
	case s.Paused:
		return ScheduleStatusPaused
	case s.NextFire == nil:
		return ScheduleStatusFinished
	default:
		return ScheduleStatusScheduled
	}
}

// UTCMillis normalizes an instant so claim equality survives a round-trip
// through any store backend.
func UTCMillis(t time.Time) time.Time {
	return t.UTC().Truncate(time.Millisecond)
}
