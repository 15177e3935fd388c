// Package store defines the durable schedule store contract. Backends live
// under internal/infrastructure and are selected by store URL scheme.
package store

import (
	"context"
	"time"

	"github.com/schedulezero/schedulezero/internal/domain"
)

type Filter struct {
	HandlerID string
	Status    domain.ScheduleStatus // zero value matches all
	Limit     int
}

type ScheduleStore interface {
	// Add persists a schedule whose NextFire the caller has already
	// computed from its trigger. Fails with domain.ErrDuplicateSchedule
	// on an id collision.
	Add(ctx context.Context, s *domain.Schedule) error
	Get(ctx context.Context, id string) (*domain.Schedule, error)
	List(ctx context.Context, f Filter) ([]*domain.Schedule, error)
	Remove(ctx context.Context, id string) error
	Pause(ctx context.Context, id string) error
	Resume(ctx context.Context, id string) error

	// DueBefore returns unpaused, unfinished schedules with
	// next_fire <= t, ordered by (next_fire, id).
	DueBefore(ctx context.Context, t time.Time, limit int) ([]*domain.Schedule, error)

	// Claim atomically grants ownership of (id, scheduledAt) to claimant.
	// It succeeds only while the stored next_fire still equals
	// scheduledAt and the schedule is not paused; on success it writes
	// the claim and advances next_fire to next in the same step (nil
	// marks the schedule finished). Advancing before dispatch means a
	// crash after a claim never re-fires the same instant. Exactly one
	// concurrent caller wins.
	Claim(ctx context.Context, id string, scheduledAt time.Time, claimant string, ttl time.Duration, next *time.Time) (bool, error)

	// Release undoes a claim the claimant still owns, restoring
	// next_fire to scheduledAt. Only for abandoning an instant before
	// dispatch; releasing a claim that moved on is a no-op.
	Release(ctx context.Context, id string, scheduledAt time.Time, claimant string) error

	// EarliestNextFire reports the soonest claimable instant, nil when
	// nothing is scheduled.
	EarliestNextFire(ctx context.Context) (*time.Time, error)

	Ping(ctx context.Context) error
	Close() error
}
