// Package scheduler contains the per-instance scheduling engine: a
// single-threaded loop that claims due schedules from the store and a
// bounded dispatcher pool that drives each claimed firing to a terminal
// execution record.
package scheduler

import (
	"context"
	"log/slog"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/schedulezero/schedulezero/internal/domain"
	"github.com/schedulezero/schedulezero/internal/metrics"
	"github.com/schedulezero/schedulezero/internal/store"
	"github.com/schedulezero/schedulezero/internal/trigger"
)

// Coordinator is the loop's view of the event bus: whether this instance
// holds the claim role, a wake signal for peer schedule changes, and the
// publish side. *bus.Bus satisfies it.
type Coordinator interface {
	IsLeader() bool
	Wake() <-chan struct{}
	Publish(topic string, payload map[string]any)
}

// Sink receives claimed firings. *Dispatcher satisfies it. SlotFreed
// signals after a rejected dispatch would succeed again.
type Sink interface {
	TryDispatch(f domain.Firing) bool
	SlotFreed() <-chan struct{}
}

type LoopConfig struct {
	InstanceID string

	// MaxIdle bounds one sleep so config or clock drift never parks the
	// loop forever.
	MaxIdle   time.Duration
	BatchSize int

	DefaultMaxAttempts    int
	DefaultAttemptTimeout time.Duration
	DefaultMisfireGrace   time.Duration
	DefaultTZ             *time.Location
}

// Loop wakes at the earliest next fire, claims due schedules in
// (scheduled_at, schedule_id) order and hands the firings to the sink.
// It runs single-threaded; parallelism lives in the dispatcher.
type Loop struct {
	cfg    LoopConfig
	store  store.ScheduleStore
	sink   Sink
	coord  Coordinator
	logger *slog.Logger

	wake chan struct{}
	now  func() time.Time
}

func NewLoop(cfg LoopConfig, st store.ScheduleStore, sink Sink, coord Coordinator, logger *slog.Logger) *Loop {
	if cfg.MaxIdle <= 0 {
		cfg.MaxIdle = 30 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 128
	}
	if cfg.DefaultTZ == nil {
		cfg.DefaultTZ = time.UTC
	}
	return &Loop{
		cfg:    cfg,
		store:  st,
		sink:   sink,
		coord:  coord,
		logger: logger.With("component", "scheduler_loop"),
		wake:   make(chan struct{}, 1),
		now:    time.Now,
	}
}

// Wake nudges the loop so it recomputes its sleep target. Called by the
// control plane after schedule mutations; never blocks.
func (l *Loop) Wake() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Run blocks until ctx is done.
func (l *Loop) Run(ctx context.Context) {
	l.coord.Publish("scheduler.started", map[string]any{"instance_id": l.cfg.InstanceID})
	l.logger.Info("scheduler loop started", "instance_id", l.cfg.InstanceID)
	defer func() {
		l.coord.Publish("scheduler.stopped", map[string]any{"instance_id": l.cfg.InstanceID})
		l.logger.Info("scheduler loop stopped")
	}()

	storeFailures := 0
	for ctx.Err() == nil {
		next, err := l.store.EarliestNextFire(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			storeFailures++
			wait := storeBackoff(storeFailures)
			l.logger.Error("store unavailable, backing off", "failures", storeFailures, "wait", wait, "error", err)
			if !sleepCtx(ctx, wait) {
				return
			}
			continue
		}
		storeFailures = 0

		wait := l.cfg.MaxIdle
		if next != nil {
			if until := next.Sub(l.now()); until < wait {
				wait = until
			}
		}
		if wait > 0 && !l.sleep(ctx, wait) {
			return
		}

		metrics.LoopWakeupsTotal.Inc()

		// Followers keep computing sleep targets but never claim; the
		// store claim stays the correctness backstop either way.
		if !l.coord.IsLeader() {
			continue
		}
		if l.tick(ctx) {
			// Saturated: the released instant is already due, so the
			// normal sleep target would be in the past. Park until a
			// slot frees instead of spinning claim/release on the store.
			l.waitForSlot(ctx)
		}
	}
}

// waitForSlot blocks after a saturation release until the sink reports a
// free slot, bounded by MaxIdle as a safety floor.
func (l *Loop) waitForSlot(ctx context.Context) {
	timer := time.NewTimer(l.cfg.MaxIdle)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-l.sink.SlotFreed():
	case <-timer.C:
	}
}

// sleep waits for the duration, a local nudge, or a peer schedule-change
// event. It returns false when ctx ended.
func (l *Loop) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
	case <-l.wake:
	case <-l.coord.Wake():
	}
	return true
}

// tick claims every due schedule once and hands the firings over. The
// store returns them ordered by (next_fire, id), so dispatch order within
// a tick is stable. It reports whether it stopped on a saturated sink.
func (l *Loop) tick(ctx context.Context) (saturated bool) {
	now := domain.UTCMillis(l.now())
	due, err := l.store.DueBefore(ctx, now, l.cfg.BatchSize)
	if err != nil {
		l.logger.Error("list due schedules", "error", err)
		return false
	}

	for _, s := range due {
		if ctx.Err() != nil {
			return false
		}
		scheduledAt := *s.NextFire
		next := l.nextFire(s, now)

		ok, err := l.store.Claim(ctx, s.ID, scheduledAt, l.cfg.InstanceID, l.claimTTL(s), next)
		if err != nil {
			l.logger.Error("claim schedule", "schedule_id", s.ID, "error", err)
			return false
		}
		if !ok {
			// Another instance owns this instant.
			metrics.ClaimsTotal.WithLabelValues("skipped").Inc()
			continue
		}
		metrics.ClaimsTotal.WithLabelValues("claimed").Inc()

		if late := now.Sub(scheduledAt); s.MisfirePolicy == domain.MisfireSkipIfLate && late > l.misfireGrace(s) {
			// The advance stands; the late instant is silently dropped.
			metrics.MisfiresSkippedTotal.Inc()
			l.logger.Warn("misfire skipped", "schedule_id", s.ID, "scheduled_at", scheduledAt, "late", late)
			continue
		}

		f := domain.Firing{
			FiringID:       uuid.NewString(),
			ScheduleID:     s.ID,
			HandlerID:      s.HandlerID,
			Method:         s.Method,
			Params:         s.Params,
			Attempt:        1,
			ScheduledAt:    scheduledAt,
			ClaimDeadline:  now.Add(l.claimTTL(s)),
			MaxAttempts:    l.maxAttempts(s),
			AttemptTimeout: s.AttemptTimeout,
		}
		if !l.sink.TryDispatch(f) {
			// Pool saturated: give the instant back and stop claiming
			// until a slot frees.
			if err := l.store.Release(ctx, s.ID, scheduledAt, l.cfg.InstanceID); err != nil {
				l.logger.Error("release claim", "schedule_id", s.ID, "error", err)
			}
			metrics.ClaimsTotal.WithLabelValues("released").Inc()
			l.logger.Warn("dispatcher saturated, released claim", "schedule_id", s.ID)
			return true
		}
	}
	return false
}

// nextFire computes the instant the claim advances to. Instants missed
// while the loop was down are skipped, which keeps the sequence strictly
// increasing under both misfire policies.
func (l *Loop) nextFire(s *domain.Schedule, now time.Time) *time.Time {
	trig, err := trigger.Parse(s.Trigger, l.cfg.DefaultTZ)
	if err != nil {
		// Triggers are validated at submission; a parse failure here means
		// the persisted config is damaged. Finish the schedule instead of
		// claiming it forever.
		l.logger.Error("persisted trigger unparsable, finishing schedule", "schedule_id", s.ID, "error", err)
		return nil
	}
	from := *s.NextFire
	if now.After(from) {
		from = now
	}
	next, ok := trig.NextAfter(from)
	if !ok {
		return nil
	}
	return &next
}

// claimTTL covers the dispatcher's whole wall-clock budget for one
// firing: every attempt plus the backoffs between them, with headroom for
// jitter.
func (l *Loop) claimTTL(s *domain.Schedule) time.Duration {
	attempts := l.maxAttempts(s)
	perAttempt := s.AttemptTimeout
	if perAttempt <= 0 {
		perAttempt = l.cfg.DefaultAttemptTimeout
	}
	budget := time.Duration(attempts) * perAttempt
	for a := 1; a < attempts; a++ {
		delay := time.Second << uint(a-1)
		if delay > 30*time.Second || delay <= 0 {
			delay = 30 * time.Second
		}
		budget += delay + delay/4
	}
	return budget
}

func (l *Loop) maxAttempts(s *domain.Schedule) int {
	if s.MaxAttempts > 0 {
		return s.MaxAttempts
	}
	return l.cfg.DefaultMaxAttempts
}

func (l *Loop) misfireGrace(s *domain.Schedule) time.Duration {
	if s.MisfireGrace > 0 {
		return s.MisfireGrace
	}
	return l.cfg.DefaultMisfireGrace
}

// storeBackoff spaces retries against an unavailable store: 50ms base,
// doubled per failure, capped at 30s, with quarter jitter.
func storeBackoff(failures int) time.Duration {
	wait := 50 * time.Millisecond << uint(failures-1)
	if wait > 30*time.Second || wait <= 0 {
		wait = 30 * time.Second
	}
	jitter := time.Duration(rand.Int63n(int64(wait) / 4))
	return wait - jitter
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
