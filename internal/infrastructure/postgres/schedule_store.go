// Package postgres backs the schedule store with PostgreSQL via pgx. The
// claim is a single conditional UPDATE, so multiple scheduler instances can
// share one database without further coordination.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/schedulezero/schedulezero/internal/domain"
	"github.com/schedulezero/schedulezero/internal/store"
)

const scheduleColumns = `id, handler_id, method, params_json, trigger_json,
       next_fire, paused, claim_owner, claim_deadline,
       misfire_policy, misfire_grace_ms, max_attempts, attempt_timeout_ms,
       created_at, updated_at`

type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func New(ctx context.Context, databaseURL string, logger *slog.Logger) (*Store, error) {
	pool, err := newPool(ctx, databaseURL)
	if err != nil {
		return nil, err
	}
	return &Store{pool: pool, logger: logger.With("component", "postgres_store")}, nil
}

func (r *Store) Add(ctx context.Context, s *domain.Schedule) error {
	query := `
		INSERT INTO schedules (
			id, handler_id, method, params_json, trigger_json, next_fire,
			paused, misfire_policy, misfire_grace_ms, max_attempts, attempt_timeout_ms
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING created_at, updated_at`

	var nextFire *time.Time
	if s.NextFire != nil {
		nf := domain.UTCMillis(*s.NextFire)
		nextFire = &nf
	}

	err := r.pool.QueryRow(ctx, query,
		s.ID, s.HandlerID, s.Method, s.Params, s.Trigger, nextFire,
		s.Paused, s.MisfirePolicy, s.MisfireGrace.Milliseconds(),
		s.MaxAttempts, s.AttemptTimeout.Milliseconds(),
	).Scan(&s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return domain.ErrDuplicateSchedule
		}
		return fmt.Errorf("insert schedule: %w", err)
	}
	return nil
}

func (r *Store) Get(ctx context.Context, id string) (*domain.Schedule, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+scheduleColumns+` FROM schedules WHERE id = $1`, id)
	return scanSchedule(row)
}

func (r *Store) List(ctx context.Context, f store.Filter) ([]*domain.Schedule, error) {
	where := []string{"TRUE"}
	var args []any

	if f.HandlerID != "" {
		args = append(args, f.HandlerID)
		where = append(where, fmt.Sprintf("handler_id = $%d", len(args)))
	}
	switch f.Status {
	case domain.ScheduleStatusPaused:
		where = append(where, "paused")
	case domain.ScheduleStatusFinished:
		where = append(where, "NOT paused AND next_fire IS NULL")
	case domain.ScheduleStatusScheduled:
		where = append(where, "NOT paused AND next_fire IS NOT NULL")
	}

	query := fmt.Sprintf(`SELECT %s FROM schedules WHERE %s ORDER BY created_at DESC, id DESC`,
		scheduleColumns, strings.Join(where, " AND "))
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	defer rows.Close()

	var schedules []*domain.Schedule
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		schedules = append(schedules, s)
	}
	return schedules, rows.Err()
}

func (r *Store) Remove(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM schedules WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete schedule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrScheduleNotFound
	}
	return nil
}

func (r *Store) Pause(ctx context.Context, id string) error {
	return r.setPaused(ctx, id, true)
}

func (r *Store) Resume(ctx context.Context, id string) error {
	return r.setPaused(ctx, id, false)
}

func (r *Store) setPaused(ctx context.Context, id string, paused bool) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE schedules SET paused = $2, updated_at = NOW()
		 WHERE id = $1 AND paused = $3`,
		id, paused, !paused)
	if err != nil {
		return fmt.Errorf("set paused: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Distinguish not-found from already-in-desired-state.
		if _, err := r.Get(ctx, id); err != nil {
			return err
		}
		if paused {
			return domain.ErrScheduleAlreadyPaused
		}
		return domain.ErrScheduleNotPaused
	}
	return nil
}

func (r *Store) DueBefore(ctx context.Context, t time.Time, limit int) ([]*domain.Schedule, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+scheduleColumns+`
		FROM schedules
		WHERE NOT paused AND next_fire IS NOT NULL AND next_fire <= $1
		ORDER BY next_fire ASC, id ASC
		LIMIT $2`,
		domain.UTCMillis(t), limit)
	if err != nil {
		return nil, fmt.Errorf("due schedules: %w", err)
	}
	defer rows.Close()

	var due []*domain.Schedule
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		due = append(due, s)
	}
	return due, rows.Err()
}

// Claim wins only while next_fire still equals scheduledAt; the winning
// UPDATE advances next_fire in the same statement, so no transaction is
// needed and concurrent claimants serialize on the row.
func (r *Store) Claim(ctx context.Context, id string, scheduledAt time.Time, claimant string, ttl time.Duration, next *time.Time) (bool, error) {
	var nextFire *time.Time
	if next != nil {
		nf := domain.UTCMillis(*next)
		nextFire = &nf
	}
	deadline := domain.UTCMillis(time.Now().Add(ttl))

	tag, err := r.pool.Exec(ctx, `
		UPDATE schedules
		SET claim_owner = $3, claim_deadline = $4, next_fire = $5, updated_at = NOW()
		WHERE id = $1 AND NOT paused AND next_fire = $2`,
		id, domain.UTCMillis(scheduledAt), claimant, deadline, nextFire)
	if err != nil {
		return false, fmt.Errorf("claim schedule: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *Store) Release(ctx context.Context, id string, scheduledAt time.Time, claimant string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE schedules
		SET next_fire = $2, claim_owner = NULL, claim_deadline = NULL, updated_at = NOW()
		WHERE id = $1 AND claim_owner = $3`,
		id, domain.UTCMillis(scheduledAt), claimant)
	if err != nil {
		return fmt.Errorf("release claim: %w", err)
	}
	return nil
}

func (r *Store) EarliestNextFire(ctx context.Context) (*time.Time, error) {
	var nf *time.Time
	err := r.pool.QueryRow(ctx,
		`SELECT MIN(next_fire) FROM schedules WHERE NOT paused AND next_fire IS NOT NULL`,
	).Scan(&nf)
	if err != nil {
		return nil, fmt.Errorf("earliest next fire: %w", err)
	}
	if nf == nil {
		return nil, nil
	}
	t := nf.UTC()
	return &t, nil
}

func (r *Store) Ping(ctx context.Context) error {
	if err := r.pool.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}
	return nil
}

func (r *Store) Close() error {
	r.pool.Close()
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSchedule(row rowScanner) (*domain.Schedule, error) {
	var (
		s                domain.Schedule
		nextFire         *time.Time
		claimDeadline    *time.Time
		misfireGraceMS   int64
		attemptTimeoutMS int64
	)
	err := row.Scan(
		&s.ID, &s.HandlerID, &s.Method, &s.Params, &s.Trigger,
		&nextFire, &s.Paused, &s.ClaimOwner, &claimDeadline,
		&s.MisfirePolicy, &misfireGraceMS, &s.MaxAttempts, &attemptTimeoutMS,
		&s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrScheduleNotFound
		}
		return nil, fmt.Errorf("scan schedule: %w", err)
	}
	if nextFire != nil {
		nf := nextFire.UTC()
		s.NextFire = &nf
	}
	if claimDeadline != nil {
		cd := claimDeadline.UTC()
		s.ClaimDeadline = &cd
	}
	s.MisfireGrace = time.Duration(misfireGraceMS) * time.Millisecond
	s.AttemptTimeout = time.Duration(attemptTimeoutMS) * time.Millisecond
	return &s, nil
}
