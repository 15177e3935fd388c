// Package sqlite backs the schedule store with a local SQLite file (or
// :memory:). Instants are stored as unix milliseconds so claim equality is
// exact. SQLite is single-writer; the pool is capped at one connection.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/schedulezero/schedulezero/internal/domain"
	"github.com/schedulezero/schedulezero/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS schedules (
	id                 TEXT PRIMARY KEY,
	handler_id         TEXT NOT NULL,
	method             TEXT NOT NULL,
	params_json        TEXT NOT NULL DEFAULT '{}',
	trigger_json       TEXT NOT NULL,
	next_fire          INTEGER,
	paused             INTEGER NOT NULL DEFAULT 0,
	claim_owner        TEXT,
	claim_deadline     INTEGER,
	misfire_policy     TEXT NOT NULL DEFAULT 'run_now_if_late',
	misfire_grace_ms   INTEGER NOT NULL DEFAULT 60000,
	max_attempts       INTEGER NOT NULL DEFAULT 3,
	attempt_timeout_ms INTEGER NOT NULL DEFAULT 0,
	created_at         INTEGER NOT NULL,
	updated_at         INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_schedules_due ON schedules (paused, next_fire);
`

const scheduleColumns = `id, handler_id, method, params_json, trigger_json,
       next_fire, paused, claim_owner, claim_deadline,
       misfire_policy, misfire_grace_ms, max_attempts, attempt_timeout_ms,
       created_at, updated_at`

type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

func New(path string, logger *slog.Logger) (*Store, error) {
	dsn := path
	if path != ":memory:" {
		dsn = path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return &Store{db: db, logger: logger.With("component", "sqlite_store")}, nil
}

func (r *Store) Add(ctx context.Context, s *domain.Schedule) error {
	params, err := json.Marshal(s.Params)
	if err != nil {
		return fmt.Errorf("encode params: %w", err)
	}
	now := domain.UTCMillis(time.Now())

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO schedules (
			id, handler_id, method, params_json, trigger_json, next_fire,
			paused, misfire_policy, misfire_grace_ms, max_attempts,
			attempt_timeout_ms, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.HandlerID, s.Method, string(params), string(s.Trigger),
		msPtr(s.NextFire), s.Paused, string(s.MisfirePolicy),
		s.MisfireGrace.Milliseconds(), s.MaxAttempts,
		s.AttemptTimeout.Milliseconds(), now.UnixMilli(), now.UnixMilli())
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return domain.ErrDuplicateSchedule
		}
		return fmt.Errorf("insert schedule: %w", err)
	}
	s.CreatedAt = now
	s.UpdatedAt = now
	return nil
}

func (r *Store) Get(ctx context.Context, id string) (*domain.Schedule, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+scheduleColumns+` FROM schedules WHERE id = ?`, id)
	return scanSchedule(row)
}

func (r *Store) List(ctx context.Context, f store.Filter) ([]*domain.Schedule, error) {
	where := []string{"1=1"}
	var args []any

	if f.HandlerID != "" {
		where = append(where, "handler_id = ?")
		args = append(args, f.HandlerID)
	}
	switch f.Status {
	case domain.ScheduleStatusPaused:
		where = append(where, "paused = 1")
	case domain.ScheduleStatusFinished:
		where = append(where, "paused = 0 AND next_fire IS NULL")
	case domain.ScheduleStatusScheduled:
		where = append(where, "paused = 0 AND next_fire IS NOT NULL")
	}

	query := fmt.Sprintf(`SELECT %s FROM schedules WHERE %s ORDER BY created_at DESC, id DESC`,
		scheduleColumns, strings.Join(where, " AND "))
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
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
	res, err := r.db.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete schedule: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
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
	res, err := r.db.ExecContext(ctx,
		`UPDATE schedules SET paused = ?, updated_at = ? WHERE id = ? AND paused = ?`,
		paused, time.Now().UnixMilli(), id, !paused)
	if err != nil {
		return fmt.Errorf("set paused: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
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
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+scheduleColumns+`
		FROM schedules
		WHERE paused = 0 AND next_fire IS NOT NULL AND next_fire <= ?
		ORDER BY next_fire ASC, id ASC
		LIMIT ?`,
		domain.UTCMillis(t).UnixMilli(), limit)
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

func (r *Store) Claim(ctx context.Context, id string, scheduledAt time.Time, claimant string, ttl time.Duration, next *time.Time) (bool, error) {
	deadline := domain.UTCMillis(time.Now().Add(ttl))
	res, err := r.db.ExecContext(ctx, `
		UPDATE schedules
		SET claim_owner = ?, claim_deadline = ?, next_fire = ?, updated_at = ?
		WHERE id = ? AND paused = 0 AND next_fire = ?`,
		claimant, deadline.UnixMilli(), msPtr(next), time.Now().UnixMilli(),
		id, domain.UTCMillis(scheduledAt).UnixMilli())
	if err != nil {
		return false, fmt.Errorf("claim schedule: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim schedule: %w", err)
	}
	return n == 1, nil
}

func (r *Store) Release(ctx context.Context, id string, scheduledAt time.Time, claimant string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE schedules
		SET next_fire = ?, claim_owner = NULL, claim_deadline = NULL, updated_at = ?
		WHERE id = ? AND claim_owner = ?`,
		domain.UTCMillis(scheduledAt).UnixMilli(), time.Now().UnixMilli(), id, claimant)
	if err != nil {
		return fmt.Errorf("release claim: %w", err)
	}
	return nil
}

func (r *Store) EarliestNextFire(ctx context.Context) (*time.Time, error) {
	var ms sql.NullInt64
	err := r.db.QueryRowContext(ctx,
		`SELECT MIN(next_fire) FROM schedules WHERE paused = 0 AND next_fire IS NOT NULL`,
	).Scan(&ms)
	if err != nil {
		return nil, fmt.Errorf("earliest next fire: %w", err)
	}
	if !ms.Valid {
		return nil, nil
	}
	t := time.UnixMilli(ms.Int64).UTC()
	return &t, nil
}

func (r *Store) Ping(ctx context.Context) error {
	if err := r.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}
	return nil
}

func (r *Store) Close() error {
	return r.db.Close()
}

func msPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return domain.UTCMillis(*t).UnixMilli()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSchedule(row rowScanner) (*domain.Schedule, error) {
	var (
		s                domain.Schedule
		paramsJSON       string
		triggerJSON      string
		nextFire         sql.NullInt64
		claimOwner       sql.NullString
		claimDeadline    sql.NullInt64
		misfireGraceMS   int64
		attemptTimeoutMS int64
		createdMS        int64
		updatedMS        int64
	)
	err := row.Scan(
		&s.ID, &s.HandlerID, &s.Method, &paramsJSON, &triggerJSON,
		&nextFire, &s.Paused, &claimOwner, &claimDeadline,
		&s.MisfirePolicy, &misfireGraceMS, &s.MaxAttempts, &attemptTimeoutMS,
		&createdMS, &updatedMS,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrScheduleNotFound
		}
		return nil, fmt.Errorf("scan schedule: %w", err)
	}

	if err := json.Unmarshal([]byte(paramsJSON), &s.Params); err != nil {
		return nil, fmt.Errorf("decode params: %w", err)
	}
	s.Trigger = json.RawMessage(triggerJSON)
	if nextFire.Valid {
		nf := time.UnixMilli(nextFire.Int64).UTC()
		s.NextFire = &nf
	}
	if claimOwner.Valid {
		s.ClaimOwner = &claimOwner.String
	}
	if claimDeadline.Valid {
		cd := time.UnixMilli(claimDeadline.Int64).UTC()
		s.ClaimDeadline = &cd
	}
	s.MisfireGrace = time.Duration(misfireGraceMS) * time.Millisecond
	s.AttemptTimeout = time.Duration(attemptTimeoutMS) * time.Millisecond
	s.CreatedAt = time.UnixMilli(createdMS).UTC()
	s.UpdatedAt = time.UnixMilli(updatedMS).UTC()
	return &s, nil
}
