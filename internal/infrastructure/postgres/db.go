package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/schedulezero/schedulezero/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS schedules (
	id                 TEXT PRIMARY KEY,
	handler_id         TEXT NOT NULL,
	method             TEXT NOT NULL,
	params_json        JSONB NOT NULL DEFAULT '{}',
	trigger_json       JSONB NOT NULL,
	next_fire          TIMESTAMPTZ,
	paused             BOOLEAN NOT NULL DEFAULT FALSE,
	claim_owner        TEXT,
	claim_deadline     TIMESTAMPTZ,
	misfire_policy     TEXT NOT NULL DEFAULT 'run_now_if_late',
	misfire_grace_ms   BIGINT NOT NULL DEFAULT 60000,
	max_attempts       INT NOT NULL DEFAULT 3,
	attempt_timeout_ms BIGINT NOT NULL DEFAULT 0,
	created_at         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at         TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_schedules_due ON schedules (paused, next_fire);
`

func newPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse store url: %w", err)
	}

	cfg.MaxConns = 25
	cfg.MinConns = 2
	cfg.MaxConnLifetime = 1 * time.Hour
	cfg.MaxConnIdleTime = 30 * time.Minute
	cfg.HealthCheckPeriod = 30 * time.Second
	cfg.ConnConfig.ConnectTimeout = 5 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}

	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}

	return pool, nil
}
