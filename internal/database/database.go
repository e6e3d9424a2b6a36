// Package database manages PostgreSQL connections and provides the data access layer.
package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// DB wraps the PostgreSQL connection pool and provides query methods.
type DB struct {
	Pool *pgxpool.Pool
}

// New creates a new database connection pool.
func New(dsn string) (*DB, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing database config: %w", err)
	}

	config.MaxConns = 20
	config.MinConns = 2
	config.MaxConnLifetime = 30 * time.Minute
	config.MaxConnIdleTime = 5 * time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	return &DB{Pool: pool}, nil
}

// Close shuts down the connection pool.
func (db *DB) Close() {
	db.Pool.Close()
}

// Migrate runs database schema migrations.
// An advisory lock prevents concurrent replicas from racing on DDL statements.
func (db *DB) Migrate(ctx context.Context) error {
	// Acquire a dedicated connection for the advisory lock.
	conn, err := db.Pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquiring connection for migration: %w", err)
	}
	defer conn.Release()

	// Application-specific lock ID to avoid collisions with other apps on the
	// same PostgreSQL instance.
	const migrationLockID int64 = 0x53_4B_48_41 // "SKHA"
	if _, err := conn.Exec(ctx, "SELECT pg_advisory_lock($1)", migrationLockID); err != nil {
		return fmt.Errorf("acquiring migration lock: %w", err)
	}
	defer conn.Exec(ctx, "SELECT pg_advisory_unlock($1)", migrationLockID)

	schema := `
	CREATE TABLE IF NOT EXISTS leads (
		id          TEXT PRIMARY KEY,
		company_id  TEXT NOT NULL,
		first_name  TEXT NOT NULL,
		last_name   TEXT NOT NULL DEFAULT '',
		email       TEXT NOT NULL,
		phone       TEXT NOT NULL DEFAULT '',
		company     TEXT NOT NULL DEFAULT '',
		lead_source TEXT NOT NULL DEFAULT '',
		status      TEXT NOT NULL DEFAULT 'new',
		stage       TEXT NOT NULL DEFAULT '',
		owner_id    TEXT NOT NULL DEFAULT '',
		deal_value  DOUBLE PRECISION NOT NULL DEFAULT 0,
		notes       TEXT NOT NULL DEFAULT '',
		created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (company_id, email)
	);

	CREATE TABLE IF NOT EXISTS tasks (
		id           TEXT PRIMARY KEY,
		company_id   TEXT NOT NULL,
		lead_id      TEXT,
		owner_id     TEXT NOT NULL,
		title        TEXT NOT NULL,
		priority     TEXT NOT NULL DEFAULT 'medium',
		due_date     TIMESTAMPTZ,
		completed    BOOLEAN NOT NULL DEFAULT FALSE,
		completed_at TIMESTAMPTZ,
		created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS activities (
		id          TEXT PRIMARY KEY,
		company_id  TEXT NOT NULL,
		lead_id     TEXT,
		user_id     TEXT NOT NULL,
		kind        TEXT NOT NULL,
		subject     TEXT NOT NULL DEFAULT '',
		body        TEXT NOT NULL DEFAULT '',
		created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS ai_requests (
		id            TEXT PRIMARY KEY,
		user_id       TEXT NOT NULL,
		model         TEXT NOT NULL,
		source        TEXT NOT NULL,
		action        TEXT NOT NULL DEFAULT '',
		input_tokens  BIGINT NOT NULL DEFAULT 0,
		output_tokens BIGINT NOT NULL DEFAULT 0,
		cost_usd      DOUBLE PRECISION NOT NULL DEFAULT 0,
		latency_ms    BIGINT NOT NULL DEFAULT 0,
		succeeded     BOOLEAN NOT NULL DEFAULT TRUE,
		timestamp     TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_leads_owner_id ON leads(owner_id);
	CREATE INDEX IF NOT EXISTS idx_leads_status ON leads(company_id, status);
	CREATE INDEX IF NOT EXISTS idx_tasks_owner_id ON tasks(owner_id, completed);
	CREATE INDEX IF NOT EXISTS idx_activities_lead_id ON activities(lead_id);
	CREATE INDEX IF NOT EXISTS idx_ai_requests_user_id ON ai_requests(user_id);
	CREATE INDEX IF NOT EXISTS idx_ai_requests_timestamp ON ai_requests(timestamp);
	`

	_, err = conn.Exec(ctx, schema)
	if err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	return nil
}
