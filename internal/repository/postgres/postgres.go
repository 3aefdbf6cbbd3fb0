// Package postgres stores run history in PostgreSQL.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id              UUID PRIMARY KEY,
	experiment_name TEXT NOT NULL,
	dataset         TEXT NOT NULL,
	started_at      TIMESTAMPTZ NOT NULL,
	duration_sec    DOUBLE PRECISION NOT NULL,
	num_examples    INTEGER NOT NULL,
	num_skipped     INTEGER NOT NULL,
	num_results     INTEGER NOT NULL,
	timed_out       BOOLEAN NOT NULL,
	metrics         JSONB NOT NULL,
	config          JSONB NOT NULL,
	created_at      TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS run_results (
	run_id             UUID NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	sample_id          TEXT NOT NULL,
	em                 DOUBLE PRECISION NOT NULL,
	f1                 DOUBLE PRECISION NOT NULL,
	hit_at_k           DOUBLE PRECISION NOT NULL,
	mrr                DOUBLE PRECISION NOT NULL,
	verifier_score     DOUBLE PRECISION,
	refinement_applied BOOLEAN NOT NULL,
	failure_tags       JSONB NOT NULL,
	PRIMARY KEY (run_id, sample_id)
);

CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at DESC);
`

// DB wraps a PostgreSQL connection pool
type DB struct {
	Pool *pgxpool.Pool
}

// New creates a new PostgreSQL connection pool and ensures the run tables
// exist.
func New(ctx context.Context, databaseURL string) (*DB, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	// Verify connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &DB{Pool: pool}, nil
}

// Close closes the connection pool
func (db *DB) Close() {
	db.Pool.Close()
}
