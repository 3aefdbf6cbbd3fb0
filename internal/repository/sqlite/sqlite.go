// Package sqlite stores run history in a local SQLite file.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS runs (
  id TEXT PRIMARY KEY,
  experiment_name TEXT NOT NULL,
  dataset TEXT NOT NULL,
  started_at TEXT NOT NULL,
  duration_sec REAL NOT NULL,
  num_examples INTEGER NOT NULL,
  num_skipped INTEGER NOT NULL,
  num_results INTEGER NOT NULL,
  timed_out INTEGER NOT NULL,
  metrics TEXT NOT NULL,
  config TEXT NOT NULL,
  created_at TEXT NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS run_results (
  run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
  sample_id TEXT NOT NULL,
  em REAL NOT NULL,
  f1 REAL NOT NULL,
  hit_at_k REAL NOT NULL,
  mrr REAL NOT NULL,
  verifier_score REAL,
  refinement_applied INTEGER NOT NULL,
  failure_tags TEXT NOT NULL,
  PRIMARY KEY (run_id, sample_id)
)`,
	`CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at)`,
}

// DB wraps a SQLite database handle.
type DB struct {
	Conn *sql.DB
}

// New opens the database at path and ensures the run tables exist.
func New(ctx context.Context, path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// SQLite doesn't support concurrent writes
	conn.SetMaxOpenConns(1)

	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	for _, ddl := range schema {
		if _, err := conn.ExecContext(ctx, ddl); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return &DB{Conn: conn}, nil
}

// Close closes the database.
func (db *DB) Close() error {
	return db.Conn.Close()
}
