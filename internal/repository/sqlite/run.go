package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/knoguchi/rageval/internal/repository"
)

// RunRepo implements repository.RunRepository
type RunRepo struct {
	db *DB
}

// NewRunRepo creates a new run repository
func NewRunRepo(db *DB) *RunRepo {
	return &RunRepo{db: db}
}

// Create stores a run and its results in one transaction
func (r *RunRepo) Create(ctx context.Context, run *repository.Run, results []*repository.RunResult) error {
	metricsJSON, err := json.Marshal(run.Metrics)
	if err != nil {
		return fmt.Errorf("failed to marshal metrics: %w", err)
	}
	configJSON, err := json.Marshal(run.Config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	tx, err := r.db.Conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (id, experiment_name, dataset, started_at, duration_sec, num_examples, num_skipped, num_results, timed_out, metrics, config, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, run.ID.String(), run.ExperimentName, run.Dataset, formatTime(run.StartedAt), run.DurationSec,
		run.NumExamples, run.NumSkipped, run.NumResults, run.TimedOut,
		string(metricsJSON), string(configJSON), formatTime(run.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO run_results (run_id, sample_id, em, f1, hit_at_k, mrr, verifier_score, refinement_applied, failure_tags)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare result insert: %w", err)
	}
	defer stmt.Close()

	for _, res := range results {
		tagsJSON, err := json.Marshal(res.FailureTags)
		if err != nil {
			return fmt.Errorf("failed to marshal failure tags: %w", err)
		}
		var verifierScore sql.NullFloat64
		if res.VerifierScore != nil {
			verifierScore = sql.NullFloat64{Float64: *res.VerifierScore, Valid: true}
		}
		if _, err := stmt.ExecContext(ctx, run.ID.String(), res.SampleID, res.EM, res.F1, res.HitAtK, res.MRR,
			verifierScore, res.RefinementApplied, string(tagsJSON)); err != nil {
			return fmt.Errorf("failed to create run result %s: %w", res.SampleID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit run: %w", err)
	}
	return nil
}

const runColumns = `id, experiment_name, dataset, started_at, duration_sec, num_examples, num_skipped, num_results, timed_out, metrics, config, created_at`

// GetByID retrieves a run by ID
func (r *RunRepo) GetByID(ctx context.Context, id uuid.UUID) (*repository.Run, error) {
	row := r.db.Conn.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id.String())
	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// List retrieves runs, most recent first
func (r *RunRepo) List(ctx context.Context, limit, offset int) ([]*repository.Run, int, error) {
	var total int
	if err := r.db.Conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM runs`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count runs: %w", err)
	}

	rows, err := r.db.Conn.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs ORDER BY started_at DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []*repository.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("failed to list runs: %w", err)
	}
	return runs, total, nil
}

// GetResults retrieves the stored results of a run
func (r *RunRepo) GetResults(ctx context.Context, runID uuid.UUID) ([]*repository.RunResult, error) {
	rows, err := r.db.Conn.QueryContext(ctx, `
		SELECT sample_id, em, f1, hit_at_k, mrr, verifier_score, refinement_applied, failure_tags
		FROM run_results
		WHERE run_id = ?
		ORDER BY sample_id
	`, runID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to get run results: %w", err)
	}
	defer rows.Close()

	var results []*repository.RunResult
	for rows.Next() {
		res := repository.RunResult{RunID: runID}
		var verifierScore sql.NullFloat64
		var tagsJSON string
		if err := rows.Scan(&res.SampleID, &res.EM, &res.F1, &res.HitAtK, &res.MRR,
			&verifierScore, &res.RefinementApplied, &tagsJSON); err != nil {
			return nil, fmt.Errorf("failed to scan run result: %w", err)
		}
		if verifierScore.Valid {
			v := verifierScore.Float64
			res.VerifierScore = &v
		}
		if err := json.Unmarshal([]byte(tagsJSON), &res.FailureTags); err != nil {
			return nil, fmt.Errorf("failed to unmarshal failure tags: %w", err)
		}
		results = append(results, &res)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to get run results: %w", err)
	}
	return results, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*repository.Run, error) {
	var run repository.Run
	var id, startedAt, createdAt, metricsJSON, configJSON string
	err := row.Scan(
		&id, &run.ExperimentName, &run.Dataset, &startedAt, &run.DurationSec,
		&run.NumExamples, &run.NumSkipped, &run.NumResults, &run.TimedOut,
		&metricsJSON, &configJSON, &createdAt,
	)
	if err != nil {
		return nil, err
	}

	if run.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("invalid run id %q: %w", id, err)
	}
	if run.StartedAt, err = time.Parse(time.RFC3339Nano, startedAt); err != nil {
		return nil, fmt.Errorf("invalid started_at: %w", err)
	}
	if run.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("invalid created_at: %w", err)
	}
	if err := json.Unmarshal([]byte(metricsJSON), &run.Metrics); err != nil {
		return nil, fmt.Errorf("failed to unmarshal metrics: %w", err)
	}
	if err := json.Unmarshal([]byte(configJSON), &run.Config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &run, nil
}

// formatTime renders UTC timestamps that sort lexically.
func formatTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000000000Z07:00")
}
