package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

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

	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		INSERT INTO runs (id, experiment_name, dataset, started_at, duration_sec, num_examples, num_skipped, num_results, timed_out, metrics, config, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`
	_, err = tx.Exec(ctx, query,
		run.ID, run.ExperimentName, run.Dataset, run.StartedAt, run.DurationSec,
		run.NumExamples, run.NumSkipped, run.NumResults, run.TimedOut,
		metricsJSON, configJSON, run.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}

	if len(results) > 0 {
		batch := &pgx.Batch{}
		for _, res := range results {
			tagsJSON, err := json.Marshal(res.FailureTags)
			if err != nil {
				return fmt.Errorf("failed to marshal failure tags: %w", err)
			}
			batch.Queue(`
				INSERT INTO run_results (run_id, sample_id, em, f1, hit_at_k, mrr, verifier_score, refinement_applied, failure_tags)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			`, run.ID, res.SampleID, res.EM, res.F1, res.HitAtK, res.MRR,
				res.VerifierScore, res.RefinementApplied, tagsJSON)
		}

		br := tx.SendBatch(ctx, batch)
		for range results {
			if _, err := br.Exec(); err != nil {
				br.Close()
				return fmt.Errorf("failed to create run result: %w", err)
			}
		}
		if err := br.Close(); err != nil {
			return fmt.Errorf("failed to create run results: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit run: %w", err)
	}
	return nil
}

const runColumns = `id, experiment_name, dataset, started_at, duration_sec, num_examples, num_skipped, num_results, timed_out, metrics, config, created_at`

// GetByID retrieves a run by ID
func (r *RunRepo) GetByID(ctx context.Context, id uuid.UUID) (*repository.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE id = $1`
	run, err := scanRun(r.db.Pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// List retrieves runs, most recent first
func (r *RunRepo) List(ctx context.Context, limit, offset int) ([]*repository.Run, int, error) {
	var total int
	if err := r.db.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM runs`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count runs: %w", err)
	}

	query := `SELECT ` + runColumns + ` FROM runs ORDER BY started_at DESC LIMIT $1 OFFSET $2`
	rows, err := r.db.Pool.Query(ctx, query, limit, offset)
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
	query := `
		SELECT run_id, sample_id, em, f1, hit_at_k, mrr, verifier_score, refinement_applied, failure_tags
		FROM run_results
		WHERE run_id = $1
		ORDER BY sample_id
	`
	rows, err := r.db.Pool.Query(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to get run results: %w", err)
	}
	defer rows.Close()

	var results []*repository.RunResult
	for rows.Next() {
		var res repository.RunResult
		var tagsJSON []byte
		if err := rows.Scan(&res.RunID, &res.SampleID, &res.EM, &res.F1, &res.HitAtK, &res.MRR,
			&res.VerifierScore, &res.RefinementApplied, &tagsJSON); err != nil {
			return nil, fmt.Errorf("failed to scan run result: %w", err)
		}
		if err := json.Unmarshal(tagsJSON, &res.FailureTags); err != nil {
			return nil, fmt.Errorf("failed to unmarshal failure tags: %w", err)
		}
		results = append(results, &res)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to get run results: %w", err)
	}
	return results, nil
}

func scanRun(row pgx.Row) (*repository.Run, error) {
	var run repository.Run
	var metricsJSON, configJSON []byte
	err := row.Scan(
		&run.ID, &run.ExperimentName, &run.Dataset, &run.StartedAt, &run.DurationSec,
		&run.NumExamples, &run.NumSkipped, &run.NumResults, &run.TimedOut,
		&metricsJSON, &configJSON, &run.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(metricsJSON, &run.Metrics); err != nil {
		return nil, fmt.Errorf("failed to unmarshal metrics: %w", err)
	}
	if err := json.Unmarshal(configJSON, &run.Config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &run, nil
}
