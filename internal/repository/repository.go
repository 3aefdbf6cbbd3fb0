// Package repository defines the run history models and the persistence
// interface shared by the SQLite and PostgreSQL backends.
package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/knoguchi/rageval/internal/config"
	"github.com/knoguchi/rageval/internal/metrics"
	"github.com/knoguchi/rageval/internal/pipeline"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// Run is one finished experiment run.
type Run struct {
	ID             uuid.UUID
	ExperimentName string
	Dataset        string
	StartedAt      time.Time
	DurationSec    float64
	NumExamples    int
	NumSkipped     int
	NumResults     int
	TimedOut       bool
	Metrics        metrics.Summary
	Config         config.Experiment
	CreatedAt      time.Time
}

// RunResult is the stored score line of one example.
type RunResult struct {
	RunID             uuid.UUID
	SampleID          string
	EM                float64
	F1                float64
	HitAtK            float64
	MRR               float64
	VerifierScore     *float64
	RefinementApplied bool
	FailureTags       []string
}

// RunRepository defines operations for run persistence
type RunRepository interface {
	Create(ctx context.Context, run *Run, results []*RunResult) error
	GetByID(ctx context.Context, id uuid.UUID) (*Run, error)
	List(ctx context.Context, limit, offset int) ([]*Run, int, error)
	GetResults(ctx context.Context, runID uuid.UUID) ([]*RunResult, error)
}

// FromPayload converts a payload into storable records.
func FromPayload(p *pipeline.Payload) (*Run, []*RunResult, error) {
	id, err := uuid.Parse(p.RunID)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid run id %q: %w", p.RunID, err)
	}

	run := &Run{
		ID:             id,
		ExperimentName: p.Config.ExperimentName,
		Dataset:        p.Config.Dataset.Name,
		StartedAt:      p.StartedAt,
		DurationSec:    p.DurationSec,
		NumExamples:    p.NumExamples,
		NumSkipped:     p.NumSkipped,
		NumResults:     len(p.Results),
		TimedOut:       p.TimedOut,
		Metrics:        p.Metrics,
		Config:         p.Config,
		CreatedAt:      time.Now().UTC(),
	}

	results := make([]*RunResult, len(p.Results))
	for i, res := range p.Results {
		tags := make([]string, len(res.FailureTags))
		for j, tag := range res.FailureTags {
			tags[j] = tag.Name
		}
		results[i] = &RunResult{
			RunID:             id,
			SampleID:          res.SampleID,
			EM:                res.EM,
			F1:                res.F1,
			HitAtK:            res.HitAtK,
			MRR:               res.MRR,
			VerifierScore:     res.VerifierScore,
			RefinementApplied: res.RefinementApplied,
			FailureTags:       tags,
		}
	}
	return run, results, nil
}

// Recorder stores finished runs in a RunRepository.
type Recorder struct {
	Runs RunRepository
}

// RecordRun implements pipeline.HistoryRecorder.
func (r Recorder) RecordRun(ctx context.Context, p *pipeline.Payload) error {
	run, results, err := FromPayload(p)
	if err != nil {
		return err
	}
	return r.Runs.Create(ctx, run, results)
}
