package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/knoguchi/rageval/internal/analysis"
	"github.com/knoguchi/rageval/internal/config"
	"github.com/knoguchi/rageval/internal/dataset"
	"github.com/knoguchi/rageval/internal/format"
	"github.com/knoguchi/rageval/internal/llm"
	"github.com/knoguchi/rageval/internal/metrics"
	"github.com/knoguchi/rageval/internal/observability"
	"github.com/knoguchi/rageval/internal/retrieval"
	"github.com/knoguchi/rageval/internal/verifier"
)

// MetricsFile is the Prometheus textfile written next to the payload.
const MetricsFile = "metrics.prom"

// HistoryRecorder persists a finished run.
type HistoryRecorder interface {
	RecordRun(ctx context.Context, p *Payload) error
}

// Runner executes a configured experiment end to end.
type Runner struct {
	cfg      *config.Config
	encoder  retrieval.Encoder
	gen      llm.LLM
	verifier *verifier.Verifier
	history  HistoryRecorder
	metrics  *observability.Metrics
	now      func() time.Time
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithRunVerifier enables verification for every example.
func WithRunVerifier(v *verifier.Verifier) RunnerOption {
	return func(r *Runner) {
		r.verifier = v
	}
}

// WithHistory records finished runs.
func WithHistory(h HistoryRecorder) RunnerOption {
	return func(r *Runner) {
		r.history = h
	}
}

// WithRunMetrics replaces the run's metric collectors.
func WithRunMetrics(m *observability.Metrics) RunnerOption {
	return func(r *Runner) {
		r.metrics = m
	}
}

// NewRunner creates a Runner for cfg.
func NewRunner(cfg *config.Config, encoder retrieval.Encoder, gen llm.LLM, opts ...RunnerOption) *Runner {
	r := &Runner{
		cfg:     cfg,
		encoder: encoder,
		gen:     gen,
		metrics: observability.NewMetrics(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run loads the dataset, answers every example and writes the payload. No
// payload is written when the run fails.
func (r *Runner) Run(ctx context.Context) (*Payload, error) {
	exp := r.cfg.Experiment
	started := r.now()

	ds, err := dataset.Load(dataset.Options{
		Name:        exp.Dataset.Name,
		Split:       exp.Dataset.Split,
		Path:        exp.Dataset.Path,
		SampleSize:  exp.Dataset.SampleSize,
		MaxContexts: exp.Dataset.MaxContextsPerQuestion,
		Seed:        exp.Seed,
	})
	if err != nil {
		return nil, fmt.Errorf("loading dataset: %w", err)
	}
	loadTime := r.now().Sub(started)
	slog.Info("dataset loaded",
		"dataset", exp.Dataset.Name,
		"examples", len(ds.Examples),
		"documents", ds.Corpus.Len(),
		"duration", loadTime)

	docs := ds.Corpus.Documents()
	entries := make([]retrieval.Entry, len(docs))
	for i, d := range docs {
		entries[i] = retrieval.Entry{ID: d.DocID, Text: d.Text}
	}
	index, err := retrieval.BuildIndex(ctx, r.encoder, entries, exp.Retriever.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("building index: %w", err)
	}

	pipe := r.pipeline(index, ds.Corpus)
	results, skipped, timedOut, err := r.process(ctx, pipe, ds.Examples, started)
	if err != nil {
		return nil, err
	}

	scores := make([]metrics.Scores, len(results))
	for i, res := range results {
		scores[i] = res.Scores()
	}

	payload := &Payload{
		RunID:       uuid.NewString(),
		Config:      exp,
		StartedAt:   started.UTC(),
		LoadTimeSec: loadTime.Seconds(),
		DurationSec: r.now().Sub(started).Seconds(),
		NumExamples: len(ds.Examples),
		NumSkipped:  skipped,
		TimedOut:    timedOut,
		Metrics:     metrics.Summarize(scores),
		Results:     results,
	}

	path := filepath.Join(exp.Evaluation.OutputDir, ResultsFile)
	if err := WritePayload(path, payload); err != nil {
		return nil, err
	}
	slog.Info("payload written",
		"run_id", payload.RunID,
		"path", path,
		"completed", len(results),
		"skipped", skipped,
		"timed_out", timedOut)

	if r.history != nil {
		if err := r.history.RecordRun(ctx, payload); err != nil {
			return payload, fmt.Errorf("recording run history: %w", err)
		}
	}
	if err := r.metrics.WriteTextfile(filepath.Join(exp.Evaluation.OutputDir, MetricsFile)); err != nil {
		return payload, err
	}
	return payload, nil
}

func (r *Runner) pipeline(index *retrieval.Index, corpus *dataset.Corpus) *Pipeline {
	exp := r.cfg.Experiment
	opts := Options{
		Kind:              format.KindForDataset(exp.Dataset.Name),
		TopK:              exp.Evaluation.TopK,
		StoreTokenMatches: exp.Interpretability.StoreTokenMatches,
		TopTokenPairs:     exp.Interpretability.TopTokenPairs,
		Refine:            exp.Augmentation.Enabled,
		RefineThreshold:   exp.RefineThreshold(),
		Generate: llm.GenerateOptions{
			Model:       exp.LLM.ModelID,
			Temperature: float32(exp.LLM.Temperature),
			TopP:        float32(exp.LLM.TopP),
			MaxTokens:   exp.LLM.MaxNewTokens,
		},
	}

	options := []Option{WithMetrics(r.metrics)}
	if r.verifier != nil {
		options = append(options, WithVerifier(r.verifier))
	}
	if exp.Analysis.Enabled {
		options = append(options, WithEngine(analysis.NewEngine(r.cfg.Rules)))
	}
	return New(index, corpus, r.encoder, r.gen, opts, options...)
}

// process answers examples with bounded parallelism. Results keep dataset
// order. Once the run timeout passes no new example is started; examples
// already in flight finish.
func (r *Runner) process(ctx context.Context, pipe *Pipeline, examples []dataset.QAExample, started time.Time) ([]Result, int, bool, error) {
	exp := r.cfg.Experiment
	var deadline time.Time
	if exp.Evaluation.Timeout > 0 {
		deadline = started.Add(exp.Evaluation.Timeout)
	}

	slots := make([]*Result, len(examples))
	var skipped atomic.Int64
	var timedOut atomic.Bool

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(1, exp.Evaluation.Concurrency))

	for i, ex := range examples {
		if gctx.Err() != nil || timedOut.Load() {
			break
		}
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			if !deadline.IsZero() && r.now().After(deadline) {
				timedOut.Store(true)
				return nil
			}

			res, err := pipe.Process(gctx, ex)
			switch {
			case err == nil:
				slots[i] = &res
				r.metrics.Example(observability.OutcomeCompleted)
				slog.Debug("example completed", "sample_id", ex.SampleID, "em", res.EM, "f1", res.F1)
				return nil
			case errors.Is(err, ErrNoCandidates):
				skipped.Add(1)
				r.metrics.Example(observability.OutcomeSkipped)
				slog.Warn("example skipped", "sample_id", ex.SampleID, "error", err)
				return nil
			case errors.Is(err, ErrGenerator) && exp.Evaluation.SkipOnGeneratorError:
				skipped.Add(1)
				r.metrics.Example(observability.OutcomeSkipped)
				slog.Warn("example skipped after generator error", "sample_id", ex.SampleID, "error", err)
				return nil
			default:
				r.metrics.Example(observability.OutcomeFailed)
				return err
			}
		})
	}
	if err := g.Wait(); err != nil {
		return nil, 0, false, err
	}
	if err := ctx.Err(); err != nil {
		return nil, 0, false, fmt.Errorf("run cancelled: %w", err)
	}

	results := make([]Result, 0, len(examples))
	for _, res := range slots {
		if res != nil {
			results = append(results, *res)
		}
	}
	if timedOut.Load() {
		slog.Warn("run timed out", "timeout", exp.Evaluation.Timeout, "completed", len(results))
	}
	return results, int(skipped.Load()), timedOut.Load(), nil
}
