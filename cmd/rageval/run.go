package main

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/knoguchi/rageval/internal/config"
	"github.com/knoguchi/rageval/internal/embedder"
	"github.com/knoguchi/rageval/internal/llm"
	"github.com/knoguchi/rageval/internal/metrics"
	"github.com/knoguchi/rageval/internal/pipeline"
	"github.com/knoguchi/rageval/internal/report"
	"github.com/knoguchi/rageval/internal/repository"
	"github.com/knoguchi/rageval/internal/verifier"
)

func buildRunCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run an experiment and write its result payload",
		Long: `Run loads the configured dataset slice, answers every example and writes
results.json and metrics.prom to evaluation.output_dir.

When evaluation.history_db is set the run is also recorded there.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExperiment(cmd, configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to experiment configuration file")
	_ = cmd.MarkFlagRequired("config")
	return cmd
}

func runExperiment(cmd *cobra.Command, configPath string) error {
	ctx := cmd.Context()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	exp := cfg.Experiment

	encoder, err := embedder.New(embedder.Config{
		Provider:  exp.Retriever.Provider,
		BaseURL:   exp.Retriever.BaseURL,
		Model:     exp.Retriever.ModelID,
		MaxLength: exp.Retriever.MaxLength,
		BatchSize: exp.Retriever.BatchSize,
	})
	if err != nil {
		return fmt.Errorf("%w: %w", config.ErrInvalidConfig, err)
	}

	gen, err := llm.New(llm.Config{
		Provider:          exp.LLM.Provider,
		BaseURL:           exp.LLM.BaseURL,
		APIKey:            cfg.Env.OpenAIAPIKey,
		Model:             exp.LLM.ModelID,
		RequestsPerSecond: exp.LLM.RequestsPerSecond,
	})
	if err != nil {
		return fmt.Errorf("%w: %w", config.ErrInvalidConfig, err)
	}
	slog.Info("initialized models",
		"retriever", exp.Retriever.Provider,
		"llm", exp.LLM.Provider,
		"model", exp.LLM.ModelID)

	opts := []pipeline.RunnerOption{}
	if v := newVerifier(exp.Verifier, gen); v != nil {
		opts = append(opts, pipeline.WithRunVerifier(v))
	}

	if dsn := exp.Evaluation.HistoryDB; dsn != "" {
		runs, closeHistory, err := openHistory(ctx, dsn)
		if err != nil {
			return err
		}
		defer closeHistory()
		opts = append(opts, pipeline.WithHistory(repository.Recorder{Runs: runs}))
	}

	payload, err := pipeline.NewRunner(cfg, encoder, gen, opts...).Run(ctx)
	if err != nil {
		return err
	}
	printRunSummary(cmd.OutOrStdout(), payload)
	return nil
}

// newVerifier builds the configured verifier, or nil when verification is
// disabled. The llm provider judges with the generator's client.
func newVerifier(vc config.VerifierConfig, gen llm.LLM) *verifier.Verifier {
	if !vc.Enabled {
		return nil
	}

	var oracle verifier.Oracle
	switch vc.Provider {
	case "llm":
		var opts []verifier.LLMOracleOption
		if vc.ModelID != "" {
			opts = append(opts, verifier.WithModel(vc.ModelID))
		}
		oracle = verifier.NewLLMOracle(gen, opts...)
	default:
		var opts []verifier.TEIOption
		if vc.EntailmentLabel != "" {
			opts = append(opts, verifier.WithEntailmentLabel(vc.EntailmentLabel))
		}
		oracle = verifier.NewTEIOracle(vc.BaseURL, opts...)
	}
	return verifier.New(oracle, vc.Threshold)
}

func printRunSummary(w io.Writer, p *pipeline.Payload) {
	fmt.Fprintf(w, "Finished experiment %s on %d examples.\n", p.Config.ExperimentName, p.NumExamples)
	em, f1 := p.Metrics[metrics.NameEM], p.Metrics[metrics.NameF1]
	hit, mrr := p.Metrics[metrics.NameHitAtK], p.Metrics[metrics.NameMRR]
	fmt.Fprintf(w, "Metrics: EM=%.3f±%.3f, F1=%.3f±%.3f, Hit@K=%.3f±%.3f, MRR=%.3f±%.3f\n",
		em.Mean, em.Std, f1.Mean, f1.Std, hit.Mean, hit.Std, mrr.Mean, mrr.Std)

	failures := report.Failures(p.Results)
	if len(failures) == 0 {
		return
	}
	tagged := 0
	for _, res := range failures {
		if len(res.FailureTags) > 0 {
			tagged++
		}
	}
	fmt.Fprintf(w, "Failures tagged: %d/%d\n", tagged, len(failures))
	if tagged == 0 {
		return
	}

	counts := report.TagCounts(failures)
	top := make([]string, 0, 3)
	for _, tc := range counts[:min(3, len(counts))] {
		top = append(top, fmt.Sprintf("%s:%d", tc.Name, tc.Count))
	}
	fmt.Fprintf(w, "Top failure tags: %s\n", strings.Join(top, ", "))
}
