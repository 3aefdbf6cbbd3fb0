// Package main provides the rageval CLI.
//
// rageval answers benchmark questions with a late-interaction retriever and
// an LLM generator, scores the answers and tags failures.
//
// # Basic Usage
//
// Run an experiment:
//
//	rageval run --config configs/hotpotqa.yaml
//
// Render the report of the last run:
//
//	rageval report --config configs/hotpotqa.yaml
//
// List recorded runs:
//
//	rageval runs --db outputs/history.db
//
// # Environment Variables
//
//   - LOG_LEVEL: debug, info, warn or error (default: info)
//   - OLLAMA_URL: Ollama endpoint for encoders and generators
//   - TEI_URL: text-embeddings-inference endpoint for the token encoder
//   - TEI_NLI_URL: text-embeddings-inference endpoint for the NLI classifier
//   - OPENAI_API_KEY, OPENAI_BASE_URL: OpenAI-compatible generation
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/knoguchi/rageval/internal/config"
	"github.com/knoguchi/rageval/internal/observability"
)

// Build information - populated by ldflags during build.
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := buildRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(exitCode(err))
	}
}

// buildRootCmd creates the root command with all subcommands attached.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "rageval",
		Short: "Evaluate retrieval-augmented answering on QA benchmarks",
		Long: `rageval retrieves passages with token-level max-sim scoring, generates
answers with an LLM, optionally verifies and refines them, and scores the
result with EM, F1, hit@k and MRR.

Supported datasets: hotpotqa, squad_v2, boolq`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			env, err := config.LoadEnv()
			if err != nil {
				return fmt.Errorf("%w: environment: %w", config.ErrInvalidConfig, err)
			}
			// stdout carries command output; logs go to stderr.
			observability.SetupLogging(env.LogLevel, os.Stderr)
			return nil
		},
	}

	rootCmd.AddCommand(
		buildRunCmd(),
		buildReportCmd(),
		buildRunsCmd(),
		buildVersionCmd(),
	)
	return rootCmd
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "rageval %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}
