package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/knoguchi/rageval/internal/metrics"
)

func buildRunsCmd() *cobra.Command {
	var (
		dsn   string
		limit int
	)
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recorded runs, most recent first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runListRuns(cmd, dsn, limit)
		},
	}
	cmd.Flags().StringVar(&dsn, "db", "", "SQLite file or postgres:// URL")
	cmd.Flags().IntVar(&limit, "limit", 10, "Maximum number of runs")
	_ = cmd.MarkFlagRequired("db")
	return cmd
}

func runListRuns(cmd *cobra.Command, dsn string, limit int) error {
	if limit <= 0 {
		return fmt.Errorf("--limit must be positive")
	}
	runs, closeHistory, err := openHistory(cmd.Context(), dsn)
	if err != nil {
		return err
	}
	defer closeHistory()

	list, total, err := runs.List(cmd.Context(), limit, 0)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if total == 0 {
		fmt.Fprintln(out, "No runs recorded.")
		return nil
	}
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN ID\tEXPERIMENT\tDATASET\tSTARTED\tEXAMPLES\tSKIPPED\tEM\tF1")
	for _, r := range list {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\t%.3f\t%.3f\n",
			r.ID, r.ExperimentName, r.Dataset, r.StartedAt.Local().Format(time.DateTime),
			r.NumExamples, r.NumSkipped,
			r.Metrics[metrics.NameEM].Mean, r.Metrics[metrics.NameF1].Mean)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(out, "%d of %d runs\n", len(list), total)
	return nil
}
