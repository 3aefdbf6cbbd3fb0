package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/knoguchi/rageval/internal/config"
	"github.com/knoguchi/rageval/internal/pipeline"
	"github.com/knoguchi/rageval/internal/report"
)

func buildReportCmd() *cobra.Command {
	var configPath, payloadPath string
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Print the metric table and write report.md",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReport(cmd, configPath, payloadPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to experiment configuration file")
	cmd.Flags().StringVar(&payloadPath, "payload", "", "Result payload (default: <output_dir>/results.json)")
	_ = cmd.MarkFlagRequired("config")
	return cmd
}

func runReport(cmd *cobra.Command, configPath, payloadPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	outputDir := cfg.Experiment.Evaluation.OutputDir
	if payloadPath == "" {
		payloadPath = filepath.Join(outputDir, pipeline.ResultsFile)
	}

	rep, err := report.Load(payloadPath)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if err := rep.SummaryTable(out); err != nil {
		return err
	}

	mdPath := filepath.Join(outputDir, report.MarkdownFile)
	if err := rep.WriteMarkdown(mdPath); err != nil {
		return err
	}
	fmt.Fprintf(out, "Report written to %s\n", mdPath)
	return nil
}
