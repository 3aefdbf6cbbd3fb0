package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/knoguchi/rageval/internal/analysis"
	"github.com/knoguchi/rageval/internal/dataset"
)

var testEnv = Env{
	LogLevel:  "info",
	OllamaURL: "http://ollama:11434",
	TEIURL:    "http://tei:8080",
	TEINLIURL: "http://nli:8081",
}

const minimal = `
dataset:
  name: hotpotqa
  sample_size: 20
llm:
  model_id: llama3.2
evaluation:
  top_k: 5
`

func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse([]byte(minimal), testEnv)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	exp := cfg.Experiment
	if exp.Dataset.MaxContextsPerQuestion != 10 || exp.Dataset.Split != "validation" {
		t.Errorf("dataset defaults = %+v", exp.Dataset)
	}
	if exp.Retriever.MaxLength != 256 || exp.Retriever.BatchSize != 16 {
		t.Errorf("retriever defaults = %+v", exp.Retriever)
	}
	if exp.LLM.MaxNewTokens != 128 || exp.LLM.TopP != 0.9 || exp.LLM.Temperature != 0 {
		t.Errorf("llm defaults = %+v", exp.LLM)
	}
	if exp.Verifier.Threshold != 0.5 || exp.Interpretability.TopTokenPairs != 5 {
		t.Errorf("verifier/interpretability defaults = %+v %+v", exp.Verifier, exp.Interpretability)
	}
	if exp.Retriever.BaseURL != "http://tei:8080" || exp.LLM.BaseURL != "http://ollama:11434" {
		t.Errorf("endpoints = %q %q", exp.Retriever.BaseURL, exp.LLM.BaseURL)
	}
	if exp.RefineThreshold() != 0.3 {
		t.Errorf("RefineThreshold without verifier = %v, want 0.3", exp.RefineThreshold())
	}
}

func TestParse_Full(t *testing.T) {
	doc := `
experiment_name: hotpot-small
seed: 13
dataset:
  name: boolq
  split: train
  sample_size: 50
retriever:
  provider: ollama
  base_url: http://embed:11434
llm:
  provider: openai
  model_id: gpt-4o-mini
  top_p: 0
  requests_per_second: 2
verifier:
  enabled: true
  threshold: 0.6
augmentation:
  enabled: true
analysis:
  enabled: true
  failure_rules:
    - name: low_support
      condition: verifier_below_threshold
    - condition: " Has_Binary_Choice & answer_not_in_context "
evaluation:
  top_k: 3
  concurrency: 4
  timeout: 90s
interpretability:
  store_token_matches: true
  top_token_pairs: 8
`
	cfg, err := Parse([]byte(doc), testEnv)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	exp := cfg.Experiment
	if exp.Seed != 13 || exp.Dataset.Split != "train" {
		t.Errorf("experiment = %+v", exp)
	}
	if exp.Retriever.BaseURL != "http://embed:11434" {
		t.Errorf("yaml base_url should win, got %q", exp.Retriever.BaseURL)
	}
	if exp.LLM.TopP != 0 {
		t.Errorf("explicit top_p 0 overwritten: %v", exp.LLM.TopP)
	}
	if exp.Verifier.BaseURL != "http://nli:8081" {
		t.Errorf("verifier base url = %q", exp.Verifier.BaseURL)
	}
	if exp.Evaluation.Timeout != 90*time.Second || exp.Evaluation.Concurrency != 4 {
		t.Errorf("evaluation = %+v", exp.Evaluation)
	}
	if exp.RefineThreshold() != 0.6 {
		t.Errorf("RefineThreshold = %v, want verifier threshold 0.6", exp.RefineThreshold())
	}
	want := []analysis.Rule{
		{Name: "low_support", Condition: analysis.VerifierBelowThreshold},
		{Name: "has_binary_choice & answer_not_in_context", Condition: analysis.BinaryChoiceAnswerNotInContext},
	}
	if len(cfg.Rules) != len(want) {
		t.Fatalf("rules = %+v", cfg.Rules)
	}
	for i := range want {
		if cfg.Rules[i] != want[i] {
			t.Errorf("rule %d = %+v, want %+v", i, cfg.Rules[i], want[i])
		}
	}
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name    string
		doc     string
		wantErr error
		mention string
	}{
		{
			name:    "unsupported dataset",
			doc:     strings.Replace(minimal, "hotpotqa", "triviaqa", 1),
			wantErr: dataset.ErrUnsupportedDataset,
		},
		{
			name:    "missing top_k",
			doc:     strings.Replace(minimal, "top_k: 5", "output_dir: out", 1),
			mention: "evaluation.top_k",
		},
		{
			name:    "unknown rule",
			doc:     minimal + "analysis:\n  failure_rules:\n    - name: x\n      condition: answer_too_long\n",
			wantErr: analysis.ErrUnknownCondition,
		},
		{
			name:    "threshold out of range",
			doc:     minimal + "verifier:\n  enabled: true\n  threshold: 1.5\n",
			mention: "verifier.threshold",
		},
		{
			name:    "bad provider",
			doc:     minimal + "retriever:\n  provider: onnx\n",
			mention: "retriever.provider",
		},
		{
			name:    "malformed yaml",
			doc:     "dataset: [",
			mention: "parsing yaml",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc), testEnv)
			if !errors.Is(err, ErrInvalidConfig) {
				t.Fatalf("expected ErrInvalidConfig, got %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
			if tt.mention != "" && !strings.Contains(err.Error(), tt.mention) {
				t.Errorf("error %q does not mention %q", err, tt.mention)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	t.Setenv("OLLAMA_URL", "http://from-env:11434")
	path := filepath.Join(t.TempDir(), "exp.yaml")
	if err := os.WriteFile(path, []byte(minimal), 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Experiment.LLM.BaseURL != "http://from-env:11434" {
		t.Errorf("llm base url = %q", cfg.Experiment.LLM.BaseURL)
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig for missing file, got %v", err)
	}
}
