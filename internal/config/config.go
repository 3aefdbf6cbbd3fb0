// Package config loads the experiment file (YAML) and the endpoint and
// secret settings (environment variables and .env files).
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/knoguchi/rageval/internal/analysis"
	"github.com/knoguchi/rageval/internal/dataset"
)

// ErrInvalidConfig marks configuration errors. They abort a run before any
// example is processed.
var ErrInvalidConfig = errors.New("invalid configuration")

// Env holds settings taken from the environment.
type Env struct {
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	// Ollama
	OllamaURL string `env:"OLLAMA_URL" envDefault:"http://localhost:11434"`

	// text-embeddings-inference: token encoder and NLI classifier
	TEIURL    string `env:"TEI_URL" envDefault:"http://localhost:8080"`
	TEINLIURL string `env:"TEI_NLI_URL" envDefault:"http://localhost:8081"`

	// OpenAI-compatible generation
	OpenAIAPIKey  string `env:"OPENAI_API_KEY"`
	OpenAIBaseURL string `env:"OPENAI_BASE_URL"`
}

// LoadEnv loads configuration from .env file (if present) and environment variables.
func LoadEnv() (*Env, error) {
	// Load .env file if it exists (ignore error if not found)
	_ = godotenv.Load()

	cfg := &Env{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DatasetConfig selects the benchmark slice.
type DatasetConfig struct {
	Name                   string `yaml:"name" json:"name"`
	Split                  string `yaml:"split" json:"split"`
	SampleSize             int    `yaml:"sample_size" json:"sample_size"`
	MaxContextsPerQuestion int    `yaml:"max_contexts_per_question" json:"max_contexts_per_question"`
	Path                   string `yaml:"path" json:"path,omitempty"`
}

// RetrieverConfig configures the token encoder.
type RetrieverConfig struct {
	Provider  string `yaml:"provider" json:"provider"`
	ModelID   string `yaml:"model_id" json:"model_id"`
	BaseURL   string `yaml:"base_url" json:"base_url"`
	MaxLength int    `yaml:"max_length" json:"max_length"`
	BatchSize int    `yaml:"batch_size" json:"batch_size"`
}

// LLMConfig configures the generator.
type LLMConfig struct {
	Provider          string  `yaml:"provider" json:"provider"`
	ModelID           string  `yaml:"model_id" json:"model_id"`
	BaseURL           string  `yaml:"base_url" json:"base_url"`
	MaxNewTokens      int     `yaml:"max_new_tokens" json:"max_new_tokens"`
	Temperature       float64 `yaml:"temperature" json:"temperature"`
	TopP              float64 `yaml:"top_p" json:"top_p"`
	RequestsPerSecond float64 `yaml:"requests_per_second" json:"requests_per_second,omitempty"`
}

// VerifierConfig configures the entailment oracle.
type VerifierConfig struct {
	Enabled         bool    `yaml:"enabled" json:"enabled"`
	Provider        string  `yaml:"provider" json:"provider"`
	ModelID         string  `yaml:"model_id" json:"model_id"`
	BaseURL         string  `yaml:"base_url" json:"base_url"`
	Threshold       float64 `yaml:"threshold" json:"threshold"`
	EntailmentLabel string  `yaml:"entailment_label" json:"entailment_label,omitempty"`
}

// AugmentationConfig configures refinement.
type AugmentationConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`
	// VerifierThreshold defaults to the verifier threshold, or 0.3 without a
	// verifier.
	VerifierThreshold *float64 `yaml:"verifier_threshold" json:"verifier_threshold,omitempty"`
}

// RuleConfig is one configured failure rule.
type RuleConfig struct {
	Name      string `yaml:"name" json:"name"`
	Condition string `yaml:"condition" json:"condition"`
}

// AnalysisConfig configures failure tagging.
type AnalysisConfig struct {
	Enabled      bool         `yaml:"enabled" json:"enabled"`
	FailureRules []RuleConfig `yaml:"failure_rules" json:"failure_rules"`
}

// EvaluationConfig configures the run.
type EvaluationConfig struct {
	OutputDir            string        `yaml:"output_dir" json:"output_dir"`
	TopK                 int           `yaml:"top_k" json:"top_k"`
	Concurrency          int           `yaml:"concurrency" json:"concurrency"`
	Timeout              time.Duration `yaml:"timeout" json:"timeout,omitempty"`
	SkipOnGeneratorError bool          `yaml:"skip_on_generator_error" json:"skip_on_generator_error"`
	HistoryDB            string        `yaml:"history_db" json:"history_db,omitempty"`
}

// InterpretabilityConfig configures token alignment output.
type InterpretabilityConfig struct {
	StoreTokenMatches bool `yaml:"store_token_matches" json:"store_token_matches"`
	TopTokenPairs     int  `yaml:"top_token_pairs" json:"top_token_pairs"`
}

// Experiment is the effective experiment configuration. It is embedded in
// the result payload, so it never carries secrets.
type Experiment struct {
	ExperimentName   string                 `yaml:"experiment_name" json:"experiment_name"`
	Seed             int64                  `yaml:"seed" json:"seed"`
	Dataset          DatasetConfig          `yaml:"dataset" json:"dataset"`
	Retriever        RetrieverConfig        `yaml:"retriever" json:"retriever"`
	LLM              LLMConfig              `yaml:"llm" json:"llm"`
	Verifier         VerifierConfig         `yaml:"verifier" json:"verifier"`
	Augmentation     AugmentationConfig     `yaml:"augmentation" json:"augmentation"`
	Analysis         AnalysisConfig         `yaml:"analysis" json:"analysis"`
	Evaluation       EvaluationConfig       `yaml:"evaluation" json:"evaluation"`
	Interpretability InterpretabilityConfig `yaml:"interpretability" json:"interpretability"`
}

// Config is a validated experiment plus its environment.
type Config struct {
	Experiment Experiment
	Env        Env
	// Rules are the parsed analysis.failure_rules, in order.
	Rules []analysis.Rule
}

// Defaults returns the values used for keys absent from the file.
func Defaults() Experiment {
	return Experiment{
		ExperimentName: "experiment",
		Dataset: DatasetConfig{
			Split:                  "validation",
			MaxContextsPerQuestion: dataset.DefaultMaxContexts,
		},
		Retriever: RetrieverConfig{
			Provider:  "tei",
			MaxLength: 256,
			BatchSize: 16,
		},
		LLM: LLMConfig{
			Provider:     "ollama",
			MaxNewTokens: 128,
			Temperature:  0,
			TopP:         0.9,
		},
		Verifier: VerifierConfig{
			Provider:  "tei",
			Threshold: 0.5,
		},
		Evaluation: EvaluationConfig{
			OutputDir:   "outputs",
			Concurrency: 1,
		},
		Interpretability: InterpretabilityConfig{
			TopTokenPairs: 5,
		},
	}
}

// Load reads the experiment file at path and the environment.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %w", ErrInvalidConfig, path, err)
	}
	e, err := LoadEnv()
	if err != nil {
		return nil, fmt.Errorf("%w: environment: %w", ErrInvalidConfig, err)
	}
	return Parse(data, *e)
}

// Parse decodes and validates an experiment document. Keys absent from the
// document keep their Defaults.
func Parse(data []byte, e Env) (*Config, error) {
	exp := Defaults()
	if err := yaml.Unmarshal(data, &exp); err != nil {
		return nil, fmt.Errorf("%w: parsing yaml: %w", ErrInvalidConfig, err)
	}

	resolveEndpoints(&exp, e)

	rules, err := validate(&exp)
	if err != nil {
		return nil, err
	}
	return &Config{Experiment: exp, Env: e, Rules: rules}, nil
}

// resolveEndpoints fills base URLs that the file leaves empty from the
// environment.
func resolveEndpoints(exp *Experiment, e Env) {
	if exp.Retriever.BaseURL == "" {
		switch exp.Retriever.Provider {
		case "tei":
			exp.Retriever.BaseURL = e.TEIURL
		case "ollama":
			exp.Retriever.BaseURL = e.OllamaURL
		}
	}
	if exp.LLM.BaseURL == "" {
		switch exp.LLM.Provider {
		case "ollama":
			exp.LLM.BaseURL = e.OllamaURL
		case "openai":
			exp.LLM.BaseURL = e.OpenAIBaseURL
		}
	}
	if exp.Verifier.BaseURL == "" && exp.Verifier.Provider == "tei" {
		exp.Verifier.BaseURL = e.TEINLIURL
	}
}

func validate(exp *Experiment) ([]analysis.Rule, error) {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if exp.Dataset.Name == "" {
		add("dataset.name is required")
	} else if !dataset.Supported(exp.Dataset.Name) {
		return nil, fmt.Errorf("%w: %w: %q", ErrInvalidConfig, dataset.ErrUnsupportedDataset, exp.Dataset.Name)
	}
	if exp.Dataset.SampleSize < 0 {
		add("dataset.sample_size must not be negative")
	}
	if exp.Dataset.MaxContextsPerQuestion <= 0 {
		add("dataset.max_contexts_per_question must be positive")
	}

	if !oneOf(exp.Retriever.Provider, "tei", "ollama") {
		add("retriever.provider %q is not one of tei, ollama", exp.Retriever.Provider)
	}
	if exp.Retriever.MaxLength <= 0 {
		add("retriever.max_length must be positive")
	}
	if exp.Retriever.BatchSize <= 0 {
		add("retriever.batch_size must be positive")
	}

	if !oneOf(exp.LLM.Provider, "ollama", "openai") {
		add("llm.provider %q is not one of ollama, openai", exp.LLM.Provider)
	}
	if exp.LLM.ModelID == "" {
		add("llm.model_id is required")
	}
	if exp.LLM.MaxNewTokens <= 0 {
		add("llm.max_new_tokens must be positive")
	}
	if exp.LLM.Temperature < 0 {
		add("llm.temperature must not be negative")
	}
	if !unit(exp.LLM.TopP) {
		add("llm.top_p must be within [0, 1]")
	}
	if exp.LLM.RequestsPerSecond < 0 {
		add("llm.requests_per_second must not be negative")
	}

	if exp.Verifier.Enabled {
		if !oneOf(exp.Verifier.Provider, "tei", "llm") {
			add("verifier.provider %q is not one of tei, llm", exp.Verifier.Provider)
		}
		if !unit(exp.Verifier.Threshold) {
			add("verifier.threshold must be within [0, 1]")
		}
	}
	if t := exp.Augmentation.VerifierThreshold; t != nil && !unit(*t) {
		add("augmentation.verifier_threshold must be within [0, 1]")
	}

	if exp.Evaluation.TopK <= 0 {
		add("evaluation.top_k must be positive")
	}
	if exp.Evaluation.OutputDir == "" {
		add("evaluation.output_dir is required")
	}
	if exp.Evaluation.Concurrency <= 0 {
		add("evaluation.concurrency must be positive")
	}
	if exp.Evaluation.Timeout < 0 {
		add("evaluation.timeout must not be negative")
	}
	if exp.Interpretability.TopTokenPairs < 0 {
		add("interpretability.top_token_pairs must not be negative")
	}

	rules := make([]analysis.Rule, 0, len(exp.Analysis.FailureRules))
	for i, rc := range exp.Analysis.FailureRules {
		cond, err := analysis.ParseCondition(rc.Condition)
		if err != nil {
			return nil, fmt.Errorf("%w: analysis.failure_rules[%d]: %w", ErrInvalidConfig, i, err)
		}
		name := rc.Name
		if name == "" {
			name = cond.String()
		}
		rules = append(rules, analysis.Rule{Name: name, Condition: cond})
	}

	if len(problems) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return rules, nil
}

// RefineThreshold is the verifier score under which refinement triggers.
func (e Experiment) RefineThreshold() float64 {
	if e.Augmentation.VerifierThreshold != nil {
		return *e.Augmentation.VerifierThreshold
	}
	if e.Verifier.Enabled {
		return e.Verifier.Threshold
	}
	return 0.3
}

func oneOf(v string, allowed ...string) bool {
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
}

func unit(v float64) bool {
	return v >= 0 && v <= 1
}
