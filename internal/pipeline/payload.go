package pipeline

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/knoguchi/rageval/internal/analysis"
	"github.com/knoguchi/rageval/internal/config"
	"github.com/knoguchi/rageval/internal/format"
	"github.com/knoguchi/rageval/internal/metrics"
	"github.com/knoguchi/rageval/internal/retrieval"
)

// ResultsFile is the payload file name inside the output directory.
const ResultsFile = "results.json"

// TopDoc is one ranked document in a result.
type TopDoc struct {
	DocID        string                `json:"doc_id"`
	Score        float64               `json:"score"`
	Title        string                `json:"title"`
	IsSupporting bool                  `json:"is_supporting"`
	Text         string                `json:"text"`
	TokenMatches []retrieval.TokenPair `json:"token_matches,omitempty"`
}

// Refinement records a regeneration that replaced the answer.
type Refinement struct {
	Reason        string          `json:"reason"`
	Prompt        string          `json:"prompt"`
	InitialAnswer string          `json:"initial_answer"`
	Formatting    format.Metadata `json:"formatting"`
}

// Result is the final record of one example. Answer is the gold answer,
// InitialAnswer the raw first generation and LLMAnswer the final answer.
type Result struct {
	SampleID              string          `json:"sample_id"`
	Question              string          `json:"question"`
	Answer                string          `json:"answer"`
	InitialAnswer         string          `json:"initial_answer"`
	LLMAnswer             string          `json:"llm_answer"`
	SupportingDocIDs      []string        `json:"supporting_doc_ids"`
	TopDocs               []TopDoc        `json:"top_docs"`
	EM                    float64         `json:"em"`
	F1                    float64         `json:"f1"`
	HitAtK                float64         `json:"hit_at_k"`
	MRR                   float64         `json:"mrr"`
	VerifierScore         *float64        `json:"verifier_score"`
	VerifierThreshold     *float64        `json:"verifier_threshold"`
	VerifierSupportedDocs []string        `json:"verifier_supported_docs"`
	InitialVerifierScore  *float64        `json:"initial_verifier_score"`
	AnswerContainsGold    bool            `json:"answer_contains_gold"`
	BinaryChoice          bool            `json:"binary_choice"`
	AnswerInContext       bool            `json:"answer_in_context"`
	QuestionTokens        []string        `json:"question_tokens"`
	Formatting            format.Metadata `json:"formatting"`
	FormattingStrategy    string          `json:"formatting_strategy"`
	RefinementApplied     bool            `json:"refinement_applied"`
	RefinementReason      string          `json:"refinement_reason,omitempty"`
	Refinement            *Refinement     `json:"refinement,omitempty"`
	FailureTags           []analysis.Tag  `json:"failure_tags"`
}

// Scores returns the metric values of the result.
func (r Result) Scores() metrics.Scores {
	return metrics.Scores{EM: r.EM, F1: r.F1, HitAtK: r.HitAtK, MRR: r.MRR}
}

// Payload is the output of a run.
type Payload struct {
	RunID       string            `json:"run_id"`
	Config      config.Experiment `json:"config"`
	StartedAt   time.Time         `json:"started_at"`
	LoadTimeSec float64           `json:"load_time_sec"`
	DurationSec float64           `json:"duration_sec"`
	NumExamples int               `json:"num_examples"`
	NumSkipped  int               `json:"num_skipped"`
	TimedOut    bool              `json:"timed_out"`
	Metrics     metrics.Summary   `json:"metrics"`
	Results     []Result          `json:"results"`
}

// ReadPayload loads a payload written by WritePayload.
func ReadPayload(path string) (*Payload, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading payload: %w", err)
	}
	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decoding payload %s: %w", path, err)
	}
	return &p, nil
}

// WritePayload writes p as indented JSON. The file is replaced atomically so
// a reader never sees a partial payload.
func WritePayload(path string, p *Payload) error {
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding payload: %w", err)
	}
	return writeFileAtomic(path, data)
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating output directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0644); err != nil {
		return fmt.Errorf("setting permissions: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replacing %s: %w", path, err)
	}
	return nil
}
