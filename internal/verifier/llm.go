package verifier

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/knoguchi/rageval/internal/llm"
)

// maxPremiseChars caps how much evidence goes into one judging prompt.
const maxPremiseChars = 2000

var numberPattern = regexp.MustCompile(`[-+]?\d*\.?\d+`)

// LLMOracle asks a generator to judge entailment, one prompt per pair.
// This approximates a cross-encoder: the model sees premise and hypothesis
// together.
type LLMOracle struct {
	llmClient llm.LLM
	model     string
}

// LLMOracleOption is a functional option for configuring LLMOracle.
type LLMOracleOption func(*LLMOracle)

// WithModel sets the model used for judging.
func WithModel(model string) LLMOracleOption {
	return func(o *LLMOracle) {
		o.model = model
	}
}

// NewLLMOracle creates an LLM-judged oracle.
func NewLLMOracle(llmClient llm.LLM, opts ...LLMOracleOption) *LLMOracle {
	o := &LLMOracle{llmClient: llmClient}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

type supportResponse struct {
	Support *float64 `json:"support"`
}

// Support implements Oracle. Pairs are judged sequentially.
func (o *LLMOracle) Support(ctx context.Context, pairs []Pair) ([]float64, error) {
	out := make([]float64, len(pairs))
	for i, p := range pairs {
		response, err := o.llmClient.Generate(ctx, buildJudgePrompt(p), llm.GenerateOptions{
			Model:       o.model,
			Temperature: 0,
			MaxTokens:   64,
		})
		if err != nil {
			return nil, fmt.Errorf("judging pair %d: %w", i, err)
		}
		score, err := parseSupport(response)
		if err != nil {
			return nil, fmt.Errorf("judging pair %d: %w", i, err)
		}
		out[i] = score
	}
	return out, nil
}

func buildJudgePrompt(p Pair) string {
	premise := p.Premise
	if len(premise) > maxPremiseChars {
		premise = truncateUTF8(premise, maxPremiseChars) + "..."
	}

	var sb strings.Builder
	sb.WriteString("You are a natural language inference system. Decide whether the premise supports the hypothesis.\n\n")
	sb.WriteString("Premise: ")
	sb.WriteString(premise)
	sb.WriteString("\n\nHypothesis: ")
	sb.WriteString(p.Hypothesis)
	sb.WriteString(`

Give the probability from 0.0 to 1.0 that the premise entails the hypothesis.
Output ONLY valid JSON in this exact format:
{"support": 0.85}

Output only JSON, no explanation:`)
	return sb.String()
}

// truncateUTF8 cuts s to at most n bytes without splitting a rune.
func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// parseSupport reads {"support": p} from a reply, tolerating code fences,
// then falls back to the first number in the text. Values are clamped to
// [0,1].
func parseSupport(response string) (float64, error) {
	trimmed := stripCodeFence(strings.TrimSpace(response))
	if trimmed == "" {
		return 0, fmt.Errorf("%w: empty response", ErrUnparseableScore)
	}

	var parsed supportResponse
	if err := json.Unmarshal([]byte(trimmed), &parsed); err == nil && parsed.Support != nil {
		return clamp01(*parsed.Support), nil
	}

	match := numberPattern.FindString(trimmed)
	if match == "" {
		return 0, fmt.Errorf("%w: %q", ErrUnparseableScore, trimmed)
	}
	val, err := strconv.ParseFloat(match, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrUnparseableScore, match)
	}
	return clamp01(val), nil
}

func stripCodeFence(s string) string {
	if idx := strings.Index(s, "```json"); idx != -1 {
		start := idx + 7
		if end := strings.Index(s[start:], "```"); end != -1 {
			return strings.TrimSpace(s[start : start+end])
		}
	} else if idx := strings.Index(s, "```"); idx != -1 {
		start := idx + 3
		if end := strings.Index(s[start:], "```"); end != -1 {
			return strings.TrimSpace(s[start : start+end])
		}
	}
	return s
}

var _ Oracle = (*LLMOracle)(nil)
