package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"unicode"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/knoguchi/rageval/internal/analysis"
	"github.com/knoguchi/rageval/internal/dataset"
	"github.com/knoguchi/rageval/internal/format"
	"github.com/knoguchi/rageval/internal/llm"
	"github.com/knoguchi/rageval/internal/observability"
	"github.com/knoguchi/rageval/internal/retrieval"
	"github.com/knoguchi/rageval/internal/verifier"
)

const vocabDim = 256

// vocabEncoder gives every distinct word its own one-hot dimension, so the
// max-sim score of a document is the number of query words it contains.
type vocabEncoder struct {
	mu    sync.Mutex
	vocab map[string]int
}

func newVocabEncoder() *vocabEncoder {
	return &vocabEncoder{vocab: make(map[string]int)}
}

func (e *vocabEncoder) Encode(_ context.Context, texts []string) ([]retrieval.TokenMatrix, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]retrieval.TokenMatrix, len(texts))
	for i, text := range texts {
		words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsDigit(r)
		})
		vectors := make([][]float32, len(words))
		for j, w := range words {
			id, ok := e.vocab[w]
			if !ok {
				id = len(e.vocab)
				e.vocab[w] = id
			}
			vec := make([]float32, vocabDim)
			vec[id] = 1
			vectors[j] = vec
		}
		m, err := retrieval.NewTokenMatrix("", words, vectors, nil)
		if err != nil {
			return nil, err
		}
		out[i] = m
	}
	return out, nil
}

// scriptedLLM returns its answers in order and records every prompt.
type scriptedLLM struct {
	mu      sync.Mutex
	answers []string
	err     error
	prompts []string
}

func (s *scriptedLLM) Generate(_ context.Context, prompt string, _ llm.GenerateOptions) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prompts = append(s.prompts, prompt)
	if s.err != nil {
		return "", s.err
	}
	if len(s.answers) == 0 {
		return "", errors.New("script exhausted")
	}
	answer := s.answers[0]
	s.answers = s.answers[1:]
	return answer, nil
}

func (s *scriptedLLM) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.prompts)
}

type oracleFunc func(pairs []verifier.Pair) []float64

func (f oracleFunc) Support(_ context.Context, pairs []verifier.Pair) ([]float64, error) {
	return f(pairs), nil
}

// mentionOracle fully supports hypotheses naming word and rejects the rest.
func mentionOracle(word string) oracleFunc {
	return func(pairs []verifier.Pair) []float64 {
		out := make([]float64, len(pairs))
		for i, p := range pairs {
			if strings.Contains(p.Hypothesis, word) {
				out[i] = 0.9
			} else {
				out[i] = 0.1
			}
		}
		return out
	}
}

func hotpotLine(t *testing.T, id, question, answer string, support []string, titles, texts []string) string {
	t.Helper()
	sentences := make([][]string, len(texts))
	for i, text := range texts {
		if text != "" {
			sentences[i] = []string{text}
		} else {
			sentences[i] = []string{}
		}
	}
	row := map[string]any{
		"_id":              id,
		"question":         question,
		"answer":           answer,
		"supporting_facts": map[string]any{"title": support},
		"context":          map[string]any{"title": titles, "sentences": sentences},
	}
	data, err := json.Marshal(row)
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

func parisLine(t *testing.T) string {
	return hotpotLine(t, "q1",
		"Is Paris the capital of France or Germany?", "France",
		[]string{"Paris"},
		[]string{"Berlin", "Paris"},
		[]string{"Berlin is the capital of Germany.", "Paris is the capital of France."})
}

func writeJSONL(t *testing.T, lines ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data.jsonl")
	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func newTestPipeline(t *testing.T, name string, gen llm.LLM, opts Options, lines []string, options ...Option) (*Pipeline, *dataset.Dataset) {
	t.Helper()
	ds, err := dataset.Load(dataset.Options{Name: name, Path: writeJSONL(t, lines...)})
	if err != nil {
		t.Fatalf("loading dataset: %v", err)
	}
	enc := newVocabEncoder()
	var entries []retrieval.Entry
	for _, d := range ds.Corpus.Documents() {
		entries = append(entries, retrieval.Entry{ID: d.DocID, Text: d.Text})
	}
	index, err := retrieval.BuildIndex(context.Background(), enc, entries, 0)
	if err != nil {
		t.Fatalf("building index: %v", err)
	}
	return New(index, ds.Corpus, enc, gen, opts, options...), ds
}

func TestProcess_EndToEnd(t *testing.T) {
	gen := &scriptedLLM{answers: []string{"France"}}
	opts := Options{Kind: format.KindOpen, TopK: 2, StoreTokenMatches: true, TopTokenPairs: 3}
	p, ds := newTestPipeline(t, "hotpotqa", gen, opts, []string{parisLine(t)})

	res, err := p.Process(context.Background(), ds.Examples[0])
	if err != nil {
		t.Fatalf("Process: %v", err)
	}

	if !res.BinaryChoice {
		t.Error("expected binary choice question")
	}
	if res.HitAtK != 1 || res.MRR != 1 {
		t.Errorf("hit@k = %v, mrr = %v, want 1, 1", res.HitAtK, res.MRR)
	}
	if res.EM != 1 || res.F1 != 1 {
		t.Errorf("em = %v, f1 = %v, want 1, 1", res.EM, res.F1)
	}
	if !res.AnswerContainsGold || !res.AnswerInContext {
		t.Errorf("contains gold = %v, in context = %v", res.AnswerContainsGold, res.AnswerInContext)
	}

	if len(res.TopDocs) != 2 {
		t.Fatalf("top docs = %d, want 2", len(res.TopDocs))
	}
	top := res.TopDocs[0]
	if top.DocID != "q1::Paris" || !top.IsSupporting || top.Score != 6 {
		t.Errorf("top doc = %+v", top)
	}
	if res.TopDocs[1].Score != 5 {
		t.Errorf("second score = %v, want 5", res.TopDocs[1].Score)
	}
	if len(top.TokenMatches) != 3 {
		t.Errorf("token matches = %v, want 3 pairs", top.TokenMatches)
	}
	if len(res.QuestionTokens) != 8 {
		t.Errorf("question tokens = %v", res.QuestionTokens)
	}

	if res.VerifierScore != nil || res.VerifierThreshold != nil || res.InitialVerifierScore != nil {
		t.Error("verifier fields set without a verifier")
	}
	if res.VerifierSupportedDocs == nil || res.FailureTags == nil {
		t.Error("list fields must be empty, not nil")
	}
	if res.FormattingStrategy != format.StrategyNone || res.RefinementApplied || res.Refinement != nil {
		t.Errorf("unexpected formatting/refinement: %+v", res)
	}

	prompt := gen.prompts[0]
	if !strings.Contains(prompt, "Paris: Paris is the capital of France.\n\nBerlin: Berlin is the capital of Germany.") {
		t.Errorf("prompt evidence not in ranked order:\n%s", prompt)
	}
	if !strings.Contains(prompt, "Question: Is Paris the capital of France or Germany?") {
		t.Errorf("prompt missing question:\n%s", prompt)
	}
}

func TestProcess_RefinementSkippedWhenAnswerSatisfies(t *testing.T) {
	gen := &scriptedLLM{answers: []string{"Yes."}}
	opts := Options{Kind: format.KindClosedLabel, TopK: 1, Refine: true, RefineThreshold: 0.5}
	line := `{"question":"is the sky blue","passage":"The sky is blue on a clear day.","answer":true}`
	v := verifier.New(oracleFunc(func(pairs []verifier.Pair) []float64 {
		return []float64{0.8}
	}), 0.5)
	p, ds := newTestPipeline(t, "boolq", gen, opts, []string{line}, WithVerifier(v))

	res, err := p.Process(context.Background(), ds.Examples[0])
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if gen.calls() != 1 {
		t.Errorf("generator calls = %d, want 1", gen.calls())
	}
	if res.LLMAnswer != "yes" || res.RefinementApplied {
		t.Errorf("answer = %q, refined = %v", res.LLMAnswer, res.RefinementApplied)
	}
	if *res.VerifierScore != 0.8 || *res.InitialVerifierScore != 0.8 {
		t.Errorf("verifier scores = %v, %v", *res.VerifierScore, *res.InitialVerifierScore)
	}
	if res.Formatting.Confident == nil || !*res.Formatting.Confident {
		t.Errorf("formatting = %+v", res.Formatting)
	}
}

func TestProcess_TemplateFix(t *testing.T) {
	gen := &scriptedLLM{answers: []string{"It depends on the context.", "No"}}
	opts := Options{Kind: format.KindClosedLabel, TopK: 1, Refine: true, RefineThreshold: 0.3}
	line := `{"question":"is the moon made of cheese","passage":"The moon is made of rock.","answer":false}`
	m := observability.NewMetrics()
	p, ds := newTestPipeline(t, "boolq", gen, opts, []string{line}, WithMetrics(m))

	res, err := p.Process(context.Background(), ds.Examples[0])
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if !res.RefinementApplied || res.RefinementReason != ReasonTemplateFix {
		t.Fatalf("refinement = %v (%q)", res.RefinementApplied, res.RefinementReason)
	}
	if res.LLMAnswer != "no" || res.EM != 1 {
		t.Errorf("answer = %q, em = %v", res.LLMAnswer, res.EM)
	}
	if res.InitialAnswer != "It depends on the context." || res.Refinement.InitialAnswer != res.InitialAnswer {
		t.Errorf("initial answer = %q / %q", res.InitialAnswer, res.Refinement.InitialAnswer)
	}
	if !strings.Contains(res.Refinement.Prompt, "Answer with 'yes' or 'no' only.") {
		t.Errorf("refine prompt = %q", res.Refinement.Prompt)
	}
	if res.Formatting.Strategy != format.StrategyHeuristic {
		t.Errorf("formatting not recomputed: %+v", res.Formatting)
	}
	if got := testutil.ToFloat64(m.Refinements.WithLabelValues(ReasonTemplateFix)); got != 1 {
		t.Errorf("refinements = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.GeneratorCalls.WithLabelValues(stageRefine, "success")); got != 1 {
		t.Errorf("refine calls = %v, want 1", got)
	}
}

func TestProcess_VerifierLow(t *testing.T) {
	gen := &scriptedLLM{answers: []string{"Germany", "France"}}
	opts := Options{Kind: format.KindOpen, TopK: 2, Refine: true, RefineThreshold: 0.5}
	v := verifier.New(mentionOracle("answer is France"), 0.5)
	p, ds := newTestPipeline(t, "hotpotqa", gen, opts, []string{parisLine(t)}, WithVerifier(v))

	res, err := p.Process(context.Background(), ds.Examples[0])
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if res.RefinementReason != ReasonVerifierLow || res.LLMAnswer != "France" {
		t.Fatalf("reason = %q, answer = %q", res.RefinementReason, res.LLMAnswer)
	}
	if *res.InitialVerifierScore != 0.1 || *res.VerifierScore != 0.9 || *res.VerifierThreshold != 0.5 {
		t.Errorf("scores: initial %v, final %v, threshold %v",
			*res.InitialVerifierScore, *res.VerifierScore, *res.VerifierThreshold)
	}
	if want := []string{"q1::Paris", "q1::Berlin"}; strings.Join(res.VerifierSupportedDocs, ",") != strings.Join(want, ",") {
		t.Errorf("supported docs = %v, want %v", res.VerifierSupportedDocs, want)
	}
	if res.EM != 1 || !res.AnswerContainsGold {
		t.Errorf("metrics not recomputed: em = %v", res.EM)
	}
	if !strings.Contains(gen.prompts[1], "Cite the key fact.") {
		t.Errorf("refine prompt = %q", gen.prompts[1])
	}
}

func TestProcess_EmptyRefinementKeepsAnswer(t *testing.T) {
	gen := &scriptedLLM{answers: []string{"Germany", "   "}}
	opts := Options{Kind: format.KindOpen, TopK: 2, Refine: true, RefineThreshold: 0.5}
	v := verifier.New(mentionOracle("answer is France"), 0.5)
	p, ds := newTestPipeline(t, "hotpotqa", gen, opts, []string{parisLine(t)}, WithVerifier(v))

	res, err := p.Process(context.Background(), ds.Examples[0])
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if res.RefinementApplied || res.Refinement != nil || res.RefinementReason != "" {
		t.Errorf("empty refinement applied: %+v", res.Refinement)
	}
	if res.LLMAnswer != "Germany" || *res.VerifierScore != 0.1 {
		t.Errorf("answer = %q, score = %v", res.LLMAnswer, *res.VerifierScore)
	}
}

func TestProcess_FailureTags(t *testing.T) {
	gen := &scriptedLLM{answers: []string{"Lyon"}}
	engine := analysis.NewEngine([]analysis.Rule{
		{Name: "missing_gold", Condition: analysis.AnswerMissingGold},
		{Name: "wrong_choice", Condition: analysis.BinaryChoiceAnswerNotInContext},
		{Name: "low_support", Condition: analysis.VerifierBelowThreshold},
	})
	opts := Options{Kind: format.KindOpen, TopK: 2}
	p, ds := newTestPipeline(t, "hotpotqa", gen, opts, []string{parisLine(t)}, WithEngine(engine))

	res, err := p.Process(context.Background(), ds.Examples[0])
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	var names []string
	for _, tag := range res.FailureTags {
		names = append(names, tag.Name)
	}
	if got := strings.Join(names, ","); got != "missing_gold,wrong_choice" {
		t.Errorf("tags = %q", got)
	}
}

func TestProcess_NoCandidates(t *testing.T) {
	lines := []string{
		hotpotLine(t, "empty", "Who?", "Nobody", nil, nil, nil),
		hotpotLine(t, "blank", "Who?", "Nobody", nil, []string{"Blank"}, []string{""}),
	}
	gen := &scriptedLLM{answers: []string{"unused"}}
	p, ds := newTestPipeline(t, "hotpotqa", gen, Options{TopK: 2}, lines)

	for _, ex := range ds.Examples {
		_, err := p.Process(context.Background(), ex)
		if !errors.Is(err, ErrNoCandidates) {
			t.Errorf("%s: expected ErrNoCandidates, got %v", ex.SampleID, err)
		}
	}
	if gen.calls() != 0 {
		t.Errorf("generator called %d times for skipped examples", gen.calls())
	}
}

func TestProcess_GeneratorError(t *testing.T) {
	gen := &scriptedLLM{err: errors.New("connection refused")}
	p, ds := newTestPipeline(t, "hotpotqa", gen, Options{TopK: 2}, []string{parisLine(t)})

	_, err := p.Process(context.Background(), ds.Examples[0])
	if !errors.Is(err, ErrGenerator) {
		t.Fatalf("expected ErrGenerator, got %v", err)
	}
	var exErr *ExampleError
	if !errors.As(err, &exErr) || exErr.SampleID != "q1" || exErr.Stage != stageGenerate {
		t.Errorf("example error = %+v", exErr)
	}
}

func TestBuildRefinePrompt_EvidenceLimit(t *testing.T) {
	texts := []string{"one", "two", "three", "four"}
	prompt := BuildRefinePrompt(format.KindSpan, "q?", texts)
	if !strings.Contains(prompt, "one\n\ntwo\n\nthree\n\nQuestion: q?") || strings.Contains(prompt, "four") {
		t.Errorf("prompt = %q", prompt)
	}
	if !strings.HasSuffix(prompt, "Answer (exact span or 'unanswerable'):") {
		t.Errorf("span prompt suffix: %q", prompt)
	}
	if p := BuildRefinePrompt(format.KindOpen, "q?", nil); !strings.HasSuffix(p, "Question: q?\nAnswer:") {
		t.Errorf("open prompt = %q", p)
	}
}
