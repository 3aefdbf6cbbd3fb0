// Package pipeline runs retrieval-augmented answering over a benchmark and
// scores every answer.
//
// Each example moves through immutable stage records:
//
//	retrieve -> generate -> format -> verify -> refine -> Result
//
// A stage only reads the records before it, so a Result is assembled once
// every stage has finished.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/knoguchi/rageval/internal/analysis"
	"github.com/knoguchi/rageval/internal/dataset"
	"github.com/knoguchi/rageval/internal/format"
	"github.com/knoguchi/rageval/internal/llm"
	"github.com/knoguchi/rageval/internal/metrics"
	"github.com/knoguchi/rageval/internal/observability"
	"github.com/knoguchi/rageval/internal/retrieval"
	"github.com/knoguchi/rageval/internal/verifier"
)

var (
	// ErrNoCandidates marks an example without any encoded candidate
	// document. Such examples are skipped.
	ErrNoCandidates = errors.New("no encoded candidate documents")

	// ErrGenerator wraps failures of the answer generator.
	ErrGenerator = errors.New("generator failed")
)

// Refinement reasons.
const (
	ReasonTemplateFix = "template_fix"
	ReasonVerifierLow = "verifier_low"
)

// Generator stages, used as metric labels.
const (
	stageGenerate = "generate"
	stageRefine   = "refine"
)

// ExampleError ties a failure to the example and stage that produced it.
type ExampleError struct {
	SampleID string
	Stage    string
	Err      error
}

func (e *ExampleError) Error() string {
	return fmt.Sprintf("example %s: %s: %v", e.SampleID, e.Stage, e.Err)
}

func (e *ExampleError) Unwrap() error {
	return e.Err
}

// Options controls per-example processing.
type Options struct {
	Kind              format.Kind
	TopK              int
	StoreTokenMatches bool
	TopTokenPairs     int
	Refine            bool
	RefineThreshold   float64
	Generate          llm.GenerateOptions
}

// Pipeline answers and scores single examples. It is safe for concurrent
// use; all shared state is read-only.
type Pipeline struct {
	index    *retrieval.Index
	corpus   *dataset.Corpus
	encoder  retrieval.Encoder
	scorer   *retrieval.Scorer
	gen      llm.LLM
	verifier *verifier.Verifier     // optional
	engine   *analysis.Engine       // optional
	metrics  *observability.Metrics // optional
	opts     Options
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithVerifier enables answer verification.
func WithVerifier(v *verifier.Verifier) Option {
	return func(p *Pipeline) {
		p.verifier = v
	}
}

// WithEngine enables failure tagging.
func WithEngine(e *analysis.Engine) Option {
	return func(p *Pipeline) {
		p.engine = e
	}
}

// WithMetrics records generator and verifier calls.
func WithMetrics(m *observability.Metrics) Option {
	return func(p *Pipeline) {
		p.metrics = m
	}
}

// New creates a Pipeline over a built index.
func New(index *retrieval.Index, corpus *dataset.Corpus, encoder retrieval.Encoder, gen llm.LLM, opts Options, options ...Option) *Pipeline {
	p := &Pipeline{
		index:   index,
		corpus:  corpus,
		encoder: encoder,
		scorer:  retrieval.NewScorer(),
		gen:     gen,
		opts:    opts,
	}
	for _, opt := range options {
		opt(p)
	}
	return p
}

type retrieved struct {
	ranking  retrieval.Ranking
	docs     []dataset.Document // ranked order
	contexts []string           // "title: text"
	texts    []string
}

func (r retrieved) passages() []verifier.Passage {
	out := make([]verifier.Passage, len(r.docs))
	for i, d := range r.docs {
		out[i] = verifier.Passage{DocID: d.DocID, Text: r.contexts[i]}
	}
	return out
}

func (r retrieved) analysisDocs() []analysis.Doc {
	out := make([]analysis.Doc, len(r.docs))
	for i, d := range r.docs {
		out[i] = analysis.Doc{Title: d.Title, Text: d.Text}
	}
	return out
}

type generated struct {
	prompt string
	raw    string
}

type formatted struct {
	answer string
	meta   format.Metadata
}

// verified is nil when no verifier is configured.
type verified = *verifier.Verification

type refined struct {
	reason  string
	applied bool
	prompt  string
	raw     string
	answer  formatted
	check   verified
}

// Process runs one example through every stage.
func (p *Pipeline) Process(ctx context.Context, ex dataset.QAExample) (Result, error) {
	r, err := p.retrieve(ctx, ex)
	if err != nil {
		return Result{}, &ExampleError{SampleID: ex.SampleID, Stage: "retrieve", Err: err}
	}

	g, err := p.generate(ctx, stageGenerate, BuildPrompt(ex.Question, r.contexts))
	if err != nil {
		return Result{}, &ExampleError{SampleID: ex.SampleID, Stage: stageGenerate, Err: err}
	}

	f := p.format(g.raw, r)

	v, err := p.verify(ctx, ex.Question, f.answer, r)
	if err != nil {
		return Result{}, &ExampleError{SampleID: ex.SampleID, Stage: "verify", Err: err}
	}

	ref, err := p.refine(ctx, ex, r, f, v)
	if err != nil {
		return Result{}, &ExampleError{SampleID: ex.SampleID, Stage: stageRefine, Err: err}
	}

	return p.assemble(ex, r, g, f, v, ref), nil
}

func (p *Pipeline) retrieve(ctx context.Context, ex dataset.QAExample) (retrieved, error) {
	candidates := p.index.Lookup(p.corpus.ForSample(ex.SampleID))
	if len(candidates) == 0 {
		return retrieved{}, ErrNoCandidates
	}

	encoded, err := p.encoder.Encode(ctx, []string{ex.Question})
	if err != nil {
		return retrieved{}, fmt.Errorf("encoding question: %w", err)
	}
	if len(encoded) != 1 {
		return retrieved{}, fmt.Errorf("encoder returned %d matrices for one question", len(encoded))
	}

	ranking, err := p.scorer.Score(encoded[0], candidates, retrieval.Options{
		TopK:           p.opts.TopK,
		WithAlignment:  p.opts.StoreTokenMatches,
		AlignmentWidth: p.opts.TopTokenPairs,
	})
	if err != nil {
		return retrieved{}, fmt.Errorf("scoring candidates: %w", err)
	}
	if len(ranking.Ranked) == 0 {
		return retrieved{}, ErrNoCandidates
	}

	r := retrieved{ranking: ranking}
	for _, rd := range ranking.Ranked {
		doc, ok := p.corpus.Get(rd.DocID)
		if !ok {
			return retrieved{}, fmt.Errorf("ranked document %s missing from corpus", rd.DocID)
		}
		r.docs = append(r.docs, doc)
		r.contexts = append(r.contexts, doc.Title+": "+doc.Text)
		r.texts = append(r.texts, doc.Text)
	}

	slog.Debug("retrieved documents", "sample_id", ex.SampleID, "candidates", len(candidates), "ranked", len(r.docs))
	return r, nil
}

func (p *Pipeline) generate(ctx context.Context, stage, prompt string) (generated, error) {
	start := time.Now()
	raw, err := p.gen.Generate(ctx, prompt, p.opts.Generate)
	p.metrics.GeneratorCall(stage, err, time.Since(start))
	if err != nil {
		return generated{}, fmt.Errorf("%w: %w", ErrGenerator, err)
	}
	return generated{prompt: prompt, raw: raw}, nil
}

// format canonicalizes raw, falling back to the trimmed raw text.
func (p *Pipeline) format(raw string, r retrieved) formatted {
	answer, meta := format.Format(p.opts.Kind, raw, r.texts)
	if answer == "" {
		answer = strings.TrimSpace(raw)
	}
	return formatted{answer: answer, meta: meta}
}

func (p *Pipeline) verify(ctx context.Context, question, answer string, r retrieved) (verified, error) {
	if p.verifier == nil {
		return nil, nil
	}
	v, err := p.verifier.Verify(ctx, question, answer, r.passages())
	p.metrics.VerifierCall(err)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// refineReason decides whether the first answer gets a second attempt. An
// answer that already meets both conditions is left untouched.
func (p *Pipeline) refineReason(f formatted, v verified) string {
	if !p.opts.Refine {
		return ""
	}
	if p.opts.Kind == format.KindClosedLabel && !format.IsLabel(f.answer) {
		return ReasonTemplateFix
	}
	if v != nil && v.Score < p.opts.RefineThreshold {
		return ReasonVerifierLow
	}
	return ""
}

func (p *Pipeline) refine(ctx context.Context, ex dataset.QAExample, r retrieved, f formatted, v verified) (refined, error) {
	reason := p.refineReason(f, v)
	if reason == "" {
		return refined{}, nil
	}
	p.metrics.Refinement(reason)

	prompt := BuildRefinePrompt(p.opts.Kind, ex.Question, r.texts)
	g, err := p.generate(ctx, stageRefine, prompt)
	if err != nil {
		return refined{}, err
	}

	out := refined{reason: reason, prompt: prompt, raw: g.raw, answer: p.format(g.raw, r)}
	if out.answer.answer == "" {
		slog.Debug("refinement produced no answer", "sample_id", ex.SampleID, "reason", reason)
		return out, nil
	}
	out.applied = true

	out.check, err = p.verify(ctx, ex.Question, out.answer.answer, r)
	if err != nil {
		return refined{}, err
	}
	slog.Debug("answer refined", "sample_id", ex.SampleID, "reason", reason)
	return out, nil
}

func (p *Pipeline) assemble(ex dataset.QAExample, r retrieved, g generated, f formatted, v verified, ref refined) Result {
	final, check := f, v
	if ref.applied {
		final, check = ref.answer, ref.check
	}

	scores := metrics.Compute(final.answer, ex.Answer, r.ranking.IDs(), ex.SupportingDocIDs, p.opts.TopK)

	res := Result{
		SampleID:              ex.SampleID,
		Question:              ex.Question,
		Answer:                ex.Answer,
		InitialAnswer:         g.raw,
		LLMAnswer:             final.answer,
		SupportingDocIDs:      append([]string{}, ex.SupportingDocIDs...),
		TopDocs:               p.topDocs(r),
		EM:                    scores.EM,
		F1:                    scores.F1,
		HitAtK:                scores.HitAtK,
		MRR:                   scores.MRR,
		VerifierSupportedDocs: []string{},
		AnswerContainsGold:    analysis.ContainsGold(final.answer, ex.Answer),
		BinaryChoice:          analysis.DetectBinaryChoice(ex.Question),
		AnswerInContext:       analysis.AnswerInContext(final.answer, r.analysisDocs()),
		QuestionTokens:        append([]string{}, r.ranking.QueryTokens...),
		Formatting:            final.meta,
		FormattingStrategy:    final.meta.Strategy,
		RefinementApplied:     ref.applied,
		FailureTags:           []analysis.Tag{},
	}

	if v != nil {
		initial := v.Score
		res.InitialVerifierScore = &initial
	}
	if check != nil {
		score, threshold := check.Score, check.Threshold
		res.VerifierScore = &score
		res.VerifierThreshold = &threshold
		res.VerifierSupportedDocs = append(res.VerifierSupportedDocs, check.SupportedDocIDs...)
	}

	if ref.applied {
		res.RefinementReason = ref.reason
		res.Refinement = &Refinement{
			Reason:        ref.reason,
			Prompt:        ref.prompt,
			InitialAnswer: g.raw,
			Formatting:    ref.answer.meta,
		}
	}

	if p.engine != nil {
		rec := analysis.Record{
			Answer:             res.LLMAnswer,
			Gold:               res.Answer,
			VerifierScore:      res.VerifierScore,
			AnswerContainsGold: res.AnswerContainsGold,
			BinaryChoice:       res.BinaryChoice,
			AnswerInContext:    res.AnswerInContext,
		}
		if res.VerifierThreshold != nil {
			rec.VerifierThreshold = *res.VerifierThreshold
		}
		res.FailureTags = p.engine.Analyze(rec)
	}
	return res
}

func (p *Pipeline) topDocs(r retrieved) []TopDoc {
	out := make([]TopDoc, len(r.docs))
	for i, doc := range r.docs {
		rd := r.ranking.Ranked[i]
		out[i] = TopDoc{
			DocID:        rd.DocID,
			Score:        rd.Score,
			Title:        doc.Title,
			IsSupporting: doc.IsSupporting,
			Text:         doc.Text,
		}
		if p.opts.StoreTokenMatches && len(rd.Alignment) > 0 {
			out[i].TokenMatches = append([]retrieval.TokenPair(nil), rd.Alignment...)
		}
	}
	return out
}
