// Package verifier checks generated answers against retrieved evidence with
// an entailment oracle.
package verifier

import (
	"context"
	"errors"
	"fmt"
)

// DefaultThreshold is the support probability at which a passage counts as
// supporting the answer.
const DefaultThreshold = 0.5

// ErrUnparseableScore is returned when an oracle reply carries no usable
// probability.
var ErrUnparseableScore = errors.New("unparseable support score")

// Pair is one premise/hypothesis input to an oracle.
type Pair struct {
	Premise    string
	Hypothesis string
}

// Oracle scores how strongly each premise entails its hypothesis. The result
// is index-aligned with pairs and every value lies in [0,1].
type Oracle interface {
	Support(ctx context.Context, pairs []Pair) ([]float64, error)
}

// Passage is a ranked piece of evidence.
type Passage struct {
	DocID string
	Text  string
}

// Verification is the outcome of checking one answer.
type Verification struct {
	Score           float64
	Threshold       float64
	SupportedDocIDs []string
}

// Verifier turns an answer into an entailment hypothesis and scores it
// against each passage independently.
type Verifier struct {
	oracle    Oracle
	threshold float64
}

// New creates a verifier. A negative threshold uses DefaultThreshold; zero
// is kept and counts every passage as supported.
func New(oracle Oracle, threshold float64) *Verifier {
	if threshold < 0 {
		threshold = DefaultThreshold
	}
	return &Verifier{oracle: oracle, threshold: threshold}
}

// Threshold returns the support threshold.
func (v *Verifier) Threshold() float64 {
	return v.threshold
}

// Hypothesis renders the statement checked against evidence. An empty answer
// falls back to the question itself.
func Hypothesis(question, answer string) string {
	if answer == "" {
		return question
	}
	return fmt.Sprintf("For the question '%s', the correct answer is %s.", question, answer)
}

// Verify scores answer against passages. The score is the maximum support
// over passages (0 with no passages); supported ids keep passage order.
func (v *Verifier) Verify(ctx context.Context, question, answer string, passages []Passage) (Verification, error) {
	out := Verification{Threshold: v.threshold, SupportedDocIDs: []string{}}
	if len(passages) == 0 {
		return out, nil
	}

	hypothesis := Hypothesis(question, answer)
	pairs := make([]Pair, len(passages))
	for i, p := range passages {
		pairs[i] = Pair{Premise: p.Text, Hypothesis: hypothesis}
	}

	support, err := v.oracle.Support(ctx, pairs)
	if err != nil {
		return Verification{}, fmt.Errorf("scoring support: %w", err)
	}
	if len(support) != len(passages) {
		return Verification{}, fmt.Errorf("oracle returned %d scores for %d passages", len(support), len(passages))
	}

	for i, s := range support {
		if i == 0 || s > out.Score {
			out.Score = s
		}
		if s >= v.threshold {
			out.SupportedDocIDs = append(out.SupportedDocIDs, passages[i].DocID)
		}
	}
	return out, nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
