// Package metrics computes per-example answer and retrieval metrics and
// batch-level summaries.
package metrics

import (
	"math"
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"
)

var wordPattern = regexp.MustCompile(`[\p{L}\p{N}_]+`)

// Metric names used in summaries and payloads.
const (
	NameEM     = "em"
	NameF1     = "f1"
	NameHitAtK = "hit_at_k"
	NameMRR    = "mrr"
)

// Names lists the per-example metrics in reporting order.
var Names = []string{NameEM, NameF1, NameHitAtK, NameMRR}

// Normalize lowercases text, strips punctuation and collapses whitespace.
func Normalize(text string) string {
	return strings.Join(Words(text), " ")
}

// Words returns the normalized word tokens of text.
func Words(text string) []string {
	return wordPattern.FindAllString(strings.ToLower(norm.NFKC.String(text)), -1)
}

// ExactMatch returns 1 when prediction and gold are equal after normalization.
func ExactMatch(prediction, gold string) float64 {
	if Normalize(prediction) == Normalize(gold) {
		return 1
	}
	return 0
}

// F1 computes token-level F1 over the multiset intersection of normalized words.
func F1(prediction, gold string) float64 {
	predTokens := Words(prediction)
	goldTokens := Words(gold)

	if len(predTokens) == 0 && len(goldTokens) == 0 {
		return 1
	}
	if len(predTokens) == 0 || len(goldTokens) == 0 {
		return 0
	}

	goldCounts := make(map[string]int, len(goldTokens))
	for _, tok := range goldTokens {
		goldCounts[tok]++
	}
	shared := 0
	for _, tok := range predTokens {
		if goldCounts[tok] > 0 {
			goldCounts[tok]--
			shared++
		}
	}
	if shared == 0 {
		return 0
	}

	precision := float64(shared) / float64(len(predTokens))
	recall := float64(shared) / float64(len(goldTokens))
	return 2 * precision * recall / (precision + recall)
}

// HitAtK returns 1 when any gold id appears within the first k retrieved ids.
func HitAtK(retrieved, gold []string, k int) float64 {
	if k > len(retrieved) {
		k = len(retrieved)
	}
	if k <= 0 {
		return 0
	}
	goldSet := toSet(gold)
	for _, id := range retrieved[:k] {
		if _, ok := goldSet[id]; ok {
			return 1
		}
	}
	return 0
}

// MRR returns the reciprocal 1-based rank of the first gold id in retrieved.
func MRR(retrieved, gold []string) float64 {
	goldSet := toSet(gold)
	for idx, id := range retrieved {
		if _, ok := goldSet[id]; ok {
			return 1.0 / float64(idx+1)
		}
	}
	return 0
}

// Stat is the mean and population standard deviation of a metric.
type Stat struct {
	Mean float64 `json:"mean"`
	Std  float64 `json:"std"`
}

// Aggregate returns the mean and population standard deviation of values.
// An empty slice yields zeros.
func Aggregate(values []float64) Stat {
	if len(values) == 0 {
		return Stat{}
	}
	n := float64(len(values))
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / n
	var sq float64
	for _, v := range values {
		d := v - mean
		sq += d * d
	}
	return Stat{Mean: mean, Std: math.Sqrt(sq / n)}
}

// Scores holds the per-example metric values.
type Scores struct {
	EM     float64
	F1     float64
	HitAtK float64
	MRR    float64
}

// Compute scores one example.
func Compute(prediction, gold string, retrieved, supporting []string, k int) Scores {
	return Scores{
		EM:     ExactMatch(prediction, gold),
		F1:     F1(prediction, gold),
		HitAtK: HitAtK(retrieved, supporting, k),
		MRR:    MRR(retrieved, supporting),
	}
}

// Summary maps metric names to their batch statistics.
type Summary map[string]Stat

// Summarize aggregates every metric over all examples.
func Summarize(scores []Scores) Summary {
	em := make([]float64, len(scores))
	f1 := make([]float64, len(scores))
	hit := make([]float64, len(scores))
	mrr := make([]float64, len(scores))
	for i, s := range scores {
		em[i] = s.EM
		f1[i] = s.F1
		hit[i] = s.HitAtK
		mrr[i] = s.MRR
	}
	return Summary{
		NameEM:     Aggregate(em),
		NameF1:     Aggregate(f1),
		NameHitAtK: Aggregate(hit),
		NameMRR:    Aggregate(mrr),
	}
}

func toSet(ids []string) map[string]struct{} {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}
