package retrieval

import (
	"fmt"
	"math"
	"sort"
)

// boundaryTokens are sequence markers left out of alignment explanations.
var boundaryTokens = map[string]struct{}{
	"[CLS]": {},
	"[SEP]": {},
	"<s>":   {},
	"</s>":  {},
}

// TokenPair records the document token that best matched one query token.
type TokenPair struct {
	QueryToken string  `json:"query_token"`
	DocToken   string  `json:"doc_token"`
	Similarity float64 `json:"similarity"`
}

// RankedDocument is one scored document. Alignment is only populated when
// requested.
type RankedDocument struct {
	DocID     string
	Score     float64
	Alignment []TokenPair
}

// Options controls a scoring call.
type Options struct {
	TopK           int
	WithAlignment  bool
	AlignmentWidth int
}

// Ranking is the result of scoring a query against candidate documents.
type Ranking struct {
	Ranked      []RankedDocument
	QueryTokens []string
}

// IDs returns the ranked document ids in order.
func (r Ranking) IDs() []string {
	ids := make([]string, len(r.Ranked))
	for i, d := range r.Ranked {
		ids[i] = d.DocID
	}
	return ids
}

// Scorer computes late-interaction relevance.
type Scorer struct{}

// NewScorer creates a scorer.
func NewScorer() *Scorer {
	return &Scorer{}
}

// Score ranks docs against query by summed max-sim and keeps the top
// opts.TopK. Similarities are computed one document at a time and discarded
// after that document is scored. Ties keep the input order. Documents with
// no valid tokens are never ranked.
func (s *Scorer) Score(query TokenMatrix, docs []TokenMatrix, opts Options) (Ranking, error) {
	queryTokens := query.ValidTokens()
	queryVecs := make([][]float32, 0, len(queryTokens))
	for i, vec := range query.Vectors {
		if query.Valid[i] {
			queryVecs = append(queryVecs, vec)
		}
	}

	ranked := make([]RankedDocument, 0, len(docs))
	for _, doc := range docs {
		if doc.ValidCount() == 0 {
			continue
		}
		if len(queryVecs) > 0 && doc.Dim() != query.Dim() {
			return Ranking{}, fmt.Errorf("scoring %s: query dimension %d, document dimension %d",
				doc.EntityID, query.Dim(), doc.Dim())
		}

		maxSim, argMax := maxSimilarities(queryVecs, doc)
		var score float64
		for _, v := range maxSim {
			score += v
		}

		rd := RankedDocument{DocID: doc.EntityID, Score: score}
		if opts.WithAlignment {
			rd.Alignment = alignment(queryTokens, doc.Tokens, maxSim, argMax, opts.AlignmentWidth)
		}
		ranked = append(ranked, rd)
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Score > ranked[j].Score
	})
	if opts.TopK >= 0 && len(ranked) > opts.TopK {
		ranked = ranked[:opts.TopK]
	}

	return Ranking{Ranked: ranked, QueryTokens: queryTokens}, nil
}

// maxSimilarities returns, for every query vector, the highest similarity to a
// valid document token and that token's position. Padding positions act as
// negative infinity and are never chosen.
func maxSimilarities(queryVecs [][]float32, doc TokenMatrix) ([]float64, []int) {
	maxSim := make([]float64, len(queryVecs))
	argMax := make([]int, len(queryVecs))
	for qi, qv := range queryVecs {
		best := math.Inf(-1)
		bestIdx := -1
		for di, dv := range doc.Vectors {
			if !doc.Valid[di] {
				continue
			}
			if sim := dot(qv, dv); sim > best {
				best = sim
				bestIdx = di
			}
		}
		maxSim[qi] = best
		argMax[qi] = bestIdx
	}
	return maxSim, argMax
}

func alignment(queryTokens, docTokens []string, maxSim []float64, argMax []int, width int) []TokenPair {
	pairs := make([]TokenPair, 0, len(queryTokens))
	for i, qt := range queryTokens {
		if _, skip := boundaryTokens[qt]; skip {
			continue
		}
		pairs = append(pairs, TokenPair{
			QueryToken: qt,
			DocToken:   docTokens[argMax[i]],
			Similarity: maxSim[i],
		})
	}
	sort.SliceStable(pairs, func(i, j int) bool {
		return pairs[i].Similarity > pairs[j].Similarity
	})
	if width >= 0 && len(pairs) > width {
		pairs = pairs[:width]
	}
	return pairs
}
