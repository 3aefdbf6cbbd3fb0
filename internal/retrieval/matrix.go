// Package retrieval implements late-interaction relevance scoring between a
// query and a small set of candidate documents.
//
// Each text is represented as a TokenMatrix: one unit-norm vector per token
// plus a validity mask. A document's relevance is the sum, over valid query
// tokens, of the best cosine similarity to any valid document token (max-sim).
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"math"
)

// ErrShapeMismatch is returned when token labels, vectors and mask disagree
// in length or when vectors do not share a dimension.
var ErrShapeMismatch = errors.New("token matrix shape mismatch")

// TokenMatrix holds per-token embeddings for one text.
type TokenMatrix struct {
	EntityID string
	Tokens   []string
	Vectors  [][]float32
	Valid    []bool
}

// NewTokenMatrix validates the shape of the inputs and L2-normalizes every
// vector. A nil valid mask marks every token as valid.
func NewTokenMatrix(entityID string, tokens []string, vectors [][]float32, valid []bool) (TokenMatrix, error) {
	if valid == nil {
		valid = make([]bool, len(tokens))
		for i := range valid {
			valid[i] = true
		}
	}
	if len(tokens) != len(vectors) || len(tokens) != len(valid) {
		return TokenMatrix{}, fmt.Errorf("%w: %d tokens, %d vectors, %d mask entries",
			ErrShapeMismatch, len(tokens), len(vectors), len(valid))
	}

	dim := -1
	normalized := make([][]float32, len(vectors))
	for i, vec := range vectors {
		if dim < 0 {
			dim = len(vec)
		} else if len(vec) != dim {
			return TokenMatrix{}, fmt.Errorf("%w: vector %d has dimension %d, want %d",
				ErrShapeMismatch, i, len(vec), dim)
		}
		normalized[i] = normalize(vec)
	}

	return TokenMatrix{
		EntityID: entityID,
		Tokens:   append([]string(nil), tokens...),
		Vectors:  normalized,
		Valid:    append([]bool(nil), valid...),
	}, nil
}

// Len returns the number of token positions, padding included.
func (m TokenMatrix) Len() int {
	return len(m.Tokens)
}

// Dim returns the embedding dimension, or 0 for an empty matrix.
func (m TokenMatrix) Dim() int {
	if len(m.Vectors) == 0 {
		return 0
	}
	return len(m.Vectors[0])
}

// ValidCount returns the number of non-padding tokens.
func (m TokenMatrix) ValidCount() int {
	n := 0
	for _, ok := range m.Valid {
		if ok {
			n++
		}
	}
	return n
}

// ValidTokens returns the labels of non-padding tokens in order.
func (m TokenMatrix) ValidTokens() []string {
	out := make([]string, 0, len(m.Tokens))
	for i, tok := range m.Tokens {
		if m.Valid[i] {
			out = append(out, tok)
		}
	}
	return out
}

// Encoder turns texts into token matrices sharing one embedding space.
// Implementations may batch or parallelize internally; the returned slice is
// index-aligned with texts.
type Encoder interface {
	Encode(ctx context.Context, texts []string) ([]TokenMatrix, error)
}

func normalize(vec []float32) []float32 {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	out := make([]float32, len(vec))
	if sum == 0 {
		return out
	}
	inv := 1 / math.Sqrt(sum)
	for i, v := range vec {
		out[i] = float32(float64(v) * inv)
	}
	return out
}

func dot(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}
