package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// DefaultBatchSize is the number of texts sent to the encoder per call.
const DefaultBatchSize = 16

// Entry is one text to index.
type Entry struct {
	ID   string
	Text string
}

// Index is an arena of document token matrices built once per run. It is
// read-only after BuildIndex returns and safe for concurrent readers.
type Index struct {
	matrices []TokenMatrix
	byID     map[string]int
}

// BuildIndex batch-encodes every entry. Entry ids must be unique.
func BuildIndex(ctx context.Context, enc Encoder, entries []Entry, batchSize int) (*Index, error) {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	start := time.Now()

	idx := &Index{
		matrices: make([]TokenMatrix, 0, len(entries)),
		byID:     make(map[string]int, len(entries)),
	}

	for lo := 0; lo < len(entries); lo += batchSize {
		hi := min(lo+batchSize, len(entries))
		batch := entries[lo:hi]

		texts := make([]string, len(batch))
		for i, e := range batch {
			texts[i] = e.Text
		}

		encoded, err := enc.Encode(ctx, texts)
		if err != nil {
			return nil, fmt.Errorf("encoding documents %d-%d: %w", lo, hi-1, err)
		}
		if len(encoded) != len(batch) {
			return nil, fmt.Errorf("encoder returned %d matrices for %d documents", len(encoded), len(batch))
		}

		for i, m := range encoded {
			id := batch[i].ID
			if _, dup := idx.byID[id]; dup {
				return nil, fmt.Errorf("duplicate document id %q", id)
			}
			m.EntityID = id
			idx.byID[id] = len(idx.matrices)
			idx.matrices = append(idx.matrices, m)
		}
	}

	slog.Debug("built document index", "documents", len(idx.matrices), "duration", time.Since(start))
	return idx, nil
}

// Get returns the matrix for a document id.
func (idx *Index) Get(id string) (TokenMatrix, bool) {
	i, ok := idx.byID[id]
	if !ok {
		return TokenMatrix{}, false
	}
	return idx.matrices[i], true
}

// Lookup returns the matrices for ids that are present, in the given order.
func (idx *Index) Lookup(ids []string) []TokenMatrix {
	out := make([]TokenMatrix, 0, len(ids))
	for _, id := range ids {
		if m, ok := idx.Get(id); ok {
			out = append(out, m)
		}
	}
	return out
}

// Len returns the number of indexed documents.
func (idx *Index) Len() int {
	return len(idx.matrices)
}
