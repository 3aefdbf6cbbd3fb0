// Package embedder provides token-level text encoders for late-interaction
// retrieval, backed by external embedding servers.
package embedder

import (
	"context"
	"fmt"

	"github.com/knoguchi/rageval/internal/retrieval"
)

const (
	// DefaultMaxLength is the default per-text token cap.
	DefaultMaxLength = 256

	// ClassToken labels the pooled whole-text vector prepended by word-level
	// encoders.
	ClassToken = "[CLS]"
)

// Embedder produces one pooled vector per text.
type Embedder interface {
	// Embed generates an embedding vector for a single text input.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embedding vectors for multiple text inputs.
	// Returns a slice of embeddings in the same order as the input texts.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// ModelName returns the name of the embedding model being used.
	ModelName() string
}

// Config selects and parameterizes a token encoder.
type Config struct {
	Provider  string // "tei" or "ollama"
	BaseURL   string
	Model     string
	MaxLength int
	BatchSize int
}

// New builds the encoder named by cfg.Provider.
func New(cfg Config) (retrieval.Encoder, error) {
	switch cfg.Provider {
	case "", "tei":
		return NewTEIEncoder(TEIConfig{
			BaseURL:   cfg.BaseURL,
			MaxLength: cfg.MaxLength,
			BatchSize: cfg.BatchSize,
		}), nil
	case "ollama":
		return NewOllamaEncoder(NewOllamaEmbedder(OllamaConfig{
			BaseURL: cfg.BaseURL,
			Model:   cfg.Model,
		}), cfg.MaxLength), nil
	default:
		return nil, fmt.Errorf("unknown retriever provider %q", cfg.Provider)
	}
}
