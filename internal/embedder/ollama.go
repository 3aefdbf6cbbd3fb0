package embedder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/knoguchi/rageval/internal/retrieval"
)

const (
	// DefaultOllamaBaseURL is the default Ollama API base URL.
	DefaultOllamaBaseURL = "http://localhost:11434"

	// DefaultOllamaModel is the default embedding model.
	DefaultOllamaModel = "nomic-embed-text"

	// DefaultBatchConcurrency is the default number of concurrent embedding requests.
	DefaultBatchConcurrency = 4
)

// OllamaConfig holds configuration for the Ollama embedder.
type OllamaConfig struct {
	// BaseURL is the Ollama API base URL (default: http://localhost:11434).
	BaseURL string

	// Model is the embedding model to use (default: nomic-embed-text).
	Model string

	// BatchConcurrency is the number of concurrent requests for batch embedding.
	BatchConcurrency int

	// HTTPClient is an optional custom HTTP client.
	HTTPClient *http.Client
}

// OllamaEmbedder implements the Embedder interface using Ollama's API.
type OllamaEmbedder struct {
	baseURL          string
	model            string
	batchConcurrency int
	client           *http.Client
}

type ollamaRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type ollamaResponse struct {
	Embedding []float64 `json:"embedding"`
}

// NewOllamaEmbedder creates a new Ollama embedder with the given configuration.
func NewOllamaEmbedder(cfg OllamaConfig) *OllamaEmbedder {
	baseURL := strings.TrimSuffix(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultOllamaBaseURL
	}

	model := cfg.Model
	if model == "" {
		model = DefaultOllamaModel
	}

	batchConcurrency := cfg.BatchConcurrency
	if batchConcurrency <= 0 {
		batchConcurrency = DefaultBatchConcurrency
	}

	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 2 * time.Minute}
	}

	return &OllamaEmbedder{
		baseURL:          baseURL,
		model:            model,
		batchConcurrency: batchConcurrency,
		client:           client,
	}
}

// Embed generates an embedding vector for a single text input.
func (e *OllamaEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	jsonBody, err := json.Marshal(ollamaRequest{Model: e.model, Prompt: text})
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/api/embeddings", bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("ollama API error (status %d): %s", resp.StatusCode, string(body))
	}

	var ollamaResp ollamaResponse
	if err := json.NewDecoder(resp.Body).Decode(&ollamaResp); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	if len(ollamaResp.Embedding) == 0 {
		return nil, fmt.Errorf("empty embedding returned from Ollama")
	}

	embedding := make([]float32, len(ollamaResp.Embedding))
	for i, v := range ollamaResp.Embedding {
		embedding[i] = float32(v)
	}
	return embedding, nil
}

// EmbedBatch embeds texts with at most BatchConcurrency requests in flight.
// The first failure cancels the remaining requests.
func (e *OllamaEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	results := make([][]float32, len(texts))
	if len(texts) == 0 {
		return results, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.batchConcurrency)
	for i, text := range texts {
		g.Go(func() error {
			embedding, err := e.Embed(gctx, text)
			if err != nil {
				return fmt.Errorf("embedding text at index %d: %w", i, err)
			}
			results[i] = embedding
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// ModelName returns the name of the embedding model being used.
func (e *OllamaEmbedder) ModelName() string {
	return e.model
}

// OllamaEncoder builds word-level token matrices from a pooled embedder.
// Every distinct lowercase word is embedded once and cached for the life of
// the encoder; a leading [CLS] row holds the embedding of the whole text.
type OllamaEncoder struct {
	embedder  Embedder
	maxLength int

	mu    sync.RWMutex
	cache map[string][]float32
}

// NewOllamaEncoder wraps an Embedder. maxLength counts the [CLS] row.
func NewOllamaEncoder(e Embedder, maxLength int) *OllamaEncoder {
	if maxLength <= 1 {
		maxLength = DefaultMaxLength
	}
	return &OllamaEncoder{
		embedder:  e,
		maxLength: maxLength,
		cache:     make(map[string][]float32),
	}
}

// Encode implements retrieval.Encoder.
func (o *OllamaEncoder) Encode(ctx context.Context, texts []string) ([]retrieval.TokenMatrix, error) {
	words := make([][]string, len(texts))
	var pending []string
	seen := make(map[string]bool)

	o.mu.RLock()
	for i, text := range texts {
		words[i] = Words(text, o.maxLength-1)
		for _, w := range words[i] {
			if _, ok := o.cache[w]; !ok && !seen[w] {
				seen[w] = true
				pending = append(pending, w)
			}
		}
	}
	o.mu.RUnlock()

	if len(pending) > 0 {
		vecs, err := o.embedder.EmbedBatch(ctx, pending)
		if err != nil {
			return nil, fmt.Errorf("embedding %d words: %w", len(pending), err)
		}
		o.mu.Lock()
		for i, w := range pending {
			o.cache[w] = vecs[i]
		}
		o.mu.Unlock()
	}

	// Whole-text vectors for every non-empty text.
	var full []string
	fullIdx := make([]int, len(texts))
	for i, text := range texts {
		fullIdx[i] = -1
		if len(words[i]) > 0 {
			fullIdx[i] = len(full)
			full = append(full, text)
		}
	}
	pooled, err := o.embedder.EmbedBatch(ctx, full)
	if err != nil {
		return nil, fmt.Errorf("embedding %d texts: %w", len(full), err)
	}

	out := make([]retrieval.TokenMatrix, len(texts))
	o.mu.RLock()
	defer o.mu.RUnlock()
	for i := range texts {
		if fullIdx[i] < 0 {
			out[i] = retrieval.TokenMatrix{}
			continue
		}
		tokens := make([]string, 0, len(words[i])+1)
		vectors := make([][]float32, 0, len(words[i])+1)
		tokens = append(tokens, ClassToken)
		vectors = append(vectors, pooled[fullIdx[i]])
		for _, w := range words[i] {
			tokens = append(tokens, w)
			vectors = append(vectors, o.cache[w])
		}
		m, err := retrieval.NewTokenMatrix("", tokens, vectors, nil)
		if err != nil {
			return nil, fmt.Errorf("building token matrix for text %d: %w", i, err)
		}
		out[i] = m
	}
	return out, nil
}

// Ensure implementations satisfy their interfaces.
var (
	_ Embedder          = (*OllamaEmbedder)(nil)
	_ retrieval.Encoder = (*OllamaEncoder)(nil)
)
