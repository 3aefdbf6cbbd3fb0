package embedder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/knoguchi/rageval/internal/retrieval"
)

const (
	// DefaultTEIBaseURL is the default text-embeddings-inference endpoint.
	DefaultTEIBaseURL = "http://localhost:8080"

	// DefaultTEIBatchSize is the number of texts per request.
	DefaultTEIBatchSize = 16
)

// TEIConfig holds configuration for the TEI encoder.
type TEIConfig struct {
	BaseURL    string
	MaxLength  int
	BatchSize  int
	HTTPClient *http.Client
}

// TEIEncoder encodes texts with a text-embeddings-inference server. Token
// labels come from /tokenize and per-token hidden states from /embed_all.
type TEIEncoder struct {
	baseURL   string
	maxLength int
	batchSize int
	client    *http.Client
}

type teiTokenizeRequest struct {
	Inputs           []string `json:"inputs"`
	AddSpecialTokens bool     `json:"add_special_tokens"`
}

type teiToken struct {
	ID      int    `json:"id"`
	Text    string `json:"text"`
	Special bool   `json:"special"`
}

type teiEmbedRequest struct {
	Inputs   []string `json:"inputs"`
	Truncate bool     `json:"truncate"`
}

// NewTEIEncoder creates a TEI encoder.
func NewTEIEncoder(cfg TEIConfig) *TEIEncoder {
	baseURL := strings.TrimSuffix(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultTEIBaseURL
	}
	maxLength := cfg.MaxLength
	if maxLength <= 0 {
		maxLength = DefaultMaxLength
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultTEIBatchSize
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 2 * time.Minute}
	}
	return &TEIEncoder{
		baseURL:   baseURL,
		maxLength: maxLength,
		batchSize: batchSize,
		client:    client,
	}
}

// Encode implements retrieval.Encoder.
func (e *TEIEncoder) Encode(ctx context.Context, texts []string) ([]retrieval.TokenMatrix, error) {
	out := make([]retrieval.TokenMatrix, 0, len(texts))
	for lo := 0; lo < len(texts); lo += e.batchSize {
		hi := min(lo+e.batchSize, len(texts))
		batch, err := e.encodeBatch(ctx, texts[lo:hi])
		if err != nil {
			return nil, err
		}
		out = append(out, batch...)
	}
	return out, nil
}

func (e *TEIEncoder) encodeBatch(ctx context.Context, texts []string) ([]retrieval.TokenMatrix, error) {
	var tokens [][]teiToken
	if err := e.post(ctx, "/tokenize", teiTokenizeRequest{Inputs: texts, AddSpecialTokens: true}, &tokens); err != nil {
		return nil, fmt.Errorf("tokenizing: %w", err)
	}
	var hidden [][][]float32
	if err := e.post(ctx, "/embed_all", teiEmbedRequest{Inputs: texts, Truncate: true}, &hidden); err != nil {
		return nil, fmt.Errorf("embedding tokens: %w", err)
	}
	if len(tokens) != len(texts) || len(hidden) != len(texts) {
		return nil, fmt.Errorf("tei returned %d token lists and %d embeddings for %d texts",
			len(tokens), len(hidden), len(texts))
	}

	out := make([]retrieval.TokenMatrix, len(texts))
	for i := range texts {
		n := min(len(tokens[i]), e.maxLength)
		if len(hidden[i]) < n {
			return nil, fmt.Errorf("text %d: %d token labels but %d vectors", i, n, len(hidden[i]))
		}
		labels := make([]string, n)
		for j := 0; j < n; j++ {
			labels[j] = tokens[i][j].Text
		}
		m, err := retrieval.NewTokenMatrix("", labels, hidden[i][:n], nil)
		if err != nil {
			return nil, fmt.Errorf("text %d: %w", i, err)
		}
		out[i] = m
	}
	return out, nil
}

func (e *TEIEncoder) post(ctx context.Context, path string, body, into any) error {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshaling request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+path, bytes.NewReader(jsonBody))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("tei API error (status %d): %s", resp.StatusCode, string(b))
	}
	if err := json.NewDecoder(resp.Body).Decode(into); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

var _ retrieval.Encoder = (*TEIEncoder)(nil)
