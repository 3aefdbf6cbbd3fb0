// Package llm provides interfaces and implementations for Large Language Model clients.
package llm

import (
	"context"
	"fmt"
	"net/http"
)

// GenerateOptions configures the LLM generation request.
type GenerateOptions struct {
	// Model specifies the LLM model to use (e.g., "llama3.2", "gpt-4o-mini").
	Model string

	// SystemPrompt sets the system-level instructions for the model.
	SystemPrompt string

	// Temperature controls randomness in generation (0.0 = deterministic, 1.0 = creative).
	Temperature float32

	// TopP is the nucleus sampling cutoff. Zero leaves the server default.
	TopP float32

	// MaxTokens limits the maximum number of tokens in the response.
	MaxTokens int
}

// APIError is a non-success response from a generation endpoint.
type APIError struct {
	Provider   string
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s API error (status %d): %s", e.Provider, e.StatusCode, e.Message)
}

// Retryable reports whether the request may succeed if sent again.
func (e *APIError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= http.StatusInternalServerError
}

// LLM defines the interface for Large Language Model clients.
type LLM interface {
	// Generate sends a prompt to the LLM and returns the complete response.
	// It blocks until the full response is received or an error occurs.
	// Failures are returned as-is; callers decide whether to retry.
	Generate(ctx context.Context, prompt string, opts GenerateOptions) (string, error)
}

// Config selects and parameterizes a generator.
type Config struct {
	Provider          string // "ollama" or "openai"
	BaseURL           string
	APIKey            string
	Model             string
	RequestsPerSecond float64
}

// New builds the generator named by cfg.Provider, wrapped in a rate limiter
// when cfg.RequestsPerSecond is positive.
func New(cfg Config) (LLM, error) {
	var client LLM
	switch cfg.Provider {
	case "", "ollama":
		opts := []OllamaOption{WithModel(cfg.Model)}
		if cfg.BaseURL != "" {
			opts = append(opts, WithBaseURL(cfg.BaseURL))
		}
		client = NewOllamaClient(opts...)
	case "openai":
		client = NewOpenAIClient(OpenAIConfig{
			APIKey:  cfg.APIKey,
			BaseURL: cfg.BaseURL,
			Model:   cfg.Model,
		})
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
	return NewRateLimited(client, cfg.RequestsPerSecond), nil
}
