package llm

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

// RateLimited paces calls to an underlying LLM with a token bucket shared by
// all goroutines using it.
type RateLimited struct {
	next    LLM
	limiter *rate.Limiter
}

// NewRateLimited wraps next so that at most rps calls start per second.
// A non-positive rps returns next unchanged.
func NewRateLimited(next LLM, rps float64) LLM {
	if rps <= 0 {
		return next
	}
	return &RateLimited{
		next:    next,
		limiter: rate.NewLimiter(rate.Limit(rps), 1),
	}
}

// Generate waits for a token, then delegates.
func (r *RateLimited) Generate(ctx context.Context, prompt string, opts GenerateOptions) (string, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limiter: %w", err)
	}
	return r.next.Generate(ctx, prompt, opts)
}

var _ LLM = (*RateLimited)(nil)
