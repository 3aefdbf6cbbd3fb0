package verifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// DefaultEntailmentLabel is the classifier label read as support.
const DefaultEntailmentLabel = "entailment"

// entailmentAliases are accepted when the configured label is absent.
var entailmentAliases = []string{"entailment", "entails", "yes"}

// TEIOracle scores pairs with a sequence-classification model served by
// text-embeddings-inference (POST /predict).
type TEIOracle struct {
	baseURL string
	label   string
	client  *http.Client
}

// TEIOption configures a TEIOracle.
type TEIOption func(*TEIOracle)

// WithEntailmentLabel sets the label whose probability is used.
func WithEntailmentLabel(label string) TEIOption {
	return func(o *TEIOracle) {
		if label != "" {
			o.label = label
		}
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) TEIOption {
	return func(o *TEIOracle) {
		o.client = client
	}
}

// NewTEIOracle creates a TEI-backed oracle.
func NewTEIOracle(baseURL string, opts ...TEIOption) *TEIOracle {
	o := &TEIOracle{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		label:   DefaultEntailmentLabel,
		client:  &http.Client{Timeout: 2 * time.Minute},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

type teiPredictRequest struct {
	Inputs    [][2]string `json:"inputs"`
	RawScores bool        `json:"raw_scores"`
	Truncate  bool        `json:"truncate"`
}

type teiPrediction struct {
	Score float64 `json:"score"`
	Label string  `json:"label"`
}

// Support implements Oracle.
func (o *TEIOracle) Support(ctx context.Context, pairs []Pair) ([]float64, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	inputs := make([][2]string, len(pairs))
	for i, p := range pairs {
		inputs[i] = [2]string{p.Premise, p.Hypothesis}
	}
	body, err := json.Marshal(teiPredictRequest{Inputs: inputs, Truncate: true})
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/predict", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("tei API error (status %d): %s", resp.StatusCode, string(b))
	}

	var preds [][]teiPrediction
	if err := json.NewDecoder(resp.Body).Decode(&preds); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	if len(preds) != len(pairs) {
		return nil, fmt.Errorf("tei returned %d predictions for %d pairs", len(preds), len(pairs))
	}

	out := make([]float64, len(pairs))
	for i, p := range preds {
		score, ok := o.entailment(p)
		if !ok {
			return nil, fmt.Errorf("%w: no %q label in prediction %d", ErrUnparseableScore, o.label, i)
		}
		out[i] = clamp01(score)
	}
	return out, nil
}

func (o *TEIOracle) entailment(preds []teiPrediction) (float64, bool) {
	for _, p := range preds {
		if strings.EqualFold(p.Label, o.label) {
			return p.Score, true
		}
	}
	for _, alias := range entailmentAliases {
		for _, p := range preds {
			if strings.EqualFold(p.Label, alias) {
				return p.Score, true
			}
		}
	}
	return 0, false
}

var _ Oracle = (*TEIOracle)(nil)
