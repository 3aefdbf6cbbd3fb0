package embedder

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
)

func TestWords(t *testing.T) {
	tests := []struct {
		name  string
		text  string
		limit int
		want  []string
	}{
		{"lowercase and punctuation", "Paris, France!", 0, []string{"paris", "france"}},
		{"limit", "a b c d", 2, []string{"a", "b"}},
		{"empty", "  ", 3, nil},
		{"underscore and digits", "snake_case 42", 0, []string{"snake_case", "42"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Words(tt.text, tt.limit); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Words(%q) = %v, want %v", tt.text, got, tt.want)
			}
		})
	}
}

func newOllamaServer(t *testing.T, calls *sync.Map) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/embeddings" {
			http.NotFound(w, r)
			return
		}
		var req ollamaRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		n, _ := calls.LoadOrStore(req.Prompt, new(atomic.Int64))
		n.(*atomic.Int64).Add(1)
		// Deterministic two-dimensional vector from the prompt length.
		json.NewEncoder(w).Encode(ollamaResponse{Embedding: []float64{float64(len(req.Prompt)), 1}})
	}))
}

func TestOllamaEmbedder_EmbedBatch(t *testing.T) {
	var calls sync.Map
	srv := newOllamaServer(t, &calls)
	defer srv.Close()

	e := NewOllamaEmbedder(OllamaConfig{BaseURL: srv.URL, BatchConcurrency: 2})
	vecs, err := e.EmbedBatch(context.Background(), []string{"a", "bbb", "cc"})
	if err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}
	for i, want := range []float32{1, 3, 2} {
		if vecs[i][0] != want {
			t.Errorf("vecs[%d][0] = %v, want %v", i, vecs[i][0], want)
		}
	}
	if e.ModelName() != DefaultOllamaModel {
		t.Errorf("ModelName = %q", e.ModelName())
	}
}

func TestOllamaEmbedder_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer srv.Close()

	e := NewOllamaEmbedder(OllamaConfig{BaseURL: srv.URL})
	_, err := e.Embed(context.Background(), "x")
	if err == nil || !strings.Contains(err.Error(), "status 404") {
		t.Errorf("expected status error, got %v", err)
	}
}

func TestOllamaEncoder_Encode(t *testing.T) {
	var calls sync.Map
	srv := newOllamaServer(t, &calls)
	defer srv.Close()

	enc := NewOllamaEncoder(NewOllamaEmbedder(OllamaConfig{BaseURL: srv.URL}), 3)
	got, err := enc.Encode(context.Background(), []string{"Paris is nice", "paris", ""})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d matrices", len(got))
	}
	if want := []string{ClassToken, "paris", "is"}; !reflect.DeepEqual(got[0].Tokens, want) {
		t.Errorf("tokens[0] = %v, want %v", got[0].Tokens, want)
	}
	if got[2].ValidCount() != 0 {
		t.Errorf("empty text should have no valid tokens, got %d", got[2].ValidCount())
	}

	if _, err := enc.Encode(context.Background(), []string{"paris"}); err != nil {
		t.Fatal(err)
	}
	n, _ := calls.Load("paris")
	// One word embedding plus two whole-text embeddings of "paris".
	if got := n.(*atomic.Int64).Load(); got != 3 {
		t.Errorf("paris embedded %d times, want 3", got)
	}
}

func TestTEIEncoder_Encode(t *testing.T) {
	var batches int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/tokenize":
			batches++
			var req teiTokenizeRequest
			json.NewDecoder(r.Body).Decode(&req)
			if !req.AddSpecialTokens {
				t.Error("add_special_tokens not set")
			}
			out := make([][]teiToken, len(req.Inputs))
			for i, in := range req.Inputs {
				out[i] = append(out[i], teiToken{Text: "[CLS]", Special: true})
				for _, w := range strings.Fields(in) {
					out[i] = append(out[i], teiToken{Text: w})
				}
				out[i] = append(out[i], teiToken{Text: "[SEP]", Special: true})
			}
			json.NewEncoder(w).Encode(out)
		case "/embed_all":
			var req teiEmbedRequest
			json.NewDecoder(r.Body).Decode(&req)
			out := make([][][]float32, len(req.Inputs))
			for i, in := range req.Inputs {
				n := len(strings.Fields(in)) + 2
				for j := 0; j < n; j++ {
					out[i] = append(out[i], []float32{float32(j + 1), 0})
				}
			}
			json.NewEncoder(w).Encode(out)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	enc := NewTEIEncoder(TEIConfig{BaseURL: srv.URL, MaxLength: 3, BatchSize: 2})
	got, err := enc.Encode(context.Background(), []string{"eiffel tower paris", "louvre", "seine"})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if batches != 2 {
		t.Errorf("tokenize batches = %d, want 2", batches)
	}
	if want := []string{"[CLS]", "eiffel", "tower"}; !reflect.DeepEqual(got[0].Tokens, want) {
		t.Errorf("truncated tokens = %v, want %v", got[0].Tokens, want)
	}
	if want := []string{"[CLS]", "louvre", "[SEP]"}; !reflect.DeepEqual(got[1].Tokens, want) {
		t.Errorf("tokens[1] = %v, want %v", got[1].Tokens, want)
	}
	if got[0].Vectors[0][0] != 1 {
		t.Errorf("vectors should be unit norm, got %v", got[0].Vectors[0])
	}
}

func TestNew_UnknownProvider(t *testing.T) {
	if _, err := New(Config{Provider: "onnx"}); err == nil {
		t.Error("expected error for unknown provider")
	}
}
