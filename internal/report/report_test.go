package report

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/knoguchi/rageval/internal/analysis"
	"github.com/knoguchi/rageval/internal/config"
	"github.com/knoguchi/rageval/internal/metrics"
	"github.com/knoguchi/rageval/internal/pipeline"
	"github.com/knoguchi/rageval/internal/retrieval"
)

func ptr(v float64) *float64 { return &v }

func samplePayload() *pipeline.Payload {
	results := []pipeline.Result{
		{SampleID: "a", Question: "Capital of France?", Answer: "Paris", LLMAnswer: "Paris", F1: 1, EM: 1, HitAtK: 1, MRR: 1,
			TopDocs: []pipeline.TopDoc{{
				DocID: "a::Paris", Title: "Paris", Score: 6, IsSupporting: true,
				TokenMatches: []retrieval.TokenPair{{QueryToken: "france", DocToken: "france", Similarity: 1}},
			}},
			FailureTags: []analysis.Tag{}},
		{SampleID: "b", Answer: "Rome", LLMAnswer: "Milan", F1: 0,
			VerifierScore: ptr(0.12), VerifierThreshold: ptr(0.5),
			TopDocs: []pipeline.TopDoc{{DocID: "b::Milan", Title: "Milan", Score: 2}},
			FailureTags: []analysis.Tag{
				{Name: "missing_gold", Reason: "x"},
				{Name: "low_support", Reason: "y"},
			}},
		{SampleID: "c", Answer: "Oslo", LLMAnswer: "Bergen", F1: 0,
			FailureTags: []analysis.Tag{{Name: "missing_gold", Reason: "x"}}},
		{SampleID: "d", Answer: "Lima", LLMAnswer: "Lima, Peru", F1: 0.67, FailureTags: []analysis.Tag{}},
	}
	scores := make([]metrics.Scores, len(results))
	for i, r := range results {
		scores[i] = r.Scores()
	}
	return &pipeline.Payload{
		RunID:   "run-1",
		Config:  config.Experiment{ExperimentName: "unit"},
		Metrics: metrics.Summarize(scores),
		Results: results,
	}
}

func TestTagCounts(t *testing.T) {
	counts := TagCounts(Failures(samplePayload().Results))
	want := []TagCount{{"missing_gold", 2}, {"low_support", 1}}
	if len(counts) != len(want) {
		t.Fatalf("counts = %v", counts)
	}
	for i := range want {
		if counts[i] != want[i] {
			t.Errorf("counts[%d] = %v, want %v", i, counts[i], want[i])
		}
	}
}

func TestCaseStudies(t *testing.T) {
	cases := New(samplePayload()).CaseStudies()
	if len(cases) != 2 {
		t.Fatalf("cases = %d, want 2", len(cases))
	}
	if cases[0].Kind != KindSuccess || cases[0].Example.SampleID != "a" {
		t.Errorf("success = %s/%s", cases[0].Kind, cases[0].Example.SampleID)
	}
	// b and c tie at f1 0; the earlier one wins
	if cases[1].Kind != KindFailure || cases[1].Example.SampleID != "b" {
		t.Errorf("failure = %s/%s", cases[1].Kind, cases[1].Example.SampleID)
	}

	empty := New(&pipeline.Payload{}).CaseStudies()
	if len(empty) != 0 {
		t.Errorf("empty payload cases = %v", empty)
	}
}

func TestSummaryTable(t *testing.T) {
	var buf bytes.Buffer
	if err := New(samplePayload()).SummaryTable(&buf); err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if lines[0] != "Experiment: unit" || len(lines) != 6 {
		t.Fatalf("table:\n%s", buf.String())
	}
	if fields := strings.Fields(lines[2]); strings.Join(fields, " ") != "em 0.250 0.433" {
		t.Errorf("em row = %q", lines[2])
	}
}

func TestMarkdown(t *testing.T) {
	md := New(samplePayload()).Markdown()
	for _, want := range []string{
		"# Experiment Report: unit\n",
		"- **EM**: 0.250 ± 0.433\n",
		"## Failure Taxonomy\n- **missing_gold**: 2 cases (100% of failures)\n- **low_support**: 1 cases (50% of failures)\n",
		"### Success: Sample a\n",
		"  - ✅ Paris (score=6.00)\n    - Token matches: france→france (1.00)\n",
		"### Failure: Sample b\n",
		"**Verifier Score:** 0.12 (threshold 0.50)\n",
		"**Failure Tags:** missing_gold, low_support\n",
		"  - ⬜ Milan (score=2.00)\n",
	} {
		if !strings.Contains(md, want) {
			t.Errorf("markdown missing %q\n%s", want, md)
		}
	}
}

func TestMarkdown_UntaggedFailures(t *testing.T) {
	p := &pipeline.Payload{Results: []pipeline.Result{{SampleID: "x", F1: 0.1}}}
	md := New(p).Markdown()
	if !strings.Contains(md, "taxonomy not available (no tags recorded)") {
		t.Errorf("markdown:\n%s", md)
	}
}

func TestLoadAndWrite(t *testing.T) {
	dir := t.TempDir()
	payloadPath := filepath.Join(dir, pipeline.ResultsFile)
	if err := pipeline.WritePayload(payloadPath, samplePayload()); err != nil {
		t.Fatal(err)
	}

	r, err := Load(payloadPath)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if r.Payload().RunID != "run-1" {
		t.Errorf("run id = %q", r.Payload().RunID)
	}

	out := filepath.Join(dir, MarkdownFile)
	if err := r.WriteMarkdown(out); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != r.Markdown() {
		t.Error("written report differs from Markdown()")
	}

	if _, err := Load(filepath.Join(dir, "missing.json")); err == nil {
		t.Error("expected error for a missing payload")
	}
}
