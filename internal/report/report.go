// Package report renders summaries of a run payload for the console and as
// Markdown.
package report

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/knoguchi/rageval/internal/metrics"
	"github.com/knoguchi/rageval/internal/pipeline"
)

// FailureF1 is the token F1 under which a result counts as a failure.
const FailureF1 = 0.5

// MarkdownFile is the report file name inside the output directory.
const MarkdownFile = "report.md"

// Case study kinds.
const (
	KindSuccess = "success"
	KindFailure = "failure"
)

// Report renders one payload.
type Report struct {
	payload *pipeline.Payload
}

// CaseStudy is a highlighted result.
type CaseStudy struct {
	Kind    string
	Example pipeline.Result
}

// TagCount is how often a failure tag fired.
type TagCount struct {
	Name  string
	Count int
}

// New wraps a payload.
func New(p *pipeline.Payload) *Report {
	return &Report{payload: p}
}

// Load reads the payload at path.
func Load(path string) (*Report, error) {
	p, err := pipeline.ReadPayload(path)
	if err != nil {
		return nil, err
	}
	return New(p), nil
}

// Payload returns the underlying payload.
func (r *Report) Payload() *pipeline.Payload {
	return r.payload
}

// SummaryTable writes the aggregate metrics as an aligned table.
func (r *Report) SummaryTable(w io.Writer) error {
	if _, err := fmt.Fprintf(w, "Experiment: %s\n", r.payload.Config.ExperimentName); err != nil {
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "Metric\tMean\tStd")
	for _, name := range metrics.Names {
		stat := r.payload.Metrics[name]
		fmt.Fprintf(tw, "%s\t%.3f\t%.3f\n", name, stat.Mean, stat.Std)
	}
	return tw.Flush()
}

// Failures returns the results whose F1 is under FailureF1.
func Failures(results []pipeline.Result) []pipeline.Result {
	var out []pipeline.Result
	for _, res := range results {
		if res.F1 < FailureF1 {
			out = append(out, res)
		}
	}
	return out
}

// TagCounts counts failure tags, most frequent first. Equal counts keep the
// order in which tags first appear.
func TagCounts(results []pipeline.Result) []TagCount {
	var counts []TagCount
	pos := make(map[string]int)
	for _, res := range results {
		for _, tag := range res.FailureTags {
			i, ok := pos[tag.Name]
			if !ok {
				i = len(counts)
				pos[tag.Name] = i
				counts = append(counts, TagCount{Name: tag.Name})
			}
			counts[i].Count++
		}
	}
	sort.SliceStable(counts, func(i, j int) bool {
		return counts[i].Count > counts[j].Count
	})
	return counts
}

// CaseStudies picks the best success and the worst failure. Ties go to the
// earlier result.
func (r *Report) CaseStudies() []CaseStudy {
	var best, worst *pipeline.Result
	for i := range r.payload.Results {
		res := &r.payload.Results[i]
		if res.F1 >= FailureF1 {
			if best == nil || res.F1 > best.F1 {
				best = res
			}
		} else if worst == nil || res.F1 < worst.F1 {
			worst = res
		}
	}

	var cases []CaseStudy
	if best != nil {
		cases = append(cases, CaseStudy{Kind: KindSuccess, Example: *best})
	}
	if worst != nil {
		cases = append(cases, CaseStudy{Kind: KindFailure, Example: *worst})
	}
	return cases
}

// Markdown renders aggregate metrics, the failure taxonomy and case studies.
func (r *Report) Markdown() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# Experiment Report: %s\n", r.payload.Config.ExperimentName)

	sb.WriteString("\n## Aggregate Metrics\n")
	for _, name := range metrics.Names {
		stat := r.payload.Metrics[name]
		fmt.Fprintf(&sb, "- **%s**: %.3f ± %.3f\n", strings.ToUpper(name), stat.Mean, stat.Std)
	}

	if failures := Failures(r.payload.Results); len(failures) > 0 {
		sb.WriteString("\n## Failure Taxonomy\n")
		counts := TagCounts(failures)
		if len(counts) == 0 {
			sb.WriteString("- Failure reasons: taxonomy not available (no tags recorded).\n")
		}
		for _, c := range counts {
			share := 100 * float64(c.Count) / float64(len(failures))
			fmt.Fprintf(&sb, "- **%s**: %d cases (%.0f%% of failures)\n", c.Name, c.Count, share)
		}
	}

	sb.WriteString("\n## Case Studies\n")
	for _, cs := range r.CaseStudies() {
		writeCase(&sb, cs)
	}
	return sb.String()
}

func writeCase(sb *strings.Builder, cs CaseStudy) {
	ex := cs.Example
	label := "Success"
	if cs.Kind == KindFailure {
		label = "Failure"
	}

	fmt.Fprintf(sb, "### %s: Sample %s\n", label, ex.SampleID)
	fmt.Fprintf(sb, "**Question:** %s\n", ex.Question)
	fmt.Fprintf(sb, "**Gold Answer:** %s\n", ex.Answer)
	fmt.Fprintf(sb, "**Model Answer:** %s\n", ex.LLMAnswer)
	fmt.Fprintf(sb, "**Retrieval Hit@K:** %.2f | **MRR:** %.2f\n", ex.HitAtK, ex.MRR)
	if ex.VerifierScore != nil {
		var threshold float64
		if ex.VerifierThreshold != nil {
			threshold = *ex.VerifierThreshold
		}
		fmt.Fprintf(sb, "**Verifier Score:** %.2f (threshold %.2f)\n", *ex.VerifierScore, threshold)
	}
	if len(ex.FailureTags) > 0 {
		names := make([]string, len(ex.FailureTags))
		for i, tag := range ex.FailureTags {
			names[i] = tag.Name
		}
		fmt.Fprintf(sb, "**Failure Tags:** %s\n", strings.Join(names, ", "))
	}

	sb.WriteString("Top Documents:\n")
	for _, doc := range ex.TopDocs {
		mark := "⬜"
		if doc.IsSupporting {
			mark = "✅"
		}
		fmt.Fprintf(sb, "  - %s %s (score=%.2f)\n", mark, doc.Title, doc.Score)
		if len(doc.TokenMatches) == 0 {
			continue
		}
		pairs := make([]string, len(doc.TokenMatches))
		for i, p := range doc.TokenMatches {
			pairs[i] = fmt.Sprintf("%s→%s (%.2f)", p.QueryToken, p.DocToken, p.Similarity)
		}
		fmt.Fprintf(sb, "    - Token matches: %s\n", strings.Join(pairs, ", "))
	}
}

// WriteMarkdown writes Markdown to path.
func (r *Report) WriteMarkdown(path string) error {
	if err := os.WriteFile(path, []byte(r.Markdown()), 0644); err != nil {
		return fmt.Errorf("writing report: %w", err)
	}
	return nil
}
