// Package format canonicalizes free-form generator output into the answer
// shape a dataset expects.
package format

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// Kind is the answer shape of a dataset.
type Kind int

const (
	// KindOpen answers are free text.
	KindOpen Kind = iota
	// KindClosedLabel answers are exactly "yes" or "no".
	KindClosedLabel
	// KindSpan answers are substrings of a context passage.
	KindSpan
)

func (k Kind) String() string {
	switch k {
	case KindClosedLabel:
		return "closed_label"
	case KindSpan:
		return "span"
	default:
		return "open"
	}
}

// KindForDataset maps a dataset name to its answer kind.
func KindForDataset(name string) Kind {
	switch name {
	case "boolq":
		return KindClosedLabel
	case "squad_v2":
		return KindSpan
	default:
		return KindOpen
	}
}

// Closed-label answers.
const (
	LabelYes = "yes"
	LabelNo  = "no"
)

// Strategies reported in Metadata.
const (
	StrategyHeuristic = "heuristic"
	StrategyExact     = "exact"
	StrategyFuzzy     = "fuzzy"
	StrategyRaw       = "raw"
	StrategyNone      = "none"
)

// Metadata describes how an answer was canonicalized.
type Metadata struct {
	Strategy  string   `json:"strategy"`
	Confident *bool    `json:"confident,omitempty"`
	Ratio     *float64 `json:"ratio,omitempty"`
}

// IsLabel reports whether answer is an allowed closed label.
func IsLabel(answer string) bool {
	return answer == LabelYes || answer == LabelNo
}

// Format canonicalizes raw for the given kind. contexts are the ranked
// document texts used for span extraction.
func Format(kind Kind, raw string, contexts []string) (string, Metadata) {
	switch kind {
	case KindClosedLabel:
		return closedLabel(raw)
	case KindSpan:
		return span(raw, contexts)
	default:
		return strings.TrimSpace(raw), Metadata{Strategy: StrategyNone}
	}
}

// leadingWindow is how many leading tokens may decide a label confidently.
const leadingWindow = 5

var (
	affirmative = map[string]bool{"yes": true, "yeah": true, "yep": true, "true": true, "certainly": true, "affirmative": true}
	negative    = map[string]bool{"no": true, "nope": true, "false": true, "cannot": true, "can't": true, "never": true}
)

func closedLabel(raw string) (string, Metadata) {
	confident := false
	meta := Metadata{Strategy: StrategyHeuristic, Confident: &confident}

	tokens := labelTokens(raw)
	if len(tokens) == 0 {
		return "", meta
	}

	head := tokens[:min(leadingWindow, len(tokens))]
	yes, no := countMarkers(head)
	switch {
	case yes > 0 && no == 0:
		confident = true
		return LabelYes, meta
	case no > 0 && yes == 0:
		confident = true
		return LabelNo, meta
	}

	yes, no = countMarkers(tokens)
	switch {
	case yes > no:
		return LabelYes, meta
	case no > yes:
		return LabelNo, meta
	}
	return "", meta
}

// labelTokens lowercases and splits on whitespace and punctuation, keeping
// apostrophes inside words.
func labelTokens(raw string) []string {
	text := strings.ToLower(norm.NFKC.String(raw))
	text = strings.ReplaceAll(text, "’", "'")
	return strings.FieldsFunc(text, func(r rune) bool {
		if r == '\'' {
			return false
		}
		return unicode.IsSpace(r) || unicode.IsPunct(r) || unicode.IsSymbol(r)
	})
}

func countMarkers(tokens []string) (yes, no int) {
	for _, tok := range tokens {
		if affirmative[tok] {
			yes++
		}
		if negative[tok] {
			no++
		}
	}
	return yes, no
}

func span(raw string, contexts []string) (string, Metadata) {
	answer := strings.TrimSpace(raw)
	if answer == "" {
		return "", Metadata{Strategy: StrategyExact}
	}
	for _, ctx := range contexts {
		if strings.Contains(ctx, answer) {
			return answer, Metadata{Strategy: StrategyExact}
		}
	}

	answerRunes := lowerRunes(answer)
	best := ""
	bestRatio := 0.0
	for _, ctx := range contexts {
		ctxRunes := []rune(ctx)
		start, size := longestCommon(lowerRunesOf(ctxRunes), answerRunes)
		if size == 0 {
			continue
		}
		ratio := float64(size) / float64(max(utf8.RuneCountInString(answer), 1))
		if ratio > bestRatio {
			bestRatio = ratio
			best = string(ctxRunes[start : start+size])
		}
	}

	if best != "" {
		return strings.TrimSpace(best), Metadata{Strategy: StrategyFuzzy, Ratio: &bestRatio}
	}
	return answer, Metadata{Strategy: StrategyRaw}
}

func lowerRunes(s string) []rune {
	return lowerRunesOf([]rune(s))
}

// lowerRunesOf lowercases rune by rune so positions stay aligned with the
// original text.
func lowerRunesOf(rs []rune) []rune {
	out := make([]rune, len(rs))
	for i, r := range rs {
		out[i] = unicode.ToLower(r)
	}
	return out
}

// longestCommon returns the start in a and the length of the longest common
// contiguous run of a and b. Ties keep the earliest position in a.
func longestCommon(a, b []rune) (start, size int) {
	if len(a) == 0 || len(b) == 0 {
		return 0, 0
	}
	prev := make([]int, len(b)+1)
	cur := make([]int, len(b)+1)
	for i := 1; i <= len(a); i++ {
		for j := 1; j <= len(b); j++ {
			if a[i-1] == b[j-1] {
				cur[j] = prev[j-1] + 1
				if cur[j] > size {
					size = cur[j]
					start = i - cur[j]
				}
			} else {
				cur[j] = 0
			}
		}
		prev, cur = cur, prev
	}
	return start, size
}
