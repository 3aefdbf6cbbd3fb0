// Package analysis tags failed answers with a closed set of named rules.
//
// Rule conditions are a fixed vocabulary. Configuration is parsed with
// ParseCondition, which rejects anything outside the vocabulary, so every
// Rule an Engine holds can be evaluated.
package analysis

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrUnknownCondition is returned for a condition id outside the vocabulary.
var ErrUnknownCondition = errors.New("unknown failure rule condition")

// Condition is one supported failure test.
type Condition int

const (
	conditionInvalid Condition = iota
	// VerifierBelowThreshold fires when the verifier score is under its threshold.
	VerifierBelowThreshold
	// AnswerMissingGold fires when the final answer does not contain the gold answer.
	AnswerMissingGold
	// BinaryChoiceAnswerNotInContext fires when the question offers a choice and
	// the chosen answer is absent from the top documents.
	BinaryChoiceAnswerNotInContext
)

var conditionIDs = map[Condition]string{
	VerifierBelowThreshold:         "verifier_below_threshold",
	AnswerMissingGold:              "contains_gold_string_is_false",
	BinaryChoiceAnswerNotInContext: "has_binary_choice & answer_not_in_context",
}

// ParseCondition resolves a configured condition id. Matching ignores case
// and surrounding whitespace.
func ParseCondition(id string) (Condition, error) {
	norm := strings.ToLower(strings.TrimSpace(id))
	for c, s := range conditionIDs {
		if s == norm {
			return c, nil
		}
	}
	return conditionInvalid, fmt.Errorf("%w: %q", ErrUnknownCondition, id)
}

// String returns the configuration id of the condition.
func (c Condition) String() string {
	if s, ok := conditionIDs[c]; ok {
		return s
	}
	return fmt.Sprintf("condition(%d)", int(c))
}

// Rule names a condition.
type Rule struct {
	Name      string
	Condition Condition
}

// Tag is a fired rule with evidence.
type Tag struct {
	Name   string `json:"name"`
	Reason string `json:"reason"`
}

// Record holds the finalized signals of one example.
type Record struct {
	Answer             string
	Gold               string
	VerifierScore      *float64
	VerifierThreshold  float64
	AnswerContainsGold bool
	BinaryChoice       bool
	AnswerInContext    bool
}

// Engine applies rules in order.
type Engine struct {
	rules []Rule
}

// NewEngine creates an engine over rules.
func NewEngine(rules []Rule) *Engine {
	return &Engine{rules: append([]Rule(nil), rules...)}
}

// Rules returns the configured rules.
func (e *Engine) Rules() []Rule {
	return append([]Rule(nil), e.rules...)
}

// Analyze returns one tag per firing rule, in rule order. It never returns
// nil.
func (e *Engine) Analyze(r Record) []Tag {
	tags := []Tag{}
	for _, rule := range e.rules {
		if reason, ok := evaluate(rule.Condition, r); ok {
			tags = append(tags, Tag{Name: rule.Name, Reason: reason})
		}
	}
	return tags
}

func evaluate(c Condition, r Record) (string, bool) {
	switch c {
	case VerifierBelowThreshold:
		if r.VerifierScore == nil || *r.VerifierScore >= r.VerifierThreshold {
			return "", false
		}
		return fmt.Sprintf("Verifier score %.2f < threshold %.2f", *r.VerifierScore, r.VerifierThreshold), true
	case AnswerMissingGold:
		if r.AnswerContainsGold {
			return "", false
		}
		return fmt.Sprintf("Answer %q does not contain gold span %q.", r.Answer, r.Gold), true
	case BinaryChoiceAnswerNotInContext:
		if !r.BinaryChoice || r.AnswerInContext {
			return "", false
		}
		return fmt.Sprintf("Question forces a choice but selected entity %q not present in top documents.", r.Answer), true
	default:
		return "", false
	}
}

var binaryChoicePattern = regexp.MustCompile(`\b or \b`)

// DetectBinaryChoice reports whether the question offers alternatives
// joined by "or".
func DetectBinaryChoice(question string) bool {
	return binaryChoicePattern.MatchString(strings.ToLower(question))
}

// Doc is the text a selected entity is searched in.
type Doc struct {
	Title string
	Text  string
}

// AnswerInContext reports whether the answer occurs, case-insensitively,
// in any document title or text. An empty answer never does.
func AnswerInContext(answer string, docs []Doc) bool {
	needle := strings.TrimSpace(strings.ToLower(answer))
	if needle == "" {
		return false
	}
	for _, d := range docs {
		if strings.Contains(strings.ToLower(d.Title), needle) || strings.Contains(strings.ToLower(d.Text), needle) {
			return true
		}
	}
	return false
}

// ContainsGold reports whether answer contains gold, ignoring case.
func ContainsGold(answer, gold string) bool {
	return strings.Contains(strings.ToLower(answer), strings.ToLower(gold))
}
