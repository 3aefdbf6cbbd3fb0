package embedder

import (
	"regexp"
	"strings"
)

var wordPattern = regexp.MustCompile(`[\p{L}\p{N}_]+`)

// Words splits text into lowercase word tokens, keeping at most limit of
// them. A non-positive limit keeps all words.
func Words(text string, limit int) []string {
	words := wordPattern.FindAllString(strings.ToLower(text), -1)
	if limit > 0 && len(words) > limit {
		words = words[:limit]
	}
	return words
}
