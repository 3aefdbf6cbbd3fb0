package pipeline

import (
	"strings"

	"github.com/knoguchi/rageval/internal/format"
)

// refineEvidenceDocs is how many ranked documents a refinement prompt cites.
const refineEvidenceDocs = 3

// BuildPrompt renders the first generation prompt. contexts are the ranked
// "title: text" strings.
func BuildPrompt(question string, contexts []string) string {
	var sb strings.Builder

	sb.WriteString("You are a retrieval-augmented assistant. Use the supplied evidence to answer the question.\n")
	sb.WriteString("Evidence:\n")
	sb.WriteString(strings.Join(contexts, "\n\n"))
	sb.WriteString("\n\n")

	sb.WriteString("Question: ")
	sb.WriteString(question)
	sb.WriteString("\n")

	sb.WriteString("Answer concisely and cite the most relevant facts.")
	return sb.String()
}

// BuildRefinePrompt renders the stricter regeneration prompt for an answer
// kind. texts are the ranked document texts; only the first few are used.
func BuildRefinePrompt(kind format.Kind, question string, texts []string) string {
	evidence := strings.Join(texts[:min(refineEvidenceDocs, len(texts))], "\n\n")

	var sb strings.Builder
	switch kind {
	case format.KindClosedLabel:
		sb.WriteString("You are answering a yes/no question. Respond with a single word, 'yes' or 'no'.\n")
		sb.WriteString("Evidence you must rely on:\n")
		sb.WriteString(evidence)
		sb.WriteString("\n\nQuestion: ")
		sb.WriteString(question)
		sb.WriteString("\nAnswer with 'yes' or 'no' only.")
	case format.KindSpan:
		sb.WriteString("Answer the question by copying an exact span from the evidence.")
		sb.WriteString(" If the evidence does not contain an answer, respond with 'unanswerable'.\n")
		sb.WriteString("Evidence:\n")
		sb.WriteString(evidence)
		sb.WriteString("\n\nQuestion: ")
		sb.WriteString(question)
		sb.WriteString("\nAnswer (exact span or 'unanswerable'):")
	default:
		sb.WriteString("Answer the question concisely using the evidence. Cite the key fact.\n")
		sb.WriteString("Evidence:\n")
		sb.WriteString(evidence)
		sb.WriteString("\n\nQuestion: ")
		sb.WriteString(question)
		sb.WriteString("\nAnswer:")
	}
	return sb.String()
}
