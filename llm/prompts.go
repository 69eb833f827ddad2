package llm

import (
	"fmt"
	"strings"
)

// extractionSystemPrompt instructs the model to produce the extraction JSON
// the executor expects. Evidence quotes must be verbatim; the executor drops
// quotes that do not appear in the chunk.
const extractionSystemPrompt = `You are a knowledge graph extraction agent. Analyze the text and extract:

1. Concepts: key ideas, entities, or topics mentioned in the text
2. Relationships: how the extracted concepts relate to each other

For each concept provide:
- label: a clear, concise name for the concept
- description: one sentence describing it (optional)
- search_terms: alternative terms or phrases that refer to this concept
- evidence_quotes: exact verbatim quotes from the text that evidence the concept

For each relationship provide:
- from_label and to_label: labels of concepts extracted above (or listed as known)
- rel_type: an UPPER_SNAKE_CASE relationship type
- confidence: 0.0 to 1.0
- category: a short semantic category for the relationship (optional)

Reuse the known concept labels when the text refers to the same idea; do not
invent near-duplicate labels. Never invent identifiers.

Respond with a single JSON object:
{
  "concepts": [
    {"label": "...", "description": "...", "search_terms": ["..."], "evidence_quotes": ["..."]}
  ],
  "relationships": [
    {"from_label": "...", "to_label": "...", "rel_type": "...", "confidence": 0.9, "category": "..."}
  ]
}`

// describePrompt converts an image to prose suitable for text extraction.
const describePrompt = `Describe this image in detailed prose. Cover the subjects, ` +
	`their relationships, any visible text, and the overall context. Write plain ` +
	`paragraphs with no markdown or lists.`

// buildExtractionPrompt assembles the user message with graph context
// priming ahead of the chunk text.
func buildExtractionPrompt(text string, gc GraphContext) string {
	var b strings.Builder

	if len(gc.RecentConcepts) > 0 {
		b.WriteString("Known concepts from earlier in this document:\n")
		for _, label := range gc.RecentConcepts {
			fmt.Fprintf(&b, "- %s\n", label)
		}
		b.WriteString("\n")
	}
	if len(gc.NeighborSummary) > 0 {
		b.WriteString("Known relationships:\n")
		for _, line := range gc.NeighborSummary {
			fmt.Fprintf(&b, "- %s\n", line)
		}
		b.WriteString("\n")
	}

	b.WriteString("Text to analyze:\n\n")
	b.WriteString(text)
	return b.String()
}
