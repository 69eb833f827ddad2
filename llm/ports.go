// Package llm defines the AI capability ports the ingestion core depends on
// (extraction, embedding, vision) and provides a provider-agnostic HTTP
// client implementing them, with retry and transient/fatal error
// classification.
package llm

import "context"

// ExtractedConcept is a proto-concept produced by the extractor. It carries
// no identity; the matcher decides whether it becomes a new concept or links
// to an existing one.
type ExtractedConcept struct {
	Label          string   `json:"label"`
	Description    string   `json:"description,omitempty"`
	SearchTerms    []string `json:"search_terms,omitempty"`
	EvidenceQuotes []string `json:"evidence_quotes,omitempty"`
}

// ExtractedRelationship is a typed edge between two concepts referenced by
// label. Labels are resolved to concept ids by the executor; the extractor
// never invents ids.
type ExtractedRelationship struct {
	FromLabel  string  `json:"from_label"`
	ToLabel    string  `json:"to_label"`
	RelType    string  `json:"rel_type"`
	Confidence float64 `json:"confidence"`
	Category   string  `json:"category,omitempty"`
}

// Extraction is the result of one extractor call over a chunk of text.
type Extraction struct {
	Concepts      []ExtractedConcept      `json:"concepts"`
	Relationships []ExtractedRelationship `json:"relationships"`

	// Tokens is the total token count consumed, when the provider reports it.
	Tokens int `json:"-"`
}

// GraphContext primes the extractor with concepts already present in the
// graph so repeated mentions resolve to the same labels.
type GraphContext struct {
	// RecentConcepts are labels of concepts from recent chunks of the same
	// document, newest last.
	RecentConcepts []string

	// NeighborSummary describes one hop of relationships around the recent
	// concepts, rendered as "A -[REL_TYPE]-> B" lines.
	NeighborSummary []string
}

// Extractor converts a chunk of text into proto-concepts and relationships.
type Extractor interface {
	Extract(ctx context.Context, text string, gc GraphContext) (*Extraction, error)
}

// Embedder produces a fixed-dimension vector for a text. Deterministic for
// identical inputs within a single model version.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)

	// Dim reports the embedding dimension of the active model.
	Dim() int
}

// VisionExtractor describes an image as prose, which is then fed through the
// normal text pipeline.
type VisionExtractor interface {
	Describe(ctx context.Context, image []byte, contentType string) (string, error)
}
