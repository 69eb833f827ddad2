// Package graph holds the knowledge-graph data model: concepts, sources,
// evidence instances, and typed relationships, plus the store port the
// ingestion pipeline writes through.
package graph

import (
	"strings"
	"time"
)

// SourceType distinguishes ingested documents from learned syntheses.
type SourceType string

const (
	SourceTypeDocument SourceType = "DOCUMENT"
	SourceTypeLearned  SourceType = "LEARNED"
)

// DirectionSemantics describes how a relationship reads across its edge.
type DirectionSemantics string

const (
	DirectionOutward       DirectionSemantics = "outward"
	DirectionInward        DirectionSemantics = "inward"
	DirectionBidirectional DirectionSemantics = "bidirectional"
)

// Concept is a semantic node. One concept exists per semantic identity
// within an ontology; the matcher enforces that at write time.
type Concept struct {
	ID          string    `json:"concept_id"`
	Label       string    `json:"label"`
	Description string    `json:"description,omitempty"`
	SearchTerms []string  `json:"search_terms,omitempty"`
	Embedding   []float32 `json:"-"`
	Ontology    string    `json:"ontology"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Source is a document, a chunk of a document, or a learned synthesis.
type Source struct {
	ID          string     `json:"source_id"`
	Ontology    string     `json:"ontology"`
	Document    string     `json:"document"`
	ChunkIndex  int        `json:"chunk_index"`
	FullText    string     `json:"full_text"`
	ContentHash string     `json:"content_hash,omitempty"`
	StartOffset int        `json:"start_offset"`
	EndOffset   int        `json:"end_offset"`
	Type        SourceType `json:"type"`

	// Image metadata for sources ingested from images. The bytes live in an
	// external object store; only the reference is kept here.
	HasImage         bool   `json:"has_image,omitempty"`
	ImageContentType string `json:"image_content_type,omitempty"`
	ImageObjectKey   string `json:"image_object_key,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// Instance is verbatim evidence tying a concept to a source.
type Instance struct {
	ID         string    `json:"instance_id"`
	ConceptID  string    `json:"concept_id"`
	SourceID   string    `json:"source_id"`
	Quote      string    `json:"quote"`
	Paragraph  int       `json:"paragraph"`
	Offset     int       `json:"offset"`
	Confidence float64   `json:"confidence,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Relationship is a typed directed edge between two concepts. RelType is
// always a member of the active vocabulary.
type Relationship struct {
	ID         string             `json:"relationship_id"`
	FromID     string             `json:"from_id"`
	ToID       string             `json:"to_id"`
	RelType    string             `json:"rel_type"`
	Category   string             `json:"category,omitempty"`
	Confidence float64            `json:"confidence"`
	Direction  DirectionSemantics `json:"direction_semantics,omitempty"`
	Polarity   float64            `json:"polarity,omitempty"`
	SourceID   string             `json:"source_id,omitempty"`
	CreatedAt  time.Time          `json:"created_at"`
}

// ProtoConcept is an extracted concept before matching: it has a label and
// context but no identity yet.
type ProtoConcept struct {
	Label       string
	Description string
	SearchTerms []string
}

// EmbeddingInput joins label and search terms into the canonical string fed
// to the embedder. The same join is used at ingestion, regeneration, and
// vocabulary embedding time so vectors stay comparable.
func (p ProtoConcept) EmbeddingInput() string {
	parts := make([]string, 0, 1+len(p.SearchTerms))
	parts = append(parts, p.Label)
	parts = append(parts, p.SearchTerms...)
	return strings.Join(parts, " | ")
}

// Neighbor is one edge of a concept's relationship cluster, rendered with
// labels so it can prime an extraction prompt directly.
type Neighbor struct {
	FromLabel string
	RelType   string
	ToLabel   string
}

// Summary renders the neighbor as a prompt-ready line.
func (n Neighbor) Summary() string {
	return n.FromLabel + " -[" + n.RelType + "]-> " + n.ToLabel
}

// Match is one vector-search hit.
type Match struct {
	ConceptID  string
	Similarity float64
}
