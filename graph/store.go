package graph

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a graph entity does not exist.
var ErrNotFound = errors.New("not found")

// Tx is a write transaction against the graph. One chunk's effects are
// committed per transaction; holding a transaction across chunks is
// forbidden.
type Tx interface {
	// UpsertConcept inserts proto as a new concept and returns its id.
	UpsertConcept(ctx context.Context, ontology string, proto ProtoConcept, embedding []float32) (string, error)

	// MergeSearchTerms set-unions terms into an existing concept's search
	// terms.
	MergeSearchTerms(ctx context.Context, conceptID string, terms []string) error

	// UpdateConceptEmbedding replaces a concept's stored vector.
	UpdateConceptEmbedding(ctx context.Context, conceptID string, embedding []float32) error

	// InsertSource stores a source row if none exists for its
	// (content_hash, chunk_index) key, returning the surviving source id.
	InsertSource(ctx context.Context, src Source) (string, error)

	InsertInstance(ctx context.Context, inst Instance) error

	InsertRelationship(ctx context.Context, rel Relationship) error

	// RewriteEdgeType retargets every edge of fromType to toType and
	// returns the number rewritten.
	RewriteEdgeType(ctx context.Context, fromType, toType string) (int, error)

	// DeleteEdgesOfType removes every edge of the given type.
	DeleteEdgesOfType(ctx context.Context, relType string) (int, error)

	Commit() error
	Rollback() error
}

// Store is the narrow graph port the pipeline depends on. Reads committed
// before a query started are always visible to it.
type Store interface {
	BeginTx(ctx context.Context) (Tx, error)

	// VectorSearch returns the k nearest concepts in the ontology by cosine
	// similarity, best first. Ties break toward the earlier-created concept.
	VectorSearch(ctx context.Context, ontology string, query []float32, k int) ([]Match, error)

	GetConcept(ctx context.Context, conceptID string) (*Concept, error)

	// ListConcepts returns every concept in the ontology. Used by embedding
	// regeneration.
	ListConcepts(ctx context.Context, ontology string) ([]Concept, error)

	// NeighborsOf returns the relationship cluster around a concept up to
	// the given depth, rendered with labels.
	NeighborsOf(ctx context.Context, conceptID string, depth int) ([]Neighbor, error)

	// RecentConceptsInDocument returns ids of the n most recently created
	// concepts evidenced in the named document, newest first.
	RecentConceptsInDocument(ctx context.Context, ontology, document string, n int) ([]string, error)

	// CountEdgesOfType counts live edges carrying the given type.
	CountEdgesOfType(ctx context.Context, relType string) (int, error)

	// EdgeCountsByType returns live edge counts keyed by rel_type.
	EdgeCountsByType(ctx context.Context) (map[string]int, error)

	Close() error
}
