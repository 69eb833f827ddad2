package graph

import (
	"context"
	"fmt"
	"log/slog"

	"noesis/llm"
)

// Match thresholds. Ingestion uses the stricter default; recursive upsert
// of learned syntheses tolerates looser matches.
const (
	DefaultMatchThreshold   = 0.85
	RecursiveMatchThreshold = 0.75
	DefaultMatchTopK        = 5
)

// Decision is the outcome of matching one proto-concept.
type Decision struct {
	// ConceptID is set when the proto matched an existing concept.
	ConceptID string

	// Similarity of the winning match, zero for new concepts.
	Similarity float64

	// Embedding computed for the proto, reusable for insertion.
	Embedding []float32
}

// IsNew reports whether the proto should become a new concept.
func (d Decision) IsNew() bool {
	return d.ConceptID == ""
}

// Matcher decides whether an extracted proto-concept is new or a reuse of
// an existing concept within an ontology. It only reads; deterministic
// given embeddings.
type Matcher struct {
	store     Store
	embedder  llm.Embedder
	topK      int
	threshold float64
	logger    *slog.Logger
}

// MatcherOption configures a Matcher.
type MatcherOption func(*Matcher)

// WithThreshold overrides the similarity threshold.
func WithThreshold(t float64) MatcherOption {
	return func(m *Matcher) {
		m.threshold = t
	}
}

// WithTopK overrides how many candidates the vector search returns.
func WithTopK(k int) MatcherOption {
	return func(m *Matcher) {
		m.topK = k
	}
}

// WithMatcherLogger sets the logger.
func WithMatcherLogger(logger *slog.Logger) MatcherOption {
	return func(m *Matcher) {
		m.logger = logger
	}
}

// NewMatcher creates a matcher with ingestion defaults.
func NewMatcher(store Store, embedder llm.Embedder, opts ...MatcherOption) *Matcher {
	m := &Matcher{
		store:     store,
		embedder:  embedder,
		topK:      DefaultMatchTopK,
		threshold: DefaultMatchThreshold,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Match embeds the proto-concept and searches the ontology for a close
// existing concept.
func (m *Matcher) Match(ctx context.Context, proto ProtoConcept, ontology string) (Decision, error) {
	vec, err := m.embedder.Embed(ctx, proto.EmbeddingInput())
	if err != nil {
		return Decision{}, fmt.Errorf("embed concept %q: %w", proto.Label, err)
	}
	return m.MatchVector(ctx, vec, ontology)
}

// MatchVector matches a precomputed embedding. Callers that must not hold
// locks across capability calls embed first and match later. Vector-search
// ordering already breaks ties toward the earlier-created concept.
func (m *Matcher) MatchVector(ctx context.Context, vec []float32, ontology string) (Decision, error) {
	matches, err := m.store.VectorSearch(ctx, ontology, vec, m.topK)
	if err != nil {
		return Decision{}, fmt.Errorf("search concepts: %w", err)
	}

	if len(matches) > 0 && matches[0].Similarity >= m.threshold {
		best := matches[0]
		m.logger.Debug("Concept matched existing",
			"concept_id", best.ConceptID,
			"similarity", best.Similarity)
		return Decision{ConceptID: best.ConceptID, Similarity: best.Similarity, Embedding: vec}, nil
	}

	return Decision{Embedding: vec}, nil
}
