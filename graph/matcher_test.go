package graph

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"noesis/llm/testutil"
)

func TestMatcherLinksAboveThreshold(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	embedder := testutil.NewFakeEmbedder(3)
	embedder.Fix("Zhuangzi | Chuang Tzu", []float32{1, 0, 0})

	existing := insertConcept(t, store, "phil", "Zhuangzi", []float32{1, 0, 0})

	matcher := NewMatcher(store, embedder)
	decision, err := matcher.Match(ctx, ProtoConcept{
		Label:       "Zhuangzi",
		SearchTerms: []string{"Chuang Tzu"},
	}, "phil")
	require.NoError(t, err)

	assert.False(t, decision.IsNew())
	assert.Equal(t, existing, decision.ConceptID)
	assert.InDelta(t, 1.0, decision.Similarity, 1e-9)
	assert.Equal(t, []float32{1, 0, 0}, decision.Embedding)
}

func TestMatcherNewBelowThreshold(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	embedder := testutil.NewFakeEmbedder(3)
	embedder.Fix("Butterfly Dream", []float32{0, 1, 0})

	insertConcept(t, store, "phil", "Zhuangzi", []float32{1, 0, 0})

	matcher := NewMatcher(store, embedder)
	decision, err := matcher.Match(ctx, ProtoConcept{Label: "Butterfly Dream"}, "phil")
	require.NoError(t, err)

	assert.True(t, decision.IsNew())
	assert.Empty(t, decision.ConceptID)
	assert.Equal(t, []float32{0, 1, 0}, decision.Embedding)
}

func TestMatcherThresholdOption(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	embedder := testutil.NewFakeEmbedder(2)
	embedder.Fix("the Way", []float32{1, 0.8})

	existing := insertConcept(t, store, "phil", "Dao", []float32{1, 0})

	strict := NewMatcher(store, embedder)
	decision, err := strict.Match(ctx, ProtoConcept{Label: "the Way"}, "phil")
	require.NoError(t, err)
	assert.True(t, decision.IsNew())

	// cos((1,0.8),(1,0)) ~= 0.78: below the ingestion threshold, above
	// the recursive one
	loose := NewMatcher(store, embedder, WithThreshold(RecursiveMatchThreshold))
	decision, err = loose.Match(ctx, ProtoConcept{Label: "the Way"}, "phil")
	require.NoError(t, err)
	assert.Equal(t, existing, decision.ConceptID)
}

func TestMatcherEmptyOntology(t *testing.T) {
	store := openTestStore(t)

	embedder := testutil.NewFakeEmbedder(3)
	matcher := NewMatcher(store, embedder)

	decision, err := matcher.Match(context.Background(), ProtoConcept{Label: "anything"}, "empty")
	require.NoError(t, err)
	assert.True(t, decision.IsNew())
}
