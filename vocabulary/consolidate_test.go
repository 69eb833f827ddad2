package vocabulary

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pinSynonymPair registers CANON (with edges) and OLD_TYPE (without) and
// pins identical embeddings so they read as strong synonyms.
func pinSynonymPair(f *vocabFixture) {
	f.addType("CANON")
	f.addType("OLD_TYPE")
	f.embedder.Fix("canon", []float32{1, 0, 0, 0})
	f.embedder.Fix("old type", []float32{1, 0, 0, 0})

	a := f.addConcept("Alpha")
	b := f.addConcept("Beta")
	f.addEdge(a, b, "CANON")
	f.addEdge(b, a, "CANON")
}

func TestGenerateRecommendationsStrongSynonym(t *testing.T) {
	f := newVocabFixture(t)
	pinSynonymPair(f)

	recs, err := f.manager.GenerateRecommendations(context.Background(), false)
	require.NoError(t, err)
	require.Len(t, recs, 1)

	rec := recs[0]
	assert.Equal(t, KindMerge, rec.Kind)
	assert.Equal(t, "OLD_TYPE", rec.From, "lower-value type merges into higher")
	assert.Equal(t, "CANON", rec.To)
	assert.InDelta(t, 1.0, rec.Similarity, 1e-6)
	assert.Equal(t, ReviewNone, rec.ReviewLevel)
	assert.NotZero(t, rec.ID)
}

func TestModerateSimilarityNeedsReview(t *testing.T) {
	f := newVocabFixture(t)
	f.addType("ALPHA")
	f.addType("BETA")
	f.embedder.Fix("alpha", []float32{1, 0, 0, 0})
	f.embedder.Fix("beta", []float32{0.8, 0.6, 0, 0})

	recs, err := f.manager.GenerateRecommendations(context.Background(), false)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.InDelta(t, 0.8, recs[0].Similarity, 1e-6)
	assert.Equal(t, ReviewHuman, recs[0].ReviewLevel)
}

func TestDissimilarTypesNotRecommended(t *testing.T) {
	f := newVocabFixture(t)
	f.addType("ALPHA")
	f.addType("BETA")
	f.embedder.Fix("alpha", []float32{1, 0, 0, 0})
	f.embedder.Fix("beta", []float32{0, 1, 0, 0})

	recs, err := f.manager.GenerateRecommendations(context.Background(), false)
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestBuiltinNeverMergeSource(t *testing.T) {
	f := newVocabFixture(t)
	require.NoError(t, f.manager.AddType(context.Background(), "CANON", "", "", true))
	f.addType("OLD_TYPE")
	f.embedder.Fix("canon", []float32{1, 0, 0, 0})
	f.embedder.Fix("old type", []float32{1, 0, 0, 0})

	recs, err := f.manager.GenerateRecommendations(context.Background(), false)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "OLD_TYPE", recs[0].From)
	assert.Equal(t, "CANON", recs[0].To)
}

func TestExecuteAutoApproved(t *testing.T) {
	f := newVocabFixture(t)
	ctx := context.Background()
	pinSynonymPair(f)

	_, err := f.manager.GenerateRecommendations(ctx, false)
	require.NoError(t, err)

	executed, err := f.manager.ExecuteAutoApproved(ctx, "consolidator")
	require.NoError(t, err)
	require.Len(t, executed, 1)
	assert.Equal(t, RecExecuted, executed[0].Status)

	canonical, ok, err := f.manager.Resolve(ctx, "OLD_TYPE")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "CANON", canonical)

	// Nothing pending on a second pass
	executed, err = f.manager.ExecuteAutoApproved(ctx, "consolidator")
	require.NoError(t, err)
	assert.Empty(t, executed)
}

func TestPruneUnusedRecommendation(t *testing.T) {
	f := newVocabFixture(t)
	ctx := context.Background()
	f.addType("GHOST")
	f.embedder.Fix("ghost", []float32{0, 0, 1, 0})

	recs, err := f.manager.GenerateRecommendations(ctx, true)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, KindPrune, recs[0].Kind)
	assert.Equal(t, "GHOST", recs[0].From)
	assert.Equal(t, ReviewNone, recs[0].ReviewLevel)

	_, err = f.manager.ExecuteAutoApproved(ctx, "consolidator")
	require.NoError(t, err)
	assert.False(t, f.entry("GHOST").IsActive)
}

func TestConsolidateDryRunMutatesNothing(t *testing.T) {
	f := newVocabFixture(t)
	ctx := context.Background()
	pinSynonymPair(f)

	report, err := f.manager.Consolidate(ctx, 1, true, false)
	require.NoError(t, err)
	assert.True(t, report.DryRun)
	assert.Equal(t, 2, report.SizeBefore)
	assert.Equal(t, 2, report.SizeAfter)
	require.Len(t, report.Pending, 1)
	assert.Empty(t, report.Executed)

	// Both types still active and no recommendation rows persisted
	assert.True(t, f.entry("CANON").IsActive)
	assert.True(t, f.entry("OLD_TYPE").IsActive)
	var persisted int
	require.NoError(t, f.manager.db.QueryRow(
		`SELECT COUNT(*) FROM vocab_recommendations`).Scan(&persisted))
	assert.Zero(t, persisted)
}

func TestConsolidateToTarget(t *testing.T) {
	f := newVocabFixture(t)
	ctx := context.Background()
	pinSynonymPair(f)

	report, err := f.manager.Consolidate(ctx, 1, false, false)
	require.NoError(t, err)
	assert.Equal(t, 2, report.SizeBefore)
	assert.Equal(t, 1, report.SizeAfter)
	require.Len(t, report.Executed, 1)
	assert.Equal(t, "OLD_TYPE", report.Executed[0].From)
}

func TestApproveReviewedRecommendation(t *testing.T) {
	f := newVocabFixture(t)
	ctx := context.Background()
	f.addType("ALPHA")
	f.addType("BETA")
	f.embedder.Fix("alpha", []float32{1, 0, 0, 0})
	f.embedder.Fix("beta", []float32{0.8, 0.6, 0, 0})

	recs, err := f.manager.GenerateRecommendations(ctx, false)
	require.NoError(t, err)
	require.Len(t, recs, 1)

	require.NoError(t, f.manager.Approve(ctx, recs[0].ID, "curator"))
	active, err := f.manager.List(ctx, true)
	require.NoError(t, err)
	assert.Len(t, active, 1)
}
