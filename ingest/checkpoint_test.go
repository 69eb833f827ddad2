package ingest

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"noesis/jobs"
)

func openTestCheckpointer(t *testing.T) *SQLiteCheckpointer {
	t.Helper()
	cp, err := OpenSQLiteCheckpointer(filepath.Join(t.TempDir(), "checkpoints.db"))
	require.NoError(t, err)
	return cp
}

func TestCheckpointSaveAndLoad(t *testing.T) {
	store := openTestCheckpointer(t)
	ctx := context.Background()

	cp := &Checkpoint{
		Ontology:         "phil",
		Document:         "doc",
		JobID:            "job-1",
		Fingerprint:      "sha256:aaaa",
		CharPosition:     1234,
		ChunksProcessed:  2,
		RecentConceptIDs: []string{"c1", "c2"},
		Stats:            jobs.Stats{ConceptsCreated: 5, InstancesCreated: 7},
	}
	require.NoError(t, store.Save(ctx, cp))

	got, err := store.Load(ctx, "sha256:aaaa", "phil", "doc")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, CheckpointSchemaVersion, got.SchemaVersion)
	assert.Equal(t, "job-1", got.JobID)
	assert.Equal(t, 1234, got.CharPosition)
	assert.Equal(t, 2, got.ChunksProcessed)
	assert.Equal(t, []string{"c1", "c2"}, got.RecentConceptIDs)
	assert.Equal(t, 5, got.Stats.ConceptsCreated)
	assert.False(t, got.Timestamp.IsZero())
}

func TestCheckpointLoadMissing(t *testing.T) {
	store := openTestCheckpointer(t)

	got, err := store.Load(context.Background(), "sha256:aaaa", "phil", "nope")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestCheckpointSurvivesNewJobID(t *testing.T) {
	store := openTestCheckpointer(t)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, &Checkpoint{
		Ontology: "phil", Document: "doc", JobID: "job-1",
		Fingerprint: "sha256:aaaa", ChunksProcessed: 3,
	}))

	// A later job for the same document and bytes finds the same checkpoint.
	got, err := store.Load(ctx, "sha256:aaaa", "phil", "doc")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 3, got.ChunksProcessed)
	assert.Equal(t, "job-1", got.JobID)
}

func TestCheckpointFingerprintMismatch(t *testing.T) {
	store := openTestCheckpointer(t)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, &Checkpoint{
		Ontology: "phil", Document: "doc", JobID: "job-1",
		Fingerprint: "sha256:aaaa", ChunksProcessed: 1,
	}))

	_, err := store.Load(ctx, "sha256:bbbb", "phil", "doc")
	assert.ErrorIs(t, err, ErrFingerprintMismatch)
}

func TestCheckpointOverwrite(t *testing.T) {
	store := openTestCheckpointer(t)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, &Checkpoint{
		Ontology: "phil", Document: "doc", JobID: "job-1",
		Fingerprint: "sha256:aaaa", ChunksProcessed: 1,
	}))
	require.NoError(t, store.Save(ctx, &Checkpoint{
		Ontology: "phil", Document: "doc", JobID: "job-2",
		Fingerprint: "sha256:aaaa", ChunksProcessed: 2,
	}))

	got, err := store.Load(ctx, "sha256:aaaa", "phil", "doc")
	require.NoError(t, err)
	assert.Equal(t, 2, got.ChunksProcessed)
	assert.Equal(t, "job-2", got.JobID)
}

func TestCheckpointDocumentsAreIndependent(t *testing.T) {
	store := openTestCheckpointer(t)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, &Checkpoint{
		Ontology: "phil", Document: "a", JobID: "j1",
		Fingerprint: "sha256:aaaa", ChunksProcessed: 1,
	}))
	require.NoError(t, store.Save(ctx, &Checkpoint{
		Ontology: "phil", Document: "b", JobID: "j2",
		Fingerprint: "sha256:bbbb", ChunksProcessed: 4,
	}))

	got, err := store.Load(ctx, "sha256:aaaa", "phil", "a")
	require.NoError(t, err)
	assert.Equal(t, 1, got.ChunksProcessed)

	got, err = store.Load(ctx, "sha256:bbbb", "phil", "b")
	require.NoError(t, err)
	assert.Equal(t, 4, got.ChunksProcessed)
}

func TestCheckpointDelete(t *testing.T) {
	store := openTestCheckpointer(t)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, &Checkpoint{
		Ontology: "phil", Document: "doc", JobID: "job-1",
		Fingerprint: "sha256:aaaa",
	}))
	require.NoError(t, store.Delete(ctx, "phil", "doc"))

	got, err := store.Load(ctx, "sha256:aaaa", "phil", "doc")
	require.NoError(t, err)
	assert.Nil(t, got)

	// Deleting again is not an error
	require.NoError(t, store.Delete(ctx, "phil", "doc"))
}

func TestRecentConceptRingCaps(t *testing.T) {
	cp := &Checkpoint{}
	for i := 0; i < 60; i++ {
		cp.AddRecentConcepts(fmt.Sprintf("c%d", i))
	}
	require.Len(t, cp.RecentConceptIDs, 50)
	assert.Equal(t, "c10", cp.RecentConceptIDs[0])
	assert.Equal(t, "c59", cp.RecentConceptIDs[49])
}
