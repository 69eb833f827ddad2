package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"noesis/graph"
	"noesis/jobs"
	"noesis/llm"
	"noesis/llm/testutil"
)

// fakeResolver resolves relationship types from a fixed table and records
// unknown names like the vocabulary's skipped log does.
type fakeResolver struct {
	mu      sync.Mutex
	types   map[string]string
	skipped []string
}

func (f *fakeResolver) Resolve(_ context.Context, name string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if canonical, ok := f.types[name]; ok {
		return canonical, true, nil
	}
	f.skipped = append(f.skipped, name)
	return "", false, nil
}

type executorFixture struct {
	graph     *graph.SQLiteStore
	jobs      *jobs.SQLiteStore
	ckpt      *SQLiteCheckpointer
	extractor *testutil.FakeExtractor
	embedder  *testutil.FakeEmbedder
	resolver  *fakeResolver
	exec      *Executor
}

func newFixture(t *testing.T, opts ...ExecutorOption) *executorFixture {
	t.Helper()
	dir := t.TempDir()

	graphStore, err := graph.OpenSQLite(filepath.Join(dir, "graph.db"))
	require.NoError(t, err)
	t.Cleanup(func() { graphStore.Close() })

	jobStore, err := jobs.OpenSQLite(filepath.Join(dir, "jobs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { jobStore.Close() })

	ckpt, err := OpenSQLiteCheckpointer(filepath.Join(dir, "checkpoints.db"))
	require.NoError(t, err)

	f := &executorFixture{
		graph:     graphStore,
		jobs:      jobStore,
		ckpt:      ckpt,
		extractor: testutil.NewFakeExtractor(),
		embedder:  testutil.NewFakeEmbedder(8),
		resolver:  &fakeResolver{types: map[string]string{"TEACHES": "TEACHES"}},
	}
	f.exec = NewExecutor(graphStore, jobStore, ckpt, f.extractor, f.embedder, f.resolver,
		append([]ExecutorOption{WithChunkOptions(smallOpts())}, opts...)...)
	return f
}

func (f *executorFixture) submitText(t *testing.T, text string, mode jobs.ProcessingMode) *jobs.Job {
	t.Helper()
	payload, err := json.Marshal(TextRequest{Ontology: "X", Document: "doc", Text: text})
	require.NoError(t, err)

	job := &jobs.Job{
		Type:           jobs.TypeIngestText,
		Status:         jobs.StatusQueued,
		ContentHash:    jobs.HashText(text),
		Ontology:       "X",
		ProcessingMode: mode,
		Payload:        payload,
	}
	res, err := f.jobs.Submit(context.Background(), job, true)
	require.NoError(t, err)
	job.ID = res.JobID
	return job
}

// mentions makes every chunk yield the named concepts with a quote from
// the chunk itself.
func mentions(labels ...string) func(string, llm.GraphContext) (*llm.Extraction, error) {
	return func(text string, _ llm.GraphContext) (*llm.Extraction, error) {
		words := strings.Fields(text)
		ex := &llm.Extraction{Tokens: 10}
		for _, label := range labels {
			ex.Concepts = append(ex.Concepts, llm.ExtractedConcept{
				Label:          label,
				EvidenceQuotes: []string{words[0]},
			})
		}
		return ex, nil
	}
}

func TestRunSingleChunkIngest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	text := "Zhuangzi dreamed he was a butterfly fluttering through the garden."
	f.extractor.Script(text, &llm.Extraction{
		Concepts: []llm.ExtractedConcept{
			{Label: "Zhuangzi", SearchTerms: []string{"Chuang Tzu"}, EvidenceQuotes: []string{"Zhuangzi dreamed"}},
			{Label: "Butterfly Dream", EvidenceQuotes: []string{"he was a butterfly"}},
		},
		Relationships: []llm.ExtractedRelationship{
			{FromLabel: "Zhuangzi", ToLabel: "Butterfly Dream", RelType: "TEACHES", Confidence: 0.9},
		},
		Tokens: 120,
	})

	job := f.submitText(t, text, jobs.ModeSerial)
	result, err := f.exec.Run(ctx, job)
	require.NoError(t, err)

	assert.Equal(t, jobs.ResultSucceeded, result.Status)
	assert.Equal(t, 1, result.ChunksProcessed)
	assert.Equal(t, 2, result.Stats.ConceptsCreated)
	assert.Equal(t, 1, result.Stats.SourcesCreated)
	assert.Equal(t, 2, result.Stats.InstancesCreated)
	assert.Equal(t, 1, result.Stats.RelationshipsCreated)
	assert.Equal(t, 120, result.Stats.TokensUsed)

	concepts, err := f.graph.ListConcepts(ctx, "X")
	require.NoError(t, err)
	assert.Len(t, concepts, 2)

	edges, err := f.graph.CountEdgesOfType(ctx, "TEACHES")
	require.NoError(t, err)
	assert.Equal(t, 1, edges)

	// Checkpoint deleted on success
	cp, err := f.ckpt.Load(ctx, jobs.HashText(text), "X", "doc")
	require.NoError(t, err)
	assert.Nil(t, cp)
}

func TestRunEmptyText(t *testing.T) {
	f := newFixture(t)

	job := f.submitText(t, "", jobs.ModeSerial)
	result, err := f.exec.Run(context.Background(), job)
	require.NoError(t, err)

	assert.Equal(t, jobs.ResultSucceeded, result.Status)
	assert.Zero(t, result.Stats.ConceptsCreated)
	assert.Zero(t, result.ChunksProcessed)
}

func TestRunDropsNonVerbatimQuote(t *testing.T) {
	f := newFixture(t)

	text := "The sage forgets himself in the stream."
	f.extractor.Script(text, &llm.Extraction{
		Concepts: []llm.ExtractedConcept{
			{Label: "Forgetting", EvidenceQuotes: []string{"the sage remembers himself", "forgets himself"}},
		},
	})

	job := f.submitText(t, text, jobs.ModeSerial)
	result, err := f.exec.Run(context.Background(), job)
	require.NoError(t, err)

	// The fabricated quote is dropped, the verbatim one survives, and the
	// concept is kept either way
	assert.Equal(t, 1, result.Stats.ConceptsCreated)
	assert.Equal(t, 1, result.Stats.InstancesCreated)
}

func TestRunSkipsUnknownRelType(t *testing.T) {
	f := newFixture(t)

	text := "Wu wei flows from stillness."
	f.extractor.Script(text, &llm.Extraction{
		Concepts: []llm.ExtractedConcept{
			{Label: "Wu Wei"}, {Label: "Stillness"},
		},
		Relationships: []llm.ExtractedRelationship{
			{FromLabel: "Wu Wei", ToLabel: "Stillness", RelType: "EMERGES_FROM", Confidence: 0.8},
		},
	})

	job := f.submitText(t, text, jobs.ModeSerial)
	result, err := f.exec.Run(context.Background(), job)
	require.NoError(t, err)

	assert.Zero(t, result.Stats.RelationshipsCreated)
	assert.Equal(t, 1, result.Stats.RelationshipsSkipped)
	assert.Contains(t, f.resolver.skipped, "EMERGES_FROM")
}

func TestRunRewritesSynonymRelType(t *testing.T) {
	f := newFixture(t)
	f.resolver.types["TEACHES_OF"] = "TEACHES"

	text := "The master teaches of the Way."
	f.extractor.Script(text, &llm.Extraction{
		Concepts: []llm.ExtractedConcept{{Label: "Master"}, {Label: "Way"}},
		Relationships: []llm.ExtractedRelationship{
			{FromLabel: "Master", ToLabel: "Way", RelType: "TEACHES_OF", Confidence: 0.9},
		},
	})

	job := f.submitText(t, text, jobs.ModeSerial)
	_, err := f.exec.Run(context.Background(), job)
	require.NoError(t, err)

	edges, err := f.graph.CountEdgesOfType(context.Background(), "TEACHES")
	require.NoError(t, err)
	assert.Equal(t, 1, edges)
}

func TestRunDropsUnresolvedRelationshipEndpoint(t *testing.T) {
	f := newFixture(t)

	text := "Only one concept appears here."
	f.extractor.Script(text, &llm.Extraction{
		Concepts: []llm.ExtractedConcept{{Label: "Concept"}},
		Relationships: []llm.ExtractedRelationship{
			{FromLabel: "Concept", ToLabel: "Phantom", RelType: "TEACHES", Confidence: 0.9},
		},
	})

	job := f.submitText(t, text, jobs.ModeSerial)
	result, err := f.exec.Run(context.Background(), job)
	require.NoError(t, err)
	assert.Zero(t, result.Stats.RelationshipsCreated)
	assert.Equal(t, 1, result.Stats.RelationshipsSkipped)
}

func TestRunLinksDuplicateConceptsAcrossChunks(t *testing.T) {
	f := newFixture(t)
	f.extractor.Fallback = mentions("Zhuangzi")

	text := sentences(40) // several chunks at small sizing
	job := f.submitText(t, text, jobs.ModeSerial)
	result, err := f.exec.Run(context.Background(), job)
	require.NoError(t, err)

	assert.Equal(t, 1, result.Stats.ConceptsCreated)
	assert.Equal(t, result.ChunksProcessed-1, result.Stats.ConceptsLinked)

	concepts, err := f.graph.ListConcepts(context.Background(), "X")
	require.NoError(t, err)
	require.Len(t, concepts, 1)
	assert.Equal(t, "Zhuangzi", concepts[0].Label)
}

func TestRunParallelNoDuplicateConcepts(t *testing.T) {
	f := newFixture(t, WithParallelWorkers(4))
	f.extractor.Fallback = mentions("Zhuangzi")

	job := f.submitText(t, sentences(40), jobs.ModeParallel)
	result, err := f.exec.Run(context.Background(), job)
	require.NoError(t, err)

	concepts, err := f.graph.ListConcepts(context.Background(), "X")
	require.NoError(t, err)
	require.Len(t, concepts, 1)
	assert.Equal(t, 1, result.Stats.ConceptsCreated)
}

func TestRunResumesAfterFailure(t *testing.T) {
	f := newFixture(t)
	text := sentences(40)

	chunker, err := NewChunker(smallOpts())
	require.NoError(t, err)
	chunks := chunker.Split(text)
	require.Greater(t, len(chunks), 2)

	// Fail permanently on the second chunk
	f.extractor.Fallback = func(chunkText string, gc llm.GraphContext) (*llm.Extraction, error) {
		if chunkText == chunks[1].Text {
			return nil, llm.NewFatalError(fmt.Errorf("model rejected input"))
		}
		return mentions("Zhuangzi")(chunkText, gc)
	}

	job := f.submitText(t, text, jobs.ModeSerial)
	_, err = f.exec.Run(context.Background(), job)
	require.Error(t, err)
	assert.Equal(t, jobs.ErrKindExtractorPermanent, Classify(err))

	// Checkpoint preserved at the last good chunk
	cp, err := f.ckpt.Load(context.Background(), jobs.HashText(text), "X", "doc")
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, 1, cp.ChunksProcessed)

	// Heal the extractor and re-run: only the remaining chunks execute
	f.extractor.Fallback = mentions("Zhuangzi")
	before := f.extractor.Calls
	result, err := f.exec.Run(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, len(chunks), result.ChunksProcessed)
	assert.Equal(t, len(chunks)-1, f.extractor.Calls-before)

	// One concept total despite the restart
	concepts, err := f.graph.ListConcepts(context.Background(), "X")
	require.NoError(t, err)
	assert.Len(t, concepts, 1)
}

func TestRunForceResubmitResumesFromCheckpoint(t *testing.T) {
	f := newFixture(t)
	text := sentences(40)

	chunker, err := NewChunker(smallOpts())
	require.NoError(t, err)
	chunks := chunker.Split(text)
	require.Greater(t, len(chunks), 2)

	// First job fails on the second chunk and leaves its checkpoint behind
	f.extractor.Fallback = func(chunkText string, gc llm.GraphContext) (*llm.Extraction, error) {
		if chunkText == chunks[1].Text {
			return nil, llm.NewFatalError(fmt.Errorf("model rejected input"))
		}
		return mentions("Zhuangzi")(chunkText, gc)
	}
	first := f.submitText(t, text, jobs.ModeSerial)
	_, err = f.exec.Run(context.Background(), first)
	require.Error(t, err)

	// A force resubmission gets a fresh job id but the same content
	f.extractor.Fallback = mentions("Zhuangzi")
	second := f.submitText(t, text, jobs.ModeSerial)
	require.NotEqual(t, first.ID, second.ID)

	before := f.extractor.Calls
	result, err := f.exec.Run(context.Background(), second)
	require.NoError(t, err)

	// Only the unfinished chunks run; chunk 0 is never reprocessed
	assert.Equal(t, len(chunks), result.ChunksProcessed)
	assert.Equal(t, len(chunks)-1, f.extractor.Calls-before)

	concepts, err := f.graph.ListConcepts(context.Background(), "X")
	require.NoError(t, err)
	assert.Len(t, concepts, 1)
}

func TestRunDiscardsCheckpointOnFingerprintMismatch(t *testing.T) {
	f := newFixture(t)
	f.extractor.Fallback = mentions("Zhuangzi")
	text := sentences(40)

	job := f.submitText(t, text, jobs.ModeSerial)

	// A checkpoint from different input bytes must not shortcut the run
	require.NoError(t, f.ckpt.Save(context.Background(), &Checkpoint{
		Ontology:        "X",
		Document:        "doc",
		JobID:           job.ID,
		Fingerprint:     "sha256:0000000000000000000000000000000000000000000000000000000000000000",
		ChunksProcessed: 3,
	}))

	chunker, err := NewChunker(smallOpts())
	require.NoError(t, err)
	total := len(chunker.Split(text))

	result, err := f.exec.Run(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, total, result.ChunksProcessed)
	assert.Equal(t, total, f.extractor.Calls)
}

// flakyStore fails BeginTx a fixed number of times before recovering,
// imitating a briefly locked database.
type flakyStore struct {
	graph.Store
	failures int
}

func (s *flakyStore) BeginTx(ctx context.Context) (graph.Tx, error) {
	if s.failures > 0 {
		s.failures--
		return nil, fmt.Errorf("database is locked")
	}
	return s.Store.BeginTx(ctx)
}

func TestRunRetriesTransientStorageFailure(t *testing.T) {
	f := newFixture(t)
	f.extractor.Fallback = mentions("Zhuangzi")

	flaky := &flakyStore{Store: f.graph, failures: 2}
	exec := NewExecutor(flaky, f.jobs, f.ckpt, f.extractor, f.embedder, f.resolver,
		WithChunkOptions(smallOpts()))

	text := "Zhuangzi dreamed he was a butterfly fluttering through the garden."
	job := f.submitText(t, text, jobs.ModeSerial)
	result, err := exec.Run(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, jobs.ResultSucceeded, result.Status)
	assert.Equal(t, 1, result.Stats.ConceptsCreated)
}

func TestRunFailsWhenStorageStaysDown(t *testing.T) {
	f := newFixture(t)
	f.extractor.Fallback = mentions("Zhuangzi")

	flaky := &flakyStore{Store: f.graph, failures: 100}
	exec := NewExecutor(flaky, f.jobs, f.ckpt, f.extractor, f.embedder, f.resolver,
		WithChunkOptions(smallOpts()))

	job := f.submitText(t, "A short text.", jobs.ModeSerial)
	_, err := exec.Run(context.Background(), job)
	require.Error(t, err)
	assert.Equal(t, jobs.ErrKindStorageTransient, Classify(err))
}

func TestRunCancelledContext(t *testing.T) {
	f := newFixture(t)
	f.extractor.Fallback = mentions("Zhuangzi")

	job := f.submitText(t, sentences(40), jobs.ModeSerial)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.exec.Run(ctx, job)
	require.Error(t, err)
	assert.Equal(t, jobs.ErrKindCancelled, Classify(err))
}

func TestRunRejectsMalformedPayload(t *testing.T) {
	f := newFixture(t)

	job := &jobs.Job{ID: "j", Type: jobs.TypeIngestText, Payload: []byte(`{not json`)}
	_, err := f.exec.Run(context.Background(), job)
	require.Error(t, err)
	assert.Equal(t, jobs.ErrKindInput, Classify(err))
}

func TestRunImageIngestion(t *testing.T) {
	vision := &testutil.FakeVision{Description: "A sage sits beneath a gnarled tree beside a stream."}
	f := newFixture(t, WithVision(vision))
	f.extractor.Fallback = mentions("Sage")

	payload, err := json.Marshal(ImageRequest{
		Ontology:    "X",
		Document:    "painting",
		Image:       []byte{0x89, 0x50, 0x4e, 0x47},
		ContentType: "image/png",
	})
	require.NoError(t, err)

	job := &jobs.Job{
		ID:      "img-job",
		Type:    jobs.TypeIngestImage,
		Payload: payload,
	}
	result, err := f.exec.Run(context.Background(), job)
	require.NoError(t, err)

	assert.Equal(t, jobs.ResultSucceeded, result.Status)
	assert.Equal(t, 1, vision.Calls)
	assert.Equal(t, 1, result.Stats.SourcesCreated)
	assert.Equal(t, 1, result.Stats.ConceptsCreated)
}

func TestRunImageWithoutVisionFails(t *testing.T) {
	f := newFixture(t)

	job := &jobs.Job{ID: "img", Type: jobs.TypeIngestImage, Payload: []byte(`{"ontology":"X","image":"aGk="}`)}
	_, err := f.exec.Run(context.Background(), job)
	require.Error(t, err)
	assert.Equal(t, jobs.ErrKindInput, Classify(err))
}

func TestRunNotifiesProgress(t *testing.T) {
	var mu sync.Mutex
	var stages []string
	notify := func(_ *jobs.Job, p *jobs.Progress) {
		mu.Lock()
		defer mu.Unlock()
		stages = append(stages, p.Stage)
	}

	f := newFixture(t, WithProgressNotifier(notify))
	f.extractor.Fallback = mentions("Dao")

	job := f.submitText(t, sentences(40), jobs.ModeSerial)
	_, err := f.exec.Run(context.Background(), job)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, stages, jobs.StageChunking)
	assert.Contains(t, stages, jobs.StageExtraction)
	assert.Contains(t, stages, jobs.StageFinalizing)
}
