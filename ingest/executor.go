package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"noesis/graph"
	"noesis/jobs"
	"noesis/llm"
)

// KindError tags a pipeline failure with a machine-readable kind from the
// jobs error taxonomy.
type KindError struct {
	Kind string
	Err  error
}

func (e *KindError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *KindError) Unwrap() error {
	return e.Err
}

// storageRetryPolicy bounds retries of transient storage failures (busy
// database, dropped connection) before they fail the job.
func storageRetryPolicy() llm.RetryPolicy {
	return llm.RetryPolicy{
		MaxAttempts:    3,
		InitialBackoff: 100 * time.Millisecond,
		Multiplier:     2.0,
		MaxBackoff:     time.Second,
		IsRetryable:    isTransientStorage,
	}
}

func isTransientStorage(err error) bool {
	var kindErr *KindError
	return errors.As(err, &kindErr) && kindErr.Kind == jobs.ErrKindStorageTransient
}

// Classify maps an executor error onto a machine-readable kind.
func Classify(err error) string {
	var kindErr *KindError
	if errors.As(err, &kindErr) {
		return kindErr.Kind
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return jobs.ErrKindDeadline
	case errors.Is(err, context.Canceled):
		return jobs.ErrKindCancelled
	case llm.IsFatal(err):
		return jobs.ErrKindExtractorPermanent
	case llm.IsTransient(err):
		return jobs.ErrKindExtractorTransient
	}
	return jobs.ErrKindStoragePermanent
}

// RelTypeResolver validates relationship types against the active
// vocabulary. Unknown names are captured by the resolver for later review.
type RelTypeResolver interface {
	// Resolve returns the canonical type for name (which may be name
	// itself or a synonym redirect), or ok=false when the name is not in
	// the vocabulary.
	Resolve(ctx context.Context, name string) (canonical string, ok bool, err error)
}

// TextRequest is the payload of ingest_text and ingest_file jobs (the file
// reader resolves a path to text before submission).
type TextRequest struct {
	Ontology string        `json:"ontology"`
	Document string        `json:"document"`
	Text     string        `json:"text"`
	Options  *ChunkOptions `json:"options,omitempty"`
}

// ImageRequest is the payload of ingest_image jobs.
type ImageRequest struct {
	Ontology    string `json:"ontology"`
	Document    string `json:"document"`
	Image       []byte `json:"image"`
	ContentType string `json:"content_type,omitempty"`
	ObjectKey   string `json:"object_key,omitempty"`
}

// Executor runs one ingestion job to a terminal state.
type Executor struct {
	graph     graph.Store
	jobStore  jobs.Store
	ckpt      Checkpointer
	extractor llm.Extractor
	embedder  llm.Embedder
	vision    llm.VisionExtractor
	vocab     RelTypeResolver

	chunkOpts       ChunkOptions
	matcher         *graph.Matcher
	contextConcepts int
	parallelWorkers int
	costPerMTok     float64
	notifyProgress  ProgressNotifier
	logger          *slog.Logger

	// Per-ontology upsert locks. Two workers must not race the
	// match-then-insert section for the same ontology.
	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithChunkOptions overrides the default chunk sizing.
func WithChunkOptions(opts ChunkOptions) ExecutorOption {
	return func(e *Executor) {
		e.chunkOpts = opts
	}
}

// WithMatcher overrides the default concept matcher, e.g. to loosen the
// similarity threshold for recursive upserts.
func WithMatcher(m *graph.Matcher) ExecutorOption {
	return func(e *Executor) {
		e.matcher = m
	}
}

// WithContextConcepts sets how many recent concepts prime each extraction.
func WithContextConcepts(n int) ExecutorOption {
	return func(e *Executor) {
		e.contextConcepts = n
	}
}

// WithParallelWorkers bounds the chunk worker pool for parallel-mode jobs.
func WithParallelWorkers(n int) ExecutorOption {
	return func(e *Executor) {
		e.parallelWorkers = n
	}
}

// ProgressNotifier observes progress updates as they are persisted, e.g.
// to publish them as events.
type ProgressNotifier func(job *jobs.Job, p *jobs.Progress)

// WithProgressNotifier forwards each progress update to fn.
func WithProgressNotifier(fn ProgressNotifier) ExecutorOption {
	return func(e *Executor) {
		e.notifyProgress = fn
	}
}

// WithVision enables image ingestion.
func WithVision(v llm.VisionExtractor) ExecutorOption {
	return func(e *Executor) {
		e.vision = v
	}
}

// WithCostRate prices token spend in the job result, dollars per million
// tokens.
func WithCostRate(perMillion float64) ExecutorOption {
	return func(e *Executor) {
		e.costPerMTok = perMillion
	}
}

// WithExecutorLogger sets the logger.
func WithExecutorLogger(logger *slog.Logger) ExecutorOption {
	return func(e *Executor) {
		e.logger = logger
	}
}

// NewExecutor wires an ingestion executor.
func NewExecutor(
	graphStore graph.Store,
	jobStore jobs.Store,
	ckpt Checkpointer,
	extractor llm.Extractor,
	embedder llm.Embedder,
	vocab RelTypeResolver,
	opts ...ExecutorOption,
) *Executor {
	e := &Executor{
		graph:           graphStore,
		jobStore:        jobStore,
		ckpt:            ckpt,
		extractor:       extractor,
		embedder:        embedder,
		vocab:           vocab,
		chunkOpts:       DefaultChunkOptions(),
		matcher:         graph.NewMatcher(graphStore, embedder),
		contextConcepts: 15,
		parallelWorkers: 4,
		logger:          slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run executes one ingestion job. The job is already in processing status;
// the caller writes the terminal state from the returned result or error.
func (e *Executor) Run(ctx context.Context, job *jobs.Job) (*jobs.Result, error) {
	switch job.Type {
	case jobs.TypeIngestText, jobs.TypeIngestFile:
		var req TextRequest
		if err := json.Unmarshal(job.Payload, &req); err != nil {
			return nil, &KindError{Kind: jobs.ErrKindInput, Err: fmt.Errorf("decode request: %w", err)}
		}
		if req.Ontology == "" {
			return nil, &KindError{Kind: jobs.ErrKindInput, Err: errors.New("request has no ontology")}
		}
		fingerprint := jobs.HashText(req.Text)
		return e.runText(ctx, job, req, fingerprint, nil)

	case jobs.TypeIngestImage:
		return e.runImage(ctx, job)

	default:
		return nil, &KindError{Kind: jobs.ErrKindInput, Err: fmt.Errorf("unsupported job type %q", job.Type)}
	}
}

// runImage converts the image to prose and feeds it through the text
// pipeline as a single document.
func (e *Executor) runImage(ctx context.Context, job *jobs.Job) (*jobs.Result, error) {
	if e.vision == nil {
		return nil, &KindError{Kind: jobs.ErrKindInput, Err: errors.New("image ingestion is not configured")}
	}

	var req ImageRequest
	if err := json.Unmarshal(job.Payload, &req); err != nil {
		return nil, &KindError{Kind: jobs.ErrKindInput, Err: fmt.Errorf("decode request: %w", err)}
	}
	if req.Ontology == "" || len(req.Image) == 0 {
		return nil, &KindError{Kind: jobs.ErrKindInput, Err: errors.New("request needs ontology and image bytes")}
	}

	e.updateProgress(ctx, job, &jobs.Progress{Stage: jobs.StageAnalyzing})

	prose, err := e.vision.Describe(ctx, req.Image, req.ContentType)
	if err != nil {
		return nil, e.wrapCapabilityError(ctx, err)
	}

	// The fingerprint binds the checkpoint to the image bytes, not the
	// (model-dependent) prose.
	fingerprint := jobs.HashContent(req.Image)
	imageMeta := &req
	return e.runText(ctx, job, TextRequest{
		Ontology: req.Ontology,
		Document: req.Document,
		Text:     prose,
	}, fingerprint, imageMeta)
}

func (e *Executor) runText(ctx context.Context, job *jobs.Job, req TextRequest, fingerprint string, imageMeta *ImageRequest) (*jobs.Result, error) {
	chunkOpts := e.chunkOpts
	if req.Options != nil {
		chunkOpts = *req.Options
	}
	chunker, err := NewChunker(chunkOpts)
	if err != nil {
		return nil, &KindError{Kind: jobs.ErrKindInput, Err: err}
	}

	// Undocumented inputs key their checkpoint by content instead.
	ckptDoc := req.Document
	if ckptDoc == "" {
		ckptDoc = fingerprint
	}
	cp, err := e.loadCheckpoint(ctx, fingerprint, req.Ontology, ckptDoc, job.ID)
	if err != nil {
		return nil, err
	}

	e.updateProgress(ctx, job, &jobs.Progress{Stage: jobs.StageChunking, ChunksProcessed: cp.ChunksProcessed})

	chunks := chunker.Split(req.Text)
	if len(chunks) == 0 {
		if err := e.ckpt.Delete(ctx, req.Ontology, ckptDoc); err != nil {
			e.logger.Warn("Failed to delete checkpoint", "job_id", job.ID, "error", err)
		}
		return &jobs.Result{Status: jobs.ResultSucceeded, Ontology: req.Ontology}, nil
	}

	run := &textRun{
		exec:        e,
		job:         job,
		req:         req,
		fingerprint: fingerprint,
		imageMeta:   imageMeta,
		chunks:      chunks,
		cp:          cp,
	}

	if job.ProcessingMode == jobs.ModeParallel {
		err = run.runParallel(ctx)
	} else {
		err = run.runSerial(ctx)
	}
	if err != nil {
		// Cancellation and failures keep the checkpoint for later resume.
		if ctx.Err() != nil {
			e.updateProgress(ctx, job, run.progress(jobs.StageCancelled))
			kind := jobs.ErrKindCancelled
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				kind = jobs.ErrKindDeadline
			}
			return nil, &KindError{Kind: kind, Err: ctx.Err()}
		}
		return nil, err
	}

	e.updateProgress(ctx, job, run.progress(jobs.StageFinalizing))
	if err := e.ckpt.Delete(ctx, req.Ontology, ckptDoc); err != nil {
		e.logger.Warn("Failed to delete checkpoint", "job_id", job.ID, "error", err)
	}

	stats := run.cp.Stats
	result := &jobs.Result{
		Status:          jobs.ResultSucceeded,
		Stats:           stats,
		Ontology:        req.Ontology,
		ChunksProcessed: run.cp.ChunksProcessed,
		Cost: jobs.Cost{
			Tokens:  stats.TokensUsed,
			Dollars: float64(stats.TokensUsed) / 1_000_000 * e.costPerMTok,
		},
	}
	return result, nil
}

// loadCheckpoint resumes from the document's stored checkpoint, discarding
// any bound to different input bytes. The checkpoint outlives the job that
// wrote it, so a resubmission under a new job id still resumes.
func (e *Executor) loadCheckpoint(ctx context.Context, fingerprint, ontology, document, jobID string) (*Checkpoint, error) {
	cp, err := e.ckpt.Load(ctx, fingerprint, ontology, document)
	if errors.Is(err, ErrFingerprintMismatch) {
		e.logger.Info("Discarding checkpoint for changed input",
			"ontology", ontology, "document", document)
		if err := e.ckpt.Delete(ctx, ontology, document); err != nil {
			return nil, &KindError{Kind: jobs.ErrKindStoragePermanent, Err: err}
		}
		cp = nil
	} else if err != nil {
		return nil, &KindError{Kind: jobs.ErrKindStoragePermanent, Err: err}
	}
	if cp == nil {
		cp = &Checkpoint{
			SchemaVersion: CheckpointSchemaVersion,
			Ontology:      ontology,
			Document:      document,
			Fingerprint:   fingerprint,
		}
	}
	cp.JobID = jobID
	return cp, nil
}

func (e *Executor) updateProgress(ctx context.Context, job *jobs.Job, p *jobs.Progress) {
	// Progress writes are best-effort; a failed write never fails a chunk.
	if err := e.jobStore.UpdateProgress(ctx, job.ID, p); err != nil && ctx.Err() == nil {
		e.logger.Warn("Failed to update progress", "job_id", job.ID, "error", err)
	}
	if e.notifyProgress != nil {
		e.notifyProgress(job, p)
	}
}

func (e *Executor) wrapCapabilityError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		kind := jobs.ErrKindCancelled
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			kind = jobs.ErrKindDeadline
		}
		return &KindError{Kind: kind, Err: err}
	}
	if llm.IsFatal(err) {
		return &KindError{Kind: jobs.ErrKindExtractorPermanent, Err: err}
	}
	return &KindError{Kind: jobs.ErrKindExtractorTransient, Err: err}
}

// ontologyLock returns the upsert mutex for an ontology.
func (e *Executor) ontologyLock(ontology string) *sync.Mutex {
	e.locksMu.Lock()
	defer e.locksMu.Unlock()
	if e.locks == nil {
		e.locks = make(map[string]*sync.Mutex)
	}
	mu, ok := e.locks[ontology]
	if !ok {
		mu = &sync.Mutex{}
		e.locks[ontology] = mu
	}
	return mu
}

// textRun is the mutable state of one job execution.
type textRun struct {
	exec        *Executor
	job         *jobs.Job
	req         TextRequest
	fingerprint string
	imageMeta   *ImageRequest
	chunks      []Chunk

	mu sync.Mutex
	cp *Checkpoint
}

func (r *textRun) progress(stage string) *jobs.Progress {
	r.mu.Lock()
	defer r.mu.Unlock()
	total := len(r.chunks)
	p := &jobs.Progress{
		Stage:                stage,
		ChunksTotal:          total,
		ChunksProcessed:      r.cp.ChunksProcessed,
		ConceptsCreated:      r.cp.Stats.ConceptsCreated,
		ConceptsLinked:       r.cp.Stats.ConceptsLinked,
		SourcesCreated:       r.cp.Stats.SourcesCreated,
		InstancesCreated:     r.cp.Stats.InstancesCreated,
		RelationshipsCreated: r.cp.Stats.RelationshipsCreated,
	}
	if total > 0 {
		p.Percent = float64(r.cp.ChunksProcessed) / float64(total) * 100
	}
	return p
}

func (r *textRun) runSerial(ctx context.Context) error {
	for i := r.cp.ChunksProcessed; i < len(r.chunks); i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		chunk := r.chunks[i]

		r.mu.Lock()
		recent := append([]string(nil), r.cp.RecentConceptIDs...)
		r.mu.Unlock()

		outcome, err := r.exec.processChunk(ctx, r.job, r.req, r.fingerprint, r.imageMeta, chunk, recent)
		if err != nil {
			return err
		}

		r.mu.Lock()
		r.cp.ChunksProcessed = i + 1
		r.cp.CharPosition = chunk.EndOffset
		r.cp.Stats.Add(outcome.stats)
		r.cp.AddRecentConcepts(outcome.conceptIDs...)
		r.mu.Unlock()

		if err := r.exec.ckpt.Save(ctx, r.cp); err != nil {
			return &KindError{Kind: jobs.ErrKindStoragePermanent, Err: err}
		}
		r.exec.updateProgress(ctx, r.job, r.progressAt(jobs.StageExtraction, i))
	}
	return nil
}

// runParallel dispatches remaining chunks to a bounded pool. The recorded
// checkpoint always holds the lowest contiguous completed chunk, so a
// resume never skips an unfinished chunk.
func (r *textRun) runParallel(ctx context.Context) error {
	start := r.cp.ChunksProcessed
	completed := make(map[int]chunkOutcome)
	var completedMu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.exec.parallelWorkers)

	for i := start; i < len(r.chunks); i++ {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			chunk := r.chunks[i]

			r.mu.Lock()
			recent := append([]string(nil), r.cp.RecentConceptIDs...)
			r.mu.Unlock()

			outcome, err := r.exec.processChunk(gctx, r.job, r.req, r.fingerprint, r.imageMeta, chunk, recent)
			if err != nil {
				return err
			}

			completedMu.Lock()
			completed[i] = outcome
			contiguous := r.advanceContiguous(completed)
			completedMu.Unlock()

			if contiguous {
				if err := r.exec.ckpt.Save(gctx, r.cp); err != nil {
					return &KindError{Kind: jobs.ErrKindStoragePermanent, Err: err}
				}
			}
			r.exec.updateProgress(gctx, r.job, r.progress(jobs.StageExtraction))
			return nil
		})
	}
	return g.Wait()
}

// advanceContiguous folds finished chunks into the checkpoint in index
// order and reports whether it advanced.
func (r *textRun) advanceContiguous(completed map[int]chunkOutcome) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	advanced := false
	for {
		outcome, ok := completed[r.cp.ChunksProcessed]
		if !ok {
			return advanced
		}
		delete(completed, r.cp.ChunksProcessed)
		r.cp.CharPosition = r.chunks[r.cp.ChunksProcessed].EndOffset
		r.cp.ChunksProcessed++
		r.cp.Stats.Add(outcome.stats)
		r.cp.AddRecentConcepts(outcome.conceptIDs...)
		advanced = true
	}
}

func (r *textRun) progressAt(stage string, current int) *jobs.Progress {
	p := r.progress(stage)
	p.CurrentChunk = current
	return p
}

// chunkOutcome summarizes one processed chunk.
type chunkOutcome struct {
	stats      jobs.Stats
	conceptIDs []string
}

// processChunk runs the per-chunk pipeline: prime context, extract, match,
// resolve, validate, and commit in one transaction.
func (e *Executor) processChunk(ctx context.Context, job *jobs.Job, req TextRequest, fingerprint string, imageMeta *ImageRequest, chunk Chunk, recentIDs []string) (chunkOutcome, error) {
	var gc llm.GraphContext
	err := llm.Retry(ctx, storageRetryPolicy(), func(ctx context.Context) error {
		var err error
		gc, err = e.primeContext(ctx, req.Ontology, req.Document, recentIDs)
		if err != nil {
			return &KindError{Kind: jobs.ErrKindStorageTransient, Err: err}
		}
		return nil
	})
	if err != nil {
		return chunkOutcome{}, err
	}

	extraction, err := e.extractor.Extract(ctx, chunk.Text, gc)
	if err != nil {
		return chunkOutcome{}, e.wrapCapabilityError(ctx, err)
	}

	// Embeddings are computed before taking the ontology lock; holding it
	// across capability calls would serialize the whole pool.
	protos := make([]graph.ProtoConcept, 0, len(extraction.Concepts))
	vectors := make([][]float32, 0, len(extraction.Concepts))
	for _, c := range extraction.Concepts {
		if strings.TrimSpace(c.Label) == "" {
			continue
		}
		proto := graph.ProtoConcept{
			Label:       strings.TrimSpace(c.Label),
			Description: c.Description,
			SearchTerms: c.SearchTerms,
		}
		vec, err := e.embedder.Embed(ctx, proto.EmbeddingInput())
		if err != nil {
			return chunkOutcome{}, e.wrapCapabilityError(ctx, err)
		}
		protos = append(protos, proto)
		vectors = append(vectors, vec)
	}

	mu := e.ontologyLock(req.Ontology)
	mu.Lock()
	defer mu.Unlock()

	// The transaction rolls back on any failure, so a retried commit
	// starts from clean state; only transient storage errors re-enter.
	var outcome chunkOutcome
	err = llm.Retry(ctx, storageRetryPolicy(), func(ctx context.Context) error {
		var err error
		outcome, err = e.commitChunk(ctx, req, fingerprint, imageMeta, chunk, extraction, protos, vectors)
		return err
	})
	if err != nil {
		return chunkOutcome{}, err
	}
	outcome.stats.TokensUsed = extraction.Tokens
	return outcome, nil
}

// commitChunk writes one chunk's effects in a single graph transaction.
// Caller holds the ontology lock, so the match decisions made against
// committed state just before the transaction cannot be raced by another
// worker in the same ontology.
func (e *Executor) commitChunk(ctx context.Context, req TextRequest, fingerprint string, imageMeta *ImageRequest, chunk Chunk, extraction *llm.Extraction, protos []graph.ProtoConcept, vectors [][]float32) (chunkOutcome, error) {
	// Match first: the vector search must not run inside the write
	// transaction (the store serializes on one connection).
	matched := make([]string, len(protos))
	for i := range protos {
		decision, err := e.matcher.MatchVector(ctx, vectors[i], req.Ontology)
		if err != nil {
			return chunkOutcome{}, &KindError{Kind: jobs.ErrKindStorageTransient, Err: err}
		}
		matched[i] = decision.ConceptID
	}

	tx, err := e.graph.BeginTx(ctx)
	if err != nil {
		return chunkOutcome{}, &KindError{Kind: jobs.ErrKindStorageTransient, Err: err}
	}
	defer tx.Rollback()

	var outcome chunkOutcome
	labelToID := make(map[string]string, len(protos))

	for i, proto := range protos {
		if _, done := labelToID[strings.ToLower(proto.Label)]; done {
			continue
		}

		conceptID := matched[i]
		if conceptID != "" {
			if err := tx.MergeSearchTerms(ctx, conceptID, proto.SearchTerms); err != nil {
				return chunkOutcome{}, &KindError{Kind: jobs.ErrKindStoragePermanent, Err: err}
			}
			outcome.stats.ConceptsLinked++
		} else {
			conceptID, err = tx.UpsertConcept(ctx, req.Ontology, proto, vectors[i])
			if err != nil {
				return chunkOutcome{}, &KindError{Kind: jobs.ErrKindStoragePermanent, Err: err}
			}
			outcome.stats.ConceptsCreated++
		}
		labelToID[strings.ToLower(proto.Label)] = conceptID
		outcome.conceptIDs = append(outcome.conceptIDs, conceptID)
	}

	src := graph.Source{
		Ontology:    req.Ontology,
		Document:    req.Document,
		ChunkIndex:  chunk.Index,
		FullText:    chunk.Text,
		ContentHash: fingerprint,
		StartOffset: chunk.StartOffset,
		EndOffset:   chunk.EndOffset,
		Type:        graph.SourceTypeDocument,
	}
	if imageMeta != nil {
		src.HasImage = true
		src.ImageContentType = imageMeta.ContentType
		src.ImageObjectKey = imageMeta.ObjectKey
	}
	sourceID, err := tx.InsertSource(ctx, src)
	if err != nil {
		return chunkOutcome{}, &KindError{Kind: jobs.ErrKindStoragePermanent, Err: err}
	}
	outcome.stats.SourcesCreated++

	for _, c := range extraction.Concepts {
		conceptID, ok := labelToID[strings.ToLower(strings.TrimSpace(c.Label))]
		if !ok {
			continue
		}
		for _, quote := range c.EvidenceQuotes {
			// Quotes must be verbatim; fabricated evidence drops the
			// instance but keeps the concept.
			offset := strings.Index(chunk.Text, quote)
			if quote == "" || offset < 0 {
				e.logger.Warn("Dropping non-verbatim evidence quote",
					"label", c.Label, "chunk", chunk.Index)
				continue
			}
			err := tx.InsertInstance(ctx, graph.Instance{
				ConceptID: conceptID,
				SourceID:  sourceID,
				Quote:     quote,
				Paragraph: chunk.Index,
				Offset:    chunk.StartOffset + offset,
			})
			if err != nil {
				return chunkOutcome{}, &KindError{Kind: jobs.ErrKindStoragePermanent, Err: err}
			}
			outcome.stats.InstancesCreated++
		}
	}

	for _, rel := range extraction.Relationships {
		fromID, okFrom := labelToID[strings.ToLower(strings.TrimSpace(rel.FromLabel))]
		toID, okTo := labelToID[strings.ToLower(strings.TrimSpace(rel.ToLabel))]
		if !okFrom || !okTo {
			e.logger.Warn("Dropping relationship with unresolved endpoint",
				"from", rel.FromLabel, "to", rel.ToLabel, "rel_type", rel.RelType)
			outcome.stats.RelationshipsSkipped++
			continue
		}

		canonical, ok, err := e.vocab.Resolve(ctx, rel.RelType)
		if err != nil {
			return chunkOutcome{}, &KindError{Kind: jobs.ErrKindStorageTransient, Err: err}
		}
		if !ok {
			// The resolver has captured the unknown type; the edge is
			// dropped, never autocreated mid-ingestion.
			outcome.stats.RelationshipsSkipped++
			continue
		}

		err = tx.InsertRelationship(ctx, graph.Relationship{
			FromID:     fromID,
			ToID:       toID,
			RelType:    canonical,
			Category:   rel.Category,
			Confidence: rel.Confidence,
			SourceID:   sourceID,
		})
		if err != nil {
			return chunkOutcome{}, &KindError{Kind: jobs.ErrKindStoragePermanent, Err: err}
		}
		outcome.stats.RelationshipsCreated++
	}

	if err := tx.Commit(); err != nil {
		return chunkOutcome{}, &KindError{Kind: jobs.ErrKindStorageTransient, Err: err}
	}
	return outcome, nil
}

// primeContext loads recent concept labels and their one-hop relationship
// cluster to prime the extractor.
func (e *Executor) primeContext(ctx context.Context, ontology, document string, recentIDs []string) (llm.GraphContext, error) {
	ids := recentIDs
	if len(ids) == 0 && document != "" {
		stored, err := e.graph.RecentConceptsInDocument(ctx, ontology, document, e.contextConcepts)
		if err != nil {
			return llm.GraphContext{}, fmt.Errorf("load recent concepts: %w", err)
		}
		ids = stored
	}
	if len(ids) > e.contextConcepts {
		ids = ids[len(ids)-e.contextConcepts:]
	}

	var gc llm.GraphContext
	seenNeighbors := make(map[string]bool)
	for _, id := range ids {
		concept, err := e.graph.GetConcept(ctx, id)
		if errors.Is(err, graph.ErrNotFound) {
			continue
		}
		if err != nil {
			return llm.GraphContext{}, fmt.Errorf("load concept %s: %w", id, err)
		}
		gc.RecentConcepts = append(gc.RecentConcepts, concept.Label)

		neighbors, err := e.graph.NeighborsOf(ctx, id, 1)
		if err != nil {
			return llm.GraphContext{}, fmt.Errorf("load neighbors of %s: %w", id, err)
		}
		for _, n := range neighbors {
			line := n.Summary()
			if !seenNeighbors[line] {
				seenNeighbors[line] = true
				gc.NeighborSummary = append(gc.NeighborSummary, line)
			}
		}
	}
	sort.Strings(gc.NeighborSummary)
	return gc, nil
}
