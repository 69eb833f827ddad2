package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/nats-io/nats.go"

	"noesis/config"
	"noesis/graph"
	"noesis/ingest"
	"noesis/jobs"
	"noesis/llm"
	"noesis/scheduler"
	"noesis/vocabulary"
	"noesis/watch"
)

// ConsolidateRequest is the payload of vocab_consolidate jobs.
type ConsolidateRequest struct {
	TargetSize  int  `json:"target_size,omitempty"`
	DryRun      bool `json:"dry_run,omitempty"`
	PruneUnused bool `json:"prune_unused,omitempty"`
}

// RegenerateRequest is the payload of embedding_regenerate jobs.
type RegenerateRequest struct {
	Ontology string `json:"ontology"`
}

// App is the main application that wires together all components.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	graph    *graph.SQLiteStore
	jobStore *jobs.SQLiteStore
	ckpt     *ingest.SQLiteCheckpointer
	vocab    *vocabulary.Manager
	client   *llm.Client
	executor *ingest.Executor
	sched    *scheduler.Scheduler
	watcher  *watch.Watcher
	nc       *nats.Conn
	events   *scheduler.Publisher

	watchCancel context.CancelFunc
	watchDone   chan struct{}
}

// NewApp creates a new application instance.
func NewApp(cfg *config.Config, logger *slog.Logger) *App {
	if logger == nil {
		logger = slog.Default()
	}
	return &App{cfg: cfg, logger: logger}
}

// Start initializes storage, the LLM client, the vocabulary, and the
// scheduler, then begins processing jobs.
func (a *App) Start(ctx context.Context) error {
	if err := a.openStorage(ctx); err != nil {
		return err
	}

	a.client = newExtractionClient(a.cfg)
	a.connectEvents()

	if err := a.buildVocabulary(ctx); err != nil {
		return err
	}
	a.buildExecutor()
	if err := a.buildScheduler(ctx); err != nil {
		return err
	}
	if err := a.startWatcher(ctx); err != nil {
		return err
	}

	a.logger.Info("Noesis ready",
		"graph_db", a.cfg.GraphDBPath(),
		"jobs_db", a.cfg.JobsDBPath(),
		"workers", a.cfg.Scheduler.Workers)
	return nil
}

// Stop shuts everything down in reverse dependency order.
func (a *App) Stop() {
	if a.watchCancel != nil {
		a.watchCancel()
		<-a.watchDone
	}
	if a.sched != nil {
		a.sched.Stop()
	}
	if a.nc != nil {
		a.nc.Close()
	}
	if a.jobStore != nil {
		a.jobStore.Close()
	}
	if a.graph != nil {
		a.graph.Close()
	}
	a.logger.Info("Noesis stopped")
}

func (a *App) openStorage(ctx context.Context) error {
	if err := os.MkdirAll(a.cfg.Storage.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	graphStore, err := graph.OpenSQLite(a.cfg.GraphDBPath())
	if err != nil {
		return err
	}
	a.graph = graphStore

	jobStore, err := jobs.OpenSQLite(a.cfg.JobsDBPath())
	if err != nil {
		return err
	}
	a.jobStore = jobStore

	// Checkpoints share the graph database file.
	ckpt, err := ingest.NewSQLiteCheckpointer(graphStore.DB())
	if err != nil {
		return err
	}
	a.ckpt = ckpt
	return nil
}

func (a *App) buildVocabulary(ctx context.Context) error {
	curve, err := vocabulary.Profile(a.cfg.Vocabulary.Profile)
	if err != nil {
		return err
	}
	manager, err := vocabulary.NewManager(a.graph.DB(), a.graph, a.client,
		vocabulary.WithThresholds(a.cfg.Vocabulary.Thresholds),
		vocabulary.WithProfile(curve),
		vocabulary.WithSimilarityThresholds(
			a.cfg.Vocabulary.StrongSimilarity, a.cfg.Vocabulary.ModerateSimilarity),
		vocabulary.WithEmbeddingModel(a.cfg.Extraction.EmbeddingModel),
		vocabulary.WithManagerLogger(a.logger),
	)
	if err != nil {
		return err
	}
	if err := manager.Bootstrap(ctx, nil); err != nil {
		return fmt.Errorf("seed vocabulary: %w", err)
	}
	a.vocab = manager
	return nil
}

// connectEvents dials NATS and builds the event publisher. The publisher
// degrades to a no-op without a broker.
func (a *App) connectEvents() {
	nc, err := scheduler.Connect(a.cfg.Events.URL)
	if err != nil {
		// Everything runs without a broker; events just go dark.
		a.logger.Warn("NATS unavailable, job events disabled", "error", err)
	}
	a.nc = nc
	a.events = scheduler.NewPublisher(nc, a.logger)
}

func (a *App) buildExecutor() {
	opts := []ingest.ExecutorOption{
		ingest.WithChunkOptions(a.cfg.Ingestion.Chunking),
		ingest.WithContextConcepts(a.cfg.Ingestion.ContextConcepts),
		ingest.WithParallelWorkers(a.cfg.Ingestion.ParallelWorkers),
		ingest.WithCostRate(a.cfg.Extraction.CostPerMTok),
		ingest.WithProgressNotifier(a.events.Progress),
		ingest.WithExecutorLogger(a.logger),
	}
	if a.cfg.Extraction.VisionModel != "" {
		opts = append(opts, ingest.WithVision(a.client))
	}
	a.executor = ingest.NewExecutor(a.graph, a.jobStore, a.ckpt,
		a.client, a.client, a.vocab, opts...)
}

func (a *App) buildScheduler(ctx context.Context) error {
	analyzer := ingest.NewAnalyzer(a.cfg.Ingestion.Chunking, a.cfg.Extraction.CostPerMTok)
	policy := ingest.DefaultApprovalPolicy()
	policy.AutoApproveMaxCost = a.cfg.Ingestion.AutoApproveMaxCost
	policy.AutoApproveMaxChunks = a.cfg.Ingestion.AutoApproveMaxChunks

	a.sched = scheduler.NewScheduler(a.jobStore,
		scheduler.WithWorkers(a.cfg.Scheduler.Workers),
		scheduler.WithPollInterval(a.cfg.Scheduler.PollInterval),
		scheduler.WithJobTimeout(a.cfg.Scheduler.JobTimeout),
		scheduler.WithCleanupInterval(a.cfg.Scheduler.CleanupInterval),
		scheduler.WithRetention(a.cfg.Scheduler.CompletedRetention, a.cfg.Scheduler.FailedRetention),
		scheduler.WithAnalyzer(analyzer),
		scheduler.WithApprovalPolicy(policy),
		scheduler.WithPublisher(a.events),
		scheduler.WithMetrics(scheduler.NewMetrics(nil)),
		scheduler.WithSchedulerLogger(a.logger),
	)

	a.sched.Register(jobs.TypeIngestText, a.executor)
	a.sched.Register(jobs.TypeIngestFile, a.executor)
	a.sched.Register(jobs.TypeIngestImage, a.executor)
	a.sched.Register(jobs.TypeVocabConsolidate, scheduler.RunnerFunc(a.runConsolidate))
	a.sched.Register(jobs.TypeEmbeddingRegenerate, scheduler.RunnerFunc(a.runRegenerate))

	return a.sched.Start(ctx)
}

func (a *App) startWatcher(ctx context.Context) error {
	if !a.cfg.Watcher.Enabled {
		return nil
	}
	watcher, err := watch.New(a.cfg.Watcher.Options, a.sched, a.logger)
	if err != nil {
		return err
	}
	a.watcher = watcher

	watchCtx, cancel := context.WithCancel(context.Background())
	a.watchCancel = cancel
	a.watchDone = make(chan struct{})
	go func() {
		defer close(a.watchDone)
		if err := watcher.Run(watchCtx); err != nil && watchCtx.Err() == nil {
			a.logger.Error("Watcher stopped", "error", err)
		}
	}()
	return nil
}

// newExtractionClient builds the LLM client from config.
func newExtractionClient(cfg *config.Config) *llm.Client {
	return llm.NewClient(llm.ClientConfig{
		BaseURL:         cfg.Extraction.Endpoint,
		APIKey:          os.Getenv(cfg.Extraction.APIKeyEnv),
		ExtractionModel: cfg.Extraction.Model,
		EmbeddingModel:  cfg.Extraction.EmbeddingModel,
		Temperature:     cfg.Extraction.Temperature,
	})
}

// newSubmitScheduler builds a scheduler good for submissions only: the
// analyzer and approval gate without workers.
func newSubmitScheduler(cfg *config.Config, logger *slog.Logger, store jobs.Store) *scheduler.Scheduler {
	policy := ingest.DefaultApprovalPolicy()
	policy.AutoApproveMaxCost = cfg.Ingestion.AutoApproveMaxCost
	policy.AutoApproveMaxChunks = cfg.Ingestion.AutoApproveMaxChunks
	return scheduler.NewScheduler(store,
		scheduler.WithAnalyzer(ingest.NewAnalyzer(cfg.Ingestion.Chunking, cfg.Extraction.CostPerMTok)),
		scheduler.WithApprovalPolicy(policy),
		scheduler.WithSchedulerLogger(logger),
	)
}

func nowUTC() time.Time {
	return time.Now().UTC()
}

// runConsolidate executes vocab_consolidate jobs.
func (a *App) runConsolidate(ctx context.Context, job *jobs.Job) (*jobs.Result, error) {
	var req ConsolidateRequest
	if len(job.Payload) > 0 {
		if err := json.Unmarshal(job.Payload, &req); err != nil {
			return nil, &ingest.KindError{Kind: jobs.ErrKindInput, Err: err}
		}
	}
	report, err := a.vocab.Consolidate(ctx, req.TargetSize, req.DryRun, req.PruneUnused)
	if err != nil {
		return nil, err
	}
	return &jobs.Result{
		Status:   jobs.ResultSucceeded,
		Ontology: job.Ontology,
		Message: fmt.Sprintf("vocabulary %d -> %d (%s, %d executed, %d pending review)",
			report.SizeBefore, report.SizeAfter, report.Zone,
			len(report.Executed), len(report.Pending)),
	}, nil
}

// runRegenerate executes embedding_regenerate jobs.
func (a *App) runRegenerate(ctx context.Context, job *jobs.Job) (*jobs.Result, error) {
	var req RegenerateRequest
	if err := json.Unmarshal(job.Payload, &req); err != nil {
		return nil, &ingest.KindError{Kind: jobs.ErrKindInput, Err: err}
	}
	if req.Ontology == "" {
		req.Ontology = job.Ontology
	}

	result, err := graph.RegenerateEmbeddings(ctx, a.graph, a.client, req.Ontology,
		a.logger, func(done, total int) {
			progress := &jobs.Progress{
				Stage:          "regenerating",
				ItemsProcessed: done,
				ItemsTotal:     total,
			}
			if total > 0 {
				progress.Percent = float64(done) / float64(total) * 100
			}
			if err := a.jobStore.UpdateProgress(ctx, job.ID, progress); err != nil {
				a.logger.Warn("Failed to record progress", "job_id", job.ID, "error", err)
			}
			a.events.Progress(job, progress)
		})
	if err != nil {
		return nil, err
	}
	return &jobs.Result{
		Status:   jobs.ResultSucceeded,
		Ontology: req.Ontology,
		Message: fmt.Sprintf("regenerated %d of %d embeddings (%d failed)",
			result.Updated, result.Total, result.Failed),
	}, nil
}
