// Package scheduler drives the job queue: it admits submissions through
// the approval gate, runs workers that claim and execute jobs, enforces
// deadlines, and keeps the queue tidy with periodic expiry and cleanup.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"noesis/ingest"
	"noesis/jobs"
)

// Runner executes one job type. *ingest.Executor satisfies this.
type Runner interface {
	Run(ctx context.Context, job *jobs.Job) (*jobs.Result, error)
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context, job *jobs.Job) (*jobs.Result, error)

func (f RunnerFunc) Run(ctx context.Context, job *jobs.Job) (*jobs.Result, error) {
	return f(ctx, job)
}

// Scheduler owns the worker pool and the queue maintenance loops.
type Scheduler struct {
	store    jobs.Store
	runners  map[jobs.Type]Runner
	analyzer *ingest.Analyzer
	policy   ingest.ApprovalPolicy
	events   *Publisher
	metrics  *Metrics
	logger   *slog.Logger

	workers            int
	pollInterval       time.Duration
	jobTimeout         time.Duration
	cleanupInterval    time.Duration
	completedRetention time.Duration
	failedRetention    time.Duration

	mu       sync.Mutex
	running  map[string]context.CancelFunc
	rotation int
	order    []jobs.Type

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithWorkers sets the worker pool size.
func WithWorkers(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.workers = n
		}
	}
}

// WithPollInterval sets how long an idle worker waits between claims.
func WithPollInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.pollInterval = d
		}
	}
}

// WithJobTimeout caps per-job wall-clock time.
func WithJobTimeout(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.jobTimeout = d
		}
	}
}

// WithCleanupInterval sets the janitor cadence.
func WithCleanupInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.cleanupInterval = d
		}
	}
}

// WithRetention sets how long terminal jobs are kept. Failed jobs are
// retained longer for postmortems.
func WithRetention(completed, failed time.Duration) Option {
	return func(s *Scheduler) {
		s.completedRetention = completed
		s.failedRetention = failed
	}
}

// WithAnalyzer enables pre-ingestion cost estimates on submission.
func WithAnalyzer(a *ingest.Analyzer) Option {
	return func(s *Scheduler) {
		s.analyzer = a
	}
}

// WithApprovalPolicy overrides the auto-approval gate.
func WithApprovalPolicy(p ingest.ApprovalPolicy) Option {
	return func(s *Scheduler) {
		s.policy = p
	}
}

// WithPublisher attaches the lifecycle event publisher.
func WithPublisher(p *Publisher) Option {
	return func(s *Scheduler) {
		s.events = p
	}
}

// WithMetrics attaches Prometheus collectors.
func WithMetrics(m *Metrics) Option {
	return func(s *Scheduler) {
		s.metrics = m
	}
}

// WithSchedulerLogger sets the logger.
func WithSchedulerLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewScheduler builds a scheduler over the job store. Runners are
// registered per job type before Start.
func NewScheduler(store jobs.Store, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:              store,
		runners:            make(map[jobs.Type]Runner),
		policy:             ingest.DefaultApprovalPolicy(),
		logger:             slog.Default(),
		workers:            3,
		pollInterval:       time.Second,
		jobTimeout:         30 * time.Minute,
		cleanupInterval:    time.Hour,
		completedRetention: 24 * time.Hour,
		failedRetention:    7 * 24 * time.Hour,
		running:            make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register binds a runner to a job type. Unregistered types are never
// claimed.
func (s *Scheduler) Register(t jobs.Type, r Runner) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runners[t]; !ok {
		s.order = append(s.order, t)
	}
	s.runners[t] = r
}

// Submit runs the analysis and approval gate, then hands the job to the
// store. Duplicate submissions return the existing job's reference.
func (s *Scheduler) Submit(ctx context.Context, job *jobs.Job, force, autoApprove bool) (*jobs.SubmitResult, error) {
	if job.Analysis == nil && s.analyzer != nil {
		switch job.Type {
		case jobs.TypeIngestText, jobs.TypeIngestFile:
			var req ingest.TextRequest
			if err := json.Unmarshal(job.Payload, &req); err != nil {
				return nil, fmt.Errorf("decode ingestion payload: %w", err)
			}
			job.Analysis = s.analyzer.Analyze(req.Text)
		}
	}
	job.Status = s.policy.Decide(job.Type, job.Analysis, autoApprove)

	res, err := s.store.Submit(ctx, job, force)
	if err != nil {
		return nil, err
	}
	s.metrics.jobSubmitted(job.Type, res.Duplicate)
	if res.Duplicate {
		s.logger.Info("Submission deduplicated",
			"job_id", res.JobID, "type", job.Type, "status", res.Status)
		return res, nil
	}
	s.events.Submitted(job)
	s.logger.Info("Job submitted",
		"job_id", res.JobID, "type", job.Type, "status", res.Status)
	return res, nil
}

// Approve releases a job held at the approval gate.
func (s *Scheduler) Approve(ctx context.Context, jobID string) error {
	now := time.Now().UTC()
	err := s.store.Transition(ctx, jobID,
		jobs.StatusAwaitingApproval, jobs.StatusApproved,
		&jobs.TransitionPatch{ApprovedAt: &now})
	if err != nil {
		return err
	}
	s.logger.Info("Job approved", "job_id", jobID)
	return nil
}

// Cancel stops a job. Queued jobs transition immediately; a processing job
// has its context cancelled and the worker records the terminal state.
func (s *Scheduler) Cancel(ctx context.Context, jobID string) error {
	s.mu.Lock()
	cancel, isRunning := s.running[jobID]
	s.mu.Unlock()
	if isRunning {
		cancel()
		s.logger.Info("Cancellation signalled", "job_id", jobID)
		return nil
	}

	job, err := s.store.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status.IsTerminal() {
		return fmt.Errorf("job %s already %s: %w", jobID, job.Status, jobs.ErrInvalidTransition)
	}
	err = s.store.Transition(ctx, jobID, job.Status, jobs.StatusCancelled, &jobs.TransitionPatch{
		Error: &jobs.JobError{Kind: jobs.ErrKindCancelled, Message: "cancelled by request"},
	})
	if err != nil {
		return err
	}
	s.events.Cancelled(job, job.Error)
	return nil
}

// Start recovers orphaned jobs, then launches the workers and the
// janitor. It returns immediately; Stop waits for drain.
func (s *Scheduler) Start(ctx context.Context) error {
	recovered, err := s.store.RecoverStuck(ctx, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("recover stuck jobs: %w", err)
	}
	if recovered > 0 {
		s.logger.Warn("Recovered stuck jobs from previous run", "count", recovered)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		workerID := fmt.Sprintf("worker-%d", i)
		go func() {
			defer s.wg.Done()
			s.workerLoop(runCtx, workerID)
		}()
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.janitorLoop(runCtx)
	}()

	s.logger.Info("Scheduler started", "workers", s.workers)
	return nil
}

// Stop cancels all running jobs and waits for the workers to drain.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("Scheduler stopped")
}

// Stats reports queue depth by status.
func (s *Scheduler) Stats(ctx context.Context) (map[jobs.Status]int, error) {
	counts, err := s.store.CountByStatus(ctx)
	if err != nil {
		return nil, err
	}
	s.metrics.setQueueDepth(counts)
	return counts, nil
}

func (s *Scheduler) workerLoop(ctx context.Context, workerID string) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, err := s.store.ClaimNext(ctx, workerID, s.acceptedTypes(), time.Now().UTC())
		if errors.Is(err, jobs.ErrNotFound) {
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.pollInterval):
			}
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Error("Claim failed", "worker", workerID, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.pollInterval):
			}
			continue
		}
		s.process(ctx, workerID, job)
	}
}

// acceptedTypes returns the registered types rotated by one position per
// claim, so no type starves behind a busy queue of another.
func (s *Scheduler) acceptedTypes() []jobs.Type {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.order)
	if n == 0 {
		return nil
	}
	out := make([]jobs.Type, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, s.order[(s.rotation+i)%n])
	}
	s.rotation = (s.rotation + 1) % n
	return out
}

func (s *Scheduler) process(ctx context.Context, workerID string, job *jobs.Job) {
	runner := s.runners[job.Type]
	if runner == nil {
		s.finish(job, nil, &jobs.JobError{
			Kind:    jobs.ErrKindInput,
			Message: fmt.Sprintf("no runner registered for type %s", job.Type),
		}, time.Now())
		return
	}

	// The job may not outlive its expiry even while processing.
	timeout := s.jobTimeout
	if job.ExpiresAt != nil {
		if until := time.Until(*job.ExpiresAt); until < timeout {
			timeout = until
		}
	}
	jobCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	s.mu.Lock()
	s.running[job.ID] = cancel
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.running, job.ID)
		s.mu.Unlock()
	}()

	s.metrics.workerBusy(1)
	defer s.metrics.workerBusy(-1)

	started := time.Now()
	s.events.Started(job)
	s.logger.Info("Job started",
		"job_id", job.ID, "type", job.Type, "worker", workerID, "timeout", timeout)

	result, err := s.runGuarded(jobCtx, runner, job)
	if err != nil {
		kind := ingest.Classify(err)
		s.finish(job, nil, &jobs.JobError{Kind: kind, Message: err.Error()}, started)
		return
	}
	s.finish(job, result, nil, started)
}

// runGuarded converts a runner panic into an error instead of taking the
// whole worker pool down.
func (s *Scheduler) runGuarded(ctx context.Context, runner Runner, job *jobs.Job) (result *jobs.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Runner panicked", "job_id", job.ID, "panic", r)
			result = nil
			err = &ingest.KindError{
				Kind: jobs.ErrKindStuck,
				Err:  fmt.Errorf("runner panic: %v", r),
			}
		}
	}()
	return runner.Run(ctx, job)
}

// finish records the terminal state and emits the matching event.
func (s *Scheduler) finish(job *jobs.Job, result *jobs.Result, jobErr *jobs.JobError, started time.Time) {
	// Terminal writes use a fresh context: the job context is often
	// already cancelled at this point.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	elapsed := time.Since(started).Seconds()
	switch {
	case jobErr == nil:
		if err := s.store.SetResult(ctx, job.ID, jobs.StatusCompleted, result, nil); err != nil {
			s.logger.Error("Failed to record completion", "job_id", job.ID, "error", err)
			return
		}
		s.metrics.jobFinished(job.Type, jobs.StatusCompleted, elapsed)
		s.events.Completed(job, result)
		s.logger.Info("Job completed", "job_id", job.ID, "type", job.Type,
			"elapsed_s", elapsed)

	case jobErr.Kind == jobs.ErrKindCancelled || jobErr.Kind == jobs.ErrKindDeadline:
		if err := s.store.SetResult(ctx, job.ID, jobs.StatusCancelled, nil, jobErr); err != nil {
			s.logger.Error("Failed to record cancellation", "job_id", job.ID, "error", err)
			return
		}
		s.metrics.jobFinished(job.Type, jobs.StatusCancelled, elapsed)
		s.events.Cancelled(job, jobErr)
		s.logger.Info("Job cancelled", "job_id", job.ID, "kind", jobErr.Kind)

	default:
		if err := s.store.SetResult(ctx, job.ID, jobs.StatusFailed, nil, jobErr); err != nil {
			s.logger.Error("Failed to record failure", "job_id", job.ID, "error", err)
			return
		}
		s.metrics.jobFinished(job.Type, jobs.StatusFailed, elapsed)
		s.events.Failed(job, jobErr)
		s.logger.Warn("Job failed", "job_id", job.ID, "kind", jobErr.Kind,
			"message", jobErr.Message)
	}
}

func (s *Scheduler) janitorLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

// sweep expires overdue jobs and prunes terminal ones past retention.
func (s *Scheduler) sweep(ctx context.Context) {
	now := time.Now().UTC()
	expired, err := s.store.ExpireOverdue(ctx, now)
	if err != nil {
		s.logger.Error("Expiry sweep failed", "error", err)
	} else if expired > 0 {
		s.logger.Info("Expired overdue jobs", "count", expired)
	}

	deleted, err := s.store.CleanupCompleted(ctx,
		now.Add(-s.completedRetention), now.Add(-s.failedRetention))
	if err != nil {
		s.logger.Error("Cleanup sweep failed", "error", err)
	} else if deleted > 0 {
		s.logger.Info("Cleaned up terminal jobs", "count", deleted)
	}

	if counts, err := s.store.CountByStatus(ctx); err == nil {
		s.metrics.setQueueDepth(counts)
	}
}
