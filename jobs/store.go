package jobs

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors for store operations.
var (
	// ErrNotFound is returned when no job exists for an id.
	ErrNotFound = errors.New("job not found")

	// ErrInvalidTransition marks an illegal state-machine edge. This is a
	// programmer error, never retried.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrConflict is returned by Transition when the job's current status
	// does not match the expected from-status.
	ErrConflict = errors.New("status conflict")
)

// SubmitResult reports the outcome of a submission, including dedup hits.
type SubmitResult struct {
	JobID     string
	Status    Status
	Duplicate bool
	CreatedAt time.Time
	Result    *Result
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	Status      Status
	SubmitterID string
	Type        Type
	Ontology    string
	Limit       int
	Offset      int
}

// TransitionPatch carries optional field updates applied atomically with a
// status transition.
type TransitionPatch struct {
	Result     *Result
	Error      *JobError
	Progress   *Progress
	ApprovedAt *time.Time
}

// Store is the durable source of truth for scheduling. Every multi-field
// update is one transaction; partial writes never surface.
type Store interface {
	// Submit writes job iff no live job shares its dedup key (live = any
	// non-terminal status, or completed), otherwise returns the existing
	// job's reference with Duplicate set. force bypasses deduplication.
	// Linearizable with concurrent Submit calls.
	Submit(ctx context.Context, job *Job, force bool) (*SubmitResult, error)

	Get(ctx context.Context, jobID string) (*Job, error)

	List(ctx context.Context, f Filter) ([]*Job, error)

	// Transition compare-and-sets the status. ErrConflict when the current
	// status differs from from; ErrInvalidTransition on an illegal edge.
	Transition(ctx context.Context, jobID string, from, to Status, patch *TransitionPatch) error

	// UpdateProgress writes the progress blob without touching status.
	UpdateProgress(ctx context.Context, jobID string, p *Progress) error

	// SetResult performs the terminal transition and writes the result (or
	// error) in one transaction.
	SetResult(ctx context.Context, jobID string, terminal Status, result *Result, jobErr *JobError) error

	// ClaimNext atomically moves the oldest approved/queued job of an
	// accepted type into processing, stamping started_at. Returns
	// ErrNotFound when nothing is claimable.
	ClaimNext(ctx context.Context, workerID string, types []Type, now time.Time) (*Job, error)

	// ExpireOverdue cancels non-terminal jobs whose expires_at has passed.
	ExpireOverdue(ctx context.Context, now time.Time) (int, error)

	// RecoverStuck fails processing jobs started before the cutoff, so a
	// restarted scheduler does not strand them.
	RecoverStuck(ctx context.Context, cutoff time.Time) (int, error)

	// CleanupCompleted deletes terminal jobs completed before the cutoffs.
	CleanupCompleted(ctx context.Context, completedBefore, failedBefore time.Time) (int, error)

	// CountByStatus reports queue statistics.
	CountByStatus(ctx context.Context) (map[Status]int, error)

	// Clear wipes the queue. Admin only.
	Clear(ctx context.Context) error

	Close() error
}
