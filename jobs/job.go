// Package jobs defines the persistent job queue: job records, the status
// state machine, and the store the scheduler drives.
package jobs

import (
	"encoding/json"
	"time"
)

// Status is a job's position in its lifecycle.
type Status string

const (
	StatusPending          Status = "pending"
	StatusAwaitingApproval Status = "awaiting_approval"
	StatusApproved         Status = "approved"
	StatusQueued           Status = "queued"
	StatusProcessing       Status = "processing"
	StatusCompleted        Status = "completed"
	StatusFailed           Status = "failed"
	StatusCancelled        Status = "cancelled"
)

// legalTransitions enumerates the edges of the status state machine.
// Transition is the only path that walks them.
var legalTransitions = map[Status][]Status{
	StatusPending:          {StatusAwaitingApproval, StatusQueued, StatusCancelled},
	StatusAwaitingApproval: {StatusApproved, StatusCancelled},
	StatusApproved:         {StatusQueued, StatusProcessing, StatusCancelled},
	StatusQueued:           {StatusProcessing, StatusCancelled},
	StatusProcessing:       {StatusCompleted, StatusFailed, StatusCancelled},
}

// IsTerminal reports whether no further transition is possible.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// CanTransitionTo reports whether s -> to is a legal edge.
func (s Status) CanTransitionTo(to Status) bool {
	for _, next := range legalTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Type identifies what kind of work a job carries.
type Type string

const (
	TypeIngestText          Type = "ingest_text"
	TypeIngestFile          Type = "ingest_file"
	TypeIngestImage         Type = "ingest_image"
	TypeRestore             Type = "restore"
	TypeVocabConsolidate    Type = "vocab_consolidate"
	TypeEmbeddingRegenerate Type = "embedding_regenerate"
	TypeEpistemicMeasure    Type = "epistemic_measure"
)

// ProcessingMode selects serial or parallel chunk execution.
type ProcessingMode string

const (
	ModeSerial   ProcessingMode = "serial"
	ModeParallel ProcessingMode = "parallel"
)

// Stage names for the progress blob.
const (
	StageQueued     = "queued"
	StageAnalyzing  = "analyzing"
	StageChunking   = "chunking"
	StageExtraction = "extraction"
	StageUpsert     = "upsert"
	StageFinalizing = "finalizing"
	StageCancelled  = "cancelled"
)

// Progress is the mutable per-job progress blob. All fields are optional;
// the stage drives which are populated.
type Progress struct {
	Stage                string  `json:"stage,omitempty"`
	ChunksTotal          int     `json:"chunks_total,omitempty"`
	ChunksProcessed      int     `json:"chunks_processed,omitempty"`
	CurrentChunk         int     `json:"current_chunk,omitempty"`
	Percent              float64 `json:"percent,omitempty"`
	ConceptsCreated      int     `json:"concepts_created,omitempty"`
	ConceptsLinked       int     `json:"concepts_linked,omitempty"`
	SourcesCreated       int     `json:"sources_created,omitempty"`
	InstancesCreated     int     `json:"instances_created,omitempty"`
	RelationshipsCreated int     `json:"relationships_created,omitempty"`

	// Restore and maintenance jobs report item counts instead of chunks.
	ItemsTotal     int    `json:"items_total,omitempty"`
	ItemsProcessed int    `json:"items_processed,omitempty"`
	Message        string `json:"message,omitempty"`
}

// Result status values.
const (
	ResultSucceeded    = "succeeded"
	ResultDeduplicated = "deduplicated"
	ResultFailed       = "failed"
	ResultCancelled    = "cancelled"
)

// Stats are the final counters of a completed ingestion.
type Stats struct {
	ConceptsCreated      int `json:"concepts_created"`
	ConceptsLinked       int `json:"concepts_linked"`
	SourcesCreated       int `json:"sources_created"`
	InstancesCreated     int `json:"instances_created"`
	RelationshipsCreated int `json:"relationships_created"`
	RelationshipsSkipped int `json:"relationships_skipped,omitempty"`
	TokensUsed           int `json:"tokens_used,omitempty"`
}

// Add accumulates other's counters into s.
func (s *Stats) Add(other Stats) {
	s.ConceptsCreated += other.ConceptsCreated
	s.ConceptsLinked += other.ConceptsLinked
	s.SourcesCreated += other.SourcesCreated
	s.InstancesCreated += other.InstancesCreated
	s.RelationshipsCreated += other.RelationshipsCreated
	s.RelationshipsSkipped += other.RelationshipsSkipped
	s.TokensUsed += other.TokensUsed
}

// Cost is the token/dollar spend of a job.
type Cost struct {
	Tokens  int     `json:"tokens"`
	Dollars float64 `json:"dollars"`
}

// Result is written once at a terminal state.
type Result struct {
	Status          string `json:"status"`
	Stats           Stats  `json:"stats"`
	Cost            Cost   `json:"cost"`
	Ontology        string `json:"ontology"`
	ChunksProcessed int    `json:"chunks_processed"`
	Message         string `json:"message,omitempty"`
}

// Machine-readable error kinds.
const (
	ErrKindInput              = "input"
	ErrKindDuplicate          = "duplicate"
	ErrKindExtractorTransient = "extractor_transient"
	ErrKindExtractorPermanent = "extractor_permanent"
	ErrKindStorageTransient   = "storage_transient"
	ErrKindStoragePermanent   = "storage_permanent"
	ErrKindCancelled          = "cancelled"
	ErrKindDeadline           = "deadline"
	ErrKindStuck              = "stuck"
)

// JobError describes why a job failed.
type JobError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Analysis is the pre-ingestion estimate that drives the approval policy.
type Analysis struct {
	WordCount       int     `json:"word_count"`
	EstimatedChunks int     `json:"estimated_chunks"`
	TokensLow       int     `json:"tokens_low"`
	TokensHigh      int     `json:"tokens_high"`
	EstimatedCost   float64 `json:"estimated_cost"`
}

// Job is one unit of queued work.
type Job struct {
	ID             string          `json:"job_id"`
	Type           Type            `json:"job_type"`
	Status         Status          `json:"status"`
	ContentHash    string          `json:"content_hash,omitempty"`
	Ontology       string          `json:"ontology"`
	SubmitterID    string          `json:"submitter_id,omitempty"`
	ProcessingMode ProcessingMode  `json:"processing_mode"`
	Payload        json.RawMessage `json:"request_payload,omitempty"`
	Analysis       *Analysis       `json:"analysis,omitempty"`
	Progress       *Progress       `json:"progress,omitempty"`
	Result         *Result         `json:"result,omitempty"`
	Error          *JobError       `json:"error,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	ApprovedAt  *time.Time `json:"approved_at,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
}

// DedupKey collapses duplicate submissions: two non-terminal jobs never
// share one.
type DedupKey struct {
	ContentHash string
	Ontology    string
	Type        Type
}

// DedupKey derives the job's deduplication key. Jobs without a content
// hash (maintenance types) never deduplicate.
func (j *Job) DedupKey() DedupKey {
	return DedupKey{ContentHash: j.ContentHash, Ontology: j.Ontology, Type: j.Type}
}
