package ingest

import (
	"noesis/jobs"
)

// Token-per-word bounds for estimating extraction spend. English prose
// runs about 1.3 tokens per word; the high bound covers dense or
// non-English text.
const (
	tokensPerWordLow  = 1.3
	tokensPerWordHigh = 1.8

	// Per-chunk overhead for the system prompt, graph context, and the
	// structured response.
	chunkOverheadLow  = 600
	chunkOverheadHigh = 1200
)

// ApprovalPolicy decides whether a submission needs operator approval
// before the scheduler may run it.
type ApprovalPolicy struct {
	// AutoApproveMaxCost is the largest estimated cost (dollars) that
	// skips approval. Zero means every costed job needs approval.
	AutoApproveMaxCost float64 `yaml:"auto_approve_max_cost"`

	// AutoApproveMaxChunks is the largest chunk estimate that skips
	// approval.
	AutoApproveMaxChunks int `yaml:"auto_approve_max_chunks"`

	// AutoApproveTypes always skip approval regardless of estimates.
	// Maintenance types belong here.
	AutoApproveTypes []jobs.Type `yaml:"auto_approve_types"`
}

// DefaultApprovalPolicy auto-approves small jobs and all maintenance work.
func DefaultApprovalPolicy() ApprovalPolicy {
	return ApprovalPolicy{
		AutoApproveMaxCost:   1.0,
		AutoApproveMaxChunks: 25,
		AutoApproveTypes: []jobs.Type{
			jobs.TypeVocabConsolidate,
			jobs.TypeEmbeddingRegenerate,
			jobs.TypeEpistemicMeasure,
			jobs.TypeRestore,
		},
	}
}

// Analyzer produces pre-ingestion estimates used for approval decisions
// and operator display.
type Analyzer struct {
	chunkOpts   ChunkOptions
	costPerMTok float64
}

// NewAnalyzer creates an analyzer. costPerMillionTokens prices the
// extraction model; zero disables cost estimation.
func NewAnalyzer(chunkOpts ChunkOptions, costPerMillionTokens float64) *Analyzer {
	return &Analyzer{chunkOpts: chunkOpts, costPerMTok: costPerMillionTokens}
}

// Analyze estimates the work in one text input.
func (a *Analyzer) Analyze(text string) *jobs.Analysis {
	words := CountWords(text)

	chunks := 0
	if words > 0 {
		// Effective stride per chunk is target minus overlap.
		stride := a.chunkOpts.TargetWords - a.chunkOpts.OverlapWords
		if stride <= 0 {
			stride = a.chunkOpts.TargetWords
		}
		chunks = 1 + (max(words-a.chunkOpts.TargetWords, 0)+stride-1)/stride
	}

	low := int(float64(words)*tokensPerWordLow) + chunks*chunkOverheadLow
	high := int(float64(words)*tokensPerWordHigh) + chunks*chunkOverheadHigh

	return &jobs.Analysis{
		WordCount:       words,
		EstimatedChunks: chunks,
		TokensLow:       low,
		TokensHigh:      high,
		EstimatedCost:   float64(high) / 1_000_000 * a.costPerMTok,
	}
}

// Decide returns the initial status for a submission: queued when the
// policy auto-approves, awaiting approval otherwise. requestAutoApprove is
// the submitter's flag; it is honored only within the policy's limits.
func (p ApprovalPolicy) Decide(jobType jobs.Type, analysis *jobs.Analysis, requestAutoApprove bool) jobs.Status {
	for _, t := range p.AutoApproveTypes {
		if t == jobType {
			return jobs.StatusQueued
		}
	}
	if !requestAutoApprove {
		return jobs.StatusAwaitingApproval
	}
	if analysis == nil {
		// Images are never analyzed; there are no estimates to hold the
		// request against, so the flag decides.
		return jobs.StatusQueued
	}
	if p.AutoApproveMaxChunks > 0 && analysis.EstimatedChunks > p.AutoApproveMaxChunks {
		return jobs.StatusAwaitingApproval
	}
	if p.AutoApproveMaxCost > 0 && analysis.EstimatedCost > p.AutoApproveMaxCost {
		return jobs.StatusAwaitingApproval
	}
	return jobs.StatusQueued
}
