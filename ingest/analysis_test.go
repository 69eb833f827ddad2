package ingest

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"noesis/jobs"
)

func TestAnalyzeEstimates(t *testing.T) {
	a := NewAnalyzer(DefaultChunkOptions(), 10.0)

	text := strings.Repeat("word ", 2500)
	analysis := a.Analyze(text)

	assert.Equal(t, 2500, analysis.WordCount)
	// 2500 words at target 1000 / overlap 200: chunk 1 covers 1000,
	// each further chunk strides 800
	assert.Equal(t, 3, analysis.EstimatedChunks)
	assert.Greater(t, analysis.TokensHigh, analysis.TokensLow)
	assert.Greater(t, analysis.TokensLow, 2500)
	assert.Greater(t, analysis.EstimatedCost, 0.0)
}

func TestAnalyzeEmptyText(t *testing.T) {
	a := NewAnalyzer(DefaultChunkOptions(), 10.0)

	analysis := a.Analyze("")
	assert.Zero(t, analysis.WordCount)
	assert.Zero(t, analysis.EstimatedChunks)
	assert.Zero(t, analysis.EstimatedCost)
}

func TestAnalyzeSingleChunk(t *testing.T) {
	a := NewAnalyzer(DefaultChunkOptions(), 10.0)

	analysis := a.Analyze(strings.Repeat("word ", 500))
	assert.Equal(t, 1, analysis.EstimatedChunks)
}

func TestApprovalPolicyDecide(t *testing.T) {
	policy := DefaultApprovalPolicy()
	small := &jobs.Analysis{EstimatedChunks: 2, EstimatedCost: 0.05}
	big := &jobs.Analysis{EstimatedChunks: 120, EstimatedCost: 14.0}
	costly := &jobs.Analysis{EstimatedChunks: 3, EstimatedCost: 5.0}

	tests := []struct {
		name        string
		jobType     jobs.Type
		analysis    *jobs.Analysis
		autoApprove bool
		want        jobs.Status
	}{
		{"small auto", jobs.TypeIngestText, small, true, jobs.StatusQueued},
		{"small without flag", jobs.TypeIngestText, small, false, jobs.StatusAwaitingApproval},
		{"too many chunks", jobs.TypeIngestText, big, true, jobs.StatusAwaitingApproval},
		{"too costly", jobs.TypeIngestText, costly, true, jobs.StatusAwaitingApproval},
		{"unanalyzed image with flag", jobs.TypeIngestImage, nil, true, jobs.StatusQueued},
		{"unanalyzed image without flag", jobs.TypeIngestImage, nil, false, jobs.StatusAwaitingApproval},
		{"maintenance always", jobs.TypeVocabConsolidate, nil, false, jobs.StatusQueued},
		{"restore always", jobs.TypeRestore, nil, false, jobs.StatusQueued},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := policy.Decide(tt.jobType, tt.analysis, tt.autoApprove)
			require.Equal(t, tt.want, got)
		})
	}
}
