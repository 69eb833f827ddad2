package main

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"noesis/config"
	"noesis/jobs"
	"noesis/llm/testutil"
	"noesis/vocabulary"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Storage.DataDir = t.TempDir()
	cfg.Scheduler.PollInterval = 10 * time.Millisecond
	return cfg
}

func TestRootCommandWiring(t *testing.T) {
	root := rootCmd()
	want := []string{"serve", "submit", "jobs", "vocab", "version"}
	for _, name := range want {
		found := false
		for _, sub := range root.Commands() {
			if sub.Name() == name {
				found = true
				break
			}
		}
		assert.True(t, found, "missing subcommand %s", name)
	}
}

func TestAppStartStop(t *testing.T) {
	cfg := testConfig(t)
	app := NewApp(cfg, nil)

	require.NoError(t, app.Start(context.Background()))
	app.Stop()
}

func TestAppSeedsVocabulary(t *testing.T) {
	cfg := testConfig(t)
	app := NewApp(cfg, nil)
	require.NoError(t, app.Start(context.Background()))
	defer app.Stop()

	status, err := app.vocab.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, len(vocabulary.BuiltinTypes), status.Size)
}

func TestRunConsolidateJob(t *testing.T) {
	cfg := testConfig(t)
	app := NewApp(cfg, nil)
	require.NoError(t, app.Start(context.Background()))
	defer app.Stop()

	// Swap in a deterministic embedder so the dry run needs no live model.
	manager, err := vocabulary.NewManager(app.graph.DB(), app.graph, testutil.NewFakeEmbedder(8))
	require.NoError(t, err)
	app.vocab = manager

	payload, err := json.Marshal(ConsolidateRequest{DryRun: true})
	require.NoError(t, err)
	result, err := app.runConsolidate(context.Background(), &jobs.Job{
		ID:      "job-1",
		Type:    jobs.TypeVocabConsolidate,
		Payload: payload,
	})
	require.NoError(t, err)
	assert.Equal(t, jobs.ResultSucceeded, result.Status)
	assert.Contains(t, result.Message, "vocabulary")
}

func TestSubmitSchedulerGatesWithoutWorkers(t *testing.T) {
	cfg := testConfig(t)
	store, err := jobs.OpenSQLite(filepath.Join(cfg.Storage.DataDir, "jobs.db"))
	require.NoError(t, err)
	defer store.Close()

	sched := newSubmitScheduler(cfg, nil, store)
	res, err := sched.Submit(context.Background(), &jobs.Job{
		Type:        jobs.TypeIngestText,
		Ontology:    "test",
		ContentHash: jobs.HashText("hello"),
		Payload:     json.RawMessage(`{"ontology":"test","document":"d","text":"hello"}`),
	}, false, false)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusAwaitingApproval, res.Status)
}
