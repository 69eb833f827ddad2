// Package main provides the noesis binary entry point.
// Noesis is a knowledge-graph ingestion engine: it chunks documents,
// extracts concepts and relationships with an LLM, and upserts them into
// a deduplicated concept graph through a persistent job queue.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"noesis/config"
	"noesis/ingest"
	"noesis/jobs"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "noesis"
)

func main() {
	// Add panic recovery
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		configPath string
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:   "noesis",
		Short: "Knowledge-graph ingestion engine",
		Long: `Noesis ingests documents into a deduplicated concept graph.

It provides:
- A persistent job queue with content-hash deduplication and approval gating
- Chunked, checkpointed LLM extraction with graph-context priming
- A self-maintaining relationship-type vocabulary with synonym consolidation`,
	}

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file path (YAML)")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	loadEnv := func() (*config.Config, *slog.Logger, error) {
		logger := newLogger(logLevel)
		cfg, err := loadConfig(configPath, logger)
		if err != nil {
			return nil, nil, err
		}
		return cfg, logger, nil
	}

	cmd.AddCommand(serveCmd(loadEnv))
	cmd.AddCommand(submitCmd(loadEnv))
	cmd.AddCommand(jobsCmd(loadEnv))
	cmd.AddCommand(vocabCmd(loadEnv))
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s version %s (build: %s)\n", appName, Version, BuildTime)
		},
	})

	return cmd
}

type envFunc func() (*config.Config, *slog.Logger, error)

func newLogger(level string) *slog.Logger {
	lvl := slog.LevelInfo
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)
	return logger
}

func loadConfig(path string, logger *slog.Logger) (*config.Config, error) {
	if path != "" {
		cfg, err := config.LoadFromFile(path)
		if err != nil {
			return nil, err
		}
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("invalid configuration: %w", err)
		}
		return cfg, nil
	}
	return config.NewLoader(logger).Load()
}

func serveCmd(env envFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the ingestion service",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := env()
			if err != nil {
				return err
			}

			app := NewApp(cfg, logger)
			ctx := context.Background()
			if err := app.Start(ctx); err != nil {
				return err
			}

			sig := make(chan os.Signal, 1)
			signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
			<-sig
			logger.Info("Shutting down")
			app.Stop()
			return nil
		},
	}
}

func submitCmd(env envFunc) *cobra.Command {
	var (
		ontology    string
		document    string
		force       bool
		autoApprove bool
		parallel    bool
	)

	cmd := &cobra.Command{
		Use:   "submit <file>",
		Short: "Submit a document for ingestion",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := env()
			if err != nil {
				return err
			}

			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read input: %w", err)
			}
			text := string(data)
			if document == "" {
				document = filepath.Base(args[0])
			}

			payload, err := json.Marshal(ingest.TextRequest{
				Ontology: ontology,
				Document: document,
				Text:     text,
			})
			if err != nil {
				return err
			}
			job := &jobs.Job{
				Type:        jobs.TypeIngestFile,
				Ontology:    ontology,
				ContentHash: jobs.HashText(text),
				SubmitterID: "cli",
				Payload:     payload,
			}
			if parallel {
				job.ProcessingMode = jobs.ModeParallel
			}

			// Submission needs the queue and the approval gate, not the
			// worker pool; a running serve process picks the job up.
			store, err := jobs.OpenSQLite(cfg.JobsDBPath())
			if err != nil {
				return err
			}
			defer store.Close()
			sched := newSubmitScheduler(cfg, logger, store)

			res, err := sched.Submit(cmd.Context(), job, force, autoApprove)
			if err != nil {
				return err
			}
			if res.Duplicate {
				fmt.Printf("Already submitted as %s (status: %s)\n", res.JobID, res.Status)
				return nil
			}
			fmt.Printf("Submitted %s (status: %s)\n", res.JobID, res.Status)
			if res.Status == jobs.StatusAwaitingApproval {
				fmt.Printf("Approve with: noesis jobs approve %s\n", res.JobID)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&ontology, "ontology", "o", "default", "Target ontology")
	cmd.Flags().StringVar(&document, "document", "", "Document name (default: file name)")
	cmd.Flags().BoolVar(&force, "force", false, "Bypass deduplication")
	cmd.Flags().BoolVar(&autoApprove, "auto-approve", false, "Skip the approval gate when within policy")
	cmd.Flags().BoolVar(&parallel, "parallel", false, "Process chunks in parallel")
	return cmd
}

func jobsCmd(env envFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect and manage the job queue",
	}

	var statusFilter string
	list := &cobra.Command{
		Use:   "list",
		Short: "List jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := env()
			if err != nil {
				return err
			}
			store, err := jobs.OpenSQLite(cfg.JobsDBPath())
			if err != nil {
				return err
			}
			defer store.Close()

			all, err := store.List(cmd.Context(), jobs.Filter{
				Status: jobs.Status(statusFilter),
				Limit:  50,
			})
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTYPE\tSTATUS\tONTOLOGY\tCREATED")
			for _, j := range all {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					j.ID, j.Type, j.Status, j.Ontology,
					j.CreatedAt.Format("2006-01-02 15:04:05"))
			}
			return w.Flush()
		},
	}
	list.Flags().StringVar(&statusFilter, "status", "", "Filter by status")

	show := &cobra.Command{
		Use:   "show <job-id>",
		Short: "Show a job in full",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := env()
			if err != nil {
				return err
			}
			store, err := jobs.OpenSQLite(cfg.JobsDBPath())
			if err != nil {
				return err
			}
			defer store.Close()

			job, err := store.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(job, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}

	approve := &cobra.Command{
		Use:   "approve <job-id>",
		Short: "Release a job held for approval",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := env()
			if err != nil {
				return err
			}
			store, err := jobs.OpenSQLite(cfg.JobsDBPath())
			if err != nil {
				return err
			}
			defer store.Close()

			now := nowUTC()
			err = store.Transition(cmd.Context(), args[0],
				jobs.StatusAwaitingApproval, jobs.StatusApproved,
				&jobs.TransitionPatch{ApprovedAt: &now})
			if err != nil {
				return err
			}
			fmt.Printf("Approved %s\n", args[0])
			return nil
		},
	}

	cancel := &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := env()
			if err != nil {
				return err
			}
			store, err := jobs.OpenSQLite(cfg.JobsDBPath())
			if err != nil {
				return err
			}
			defer store.Close()

			job, err := store.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			err = store.Transition(cmd.Context(), args[0], job.Status, jobs.StatusCancelled,
				&jobs.TransitionPatch{Error: &jobs.JobError{
					Kind: jobs.ErrKindCancelled, Message: "cancelled by request",
				}})
			if err != nil {
				return err
			}
			fmt.Printf("Cancelled %s\n", args[0])
			return nil
		},
	}

	stats := &cobra.Command{
		Use:   "stats",
		Short: "Show queue depth by status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := env()
			if err != nil {
				return err
			}
			store, err := jobs.OpenSQLite(cfg.JobsDBPath())
			if err != nil {
				return err
			}
			defer store.Close()

			counts, err := store.CountByStatus(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			for _, status := range []jobs.Status{
				jobs.StatusPending, jobs.StatusAwaitingApproval, jobs.StatusApproved,
				jobs.StatusQueued, jobs.StatusProcessing, jobs.StatusCompleted,
				jobs.StatusFailed, jobs.StatusCancelled,
			} {
				fmt.Fprintf(w, "%s\t%d\n", status, counts[status])
			}
			return w.Flush()
		},
	}

	cmd.AddCommand(list, show, approve, cancel, stats)
	return cmd
}

func vocabCmd(env envFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "vocab",
		Short: "Inspect and maintain the relationship-type vocabulary",
	}

	openVocab := func(cmd *cobra.Command) (*App, error) {
		cfg, logger, err := env()
		if err != nil {
			return nil, err
		}
		app := NewApp(cfg, logger)
		if err := app.openStorage(cmd.Context()); err != nil {
			return nil, err
		}
		app.client = newExtractionClient(cfg)
		if err := app.buildVocabulary(cmd.Context()); err != nil {
			app.graph.Close()
			app.jobStore.Close()
			return nil, err
		}
		return app, nil
	}
	closeVocab := func(app *App) {
		app.jobStore.Close()
		app.graph.Close()
	}

	status := &cobra.Command{
		Use:   "status",
		Short: "Show vocabulary size, zone, and pressure",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openVocab(cmd)
			if err != nil {
				return err
			}
			defer closeVocab(app)

			st, err := app.vocab.Status(cmd.Context())
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(st, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}

	var activeOnly bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List vocabulary entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openVocab(cmd)
			if err != nil {
				return err
			}
			defer closeVocab(app)

			entries, err := app.vocab.List(cmd.Context(), activeOnly)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TYPE\tCATEGORY\tACTIVE\tBUILTIN\tUSAGE\tSYNONYMS")
			for _, e := range entries {
				fmt.Fprintf(w, "%s\t%s\t%t\t%t\t%d\t%s\n",
					e.RelType, e.Category, e.IsActive, e.IsBuiltin,
					e.UsageCount, strings.Join(e.Synonyms, ","))
			}
			return w.Flush()
		},
	}
	list.Flags().BoolVar(&activeOnly, "active", false, "Only active entries")

	skipped := &cobra.Command{
		Use:   "skipped",
		Short: "Show relationship types seen but not in the vocabulary",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openVocab(cmd)
			if err != nil {
				return err
			}
			defer closeVocab(app)

			types, err := app.vocab.Skipped(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TYPE\tOCCURRENCES\tLAST SEEN")
			for _, s := range types {
				fmt.Fprintf(w, "%s\t%d\t%s\n",
					s.RelType, s.Occurrences, s.LastSeen.Format("2006-01-02 15:04:05"))
			}
			return w.Flush()
		},
	}

	history := &cobra.Command{
		Use:   "history",
		Short: "Show the vocabulary audit trail",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openVocab(cmd)
			if err != nil {
				return err
			}
			defer closeVocab(app)

			entries, err := app.vocab.History(cmd.Context(), 50)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ACTION\tDEPRECATED\tTARGET\tSIZE\tZONE\tBY\tWHEN")
			for _, h := range entries {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d->%d\t%s\t%s\t%s\n",
					h.Action, h.Deprecated, h.Target, h.SizeBefore, h.SizeAfter,
					h.Zone, h.PerformedBy, h.CreatedAt.Format("2006-01-02 15:04:05"))
			}
			return w.Flush()
		},
	}

	var (
		targetSize  int
		dryRun      bool
		pruneUnused bool
	)
	consolidate := &cobra.Command{
		Use:   "consolidate",
		Short: "Merge synonym types and prune unused ones",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openVocab(cmd)
			if err != nil {
				return err
			}
			defer closeVocab(app)

			report, err := app.vocab.Consolidate(cmd.Context(), targetSize, dryRun, pruneUnused)
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(report, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}
	consolidate.Flags().IntVar(&targetSize, "target", 0, "Target vocabulary size (default: soft max)")
	consolidate.Flags().BoolVar(&dryRun, "dry-run", false, "Plan without executing")
	consolidate.Flags().BoolVar(&pruneUnused, "prune-unused", false, "Also prune zero-edge low-value types")

	cmd.AddCommand(status, list, skipped, history, consolidate)
	return cmd
}
