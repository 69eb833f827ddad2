// Package watch submits ingestion jobs for files dropped into a folder.
package watch

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"

	"noesis/ingest"
	"noesis/jobs"
)

// Submitter accepts jobs from the watcher. *scheduler.Scheduler satisfies
// this.
type Submitter interface {
	Submit(ctx context.Context, job *jobs.Job, force, autoApprove bool) (*jobs.SubmitResult, error)
}

// Options configure a drop-folder watcher.
type Options struct {
	Dir         string   `yaml:"dir"`
	Patterns    []string `yaml:"patterns"`
	Ontology    string   `yaml:"ontology"`
	AutoApprove bool     `yaml:"auto_approve"`

	// SettleDelay is how long a file must be quiet before submission, so
	// half-written files are not ingested.
	SettleDelay time.Duration `yaml:"settle_delay"`
}

// DefaultOptions watches markdown and plain text plus common image formats.
func DefaultOptions(dir, ontology string) Options {
	return Options{
		Dir:         dir,
		Patterns:    []string{"**/*.md", "**/*.txt", "**/*.png", "**/*.jpg", "**/*.jpeg"},
		Ontology:    ontology,
		SettleDelay: 2 * time.Second,
	}
}

// Validate rejects unusable options.
func (o Options) Validate() error {
	if o.Dir == "" {
		return fmt.Errorf("watch dir is required")
	}
	if o.Ontology == "" {
		return fmt.Errorf("watch ontology is required")
	}
	for _, p := range o.Patterns {
		if !doublestar.ValidatePattern(p) {
			return fmt.Errorf("invalid watch pattern %q", p)
		}
	}
	return nil
}

var imageContentTypes = map[string]string{
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".gif":  "image/gif",
	".webp": "image/webp",
}

// Watcher turns filesystem events into ingestion jobs.
type Watcher struct {
	opts      Options
	submitter Submitter
	logger    *slog.Logger

	fsw *fsnotify.Watcher

	mu      sync.Mutex
	pending map[string]*time.Timer
}

// New builds a watcher over opts.Dir. Run starts it.
func New(opts Options, submitter Submitter, logger *slog.Logger) (*Watcher, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if opts.SettleDelay <= 0 {
		opts.SettleDelay = 2 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create filesystem watcher: %w", err)
	}
	return &Watcher{
		opts:      opts,
		submitter: submitter,
		logger:    logger,
		fsw:       fsw,
		pending:   make(map[string]*time.Timer),
	}, nil
}

// Run watches until ctx is cancelled. Existing files are submitted once on
// startup, so a folder populated while the service was down still lands.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.fsw.Close()

	if err := w.addRecursive(w.opts.Dir); err != nil {
		return err
	}
	if err := w.sweepExisting(ctx); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			w.drainTimers()
			return ctx.Err()

		case event, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			w.handle(ctx, event)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("Watcher error", "error", err)
		}
	}
}

func (w *Watcher) handle(ctx context.Context, event fsnotify.Event) {
	if event.Op.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := w.addRecursive(event.Name); err != nil {
				w.logger.Warn("Failed to watch new directory", "dir", event.Name, "error", err)
			}
			return
		}
	}
	if !event.Op.Has(fsnotify.Create) && !event.Op.Has(fsnotify.Write) {
		return
	}
	if !w.matches(event.Name) {
		return
	}
	w.debounce(ctx, event.Name)
}

// debounce (re)arms a per-path timer; the file submits once it stops
// changing for SettleDelay.
func (w *Watcher) debounce(ctx context.Context, path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if timer, ok := w.pending[path]; ok {
		timer.Reset(w.opts.SettleDelay)
		return
	}
	w.pending[path] = time.AfterFunc(w.opts.SettleDelay, func() {
		w.mu.Lock()
		delete(w.pending, path)
		w.mu.Unlock()
		if err := w.submitFile(ctx, path); err != nil {
			w.logger.Warn("Failed to submit dropped file", "path", path, "error", err)
		}
	})
}

func (w *Watcher) drainTimers() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for path, timer := range w.pending {
		timer.Stop()
		delete(w.pending, path)
	}
}

func (w *Watcher) matches(path string) bool {
	rel, err := filepath.Rel(w.opts.Dir, path)
	if err != nil {
		return false
	}
	rel = filepath.ToSlash(rel)
	for _, pattern := range w.opts.Patterns {
		if ok, _ := doublestar.Match(pattern, rel); ok {
			return true
		}
	}
	return false
}

func (w *Watcher) addRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if err := w.fsw.Add(path); err != nil {
				return fmt.Errorf("watch %s: %w", path, err)
			}
		}
		return nil
	})
}

func (w *Watcher) sweepExisting(ctx context.Context) error {
	return filepath.WalkDir(w.opts.Dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		if !w.matches(path) {
			return nil
		}
		if err := w.submitFile(ctx, path); err != nil {
			w.logger.Warn("Failed to submit existing file", "path", path, "error", err)
		}
		return nil
	})
}

// submitFile reads the file and submits an ingestion job. Deduplication in
// the queue makes re-submission of unchanged files a no-op.
func (w *Watcher) submitFile(ctx context.Context, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	document, err := filepath.Rel(w.opts.Dir, path)
	if err != nil {
		document = filepath.Base(path)
	}
	document = filepath.ToSlash(document)

	job, err := w.buildJob(document, path, data)
	if err != nil {
		return err
	}

	res, err := w.submitter.Submit(ctx, job, false, w.opts.AutoApprove)
	if err != nil {
		return fmt.Errorf("submit %s: %w", document, err)
	}
	if res.Duplicate {
		w.logger.Debug("Dropped file already ingested", "document", document, "job_id", res.JobID)
		return nil
	}
	w.logger.Info("Dropped file submitted",
		"document", document, "job_id", res.JobID, "status", res.Status)
	return nil
}

func (w *Watcher) buildJob(document, path string, data []byte) (*jobs.Job, error) {
	ext := strings.ToLower(filepath.Ext(path))
	if contentType, ok := imageContentTypes[ext]; ok {
		payload, err := json.Marshal(ingest.ImageRequest{
			Ontology:    w.opts.Ontology,
			Document:    document,
			Image:       data,
			ContentType: contentType,
			ObjectKey:   document,
		})
		if err != nil {
			return nil, fmt.Errorf("encode image request: %w", err)
		}
		return &jobs.Job{
			Type:        jobs.TypeIngestImage,
			Ontology:    w.opts.Ontology,
			ContentHash: jobs.HashContent(data),
			SubmitterID: "watcher",
			Payload:     payload,
		}, nil
	}

	text := string(data)
	payload, err := json.Marshal(ingest.TextRequest{
		Ontology: w.opts.Ontology,
		Document: document,
		Text:     text,
	})
	if err != nil {
		return nil, fmt.Errorf("encode text request: %w", err)
	}
	return &jobs.Job{
		Type:        jobs.TypeIngestFile,
		Ontology:    w.opts.Ontology,
		ContentHash: jobs.HashText(text),
		SubmitterID: "watcher",
		Payload:     payload,
	}, nil
}
