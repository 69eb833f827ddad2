package scheduler

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"noesis/jobs"
)

// Job lifecycle subjects.
const (
	SubjectSubmitted = "noesis.jobs.submitted"
	SubjectStarted   = "noesis.jobs.started"
	SubjectProgress  = "noesis.jobs.progress"
	SubjectCompleted = "noesis.jobs.completed"
	SubjectFailed    = "noesis.jobs.failed"
	SubjectCancelled = "noesis.jobs.cancelled"
)

// JobEvent is the wire form of a lifecycle notification.
type JobEvent struct {
	JobID     string         `json:"job_id"`
	Type      jobs.Type      `json:"job_type"`
	Status    jobs.Status    `json:"status"`
	Ontology  string         `json:"ontology,omitempty"`
	Progress  *jobs.Progress `json:"progress,omitempty"`
	Result    *jobs.Result   `json:"result,omitempty"`
	Error     *jobs.JobError `json:"error,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Publisher emits job lifecycle events over NATS. A nil Publisher or nil
// connection degrades to a no-op so the scheduler runs without a broker.
type Publisher struct {
	nc     *nats.Conn
	logger *slog.Logger
}

// NewPublisher wraps a NATS connection. nc may be nil.
func NewPublisher(nc *nats.Conn, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{nc: nc, logger: logger}
}

// publish is fire-and-forget: event delivery never fails a job.
func (p *Publisher) publish(subject string, event JobEvent) {
	if p == nil || p.nc == nil {
		return
	}
	event.Timestamp = time.Now().UTC()
	data, err := json.Marshal(event)
	if err != nil {
		p.logger.Warn("Failed to encode job event", "subject", subject, "error", err)
		return
	}
	if err := p.nc.Publish(subject, data); err != nil {
		p.logger.Warn("Failed to publish job event",
			"subject", subject, "job_id", event.JobID, "error", err)
	}
}

func (p *Publisher) Submitted(job *jobs.Job) {
	p.publish(SubjectSubmitted, JobEvent{
		JobID: job.ID, Type: job.Type, Status: job.Status, Ontology: job.Ontology,
	})
}

func (p *Publisher) Started(job *jobs.Job) {
	p.publish(SubjectStarted, JobEvent{
		JobID: job.ID, Type: job.Type, Status: jobs.StatusProcessing, Ontology: job.Ontology,
	})
}

func (p *Publisher) Progress(job *jobs.Job, progress *jobs.Progress) {
	p.publish(SubjectProgress, JobEvent{
		JobID: job.ID, Type: job.Type, Status: jobs.StatusProcessing,
		Ontology: job.Ontology, Progress: progress,
	})
}

func (p *Publisher) Completed(job *jobs.Job, result *jobs.Result) {
	p.publish(SubjectCompleted, JobEvent{
		JobID: job.ID, Type: job.Type, Status: jobs.StatusCompleted,
		Ontology: job.Ontology, Result: result,
	})
}

func (p *Publisher) Failed(job *jobs.Job, jobErr *jobs.JobError) {
	p.publish(SubjectFailed, JobEvent{
		JobID: job.ID, Type: job.Type, Status: jobs.StatusFailed,
		Ontology: job.Ontology, Error: jobErr,
	})
}

func (p *Publisher) Cancelled(job *jobs.Job, jobErr *jobs.JobError) {
	p.publish(SubjectCancelled, JobEvent{
		JobID: job.ID, Type: job.Type, Status: jobs.StatusCancelled,
		Ontology: job.Ontology, Error: jobErr,
	})
}

// Connect dials NATS with sane reconnect settings. An empty URL returns a
// nil connection, which the Publisher treats as disabled.
func Connect(url string) (*nats.Conn, error) {
	if url == "" {
		return nil, nil
	}
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS at %s: %w", url, err)
	}
	return nc, nil
}
