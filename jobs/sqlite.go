package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const jobSchema = `
CREATE TABLE IF NOT EXISTS jobs (
	job_id          TEXT PRIMARY KEY,
	job_type        TEXT NOT NULL,
	status          TEXT NOT NULL,
	content_hash    TEXT NOT NULL DEFAULT '',
	ontology        TEXT NOT NULL DEFAULT '',
	submitter_id    TEXT NOT NULL DEFAULT '',
	processing_mode TEXT NOT NULL DEFAULT 'serial',
	payload         TEXT,
	analysis        TEXT,
	progress        TEXT,
	result          TEXT,
	error           TEXT,
	created_at      TIMESTAMP NOT NULL,
	started_at      TIMESTAMP,
	completed_at    TIMESTAMP,
	approved_at     TIMESTAMP,
	expires_at      TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status, created_at);
CREATE INDEX IF NOT EXISTS idx_jobs_dedup ON jobs(content_hash, ontology, job_type);
`

// SQLiteStore implements Store on SQLite. A single connection serializes
// writers, which makes Submit's dedup check and ClaimNext's
// fetch-and-transition linearizable.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) a job database at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open job database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(jobSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize job schema: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure job database: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Submit(ctx context.Context, job *Job, force bool) (*SubmitResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin submit: %w", err)
	}
	defer tx.Rollback()

	// A completed or still-live job with the same dedup key collapses the
	// submission. Failed and cancelled jobs do not block a retry.
	if !force && job.ContentHash != "" {
		row := tx.QueryRowContext(ctx, `
			SELECT job_id, status, created_at, result FROM jobs
			WHERE content_hash = ? AND ontology = ? AND job_type = ?
			  AND status NOT IN (?, ?)
			ORDER BY created_at LIMIT 1`,
			job.ContentHash, job.Ontology, string(job.Type),
			string(StatusFailed), string(StatusCancelled))

		var existingID, status string
		var createdAt time.Time
		var resultRaw sql.NullString
		err := row.Scan(&existingID, &status, &createdAt, &resultRaw)
		if err == nil {
			res := &SubmitResult{
				JobID:     existingID,
				Status:    Status(status),
				Duplicate: true,
				CreatedAt: createdAt,
			}
			if resultRaw.Valid {
				var r Result
				if err := json.Unmarshal([]byte(resultRaw.String), &r); err == nil {
					res.Result = &r
				}
			}
			return res, nil
		}
		if err != sql.ErrNoRows {
			return nil, fmt.Errorf("check duplicate submission: %w", err)
		}
	}

	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	if job.Status == "" {
		job.Status = StatusPending
	}
	if job.ProcessingMode == "" {
		job.ProcessingMode = ModeSerial
	}
	if job.ExpiresAt != nil && !job.ExpiresAt.After(job.CreatedAt) {
		return nil, fmt.Errorf("job expiry %v is not after creation %v", job.ExpiresAt, job.CreatedAt)
	}

	payload, err := marshalNullable(job.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	analysis, err := marshalNullable(job.Analysis)
	if err != nil {
		return nil, fmt.Errorf("marshal analysis: %w", err)
	}
	progress, err := marshalNullable(job.Progress)
	if err != nil {
		return nil, fmt.Errorf("marshal progress: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO jobs (job_id, job_type, status, content_hash, ontology, submitter_id,
			processing_mode, payload, analysis, progress, created_at, approved_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, string(job.Type), string(job.Status), job.ContentHash, job.Ontology,
		job.SubmitterID, string(job.ProcessingMode), payload, analysis, progress,
		job.CreatedAt, job.ApprovedAt, job.ExpiresAt)
	if err != nil {
		return nil, fmt.Errorf("insert job: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit submit: %w", err)
	}
	return &SubmitResult{JobID: job.ID, Status: job.Status, CreatedAt: job.CreatedAt}, nil
}

const jobColumns = `job_id, job_type, status, content_hash, ontology, submitter_id,
	processing_mode, payload, analysis, progress, result, error,
	created_at, started_at, completed_at, approved_at, expires_at`

func (s *SQLiteStore) Get(ctx context.Context, jobID string) (*Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE job_id = ?`, jobID)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("job %s: %w", jobID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load job %s: %w", jobID, err)
	}
	return job, nil
}

func (s *SQLiteStore) List(ctx context.Context, f Filter) ([]*Job, error) {
	var conds []string
	var args []any
	if f.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.SubmitterID != "" {
		conds = append(conds, "submitter_id = ?")
		args = append(args, f.SubmitterID)
	}
	if f.Type != "" {
		conds = append(conds, "job_type = ?")
		args = append(args, string(f.Type))
	}
	if f.Ontology != "" {
		conds = append(conds, "ontology = ?")
		args = append(args, f.Ontology)
	}

	query := `SELECT ` + jobColumns + ` FROM jobs`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC, job_id"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
		if f.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, f.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Transition(ctx context.Context, jobID string, from, to Status, patch *TransitionPatch) error {
	if !from.CanTransitionTo(to) {
		return fmt.Errorf("%s -> %s: %w", from, to, ErrInvalidTransition)
	}

	sets := []string{"status = ?"}
	args := []any{string(to)}

	if patch != nil {
		if patch.Result != nil {
			raw, err := json.Marshal(patch.Result)
			if err != nil {
				return fmt.Errorf("marshal result: %w", err)
			}
			sets = append(sets, "result = ?")
			args = append(args, string(raw))
		}
		if patch.Error != nil {
			raw, err := json.Marshal(patch.Error)
			if err != nil {
				return fmt.Errorf("marshal error: %w", err)
			}
			sets = append(sets, "error = ?")
			args = append(args, string(raw))
		}
		if patch.Progress != nil {
			raw, err := json.Marshal(patch.Progress)
			if err != nil {
				return fmt.Errorf("marshal progress: %w", err)
			}
			sets = append(sets, "progress = ?")
			args = append(args, string(raw))
		}
		if patch.ApprovedAt != nil {
			sets = append(sets, "approved_at = ?")
			args = append(args, *patch.ApprovedAt)
		}
	}
	if to.IsTerminal() {
		sets = append(sets, "completed_at = ?")
		args = append(args, time.Now().UTC())
	}

	args = append(args, jobID, string(from))
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET `+strings.Join(sets, ", ")+` WHERE job_id = ? AND status = ?`,
		args...)
	if err != nil {
		return fmt.Errorf("transition job %s: %w", jobID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("transition job %s: %w", jobID, err)
	}
	if n == 0 {
		// Distinguish a missing job from a lost CAS race.
		var current string
		err := s.db.QueryRowContext(ctx,
			`SELECT status FROM jobs WHERE job_id = ?`, jobID).Scan(&current)
		if err == sql.ErrNoRows {
			return fmt.Errorf("job %s: %w", jobID, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("read job %s status: %w", jobID, err)
		}
		return fmt.Errorf("job %s is %s, expected %s: %w", jobID, current, from, ErrConflict)
	}
	return nil
}

func (s *SQLiteStore) UpdateProgress(ctx context.Context, jobID string, p *Progress) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal progress: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET progress = ? WHERE job_id = ?`, string(raw), jobID)
	if err != nil {
		return fmt.Errorf("update progress for %s: %w", jobID, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("job %s: %w", jobID, ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) SetResult(ctx context.Context, jobID string, terminal Status, result *Result, jobErr *JobError) error {
	if !terminal.IsTerminal() {
		return fmt.Errorf("status %s is not terminal: %w", terminal, ErrInvalidTransition)
	}
	return s.Transition(ctx, jobID, StatusProcessing, terminal, &TransitionPatch{
		Result: result,
		Error:  jobErr,
	})
}

// ClaimNext tries each accepted type in order, claiming the oldest
// claimable job of the first type that has one. Callers rotate the type
// order to get round-robin fairness.
func (s *SQLiteStore) ClaimNext(ctx context.Context, workerID string, types []Type, now time.Time) (*Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim: %w", err)
	}
	defer tx.Rollback()

	for _, jobType := range types {
		row := tx.QueryRowContext(ctx, `
			SELECT job_id FROM jobs
			WHERE job_type = ? AND status IN (?, ?)
			  AND (expires_at IS NULL OR expires_at > ?)
			ORDER BY created_at, job_id LIMIT 1`,
			string(jobType), string(StatusApproved), string(StatusQueued), now)

		var jobID string
		err := row.Scan(&jobID)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("find claimable job: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE jobs SET status = ?, started_at = ? WHERE job_id = ?`,
			string(StatusProcessing), now.UTC(), jobID)
		if err != nil {
			return nil, fmt.Errorf("claim job %s: %w", jobID, err)
		}

		job, err := scanJob(tx.QueryRowContext(ctx,
			`SELECT `+jobColumns+` FROM jobs WHERE job_id = ?`, jobID))
		if err != nil {
			return nil, fmt.Errorf("load claimed job %s: %w", jobID, err)
		}
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("commit claim: %w", err)
		}
		return job, nil
	}
	return nil, ErrNotFound
}

func (s *SQLiteStore) ExpireOverdue(ctx context.Context, now time.Time) (int, error) {
	errJSON, _ := json.Marshal(JobError{Kind: ErrKindCancelled, Message: "job expired before completion"})
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, error = ?, completed_at = ?
		WHERE expires_at IS NOT NULL AND expires_at < ?
		  AND status NOT IN (?, ?, ?)`,
		string(StatusCancelled), string(errJSON), now.UTC(), now,
		string(StatusCompleted), string(StatusFailed), string(StatusCancelled))
	if err != nil {
		return 0, fmt.Errorf("expire overdue jobs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("count expired jobs: %w", err)
	}
	return int(n), nil
}

func (s *SQLiteStore) RecoverStuck(ctx context.Context, cutoff time.Time) (int, error) {
	errJSON, _ := json.Marshal(JobError{Kind: ErrKindStuck, Message: "abandoned by a previous scheduler process"})
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, error = ?, completed_at = ?
		WHERE status = ? AND started_at IS NOT NULL AND started_at < ?`,
		string(StatusFailed), string(errJSON), time.Now().UTC(),
		string(StatusProcessing), cutoff)
	if err != nil {
		return 0, fmt.Errorf("recover stuck jobs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("count stuck jobs: %w", err)
	}
	return int(n), nil
}

func (s *SQLiteStore) CleanupCompleted(ctx context.Context, completedBefore, failedBefore time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM jobs
		WHERE (status = ? AND completed_at < ?)
		   OR (status IN (?, ?) AND completed_at < ?)`,
		string(StatusCompleted), completedBefore,
		string(StatusFailed), string(StatusCancelled), failedBefore)
	if err != nil {
		return 0, fmt.Errorf("clean up jobs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("count cleaned jobs: %w", err)
	}
	return int(n), nil
}

func (s *SQLiteStore) CountByStatus(ctx context.Context) (map[Status]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	defer rows.Close()

	out := make(map[Status]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan job count: %w", err)
		}
		out[Status(status)] = n
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM jobs`); err != nil {
		return fmt.Errorf("clear jobs: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var j Job
	var jobType, status, mode string
	var payload, analysis, progress, result, jobErr sql.NullString
	var started, completed, approved, expires sql.NullTime

	err := row.Scan(&j.ID, &jobType, &status, &j.ContentHash, &j.Ontology, &j.SubmitterID,
		&mode, &payload, &analysis, &progress, &result, &jobErr,
		&j.CreatedAt, &started, &completed, &approved, &expires)
	if err != nil {
		return nil, err
	}

	j.Type = Type(jobType)
	j.Status = Status(status)
	j.ProcessingMode = ProcessingMode(mode)
	if payload.Valid {
		j.Payload = json.RawMessage(payload.String)
	}
	if err := unmarshalNullable(analysis, &j.Analysis); err != nil {
		return nil, fmt.Errorf("decode analysis: %w", err)
	}
	if err := unmarshalNullable(progress, &j.Progress); err != nil {
		return nil, fmt.Errorf("decode progress: %w", err)
	}
	if err := unmarshalNullable(result, &j.Result); err != nil {
		return nil, fmt.Errorf("decode result: %w", err)
	}
	if err := unmarshalNullable(jobErr, &j.Error); err != nil {
		return nil, fmt.Errorf("decode error: %w", err)
	}
	if started.Valid {
		t := started.Time
		j.StartedAt = &t
	}
	if completed.Valid {
		t := completed.Time
		j.CompletedAt = &t
	}
	if approved.Valid {
		t := approved.Time
		j.ApprovedAt = &t
	}
	if expires.Valid {
		t := expires.Time
		j.ExpiresAt = &t
	}
	return &j, nil
}

func marshalNullable(v any) (any, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		if len(val) == 0 {
			return nil, nil
		}
		return string(val), nil
	case *Analysis:
		if val == nil {
			return nil, nil
		}
	case *Progress:
		if val == nil {
			return nil, nil
		}
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(raw), nil
}

func unmarshalNullable[T any](raw sql.NullString, out **T) error {
	if !raw.Valid || raw.String == "" {
		return nil
	}
	var v T
	if err := json.Unmarshal([]byte(raw.String), &v); err != nil {
		return err
	}
	*out = &v
	return nil
}
