package ingest

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"noesis/jobs"
)

// CheckpointSchemaVersion is bumped when the checkpoint record shape
// changes incompatibly. Older versions are refused on load.
const CheckpointSchemaVersion = 1

// recentConceptCap bounds the recent-concept ring carried in checkpoints.
const recentConceptCap = 50

// ErrFingerprintMismatch signals that the stored checkpoint belongs to
// different input bytes; the caller must discard it and restart from zero.
var ErrFingerprintMismatch = errors.New("checkpoint fingerprint mismatch")

// Checkpoint is a durable resume point for a chunked ingestion. It is keyed
// by (ontology, document), not by job id: a resubmission of the same input
// under a fresh job id picks up where the previous job stopped. The
// fingerprint guards against resuming into changed input bytes.
type Checkpoint struct {
	SchemaVersion    int        `json:"schema_version"`
	Ontology         string     `json:"ontology"`
	Document         string     `json:"document"`
	JobID            string     `json:"job_id"` // last job that wrote it
	Fingerprint      string     `json:"input_fingerprint"`
	CharPosition     int        `json:"char_position"`
	ChunksProcessed  int        `json:"chunks_processed"`
	RecentConceptIDs []string   `json:"recent_concept_ids"`
	Stats            jobs.Stats `json:"stats"`
	Timestamp        time.Time  `json:"timestamp"`
}

// AddRecentConcepts appends concept ids to the ring, newest last, dropping
// the oldest entries beyond the cap. Both newly created and linked ids go
// in; the extractor primes best with everything recently seen.
func (c *Checkpoint) AddRecentConcepts(ids ...string) {
	c.RecentConceptIDs = append(c.RecentConceptIDs, ids...)
	if over := len(c.RecentConceptIDs) - recentConceptCap; over > 0 {
		c.RecentConceptIDs = c.RecentConceptIDs[over:]
	}
}

// Checkpointer persists resume state keyed by (ontology, document).
type Checkpointer interface {
	// Load returns the checkpoint for the document, nil when none exists,
	// or ErrFingerprintMismatch when one exists for different input bytes.
	Load(ctx context.Context, fingerprint, ontology, document string) (*Checkpoint, error)

	// Save writes the checkpoint transactionally.
	Save(ctx context.Context, cp *Checkpoint) error

	// Delete removes the document's checkpoint. Deleting a missing
	// checkpoint is not an error.
	Delete(ctx context.Context, ontology, document string) error
}

const checkpointSchema = `
CREATE TABLE IF NOT EXISTS checkpoints (
	ontology           TEXT NOT NULL,
	document           TEXT NOT NULL,
	job_id             TEXT NOT NULL,
	input_fingerprint  TEXT NOT NULL,
	schema_version     INTEGER NOT NULL,
	char_position      INTEGER NOT NULL,
	chunks_processed   INTEGER NOT NULL,
	recent_concept_ids TEXT NOT NULL DEFAULT '[]',
	stats              TEXT NOT NULL DEFAULT '{}',
	updated_at         TIMESTAMP NOT NULL,
	PRIMARY KEY (ontology, document)
);
`

// SQLiteCheckpointer implements Checkpointer on SQLite. It can share a
// database handle with the graph store.
type SQLiteCheckpointer struct {
	db *sql.DB
}

// NewSQLiteCheckpointer initializes the checkpoint table on db.
func NewSQLiteCheckpointer(db *sql.DB) (*SQLiteCheckpointer, error) {
	if _, err := db.Exec(checkpointSchema); err != nil {
		return nil, fmt.Errorf("initialize checkpoint schema: %w", err)
	}
	return &SQLiteCheckpointer{db: db}, nil
}

// OpenSQLiteCheckpointer opens a standalone checkpoint database at path.
func OpenSQLiteCheckpointer(path string) (*SQLiteCheckpointer, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open checkpoint database: %w", err)
	}
	db.SetMaxOpenConns(1)
	cp, err := NewSQLiteCheckpointer(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return cp, nil
}

func (s *SQLiteCheckpointer) Load(ctx context.Context, fingerprint, ontology, document string) (*Checkpoint, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT job_id, input_fingerprint, schema_version, char_position, chunks_processed,
			recent_concept_ids, stats, updated_at
		FROM checkpoints WHERE ontology = ? AND document = ?`, ontology, document)

	cp := Checkpoint{Ontology: ontology, Document: document}
	var recentRaw, statsRaw string
	err := row.Scan(&cp.JobID, &cp.Fingerprint, &cp.SchemaVersion, &cp.CharPosition,
		&cp.ChunksProcessed, &recentRaw, &statsRaw, &cp.Timestamp)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint for %s/%s: %w", ontology, document, err)
	}

	if cp.Fingerprint != fingerprint {
		return nil, fmt.Errorf("checkpoint for %s/%s is bound to other input: %w",
			ontology, document, ErrFingerprintMismatch)
	}
	if cp.SchemaVersion != CheckpointSchemaVersion {
		return nil, fmt.Errorf("checkpoint for %s/%s has schema version %d, want %d: %w",
			ontology, document, cp.SchemaVersion, CheckpointSchemaVersion, ErrFingerprintMismatch)
	}

	if err := json.Unmarshal([]byte(recentRaw), &cp.RecentConceptIDs); err != nil {
		return nil, fmt.Errorf("decode recent concepts: %w", err)
	}
	if err := json.Unmarshal([]byte(statsRaw), &cp.Stats); err != nil {
		return nil, fmt.Errorf("decode checkpoint stats: %w", err)
	}
	return &cp, nil
}

func (s *SQLiteCheckpointer) Save(ctx context.Context, cp *Checkpoint) error {
	if cp.SchemaVersion == 0 {
		cp.SchemaVersion = CheckpointSchemaVersion
	}
	if cp.Timestamp.IsZero() {
		cp.Timestamp = time.Now().UTC()
	}

	recent, err := json.Marshal(cp.RecentConceptIDs)
	if err != nil {
		return fmt.Errorf("marshal recent concepts: %w", err)
	}
	stats, err := json.Marshal(cp.Stats)
	if err != nil {
		return fmt.Errorf("marshal checkpoint stats: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (ontology, document, job_id, input_fingerprint, schema_version,
			char_position, chunks_processed, recent_concept_ids, stats, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(ontology, document) DO UPDATE SET
			job_id = excluded.job_id,
			input_fingerprint = excluded.input_fingerprint,
			schema_version = excluded.schema_version,
			char_position = excluded.char_position,
			chunks_processed = excluded.chunks_processed,
			recent_concept_ids = excluded.recent_concept_ids,
			stats = excluded.stats,
			updated_at = excluded.updated_at`,
		cp.Ontology, cp.Document, cp.JobID, cp.Fingerprint, cp.SchemaVersion,
		cp.CharPosition, cp.ChunksProcessed, string(recent), string(stats), cp.Timestamp)
	if err != nil {
		return fmt.Errorf("save checkpoint for %s/%s: %w", cp.Ontology, cp.Document, err)
	}
	return nil
}

func (s *SQLiteCheckpointer) Delete(ctx context.Context, ontology, document string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM checkpoints WHERE ontology = ? AND document = ?`, ontology, document)
	if err != nil {
		return fmt.Errorf("delete checkpoint for %s/%s: %w", ontology, document, err)
	}
	return nil
}
