package graph

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const graphSchema = `
CREATE TABLE IF NOT EXISTS concepts (
	concept_id   TEXT PRIMARY KEY,
	ontology     TEXT NOT NULL,
	label        TEXT NOT NULL,
	description  TEXT NOT NULL DEFAULT '',
	search_terms TEXT NOT NULL DEFAULT '[]',
	embedding    TEXT NOT NULL DEFAULT '[]',
	created_at   TIMESTAMP NOT NULL,
	updated_at   TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_concepts_ontology ON concepts(ontology);

CREATE TABLE IF NOT EXISTS sources (
	source_id          TEXT PRIMARY KEY,
	ontology           TEXT NOT NULL,
	document           TEXT NOT NULL,
	chunk_index        INTEGER NOT NULL DEFAULT 0,
	full_text          TEXT NOT NULL,
	content_hash       TEXT NOT NULL DEFAULT '',
	start_offset       INTEGER NOT NULL DEFAULT 0,
	end_offset         INTEGER NOT NULL DEFAULT 0,
	source_type        TEXT NOT NULL,
	has_image          INTEGER NOT NULL DEFAULT 0,
	image_content_type TEXT NOT NULL DEFAULT '',
	image_object_key   TEXT NOT NULL DEFAULT '',
	created_at         TIMESTAMP NOT NULL,
	UNIQUE(content_hash, chunk_index)
);
CREATE INDEX IF NOT EXISTS idx_sources_document ON sources(ontology, document);

CREATE TABLE IF NOT EXISTS instances (
	instance_id TEXT PRIMARY KEY,
	concept_id  TEXT NOT NULL REFERENCES concepts(concept_id),
	source_id   TEXT NOT NULL REFERENCES sources(source_id),
	quote       TEXT NOT NULL,
	paragraph   INTEGER NOT NULL DEFAULT 0,
	char_offset INTEGER NOT NULL DEFAULT 0,
	confidence  REAL NOT NULL DEFAULT 0,
	created_at  TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_instances_concept ON instances(concept_id);
CREATE INDEX IF NOT EXISTS idx_instances_source ON instances(source_id);

CREATE TABLE IF NOT EXISTS relationships (
	relationship_id TEXT PRIMARY KEY,
	from_id         TEXT NOT NULL REFERENCES concepts(concept_id),
	to_id           TEXT NOT NULL REFERENCES concepts(concept_id),
	rel_type        TEXT NOT NULL,
	category        TEXT NOT NULL DEFAULT '',
	confidence      REAL NOT NULL DEFAULT 0,
	direction       TEXT NOT NULL DEFAULT '',
	polarity        REAL NOT NULL DEFAULT 0,
	source_id       TEXT NOT NULL DEFAULT '',
	created_at      TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_relationships_type ON relationships(rel_type);
CREATE INDEX IF NOT EXISTS idx_relationships_from ON relationships(from_id);
CREATE INDEX IF NOT EXISTS idx_relationships_to ON relationships(to_id);
`

// SQLiteStore implements Store on a SQLite database. Embeddings are stored
// as JSON arrays and similarity is computed in Go; at the scale of one
// ontology this beats maintaining a separate vector index.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) a graph database at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open graph database: %w", err)
	}
	// SQLite allows one writer; serialize access instead of failing on
	// SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(graphSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize graph schema: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL; PRAGMA foreign_keys=ON;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure graph database: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle so the checkpointer can share the file.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

func (s *SQLiteStore) BeginTx(ctx context.Context) (Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin graph transaction: %w", err)
	}
	return &sqliteTx{tx: tx}, nil
}

type sqliteTx struct {
	tx *sql.Tx
}

func (t *sqliteTx) Commit() error   { return t.tx.Commit() }
func (t *sqliteTx) Rollback() error { return t.tx.Rollback() }

func (t *sqliteTx) UpsertConcept(ctx context.Context, ontology string, proto ProtoConcept, embedding []float32) (string, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	terms, err := json.Marshal(normalizeTerms(proto.SearchTerms))
	if err != nil {
		return "", fmt.Errorf("marshal search terms: %w", err)
	}
	vec, err := json.Marshal(embedding)
	if err != nil {
		return "", fmt.Errorf("marshal embedding: %w", err)
	}

	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO concepts (concept_id, ontology, label, description, search_terms, embedding, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id, ontology, proto.Label, proto.Description, string(terms), string(vec), now, now)
	if err != nil {
		return "", fmt.Errorf("insert concept %q: %w", proto.Label, err)
	}
	return id, nil
}

func (t *sqliteTx) MergeSearchTerms(ctx context.Context, conceptID string, terms []string) error {
	var raw string
	err := t.tx.QueryRowContext(ctx,
		`SELECT search_terms FROM concepts WHERE concept_id = ?`, conceptID).Scan(&raw)
	if err == sql.ErrNoRows {
		return fmt.Errorf("concept %s: %w", conceptID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("load search terms: %w", err)
	}

	var existing []string
	if err := json.Unmarshal([]byte(raw), &existing); err != nil {
		return fmt.Errorf("decode search terms: %w", err)
	}

	merged := normalizeTerms(append(existing, terms...))
	if len(merged) == len(existing) {
		return nil
	}
	out, err := json.Marshal(merged)
	if err != nil {
		return fmt.Errorf("marshal search terms: %w", err)
	}

	_, err = t.tx.ExecContext(ctx,
		`UPDATE concepts SET search_terms = ?, updated_at = ? WHERE concept_id = ?`,
		string(out), time.Now().UTC(), conceptID)
	if err != nil {
		return fmt.Errorf("update search terms: %w", err)
	}
	return nil
}

func (t *sqliteTx) UpdateConceptEmbedding(ctx context.Context, conceptID string, embedding []float32) error {
	vec, err := json.Marshal(embedding)
	if err != nil {
		return fmt.Errorf("marshal embedding: %w", err)
	}
	res, err := t.tx.ExecContext(ctx,
		`UPDATE concepts SET embedding = ?, updated_at = ? WHERE concept_id = ?`,
		string(vec), time.Now().UTC(), conceptID)
	if err != nil {
		return fmt.Errorf("update embedding: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("concept %s: %w", conceptID, ErrNotFound)
	}
	return nil
}

func (t *sqliteTx) InsertSource(ctx context.Context, src Source) (string, error) {
	if src.ContentHash != "" {
		var existing string
		err := t.tx.QueryRowContext(ctx,
			`SELECT source_id FROM sources WHERE content_hash = ? AND chunk_index = ?`,
			src.ContentHash, src.ChunkIndex).Scan(&existing)
		if err == nil {
			return existing, nil
		}
		if err != sql.ErrNoRows {
			return "", fmt.Errorf("look up source: %w", err)
		}
	}

	id := src.ID
	if id == "" {
		id = uuid.New().String()
	}
	created := src.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}

	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO sources (source_id, ontology, document, chunk_index, full_text, content_hash,
			start_offset, end_offset, source_type, has_image, image_content_type, image_object_key, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, src.Ontology, src.Document, src.ChunkIndex, src.FullText, src.ContentHash,
		src.StartOffset, src.EndOffset, string(src.Type),
		boolToInt(src.HasImage), src.ImageContentType, src.ImageObjectKey, created)
	if err != nil {
		return "", fmt.Errorf("insert source: %w", err)
	}
	return id, nil
}

func (t *sqliteTx) InsertInstance(ctx context.Context, inst Instance) error {
	id := inst.ID
	if id == "" {
		id = uuid.New().String()
	}
	created := inst.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO instances (instance_id, concept_id, source_id, quote, paragraph, char_offset, confidence, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id, inst.ConceptID, inst.SourceID, inst.Quote, inst.Paragraph, inst.Offset, inst.Confidence, created)
	if err != nil {
		return fmt.Errorf("insert instance: %w", err)
	}
	return nil
}

func (t *sqliteTx) InsertRelationship(ctx context.Context, rel Relationship) error {
	id := rel.ID
	if id == "" {
		id = uuid.New().String()
	}
	created := rel.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO relationships (relationship_id, from_id, to_id, rel_type, category, confidence, direction, polarity, source_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, rel.FromID, rel.ToID, rel.RelType, rel.Category, rel.Confidence,
		string(rel.Direction), rel.Polarity, rel.SourceID, created)
	if err != nil {
		return fmt.Errorf("insert relationship: %w", err)
	}
	return nil
}

func (t *sqliteTx) RewriteEdgeType(ctx context.Context, fromType, toType string) (int, error) {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE relationships SET rel_type = ? WHERE rel_type = ?`, toType, fromType)
	if err != nil {
		return 0, fmt.Errorf("rewrite edges %s -> %s: %w", fromType, toType, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("count rewritten edges: %w", err)
	}
	return int(n), nil
}

func (t *sqliteTx) DeleteEdgesOfType(ctx context.Context, relType string) (int, error) {
	res, err := t.tx.ExecContext(ctx,
		`DELETE FROM relationships WHERE rel_type = ?`, relType)
	if err != nil {
		return 0, fmt.Errorf("delete edges of type %s: %w", relType, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("count deleted edges: %w", err)
	}
	return int(n), nil
}

// VectorSearch scans the ontology's concepts and ranks them by cosine
// similarity in Go. Ties break toward the earlier-created concept.
func (s *SQLiteStore) VectorSearch(ctx context.Context, ontology string, query []float32, k int) ([]Match, error) {
	if k <= 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT concept_id, embedding, created_at FROM concepts
		WHERE ontology = ? ORDER BY created_at, concept_id`, ontology)
	if err != nil {
		return nil, fmt.Errorf("query concept vectors: %w", err)
	}
	defer rows.Close()

	type scored struct {
		Match
		created time.Time
	}
	var candidates []scored
	for rows.Next() {
		var id, raw string
		var created time.Time
		if err := rows.Scan(&id, &raw, &created); err != nil {
			return nil, fmt.Errorf("scan concept vector: %w", err)
		}
		var vec []float32
		if err := json.Unmarshal([]byte(raw), &vec); err != nil {
			return nil, fmt.Errorf("decode embedding for %s: %w", id, err)
		}
		sim, ok := cosineSimilarity(query, vec)
		if !ok {
			continue
		}
		candidates = append(candidates, scored{Match{ConceptID: id, Similarity: sim}, created})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate concept vectors: %w", err)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Similarity != candidates[j].Similarity {
			return candidates[i].Similarity > candidates[j].Similarity
		}
		if !candidates[i].created.Equal(candidates[j].created) {
			return candidates[i].created.Before(candidates[j].created)
		}
		return candidates[i].ConceptID < candidates[j].ConceptID
	})

	if len(candidates) > k {
		candidates = candidates[:k]
	}
	out := make([]Match, len(candidates))
	for i, c := range candidates {
		out[i] = c.Match
	}
	return out, nil
}

func (s *SQLiteStore) GetConcept(ctx context.Context, conceptID string) (*Concept, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT concept_id, ontology, label, description, search_terms, embedding, created_at, updated_at
		FROM concepts WHERE concept_id = ?`, conceptID)
	c, err := scanConcept(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("concept %s: %w", conceptID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (s *SQLiteStore) ListConcepts(ctx context.Context, ontology string) ([]Concept, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT concept_id, ontology, label, description, search_terms, embedding, created_at, updated_at
		FROM concepts WHERE ontology = ? ORDER BY created_at, concept_id`, ontology)
	if err != nil {
		return nil, fmt.Errorf("list concepts: %w", err)
	}
	defer rows.Close()

	var out []Concept
	for rows.Next() {
		c, err := scanConcept(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// NeighborsOf walks the relationship cluster breadth-first up to depth hops.
func (s *SQLiteStore) NeighborsOf(ctx context.Context, conceptID string, depth int) ([]Neighbor, error) {
	if depth <= 0 {
		depth = 1
	}

	seen := map[string]bool{conceptID: true}
	frontier := []string{conceptID}
	var out []Neighbor

	for hop := 0; hop < depth && len(frontier) > 0; hop++ {
		var next []string
		for _, id := range frontier {
			rows, err := s.db.QueryContext(ctx, `
				SELECT cf.label, r.rel_type, ct.label, r.from_id, r.to_id
				FROM relationships r
				JOIN concepts cf ON cf.concept_id = r.from_id
				JOIN concepts ct ON ct.concept_id = r.to_id
				WHERE r.from_id = ? OR r.to_id = ?
				ORDER BY r.created_at`, id, id)
			if err != nil {
				return nil, fmt.Errorf("query neighbors of %s: %w", id, err)
			}
			for rows.Next() {
				var n Neighbor
				var fromID, toID string
				if err := rows.Scan(&n.FromLabel, &n.RelType, &n.ToLabel, &fromID, &toID); err != nil {
					rows.Close()
					return nil, fmt.Errorf("scan neighbor: %w", err)
				}
				out = append(out, n)
				for _, other := range []string{fromID, toID} {
					if !seen[other] {
						seen[other] = true
						next = append(next, other)
					}
				}
			}
			if err := rows.Err(); err != nil {
				rows.Close()
				return nil, fmt.Errorf("iterate neighbors: %w", err)
			}
			rows.Close()
		}
		frontier = next
	}
	return out, nil
}

func (s *SQLiteStore) RecentConceptsInDocument(ctx context.Context, ontology, document string, n int) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT c.concept_id, MAX(i.created_at) AS last_seen
		FROM concepts c
		JOIN instances i ON i.concept_id = c.concept_id
		JOIN sources s ON s.source_id = i.source_id
		WHERE c.ontology = ? AND s.document = ?
		GROUP BY c.concept_id
		ORDER BY last_seen DESC
		LIMIT ?`, ontology, document, n)
	if err != nil {
		return nil, fmt.Errorf("query recent concepts: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		// The MAX() aggregate loses the column's TIMESTAMP affinity, so the
		// driver hands it back as a string. It only orders the rows.
		var lastSeen sql.NullString
		if err := rows.Scan(&id, &lastSeen); err != nil {
			return nil, fmt.Errorf("scan recent concept: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) CountEdgesOfType(ctx context.Context, relType string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM relationships WHERE rel_type = ?`, relType).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count edges of type %s: %w", relType, err)
	}
	return n, nil
}

func (s *SQLiteStore) EdgeCountsByType(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT rel_type, COUNT(*) FROM relationships GROUP BY rel_type`)
	if err != nil {
		return nil, fmt.Errorf("count edges by type: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var relType string
		var n int
		if err := rows.Scan(&relType, &n); err != nil {
			return nil, fmt.Errorf("scan edge count: %w", err)
		}
		out[relType] = n
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConcept(row rowScanner) (*Concept, error) {
	var c Concept
	var terms, vec string
	if err := row.Scan(&c.ID, &c.Ontology, &c.Label, &c.Description, &terms, &vec, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(terms), &c.SearchTerms); err != nil {
		return nil, fmt.Errorf("decode search terms for %s: %w", c.ID, err)
	}
	if err := json.Unmarshal([]byte(vec), &c.Embedding); err != nil {
		return nil, fmt.Errorf("decode embedding for %s: %w", c.ID, err)
	}
	return &c, nil
}

// cosineSimilarity returns the cosine of the angle between a and b, or
// ok=false when the vectors are incomparable (dim mismatch or zero norm).
func cosineSimilarity(a, b []float32) (float64, bool) {
	if len(a) != len(b) || len(a) == 0 {
		return 0, false
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0, false
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb)), true
}

func normalizeTerms(terms []string) []string {
	seen := make(map[string]bool, len(terms))
	out := make([]string, 0, len(terms))
	for _, t := range terms {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		key := strings.ToLower(t)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
