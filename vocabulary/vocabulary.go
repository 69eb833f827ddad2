package vocabulary

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"noesis/graph"
	"noesis/llm"
)

const vocabSchema = `
CREATE TABLE IF NOT EXISTS vocabulary (
	rel_type           TEXT PRIMARY KEY,
	category           TEXT NOT NULL DEFAULT '',
	description        TEXT NOT NULL DEFAULT '',
	is_builtin         INTEGER NOT NULL DEFAULT 0,
	is_active          INTEGER NOT NULL DEFAULT 1,
	usage_count        INTEGER NOT NULL DEFAULT 0,
	embedding          TEXT NOT NULL DEFAULT '[]',
	embedding_model    TEXT NOT NULL DEFAULT '',
	synonyms           TEXT NOT NULL DEFAULT '[]',
	deprecation_reason TEXT NOT NULL DEFAULT '',
	created_at         TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS vocab_synonyms (
	synonym   TEXT PRIMARY KEY,
	canonical TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS skipped_relationships (
	rel_type    TEXT PRIMARY KEY,
	occurrences INTEGER NOT NULL DEFAULT 0,
	first_seen  TIMESTAMP NOT NULL,
	last_seen   TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS vocabulary_history (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	action         TEXT NOT NULL,
	deprecated     TEXT NOT NULL DEFAULT '',
	target         TEXT NOT NULL DEFAULT '',
	reason         TEXT NOT NULL DEFAULT '',
	performed_by   TEXT NOT NULL DEFAULT '',
	size_before    INTEGER NOT NULL,
	size_after     INTEGER NOT NULL,
	aggressiveness REAL NOT NULL,
	zone           TEXT NOT NULL,
	created_at     TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS vocab_recommendations (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	kind         TEXT NOT NULL,
	from_type    TEXT NOT NULL,
	to_type      TEXT NOT NULL DEFAULT '',
	similarity   REAL NOT NULL DEFAULT 0,
	value_score  REAL NOT NULL DEFAULT 0,
	review_level TEXT NOT NULL,
	status       TEXT NOT NULL DEFAULT 'pending',
	created_at   TIMESTAMP NOT NULL
);
`

// Entry is one canonical relationship type.
type Entry struct {
	RelType           string    `json:"rel_type"`
	Category          string    `json:"category"`
	Description       string    `json:"description,omitempty"`
	IsBuiltin         bool      `json:"is_builtin"`
	IsActive          bool      `json:"is_active"`
	UsageCount        int       `json:"usage_count"`
	Embedding         []float32 `json:"-"`
	EmbeddingModel    string    `json:"-"`
	Synonyms          []string  `json:"synonyms,omitempty"`
	DeprecationReason string    `json:"deprecation_reason,omitempty"`
}

// Status is the vocabulary health snapshot reported to operators.
type Status struct {
	Size            int     `json:"size"`
	Zone            Zone    `json:"zone"`
	Aggressiveness  float64 `json:"aggressiveness"`
	Min             int     `json:"min"`
	Max             int     `json:"max"`
	Emergency       int     `json:"emergency"`
	BuiltinCount    int     `json:"builtin_count"`
	CustomCount     int     `json:"custom_count"`
	CategoriesCount int     `json:"categories_count"`
}

// SkippedType is one relationship type observed during extraction but not
// present in the vocabulary.
type SkippedType struct {
	RelType     string    `json:"rel_type"`
	Occurrences int       `json:"occurrences"`
	FirstSeen   time.Time `json:"first_seen"`
	LastSeen    time.Time `json:"last_seen"`
}

// Manager owns the relationship-type vocabulary.
type Manager struct {
	db       *sql.DB
	graph    graph.Store
	embedder llm.Embedder

	thresholds Thresholds
	curve      CubicBezier
	strong     float64
	moderate   float64
	lowValue   float64
	model      string
	logger     *slog.Logger
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithThresholds overrides the size bounds.
func WithThresholds(t Thresholds) ManagerOption {
	return func(m *Manager) {
		m.thresholds = t
	}
}

// WithProfile selects the aggressiveness curve by name.
func WithProfile(curve CubicBezier) ManagerOption {
	return func(m *Manager) {
		m.curve = curve
	}
}

// WithSimilarityThresholds overrides the synonym-detection cutoffs.
func WithSimilarityThresholds(strong, moderate float64) ManagerOption {
	return func(m *Manager) {
		m.strong = strong
		m.moderate = moderate
	}
}

// WithEmbeddingModel records which model produced cached embeddings, so a
// model change invalidates them.
func WithEmbeddingModel(model string) ManagerOption {
	return func(m *Manager) {
		m.model = model
	}
}

// WithManagerLogger sets the logger.
func WithManagerLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = logger
	}
}

// NewManager initializes the vocabulary tables on db.
func NewManager(db *sql.DB, graphStore graph.Store, embedder llm.Embedder, opts ...ManagerOption) (*Manager, error) {
	if _, err := db.Exec(vocabSchema); err != nil {
		return nil, fmt.Errorf("initialize vocabulary schema: %w", err)
	}
	m := &Manager{
		db:         db,
		graph:      graphStore,
		embedder:   embedder,
		thresholds: DefaultThresholds(),
		curve:      profiles["ease-in-out"],
		strong:     0.90,
		moderate:   0.70,
		lowValue:   LowValueThreshold,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if err := m.thresholds.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// NormalizeType canonicalizes a relationship-type name to UPPER_SNAKE.
func NormalizeType(name string) string {
	name = strings.TrimSpace(name)
	name = strings.ReplaceAll(name, " ", "_")
	name = strings.ReplaceAll(name, "-", "_")
	return strings.ToUpper(name)
}

// Resolve maps a relationship-type name to its canonical form: the name
// itself when active, the redirect target when the name is a recorded
// synonym, or ok=false for unknown names (which land in the skipped log).
func (m *Manager) Resolve(ctx context.Context, name string) (string, bool, error) {
	normalized := NormalizeType(name)
	if normalized == "" {
		return "", false, nil
	}

	var active bool
	err := m.db.QueryRowContext(ctx,
		`SELECT is_active FROM vocabulary WHERE rel_type = ?`, normalized).Scan(&active)
	if err == nil && active {
		return normalized, true, nil
	}
	if err != nil && err != sql.ErrNoRows {
		return "", false, fmt.Errorf("look up type %s: %w", normalized, err)
	}

	var canonical string
	err = m.db.QueryRowContext(ctx,
		`SELECT canonical FROM vocab_synonyms WHERE synonym = ?`, normalized).Scan(&canonical)
	if err == nil {
		return canonical, true, nil
	}
	if err != sql.ErrNoRows {
		return "", false, fmt.Errorf("look up synonym %s: %w", normalized, err)
	}

	if err := m.recordSkipped(ctx, normalized); err != nil {
		return "", false, err
	}
	return "", false, nil
}

func (m *Manager) recordSkipped(ctx context.Context, relType string) error {
	now := time.Now().UTC()
	_, err := m.db.ExecContext(ctx, `
		INSERT INTO skipped_relationships (rel_type, occurrences, first_seen, last_seen)
		VALUES (?, 1, ?, ?)
		ON CONFLICT(rel_type) DO UPDATE SET
			occurrences = occurrences + 1,
			last_seen = excluded.last_seen`,
		relType, now, now)
	if err != nil {
		return fmt.Errorf("record skipped type %s: %w", relType, err)
	}
	return nil
}

// AddType registers a new canonical type. Expansion is blocked at the
// emergency size; the vocabulary must shrink before it may grow.
func (m *Manager) AddType(ctx context.Context, name, category, description string, isBuiltin bool) error {
	normalized := NormalizeType(name)
	if normalized == "" {
		return fmt.Errorf("relationship type name is empty")
	}

	size, err := m.activeSize(ctx)
	if err != nil {
		return err
	}
	if size >= m.thresholds.Emergency {
		return fmt.Errorf("vocabulary at emergency size %d: expansion blocked", size)
	}

	_, err = m.db.ExecContext(ctx, `
		INSERT INTO vocabulary (rel_type, category, description, is_builtin, is_active, created_at)
		VALUES (?, ?, ?, ?, 1, ?)`,
		normalized, category, description, boolToInt(isBuiltin), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("add type %s: %w", normalized, err)
	}
	return nil
}

// Merge redirects every edge of the deprecated type to the target,
// deactivates the deprecated entry, and flattens its synonym chain onto
// the target. The deprecated name itself becomes a synonym of the target.
func (m *Manager) Merge(ctx context.Context, deprecated, target, reason, performedBy string) error {
	deprecated = NormalizeType(deprecated)
	target = NormalizeType(target)
	if deprecated == target {
		return fmt.Errorf("cannot merge %s into itself", deprecated)
	}

	depEntry, err := m.getEntry(ctx, deprecated)
	if err != nil {
		return err
	}
	tgtEntry, err := m.getEntry(ctx, target)
	if err != nil {
		return err
	}
	if !tgtEntry.IsActive {
		return fmt.Errorf("merge target %s is not active", target)
	}

	sizeBefore, err := m.activeSize(ctx)
	if err != nil {
		return err
	}
	aggr := Aggressiveness(sizeBefore, m.thresholds, m.curve)
	zone := ZoneFor(aggr)

	// Rewrite edges first: if this fails nothing changed; if the
	// bookkeeping below fails, all surviving edges already carry an
	// active type.
	gtx, err := m.graph.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("begin edge rewrite: %w", err)
	}
	rewritten, err := gtx.RewriteEdgeType(ctx, deprecated, target)
	if err != nil {
		gtx.Rollback()
		return err
	}
	if err := gtx.Commit(); err != nil {
		return fmt.Errorf("commit edge rewrite: %w", err)
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin vocabulary merge: %w", err)
	}
	defer tx.Rollback()

	// Deprecated's whole synonym chain redirects to the target.
	merged := append(append([]string{}, tgtEntry.Synonyms...), depEntry.Synonyms...)
	merged = append(merged, deprecated)
	synonyms, err := json.Marshal(dedupeStrings(merged))
	if err != nil {
		return fmt.Errorf("marshal synonyms: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE vocabulary SET is_active = 0, deprecation_reason = ?, usage_count = 0, synonyms = '[]'
		WHERE rel_type = ?`, reason, deprecated)
	if err != nil {
		return fmt.Errorf("deactivate %s: %w", deprecated, err)
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE vocabulary SET synonyms = ?, usage_count = usage_count + ?
		WHERE rel_type = ?`, string(synonyms), rewritten, target)
	if err != nil {
		return fmt.Errorf("update %s: %w", target, err)
	}

	// Re-point historical redirects so chains never stack.
	_, err = tx.ExecContext(ctx,
		`UPDATE vocab_synonyms SET canonical = ? WHERE canonical = ?`, target, deprecated)
	if err != nil {
		return fmt.Errorf("repoint synonyms of %s: %w", deprecated, err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO vocab_synonyms (synonym, canonical) VALUES (?, ?)
		ON CONFLICT(synonym) DO UPDATE SET canonical = excluded.canonical`,
		deprecated, target)
	if err != nil {
		return fmt.Errorf("record synonym %s: %w", deprecated, err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO vocabulary_history (action, deprecated, target, reason, performed_by,
			size_before, size_after, aggressiveness, zone, created_at)
		VALUES ('merge', ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		deprecated, target, reason, performedBy,
		sizeBefore, sizeBefore-1, aggr, string(zone), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("record merge history: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit vocabulary merge: %w", err)
	}

	// An ingestion worker that resolved the deprecated name before the
	// deactivation above can still commit an edge between the two
	// transactions. Sweep until a pass finds nothing; once the synonym row
	// is visible, Resolve redirects and no new deprecated edges appear.
	swept, err := m.sweepMergedEdges(ctx, deprecated, target)
	if err != nil {
		return fmt.Errorf("sweep edges after merging %s: %w", deprecated, err)
	}
	rewritten += swept

	m.logger.Info("Merged relationship type",
		"deprecated", deprecated,
		"target", target,
		"edges_rewritten", rewritten,
		"zone", zone)
	return nil
}

// sweepMergedEdges re-runs the edge rewrite until a pass rewrites nothing,
// folding any late edges into the target's usage count.
func (m *Manager) sweepMergedEdges(ctx context.Context, deprecated, target string) (int, error) {
	total := 0
	for pass := 0; pass < 5; pass++ {
		gtx, err := m.graph.BeginTx(ctx)
		if err != nil {
			return total, fmt.Errorf("begin sweep: %w", err)
		}
		n, err := gtx.RewriteEdgeType(ctx, deprecated, target)
		if err != nil {
			gtx.Rollback()
			return total, err
		}
		if err := gtx.Commit(); err != nil {
			return total, fmt.Errorf("commit sweep: %w", err)
		}
		if n == 0 {
			return total, nil
		}
		total += n
		_, err = m.db.ExecContext(ctx,
			`UPDATE vocabulary SET usage_count = usage_count + ? WHERE rel_type = ?`,
			n, target)
		if err != nil {
			return total, fmt.Errorf("count swept edges: %w", err)
		}
	}
	return total, fmt.Errorf("edges of %s kept appearing after 5 sweeps", deprecated)
}

// Prune deactivates a type that carries no live edges. Builtins are never
// pruned.
func (m *Manager) Prune(ctx context.Context, relType, reason, performedBy string) error {
	relType = NormalizeType(relType)
	entry, err := m.getEntry(ctx, relType)
	if err != nil {
		return err
	}
	if entry.IsBuiltin {
		return fmt.Errorf("cannot prune builtin type %s", relType)
	}
	edges, err := m.graph.CountEdgesOfType(ctx, relType)
	if err != nil {
		return err
	}
	if edges > 0 {
		return fmt.Errorf("type %s still has %d edges: merge it instead", relType, edges)
	}

	sizeBefore, err := m.activeSize(ctx)
	if err != nil {
		return err
	}
	aggr := Aggressiveness(sizeBefore, m.thresholds, m.curve)

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin prune: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		UPDATE vocabulary SET is_active = 0, deprecation_reason = ? WHERE rel_type = ?`,
		reason, relType)
	if err != nil {
		return fmt.Errorf("deactivate %s: %w", relType, err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO vocabulary_history (action, deprecated, reason, performed_by,
			size_before, size_after, aggressiveness, zone, created_at)
		VALUES ('prune', ?, ?, ?, ?, ?, ?, ?, ?)`,
		relType, reason, performedBy,
		sizeBefore, sizeBefore-1, aggr, string(ZoneFor(aggr)), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("record prune history: %w", err)
	}
	return tx.Commit()
}

// Deactivate turns off a type by curator action. Unlike Prune it applies
// to builtins too.
func (m *Manager) Deactivate(ctx context.Context, relType, reason string) error {
	relType = NormalizeType(relType)
	res, err := m.db.ExecContext(ctx, `
		UPDATE vocabulary SET is_active = 0, deprecation_reason = ? WHERE rel_type = ?`,
		reason, relType)
	if err != nil {
		return fmt.Errorf("deactivate %s: %w", relType, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("type %s: %w", relType, graph.ErrNotFound)
	}
	return nil
}

// RefreshUsageCounts recomputes usage counters from live edges.
func (m *Manager) RefreshUsageCounts(ctx context.Context) error {
	counts, err := m.graph.EdgeCountsByType(ctx)
	if err != nil {
		return err
	}
	entries, err := m.List(ctx, false)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if _, err := m.db.ExecContext(ctx,
			`UPDATE vocabulary SET usage_count = ? WHERE rel_type = ?`,
			counts[e.RelType], e.RelType); err != nil {
			return fmt.Errorf("refresh usage for %s: %w", e.RelType, err)
		}
	}
	return nil
}

// Status reports the vocabulary health snapshot.
func (m *Manager) Status(ctx context.Context) (*Status, error) {
	var size, builtins, categories int
	err := m.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
			COALESCE(SUM(is_builtin), 0),
			COUNT(DISTINCT CASE WHEN category != '' THEN category END)
		FROM vocabulary WHERE is_active = 1`).Scan(&size, &builtins, &categories)
	if err != nil {
		return nil, fmt.Errorf("read vocabulary status: %w", err)
	}

	aggr := Aggressiveness(size, m.thresholds, m.curve)
	return &Status{
		Size:            size,
		Zone:            ZoneFor(aggr),
		Aggressiveness:  aggr,
		Min:             m.thresholds.Min,
		Max:             m.thresholds.Max,
		Emergency:       m.thresholds.Emergency,
		BuiltinCount:    builtins,
		CustomCount:     size - builtins,
		CategoriesCount: categories,
	}, nil
}

// List returns vocabulary entries, optionally restricted to active ones.
func (m *Manager) List(ctx context.Context, activeOnly bool) ([]Entry, error) {
	query := `SELECT rel_type, category, description, is_builtin, is_active,
		usage_count, embedding, embedding_model, synonyms, deprecation_reason
		FROM vocabulary`
	if activeOnly {
		query += ` WHERE is_active = 1`
	}
	query += ` ORDER BY rel_type`

	rows, err := m.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list vocabulary: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// Skipped returns the capture log of unknown types, most frequent first.
func (m *Manager) Skipped(ctx context.Context) ([]SkippedType, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT rel_type, occurrences, first_seen, last_seen
		FROM skipped_relationships ORDER BY occurrences DESC, rel_type`)
	if err != nil {
		return nil, fmt.Errorf("list skipped types: %w", err)
	}
	defer rows.Close()

	var out []SkippedType
	for rows.Next() {
		var s SkippedType
		if err := rows.Scan(&s.RelType, &s.Occurrences, &s.FirstSeen, &s.LastSeen); err != nil {
			return nil, fmt.Errorf("scan skipped type: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// History returns the audit trail, newest first.
func (m *Manager) History(ctx context.Context, limit int) ([]HistoryEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := m.db.QueryContext(ctx, `
		SELECT action, deprecated, target, reason, performed_by,
			size_before, size_after, aggressiveness, zone, created_at
		FROM vocabulary_history ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list vocabulary history: %w", err)
	}
	defer rows.Close()

	var out []HistoryEntry
	for rows.Next() {
		var h HistoryEntry
		var zone string
		err := rows.Scan(&h.Action, &h.Deprecated, &h.Target, &h.Reason, &h.PerformedBy,
			&h.SizeBefore, &h.SizeAfter, &h.Aggressiveness, &zone, &h.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("scan history entry: %w", err)
		}
		h.Zone = Zone(zone)
		out = append(out, h)
	}
	return out, rows.Err()
}

// HistoryEntry is one audited vocabulary mutation.
type HistoryEntry struct {
	Action         string    `json:"action"`
	Deprecated     string    `json:"deprecated,omitempty"`
	Target         string    `json:"target,omitempty"`
	Reason         string    `json:"reason,omitempty"`
	PerformedBy    string    `json:"performed_by,omitempty"`
	SizeBefore     int       `json:"size_before"`
	SizeAfter      int       `json:"size_after"`
	Aggressiveness float64   `json:"aggressiveness"`
	Zone           Zone      `json:"zone"`
	CreatedAt      time.Time `json:"created_at"`
}

func (m *Manager) getEntry(ctx context.Context, relType string) (*Entry, error) {
	row := m.db.QueryRowContext(ctx, `
		SELECT rel_type, category, description, is_builtin, is_active,
			usage_count, embedding, embedding_model, synonyms, deprecation_reason
		FROM vocabulary WHERE rel_type = ?`, relType)
	e, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("type %s: %w", relType, graph.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load type %s: %w", relType, err)
	}
	return e, nil
}

func (m *Manager) activeSize(ctx context.Context) (int, error) {
	var size int
	err := m.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM vocabulary WHERE is_active = 1`).Scan(&size)
	if err != nil {
		return 0, fmt.Errorf("count vocabulary: %w", err)
	}
	return size, nil
}

// ensureEmbedding lazily computes and caches the entry's embedding. A
// model change invalidates cached vectors.
func (m *Manager) ensureEmbedding(ctx context.Context, e *Entry) error {
	if len(e.Embedding) > 0 && e.EmbeddingModel == m.model {
		return nil
	}
	input := strings.ToLower(strings.ReplaceAll(e.RelType, "_", " "))
	if e.Description != "" {
		input += " | " + e.Description
	}
	vec, err := m.embedder.Embed(ctx, input)
	if err != nil {
		return fmt.Errorf("embed type %s: %w", e.RelType, err)
	}
	raw, err := json.Marshal(vec)
	if err != nil {
		return fmt.Errorf("marshal embedding: %w", err)
	}
	_, err = m.db.ExecContext(ctx, `
		UPDATE vocabulary SET embedding = ?, embedding_model = ? WHERE rel_type = ?`,
		string(raw), m.model, e.RelType)
	if err != nil {
		return fmt.Errorf("cache embedding for %s: %w", e.RelType, err)
	}
	e.Embedding = vec
	e.EmbeddingModel = m.model
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*Entry, error) {
	var e Entry
	var builtin, active int
	var embedding, synonyms string
	err := row.Scan(&e.RelType, &e.Category, &e.Description, &builtin, &active,
		&e.UsageCount, &embedding, &e.EmbeddingModel, &synonyms, &e.DeprecationReason)
	if err != nil {
		return nil, err
	}
	e.IsBuiltin = builtin != 0
	e.IsActive = active != 0
	if err := json.Unmarshal([]byte(embedding), &e.Embedding); err != nil {
		return nil, fmt.Errorf("decode embedding for %s: %w", e.RelType, err)
	}
	if err := json.Unmarshal([]byte(synonyms), &e.Synonyms); err != nil {
		return nil, fmt.Errorf("decode synonyms for %s: %w", e.RelType, err)
	}
	return &e, nil
}

func dedupeStrings(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
