package vocabulary

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"
)

// Recommendation kinds and review levels.
const (
	KindMerge = "merge"
	KindPrune = "prune"

	ReviewNone  = "none"
	ReviewAI    = "ai"
	ReviewHuman = "human"

	RecPending  = "pending"
	RecExecuted = "executed"
)

// Recommendation proposes one consolidation action. Strong synonym pairs
// need no review; moderate pairs and prunes escalate.
type Recommendation struct {
	ID          int64     `json:"id,omitempty"`
	Kind        string    `json:"kind"`
	From        string    `json:"from"`
	To          string    `json:"to,omitempty"`
	Similarity  float64   `json:"similarity,omitempty"`
	ValueScore  float64   `json:"value_score,omitempty"`
	ReviewLevel string    `json:"review_level"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"created_at,omitempty"`
}

// Report summarizes one consolidation run.
type Report struct {
	SizeBefore     int              `json:"size_before"`
	SizeAfter      int              `json:"size_after"`
	Zone           Zone             `json:"zone"`
	Aggressiveness float64          `json:"aggressiveness"`
	DryRun         bool             `json:"dry_run"`
	Executed       []Recommendation `json:"executed,omitempty"`
	Pending        []Recommendation `json:"pending,omitempty"`
}

// GenerateRecommendations computes merge and prune candidates and records
// them for review. Detection thresholds tighten toward zero pressure and
// loosen as the vocabulary grows.
func (m *Manager) GenerateRecommendations(ctx context.Context, pruneUnused bool) ([]Recommendation, error) {
	recs, err := m.computeRecommendations(ctx, pruneUnused)
	if err != nil {
		return nil, err
	}
	for i := range recs {
		res, err := m.db.ExecContext(ctx, `
			INSERT INTO vocab_recommendations (kind, from_type, to_type, similarity,
				value_score, review_level, status, created_at)
			VALUES (?, ?, ?, ?, ?, ?, 'pending', ?)`,
			recs[i].Kind, recs[i].From, recs[i].To, recs[i].Similarity,
			recs[i].ValueScore, recs[i].ReviewLevel, time.Now().UTC())
		if err != nil {
			return nil, fmt.Errorf("record recommendation: %w", err)
		}
		recs[i].ID, _ = res.LastInsertId()
	}
	return recs, nil
}

// computeRecommendations is the pure planning pass. It mutates nothing, so
// dry runs can share it.
func (m *Manager) computeRecommendations(ctx context.Context, pruneUnused bool) ([]Recommendation, error) {
	if err := m.RefreshUsageCounts(ctx); err != nil {
		return nil, err
	}
	entries, err := m.List(ctx, true)
	if err != nil {
		return nil, err
	}

	aggr := Aggressiveness(len(entries), m.thresholds, m.curve)
	zone := ZoneFor(aggr)
	// Under pressure the cutoffs drop, catching looser synonym pairs.
	strong := m.strong - 0.05*aggr
	moderate := m.moderate - 0.05*aggr

	for i := range entries {
		if err := m.ensureEmbedding(ctx, &entries[i]); err != nil {
			return nil, err
		}
	}

	var recs []Recommendation
	taken := make(map[string]bool)

	type pair struct {
		i, j int
		sim  float64
	}
	var pairs []pair
	for i := 0; i < len(entries); i++ {
		for j := i + 1; j < len(entries); j++ {
			sim, ok := cosine32(entries[i].Embedding, entries[j].Embedding)
			if ok && sim >= moderate {
				pairs = append(pairs, pair{i, j, sim})
			}
		}
	}
	// Strongest pairs claim their types first.
	sort.Slice(pairs, func(a, b int) bool { return pairs[a].sim > pairs[b].sim })

	for _, p := range pairs {
		a, b := entries[p.i], entries[p.j]
		if taken[a.RelType] || taken[b.RelType] {
			continue
		}
		// The weaker type merges into the stronger; builtins survive.
		from, to := a, b
		if scoreOf(a) > scoreOf(b) || (a.IsBuiltin && !b.IsBuiltin) {
			from, to = b, a
		}
		if from.IsBuiltin {
			continue
		}

		review := ReviewNone
		if p.sim < strong {
			review = ReviewHuman
			if zone == ZoneDanger || zone == ZoneEmergency {
				review = ReviewAI
			}
		}
		recs = append(recs, Recommendation{
			Kind:        KindMerge,
			From:        from.RelType,
			To:          to.RelType,
			Similarity:  p.sim,
			ReviewLevel: review,
			Status:      RecPending,
		})
		taken[from.RelType] = true
		taken[to.RelType] = true
	}

	if pruneUnused {
		for _, e := range entries {
			if e.IsBuiltin || taken[e.RelType] {
				continue
			}
			score := scoreOf(e)
			if score >= m.lowValue || e.UsageCount > 0 {
				continue
			}
			recs = append(recs, Recommendation{
				Kind:        KindPrune,
				From:        e.RelType,
				ValueScore:  score,
				ReviewLevel: ReviewNone,
				Status:      RecPending,
			})
		}
	}
	return recs, nil
}

// ExecuteAutoApproved runs every pending recommendation that needs no
// review and marks it executed.
func (m *Manager) ExecuteAutoApproved(ctx context.Context, performedBy string) ([]Recommendation, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT id, kind, from_type, to_type, similarity, value_score, review_level, status, created_at
		FROM vocab_recommendations
		WHERE status = 'pending' AND review_level = 'none'
		ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list auto-approved recommendations: %w", err)
	}
	var pending []Recommendation
	for rows.Next() {
		var r Recommendation
		err := rows.Scan(&r.ID, &r.Kind, &r.From, &r.To, &r.Similarity,
			&r.ValueScore, &r.ReviewLevel, &r.Status, &r.CreatedAt)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan recommendation: %w", err)
		}
		pending = append(pending, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var executed []Recommendation
	for _, r := range pending {
		if err := m.execute(ctx, r, performedBy); err != nil {
			m.logger.Warn("Recommendation failed", "kind", r.Kind, "from", r.From, "error", err)
			continue
		}
		if _, err := m.db.ExecContext(ctx,
			`UPDATE vocab_recommendations SET status = 'executed' WHERE id = ?`, r.ID); err != nil {
			return executed, fmt.Errorf("mark recommendation executed: %w", err)
		}
		r.Status = RecExecuted
		executed = append(executed, r)
	}
	return executed, nil
}

// Approve executes one reviewed recommendation by id.
func (m *Manager) Approve(ctx context.Context, id int64, performedBy string) error {
	row := m.db.QueryRowContext(ctx, `
		SELECT id, kind, from_type, to_type, similarity, value_score, review_level, status, created_at
		FROM vocab_recommendations WHERE id = ? AND status = 'pending'`, id)
	var r Recommendation
	err := row.Scan(&r.ID, &r.Kind, &r.From, &r.To, &r.Similarity,
		&r.ValueScore, &r.ReviewLevel, &r.Status, &r.CreatedAt)
	if err != nil {
		return fmt.Errorf("load recommendation %d: %w", id, err)
	}
	if err := m.execute(ctx, r, performedBy); err != nil {
		return err
	}
	_, err = m.db.ExecContext(ctx,
		`UPDATE vocab_recommendations SET status = 'executed' WHERE id = ?`, id)
	return err
}

func (m *Manager) execute(ctx context.Context, r Recommendation, performedBy string) error {
	switch r.Kind {
	case KindMerge:
		reason := fmt.Sprintf("synonym of %s (similarity %.2f)", r.To, r.Similarity)
		return m.Merge(ctx, r.From, r.To, reason, performedBy)
	case KindPrune:
		reason := fmt.Sprintf("low value (score %.2f)", r.ValueScore)
		return m.Prune(ctx, r.From, reason, performedBy)
	default:
		return fmt.Errorf("unknown recommendation kind %q", r.Kind)
	}
}

// Consolidate shrinks the vocabulary toward targetSize by repeatedly
// generating and executing auto-approved recommendations. A dry run plans
// one pass and mutates nothing.
func (m *Manager) Consolidate(ctx context.Context, targetSize int, dryRun, pruneUnused bool) (*Report, error) {
	status, err := m.Status(ctx)
	if err != nil {
		return nil, err
	}
	report := &Report{
		SizeBefore:     status.Size,
		SizeAfter:      status.Size,
		Zone:           status.Zone,
		Aggressiveness: status.Aggressiveness,
		DryRun:         dryRun,
	}
	if targetSize <= 0 {
		targetSize = m.thresholds.Max
	}

	if dryRun {
		recs, err := m.computeRecommendations(ctx, pruneUnused)
		if err != nil {
			return nil, err
		}
		report.Pending = recs
		return report, nil
	}

	// Bounded passes: each pass shrinks or we stop.
	for pass := 0; pass < 10; pass++ {
		size, err := m.activeSize(ctx)
		if err != nil {
			return nil, err
		}
		report.SizeAfter = size
		if size <= targetSize {
			break
		}

		recs, err := m.GenerateRecommendations(ctx, pruneUnused)
		if err != nil {
			return nil, err
		}
		executed, err := m.ExecuteAutoApproved(ctx, "consolidator")
		if err != nil {
			return nil, err
		}
		report.Executed = append(report.Executed, executed...)
		for _, r := range recs {
			if r.ReviewLevel != ReviewNone {
				report.Pending = append(report.Pending, r)
			}
		}
		if len(executed) == 0 {
			break
		}
	}

	size, err := m.activeSize(ctx)
	if err != nil {
		return nil, err
	}
	report.SizeAfter = size
	return report, nil
}

func scoreOf(e Entry) float64 {
	return ValueScore(TypeUsage{EdgeCount: e.UsageCount})
}

func cosine32(a, b []float32) (float64, bool) {
	if len(a) == 0 || len(a) != len(b) {
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
