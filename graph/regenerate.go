package graph

import (
	"context"
	"fmt"
	"log/slog"

	"noesis/llm"
)

// RegenerateResult summarizes one embedding regeneration pass.
type RegenerateResult struct {
	Total     int `json:"total"`
	Updated   int `json:"updated"`
	Failed    int `json:"failed"`
	batchSize int
}

// RegenerateEmbeddings recomputes every concept vector in the ontology,
// for example after an embedding model change. Concepts whose embedding
// call fails are skipped and counted rather than aborting the pass;
// progress lands in batched transactions so an interrupted run keeps its
// work.
func RegenerateEmbeddings(ctx context.Context, store Store, embedder llm.Embedder, ontology string, logger *slog.Logger, progress func(done, total int)) (*RegenerateResult, error) {
	if logger == nil {
		logger = slog.Default()
	}
	concepts, err := store.ListConcepts(ctx, ontology)
	if err != nil {
		return nil, err
	}
	result := &RegenerateResult{Total: len(concepts), batchSize: 50}

	for start := 0; start < len(concepts); start += result.batchSize {
		end := start + result.batchSize
		if end > len(concepts) {
			end = len(concepts)
		}

		// Embed outside the transaction; the write itself is quick.
		vectors := make(map[string][]float32, end-start)
		for _, c := range concepts[start:end] {
			if err := ctx.Err(); err != nil {
				return result, err
			}
			proto := ProtoConcept{Label: c.Label, SearchTerms: c.SearchTerms}
			vec, err := embedder.Embed(ctx, proto.EmbeddingInput())
			if err != nil {
				if llm.IsFatal(err) {
					return result, err
				}
				logger.Warn("Embedding failed, skipping concept",
					"concept_id", c.ID, "label", c.Label, "error", err)
				result.Failed++
				continue
			}
			vectors[c.ID] = vec
		}

		tx, err := store.BeginTx(ctx)
		if err != nil {
			return result, err
		}
		for _, c := range concepts[start:end] {
			vec, ok := vectors[c.ID]
			if !ok {
				continue
			}
			if err := tx.UpdateConceptEmbedding(ctx, c.ID, vec); err != nil {
				tx.Rollback()
				return result, fmt.Errorf("update embedding for %s: %w", c.ID, err)
			}
			result.Updated++
		}
		if err := tx.Commit(); err != nil {
			return result, err
		}
		if progress != nil {
			progress(end, len(concepts))
		}
	}
	return result, nil
}
