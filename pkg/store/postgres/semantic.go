package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/MrWong99/terracetalk/pkg/store"
)

// SemanticSearch implements [store.Store] using pgvector cosine distance
// over news_chunks. When the semantic lane is disabled (no embedding
// dimension configured) it returns an empty slice so callers need no special
// case.
//
// Score is 1 - distance, so higher scores indicate better matches,
// consistent with the FTS lane.
func (s *Store) SemanticSearch(ctx context.Context, embedding []float32, topK int, teamScope []string) ([]store.SemanticHit, error) {
	if s.embeddingDims == 0 || len(embedding) == 0 {
		return []store.SemanticHit{}, nil
	}
	if topK <= 0 {
		topK = 5
	}

	args := []any{pgvector.NewVector(embedding)}
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	scopeFilter := ""
	if len(teamScope) > 0 {
		scopeFilter = "\n  AND  team_id = ANY(" + next(teamScope) + "::text[])"
	}

	limitArg := next(topK)

	q := fmt.Sprintf(`
		SELECT id, COALESCE(team_id, ''), content,
		       embedding <=> $1 AS distance
		FROM   news_chunks
		WHERE  embedding IS NOT NULL%s
		ORDER  BY distance
		LIMIT  %s`, scopeFilter, limitArg)

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, storeErr("semantic search", err)
	}
	hits, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (store.SemanticHit, error) {
		var (
			h        store.SemanticHit
			distance float64
		)
		if err := row.Scan(&h.ChunkID, &h.TeamID, &h.Content, &distance); err != nil {
			return store.SemanticHit{}, err
		}
		h.Score = 1.0 - distance
		return h, nil
	})
	if err != nil {
		return nil, storeErr("semantic search: scan", err)
	}
	if hits == nil {
		hits = []store.SemanticHit{}
	}
	return hits, nil
}
