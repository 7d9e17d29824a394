package storage

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"

	"github.com/strandhq/recall/internal/model"
)

// MemoRow is a memo with its search distance and source-conversation display
// name, as returned by the memo search queries.
type MemoRow struct {
	Memo             model.Memo
	Distance         float64
	ConversationName string
}

const memoColumns = `m.id, m.workspace_id, m.conversation_id, m.title, m.abstract, m.key_points, m.created_at`

// SemanticSearchMemos runs nearest-neighbor search over memo embeddings,
// restricted to the allowed conversations. Results are ordered by cosine
// distance ascending.
func (db *DB) SemanticSearchMemos(ctx context.Context, workspaceID uuid.UUID, vec pgvector.Vector, allowed []uuid.UUID, limit int) ([]MemoRow, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+memoColumns+`, m.embedding <=> $2 AS distance,
		        COALESCE(c.display_name, '') AS conversation_name
		 FROM memos m
		 LEFT JOIN conversations c ON c.id = m.conversation_id
		 WHERE m.workspace_id = $1
		   AND m.conversation_id = ANY($3)
		   AND m.embedding IS NOT NULL
		 ORDER BY distance
		 LIMIT $4`,
		workspaceID, vec, allowed, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: semantic memo search: %w", err)
	}
	return scanMemoRows(rows)
}

// FullTextSearchMemos runs keyword search over memo titles, abstracts, and
// key points, restricted to the allowed conversations. Distance is derived
// from the text rank so callers can treat both search modes uniformly
// (lower is better).
func (db *DB) FullTextSearchMemos(ctx context.Context, workspaceID uuid.UUID, query string, allowed []uuid.UUID, limit int) ([]MemoRow, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+memoColumns+`,
		        1.0 - LEAST(ts_rank_cd(m.search_tsv, websearch_to_tsquery('english', $2)), 1.0) AS distance,
		        COALESCE(c.display_name, '') AS conversation_name
		 FROM memos m
		 LEFT JOIN conversations c ON c.id = m.conversation_id
		 WHERE m.workspace_id = $1
		   AND m.conversation_id = ANY($3)
		   AND m.search_tsv @@ websearch_to_tsquery('english', $2)
		 ORDER BY distance
		 LIMIT $4`,
		workspaceID, query, allowed, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: full-text memo search: %w", err)
	}
	return scanMemoRows(rows)
}

// GetMemosByIDs hydrates memos from their IDs, preserving no particular
// order. Used to hydrate external vector index hits from the source of truth.
func (db *DB) GetMemosByIDs(ctx context.Context, workspaceID uuid.UUID, ids []uuid.UUID) (map[uuid.UUID]MemoRow, error) {
	out := make(map[uuid.UUID]MemoRow, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	rows, err := db.pool.Query(ctx,
		`SELECT `+memoColumns+`, 0.0 AS distance,
		        COALESCE(c.display_name, '') AS conversation_name
		 FROM memos m
		 LEFT JOIN conversations c ON c.id = m.conversation_id
		 WHERE m.workspace_id = $1 AND m.id = ANY($2)`,
		workspaceID, ids,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: memos by ids: %w", err)
	}
	hydrated, err := scanMemoRows(rows)
	if err != nil {
		return nil, err
	}
	for _, r := range hydrated {
		out[r.Memo.ID] = r
	}
	return out, nil
}

func scanMemoRows(rows pgx.Rows) ([]MemoRow, error) {
	defer rows.Close()

	var out []MemoRow
	for rows.Next() {
		var r MemoRow
		if err := rows.Scan(
			&r.Memo.ID, &r.Memo.WorkspaceID, &r.Memo.ConversationID,
			&r.Memo.Title, &r.Memo.Abstract, &r.Memo.KeyPoints, &r.Memo.CreatedAt,
			&r.Distance, &r.ConversationName,
		); err != nil {
			return nil, fmt.Errorf("storage: scan memo: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
