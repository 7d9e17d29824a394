package storage

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"

	"github.com/strandhq/recall/internal/model"
)

const messageColumns = `id, workspace_id, conversation_id, author_id, author_kind, content, created_at`

// FullTextSearchMessages runs keyword search over message content, restricted
// to the allowed conversations, newest-biased by rank.
func (db *DB) FullTextSearchMessages(ctx context.Context, workspaceID uuid.UUID, query string, allowed []uuid.UUID, limit int) ([]model.Message, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+messageColumns+`
		 FROM messages
		 WHERE workspace_id = $1
		   AND conversation_id = ANY($3)
		   AND search_tsv @@ websearch_to_tsquery('english', $2)
		 ORDER BY ts_rank_cd(search_tsv, websearch_to_tsquery('english', $2)) DESC, created_at DESC
		 LIMIT $4`,
		workspaceID, query, allowed, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: full-text message search: %w", err)
	}
	return scanMessages(rows)
}

// HybridSearchMessages fuses full-text rank and vector similarity with
// reciprocal-rank fusion (k=60). The fusion constant lives here on purpose:
// the executor treats this as an opaque externally-ranked query.
func (db *DB) HybridSearchMessages(ctx context.Context, workspaceID uuid.UUID, query string, vec pgvector.Vector, allowed []uuid.UUID, limit int) ([]model.Message, error) {
	rows, err := db.pool.Query(ctx,
		`WITH text_hits AS (
		     SELECT id, ROW_NUMBER() OVER (
		         ORDER BY ts_rank_cd(search_tsv, websearch_to_tsquery('english', $2)) DESC
		     ) AS rank
		     FROM messages
		     WHERE workspace_id = $1
		       AND conversation_id = ANY($4)
		       AND search_tsv @@ websearch_to_tsquery('english', $2)
		     LIMIT 50
		 ),
		 vector_hits AS (
		     SELECT id, ROW_NUMBER() OVER (ORDER BY embedding <=> $3) AS rank
		     FROM messages
		     WHERE workspace_id = $1
		       AND conversation_id = ANY($4)
		       AND embedding IS NOT NULL
		     ORDER BY embedding <=> $3
		     LIMIT 50
		 ),
		 fused AS (
		     SELECT COALESCE(t.id, v.id) AS id,
		            COALESCE(1.0 / (60 + t.rank), 0) + COALESCE(1.0 / (60 + v.rank), 0) AS score
		     FROM text_hits t
		     FULL OUTER JOIN vector_hits v USING (id)
		 )
		 SELECT `+messageColumns+`
		 FROM messages
		 JOIN fused USING (id)
		 ORDER BY fused.score DESC
		 LIMIT $5`,
		workspaceID, query, vec, allowed, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: hybrid message search: %w", err)
	}
	return scanMessages(rows)
}

// RecentMessages returns the newest accessible messages. Used when a message
// query arrives with no text to search for.
func (db *DB) RecentMessages(ctx context.Context, workspaceID uuid.UUID, allowed []uuid.UUID, limit int) ([]model.Message, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+messageColumns+`
		 FROM messages
		 WHERE workspace_id = $1 AND conversation_id = ANY($2)
		 ORDER BY created_at DESC
		 LIMIT $3`,
		workspaceID, allowed, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: recent messages: %w", err)
	}
	return scanMessages(rows)
}

func scanMessages(rows pgx.Rows) ([]model.Message, error) {
	defer rows.Close()

	var out []model.Message
	for rows.Next() {
		var m model.Message
		if err := rows.Scan(
			&m.ID, &m.WorkspaceID, &m.ConversationID,
			&m.AuthorID, &m.AuthorKind, &m.Content, &m.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("storage: scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
