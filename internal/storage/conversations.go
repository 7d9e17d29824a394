package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/strandhq/recall/internal/model"
)

// GetConversation retrieves a conversation by ID.
// Returns ErrNotFound when it does not exist.
func (db *DB) GetConversation(ctx context.Context, id uuid.UUID) (model.Conversation, error) {
	var c model.Conversation
	err := db.pool.QueryRow(ctx,
		`SELECT id, workspace_id, type, visibility, display_name, root_id, owner_id, created_at
		 FROM conversations WHERE id = $1`, id,
	).Scan(&c.ID, &c.WorkspaceID, &c.Type, &c.Visibility, &c.DisplayName, &c.RootID, &c.OwnerID, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Conversation{}, ErrNotFound
		}
		return model.Conversation{}, fmt.Errorf("storage: get conversation: %w", err)
	}
	return c, nil
}

// GetParticipantIDs returns the user IDs that are members of a conversation.
// Used for direct-message access resolution.
func (db *DB) GetParticipantIDs(ctx context.Context, conversationID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT user_id FROM conversation_members WHERE conversation_id = $1 ORDER BY user_id`,
		conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: get participants: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("storage: scan participant: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// GetAccessibleConversations resolves an access spec into the concrete set of
// conversation IDs it permits searching within a workspace. The spec's kind
// selects the query; unknown kinds degrade to public-only.
func (db *DB) GetAccessibleConversations(ctx context.Context, workspaceID uuid.UUID, spec model.AccessSpec) ([]uuid.UUID, error) {
	var (
		query string
		args  []any
	)

	switch spec.Kind {
	case model.AccessFullUser:
		// Everything the user can see: public conversations, conversations
		// they are a member of, their own notebooks, and threads rooted in
		// any of those.
		query = `
			WITH visible AS (
				SELECT c.id FROM conversations c
				WHERE c.workspace_id = $1
				  AND (c.visibility = 'public'
				       OR c.owner_id = $2
				       OR EXISTS (SELECT 1 FROM conversation_members m
				                  WHERE m.conversation_id = c.id AND m.user_id = $2))
			)
			SELECT id FROM visible
			UNION
			SELECT t.id FROM conversations t
			WHERE t.workspace_id = $1 AND t.root_id IN (SELECT id FROM visible)`
		args = []any{workspaceID, spec.UserID}

	case model.AccessPublicPlusConversation:
		query = `
			SELECT c.id FROM conversations c
			WHERE c.workspace_id = $1
			  AND (c.visibility = 'public' OR c.id = $2 OR c.root_id = $2)`
		args = []any{workspaceID, spec.ConversationID}

	case model.AccessUserUnion:
		query = `
			WITH visible AS (
				SELECT c.id FROM conversations c
				WHERE c.workspace_id = $1
				  AND (c.visibility = 'public'
				       OR c.owner_id = ANY($2)
				       OR EXISTS (SELECT 1 FROM conversation_members m
				                  WHERE m.conversation_id = c.id AND m.user_id = ANY($2)))
			)
			SELECT id FROM visible
			UNION
			SELECT t.id FROM conversations t
			WHERE t.workspace_id = $1 AND t.root_id IN (SELECT id FROM visible)`
		args = []any{workspaceID, spec.UserIDs}

	default:
		// AccessPublicOnly and anything unrecognized.
		query = `
			SELECT c.id FROM conversations c
			WHERE c.workspace_id = $1 AND c.visibility = 'public'`
		args = []any{workspaceID}
	}

	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: accessible conversations: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("storage: scan conversation id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
