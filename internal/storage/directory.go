package storage

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// GetUserNamesByIDs returns display names for the given user IDs.
// Missing IDs are absent from the map, not errors.
func (db *DB) GetUserNamesByIDs(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]string, error) {
	return db.namesByIDs(ctx, `SELECT id, display_name FROM users WHERE id = ANY($1)`, ids)
}

// GetPersonaNamesByIDs returns display names for the given persona IDs.
func (db *DB) GetPersonaNamesByIDs(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]string, error) {
	return db.namesByIDs(ctx, `SELECT id, display_name FROM personas WHERE id = ANY($1)`, ids)
}

// GetConversationNamesByIDs returns display names for the given conversation IDs.
func (db *DB) GetConversationNamesByIDs(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]string, error) {
	return db.namesByIDs(ctx, `SELECT id, display_name FROM conversations WHERE id = ANY($1)`, ids)
}

func (db *DB) namesByIDs(ctx context.Context, query string, ids []uuid.UUID) (map[uuid.UUID]string, error) {
	names := make(map[uuid.UUID]string, len(ids))
	if len(ids) == 0 {
		return names, nil
	}

	rows, err := db.pool.Query(ctx, query, ids)
	if err != nil {
		return nil, fmt.Errorf("storage: names by ids: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id   uuid.UUID
			name string
		)
		if err := rows.Scan(&id, &name); err != nil {
			return nil, fmt.Errorf("storage: scan name: %w", err)
		}
		names[id] = name
	}
	return names, rows.Err()
}
