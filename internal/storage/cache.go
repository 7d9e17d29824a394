package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/strandhq/recall/internal/model"
)

// DefaultCacheTTL bounds how long a completed research result is replayed
// before it is recomputed.
const DefaultCacheTTL = time.Hour

// FindCachedResearch returns the non-expired cache entry for a triggering
// message, or ErrNotFound. Expired rows are invisible here; the periodic
// sweep removes them.
func (db *DB) FindCachedResearch(ctx context.Context, messageID uuid.UUID) (model.ResearchCacheEntry, error) {
	var (
		e         model.ResearchCacheEntry
		accessRaw []byte
		resultRaw []byte
	)
	err := db.pool.QueryRow(ctx,
		`SELECT message_id, workspace_id, conversation_id, access_spec, result, created_at, expires_at
		 FROM research_cache
		 WHERE message_id = $1 AND expires_at > now()`,
		messageID,
	).Scan(&e.MessageID, &e.WorkspaceID, &e.ConversationID, &accessRaw, &resultRaw, &e.CreatedAt, &e.ExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.ResearchCacheEntry{}, ErrNotFound
		}
		return model.ResearchCacheEntry{}, fmt.Errorf("storage: find cached research: %w", err)
	}

	if err := json.Unmarshal(accessRaw, &e.Access); err != nil {
		return model.ResearchCacheEntry{}, fmt.Errorf("storage: decode cached access spec: %w", err)
	}
	if err := json.Unmarshal(resultRaw, &e.Result); err != nil {
		return model.ResearchCacheEntry{}, fmt.Errorf("storage: decode cached result: %w", err)
	}
	return e, nil
}

// UpsertCachedResearch stores a completed research result keyed by the
// triggering message. Concurrent invocations for the same message race to
// write; last writer wins, which is safe because results are idempotently
// re-derivable.
func (db *DB) UpsertCachedResearch(ctx context.Context, entry model.ResearchCacheEntry, ttl time.Duration) (model.ResearchCacheEntry, error) {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}

	accessRaw, err := json.Marshal(entry.Access)
	if err != nil {
		return model.ResearchCacheEntry{}, fmt.Errorf("storage: encode access spec: %w", err)
	}
	resultRaw, err := json.Marshal(entry.Result)
	if err != nil {
		return model.ResearchCacheEntry{}, fmt.Errorf("storage: encode cached result: %w", err)
	}

	now := time.Now().UTC()
	entry.CreatedAt = now
	entry.ExpiresAt = now.Add(ttl)

	// Concurrent invocations for the same message race on this upsert; retry
	// the occasional deadlock instead of surfacing it.
	err = WithRetry(ctx, 3, 50*time.Millisecond, func() error {
		_, execErr := db.pool.Exec(ctx,
			`INSERT INTO research_cache (message_id, workspace_id, conversation_id, access_spec, result, created_at, expires_at)
			 VALUES ($1, $2, $3, $4::jsonb, $5::jsonb, $6, $7)
			 ON CONFLICT (message_id) DO UPDATE
			 SET access_spec = EXCLUDED.access_spec,
			     result = EXCLUDED.result,
			     created_at = EXCLUDED.created_at,
			     expires_at = EXCLUDED.expires_at`,
			entry.MessageID, entry.WorkspaceID, entry.ConversationID, accessRaw, resultRaw, entry.CreatedAt, entry.ExpiresAt,
		)
		return execErr
	})
	if err != nil {
		return model.ResearchCacheEntry{}, fmt.Errorf("storage: upsert cached research: %w", err)
	}
	return entry, nil
}

// InvalidateCachedResearch removes the cache entry for a triggering message
// (message edited).
func (db *DB) InvalidateCachedResearch(ctx context.Context, messageID uuid.UUID) error {
	_, err := db.pool.Exec(ctx, `DELETE FROM research_cache WHERE message_id = $1`, messageID)
	if err != nil {
		return fmt.Errorf("storage: invalidate cached research: %w", err)
	}
	return nil
}

// InvalidateWorkspaceResearch removes all cache entries for a workspace
// (workspace settings changed).
func (db *DB) InvalidateWorkspaceResearch(ctx context.Context, workspaceID uuid.UUID) error {
	_, err := db.pool.Exec(ctx, `DELETE FROM research_cache WHERE workspace_id = $1`, workspaceID)
	if err != nil {
		return fmt.Errorf("storage: invalidate workspace research: %w", err)
	}
	return nil
}

// DeleteExpiredResearch removes expired cache entries and returns the count.
// Intended for a periodic sweep owned by the job scheduler; this package does
// not self-schedule.
func (db *DB) DeleteExpiredResearch(ctx context.Context) (int64, error) {
	tag, err := db.pool.Exec(ctx, `DELETE FROM research_cache WHERE expires_at <= now()`)
	if err != nil {
		return 0, fmt.Errorf("storage: delete expired research: %w", err)
	}
	return tag.RowsAffected(), nil
}
