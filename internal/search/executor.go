// Package search executes typed retrieval queries against the memo and
// message corpora. Every query in a batch runs concurrently; a failed query
// contributes an empty result and never aborts its siblings.
package search

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/strandhq/recall/internal/model"
	"github.com/strandhq/recall/internal/service/embedding"
	"github.com/strandhq/recall/internal/storage"
	"github.com/strandhq/recall/internal/telemetry"
)

// PerQueryLimit caps the number of hits each query contributes. Small on
// purpose: results feed an LLM prompt, not a results page.
const PerQueryLimit = 5

// Store is the subset of storage the executor reads from. All calls check a
// connection out of the pool for their own duration only.
type Store interface {
	SemanticSearchMemos(ctx context.Context, workspaceID uuid.UUID, vec pgvector.Vector, allowed []uuid.UUID, limit int) ([]storage.MemoRow, error)
	FullTextSearchMemos(ctx context.Context, workspaceID uuid.UUID, query string, allowed []uuid.UUID, limit int) ([]storage.MemoRow, error)
	GetMemosByIDs(ctx context.Context, workspaceID uuid.UUID, ids []uuid.UUID) (map[uuid.UUID]storage.MemoRow, error)

	FullTextSearchMessages(ctx context.Context, workspaceID uuid.UUID, query string, allowed []uuid.UUID, limit int) ([]model.Message, error)
	HybridSearchMessages(ctx context.Context, workspaceID uuid.UUID, query string, vec pgvector.Vector, allowed []uuid.UUID, limit int) ([]model.Message, error)
	RecentMessages(ctx context.Context, workspaceID uuid.UUID, allowed []uuid.UUID, limit int) ([]model.Message, error)

	GetUserNamesByIDs(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]string, error)
	GetPersonaNamesByIDs(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]string, error)
	GetConversationNamesByIDs(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]string, error)
}

// MemoIndex is the optional ANN index for memo semantic search. Implemented
// by QdrantMemoIndex; nil means pgvector only.
type MemoIndex interface {
	Healthy(ctx context.Context) error
	Search(ctx context.Context, workspaceID uuid.UUID, embedding []float32, allowed []uuid.UUID, limit int) ([]IndexResult, error)
}

// Results is the merged output of one executed batch. Hits may repeat across
// queries; deduplication is the caller's concern.
type Results struct {
	MemoHits    []model.MemoHit
	MessageHits []model.MessageHit
}

// Executor runs search query batches.
type Executor struct {
	store    Store
	embedder embedding.Provider
	index    MemoIndex // may be nil
	logger   *slog.Logger

	queryDuration metric.Float64Histogram
}

// NewExecutor creates an Executor. index may be nil to disable the external
// vector index; memo semantic queries then run against pgvector directly.
func NewExecutor(store Store, embedder embedding.Provider, index MemoIndex, logger *slog.Logger) *Executor {
	meter := telemetry.Meter("recall/search")
	queryDuration, err := meter.Float64Histogram("recall.search.query.duration",
		metric.WithDescription("Duration of individual search queries"),
		metric.WithUnit("s"))
	if err != nil {
		logger.Warn("search: create query duration histogram", "error", err)
	}

	return &Executor{
		store:         store,
		embedder:      embedder,
		index:         index,
		logger:        logger,
		queryDuration: queryDuration,
	}
}

// Execute runs every query in the batch concurrently against the allowed
// conversations and returns the merged hits, message hits enriched with
// author and conversation display names. Individual query failures are
// logged and contribute nothing.
func (e *Executor) Execute(ctx context.Context, workspaceID uuid.UUID, queries []model.SearchQuery, allowed []uuid.UUID) Results {
	if len(queries) == 0 || len(allowed) == 0 {
		return Results{}
	}

	memoResults := make([][]model.MemoHit, len(queries))
	messageResults := make([][]model.Message, len(queries))

	var wg sync.WaitGroup
	for i, q := range queries {
		if !q.Valid() {
			e.logger.Warn("search: skipping invalid query", "target", q.Target, "mode", q.Mode)
			continue
		}
		wg.Add(1)
		go func(i int, q model.SearchQuery) {
			defer wg.Done()
			start := time.Now()
			outcome := "ok"

			switch q.Target {
			case model.TargetMemo:
				hits, err := e.searchMemos(ctx, workspaceID, q, allowed)
				if err != nil {
					outcome = "error"
					e.logger.Warn("search: memo query failed", "mode", q.Mode, "error", err)
				}
				memoResults[i] = hits
			case model.TargetMessage:
				hits, err := e.searchMessages(ctx, workspaceID, q, allowed)
				if err != nil {
					outcome = "error"
					e.logger.Warn("search: message query failed", "mode", q.Mode, "error", err)
				}
				messageResults[i] = hits
			}

			if e.queryDuration != nil {
				e.queryDuration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(
					attribute.String("target", string(q.Target)),
					attribute.String("mode", string(q.Mode)),
					attribute.String("outcome", outcome),
				))
			}
		}(i, q)
	}
	wg.Wait()

	var out Results
	for _, hits := range memoResults {
		out.MemoHits = append(out.MemoHits, hits...)
	}
	var rawMessages []model.Message
	for _, hits := range messageResults {
		rawMessages = append(rawMessages, hits...)
	}
	out.MessageHits = e.enrichMessages(ctx, rawMessages)
	return out
}

// searchMemos handles one memo-targeted query. Semantic mode prefers the
// external ANN index when it is healthy; hits are hydrated from Postgres so
// stale index entries simply drop out.
func (e *Executor) searchMemos(ctx context.Context, workspaceID uuid.UUID, q model.SearchQuery, allowed []uuid.UUID) ([]model.MemoHit, error) {
	if q.Mode == model.ModeExact {
		rows, err := e.store.FullTextSearchMemos(ctx, workspaceID, q.Text, allowed, PerQueryLimit)
		if err != nil {
			return nil, err
		}
		return memoHits(rows), nil
	}

	vec, err := e.embedder.Embed(ctx, q.Text)
	if err != nil {
		return nil, err
	}
	if embedding.IsZeroVector(vec) {
		// Noop provider: no semantic signal, rank by keywords instead.
		rows, err := e.store.FullTextSearchMemos(ctx, workspaceID, q.Text, allowed, PerQueryLimit)
		if err != nil {
			return nil, err
		}
		return memoHits(rows), nil
	}

	if e.index != nil && e.index.Healthy(ctx) == nil {
		hits, err := e.searchMemosViaIndex(ctx, workspaceID, vec, allowed)
		if err == nil {
			return hits, nil
		}
		e.logger.Warn("search: memo index query failed, falling back to pgvector", "error", err)
	}

	rows, err := e.store.SemanticSearchMemos(ctx, workspaceID, vec, allowed, PerQueryLimit)
	if err != nil {
		return nil, err
	}
	return memoHits(rows), nil
}

func (e *Executor) searchMemosViaIndex(ctx context.Context, workspaceID uuid.UUID, vec pgvector.Vector, allowed []uuid.UUID) ([]model.MemoHit, error) {
	results, err := e.index.Search(ctx, workspaceID, vec.Slice(), allowed, PerQueryLimit)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, nil
	}

	ids := make([]uuid.UUID, len(results))
	for i, r := range results {
		ids[i] = r.MemoID
	}
	rows, err := e.store.GetMemosByIDs(ctx, workspaceID, ids)
	if err != nil {
		return nil, err
	}

	hits := make([]model.MemoHit, 0, len(results))
	for _, r := range results {
		row, ok := rows[r.MemoID]
		if !ok {
			continue // deleted since it was indexed
		}
		hits = append(hits, model.MemoHit{
			Memo: row.Memo,
			// Qdrant reports cosine similarity; storage reports cosine
			// distance. Normalize to distance so ranking is uniform.
			Distance:               1.0 - float64(r.Score),
			SourceConversationName: row.ConversationName,
		})
	}
	return hits, nil
}

// searchMessages handles one message-targeted query. Embedding is always
// attempted so hybrid ranking can fuse both signals; an embedding failure
// degrades to full-text only. An empty query returns the most recent
// accessible messages.
func (e *Executor) searchMessages(ctx context.Context, workspaceID uuid.UUID, q model.SearchQuery, allowed []uuid.UUID) ([]model.Message, error) {
	if q.Text == "" {
		return e.store.RecentMessages(ctx, workspaceID, allowed, PerQueryLimit)
	}

	vec, err := e.embedder.Embed(ctx, q.Text)
	if err != nil {
		e.logger.Warn("search: message embedding failed, using full-text only", "error", err)
		return e.store.FullTextSearchMessages(ctx, workspaceID, q.Text, allowed, PerQueryLimit)
	}
	if embedding.IsZeroVector(vec) {
		return e.store.FullTextSearchMessages(ctx, workspaceID, q.Text, allowed, PerQueryLimit)
	}

	return e.store.HybridSearchMessages(ctx, workspaceID, q.Text, vec, allowed, PerQueryLimit)
}

// enrichMessages attaches author and conversation display names with one
// batched lookup per directory, keyed by the distinct IDs seen in the batch.
// A failed lookup leaves the affected names empty rather than dropping hits.
func (e *Executor) enrichMessages(ctx context.Context, messages []model.Message) []model.MessageHit {
	if len(messages) == 0 {
		return nil
	}

	userIDs := make(map[uuid.UUID]struct{})
	personaIDs := make(map[uuid.UUID]struct{})
	convIDs := make(map[uuid.UUID]struct{})
	for _, m := range messages {
		switch m.AuthorKind {
		case model.AuthorPersona:
			personaIDs[m.AuthorID] = struct{}{}
		default:
			userIDs[m.AuthorID] = struct{}{}
		}
		convIDs[m.ConversationID] = struct{}{}
	}

	userNames, err := e.store.GetUserNamesByIDs(ctx, keys(userIDs))
	if err != nil {
		e.logger.Warn("search: user name lookup failed", "error", err)
		userNames = map[uuid.UUID]string{}
	}
	personaNames, err := e.store.GetPersonaNamesByIDs(ctx, keys(personaIDs))
	if err != nil {
		e.logger.Warn("search: persona name lookup failed", "error", err)
		personaNames = map[uuid.UUID]string{}
	}
	convNames, err := e.store.GetConversationNamesByIDs(ctx, keys(convIDs))
	if err != nil {
		e.logger.Warn("search: conversation name lookup failed", "error", err)
		convNames = map[uuid.UUID]string{}
	}

	hits := make([]model.MessageHit, len(messages))
	for i, m := range messages {
		var authorName string
		if m.AuthorKind == model.AuthorPersona {
			authorName = personaNames[m.AuthorID]
		} else {
			authorName = userNames[m.AuthorID]
		}
		hits[i] = model.MessageHit{
			ID:                m.ID,
			ConversationID:    m.ConversationID,
			Content:           m.Content,
			AuthorID:          m.AuthorID,
			AuthorKind:        m.AuthorKind,
			AuthorDisplayName: authorName,
			ConversationName:  convNames[m.ConversationID],
			CreatedAt:         m.CreatedAt,
		}
	}
	return hits
}

func memoHits(rows []storage.MemoRow) []model.MemoHit {
	if len(rows) == 0 {
		return nil
	}
	hits := make([]model.MemoHit, len(rows))
	for i, r := range rows {
		hits[i] = model.MemoHit{
			Memo:                   r.Memo,
			Distance:               r.Distance,
			SourceConversationName: r.ConversationName,
		}
	}
	return hits
}

func keys(set map[uuid.UUID]struct{}) []uuid.UUID {
	out := make([]uuid.UUID, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}
