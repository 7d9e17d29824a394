// Package research runs the retrieval loop that decides whether a triggering
// message warrants searching the workspace's prior knowledge, gathers
// just-enough context across bounded search rounds, and caches the outcome.
//
// The loop is fail-open end to end: any model, embedding, or search failure
// degrades to "less context", never to an error surfaced to the caller. The
// worst case is an answer without retrieved context, not a failed answer.
package research

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/strandhq/recall/internal/llm"
	"github.com/strandhq/recall/internal/model"
	"github.com/strandhq/recall/internal/search"
	"github.com/strandhq/recall/internal/storage"
	"github.com/strandhq/recall/internal/telemetry"
)

// MaxIterations bounds the search/evaluate loop. The loop terminates with
// whatever was gathered when the budget runs out.
const MaxIterations = 5

// Store is the subset of storage the orchestrator touches. Every call checks
// a connection out of the pool only for its own duration, which is what keeps
// the slow model calls in the middle of the loop connection-free.
type Store interface {
	GetConversation(ctx context.Context, id uuid.UUID) (model.Conversation, error)
	GetAccessibleConversations(ctx context.Context, workspaceID uuid.UUID, spec model.AccessSpec) ([]uuid.UUID, error)
	FindCachedResearch(ctx context.Context, messageID uuid.UUID) (model.ResearchCacheEntry, error)
	UpsertCachedResearch(ctx context.Context, entry model.ResearchCacheEntry, ttl time.Duration) (model.ResearchCacheEntry, error)
	Notify(ctx context.Context, channel, payload string) error
}

// AccessResolver computes the search boundary for an invocation.
// Implemented by access.Resolver.
type AccessResolver interface {
	Resolve(ctx context.Context, conv model.Conversation, invokingUserID uuid.UUID) model.AccessSpec
}

// Executor runs one batch of search queries. Implemented by search.Executor.
type Executor interface {
	Execute(ctx context.Context, workspaceID uuid.UUID, queries []model.SearchQuery, allowed []uuid.UUID) search.Results
}

// Hook is called after a research run completes (cache hits excluded).
// Hooks run on their own goroutine and must not block the caller.
type Hook func(ctx context.Context, in Input, result model.ResearchResult)

// Input describes one assistant invocation.
type Input struct {
	WorkspaceID    uuid.UUID
	ConversationID uuid.UUID
	// Message is the triggering message the assistant will respond to.
	Message model.Message
	// RecentHistory frames the decide step; only the most recent few
	// messages are used, oldest first.
	RecentHistory  []model.Message
	InvokingUserID uuid.UUID
}

// Params configures a Service.
type Params struct {
	Store     Store
	Resolver  AccessResolver
	Executor  Executor
	Invoker   llm.Invoker // may be nil; decide then always answers "no search"
	Formatter *Formatter
	Logger    *slog.Logger

	CacheTTL     time.Duration // defaults to storage.DefaultCacheTTL
	ModelTimeout time.Duration // per decide/evaluate call, defaults to 30s
	Hooks        []Hook
}

// Service is the retrieval orchestrator.
type Service struct {
	store        Store
	resolver     AccessResolver
	executor     Executor
	invoker      llm.Invoker
	formatter    *Formatter
	logger       *slog.Logger
	cacheTTL     time.Duration
	modelTimeout time.Duration
	hooks        []Hook

	researchDuration metric.Float64Histogram
	loopIterations   metric.Int64Histogram
	cacheHits        metric.Int64Counter
	modelFailures    metric.Int64Counter
}

// New creates the orchestrator Service.
func New(p Params) *Service {
	if p.CacheTTL <= 0 {
		p.CacheTTL = storage.DefaultCacheTTL
	}
	if p.ModelTimeout <= 0 {
		p.ModelTimeout = 30 * time.Second
	}

	meter := telemetry.Meter("recall/research")
	dur, _ := meter.Float64Histogram("recall.research.duration",
		metric.WithDescription("End-to-end research duration"),
		metric.WithUnit("s"),
	)
	iters, _ := meter.Int64Histogram("recall.research.iterations",
		metric.WithDescription("Search rounds executed per research run"),
	)
	hits, _ := meter.Int64Counter("recall.research.cache_hits",
		metric.WithDescription("Research results served from cache"),
	)
	failures, _ := meter.Int64Counter("recall.research.model_failures",
		metric.WithDescription("Decide/evaluate calls that failed open"),
	)

	return &Service{
		store:            p.Store,
		resolver:         p.Resolver,
		executor:         p.Executor,
		invoker:          p.Invoker,
		formatter:        p.Formatter,
		logger:           p.Logger,
		cacheTTL:         p.CacheTTL,
		modelTimeout:     p.ModelTimeout,
		hooks:            p.Hooks,
		researchDuration: dur,
		loopIterations:   iters,
		cacheHits:        hits,
		modelFailures:    failures,
	}
}

// Research runs the full retrieval loop for one triggering message.
//
// Phase 1 checks the cache and resolves the access boundary, phase 2 runs the
// decide/search/evaluate loop with no database connection held across model
// calls, phase 3 persists the result. An error is returned only for invalid
// input; every downstream failure degrades to an empty result.
func (s *Service) Research(ctx context.Context, in Input) (model.ResearchResult, error) {
	if in.WorkspaceID == uuid.Nil || in.ConversationID == uuid.Nil || in.Message.ID == uuid.Nil {
		return model.ResearchResult{}, fmt.Errorf("research: workspace, conversation, and message IDs are required")
	}

	start := time.Now()
	outcome := "computed"
	defer func() {
		if s.researchDuration != nil {
			s.researchDuration.Record(ctx, time.Since(start).Seconds(),
				metric.WithAttributes(attribute.String("outcome", outcome)))
		}
	}()

	// Phase 1: cache, then setup state.
	if entry, err := s.store.FindCachedResearch(ctx, in.Message.ID); err == nil {
		if s.cacheHits != nil {
			s.cacheHits.Add(ctx, 1)
		}
		outcome = "cached"
		return model.ResearchResult{
			ContextText: entry.Result.ContextText,
			Sources:     entry.Result.Sources,
			Searched:    entry.Result.Searched,
		}, nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		s.logger.Warn("research: cache read failed, treating as miss",
			"message_id", in.Message.ID, "error", err)
	}

	conv, err := s.store.GetConversation(ctx, in.ConversationID)
	if err != nil {
		s.logger.Warn("research: invocation conversation unavailable",
			"conversation_id", in.ConversationID, "error", err)
		outcome = "no_conversation"
		return s.finish(ctx, in, model.NewPublicOnlyAccess(), model.ResearchResult{}), nil
	}

	spec := s.resolver.Resolve(ctx, conv, in.InvokingUserID)
	allowed, err := s.store.GetAccessibleConversations(ctx, in.WorkspaceID, spec)
	if err != nil {
		s.logger.Warn("research: accessible-conversation resolution failed",
			"workspace_id", in.WorkspaceID, "error", err)
		allowed = nil
	}
	if len(allowed) == 0 {
		outcome = "nothing_searchable"
		return s.finish(ctx, in, spec, model.ResearchResult{}), nil
	}

	// Phase 2: decide, then bounded search/evaluate rounds. No connection is
	// held here; each search round checks out and releases per query.
	d := s.decide(ctx, in)
	if !d.NeedsSearch {
		outcome = "no_search"
		return s.finish(ctx, in, spec, model.ResearchResult{}), nil
	}

	var (
		memoHits    []model.MemoHit
		messageHits []model.MessageHit
		memoSeen    = make(map[uuid.UUID]struct{})
		messageSeen = make(map[uuid.UUID]struct{})
	)

	queries := d.Queries
	rounds := 0
	for iteration := 1; iteration <= MaxIterations; iteration++ {
		rounds = iteration
		res := s.executor.Execute(ctx, in.WorkspaceID, queries, allowed)

		// Merging is single-threaded here; the executor only fans out
		// within a round.
		for _, h := range res.MemoHits {
			if _, ok := memoSeen[h.Memo.ID]; ok {
				continue
			}
			memoSeen[h.Memo.ID] = struct{}{}
			memoHits = append(memoHits, h)
		}
		for _, h := range res.MessageHits {
			if _, ok := messageSeen[h.ID]; ok {
				continue
			}
			messageSeen[h.ID] = struct{}{}
			messageHits = append(messageHits, h)
		}

		if iteration == MaxIterations {
			break
		}
		ev := s.evaluate(ctx, in, memoHits, messageHits)
		if ev.Sufficient {
			break
		}
		queries = ev.Queries
	}
	if s.loopIterations != nil {
		s.loopIterations.Record(ctx, int64(rounds))
	}

	result := model.ResearchResult{
		ContextText: s.formatter.Format(memoHits, messageHits),
		Sources:     s.formatter.BuildCitations(memoHits, messageHits, in.WorkspaceID),
		Searched:    true,
	}

	// Phase 3.
	return s.finish(ctx, in, spec, result), nil
}

// decide runs the DECIDE model call. Any failure (call, schema, validation)
// fails open to "no search needed".
func (s *Service) decide(ctx context.Context, in Input) decision {
	if s.invoker == nil {
		s.logger.Warn("research: no model invoker configured, skipping search")
		return decision{}
	}

	callCtx, cancel := context.WithTimeout(ctx, s.modelTimeout)
	defer cancel()

	raw, err := s.invoker.Invoke(callCtx, llm.Request{
		System: decideSystem,
		Prompt: buildDecidePrompt(in.Message, in.RecentHistory),
		Schema: decideSchema,
	})
	if err != nil {
		s.failOpen(ctx, "decide", in.Message.ID, err)
		return decision{}
	}
	d, err := parseDecision(raw)
	if err != nil {
		s.failOpen(ctx, "decide", in.Message.ID, err)
		return decision{}
	}
	return d
}

// evaluate runs the EVALUATE model call over the working set. Any failure
// fails open to "sufficient", stopping the loop.
func (s *Service) evaluate(ctx context.Context, in Input, memoHits []model.MemoHit, messageHits []model.MessageHit) evaluation {
	if s.invoker == nil {
		return evaluation{Sufficient: true}
	}

	callCtx, cancel := context.WithTimeout(ctx, s.modelTimeout)
	defer cancel()

	raw, err := s.invoker.Invoke(callCtx, llm.Request{
		System: evaluateSystem,
		Prompt: buildEvaluatePrompt(in.Message, memoHits, messageHits),
		Schema: evaluateSchema,
	})
	if err != nil {
		s.failOpen(ctx, "evaluate", in.Message.ID, err)
		return evaluation{Sufficient: true}
	}
	ev, err := parseEvaluation(raw)
	if err != nil {
		s.failOpen(ctx, "evaluate", in.Message.ID, err)
		return evaluation{Sufficient: true}
	}
	return ev
}

func (s *Service) failOpen(ctx context.Context, step string, messageID uuid.UUID, err error) {
	if s.modelFailures != nil {
		s.modelFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("step", step)))
	}
	s.logger.Warn("research: model step failed open", "step", step,
		"message_id", messageID, "error", err)
}

// finish persists the result, emits the completion event, and runs hooks.
// Persistence failures are logged, never returned: the caller already holds
// a valid result.
func (s *Service) finish(ctx context.Context, in Input, spec model.AccessSpec, result model.ResearchResult) model.ResearchResult {
	entry := model.ResearchCacheEntry{
		MessageID:      in.Message.ID,
		WorkspaceID:    in.WorkspaceID,
		ConversationID: in.ConversationID,
		Access:         spec,
		Result: model.CachedResult{
			ContextText: result.ContextText,
			Sources:     result.Sources,
			Searched:    result.Searched,
		},
	}
	if _, err := s.store.UpsertCachedResearch(ctx, entry, s.cacheTTL); err != nil {
		s.logger.Warn("research: cache write failed", "message_id", in.Message.ID, "error", err)
	}

	s.notifyDone(in, result)
	for _, hook := range s.hooks {
		go hook(context.WithoutCancel(ctx), in, result)
	}
	return result
}

// notifyDone emits a fire-and-forget completion event for the enrichment job
// scheduler. Detached from the request context so a finished request does not
// cancel the send.
func (s *Service) notifyDone(in Input, result model.ResearchResult) {
	payload, err := json.Marshal(map[string]any{
		"message_id":   in.Message.ID,
		"workspace_id": in.WorkspaceID,
		"searched":     result.Searched,
		"source_count": len(result.Sources),
	})
	if err != nil {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.store.Notify(ctx, storage.ChannelResearch, string(payload)); err != nil {
			s.logger.Debug("research: completion notify failed", "error", err)
		}
	}()
}
