package research

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strandhq/recall/internal/llm"
	"github.com/strandhq/recall/internal/model"
	"github.com/strandhq/recall/internal/search"
	"github.com/strandhq/recall/internal/storage"
)

type fakeStore struct {
	mu      sync.Mutex
	cached  map[uuid.UUID]model.ResearchCacheEntry
	conv    model.Conversation
	convErr error
	allowed []uuid.UUID

	upserts  []model.ResearchCacheEntry
	notified chan string

	// inFlight tracks concurrently executing store calls so the invoker can
	// verify nothing is checked out during a model call.
	inFlight atomic.Int32
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		cached:   make(map[uuid.UUID]model.ResearchCacheEntry),
		notified: make(chan string, 16),
	}
}

func (f *fakeStore) enter() func() {
	f.inFlight.Add(1)
	return func() { f.inFlight.Add(-1) }
}

func (f *fakeStore) GetConversation(_ context.Context, _ uuid.UUID) (model.Conversation, error) {
	defer f.enter()()
	return f.conv, f.convErr
}

func (f *fakeStore) GetAccessibleConversations(_ context.Context, _ uuid.UUID, _ model.AccessSpec) ([]uuid.UUID, error) {
	defer f.enter()()
	return f.allowed, nil
}

func (f *fakeStore) FindCachedResearch(_ context.Context, messageID uuid.UUID) (model.ResearchCacheEntry, error) {
	defer f.enter()()
	f.mu.Lock()
	defer f.mu.Unlock()
	if e, ok := f.cached[messageID]; ok {
		return e, nil
	}
	return model.ResearchCacheEntry{}, storage.ErrNotFound
}

func (f *fakeStore) UpsertCachedResearch(_ context.Context, entry model.ResearchCacheEntry, _ time.Duration) (model.ResearchCacheEntry, error) {
	defer f.enter()()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upserts = append(f.upserts, entry)
	f.cached[entry.MessageID] = entry
	return entry, nil
}

func (f *fakeStore) Notify(_ context.Context, channel, payload string) error {
	select {
	case f.notified <- channel + ":" + payload:
	default:
	}
	return nil
}

func (f *fakeStore) upsertCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.upserts)
}

type fakeResolver struct {
	spec model.AccessSpec
}

func (f *fakeResolver) Resolve(_ context.Context, _ model.Conversation, _ uuid.UUID) model.AccessSpec {
	return f.spec
}

type fakeInvoker struct {
	store *fakeStore // when set, asserts no store call is in flight
	t     *testing.T

	mu        sync.Mutex
	calls     int
	responses []func(req llm.Request) (json.RawMessage, error)
}

func (f *fakeInvoker) Invoke(_ context.Context, req llm.Request) (json.RawMessage, error) {
	if f.store != nil && f.store.inFlight.Load() != 0 {
		f.t.Error("store call in flight during model invocation")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := f.calls
	f.calls++
	if idx >= len(f.responses) {
		return nil, errors.New("unexpected model call")
	}
	return f.responses[idx](req)
}

func (f *fakeInvoker) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeExecutor struct {
	mu      sync.Mutex
	calls   int
	batches [][]model.SearchQuery
	respond func(round int, queries []model.SearchQuery) search.Results
}

func (f *fakeExecutor) Execute(_ context.Context, _ uuid.UUID, queries []model.SearchQuery, _ []uuid.UUID) search.Results {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.batches = append(f.batches, queries)
	if f.respond == nil {
		return search.Results{}
	}
	return f.respond(f.calls, queries)
}

func (f *fakeExecutor) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func decideResponse(needsSearch bool, queries ...model.SearchQuery) func(llm.Request) (json.RawMessage, error) {
	return func(_ llm.Request) (json.RawMessage, error) {
		raw, _ := json.Marshal(decision{NeedsSearch: needsSearch, Queries: queries})
		return raw, nil
	}
}

func evaluateResponse(sufficient bool, queries ...model.SearchQuery) func(llm.Request) (json.RawMessage, error) {
	return func(_ llm.Request) (json.RawMessage, error) {
		raw, _ := json.Marshal(evaluation{Sufficient: sufficient, Queries: queries})
		return raw, nil
	}
}

func memoQuery(text string) model.SearchQuery {
	return model.SearchQuery{Target: model.TargetMemo, Mode: model.ModeSemantic, Text: text}
}

func testInput() Input {
	return Input{
		WorkspaceID:    uuid.New(),
		ConversationID: uuid.New(),
		Message:        model.Message{ID: uuid.New(), Content: "What did we decide about the database choice?", AuthorKind: model.AuthorUser},
		InvokingUserID: uuid.New(),
	}
}

func newTestService(store *fakeStore, invoker llm.Invoker, executor Executor) *Service {
	return New(Params{
		Store:     store,
		Resolver:  &fakeResolver{spec: model.NewPublicOnlyAccess()},
		Executor:  executor,
		Invoker:   invoker,
		Formatter: NewFormatter("https://app.strand.chat"),
		Logger:    slog.New(slog.DiscardHandler),
	})
}

func TestResearchGreetingNeedsNoSearch(t *testing.T) {
	store := newFakeStore()
	store.conv = model.Conversation{Type: model.ConversationChannel, Visibility: model.VisibilityPublic}
	store.allowed = []uuid.UUID{uuid.New()}

	invoker := &fakeInvoker{t: t, responses: []func(llm.Request) (json.RawMessage, error){
		decideResponse(false),
	}}
	executor := &fakeExecutor{}

	svc := newTestService(store, invoker, executor)
	in := testInput()
	in.Message.Content = "hey!"

	res, err := svc.Research(context.Background(), in)
	require.NoError(t, err)

	assert.Nil(t, res.ContextText)
	assert.Empty(t, res.Sources)
	assert.False(t, res.Searched)
	assert.Equal(t, 0, executor.callCount(), "no search round may run")
	assert.Equal(t, 1, invoker.callCount(), "only the decide call")
}

func TestResearchSecondCallServedFromCache(t *testing.T) {
	store := newFakeStore()
	store.conv = model.Conversation{Type: model.ConversationChannel, Visibility: model.VisibilityPublic}
	store.allowed = []uuid.UUID{uuid.New()}

	memo := model.Memo{ID: uuid.New(), Title: "Database choice: Postgres over Mongo", Abstract: "We picked Postgres."}
	invoker := &fakeInvoker{t: t, responses: []func(llm.Request) (json.RawMessage, error){
		decideResponse(true, memoQuery("database decision")),
		evaluateResponse(true),
	}}
	executor := &fakeExecutor{respond: func(_ int, _ []model.SearchQuery) search.Results {
		return search.Results{MemoHits: []model.MemoHit{{Memo: memo, Distance: 0.1}}}
	}}

	svc := newTestService(store, invoker, executor)
	in := testInput()

	first, err := svc.Research(context.Background(), in)
	require.NoError(t, err)
	require.True(t, first.Searched)

	second, err := svc.Research(context.Background(), in)
	require.NoError(t, err)

	assert.Equal(t, first.Searched, second.Searched)
	require.NotNil(t, second.ContextText)
	assert.Equal(t, *first.ContextText, *second.ContextText)
	assert.Equal(t, first.Sources, second.Sources)
	assert.Equal(t, 2, invoker.callCount(), "cache hit must add zero model calls")
	assert.Equal(t, 1, executor.callCount(), "cache hit must add zero search rounds")
	assert.Equal(t, 1, store.upsertCount(), "cache hit must not re-persist")
}

func TestResearchInsufficientEveryRoundStopsAtMaxIterations(t *testing.T) {
	store := newFakeStore()
	store.conv = model.Conversation{Type: model.ConversationChannel, Visibility: model.VisibilityPublic}
	store.allowed = []uuid.UUID{uuid.New()}

	responses := []func(llm.Request) (json.RawMessage, error){
		decideResponse(true, memoQuery("round 1")),
	}
	// Evaluate keeps asking for more; the loop must stop regardless. The
	// final round's evaluate is skipped, so MaxIterations-1 evaluates run.
	for i := 0; i < MaxIterations; i++ {
		responses = append(responses, evaluateResponse(false, memoQuery(fmt.Sprintf("round %d", i+2))))
	}

	invoker := &fakeInvoker{t: t, responses: responses}
	executor := &fakeExecutor{}

	svc := newTestService(store, invoker, executor)
	res, err := svc.Research(context.Background(), testInput())
	require.NoError(t, err)

	assert.Equal(t, MaxIterations, executor.callCount())
	assert.Equal(t, 1+(MaxIterations-1), invoker.callCount())
	assert.True(t, res.Searched)
	assert.Nil(t, res.ContextText, "nothing was ever found")
}

func TestResearchDeduplicatesAcrossRounds(t *testing.T) {
	store := newFakeStore()
	store.conv = model.Conversation{Type: model.ConversationChannel, Visibility: model.VisibilityPublic}
	store.allowed = []uuid.UUID{uuid.New()}

	memo := model.Memo{ID: uuid.New(), Title: "Release cadence", Abstract: "Weekly releases."}
	msg := model.MessageHit{ID: uuid.New(), Content: "ship friday", AuthorDisplayName: "Dana", CreatedAt: time.Now()}

	invoker := &fakeInvoker{t: t, responses: []func(llm.Request) (json.RawMessage, error){
		decideResponse(true, memoQuery("release cadence")),
		evaluateResponse(false, memoQuery("release schedule")),
		evaluateResponse(true),
	}}
	executor := &fakeExecutor{respond: func(_ int, _ []model.SearchQuery) search.Results {
		// Both rounds return the same hits.
		return search.Results{
			MemoHits:    []model.MemoHit{{Memo: memo, Distance: 0.1}},
			MessageHits: []model.MessageHit{msg},
		}
	}}

	svc := newTestService(store, invoker, executor)
	res, err := svc.Research(context.Background(), testInput())
	require.NoError(t, err)

	require.Len(t, res.Sources, 2, "one memo citation and one message citation")
	assert.Equal(t, memo.ID, res.Sources[0].ID)
	assert.Equal(t, msg.ID, res.Sources[1].ID)
}

func TestResearchPostgresOverMongoScenario(t *testing.T) {
	store := newFakeStore()
	store.conv = model.Conversation{Type: model.ConversationChannel, Visibility: model.VisibilityPrivate}
	store.allowed = []uuid.UUID{uuid.New(), uuid.New()}

	memo := model.Memo{
		ID:        uuid.New(),
		Title:     "Database choice: Postgres over Mongo",
		Abstract:  "After benchmarking both, we chose Postgres for transactional integrity.",
		KeyPoints: []string{"pgvector covers similarity search", "ops team already runs Postgres"},
	}

	invoker := &fakeInvoker{t: t, store: store, responses: []func(llm.Request) (json.RawMessage, error){
		func(req llm.Request) (json.RawMessage, error) {
			assert.Contains(t, req.Prompt, "database choice")
			return decideResponse(true, memoQuery("database choice decision"))(req)
		},
		evaluateResponse(true),
	}}
	executor := &fakeExecutor{respond: func(_ int, queries []model.SearchQuery) search.Results {
		require.NotEmpty(t, queries)
		assert.Equal(t, model.TargetMemo, queries[0].Target)
		return search.Results{MemoHits: []model.MemoHit{{Memo: memo, Distance: 0.12, SourceConversationName: "#architecture"}}}
	}}

	svc := newTestService(store, invoker, executor)
	res, err := svc.Research(context.Background(), testInput())
	require.NoError(t, err)

	assert.True(t, res.Searched)
	require.NotNil(t, res.ContextText)
	assert.Contains(t, *res.ContextText, "Postgres")
	require.Len(t, res.Sources, 1)
	assert.Equal(t, "memo", res.Sources[0].Kind)
	assert.Equal(t, memo.ID, res.Sources[0].ID)
	assert.Contains(t, res.Sources[0].URL, memo.ID.String())
}

func TestResearchNeverHoldsStoreCallAcrossModelCalls(t *testing.T) {
	store := newFakeStore()
	store.conv = model.Conversation{Type: model.ConversationChannel, Visibility: model.VisibilityPublic}
	store.allowed = []uuid.UUID{uuid.New()}

	invoker := &fakeInvoker{t: t, store: store, responses: []func(llm.Request) (json.RawMessage, error){
		decideResponse(true, memoQuery("anything")),
		evaluateResponse(false, memoQuery("more")),
		evaluateResponse(true),
	}}

	svc := newTestService(store, invoker, &fakeExecutor{})
	_, err := svc.Research(context.Background(), testInput())
	require.NoError(t, err)
	assert.Equal(t, 3, invoker.callCount())
}

func TestResearchDecideFailureFailsOpenToNoSearch(t *testing.T) {
	store := newFakeStore()
	store.conv = model.Conversation{Type: model.ConversationChannel, Visibility: model.VisibilityPublic}
	store.allowed = []uuid.UUID{uuid.New()}

	invoker := &fakeInvoker{t: t, responses: []func(llm.Request) (json.RawMessage, error){
		func(_ llm.Request) (json.RawMessage, error) { return nil, errors.New("model timeout") },
	}}
	executor := &fakeExecutor{}

	svc := newTestService(store, invoker, executor)
	res, err := svc.Research(context.Background(), testInput())
	require.NoError(t, err)

	assert.False(t, res.Searched)
	assert.Nil(t, res.ContextText)
	assert.Equal(t, 0, executor.callCount())
}

func TestResearchEvaluateFailureStopsLoop(t *testing.T) {
	store := newFakeStore()
	store.conv = model.Conversation{Type: model.ConversationChannel, Visibility: model.VisibilityPublic}
	store.allowed = []uuid.UUID{uuid.New()}

	memo := model.Memo{ID: uuid.New(), Title: "Partial result", Abstract: "gathered before the failure"}
	invoker := &fakeInvoker{t: t, responses: []func(llm.Request) (json.RawMessage, error){
		decideResponse(true, memoQuery("anything")),
		func(_ llm.Request) (json.RawMessage, error) { return nil, errors.New("model unavailable") },
	}}
	executor := &fakeExecutor{respond: func(_ int, _ []model.SearchQuery) search.Results {
		return search.Results{MemoHits: []model.MemoHit{{Memo: memo}}}
	}}

	svc := newTestService(store, invoker, executor)
	res, err := svc.Research(context.Background(), testInput())
	require.NoError(t, err)

	assert.True(t, res.Searched)
	require.NotNil(t, res.ContextText)
	assert.Contains(t, *res.ContextText, "Partial result")
	assert.Equal(t, 1, executor.callCount(), "evaluate failure must stop, not retry")
}

func TestResearchMissingConversationReturnsEmpty(t *testing.T) {
	store := newFakeStore()
	store.convErr = storage.ErrNotFound

	invoker := &fakeInvoker{t: t}
	svc := newTestService(store, invoker, &fakeExecutor{})

	res, err := svc.Research(context.Background(), testInput())
	require.NoError(t, err)

	assert.False(t, res.Searched)
	assert.Nil(t, res.ContextText)
	assert.Equal(t, 0, invoker.callCount())
	assert.Equal(t, 1, store.upsertCount(), "empty outcomes are cached too")
}

func TestResearchZeroAccessibleConversationsSkipsModel(t *testing.T) {
	store := newFakeStore()
	store.conv = model.Conversation{Type: model.ConversationChannel, Visibility: model.VisibilityPublic}
	store.allowed = nil

	invoker := &fakeInvoker{t: t}
	svc := newTestService(store, invoker, &fakeExecutor{})

	res, err := svc.Research(context.Background(), testInput())
	require.NoError(t, err)

	assert.False(t, res.Searched)
	assert.Equal(t, 0, invoker.callCount())
}

func TestResearchEmitsCompletionNotify(t *testing.T) {
	store := newFakeStore()
	store.conv = model.Conversation{Type: model.ConversationChannel, Visibility: model.VisibilityPublic}
	store.allowed = []uuid.UUID{uuid.New()}

	invoker := &fakeInvoker{t: t, responses: []func(llm.Request) (json.RawMessage, error){
		decideResponse(false),
	}}

	svc := newTestService(store, invoker, &fakeExecutor{})
	in := testInput()
	_, err := svc.Research(context.Background(), in)
	require.NoError(t, err)

	select {
	case got := <-store.notified:
		assert.True(t, strings.HasPrefix(got, storage.ChannelResearch+":"))
		assert.Contains(t, got, in.Message.ID.String())
	case <-time.After(2 * time.Second):
		t.Fatal("expected a completion notification")
	}
}

func TestResearchRunsHooksAfterCompletion(t *testing.T) {
	store := newFakeStore()
	store.conv = model.Conversation{Type: model.ConversationChannel, Visibility: model.VisibilityPublic}
	store.allowed = []uuid.UUID{uuid.New()}

	invoker := &fakeInvoker{t: t, responses: []func(llm.Request) (json.RawMessage, error){
		decideResponse(false),
	}}

	done := make(chan model.ResearchResult, 1)
	svc := New(Params{
		Store:     store,
		Resolver:  &fakeResolver{spec: model.NewPublicOnlyAccess()},
		Executor:  &fakeExecutor{},
		Invoker:   invoker,
		Formatter: NewFormatter("https://app.strand.chat"),
		Logger:    slog.New(slog.DiscardHandler),
		Hooks: []Hook{func(_ context.Context, _ Input, result model.ResearchResult) {
			done <- result
		}},
	})

	_, err := svc.Research(context.Background(), testInput())
	require.NoError(t, err)

	select {
	case result := <-done:
		assert.False(t, result.Searched)
	case <-time.After(2 * time.Second):
		t.Fatal("hook was not invoked")
	}
}

func TestResearchRejectsMissingIDs(t *testing.T) {
	svc := newTestService(newFakeStore(), &fakeInvoker{}, &fakeExecutor{})
	_, err := svc.Research(context.Background(), Input{})
	require.Error(t, err)
}
