package storage_test

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/strandhq/recall/internal/model"
	"github.com/strandhq/recall/internal/storage"
)

// testDB holds a shared test database connection for all tests in this package.
var testDB *storage.DB

func TestMain(m *testing.M) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "pgvector/pgvector:pg17",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "recall",
			"POSTGRES_PASSWORD": "recall",
			"POSTGRES_DB":       "strand",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start container: %v\n", err)
		os.Exit(1)
	}

	host, err := container.Host(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to get container host: %v\n", err)
		os.Exit(1)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to get container port: %v\n", err)
		os.Exit(1)
	}

	dsn := fmt.Sprintf("postgres://recall:recall@%s:%s/strand?sslmode=disable", host, port.Port())

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	testDB, err = storage.New(ctx, dsn, dsn, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create DB: %v\n", err)
		os.Exit(1)
	}

	if err := testDB.RunMigrations(ctx, os.DirFS("../../migrations")); err != nil {
		fmt.Fprintf(os.Stderr, "failed to run migrations: %v\n", err)
		os.Exit(1)
	}

	code := m.Run()

	testDB.Close(ctx)
	_ = container.Terminate(ctx)
	os.Exit(code)
}

// test fixture helpers

func createWorkspace(t *testing.T) uuid.UUID {
	t.Helper()
	id := uuid.New()
	_, err := testDB.Pool().Exec(context.Background(),
		`INSERT INTO workspaces (id, name) VALUES ($1, $2)`, id, "ws-"+id.String()[:8])
	require.NoError(t, err)
	return id
}

func createUser(t *testing.T, name string) uuid.UUID {
	t.Helper()
	id := uuid.New()
	_, err := testDB.Pool().Exec(context.Background(),
		`INSERT INTO users (id, display_name) VALUES ($1, $2)`, id, name)
	require.NoError(t, err)
	return id
}

func createConversation(t *testing.T, workspaceID uuid.UUID, typ model.ConversationType, vis model.Visibility, name string, rootID, ownerID *uuid.UUID) uuid.UUID {
	t.Helper()
	id := uuid.New()
	_, err := testDB.Pool().Exec(context.Background(),
		`INSERT INTO conversations (id, workspace_id, type, visibility, display_name, root_id, owner_id)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		id, workspaceID, typ, vis, name, rootID, ownerID)
	require.NoError(t, err)
	return id
}

func addMember(t *testing.T, conversationID, userID uuid.UUID) {
	t.Helper()
	_, err := testDB.Pool().Exec(context.Background(),
		`INSERT INTO conversation_members (conversation_id, user_id) VALUES ($1, $2)`,
		conversationID, userID)
	require.NoError(t, err)
}

func createMessage(t *testing.T, workspaceID, conversationID, authorID uuid.UUID, content string, emb *pgvector.Vector) uuid.UUID {
	t.Helper()
	id := uuid.New()
	_, err := testDB.Pool().Exec(context.Background(),
		`INSERT INTO messages (id, workspace_id, conversation_id, author_id, author_kind, content, embedding)
		 VALUES ($1, $2, $3, $4, 'user', $5, $6)`,
		id, workspaceID, conversationID, authorID, content, emb)
	require.NoError(t, err)
	return id
}

func createMemo(t *testing.T, workspaceID, conversationID uuid.UUID, title, abstract string, emb *pgvector.Vector) uuid.UUID {
	t.Helper()
	id := uuid.New()
	_, err := testDB.Pool().Exec(context.Background(),
		`INSERT INTO memos (id, workspace_id, conversation_id, title, abstract, key_points, embedding)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		id, workspaceID, conversationID, title, abstract, []string{"point one", "point two"}, emb)
	require.NoError(t, err)
	return id
}

// testVector returns a 1024-dim unit-ish vector whose first component is
// seed, so relative cosine distances are predictable.
func testVector(seed float32) pgvector.Vector {
	v := make([]float32, 1024)
	v[0] = seed
	v[1] = 1
	return pgvector.NewVector(v)
}

func TestGetConversationNotFound(t *testing.T) {
	_, err := testDB.GetConversation(context.Background(), uuid.New())
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestGetConversationRoundTrip(t *testing.T) {
	ws := createWorkspace(t)
	root := createConversation(t, ws, model.ConversationChannel, model.VisibilityPublic, "#general", nil, nil)
	thread := createConversation(t, ws, model.ConversationThread, model.VisibilityPublic, "", &root, nil)

	got, err := testDB.GetConversation(context.Background(), thread)
	require.NoError(t, err)
	assert.Equal(t, model.ConversationThread, got.Type)
	require.NotNil(t, got.RootID)
	assert.Equal(t, root, *got.RootID)
}

func TestGetAccessibleConversationsPerKind(t *testing.T) {
	ctx := context.Background()
	ws := createWorkspace(t)
	alice := createUser(t, "Alice")
	bob := createUser(t, "Bob")

	public := createConversation(t, ws, model.ConversationChannel, model.VisibilityPublic, "#general", nil, nil)
	private := createConversation(t, ws, model.ConversationChannel, model.VisibilityPrivate, "#secret", nil, nil)
	addMember(t, private, alice)
	notebook := createConversation(t, ws, model.ConversationNotebook, model.VisibilityPrivate, "Alice's notes", nil, &alice)
	privateThread := createConversation(t, ws, model.ConversationThread, model.VisibilityPrivate, "", &private, nil)

	asSet := func(ids []uuid.UUID) map[uuid.UUID]bool {
		set := make(map[uuid.UUID]bool, len(ids))
		for _, id := range ids {
			set[id] = true
		}
		return set
	}

	// Public-only sees just the public channel.
	got, err := testDB.GetAccessibleConversations(ctx, ws, model.NewPublicOnlyAccess())
	require.NoError(t, err)
	set := asSet(got)
	assert.True(t, set[public])
	assert.False(t, set[private])
	assert.False(t, set[notebook])

	// Full-user access for Alice includes membership, ownership, and threads
	// rooted in visible conversations.
	got, err = testDB.GetAccessibleConversations(ctx, ws, model.NewFullUserAccess(alice))
	require.NoError(t, err)
	set = asSet(got)
	assert.True(t, set[public])
	assert.True(t, set[private])
	assert.True(t, set[notebook])
	assert.True(t, set[privateThread])

	// Bob has none of Alice's private access.
	got, err = testDB.GetAccessibleConversations(ctx, ws, model.NewFullUserAccess(bob))
	require.NoError(t, err)
	set = asSet(got)
	assert.True(t, set[public])
	assert.False(t, set[private])
	assert.False(t, set[notebook])

	// Public plus one conversation includes its sub-threads.
	got, err = testDB.GetAccessibleConversations(ctx, ws, model.NewPublicPlusConversationAccess(private))
	require.NoError(t, err)
	set = asSet(got)
	assert.True(t, set[public])
	assert.True(t, set[private])
	assert.True(t, set[privateThread])
	assert.False(t, set[notebook])

	// A user union covers both members' access.
	got, err = testDB.GetAccessibleConversations(ctx, ws, model.NewUserUnionAccess([]uuid.UUID{alice, bob}))
	require.NoError(t, err)
	set = asSet(got)
	assert.True(t, set[private])
	assert.True(t, set[notebook])
}

func TestSemanticSearchMemosOrdersByDistance(t *testing.T) {
	ctx := context.Background()
	ws := createWorkspace(t)
	conv := createConversation(t, ws, model.ConversationChannel, model.VisibilityPublic, "#arch", nil, nil)

	near := testVector(1)
	far := testVector(-1)
	nearID := createMemo(t, ws, conv, "Near memo", "close to the query", &near)
	createMemo(t, ws, conv, "Far memo", "far from the query", &far)

	query := testVector(0.9)
	rows, err := testDB.SemanticSearchMemos(ctx, ws, query, []uuid.UUID{conv}, 5)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, nearID, rows[0].Memo.ID)
	assert.Less(t, rows[0].Distance, rows[1].Distance)
	assert.Equal(t, "#arch", rows[0].ConversationName)
	assert.Equal(t, []string{"point one", "point two"}, rows[0].Memo.KeyPoints)
}

func TestFullTextSearchMemosRespectsAllowedSet(t *testing.T) {
	ctx := context.Background()
	ws := createWorkspace(t)
	allowed := createConversation(t, ws, model.ConversationChannel, model.VisibilityPublic, "#a", nil, nil)
	denied := createConversation(t, ws, model.ConversationChannel, model.VisibilityPrivate, "#b", nil, nil)

	wantID := createMemo(t, ws, allowed, "Database choice: Postgres over Mongo", "We picked Postgres.", nil)
	createMemo(t, ws, denied, "Postgres secrets", "hidden decision", nil)

	rows, err := testDB.FullTextSearchMemos(ctx, ws, "postgres", []uuid.UUID{allowed}, 5)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, wantID, rows[0].Memo.ID)
}

func TestGetMemosByIDs(t *testing.T) {
	ctx := context.Background()
	ws := createWorkspace(t)
	conv := createConversation(t, ws, model.ConversationChannel, model.VisibilityPublic, "#c", nil, nil)
	id := createMemo(t, ws, conv, "Hydrate me", "abstract", nil)

	got, err := testDB.GetMemosByIDs(ctx, ws, []uuid.UUID{id, uuid.New()})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "Hydrate me", got[id].Memo.Title)

	empty, err := testDB.GetMemosByIDs(ctx, ws, nil)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestMessageSearchAndRecent(t *testing.T) {
	ctx := context.Background()
	ws := createWorkspace(t)
	conv := createConversation(t, ws, model.ConversationChannel, model.VisibilityPublic, "#rel", nil, nil)
	dana := createUser(t, "Dana")

	emb := testVector(1)
	hitID := createMessage(t, ws, conv, dana, "we agreed to deploy on friday", &emb)
	createMessage(t, ws, conv, dana, "lunch anyone?", nil)

	byText, err := testDB.FullTextSearchMessages(ctx, ws, "deploy friday", []uuid.UUID{conv}, 5)
	require.NoError(t, err)
	require.Len(t, byText, 1)
	assert.Equal(t, hitID, byText[0].ID)

	hybrid, err := testDB.HybridSearchMessages(ctx, ws, "deploy friday", testVector(0.9), []uuid.UUID{conv}, 5)
	require.NoError(t, err)
	require.NotEmpty(t, hybrid)
	assert.Equal(t, hitID, hybrid[0].ID, "text and vector signal both favor the deploy message")

	recent, err := testDB.RecentMessages(ctx, ws, []uuid.UUID{conv}, 1)
	require.NoError(t, err)
	require.Len(t, recent, 1)
}

func TestResearchCacheLifecycle(t *testing.T) {
	ctx := context.Background()
	ws := uuid.New()
	messageID := uuid.New()

	text := "retrieved context"
	entry := model.ResearchCacheEntry{
		MessageID:      messageID,
		WorkspaceID:    ws,
		ConversationID: uuid.New(),
		Access:         model.NewPublicOnlyAccess(),
		Result: model.CachedResult{
			ContextText: &text,
			Sources:     []model.Citation{{Kind: "memo", ID: uuid.New(), Title: "t", URL: "u", Preview: "p"}},
			Searched:    true,
		},
	}

	stored, err := testDB.UpsertCachedResearch(ctx, entry, time.Hour)
	require.NoError(t, err)
	assert.True(t, stored.ExpiresAt.After(stored.CreatedAt))

	got, err := testDB.FindCachedResearch(ctx, messageID)
	require.NoError(t, err)
	assert.Equal(t, model.AccessPublicOnly, got.Access.Kind)
	require.NotNil(t, got.Result.ContextText)
	assert.Equal(t, text, *got.Result.ContextText)
	require.Len(t, got.Result.Sources, 1)

	// Concurrent recomputation upserts over the same key; last writer wins.
	other := "recomputed context"
	entry.Result.ContextText = &other
	_, err = testDB.UpsertCachedResearch(ctx, entry, time.Hour)
	require.NoError(t, err)
	got, err = testDB.FindCachedResearch(ctx, messageID)
	require.NoError(t, err)
	assert.Equal(t, other, *got.Result.ContextText)

	require.NoError(t, testDB.InvalidateCachedResearch(ctx, messageID))
	_, err = testDB.FindCachedResearch(ctx, messageID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestInvalidateWorkspaceResearch(t *testing.T) {
	ctx := context.Background()
	ws := uuid.New()

	for i := 0; i < 2; i++ {
		_, err := testDB.UpsertCachedResearch(ctx, model.ResearchCacheEntry{
			MessageID:      uuid.New(),
			WorkspaceID:    ws,
			ConversationID: uuid.New(),
			Access:         model.NewPublicOnlyAccess(),
			Result:         model.CachedResult{Searched: false},
		}, time.Hour)
		require.NoError(t, err)
	}

	require.NoError(t, testDB.InvalidateWorkspaceResearch(ctx, ws))

	var count int
	err := testDB.Pool().QueryRow(ctx,
		`SELECT count(*) FROM research_cache WHERE workspace_id = $1`, ws).Scan(&count)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestDeleteExpiredResearch(t *testing.T) {
	ctx := context.Background()
	messageID := uuid.New()

	// Expired rows are invisible to FindCachedResearch and reaped by the sweep.
	_, err := testDB.Pool().Exec(ctx,
		`INSERT INTO research_cache (message_id, workspace_id, conversation_id, access_spec, result, created_at, expires_at)
		 VALUES ($1, $2, $3, '{"kind":"public_only"}', '{"searched":false}', now() - interval '2 hours', now() - interval '1 hour')`,
		messageID, uuid.New(), uuid.New())
	require.NoError(t, err)

	_, err = testDB.FindCachedResearch(ctx, messageID)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	count, err := testDB.DeleteExpiredResearch(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, count, int64(1))
}

func TestDirectoryNameLookups(t *testing.T) {
	ctx := context.Background()
	dana := createUser(t, "Dana")

	names, err := testDB.GetUserNamesByIDs(ctx, []uuid.UUID{dana, uuid.New()})
	require.NoError(t, err)
	assert.Equal(t, map[uuid.UUID]string{dana: "Dana"}, names)

	empty, err := testDB.GetPersonaNamesByIDs(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestNotifyRoundTrip(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.True(t, testDB.HasNotifyConn())
	require.NoError(t, testDB.Listen(ctx, storage.ChannelResearch))
	require.NoError(t, testDB.Notify(ctx, storage.ChannelResearch, `{"searched":true}`))

	channel, payload, err := testDB.WaitForNotification(ctx)
	require.NoError(t, err)
	assert.Equal(t, storage.ChannelResearch, channel)
	assert.Equal(t, `{"searched":true}`, payload)
}
