// Package recall is the public API for embedding the Strand research engine.
//
// The engine decides whether a triggering chat message warrants searching the
// workspace's prior knowledge (memos and messages), runs a bounded iterative
// search loop scoped to what the invoking context may see, and returns a
// formatted context block plus citations for the response prompt:
//
//	engine, err := recall.New(ctx,
//	    recall.WithLogger(logger),
//	    recall.WithResearchHook(myEnrichmentHook),
//	)
//	if err != nil { ... }
//	defer engine.Close(ctx)
//
//	result, err := engine.Research(ctx, req)
//
// The import graph enforces a strict no-cycle rule: recall (root) imports
// internal/*, but internal/* never imports recall (root).
package recall

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/pgvector/pgvector-go"

	"github.com/strandhq/recall/internal/access"
	"github.com/strandhq/recall/internal/config"
	"github.com/strandhq/recall/internal/llm"
	"github.com/strandhq/recall/internal/model"
	"github.com/strandhq/recall/internal/search"
	"github.com/strandhq/recall/internal/service/embedding"
	"github.com/strandhq/recall/internal/service/research"
	"github.com/strandhq/recall/internal/storage"
	"github.com/strandhq/recall/internal/telemetry"
	"github.com/strandhq/recall/migrations"
)

// Engine is the research engine lifecycle. Construct with New(), release
// with Close(). Engine has no public fields — use New() options.
type Engine struct {
	cfg          config.Config
	db           *storage.DB
	index        *search.QdrantMemoIndex // nil when Qdrant is not configured
	svc          *research.Service
	otelShutdown telemetry.Shutdown
	logger       *slog.Logger
	version      string
}

// New initialises the engine: connects to the database, runs migrations,
// wires the embedding provider, vector index, and chat model, and returns a
// ready Engine. No background goroutines are started.
func New(ctx context.Context, opts ...Option) (*Engine, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	if o.notifyURL != "" {
		cfg.NotifyURL = o.notifyURL
	}
	if o.cacheTTL > 0 {
		cfg.CacheTTL = o.cacheTTL
	}
	if o.baseURL != "" {
		cfg.BaseURL = o.baseURL
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("recall starting", "version", version)

	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	db, err := storage.New(ctx, cfg.DatabaseURL, cfg.NotifyURL, logger)
	if err != nil {
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("storage: %w", err)
	}
	db.RegisterPoolMetrics()

	if o.skipMigrations {
		logger.Info("embedded migrations skipped")
	} else if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		db.Close(context.Background())
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("migrations: %w", err)
	}

	var embedder embedding.Provider
	if o.embeddingProvider != nil {
		embedder = &providerAdapter{p: o.embeddingProvider}
	} else {
		embedder, err = newEmbeddingProvider(cfg, logger)
		if err != nil {
			db.Close(context.Background())
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("embedding: %w", err)
		}
	}
	embedder = withEmbedTimeout(embedder, cfg.EmbedTimeout)

	var index *search.QdrantMemoIndex
	if cfg.QdrantURL != "" {
		index, err = search.NewQdrantMemoIndex(search.QdrantConfig{
			URL:        cfg.QdrantURL,
			APIKey:     cfg.QdrantAPIKey,
			Collection: cfg.QdrantCollection,
			Dims:       uint64(cfg.EmbeddingDimensions), //nolint:gosec // validated positive
		}, logger)
		if err != nil {
			logger.Warn("qdrant unavailable, memo semantic search will use pgvector", "error", err)
			index = nil
		} else if err := index.EnsureCollection(ctx); err != nil {
			logger.Warn("qdrant collection setup failed, memo semantic search will use pgvector", "error", err)
			_ = index.Close()
			index = nil
		}
	}

	var invoker llm.Invoker
	if cfg.GeminiAPIKey != "" {
		invoker, err = llm.NewGeminiInvoker(ctx, cfg.GeminiAPIKey, cfg.GeminiModel)
		if err != nil {
			if index != nil {
				_ = index.Close()
			}
			db.Close(context.Background())
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("llm: %w", err)
		}
	} else {
		logger.Warn("GEMINI_API_KEY not set, research will always skip searching")
	}

	var indexIface search.MemoIndex
	if index != nil {
		indexIface = index
	}
	executor := search.NewExecutor(db, embedder, indexIface, logger)

	hooks := make([]research.Hook, len(o.hooks))
	for i, h := range o.hooks {
		h := h
		hooks[i] = func(ctx context.Context, in research.Input, result model.ResearchResult) {
			h(ctx, toPublicRequest(in), toPublicResult(result))
		}
	}

	svc := research.New(research.Params{
		Store:        db,
		Resolver:     access.NewResolver(db, logger),
		Executor:     executor,
		Invoker:      invoker,
		Formatter:    research.NewFormatter(cfg.BaseURL),
		Logger:       logger,
		CacheTTL:     cfg.CacheTTL,
		ModelTimeout: cfg.ModelTimeout,
		Hooks:        hooks,
	})

	return &Engine{
		cfg:          cfg,
		db:           db,
		index:        index,
		svc:          svc,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}, nil
}

// Research runs the full retrieval loop for one triggering message. It fails
// open: model, embedding, and search failures degrade to less context, and an
// error is returned only for invalid input or a canceled context.
func (e *Engine) Research(ctx context.Context, req ResearchRequest) (ResearchResult, error) {
	result, err := e.svc.Research(ctx, toInternalInput(req))
	if err != nil {
		return ResearchResult{}, err
	}
	return toPublicResult(result), nil
}

// InvalidateMessage drops the cached research result for a triggering message
// (call when the message is edited).
func (e *Engine) InvalidateMessage(ctx context.Context, messageID uuid.UUID) error {
	return e.db.InvalidateCachedResearch(ctx, messageID)
}

// InvalidateWorkspace drops all cached research results for a workspace
// (call when workspace visibility settings change).
func (e *Engine) InvalidateWorkspace(ctx context.Context, workspaceID uuid.UUID) error {
	return e.db.InvalidateWorkspaceResearch(ctx, workspaceID)
}

// SweepExpired removes expired cache entries and returns the count removed.
// Intended to be called periodically by the host's job scheduler; the engine
// does not self-schedule.
func (e *Engine) SweepExpired(ctx context.Context) (int64, error) {
	return e.db.DeleteExpiredResearch(ctx)
}

// IndexMemos upserts memo embeddings into the external vector index. No-op
// when Qdrant is not configured (pgvector search needs no separate index).
func (e *Engine) IndexMemos(ctx context.Context, memos []MemoEmbedding) error {
	if e.index == nil {
		return nil
	}
	points := make([]search.MemoPoint, len(memos))
	for i, m := range memos {
		points[i] = search.MemoPoint{
			ID:             m.MemoID,
			WorkspaceID:    m.WorkspaceID,
			ConversationID: m.ConversationID,
			Embedding:      m.Vector,
		}
	}
	return e.index.Upsert(ctx, points)
}

// RemoveMemosFromIndex deletes memo embeddings from the external vector
// index. No-op when Qdrant is not configured.
func (e *Engine) RemoveMemosFromIndex(ctx context.Context, memoIDs []uuid.UUID) error {
	if e.index == nil {
		return nil
	}
	return e.index.DeleteByIDs(ctx, memoIDs)
}

// Close releases the database pool, vector index connection, and telemetry
// exporters.
func (e *Engine) Close(ctx context.Context) error {
	if e.index != nil {
		_ = e.index.Close()
	}
	e.db.Close(ctx)
	if e.otelShutdown != nil {
		return e.otelShutdown(ctx)
	}
	return nil
}

// newEmbeddingProvider selects the embedding backend from config. "auto"
// prefers OpenAI when a key is present, then a reachable Ollama, then noop.
func newEmbeddingProvider(cfg config.Config, logger *slog.Logger) (embedding.Provider, error) {
	switch cfg.EmbeddingProvider {
	case "openai":
		return embedding.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.EmbeddingModel, cfg.EmbeddingDimensions)
	case "ollama":
		return embedding.NewOllamaProvider(cfg.OllamaURL, cfg.OllamaModel, cfg.EmbeddingDimensions), nil
	case "noop":
		return embedding.NewNoopProvider(cfg.EmbeddingDimensions), nil
	}

	if cfg.OpenAIAPIKey != "" {
		logger.Info("embedding provider: openai", "model", cfg.EmbeddingModel)
		return embedding.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.EmbeddingModel, cfg.EmbeddingDimensions)
	}
	if ollamaReachable(cfg.OllamaURL) {
		logger.Info("embedding provider: ollama", "url", cfg.OllamaURL, "model", cfg.OllamaModel)
		return embedding.NewOllamaProvider(cfg.OllamaURL, cfg.OllamaModel, cfg.EmbeddingDimensions), nil
	}
	logger.Warn("no embedding provider reachable, semantic search disabled")
	return embedding.NewNoopProvider(cfg.EmbeddingDimensions), nil
}

func ollamaReachable(baseURL string) bool {
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(baseURL + "/api/tags")
	if err != nil {
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode == http.StatusOK
}

// providerAdapter bridges the public EmbeddingProvider to the internal one.
type providerAdapter struct {
	p EmbeddingProvider
}

func (a *providerAdapter) Embed(ctx context.Context, text string) (pgvector.Vector, error) {
	vec, err := a.p.Embed(ctx, text)
	if err != nil {
		return pgvector.Vector{}, err
	}
	return pgvector.NewVector(vec), nil
}

func (a *providerAdapter) Dimensions() int { return a.p.Dimensions() }

// timeoutProvider bounds each embedding call.
type timeoutProvider struct {
	inner   embedding.Provider
	timeout time.Duration
}

func withEmbedTimeout(p embedding.Provider, timeout time.Duration) embedding.Provider {
	if timeout <= 0 {
		return p
	}
	return &timeoutProvider{inner: p, timeout: timeout}
}

func (t *timeoutProvider) Embed(ctx context.Context, text string) (pgvector.Vector, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return t.inner.Embed(ctx, text)
}

func (t *timeoutProvider) Dimensions() int { return t.inner.Dimensions() }
