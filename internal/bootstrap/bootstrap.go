package bootstrap

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kirillkom/ragfusion/internal/config"
	"github.com/kirillkom/ragfusion/internal/core/domain"
	"github.com/kirillkom/ragfusion/internal/core/ports"
	"github.com/kirillkom/ragfusion/internal/core/usecase"
	rediscache "github.com/kirillkom/ragfusion/internal/infrastructure/cache/redis"
	"github.com/kirillkom/ragfusion/internal/infrastructure/llm/anthropic"
	"github.com/kirillkom/ragfusion/internal/infrastructure/llm/ollama"
	"github.com/kirillkom/ragfusion/internal/infrastructure/llm/openai"
	"github.com/kirillkom/ragfusion/internal/infrastructure/queue/nats"
	"github.com/kirillkom/ragfusion/internal/infrastructure/rerank/crossencoder"
	"github.com/kirillkom/ragfusion/internal/infrastructure/resilience"
	"github.com/kirillkom/ragfusion/internal/infrastructure/search/postgres"
	"github.com/kirillkom/ragfusion/internal/infrastructure/search/qdrant"
	"github.com/kirillkom/ragfusion/internal/infrastructure/search/weaviate"
	"github.com/kirillkom/ragfusion/internal/observability/metrics"
)

// Role selects which parts of the graph a command needs.
type Role string

const (
	RoleAPI    Role = "api"
	RoleWorker Role = "worker"
	RoleMCP    Role = "mcp"
)

type App struct {
	Config   config.Config
	Logger   *slog.Logger
	Executor *resilience.Executor

	// Runner serves requests: the local pipeline, or the queue when dispatching to workers.
	Runner   ports.PipelineRunner
	Pipeline *usecase.Pipeline
	Queue    *nats.Queue

	closers []func()
}

func New(ctx context.Context, cfg config.Config, role Role, logger *slog.Logger, registerer prometheus.Registerer) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	if registerer == nil {
		registerer = prometheus.NewRegistry()
	}

	pipelineMetrics := metrics.NewPipelineMetrics(string(role), registerer)
	executor := resilience.NewExecutor(resilienceConfig(cfg), logger, pipelineMetrics)
	app := &App{
		Config:   cfg,
		Logger:   logger,
		Executor: executor,
	}

	remote := role == RoleWorker || cfg.PipelineDispatch == "nats"
	if remote {
		queue, err := nats.New(cfg.NATSURL, cfg.NATSSubject, nats.Options{
			RequestTimeout:     cfg.PipelineDeadline + cfg.GenerateTimeout,
			ResilienceExecutor: executor,
			Logger:             logger,
		})
		if err != nil {
			return nil, fmt.Errorf("init message queue: %w", err)
		}
		app.Queue = queue
		app.closers = append(app.closers, queue.Close)
	}

	if role != RoleWorker && cfg.PipelineDispatch == "nats" {
		app.Runner = app.Queue
		logger.Info("pipeline_dispatch_configured", "mode", "nats", "subject", cfg.NATSSubject)
		return app, nil
	}

	pipeline, err := app.buildPipeline(ctx, pipelineMetrics)
	if err != nil {
		app.Close()
		return nil, err
	}
	app.Pipeline = pipeline
	app.Runner = pipeline
	return app, nil
}

func (a *App) buildPipeline(ctx context.Context, observer ports.PipelineObserver) (*usecase.Pipeline, error) {
	cfg := a.Config

	search, err := a.newSearchBackend(ctx)
	if err != nil {
		return nil, err
	}
	generator, err := newGenerator(cfg, a.Executor)
	if err != nil {
		return nil, err
	}
	embedder, err := newEmbedder(cfg, a.Executor)
	if err != nil {
		return nil, err
	}
	if cfg.EmbedCacheRedisAddr != "" {
		cacheCfg := rediscache.Config{
			Addr:     cfg.EmbedCacheRedisAddr,
			Password: cfg.EmbedCacheRedisPassword,
			DB:       cfg.EmbedCacheRedisDB,
			TTL:      cfg.EmbedCacheTTL,
		}
		client := rediscache.NewClient(cacheCfg)
		a.closers = append(a.closers, func() { _ = client.Close() })
		embedder = rediscache.NewEmbeddingCache(embedder, client, cfg.EmbedModel, cacheCfg, a.Logger)
	}
	encoder, err := newCrossEncoder(cfg, a.Executor)
	if err != nil {
		return nil, err
	}
	if encoder == nil {
		a.Logger.Warn("reranker_disabled", "reason", "RERANK_URL is empty")
	}
	severity, err := usecase.ParseVerificationSeverity(cfg.VerifySeverity)
	if err != nil {
		return nil, err
	}

	stages := usecase.PipelineStages{
		Expander: usecase.NewQueryExpander(generator, cfg.GenerateTimeout),
		Retriever: usecase.NewHybridRetriever(search, embedder, usecase.RetrieverOptions{
			SearchLimit:   cfg.SearchLimit,
			CandidateCap:  cfg.CandidatePool,
			Concurrency:   cfg.RetrievalConcurrency,
			SearchTimeout: cfg.SearchTimeout,
			EmbedTimeout:  cfg.EmbedTimeout,
		}, a.Logger),
		Reranker:    usecase.NewReranker(encoder, cfg.RerankModel, cfg.RerankBodyChars, cfg.RerankTimeout),
		Synthesizer: usecase.NewAnswerSynthesizer(generator, cfg.ContextMaxChars, cfg.GenerateTimeout),
		Verifier:    usecase.NewGroundingVerifier(generator, severity, cfg.GenerateTimeout),
	}

	return usecase.NewPipeline(stages, usecase.PipelineOptions{
		DefaultExpansionCount: cfg.MultiQueryN,
		DefaultTopK:           cfg.RerankTopK,
		DefaultAlpha:          cfg.HybridAlpha,
		PreviewChars:          cfg.PreviewChars,
		Deadline:              cfg.PipelineDeadline,
	}, observer, a.Logger), nil
}

func (a *App) newSearchBackend(ctx context.Context) (ports.SearchBackend, error) {
	cfg := a.Config
	switch cfg.SearchBackend {
	case "postgres":
		db, err := postgres.OpenDB(cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		a.closers = append(a.closers, func() { _ = db.Close() })
		return newPostgresStore(ctx, db, cfg, a.Executor)
	default:
		return newRemoteSearchBackend(cfg, a.Executor)
	}
}

func newPostgresStore(ctx context.Context, db *sql.DB, cfg config.Config, executor *resilience.Executor) (*postgres.Store, error) {
	store, err := postgres.NewStore(db, postgres.Config{
		Table:            cfg.PostgresTable,
		TextSearchConfig: cfg.PostgresTSConfig,
	}, executor)
	if err != nil {
		return nil, err
	}
	if cfg.PostgresInitSchema {
		if err := store.EnsureSchema(ctx, cfg.EmbedDimensions); err != nil {
			return nil, fmt.Errorf("ensure schema: %w", err)
		}
	}
	return store, nil
}

func newRemoteSearchBackend(cfg config.Config, executor *resilience.Executor) (ports.SearchBackend, error) {
	switch cfg.SearchBackend {
	case "qdrant":
		return qdrant.New(qdrant.Config{
			BaseURL:      cfg.QdrantURL,
			APIKey:       cfg.QdrantAPIKey,
			Collection:   cfg.SearchCollection,
			DenseVector:  cfg.QdrantDenseVector,
			SparseVector: cfg.QdrantSparseVector,
		}, executor), nil
	case "weaviate":
		return weaviate.New(weaviate.Config{
			BaseURL:    cfg.WeaviateURL,
			APIKey:     cfg.WeaviateAPIKey,
			Collection: cfg.SearchCollection,
		}, executor)
	default:
		return nil, domain.WrapError(domain.ErrConfiguration, "search backend", fmt.Errorf("unknown backend %q", cfg.SearchBackend))
	}
}

func newGenerator(cfg config.Config, executor *resilience.Executor) (ports.TextGenerator, error) {
	switch cfg.LLMProvider {
	case "ollama":
		return ollama.NewGenerator(ollama.New(cfg.OllamaURL, cfg.ChatModel, cfg.EmbedModel, executor)), nil
	case "openai":
		client, err := newOpenAIClient(cfg, executor)
		if err != nil {
			return nil, err
		}
		return openai.NewGenerator(client), nil
	case "anthropic":
		return anthropic.NewGenerator(anthropic.Config{
			APIKey:    cfg.AnthropicAPIKey,
			BaseURL:   cfg.AnthropicBaseURL,
			Model:     cfg.ChatModel,
			MaxTokens: int64(cfg.AnthropicMaxTokens),
		}, executor)
	default:
		return nil, domain.WrapError(domain.ErrConfiguration, "llm provider", fmt.Errorf("unknown provider %q", cfg.LLMProvider))
	}
}

func newEmbedder(cfg config.Config, executor *resilience.Executor) (ports.Embedder, error) {
	switch cfg.EmbedProvider {
	case "ollama":
		return ollama.NewEmbedder(ollama.New(cfg.OllamaURL, cfg.ChatModel, cfg.EmbedModel, executor)), nil
	case "openai":
		client, err := newOpenAIClient(cfg, executor)
		if err != nil {
			return nil, err
		}
		return openai.NewEmbedder(client), nil
	default:
		return nil, domain.WrapError(domain.ErrConfiguration, "embed provider", fmt.Errorf("unknown provider %q", cfg.EmbedProvider))
	}
}

func newOpenAIClient(cfg config.Config, executor *resilience.Executor) (*openai.Client, error) {
	return openai.New(openai.Config{
		APIKey:     cfg.OpenAIAPIKey,
		BaseURL:    cfg.OpenAIBaseURL,
		ChatModel:  cfg.ChatModel,
		EmbedModel: cfg.EmbedModel,
	}, executor)
}

// newCrossEncoder returns nil when no reranker is configured; the pipeline
// then keeps the fused order.
func newCrossEncoder(cfg config.Config, executor *resilience.Executor) (ports.CrossEncoder, error) {
	if cfg.RerankURL == "" {
		return nil, nil
	}
	dialect, err := crossencoder.ParseDialect(cfg.RerankDialect)
	if err != nil {
		return nil, err
	}
	return crossencoder.New(crossencoder.Config{
		BaseURL: cfg.RerankURL,
		Dialect: dialect,
		Model:   cfg.RerankModel,
		APIKey:  cfg.RerankAPIKey,
	}, executor)
}

// resilienceConfig disables retries for generation calls: each generation
// stage issues at most one call per run.
func resilienceConfig(cfg config.Config) resilience.Config {
	return resilience.Config{
		RetryMaxAttempts:    cfg.ResilienceRetryMaxAttempts,
		RetryInitialBackoff: cfg.ResilienceRetryInitialBackoff,
		RetryMaxBackoff:     cfg.ResilienceRetryMaxBackoff,
		OperationAttempts: map[string]int{
			ollama.OperationGenerate:    1,
			openai.OperationGenerate:    1,
			anthropic.OperationGenerate: 1,
			crossencoder.OperationScore: 1,
			nats.OperationRequest:       1,
		},
		BreakerEnabled:      cfg.ResilienceBreakerEnabled,
		BreakerMinRequests:  uint32(max(cfg.ResilienceBreakerMinRequests, 0)),
		BreakerFailureRatio: cfg.ResilienceBreakerFailureRatio,
		BreakerOpenTimeout:  cfg.ResilienceBreakerOpenTimeout,
	}
}

func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
