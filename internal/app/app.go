package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"bbgodb/features/article"
	"bbgodb/features/job"
	"bbgodb/features/mcp"
	"bbgodb/features/run"
	"bbgodb/features/search"
	"bbgodb/features/stats"
	"bbgodb/internal/adapter/cache"
	"bbgodb/internal/adapter/cohere"
	"bbgodb/internal/adapter/gemini"
	"bbgodb/internal/adapter/openai"
	"bbgodb/internal/config"
	"bbgodb/internal/feed"
	"bbgodb/internal/generation"
	"bbgodb/internal/ingest"
	"bbgodb/internal/middleware"
	"bbgodb/internal/retrieval"
	"bbgodb/internal/settings"
	"bbgodb/internal/vector"
	"bbgodb/internal/worker"
)

const feedTimeout = 30 * time.Second

type TaskPublisher interface {
	Publish(topic string, body []byte) error
}

// Embedder serves both document batches and single queries.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Options replaces parts of the wiring New would otherwise build from config.
type Options struct {
	Embedder   Embedder
	ChatModel  generation.ChatModel
	Source     feed.Source
	QueryCache cache.Store
	QueryLog   io.Writer
}

type App struct {
	Handler           http.Handler
	Pipeline          *ingest.Pipeline
	Scheduler         *ingest.Scheduler
	Retrieval         *retrieval.Service
	RunConsumer       *worker.RunConsumer
	ReconcileConsumer *worker.ReconcileConsumer

	port int
}

func New(
	cfg *config.Config,
	db *sql.DB,
	vecStore vector.Index,
	taskPub TaskPublisher,
	logger *slog.Logger,
	opts *Options,
) (*App, error) {
	if opts == nil {
		opts = &Options{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	// Feature: Settings
	settingsService := settings.NewService(settings.NewPostgresRepo(db))
	if cfg.SearchTopK > 0 && cfg.DenseCandidateFactor > 0 {
		settingsService.WithDefaults(settings.Settings{
			SearchTopK:           cfg.SearchTopK,
			RRFK:                 cfg.RRFK,
			DenseCandidateFactor: cfg.DenseCandidateFactor,
		})
	}
	seedGeminiKey(settingsService, cfg.GeminiAPIKey)
	settingsHandler := settings.NewHandler(settingsService)

	// Feature: Articles, Runs, Jobs
	articleRepo := article.NewPostgresRepo(db)
	articleHandler := article.NewHandler(articleRepo)

	runRepo := run.NewPostgresRepo(db)
	runHandler := run.NewHandler(runRepo, taskPub)

	jobRepo := job.NewPostgresRepo(db)
	jobService := job.NewService(jobRepo, taskPub, logger)
	jobHandler := job.NewHandler(jobService)

	statsHandler := stats.NewHandler(articleRepo, jobService, runRepo, vecStore)

	// Adapters: providers
	embedder := opts.Embedder
	if embedder == nil {
		var err error
		if embedder, err = newEmbedder(cfg, settingsService); err != nil {
			return nil, err
		}
	}
	queryCache := opts.QueryCache
	if queryCache == nil {
		queryCache = cache.NewLRU(cfg.QueryCacheSize, cfg.QueryCacheTTL)
	}
	queryEmbedder := cache.NewEmbedder(embedder, queryCache, cfg.EmbeddingProvider+":"+cfg.EmbeddingModel)

	// Feature: Retrieval & Generation
	retrievalService := retrieval.NewService(queryEmbedder, vecStore, articleRepo, articleRepo, settingsService, newQueryLogger(cfg, opts))
	defaultK := func(ctx context.Context) int { return settingsService.Effective(ctx).SearchTopK }

	var answerer search.Answerer
	if chat := chatModel(cfg, opts); chat != nil {
		answerer = generation.NewAnswerer(retrievalService, chat, cfg.AnswerContextChars)
	}
	searchHandler := search.NewHandler(retrievalService, answerer, defaultK)
	mcpHandler := mcp.NewHandler(retrievalService, articleRepo, defaultK)

	// Feature: Ingestion
	source := opts.Source
	if source == nil {
		var pages feed.PageFetcher
		if cfg.FetchFullPage {
			pages = feed.NewReadabilityFetcher(nil)
		}
		source = feed.NewGofeedSource(cfg.FeedURL, &http.Client{Timeout: feedTimeout}, pages)
	}
	pipeline, err := ingest.New(ingest.Deps{
		Source:   source,
		Articles: articleRepo,
		Runs:     runRepo,
		Failures: jobService,
		Embedder: embedder,
		Vectors:  vecStore,
		Logger:   logger,
	}, ingest.OptionsFromConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to build ingestion pipeline: %w", err)
	}

	// Routes
	mux := http.NewServeMux()
	route := func(pattern string, h http.HandlerFunc) {
		mux.Handle(pattern, middleware.CorrelationID(middleware.CORS(h)))
	}

	route("GET /search", searchHandler.Search)
	route("POST /answer", searchHandler.Answer)

	route("GET /articles", articleHandler.List)
	route("GET /articles/{id}", articleHandler.Get)
	route("GET /articles/{id}/chunks", articleHandler.GetChunks)

	route("GET /runs", runHandler.List)
	route("GET /runs/{id}", runHandler.Get)
	route("POST /runs", runHandler.Trigger)
	route("POST /reconcile", runHandler.Reconcile)

	route("GET /jobs/failed", jobHandler.List)
	route("POST /jobs/{id}/retry", jobHandler.Retry)

	route("GET /stats", statsHandler.GetStats)

	route("GET /settings", settingsHandler.GetSettings)
	route("PUT /settings", settingsHandler.UpdateSettings)

	mux.Handle("/mcp", middleware.CorrelationID(mcpHandler))
	route("GET /mcp/sse", mcpHandler.HandleSSE)
	route("POST /mcp/messages", mcpHandler.HandleMessage)

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte(`{"status":"ok"}`)); err != nil {
			slog.Warn("failed to write health response", "error", err)
		}
	})

	return &App{
		Handler:           mux,
		Pipeline:          pipeline,
		Scheduler:         ingest.NewScheduler(pipeline, cfg.IngestInterval),
		Retrieval:         retrievalService,
		RunConsumer:       worker.NewRunConsumer(pipeline, 0),
		ReconcileConsumer: worker.NewReconcileConsumer(pipeline, 0),
		port:              cfg.ServerPort,
	}, nil
}

func (a *App) Run(ctx context.Context) error {
	port := a.port
	if port == 0 {
		port = 8081
	}
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           a.Handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		slog.Info("shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown failed", "error", err)
		}
	}()

	slog.Info("server starting", "port", port)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func newEmbedder(cfg *config.Config, set *settings.Service) (Embedder, error) {
	switch cfg.EmbeddingProvider {
	case config.ProviderOpenAI:
		return openai.NewClient(cfg.OpenAIAPIKey, cfg.EmbeddingModel, cfg.ChatModel), nil
	case config.ProviderCohere:
		return cohere.NewEmbedder(cfg.CohereAPIKey, cfg.EmbeddingModel), nil
	case config.ProviderGemini, "":
		return gemini.NewDynamicEmbedder(set).WithModel(cfg.EmbeddingModel).WithFallbackKey(cfg.GeminiAPIKey), nil
	default:
		return nil, fmt.Errorf("%w: unknown EMBEDDING_PROVIDER %q", config.ErrInvalidConfig, cfg.EmbeddingProvider)
	}
}

// chatModel returns nil when no model is configured; /answer then reports
// NOT_CONFIGURED.
func chatModel(cfg *config.Config, opts *Options) generation.ChatModel {
	if opts.ChatModel != nil {
		return opts.ChatModel
	}
	if cfg.OpenAIAPIKey == "" {
		return nil
	}
	return openai.NewClient(cfg.OpenAIAPIKey, cfg.EmbeddingModel, cfg.ChatModel)
}

func newQueryLogger(cfg *config.Config, opts *Options) *retrieval.QueryLogger {
	if opts.QueryLog != nil {
		return retrieval.NewQueryLogger(opts.QueryLog)
	}
	if cfg.QueryLogPath == "" {
		return retrieval.NewQueryLogger(os.Stdout)
	}
	ql, err := retrieval.NewFileQueryLogger(cfg.QueryLogPath)
	if err != nil {
		slog.Warn("failed to create query logger, falling back to stdout", "error", err)
		return retrieval.NewQueryLogger(os.Stdout)
	}
	return ql
}

// seedGeminiKey stores the environment key when settings hold none, so the
// key survives into the settings UI.
func seedGeminiKey(svc *settings.Service, key string) {
	if key == "" {
		return
	}
	ctx := context.Background()
	set, err := svc.Get(ctx)
	if err != nil {
		slog.Warn("failed to fetch settings for seeding", "error", err)
		return
	}
	if set.GeminiAPIKey != "" {
		return
	}
	set.GeminiAPIKey = key
	if err := svc.Update(ctx, set); err != nil {
		slog.Warn("failed to seed gemini api key", "error", err)
		return
	}
	slog.Info("seeded gemini api key from environment")
}
