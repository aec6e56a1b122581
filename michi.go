// Package michi is the public API for embedding the michi agent runtime.
//
// Callers import this package to construct and extend the server without
// forking it:
//
//	app, err := michi.New(
//	    michi.WithVersion(version),
//	    michi.WithLogger(logger),
//	    michi.WithTool(weatherTool),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The root package imports internal/*, but internal/* never imports the
// root. Public types (Tool, Generator, EmbeddingProvider) carry no internal
// types; adapters in this package convert at the boundary.
package michi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/joho/godotenv"

	"github.com/ashita-ai/michi/internal/agent"
	"github.com/ashita-ai/michi/internal/config"
	"github.com/ashita-ai/michi/internal/mcp"
	"github.com/ashita-ai/michi/internal/model"
	"github.com/ashita-ai/michi/internal/ratelimit"
	"github.com/ashita-ai/michi/internal/router"
	"github.com/ashita-ai/michi/internal/safety"
	"github.com/ashita-ai/michi/internal/search"
	"github.com/ashita-ai/michi/internal/server"
	"github.com/ashita-ai/michi/internal/service/embedding"
	"github.com/ashita-ai/michi/internal/service/llm"
	"github.com/ashita-ai/michi/internal/storage"
	"github.com/ashita-ai/michi/internal/telemetry"
	"github.com/ashita-ai/michi/internal/tools"
	"github.com/ashita-ai/michi/internal/tools/builtin"
	"github.com/ashita-ai/michi/migrations"
)

// runStore is everything the runtime, API, MCP server, recall and memory
// tools need from a store. Both storage.DB and storage.Memory satisfy it.
type runStore interface {
	agent.Store
	server.RunStore
	search.ExperienceStore
	builtin.MemoryStore
}

// shutdownTimeout bounds the HTTP drain plus the wait for background runs.
const shutdownTimeout = 30 * time.Second

// App is the michi server lifecycle. Construct with New(), run with Run().
type App struct {
	cfg          config.Config
	db           *storage.DB // nil when running on the in-memory store
	srv          *server.Server
	qdrantIndex  *search.QdrantIndex // nil when Qdrant is not configured
	limiter      ratelimit.Limiter
	otelShutdown telemetry.Shutdown
	logger       *slog.Logger
	version      string
}

// New initialises the michi server. It connects to the store, runs
// migrations, wires the model clients, safety guard, tool registry and
// runtime, and returns a ready-to-run App. It does NOT accept HTTP
// connections; call Run().
func New(opts ...Option) (*App, error) {
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
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.databaseURL != nil {
		cfg.DatabaseURL = *o.databaseURL
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("michi starting", "version", version, "port", cfg.Port, "provider", cfg.LLMProvider)

	ctx := context.Background()
	otelShutdown, err := telemetry.Init(ctx, telemetry.Settings{
		Endpoint:    cfg.OTELEndpoint,
		Insecure:    cfg.OTELInsecure,
		ServiceName: cfg.ServiceName,
		Version:     version,
		SampleRatio: cfg.TraceSampleRatio,
	})
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	a := &App{
		cfg:          cfg,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}
	fail := func(err error) (*App, error) {
		a.closeResources()
		return nil, err
	}

	// Store: Postgres when DATABASE_URL is set, otherwise in-memory.
	var store runStore
	storeKind := "memory"
	if cfg.DatabaseURL != "" {
		db, err := storage.New(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			return fail(fmt.Errorf("storage: %w", err))
		}
		a.db = db
		if err := db.RunMigrations(ctx, migrations.FS); err != nil {
			return fail(fmt.Errorf("migrations: %w", err))
		}
		store = db
		storeKind = "postgres"
	} else {
		logger.Warn("store: in-memory (no DATABASE_URL); runs are lost on restart")
		store = storage.NewMemory()
	}

	generators, err := newGenerators(cfg, o.generators, logger)
	if err != nil {
		return fail(err)
	}

	modeModels := make(map[model.RunMode]string, len(cfg.ModeModels))
	for mode, m := range cfg.ModeModels {
		modeModels[model.RunMode(mode)] = m
	}
	rt, err := router.New(router.Config{
		Provider: cfg.LLMProvider,
		Models: map[string]string{
			"openai": cfg.OpenAIModel,
			"ollama": cfg.OllamaModel,
		},
		ModeModels: modeModels,
	})
	if err != nil {
		return fail(fmt.Errorf("router: %w", err))
	}

	guardCfg := safety.Config{ConfirmationTool: cfg.ConfirmationTool}
	if cfg.SafetyLLMEnabled {
		guardCfg.LLM = generators[cfg.LLMProvider]
		guardCfg.Model = cfg.ModelFor(cfg.LLMProvider)
		guardCfg.MaxTokens = 256
		guardCfg.Timeout = cfg.LLMTimeout
		guardCfg.FailClosed = cfg.SafetyLLMFailClosed
		logger.Info("safety: llm second opinion enabled", "fail_closed", cfg.SafetyLLMFailClosed)
	}
	guard := safety.New(guardCfg, logger)

	registry, err := tools.NewRegistry(builtin.All(store, cfg.ConfirmationTool)...)
	if err != nil {
		return fail(fmt.Errorf("tools: %w", err))
	}
	for _, t := range o.tools {
		if err := registry.Register(t.t); err != nil {
			return fail(fmt.Errorf("tools: %w", err))
		}
	}

	// Experience recall: embeddings plus an optional Qdrant index.
	var embedder embedding.Provider
	if o.embeddingProvider != nil {
		embedder = embeddingAdapter{p: o.embeddingProvider}
	} else {
		embedder = embedding.New(embedding.Settings{
			Provider:    cfg.EmbeddingProvider,
			OpenAIKey:   cfg.OpenAIAPIKey,
			OpenAIURL:   cfg.OpenAIBaseURL,
			OpenAIModel: cfg.EmbeddingModel,
			OllamaURL:   cfg.OllamaURL,
			OllamaModel: cfg.OllamaEmbeddingModel,
			Dimensions:  cfg.EmbeddingDimensions,
		}, logger)
	}

	var index search.Index
	var health server.HealthChecker
	if cfg.QdrantURL != "" {
		q, err := search.NewQdrantIndex(search.QdrantConfig{
			URL:        cfg.QdrantURL,
			APIKey:     cfg.QdrantAPIKey,
			Collection: cfg.QdrantCollection,
			Dims:       uint64(cfg.EmbeddingDimensions), //nolint:gosec // validated positive in config.Validate
			MinScore:   float32(cfg.QdrantMinScore),
		}, logger)
		if err != nil {
			return fail(fmt.Errorf("qdrant: %w", err))
		}
		a.qdrantIndex = q
		if err := q.EnsureCollection(ctx); err != nil {
			return fail(fmt.Errorf("qdrant ensure collection: %w", err))
		}
		index, health = q, q
		logger.Info("qdrant: enabled", "collection", cfg.QdrantCollection)
	} else {
		logger.Info("qdrant: disabled (no QDRANT_URL)")
	}
	recaller := search.NewRecaller(embedder, store, index, logger)

	runtime, err := agent.New(agent.Deps{
		Store:      store,
		Generators: generators,
		Router:     rt,
		Guard:      guard,
		Registry:   registry,
		Recall:     recaller,
		Logger:     logger,
	}, agent.Config{
		StepLimit:     cfg.StepLimit,
		ParallelPlans: cfg.ParallelPlans,
		MaxTokens:     cfg.LLMMaxTokens,
		LLMTimeout:    cfg.LLMTimeout,
	})
	if err != nil {
		return fail(fmt.Errorf("agent: %w", err))
	}

	if cfg.RunsPerMinute > 0 {
		a.limiter = ratelimit.PerMinute(cfg.RunsPerMinute, cfg.RunBurst)
		logger.Info("rate limiting: per-user token bucket",
			"runs_per_minute", cfg.RunsPerMinute, "burst", cfg.RunBurst)
	} else {
		a.limiter = ratelimit.Noop{}
		logger.Info("rate limiting: disabled")
	}

	mcpSrv := mcp.New(runtime, store, logger, version)

	a.srv = server.New(server.ServerConfig{
		Runtime:             runtime,
		Store:               store,
		Logger:              logger,
		Index:               health,
		Limiter:             a.limiter,
		MCPServer:           mcpSrv.MCPServer(),
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		StoreKind:           storeKind,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	return a, nil
}

// newGenerators builds one instrumented generator per provider. Overrides
// replace the built-in client; the configured provider must end up with one.
func newGenerators(cfg config.Config, overrides map[string]Generator, logger *slog.Logger) (map[string]llm.Generator, error) {
	gens := make(map[string]llm.Generator, len(router.Providers))
	for name, g := range overrides {
		gens[name] = llm.Instrument(generatorAdapter{g: g}, name)
	}

	if _, ok := gens["openai"]; !ok && cfg.OpenAIAPIKey != "" {
		g, err := llm.NewOpenAI(llm.OpenAIConfig{
			APIKey:  cfg.OpenAIAPIKey,
			BaseURL: cfg.OpenAIBaseURL,
			Model:   cfg.OpenAIModel,
			Timeout: cfg.LLMTimeout,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("llm: %w", err)
		}
		gens["openai"] = llm.Instrument(g, "openai")
	}
	if _, ok := gens["ollama"]; !ok && cfg.LLMProvider == "ollama" {
		gens["ollama"] = llm.Instrument(llm.NewOllama(cfg.OllamaURL, cfg.OllamaModel, cfg.LLMTimeout), "ollama")
	}

	if _, ok := gens[cfg.LLMProvider]; !ok {
		return nil, fmt.Errorf("llm: no generator for provider %q (set OPENAI_API_KEY or LLM_PROVIDER=ollama)", cfg.LLMProvider)
	}
	return gens, nil
}

// Handler returns the root HTTP handler, for embedding in another server
// or for tests.
func (a *App) Handler() http.Handler {
	return a.srv.Handler()
}

// Run starts the HTTP server, then blocks until ctx is cancelled or a fatal
// server error occurs. On return, Shutdown has been called; callers should
// not call it separately.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		a.closeResources()
		return err
	}

	return a.Shutdown(context.Background())
}

// Shutdown stops accepting HTTP requests, drains in-flight ones and waits
// for background runs to reach a stopping point. Steps are persisted as they
// happen, so a run still going when the deadline passes stays continuable.
// It then releases the limiter, Qdrant client, database pool and OTEL
// provider.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("michi shutting down")

	drainCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	if err := a.srv.Shutdown(drainCtx); err != nil {
		a.logger.Error("http shutdown error", "error", err)
	}
	cancel()

	a.closeResources()
	a.logger.Info("michi stopped")
	return nil
}

func (a *App) closeResources() {
	if a.limiter != nil {
		_ = a.limiter.Close()
	}
	if a.qdrantIndex != nil {
		_ = a.qdrantIndex.Close()
	}
	if a.db != nil {
		a.db.Close(context.Background())
	}
	if a.otelShutdown != nil {
		_ = a.otelShutdown(context.Background())
	}
}
