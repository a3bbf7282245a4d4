package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"mizan-engine/internal/cache"
	"mizan-engine/internal/config"
	"mizan-engine/internal/handlers"
	"mizan-engine/internal/llm"
	"mizan-engine/internal/orchestrator"
	"mizan-engine/internal/pkg/logger"
	"mizan-engine/internal/pkg/resilience"
	"mizan-engine/internal/policy"
	"mizan-engine/internal/reasoner"
	"mizan-engine/internal/retrieval"
	"mizan-engine/internal/router"
	"mizan-engine/internal/services"
	"mizan-engine/internal/tools"
)

const (
	memoryCacheItems = 10000
	pruneInterval    = time.Hour
	searchResults    = 5
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load configuration")
	}

	log, err := logger.New(cfg.Log)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to initialize logger")
	}

	if err := run(cfg, log); err != nil {
		log.WithError(err).Fatal("Engine stopped with an error")
	}
}

func run(cfg *config.Config, log *logger.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	routing, err := config.LoadRoutingTable(cfg.RoutingFile)
	if err != nil {
		return fmt.Errorf("routing table: %w", err)
	}
	authorities, err := config.LoadAuthorityRegistry(cfg.AuthoritiesFile)
	if err != nil {
		return fmt.Errorf("authority registry: %w", err)
	}
	narrators, err := config.LoadNarratorDirectory(cfg.NarratorsFile)
	if err != nil {
		return fmt.Errorf("narrator directory: %w", err)
	}

	health := make(map[string]orchestrator.HealthChecker)
	var closers []io.Closer
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i].Close(); err != nil {
				log.WithError(err).Warn("Failed to close resource")
			}
		}
	}()

	// Redis carries progress streams and user memory; it is mandatory only when a
	// backend is configured to live in it.
	needsRedis := cfg.Cache.Backend == "redis" || cfg.Checkpoint.Backend == "redis"
	redisService, err := services.NewRedisService(cfg.Redis, log)
	if err != nil {
		if needsRedis {
			return fmt.Errorf("redis: %w", err)
		}
		log.WithError(err).Warn("Redis unavailable, running without turn updates and user memory")
	} else {
		closers = append(closers, redisService)
		health["redis"] = redisService
	}

	var model llm.Provider = llm.Disabled{}
	var embedder llm.Embedder = llm.Disabled{}
	if cfg.Gemini.Provider == "gemini" {
		gemini, err := services.NewGeminiService(cfg.Gemini, log)
		if err != nil {
			return fmt.Errorf("gemini: %w", err)
		}
		closers = append(closers, gemini)
		health["model"] = gemini
		model, embedder = gemini, gemini
	} else {
		log.Warn("Model provider disabled, turns will degrade to the unavailable answer", "provider", cfg.Gemini.Provider)
	}
	provider := llm.NewResilientProvider(model, embedder, llm.ResilienceConfig{
		Timeout:    cfg.Gemini.Timeout,
		MaxRetries: cfg.Gemini.MaxRetries,
		RetryDelay: cfg.Gemini.RetryDelay,
	}, log)

	var backend cache.Backend
	if cfg.Cache.Backend == "redis" {
		backend = services.NewRedisCache(redisService)
	} else {
		backend = cache.NewMemoryBackend(memoryCacheItems)
	}
	cacheManager := cache.NewManager(backend, cfg.Cache, log)

	checkpoints, err := newCheckpointStore(ctx, cfg, redisService, log, &closers)
	if err != nil {
		return err
	}

	scraper, err := services.NewScraperService(cfg.Scraper, log)
	if err != nil {
		return fmt.Errorf("scraper: %w", err)
	}
	health["scraper"] = scraper

	chroma := services.NewChromaService(cfg.Chroma, log)
	health["passage_store"] = chroma

	references := services.NewReferenceService(cfg.Scraper.ReferenceURL, cfg.Scraper.RequestTimeout, log)

	registry := tools.NewRegistry(
		tools.NewRulingTool(authorities, scraper, log),
		tools.NewCompareTool(authorities, scraper, log),
		tools.NewTimeTool(),
		tools.NewFinanceTool(),
		tools.NewReferenceTool(references),
		tools.NewNarratorTool(narrators),
		tools.NewSearchTool(scraper, searchResults, cfg.Cache.WebSearchTTL),
	)

	retryPolicy := resilience.DefaultRetryPolicy()
	retryPolicy.MaxRetries = cfg.Engine.ToolRetries

	pipeline := retrieval.NewPipeline(provider, chroma, cacheManager, cfg.Engine.RetrievalK, cfg.Engine.PassagesPerAnswer, log)

	deps := orchestrator.Dependencies{
		Provider:     provider,
		Pricing:      llm.NewPricing(cfg.Gemini),
		Classifier:   router.NewClassifier(provider, cfg.Gemini.Timeout, log),
		Router:       router.NewRouter(routing),
		Planner:      tools.NewPlanner(registry, routing),
		Dispatcher:   tools.NewDispatcher(registry, cacheManager, cfg.Engine.ToolTimeout, retryPolicy, log),
		Retriever:    pipeline,
		Reasoner:     reasoner.NewReasoner(provider, pipeline, cfg.Engine.MaxHops, log),
		Policy:       policy.NewChecker(policy.DefaultInputChecks(provider), policy.DefaultOutputChecks(provider), cacheManager, log),
		Cache:        cacheManager,
		Checkpoints:  checkpoints,
		Health:       health,
		BreakerState: provider.BreakerState,
	}
	if redisService != nil {
		deps.Memory = services.NewRedisMemory(redisService)
		deps.Publisher = redisService
	}

	engine, err := orchestrator.NewOrchestrator(deps, cfg.Engine, log)
	if err != nil {
		return fmt.Errorf("orchestrator: %w", err)
	}

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	httpRouter := gin.New()
	httpRouter.Use(gin.Recovery(), handlers.RequestID(), handlers.RequestLogger(log))
	handlers.NewTurnHandler(engine, log).Register(httpRouter)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:      httpRouter,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("HTTP server listening", "addr", server.Addr, "environment", cfg.Environment)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		log.Info("Shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			engine.Close()
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Engine.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("HTTP server shutdown incomplete")
	}
	if err := engine.Close(); err != nil {
		log.WithError(err).Warn("Engine shutdown incomplete")
	}
	log.Info("Engine stopped")
	return nil
}

func newCheckpointStore(ctx context.Context, cfg *config.Config, redisService *services.RedisService, log *logger.Logger, closers *[]io.Closer) (orchestrator.CheckpointStore, error) {
	switch cfg.Checkpoint.Backend {
	case "redis":
		return services.NewRedisCheckpointStore(redisService, cfg.Checkpoint.TTL), nil
	case "sqlite":
		store, err := services.NewSQLiteCheckpointStore(cfg.Checkpoint.SQLitePath, cfg.Checkpoint.TTL)
		if err != nil {
			return nil, fmt.Errorf("sqlite checkpoints: %w", err)
		}
		*closers = append(*closers, store)
		go pruneCheckpoints(ctx, store, log)
		return store, nil
	default:
		log.Warn("Checkpoints kept in memory, turns cannot be resumed after a restart")
		return orchestrator.NewMemoryCheckpointStore(), nil
	}
}

func pruneCheckpoints(ctx context.Context, store *services.SQLiteCheckpointStore, log *logger.Logger) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := store.Prune(ctx)
			if err != nil {
				log.WithError(err).Warn("Failed to prune checkpoints")
				continue
			}
			if removed > 0 {
				log.Debug("Pruned expired checkpoints", "removed", removed)
			}
		}
	}
}
