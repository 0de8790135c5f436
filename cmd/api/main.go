package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/tribe-relocation/backend/internal/analysis"
	"github.com/tribe-relocation/backend/internal/api/handlers"
	"github.com/tribe-relocation/backend/internal/cache"
	"github.com/tribe-relocation/backend/internal/cache/memory"
	rediscache "github.com/tribe-relocation/backend/internal/cache/redis"
	"github.com/tribe-relocation/backend/internal/llm"
	"github.com/tribe-relocation/backend/internal/metrics"
	"github.com/tribe-relocation/backend/internal/middleware/ratelimit"
	"github.com/tribe-relocation/backend/internal/middleware/security"
	"github.com/tribe-relocation/backend/internal/middleware/validation"
	"github.com/tribe-relocation/backend/internal/quota"
	"github.com/tribe-relocation/backend/internal/research"
	"github.com/tribe-relocation/backend/internal/scoring"
	"github.com/tribe-relocation/backend/internal/search"
	"github.com/tribe-relocation/backend/internal/search/reddit"
	"github.com/tribe-relocation/backend/internal/search/web"
	"github.com/tribe-relocation/backend/internal/search/youtube"
	"github.com/tribe-relocation/backend/internal/storage/sqlite"
	"github.com/tribe-relocation/backend/internal/transcript"
	"github.com/tribe-relocation/backend/pkg/config"
	appLogger "github.com/tribe-relocation/backend/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	err = appLogger.Init(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.OutputPath)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer appLogger.Sync()

	appLogger.Info("Starting corridor research API server")

	metrics.Init()

	sqliteClient, err := sqlite.NewClient(cfg.SQLite.Path)
	if err != nil {
		appLogger.Fatal("Failed to create SQLite client", zap.Error(err))
	}
	defer sqliteClient.Close()

	err = sqliteClient.InitSchema()
	if err != nil {
		appLogger.Fatal("Failed to initialize schema", zap.Error(err))
	}

	interrupted, err := sqliteClient.ResetInterrupted(context.Background(), "interrupted by restart", time.Now())
	if err != nil {
		appLogger.Fatal("Failed to reset interrupted research runs", zap.Error(err))
	}
	if interrupted > 0 {
		appLogger.Warn("Marked interrupted research runs as failed", zap.Int64("corridors", interrupted))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := newCacheStore(ctx, cfg, sqliteClient)

	ledger := quota.NewLedger(sqliteClient, quota.Resource{
		Name:   "youtube",
		Limit:  cfg.YouTube.DailyLimit,
		Window: quota.WindowDaily,
	})

	videos := youtube.NewConnector(
		youtube.NewAPIClient(cfg.YouTube.APIKey, cfg.YouTube.BaseURL, time.Duration(cfg.YouTube.TimeoutSec)*time.Second),
		ledger,
		store,
		youtube.Config{
			Resource:        "youtube",
			SearchCost:      cfg.YouTube.SearchCost,
			MaxResults:      cfg.YouTube.MaxResults,
			QueryInterval:   cfg.YouTube.QueryInterval,
			CacheTTL:        cfg.YouTube.CacheTTL,
			FetchStatistics: cfg.YouTube.FetchStatistics,
		},
	).WithFeedFallback(research.VideoFeedLookup(sqliteClient))

	var connectors []search.Connector
	if cfg.Reddit.Enabled {
		connectors = append(connectors, reddit.NewConnector(reddit.Config{
			BaseURL:           cfg.Reddit.BaseURL,
			UserAgent:         cfg.Reddit.UserAgent,
			MaxSubreddits:     cfg.Reddit.MaxSubreddits,
			PostsPerSubreddit: cfg.Reddit.PostsPerSubreddit,
			MaxItems:          cfg.Reddit.MaxItems,
			RequestInterval:   cfg.Reddit.RequestInterval,
			Timeout:           time.Duration(cfg.Reddit.TimeoutSec) * time.Second,
		}))
	}
	if cfg.Search.Enabled && cfg.Search.SerpAPIKey != "" {
		connectors = append(connectors, web.NewClient(web.Config{
			APIKey:     cfg.Search.SerpAPIKey,
			BaseURL:    cfg.Search.BaseURL,
			MaxResults: cfg.Search.MaxResults,
			Scrape:     cfg.Search.Scrape,
			Timeout:    time.Duration(cfg.Search.TimeoutSec) * time.Second,
		}))
	}

	// Both stages share one model but need their own system prompt. Without
	// a key, scoring falls back to keywords and analysis is skipped.
	var scoringLLM, analysisLLM llm.Classifier
	if cfg.LLM.APIKey != "" {
		scoringLLM = llm.NewClient(llmConfig(cfg.LLM, scoring.SystemPrompt))
		analysisLLM = llm.NewClient(llmConfig(cfg.LLM, analysis.SystemPrompt))
	} else {
		appLogger.Warn("No LLM API key configured; scoring uses the keyword fallback and videos are not analyzed")
	}

	engine := scoring.NewEngine(scoringLLM, scoring.Config{
		BatchSize:         cfg.Scoring.BatchSize,
		Threshold:         cfg.Scoring.Threshold,
		BatchInterval:     cfg.Scoring.BatchInterval,
		FallbackRelevance: cfg.Scoring.FallbackRelevance,
		FallbackStage:     cfg.Scoring.FallbackStage,
	})

	analyzer := analysis.NewAnalyzer(
		transcript.NewTimedTextSource(cfg.Transcript.BaseURL, cfg.Transcript.Languages, time.Duration(cfg.Transcript.TimeoutSec)*time.Second),
		analysisLLM,
		store,
		analysis.Config{
			CacheTTL:        cfg.Analysis.CacheTTL,
			TranscriptLimit: cfg.Analysis.TranscriptLimit,
			MaxFresh:        cfg.Analysis.MaxFresh,
			Interval:        cfg.Analysis.Interval,
		},
	)

	researchCfg := research.Config{
		StaleAfter:   cfg.Research.StaleAfter,
		RunTimeout:   cfg.Research.RunTimeout,
		FeedCacheTTL: cfg.Research.FeedCacheTTL,
		FeedLimit:    cfg.Research.FeedLimit,
	}
	pipeline := research.NewPipeline(connectors, videos, engine, analyzer, sqliteClient, store, researchCfg)
	service := research.NewService(research.Dependencies{
		Corridors: sqliteClient,
		States:    sqliteClient,
		Feed:      sqliteClient,
		Cache:     store,
		Analyzer:  analyzer,
		Runner:    pipeline,
	}, researchCfg)

	if cfg.Research.SweepInterval > 0 {
		sweeper := research.NewStaleSweeper(service, cfg.Research.SweepInterval, cfg.Research.SweepBatch)
		go sweeper.Run(ctx)
	}

	app := fiber.New(fiber.Config{
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		BodyLimit:    cfg.Server.BodyLimit,
	})

	app.Use(recover.New())
	app.Use(logger.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: joinOrigins(cfg.Server.AllowedOrigins),
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-User-ID",
		AllowMethods: "GET, POST, OPTIONS",
	}))
	app.Use(security.HeadersMiddleware(security.HeadersConfig{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		IsDevelopment:  cfg.IsDevelopment(),
	}))

	triggerLimiter := ratelimit.New(ratelimit.Config{
		MaxRequestsPerMinute: cfg.Server.TriggerRateLimit,
		Logger:               appLogger.Named("ratelimit"),
	})
	defer triggerLimiter.Stop()

	researchHandler := handlers.NewResearchHandler(service)
	quotaHandler := handlers.NewQuotaHandler(ledger)
	healthHandler := handlers.NewHealthHandler(map[string]handlers.Pinger{"sqlite": sqliteClient})
	wsHandler := handlers.NewWebSocketHandler(service)

	api := app.Group("/api/v1", validation.Middleware(validation.Config{
		Logger: appLogger.Named("validation"),
	}))

	api.Get("/feed", researchHandler.GetFeed)
	api.Post("/corridors", researchHandler.RegisterCorridor)
	api.Get("/corridors/:id/research", researchHandler.GetResearchStatus)
	api.Post("/corridors/:id/research", triggerLimiter.Middleware(), researchHandler.TriggerResearch)
	api.Get("/videos/:id/analysis", researchHandler.GetVideoAnalysis)
	api.Get("/quota/:resource", quotaHandler.GetQuota)

	api.Get("/health", healthHandler.Health)
	api.Get("/ready", healthHandler.Ready)

	app.Use("/ws", wsHandler.Upgrade)
	app.Get("/ws/corridors/:id/research", websocket.New(wsHandler.HandleConnection))

	app.Get("/metrics", metrics.MetricsHandler())

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	appLogger.Info("Server starting", zap.String("address", addr))

	go func() {
		if err := app.Listen(addr); err != nil {
			appLogger.Fatal("Server failed to start", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	appLogger.Info("Server shutting down gracefully...")
	cancel()
	if err := app.Shutdown(); err != nil {
		appLogger.Error("Server shutdown failed", zap.Error(err))
	}

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer waitCancel()
	if err := service.Wait(waitCtx); err != nil {
		appLogger.Warn("Research runs still in flight at shutdown", zap.Error(err))
	}
	appLogger.Info("Server stopped")
}

func llmConfig(cfg config.LLMConfig, systemPrompt string) llm.Config {
	return llm.Config{
		APIKey:       cfg.APIKey,
		BaseURL:      cfg.BaseURL,
		Model:        cfg.Model,
		Temperature:  cfg.Temperature,
		MaxTokens:    cfg.MaxTokens,
		Timeout:      time.Duration(cfg.TimeoutSec) * time.Second,
		SystemPrompt: systemPrompt,
	}
}

func newCacheStore(ctx context.Context, cfg *config.Config, sqliteClient *sqlite.Client) cache.Store {
	switch cfg.Cache.Backend {
	case "redis":
		client, err := rediscache.NewClient(cfg.Redis.Host, cfg.Redis.Port, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			appLogger.Fatal("Failed to create Redis client", zap.Error(err))
		}
		appLogger.Info("Using Redis cache", zap.String("host", cfg.Redis.Host))
		return client

	case "memory":
		appLogger.Info("Using in-memory cache")
		return memory.NewStore()
	}

	store := sqliteClient.CacheStore()
	if cfg.Cache.PurgeInterval > 0 {
		go purgeExpired(ctx, store, cfg.Cache.PurgeInterval)
	}
	appLogger.Info("Using SQLite cache")
	return store
}

func purgeExpired(ctx context.Context, store *sqlite.CacheStore, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := store.PurgeExpired(ctx)
			if err != nil {
				appLogger.Warn("Failed to purge expired cache entries", zap.Error(err))
				continue
			}
			if n > 0 {
				appLogger.Debug("Purged expired cache entries", zap.Int64("entries", n))
			}
		}
	}
}

func joinOrigins(origins []string) string {
	if len(origins) == 0 {
		return "*"
	}
	out := origins[0]
	for _, o := range origins[1:] {
		out += ", " + o
	}
	return out
}
