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

	"github.com/cliniquery/backend/internal/api/handlers"
	"github.com/cliniquery/backend/internal/audit"
	"github.com/cliniquery/backend/internal/cache"
	"github.com/cliniquery/backend/internal/catalog"
	"github.com/cliniquery/backend/internal/execute"
	"github.com/cliniquery/backend/internal/inference"
	"github.com/cliniquery/backend/internal/metrics"
	"github.com/cliniquery/backend/internal/middleware/ratelimit"
	"github.com/cliniquery/backend/internal/middleware/security"
	"github.com/cliniquery/backend/internal/middleware/validation"
	"github.com/cliniquery/backend/internal/pipeline"
	"github.com/cliniquery/backend/internal/preprocess"
	"github.com/cliniquery/backend/internal/score"
	"github.com/cliniquery/backend/internal/sqlsafe"
	"github.com/cliniquery/backend/pkg/config"
	appLogger "github.com/cliniquery/backend/pkg/logger"
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

	appLogger.Info("Starting CliniQuery API Server")

	metrics.Init()

	auditStore, err := audit.NewStore(cfg.Audit.Path)
	if err != nil {
		appLogger.Fatal("Failed to open audit store", zap.Error(err))
	}
	defer auditStore.Close()

	if err := auditStore.InitSchema(); err != nil {
		appLogger.Fatal("Failed to initialize audit schema", zap.Error(err))
	}

	startCtx, cancelStart := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelStart()

	introspectDB, err := catalog.OpenDB(startCtx, cfg.Postgres.DSN, cfg.Postgres.MaxOpenConns, cfg.Postgres.MaxIdleConns)
	if err != nil {
		appLogger.Fatal("Failed to connect to clinical database", zap.Error(err))
	}
	defer introspectDB.Close()

	// Execution runs over a separate pool authenticated as the read-only
	// role, so a validator bug still cannot write.
	readOnlyDB, err := catalog.OpenDB(startCtx, cfg.Postgres.ReadOnlyDSN, cfg.Postgres.MaxOpenConns, cfg.Postgres.MaxIdleConns)
	if err != nil {
		appLogger.Fatal("Failed to connect with read-only role", zap.Error(err))
	}
	defer readOnlyDB.Close()

	schemaCatalog := catalog.New(catalog.NewPostgresLoader(introspectDB, cfg.Postgres.Schema))
	if err := schemaCatalog.Refresh(startCtx); err != nil {
		appLogger.Fatal("Failed to load schema catalog", zap.Error(err))
	}
	appLogger.Info("Schema catalog loaded",
		zap.String("version", schemaCatalog.Current().Version),
		zap.Int("tables", len(schemaCatalog.Current().TableNames())),
	)

	catalogCtx, stopCatalog := context.WithCancel(context.Background())
	defer stopCatalog()
	go schemaCatalog.Run(catalogCtx, time.Duration(cfg.Pipeline.RefreshIntervalSec)*time.Second)

	var cacheStore cache.Store
	redisStore, err := cache.NewRedisStore(cfg.Redis.Host, cfg.Redis.Port, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		appLogger.Warn("Redis unavailable, using in-process cache", zap.Error(err))
		cacheStore = cache.NewMemoryStore()
	} else {
		cacheStore = redisStore
	}

	queryCache := cache.New(cacheStore, cache.Config{
		TTL:     time.Duration(cfg.Pipeline.CacheTTLSec) * time.Second,
		MaxWait: time.Duration(cfg.Pipeline.CacheMaxWaitMS) * time.Millisecond,
	})

	generator := inference.NewClient(cfg.Inference.APIKey, inference.Config{
		Model:       cfg.Inference.Model,
		Temperature: cfg.Inference.Temperature,
		MaxTokens:   cfg.Inference.MaxTokens,
		Timeout:     time.Duration(cfg.Inference.TimeoutSec) * time.Second,
		BeamWidth:   cfg.Inference.BeamWidth,
	})

	scorer := score.NewScorer(score.Config{
		AutoExecuteThreshold: cfg.Pipeline.AutoExecuteThreshold,
		ModelWeight:          cfg.Pipeline.ModelWeight,
		ValidationWeight:     cfg.Pipeline.ValidationWeight,
		HistoryWeight:        cfg.Pipeline.HistoryWeight,
		DefaultAccuracy:      cfg.Pipeline.DefaultAccuracy,
	}, auditStore)

	auditStream := audit.NewStream()

	queryPipeline := pipeline.New(pipeline.Deps{
		Preprocessor: preprocess.New(cfg.Pipeline.MaxQueryLength),
		Catalog:      schemaCatalog,
		Generator:    generator,
		Validator:    sqlsafe.NewValidator(cfg.Pipeline.MaxRows),
		Scorer:       scorer,
		Cache:        queryCache,
		Executor:     execute.NewEngine(readOnlyDB, time.Duration(cfg.Pipeline.ExecTimeoutSec)*time.Second),
		Auditor:      auditStore,
		Stream:       auditStream,
	}, pipeline.Config{
		MaxConcurrent: cfg.Pipeline.MaxConcurrent,
	})

	app := fiber.New(fiber.Config{
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		BodyLimit:    cfg.Server.BodyLimit,
	})

	app.Use(recover.New())
	app.Use(logger.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-User-ID",
		AllowMethods: "GET, POST, OPTIONS",
	}))
	app.Use(security.HeadersMiddleware(security.HeadersConfig{}))

	limiter := ratelimit.New(ratelimit.Config{
		MaxRequestsPerMinute: cfg.Pipeline.RateLimitPerMinute,
		Logger:               appLogger.GetLogger(),
	})
	defer limiter.Stop()
	app.Use(limiter.Middleware())
	app.Use(validation.Middleware(validation.Config{
		MaxQueryLength: cfg.Pipeline.MaxQueryLength,
		Logger:         appLogger.GetLogger(),
	}))

	queryHandler := handlers.NewQueryHandler(queryPipeline)
	feedbackHandler := handlers.NewFeedbackHandler(queryPipeline)
	auditHandler := handlers.NewAuditHandler(auditStore, auditStream)
	adminHandler := handlers.NewAdminHandler(queryCache, schemaCatalog)

	api := app.Group("/api/v1")

	api.Post("/query", queryHandler.HandleQuery)
	api.Post("/feedback", feedbackHandler.HandleFeedback)

	api.Get("/audit", auditHandler.HandleQuery)
	api.Get("/audit/stream", websocket.New(auditHandler.HandleStream))

	api.Post("/admin/cache/invalidate", adminHandler.HandleInvalidateCache)
	api.Post("/admin/schema/refresh", adminHandler.HandleRefreshSchema)

	api.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "healthy",
			"time":   time.Now().Unix(),
		})
	})

	api.Get("/ready", func(c *fiber.Ctx) error {
		if schemaCatalog.Current() == nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
				"status": "schema catalog not loaded",
			})
		}
		if err := readOnlyDB.PingContext(c.Context()); err != nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
				"status": "database unreachable",
			})
		}
		return c.JSON(fiber.Map{
			"status": "ready",
		})
	})

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
	app.Shutdown()
	appLogger.Info("Server stopped")
}
