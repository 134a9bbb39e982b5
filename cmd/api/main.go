package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/govbudget/backend/internal/api/handlers"
	"github.com/govbudget/backend/internal/app"
	"github.com/govbudget/backend/internal/metrics"
	"github.com/govbudget/backend/internal/middleware/ratelimit"
	"github.com/govbudget/backend/internal/middleware/security"
	"github.com/govbudget/backend/internal/middleware/validation"
	"github.com/govbudget/backend/pkg/config"
	appLogger "github.com/govbudget/backend/pkg/logger"
)

const maxQueryLength = 5000

func main() {
	configPath := flag.String("config", "", "path to config.yaml")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
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

	appLogger.Info("Starting Budget Chat API Server")
	metrics.Init()

	startCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	a, err := app.Build(startCtx, cfg)
	cancel()
	if err != nil {
		appLogger.Fatal("Failed to start query pipeline", zap.Error(err))
	}
	defer a.Close()

	server := fiber.New(fiber.Config{
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		BodyLimit:    cfg.Server.BodyLimit,
	})

	server.Use(recover.New())
	server.Use(logger.New())
	server.Use(cors.New(cors.Config{
		AllowOrigins: strings.Join(cfg.Server.AllowedOrigins, ","),
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-Session-ID",
		AllowMethods: "GET, POST, OPTIONS",
	}))
	server.Use(security.HeadersMiddleware(security.HeadersConfig{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		IsDevelopment:  cfg.Server.Development,
	}))

	limiter := ratelimit.New(ratelimit.Config{
		MaxRequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
	})
	defer limiter.Stop()

	var summaryCache handlers.SummaryCache
	if a.Cache != nil {
		summaryCache = a.Cache
	}

	queryHandler := handlers.NewQueryHandler(a.Engine)
	wsHandler := handlers.NewWebSocketHandler(a.Engine, maxQueryLength, 60*time.Second)
	auditHandler := handlers.NewAuditHandler(a.DB)
	datasetHandler := handlers.NewDatasetHandler(a.Store, summaryCache, time.Duration(cfg.Redis.TTLHours)*time.Hour, cfg.SQL.DefaultFiscalYear)
	documentHandler := handlers.NewDocumentHandler(a.Store)

	api := server.Group("/api/v1")
	api.Use(limiter.Middleware())
	api.Use(validation.Middleware(validation.Config{
		MaxQueryLength: maxQueryLength,
	}))

	api.Post("/query", queryHandler.HandleQuery)

	api.Get("/audit", auditHandler.ListAudit)
	api.Get("/audit/:audit_id", auditHandler.GetAudit)

	api.Get("/datasets/budget/summary", datasetHandler.GetBudgetSummary)
	api.Get("/datasets/budget/trends", datasetHandler.GetBudgetTrends)
	api.Get("/datasets/budget/search", datasetHandler.SearchBudget)
	api.Get("/datasets/portfolios", datasetHandler.ListPortfolios)
	api.Get("/datasets/departments", datasetHandler.ListDepartments)
	api.Get("/documents/:id", documentHandler.GetDocument)

	api.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "healthy",
			"time":   time.Now().Unix(),
		})
	})

	api.Get("/ready", func(c *fiber.Ctx) error {
		if !a.Store.Ready() {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"status": "loading"})
		}
		if err := a.DB.Ping(c.Context()); err != nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"status": "database_unavailable"})
		}
		return c.JSON(fiber.Map{
			"status":    "ready",
			"documents": a.Index.Len(),
		})
	})

	api.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	api.Get("/ws", websocket.New(wsHandler.HandleConnection))

	server.Get("/metrics", metrics.MetricsHandler())

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	appLogger.Info("Server starting", zap.String("address", addr))

	go func() {
		if err := server.Listen(addr); err != nil {
			appLogger.Fatal("Server failed to start", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	appLogger.Info("Server shutting down gracefully...")
	if err := server.ShutdownWithTimeout(10 * time.Second); err != nil {
		appLogger.Error("Server shutdown failed", zap.Error(err))
	}
	appLogger.Info("Server stopped")
}
