package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/govbudget/backend/internal/app"
	"github.com/govbudget/backend/internal/seed"
	"github.com/govbudget/backend/pkg/config"
	"github.com/govbudget/backend/pkg/logger"
)

func main() {
	configPath := flag.String("config", "", "path to config.yaml")
	fixturePath := flag.String("fixtures", "data/budget_seed.yaml", "YAML fixture file")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if err := logger.Init(cfg.Logging.Level, "console", "stdout"); err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	fixtures, err := seed.LoadFile(*fixturePath)
	if err != nil {
		logger.Fatal("Failed to load fixtures", zap.Error(err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	a, err := app.Open(ctx, cfg)
	if err != nil {
		logger.Fatal("Failed to open backing stores", zap.Error(err))
	}
	defer a.Close()

	if err := fixtures.Apply(ctx, a.DB); err != nil {
		logger.Fatal("Failed to apply fixtures", zap.Error(err))
	}

	if a.Cache != nil {
		if err := a.Cache.Invalidate(ctx, "summary"); err != nil {
			logger.Warn("Failed to invalidate cached summaries", zap.Error(err))
		}
	}

	fmt.Printf("Seeded %d budget records and %d business records from %s\n",
		len(fixtures.Budget), len(fixtures.Business), *fixturePath)
	fmt.Println("Run vectorize to embed the business records.")
}
