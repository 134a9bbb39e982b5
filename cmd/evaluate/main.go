package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/govbudget/backend/internal/app"
	"github.com/govbudget/backend/internal/evaluation"
	"github.com/govbudget/backend/pkg/config"
	"github.com/govbudget/backend/pkg/logger"
)

func main() {
	configPath := flag.String("config", "", "path to config.yaml")
	datasetPath := flag.String("dataset", "data/eval_queries.yaml", "labelled query set")
	grade := flag.Bool("grade", false, "grade answers with the LLM when an expected answer is given")
	minAccuracy := flag.Float64("min-accuracy", 0, "exit non-zero when route accuracy falls below this fraction")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}
	// Evaluation runs must not pollute the audit log.
	cfg.Evidence.Persist = false

	if err := logger.Init("warn", "console", "stderr"); err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ds, err := evaluation.LoadDataset(*datasetPath)
	if err != nil {
		logger.Fatal("Failed to load dataset", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg)
	if err != nil {
		logger.Fatal("Failed to start query pipeline", zap.Error(err))
	}
	defer a.Close()

	var grader evaluation.Grader
	if *grade {
		if a.LLM == nil {
			logger.Fatal("Grading requires llm.apiKey")
		}
		grader = a.LLM
	}

	report, err := evaluation.NewEvaluator(a.Engine, grader, a.Embedder).Run(ctx, ds)
	if err != nil {
		logger.Fatal("Evaluation failed", zap.Error(err))
	}

	fmt.Print(evaluation.GenerateReport(report))

	if report.RouteAccuracy() < *minAccuracy {
		fmt.Printf("\nRoute accuracy %.2f is below the required %.2f\n", report.RouteAccuracy(), *minAccuracy)
		os.Exit(1)
	}
}
