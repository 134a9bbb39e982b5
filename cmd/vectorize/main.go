package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/govbudget/backend/internal/app"
	"github.com/govbudget/backend/internal/ingestion"
	"github.com/govbudget/backend/internal/storage/models"
	"github.com/govbudget/backend/pkg/config"
	"github.com/govbudget/backend/pkg/logger"
)

func main() {
	configPath := flag.String("config", "", "path to config.yaml")
	force := flag.Bool("force", false, "drop existing vectors and embed every record again")
	statsOnly := flag.Bool("stats-only", false, "print vector counts without embedding")
	sources := flag.String("sources", "", "comma-separated record sources (default: all)")
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

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.Open(ctx, cfg)
	if err != nil {
		logger.Fatal("Failed to open backing stores", zap.Error(err))
	}
	defer a.Close()

	if *statsOnly {
		printStats(ctx, a)
		return
	}

	opts := ingestion.Options{Force: *force}
	for _, s := range strings.Split(*sources, ",") {
		if s = strings.TrimSpace(s); s != "" {
			opts.Sources = append(opts.Sources, models.RecordSource(s))
		}
	}

	var sink ingestion.VectorSink
	if a.Milvus != nil {
		sink = a.Milvus
	}

	result, err := ingestion.NewProcessor(a.DB, a.Embedder, sink).Vectorize(ctx, opts)
	if err != nil {
		logger.Fatal("Vectorisation failed", zap.Error(err))
	}

	fmt.Printf("Embedder: %s\n", a.Embedder.Version())
	for _, source := range sortedSources(result.Embedded) {
		fmt.Printf("  %-20s %d embedded\n", source, result.Embedded[source])
	}
	fmt.Printf("Embedded %d, skipped %d unchanged, %d failed\n", result.TotalEmbedded(), result.Skipped, len(result.Errors))
	for _, e := range result.Errors {
		fmt.Printf("  error: %s\n", e)
	}
	if len(result.Errors) > 0 {
		os.Exit(2)
	}
}

func printStats(ctx context.Context, a *app.App) {
	docs, err := a.DB.LoadDocuments(ctx)
	if err != nil {
		logger.Fatal("Failed to load vectors", zap.Error(err))
	}
	counts := make(map[models.RecordSource]int)
	versions := make(map[string]int)
	for _, d := range docs {
		counts[d.Source]++
		versions[d.EmbedderVersion]++
	}

	fmt.Printf("Vectors: %d\n", len(docs))
	for _, source := range sortedSources(counts) {
		fmt.Printf("  %-20s %d\n", source, counts[source])
	}
	for v, n := range versions {
		marker := ""
		if v != a.Embedder.Version() {
			marker = " (stale, re-run with --force)"
		}
		fmt.Printf("  embedder %s: %d%s\n", v, n, marker)
	}
}

func sortedSources(m map[models.RecordSource]int) []models.RecordSource {
	out := make([]models.RecordSource, 0, len(m))
	for s := range m {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
