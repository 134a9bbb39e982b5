package metrics

import (
	"sync"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	QueryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "budget_chat_query_duration_seconds",
			Help:    "Query processing duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
		},
		[]string{"route"},
	)

	QueryTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "budget_chat_query_total",
			Help: "Total number of queries processed",
		},
		[]string{"route", "status"},
	)

	ClassifierEnhanced = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "budget_chat_classifier_llm_total",
			Help: "Classifications by whether the LLM phase succeeded",
		},
		[]string{"outcome"},
	)

	PathResultsCount = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "budget_chat_path_results_count",
			Help:    "Number of records or documents returned per executed path",
			Buckets: []float64{0, 1, 2, 5, 10, 20, 50, 100},
		},
		[]string{"path"},
	)

	DegradedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "budget_chat_degraded_total",
			Help: "Queries answered with a fallback after an upstream failure",
		},
		[]string{"reason"},
	)

	TrustScore = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "budget_chat_trust_score",
			Help:    "Trust scores of answered queries",
			Buckets: []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0},
		},
		[]string{"route"},
	)

	LLMTokensUsed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "budget_chat_llm_tokens_used",
			Help: "Total LLM tokens used",
		},
		[]string{"model", "type"},
	)

	CacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "budget_chat_cache_hits_total",
			Help: "Total cache hits",
		},
		[]string{"cache_type"},
	)

	CacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "budget_chat_cache_misses_total",
			Help: "Total cache misses",
		},
		[]string{"cache_type"},
	)

	DocumentsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "budget_chat_documents_processed_total",
			Help: "Business records seen by the vectoriser",
		},
		[]string{"source", "result"},
	)

	DocumentsIndexed = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "budget_chat_documents_indexed",
			Help: "Documents in the embedding index",
		},
	)

	BudgetRecordsLoaded = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "budget_chat_budget_records_loaded",
			Help: "Budget records in the dataset store",
		},
	)

	EvidenceWriteFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "budget_chat_evidence_write_failures_total",
			Help: "Evidence packages that could not be persisted",
		},
	)
)

var initOnce sync.Once

func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(QueryDuration)
		prometheus.MustRegister(QueryTotal)
		prometheus.MustRegister(ClassifierEnhanced)
		prometheus.MustRegister(PathResultsCount)
		prometheus.MustRegister(DegradedTotal)
		prometheus.MustRegister(TrustScore)
		prometheus.MustRegister(LLMTokensUsed)
		prometheus.MustRegister(CacheHits)
		prometheus.MustRegister(CacheMisses)
		prometheus.MustRegister(DocumentsProcessed)
		prometheus.MustRegister(DocumentsIndexed)
		prometheus.MustRegister(BudgetRecordsLoaded)
		prometheus.MustRegister(EvidenceWriteFailures)
	})
}

func MetricsHandler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.Handler())
}
