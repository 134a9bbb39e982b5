package evaluation

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/govbudget/backend/internal/embedding"
	"github.com/govbudget/backend/internal/intent"
	"github.com/govbudget/backend/internal/llm"
	"github.com/govbudget/backend/internal/query"
	"github.com/govbudget/backend/internal/vector"
	"github.com/govbudget/backend/pkg/logger"
)

type Engine interface {
	ProcessQuery(ctx context.Context, req query.QueryRequest) (*query.QueryResponse, error)
}

// Grader scores an answer against an expected one.
type Grader interface {
	EvaluateAnswer(ctx context.Context, query, answer, expected string) (*llm.EvaluationScore, error)
}

// Case is one labelled query.
type Case struct {
	Query    string       `yaml:"query"`
	Route    intent.Route `yaml:"route"`
	Expected string       `yaml:"expected,omitempty"`
}

type Dataset struct {
	Cases []Case `yaml:"cases"`
}

type ItemResult struct {
	Query          string
	Expected       intent.Route
	Predicted      intent.Route
	Executed       intent.Route
	TrustScore     float64
	Degraded       bool
	Classification string
	Similarity     float64
	Err            string
}

func (r ItemResult) Correct() bool {
	return r.Err == "" && r.Predicted == r.Expected
}

type RouteStats struct {
	Total   int
	Correct int
}

func (s RouteStats) Accuracy() float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.Correct) / float64(s.Total)
}

type Report struct {
	Items     []ItemResult
	Total     int
	Correct   int
	Failures  int
	Degraded  int
	PerRoute  map[intent.Route]*RouteStats
	Confusion map[intent.Route]map[intent.Route]int
	MeanTrust float64

	Graded                  int
	IrrelevantCount         int
	PartiallyRelevantCount  int
	FullyRelevantCount      int
	AvgRelevanceScore       float64
	AvgAccuracyScore        float64
	AvgCompletenessScore    float64
	AvgSimilarity           float64
	FullyRelevantPercentage float64
}

func (r *Report) RouteAccuracy() float64 {
	if r.Total == 0 {
		return 0
	}
	return float64(r.Correct) / float64(r.Total)
}

type Evaluator struct {
	engine   Engine
	grader   Grader
	embedder embedding.Embedder
}

// NewEvaluator builds an evaluator. grader and embedder are optional and only
// used for cases that carry an expected answer.
func NewEvaluator(engine Engine, grader Grader, embedder embedding.Embedder) *Evaluator {
	return &Evaluator{
		engine:   engine,
		grader:   grader,
		embedder: embedder,
	}
}

func LoadDataset(path string) (*Dataset, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read dataset: %w", err)
	}
	return ParseDataset(raw)
}

func ParseDataset(raw []byte) (*Dataset, error) {
	var ds Dataset
	if err := yaml.Unmarshal(raw, &ds); err != nil {
		return nil, fmt.Errorf("failed to unmarshal dataset: %w", err)
	}
	for i, c := range ds.Cases {
		route, ok := intent.ParseRoute(string(c.Route))
		if !ok {
			return nil, fmt.Errorf("case %d: unknown route %q", i+1, c.Route)
		}
		ds.Cases[i].Route = route
	}
	return &ds, nil
}

// Run sends every case through the engine and aggregates routing accuracy
// and trust. A case whose query fails counts as incorrect.
func (e *Evaluator) Run(ctx context.Context, ds *Dataset) (*Report, error) {
	logger.Info("Running evaluation", zap.Int("cases", len(ds.Cases)))

	report := &Report{
		Total:     len(ds.Cases),
		PerRoute:  make(map[intent.Route]*RouteStats),
		Confusion: make(map[intent.Route]map[intent.Route]int),
	}

	var totalTrust, totalRelevance, totalAccuracy, totalCompleteness, totalSimilarity float64
	var answered, similarities int

	for i, c := range ds.Cases {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		item := ItemResult{Query: c.Query, Expected: c.Route}
		resp, err := e.engine.ProcessQuery(ctx, query.QueryRequest{
			Text:      c.Query,
			SessionID: fmt.Sprintf("eval_%d", i),
		})
		if err != nil {
			item.Err = err.Error()
			report.Failures++
			logger.Warn("Evaluation query failed", zap.String("query", c.Query), zap.Error(err))
		} else {
			item.Predicted = resp.Intent.Route
			item.Executed = resp.Route
			item.TrustScore = resp.TrustScore
			item.Degraded = resp.Degraded
			totalTrust += resp.TrustScore
			answered++
			if resp.Degraded {
				report.Degraded++
			}

			if c.Expected != "" {
				e.grade(ctx, c, resp.AnswerText, &item, report, &totalRelevance, &totalAccuracy, &totalCompleteness)
				if sim, ok := e.similarity(ctx, resp.AnswerText, c.Expected); ok {
					item.Similarity = sim
					totalSimilarity += sim
					similarities++
				}
			}
		}

		stats := report.PerRoute[c.Route]
		if stats == nil {
			stats = &RouteStats{}
			report.PerRoute[c.Route] = stats
		}
		stats.Total++
		if item.Correct() {
			stats.Correct++
			report.Correct++
		}
		if item.Predicted != "" {
			row := report.Confusion[c.Route]
			if row == nil {
				row = make(map[intent.Route]int)
				report.Confusion[c.Route] = row
			}
			row[item.Predicted]++
		}

		report.Items = append(report.Items, item)
	}

	if answered > 0 {
		report.MeanTrust = totalTrust / float64(answered)
	}
	if report.Graded > 0 {
		n := float64(report.Graded)
		report.AvgRelevanceScore = totalRelevance / n
		report.AvgAccuracyScore = totalAccuracy / n
		report.AvgCompletenessScore = totalCompleteness / n
		report.FullyRelevantPercentage = float64(report.FullyRelevantCount) / n * 100
	}
	if similarities > 0 {
		report.AvgSimilarity = totalSimilarity / float64(similarities)
	}

	logger.Info("Evaluation completed",
		zap.Int("total", report.Total),
		zap.Int("correct", report.Correct),
		zap.Float64("route_accuracy", report.RouteAccuracy()),
		zap.Float64("mean_trust", report.MeanTrust),
	)
	return report, nil
}

func (e *Evaluator) grade(ctx context.Context, c Case, answer string, item *ItemResult, report *Report, relevance, accuracy, completeness *float64) {
	if e.grader == nil {
		return
	}
	score, err := e.grader.EvaluateAnswer(ctx, c.Query, answer, c.Expected)
	if err != nil {
		logger.Warn("Failed to grade answer", zap.String("query", c.Query), zap.Error(err))
		return
	}

	item.Classification = score.Classification
	report.Graded++
	switch score.Classification {
	case "irrelevant":
		report.IrrelevantCount++
	case "partially_relevant":
		report.PartiallyRelevantCount++
	case "fully_relevant":
		report.FullyRelevantCount++
	}
	*relevance += score.Relevance
	*accuracy += score.Accuracy
	*completeness += score.Completeness
}

func (e *Evaluator) similarity(ctx context.Context, answer, expected string) (float64, bool) {
	if e.embedder == nil {
		return 0, false
	}
	a, err := e.embedder.Embed(ctx, answer)
	if err != nil {
		logger.Warn("Failed to embed answer", zap.Error(err))
		return 0, false
	}
	b, err := e.embedder.Embed(ctx, expected)
	if err != nil {
		logger.Warn("Failed to embed expected answer", zap.Error(err))
		return 0, false
	}
	return vector.Cosine(a, b), true
}

var routeOrder = []intent.Route{intent.RouteSQL, intent.RouteRAG, intent.RouteHybrid}

func GenerateReport(report *Report) string {
	var b strings.Builder

	fmt.Fprintf(&b, "\nEvaluation Report\n=================\n\n")
	fmt.Fprintf(&b, "Total Queries: %d\n", report.Total)
	fmt.Fprintf(&b, "Route Accuracy: %d/%d (%.1f%%)\n", report.Correct, report.Total, report.RouteAccuracy()*100)
	fmt.Fprintf(&b, "Failures: %d\n", report.Failures)
	fmt.Fprintf(&b, "Degraded: %d\n", report.Degraded)
	fmt.Fprintf(&b, "Mean Trust Score: %.2f\n", report.MeanTrust)

	b.WriteString("\nPer Route:\n")
	for _, route := range routeOrder {
		stats, ok := report.PerRoute[route]
		if !ok {
			continue
		}
		fmt.Fprintf(&b, "- %s: %d/%d (%.1f%%)\n", route, stats.Correct, stats.Total, stats.Accuracy()*100)
	}

	misses := make([]string, 0)
	for _, item := range report.Items {
		if item.Correct() {
			continue
		}
		got := string(item.Predicted)
		if item.Err != "" {
			got = "error: " + item.Err
		}
		misses = append(misses, fmt.Sprintf("- %q expected %s, got %s", item.Query, item.Expected, got))
	}
	if len(misses) > 0 {
		sort.Strings(misses)
		b.WriteString("\nMisrouted:\n")
		b.WriteString(strings.Join(misses, "\n"))
		b.WriteString("\n")
	}

	if report.Graded > 0 {
		fmt.Fprintf(&b, "\nGraded Answers: %d\n", report.Graded)
		fmt.Fprintf(&b, "- Irrelevant: %d\n", report.IrrelevantCount)
		fmt.Fprintf(&b, "- Partially Relevant: %d\n", report.PartiallyRelevantCount)
		fmt.Fprintf(&b, "- Fully Relevant: %d (%.1f%%)\n", report.FullyRelevantCount, report.FullyRelevantPercentage)
		fmt.Fprintf(&b, "- Relevance: %.2f / 3.0\n", report.AvgRelevanceScore)
		fmt.Fprintf(&b, "- Accuracy: %.2f / 3.0\n", report.AvgAccuracyScore)
		fmt.Fprintf(&b, "- Completeness: %.2f / 3.0\n", report.AvgCompletenessScore)
	}
	if report.AvgSimilarity != 0 {
		fmt.Fprintf(&b, "\nCosine Similarity: %.3f\n", report.AvgSimilarity)
	}

	return b.String()
}
