package query

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/govbudget/backend/internal/dataset"
	"github.com/govbudget/backend/internal/evidence"
	"github.com/govbudget/backend/internal/intent"
	"github.com/govbudget/backend/internal/llm"
	"github.com/govbudget/backend/internal/metrics"
	"github.com/govbudget/backend/internal/ragpath"
	"github.com/govbudget/backend/internal/sqlpath"
	"github.com/govbudget/backend/internal/trust"
	"github.com/govbudget/backend/internal/vector"
	"github.com/govbudget/backend/pkg/logger"
)

type Classifier interface {
	Classify(ctx context.Context, query string) intent.QueryIntent
}

type SQLExecutor interface {
	Execute(in intent.QueryIntent) (*sqlpath.Result, error)
}

type RAGExecutor interface {
	Execute(ctx context.Context, in intent.QueryIntent, topK int) (*ragpath.Result, error)
}

// Narrator turns path results into prose. Optional.
type Narrator interface {
	GenerateAnswer(ctx context.Context, req llm.AnswerRequest) (string, error)
}

type Recorder interface {
	Record(ctx context.Context, pkg *evidence.Package, sessionID, answer string)
}

type Config struct {
	TopK           int
	NarrateTimeout time.Duration
}

type Engine struct {
	classifier Classifier
	sql        SQLExecutor
	rag        RAGExecutor
	narrator   Narrator
	recorder   Recorder
	builder    *evidence.Builder
	cfg        Config
}

// NewEngine wires the pipeline. narrator and recorder may be nil.
func NewEngine(classifier Classifier, sql SQLExecutor, rag RAGExecutor, narrator Narrator, recorder Recorder, cfg Config) *Engine {
	if cfg.NarrateTimeout <= 0 {
		cfg.NarrateTimeout = 8 * time.Second
	}
	return &Engine{
		classifier: classifier,
		sql:        sql,
		rag:        rag,
		narrator:   narrator,
		recorder:   recorder,
		builder:    evidence.NewBuilder(),
		cfg:        cfg,
	}
}

type QueryRequest struct {
	Text      string
	SessionID string
	// Context carries optional client hints; "top_k" overrides the
	// number of documents retrieved.
	Context map[string]string
}

type QueryResponse struct {
	Route      intent.Route       `json:"route"`
	Intent     intent.QueryIntent `json:"intent"`
	AnswerText string             `json:"answer_text"`
	Evidence   *evidence.Package  `json:"evidence_package"`
	TrustScore float64            `json:"trust_score"`
	TrustLevel trust.Level        `json:"trust_level"`
	SQL        *sqlpath.Result    `json:"sql_result,omitempty"`
	RAG        *ragpath.Result    `json:"rag_result,omitempty"`
	Degraded   bool               `json:"degraded"`
}

// IsFatal reports whether err means a backing store is gone and the query
// cannot be answered at all.
func IsFatal(err error) bool {
	return errors.Is(err, dataset.ErrUnavailable) || errors.Is(err, vector.ErrUnavailable)
}

// run holds the outcome of the executed paths. A nil result means the path
// did not run or failed.
type run struct {
	route    intent.Route
	sql      *sqlpath.Result
	rag      *ragpath.Result
	degraded bool
}

func (e *Engine) ProcessQuery(ctx context.Context, req QueryRequest) (*QueryResponse, error) {
	startTime := time.Now()
	queryID := uuid.New().String()

	logger.Info("Processing query",
		zap.String("query_id", queryID),
		zap.String("session_id", req.SessionID),
		zap.Int("query_length", len(req.Text)),
	)

	qi := e.classifier.Classify(ctx, req.Text)
	if qi.Enhanced {
		metrics.ClassifierEnhanced.WithLabelValues("enhanced").Inc()
	} else {
		metrics.ClassifierEnhanced.WithLabelValues("rules").Inc()
	}
	logger.Debug("Query classified",
		zap.String("query_id", queryID),
		zap.String("route", string(qi.Route)),
		zap.Float64("confidence", qi.Confidence),
		zap.Bool("enhanced", qi.Enhanced),
	)

	r, err := e.execute(ctx, qi, e.topK(req.Context))
	if err != nil {
		metrics.QueryTotal.WithLabelValues(string(qi.Route), "error").Inc()
		logger.Error("Query failed",
			zap.String("query_id", queryID),
			zap.String("route", string(qi.Route)),
			zap.Error(err),
		)
		return nil, err
	}

	// Only model-written prose is checked for hedging; the template answer
	// quotes record text verbatim.
	var generated []string
	answer := renderAnswer(r.route, r.sql, r.rag)
	if e.narrator != nil {
		narrated, err := e.narrate(ctx, req.Text, r)
		if err != nil {
			logger.Warn("Narration failed, using template answer", zap.String("query_id", queryID), zap.Error(err))
			metrics.DegradedTotal.WithLabelValues("narration").Inc()
			r.degraded = true
		} else {
			answer = narrated
			generated = append(generated, narrated)
		}
	}

	// A fallback is scored against the route the question asked for, so it
	// never outscores a healthy answer on that route.
	score := trust.Score(qi.Route, r.sql, r.rag, generated...)
	elapsed := time.Since(startTime)

	pkg := e.builder.Build(evidence.Input{
		Query:      req.Text,
		Route:      r.route,
		SQL:        r.sql,
		RAG:        r.rag,
		TrustScore: score,
		Elapsed:    elapsed,
		Degraded:   r.degraded,
	})
	if e.recorder != nil {
		e.recorder.Record(ctx, pkg, req.SessionID, answer)
	}

	status := "success"
	if r.degraded {
		status = "degraded"
	}
	metrics.QueryTotal.WithLabelValues(string(r.route), status).Inc()
	metrics.QueryDuration.WithLabelValues(string(r.route)).Observe(elapsed.Seconds())
	metrics.TrustScore.WithLabelValues(string(r.route)).Observe(score)

	logger.Info("Query processed successfully",
		zap.String("query_id", queryID),
		zap.String("audit_id", pkg.AuditID()),
		zap.String("route", string(r.route)),
		zap.Float64("trust_score", score),
		zap.Bool("degraded", r.degraded),
		zap.Int64("latency_ms", elapsed.Milliseconds()),
	)

	return &QueryResponse{
		Route:      r.route,
		Intent:     qi,
		AnswerText: answer,
		Evidence:   pkg,
		TrustScore: score,
		TrustLevel: trust.LevelOf(score),
		SQL:        r.sql,
		RAG:        r.rag,
		Degraded:   r.degraded,
	}, nil
}

func (e *Engine) topK(hints map[string]string) int {
	if v, ok := hints["top_k"]; ok {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return e.cfg.TopK
}

func (e *Engine) execute(ctx context.Context, qi intent.QueryIntent, topK int) (*run, error) {
	switch qi.Route {
	case intent.RouteRAG:
		return e.executeRAG(ctx, qi, topK)
	case intent.RouteHybrid:
		return e.executeHybrid(ctx, qi, topK)
	default:
		res, err := e.runSQL(qi)
		if err != nil {
			return nil, err
		}
		return &run{route: intent.RouteSQL, sql: res}, nil
	}
}

// executeRAG falls back to the SQL path when retrieval fails for a reason
// other than a missing store.
func (e *Engine) executeRAG(ctx context.Context, qi intent.QueryIntent, topK int) (*run, error) {
	res, ragErr := e.runRAG(ctx, qi, topK)
	if ragErr == nil {
		return &run{route: intent.RouteRAG, rag: res}, nil
	}
	if IsFatal(ragErr) {
		return nil, ragErr
	}

	logger.Warn("RAG path failed, falling back to SQL path", zap.Error(ragErr))
	metrics.DegradedTotal.WithLabelValues("rag_fallback").Inc()

	sqlRes, err := e.runSQL(qi)
	if err != nil {
		return nil, fmt.Errorf("rag path failed (%v) and sql fallback failed: %w", ragErr, err)
	}
	return &run{route: intent.RouteSQL, sql: sqlRes, degraded: true}, nil
}

// executeHybrid runs both paths concurrently. A failed RAG path degrades
// the answer to SQL only; a failed SQL path is always fatal.
func (e *Engine) executeHybrid(ctx context.Context, qi intent.QueryIntent, topK int) (*run, error) {
	var (
		sqlRes *sqlpath.Result
		ragRes *ragpath.Result
		ragErr error
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		res, err := e.runSQL(qi)
		if err != nil {
			return err
		}
		sqlRes = res
		return nil
	})
	g.Go(func() error {
		res, err := e.runRAG(gctx, qi, topK)
		if err != nil {
			if IsFatal(err) {
				return err
			}
			ragErr = err
			return nil
		}
		ragRes = res
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := &run{route: intent.RouteHybrid, sql: sqlRes, rag: ragRes}
	if ragErr != nil {
		logger.Warn("RAG path failed, answering from SQL path only", zap.Error(ragErr))
		metrics.DegradedTotal.WithLabelValues("rag_hybrid").Inc()
		out.degraded = true
	}
	return out, nil
}

func (e *Engine) runSQL(qi intent.QueryIntent) (*sqlpath.Result, error) {
	res, err := e.sql.Execute(qi)
	if err != nil {
		return nil, fmt.Errorf("sql path: %w", err)
	}
	metrics.PathResultsCount.WithLabelValues("sql").Observe(float64(res.RecordCount))
	return res, nil
}

func (e *Engine) runRAG(ctx context.Context, qi intent.QueryIntent, topK int) (*ragpath.Result, error) {
	res, err := e.rag.Execute(ctx, qi, topK)
	if err != nil {
		return nil, fmt.Errorf("rag path: %w", err)
	}
	metrics.PathResultsCount.WithLabelValues("rag").Observe(float64(res.RecordCount))
	return res, nil
}

func (e *Engine) narrate(ctx context.Context, query string, r *run) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.NarrateTimeout)
	defer cancel()

	req := llm.AnswerRequest{Query: query, Route: string(r.route)}
	if r.sql != nil {
		req.SQLContext = formatSQLContext(r.sql)
	}
	if r.rag != nil {
		req.RAGContext = formatRAGContext(r.rag)
	}
	return e.narrator.GenerateAnswer(ctx, req)
}
