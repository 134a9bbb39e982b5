package llm

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/govbudget/backend/pkg/logger"
)

// Classification is the model's routing decision for a query.
type Classification struct {
	Route    string           `json:"route"`
	Entities ClassifiedEntity `json:"entities"`
}

type ClassifiedEntity struct {
	Department     string   `json:"department"`
	Portfolio      string   `json:"portfolio"`
	Program        string   `json:"program"`
	FiscalYear     string   `json:"fiscal_year"`
	Aggregation    string   `json:"aggregation"`
	TopN           int      `json:"top_n"`
	CompareTargets []string `json:"compare_targets"`
	Subject        string   `json:"subject"`
}

const classifySystemPrompt = `You route questions about the Australian federal budget to a data backend.

Routes:
- SQL: aggregation over budget records (totals, averages, top N, comparisons by portfolio, department or program)
- RAG: lookup of individual finance, HR or procurement records (suppliers, contracts, employees, invoices)
- HYBRID: the question needs both an aggregate figure and specific records

Aggregations: sum, mean, top, compare, count.
Fiscal years look like 2024-25.

Reply with one JSON object only:
{"route": "SQL|RAG|HYBRID", "entities": {"department": "", "portfolio": "", "program": "", "fiscal_year": "", "aggregation": "", "top_n": 0, "compare_targets": [], "subject": ""}}`

// ClassifyQuery asks the model for a route and entities. The reply is not
// validated beyond JSON decoding.
func (c *Client) ClassifyQuery(ctx context.Context, query string) (*Classification, error) {
	resp, err := c.Complete(ctx, CompletionRequest{
		SystemPrompt: classifySystemPrompt,
		UserPrompt:   fmt.Sprintf("Question: %s", query),
		Temperature:  0.1,
		MaxTokens:    300,
		JSONMode:     true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to classify query: %w", err)
	}

	out, err := DecodeJSON[Classification](resp.Content)
	if err != nil {
		return nil, fmt.Errorf("failed to parse classification: %w", err)
	}
	return &out, nil
}

type AnswerRequest struct {
	Query      string
	Route      string
	SQLContext string
	RAGContext string
}

const answerSystemPrompt = `You are a government budget analyst answering questions from the public.

Your answers must:
1. Use ONLY the figures and records provided
2. Quote dollar amounts exactly as given
3. Cite record ids in [brackets] when referring to documents
4. Say plainly when the data does not cover the question

Be concise: at most two short paragraphs.`

func (c *Client) GenerateAnswer(ctx context.Context, req AnswerRequest) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Question: %s\nRoute: %s\n", req.Query, req.Route)
	if req.SQLContext != "" {
		fmt.Fprintf(&b, "\nBudget figures:\n%s\n", req.SQLContext)
	}
	if req.RAGContext != "" {
		fmt.Fprintf(&b, "\nRecords:\n%s\n", req.RAGContext)
	}

	resp, err := c.Complete(ctx, CompletionRequest{
		SystemPrompt: answerSystemPrompt,
		UserPrompt:   b.String(),
		Temperature:  0.2,
	})
	if err != nil {
		return "", fmt.Errorf("failed to generate answer: %w", err)
	}

	answer := strings.TrimSpace(thinkBlock.ReplaceAllString(resp.Content, ""))
	if answer == "" {
		return "", ErrEmptyCompletion
	}

	logger.Debug("Answer generated",
		zap.String("route", req.Route),
		zap.Int("answer_length", len(answer)),
	)
	return answer, nil
}

type EvaluationScore struct {
	Relevance      float64 `json:"relevance"`
	Accuracy       float64 `json:"accuracy"`
	Completeness   float64 `json:"completeness"`
	Classification string  `json:"classification"`
	Reasoning      string  `json:"reasoning"`
}

const evaluateSystemPrompt = `You grade answers about government budget data.

Rate each on a scale of 1-3:
1. relevance: does it address the question?
2. accuracy: does it agree with the expected answer?
3. completeness: does it include the figures or records asked for?

Reply with one JSON object only:
{"relevance": 3, "accuracy": 3, "completeness": 2, "classification": "fully_relevant|partially_relevant|irrelevant", "reasoning": "one sentence"}`

func (c *Client) EvaluateAnswer(ctx context.Context, query, answer, expected string) (*EvaluationScore, error) {
	resp, err := c.Complete(ctx, CompletionRequest{
		SystemPrompt: evaluateSystemPrompt,
		UserPrompt:   fmt.Sprintf("Question: %s\n\nAnswer: %s\n\nExpected: %s", query, answer, expected),
		Temperature:  0.1,
		MaxTokens:    300,
		JSONMode:     true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate answer: %w", err)
	}

	score, err := DecodeJSON[EvaluationScore](resp.Content)
	if err != nil {
		return nil, fmt.Errorf("failed to parse evaluation: %w", err)
	}
	return &score, nil
}
