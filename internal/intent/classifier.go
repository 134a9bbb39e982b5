package intent

import (
	"context"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/govbudget/backend/internal/dataset"
	"github.com/govbudget/backend/internal/llm"
	"github.com/govbudget/backend/pkg/logger"
)

const (
	baselineConfidence = 0.5
	signalStep         = 0.1
	signalCap          = 0.3
	enhancedBonus      = 0.1
)

// Aggregation verbs; any of them is a SQL signal.
var sqlKeywords = []string{
	"total", "sum", "average", "mean", "top", "compare", "highest", "lowest",
	"how much", "how many", "largest", "biggest", "versus", "vs",
}

// Lookup phrases; any of them is a RAG signal.
var ragPhrases = []string{
	"find", "details about", "details of", "tell me about", "show me details",
	"information about", "record for", "records for", "look up",
}

// Capitalised words that name budget concepts rather than a lookup target.
var domainWords = map[string]struct{}{
	"budget": {}, "budgets": {}, "department": {}, "departments": {}, "portfolio": {},
	"portfolios": {}, "program": {}, "programs": {}, "programme": {}, "government": {},
	"federal": {}, "australian": {}, "australia": {}, "commonwealth": {}, "fy": {},
	"financial": {}, "fiscal": {}, "year": {}, "aud": {}, "i": {},
	"january": {}, "february": {}, "march": {}, "april": {}, "may": {}, "june": {},
	"july": {}, "august": {}, "september": {}, "october": {}, "november": {}, "december": {},
	"jan": {}, "feb": {}, "mar": {}, "apr": {}, "jun": {}, "jul": {}, "aug": {},
	"sep": {}, "sept": {}, "oct": {}, "nov": {}, "dec": {},
	"q1": {}, "q2": {}, "q3": {}, "q4": {}, "quarter": {},
}

// VocabularySource supplies the entity names present in the dataset.
type VocabularySource interface {
	Vocabulary() (dataset.Vocabulary, error)
}

// LLM classifies a query remotely.
type LLM interface {
	ClassifyQuery(ctx context.Context, query string) (*llm.Classification, error)
}

type Config struct {
	// MaxSlotWindow is the number of runes scanned; longer input is clipped.
	MaxSlotWindow     int
	DefaultFiscalYear string
	DefaultTopN       int
	// Aliases maps colloquial names onto dataset names, e.g. "health".
	Aliases    map[string]string
	LLMTimeout time.Duration
}

type Classifier struct {
	cfg      Config
	vocab    VocabularySource
	detector ProperNounDetector
	model    LLM
}

// NewClassifier builds a classifier. detector and model may be nil; without a
// model only the deterministic rules run.
func NewClassifier(cfg Config, vocab VocabularySource, detector ProperNounDetector, model LLM) *Classifier {
	if cfg.MaxSlotWindow <= 0 {
		cfg.MaxSlotWindow = 2000
	}
	if cfg.DefaultFiscalYear == "" {
		cfg.DefaultFiscalYear = "2024-25"
	}
	if cfg.DefaultTopN <= 0 {
		cfg.DefaultTopN = 10
	}
	if cfg.LLMTimeout <= 0 {
		cfg.LLMTimeout = 8 * time.Second
	}
	return &Classifier{cfg: cfg, vocab: vocab, detector: detector, model: model}
}

// Classify never fails: an unavailable or misbehaving LLM leaves the
// rule-based result untouched.
func (c *Classifier) Classify(ctx context.Context, query string) QueryIntent {
	base := c.ClassifyRules(query)
	if c.model == nil || base.Entities.Ambiguous {
		return base
	}

	return Enhance(base, func() (QueryIntent, error) {
		callCtx, cancel := context.WithTimeout(ctx, c.cfg.LLMTimeout)
		defer cancel()

		cls, err := c.model.ClassifyQuery(callCtx, clip(query, c.cfg.MaxSlotWindow))
		if err != nil {
			return QueryIntent{}, err
		}
		return c.merge(base, cls)
	})
}

// ClassifyRules is the deterministic first phase.
func (c *Classifier) ClassifyRules(query string) QueryIntent {
	text := clip(query, c.cfg.MaxSlotWindow)
	if strings.TrimSpace(text) == "" {
		return QueryIntent{
			RawText:    query,
			Route:      RouteSQL,
			Confidence: 0,
			Entities:   Entities{Ambiguous: true, FiscalYear: c.cfg.DefaultFiscalYear},
		}
	}

	vocab := c.vocabulary()
	norm := " " + dataset.NormalizePhrase(text) + " "

	sqlHits := countPhrases(norm, sqlKeywords)
	ragHits := countPhrases(norm, ragPhrases)

	nouns := c.properNouns(text, vocab)
	if len(nouns) > 0 {
		ragHits++
	}

	route := RouteSQL
	confidence := baselineConfidence
	switch {
	case sqlHits > 0 && ragHits > 0:
		route = RouteHybrid
		confidence += bonus(sqlHits) + bonus(ragHits)
	case ragHits > 0:
		route = RouteRAG
		confidence += bonus(ragHits)
	case sqlHits > 0:
		confidence += bonus(sqlHits)
	}

	entities := c.extractEntities(text, norm, vocab)
	if route.UsesRAG() {
		entities.Subject = lookupSubject(text, nouns)
	}

	logger.Debug("Query classified by rules",
		zap.String("route", string(route)),
		zap.Int("sql_signals", sqlHits),
		zap.Int("rag_signals", ragHits),
		zap.Strings("proper_nouns", nouns),
	)

	return QueryIntent{
		RawText:    query,
		Route:      route,
		Entities:   entities,
		Confidence: clamp01(confidence),
	}
}

func bonus(hits int) float64 {
	b := float64(hits) * signalStep
	if b > signalCap {
		return signalCap
	}
	return b
}

func (c *Classifier) vocabulary() dataset.Vocabulary {
	if c.vocab == nil {
		return dataset.Vocabulary{}
	}
	v, err := c.vocab.Vocabulary()
	if err != nil {
		return dataset.Vocabulary{}
	}
	return v
}

// properNouns keeps tagged proper nouns that are not sentence-initial
// capitalisation, known dataset names, budget vocabulary or keywords.
// Calendar words and fiscal-year tokens such as "FY2024" are budget
// vocabulary.
func (c *Classifier) properNouns(text string, vocab dataset.Vocabulary) []string {
	if c.detector == nil {
		return nil
	}

	initial := sentenceInitialWords(text)
	var out []string
	for _, tok := range c.detector.ProperNouns(text) {
		r, _ := utf8.DecodeRuneInString(tok)
		if !unicode.IsUpper(r) {
			continue
		}
		if _, ok := initial[tok]; ok {
			continue
		}
		if fiscalYearToken.MatchString(tok) {
			continue
		}
		lower := strings.ToLower(tok)
		if _, ok := domainWords[lower]; ok {
			continue
		}
		if vocab.Contains(lower) || c.isAliasWord(lower) || isKeywordWord(lower) {
			continue
		}
		out = append(out, tok)
	}
	return out
}

func (c *Classifier) isAliasWord(word string) bool {
	for alias := range c.cfg.Aliases {
		for _, part := range strings.Fields(alias) {
			if part == word {
				return true
			}
		}
	}
	return false
}

func isKeywordWord(word string) bool {
	for _, list := range [][]string{sqlKeywords, ragPhrases} {
		for _, phrase := range list {
			for _, part := range strings.Fields(phrase) {
				if part == word {
					return true
				}
			}
		}
	}
	return false
}

func sentenceInitialWords(text string) map[string]struct{} {
	out := make(map[string]struct{})
	start := true
	for _, field := range strings.Fields(text) {
		word := strings.TrimFunc(field, func(r rune) bool { return !unicode.IsLetter(r) && !unicode.IsNumber(r) })
		if start && word != "" {
			out[word] = struct{}{}
			start = false
		}
		if strings.ContainsAny(field[len(field)-1:], ".?!") {
			start = true
		}
	}
	return out
}

// countPhrases counts distinct phrases occurring in norm on word boundaries.
// norm must be a NormalizePhrase result padded with spaces.
func countPhrases(norm string, phrases []string) int {
	n := 0
	for _, p := range phrases {
		if strings.Contains(norm, " "+p+" ") {
			n++
		}
	}
	return n
}

func clip(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	i := 0
	for pos := range s {
		if i == max {
			return s[:pos]
		}
		i++
	}
	return s
}

// Enhance returns the result of try when it succeeds and base otherwise.
func Enhance(base QueryIntent, try func() (QueryIntent, error)) QueryIntent {
	enhanced, err := try()
	if err != nil {
		logger.Warn("LLM classification unavailable, using rule-based intent",
			zap.String("route", string(base.Route)),
			zap.Error(err),
		)
		return base
	}
	return enhanced
}
