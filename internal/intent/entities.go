package intent

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/govbudget/backend/internal/dataset"
	"github.com/govbudget/backend/internal/llm"
)

var (
	fiscalYearPattern  = regexp.MustCompile(`(?i)(?:\bfy\s*|\b)(20\d{2})\s*[-/]\s*(\d{2})\b`)
	shortYearPattern   = regexp.MustCompile(`(?i)\bfy\s*(\d{2})\s*[-/]\s*(\d{2})\b`)
	compactYearPattern = regexp.MustCompile(`(?i)(?:\bfy\s*|\b)(20\d{2})(\d{2})\b`)
	bareYearPattern    = regexp.MustCompile(`(?i)(?:\bfy\s*|\b)(20\d{2})\b`)
	fiscalYearToken    = regexp.MustCompile(`(?i)^(?:fy)?\d{2,4}(?:[-/]\d{2})?$`)
	topNPattern        = regexp.MustCompile(`(?i)\b(?:top|highest|largest|biggest|lowest|smallest)\s+(\d{1,3})\b|\b(\d{1,3})\s+(?:largest|biggest|highest|lowest|smallest)\b`)
	compareLead        = regexp.MustCompile(`(?i)\b(?:compare|between)\b\s+(.+)`)
	compareSplit       = regexp.MustCompile(`(?i)\s*(?:,|\bvs\.?|\bversus\b|\band\b|\bwith\b|\bto\b)\s*`)
	subjectPattern     = regexp.MustCompile(`(?i)\b(?:find(?:\s+(?:details|information|records?)\s+(?:about|for|of))?|details\s+(?:about|of)|tell\s+me\s+about|show\s+me\s+details(?:\s+(?:about|of|for))?|information\s+about|records?\s+for|look\s+up)\b\s*(.+)$`)
	fillerWords        = regexp.MustCompile(`(?i)\b(?:the|budgets?|spending|funding|allocations?|expenses?|in|for|during|fy|financial|fiscal|year)\b`)
)

var errInvalidRoute = errors.New("llm returned an invalid route")

func (c *Classifier) extractEntities(text, norm string, vocab dataset.Vocabulary) Entities {
	e := Entities{
		Department: dataset.Longest(text, vocab.Departments),
		Portfolio:  dataset.Longest(text, vocab.Portfolios),
		Program:    dataset.Longest(text, vocab.Programs),
		FiscalYear: NormalizeFiscalYear(text),
	}
	if e.FiscalYear == "" {
		e.FiscalYear = c.cfg.DefaultFiscalYear
	}

	if e.Portfolio == "" && e.Department == "" {
		if name := c.aliasIn(text); name != "" {
			c.assignName(&e, name, vocab)
		}
	}

	e.Aggregation = aggregationOf(norm)
	switch e.Aggregation {
	case AggTop:
		e.TopN = c.cfg.DefaultTopN
		if m := topNPattern.FindStringSubmatch(text); m != nil {
			digits := m[1]
			if digits == "" {
				digits = m[2]
			}
			if n, err := strconv.Atoi(digits); err == nil && n > 0 {
				e.TopN = n
			}
		}
		e.Ascending = strings.Contains(norm, " lowest ") || strings.Contains(norm, " smallest ")
	case AggCompare:
		e.CompareTargets = c.compareTargets(text, vocab)
		if len(e.CompareTargets) > 0 {
			// Targets replace the single-entity filters they were parsed from.
			e.Portfolio, e.Department, e.Program = "", "", ""
		} else {
			e.TopN = c.cfg.DefaultTopN
		}
	}
	return e
}

func aggregationOf(norm string) Aggregation {
	has := func(words ...string) bool {
		return countPhrases(norm, words) > 0
	}
	switch {
	case has("compare", "vs", "versus", "comparison"):
		return AggCompare
	case has("top", "highest", "lowest", "largest", "biggest", "smallest"):
		return AggTop
	case has("average", "mean"):
		return AggMean
	case has("how many", "count", "number of"):
		return AggCount
	default:
		return AggSum
	}
}

// NormalizeFiscalYear finds a fiscal year in text: "2024-25", "202425" or a
// bare "2024", which is read as the year starting then. Each form may carry
// an "FY" prefix, and "FY23-24" is read as "2023-24". Returns "" if none.
func NormalizeFiscalYear(text string) string {
	if m := fiscalYearPattern.FindStringSubmatch(text); m != nil {
		return m[1] + "-" + m[2]
	}
	if m := shortYearPattern.FindStringSubmatch(text); m != nil {
		return "20" + m[1] + "-" + m[2]
	}
	if m := compactYearPattern.FindStringSubmatch(text); m != nil {
		return m[1] + "-" + m[2]
	}
	if m := bareYearPattern.FindStringSubmatch(text); m != nil {
		year, _ := strconv.Atoi(m[1])
		return fmt.Sprintf("%d-%02d", year, (year+1)%100)
	}
	return ""
}

// aliasIn returns the dataset name for the longest alias present in text.
func (c *Classifier) aliasIn(text string) string {
	keys := make([]string, 0, len(c.cfg.Aliases))
	for k := range c.cfg.Aliases {
		keys = append(keys, k)
	}
	if hit := dataset.Longest(text, keys); hit != "" {
		return c.cfg.Aliases[hit]
	}
	return ""
}

// assignName places a resolved name in the slot of the list it belongs to.
// Names unknown to the dataset are treated as portfolios.
func (c *Classifier) assignName(e *Entities, name string, vocab dataset.Vocabulary) {
	switch {
	case inList(name, vocab.Departments):
		e.Department = name
	case inList(name, vocab.Programs) && !inList(name, vocab.Portfolios):
		e.Program = name
	default:
		e.Portfolio = name
	}
}

func inList(name string, list []string) bool {
	for _, n := range list {
		if strings.EqualFold(n, name) {
			return true
		}
	}
	return false
}

// resolveName maps a free-text fragment onto a dataset name or alias target.
func (c *Classifier) resolveName(fragment string, vocab dataset.Vocabulary) string {
	for _, list := range [][]string{vocab.Portfolios, vocab.Departments, vocab.Programs} {
		if hit := dataset.Longest(fragment, list); hit != "" {
			return hit
		}
	}
	return c.aliasIn(fragment)
}

func (c *Classifier) compareTargets(text string, vocab dataset.Vocabulary) []string {
	segment := text
	if m := compareLead.FindStringSubmatch(text); m != nil {
		segment = m[1]
	}
	segment = strings.TrimRight(segment, "?.! ")

	var targets []string
	seen := make(map[string]struct{})
	for _, part := range compareSplit.Split(segment, -1) {
		name := c.resolveName(part, vocab)
		if name == "" {
			name = cleanFragment(part)
		}
		if name == "" {
			continue
		}
		key := strings.ToLower(name)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		targets = append(targets, name)
	}
	if len(targets) < 2 {
		return nil
	}
	return targets
}

func cleanFragment(s string) string {
	s = fiscalYearPattern.ReplaceAllString(s, "")
	s = compactYearPattern.ReplaceAllString(s, "")
	s = bareYearPattern.ReplaceAllString(s, "")
	s = fillerWords.ReplaceAllString(s, "")
	return strings.Join(strings.Fields(strings.Trim(s, "?.!,;: ")), " ")
}

// lookupSubject is the text after a lookup phrase, or the proper nouns found.
func lookupSubject(text string, nouns []string) string {
	if m := subjectPattern.FindStringSubmatch(text); m != nil {
		subject := strings.TrimSpace(strings.TrimRight(m[1], "?.! "))
		subject = strings.TrimPrefix(subject, "the ")
		if subject != "" {
			return subject
		}
	}
	return strings.Join(nouns, " ")
}

// merge applies an LLM classification on top of the rule result. Slots the
// rules extracted are kept; the LLM only fills the gaps.
func (c *Classifier) merge(base QueryIntent, cls *llm.Classification) (QueryIntent, error) {
	if cls == nil {
		return QueryIntent{}, errInvalidRoute
	}
	route, ok := ParseRoute(cls.Route)
	if !ok {
		return QueryIntent{}, fmt.Errorf("%w: %q", errInvalidRoute, cls.Route)
	}

	out := base
	out.Route = route
	out.Enhanced = true
	out.Confidence = clamp01(base.Confidence + enhancedBonus)

	e := &out.Entities
	got := cls.Entities
	if e.Department == "" {
		e.Department = strings.TrimSpace(got.Department)
	}
	if e.Portfolio == "" {
		e.Portfolio = strings.TrimSpace(got.Portfolio)
	}
	if e.Program == "" {
		e.Program = strings.TrimSpace(got.Program)
	}
	if NormalizeFiscalYear(base.RawText) == "" {
		if fy := NormalizeFiscalYear(got.FiscalYear); fy != "" {
			e.FiscalYear = fy
		}
	}
	if agg, ok := ParseAggregation(got.Aggregation); ok && e.Aggregation == AggSum && agg != AggSum {
		e.Aggregation = agg
		if agg == AggTop && e.TopN == 0 {
			e.TopN = c.cfg.DefaultTopN
		}
	}
	if got.TopN > 0 && e.Aggregation == AggTop && topNPattern.FindString(base.RawText) == "" {
		e.TopN = got.TopN
	}
	if len(e.CompareTargets) == 0 && len(got.CompareTargets) >= 2 {
		e.CompareTargets = append([]string(nil), got.CompareTargets...)
	}
	if e.Subject == "" && route.UsesRAG() {
		e.Subject = strings.TrimSpace(got.Subject)
	}
	return out, nil
}
