package dataset

import (
	"sort"
	"strings"

	"github.com/govbudget/backend/internal/storage/models"
)

// Vocabulary holds the distinct entity names present in the budget records.
type Vocabulary struct {
	Portfolios  []string
	Departments []string
	Programs    []string
}

func buildVocabulary(records []models.BudgetRecord) Vocabulary {
	return Vocabulary{
		Portfolios:  distinct(records, ByPortfolio),
		Departments: distinct(records, ByDepartment),
		Programs:    distinct(records, func(r models.BudgetRecord) string { return r.Program }),
	}
}

func distinct(records []models.BudgetRecord, key func(models.BudgetRecord) string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, r := range records {
		k := strings.TrimSpace(key(r))
		if k == "" {
			continue
		}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Longest returns the longest name from names that occurs in text as a whole
// phrase, compared case-insensitively.
func Longest(text string, names []string) string {
	lower := " " + NormalizePhrase(text) + " "
	best, bestLen := "", 0
	for _, name := range names {
		n := NormalizePhrase(name)
		if n == "" || len(n) <= bestLen {
			continue
		}
		if strings.Contains(lower, " "+n+" ") {
			best, bestLen = name, len(n)
		}
	}
	return best
}

// Contains reports whether word (already lower-cased) is part of any known name.
func (v Vocabulary) Contains(word string) bool {
	for _, list := range [][]string{v.Portfolios, v.Departments, v.Programs} {
		for _, name := range list {
			for _, part := range strings.Fields(NormalizePhrase(name)) {
				if part == word {
					return true
				}
			}
		}
	}
	return false
}

// NormalizePhrase lower-cases text and turns punctuation into spaces so
// phrase matching works on word boundaries.
func NormalizePhrase(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	space := false
	for _, r := range strings.ToLower(s) {
		if r == '\'' || r == '-' || (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r > 127 {
			b.WriteRune(r)
			space = false
			continue
		}
		if !space {
			b.WriteByte(' ')
			space = true
		}
	}
	return strings.TrimSpace(b.String())
}
