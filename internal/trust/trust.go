// Package trust scores how much a reader should rely on an answer.
package trust

import (
	"math"
	"strings"

	"github.com/govbudget/backend/internal/intent"
	"github.com/govbudget/backend/internal/ragpath"
	"github.com/govbudget/backend/internal/sqlpath"
)

const (
	base          = 0.5
	sqlBonus      = 0.3
	ragBonus      = 0.2
	hybridBonus   = 0.4
	markerPenalty = 0.1
)

var uncertaintyMarkers = []string{"might", "possibly", "unclear", "i'm not sure", "i’m not sure"}

// Score is a heuristic in [0,1] derived from how much backing evidence the
// answer has. It is not a calibrated probability.
//
// A HYBRID route earns its own bonus only when both paths returned data;
// when one side came back empty the bonus of the other side applies.
// Any uncertainty marker in texts costs a single penalty.
func Score(route intent.Route, sql *sqlpath.Result, rag *ragpath.Result, texts ...string) float64 {
	hasSQL := sql != nil && sql.RecordCount > 0
	hasRAG := rag != nil && len(rag.Documents) > 0

	score := base
	switch {
	case route == intent.RouteHybrid && hasSQL && hasRAG:
		score += hybridBonus
	case route.UsesSQL() && hasSQL:
		score += sqlBonus
	case route.UsesRAG() && hasRAG:
		score += ragBonus
	}

	if Uncertain(texts...) {
		score -= markerPenalty
	}

	switch {
	case score < 0:
		return 0
	case score > 1:
		return 1
	}
	return math.Round(score*100) / 100
}

// Uncertain reports whether any text hedges its answer.
func Uncertain(texts ...string) bool {
	for _, t := range texts {
		lower := strings.ToLower(t)
		for _, m := range uncertaintyMarkers {
			if containsWord(lower, m) {
				return true
			}
		}
	}
	return false
}

// containsWord matches m only at word boundaries, so "mighty" is not "might".
func containsWord(text, m string) bool {
	for from := 0; ; {
		i := strings.Index(text[from:], m)
		if i < 0 {
			return false
		}
		start := from + i
		end := start + len(m)
		if boundary(text, start-1) && boundary(text, end) {
			return true
		}
		from = start + 1
	}
}

func boundary(text string, i int) bool {
	if i < 0 || i >= len(text) {
		return true
	}
	c := text[i]
	return !(c >= 'a' && c <= 'z' || c >= '0' && c <= '9' || c == '\'')
}

type Level string

const (
	LevelHigh   Level = "high"
	LevelMedium Level = "medium"
	LevelLow    Level = "low"
)

func LevelOf(score float64) Level {
	switch {
	case score >= 0.8:
		return LevelHigh
	case score >= 0.6:
		return LevelMedium
	default:
		return LevelLow
	}
}
