package intent

import "strings"

// Route is the execution path chosen for a query.
type Route string

const (
	RouteSQL    Route = "SQL"
	RouteRAG    Route = "RAG"
	RouteHybrid Route = "HYBRID"
)

// ParseRoute accepts the three route names case-insensitively.
func ParseRoute(s string) (Route, bool) {
	switch Route(strings.ToUpper(strings.TrimSpace(s))) {
	case RouteSQL:
		return RouteSQL, true
	case RouteRAG:
		return RouteRAG, true
	case RouteHybrid:
		return RouteHybrid, true
	}
	return "", false
}

func (r Route) UsesSQL() bool { return r == RouteSQL || r == RouteHybrid }
func (r Route) UsesRAG() bool { return r == RouteRAG || r == RouteHybrid }

type Aggregation string

const (
	AggSum     Aggregation = "sum"
	AggMean    Aggregation = "mean"
	AggTop     Aggregation = "top"
	AggCompare Aggregation = "compare"
	AggCount   Aggregation = "count"
)

func ParseAggregation(s string) (Aggregation, bool) {
	switch a := Aggregation(strings.ToLower(strings.TrimSpace(s))); a {
	case AggSum, AggMean, AggTop, AggCompare, AggCount:
		return a, true
	case "total":
		return AggSum, true
	case "average", "avg":
		return AggMean, true
	}
	return "", false
}

// Entities are the slots extracted from a query. Empty values mean "not mentioned".
type Entities struct {
	Department     string      `json:"department,omitempty"`
	Portfolio      string      `json:"portfolio,omitempty"`
	Program        string      `json:"program,omitempty"`
	FiscalYear     string      `json:"fiscal_year,omitempty"`
	Aggregation    Aggregation `json:"aggregation,omitempty"`
	TopN           int         `json:"top_n,omitempty"`
	Ascending      bool        `json:"ascending,omitempty"`
	CompareTargets []string    `json:"compare_targets,omitempty"`
	Subject        string      `json:"subject,omitempty"`
	Ambiguous      bool        `json:"ambiguous,omitempty"`
}

// QueryIntent is the classifier's output for one query.
type QueryIntent struct {
	RawText    string   `json:"raw_text"`
	Route      Route    `json:"route"`
	Entities   Entities `json:"entities"`
	Confidence float64  `json:"confidence"`
	// Enhanced is set when the LLM result replaced the rule-based route.
	Enhanced bool `json:"enhanced"`
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
