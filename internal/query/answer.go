package query

import (
	"fmt"
	"strings"

	"github.com/govbudget/backend/internal/intent"
	"github.com/govbudget/backend/internal/ragpath"
	"github.com/govbudget/backend/internal/sqlpath"
)

const maxAnswerRows = 5

// renderAnswer is the deterministic answer used when no narrator is
// configured or narration fails. SQL content comes first.
func renderAnswer(route intent.Route, sql *sqlpath.Result, rag *ragpath.Result) string {
	var parts []string
	if sql != nil {
		parts = append(parts, formatSQLContext(sql))
	}
	if rag != nil {
		parts = append(parts, ragAnswer(rag))
	}
	if len(parts) == 0 {
		return fmt.Sprintf("No %s results are available for this question.", route)
	}
	return strings.Join(parts, "\n\n")
}

func formatSQLContext(res *sqlpath.Result) string {
	var b strings.Builder
	b.WriteString(res.Summary)
	for i, row := range res.Breakdown {
		if i >= maxAnswerRows {
			fmt.Fprintf(&b, "\n- and %d more", len(res.Breakdown)-maxAnswerRows)
			break
		}
		fmt.Fprintf(&b, "\n- %s: %s (%.1f%%)", row.Label, sqlpath.FormatAUD(row.Amount), row.Percentage)
	}
	return b.String()
}

func ragAnswer(res *ragpath.Result) string {
	if len(res.Documents) == 0 {
		return "No matching records were found in the document index."
	}
	noun := "records"
	if len(res.Documents) == 1 {
		noun = "record"
	}
	return fmt.Sprintf("Found %d matching %s:\n%s", len(res.Documents), noun, formatRAGContext(res))
}

func formatRAGContext(res *ragpath.Result) string {
	lines := make([]string, 0, len(res.Documents))
	for _, d := range res.Documents {
		lines = append(lines, fmt.Sprintf("- [%s] (%s) %s: %s", d.ID, d.Source, d.Title, d.Snippet))
	}
	return strings.Join(lines, "\n")
}
