package output

import (
	"fmt"
	"strings"
)

// NoIssuesSummary is the summary of a finding list without critical, warning or info entries.
const NoIssuesSummary = "No significant issues detected."

var summaryOrder = []Severity{SeverityCritical, SeverityWarning, SeverityInfo}

// GenerateSummary renders one sentence with a clause per non-empty severity group, in
// critical, warning, info order. ok findings are not mentioned.
func GenerateSummary(findings []Finding) string {
	groups := map[Severity][]string{}
	for _, f := range findings {
		groups[f.Severity] = append(groups[f.Severity], f.Title)
	}

	var clauses []string
	for _, sev := range summaryOrder {
		titles := groups[sev]
		if len(titles) == 0 {
			continue
		}
		clauses = append(clauses, fmt.Sprintf("%d %s (%s)", len(titles), sev, strings.Join(titles, ", ")))
	}

	if len(clauses) == 0 {
		return NoIssuesSummary
	}
	return "Detected " + strings.Join(clauses, "; ") + "."
}
