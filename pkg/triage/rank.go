package triage

import (
	"fmt"
	"sort"
	"strings"

	"github.com/kube-tarian/perftriage/pkg/output"
	"github.com/scylladb/go-set/strset"
)

const (
	// corroborationBonus multiplies the score of a cause backed by two or more tools.
	corroborationBonus = 1.5
	// focusWeight multiplies the score of a cause in the requested focus category.
	focusWeight = 1.25
	// confidence added per corroborating tool beyond the first
	corroborationConfidence = 10
)

// RootCause is a ranked explanation built from the findings of one category.
type RootCause struct {
	ID                 string          `json:"id" yaml:"id"`
	Title              string          `json:"title" yaml:"title"`
	Description        string          `json:"description" yaml:"description"`
	Category           string          `json:"category" yaml:"category"`
	Severity           output.Severity `json:"severity" yaml:"severity"`
	Confidence         int             `json:"confidence" yaml:"confidence"`
	Score              float64         `json:"score" yaml:"score"`
	Tools              []string        `json:"tools" yaml:"tools"`
	SupportingFindings []string        `json:"supporting_findings" yaml:"supporting_findings"`
	SuggestedActions   []string        `json:"suggested_actions" yaml:"suggested_actions"`
}

// Corroborated reports whether more than one tool backs the cause.
func (rc RootCause) Corroborated() bool {
	return len(rc.Tools) >= 2
}

// ToolFinding is a finding together with the tool that produced it.
type ToolFinding struct {
	Tool           string `json:"tool" yaml:"tool"`
	output.Finding `yaml:",inline"`
}

var categoryActions = map[string]string{
	output.CategoryCPU:     "Find the busiest processes and profile them with cpu_profile.",
	output.CategoryMemory:  "Check the largest memory consumers and their cgroup limits with cgroup_stats.",
	output.CategoryIO:      "Compare block and device latency with io_layers and find the files involved with file_trace.",
	output.CategoryNetwork: "Inspect socket states and retransmits with net_summary and tcp_trace.",
	output.CategoryProcess: "Inspect the cgroup limits and exec churn of the process with cgroup_stats and exec_trace.",
	output.CategorySystem:  "Re-run triage in deep mode to collect traces.",
}

func score(f output.Finding) float64 {
	return f.Severity.Weight() * float64(f.Confidence) / 100
}

// Rank groups findings by category and turns every group holding a warning or critical
// finding into a root cause. Causes are ordered by descending score.
func Rank(findings []ToolFinding, focus Focus) []RootCause {
	groups := map[string][]ToolFinding{}
	var order []string
	for _, f := range findings {
		if f.Severity.Weight() == 0 {
			continue
		}
		if _, ok := groups[f.Category]; !ok {
			order = append(order, f.Category)
		}
		groups[f.Category] = append(groups[f.Category], f)
	}

	causes := []RootCause{}
	for _, category := range order {
		group := groups[category]
		sort.SliceStable(group, func(i, j int) bool { return score(group[i].Finding) > score(group[j].Finding) })

		lead := group[0]
		if lead.Severity.Weight() < output.SeverityWarning.Weight() {
			continue
		}
		causes = append(causes, newRootCause(category, lead, group, focus))
	}

	sort.SliceStable(causes, func(i, j int) bool {
		if causes[i].Score != causes[j].Score {
			return causes[i].Score > causes[j].Score
		}
		return causes[i].ID < causes[j].ID
	})
	return causes
}

func newRootCause(category string, lead ToolFinding, group []ToolFinding, focus Focus) RootCause {
	tools := strset.New()
	var toolOrder, supporting, actions []string
	seenActions := strset.New()
	for _, f := range group {
		if !tools.Has(f.Tool) {
			tools.Add(f.Tool)
			toolOrder = append(toolOrder, f.Tool)
		}
		supporting = append(supporting, f.Tool+"/"+f.ID)
		if f.Suggestion != "" && !seenActions.Has(f.Suggestion) {
			seenActions.Add(f.Suggestion)
			actions = append(actions, f.Suggestion)
		}
	}
	if def, ok := categoryActions[category]; ok && !seenActions.Has(def) {
		actions = append(actions, def)
	}

	rc := RootCause{
		ID:                 "rc-" + category,
		Title:              lead.Title,
		Description:        lead.Description,
		Category:           category,
		Severity:           lead.Severity,
		Confidence:         lead.Confidence,
		Score:              score(lead.Finding),
		Tools:              toolOrder,
		SupportingFindings: supporting,
		SuggestedActions:   actions,
	}

	if rc.Corroborated() {
		rc.Score *= corroborationBonus
		rc.Confidence = min(100, rc.Confidence+corroborationConfidence*(len(toolOrder)-1))
		rc.Description = fmt.Sprintf("%s Corroborated by %s.", rc.Description, strings.Join(toolOrder, ", "))
	}
	if focus != FocusAuto && string(focus) == category {
		rc.Score *= focusWeight
	}
	rc.Score = float64(int(rc.Score*1000+0.5)) / 1000

	return rc
}
