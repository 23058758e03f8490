package triage

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kube-tarian/perftriage/pkg/output"
	"github.com/kube-tarian/perftriage/pkg/perferr"
	"github.com/scylladb/go-set/strset"
)

const (
	maxKeyEvidence        = 10
	maxRecommendedActions = 8
)

// Target is what a run was scoped to.
type Target struct {
	Scope       string `json:"scope" yaml:"scope"`
	PID         int    `json:"pid,omitempty" yaml:"pid,omitempty"`
	ProcessName string `json:"process_name,omitempty" yaml:"process_name,omitempty"`
}

const (
	ScopeSystem  = "system"
	ScopeProcess = "process"
)

// ToolFailure records a tool that did not succeed.
type ToolFailure struct {
	Tool  string         `json:"tool" yaml:"tool"`
	Error *perferr.Error `json:"error" yaml:"error"`
}

// Report is the result of a triage run.
type Report struct {
	ID                 string             `json:"id" yaml:"id"`
	Timestamp          time.Time          `json:"timestamp" yaml:"timestamp"`
	Host               string             `json:"host" yaml:"host"`
	Success            bool               `json:"success" yaml:"success"`
	Target             Target             `json:"target" yaml:"target"`
	Mode               Mode               `json:"mode" yaml:"mode"`
	Focus              Focus              `json:"focus" yaml:"focus"`
	DurationMs         int64              `json:"duration_ms" yaml:"duration_ms"`
	ToolsExecuted      []string           `json:"tools_executed" yaml:"tools_executed"`
	ToolsFailed        []ToolFailure      `json:"tools_failed" yaml:"tools_failed"`
	RootCauses         []RootCause        `json:"root_causes" yaml:"root_causes"`
	Findings           []ToolFinding      `json:"findings" yaml:"findings"`
	KeyEvidence        []output.Evidence  `json:"key_evidence" yaml:"key_evidence"`
	Metrics            map[string]float64 `json:"metrics_summary" yaml:"metrics_summary"`
	ExecutiveSummary   string             `json:"executive_summary" yaml:"executive_summary"`
	RecommendedActions []string           `json:"recommended_actions" yaml:"recommended_actions"`
	Warnings           []string           `json:"warnings,omitempty" yaml:"warnings,omitempty"`
}

func buildReport(id string, req Request, names []string, results []output.Result, elapsed time.Duration) *Report {
	r := &Report{
		ID:            id,
		Timestamp:     time.Now().UTC(),
		Host:          hostname(),
		Target:        targetOf(req),
		Mode:          req.Mode,
		Focus:         req.Focus,
		DurationMs:    elapsed.Milliseconds(),
		ToolsExecuted: names,
		ToolsFailed:   []ToolFailure{},
		Findings:      []ToolFinding{},
		Metrics:       map[string]float64{},
	}

	for _, res := range results {
		if !res.Succeeded() {
			err := res.Err()
			if err == nil {
				err = perferr.New(perferr.CodeExecutionFailed, "%s did not succeed", res.ToolName())
			}
			r.ToolsFailed = append(r.ToolsFailed, ToolFailure{Tool: res.ToolName(), Error: err})
			continue
		}
		for _, f := range res.FindingList() {
			r.Findings = append(r.Findings, ToolFinding{Tool: res.ToolName(), Finding: f})
			for k, v := range f.Metrics {
				r.Metrics[f.ID+"."+k] = v
			}
		}
	}
	r.Success = len(r.ToolsFailed) < len(results)

	r.RootCauses = Rank(r.Findings, req.Focus)
	r.KeyEvidence = keyEvidence(r.RootCauses, results)
	r.ExecutiveSummary = executiveSummary(r)
	r.RecommendedActions = recommendedActions(r)
	return r
}

func targetOf(req Request) Target {
	if req.PID > 0 || req.ProcessName != "" {
		return Target{Scope: ScopeProcess, PID: req.PID, ProcessName: req.ProcessName}
	}
	return Target{Scope: ScopeSystem}
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return h
}

// keyEvidence takes evidence from the tools backing the ranked causes first, then from the rest.
func keyEvidence(causes []RootCause, results []output.Result) []output.Evidence {
	byTool := map[string][]output.Evidence{}
	for _, res := range results {
		if res.Succeeded() {
			byTool[res.ToolName()] = res.EvidenceList()
		}
	}

	var order []string
	seen := strset.New()
	for _, rc := range causes {
		for _, t := range rc.Tools {
			if !seen.Has(t) {
				seen.Add(t)
				order = append(order, t)
			}
		}
	}
	for _, res := range results {
		if !seen.Has(res.ToolName()) {
			seen.Add(res.ToolName())
			order = append(order, res.ToolName())
		}
	}

	evidence := []output.Evidence{}
	for _, t := range order {
		for _, ev := range byTool[t] {
			if len(evidence) == maxKeyEvidence {
				return evidence
			}
			evidence = append(evidence, ev)
		}
	}
	return evidence
}

func executiveSummary(r *Report) string {
	if !r.Success {
		return fmt.Sprintf("Triage failed: every tool failed (%s).", strings.Join(failedNames(r), ", "))
	}

	var b strings.Builder
	if len(r.RootCauses) == 0 {
		b.WriteString(output.NoIssuesSummary)
	} else {
		top := r.RootCauses[0]
		fmt.Fprintf(&b, "Most likely cause: %s (%s %s, %d%% confidence).", top.Title, top.Severity, top.Category, top.Confidence)
		if rest := len(r.RootCauses) - 1; rest > 0 {
			fmt.Fprintf(&b, " %d other issue(s) detected.", rest)
		}
	}
	if len(r.ToolsFailed) > 0 {
		fmt.Fprintf(&b, " %d of %d tools failed (%s).", len(r.ToolsFailed), len(r.ToolsExecuted), strings.Join(failedNames(r), ", "))
	}
	return b.String()
}

func failedNames(r *Report) []string {
	names := make([]string, 0, len(r.ToolsFailed))
	for _, f := range r.ToolsFailed {
		names = append(names, f.Tool)
	}
	return names
}

func recommendedActions(r *Report) []string {
	actions := []string{}
	seen := strset.New()
	add := func(a string) {
		if a == "" || seen.Has(a) || len(actions) == maxRecommendedActions {
			return
		}
		seen.Add(a)
		actions = append(actions, a)
	}

	for _, rc := range r.RootCauses {
		for _, a := range rc.SuggestedActions {
			add(a)
		}
	}
	for _, f := range r.ToolsFailed {
		if f.Error.Suggestion != "" {
			add(fmt.Sprintf("%s failed with %s: %s", f.Tool, f.Error.Code, f.Error.Suggestion))
		}
	}
	return actions
}
