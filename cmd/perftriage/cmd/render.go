package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/kube-tarian/perftriage/cmd/perftriage/cmd/flags"
	"github.com/kube-tarian/perftriage/pkg/capabilities"
	"github.com/kube-tarian/perftriage/pkg/output"
	"github.com/kube-tarian/perftriage/pkg/stringutil"
	"github.com/kube-tarian/perftriage/pkg/triage"
	"github.com/olekukonko/tablewriter"
	"gopkg.in/yaml.v3"
)

const maxCellText = 80

// render writes v as JSON or YAML, or calls table for the table format.
func render(w io.Writer, format string, v any, table func(io.Writer)) error {
	switch format {
	case flags.OutputJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case flags.OutputYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	default:
		table(w)
		return nil
	}
}

func newTable(w io.Writer, header ...string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.SetColWidth(maxCellText)
	table.SetColumnSeparator(" ")
	table.SetCenterSeparator("-")
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetReflowDuringAutoWrap(false)
	return table
}

func renderReportTable(w io.Writer, r *triage.Report) {
	target := r.Target.Scope
	if r.Target.PID > 0 {
		target += " pid " + strconv.Itoa(r.Target.PID)
	}
	if r.Target.ProcessName != "" {
		target += " (" + r.Target.ProcessName + ")"
	}

	fmt.Fprintf(w, "Triage %s on %s: %s mode, %s target, %dms\n", r.ID, r.Host, r.Mode, target, r.DurationMs)
	fmt.Fprintf(w, "%s\n\n", r.ExecutiveSummary)

	if len(r.RootCauses) > 0 {
		table := newTable(w, "Rank", "Severity", "Category", "Confidence", "Root cause", "Tools")
		for i, rc := range r.RootCauses {
			table.Append([]string{
				strconv.Itoa(i + 1),
				string(rc.Severity),
				rc.Category,
				strconv.Itoa(rc.Confidence) + "%",
				stringutil.Ellipsis(rc.Title, maxCellText),
				strings.Join(rc.Tools, ", "),
			})
		}
		table.Render()
		fmt.Fprintln(w)
	}

	table := newTable(w, "Tool", "Severity", "Category", "Finding", "Title")
	for _, f := range r.Findings {
		table.Append([]string{f.Tool, string(f.Severity), f.Category, f.ID, stringutil.Ellipsis(f.Title, maxCellText)})
	}
	table.Render()

	if len(r.ToolsFailed) > 0 {
		fmt.Fprintln(w, "\nFailed tools:")
		for _, f := range r.ToolsFailed {
			fmt.Fprintf(w, "  %s: %s %s\n", f.Tool, f.Error.Code, f.Error.Message)
		}
	}
	if len(r.RecommendedActions) > 0 {
		fmt.Fprintln(w, "\nRecommended actions:")
		for i, a := range r.RecommendedActions {
			fmt.Fprintf(w, "  %d. %s\n", i+1, a)
		}
	}
	for _, warning := range r.Warnings {
		fmt.Fprintf(w, "warning: %s\n", warning)
	}
}

func renderResultTable(w io.Writer, res output.Result) {
	env := res.Legacy()
	if !res.Succeeded() {
		e := res.Err()
		fmt.Fprintf(w, "%s failed: %s %s\n", res.ToolName(), e.Code, e.Message)
		if e.Suggestion != "" {
			fmt.Fprintf(w, "suggestion: %s\n", e.Suggestion)
		}
	} else {
		fmt.Fprintf(w, "%s (%dms): %s\n\n", res.ToolName(), env.DurationMs, output.GenerateSummary(res.FindingList()))

		table := newTable(w, "Severity", "Category", "Finding", "Title", "Suggestion")
		for _, f := range res.FindingList() {
			table.Append([]string{string(f.Severity), f.Category, f.ID, stringutil.Ellipsis(f.Title, maxCellText), stringutil.Ellipsis(f.Suggestion, maxCellText)})
		}
		table.Render()
	}

	for _, warning := range env.Warnings {
		fmt.Fprintf(w, "warning: %s\n", warning)
	}
}

func renderCapabilitiesTable(w io.Writer, s *capabilities.Snapshot) {
	bcc, bccReason := s.CanUseBCC()
	bpftrace, bpftraceReason := s.CanUseBpftrace()
	perf, perfReason := s.CanUsePerf(0)

	table := newTable(w, "Capability", "Value")
	table.Append([]string{"kernel", s.Kernel.Release})
	table.Append([]string{"root", strconv.FormatBool(s.IsRoot)})
	table.Append([]string{"btf", strconv.FormatBool(s.BTF)})
	table.Append([]string{"psi", strconv.FormatBool(s.PSI)})
	table.Append([]string{"cgroup version", strconv.Itoa(s.CgroupVersion)})
	table.Append([]string{"container", strconv.FormatBool(s.Container)})
	table.Append([]string{"virtualized", strconv.FormatBool(s.Virtualized)})
	table.Append([]string{"cpus", strconv.Itoa(s.CPUs)})
	table.Append([]string{"bcc", withReason(bcc, bccReason)})
	table.Append([]string{"bpftrace", withReason(bpftrace, bpftraceReason)})
	table.Append([]string{"perf", withReason(perf, perfReason)})
	table.Append([]string{"binaries", strings.Join(installed(s.Binaries), ", ")})
	table.Append([]string{"bcc tools", strings.Join(installed(s.BCCTools), ", ")})
	table.Render()

	for _, warning := range s.Warnings {
		fmt.Fprintf(w, "warning: %s\n", warning)
	}
}

func withReason(ok bool, reason string) string {
	if ok {
		return "yes"
	}
	return "no: " + reason
}

func installed(m map[string]bool) []string {
	names := []string{}
	for name, ok := range m {
		if ok {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}
