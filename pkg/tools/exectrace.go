package tools

import (
	"context"
	"fmt"

	"github.com/kube-tarian/perftriage/pkg/output"
	"github.com/kube-tarian/perftriage/pkg/parsers"
)

// ExecTraceData is process churn over the tracing window.
type ExecTraceData struct {
	Trace      Trace             `json:"trace" yaml:"trace"`
	Execs      parsers.ExecTrace `json:"execs" yaml:"execs"`
	RatePerSec float64           `json:"rate_per_sec" yaml:"rate_per_sec"`
	// Forks and Exits are only counted by the bpftrace fallback.
	Forks uint64 `json:"forks,omitempty" yaml:"forks,omitempty"`
	Exits uint64 `json:"exits,omitempty" yaml:"exits,omitempty"`
}

// ExecTrace records new processes with execsnoop.
func ExecTrace(ctx context.Context, env *Env, p Params) output.Result {
	c := newCollector(env, "exec_trace", p)
	dur := p.duration(defaultTraceSec)

	res, err := c.trace(ctx, "execsnoop", "proclife", dur, true, "-x")
	if err != nil {
		return failed[*ExecTraceData](c, err)
	}

	d := &ExecTraceData{Trace: traceOf(res, dur), Execs: parsers.ParseExecsnoop(res.Output)}
	if fallback(res) {
		maps := parsers.ParseBpftraceMaps(res.Output)
		d.Forks = maps.Counts("@forks")[""]
		d.Exits = maps.Counts("@exits")[""]
	}
	d.RatePerSec = round2(float64(d.Execs.Total) / float64(dur))

	c.evidenceOf(res.Tool, output.EvidenceTrace, d.Execs.ByCommand)
	checkExecTrace(c, d)
	return done(c, d)
}

func checkExecTrace(c *collector, d *ExecTraceData) {
	issues := false
	if d.RatePerSec >= execRateWarn {
		issues = true
		desc := fmt.Sprintf("%.1f processes started per second.", d.RatePerSec)
		if len(d.Execs.ByParent) > 0 {
			desc += fmt.Sprintf(" Most were spawned by %s.", d.Execs.ByParent[0].Key)
		}
		c.add(output.NewFinding("exec-churn", output.SeverityWarning, output.CategoryProcess,
			"High process creation rate", desc,
			output.WithConfidence(75),
			output.WithMetrics(map[string]float64{"execs_per_sec": d.RatePerSec, "execs": float64(d.Execs.Total)}),
			output.WithSuggestion("Short-lived processes burn CPU in fork and exec; look for shell loops, health checks or crash-restart cycles.")))
	}
	if d.Execs.Failed > 0 {
		issues = true
		c.add(output.NewFinding("exec-failures", output.SeverityInfo, output.CategoryProcess,
			"Failed exec calls",
			fmt.Sprintf("%d exec calls failed during tracing.", d.Execs.Failed),
			output.WithConfidence(60),
			output.WithMetrics(map[string]float64{"failed": float64(d.Execs.Failed)})))
	}
	if !issues {
		c.ok("exec-churn-ok", output.CategoryProcess, "Process creation rate normal")
	}
}
