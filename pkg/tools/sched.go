package tools

import (
	"context"
	"fmt"

	"github.com/kube-tarian/perftriage/pkg/output"
	"github.com/kube-tarian/perftriage/pkg/parsers"
	"github.com/kube-tarian/perftriage/pkg/stringutil"
)

// RunqData is how long runnable tasks waited for a CPU.
type RunqData struct {
	Trace   Trace             `json:"trace" yaml:"trace"`
	Latency parsers.Histogram `json:"latency" yaml:"latency"`
	P50Ms   float64           `json:"p50_ms" yaml:"p50_ms"`
	P99Ms   float64           `json:"p99_ms" yaml:"p99_ms"`
}

// RunqLatency measures scheduler run queue latency.
func RunqLatency(ctx context.Context, env *Env, p Params) output.Result {
	c := newCollector(env, "runq_latency", p)
	dur := p.duration(defaultTraceSec)

	args := append(pidArgs("-p", p.PID), itoa(dur), "1")
	res, err := c.trace(ctx, "runqlat", "runqlat", dur, false, args...)
	if err != nil {
		return failed[*RunqData](c, err)
	}

	d := &RunqData{Trace: traceOf(res, dur), Latency: parsers.ParseHistogram(res.Output)}
	d.P50Ms = round2(d.Latency.P50Us / 1000)
	d.P99Ms = round2(d.Latency.P99Us / 1000)

	c.evidenceOf(res.Tool, output.EvidenceTrace, d.Latency)
	if sev := grade(d.P99Ms, runqP99WarnMs, runqP99CritMs); sev != output.SeverityOK {
		c.add(output.NewFinding("runq-latency", sev, output.CategoryCPU,
			"Tasks wait for a CPU",
			fmt.Sprintf("p99 run queue latency is %.1fms (p50 %.2fms), so runnable threads are starved of CPU.", d.P99Ms, d.P50Ms),
			output.WithConfidence(85),
			output.WithMetrics(map[string]float64{"p99_ms": d.P99Ms, "p50_ms": d.P50Ms}),
			output.WithSuggestion("Reduce CPU demand or add CPUs; check cgroup CPU throttling (cgroup_stats) and noisy neighbours.")))
	} else {
		c.ok("runq-latency-ok", output.CategoryCPU, "Run queue latency normal")
	}
	return done(c, d)
}

const maxStackText = 240

// OffCPUData is time spent blocked, per command.
type OffCPUData struct {
	Trace   Trace          `json:"trace" yaml:"trace"`
	Summary parsers.OffCPU `json:"summary" yaml:"summary"`
	// TopSharePercent is the share of blocked time taken by the top command.
	TopSharePercent float64 `json:"top_share_percent" yaml:"top_share_percent"`
}

// OffCPU sums blocked time with offcputime folded stacks.
func OffCPU(ctx context.Context, env *Env, p Params) output.Result {
	c := newCollector(env, "offcpu", p)
	dur := p.duration(defaultTraceSec)

	args := append(append([]string{"-f"}, pidArgs("-p", p.PID)...), itoa(dur))
	res, err := c.trace(ctx, "offcputime", "offcpu", dur, false, args...)
	if err != nil {
		return failed[*OffCPUData](c, err)
	}

	d := &OffCPUData{Trace: traceOf(res, dur)}
	if fallback(res) {
		d.Summary = parsers.OffCPUFromMaps(parsers.ParseBpftraceMaps(res.Output), "@offcpu_us")
	} else {
		d.Summary = parsers.ParseOffcputimeFolded(res.Output)
	}
	if d.Summary.TotalUs > 0 && len(d.Summary.ByCommand) > 0 {
		d.TopSharePercent = round2(float64(d.Summary.ByCommand[0].Count) / float64(d.Summary.TotalUs) * 100)
	}

	c.evidenceOf(res.Tool, output.EvidenceProfile, d.Summary)
	// one command blocking most of the time only matters for a targeted process or when
	// there is more than one command to compare against
	if d.TopSharePercent >= offcpuShareWarn && (p.PID > 0 || len(d.Summary.ByCommand) > 1) {
		top := d.Summary.ByCommand[0]
		desc := fmt.Sprintf("%s spent %.1fs blocked off-CPU, %.1f%% of all blocked time.", top.Key, float64(top.Count)/1e6, d.TopSharePercent)
		if len(d.Summary.TopStacks) > 0 {
			desc += " Top stack: " + stringutil.Ellipsis(d.Summary.TopStacks[0].Key, maxStackText)
		}
		c.add(output.NewFinding("offcpu-blocking", output.SeverityWarning, output.CategoryProcess,
			"Time dominated by blocking", desc,
			output.WithConfidence(60),
			output.WithMetrics(map[string]float64{"top_share_percent": d.TopSharePercent, "total_ms": round2(float64(d.Summary.TotalUs) / 1000)}),
			output.WithSuggestion("Look at the blocking stacks for lock waits, synchronous I/O or sleeps.")))
	} else {
		c.ok("offcpu-ok", output.CategoryProcess, "No single command dominates off-CPU time")
	}
	return done(c, d)
}
