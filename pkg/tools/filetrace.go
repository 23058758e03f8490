package tools

import (
	"context"
	"fmt"

	"github.com/kube-tarian/perftriage/pkg/output"
	"github.com/kube-tarian/perftriage/pkg/parsers"
)

// FileTraceData holds slow file operations. Operations is set from fileslower, the
// per-command counts and Latency from the bpftrace fallback.
type FileTraceData struct {
	Trace        Trace              `json:"trace" yaml:"trace"`
	MinLatencyMs int                `json:"min_latency_ms" yaml:"min_latency_ms"`
	Operations   *parsers.FileOps   `json:"operations,omitempty" yaml:"operations,omitempty"`
	Latency      *parsers.Histogram `json:"latency,omitempty" yaml:"latency,omitempty"`
	Readers      []parsers.Count    `json:"readers,omitempty" yaml:"readers,omitempty"`
	Writers      []parsers.Count    `json:"writers,omitempty" yaml:"writers,omitempty"`
	Slow         []parsers.Count    `json:"slow,omitempty" yaml:"slow,omitempty"`
	// SlowOps is the number of operations at or above MinLatencyMs.
	SlowOps uint64 `json:"slow_ops" yaml:"slow_ops"`
	// P99Ms is the p99 latency of slow operations (fileslower) or of all VFS reads and
	// writes (fallback).
	P99Ms float64 `json:"p99_ms" yaml:"p99_ms"`
}

// FileTrace traces file reads and writes slower than the minimum latency.
func FileTrace(ctx context.Context, env *Env, p Params) output.Result {
	c := newCollector(env, "file_trace", p)
	dur := p.duration(defaultTraceSec)
	minMs := p.MinLatencyMs
	if minMs == 0 {
		minMs = defaultMinLatencyMs
	}

	args := append(pidArgs("-p", p.PID), itoa(minMs))
	res, err := c.traceMin(ctx, "fileslower", "fileops", dur, true, minMs, args...)
	if err != nil {
		return failed[*FileTraceData](c, err)
	}

	d := &FileTraceData{Trace: traceOf(res, dur), MinLatencyMs: minMs}
	if fallback(res) {
		maps := parsers.ParseBpftraceMaps(res.Output)
		d.Readers = parsers.TopN(maps.Counts("@reads"), 10)
		d.Writers = parsers.TopN(maps.Counts("@writes"), 10)
		slow := maps.Counts("@slow")
		for _, n := range slow {
			d.SlowOps += n
		}
		d.Slow = parsers.TopN(slow, 10)
		h := parsers.ParseHistogram(res.Output)
		d.Latency = &h
		d.P99Ms = round2(h.P99Us / 1000)
		c.evidenceOf(res.Tool, output.EvidenceTrace, h)
	} else {
		ops := parsers.ParseFileslower(res.Output)
		d.Operations = &ops
		d.SlowOps = uint64(ops.Ops)
		d.P99Ms = ops.LatencyMs.P99
		c.evidenceOf(res.Tool, output.EvidenceTrace, ops)
	}

	checkFileTrace(c, d)
	return done(c, d)
}

func checkFileTrace(c *collector, d *FileTraceData) {
	if d.SlowOps == 0 {
		c.ok("file-io-ok", output.CategoryIO, fmt.Sprintf("No file operations slower than %dms", d.MinLatencyMs))
		return
	}

	sev := output.SeverityWarning
	if d.P99Ms >= fileP99CritMs {
		sev = output.SeverityCritical
	}
	who := ""
	switch {
	case d.Operations != nil && len(d.Operations.TopFiles) > 0:
		who = fmt.Sprintf(" The slowest file is %s.", d.Operations.TopFiles[0].Key)
	case len(d.Slow) > 0:
		who = fmt.Sprintf(" Most slow operations come from %s.", d.Slow[0].Key)
	}
	c.add(output.NewFinding("slow-file-io", sev, output.CategoryIO,
		"Slow file reads or writes",
		fmt.Sprintf("%d file operations took %dms or longer, p99 %.1fms.%s", d.SlowOps, d.MinLatencyMs, d.P99Ms, who),
		output.WithConfidence(80),
		output.WithMetrics(map[string]float64{"slow_ops": float64(d.SlowOps), "p99_ms": d.P99Ms}),
		output.WithSuggestion("Check whether the files sit on a saturated device (io_layers) or a network filesystem.")))
}
