package tools

import (
	"context"
	"fmt"

	"github.com/kube-tarian/perftriage/pkg/output"
	"github.com/kube-tarian/perftriage/pkg/parsers"
)

// SyscallData is the syscall mix over the tracing window.
type SyscallData struct {
	Trace      Trace            `json:"trace" yaml:"trace"`
	RatePerSec float64          `json:"rate_per_sec" yaml:"rate_per_sec"`
	Summary    parsers.Syscalls `json:"summary" yaml:"summary"`
}

// minFutexSample is the call count below which the futex share is noise.
const minFutexSample = 1000

// SyscallCount counts syscalls with syscount, or a bpftrace tracepoint script.
func SyscallCount(ctx context.Context, env *Env, p Params) output.Result {
	c := newCollector(env, "syscall_count", p)
	dur := p.duration(defaultTraceSec)

	args := append([]string{"-d", itoa(dur), "-L"}, pidArgs("-p", p.PID)...)
	res, err := c.trace(ctx, "syscount", "syscall", dur, false, args...)
	if err != nil {
		return failed[*SyscallData](c, err)
	}

	d := &SyscallData{Trace: traceOf(res, dur)}
	if fallback(res) {
		d.Summary = parsers.SyscallsFromMaps(parsers.ParseBpftraceMaps(res.Output), "@syscalls")
	} else {
		d.Summary = parsers.ParseSyscount(res.Output)
	}
	if d.Summary.Syscalls == nil {
		d.Summary.Syscalls = []parsers.SyscallCount{}
	}
	d.RatePerSec = round2(float64(d.Summary.Total) / float64(dur))
	if d.Summary.Total == 0 {
		c.warn("no syscalls were recorded in %ds", dur)
	}

	c.evidenceOf(res.Tool, output.EvidenceTrace, d.Summary.Syscalls)
	checkSyscalls(c, d)
	return done(c, d)
}

func checkSyscalls(c *collector, d *SyscallData) {
	issues := false
	if d.RatePerSec >= syscallRateWarn {
		issues = true
		top := "unknown"
		if len(d.Summary.Syscalls) > 0 {
			top = d.Summary.Syscalls[0].Name
		}
		c.add(output.NewFinding("syscall-rate", output.SeverityWarning, output.CategoryCPU,
			"Very high syscall rate",
			fmt.Sprintf("%.0f syscalls per second, led by %s.", d.RatePerSec, top),
			output.WithConfidence(70),
			output.WithMetrics(map[string]float64{"syscalls_per_sec": d.RatePerSec}),
			output.WithSuggestion("Batch small reads and writes, and check for busy polling loops.")))
	}

	var futex uint64
	for _, s := range d.Summary.Syscalls {
		if s.Name == "futex" {
			futex = s.Count
		}
	}
	if d.Summary.Total >= minFutexSample {
		share := round2(float64(futex) / float64(d.Summary.Total) * 100)
		if share >= futexShareWarn {
			issues = true
			c.add(output.NewFinding("futex-contention", output.SeverityWarning, output.CategoryProcess,
				"Lock contention suspected",
				fmt.Sprintf("futex makes up %.1f%% of all syscalls, which points at contended locks or condition variables.", share),
				output.WithConfidence(60),
				output.WithMetrics(map[string]float64{"futex_percent": share, "futex_calls": float64(futex)}),
				output.WithSuggestion("Look at off-CPU stacks (offcpu) to find the contended lock.")))
		}
	}

	if !issues {
		c.ok("syscalls-ok", output.CategoryCPU, "Syscall rate and mix normal")
	}
}
