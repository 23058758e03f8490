package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/kube-tarian/perftriage/pkg/output"
	"github.com/kube-tarian/perftriage/pkg/parsers"
	"github.com/kube-tarian/perftriage/pkg/perferr"
	"github.com/kube-tarian/perftriage/pkg/safeexec"
	"github.com/kube-tarian/perftriage/pkg/stringutil"
	uuid "github.com/satori/go.uuid"
)

const (
	perfRecordSlack = 15 * time.Second
	perfReportLimit = 30 * time.Second
	hotSymbols      = 10
)

var profilerBusyRe = regexp.MustCompile(`(?i)(device or resource busy|EBUSY)`)

// ProfileData is a flat on-CPU profile.
type ProfileData struct {
	DurationSec  int                `json:"duration_sec" yaml:"duration_sec"`
	SampleRateHz int                `json:"sample_rate_hz" yaml:"sample_rate_hz"`
	Target       string             `json:"target" yaml:"target"`
	Report       parsers.PerfReport `json:"report" yaml:"report"`
	// Busy is set when another profiler held the PMU and nothing was sampled.
	Busy bool `json:"busy,omitempty" yaml:"busy,omitempty"`
}

// CPUProfile samples stacks with perf record and summarizes them with perf report.
// perf.data is written under the artifact directory and removed afterwards.
func CPUProfile(ctx context.Context, env *Env, p Params) output.Result {
	c := newCollector(env, "cpu_profile", p)
	dur := p.duration(defaultProfileSec)
	rate := p.SampleRateHz
	if rate == 0 {
		rate = DefaultSampleHz
	}

	caps := env.Caps.Detect(ctx)
	if ok, reason := caps.CanUsePerf(p.PID); !ok {
		code := perferr.CodePermissionDenied
		if !caps.HasBinary("perf") {
			code = perferr.CodeToolNotFound
		}
		return failed[*ProfileData](c, perferr.New(code, "%s", reason))
	}

	d := &ProfileData{DurationSec: dur, SampleRateHz: rate, Target: "system", Report: parsers.PerfReport{Entries: []parsers.PerfEntry{}}}
	target := []string{"-a"}
	if p.PID > 0 {
		target = []string{"-p", itoa(p.PID)}
		d.Target = fmt.Sprintf("pid %d", p.PID)
	}

	if err := os.MkdirAll(env.ArtifactDir, 0o755); err != nil {
		return failed[*ProfileData](c, perferr.Wrap(perferr.CodeExecutionFailed, err, "creating artifact dir %s", env.ArtifactDir))
	}
	data := filepath.Join(env.ArtifactDir, fmt.Sprintf("perf-%s.data", uuid.NewV4()))
	defer func() {
		if err := os.Remove(data); err != nil && !os.IsNotExist(err) {
			c.log().WithError(err).Warn("could not remove perf.data")
		}
	}()

	record := append([]string{"record", "-F", itoa(rate), "-g", "-o", data}, target...)
	record = append(record, "--", "sleep", itoa(dur))
	res, err := env.Exec.Exec(ctx, "perf", record, safeexec.Options{Timeout: time.Duration(dur)*time.Second + perfRecordSlack})
	if err != nil {
		stderr := perferr.From(err).Stderr
		if res != nil {
			stderr += res.Stderr
		}
		if profilerBusyRe.MatchString(stderr) {
			d.Busy = true
			c.warn("%s: another profiler is using the performance counters: %s", perferr.CodeProfilerBusy, stringutil.Truncate(stderr, 200))
			return done(c, d)
		}
		return failed[*ProfileData](c, err)
	}

	rep, err := env.Exec.Exec(ctx, "perf", []string{
		"report", "-i", data, "--stdio", "--no-children", "-g", "none",
		"--percent-limit", "1", "--sort", "comm,dso,sym",
	}, safeexec.Options{Timeout: perfReportLimit})
	if err != nil {
		return failed[*ProfileData](c, err)
	}
	d.Report = parsers.ParsePerfReport(rep.Stdout)
	if rep.Truncated {
		c.warn("%s", output.TruncatedWarning("perf report"))
	}
	if d.Report.Samples == 0 {
		c.warn("perf recorded no samples")
	}

	top := d.Report.Entries
	if len(top) > hotSymbols {
		top = top[:hotSymbols]
	}
	c.evidenceOf("perf report", output.EvidenceProfile, top)
	checkProfile(c, d)
	return done(c, d)
}

func checkProfile(c *collector, d *ProfileData) {
	issues := false
	if len(d.Report.Entries) > 0 && d.Report.Entries[0].Overhead >= hotSymbolInfo {
		issues = true
		e := d.Report.Entries[0]
		c.add(output.NewFinding("cpu-hot-symbol", output.SeverityInfo, output.CategoryCPU,
			"Hot function",
			fmt.Sprintf("%s in %s (%s) takes %.1f%% of sampled CPU time.", e.Symbol, e.SharedObject, e.Command, e.Overhead),
			output.WithConfidence(70),
			output.WithMetrics(map[string]float64{"overhead_percent": e.Overhead}),
			output.WithSuggestion("Optimize or avoid calling this function on the hot path.")))
	}
	if d.Report.KernelPercent >= kernelProfileWarn {
		issues = true
		c.add(output.NewFinding("cpu-kernel-time", output.SeverityWarning, output.CategoryCPU,
			"Most CPU time spent in the kernel",
			fmt.Sprintf("Kernel symbols account for %.1f%% of samples.", d.Report.KernelPercent),
			output.WithConfidence(70),
			output.WithMetrics(map[string]float64{"kernel_percent": d.Report.KernelPercent}),
			output.WithSuggestion("Count syscalls (syscall_count) and check for lock or page fault storms.")))
	}
	if !issues {
		c.ok("cpu-profile-ok", output.CategoryCPU, "No dominant CPU hot spot")
	}
}
