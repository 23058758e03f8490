// Package tools implements the diagnostic tool handlers. Every handler gathers raw data
// through the execution boundary, parses it, and returns a StandardOutput envelope with
// findings and evidence.
package tools

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"time"

	"github.com/kube-tarian/perftriage/pkg/bcc"
	"github.com/kube-tarian/perftriage/pkg/capabilities"
	"github.com/kube-tarian/perftriage/pkg/metrics"
	"github.com/kube-tarian/perftriage/pkg/output"
	"github.com/kube-tarian/perftriage/pkg/perferr"
	"github.com/kube-tarian/perftriage/pkg/safeexec"
	"github.com/sirupsen/logrus"
)

// Input bounds.
const (
	MinDurationSec   = 1
	MaxDurationSec   = 60
	MinSampleRateHz  = 1
	MaxSampleRateHz  = 999
	MaxProcessName   = 64
	MaxMinLatencyMs  = 60000
	DefaultSampleHz  = 99
	DefaultSampleGap = time.Second
)

var processNameRe = regexp.MustCompile(`^[A-Za-z0-9_.:/-]+$`)

// Env is what handlers need from the outside world.
type Env struct {
	Exec    safeexec.Executor
	Files   safeexec.FileReader
	Caps    *capabilities.Detector
	BCC     *bcc.Manager
	Logger  *logrus.Logger
	Metrics *metrics.Metrics
	// ArtifactDir holds transient files such as perf.data.
	ArtifactDir string
	// SampleInterval separates the two samples of counter-based metrics.
	SampleInterval time.Duration
	// Progress receives BCC run progress.
	Progress bcc.ProgressFunc
}

func (e *Env) sampleInterval() time.Duration {
	if e.SampleInterval > 0 {
		return e.SampleInterval
	}
	return DefaultSampleGap
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return perferr.Wrap(perferr.CodeTimeout, ctx.Err(), "sampling interrupted")
	}
}

// Params are the inputs shared by all tools. Zero values mean "tool default".
type Params struct {
	DurationSec  int    `json:"duration_sec,omitempty" yaml:"duration_sec,omitempty"`
	PID          int    `json:"pid,omitempty" yaml:"pid,omitempty"`
	ProcessName  string `json:"process_name,omitempty" yaml:"process_name,omitempty"`
	SampleRateHz int    `json:"sample_rate_hz,omitempty" yaml:"sample_rate_hz,omitempty"`
	MinLatencyMs int    `json:"min_latency_ms,omitempty" yaml:"min_latency_ms,omitempty"`
}

// Validate checks the input bounds.
func (p Params) Validate() error {
	switch {
	case p.DurationSec != 0 && (p.DurationSec < MinDurationSec || p.DurationSec > MaxDurationSec):
		return perferr.New(perferr.CodeInvalidDuration, "duration %ds is outside [%d,%d]s", p.DurationSec, MinDurationSec, MaxDurationSec)
	case p.PID < 0:
		return perferr.New(perferr.CodeInvalidPID, "pid %d is not a positive integer", p.PID)
	case p.SampleRateHz != 0 && (p.SampleRateHz < MinSampleRateHz || p.SampleRateHz > MaxSampleRateHz):
		return perferr.New(perferr.CodeInvalidParams, "sample rate %dHz is outside [%d,%d]Hz", p.SampleRateHz, MinSampleRateHz, MaxSampleRateHz)
	case len(p.ProcessName) > MaxProcessName:
		return perferr.New(perferr.CodeInvalidParams, "process name is longer than %d characters", MaxProcessName)
	case p.ProcessName != "" && !processNameRe.MatchString(p.ProcessName):
		return perferr.New(perferr.CodeInvalidParams, "process name %q contains unsupported characters", p.ProcessName)
	case p.MinLatencyMs < 0 || p.MinLatencyMs > MaxMinLatencyMs:
		return perferr.New(perferr.CodeInvalidParams, "min latency %dms is outside [0,%d]ms", p.MinLatencyMs, MaxMinLatencyMs)
	}
	return nil
}

// Map is the params echo of an envelope.
func (p Params) Map() map[string]any {
	m := map[string]any{}
	if p.DurationSec != 0 {
		m["duration_sec"] = p.DurationSec
	}
	if p.PID != 0 {
		m["pid"] = p.PID
	}
	if p.ProcessName != "" {
		m["process_name"] = p.ProcessName
	}
	if p.SampleRateHz != 0 {
		m["sample_rate_hz"] = p.SampleRateHz
	}
	if p.MinLatencyMs != 0 {
		m["min_latency_ms"] = p.MinLatencyMs
	}
	return m
}

func (p Params) duration(def int) int {
	if p.DurationSec == 0 {
		return def
	}
	return p.DurationSec
}

func pidArgs(flag string, pid int) []string {
	if pid <= 0 {
		return nil
	}
	return []string{flag, strconv.Itoa(pid)}
}

// Handler runs one tool.
type Handler func(ctx context.Context, env *Env, p Params) output.Result

// Tool is a registered handler.
type Tool struct {
	Name        string
	Description string
	Category    string
	// DefaultDurationSec applies when Params.DurationSec is zero; zero for instant tools.
	DefaultDurationSec int
	// BCC is set for tools that run through the BCC manager.
	BCC     bool
	Handler Handler
}

// Registry maps tool names to handlers.
type Registry struct {
	tools map[string]Tool
}

// NewRegistry builds a registry.
func NewRegistry(tools ...Tool) *Registry {
	r := &Registry{tools: map[string]Tool{}}
	for _, t := range tools {
		r.tools[t.Name] = t
	}
	return r
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// Names lists the registered tools, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.tools))
	for n := range r.tools {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Run validates params and runs the named tool. Failures come back as unsuccessful
// envelopes, never as panics or bare errors.
func (r *Registry) Run(ctx context.Context, env *Env, name string, p Params) output.Result {
	t, ok := r.tools[name]
	if !ok {
		return output.Failed[any](name, p.Map(), time.Now(), perferr.New(perferr.CodeInvalidParams, "unknown tool %q", name))
	}
	if err := p.Validate(); err != nil {
		return output.Failed[any](name, p.Map(), time.Now(), err)
	}
	return t.Handler(ctx, env, p)
}

// DefaultRegistry holds every tool.
func DefaultRegistry() *Registry {
	return NewRegistry(
		Tool{Name: "snapshot", Category: output.CategorySystem, Handler: Snapshot,
			Description: "Load, CPU, memory, PSI and process counts from procfs."},
		Tool{Name: "use_check", Category: output.CategorySystem, Handler: UseCheck,
			Description: "USE method (utilization, saturation, errors) over CPU, memory, disks and network."},
		Tool{Name: "syscall_count", Category: output.CategoryCPU, DefaultDurationSec: defaultTraceSec, BCC: true, Handler: SyscallCount,
			Description: "Syscall counts and latency (syscount, bpftrace fallback)."},
		Tool{Name: "io_layers", Category: output.CategoryIO, DefaultDurationSec: defaultTraceSec, BCC: true, Handler: IOLayers,
			Description: "Block-layer latency (biolatency) against device-level latency (iostat)."},
		Tool{Name: "file_trace", Category: output.CategoryIO, DefaultDurationSec: defaultTraceSec, BCC: true, Handler: FileTrace,
			Description: "Slow file reads and writes (fileslower, bpftrace fallback)."},
		Tool{Name: "exec_trace", Category: output.CategoryProcess, DefaultDurationSec: defaultTraceSec, BCC: true, Handler: ExecTrace,
			Description: "Process exec churn (execsnoop, bpftrace fallback)."},
		Tool{Name: "runq_latency", Category: output.CategoryCPU, DefaultDurationSec: defaultTraceSec, BCC: true, Handler: RunqLatency,
			Description: "Run queue latency histogram (runqlat, bpftrace fallback)."},
		Tool{Name: "offcpu", Category: output.CategoryCPU, DefaultDurationSec: defaultTraceSec, BCC: true, Handler: OffCPU,
			Description: "Time spent blocked off-CPU per process (offcputime, bpftrace fallback)."},
		Tool{Name: "tcp_trace", Category: output.CategoryNetwork, DefaultDurationSec: defaultTraceSec, BCC: true, Handler: TCPTrace,
			Description: "TCP session lifetimes and throughput (tcplife, bpftrace fallback)."},
		Tool{Name: "dns_latency", Category: output.CategoryNetwork, DefaultDurationSec: defaultTraceSec, BCC: true, Handler: DNSLatency,
			Description: "Resolver latency per host (gethostlatency, bpftrace fallback)."},
		Tool{Name: "net_summary", Category: output.CategoryNetwork, Handler: NetSummary,
			Description: "Socket states, TCP retransmits and interface errors."},
		Tool{Name: "cgroup_stats", Category: output.CategoryProcess, Handler: CgroupStats,
			Description: "cgroup v2 CPU throttling, memory limits and OOM events of a process."},
		Tool{Name: "cpu_profile", Category: output.CategoryCPU, DefaultDurationSec: defaultProfileSec, Handler: CPUProfile,
			Description: "On-CPU profile with perf record and perf report."},
	)
}

// collector accumulates the parts of one envelope.
type collector struct {
	env      *Env
	tool     string
	params   Params
	start    time.Time
	findings []output.Finding
	evidence []output.Evidence
	warnings []string
}

func newCollector(env *Env, tool string, p Params) *collector {
	return &collector{env: env, tool: tool, params: p, start: time.Now(), warnings: []string{}}
}

func (c *collector) add(f output.Finding) {
	c.findings = append(c.findings, f)
	c.env.Metrics.ObserveFinding(c.tool, string(f.Severity))
}

func (c *collector) ok(id, category, title string) {
	c.add(output.NewFinding(id, output.SeverityOK, category, title, title))
}

func (c *collector) evidenceOf(source string, typ output.EvidenceType, data any) {
	c.evidence = append(c.evidence, output.NewEvidence(source, typ, data))
}

func (c *collector) warn(format string, args ...any) {
	c.warnings = append(c.warnings, fmt.Sprintf(format, args...))
}

func (c *collector) read(path string) (string, error) {
	return c.env.Files.Read(path)
}

// readOptional returns "" with a warning when path cannot be read.
func (c *collector) readOptional(path string) string {
	content, err := c.env.Files.Read(path)
	if err != nil {
		c.warn("%s unavailable: %s", path, perferr.From(err).Message)
		return ""
	}
	return content
}

func (c *collector) runBCC(ctx context.Context, req bcc.Request) (*bcc.Result, error) {
	if c.env.BCC == nil {
		return nil, perferr.New(perferr.CodeFeatureUnavailable, "BCC runtime is not configured")
	}
	req.Progress = c.env.Progress
	res, err := c.env.BCC.Run(ctx, req)
	if err != nil {
		return nil, err
	}
	c.warnings = append(c.warnings, res.Warnings...)
	return res, nil
}

func (c *collector) log() *logrus.Entry {
	return c.env.Logger.WithField("tool", c.tool)
}

func done[T any](c *collector, data T) *output.StandardOutput[T] {
	c.log().WithFields(logrus.Fields{
		"findings": len(c.findings),
		"took":     time.Since(c.start),
	}).Debug("tool finished")
	return output.New(c.tool, c.params.Map(), data, output.Options{
		Success:    true,
		DurationMs: time.Since(c.start).Milliseconds(),
		Findings:   c.findings,
		Evidence:   c.evidence,
		Warnings:   c.warnings,
	})
}

func failed[T any](c *collector, err error) *output.StandardOutput[T] {
	c.log().WithError(err).Debug("tool failed")
	return output.Failed[T](c.tool, c.params.Map(), c.start, err, c.warnings...)
}

// grade picks a severity from a value and two ascending thresholds.
func grade(v, warning, critical float64) output.Severity {
	switch {
	case v >= critical:
		return output.SeverityCritical
	case v >= warning:
		return output.SeverityWarning
	}
	return output.SeverityOK
}
