// Package bcc runs BCC eBPF tools with compile-aware timeouts, persists compile timings across
// runs and falls back to embedded bpftrace scripts when a tool cannot run.
package bcc

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/kube-tarian/perftriage/pkg/capabilities"
	"github.com/kube-tarian/perftriage/pkg/metrics"
	"github.com/kube-tarian/perftriage/pkg/output"
	"github.com/kube-tarian/perftriage/pkg/perferr"
	"github.com/kube-tarian/perftriage/pkg/safeexec"
	"github.com/kube-tarian/perftriage/pkg/stringutil"
	"github.com/sirupsen/logrus"
)

// Run methods reported in results and metrics.
const (
	MethodBCC              = "bcc"
	MethodBpftraceFallback = "bpftrace_fallback"
)

const (
	warmupWindow  = 100 * time.Millisecond
	lastErrorSize = 256
)

// Phase is a step of a run as reported to a ProgressFunc.
type Phase string

// Phases in the order a run can pass through them.
const (
	PhasePreflight Phase = "preflight"
	PhaseCompiling Phase = "compiling"
	PhaseTracing   Phase = "tracing"
	PhaseParsing   Phase = "parsing"
	PhaseFallback  Phase = "fallback"
	PhaseComplete  Phase = "complete"
	PhaseError     Phase = "error"
)

// Progress is an advisory status update.
type Progress struct {
	Tool               string        `json:"tool"`
	Phase              Phase         `json:"phase"`
	Elapsed            time.Duration `json:"elapsed"`
	EstimatedRemaining time.Duration `json:"estimated_remaining"`
	Message            string        `json:"message,omitempty"`
}

// ProgressFunc receives progress updates. It must not block.
type ProgressFunc func(Progress)

// Request describes one BCC tool run.
type Request struct {
	Tool string
	Args []string
	// DurationSec is the tracing window.
	DurationSec int
	// Streaming tools take no duration argument and are interrupted once the window has
	// elapsed after their first output.
	Streaming bool
	// Fallback names the embedded bpftrace script to run when the tool cannot; empty
	// means no fallback.
	Fallback       string
	FallbackParams ScriptParams
	Progress       ProgressFunc
}

// Result is the raw output of a successful run.
type Result struct {
	Tool            string        `json:"tool"`
	Method          string        `json:"method"`
	Output          string        `json:"-"`
	Truncated       bool          `json:"truncated"`
	Warnings        []string      `json:"warnings"`
	Timeout         time.Duration `json:"timeout"`
	CompileDuration time.Duration `json:"compile_duration"`
	Duration        time.Duration `json:"duration"`
}

// Manager runs BCC tools through the execution boundary.
type Manager struct {
	exec    safeexec.Executor
	files   safeexec.FileReader
	caps    *capabilities.Detector
	state   *StateStore
	cfg     Config
	logger  *logrus.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithConfig replaces the timeout budgets.
func WithConfig(cfg Config) Option {
	return func(m *Manager) {
		m.cfg = cfg
	}
}

// WithMetrics records run outcomes.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) {
		m.metrics = mt
	}
}

// NewManager creates a manager. A nil state keeps compile timings in memory only.
func NewManager(exec safeexec.Executor, files safeexec.FileReader, caps *capabilities.Detector, state *StateStore, logger *logrus.Logger, opts ...Option) *Manager {
	if state == nil {
		state = NewStateStore("", 0, 0)
	}
	m := &Manager{
		exec:   exec,
		files:  files,
		caps:   caps,
		state:  state,
		cfg:    DefaultConfig(),
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// State exposes the compile-state store.
func (m *Manager) State() *StateStore {
	return m.state
}

// Preflight reports whether tool can run on this host.
func (m *Manager) Preflight(ctx context.Context, tool string) PreflightResult {
	return preflight(tool, m.caps.Detect(ctx), m.exec, m.files)
}

// CalculateTimeout sizes the timeout of a run of tool with the recorded compile state.
func (m *Manager) CalculateTimeout(ctx context.Context, tool string, durationSec int) time.Duration {
	return m.cfg.CalculateTimeout(durationSec, m.caps.Detect(ctx), m.toolState(tool))
}

// Run executes the tool, falling back to the embedded script when the tool cannot run or
// fails. An error is returned only when every strategy is exhausted.
func (m *Manager) Run(ctx context.Context, req Request) (*Result, error) {
	tr := &tracker{fn: req.Progress, tool: req.Tool, start: time.Now()}
	snap := m.caps.Detect(ctx)

	tr.emit(PhasePreflight, 0, "checking headers, BTF, tracefs and tracepoints")
	pf := preflight(req.Tool, snap, m.exec, m.files)

	var primary error
	if pf.CanRun {
		res, err := m.runTool(ctx, req, snap, tr)
		if err == nil {
			res.Warnings = slices.Concat(pf.Warnings, res.Warnings)
			tr.emit(PhaseComplete, 0, "")
			return res, nil
		}
		primary = err
	} else {
		primary = m.unavailable(req.Tool, pf)
		m.metrics.ObserveBccRun(req.Tool, MethodBCC, string(perferr.CodeOf(primary)))
	}

	if req.Fallback == "" {
		tr.emit(PhaseError, 0, primary.Error())
		return nil, primary
	}

	m.logger.WithFields(logrus.Fields{
		"tool":   req.Tool,
		"script": req.Fallback,
	}).WithError(primary).Info("falling back to bpftrace")

	res, err := m.runFallback(ctx, req, snap, primary, tr)
	if err != nil {
		tr.emit(PhaseError, 0, err.Error())
		return nil, exhausted(primary, err, req.Fallback)
	}
	tr.emit(PhaseComplete, 0, "")
	return res, nil
}

// Warmup compiles and attaches the tool, then interrupts it as soon as it reports being
// ready, so a later run starts with a warm compile estimate.
func (m *Manager) Warmup(ctx context.Context, tool string) (time.Duration, error) {
	snap := m.caps.Detect(ctx)
	pf := preflight(tool, snap, m.exec, m.files)
	if !pf.CanRun {
		err := m.unavailable(tool, pf)
		m.metrics.ObserveBccRun(tool, "warmup", string(perferr.CodeOf(err)))
		return 0, err
	}

	timeout := m.cfg.CalculateTimeout(0, snap, m.toolState(tool))
	res, err := m.exec.Exec(ctx, tool, nil, safeexec.Options{
		Timeout:               timeout,
		Window:                warmupWindow,
		WindowFromFirstOutput: true,
	})
	if err != nil {
		m.recordFailure(tool, err)
		m.metrics.ObserveBccRun(tool, "warmup", string(perferr.CodeOf(err)))
		return 0, err
	}

	compile := compileDuration(res, warmupWindow, true)
	m.recordSuccess(tool, compile)
	m.metrics.ObserveBccRun(tool, "warmup", "ok")
	m.logger.WithFields(logrus.Fields{"tool": tool, "compile": compile}).Info("bcc tool warmed up")
	return compile, nil
}

func (m *Manager) runTool(ctx context.Context, req Request, snap *capabilities.Snapshot, tr *tracker) (*Result, error) {
	st := m.toolState(req.Tool)
	timeout := m.cfg.CalculateTimeout(req.DurationSec, snap, st)
	window := time.Duration(req.DurationSec) * time.Second
	estimate := m.cfg.CompileEstimate(st)
	if !snap.BTF {
		estimate += m.cfg.NoBTFPenalty
	}

	opts := safeexec.Options{Timeout: timeout}
	if req.Streaming {
		opts.Window = window
		opts.WindowFromFirstOutput = true
	}

	tr.emit(PhaseCompiling, estimate+window, fmt.Sprintf("compiling eBPF program, timeout %s", timeout))
	stop := tr.after(estimate, PhaseTracing, window, "tracing")
	res, err := m.exec.Exec(ctx, req.Tool, req.Args, opts)
	stop()

	if err != nil {
		m.recordFailure(req.Tool, err)
		m.metrics.ObserveBccRun(req.Tool, MethodBCC, string(perferr.CodeOf(err)))
		m.logger.WithField("tool", req.Tool).WithError(err).Warn("bcc tool failed")
		return nil, err
	}

	compile := compileDuration(res, window, req.Streaming)
	m.recordSuccess(req.Tool, compile)
	m.metrics.ObserveBccRun(req.Tool, MethodBCC, "ok")
	tr.emit(PhaseParsing, 0, "")

	out := &Result{
		Tool:            req.Tool,
		Method:          MethodBCC,
		Output:          res.Stdout,
		Truncated:       res.Truncated,
		Warnings:        []string{},
		Timeout:         timeout,
		CompileDuration: compile,
		Duration:        res.Duration,
	}
	if res.Truncated {
		out.Warnings = append(out.Warnings, output.TruncatedWarning(req.Tool))
	}
	return out, nil
}

func (m *Manager) runFallback(ctx context.Context, req Request, snap *capabilities.Snapshot, primary error, tr *tracker) (*Result, error) {
	tr.emit(PhaseFallback, 0, "running bpftrace script "+req.Fallback)

	fp := fallbackPreflight(req.Fallback, snap, m.files)
	if !fp.CanRun {
		err := perferr.New(perferr.CodeFeatureUnavailable, "bpftrace fallback %s cannot run: %s", req.Fallback, fp.Reason()).
			WithSuggestion(fp.Suggestion)
		m.metrics.ObserveBccRun(req.Tool, MethodBpftraceFallback, string(err.Code))
		return nil, err
	}

	script, err := RenderScript(req.Fallback, req.FallbackParams)
	if err != nil {
		return nil, err
	}

	key := scriptKey(req.Fallback)
	timeout := m.cfg.CalculateTimeout(req.FallbackParams.DurationSec, snap, m.toolState(key))
	res, err := m.exec.Exec(ctx, "bpftrace", []string{"-q", "/dev/stdin"}, safeexec.Options{
		Timeout: timeout,
		Stdin:   script,
	})
	if err != nil {
		m.recordFailure(key, err)
		m.metrics.ObserveBccRun(req.Tool, MethodBpftraceFallback, string(perferr.CodeOf(err)))
		return nil, err
	}

	window := time.Duration(req.FallbackParams.DurationSec) * time.Second
	compile := compileDuration(res, window, false)
	m.recordSuccess(key, compile)
	m.metrics.ObserveBccRun(req.Tool, MethodBpftraceFallback, "ok")
	tr.emit(PhaseParsing, 0, "")

	p := perferr.From(primary)
	out := &Result{
		Tool:   req.Tool,
		Method: MethodBpftraceFallback,
		Output: res.Stdout,
		Warnings: slices.Concat(fp.Warnings, []string{
			fmt.Sprintf("%s unavailable (%s: %s); used bpftrace fallback script %s", req.Tool, p.Code, p.Message, req.Fallback),
		}),
		Truncated:       res.Truncated,
		Timeout:         timeout,
		CompileDuration: compile,
		Duration:        res.Duration,
	}
	if res.Truncated {
		out.Warnings = append(out.Warnings, output.TruncatedWarning("bpftrace"))
	}
	return out, nil
}

func (m *Manager) toolState(tool string) *ToolState {
	st, ok := m.state.Get(tool)
	if !ok {
		return nil
	}
	return &st
}

func (m *Manager) recordSuccess(tool string, compile time.Duration) {
	m.state.Update(tool, ToolState{
		LastCompileTime:   m.now().UTC(),
		CompileSucceeded:  true,
		CompileDurationMs: compile.Milliseconds(),
	})
	m.flush()
}

func (m *Manager) recordFailure(tool string, err error) {
	st := ToolState{LastCompileTime: m.now().UTC(), LastError: stringutil.Ellipsis(err.Error(), lastErrorSize)}
	// a killed run still compiled if it ever produced output; keep the earlier estimate
	if prev := m.toolState(tool); prev != nil && prev.CompileSucceeded && perferr.CodeOf(err) == perferr.CodeTimeout {
		st.CompileSucceeded = true
		st.CompileDurationMs = prev.CompileDurationMs
	}
	m.state.Update(tool, st)
	m.flush()
}

func (m *Manager) flush() {
	if err := m.state.Flush(); err != nil {
		m.logger.WithError(err).Debug("could not persist bcc compile state")
	}
}

func (m *Manager) unavailable(tool string, pf PreflightResult) error {
	code := perferr.CodeFeatureUnavailable
	if !m.exec.Available(tool) {
		code = perferr.CodeToolNotFound
	}
	return perferr.New(code, "%s cannot run: %s", tool, pf.Reason()).WithSuggestion(pf.Suggestion)
}

// compileDuration estimates compile and attach time from a finished run.
func compileDuration(res *safeexec.Result, window time.Duration, streaming bool) time.Duration {
	if streaming && res.FirstOutputAfter > 0 {
		return res.FirstOutputAfter
	}
	est := res.Duration - window
	if res.FirstOutputAfter > 0 && (est <= 0 || res.FirstOutputAfter < est) {
		est = res.FirstOutputAfter
	}
	if est < 0 {
		return 0
	}
	return est
}

func exhausted(primary, fallback error, script string) error {
	p := perferr.From(primary)
	e := perferr.Wrap(p.Code, primary, "bpftrace fallback %s also failed: %v", script, fallback)
	e.Suggestion = p.Suggestion
	e.Stderr = p.Stderr
	return e
}

type tracker struct {
	fn    ProgressFunc
	tool  string
	start time.Time
	mu    sync.Mutex
	// seq counts emitted phases; a delayed phase is dropped once a later one was emitted.
	seq int
}

func (t *tracker) emit(phase Phase, remaining time.Duration, msg string) {
	if t.fn == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.emitLocked(phase, remaining, msg)
}

func (t *tracker) emitLocked(phase Phase, remaining time.Duration, msg string) {
	t.seq++
	t.fn(Progress{
		Tool:               t.tool,
		Phase:              phase,
		Elapsed:            time.Since(t.start),
		EstimatedRemaining: remaining,
		Message:            msg,
	})
}

// after emits phase once d has elapsed, unless the returned stop func runs first or another
// phase is emitted in the meantime.
func (t *tracker) after(d time.Duration, phase Phase, remaining time.Duration, msg string) (stop func()) {
	if t.fn == nil {
		return func() {}
	}

	t.mu.Lock()
	scheduled := t.seq
	t.mu.Unlock()

	timer := time.AfterFunc(d, func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		if t.seq != scheduled {
			return
		}
		t.emitLocked(phase, remaining, msg)
	})
	return func() {
		timer.Stop()
		t.mu.Lock()
		t.seq++
		t.mu.Unlock()
	}
}
