// Package triage runs a set of tool handlers against a host or process and correlates their
// findings into ranked root causes.
package triage

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/kube-tarian/perftriage/pkg/metrics"
	"github.com/kube-tarian/perftriage/pkg/output"
	"github.com/kube-tarian/perftriage/pkg/perferr"
	"github.com/kube-tarian/perftriage/pkg/reportqueue"
	"github.com/kube-tarian/perftriage/pkg/tools"
	uuid "github.com/satori/go.uuid"
	"github.com/scylladb/go-set/strset"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Mode selects how many tools a run uses.
type Mode string

const (
	ModeQuick    Mode = "quick"
	ModeStandard Mode = "standard"
	ModeDeep     Mode = "deep"
)

// Focus biases ranking toward one resource.
type Focus string

const (
	FocusAuto    Focus = "auto"
	FocusCPU     Focus = "cpu"
	FocusMemory  Focus = "memory"
	FocusIO      Focus = "io"
	FocusNetwork Focus = "network"
)

var (
	modes   = strset.New(string(ModeQuick), string(ModeStandard), string(ModeDeep))
	focuses = strset.New(string(FocusAuto), string(FocusCPU), string(FocusMemory), string(FocusIO), string(FocusNetwork))
)

// Wall-clock budgets per mode. They are advisory: every handler is bounded by its own deadlines.
var budgets = map[Mode]time.Duration{
	ModeQuick:    5 * time.Second,
	ModeStandard: 10 * time.Second,
	ModeDeep:     30 * time.Second,
}

// MaxConcurrency bounds the handlers running at once.
const MaxConcurrency = 4

// Request describes one triage run.
type Request struct {
	Mode             Mode   `json:"mode" yaml:"mode"`
	PID              int    `json:"pid,omitempty" yaml:"pid,omitempty"`
	ProcessName      string `json:"process_name,omitempty" yaml:"process_name,omitempty"`
	Focus            Focus  `json:"focus" yaml:"focus"`
	IncludeExecTrace bool   `json:"include_exec_trace,omitempty" yaml:"include_exec_trace,omitempty"`
}

func (r Request) withDefaults() Request {
	if r.Mode == "" {
		r.Mode = ModeStandard
	}
	if r.Focus == "" {
		r.Focus = FocusAuto
	}
	return r
}

// Validate checks the request after defaults are applied.
func (r Request) Validate() error {
	r = r.withDefaults()
	if !modes.Has(string(r.Mode)) {
		return perferr.New(perferr.CodeInvalidParams, "mode %q is not one of quick, standard, deep", r.Mode)
	}
	if !focuses.Has(string(r.Focus)) {
		return perferr.New(perferr.CodeInvalidParams, "focus %q is not one of auto, cpu, memory, io, network", r.Focus)
	}
	return r.params().Validate()
}

func (r Request) params() tools.Params {
	return tools.Params{PID: r.PID, ProcessName: r.ProcessName}
}

// ToolsFor lists the tools a request runs, in execution order.
func ToolsFor(r Request) []string {
	r = r.withDefaults()
	names := []string{"snapshot", "use_check"}
	if r.Mode == ModeStandard || r.Mode == ModeDeep {
		names = append(names, "syscall_count")
	}
	if r.Mode == ModeDeep {
		names = append(names, "io_layers", "file_trace")
	}
	if r.IncludeExecTrace {
		names = append(names, "exec_trace")
	}
	return names
}

// Engine runs triage requests.
type Engine struct {
	registry  *tools.Registry
	env       *tools.Env
	logger    *logrus.Logger
	metrics   *metrics.Metrics
	publisher reportqueue.Publisher
	warnings  []string
}

// Option customizes an Engine.
type Option func(*Engine)

// WithPublisher publishes every finished report.
func WithPublisher(p reportqueue.Publisher) Option {
	return func(e *Engine) { e.publisher = p }
}

// WithWarnings adds caller warnings to every report, such as a publisher that could not
// be set up.
func WithWarnings(warnings ...string) Option {
	return func(e *Engine) { e.warnings = append(e.warnings, warnings...) }
}

// WithRegistry replaces the default tool registry.
func WithRegistry(r *tools.Registry) Option {
	return func(e *Engine) { e.registry = r }
}

// NewEngine creates an engine running handlers against env.
func NewEngine(env *tools.Env, opts ...Option) *Engine {
	e := &Engine{
		registry: tools.DefaultRegistry(),
		env:      env,
		logger:   env.Logger,
		metrics:  env.Metrics,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Run executes the tools of the request and builds a report. The error is non-nil only
// for an invalid request; tool failures are recorded in the report.
func (e *Engine) Run(ctx context.Context, req Request) (*Report, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	req = req.withDefaults()

	id := uuid.NewV4().String()
	logger := e.logger.WithFields(logrus.Fields{
		"triage_id": id,
		"mode":      req.Mode,
		"pid":       req.PID,
	})

	names := ToolsFor(req)
	logger.WithField("tools", names).Info("triage started")

	start := time.Now()
	results := e.runAll(ctx, logger, names, req.params())
	elapsed := time.Since(start)

	report := buildReport(id, req, names, results, elapsed)
	if budget := budgets[req.Mode]; elapsed > budget {
		report.Warnings = append(report.Warnings,
			fmt.Sprintf("triage took %s, over the %s budget of %s mode", elapsed.Round(time.Millisecond), budget, req.Mode))
	}
	if req.ProcessName != "" && req.PID == 0 {
		report.Warnings = append(report.Warnings, "process_name only labels the report; tools are scoped by pid")
	}
	report.Warnings = append(report.Warnings, e.warnings...)

	e.metrics.ObserveTriage(string(req.Mode), report.Success)
	logger.WithFields(logrus.Fields{
		"success":     report.Success,
		"failed":      len(report.ToolsFailed),
		"root_causes": len(report.RootCauses),
		"took":        elapsed,
	}).Info("triage finished")

	if e.publisher != nil {
		if err := e.publisher.Publish(report); err != nil {
			logger.WithError(err).Warn("failed to publish triage report")
			report.Warnings = append(report.Warnings, "report was not published: "+err.Error())
		}
	}

	return report, nil
}

// runAll runs every tool with at most MaxConcurrency in flight. Results keep the order of names.
func (e *Engine) runAll(ctx context.Context, logger *logrus.Entry, names []string, p tools.Params) []output.Result {
	results := make([]output.Result, len(names))

	var g errgroup.Group
	g.SetLimit(MaxConcurrency)
	for i, name := range names {
		g.Go(func() error {
			results[i] = e.runOne(ctx, logger, name, p)
			return nil
		})
	}
	_ = g.Wait()

	return results
}

func (e *Engine) runOne(ctx context.Context, logger *logrus.Entry, name string, p tools.Params) (res output.Result) {
	started := time.Now()
	defer func() {
		if r := recover(); r != nil {
			logger.WithFields(logrus.Fields{
				"tool":  name,
				"panic": r,
				"stack": string(debug.Stack()),
			}).Error("tool handler panicked")
			res = output.Failed[any](name, p.Map(), started, perferr.New(perferr.CodeExecutionFailed, "%s handler panicked: %v", name, r))
		}
	}()

	res = e.registry.Run(ctx, e.env, name, p)
	if err := res.Err(); err != nil && !res.Succeeded() {
		logger.WithField("tool", name).WithError(err).Warn("tool failed")
	}
	return res
}
