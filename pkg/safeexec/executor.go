package safeexec

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/kube-tarian/perftriage/pkg/metrics"
	"github.com/kube-tarian/perftriage/pkg/perferr"
	"github.com/kube-tarian/perftriage/pkg/stringutil"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

const (
	// DefaultMaxOutput caps captured stdout.
	DefaultMaxOutput = 4 << 20
	// DefaultStderrMax caps captured stderr, which is kept for diagnostics only.
	DefaultStderrMax = 64 << 10
	// DefaultTimeout applies when Options.Timeout is zero.
	DefaultTimeout = 30 * time.Second

	waitDelay = 2 * time.Second
)

// Options bound a single process execution.
type Options struct {
	// Timeout is the hard wall-clock limit; the process group is SIGKILLed when it expires.
	Timeout time.Duration
	// MaxOutput caps stdout bytes kept. Output beyond it is drained and discarded.
	MaxOutput int64
	// Cwd is the working directory; it must be absolute when set.
	Cwd string
	// Stdin is fed to the process. Only embedded programs use it.
	Stdin string
	// Window sends SIGINT after the tracing window so streaming tracers flush and exit.
	Window time.Duration
	// WindowFromFirstOutput starts the window at the first stdout byte instead of at spawn,
	// so eBPF compile time does not eat into the tracing window.
	WindowFromFirstOutput bool
}

// Result is the outcome of a process that was spawned.
type Result struct {
	Command          string        `json:"command"`
	Args             []string      `json:"args"`
	Stdout           string        `json:"stdout"`
	Stderr           string        `json:"stderr,omitempty"`
	ExitCode         int           `json:"exit_code"`
	Truncated        bool          `json:"truncated"`
	StderrTruncated  bool          `json:"stderr_truncated,omitempty"`
	Interrupted      bool          `json:"interrupted,omitempty"`
	Duration         time.Duration `json:"duration"`
	FirstOutputAfter time.Duration `json:"first_output_after,omitempty"`
}

// Executor runs allowlisted commands.
type Executor interface {
	// Exec validates and runs a command. A non-nil error is always a *perferr.Error; the
	// result is still returned for EXECUTION_FAILED and TIMEOUT so partial output can be used.
	Exec(ctx context.Context, name string, args []string, opts Options) (*Result, error)
	// Available reports whether the binary of a registered command exists on the host.
	Available(name string) bool
}

// HostExecutor spawns processes on the local host.
type HostExecutor struct {
	registry  *Registry
	maxOutput int64
	stderrMax int64
	timeout   time.Duration
	audit     *zap.SugaredLogger
	metrics   *metrics.Metrics
}

// HostExecutorOption customizes a HostExecutor.
type HostExecutorOption func(*HostExecutor)

// WithLimits overrides the default stdout/stderr caps and the default timeout.
func WithLimits(maxOutput, stderrMax int64, timeout time.Duration) HostExecutorOption {
	return func(e *HostExecutor) {
		if maxOutput > 0 {
			e.maxOutput = maxOutput
		}
		if stderrMax > 0 {
			e.stderrMax = stderrMax
		}
		if timeout > 0 {
			e.timeout = timeout
		}
	}
}

// WithAudit records every spawn and rejection on the given logger.
func WithAudit(audit *zap.SugaredLogger) HostExecutorOption {
	return func(e *HostExecutor) { e.audit = audit }
}

// WithMetrics instruments executions.
func WithMetrics(m *metrics.Metrics) HostExecutorOption {
	return func(e *HostExecutor) { e.metrics = m }
}

// NewHostExecutor creates an executor bound to registry.
func NewHostExecutor(registry *Registry, opts ...HostExecutorOption) *HostExecutor {
	e := &HostExecutor{
		registry:  registry,
		maxOutput: DefaultMaxOutput,
		stderrMax: DefaultStderrMax,
		timeout:   DefaultTimeout,
		audit:     zap.NewNop().Sugar(),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Available implements Executor.
func (e *HostExecutor) Available(name string) bool {
	return e.registry.Resolve(name) != ""
}

var permissionDeniedRe = regexp.MustCompile(`(?i)(operation not permitted|permission denied|must be run as root|need root|CAP_SYS_ADMIN|perf_event_paranoid)`)

// Exec implements Executor.
func (e *HostExecutor) Exec(ctx context.Context, name string, args []string, opts Options) (*Result, error) {
	if err := e.registry.Validate(name, args); err != nil {
		e.audit.Warnw("rejected command", "command", name, "args", args, "code", perferr.CodeOf(err))
		e.metrics.ObserveExec(name, string(perferr.CodeInvalidParams), 0)
		return nil, err
	}
	if opts.Cwd != "" && (!absPathRe.MatchString(opts.Cwd) || hasDotDot(opts.Cwd)) {
		e.metrics.ObserveExec(name, string(perferr.CodeInvalidParams), 0)
		return nil, perferr.New(perferr.CodeInvalidParams, "working directory %q is not an absolute path", opts.Cwd)
	}

	path := e.registry.Resolve(name)
	if path == "" {
		e.audit.Infow("command not installed", "command", name)
		e.metrics.ObserveExec(name, string(perferr.CodeToolNotFound), 0)
		return nil, perferr.New(perferr.CodeToolNotFound, "%s is not installed", name)
	}

	res, err := e.run(ctx, name, path, args, opts)

	result := "ok"
	if err != nil {
		result = string(perferr.CodeOf(err))
	}
	e.metrics.ObserveExec(name, result, res.Duration)
	e.audit.Infow("command finished",
		"command", name,
		"path", path,
		"args", args,
		"duration", res.Duration,
		"exit_code", res.ExitCode,
		"truncated", res.Truncated,
		"interrupted", res.Interrupted,
		"result", result,
	)

	return res, err
}

func (e *HostExecutor) run(ctx context.Context, name, path string, args []string, opts Options) (*Result, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = e.timeout
	}
	maxOutput := opts.MaxOutput
	if maxOutput <= 0 {
		maxOutput = e.maxOutput
	}

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	stdout := newLimitedBuffer(maxOutput)
	stderr := newLimitedBuffer(e.stderrMax)

	cmd := exec.CommandContext(execCtx, path, args...)
	cmd.Dir = opts.Cwd
	cmd.Env = childEnv()
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	if opts.Stdin != "" {
		cmd.Stdin = stringsReader(opts.Stdin)
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return killGroup(cmd, unix.SIGKILL)
	}
	cmd.WaitDelay = waitDelay

	res := &Result{Command: name, Args: args, ExitCode: -1}
	start := time.Now()

	if err := cmd.Start(); err != nil {
		res.Duration = time.Since(start)
		return res, startError(name, err)
	}

	var interrupted atomic.Bool
	done := make(chan struct{})
	if opts.Window > 0 {
		go func() {
			if opts.WindowFromFirstOutput {
				select {
				case <-stdout.first:
				case <-done:
					return
				}
			}
			select {
			case <-time.After(opts.Window):
				interrupted.Store(true)
				_ = killGroup(cmd, unix.SIGINT)
			case <-done:
			}
		}()
	}

	waitErr := cmd.Wait()
	close(done)

	res.Duration = time.Since(start)
	res.Stdout = stdout.String()
	res.Stderr = stderr.String()
	res.Truncated = stdout.truncated
	res.StderrTruncated = stderr.truncated
	if !stdout.firstAt.IsZero() {
		res.FirstOutputAfter = stdout.firstAt.Sub(start)
	}
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}

	if execCtx.Err() != nil {
		msg := fmt.Sprintf("%s exceeded its %s timeout and was killed", name, timeout)
		if errors.Is(ctx.Err(), context.Canceled) {
			msg = fmt.Sprintf("%s was killed because the caller gave up", name)
		}
		return res, perferr.New(perferr.CodeTimeout, "%s", msg).WithStderr(stringutil.Tail(res.Stderr, 512))
	}

	if interrupted.Load() {
		res.Interrupted = true
		return res, nil
	}

	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			excerpt := stringutil.Tail(res.Stderr, 1024)
			if permissionDeniedRe.MatchString(res.Stderr) {
				return res, perferr.New(perferr.CodePermissionDenied, "%s exited with code %d: insufficient privileges", name, res.ExitCode).WithStderr(excerpt)
			}
			return res, perferr.New(perferr.CodeExecutionFailed, "%s exited with code %d", name, res.ExitCode).WithStderr(excerpt)
		}
		return res, perferr.Wrap(perferr.CodeExecutionFailed, waitErr, "%s failed", name)
	}

	res.ExitCode = 0
	return res, nil
}

func startError(name string, err error) error {
	switch {
	case errors.Is(err, exec.ErrNotFound), errors.Is(err, os.ErrNotExist):
		return perferr.Wrap(perferr.CodeToolNotFound, err, "%s could not be started", name)
	case errors.Is(err, os.ErrPermission):
		return perferr.Wrap(perferr.CodePermissionDenied, err, "%s is not executable by this user", name)
	default:
		return perferr.Wrap(perferr.CodeExecutionFailed, err, "%s could not be started", name)
	}
}

func killGroup(cmd *exec.Cmd, sig unix.Signal) error {
	if cmd.Process == nil {
		return nil
	}
	// negative pid targets the process group created by Setpgid
	if err := unix.Kill(-cmd.Process.Pid, sig); err != nil && !errors.Is(err, unix.ESRCH) {
		return cmd.Process.Signal(sig)
	}
	return nil
}

func childEnv() []string {
	return []string{
		"PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin",
		"LANG=C",
		"LC_ALL=C",
		"PYTHONUNBUFFERED=1",
	}
}
