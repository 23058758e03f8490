package tools

import (
	"context"
	"strconv"

	"github.com/kube-tarian/perftriage/pkg/bcc"
)

const (
	defaultTraceSec   = 5
	defaultProfileSec = 10
)

// Trace records how a tracing tool ran.
type Trace struct {
	Method      string `json:"method" yaml:"method"`
	DurationSec int    `json:"duration_sec" yaml:"duration_sec"`
	CompileMs   int64  `json:"compile_ms" yaml:"compile_ms"`
	TimeoutMs   int64  `json:"timeout_ms" yaml:"timeout_ms"`
	Truncated   bool   `json:"truncated" yaml:"truncated"`
}

func traceOf(res *bcc.Result, dur int) Trace {
	return Trace{
		Method:      res.Method,
		DurationSec: dur,
		CompileMs:   res.CompileDuration.Milliseconds(),
		TimeoutMs:   res.Timeout.Milliseconds(),
		Truncated:   res.Truncated,
	}
}

// fallback reports whether res came from an embedded bpftrace script.
func fallback(res *bcc.Result) bool {
	return res.Method == bcc.MethodBpftraceFallback
}

// trace runs a BCC tool with its bpftrace fallback script.
func (c *collector) trace(ctx context.Context, tool, script string, dur int, streaming bool, args ...string) (*bcc.Result, error) {
	return c.traceMin(ctx, tool, script, dur, streaming, c.params.MinLatencyMs, args...)
}

// traceMin is trace with an explicit latency floor for the fallback script.
func (c *collector) traceMin(ctx context.Context, tool, script string, dur int, streaming bool, minMs int, args ...string) (*bcc.Result, error) {
	return c.runBCC(ctx, bcc.Request{
		Tool:        tool,
		Args:        args,
		DurationSec: dur,
		Streaming:   streaming,
		Fallback:    script,
		FallbackParams: bcc.ScriptParams{
			DurationSec:  dur,
			PID:          c.params.PID,
			MinLatencyMs: minMs,
		},
	})
}

func itoa(n int) string {
	return strconv.Itoa(n)
}
