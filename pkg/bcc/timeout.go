package bcc

import (
	"time"

	"github.com/kube-tarian/perftriage/pkg/capabilities"
)

// Config sizes BCC timeouts.
type Config struct {
	// ColdCompile is the compile budget of a tool that never compiled on this host.
	ColdCompile time.Duration
	// WarmCompile is the minimum compile budget once a compile succeeded.
	WarmCompile time.Duration
	// NoBTFPenalty is added when the kernel has no BTF and headers must be parsed.
	NoBTFPenalty time.Duration
	// Buffer is added to every timeout.
	Buffer time.Duration
	// LowCPUBuffer is added on hosts with two CPUs or fewer.
	LowCPUBuffer time.Duration
}

// DefaultConfig returns the built-in timeout budgets.
func DefaultConfig() Config {
	return Config{
		ColdCompile:  30 * time.Second,
		WarmCompile:  3 * time.Second,
		NoBTFPenalty: 15 * time.Second,
		Buffer:       5 * time.Second,
		LowCPUBuffer: 10 * time.Second,
	}
}

// CompileEstimate is the expected compile time given the last recorded state; state may be nil.
func (c Config) CompileEstimate(state *ToolState) time.Duration {
	if state == nil || !state.CompileSucceeded {
		return c.ColdCompile
	}
	// last observed compile plus 20% headroom, never below the warm budget
	observed := time.Duration(state.CompileDurationMs) * time.Millisecond * 12 / 10
	if observed > c.WarmCompile {
		return observed
	}
	return c.WarmCompile
}

// CalculateTimeout sizes the hard timeout of a BCC run: the tracing window, the compile
// estimate and fixed buffers. It grows by exactly one second per second of duration and
// is larger without BTF than with it.
func (c Config) CalculateTimeout(durationSec int, caps *capabilities.Snapshot, state *ToolState) time.Duration {
	if durationSec < 0 {
		durationSec = 0
	}
	timeout := time.Duration(durationSec)*time.Second + c.CompileEstimate(state) + c.Buffer
	if caps != nil {
		if !caps.BTF {
			timeout += c.NoBTFPenalty
		}
		if caps.CPUs > 0 && caps.CPUs <= 2 {
			timeout += c.LowCPUBuffer
		}
	}
	return timeout
}
