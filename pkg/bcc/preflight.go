package bcc

import (
	"fmt"
	"strings"

	"github.com/kube-tarian/perftriage/pkg/capabilities"
	"github.com/kube-tarian/perftriage/pkg/safeexec"
)

// requiredTracepoints lists the tracepoints each BCC tool attaches to. Tools built on
// kprobes and uprobes only need a tracefs mount.
var requiredTracepoints = map[string][]string{
	"biolatency": {"block/block_rq_issue", "block/block_rq_complete"},
	"biosnoop":   {"block/block_rq_issue", "block/block_rq_complete"},
	"runqlat":    {"sched/sched_wakeup", "sched/sched_switch"},
	"cpudist":    {"sched/sched_switch"},
	"offcputime": {"sched/sched_switch"},
	"tcplife":    {"sock/inet_sock_set_state"},
	"tcpretrans": {"tcp/tcp_retransmit_skb"},
	"syscount":   {"raw_syscalls/sys_enter", "raw_syscalls/sys_exit"},
}

// scriptTracepoints is the same for the embedded fallback scripts.
var scriptTracepoints = map[string][]string{
	"syscall":    {"syscalls/sys_enter_read"},
	"biolatency": {"block/block_rq_issue", "block/block_rq_complete"},
	"proclife":   {"sched/sched_process_fork", "sched/sched_process_exec", "sched/sched_process_exit"},
	"runqlat":    {"sched/sched_wakeup", "sched/sched_switch"},
	"offcpu":     {"sched/sched_switch"},
	"tcptrace":   {"sock/inet_sock_set_state"},
}

// PreflightResult tells whether a tool can run on this host.
type PreflightResult struct {
	CanRun      bool     `json:"can_run"`
	MissingDeps []string `json:"missing_deps"`
	Warnings    []string `json:"warnings"`
	Suggestion  string   `json:"suggestion,omitempty"`
	// TraceFS is the tracing root that was found, empty when none is mounted.
	TraceFS string `json:"tracefs,omitempty"`
}

func (p *PreflightResult) missing(dep, suggestion string) {
	p.MissingDeps = append(p.MissingDeps, dep)
	if p.Suggestion == "" {
		p.Suggestion = suggestion
	}
}

// Reason joins the missing dependencies into one line.
func (p *PreflightResult) Reason() string {
	return strings.Join(p.MissingDeps, "; ")
}

// traceFSRoot finds where the tracing events live, preferring the dedicated tracefs mount.
func traceFSRoot(files safeexec.FileReader) string {
	switch {
	case files.Mounted("/sys/kernel/tracing", safeexec.TraceFSMagic):
		return "/sys/kernel/tracing"
	case files.Mounted("/sys/kernel/debug/tracing", safeexec.TraceFSMagic),
		files.Mounted("/sys/kernel/debug", safeexec.DebugFSMagic):
		return "/sys/kernel/debug/tracing"
	}
	return ""
}

// preflight checks the host side of running a BCC tool: binary, privilege, kernel headers
// or BTF, tracefs and the tracepoints the tool attaches to.
func preflight(tool string, caps *capabilities.Snapshot, exec safeexec.Executor, files safeexec.FileReader) PreflightResult {
	res := PreflightResult{MissingDeps: []string{}, Warnings: []string{}}

	if !exec.Available(tool) {
		res.missing(fmt.Sprintf("BCC tool %s is not installed", tool),
			"Install bcc-tools (bpfcc-tools on Debian/Ubuntu).")
	}
	if !caps.IsRoot {
		res.missing("root privileges (CAP_BPF/CAP_SYS_ADMIN)",
			"Run as root or grant CAP_BPF/CAP_PERFMON/CAP_SYS_ADMIN.")
	}
	if caps.Kernel.Major > 0 && !caps.Kernel.AtLeast(4, 9) {
		res.missing(fmt.Sprintf("kernel %s is older than 4.9", caps.Kernel), "Upgrade the kernel to 4.9 or newer.")
	}

	headers := caps.Kernel.Release != "" && files.Exists("/lib/modules/"+caps.Kernel.Release+"/build")
	switch {
	case !headers && !caps.BTF:
		res.missing("kernel headers or BTF",
			fmt.Sprintf("Install kernel headers (linux-headers-%s) or use a kernel with CONFIG_DEBUG_INFO_BTF.", caps.Kernel.Release))
	case !caps.BTF:
		res.Warnings = append(res.Warnings, "kernel has no BTF; compilation parses kernel headers and is slower")
	}

	res.TraceFS = traceFSRoot(files)
	if res.TraceFS == "" {
		res.missing("debugfs/tracefs is not mounted", "mount -t debugfs debugfs /sys/kernel/debug")
	} else {
		for _, tp := range requiredTracepoints[tool] {
			if !files.Exists(res.TraceFS + "/events/" + tp) {
				res.missing("tracepoint "+tp, "The kernel does not expose the tracepoint; use an alternative tool.")
			}
		}
	}

	res.CanRun = len(res.MissingDeps) == 0
	return res
}

// fallbackPreflight checks what an embedded bpftrace script needs.
func fallbackPreflight(script string, caps *capabilities.Snapshot, files safeexec.FileReader) PreflightResult {
	res := PreflightResult{MissingDeps: []string{}, Warnings: []string{}}
	if ok, reason := caps.CanUseBpftrace(); !ok {
		res.missing(reason, "Install bpftrace and run as root.")
	}
	res.TraceFS = traceFSRoot(files)
	if res.TraceFS == "" {
		res.missing("debugfs/tracefs is not mounted", "mount -t debugfs debugfs /sys/kernel/debug")
	} else {
		for _, tp := range scriptTracepoints[script] {
			if !files.Exists(res.TraceFS + "/events/" + tp) {
				res.missing("tracepoint "+tp, "The kernel does not expose the tracepoint.")
			}
		}
	}
	res.CanRun = len(res.MissingDeps) == 0
	return res
}
