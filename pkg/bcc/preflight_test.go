package bcc

import (
	"context"
	"fmt"
	"os"
	"testing"

	"github.com/kube-tarian/perftriage/pkg/safeexec"
	"github.com/stretchr/testify/assert"
)

func TestPreflight(t *testing.T) {
	tests := []struct {
		name        string
		tool        string
		files       func() *safeexec.FakeFileReader
		missing     []string
		canRun      bool
		wantWarning bool
	}{
		{
			name:   "all present",
			tool:   "biolatency",
			files:  hostFiles,
			canRun: true,
		},
		{
			name:    "tracepoint missing",
			tool:    "runqlat",
			files:   hostFiles,
			missing: []string{"tracepoint sched/sched_wakeup"},
		},
		{
			name: "tracing under debugfs",
			tool: "offcputime",
			files: func() *safeexec.FakeFileReader {
				return safeexec.NewFakeFileReader(map[string]string{
					"/proc/sys/kernel/osrelease":                 "6.1.0-18-amd64\n",
					fmt.Sprintf("/proc/%d/status", os.Getpid()): "Uid:\t0\t0\t0\t0\n",
				}).
					Present("/sys/kernel/btf/vmlinux", "/sys/kernel/debug/tracing/events/sched/sched_switch").
					Mount("/sys/kernel/debug", safeexec.DebugFSMagic)
			},
			canRun: true,
		},
		{
			name: "no tracefs, no btf, headers installed",
			tool: "execsnoop",
			files: func() *safeexec.FakeFileReader {
				return safeexec.NewFakeFileReader(map[string]string{
					"/proc/sys/kernel/osrelease":                 "6.1.0-18-amd64\n",
					fmt.Sprintf("/proc/%d/status", os.Getpid()): "Uid:\t0\t0\t0\t0\n",
				}).Present("/lib/modules/6.1.0-18-amd64/build")
			},
			missing:     []string{"debugfs/tracefs is not mounted"},
			wantWarning: true,
		},
		{
			name: "unprivileged without headers or btf",
			tool: "execsnoop",
			files: func() *safeexec.FakeFileReader {
				return safeexec.NewFakeFileReader(map[string]string{
					"/proc/sys/kernel/osrelease":                 "6.1.0-18-amd64\n",
					fmt.Sprintf("/proc/%d/status", os.Getpid()): "Uid:\t1000\t1000\t1000\t1000\n",
				}).Mount("/sys/kernel/tracing", safeexec.TraceFSMagic)
			},
			missing: []string{"root privileges (CAP_BPF/CAP_SYS_ADMIN)", "kernel headers or BTF"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newTestManager(t, safeexec.NewFakeExecutor(), tt.files())
			res := m.Preflight(context.Background(), tt.tool)

			assert.Equal(t, tt.canRun, res.CanRun)
			if tt.canRun {
				assert.Empty(t, res.MissingDeps)
				assert.Empty(t, res.Suggestion)
			} else {
				assert.Equal(t, tt.missing, res.MissingDeps)
				assert.NotEmpty(t, res.Suggestion)
			}
			assert.Equal(t, tt.wantWarning, len(res.Warnings) > 0)
		})
	}
}

func TestPreflightMissingTool(t *testing.T) {
	m := newTestManager(t, safeexec.NewFakeExecutor().Missing("tcplife"), hostFiles())
	res := m.Preflight(context.Background(), "tcplife")
	assert.False(t, res.CanRun)
	assert.Contains(t, res.MissingDeps[0], "tcplife is not installed")
}
