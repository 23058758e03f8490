package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kube-tarian/perftriage/pkg/bcc"
	"github.com/kube-tarian/perftriage/pkg/capabilities"
	"github.com/kube-tarian/perftriage/pkg/log"
	"github.com/kube-tarian/perftriage/pkg/output"
	"github.com/kube-tarian/perftriage/pkg/perferr"
	"github.com/kube-tarian/perftriage/pkg/safeexec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	cleanStat = "cpu  100 0 100 800 0 0 0 0 0 0\ncpu0 25 0 25 200 0 0 0 0 0 0\nctxt 1000\nprocesses 50\nprocs_running 1\nprocs_blocked 0\n"

	cleanMeminfo = "MemTotal:       16000000 kB\nMemFree:         8000000 kB\nMemAvailable:   12000000 kB\nSwapTotal:             0 kB\nSwapFree:              0 kB\n"

	cleanNetDev = `Inter-|   Receive                                                |  Transmit
 face |bytes    packets errs drop fifo frame compressed multicast|bytes    packets errs drop fifo colls carrier compressed
    lo: 1000 10 0 0 0 0 0 0 1000 10 0 0 0 0 0 0
  eth0: 5000000 4000 0 0 0 0 0 0 3000000 3000 0 0 0 0 0 0
`

	snmpHeader = "Tcp: RtoAlgorithm RtoMin RtoMax MaxConn ActiveOpens PassiveOpens AttemptFails EstabResets CurrEstab InSegs OutSegs RetransSegs InErrs OutRsts InCsumErrors\n"
	cleanSNMP  = snmpHeader + "Tcp: 1 200 120000 -1 100 50 0 0 10 100000 100000 10 0 0 0\n"

	cleanIostat = `Linux 6.1.0-18-amd64 (web-1) 	01/15/2024 	_x86_64_	(4 CPU)

avg-cpu:  %user   %nice %system %iowait  %steal   %idle
           3.10    0.00    1.20    0.40    0.00   95.30

Device            r/s     rkB/s   rrqm/s  %rrqm r_await rareq-sz     w/s     wkB/s   wrqm/s  %wrqm w_await wareq-sz  aqu-sz  %util
sda              1.00     4.00     0.00   0.00    0.50     4.00    2.00     8.00     0.00   0.00    1.00     4.00    0.01   0.30
`

	perfReport = `# Samples: 12K of event 'cpu-clock:pppH'
#
    42.10%  nginx    [kernel.kallsyms]  [k] copy_user_enhanced_fast_string
    20.00%  nginx    libc.so.6          [.] __memcpy_avx_unaligned
`
)

func hostFiles() *safeexec.FakeFileReader {
	return safeexec.NewFakeFileReader(map[string]string{
		"/proc/sys/kernel/osrelease":                 "6.1.0-18-amd64\n",
		fmt.Sprintf("/proc/%d/status", os.Getpid()): "Name:\tperftriage\nUid:\t0\t0\t0\t0\n",
		"/proc/cpuinfo":                              "processor\t: 0\nprocessor\t: 1\nprocessor\t: 2\nprocessor\t: 3\n",
		"/proc/stat":                                 cleanStat,
		"/proc/loadavg":                              "0.50 0.40 0.30 1/200 1234\n",
		"/proc/meminfo":                              cleanMeminfo,
		"/proc/diskstats":                            "   8       0 sda 100 0 800 50 200 0 1600 100 0 1000 150\n",
		"/proc/net/dev":                              cleanNetDev,
		"/proc/net/snmp":                             cleanSNMP,
		"/proc/vmstat":                               "nr_free_pages 1000\noom_kill 0\n",
	}).
		Present(
			"/sys/kernel/btf/vmlinux",
			"/sys/kernel/tracing/events/block/block_rq_issue",
			"/sys/kernel/tracing/events/block/block_rq_complete",
			"/sys/kernel/tracing/events/sched/sched_wakeup",
			"/sys/kernel/tracing/events/sched/sched_switch",
			"/sys/kernel/tracing/events/raw_syscalls/sys_enter",
			"/sys/kernel/tracing/events/raw_syscalls/sys_exit",
			"/sys/kernel/tracing/events/syscalls/sys_enter_read",
			"/sys/kernel/tracing/events/sock/inet_sock_set_state",
		).
		Mount("/sys/kernel/tracing", safeexec.TraceFSMagic)
}

// sequenceFiles serves successive contents for a path, repeating the last one.
type sequenceFiles struct {
	*safeexec.FakeFileReader
	mu  sync.Mutex
	seq map[string][]string
}

func withSequence(files *safeexec.FakeFileReader, path string, contents ...string) *sequenceFiles {
	return &sequenceFiles{FakeFileReader: files, seq: map[string][]string{path: contents}}
}

func (s *sequenceFiles) Read(path string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if vals := s.seq[path]; len(vals) > 0 {
		v := vals[0]
		if len(vals) > 1 {
			s.seq[path] = vals[1:]
		}
		return v, nil
	}
	return s.FakeFileReader.Read(path)
}

func newEnv(t *testing.T, exec *safeexec.FakeExecutor, files safeexec.FileReader) *Env {
	t.Helper()
	exec.On("bpftrace --version", safeexec.FakeResponse{Stdout: "bpftrace v0.20.2\n"})
	caps := capabilities.NewDetector(exec, files, log.Discard())
	state := bcc.NewStateStore("", time.Hour, 1<<16)
	return &Env{
		Exec:           exec,
		Files:          files,
		Caps:           caps,
		BCC:            bcc.NewManager(exec, files, caps, state, log.Discard()),
		Logger:         log.Discard(),
		ArtifactDir:    t.TempDir(),
		SampleInterval: time.Millisecond,
	}
}

func dataOf[T any](t *testing.T, r output.Result) T {
	t.Helper()
	out, ok := r.(*output.StandardOutput[T])
	require.True(t, ok, "unexpected result type %T", r)
	return out.Data
}

func severities(r output.Result) map[string]output.Severity {
	out := map[string]output.Severity{}
	for _, f := range r.FindingList() {
		out[f.ID] = f.Severity
	}
	return out
}

func assertAllOK(t *testing.T, r output.Result) {
	t.Helper()
	require.True(t, r.Succeeded(), "%v", r.Err())
	require.NotEmpty(t, r.FindingList())
	for _, f := range r.FindingList() {
		assert.Equal(t, output.SeverityOK, f.Severity, f.ID)
	}
}

func TestParamsValidate(t *testing.T) {
	tests := []struct {
		name   string
		params Params
		code   perferr.Code
	}{
		{name: "defaults", params: Params{}},
		{name: "space in process name", params: Params{ProcessName: "nginx worker"}, code: perferr.CodeInvalidParams},
		{name: "bounds", params: Params{DurationSec: 1, PID: 1, ProcessName: "nginx", SampleRateHz: 1, MinLatencyMs: 60000}},
		{name: "duration too long", params: Params{DurationSec: 61}, code: perferr.CodeInvalidDuration},
		{name: "negative pid", params: Params{PID: -3}, code: perferr.CodeInvalidPID},
		{name: "sample rate", params: Params{SampleRateHz: 1000}, code: perferr.CodeInvalidParams},
		{name: "long process name", params: Params{ProcessName: strings.Repeat("a", 65)}, code: perferr.CodeInvalidParams},
		{name: "shell in process name", params: Params{ProcessName: "x;rm"}, code: perferr.CodeInvalidParams},
		{name: "min latency", params: Params{MinLatencyMs: 60001}, code: perferr.CodeInvalidParams},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.params.Validate()
			if tt.code == "" {
				assert.NoError(t, err)
				return
			}
			assert.Equal(t, tt.code, perferr.CodeOf(err))
		})
	}
}

func TestRegistryRun(t *testing.T) {
	reg := DefaultRegistry()
	assert.Len(t, reg.Names(), 13)

	tool, ok := reg.Get("cpu_profile")
	require.True(t, ok)
	assert.Equal(t, defaultProfileSec, tool.DefaultDurationSec)

	env := newEnv(t, safeexec.NewFakeExecutor(), hostFiles())

	res := reg.Run(context.Background(), env, "nope", Params{})
	assert.False(t, res.Succeeded())
	assert.Equal(t, perferr.CodeInvalidParams, res.Err().Code)

	res = reg.Run(context.Background(), env, "snapshot", Params{DurationSec: 90})
	assert.False(t, res.Succeeded())
	assert.Equal(t, perferr.CodeInvalidDuration, res.Err().Code)
	assert.Equal(t, "snapshot", res.ToolName())
}

func TestSnapshotClean(t *testing.T) {
	env := newEnv(t, safeexec.NewFakeExecutor(), hostFiles())

	res := Snapshot(context.Background(), env, Params{})
	assertAllOK(t, res)

	d := dataOf[*SnapshotData](t, res)
	assert.Equal(t, 4, d.CPUs)
	assert.Equal(t, 0.13, d.LoadPerCPU)
	assert.Equal(t, 25.0, d.MemoryUsedPercent)
	assert.Contains(t, severities(res), "memory-ok")
}

func TestSnapshotThresholds(t *testing.T) {
	files := hostFiles().
		Set("/proc/loadavg", "9.00 8.00 7.00 12/400 999\n").
		Set("/proc/meminfo", "MemTotal: 1000000 kB\nMemAvailable: 40000 kB\nSwapTotal: 1000 kB\nSwapFree: 200 kB\n")
	seq := withSequence(files, "/proc/stat",
		"cpu  100 0 100 800 0 0 0 0\nprocs_blocked 0\n",
		"cpu  1050 0 100 850 0 0 0 0\nprocs_blocked 9\n",
	)
	env := newEnv(t, safeexec.NewFakeExecutor(), seq)

	res := Snapshot(context.Background(), env, Params{})
	require.True(t, res.Succeeded())

	sev := severities(res)
	assert.Equal(t, output.SeverityCritical, sev["cpu-saturation"])
	assert.Equal(t, output.SeverityCritical, sev["cpu-utilization"])
	assert.Equal(t, output.SeverityCritical, sev["memory-pressure"])
	assert.Equal(t, output.SeverityWarning, sev["swap-usage"])
	assert.Equal(t, output.SeverityWarning, sev["blocked-tasks"])
	assert.Equal(t, 95.0, dataOf[*SnapshotData](t, res).CPU.Busy)
}

func TestSnapshotMissingProcfs(t *testing.T) {
	files := safeexec.NewFakeFileReader(map[string]string{"/proc/loadavg": "0.1 0.1 0.1 1/1 1\n"})
	env := newEnv(t, safeexec.NewFakeExecutor(), files)

	res := Snapshot(context.Background(), env, Params{})
	assert.False(t, res.Succeeded())
	assert.Equal(t, perferr.CodeFileNotFound, res.Err().Code)
}

func TestUseCheckClean(t *testing.T) {
	exec := safeexec.NewFakeExecutor().On("iostat -x -z 1 2", safeexec.FakeResponse{Stdout: cleanIostat})
	env := newEnv(t, exec, hostFiles())

	res := UseCheck(context.Background(), env, Params{})
	assertAllOK(t, res)

	d := dataOf[*UseCheckData](t, res)
	assert.Equal(t, "iostat", d.DiskSource)
	require.Len(t, d.Disks, 1)
	assert.Equal(t, "sda", d.Disks[0].Device)
	require.Len(t, d.Network, 1)
	assert.Equal(t, "eth0", d.Network[0].Interface)
	assert.Zero(t, d.TCPRetransPercent)

	for _, id := range []string{"use-cpu", "use-memory", "use-disk", "use-network"} {
		assert.Contains(t, severities(res), id)
	}
}

func TestUseCheckRetransmitsDuringSampling(t *testing.T) {
	exec := safeexec.NewFakeExecutor().On("iostat -x -z 1 2", safeexec.FakeResponse{Stdout: cleanIostat})
	files := withSequence(hostFiles(), "/proc/net/snmp",
		cleanSNMP,
		snmpHeader+"Tcp: 1 200 120000 -1 100 50 0 0 10 101000 101000 60 0 0 0\n",
	)
	env := newEnv(t, exec, files)

	res := UseCheck(context.Background(), env, Params{})
	require.True(t, res.Succeeded(), "%v", res.Err())

	d := dataOf[*UseCheckData](t, res)
	assert.Equal(t, 5.0, d.TCPRetransPercent)
	assert.Equal(t, output.SeverityCritical, severities(res)["tcp-retransmits"])
	assert.NotContains(t, severities(res), "use-network")
}

func TestUseCheckDiskstatsFallback(t *testing.T) {
	exec := safeexec.NewFakeExecutor().Missing("iostat")
	seq := withSequence(hostFiles(), "/proc/diskstats",
		"   8       0 sda 100 0 800 50 200 0 1600 100 0 1000 150\n",
		"   8       0 sda 200 0 1600 1050 300 0 3200 2100 2 3000 3150\n",
	)
	env := newEnv(t, exec, seq)

	res := UseCheck(context.Background(), env, Params{})
	require.True(t, res.Succeeded())

	d := dataOf[*UseCheckData](t, res)
	assert.Equal(t, "diskstats", d.DiskSource)
	require.Len(t, d.Disks, 1)
	assert.Equal(t, 15.0, d.Disks[0].AwaitMs)
	assert.Equal(t, 100.0, d.Disks[0].UtilPercent)
	assert.Equal(t, output.SeverityCritical, severities(res)["use-disk-sda"])
	assert.NotContains(t, exec.CalledNames().List(), "iostat")
}

func TestSyscallCountBCC(t *testing.T) {
	exec := safeexec.NewFakeExecutor().On("syscount -d 5 -L", safeexec.FakeResponse{Stdout: `SYSCALL                   COUNT        TIME (us)
futex                      5000       100.000
read                       2000        10.000
`})
	env := newEnv(t, exec, hostFiles())

	res := SyscallCount(context.Background(), env, Params{})
	require.True(t, res.Succeeded(), "%v", res.Err())

	d := dataOf[*SyscallData](t, res)
	assert.Equal(t, bcc.MethodBCC, d.Trace.Method)
	assert.Equal(t, uint64(7000), d.Summary.Total)
	assert.Equal(t, 1400.0, d.RatePerSec)
	assert.Equal(t, output.SeverityWarning, severities(res)["futex-contention"])
}

func TestSyscallCountFallback(t *testing.T) {
	exec := safeexec.NewFakeExecutor().Missing("syscount").
		On("bpftrace -q /dev/stdin", safeexec.FakeResponse{Stdout: `Attaching 320 probes...
@syscalls[tracepoint:syscalls:sys_enter_read]: 120
@syscalls[tracepoint:syscalls:sys_enter_write]: 300
`})
	env := newEnv(t, exec, hostFiles())

	res := SyscallCount(context.Background(), env, Params{DurationSec: 3, PID: 42})
	assertAllOK(t, res)

	out := res.(*output.StandardOutput[*SyscallData])
	assert.Equal(t, bcc.MethodBpftraceFallback, out.Data.Trace.Method)
	assert.Equal(t, uint64(420), out.Data.Summary.Total)
	assert.Contains(t, strings.Join(out.Warnings, "\n"), "bpftrace fallback")

	calls := exec.Calls()
	script := calls[len(calls)-1].Opts.Stdin
	assert.Contains(t, script, "pid == 42")
	assert.Contains(t, script, "interval:s:3")
}

func TestIOLayersQueueing(t *testing.T) {
	exec := safeexec.NewFakeExecutor().
		On("biolatency 5 1", safeexec.FakeResponse{Stdout: `     msecs               : count     distribution
         0 -> 1          : 0        |                                        |
       256 -> 511        : 10       |****************************************|
`}).
		On("iostat -x -z -y 5 1", safeexec.FakeResponse{Stdout: cleanIostat})
	env := newEnv(t, exec, hostFiles())

	res := IOLayers(context.Background(), env, Params{})
	require.True(t, res.Succeeded(), "%v", res.Err())

	d := dataOf[*IOLayersData](t, res)
	assert.Equal(t, 383.5, d.BlockP99Ms)
	require.Len(t, d.Devices, 1)
	assert.Greater(t, d.GapFactor, layerGapFactor)

	sev := severities(res)
	assert.Equal(t, output.SeverityCritical, sev["block-latency"])
	assert.Equal(t, output.SeverityWarning, sev["io-queueing"])
}

func TestIOLayersWithoutIostat(t *testing.T) {
	exec := safeexec.NewFakeExecutor().Missing("iostat").
		On("biolatency 5 1", safeexec.FakeResponse{Stdout: "     usecs               : count     distribution\n         4 -> 7          : 12       |****|\n"})
	env := newEnv(t, exec, hostFiles())

	res := IOLayers(context.Background(), env, Params{})
	assertAllOK(t, res)
	out := res.(*output.StandardOutput[*IOLayersData])
	assert.Empty(t, out.Data.Devices)
	assert.Contains(t, strings.Join(out.Warnings, "\n"), "device latency unavailable")
}

func TestIOLayersFailsWithoutBlockTrace(t *testing.T) {
	exec := safeexec.NewFakeExecutor().
		On("biolatency 5 1", safeexec.FakeResponse{Err: perferr.New(perferr.CodeExecutionFailed, "biolatency exited with code 1")}).
		On("bpftrace -q /dev/stdin", safeexec.FakeResponse{Err: perferr.New(perferr.CodeExecutionFailed, "bpftrace exited with code 1")}).
		On("iostat", safeexec.FakeResponse{Stdout: cleanIostat})
	env := newEnv(t, exec, hostFiles())

	res := IOLayers(context.Background(), env, Params{})
	assert.False(t, res.Succeeded())
	assert.Equal(t, perferr.CodeExecutionFailed, res.Err().Code)
}

func TestFileTraceFallback(t *testing.T) {
	exec := safeexec.NewFakeExecutor().Missing("fileslower").
		On("bpftrace -q /dev/stdin", safeexec.FakeResponse{Stdout: `Tracing VFS reads and writes for 5s...
@reads[postgres]: 40
@slow[postgres, W]: 4
@writes[postgres]: 10

@lat_us:
[16K, 32K)             3 |@@@@@@@@@@@@@@@@@@@@@@@@@@@@@@@@@@@@@@@@@@@@@@@@@@@@|
[128K, 256K)           1 |@@@@@@@@@@@@@@@@@                                   |
`})
	env := newEnv(t, exec, hostFiles())

	res := FileTrace(context.Background(), env, Params{MinLatencyMs: 20})
	require.True(t, res.Succeeded(), "%v", res.Err())

	d := dataOf[*FileTraceData](t, res)
	assert.Equal(t, bcc.MethodBpftraceFallback, d.Trace.Method)
	assert.Equal(t, uint64(4), d.SlowOps)
	assert.Equal(t, "postgres, W", d.Slow[0].Key)
	assert.Nil(t, d.Operations)
	assert.Equal(t, output.SeverityCritical, severities(res)["slow-file-io"])

	calls := exec.Calls()
	assert.Contains(t, calls[len(calls)-1].Opts.Stdin, "$us >= 20 * 1000")
}

func TestFileTraceBCC(t *testing.T) {
	exec := safeexec.NewFakeExecutor().On("fileslower 10", safeexec.FakeResponse{Stdout: `Tracing sync read/writes slower than 10 ms
TIME(s)  COMM           TID    D BYTES   LAT(ms) FILENAME
0.000    randread.pl    4762   R 8192      12.70 data1
1.100    randread.pl    4762   R 8192      40.00 data1
`})
	env := newEnv(t, exec, hostFiles())

	res := FileTrace(context.Background(), env, Params{})
	require.True(t, res.Succeeded(), "%v", res.Err())

	d := dataOf[*FileTraceData](t, res)
	require.NotNil(t, d.Operations)
	assert.Equal(t, uint64(2), d.SlowOps)
	assert.Equal(t, 10, d.MinLatencyMs)
	assert.Equal(t, output.SeverityWarning, severities(res)["slow-file-io"])
}

func TestExecTraceChurn(t *testing.T) {
	var b strings.Builder
	b.WriteString("PCOMM            PID    PPID   RET ARGS\n")
	for i := 0; i < 120; i++ {
		fmt.Fprintf(&b, "sh               %d  42     0 /bin/true\n", 1000+i)
	}
	exec := safeexec.NewFakeExecutor().On("execsnoop -x", safeexec.FakeResponse{Stdout: b.String()})
	env := newEnv(t, exec, hostFiles())

	res := ExecTrace(context.Background(), env, Params{})
	require.True(t, res.Succeeded(), "%v", res.Err())

	d := dataOf[*ExecTraceData](t, res)
	assert.Equal(t, 120, d.Execs.Total)
	assert.Equal(t, 24.0, d.RatePerSec)
	assert.Equal(t, output.SeverityWarning, severities(res)["exec-churn"])

	calls := exec.Calls()
	last := calls[len(calls)-1]
	assert.Equal(t, 5*time.Second, last.Opts.Window)
	assert.True(t, last.Opts.WindowFromFirstOutput)
}

func TestRunqLatency(t *testing.T) {
	exec := safeexec.NewFakeExecutor().On("runqlat -p 42 5 1", safeexec.FakeResponse{Stdout: `     msecs               : count     distribution
         0 -> 1          : 0        |                                        |
        64 -> 127        : 4        |****************************************|
`})
	env := newEnv(t, exec, hostFiles())

	res := RunqLatency(context.Background(), env, Params{PID: 42})
	require.True(t, res.Succeeded(), "%v", res.Err())
	assert.Equal(t, 95.5, dataOf[*RunqData](t, res).P99Ms)
	assert.Equal(t, output.SeverityCritical, severities(res)["runq-latency"])
}

func TestOffCPU(t *testing.T) {
	exec := safeexec.NewFakeExecutor().On("offcputime -f 5", safeexec.FakeResponse{Stdout: `Tracing off-CPU time (us) of all threads by user + kernel stack for 5 secs.
postgres;__libc_recv;entry_SYSCALL_64;schedule 5000
postgres;fdatasync;entry_SYSCALL_64;io_schedule 3000
sshd;select;schedule 100
`})
	env := newEnv(t, exec, hostFiles())

	res := OffCPU(context.Background(), env, Params{})
	require.True(t, res.Succeeded(), "%v", res.Err())

	d := dataOf[*OffCPUData](t, res)
	assert.Equal(t, uint64(8100), d.Summary.TotalUs)
	assert.Equal(t, 98.77, d.TopSharePercent)
	assert.Equal(t, output.SeverityWarning, severities(res)["offcpu-blocking"])
}

func TestTCPTraceFallback(t *testing.T) {
	exec := safeexec.NewFakeExecutor().Missing("tcplife").
		On("bpftrace -q /dev/stdin", safeexec.FakeResponse{Stdout: `PID     COMM             LADDR           LPORT RADDR           RPORT TX_KB RX_KB MS
22597   curl             10.0.0.5        46644 93.184.216.34   443       0     0 250
`})
	env := newEnv(t, exec, hostFiles())

	res := TCPTrace(context.Background(), env, Params{})
	assertAllOK(t, res)

	out := res.(*output.StandardOutput[*TCPTraceData])
	assert.Equal(t, 1, out.Data.Sessions.Sessions)
	assert.Equal(t, bcc.MethodBpftraceFallback, out.Data.Trace.Method)
	assert.Contains(t, strings.Join(out.Warnings, "\n"), "does not count bytes")
}

func TestDNSLatency(t *testing.T) {
	exec := safeexec.NewFakeExecutor().On("gethostlatency", safeexec.FakeResponse{Stdout: `TIME      PID    COMM                  LATms HOST
06:10:24  28011  wget                  90.00 www.iovisor.org
06:11:16  29054  curl                 250.00 slow.example.com
`})
	env := newEnv(t, exec, hostFiles())

	res := DNSLatency(context.Background(), env, Params{})
	require.True(t, res.Succeeded(), "%v", res.Err())

	d := dataOf[*DNSLatencyData](t, res)
	assert.Equal(t, 2, d.Lookups.Lookups)
	assert.Equal(t, "slow.example.com", d.Lookups.Hosts[0].Host)
	assert.Equal(t, output.SeverityWarning, severities(res)["dns-latency"])
}

func TestNetSummary(t *testing.T) {
	exec := safeexec.NewFakeExecutor().On("ss -s", safeexec.FakeResponse{Stdout: `Total: 30190
TCP:   30013 (estab 5, closed 1, orphaned 0, synrecv 2, timewait 20000/0), ports 0
`})
	files := hostFiles().Set("/proc/net/snmp", snmpHeader+"Tcp: 1 200 120000 -1 100 50 0 0 10 100000 100000 6000 0 0 0\n")
	env := newEnv(t, exec, files)

	res := NetSummary(context.Background(), env, Params{})
	require.True(t, res.Succeeded(), "%v", res.Err())

	d := dataOf[*NetSummaryData](t, res)
	require.NotNil(t, d.Sockets)
	assert.Equal(t, uint64(20000), d.Sockets.TimeWait)
	assert.Equal(t, int64(6000), d.TCP["RetransSegs"])
	assert.Len(t, d.Interfaces, 1)

	sev := severities(res)
	assert.Equal(t, output.SeverityWarning, sev["tcp-timewait"])
	assert.Equal(t, output.SeverityCritical, sev["tcp-retransmits"])
	assert.NotContains(t, sev, "tcp-synrecv")
}

func TestNetSummaryWithoutSS(t *testing.T) {
	env := newEnv(t, safeexec.NewFakeExecutor().Missing("ss"), hostFiles())

	res := NetSummary(context.Background(), env, Params{})
	assertAllOK(t, res)
	out := res.(*output.StandardOutput[*NetSummaryData])
	assert.Nil(t, out.Data.Sockets)
	assert.NotEmpty(t, out.Warnings)
}

func TestCgroupStats(t *testing.T) {
	dir := "/sys/fs/cgroup/system.slice/app.service/"
	files := hostFiles().
		Set("/proc/4242/cgroup", "0::/system.slice/app.service\n").
		Set(dir+"cpu.stat", "usage_usec 1000\nnr_periods 100\nnr_throttled 30\nthrottled_usec 5000\n").
		Set(dir+"cpu.max", "50000 100000\n").
		Set(dir+"memory.current", "950\n").
		Set(dir+"memory.max", "1000\n").
		Set(dir+"memory.events", "low 0\nhigh 0\nmax 3\noom 2\noom_kill 2\n").
		Set(dir+"io.stat", "8:0 rbytes=1 wbytes=2 rios=3 wios=4 dbytes=0 dios=0\n").
		Set(dir+"pids.current", "10\n").
		Set(dir+"pids.max", "max\n")
	env := newEnv(t, safeexec.NewFakeExecutor(), files)

	res := CgroupStats(context.Background(), env, Params{PID: 4242})
	require.True(t, res.Succeeded(), "%v", res.Err())

	d := dataOf[*CgroupData](t, res)
	assert.Equal(t, "/system.slice/app.service", d.Path)
	assert.Equal(t, 95.0, d.MemoryUsedPercent)
	assert.Len(t, d.IO, 1)
	assert.True(t, d.PidsMax.Unlimited)

	sev := severities(res)
	assert.Equal(t, output.SeverityCritical, sev["cgroup-cpu-throttling"])
	assert.Equal(t, output.SeverityCritical, sev["cgroup-oom-kill"])
	assert.Equal(t, output.SeverityWarning, sev["cgroup-memory-limit"])
	assert.NotContains(t, sev, "cgroup-pids-limit")
}

func TestCgroupStatsErrors(t *testing.T) {
	files := hostFiles().Set("/proc/7/cgroup", "4:memory:/legacy\n")
	env := newEnv(t, safeexec.NewFakeExecutor(), files)

	tests := []struct {
		pid  int
		code perferr.Code
	}{
		{pid: 0, code: perferr.CodeInvalidPID},
		{pid: 7, code: perferr.CodeCgroupNotFound},
		{pid: 99999, code: perferr.CodePIDNotFound},
	}
	for _, tt := range tests {
		res := CgroupStats(context.Background(), env, Params{PID: tt.pid})
		assert.False(t, res.Succeeded())
		assert.Equal(t, tt.code, res.Err().Code, "pid %d", tt.pid)
	}
}

func TestCPUProfile(t *testing.T) {
	exec := safeexec.NewFakeExecutor().On("perf", safeexec.FakeResponse{Stdout: perfReport})
	env := newEnv(t, exec, hostFiles())

	res := CPUProfile(context.Background(), env, Params{DurationSec: 2})
	require.True(t, res.Succeeded(), "%v", res.Err())

	d := dataOf[*ProfileData](t, res)
	assert.Equal(t, DefaultSampleHz, d.SampleRateHz)
	assert.Equal(t, "system", d.Target)
	assert.Equal(t, uint64(12000), d.Report.Samples)
	assert.Equal(t, output.SeverityInfo, severities(res)["cpu-hot-symbol"])

	var perf []safeexec.FakeCall
	for _, c := range exec.Calls() {
		if c.Name == "perf" {
			perf = append(perf, c)
		}
	}
	require.Len(t, perf, 2)
	assert.Equal(t, "record", perf[0].Args[0])
	assert.Contains(t, perf[0].Args, "-a")
	assert.Equal(t, []string{"--", "sleep", "2"}, perf[0].Args[len(perf[0].Args)-3:])
	data := perf[0].Args[5]
	assert.Equal(t, env.ArtifactDir, filepath.Dir(data))
	assert.Equal(t, "report", perf[1].Args[0])
	assert.Contains(t, perf[1].Args, data)
	assert.NoFileExists(t, data)
}

func TestCPUProfileBusy(t *testing.T) {
	exec := safeexec.NewFakeExecutor().On("perf", safeexec.FakeResponse{
		Err: perferr.New(perferr.CodeExecutionFailed, "perf exited with code 255").
			WithStderr("Error: open_counter returned with 16 (Device or resource busy)."),
	})
	env := newEnv(t, exec, hostFiles())

	res := CPUProfile(context.Background(), env, Params{PID: 42})
	require.True(t, res.Succeeded())

	out := res.(*output.StandardOutput[*ProfileData])
	assert.True(t, out.Data.Busy)
	assert.Equal(t, "pid 42", out.Data.Target)
	require.Len(t, out.Warnings, 1)
	assert.Contains(t, out.Warnings[0], string(perferr.CodeProfilerBusy))
}

func TestCPUProfileUnprivileged(t *testing.T) {
	files := hostFiles().
		Set(fmt.Sprintf("/proc/%d/status", os.Getpid()), "Name:\tperftriage\nUid:\t1000\t1000\t1000\t1000\n").
		Set("/proc/sys/kernel/perf_event_paranoid", "1\n")
	exec := safeexec.NewFakeExecutor().On("perf", safeexec.FakeResponse{Stdout: perfReport})

	res := CPUProfile(context.Background(), newEnv(t, exec, files), Params{PID: 42})
	require.True(t, res.Succeeded(), "%v", res.Err())
	assert.Equal(t, "pid 42", dataOf[*ProfileData](t, res).Target)

	res = CPUProfile(context.Background(), newEnv(t, exec, files), Params{})
	assert.False(t, res.Succeeded())
	assert.Equal(t, perferr.CodePermissionDenied, res.Err().Code)
}

func TestCPUProfileNeedsPerf(t *testing.T) {
	env := newEnv(t, safeexec.NewFakeExecutor().Missing("perf"), hostFiles())

	res := CPUProfile(context.Background(), env, Params{})
	assert.False(t, res.Succeeded())
	assert.Equal(t, perferr.CodeToolNotFound, res.Err().Code)
}
