package parsers

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSS(t *testing.T) {
	s := ParseSS(`Total: 190
TCP:   13 (estab 5, closed 1, orphaned 0, synrecv 2, timewait 4/0), ports 0

Transport Total     IP        IPv6
RAW	  1         0         1
UDP	  5         3         2
TCP	  12        8         4
INET	  18        11        7
FRAG	  0         0         0
`)
	assert.Equal(t, SocketSummary{
		Total: 190, TCPTotal: 13, Established: 5, Closed: 1, Orphaned: 0,
		SynRecv: 2, TimeWait: 4, UDP: 5, RAW: 1,
	}, s)

	assert.Equal(t, SocketSummary{}, ParseSS("ss: command failed"))
}

func TestParsePerfReport(t *testing.T) {
	r := ParsePerfReport(`# To display the perf.data header info, please use --header/--header-only options.
#
# Samples: 12K of event 'cpu-clock:pppH'
# Event count (approx.): 3000000000
#
# Overhead  Command  Shared Object      Symbol
# ........  .......  .................  ..............
#
    42.10%  nginx    [kernel.kallsyms]  [k] copy_user_enhanced_fast_string
    20.00%  nginx    libc.so.6          [.] __memcpy_avx_unaligned
     8.50%  java     libjvm.so          [.] SpinPause
            |
            ---SpinPause
`)
	assert.Equal(t, uint64(12000), r.Samples)
	assert.Equal(t, "cpu-clock:pppH", r.Event)
	require.Len(t, r.Entries, 3)
	assert.Equal(t, PerfEntry{Overhead: 42.1, Command: "nginx", SharedObject: "[kernel.kallsyms]", Symbol: "copy_user_enhanced_fast_string", Kernel: true}, r.Entries[0])
	assert.Equal(t, 42.1, r.KernelPercent)

	children := ParsePerfReport("    60.00%    42.10%  nginx  [kernel.kallsyms]  [k] do_syscall_64\n")
	require.Len(t, children.Entries, 1)
	assert.Equal(t, 42.1, children.Entries[0].Overhead)
}

func TestParseBpftraceMaps(t *testing.T) {
	maps := ParseBpftraceMaps(`Attaching 320 probes...

@syscalls[tracepoint:syscalls:sys_enter_read]: 120
@syscalls[tracepoint:syscalls:sys_enter_write]: 300
@ops[nginx, R]: 4
@total: 424
`)
	assert.Equal(t, int64(424), maps["@total"][""])
	assert.Equal(t, int64(4), maps["@ops"]["nginx, R"])

	s := SyscallsFromMaps(maps, "@syscalls")
	assert.Equal(t, uint64(420), s.Total)
	assert.Equal(t, SyscallCount{Name: "write", Count: 300}, s.Syscalls[0])
}

func TestParseOffcputimeFolded(t *testing.T) {
	o := ParseOffcputimeFolded(`Tracing off-CPU time (us) of all threads by user + kernel stack for 5 secs.
postgres;__libc_recv;entry_SYSCALL_64;schedule 5000
postgres;fdatasync;entry_SYSCALL_64;io_schedule 3000
sshd;select;schedule 100
`)
	assert.Equal(t, uint64(8100), o.TotalUs)
	assert.Equal(t, Count{Key: "postgres", Count: 8000}, o.ByCommand[0])
	assert.Equal(t, "postgres;__libc_recv;entry_SYSCALL_64;schedule", o.TopStacks[0].Key)

	fromMaps := OffCPUFromMaps(ParseBpftraceMaps("@offcpu_us[postgres]: 900\n@offcpu_us[cron]: 100\n"), "@offcpu_us")
	assert.Equal(t, uint64(1000), fromMaps.TotalUs)
	assert.Equal(t, "postgres", fromMaps.ByCommand[0].Key)
}

func TestSummarizeAndTopN(t *testing.T) {
	d := Summarize([]float64{5, 1, 3, 2, 4})
	assert.Equal(t, Distribution{Count: 5, Min: 1, Max: 5, Mean: 3, P50: 3, P99: 5}, d)
	assert.Equal(t, Distribution{}, Summarize(nil))

	top := TopN(map[string]uint64{"b": 2, "a": 2, "c": 5}, 2)
	assert.Equal(t, []Count{{Key: "c", Count: 5}, {Key: "a", Count: 2}}, top)
}
