package parsers

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStatAndUsage(t *testing.T) {
	prev := ParseStat(`cpu  100 0 50 800 50 0 0 0 0 0
cpu0 50 0 25 400 25 0 0 0 0 0
cpu1 50 0 25 400 25 0 0 0 0 0
intr 12345 0 0
ctxt 1990473
processes 2915
procs_running 3
procs_blocked 1
`)
	cur := ParseStat("cpu  160 0 70 900 70 0 0 0 0 0\n")

	require.Len(t, prev.CPUs, 2)
	assert.Equal(t, uint64(1990473), prev.ContextSwitches)
	assert.Equal(t, uint64(3), prev.ProcsRunning)
	assert.Equal(t, uint64(1), prev.ProcsBlocked)

	u := CPUUsageBetween(prev.CPU, cur.CPU)
	// delta total 200: user 60, system 20, idle 100, iowait 20
	assert.Equal(t, 30.0, u.User)
	assert.Equal(t, 10.0, u.System)
	assert.Equal(t, 10.0, u.IOWait)
	assert.Equal(t, 50.0, u.Idle)
	assert.Equal(t, 40.0, u.Busy)

	assert.Equal(t, CPUUsage{}, CPUUsageBetween(cur.CPU, prev.CPU))
}

func TestParseMeminfo(t *testing.T) {
	m := ParseMeminfo(`MemTotal:       16000000 kB
MemFree:         1000000 kB
MemAvailable:    4000000 kB
Buffers:          200000 kB
Cached:          2000000 kB
SwapTotal:       2000000 kB
SwapFree:        1500000 kB
HugePages_Total:       0
`)
	assert.Equal(t, uint64(16000000), m.MemTotal)
	assert.Equal(t, 75.0, m.UsedPercent())
	assert.Equal(t, 25.0, m.SwapUsedPercent())
	assert.Equal(t, 0.0, MemInfo{}.UsedPercent())
}

func TestParseLoadavg(t *testing.T) {
	l := ParseLoadavg("0.52 0.58 0.59 1/977 12345\n")
	assert.Equal(t, LoadAvg{Load1: 0.52, Load5: 0.58, Load15: 0.59, Running: 1, Total: 977, LastPID: 12345}, l)
	assert.Equal(t, LoadAvg{}, ParseLoadavg("garbage"))
}

func TestParseNetDev(t *testing.T) {
	devs := ParseNetDev(`Inter-|   Receive                                                |  Transmit
 face |bytes    packets errs drop fifo frame compressed multicast|bytes    packets errs drop fifo colls carrier compressed
    lo: 1000      10    0    0    0     0          0         0     1000      10    0    0    0     0       0          0
  eth0: 5000      50    2    1    0     0          0         0     7000      70    3    4    0     0       0          0
`)
	require.Len(t, devs, 2)
	assert.Equal(t, NetDevice{Name: "eth0", RxBytes: 5000, RxPackets: 50, RxErrs: 2, RxDrop: 1, TxBytes: 7000, TxPackets: 70, TxErrs: 3, TxDrop: 4}, devs[1])
}

func TestParseSNMP(t *testing.T) {
	s := ParseSNMP(`Ip: Forwarding DefaultTTL
Ip: 1 64
Tcp: RtoAlgorithm RtoMin ActiveOpens OutSegs RetransSegs InErrs
Tcp: 1 200 30 1000 25 0
`)
	assert.Equal(t, int64(64), s.Get("Ip", "DefaultTTL"))
	assert.Equal(t, int64(25), s.Get("Tcp", "RetransSegs"))
	assert.Equal(t, 2.5, s.TCPRetransPercent())
	assert.Equal(t, int64(0), s.Get("Udp", "InErrors"))
}

func TestTCPRetransPercentBetween(t *testing.T) {
	header := "Tcp: OutSegs RetransSegs\n"
	prev := ParseSNMP(header + "Tcp: 100000 10\n")

	assert.Equal(t, 5.0, TCPRetransPercentBetween(prev, ParseSNMP(header+"Tcp: 101000 60\n")))
	assert.Zero(t, TCPRetransPercentBetween(prev, prev))
	assert.Zero(t, TCPRetransPercentBetween(prev, ParseSNMP(header+"Tcp: 99000 5\n")))
	assert.Zero(t, TCPRetransPercentBetween(SNMP{}, SNMP{}))
}

func TestParsePressure(t *testing.T) {
	p := ParsePressure(`some avg10=12.50 avg60=3.00 avg300=1.00 total=123456
full avg10=4.00 avg60=1.00 avg300=0.20 total=2345
`)
	assert.Equal(t, 12.5, p.Some.Avg10)
	assert.True(t, p.HasFull)
	assert.Equal(t, uint64(2345), p.Full.Total)

	cpu := ParsePressure("some avg10=0.00 avg60=0.00 avg300=0.00 total=0\n")
	assert.False(t, cpu.HasFull)
}

func TestParseDiskstats(t *testing.T) {
	disks := ParseDiskstats(`   8       0 sda 1000 0 8000 500 2000 0 16000 1500 2 1200 2000 0 0 0 0
   8       1 sda1 900 0 7000 400 1900 0 15000 1400 0 1100 1800 0 0 0 0
 259       0 nvme0n1 10 0 80 5 20 0 160 15 0 12 20
 259       1 nvme0n1p1 10 0 80 5 20 0 160 15 0 12 20
   7       0 loop0 1 0 2 0 0 0 0 0 0 0 0
`)
	require.Len(t, disks, 5)
	assert.Equal(t, uint64(1200), disks[0].IOMs)
	assert.Equal(t, uint64(2), disks[0].InFlight)

	var whole []string
	for _, d := range disks {
		if !d.IsPartition() {
			whole = append(whole, d.Name)
		}
	}
	assert.Equal(t, []string{"sda", "nvme0n1"}, whole)

	later := disks[0]
	later.IOMs += 500
	assert.Equal(t, 50.0, DiskUtilization(disks[0], later, 1000))
	assert.Equal(t, 0.0, DiskUtilization(later, disks[0], 1000))
}

func TestParseCPUInfo(t *testing.T) {
	c := ParseCPUInfo(`processor	: 0
model name	: Intel(R) Xeon(R)
flags		: fpu vme hypervisor avx
processor	: 1
model name	: Intel(R) Xeon(R)
flags		: fpu vme hypervisor avx
`)
	assert.Equal(t, CPUInfo{Processors: 2, ModelName: "Intel(R) Xeon(R)", Hypervisor: true}, c)
}

func TestParsePIDCgroup(t *testing.T) {
	v2 := ParsePIDCgroup("0::/system.slice/nginx.service\n")
	assert.Equal(t, "/system.slice/nginx.service", v2.V2Path)
	assert.Nil(t, v2.V1)

	hybrid := ParsePIDCgroup("12:cpu,cpuacct:/docker/abc\n0::/docker/abc\n")
	assert.Equal(t, "/docker/abc", hybrid.V1["cpu,cpuacct"])
	assert.Equal(t, "/docker/abc", hybrid.V2Path)
}

func TestParseVmstat(t *testing.T) {
	v := ParseVmstat("pswpin 10\npswpout 20\noom_kill 1\nbogus\n")
	assert.Equal(t, map[string]uint64{"pswpin": 10, "pswpout": 20, "oom_kill": 1}, v)
}

func TestParseProcStatus(t *testing.T) {
	s := ParseProcStatus(`Name:	nginx
State:	S (sleeping)
PPid:	1
Uid:	1000	0	0	0
Threads:	4
VmRSS:	  10240 kB
voluntary_ctxt_switches:	150
nonvoluntary_ctxt_switches:	12
`)
	assert.Equal(t, "nginx", s.Name)
	assert.Equal(t, "S", s.State)
	assert.Equal(t, int64(0), s.EUID)
	assert.True(t, s.HasEUID)
	assert.Equal(t, uint64(10240), s.VmRSSKB)
	assert.Equal(t, uint64(12), s.InvCtxSw)

	assert.False(t, ParseProcStatus("").HasEUID)
}
