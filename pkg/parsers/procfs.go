package parsers

import (
	"strings"
)

// CPUTimes are the jiffy counters of one "cpu" line of /proc/stat.
type CPUTimes struct {
	Name    string `json:"name" yaml:"name"`
	User    uint64 `json:"user" yaml:"user"`
	Nice    uint64 `json:"nice" yaml:"nice"`
	System  uint64 `json:"system" yaml:"system"`
	Idle    uint64 `json:"idle" yaml:"idle"`
	IOWait  uint64 `json:"iowait" yaml:"iowait"`
	IRQ     uint64 `json:"irq" yaml:"irq"`
	SoftIRQ uint64 `json:"softirq" yaml:"softirq"`
	Steal   uint64 `json:"steal" yaml:"steal"`
}

// Total excludes guest time, which the kernel already counts in user and nice.
func (c CPUTimes) Total() uint64 {
	return c.User + c.Nice + c.System + c.Idle + c.IOWait + c.IRQ + c.SoftIRQ + c.Steal
}

// Stat is the parsed content of /proc/stat.
type Stat struct {
	CPU             CPUTimes   `json:"cpu" yaml:"cpu"`
	CPUs            []CPUTimes `json:"cpus" yaml:"cpus"`
	ContextSwitches uint64     `json:"context_switches" yaml:"context_switches"`
	Processes       uint64     `json:"processes" yaml:"processes"`
	ProcsRunning    uint64     `json:"procs_running" yaml:"procs_running"`
	ProcsBlocked    uint64     `json:"procs_blocked" yaml:"procs_blocked"`
}

// ParseStat parses /proc/stat.
func ParseStat(text string) Stat {
	var st Stat
	for _, line := range lines(text) {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		switch {
		case fields[0] == "cpu":
			st.CPU = parseCPUTimes(fields)
		case strings.HasPrefix(fields[0], "cpu"):
			st.CPUs = append(st.CPUs, parseCPUTimes(fields))
		case fields[0] == "ctxt":
			st.ContextSwitches, _ = parseUint(fields[1])
		case fields[0] == "processes":
			st.Processes, _ = parseUint(fields[1])
		case fields[0] == "procs_running":
			st.ProcsRunning, _ = parseUint(fields[1])
		case fields[0] == "procs_blocked":
			st.ProcsBlocked, _ = parseUint(fields[1])
		}
	}
	return st
}

func parseCPUTimes(fields []string) CPUTimes {
	c := CPUTimes{Name: fields[0]}
	dst := []*uint64{&c.User, &c.Nice, &c.System, &c.Idle, &c.IOWait, &c.IRQ, &c.SoftIRQ, &c.Steal}
	for i, p := range dst {
		if i+1 >= len(fields) {
			break
		}
		*p, _ = parseUint(fields[i+1])
	}
	return c
}

// CPUUsage is the share of time in each state between two samples, in percent.
type CPUUsage struct {
	User   float64 `json:"user" yaml:"user"`
	System float64 `json:"system" yaml:"system"`
	IOWait float64 `json:"iowait" yaml:"iowait"`
	Steal  float64 `json:"steal" yaml:"steal"`
	Idle   float64 `json:"idle" yaml:"idle"`
	Busy   float64 `json:"busy" yaml:"busy"`
}

// CPUUsageBetween computes usage from two samples of the same cpu line. Counter resets
// or identical samples yield zero usage.
func CPUUsageBetween(prev, cur CPUTimes) CPUUsage {
	if cur.Total() <= prev.Total() {
		return CPUUsage{}
	}
	total := float64(cur.Total() - prev.Total())
	pct := func(a, b uint64) float64 {
		if b < a {
			return 0
		}
		return round2(float64(b-a) / total * 100)
	}
	u := CPUUsage{
		User:   pct(prev.User+prev.Nice, cur.User+cur.Nice),
		System: pct(prev.System+prev.IRQ+prev.SoftIRQ, cur.System+cur.IRQ+cur.SoftIRQ),
		IOWait: pct(prev.IOWait, cur.IOWait),
		Steal:  pct(prev.Steal, cur.Steal),
		Idle:   pct(prev.Idle, cur.Idle),
	}
	u.Busy = round2(100 - u.Idle - u.IOWait)
	if u.Busy < 0 {
		u.Busy = 0
	}
	return u
}

// MemInfo holds the /proc/meminfo fields used for diagnosis, in kB.
type MemInfo struct {
	MemTotal     uint64 `json:"mem_total_kb" yaml:"mem_total_kb"`
	MemFree      uint64 `json:"mem_free_kb" yaml:"mem_free_kb"`
	MemAvailable uint64 `json:"mem_available_kb" yaml:"mem_available_kb"`
	Buffers      uint64 `json:"buffers_kb" yaml:"buffers_kb"`
	Cached       uint64 `json:"cached_kb" yaml:"cached_kb"`
	SwapTotal    uint64 `json:"swap_total_kb" yaml:"swap_total_kb"`
	SwapFree     uint64 `json:"swap_free_kb" yaml:"swap_free_kb"`
	Dirty        uint64 `json:"dirty_kb" yaml:"dirty_kb"`
	Slab         uint64 `json:"slab_kb" yaml:"slab_kb"`
}

// UsedPercent is the share of memory not available to new allocations.
func (m MemInfo) UsedPercent() float64 {
	if m.MemTotal == 0 {
		return 0
	}
	avail := m.MemAvailable
	if avail == 0 {
		avail = m.MemFree + m.Buffers + m.Cached
	}
	if avail > m.MemTotal {
		return 0
	}
	return round2(float64(m.MemTotal-avail) / float64(m.MemTotal) * 100)
}

// SwapUsedPercent is zero when there is no swap.
func (m MemInfo) SwapUsedPercent() float64 {
	if m.SwapTotal == 0 || m.SwapFree > m.SwapTotal {
		return 0
	}
	return round2(float64(m.SwapTotal-m.SwapFree) / float64(m.SwapTotal) * 100)
}

// ParseMeminfo parses /proc/meminfo.
func ParseMeminfo(text string) MemInfo {
	var m MemInfo
	dst := map[string]*uint64{
		"MemTotal":     &m.MemTotal,
		"MemFree":      &m.MemFree,
		"MemAvailable": &m.MemAvailable,
		"Buffers":      &m.Buffers,
		"Cached":       &m.Cached,
		"SwapTotal":    &m.SwapTotal,
		"SwapFree":     &m.SwapFree,
		"Dirty":        &m.Dirty,
		"Slab":         &m.Slab,
	}
	for _, line := range lines(text) {
		key, rest, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		p, known := dst[strings.TrimSpace(key)]
		if !known {
			continue
		}
		fields := strings.Fields(rest)
		if len(fields) == 0 {
			continue
		}
		*p, _ = parseUint(fields[0])
	}
	return m
}

// LoadAvg is /proc/loadavg.
type LoadAvg struct {
	Load1   float64 `json:"load1" yaml:"load1"`
	Load5   float64 `json:"load5" yaml:"load5"`
	Load15  float64 `json:"load15" yaml:"load15"`
	Running uint64  `json:"running" yaml:"running"`
	Total   uint64  `json:"total" yaml:"total"`
	LastPID uint64  `json:"last_pid" yaml:"last_pid"`
}

// ParseLoadavg parses /proc/loadavg.
func ParseLoadavg(text string) LoadAvg {
	var l LoadAvg
	fields := strings.Fields(text)
	if len(fields) > 0 {
		l.Load1, _ = parseFloat(fields[0])
	}
	if len(fields) > 1 {
		l.Load5, _ = parseFloat(fields[1])
	}
	if len(fields) > 2 {
		l.Load15, _ = parseFloat(fields[2])
	}
	if len(fields) > 3 {
		if run, total, ok := strings.Cut(fields[3], "/"); ok {
			l.Running, _ = parseUint(run)
			l.Total, _ = parseUint(total)
		}
	}
	if len(fields) > 4 {
		l.LastPID, _ = parseUint(fields[4])
	}
	return l
}

// NetDevice is one interface line of /proc/net/dev.
type NetDevice struct {
	Name      string `json:"name" yaml:"name"`
	RxBytes   uint64 `json:"rx_bytes" yaml:"rx_bytes"`
	RxPackets uint64 `json:"rx_packets" yaml:"rx_packets"`
	RxErrs    uint64 `json:"rx_errs" yaml:"rx_errs"`
	RxDrop    uint64 `json:"rx_drop" yaml:"rx_drop"`
	TxBytes   uint64 `json:"tx_bytes" yaml:"tx_bytes"`
	TxPackets uint64 `json:"tx_packets" yaml:"tx_packets"`
	TxErrs    uint64 `json:"tx_errs" yaml:"tx_errs"`
	TxDrop    uint64 `json:"tx_drop" yaml:"tx_drop"`
}

// ParseNetDev parses /proc/net/dev.
func ParseNetDev(text string) []NetDevice {
	var devs []NetDevice
	for _, line := range lines(text) {
		name, rest, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		f := strings.Fields(rest)
		if len(f) < 16 {
			continue
		}
		d := NetDevice{Name: strings.TrimSpace(name)}
		vals := []*uint64{&d.RxBytes, &d.RxPackets, &d.RxErrs, &d.RxDrop}
		for i, p := range vals {
			*p, _ = parseUint(f[i])
		}
		vals = []*uint64{&d.TxBytes, &d.TxPackets, &d.TxErrs, &d.TxDrop}
		for i, p := range vals {
			*p, _ = parseUint(f[8+i])
		}
		devs = append(devs, d)
	}
	return devs
}

// SNMP maps protocol (Ip, Tcp, Udp, ...) to counter name to value, from /proc/net/snmp
// or /proc/net/netstat.
type SNMP map[string]map[string]int64

// Get returns a counter, or 0 when absent.
func (s SNMP) Get(proto, name string) int64 {
	return s[proto][name]
}

// TCPRetransPercent is RetransSegs over OutSegs.
func (s SNMP) TCPRetransPercent() float64 {
	out := s.Get("Tcp", "OutSegs")
	if out <= 0 {
		return 0
	}
	return round2(float64(s.Get("Tcp", "RetransSegs")) / float64(out) * 100)
}

// TCPRetransPercentBetween is the share of segments sent between two reads that were
// retransmissions. It is 0 when nothing was sent or the counters went backwards.
func TCPRetransPercentBetween(prev, cur SNMP) float64 {
	out := cur.Get("Tcp", "OutSegs") - prev.Get("Tcp", "OutSegs")
	retrans := cur.Get("Tcp", "RetransSegs") - prev.Get("Tcp", "RetransSegs")
	if out <= 0 || retrans < 0 {
		return 0
	}
	return round2(float64(retrans) / float64(out) * 100)
}

// ParseSNMP parses the header/value line pairs of /proc/net/snmp.
func ParseSNMP(text string) SNMP {
	out := SNMP{}
	headers := map[string][]string{}
	for _, line := range lines(text) {
		proto, rest, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		fields := strings.Fields(rest)
		if len(fields) == 0 {
			continue
		}
		names, seen := headers[proto]
		if !seen {
			headers[proto] = fields
			continue
		}
		delete(headers, proto)
		vals := map[string]int64{}
		for i, n := range names {
			if i >= len(fields) {
				break
			}
			if v, ok := parseInt(fields[i]); ok {
				vals[n] = v
			}
		}
		out[proto] = vals
	}
	return out
}

// PressureLine is one "some" or "full" line of a PSI file.
type PressureLine struct {
	Avg10  float64 `json:"avg10" yaml:"avg10"`
	Avg60  float64 `json:"avg60" yaml:"avg60"`
	Avg300 float64 `json:"avg300" yaml:"avg300"`
	Total  uint64  `json:"total" yaml:"total"`
}

// Pressure is /proc/pressure/{cpu,memory,io}.
type Pressure struct {
	Some    PressureLine `json:"some" yaml:"some"`
	Full    PressureLine `json:"full" yaml:"full"`
	HasFull bool         `json:"has_full" yaml:"has_full"`
}

// ParsePressure parses a PSI file.
func ParsePressure(text string) Pressure {
	var p Pressure
	for _, line := range lines(text) {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		var dst *PressureLine
		switch fields[0] {
		case "some":
			dst = &p.Some
		case "full":
			dst = &p.Full
			p.HasFull = true
		default:
			continue
		}
		for _, kv := range fields[1:] {
			k, v, ok := strings.Cut(kv, "=")
			if !ok {
				continue
			}
			switch k {
			case "avg10":
				dst.Avg10, _ = parseFloat(v)
			case "avg60":
				dst.Avg60, _ = parseFloat(v)
			case "avg300":
				dst.Avg300, _ = parseFloat(v)
			case "total":
				dst.Total, _ = parseUint(v)
			}
		}
	}
	return p
}

// DiskStat is one line of /proc/diskstats.
type DiskStat struct {
	Major          uint64 `json:"major" yaml:"major"`
	Minor          uint64 `json:"minor" yaml:"minor"`
	Name           string `json:"name" yaml:"name"`
	ReadsCompleted uint64 `json:"reads_completed" yaml:"reads_completed"`
	SectorsRead    uint64 `json:"sectors_read" yaml:"sectors_read"`
	ReadMs         uint64 `json:"read_ms" yaml:"read_ms"`
	WritesComplete uint64 `json:"writes_completed" yaml:"writes_completed"`
	SectorsWritten uint64 `json:"sectors_written" yaml:"sectors_written"`
	WriteMs        uint64 `json:"write_ms" yaml:"write_ms"`
	InFlight       uint64 `json:"in_flight" yaml:"in_flight"`
	IOMs           uint64 `json:"io_ms" yaml:"io_ms"`
	WeightedIOMs   uint64 `json:"weighted_io_ms" yaml:"weighted_io_ms"`
}

// IsPartition is a heuristic for partitions and virtual devices that would double count
// whole-disk activity.
func (d DiskStat) IsPartition() bool {
	switch {
	case strings.HasPrefix(d.Name, "loop"), strings.HasPrefix(d.Name, "ram"):
		return true
	case strings.HasPrefix(d.Name, "nvme"), strings.HasPrefix(d.Name, "mmcblk"):
		return strings.Contains(d.Name[4:], "p")
	case strings.HasPrefix(d.Name, "sd"), strings.HasPrefix(d.Name, "vd"), strings.HasPrefix(d.Name, "xvd"), strings.HasPrefix(d.Name, "hd"):
		last := d.Name[len(d.Name)-1]
		return last >= '0' && last <= '9'
	}
	return false
}

// ParseDiskstats parses /proc/diskstats.
func ParseDiskstats(text string) []DiskStat {
	var out []DiskStat
	for _, line := range lines(text) {
		f := strings.Fields(line)
		if len(f) < 14 {
			continue
		}
		d := DiskStat{Name: f[2]}
		d.Major, _ = parseUint(f[0])
		d.Minor, _ = parseUint(f[1])
		vals := map[int]*uint64{
			3: &d.ReadsCompleted, 5: &d.SectorsRead, 6: &d.ReadMs,
			7: &d.WritesComplete, 9: &d.SectorsWritten, 10: &d.WriteMs,
			11: &d.InFlight, 12: &d.IOMs, 13: &d.WeightedIOMs,
		}
		for i, p := range vals {
			*p, _ = parseUint(f[i])
		}
		out = append(out, d)
	}
	return out
}

// DiskUtilization is the percentage of elapsedMs the device had I/O in flight.
func DiskUtilization(prev, cur DiskStat, elapsedMs float64) float64 {
	if elapsedMs <= 0 || cur.IOMs < prev.IOMs {
		return 0
	}
	u := float64(cur.IOMs-prev.IOMs) / elapsedMs * 100
	if u > 100 {
		u = 100
	}
	return round2(u)
}

// ParseVmstat parses /proc/vmstat into a counter map.
func ParseVmstat(text string) map[string]uint64 {
	out := map[string]uint64{}
	for _, line := range lines(text) {
		f := strings.Fields(line)
		if len(f) != 2 {
			continue
		}
		if v, ok := parseUint(f[1]); ok {
			out[f[0]] = v
		}
	}
	return out
}

// CPUInfo is the subset of /proc/cpuinfo used by capability detection.
type CPUInfo struct {
	Processors int    `json:"processors" yaml:"processors"`
	ModelName  string `json:"model_name" yaml:"model_name"`
	Hypervisor bool   `json:"hypervisor" yaml:"hypervisor"`
}

// ParseCPUInfo parses /proc/cpuinfo.
func ParseCPUInfo(text string) CPUInfo {
	var c CPUInfo
	for _, line := range lines(text) {
		key, val, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		val = strings.TrimSpace(val)
		switch strings.TrimSpace(key) {
		case "processor":
			c.Processors++
		case "model name":
			if c.ModelName == "" {
				c.ModelName = val
			}
		case "flags", "Features":
			for _, flag := range strings.Fields(val) {
				if flag == "hypervisor" {
					c.Hypervisor = true
				}
			}
		}
	}
	return c
}

// CgroupMembership is /proc/<pid>/cgroup.
type CgroupMembership struct {
	// V2Path is the unified hierarchy path ("0::/..."), empty on pure v1 hosts.
	V2Path string `json:"v2_path" yaml:"v2_path"`
	// V1 maps controller lists to paths.
	V1 map[string]string `json:"v1,omitempty" yaml:"v1,omitempty"`
}

// ParsePIDCgroup parses /proc/<pid>/cgroup.
func ParsePIDCgroup(text string) CgroupMembership {
	m := CgroupMembership{}
	for _, line := range lines(text) {
		parts := strings.SplitN(strings.TrimSpace(line), ":", 3)
		if len(parts) != 3 {
			continue
		}
		if parts[0] == "0" && parts[1] == "" {
			m.V2Path = parts[2]
			continue
		}
		if m.V1 == nil {
			m.V1 = map[string]string{}
		}
		m.V1[parts[1]] = parts[2]
	}
	return m
}

// ProcStatus is the subset of /proc/<pid>/status used for process-scoped diagnosis.
type ProcStatus struct {
	Name     string `json:"name" yaml:"name"`
	State    string `json:"state" yaml:"state"`
	PPID     int64  `json:"ppid" yaml:"ppid"`
	EUID     int64  `json:"euid" yaml:"euid"`
	Threads  int64  `json:"threads" yaml:"threads"`
	VmRSSKB  uint64 `json:"vm_rss_kb" yaml:"vm_rss_kb"`
	HasEUID  bool   `json:"-" yaml:"-"`
	VolCtxSw uint64 `json:"voluntary_ctxt_switches" yaml:"voluntary_ctxt_switches"`
	InvCtxSw uint64 `json:"nonvoluntary_ctxt_switches" yaml:"nonvoluntary_ctxt_switches"`
}

// ParseProcStatus parses /proc/<pid>/status.
func ParseProcStatus(text string) ProcStatus {
	var s ProcStatus
	for _, line := range lines(text) {
		key, val, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		f := strings.Fields(val)
		if len(f) == 0 {
			continue
		}
		switch key {
		case "Name":
			s.Name = f[0]
		case "State":
			s.State = f[0]
		case "PPid":
			s.PPID, _ = parseInt(f[0])
		case "Uid":
			if len(f) > 1 {
				s.EUID, s.HasEUID = parseInt(f[1])
			}
		case "Threads":
			s.Threads, _ = parseInt(f[0])
		case "VmRSS":
			s.VmRSSKB, _ = parseUint(f[0])
		case "voluntary_ctxt_switches":
			s.VolCtxSw, _ = parseUint(f[0])
		case "nonvoluntary_ctxt_switches":
			s.InvCtxSw, _ = parseUint(f[0])
		}
	}
	return s
}
