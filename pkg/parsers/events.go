package parsers

import (
	"fmt"
	"sort"
	"strings"
)

const (
	topN         = 10
	maxKeptEvent = 100
)

// ExecEvent is one execsnoop line.
type ExecEvent struct {
	Comm string `json:"comm" yaml:"comm"`
	PID  int64  `json:"pid" yaml:"pid"`
	PPID int64  `json:"ppid" yaml:"ppid"`
	Ret  int64  `json:"ret" yaml:"ret"`
	Args string `json:"args" yaml:"args"`
}

// ExecTrace summarizes execsnoop output.
type ExecTrace struct {
	Total     int         `json:"total" yaml:"total"`
	Failed    int         `json:"failed" yaml:"failed"`
	ByCommand []Count     `json:"by_command" yaml:"by_command"`
	ByParent  []Count     `json:"by_parent" yaml:"by_parent"`
	Events    []ExecEvent `json:"events" yaml:"events"`
}

// ParseExecsnoop parses `execsnoop` with or without a timestamp column.
func ParseExecsnoop(text string) ExecTrace {
	t := ExecTrace{Events: []ExecEvent{}}
	byComm := map[string]uint64{}
	byParent := map[string]uint64{}
	for _, line := range lines(text) {
		if strings.HasPrefix(line, "@") {
			continue
		}
		f, _ := stripTimestamp(strings.Fields(line))
		if len(f) < 4 {
			continue
		}
		pid, ok1 := parseInt(f[1])
		ppid, ok2 := parseInt(f[2])
		ret, ok3 := parseInt(f[3])
		if !ok1 || !ok2 || !ok3 {
			continue
		}
		e := ExecEvent{Comm: f[0], PID: pid, PPID: ppid, Ret: ret, Args: strings.Join(f[4:], " ")}
		t.Total++
		if ret != 0 {
			t.Failed++
		}
		byComm[e.Comm]++
		byParent[fmt.Sprint(ppid)]++
		if len(t.Events) < maxKeptEvent {
			t.Events = append(t.Events, e)
		}
	}
	t.ByCommand = TopN(byComm, topN)
	t.ByParent = TopN(byParent, topN)
	return t
}

// TCPSession is one tcplife line.
type TCPSession struct {
	PID        int64   `json:"pid" yaml:"pid"`
	Comm       string  `json:"comm" yaml:"comm"`
	LocalAddr  string  `json:"local_addr" yaml:"local_addr"`
	LocalPort  int64   `json:"local_port" yaml:"local_port"`
	RemoteAddr string  `json:"remote_addr" yaml:"remote_addr"`
	RemotePort int64   `json:"remote_port" yaml:"remote_port"`
	TxKB       float64 `json:"tx_kb" yaml:"tx_kb"`
	RxKB       float64 `json:"rx_kb" yaml:"rx_kb"`
	DurationMs float64 `json:"duration_ms" yaml:"duration_ms"`
}

// TCPLife summarizes tcplife output.
type TCPLife struct {
	Sessions    int          `json:"sessions" yaml:"sessions"`
	TotalTxKB   float64      `json:"total_tx_kb" yaml:"total_tx_kb"`
	TotalRxKB   float64      `json:"total_rx_kb" yaml:"total_rx_kb"`
	DurationMs  Distribution `json:"duration_ms" yaml:"duration_ms"`
	TopRemotes  []Count      `json:"top_remotes" yaml:"top_remotes"`
	TopCommands []Count      `json:"top_commands" yaml:"top_commands"`
	Slowest     []TCPSession `json:"slowest" yaml:"slowest"`
}

// ParseTCPLife parses `tcplife`.
func ParseTCPLife(text string) TCPLife {
	var (
		t         TCPLife
		durations []float64
		sessions  []TCPSession
	)
	remotes := map[string]uint64{}
	comms := map[string]uint64{}
	for _, line := range lines(text) {
		f, _ := stripTimestamp(strings.Fields(line))
		if len(f) < 9 {
			continue
		}
		s := TCPSession{Comm: f[1], LocalAddr: f[2], RemoteAddr: f[4]}
		var ok [6]bool
		s.PID, ok[0] = parseInt(f[0])
		s.LocalPort, ok[1] = parseInt(f[3])
		s.RemotePort, ok[2] = parseInt(f[5])
		s.TxKB, ok[3] = parseFloat(f[6])
		s.RxKB, ok[4] = parseFloat(f[7])
		s.DurationMs, ok[5] = parseFloat(f[8])
		if ok != [6]bool{true, true, true, true, true, true} {
			continue
		}
		t.Sessions++
		t.TotalTxKB += s.TxKB
		t.TotalRxKB += s.RxKB
		durations = append(durations, s.DurationMs)
		remotes[fmt.Sprintf("%s:%d", s.RemoteAddr, s.RemotePort)]++
		comms[s.Comm]++
		sessions = append(sessions, s)
	}
	sort.SliceStable(sessions, func(i, j int) bool { return sessions[i].DurationMs > sessions[j].DurationMs })
	if len(sessions) > topN {
		sessions = sessions[:topN]
	}
	t.Slowest = sessions
	if t.Slowest == nil {
		t.Slowest = []TCPSession{}
	}
	t.TotalTxKB = round2(t.TotalTxKB)
	t.TotalRxKB = round2(t.TotalRxKB)
	t.DurationMs = Summarize(durations)
	t.TopRemotes = TopN(remotes, topN)
	t.TopCommands = TopN(comms, topN)
	return t
}

// TCPConnects summarizes tcpconnect output.
type TCPConnects struct {
	Connects        int     `json:"connects" yaml:"connects"`
	TopDestinations []Count `json:"top_destinations" yaml:"top_destinations"`
	TopCommands     []Count `json:"top_commands" yaml:"top_commands"`
}

// ParseTCPConnect parses `tcpconnect` (PID COMM IP SADDR DADDR DPORT).
func ParseTCPConnect(text string) TCPConnects {
	var t TCPConnects
	dests := map[string]uint64{}
	comms := map[string]uint64{}
	for _, line := range lines(text) {
		f, _ := stripTimestamp(strings.Fields(line))
		if len(f) < 6 {
			continue
		}
		_, okPID := parseInt(f[0])
		_, okIP := parseInt(f[2])
		port, okPort := parseInt(f[5])
		if !okPID || !okIP || !okPort {
			continue
		}
		t.Connects++
		dests[fmt.Sprintf("%s:%d", f[4], port)]++
		comms[f[1]]++
	}
	t.TopDestinations = TopN(dests, topN)
	t.TopCommands = TopN(comms, topN)
	return t
}

// OpenTrace summarizes opensnoop output.
type OpenTrace struct {
	Opens       int     `json:"opens" yaml:"opens"`
	Failed      int     `json:"failed" yaml:"failed"`
	TopPaths    []Count `json:"top_paths" yaml:"top_paths"`
	TopCommands []Count `json:"top_commands" yaml:"top_commands"`
	FailedPaths []Count `json:"failed_paths" yaml:"failed_paths"`
}

// ParseOpensnoop parses `opensnoop` (PID COMM FD ERR PATH).
func ParseOpensnoop(text string) OpenTrace {
	var t OpenTrace
	paths := map[string]uint64{}
	comms := map[string]uint64{}
	failed := map[string]uint64{}
	for _, line := range lines(text) {
		f, _ := stripTimestamp(strings.Fields(line))
		if len(f) < 5 {
			continue
		}
		_, okPID := parseInt(f[0])
		fd, okFD := parseInt(f[2])
		errno, okErr := parseInt(f[3])
		if !okPID || !okFD || !okErr {
			continue
		}
		path := strings.Join(f[4:], " ")
		t.Opens++
		paths[path]++
		comms[f[1]]++
		if fd < 0 || errno != 0 {
			t.Failed++
			failed[path]++
		}
	}
	t.TopPaths = TopN(paths, topN)
	t.TopCommands = TopN(comms, topN)
	t.FailedPaths = TopN(failed, topN)
	return t
}

// FileOps summarizes fileslower output.
type FileOps struct {
	Ops         int          `json:"ops" yaml:"ops"`
	Reads       int          `json:"reads" yaml:"reads"`
	Writes      int          `json:"writes" yaml:"writes"`
	Bytes       uint64       `json:"bytes" yaml:"bytes"`
	LatencyMs   Distribution `json:"latency_ms" yaml:"latency_ms"`
	TopFiles    []Count      `json:"top_files" yaml:"top_files"`
	TopCommands []Count      `json:"top_commands" yaml:"top_commands"`
}

// ParseFileslower parses `fileslower` (TIME(s) COMM TID D BYTES LAT(ms) FILENAME).
func ParseFileslower(text string) FileOps {
	var (
		t   FileOps
		lat []float64
	)
	files := map[string]uint64{}
	comms := map[string]uint64{}
	for _, line := range lines(text) {
		f, _ := stripTimestamp(strings.Fields(line))
		if len(f) < 6 || (f[2] != "R" && f[2] != "W") {
			continue
		}
		_, okTID := parseInt(f[1])
		bytes, okBytes := parseUint(f[3])
		ms, okLat := parseFloat(f[4])
		if !okTID || !okBytes || !okLat {
			continue
		}
		t.Ops++
		if f[2] == "R" {
			t.Reads++
		} else {
			t.Writes++
		}
		t.Bytes += bytes
		lat = append(lat, ms)
		files[strings.Join(f[5:], " ")]++
		comms[f[0]]++
	}
	t.LatencyMs = Summarize(lat)
	t.TopFiles = TopN(files, topN)
	t.TopCommands = TopN(comms, topN)
	return t
}

// FileLife summarizes filelife output.
type FileLife struct {
	Files       int          `json:"files" yaml:"files"`
	ShortLived  int          `json:"short_lived" yaml:"short_lived"`
	AgeSeconds  Distribution `json:"age_seconds" yaml:"age_seconds"`
	TopCommands []Count      `json:"top_commands" yaml:"top_commands"`
}

// ParseFilelife parses `filelife` (TIME PID COMM AGE(s) FILE). Files living under one second
// count as short-lived.
func ParseFilelife(text string) FileLife {
	var (
		t    FileLife
		ages []float64
	)
	comms := map[string]uint64{}
	for _, line := range lines(text) {
		f, _ := stripTimestamp(strings.Fields(line))
		if len(f) < 4 {
			continue
		}
		_, okPID := parseInt(f[0])
		age, okAge := parseFloat(f[2])
		if !okPID || !okAge {
			continue
		}
		t.Files++
		if age < 1 {
			t.ShortLived++
		}
		ages = append(ages, age)
		comms[f[1]]++
	}
	t.AgeSeconds = Summarize(ages)
	t.TopCommands = TopN(comms, topN)
	return t
}

// HostLatency aggregates lookups of one host name.
type HostLatency struct {
	Host  string  `json:"host" yaml:"host"`
	Count int     `json:"count" yaml:"count"`
	AvgMs float64 `json:"avg_ms" yaml:"avg_ms"`
	MaxMs float64 `json:"max_ms" yaml:"max_ms"`
}

// DNSLatency summarizes gethostlatency output.
type DNSLatency struct {
	Lookups   int           `json:"lookups" yaml:"lookups"`
	LatencyMs Distribution  `json:"latency_ms" yaml:"latency_ms"`
	Hosts     []HostLatency `json:"hosts" yaml:"hosts"`
}

// ParseGethostlatency parses `gethostlatency` (TIME PID COMM LATms HOST). Hosts are ranked
// by total time spent resolving them.
func ParseGethostlatency(text string) DNSLatency {
	var (
		t   DNSLatency
		lat []float64
	)
	type agg struct {
		count int
		sum   float64
		max   float64
	}
	hosts := map[string]*agg{}
	for _, line := range lines(text) {
		f, _ := stripTimestamp(strings.Fields(line))
		if len(f) < 4 {
			continue
		}
		_, okPID := parseInt(f[0])
		ms, okLat := parseFloat(f[2])
		if !okPID || !okLat {
			continue
		}
		host := strings.Join(f[3:], " ")
		t.Lookups++
		lat = append(lat, ms)
		a := hosts[host]
		if a == nil {
			a = &agg{}
			hosts[host] = a
		}
		a.count++
		a.sum += ms
		if ms > a.max {
			a.max = ms
		}
	}
	t.LatencyMs = Summarize(lat)
	t.Hosts = []HostLatency{}
	for h, a := range hosts {
		t.Hosts = append(t.Hosts, HostLatency{Host: h, Count: a.count, AvgMs: round2(a.sum / float64(a.count)), MaxMs: a.max})
	}
	sort.Slice(t.Hosts, func(i, j int) bool {
		ti := t.Hosts[i].AvgMs * float64(t.Hosts[i].Count)
		tj := t.Hosts[j].AvgMs * float64(t.Hosts[j].Count)
		if ti != tj {
			return ti > tj
		}
		return t.Hosts[i].Host < t.Hosts[j].Host
	})
	if len(t.Hosts) > topN {
		t.Hosts = t.Hosts[:topN]
	}
	return t
}

// SyscallCount is one syscall row.
type SyscallCount struct {
	Name    string  `json:"name" yaml:"name"`
	Count   uint64  `json:"count" yaml:"count"`
	TotalUs float64 `json:"total_us,omitempty" yaml:"total_us,omitempty"`
	AvgUs   float64 `json:"avg_us,omitempty" yaml:"avg_us,omitempty"`
}

// Syscalls summarizes syscount output.
type Syscalls struct {
	Total    uint64         `json:"total" yaml:"total"`
	Syscalls []SyscallCount `json:"syscalls" yaml:"syscalls"`
	// HasLatency is set when the input carried a latency column (syscount -L).
	HasLatency bool `json:"has_latency" yaml:"has_latency"`
}

// ParseSyscount parses `syscount` with or without -L. Interval reports are summed.
func ParseSyscount(text string) Syscalls {
	counts := map[string]*SyscallCount{}
	inTable := false
	latencyScale := 1.0
	hasLatency := false

	for _, line := range lines(text) {
		f := strings.Fields(line)
		if len(f) == 0 {
			continue
		}
		if f[0] == "SYSCALL" {
			inTable = true
			hasLatency = strings.Contains(line, "TIME")
			latencyScale = 1
			if strings.Contains(line, "(ms)") {
				latencyScale = 1000
			}
			continue
		}
		if !inTable || len(f) < 2 {
			continue
		}
		n, ok := parseUint(f[1])
		if !ok {
			continue
		}
		c := counts[f[0]]
		if c == nil {
			c = &SyscallCount{Name: f[0]}
			counts[f[0]] = c
		}
		c.Count += n
		if hasLatency && len(f) > 2 {
			if v, ok := parseFloat(f[2]); ok {
				c.TotalUs += v * latencyScale
			}
		}
	}
	return buildSyscalls(counts, hasLatency)
}

func buildSyscalls(counts map[string]*SyscallCount, hasLatency bool) Syscalls {
	s := Syscalls{Syscalls: []SyscallCount{}, HasLatency: hasLatency}
	for _, c := range counts {
		s.Total += c.Count
		if c.Count > 0 && c.TotalUs > 0 {
			c.AvgUs = round2(c.TotalUs / float64(c.Count))
		}
		c.TotalUs = round2(c.TotalUs)
		s.Syscalls = append(s.Syscalls, *c)
	}
	sort.Slice(s.Syscalls, func(i, j int) bool {
		if s.Syscalls[i].Count != s.Syscalls[j].Count {
			return s.Syscalls[i].Count > s.Syscalls[j].Count
		}
		return s.Syscalls[i].Name < s.Syscalls[j].Name
	})
	return s
}
