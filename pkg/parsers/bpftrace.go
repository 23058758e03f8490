package parsers

import (
	"regexp"
	"strings"
)

var (
	bpfKeyedRe  = regexp.MustCompile(`^@(\w*)\[(.*)\]:\s*(-?\d+)\s*$`)
	bpfScalarRe = regexp.MustCompile(`^@(\w+):\s*(-?\d+)\s*$`)
)

// BpftraceMaps maps a map name ("@syscalls", "@" for the anonymous map) to its entries.
// Scalar maps use the empty key.
type BpftraceMaps map[string]map[string]int64

// ParseBpftraceMaps parses the maps bpftrace prints at exit for count(), sum() and scalar
// values. Histograms are handled by ParseHistograms.
func ParseBpftraceMaps(text string) BpftraceMaps {
	out := BpftraceMaps{}
	add := func(name, key, val string) {
		v, ok := parseInt(val)
		if !ok {
			return
		}
		name = "@" + name
		if out[name] == nil {
			out[name] = map[string]int64{}
		}
		out[name][key] += v
	}
	for _, line := range lines(text) {
		line = strings.TrimSpace(line)
		if m := bpfKeyedRe.FindStringSubmatch(line); m != nil {
			add(m[1], strings.TrimSpace(m[2]), m[3])
			continue
		}
		if m := bpfScalarRe.FindStringSubmatch(line); m != nil {
			add(m[1], "", m[2])
		}
	}
	return out
}

// Counts converts one map to unsigned counts, dropping negative values.
func (b BpftraceMaps) Counts(name string) map[string]uint64 {
	out := map[string]uint64{}
	for k, v := range b[name] {
		if v > 0 {
			out[k] = uint64(v)
		}
	}
	return out
}

// SyscallsFromMaps builds a syscall summary from a count map keyed by syscall name or by
// the probe name "tracepoint:syscalls:sys_enter_<name>".
func SyscallsFromMaps(maps BpftraceMaps, name string) Syscalls {
	counts := map[string]*SyscallCount{}
	for key, v := range maps.Counts(name) {
		sc := key
		if i := strings.LastIndex(sc, "sys_enter_"); i >= 0 {
			sc = sc[i+len("sys_enter_"):]
		}
		c := counts[sc]
		if c == nil {
			c = &SyscallCount{Name: sc}
			counts[sc] = c
		}
		c.Count += v
	}
	return buildSyscalls(counts, false)
}

// OffCPU summarizes blocked time per process and per stack.
type OffCPU struct {
	TotalUs   uint64  `json:"total_us" yaml:"total_us"`
	ByCommand []Count `json:"by_command" yaml:"by_command"`
	TopStacks []Count `json:"top_stacks" yaml:"top_stacks"`
}

// ParseOffcputimeFolded parses `offcputime -f` lines "comm;frame;...;frame value_us".
func ParseOffcputimeFolded(text string) OffCPU {
	var o OffCPU
	comms := map[string]uint64{}
	stacks := map[string]uint64{}
	for _, line := range lines(text) {
		line = strings.TrimSpace(line)
		idx := strings.LastIndexByte(line, ' ')
		if idx <= 0 {
			continue
		}
		stack, val := line[:idx], line[idx+1:]
		us, ok := parseUint(val)
		if !ok || (!strings.Contains(stack, ";") && strings.ContainsAny(stack, " \t")) {
			continue
		}
		comm, _, _ := strings.Cut(stack, ";")
		o.TotalUs += us
		comms[comm] += us
		stacks[stack] += us
	}
	o.ByCommand = TopN(comms, topN)
	o.TopStacks = TopN(stacks, topN)
	return o
}

// OffCPUFromMaps builds an off-CPU summary from a sum map keyed by command name.
func OffCPUFromMaps(maps BpftraceMaps, name string) OffCPU {
	var o OffCPU
	counts := maps.Counts(name)
	for _, v := range counts {
		o.TotalUs += v
	}
	o.ByCommand = TopN(counts, topN)
	o.TopStacks = []Count{}
	return o
}
