package parsers

import (
	"regexp"
	"strings"
)

// PerfEntry is one symbol line of `perf report --stdio`.
type PerfEntry struct {
	Overhead     float64 `json:"overhead" yaml:"overhead"`
	Command      string  `json:"command" yaml:"command"`
	SharedObject string  `json:"shared_object" yaml:"shared_object"`
	Symbol       string  `json:"symbol" yaml:"symbol"`
	Kernel       bool    `json:"kernel" yaml:"kernel"`
}

// PerfReport is the flat profile of `perf report --stdio`.
type PerfReport struct {
	Samples uint64      `json:"samples" yaml:"samples"`
	Event   string      `json:"event" yaml:"event"`
	Entries []PerfEntry `json:"entries" yaml:"entries"`

	// KernelPercent is the summed overhead of kernel symbols.
	KernelPercent float64 `json:"kernel_percent" yaml:"kernel_percent"`
}

var (
	perfSamplesRe = regexp.MustCompile(`^#\s*Samples:\s*([0-9.]+)([KMGTP]?)\s+of event\s+'([^']+)'`)
	// optional children column, then self overhead, command, object, [k]/[.] symbol
	perfEntryRe = regexp.MustCompile(`^\s*(?:[0-9.]+%\s+)?([0-9.]+)%\s+(\S+)\s+(\S+)\s+\[([k.gHu])\]\s+(.+?)\s*$`)
)

// ParsePerfReport parses `perf report --stdio` output, sorted as perf printed it.
func ParsePerfReport(text string) PerfReport {
	r := PerfReport{Entries: []PerfEntry{}}
	for _, line := range lines(text) {
		if m := perfSamplesRe.FindStringSubmatch(line); m != nil {
			n, _ := parseFloat(m[1])
			r.Samples = uint64(n * suffixMultiplier(m[2], 1000))
			r.Event = m[3]
			continue
		}
		if strings.HasPrefix(strings.TrimSpace(line), "#") {
			continue
		}
		m := perfEntryRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		overhead, ok := parseFloat(m[1])
		if !ok {
			continue
		}
		e := PerfEntry{
			Overhead:     overhead,
			Command:      m[2],
			SharedObject: m[3],
			Symbol:       m[5],
			Kernel:       m[4] == "k",
		}
		if e.Kernel {
			r.KernelPercent += overhead
		}
		r.Entries = append(r.Entries, e)
	}
	r.KernelPercent = round2(r.KernelPercent)
	return r
}
