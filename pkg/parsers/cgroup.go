package parsers

import (
	"strings"
)

// CPUMax is cgroup v2 cpu.max.
type CPUMax struct {
	// QuotaUs is nil when the quota is "max".
	QuotaUs  *uint64 `json:"quota_us" yaml:"quota_us"`
	PeriodUs uint64  `json:"period_us" yaml:"period_us"`
	// LimitCores is quota/period, nil when unlimited.
	LimitCores *float64 `json:"limit_cores" yaml:"limit_cores"`
}

// ParseCPUMax parses "max 100000" or "200000 100000".
func ParseCPUMax(text string) CPUMax {
	var c CPUMax
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return c
	}
	if len(fields) > 1 {
		c.PeriodUs, _ = parseUint(fields[1])
	}
	if fields[0] == "max" {
		return c
	}
	quota, ok := parseUint(fields[0])
	if !ok {
		return c
	}
	c.QuotaUs = &quota
	if c.PeriodUs > 0 {
		cores := round2(float64(quota) / float64(c.PeriodUs))
		c.LimitCores = &cores
	}
	return c
}

// ParseFlatKeyed parses "key value" per line files such as cpu.stat, memory.stat and
// memory.events. Non-numeric values are skipped.
func ParseFlatKeyed(text string) map[string]uint64 {
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

// Limit is a single-value cgroup file that may read "max".
type Limit struct {
	Value     uint64 `json:"value" yaml:"value"`
	Unlimited bool   `json:"unlimited" yaml:"unlimited"`
	Valid     bool   `json:"valid" yaml:"valid"`
}

// ParseLimit parses memory.max, pids.max, memory.current or pids.current.
func ParseLimit(text string) Limit {
	s := strings.TrimSpace(text)
	if s == "max" {
		return Limit{Unlimited: true, Valid: true}
	}
	v, ok := parseUint(s)
	return Limit{Value: v, Valid: ok}
}

// CgroupCPUStat is cgroup v2 cpu.stat.
type CgroupCPUStat struct {
	UsageUs      uint64  `json:"usage_us" yaml:"usage_us"`
	UserUs       uint64  `json:"user_us" yaml:"user_us"`
	SystemUs     uint64  `json:"system_us" yaml:"system_us"`
	NrPeriods    uint64  `json:"nr_periods" yaml:"nr_periods"`
	NrThrottled  uint64  `json:"nr_throttled" yaml:"nr_throttled"`
	ThrottledUs  uint64  `json:"throttled_us" yaml:"throttled_us"`
	ThrottledPct float64 `json:"throttled_percent" yaml:"throttled_percent"`
}

// ParseCgroupCPUStat parses cpu.stat. ThrottledPct is the share of enforcement periods
// that were throttled.
func ParseCgroupCPUStat(text string) CgroupCPUStat {
	kv := ParseFlatKeyed(text)
	s := CgroupCPUStat{
		UsageUs:     kv["usage_usec"],
		UserUs:      kv["user_usec"],
		SystemUs:    kv["system_usec"],
		NrPeriods:   kv["nr_periods"],
		NrThrottled: kv["nr_throttled"],
		ThrottledUs: kv["throttled_usec"],
	}
	if s.NrPeriods > 0 {
		s.ThrottledPct = round2(float64(s.NrThrottled) / float64(s.NrPeriods) * 100)
	}
	return s
}

// MemoryEvents is cgroup v2 memory.events.
type MemoryEvents struct {
	Low     uint64 `json:"low" yaml:"low"`
	High    uint64 `json:"high" yaml:"high"`
	Max     uint64 `json:"max" yaml:"max"`
	OOM     uint64 `json:"oom" yaml:"oom"`
	OOMKill uint64 `json:"oom_kill" yaml:"oom_kill"`
}

// ParseMemoryEvents parses memory.events.
func ParseMemoryEvents(text string) MemoryEvents {
	kv := ParseFlatKeyed(text)
	return MemoryEvents{
		Low:     kv["low"],
		High:    kv["high"],
		Max:     kv["max"],
		OOM:     kv["oom"],
		OOMKill: kv["oom_kill"],
	}
}

// IOStatEntry is one device line of cgroup v2 io.stat.
type IOStatEntry struct {
	Device string `json:"device" yaml:"device"`
	RBytes uint64 `json:"rbytes" yaml:"rbytes"`
	WBytes uint64 `json:"wbytes" yaml:"wbytes"`
	RIOs   uint64 `json:"rios" yaml:"rios"`
	WIOs   uint64 `json:"wios" yaml:"wios"`
	DBytes uint64 `json:"dbytes" yaml:"dbytes"`
	DIOs   uint64 `json:"dios" yaml:"dios"`
}

// ParseIOStat parses io.stat lines of the form "8:0 rbytes=1 wbytes=2 rios=3 wios=4".
func ParseIOStat(text string) []IOStatEntry {
	var out []IOStatEntry
	for _, line := range lines(text) {
		f := strings.Fields(line)
		if len(f) < 2 || !strings.Contains(f[0], ":") {
			continue
		}
		e := IOStatEntry{Device: f[0]}
		dst := map[string]*uint64{
			"rbytes": &e.RBytes, "wbytes": &e.WBytes, "rios": &e.RIOs,
			"wios": &e.WIOs, "dbytes": &e.DBytes, "dios": &e.DIOs,
		}
		for _, kv := range f[1:] {
			k, v, ok := strings.Cut(kv, "=")
			if !ok {
				continue
			}
			if p, known := dst[k]; known {
				*p, _ = parseUint(v)
			}
		}
		out = append(out, e)
	}
	return out
}
