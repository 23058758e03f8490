package tools

import (
	"context"
	"fmt"
	"path"

	"github.com/kube-tarian/perftriage/pkg/output"
	"github.com/kube-tarian/perftriage/pkg/parsers"
	"github.com/kube-tarian/perftriage/pkg/perferr"
)

const cgroupRoot = "/sys/fs/cgroup"

// CgroupData is the cgroup v2 resource state of a process.
type CgroupData struct {
	PID               int                   `json:"pid" yaml:"pid"`
	Path              string                `json:"path" yaml:"path"`
	CPUMax            parsers.CPUMax        `json:"cpu_max" yaml:"cpu_max"`
	CPU               parsers.CgroupCPUStat `json:"cpu" yaml:"cpu"`
	MemoryCurrent     uint64                `json:"memory_current_bytes" yaml:"memory_current_bytes"`
	MemoryMax         parsers.Limit         `json:"memory_max" yaml:"memory_max"`
	MemoryUsedPercent float64               `json:"memory_used_percent" yaml:"memory_used_percent"`
	MemoryEvents      parsers.MemoryEvents  `json:"memory_events" yaml:"memory_events"`
	IO                []parsers.IOStatEntry `json:"io" yaml:"io"`
	PidsCurrent       uint64                `json:"pids_current" yaml:"pids_current"`
	PidsMax           parsers.Limit         `json:"pids_max" yaml:"pids_max"`
}

// CgroupStats reads the cgroup v2 controllers of the target process.
func CgroupStats(ctx context.Context, env *Env, p Params) output.Result {
	c := newCollector(env, "cgroup_stats", p)
	if p.PID <= 0 {
		return failed[*CgroupData](c, perferr.New(perferr.CodeInvalidPID, "cgroup_stats needs a pid"))
	}

	raw, err := c.read(fmt.Sprintf("/proc/%d/cgroup", p.PID))
	if err != nil {
		return failed[*CgroupData](c, err)
	}
	membership := parsers.ParsePIDCgroup(raw)
	if membership.V2Path == "" {
		return failed[*CgroupData](c, perferr.New(perferr.CodeCgroupNotFound, "process %d is not in a cgroup v2 hierarchy", p.PID).
			WithSuggestion("Only the unified cgroup v2 hierarchy is supported."))
	}

	d := &CgroupData{PID: p.PID, Path: membership.V2Path, IO: []parsers.IOStatEntry{}}
	dir := path.Join(cgroupRoot, membership.V2Path)
	file := func(name string) string { return path.Join(dir, name) }

	stat, err := c.read(file("cpu.stat"))
	if err != nil {
		return failed[*CgroupData](c, err)
	}
	d.CPU = parsers.ParseCgroupCPUStat(stat)
	if raw := c.readOptional(file("cpu.max")); raw != "" {
		d.CPUMax = parsers.ParseCPUMax(raw)
	}
	if raw := c.readOptional(file("memory.current")); raw != "" {
		d.MemoryCurrent = parsers.ParseLimit(raw).Value
	}
	if raw := c.readOptional(file("memory.max")); raw != "" {
		d.MemoryMax = parsers.ParseLimit(raw)
	}
	if d.MemoryMax.Valid && !d.MemoryMax.Unlimited && d.MemoryMax.Value > 0 {
		d.MemoryUsedPercent = round2(float64(d.MemoryCurrent) / float64(d.MemoryMax.Value) * 100)
	}
	if raw := c.readOptional(file("memory.events")); raw != "" {
		d.MemoryEvents = parsers.ParseMemoryEvents(raw)
	}
	if raw := c.readOptional(file("io.stat")); raw != "" {
		d.IO = append(d.IO, parsers.ParseIOStat(raw)...)
	}
	if raw := c.readOptional(file("pids.current")); raw != "" {
		d.PidsCurrent = parsers.ParseLimit(raw).Value
	}
	if raw := c.readOptional(file("pids.max")); raw != "" {
		d.PidsMax = parsers.ParseLimit(raw)
	}

	c.evidenceOf(dir, output.EvidenceMetric, map[string]any{
		"cpu_stat":      d.CPU,
		"memory_events": d.MemoryEvents,
	})
	checkCgroup(c, d)
	return done(c, d)
}

func checkCgroup(c *collector, d *CgroupData) {
	issues := false
	if sev := grade(d.CPU.ThrottledPct, throttleWarn, throttleCrit); sev != output.SeverityOK {
		issues = true
		limit := "a CPU quota"
		if d.CPUMax.LimitCores != nil {
			limit = fmt.Sprintf("its %.2f CPU quota", *d.CPUMax.LimitCores)
		}
		c.add(output.NewFinding("cgroup-cpu-throttling", sev, output.CategoryCPU,
			"CPU throttled by cgroup quota",
			fmt.Sprintf("%s was throttled in %.1f%% of enforcement periods by %s.", d.Path, d.CPU.ThrottledPct, limit),
			output.WithConfidence(90),
			output.WithMetrics(map[string]float64{"throttled_percent": d.CPU.ThrottledPct, "throttled_ms": round2(float64(d.CPU.ThrottledUs) / 1000)}),
			output.WithSuggestion("Raise the CPU limit or reduce the number of busy threads.")))
	}
	if d.MemoryEvents.OOMKill > 0 {
		issues = true
		c.add(output.NewFinding("cgroup-oom-kill", output.SeverityCritical, output.CategoryMemory,
			"Processes OOM-killed in the cgroup",
			fmt.Sprintf("The memory limit of %s caused %d OOM kills.", d.Path, d.MemoryEvents.OOMKill),
			output.WithConfidence(95),
			output.WithMetrics(map[string]float64{"oom_kill": float64(d.MemoryEvents.OOMKill)}),
			output.WithSuggestion("Raise memory.max or find the allocation growth.")))
	}
	if d.MemoryUsedPercent >= cgroupMemWarn {
		issues = true
		c.add(output.NewFinding("cgroup-memory-limit", output.SeverityWarning, output.CategoryMemory,
			"Memory close to the cgroup limit",
			fmt.Sprintf("%s uses %.1f%% of its memory limit; reclaim will slow it down before an OOM kill.", d.Path, d.MemoryUsedPercent),
			output.WithConfidence(80),
			output.WithMetrics(map[string]float64{"used_percent": d.MemoryUsedPercent}),
			output.WithSuggestion("Raise memory.max or reduce the working set.")))
	}
	if d.MemoryEvents.High > 0 {
		issues = true
		c.add(output.NewFinding("cgroup-memory-high", output.SeverityInfo, output.CategoryMemory,
			"memory.high reclaim",
			fmt.Sprintf("%s went over memory.high %d times and was throttled into reclaim.", d.Path, d.MemoryEvents.High),
			output.WithConfidence(60),
			output.WithMetrics(map[string]float64{"high_events": float64(d.MemoryEvents.High)})))
	}
	if d.PidsMax.Valid && !d.PidsMax.Unlimited && d.PidsMax.Value > 0 {
		pct := round2(float64(d.PidsCurrent) / float64(d.PidsMax.Value) * 100)
		if pct >= cgroupPidsWarn {
			issues = true
			c.add(output.NewFinding("cgroup-pids-limit", output.SeverityWarning, output.CategoryProcess,
				"Task count close to pids.max",
				fmt.Sprintf("%s runs %d of at most %d tasks; fork will start failing at the limit.", d.Path, d.PidsCurrent, d.PidsMax.Value),
				output.WithConfidence(80),
				output.WithMetrics(map[string]float64{"pids_percent": pct})))
		}
	}
	if !issues {
		c.ok("cgroup-ok", output.CategoryProcess, "cgroup limits not reached")
	}
}
