package tools

import (
	"context"
	"fmt"

	"github.com/kube-tarian/perftriage/pkg/output"
	"github.com/kube-tarian/perftriage/pkg/parsers"
)

// SnapshotData is a one-shot view of host load.
type SnapshotData struct {
	CPUs                  int                         `json:"cpus" yaml:"cpus"`
	LoadAvg               parsers.LoadAvg             `json:"loadavg" yaml:"loadavg"`
	LoadPerCPU            float64                     `json:"load_per_cpu" yaml:"load_per_cpu"`
	CPU                   parsers.CPUUsage            `json:"cpu" yaml:"cpu"`
	Memory                parsers.MemInfo             `json:"memory" yaml:"memory"`
	MemoryUsedPercent     float64                     `json:"memory_used_percent" yaml:"memory_used_percent"`
	SwapUsedPercent       float64                     `json:"swap_used_percent" yaml:"swap_used_percent"`
	Pressure              map[string]parsers.Pressure `json:"pressure,omitempty" yaml:"pressure,omitempty"`
	ProcsRunning          uint64                      `json:"procs_running" yaml:"procs_running"`
	ProcsBlocked          uint64                      `json:"procs_blocked" yaml:"procs_blocked"`
	ContextSwitchesPerSec float64                     `json:"context_switches_per_sec" yaml:"context_switches_per_sec"`
	ForksPerSec           float64                     `json:"forks_per_sec" yaml:"forks_per_sec"`
}

// Snapshot reads load, CPU, memory and PSI from procfs.
func Snapshot(ctx context.Context, env *Env, p Params) output.Result {
	c := newCollector(env, "snapshot", p)
	caps := env.Caps.Detect(ctx)

	loadRaw, err := c.read("/proc/loadavg")
	if err != nil {
		return failed[*SnapshotData](c, err)
	}
	memRaw, err := c.read("/proc/meminfo")
	if err != nil {
		return failed[*SnapshotData](c, err)
	}
	prev, cur, err := c.samplePair(ctx)
	if err != nil {
		return failed[*SnapshotData](c, err)
	}

	secs := elapsedSeconds(prev, cur)
	d := &SnapshotData{
		CPUs:                  cpuCount(caps.CPUs, cur.stat),
		LoadAvg:               parsers.ParseLoadavg(loadRaw),
		CPU:                   parsers.CPUUsageBetween(prev.stat.CPU, cur.stat.CPU),
		Memory:                parsers.ParseMeminfo(memRaw),
		ProcsRunning:          cur.stat.ProcsRunning,
		ProcsBlocked:          cur.stat.ProcsBlocked,
		ContextSwitchesPerSec: perSecond(prev.stat.ContextSwitches, cur.stat.ContextSwitches, secs),
		ForksPerSec:           perSecond(prev.stat.Processes, cur.stat.Processes, secs),
	}
	d.LoadPerCPU = round2(d.LoadAvg.Load1 / float64(d.CPUs))
	d.MemoryUsedPercent = d.Memory.UsedPercent()
	d.SwapUsedPercent = d.Memory.SwapUsedPercent()

	if caps.PSI {
		d.Pressure = map[string]parsers.Pressure{}
		for _, res := range []string{"cpu", "memory", "io"} {
			if raw := c.readOptional("/proc/pressure/" + res); raw != "" {
				d.Pressure[res] = parsers.ParsePressure(raw)
			}
		}
	}

	c.evidenceOf("/proc/loadavg", output.EvidenceMetric, d.LoadAvg)
	c.evidenceOf("/proc/stat", output.EvidenceSample, d.CPU)
	c.evidenceOf("/proc/meminfo", output.EvidenceMetric, d.Memory)
	if len(d.Pressure) > 0 {
		c.evidenceOf("/proc/pressure", output.EvidenceMetric, d.Pressure)
	}

	checkSnapshot(c, d)
	return done(c, d)
}

func checkSnapshot(c *collector, d *SnapshotData) {
	if sev := grade(d.LoadPerCPU, loadPerCPUWarn, loadPerCPUCrit); sev != output.SeverityOK {
		c.add(output.NewFinding("cpu-saturation", sev, output.CategoryCPU,
			"CPU run queue saturated",
			fmt.Sprintf("1-minute load %.2f over %d CPUs (%.2f per CPU).", d.LoadAvg.Load1, d.CPUs, d.LoadPerCPU),
			output.WithConfidence(75),
			output.WithMetrics(map[string]float64{"load1": d.LoadAvg.Load1, "load_per_cpu": d.LoadPerCPU}),
			output.WithSuggestion("Find the busiest threads (cpu_profile, runq_latency) or add CPU capacity.")))
	} else {
		c.ok("cpu-load-ok", output.CategoryCPU, "Load average within CPU capacity")
	}

	if sev := grade(d.CPU.Busy, cpuBusyWarn, cpuBusyCrit); sev != output.SeverityOK {
		c.add(output.NewFinding("cpu-utilization", sev, output.CategoryCPU,
			"High CPU utilization",
			fmt.Sprintf("CPUs were %.1f%% busy (user %.1f%%, system %.1f%%).", d.CPU.Busy, d.CPU.User, d.CPU.System),
			output.WithMetrics(map[string]float64{"busy_percent": d.CPU.Busy, "user_percent": d.CPU.User, "system_percent": d.CPU.System}),
			output.WithSuggestion("Profile on-CPU time with cpu_profile.")))
	} else {
		c.ok("cpu-utilization-ok", output.CategoryCPU, "CPU utilization normal")
	}

	if d.CPU.IOWait >= iowaitWarn {
		c.add(output.NewFinding("io-wait", output.SeverityWarning, output.CategoryIO,
			"High I/O wait",
			fmt.Sprintf("CPUs spent %.1f%% of the time idle waiting for I/O.", d.CPU.IOWait),
			output.WithConfidence(70),
			output.WithMetrics(map[string]float64{"iowait_percent": d.CPU.IOWait}),
			output.WithSuggestion("Compare block-layer and device latency with io_layers.")))
	}
	if d.CPU.Steal >= stealWarn {
		c.add(output.NewFinding("cpu-steal", output.SeverityWarning, output.CategoryCPU,
			"Hypervisor CPU steal",
			fmt.Sprintf("%.1f%% of CPU time was stolen by the hypervisor.", d.CPU.Steal),
			output.WithMetrics(map[string]float64{"steal_percent": d.CPU.Steal}),
			output.WithSuggestion("The host is oversubscribed; move the VM or raise its CPU reservation.")))
	}

	if sev := grade(d.MemoryUsedPercent, memUsedWarn, memUsedCrit); sev != output.SeverityOK {
		c.add(output.NewFinding("memory-pressure", sev, output.CategoryMemory,
			"Low available memory",
			fmt.Sprintf("%.1f%% of memory is in use; %d MiB available.", d.MemoryUsedPercent, d.Memory.MemAvailable/1024),
			output.WithMetrics(map[string]float64{"used_percent": d.MemoryUsedPercent, "available_kb": float64(d.Memory.MemAvailable)}),
			output.WithSuggestion("Check the largest consumers and cgroup memory limits (cgroup_stats).")))
	} else {
		c.ok("memory-ok", output.CategoryMemory, "Available memory sufficient")
	}
	if d.SwapUsedPercent >= swapUsedWarn {
		c.add(output.NewFinding("swap-usage", output.SeverityWarning, output.CategoryMemory,
			"Heavy swap usage",
			fmt.Sprintf("%.1f%% of swap is in use.", d.SwapUsedPercent),
			output.WithConfidence(70),
			output.WithMetrics(map[string]float64{"swap_used_percent": d.SwapUsedPercent})))
	}

	checkPressure(c, d.Pressure)

	if d.ProcsBlocked > uint64(d.CPUs) {
		c.add(output.NewFinding("blocked-tasks", output.SeverityWarning, output.CategoryIO,
			"Many tasks blocked in uninterruptible sleep",
			fmt.Sprintf("%d tasks are blocked, more than the %d CPUs.", d.ProcsBlocked, d.CPUs),
			output.WithConfidence(65),
			output.WithMetrics(map[string]float64{"procs_blocked": float64(d.ProcsBlocked)})))
	}
}

func checkPressure(c *collector, psi map[string]parsers.Pressure) {
	if p, ok := psi["cpu"]; ok && p.Some.Avg10 >= psiCPUSomeWarn {
		c.add(output.NewFinding("psi-cpu", output.SeverityWarning, output.CategoryCPU,
			"CPU pressure stalls",
			fmt.Sprintf("Runnable tasks waited for a CPU %.1f%% of the last 10s.", p.Some.Avg10),
			output.WithConfidence(90),
			output.WithMetrics(map[string]float64{"some_avg10": p.Some.Avg10})))
	}
	if p, ok := psi["memory"]; ok {
		switch {
		case p.HasFull && p.Full.Avg10 >= psiMemFullCrit:
			c.add(output.NewFinding("psi-memory", output.SeverityCritical, output.CategoryMemory,
				"Memory pressure stalls all tasks",
				fmt.Sprintf("All non-idle tasks stalled on memory %.1f%% of the last 10s.", p.Full.Avg10),
				output.WithConfidence(90),
				output.WithMetrics(map[string]float64{"full_avg10": p.Full.Avg10, "some_avg10": p.Some.Avg10})))
		case p.Some.Avg10 >= psiMemSomeWarn:
			c.add(output.NewFinding("psi-memory", output.SeverityWarning, output.CategoryMemory,
				"Memory pressure stalls",
				fmt.Sprintf("Some tasks stalled on memory reclaim %.1f%% of the last 10s.", p.Some.Avg10),
				output.WithConfidence(90),
				output.WithMetrics(map[string]float64{"some_avg10": p.Some.Avg10})))
		}
	}
	if p, ok := psi["io"]; ok {
		switch {
		case p.HasFull && p.Full.Avg10 >= psiIOFullCrit:
			c.add(output.NewFinding("psi-io", output.SeverityCritical, output.CategoryIO,
				"I/O pressure stalls all tasks",
				fmt.Sprintf("All non-idle tasks stalled on I/O %.1f%% of the last 10s.", p.Full.Avg10),
				output.WithConfidence(90),
				output.WithMetrics(map[string]float64{"full_avg10": p.Full.Avg10, "some_avg10": p.Some.Avg10})))
		case p.Some.Avg10 >= psiIOSomeWarn:
			c.add(output.NewFinding("psi-io", output.SeverityWarning, output.CategoryIO,
				"I/O pressure stalls",
				fmt.Sprintf("Some tasks stalled on I/O %.1f%% of the last 10s.", p.Some.Avg10),
				output.WithConfidence(90),
				output.WithMetrics(map[string]float64{"some_avg10": p.Some.Avg10})))
		}
	}
}
