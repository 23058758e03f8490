package tools

import (
	"context"
	"fmt"
	"time"

	"github.com/kube-tarian/perftriage/pkg/output"
	"github.com/kube-tarian/perftriage/pkg/parsers"
	"github.com/kube-tarian/perftriage/pkg/perferr"
	"github.com/kube-tarian/perftriage/pkg/safeexec"
)

// USEMetric is the utilization, saturation and errors of one resource.
type USEMetric struct {
	Utilization float64         `json:"utilization_percent" yaml:"utilization_percent"`
	Saturation  float64         `json:"saturation" yaml:"saturation"`
	Errors      uint64          `json:"errors" yaml:"errors"`
	Status      output.Severity `json:"status" yaml:"status"`
}

// DiskUSE is the USE view of one block device.
type DiskUSE struct {
	Device      string          `json:"device" yaml:"device"`
	UtilPercent float64         `json:"util_percent" yaml:"util_percent"`
	QueueDepth  float64         `json:"queue_depth" yaml:"queue_depth"`
	AwaitMs     float64         `json:"await_ms" yaml:"await_ms"`
	Status      output.Severity `json:"status" yaml:"status"`
}

// NetUSE is the USE view of one interface.
type NetUSE struct {
	Interface     string          `json:"interface" yaml:"interface"`
	RxBytesPerSec float64         `json:"rx_bytes_per_sec" yaml:"rx_bytes_per_sec"`
	TxBytesPerSec float64         `json:"tx_bytes_per_sec" yaml:"tx_bytes_per_sec"`
	Errors        uint64          `json:"errors" yaml:"errors"`
	Drops         uint64          `json:"drops" yaml:"drops"`
	Status        output.Severity `json:"status" yaml:"status"`
}

// UseCheckData applies the USE method to every resource.
type UseCheckData struct {
	CPU               USEMetric `json:"cpu" yaml:"cpu"`
	Memory            USEMetric `json:"memory" yaml:"memory"`
	Disks             []DiskUSE `json:"disks" yaml:"disks"`
	DiskSource        string    `json:"disk_source" yaml:"disk_source"`
	Network           []NetUSE  `json:"network" yaml:"network"`
	// TCPRetransPercent covers the sample interval, not the counters since boot.
	TCPRetransPercent float64   `json:"tcp_retrans_percent" yaml:"tcp_retrans_percent"`
}

const iostatTimeout = 10 * time.Second

// UseCheck runs the USE method over CPU, memory, disks and network.
func UseCheck(ctx context.Context, env *Env, p Params) output.Result {
	c := newCollector(env, "use_check", p)
	caps := env.Caps.Detect(ctx)

	prev, cur, err := c.samplePair(ctx)
	if err != nil {
		return failed[*UseCheckData](c, err)
	}
	secs := elapsedSeconds(prev, cur)
	cpus := cpuCount(caps.CPUs, cur.stat)
	d := &UseCheckData{Disks: []DiskUSE{}, Network: []NetUSE{}}

	// CPU
	usage := parsers.CPUUsageBetween(prev.stat.CPU, cur.stat.CPU)
	d.CPU.Utilization = usage.Busy
	if raw := c.readOptional("/proc/loadavg"); raw != "" {
		d.CPU.Saturation = round2(parsers.ParseLoadavg(raw).Load1 / float64(cpus))
	}
	d.CPU.Status = worst(grade(d.CPU.Utilization, cpuBusyWarn, cpuBusyCrit), grade(d.CPU.Saturation, loadPerCPUWarn, loadPerCPUCrit))

	// memory
	if raw := c.readOptional("/proc/meminfo"); raw != "" {
		mem := parsers.ParseMeminfo(raw)
		d.Memory.Utilization = mem.UsedPercent()
		d.Memory.Saturation = mem.SwapUsedPercent()
	}
	if caps.PSI {
		if raw, err := env.Files.Read("/proc/pressure/memory"); err == nil {
			d.Memory.Saturation = parsers.ParsePressure(raw).Some.Avg10
		}
	}
	if raw, err := env.Files.Read("/proc/vmstat"); err == nil {
		d.Memory.Errors = parsers.ParseVmstat(raw)["oom_kill"]
	}
	memSat := grade(d.Memory.Saturation, psiMemSomeWarn, 100)
	if !caps.PSI {
		memSat = grade(d.Memory.Saturation, swapUsedWarn, 100)
	}
	d.Memory.Status = worst(grade(d.Memory.Utilization, memUsedWarn, memUsedCrit), memSat)

	// disks
	if env.Exec.Available("iostat") {
		if err := c.iostatDisks(ctx, d); err != nil {
			c.warn("iostat failed, using /proc/diskstats: %s", perferr.From(err).Message)
		}
	}
	if d.DiskSource == "" {
		d.DiskSource = "diskstats"
		d.Disks = diskstatsUSE(prev, cur, secs)
	}

	// network
	prevNet := map[string]parsers.NetDevice{}
	for _, n := range prev.net {
		prevNet[n.Name] = n
	}
	for _, n := range cur.net {
		if n.Name == "lo" {
			continue
		}
		pn, ok := prevNet[n.Name]
		if !ok {
			continue
		}
		u := NetUSE{
			Interface:     n.Name,
			RxBytesPerSec: perSecond(pn.RxBytes, n.RxBytes, secs),
			TxBytesPerSec: perSecond(pn.TxBytes, n.TxBytes, secs),
			Errors:        delta(pn.RxErrs+pn.TxErrs, n.RxErrs+n.TxErrs),
			Drops:         delta(pn.RxDrop+pn.TxDrop, n.RxDrop+n.TxDrop),
			Status:        output.SeverityOK,
		}
		if u.Errors > 0 || u.Drops > 0 {
			u.Status = output.SeverityWarning
		}
		d.Network = append(d.Network, u)
	}
	d.TCPRetransPercent = parsers.TCPRetransPercentBetween(prev.snmp, cur.snmp)

	c.evidenceOf("/proc/stat", output.EvidenceSample, usage)
	c.evidenceOf(d.DiskSource, output.EvidenceMetric, d.Disks)
	c.evidenceOf("/proc/net/dev", output.EvidenceSample, d.Network)

	checkUSE(c, d, cpus)
	return done(c, d)
}

func (c *collector) iostatDisks(ctx context.Context, d *UseCheckData) error {
	res, err := c.env.Exec.Exec(ctx, "iostat", []string{"-x", "-z", "1", "2"}, safeexec.Options{Timeout: iostatTimeout})
	if err != nil {
		return err
	}
	st := parsers.ParseIostat(res.Stdout)
	if st.Reports == 0 {
		return perferr.New(perferr.CodeParseError, "iostat printed no device report")
	}
	for _, dev := range st.Devices {
		d.Disks = append(d.Disks, DiskUSE{
			Device:      dev.Name,
			UtilPercent: dev.UtilPercent,
			QueueDepth:  dev.QueueDepth,
			AwaitMs:     dev.AwaitMs,
			Status:      diskStatus(dev.UtilPercent, dev.QueueDepth, dev.AwaitMs),
		})
	}
	d.DiskSource = "iostat"
	return nil
}

func diskstatsUSE(prev, cur hostSample, secs float64) []DiskUSE {
	out := []DiskUSE{}
	before := map[string]parsers.DiskStat{}
	for _, ds := range prev.disks {
		before[ds.Name] = ds
	}
	for _, ds := range cur.disks {
		pd, ok := before[ds.Name]
		if !ok || ds.IsPartition() {
			continue
		}
		ios := delta(pd.ReadsCompleted+pd.WritesComplete, ds.ReadsCompleted+ds.WritesComplete)
		if ios == 0 && ds.InFlight == 0 {
			continue
		}
		u := DiskUSE{
			Device:      ds.Name,
			UtilPercent: parsers.DiskUtilization(pd, ds, secs*1000),
			QueueDepth:  float64(ds.InFlight),
		}
		if ios > 0 {
			u.AwaitMs = round2(float64(delta(pd.ReadMs+pd.WriteMs, ds.ReadMs+ds.WriteMs)) / float64(ios))
		}
		u.Status = diskStatus(u.UtilPercent, u.QueueDepth, u.AwaitMs)
		out = append(out, u)
	}
	return out
}

func diskStatus(util, queue, await float64) output.Severity {
	s := worst(grade(util, diskUtilWarn, diskUtilCrit), grade(await, diskAwaitWarnMs, diskAwaitCritMs))
	if queue >= diskQueueWarn {
		s = worst(s, output.SeverityWarning)
	}
	return s
}

func checkUSE(c *collector, d *UseCheckData, cpus int) {
	if d.CPU.Status == output.SeverityOK {
		c.ok("use-cpu", output.CategoryCPU, "CPU utilization and saturation normal")
	} else {
		c.add(output.NewFinding("use-cpu", d.CPU.Status, output.CategoryCPU,
			"CPU utilization or saturation high",
			fmt.Sprintf("CPU %.1f%% busy with %.2f runnable tasks per CPU over %d CPUs.", d.CPU.Utilization, d.CPU.Saturation, cpus),
			output.WithMetrics(map[string]float64{"utilization_percent": d.CPU.Utilization, "load_per_cpu": d.CPU.Saturation}),
			output.WithSuggestion("Profile on-CPU time (cpu_profile) and run queue latency (runq_latency).")))
	}

	if d.Memory.Status == output.SeverityOK {
		c.ok("use-memory", output.CategoryMemory, "Memory utilization and saturation normal")
	} else {
		c.add(output.NewFinding("use-memory", d.Memory.Status, output.CategoryMemory,
			"Memory utilization or saturation high",
			fmt.Sprintf("%.1f%% of memory used, saturation %.1f.", d.Memory.Utilization, d.Memory.Saturation),
			output.WithMetrics(map[string]float64{"utilization_percent": d.Memory.Utilization, "saturation": d.Memory.Saturation}),
			output.WithSuggestion("Look for memory growth and cgroup limits (cgroup_stats).")))
	}
	if d.Memory.Errors > 0 {
		c.add(output.NewFinding("use-memory-oom", output.SeverityInfo, output.CategoryMemory,
			"OOM kills since boot",
			fmt.Sprintf("The kernel OOM killer ran %d times since boot.", d.Memory.Errors),
			output.WithConfidence(60),
			output.WithMetrics(map[string]float64{"oom_kill": float64(d.Memory.Errors)})))
	}

	diskOK := true
	for _, disk := range d.Disks {
		if disk.Status == output.SeverityOK {
			continue
		}
		diskOK = false
		c.add(output.NewFinding("use-disk-"+disk.Device, disk.Status, output.CategoryIO,
			fmt.Sprintf("Disk %s busy or slow", disk.Device),
			fmt.Sprintf("%s is %.1f%% utilized, queue depth %.1f, await %.1fms.", disk.Device, disk.UtilPercent, disk.QueueDepth, disk.AwaitMs),
			output.WithMetrics(map[string]float64{"util_percent": disk.UtilPercent, "queue_depth": disk.QueueDepth, "await_ms": disk.AwaitMs}),
			output.WithSuggestion("Compare block-layer and device latency with io_layers, and find the writers with file_trace.")))
	}
	if diskOK {
		c.ok("use-disk", output.CategoryIO, "Disk utilization and latency normal")
	}

	netOK := true
	for _, n := range d.Network {
		if n.Status == output.SeverityOK {
			continue
		}
		netOK = false
		c.add(output.NewFinding("use-net-"+n.Interface, n.Status, output.CategoryNetwork,
			fmt.Sprintf("Errors or drops on %s", n.Interface),
			fmt.Sprintf("%s had %d errors and %d drops during sampling.", n.Interface, n.Errors, n.Drops),
			output.WithMetrics(map[string]float64{"errors": float64(n.Errors), "drops": float64(n.Drops)}),
			output.WithSuggestion("Check NIC ring buffers, driver statistics and the link.")))
	}
	if sev := grade(d.TCPRetransPercent, retransWarn, retransCrit); sev != output.SeverityOK {
		netOK = false
		c.add(output.NewFinding("tcp-retransmits", sev, output.CategoryNetwork,
			"TCP retransmissions",
			fmt.Sprintf("%.2f%% of TCP segments sent during sampling were retransmitted.", d.TCPRetransPercent),
			output.WithConfidence(60),
			output.WithMetrics(map[string]float64{"retrans_percent": d.TCPRetransPercent}),
			output.WithSuggestion("Trace sessions with tcp_trace and check for packet loss on the path.")))
	}
	if netOK {
		c.ok("use-network", output.CategoryNetwork, "Network errors and retransmits normal")
	}
}

// worst returns the more severe of the severities.
func worst(sevs ...output.Severity) output.Severity {
	w := output.SeverityOK
	for _, s := range sevs {
		if s.Weight() > w.Weight() {
			w = s
		}
	}
	return w
}
