package parsers

import (
	"strings"
)

// IostatCPU is the avg-cpu block of iostat.
type IostatCPU struct {
	User   float64 `json:"user" yaml:"user"`
	Nice   float64 `json:"nice" yaml:"nice"`
	System float64 `json:"system" yaml:"system"`
	IOWait float64 `json:"iowait" yaml:"iowait"`
	Steal  float64 `json:"steal" yaml:"steal"`
	Idle   float64 `json:"idle" yaml:"idle"`
}

// IostatDevice is one device row of an extended iostat report, normalized to kB and ms.
type IostatDevice struct {
	Name         string  `json:"name" yaml:"name"`
	ReadsPerSec  float64 `json:"reads_per_sec" yaml:"reads_per_sec"`
	WritesPerSec float64 `json:"writes_per_sec" yaml:"writes_per_sec"`
	ReadKBps     float64 `json:"read_kbps" yaml:"read_kbps"`
	WriteKBps    float64 `json:"write_kbps" yaml:"write_kbps"`
	ReadAwaitMs  float64 `json:"read_await_ms" yaml:"read_await_ms"`
	WriteAwaitMs float64 `json:"write_await_ms" yaml:"write_await_ms"`
	AwaitMs      float64 `json:"await_ms" yaml:"await_ms"`
	QueueDepth   float64 `json:"queue_depth" yaml:"queue_depth"`
	UtilPercent  float64 `json:"util_percent" yaml:"util_percent"`
}

// Iostat is the last report of `iostat -x` output. With an interval the first report
// covers the time since boot, so later reports replace it.
type Iostat struct {
	CPU     IostatCPU      `json:"cpu" yaml:"cpu"`
	Devices []IostatDevice `json:"devices" yaml:"devices"`
	Reports int            `json:"reports" yaml:"reports"`
}

// ParseIostat parses `iostat -x` in any sysstat dialect. Columns are looked up by name, so
// header differences between versions (aqu-sz vs avgqu-sz, rkB/s vs rMB/s vs rsec/s,
// missing await) do not matter.
func ParseIostat(text string) Iostat {
	var (
		out       Iostat
		cpuHeader []string
		devHeader []string
		inDevices bool
	)

	for _, line := range lines(text) {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			inDevices = false
			continue
		}

		switch {
		case fields[0] == "avg-cpu:":
			cpuHeader = fields[1:]
			inDevices = false
			continue
		case fields[0] == "Device:" || fields[0] == "Device":
			devHeader = fields[1:]
			inDevices = true
			out.Reports++
			out.Devices = []IostatDevice{}
			continue
		}

		if cpuHeader != nil {
			out.CPU = iostatCPU(cpuHeader, fields)
			cpuHeader = nil
			continue
		}
		if inDevices {
			if dev, ok := iostatDevice(devHeader, fields); ok {
				out.Devices = append(out.Devices, dev)
			}
		}
	}

	if out.Devices == nil {
		out.Devices = []IostatDevice{}
	}
	return out
}

func iostatCPU(header, fields []string) IostatCPU {
	var c IostatCPU
	dst := map[string]*float64{
		"%user": &c.User, "%nice": &c.Nice, "%system": &c.System,
		"%iowait": &c.IOWait, "%steal": &c.Steal, "%idle": &c.Idle,
	}
	for i, name := range header {
		if p, ok := dst[name]; ok && i < len(fields) {
			*p, _ = parseFloat(fields[i])
		}
	}
	return c
}

func iostatDevice(header, fields []string) (IostatDevice, bool) {
	if len(fields) < 2 {
		return IostatDevice{}, false
	}
	cols := map[string]float64{}
	parsed := 0
	for i, name := range header {
		if i+1 >= len(fields) {
			break
		}
		if v, ok := parseFloat(fields[i+1]); ok {
			cols[name] = v
			parsed++
		}
	}
	if parsed == 0 {
		return IostatDevice{}, false
	}

	lookup := func(names ...string) (float64, bool) {
		for _, n := range names {
			if v, ok := cols[n]; ok {
				return v, true
			}
		}
		return 0, false
	}
	throughput := func(prefix string) float64 {
		if v, ok := cols[prefix+"kB/s"]; ok {
			return v
		}
		if v, ok := cols[prefix+"MB/s"]; ok {
			return v * 1024
		}
		if v, ok := cols[prefix+"sec/s"]; ok {
			return v / 2
		}
		return 0
	}

	d := IostatDevice{Name: fields[0]}
	d.ReadsPerSec, _ = lookup("r/s")
	d.WritesPerSec, _ = lookup("w/s")
	d.ReadKBps = round2(throughput("r"))
	d.WriteKBps = round2(throughput("w"))
	d.ReadAwaitMs, _ = lookup("r_await")
	d.WriteAwaitMs, _ = lookup("w_await")
	d.QueueDepth, _ = lookup("aqu-sz", "avgqu-sz")
	d.UtilPercent, _ = lookup("%util")

	if await, ok := lookup("await"); ok {
		d.AwaitMs = await
	} else if ios := d.ReadsPerSec + d.WritesPerSec; ios > 0 {
		d.AwaitMs = round2((d.ReadAwaitMs*d.ReadsPerSec + d.WriteAwaitMs*d.WritesPerSec) / ios)
	}
	return d, true
}
