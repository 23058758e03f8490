package tools

import (
	"context"
	"time"

	"github.com/kube-tarian/perftriage/pkg/parsers"
)

// hostSample is one read of the cumulative kernel counters.
type hostSample struct {
	at    time.Time
	stat  parsers.Stat
	disks []parsers.DiskStat
	net   []parsers.NetDevice
	snmp  parsers.SNMP
}

func (c *collector) takeSample(first bool) (hostSample, error) {
	s := hostSample{at: time.Now()}
	raw, err := c.read("/proc/stat")
	if err != nil {
		return s, err
	}
	s.stat = parsers.ParseStat(raw)

	read := c.readOptional
	if !first {
		// the first sample already warned about missing files
		read = func(path string) string {
			content, _ := c.env.Files.Read(path)
			return content
		}
	}
	s.disks = parsers.ParseDiskstats(read("/proc/diskstats"))
	s.net = parsers.ParseNetDev(read("/proc/net/dev"))
	s.snmp = parsers.ParseSNMP(read("/proc/net/snmp"))
	return s, nil
}

// samplePair reads the counters twice, one sample interval apart.
func (c *collector) samplePair(ctx context.Context) (hostSample, hostSample, error) {
	prev, err := c.takeSample(true)
	if err != nil {
		return prev, prev, err
	}
	if err := sleep(ctx, c.env.sampleInterval()); err != nil {
		return prev, prev, err
	}
	cur, err := c.takeSample(false)
	return prev, cur, err
}

func elapsedSeconds(prev, cur hostSample) float64 {
	s := cur.at.Sub(prev.at).Seconds()
	if s <= 0 {
		return 1
	}
	return s
}

func perSecond(prev, cur uint64, secs float64) float64 {
	if cur < prev || secs <= 0 {
		return 0
	}
	return round2(float64(cur-prev) / secs)
}

func delta(prev, cur uint64) uint64 {
	if cur < prev {
		return 0
	}
	return cur - prev
}

func round2(v float64) float64 {
	return float64(int64(v*100+0.5)) / 100
}

func cpuCount(fromCaps int, stat parsers.Stat) int {
	switch {
	case fromCaps > 0:
		return fromCaps
	case len(stat.CPUs) > 0:
		return len(stat.CPUs)
	}
	return 1
}
