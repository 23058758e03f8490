package parsers

import (
	"regexp"
	"sort"
	"strings"
)

// Unit is the time unit of histogram buckets.
type Unit string

const (
	UnitUsecs Unit = "usecs"
	UnitMsecs Unit = "msecs"
	UnitNsecs Unit = "nsecs"
)

// Micros is the factor converting the unit to microseconds.
func (u Unit) Micros() float64 {
	switch u {
	case UnitMsecs:
		return 1000
	case UnitNsecs:
		return 0.001
	}
	return 1
}

// LatencyBucket is one power-of-two or linear bucket, bounds inclusive, in Unit.
type LatencyBucket struct {
	Start uint64 `json:"start" yaml:"start"`
	End   uint64 `json:"end" yaml:"end"`
	Count uint64 `json:"count" yaml:"count"`
	Unit  Unit   `json:"unit" yaml:"unit"`
}

// MidpointUs is the bucket midpoint in microseconds.
func (b LatencyBucket) MidpointUs() float64 {
	return (float64(b.Start) + float64(b.End)) / 2 * b.Unit.Micros()
}

// Histogram is a parsed latency histogram with statistics in microseconds.
//
// The percentiles are approximations: the walk stops in the bucket where the cumulative
// count crosses the target and reports that bucket's midpoint, so the error is bounded by
// half the bucket width.
type Histogram struct {
	Label   string          `json:"label,omitempty" yaml:"label,omitempty"`
	Unit    Unit            `json:"unit" yaml:"unit"`
	Buckets []LatencyBucket `json:"buckets" yaml:"buckets"`
	Total   uint64          `json:"total" yaml:"total"`
	MeanUs  float64         `json:"mean_us" yaml:"mean_us"`
	P50Us   float64         `json:"p50_us" yaml:"p50_us"`
	P99Us   float64         `json:"p99_us" yaml:"p99_us"`
	MaxUs   float64         `json:"max_us" yaml:"max_us"`
}

var (
	bccUnitRe   = regexp.MustCompile(`(?i)^\s*(usecs|msecs|nsecs)\s*:\s*count`)
	bccBucketRe = regexp.MustCompile(`^\s*(\d+)\s*->\s*(\d+)\s*:\s*(\d+)`)
	bccLabelRe  = regexp.MustCompile(`^\s*(\w+)\s*=\s*'?([^']*?)'?\s*$`)
	bpfMapRe    = regexp.MustCompile(`^@(\w*)(\[[^\]]*\])?:\s*$`)
	bpfBucketRe = regexp.MustCompile(`^\s*\[(\d+)([KMGTP]?)(?:,\s*(?:(\d+)([KMGTP]?)|\.\.\.))?[\])]\s+(\d+)`)
)

// ParseHistograms parses every histogram in BCC ("4 -> 7 : 12") or bpftrace
// ("[4, 8)  12") notation. A unit header, a "disk = 'sda'" style label or a bpftrace map
// name starts a new histogram.
func ParseHistograms(text string) []Histogram {
	var (
		out     []Histogram
		cur     *Histogram
		label   string
		pending = UnitUsecs
	)
	flush := func() {
		if cur != nil && len(cur.Buckets) > 0 {
			computeHistogramStats(cur)
			out = append(out, *cur)
		}
		cur = nil
	}
	start := func(unit Unit) {
		flush()
		cur = &Histogram{Label: label, Unit: unit}
	}

	for _, line := range lines(text) {
		if m := bccUnitRe.FindStringSubmatch(line); m != nil {
			pending = Unit(strings.ToLower(m[1]))
			start(pending)
			continue
		}
		if m := bpfMapRe.FindStringSubmatch(line); m != nil {
			label = "@" + m[1] + m[2]
			pending = unitFromName(m[1])
			start(pending)
			continue
		}
		if m := bccBucketRe.FindStringSubmatch(line); m != nil {
			if cur == nil {
				start(pending)
			}
			lo, _ := parseUint(m[1])
			hi, _ := parseUint(m[2])
			n, _ := parseUint(m[3])
			if hi < lo {
				continue
			}
			cur.Buckets = append(cur.Buckets, LatencyBucket{Start: lo, End: hi, Count: n, Unit: cur.Unit})
			continue
		}
		if m := bpfBucketRe.FindStringSubmatch(line); m != nil {
			if cur == nil {
				start(pending)
			}
			lo := scaled(m[1], m[2])
			hi := lo
			if m[3] != "" {
				if b := scaled(m[3], m[4]); b > lo {
					hi = b - 1
				}
			}
			n, _ := parseUint(m[5])
			cur.Buckets = append(cur.Buckets, LatencyBucket{Start: lo, End: hi, Count: n, Unit: cur.Unit})
			continue
		}
		if m := bccLabelRe.FindStringSubmatch(line); m != nil && !strings.Contains(line, ":") {
			flush()
			label = m[1] + "=" + m[2]
		}
	}
	flush()
	return out
}

// ParseHistogram merges every histogram in text into one. An input without buckets yields
// an empty histogram in microseconds.
func ParseHistogram(text string) Histogram {
	return MergeHistograms(ParseHistograms(text))
}

// MergeHistograms adds up buckets with identical bounds and unit.
func MergeHistograms(hs []Histogram) Histogram {
	merged := Histogram{Unit: UnitUsecs, Buckets: []LatencyBucket{}}
	if len(hs) == 0 {
		return merged
	}
	merged.Unit = hs[0].Unit
	if len(hs) == 1 {
		merged.Label = hs[0].Label
	}

	type key struct {
		start, end uint64
		unit       Unit
	}
	index := map[key]int{}
	for _, h := range hs {
		for _, b := range h.Buckets {
			k := key{b.Start, b.End, b.Unit}
			if i, ok := index[k]; ok {
				merged.Buckets[i].Count += b.Count
				continue
			}
			index[k] = len(merged.Buckets)
			merged.Buckets = append(merged.Buckets, b)
		}
	}
	computeHistogramStats(&merged)
	return merged
}

func computeHistogramStats(h *Histogram) {
	sort.SliceStable(h.Buckets, func(i, j int) bool {
		return h.Buckets[i].MidpointUs() < h.Buckets[j].MidpointUs()
	})

	var total uint64
	var weighted float64
	h.MaxUs = 0
	for _, b := range h.Buckets {
		total += b.Count
		weighted += b.MidpointUs() * float64(b.Count)
		if b.Count > 0 {
			h.MaxUs = float64(b.End) * b.Unit.Micros()
		}
	}
	h.Total = total
	if total == 0 {
		h.MeanUs, h.P50Us, h.P99Us = 0, 0, 0
		return
	}
	h.MeanUs = round2(weighted / float64(total))
	h.P50Us = round2(bucketPercentile(h.Buckets, total, 0.50))
	h.P99Us = round2(bucketPercentile(h.Buckets, total, 0.99))
}

func bucketPercentile(buckets []LatencyBucket, total uint64, q float64) float64 {
	target := q * float64(total)
	var cum uint64
	for _, b := range buckets {
		cum += b.Count
		if b.Count > 0 && float64(cum) >= target {
			return b.MidpointUs()
		}
	}
	return buckets[len(buckets)-1].MidpointUs()
}

func scaled(num, suffix string) uint64 {
	v, _ := parseUint(num)
	return v * uint64(suffixMultiplier(suffix, 1024))
}

func unitFromName(name string) Unit {
	n := strings.ToLower(name)
	switch {
	case strings.Contains(n, "nsec"), n == "ns", strings.HasSuffix(n, "_ns"):
		return UnitNsecs
	case strings.Contains(n, "msec"), n == "ms", strings.HasSuffix(n, "_ms"):
		return UnitMsecs
	}
	return UnitUsecs
}
