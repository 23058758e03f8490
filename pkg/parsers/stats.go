package parsers

import (
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// Distribution summarizes a sample of values.
type Distribution struct {
	Count int     `json:"count" yaml:"count"`
	Min   float64 `json:"min" yaml:"min"`
	Max   float64 `json:"max" yaml:"max"`
	Mean  float64 `json:"mean" yaml:"mean"`
	P50   float64 `json:"p50" yaml:"p50"`
	P99   float64 `json:"p99" yaml:"p99"`
}

// Summarize computes a Distribution. values is not modified.
func Summarize(values []float64) Distribution {
	if len(values) == 0 {
		return Distribution{}
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)

	var sum float64
	for _, v := range sorted {
		sum += v
	}
	return Distribution{
		Count: len(sorted),
		Min:   sorted[0],
		Max:   sorted[len(sorted)-1],
		Mean:  round2(sum / float64(len(sorted))),
		P50:   Percentile(sorted, 50),
		P99:   Percentile(sorted, 99),
	}
}

// Percentile returns the nearest-rank percentile of an ascending slice.
func Percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(math.Ceil(p / 100 * float64(len(sorted))))
	if rank < 1 {
		rank = 1
	}
	if rank > len(sorted) {
		rank = len(sorted)
	}
	return sorted[rank-1]
}

// Count is one entry of a top-N ranking.
type Count struct {
	Key   string `json:"key" yaml:"key"`
	Count uint64 `json:"count" yaml:"count"`
}

// TopN ranks counts descending, ties broken by key. n <= 0 returns every entry.
func TopN(counts map[string]uint64, n int) []Count {
	out := make([]Count, 0, len(counts))
	for k, v := range counts {
		out = append(out, Count{Key: k, Count: v})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Key < out[j].Key
	})
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func parseUint(s string) (uint64, bool) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 10, 64)
	return v, err == nil
}

func parseInt(s string) (int64, bool) {
	v, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	return v, err == nil
}

// parseFloat accepts a decimal comma, as printed by sysstat under some locales.
func parseFloat(s string) (float64, bool) {
	s = strings.ReplaceAll(strings.TrimSpace(s), ",", ".")
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

var timestampRe = regexp.MustCompile(`^(\d{1,2}:\d{2}:\d{2}(\.\d+)?|\d+\.\d+)$`)

// stripTimestamp drops a leading wall-clock (HH:MM:SS) or relative (12.345) timestamp field.
func stripTimestamp(fields []string) ([]string, string) {
	if len(fields) > 0 && timestampRe.MatchString(fields[0]) {
		return fields[1:], fields[0]
	}
	return fields, ""
}

func lines(text string) []string {
	return strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
}

// suffixMultiplier expands K/M/G/T/P suffixes. perf counts in powers of 1000, bpftrace in 1024.
func suffixMultiplier(s string, base float64) float64 {
	exp := strings.Index("KMGTP", strings.ToUpper(s))
	if s == "" || exp < 0 {
		return 1
	}
	return math.Pow(base, float64(exp+1))
}
