package parsers

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const biolatencyOutput = `Tracing block device I/O... Hit Ctrl-C to end.
^C
     usecs               : count     distribution
         0 -> 1          : 0        |                                        |
         2 -> 3          : 0        |                                        |
         4 -> 7          : 12       |**********                              |
         8 -> 15         : 45       |****************************************|
`

func TestParseHistogramSynthetic(t *testing.T) {
	h := ParseHistogram(biolatencyOutput)

	assert.Equal(t, UnitUsecs, h.Unit)
	assert.Equal(t, uint64(57), h.Total)
	require.Len(t, h.Buckets, 4)
	assert.GreaterOrEqual(t, h.P50Us, 4.0)
	assert.LessOrEqual(t, h.P50Us, 15.0)
	assert.Equal(t, 11.5, h.P50Us)
	assert.Equal(t, 11.5, h.P99Us)
	// (5.5*12 + 11.5*45) / 57
	assert.InDelta(t, 10.24, h.MeanUs, 0.01)
	assert.Equal(t, 15.0, h.MaxUs)
}

func TestParseHistogramMsecs(t *testing.T) {
	h := ParseHistogram(`     msecs               : count     distribution
         0 -> 1          : 3        |****                                    |
         2 -> 3          : 1        |*                                       |
`)

	assert.Equal(t, UnitMsecs, h.Unit)
	assert.Equal(t, uint64(4), h.Total)
	assert.Equal(t, 500.0, h.P50Us)
	assert.Equal(t, 2500.0, h.P99Us)
}

func TestParseHistogramPerDisk(t *testing.T) {
	out := `
disk = 'sda'
     usecs               : count     distribution
        64 -> 127        : 2        |****                                    |
       128 -> 255        : 20       |****************************************|

disk = 'nvme0n1'
     usecs               : count     distribution
        64 -> 127        : 8        |****************************************|
`
	hs := ParseHistograms(out)
	require.Len(t, hs, 2)
	assert.Equal(t, "disk=sda", hs[0].Label)
	assert.Equal(t, "disk=nvme0n1", hs[1].Label)

	merged := ParseHistogram(out)
	assert.Equal(t, uint64(30), merged.Total)
	require.Len(t, merged.Buckets, 2)
	assert.Equal(t, uint64(10), merged.Buckets[0].Count)
}

func TestParseBpftraceHistogram(t *testing.T) {
	out := `Attaching 3 probes...

@usecs:
[0]                    1 |@                                                   |
[1]                    0 |                                                    |
[2, 4)                 3 |@@@                                                 |
[4, 8)                 4 |@@@@                                                |
[1K, 2K)               2 |@@                                                  |
`
	h := ParseHistogram(out)

	assert.Equal(t, "@usecs", h.Label)
	assert.Equal(t, uint64(10), h.Total)
	require.Len(t, h.Buckets, 5)
	assert.Equal(t, LatencyBucket{Start: 1024, End: 2047, Count: 2, Unit: UnitUsecs}, h.Buckets[4])
	assert.Equal(t, 5.5, h.P50Us)
	assert.Equal(t, 1535.5, h.P99Us)
}

func TestParseBpftraceHistogramNanoseconds(t *testing.T) {
	h := ParseHistogram("@ns:\n[1K, 2K)  4 |@@@@|\n[100, ...)  0 ||\n")

	assert.Equal(t, UnitNsecs, h.Unit)
	assert.InDelta(t, 1.5355, h.P50Us, 0.01)
}

func TestParseBpftraceHistogramLargeSuffixes(t *testing.T) {
	h := ParseHistogram("@usecs:\n[512G, 1T)  1 |@|\n[1T, 2T)  2 |@@|\n[1P, ...)  1 |@|\n")

	require.Len(t, h.Buckets, 3)
	assert.Equal(t, uint64(1)<<40-1, h.Buckets[0].End)
	assert.Equal(t, LatencyBucket{Start: 1 << 40, End: 1<<41 - 1, Count: 2, Unit: UnitUsecs}, h.Buckets[1])
	assert.Equal(t, uint64(1)<<50, h.Buckets[2].Start)
}

func TestSuffixMultiplier(t *testing.T) {
	assert.Equal(t, 1.0, suffixMultiplier("", 1000))
	assert.Equal(t, 1.0, suffixMultiplier("X", 1000))
	assert.Equal(t, 1e3, suffixMultiplier("k", 1000))
	assert.Equal(t, 1e12, suffixMultiplier("T", 1000))
	assert.Equal(t, float64(uint64(1)<<50), suffixMultiplier("P", 1024))
}

func TestParseHistogramGarbage(t *testing.T) {
	for _, in := range []string{"", "Tracing... Hit Ctrl-C", "usecs : count\n 8 -> 4 : 9\n", "\x00\x01"} {
		h := ParseHistogram(in)
		assert.Equal(t, uint64(0), h.Total, in)
		assert.Equal(t, 0.0, h.P99Us)
	}
}
