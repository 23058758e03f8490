package metrics

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveExec("perf", "ok", time.Second)
		m.ObserveBccRun("biolatency", "bcc", "ok")
		m.ObserveTriage("quick", true)
		m.ObserveFinding("snapshot", "ok")
	})
}

func TestObserve(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveExec("iostat", "ok", 2*time.Second)
	m.ObserveExec("iostat", "TIMEOUT", 0)
	m.ObserveBccRun("syscount", "bpftrace_fallback", "ok")
	m.ObserveTriage("deep", false)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.ExecTotal().WithLabelValues("iostat", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ExecTotal().WithLabelValues("iostat", "TIMEOUT")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BccRuns().WithLabelValues("syscount", "bpftrace_fallback", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TriageRuns().WithLabelValues("deep", "failure")))
}

func TestWriteTextfile(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.ObserveTriage("quick", true)

	path := filepath.Join(t.TempDir(), "perftriage.prom")
	require.NoError(t, WriteTextfile(path, reg))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `perftriage_triage_runs_total{mode="quick",result="success"} 1`)
}
