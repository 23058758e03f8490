// Package metrics instruments process execution, BCC runs and triage with Prometheus collectors.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "perftriage"

// Metrics groups the collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	execTotal    *prometheus.CounterVec
	execDuration *prometheus.HistogramVec
	bccRuns      *prometheus.CounterVec
	triageRuns   *prometheus.CounterVec
	findings     *prometheus.CounterVec
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		execTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "exec_total",
			Help:      "Processes requested through the execution boundary, by result code.",
		}, []string{"command", "result"}),
		execDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "exec_duration_seconds",
			Help:      "Wall-clock duration of spawned processes.",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 20, 30, 60, 120},
		}, []string{"command"}),
		bccRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bcc_runs_total",
			Help:      "BCC tool runs by execution method and result.",
		}, []string{"tool", "method", "result"}),
		triageRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "triage_runs_total",
			Help:      "Triage runs by mode and result.",
		}, []string{"mode", "result"}),
		findings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "findings_total",
			Help:      "Findings emitted by tool handlers, by severity.",
		}, []string{"tool", "severity"}),
	}

	reg.MustRegister(m.execTotal, m.execDuration, m.bccRuns, m.triageRuns, m.findings)
	return m
}

// ObserveExec records one call through the execution boundary. result is "ok" or an error code.
func (m *Metrics) ObserveExec(command, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.execTotal.WithLabelValues(command, result).Inc()
	if d > 0 {
		m.execDuration.WithLabelValues(command).Observe(d.Seconds())
	}
}

// ObserveBccRun records a BCC run outcome.
func (m *Metrics) ObserveBccRun(tool, method, result string) {
	if m == nil {
		return
	}
	m.bccRuns.WithLabelValues(tool, method, result).Inc()
}

// ObserveTriage records a finished triage run.
func (m *Metrics) ObserveTriage(mode string, success bool) {
	if m == nil {
		return
	}
	result := "success"
	if !success {
		result = "failure"
	}
	m.triageRuns.WithLabelValues(mode, result).Inc()
}

// ObserveFinding counts one finding.
func (m *Metrics) ObserveFinding(tool, severity string) {
	if m == nil {
		return
	}
	m.findings.WithLabelValues(tool, severity).Inc()
}

// ExecTotal exposes the exec counter for tests and exporters.
func (m *Metrics) ExecTotal() *prometheus.CounterVec { return m.execTotal }

// BccRuns exposes the BCC run counter.
func (m *Metrics) BccRuns() *prometheus.CounterVec { return m.bccRuns }

// TriageRuns exposes the triage counter.
func (m *Metrics) TriageRuns() *prometheus.CounterVec { return m.triageRuns }

// WriteTextfile writes every metric gathered by g in the node_exporter textfile format.
func WriteTextfile(path string, g prometheus.Gatherer) error {
	return prometheus.WriteToTextfile(path, g)
}
