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

// TCPTraceData is TCP session activity over the tracing window.
type TCPTraceData struct {
	Trace        Trace           `json:"trace" yaml:"trace"`
	Sessions     parsers.TCPLife `json:"sessions" yaml:"sessions"`
	ClosedPerSec float64         `json:"closed_per_sec" yaml:"closed_per_sec"`
}

// TCPTrace records closed TCP sessions with tcplife.
func TCPTrace(ctx context.Context, env *Env, p Params) output.Result {
	c := newCollector(env, "tcp_trace", p)
	dur := p.duration(defaultTraceSec)

	res, err := c.trace(ctx, "tcplife", "tcptrace", dur, true, pidArgs("-p", p.PID)...)
	if err != nil {
		return failed[*TCPTraceData](c, err)
	}

	d := &TCPTraceData{Trace: traceOf(res, dur), Sessions: parsers.ParseTCPLife(res.Output)}
	d.ClosedPerSec = round2(float64(d.Sessions.Sessions) / float64(dur))
	if fallback(res) {
		c.warn("the bpftrace fallback does not count bytes; tx_kb and rx_kb are zero")
	}

	c.evidenceOf(res.Tool, output.EvidenceTrace, d.Sessions.TopRemotes)
	if d.ClosedPerSec >= tcpChurnRateWarn {
		desc := fmt.Sprintf("%.0f TCP sessions closed per second, median lifetime %.1fms.", d.ClosedPerSec, d.Sessions.DurationMs.P50)
		if len(d.Sessions.TopRemotes) > 0 {
			desc += fmt.Sprintf(" Most went to %s.", d.Sessions.TopRemotes[0].Key)
		}
		c.add(output.NewFinding("tcp-churn", output.SeverityWarning, output.CategoryNetwork,
			"High TCP connection churn", desc,
			output.WithConfidence(70),
			output.WithMetrics(map[string]float64{"closed_per_sec": d.ClosedPerSec, "median_lifetime_ms": d.Sessions.DurationMs.P50}),
			output.WithSuggestion("Reuse connections with keep-alive or a connection pool.")))
	} else {
		c.ok("tcp-churn-ok", output.CategoryNetwork, "TCP connection churn normal")
	}
	return done(c, d)
}

// DNSLatencyData is resolver latency per host.
type DNSLatencyData struct {
	Trace   Trace              `json:"trace" yaml:"trace"`
	Lookups parsers.DNSLatency `json:"lookups" yaml:"lookups"`
}

// DNSLatency traces libc resolver calls with gethostlatency.
func DNSLatency(ctx context.Context, env *Env, p Params) output.Result {
	c := newCollector(env, "dns_latency", p)
	dur := p.duration(defaultTraceSec)

	res, err := c.trace(ctx, "gethostlatency", "dnslat", dur, true, pidArgs("-p", p.PID)...)
	if err != nil {
		return failed[*DNSLatencyData](c, err)
	}

	d := &DNSLatencyData{Trace: traceOf(res, dur), Lookups: parsers.ParseGethostlatency(res.Output)}
	if d.Lookups.Hosts == nil {
		d.Lookups.Hosts = []parsers.HostLatency{}
	}
	p99 := d.Lookups.LatencyMs.P99

	c.evidenceOf(res.Tool, output.EvidenceTrace, d.Lookups.Hosts)
	if sev := grade(p99, dnsP99WarnMs, dnsP99CritMs); sev != output.SeverityOK {
		desc := fmt.Sprintf("p99 name resolution takes %.1fms over %d lookups.", p99, d.Lookups.Lookups)
		if len(d.Lookups.Hosts) > 0 {
			desc += fmt.Sprintf(" Slowest host: %s (max %.1fms).", d.Lookups.Hosts[0].Host, d.Lookups.Hosts[0].MaxMs)
		}
		c.add(output.NewFinding("dns-latency", sev, output.CategoryNetwork,
			"Slow DNS resolution", desc,
			output.WithConfidence(80),
			output.WithMetrics(map[string]float64{"p99_ms": p99, "lookups": float64(d.Lookups.Lookups)}),
			output.WithSuggestion("Check the resolvers in /etc/resolv.conf, ndots search expansion and add a local DNS cache.")))
	} else {
		c.ok("dns-latency-ok", output.CategoryNetwork, "DNS resolution latency normal")
	}
	return done(c, d)
}

// NetSummaryData is socket and protocol state.
type NetSummaryData struct {
	Sockets           *parsers.SocketSummary `json:"sockets,omitempty" yaml:"sockets,omitempty"`
	TCP               map[string]int64       `json:"tcp" yaml:"tcp"`
	TCPRetransPercent float64                `json:"tcp_retrans_percent" yaml:"tcp_retrans_percent"`
	Interfaces        []parsers.NetDevice    `json:"interfaces" yaml:"interfaces"`
}

var tcpCounters = []string{"CurrEstab", "ActiveOpens", "PassiveOpens", "AttemptFails", "EstabResets", "InErrs", "OutRsts", "RetransSegs"}

const ssTimeout = 5 * time.Second

// NetSummary reads socket states with ss and protocol counters from procfs.
func NetSummary(ctx context.Context, env *Env, p Params) output.Result {
	c := newCollector(env, "net_summary", p)
	d := &NetSummaryData{TCP: map[string]int64{}, Interfaces: []parsers.NetDevice{}}

	snmpRaw, err := c.read("/proc/net/snmp")
	if err != nil {
		return failed[*NetSummaryData](c, err)
	}
	snmp := parsers.ParseSNMP(snmpRaw)
	for _, k := range tcpCounters {
		d.TCP[k] = snmp.Get("Tcp", k)
	}
	d.TCPRetransPercent = snmp.TCPRetransPercent()

	if raw := c.readOptional("/proc/net/dev"); raw != "" {
		for _, n := range parsers.ParseNetDev(raw) {
			if n.Name != "lo" {
				d.Interfaces = append(d.Interfaces, n)
			}
		}
	}

	if env.Exec.Available("ss") {
		res, err := env.Exec.Exec(ctx, "ss", []string{"-s"}, safeexec.Options{Timeout: ssTimeout})
		if err != nil {
			c.warn("ss failed: %s", perferr.From(err).Message)
		} else {
			s := parsers.ParseSS(res.Stdout)
			d.Sockets = &s
			c.evidenceOf("ss -s", output.EvidenceSample, s)
		}
	} else {
		c.warn("ss is not installed; socket states are not reported")
	}
	c.evidenceOf("/proc/net/snmp", output.EvidenceMetric, d.TCP)

	checkNetSummary(c, d)
	return done(c, d)
}

func checkNetSummary(c *collector, d *NetSummaryData) {
	issues := false
	if s := d.Sockets; s != nil {
		if s.TimeWait >= timeWaitWarn {
			issues = true
			c.add(output.NewFinding("tcp-timewait", output.SeverityWarning, output.CategoryNetwork,
				"Many sockets in TIME-WAIT",
				fmt.Sprintf("%d sockets are in TIME-WAIT, a sign of many short-lived outbound connections.", s.TimeWait),
				output.WithConfidence(70),
				output.WithMetrics(map[string]float64{"timewait": float64(s.TimeWait)}),
				output.WithSuggestion("Reuse connections; ephemeral port exhaustion follows if this keeps growing.")))
		}
		if s.Orphaned >= orphanedWarn {
			issues = true
			c.add(output.NewFinding("tcp-orphaned", output.SeverityWarning, output.CategoryNetwork,
				"Many orphaned sockets",
				fmt.Sprintf("%d TCP sockets are no longer attached to a process.", s.Orphaned),
				output.WithConfidence(60),
				output.WithMetrics(map[string]float64{"orphaned": float64(s.Orphaned)})))
		}
		if s.SynRecv >= synRecvWarn {
			issues = true
			c.add(output.NewFinding("tcp-synrecv", output.SeverityWarning, output.CategoryNetwork,
				"Backlog of half-open connections",
				fmt.Sprintf("%d sockets are in SYN-RECV: the accept queue is slow or the host is under a SYN flood.", s.SynRecv),
				output.WithConfidence(60),
				output.WithMetrics(map[string]float64{"synrecv": float64(s.SynRecv)}),
				output.WithSuggestion("Check listen backlog sizes and whether the server accepts connections fast enough.")))
		}
	}
	if sev := grade(d.TCPRetransPercent, retransWarn, retransCrit); sev != output.SeverityOK {
		issues = true
		c.add(output.NewFinding("tcp-retransmits", sev, output.CategoryNetwork,
			"TCP retransmissions",
			fmt.Sprintf("%.2f%% of TCP segments were retransmitted since boot.", d.TCPRetransPercent),
			output.WithConfidence(60),
			output.WithMetrics(map[string]float64{"retrans_percent": d.TCPRetransPercent}),
			output.WithSuggestion("Trace sessions with tcp_trace and check for packet loss on the path.")))
	}
	if !issues {
		c.ok("network-ok", output.CategoryNetwork, "Socket states and retransmits normal")
	}
}
