package tools

import (
	"context"
	"fmt"
	"time"

	"github.com/kube-tarian/perftriage/pkg/bcc"
	"github.com/kube-tarian/perftriage/pkg/output"
	"github.com/kube-tarian/perftriage/pkg/parsers"
	"github.com/kube-tarian/perftriage/pkg/perferr"
	"github.com/kube-tarian/perftriage/pkg/safeexec"
	"golang.org/x/sync/errgroup"
)

// IOLayersData compares latency seen by the block layer with latency reported by the devices.
type IOLayersData struct {
	Trace        Trace                  `json:"trace" yaml:"trace"`
	BlockLatency parsers.Histogram      `json:"block_latency" yaml:"block_latency"`
	BlockP99Ms   float64                `json:"block_p99_ms" yaml:"block_p99_ms"`
	Devices      []parsers.IostatDevice `json:"devices" yaml:"devices"`
	MaxAwaitMs   float64                `json:"max_device_await_ms" yaml:"max_device_await_ms"`
	// GapFactor is block p99 over the worst device await; zero without device data.
	GapFactor float64 `json:"gap_factor" yaml:"gap_factor"`
}

// IOLayers runs biolatency and iostat over the same window.
func IOLayers(ctx context.Context, env *Env, p Params) output.Result {
	c := newCollector(env, "io_layers", p)
	dur := p.duration(defaultTraceSec)

	var (
		res       *bcc.Result
		dev       parsers.Iostat
		iostatErr error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		res, err = c.trace(gctx, "biolatency", "biolatency", dur, false, itoa(dur), "1")
		return err
	})
	g.Go(func() error {
		if !env.Exec.Available("iostat") {
			iostatErr = perferr.New(perferr.CodeToolNotFound, "iostat is not installed")
			return nil
		}
		out, err := env.Exec.Exec(gctx, "iostat", []string{"-x", "-z", "-y", itoa(dur), "1"},
			safeexec.Options{Timeout: time.Duration(dur)*time.Second + iostatTimeout})
		if err != nil {
			iostatErr = err
			return nil
		}
		dev = parsers.ParseIostat(out.Stdout)
		return nil
	})
	if err := g.Wait(); err != nil {
		return failed[*IOLayersData](c, err)
	}

	d := &IOLayersData{Trace: traceOf(res, dur), Devices: []parsers.IostatDevice{}}
	d.BlockLatency = parsers.ParseHistogram(res.Output)
	d.BlockP99Ms = round2(d.BlockLatency.P99Us / 1000)
	if iostatErr != nil {
		c.warn("device latency unavailable: %s", perferr.From(iostatErr).Message)
	} else {
		d.Devices = append(d.Devices, dev.Devices...)
	}
	for _, dv := range d.Devices {
		if dv.AwaitMs > d.MaxAwaitMs {
			d.MaxAwaitMs = dv.AwaitMs
		}
	}
	if d.MaxAwaitMs > 0 {
		d.GapFactor = round2(d.BlockP99Ms / d.MaxAwaitMs)
	}
	if d.BlockLatency.Total == 0 {
		c.warn("no block I/O completed in %ds", dur)
	}

	c.evidenceOf(res.Tool, output.EvidenceTrace, d.BlockLatency)
	if len(d.Devices) > 0 {
		c.evidenceOf("iostat", output.EvidenceMetric, d.Devices)
	}
	checkIOLayers(c, d)
	return done(c, d)
}

func checkIOLayers(c *collector, d *IOLayersData) {
	issues := false
	if sev := grade(d.BlockP99Ms, blockP99WarnMs, blockP99CritMs); sev != output.SeverityOK {
		issues = true
		c.add(output.NewFinding("block-latency", sev, output.CategoryIO,
			"High block I/O latency",
			fmt.Sprintf("p99 block I/O latency is %.1fms over %d I/Os.", d.BlockP99Ms, d.BlockLatency.Total),
			output.WithMetrics(map[string]float64{"p99_ms": d.BlockP99Ms, "mean_ms": round2(d.BlockLatency.MeanUs / 1000)}),
			output.WithSuggestion("Find the processes issuing slow I/O with file_trace.")))
	}

	switch {
	case d.GapFactor >= layerGapFactor && d.BlockP99Ms >= blockP99WarnMs:
		issues = true
		c.add(output.NewFinding("io-queueing", output.SeverityWarning, output.CategoryIO,
			"Latency added above the device",
			fmt.Sprintf("Block-layer p99 (%.1fms) is %.1fx the worst device await (%.1fms), so requests wait in the I/O scheduler or cgroup throttling.", d.BlockP99Ms, d.GapFactor, d.MaxAwaitMs),
			output.WithConfidence(65),
			output.WithMetrics(map[string]float64{"gap_factor": d.GapFactor, "device_await_ms": d.MaxAwaitMs}),
			output.WithSuggestion("Check io.max limits of the workload cgroup and the I/O scheduler queue depth.")))
	case d.MaxAwaitMs >= diskAwaitWarnMs:
		issues = true
		c.add(output.NewFinding("io-device-latency", grade(d.MaxAwaitMs, diskAwaitWarnMs, diskAwaitCritMs), output.CategoryIO,
			"Slow storage device",
			fmt.Sprintf("Device await reaches %.1fms, so the latency comes from the device itself.", d.MaxAwaitMs),
			output.WithConfidence(75),
			output.WithMetrics(map[string]float64{"device_await_ms": d.MaxAwaitMs}),
			output.WithSuggestion("Check device health and whether the volume has hit a provisioned IOPS or throughput limit.")))
	}

	if !issues {
		c.ok("io-latency-ok", output.CategoryIO, "Block and device I/O latency normal")
	}
}
