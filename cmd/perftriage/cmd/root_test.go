package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/kube-tarian/perftriage/cmd/perftriage/cmd/flags"
	"github.com/kube-tarian/perftriage/pkg/bcc"
	"github.com/kube-tarian/perftriage/pkg/capabilities"
	"github.com/kube-tarian/perftriage/pkg/config"
	"github.com/kube-tarian/perftriage/pkg/log"
	"github.com/kube-tarian/perftriage/pkg/metrics"
	"github.com/kube-tarian/perftriage/pkg/output"
	"github.com/kube-tarian/perftriage/pkg/reportqueue"
	"github.com/kube-tarian/perftriage/pkg/safeexec"
	"github.com/kube-tarian/perftriage/pkg/tools"
	"github.com/kube-tarian/perftriage/pkg/triage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	cleanStat   = "cpu  100 0 100 800 0 0 0 0 0 0\ncpu0 25 0 25 200 0 0 0 0 0 0\nctxt 1000\nprocesses 50\nprocs_running 1\nprocs_blocked 0\n"
	cleanIostat = `Linux 6.1.0-18-amd64 (web-1) 	01/15/2024 	_x86_64_	(4 CPU)

Device            r/s     rkB/s   rrqm/s  %rrqm r_await rareq-sz     w/s     wkB/s   wrqm/s  %wrqm w_await wareq-sz  aqu-sz  %util
sda              1.00     4.00     0.00   0.00    0.50     4.00    2.00     8.00     0.00   0.00    1.00     4.00    0.01   0.30
`
)

func fakeSession(t *testing.T) sessionFactory {
	return func(_ *flags.GlobalFlags, logger *logrus.Logger) (*session, error) {
		exec := safeexec.NewFakeExecutor().
			On("bpftrace --version", safeexec.FakeResponse{Stdout: "bpftrace v0.20.2\n"}).
			On("iostat -x -z 1 2", safeexec.FakeResponse{Stdout: cleanIostat}).
			On("biolatency", safeexec.FakeResponse{Stdout: "Tracing block device I/O... Hit Ctrl-C to end.\n"})
		files := safeexec.NewFakeFileReader(map[string]string{
			"/proc/sys/kernel/osrelease":                 "6.1.0-18-amd64\n",
			fmt.Sprintf("/proc/%d/status", os.Getpid()): "Name:\tperftriage\nUid:\t0\t0\t0\t0\n",
			"/proc/cpuinfo":                              "processor\t: 0\nprocessor\t: 1\n",
			"/proc/stat":                                 cleanStat,
			"/proc/loadavg":                              "0.10 0.10 0.10 1/200 1234\n",
			"/proc/meminfo":                              "MemTotal: 16000000 kB\nMemAvailable: 12000000 kB\nSwapTotal: 0 kB\nSwapFree: 0 kB\n",
			"/proc/vmstat":                               "oom_kill 0\n",
		}).
			Present(
				"/sys/kernel/btf/vmlinux",
				"/sys/kernel/tracing/events/block/block_rq_issue",
				"/sys/kernel/tracing/events/block/block_rq_complete",
			).
			Mount("/sys/kernel/tracing", safeexec.TraceFSMagic)

		cfg := config.Default()
		cfg.ArtifactDir = t.TempDir()
		reg := prometheus.NewRegistry()
		m := metrics.New(reg)
		caps := capabilities.NewDetector(exec, files, logger)

		return &session{
			cfg: cfg,
			env: &tools.Env{
				Exec:           exec,
				Files:          files,
				Caps:           caps,
				BCC:            bcc.NewManager(exec, files, caps, bcc.NewStateStore("", time.Hour, 1<<16), logger, bcc.WithMetrics(m)),
				Logger:         logger,
				Metrics:        m,
				ArtifactDir:    cfg.ArtifactDir,
				SampleInterval: time.Millisecond,
			},
			gatherer: reg,
		}, nil
	}
}

type fakeSubscription struct {
	messages []any
	closed   bool
}

func (f *fakeSubscription) NextMessage() (any, error) {
	if len(f.messages) == 0 {
		return nil, fmt.Errorf("%w: nats: timeout", reportqueue.ErrTimeout)
	}
	msg := f.messages[0]
	f.messages = f.messages[1:]
	return msg, nil
}

func (f *fakeSubscription) Close() {
	f.closed = true
}

type subscribeCall struct {
	url     string
	subject string
	wait    time.Duration
}

func fakeSubscriber(sub *fakeSubscription, calls *[]subscribeCall) subscriberFactory {
	return func(_ *config.Config, _ *logrus.Logger, url, subject string, wait time.Duration) (reportSubscription, error) {
		*calls = append(*calls, subscribeCall{url: url, subject: subject, wait: wait})
		return sub, nil
	}
}

func runRootCommand(t *testing.T, stdout *bytes.Buffer, args []string) error {
	return runRootCommandWith(t, stdout, args, newNATSSubscriber)
}

func runRootCommandWith(t *testing.T, stdout *bytes.Buffer, args []string, newSubscriber subscriberFactory) error {
	rootCmd := buildRootCommand(log.Discard(), fakeSession(t), newSubscriber)
	rootCmd.SetOut(stdout)
	rootCmd.SetArgs(args)
	return rootCmd.Execute()
}

func TestPerftriageRootCommand(t *testing.T) {
	t.Run("TestCommandVersion", func(t *testing.T) {
		stdout := new(bytes.Buffer)

		err := runRootCommand(t, stdout, []string{"version"})
		if assert.NoError(t, err) {
			assert.Contains(t, stdout.String(), "perftriage version:")
		}
	})

	t.Run("TestInvalidSubcommand", func(t *testing.T) {
		stdout := new(bytes.Buffer)
		err := runRootCommand(t, stdout, []string{"invalid-subcommand"})
		assert.EqualError(t, err, `unknown command "invalid-subcommand" for "perftriage"`)
	})

	t.Run("TestInvalidOutput", func(t *testing.T) {
		stdout := new(bytes.Buffer)
		err := runRootCommand(t, stdout, []string{"capabilities", "-o", "xml"})
		assert.EqualError(t, err, "invalid output format: xml")
	})
}

func TestTriageCommand(t *testing.T) {
	t.Run("quick json", func(t *testing.T) {
		stdout := new(bytes.Buffer)
		textfile := filepath.Join(t.TempDir(), "perftriage.prom")

		err := runRootCommand(t, stdout, []string{"triage", "--mode", "quick", "-o", "json", "--metrics-textfile", textfile})
		require.NoError(t, err)

		var report map[string]any
		require.NoError(t, json.Unmarshal(stdout.Bytes(), &report))
		assert.Equal(t, true, report["success"])
		assert.Equal(t, "quick", report["mode"])
		assert.Equal(t, output.NoIssuesSummary, report["executive_summary"])
		assert.Equal(t, []any{"snapshot", "use_check"}, report["tools_executed"])

		metricsText, err := os.ReadFile(textfile)
		require.NoError(t, err)
		assert.Contains(t, string(metricsText), `perftriage_triage_runs_total{mode="quick",result="success"} 1`)
	})

	t.Run("quick table", func(t *testing.T) {
		stdout := new(bytes.Buffer)

		err := runRootCommand(t, stdout, []string{"triage", "--mode", "quick", "--pid", "42"})
		require.NoError(t, err)
		assert.Contains(t, stdout.String(), output.NoIssuesSummary)
		assert.Contains(t, stdout.String(), "process pid 42 target")
		assert.Contains(t, stdout.String(), "use_check")
	})

	t.Run("unreachable nats server", func(t *testing.T) {
		stdout := new(bytes.Buffer)

		err := runRootCommand(t, stdout, []string{"triage", "--mode", "quick", "-o", "json", "--nats-url", "nats://127.0.0.1:1"})
		require.NoError(t, err)

		var report triage.Report
		require.NoError(t, json.Unmarshal(stdout.Bytes(), &report))
		assert.True(t, report.Success)
		assert.Equal(t, []string{"snapshot", "use_check"}, report.ToolsExecuted)

		var published []string
		for _, w := range report.Warnings {
			if strings.HasPrefix(w, "report was not published: ") {
				published = append(published, w)
			}
		}
		assert.Len(t, published, 1)
	})

	t.Run("invalid mode", func(t *testing.T) {
		stdout := new(bytes.Buffer)

		err := runRootCommand(t, stdout, []string{"triage", "--mode", "thorough"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), `mode "thorough"`)
		assert.Empty(t, stdout.String())
	})
}

func TestToolCommand(t *testing.T) {
	t.Run("list", func(t *testing.T) {
		stdout := new(bytes.Buffer)

		require.NoError(t, runRootCommand(t, stdout, []string{"tool", "-o", "json"}))

		var infos []map[string]any
		require.NoError(t, json.Unmarshal(stdout.Bytes(), &infos))
		assert.Len(t, infos, len(tools.DefaultRegistry().Names()))
		assert.Equal(t, "cgroup_stats", infos[0]["name"])
	})

	t.Run("snapshot", func(t *testing.T) {
		stdout := new(bytes.Buffer)

		require.NoError(t, runRootCommand(t, stdout, []string{"tool", "snapshot", "-o", "json"}))

		var res map[string]any
		require.NoError(t, json.Unmarshal(stdout.Bytes(), &res))
		assert.Equal(t, "snapshot", res["tool"])
		assert.Equal(t, true, res["success"])
	})

	t.Run("legacy yaml", func(t *testing.T) {
		stdout := new(bytes.Buffer)

		require.NoError(t, runRootCommand(t, stdout, []string{"tool", "snapshot", "--legacy", "-o", "yaml"}))
		assert.Contains(t, stdout.String(), "tool: snapshot")
		assert.Contains(t, stdout.String(), "tool_version:")
	})

	t.Run("failure", func(t *testing.T) {
		stdout := new(bytes.Buffer)

		err := runRootCommand(t, stdout, []string{"tool", "cgroup_stats"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "INVALID_PID")
		assert.Contains(t, stdout.String(), "cgroup_stats failed")
	})

	t.Run("unknown", func(t *testing.T) {
		err := runRootCommand(t, new(bytes.Buffer), []string{"tool", "strace"})
		assert.EqualError(t, err, `unknown tool "strace", run 'perftriage tool' to list the tools`)
	})

	t.Run("bad duration", func(t *testing.T) {
		err := runRootCommand(t, new(bytes.Buffer), []string{"tool", "runq_latency", "--duration", "120"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "INVALID_DURATION")
	})
}

func TestCapabilitiesCommand(t *testing.T) {
	stdout := new(bytes.Buffer)

	require.NoError(t, runRootCommand(t, stdout, []string{"capabilities", "-o", "json"}))

	var snap map[string]any
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &snap))
	assert.Equal(t, true, snap["is_root"])
	assert.Equal(t, true, snap["btf"])

	stdout.Reset()
	require.NoError(t, runRootCommand(t, stdout, []string{"caps"}))
	assert.Contains(t, stdout.String(), "6.1.0-18-amd64")
}

func TestWarmupCommand(t *testing.T) {
	stdout := new(bytes.Buffer)

	require.NoError(t, runRootCommand(t, stdout, []string{"warmup", "biolatency", "cachestat", "-o", "json"}))

	var results []map[string]any
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &results))
	require.Len(t, results, 2)
	assert.Equal(t, "biolatency", results[0]["tool"])
	assert.Nil(t, results[0]["error"])
	assert.NotNil(t, results[1]["error"])

	err := runRootCommand(t, new(bytes.Buffer), []string{"warmup", "cachestat"})
	assert.EqualError(t, err, "warmup: no tool could be compiled")
}

func TestReportsCommand(t *testing.T) {
	t.Setenv("PERFTRIAGE_NATS_URL", "")

	published := func(id string, mode triage.Mode) json.RawMessage {
		data, err := json.Marshal(&triage.Report{
			ID:               id,
			Host:             "web-1",
			Success:          true,
			Target:           triage.Target{Scope: triage.ScopeSystem},
			Mode:             mode,
			Focus:            triage.FocusAuto,
			ExecutiveSummary: output.NoIssuesSummary,
		})
		require.NoError(t, err)
		return data
	}

	t.Run("json stream", func(t *testing.T) {
		stdout := new(bytes.Buffer)
		sub := &fakeSubscription{messages: []any{
			published("first", triage.ModeQuick),
			json.RawMessage("not a report"),
			json.RawMessage("{}"),
			published("second", triage.ModeDeep),
		}}
		var calls []subscribeCall

		err := runRootCommandWith(t, stdout, []string{"reports", "--nats-url", "nats://10.0.0.5:4222", "--wait", "5s", "-o", "json"}, fakeSubscriber(sub, &calls))
		require.NoError(t, err)
		assert.True(t, sub.closed)
		assert.Equal(t, []subscribeCall{{url: "nats://10.0.0.5:4222", subject: "perftriage.reports", wait: 5 * time.Second}}, calls)

		var ids []string
		dec := json.NewDecoder(stdout)
		for dec.More() {
			var report triage.Report
			require.NoError(t, dec.Decode(&report))
			ids = append(ids, report.ID)
		}
		assert.Equal(t, []string{"first", "second"}, ids)
	})

	t.Run("table", func(t *testing.T) {
		stdout := new(bytes.Buffer)
		sub := &fakeSubscription{messages: []any{published("first", triage.ModeQuick)}}
		var calls []subscribeCall

		err := runRootCommandWith(t, stdout, []string{"reports", "--nats-url", "nats://10.0.0.5:4222", "--nats-subject", "team.reports", "--count", "1"}, fakeSubscriber(sub, &calls))
		require.NoError(t, err)
		assert.Contains(t, stdout.String(), "Triage first on web-1: quick mode")
		assert.Contains(t, stdout.String(), output.NoIssuesSummary)
		require.Len(t, calls, 1)
		assert.Equal(t, "team.reports", calls[0].subject)
	})

	t.Run("fewer reports than count", func(t *testing.T) {
		sub := &fakeSubscription{messages: []any{published("first", triage.ModeQuick)}}
		var calls []subscribeCall

		err := runRootCommandWith(t, new(bytes.Buffer), []string{"reports", "--nats-url", "nats://10.0.0.5:4222", "--count", "2", "-o", "yaml"}, fakeSubscriber(sub, &calls))
		assert.EqualError(t, err, "reports: received 1 of 2 reports")
		assert.True(t, sub.closed)
	})

	t.Run("no server", func(t *testing.T) {
		var calls []subscribeCall

		err := runRootCommandWith(t, new(bytes.Buffer), []string{"reports"}, fakeSubscriber(&fakeSubscription{}, &calls))
		assert.EqualError(t, err, "reports: no NATS server, set --nats-url or PERFTRIAGE_NATS_URL")
		assert.Empty(t, calls)
	})

	t.Run("unreachable server", func(t *testing.T) {
		err := runRootCommand(t, new(bytes.Buffer), []string{"reports", "--nats-url", "nats://127.0.0.1:1"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to connect to NATS server")
	})

	t.Run("invalid flags", func(t *testing.T) {
		err := runRootCommand(t, new(bytes.Buffer), []string{"reports", "--count", "-1"})
		assert.EqualError(t, err, "reports: count must not be negative: -1")
	})
}
