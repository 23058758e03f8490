package cmd

import (
	"github.com/kube-tarian/perftriage/cmd/perftriage/cmd/flags"
	"github.com/kube-tarian/perftriage/pkg/bcc"
	"github.com/kube-tarian/perftriage/pkg/capabilities"
	"github.com/kube-tarian/perftriage/pkg/config"
	zaplogger "github.com/kube-tarian/perftriage/pkg/logger"
	"github.com/kube-tarian/perftriage/pkg/metrics"
	"github.com/kube-tarian/perftriage/pkg/safeexec"
	"github.com/kube-tarian/perftriage/pkg/tools"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// session is everything a command needs to run tools against the host.
type session struct {
	cfg      *config.Config
	env      *tools.Env
	gatherer prometheus.Gatherer
}

// sessionFactory builds a session; commands hold one so tests can swap the host for fakes.
type sessionFactory func(globalFlags *flags.GlobalFlags, logger *logrus.Logger) (*session, error)

func newHostSession(globalFlags *flags.GlobalFlags, logger *logrus.Logger) (*session, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if globalFlags.ArtifactDir != "" {
		cfg.ArtifactDir = globalFlags.ArtifactDir
	}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	audit := zaplogger.NewAuditLogger(globalFlags.LogLevel, auditEncoding(globalFlags.LogFormatter))
	exec := safeexec.NewHostExecutor(safeexec.DefaultRegistry(),
		safeexec.WithLimits(cfg.ExecMaxOutput, cfg.StderrMax, cfg.ExecDefaultTimeout),
		safeexec.WithAudit(audit),
		safeexec.WithMetrics(m),
	)
	files := safeexec.NewHostFileReader(globalFlags.HostRoot, cfg.FileMaxBytes)
	caps := capabilities.NewDetector(exec, files, logger)

	state := bcc.NewStateStore(cfg.CacheFile(), cfg.CacheMaxAge, cfg.CacheMaxBytes)
	if err := state.Load(); err != nil {
		logger.WithError(err).Warn("ignoring unreadable BCC compile state")
	}
	manager := bcc.NewManager(exec, files, caps, state, logger,
		bcc.WithConfig(bcc.Config{
			ColdCompile:  cfg.BccColdCompile,
			WarmCompile:  cfg.BccWarmCompile,
			NoBTFPenalty: cfg.BccNoBTFPenalty,
			Buffer:       cfg.BccBuffer,
			LowCPUBuffer: cfg.BccLowCPUBuffer,
		}),
		bcc.WithMetrics(m),
	)

	return &session{
		cfg: cfg,
		env: &tools.Env{
			Exec:        exec,
			Files:       files,
			Caps:        caps,
			BCC:         manager,
			Logger:      logger,
			Metrics:     m,
			ArtifactDir: cfg.ArtifactDir,
			Progress:    logProgress(logger),
		},
		gatherer: reg,
	}, nil
}

func auditEncoding(formatter string) string {
	if formatter == "json" {
		return "json"
	}
	return "console"
}

func logProgress(logger *logrus.Logger) bcc.ProgressFunc {
	return func(p bcc.Progress) {
		logger.WithFields(logrus.Fields{
			"tool":      p.Tool,
			"phase":     p.Phase,
			"elapsed":   p.Elapsed,
			"remaining": p.EstimatedRemaining,
		}).Debug(p.Message)
	}
}

// close persists the compile state and exports metrics. Failures are logged, never returned,
// so they cannot mask the result of the command.
func (s *session) close(globalFlags *flags.GlobalFlags, logger *logrus.Logger) {
	if s.env.BCC != nil {
		if err := s.env.BCC.State().Flush(); err != nil {
			logger.WithError(err).Warn("failed to persist BCC compile state")
		}
	}

	if globalFlags.MetricsTextfile != "" && s.gatherer != nil {
		if err := metrics.WriteTextfile(globalFlags.MetricsTextfile, s.gatherer); err != nil {
			logger.WithError(err).WithField("path", globalFlags.MetricsTextfile).Warn("failed to write metrics textfile")
		}
	}
}
