package cmd

import (
	"errors"
	"fmt"
	"io"

	"github.com/kube-tarian/perftriage/cmd/perftriage/cmd/flags"
	"github.com/kube-tarian/perftriage/pkg/triage"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

type triageCommand struct {
	globalFlags *flags.GlobalFlags
	logger      *logrus.Logger
	newSession  sessionFactory

	mode             string
	pid              int
	processName      string
	focus            string
	includeExecTrace bool
	natsURL          string
	natsSubject      string
}

func newTriageCommand(globalFlags *flags.GlobalFlags, logger *logrus.Logger, newSession sessionFactory) *cobra.Command {
	cmd := &triageCommand{
		globalFlags: globalFlags,
		logger:      logger,
		newSession:  newSession,
	}

	triageCmd := &cobra.Command{
		Use:   "triage",
		Args:  cobra.NoArgs,
		Short: "Run several tools and rank the likely root causes.",
		Example: `perftriage triage --mode quick

perftriage triage --mode deep --pid 4321 --focus io -o json`,
		RunE: cmd.run,
	}

	// add flags
	triageCmd.Flags().StringVar(&cmd.mode, "mode", string(triage.ModeStandard), "Tool set to run: quick, standard or deep")
	triageCmd.Flags().IntVar(&cmd.pid, "pid", 0, "Scope process-aware tools to this process")
	triageCmd.Flags().StringVar(&cmd.processName, "process-name", "", "Label of the process under investigation")
	triageCmd.Flags().StringVar(&cmd.focus, "focus", string(triage.FocusAuto), "Resource to favour when ranking: auto, cpu, memory, io or network")
	triageCmd.Flags().BoolVar(&cmd.includeExecTrace, "include-exec-trace", false, "Also trace process exec churn")
	triageCmd.Flags().StringVar(&cmd.natsURL, "nats-url", "", "Publish the report to this NATS server (defaults to PERFTRIAGE_NATS_URL)")
	triageCmd.Flags().StringVar(&cmd.natsSubject, "nats-subject", "", "NATS subject of published reports (defaults to PERFTRIAGE_NATS_SUBJECT)")
	return triageCmd
}

func (c *triageCommand) run(cmd *cobra.Command, args []string) error {
	req := triage.Request{
		Mode:             triage.Mode(c.mode),
		PID:              c.pid,
		ProcessName:      c.processName,
		Focus:            triage.Focus(c.focus),
		IncludeExecTrace: c.includeExecTrace,
	}
	if err := req.Validate(); err != nil {
		return err
	}

	sess, err := c.newSession(c.globalFlags, c.logger)
	if err != nil {
		return fmt.Errorf("triage: %w", err)
	}
	defer sess.close(c.globalFlags, c.logger)

	var opts []triage.Option
	if url := firstNonEmpty(c.natsURL, sess.cfg.NATSURL); url != "" {
		queue, err := connectNATS(sess.cfg, c.logger, url, firstNonEmpty(c.natsSubject, sess.cfg.NATSSubject))
		if err != nil {
			c.logger.WithError(err).Warn("triage report will not be published")
			opts = append(opts, triage.WithWarnings("report was not published: "+err.Error()))
		} else {
			defer queue.Close()
			opts = append(opts, triage.WithPublisher(queue))
		}
	}

	report, err := triage.NewEngine(sess.env, opts...).Run(cmd.Context(), req)
	if err != nil {
		return err
	}

	if err := render(cmd.OutOrStdout(), c.globalFlags.Output, report, func(w io.Writer) { renderReportTable(w, report) }); err != nil {
		return fmt.Errorf("triage: render report: %w", err)
	}
	if !report.Success {
		return errors.New("triage: every tool failed")
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
