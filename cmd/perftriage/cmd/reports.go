package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/kube-tarian/perftriage/cmd/perftriage/cmd/flags"
	"github.com/kube-tarian/perftriage/pkg/config"
	"github.com/kube-tarian/perftriage/pkg/reportqueue"
	"github.com/kube-tarian/perftriage/pkg/triage"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

type reportsCommand struct {
	globalFlags   *flags.GlobalFlags
	logger        *logrus.Logger
	newSubscriber subscriberFactory

	natsURL     string
	natsSubject string
	count       int
	wait        time.Duration
}

func newReportsCommand(globalFlags *flags.GlobalFlags, logger *logrus.Logger, newSubscriber subscriberFactory) *cobra.Command {
	cmd := &reportsCommand{
		globalFlags:   globalFlags,
		logger:        logger,
		newSubscriber: newSubscriber,
	}

	reportsCmd := &cobra.Command{
		Use:   "reports",
		Args:  cobra.NoArgs,
		Short: "Print triage reports as they are published on NATS.",
		Example: `perftriage reports --nats-url nats://127.0.0.1:4222

perftriage reports --count 1 --wait 10m -o json`,
		RunE: cmd.run,
	}

	// add flags
	reportsCmd.Flags().StringVar(&cmd.natsURL, "nats-url", "", "NATS server the reports are published to (defaults to PERFTRIAGE_NATS_URL)")
	reportsCmd.Flags().StringVar(&cmd.natsSubject, "nats-subject", "", "NATS subject of published reports (defaults to PERFTRIAGE_NATS_SUBJECT)")
	reportsCmd.Flags().IntVar(&cmd.count, "count", 0, "Stop after this many reports, 0 keeps reading until --wait passes without a report")
	reportsCmd.Flags().DurationVar(&cmd.wait, "wait", reportqueue.DefaultWaitTimeout, "Longest time to wait for the next report")
	return reportsCmd
}

func (c *reportsCommand) run(cmd *cobra.Command, args []string) error {
	if c.count < 0 {
		return fmt.Errorf("reports: count must not be negative: %d", c.count)
	}
	if c.wait <= 0 {
		return fmt.Errorf("reports: wait must be positive: %s", c.wait)
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("reports: %w", err)
	}
	url := firstNonEmpty(c.natsURL, cfg.NATSURL)
	if url == "" {
		return errors.New("reports: no NATS server, set --nats-url or PERFTRIAGE_NATS_URL")
	}
	subject := firstNonEmpty(c.natsSubject, cfg.NATSSubject)

	sub, err := c.newSubscriber(cfg, c.logger, url, subject, c.wait)
	if err != nil {
		return fmt.Errorf("reports: %w", err)
	}
	defer sub.Close()

	w := cmd.OutOrStdout()
	received := 0
	for (c.count == 0 || received < c.count) && cmd.Context().Err() == nil {
		msg, err := sub.NextMessage()
		if errors.Is(err, reportqueue.ErrTimeout) {
			c.logger.WithFields(logrus.Fields{"subject": subject, "wait": c.wait}).Info("no report arrived in time")
			break
		}
		if err != nil {
			return fmt.Errorf("reports: %w", err)
		}

		report, err := decodeReport(msg)
		if err != nil {
			c.logger.WithError(err).Warn("skipping malformed report")
			continue
		}

		if received > 0 {
			separateDocuments(w, c.globalFlags.Output)
		}
		if err := render(w, c.globalFlags.Output, report, func(w io.Writer) { renderReportTable(w, report) }); err != nil {
			return fmt.Errorf("reports: render report: %w", err)
		}
		received++
	}

	if c.count > 0 && received < c.count {
		return fmt.Errorf("reports: received %d of %d reports", received, c.count)
	}
	return nil
}

// decodeReport accepts the raw JSON read from NATS or an in-process report.
func decodeReport(msg any) (*triage.Report, error) {
	var data []byte
	switch m := msg.(type) {
	case *triage.Report:
		return m, nil
	case json.RawMessage:
		data = m
	case []byte:
		data = m
	default:
		return nil, fmt.Errorf("unexpected message type %T", msg)
	}

	report := &triage.Report{}
	if err := json.Unmarshal(data, report); err != nil {
		return nil, fmt.Errorf("failed to decode report: %w", err)
	}
	if report.ID == "" {
		return nil, errors.New("report has no id")
	}
	return report, nil
}

func separateDocuments(w io.Writer, format string) {
	switch format {
	case flags.OutputYAML:
		fmt.Fprintln(w, "---")
	case flags.OutputTable:
		fmt.Fprintln(w)
	}
}
