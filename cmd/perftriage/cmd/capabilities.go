package cmd

import (
	"fmt"
	"io"

	"github.com/kube-tarian/perftriage/cmd/perftriage/cmd/flags"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

type capabilitiesCommand struct {
	globalFlags *flags.GlobalFlags
	logger      *logrus.Logger
	newSession  sessionFactory
}

func newCapabilitiesCommand(globalFlags *flags.GlobalFlags, logger *logrus.Logger, newSession sessionFactory) *cobra.Command {
	cmd := &capabilitiesCommand{
		globalFlags: globalFlags,
		logger:      logger,
		newSession:  newSession,
	}

	return &cobra.Command{
		Use:     "capabilities",
		Aliases: []string{"caps"},
		Args:    cobra.NoArgs,
		Short:   "Show what the host supports: kernel features, privileges and installed tools.",
		RunE:    cmd.run,
	}
}

func (c *capabilitiesCommand) run(cmd *cobra.Command, args []string) error {
	sess, err := c.newSession(c.globalFlags, c.logger)
	if err != nil {
		return fmt.Errorf("capabilities: %w", err)
	}
	defer sess.close(c.globalFlags, c.logger)

	snap := sess.env.Caps.Detect(cmd.Context())
	return render(cmd.OutOrStdout(), c.globalFlags.Output, snap, func(w io.Writer) { renderCapabilitiesTable(w, snap) })
}
