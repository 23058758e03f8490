package cmd

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/kube-tarian/perftriage/cmd/perftriage/cmd/flags"
	"github.com/kube-tarian/perftriage/pkg/perferr"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

type warmupCommand struct {
	globalFlags *flags.GlobalFlags
	logger      *logrus.Logger
	newSession  sessionFactory
}

type warmupResult struct {
	Tool      string         `json:"tool" yaml:"tool"`
	CompileMs int64          `json:"compile_ms" yaml:"compile_ms"`
	Error     *perferr.Error `json:"error,omitempty" yaml:"error,omitempty"`
}

func newWarmupCommand(globalFlags *flags.GlobalFlags, logger *logrus.Logger, newSession sessionFactory) *cobra.Command {
	cmd := &warmupCommand{
		globalFlags: globalFlags,
		logger:      logger,
		newSession:  newSession,
	}

	return &cobra.Command{
		Use:     "warmup <bcc-tool>...",
		Args:    cobra.MinimumNArgs(1),
		Short:   "Compile BCC tools once so later runs get tight timeouts.",
		Example: `perftriage warmup biolatency runqlat syscount`,
		RunE:    cmd.run,
	}
}

func (c *warmupCommand) run(cmd *cobra.Command, args []string) error {
	sess, err := c.newSession(c.globalFlags, c.logger)
	if err != nil {
		return fmt.Errorf("warmup: %w", err)
	}
	defer sess.close(c.globalFlags, c.logger)

	results := make([]warmupResult, 0, len(args))
	failed := 0
	for _, tool := range args {
		d, err := sess.env.BCC.Warmup(cmd.Context(), tool)
		res := warmupResult{Tool: tool, CompileMs: d.Milliseconds()}
		if err != nil {
			res.Error = perferr.From(err)
			failed++
		}
		c.logger.WithFields(logrus.Fields{"tool": tool, "compile": d}).WithError(err).Debug("warmup finished")
		results = append(results, res)
	}

	err = render(cmd.OutOrStdout(), c.globalFlags.Output, results, func(w io.Writer) {
		table := newTable(w, "Tool", "Compile", "Result")
		for _, r := range results {
			result := "ok"
			if r.Error != nil {
				result = string(r.Error.Code) + ": " + r.Error.Message
			}
			table.Append([]string{r.Tool, (time.Duration(r.CompileMs) * time.Millisecond).String(), result})
		}
		table.Render()
	})
	if err != nil {
		return fmt.Errorf("warmup: render results: %w", err)
	}

	if failed == len(args) {
		return errors.New("warmup: no tool could be compiled")
	}
	return nil
}
