package cmd

import (
	"fmt"
	"io"

	"github.com/kube-tarian/perftriage/cmd/perftriage/cmd/flags"
	"github.com/kube-tarian/perftriage/pkg/tools"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

type toolCommand struct {
	globalFlags *flags.GlobalFlags
	logger      *logrus.Logger
	newSession  sessionFactory
	registry    *tools.Registry

	params tools.Params
	legacy bool
}

func newToolCommand(globalFlags *flags.GlobalFlags, logger *logrus.Logger, newSession sessionFactory) *cobra.Command {
	cmd := &toolCommand{
		globalFlags: globalFlags,
		logger:      logger,
		newSession:  newSession,
		registry:    tools.DefaultRegistry(),
	}

	toolCmd := &cobra.Command{
		Use:   "tool [name]",
		Args:  cobra.MaximumNArgs(1),
		Short: "Run a single diagnostic tool, or list the tools when no name is given.",
		Example: `perftriage tool

perftriage tool runq_latency --duration 10 --pid 4321 -o yaml`,
		ValidArgs: cmd.registry.Names(),
		RunE:      cmd.run,
	}

	// add flags
	toolCmd.Flags().IntVar(&cmd.params.DurationSec, "duration", 0, "Tracing or profiling duration in seconds (1-60)")
	toolCmd.Flags().IntVar(&cmd.params.PID, "pid", 0, "Process to scope the tool to")
	toolCmd.Flags().StringVar(&cmd.params.ProcessName, "process-name", "", "Label of the process under investigation")
	toolCmd.Flags().IntVar(&cmd.params.SampleRateHz, "rate", 0, "perf sample rate in Hz (1-999)")
	toolCmd.Flags().IntVar(&cmd.params.MinLatencyMs, "min-latency", 0, "Only report operations slower than this many milliseconds")
	toolCmd.Flags().BoolVar(&cmd.legacy, "legacy", false, "Print the flat legacy envelope instead of the standard output")
	return toolCmd
}

func (c *toolCommand) run(cmd *cobra.Command, args []string) error {
	if len(args) == 0 {
		return c.list(cmd.OutOrStdout())
	}

	name := args[0]
	if _, ok := c.registry.Get(name); !ok {
		return fmt.Errorf("unknown tool %q, run 'perftriage tool' to list the tools", name)
	}
	if err := c.params.Validate(); err != nil {
		return err
	}

	sess, err := c.newSession(c.globalFlags, c.logger)
	if err != nil {
		return fmt.Errorf("tool: %w", err)
	}
	defer sess.close(c.globalFlags, c.logger)

	res := c.registry.Run(cmd.Context(), sess.env, name, c.params)

	var v any = res
	if c.legacy {
		v = res.Legacy()
	}
	if err := render(cmd.OutOrStdout(), c.globalFlags.Output, v, func(w io.Writer) { renderResultTable(w, res) }); err != nil {
		return fmt.Errorf("tool: render result: %w", err)
	}
	if !res.Succeeded() {
		return fmt.Errorf("%s failed: %w", name, res.Err())
	}
	return nil
}

type toolInfo struct {
	Name               string `json:"name" yaml:"name"`
	Category           string `json:"category" yaml:"category"`
	DefaultDurationSec int    `json:"default_duration_sec,omitempty" yaml:"default_duration_sec,omitempty"`
	BCC                bool   `json:"bcc" yaml:"bcc"`
	Description        string `json:"description" yaml:"description"`
}

func (c *toolCommand) list(w io.Writer) error {
	infos := []toolInfo{}
	for _, name := range c.registry.Names() {
		t, _ := c.registry.Get(name)
		infos = append(infos, toolInfo{
			Name:               t.Name,
			Category:           t.Category,
			DefaultDurationSec: t.DefaultDurationSec,
			BCC:                t.BCC,
			Description:        t.Description,
		})
	}

	return render(w, c.globalFlags.Output, infos, func(w io.Writer) {
		table := newTable(w, "Tool", "Category", "Description")
		for _, info := range infos {
			table.Append([]string{info.Name, info.Category, info.Description})
		}
		table.Render()
	})
}
