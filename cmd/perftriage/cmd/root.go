package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	version "github.com/kube-tarian/perftriage/cmd"
	"github.com/kube-tarian/perftriage/cmd/perftriage/cmd/flags"
	"github.com/kube-tarian/perftriage/pkg/log"
	"github.com/kube-tarian/perftriage/pkg/output"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var globalFlags *flags.GlobalFlags

func newRootCommand(logger *logrus.Logger) *cobra.Command {
	return &cobra.Command{
		Use:           "perftriage",
		Version:       version.GetVersion(),
		Short:         "perftriage runs Linux performance diagnostics and correlates their findings.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			err := globalFlags.ValidateGlobalFlags()
			if err != nil {
				return err
			}

			logLevel, _ := logrus.ParseLevel(globalFlags.LogLevel)
			logger.SetLevel(logrus.Level(logLevel))

			if globalFlags.LogFormatter == "json" {
				logger.SetFormatter(&logrus.JSONFormatter{})
			}

			output.Version = version.GetVersion()
			return nil
		},
		Long: `perftriage safely runs a curated set of Linux performance tools (procfs readers,
iostat, ss, perf and the BCC/bpftrace suite), turns their output into findings and
ranks the likely root causes.`,
	}
}

func buildRootCommand(logger *logrus.Logger, newSession sessionFactory, newSubscriber subscriberFactory) *cobra.Command {
	rootCmd := newRootCommand(logger)
	rootCmd.SetVersionTemplate("perftriage version: {{.Version}}\n")

	// Add global flags
	persistentFlags := rootCmd.PersistentFlags()
	globalFlags = flags.SetGlobalFlags(persistentFlags)

	// Add subcommand to the root command
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(newTriageCommand(globalFlags, logger, newSession))
	rootCmd.AddCommand(newToolCommand(globalFlags, logger, newSession))
	rootCmd.AddCommand(newCapabilitiesCommand(globalFlags, logger, newSession))
	rootCmd.AddCommand(newWarmupCommand(globalFlags, logger, newSession))
	rootCmd.AddCommand(newReportsCommand(globalFlags, logger, newSubscriber))
	return rootCmd
}

// Execute runs the CLI. SIGINT and SIGTERM cancel the running command, which kills any
// spawned process group.
func Execute() {
	logger := log.GetLogger()
	rootCmd := buildRootCommand(logger, newHostSession, newNATSSubscriber)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		logger.Errorf("command failed: %s", err)
		os.Exit(1)
	}
}
