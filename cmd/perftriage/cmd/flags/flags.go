// Package flags provides a way to manage global flags for the application.
package flags

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/pflag"
)

// Output formats.
const (
	OutputJSON  = "json"
	OutputYAML  = "yaml"
	OutputTable = "table"
)

// GlobalFlags holds the global flag values for the application.
type GlobalFlags struct {
	LogLevel     string
	LogFormatter string
	Output       string
	// HostRoot prefixes procfs, sysfs and cgroup reads, for running in a container with the
	// host filesystem mounted.
	HostRoot string
	// ArtifactDir overrides PERFTRIAGE_ARTIFACT_DIR when set.
	ArtifactDir     string
	MetricsTextfile string
}

// SetGlobalFlags initializes and binds global flags using the provided FlagSet.
// It returns a pointer to the initialized GlobalFlags struct.
func SetGlobalFlags(flags *pflag.FlagSet) *GlobalFlags {
	globalFlags := &GlobalFlags{}

	flags.StringVarP(&globalFlags.LogLevel, "log-level", "l", "info", "Valid log levels: debug, info(default), warn/warning, error, fatal")
	flags.StringVarP(&globalFlags.LogFormatter, "log-formatter", "e", "text", "Valid log formatters: json, text(default)")
	flags.StringVarP(&globalFlags.Output, "output", "o", OutputTable, "Output format: json, yaml, table(default)")
	flags.StringVar(&globalFlags.HostRoot, "host-root", "", "Root under which host procfs, sysfs and cgroup files are read")
	flags.StringVar(&globalFlags.ArtifactDir, "artifact-dir", "", "Directory for the BCC compile-state cache and transient profiles")
	flags.StringVar(&globalFlags.MetricsTextfile, "metrics-textfile", "", "Write Prometheus metrics of this run to the given file")

	return globalFlags
}

// ValidateGlobalFlags validates the global flags used in the application.
func (globalFlags *GlobalFlags) ValidateGlobalFlags() error {
	validLogLevels := map[string]bool{
		"debug":   true,
		"info":    true,
		"warn":    true,
		"warning": true,
		"error":   true,
		"fatal":   true,
	}

	validLogFormatters := map[string]bool{
		"json": true,
		"text": true,
	}

	validOutputs := map[string]bool{
		OutputJSON:  true,
		OutputYAML:  true,
		OutputTable: true,
	}

	if !validLogLevels[globalFlags.LogLevel] {
		return fmt.Errorf("invalid log level: %s", globalFlags.LogLevel)
	}

	if !validLogFormatters[globalFlags.LogFormatter] {
		return fmt.Errorf("invalid log formatter: %s", globalFlags.LogFormatter)
	}

	if !validOutputs[globalFlags.Output] {
		return fmt.Errorf("invalid output format: %s", globalFlags.Output)
	}

	if globalFlags.HostRoot != "" && !filepath.IsAbs(globalFlags.HostRoot) {
		return fmt.Errorf("host root must be an absolute path: %s", globalFlags.HostRoot)
	}

	if globalFlags.ArtifactDir != "" && !filepath.IsAbs(globalFlags.ArtifactDir) {
		return fmt.Errorf("artifact dir must be an absolute path: %s", globalFlags.ArtifactDir)
	}

	return nil
}
