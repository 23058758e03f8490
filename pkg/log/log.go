// Package log provides the application logger shared by the CLI and the diagnostic components.
package log

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

var logger *logrus.Logger

// ConfigureLogger initializes the logger with the given level and formatter ("text" or "json").
func ConfigureLogger(logLevel string, formatter string) {
	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		level = logrus.InfoLevel
	}

	logger = logrus.New()
	logger.SetLevel(level)
	// stdout carries tool results, so diagnostics go to stderr
	logger.SetOutput(os.Stderr)

	if formatter == "json" {
		JSONFormat()
	} else {
		DefaultFormat()
	}
}

// GetLogger returns the configured logger instance.
func GetLogger() *logrus.Logger {
	if logger == nil {
		ConfigureLogger("info", "text")
	}
	return logger
}

// Discard returns a logger that drops every entry.
func Discard() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// DefaultFormat sets the human readable text format.
func DefaultFormat() {
	GetLogger().SetFormatter(&logrus.TextFormatter{
		DisableColors: true,
		FullTimestamp: true,
	})
}

// JSONFormat sets single-line JSON output.
func JSONFormat() {
	GetLogger().SetFormatter(&logrus.JSONFormatter{})
}

// MiniLogFormat sets the minimal log format mostly used for testing purpose
func MiniLogFormat() {
	GetLogger().SetFormatter(&logrus.TextFormatter{
		DisableColors:          true,
		DisableQuote:           true,
		DisableTimestamp:       true,
		DisableLevelTruncation: true,
	})
}
