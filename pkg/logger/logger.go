// Package logger builds the zap logger used for the execution audit trail.
package logger

import (
	"log"

	"go.uber.org/zap"
)

// GetLogger returns a sugared zap logger writing to stderr in the given encoding ("json" or "console").
func GetLogger(level string, encoding string) *zap.SugaredLogger {
	zapLevel := zap.InfoLevel
	switch level {
	case "debug":
		zapLevel = zap.DebugLevel
	case "info":
		zapLevel = zap.InfoLevel
	case "warn", "warning":
		zapLevel = zap.WarnLevel
	case "error":
		zapLevel = zap.ErrorLevel
	}

	if encoding != "json" {
		encoding = "console"
	}

	config := zap.Config{
		Level:            zap.NewAtomicLevelAt(zapLevel),
		Development:      false,
		Encoding:         encoding,
		EncoderConfig:    zap.NewProductionEncoderConfig(),
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := config.Build()
	if err != nil {
		log.Fatal(err)
	}

	return logger.Sugar()
}

// NewAuditLogger returns the logger safeexec records every spawn and rejection with.
func NewAuditLogger(level string, encoding string) *zap.SugaredLogger {
	return GetLogger(level, encoding).Named("audit")
}

// Nop returns an audit logger that drops everything.
func Nop() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}
