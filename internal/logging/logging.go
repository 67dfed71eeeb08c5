// Package logging builds the process logger.
package logging

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// New returns a logrus logger writing to stderr at level in format
// ("json" or "text"). Unknown levels fall back to info.
func New(level, format string) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stderr)

	switch level {
	case "debug":
		logger.SetLevel(logrus.DebugLevel)
	case "info":
		logger.SetLevel(logrus.InfoLevel)
	case "warn", "warning":
		logger.SetLevel(logrus.WarnLevel)
	case "error":
		logger.SetLevel(logrus.ErrorLevel)
	default:
		logger.SetLevel(logrus.InfoLevel)
	}

	if format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return logger
}

// Discard returns a logger that drops everything. Tests use it.
func Discard() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}
