// Package logging configures the process logger.
package logging

import (
	"fmt"
	"io"
	"strings"

	"github.com/sirupsen/logrus"
)

// Logger is the logger components accept.
type Logger = logrus.FieldLogger

// Fields represents structured logging fields
type Fields = logrus.Fields

// Formats accepted by New.
const (
	FormatJSON = "json"
	FormatText = "text"
)

// New creates a logger at the given level and format. An empty level means
// info and an empty format means JSON.
func New(level, format string) (*logrus.Logger, error) {
	logger := logrus.New()

	switch strings.ToLower(format) {
	case "", FormatJSON:
		logger.SetFormatter(&logrus.JSONFormatter{})
	case FormatText:
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}

	if level == "" {
		level = "info"
	}
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	logger.SetLevel(lvl)
	return logger, nil
}

// NewWithService creates a logger that tags every entry with a service field.
func NewWithService(service, level, format string) (Logger, error) {
	logger, err := New(level, format)
	if err != nil {
		return nil, err
	}
	return logger.WithField("service", service), nil
}

// Discard returns a logger that drops everything, for tests and dry runs.
func Discard() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}
