package events

import (
	"context"

	"github.com/roach88/recast/internal/logging"
	"github.com/roach88/recast/internal/model"
)

// LogSink writes each transition as a structured log entry.
type LogSink struct {
	logger logging.Logger
}

// NewLogSink creates a LogSink.
func NewLogSink(logger logging.Logger) *LogSink {
	return &LogSink{logger: logger}
}

// Emit implements Sink. Failures log at warn, everything else at info.
func (s *LogSink) Emit(_ context.Context, t model.Transition) {
	entry := s.logger.WithFields(logging.Fields{
		"entry_id":   t.EntryID,
		"from_state": t.From,
		"to_state":   t.To,
		"platform":   t.Platform,
		"timestamp":  t.Timestamp,
	})
	if t.ErrorMessage != "" {
		entry = entry.WithField("error_message", t.ErrorMessage)
	}
	if t.To == model.StatusFailed {
		entry.Warn("queue transition")
		return
	}
	entry.Info("queue transition")
}
