package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/archivebot/internal/progress"
)

// LogSink writes every event as a structured log line.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("request_id", evt.RequestUUID().String()),
			zap.String("stage", string(evt.Stage)),
			zap.String("trigger", evt.Trigger),
			zap.String("site", evt.Site),
			zap.String("url", evt.URL),
			zap.Duration("dur", evt.Dur),
		}
		if evt.ArchivedURL != "" {
			fields = append(fields, zap.String("archived_url", evt.ArchivedURL))
		}
		if evt.StatusCode != 0 {
			fields = append(fields, zap.Int("status", evt.StatusCode))
		}
		if evt.Kind != "" {
			fields = append(fields, zap.String("kind", evt.Kind))
		}
		if evt.Note != "" {
			fields = append(fields, zap.String("note", evt.Note))
		}
		s.logger.Info("archive progress", fields...)
	}
	return nil
}

// Close implements progress.Sink.
func (s *LogSink) Close(context.Context) error {
	return nil
}
