package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/email-scraper/internal/progress"
)

// LogSink writes each progress line as a structured debug log.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wraps logger; nil yields a no-op sink.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs the batch. Terminal events are logged at info level.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("task_id", evt.TaskID),
			zap.Int64("seq", evt.Seq),
			zap.String("kind", string(evt.Kind)),
			zap.String("text", evt.Text),
		}
		if evt.Kind.Terminal() {
			s.logger.Info("task progress finished", fields...)
			continue
		}
		s.logger.Debug("task progress", fields...)
	}
	return nil
}

// Close is a no-op.
func (s *LogSink) Close(context.Context) error {
	return nil
}
