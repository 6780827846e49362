package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawlstream/internal/progress"
)

// LogSink writes each session event as a structured log line.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event. Terminal failures log at warn level.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.Stringer("session_id", evt.SessionUUID()),
			zap.String("stage", string(evt.Stage)),
			zap.String("crawl_id", evt.CrawlID),
			zap.String("mode", evt.Mode),
			zap.String("target_url", evt.TargetURL),
			zap.String("path", evt.Path),
			zap.Int("blocks", evt.Blocks),
			zap.Int("fetch_errors", evt.FetchErrors),
			zap.Duration("dur", evt.Dur),
			zap.String("note", evt.Note),
		}
		switch evt.Stage {
		case progress.StageSessionFailed, progress.StageFetchError:
			s.logger.Warn("session event", fields...)
		default:
			s.logger.Info("session event", fields...)
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
