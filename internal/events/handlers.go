package events

import (
	"context"
	"log/slog"

	"github.com/phrazzld/docpipe/internal/domain"
	"github.com/phrazzld/docpipe/internal/platform/metrics"
)

// NewLogHandler logs every terminal transition, at warn level for failures.
func NewLogHandler(logger *slog.Logger) EventHandler {
	return HandlerFunc(func(ctx context.Context, event *ExecutionEvent) error {
		level := slog.LevelInfo
		if event.Status != domain.StatusSuccess {
			level = slog.LevelWarn
		}
		logger.Log(ctx, level, "execution finished",
			"kind", event.Kind,
			"execution_id", event.ExecutionID,
			"batch_id", event.BatchID,
			"status", event.Status,
			"error", event.Error)
		return nil
	})
}

// NewMetricsHandler counts terminal transitions by kind and status.
func NewMetricsHandler(m *metrics.Metrics) EventHandler {
	return HandlerFunc(func(_ context.Context, event *ExecutionEvent) error {
		m.ExecutionFinished(string(event.Kind), string(event.Status))
		return nil
	})
}
