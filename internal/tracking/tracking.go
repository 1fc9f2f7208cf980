// Package tracking provides experiment-tracking hooks around training and
// remediation runs. The noop sink discards everything, so callers invoke the
// hooks unconditionally whether or not tracking is enabled.
package tracking

import (
	"context"
	"log/slog"
)

// Tracker receives parameters and metrics for one tracked run.
type Tracker interface {
	LogParams(ctx context.Context, runID string, params map[string]any) error
	LogMetrics(ctx context.Context, runID string, values map[string]float64) error
	Close() error
}

// Noop implements Tracker and discards everything.
type Noop struct{}

// LogParams discards the parameters.
func (Noop) LogParams(context.Context, string, map[string]any) error { return nil }

// LogMetrics discards the metrics.
func (Noop) LogMetrics(context.Context, string, map[string]float64) error { return nil }

// Close is a no-op.
func (Noop) Close() error { return nil }

// LogTracker implements Tracker by emitting structured log events.
type LogTracker struct {
	logger *slog.Logger
}

// NewLogTracker creates a tracker writing to the supplied logger.
func NewLogTracker(logger *slog.Logger) *LogTracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogTracker{logger: logger.With("component", "tracking")}
}

// LogParams records run parameters as one log event.
func (t *LogTracker) LogParams(_ context.Context, runID string, params map[string]any) error {
	args := make([]any, 0, 2+2*len(params))
	args = append(args, "run_id", runID)
	for k, v := range params {
		args = append(args, k, v)
	}
	t.logger.Info("run params", args...)
	return nil
}

// LogMetrics records run metrics as one log event.
func (t *LogTracker) LogMetrics(_ context.Context, runID string, values map[string]float64) error {
	args := make([]any, 0, 2+2*len(values))
	args = append(args, "run_id", runID)
	for k, v := range values {
		args = append(args, k, v)
	}
	t.logger.Info("run metrics", args...)
	return nil
}

// Close is a no-op for the log tracker.
func (t *LogTracker) Close() error { return nil }
