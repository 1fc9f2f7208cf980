package detector

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/flowmetry/flowmetry/internal/models"
	"github.com/flowmetry/flowmetry/internal/tracking"
)

// RunSink persists training run rows. Sink failures degrade to a log line;
// they never fail the run.
type RunSink interface {
	InsertTrainingRuns(ctx context.Context, runs []models.TrainingRun) error
}

// RunReport summarizes one orchestrated training run.
type RunReport struct {
	RunID    string        `json:"run_id"`
	Trained  int           `json:"trained"`
	Skipped  int           `json:"skipped"`
	Duration time.Duration `json:"duration_ns"`
}

// Trainer orchestrates training passes: it assigns run ids, times the pass,
// persists per-series rows, and feeds the tracking hooks.
type Trainer struct {
	det     *Detector
	sink    RunSink
	tracker tracking.Tracker
	logger  *slog.Logger
}

// NewTrainer creates a trainer. Both sink and tracker may be nil.
func NewTrainer(det *Detector, sink RunSink, tracker tracking.Tracker, logger *slog.Logger) *Trainer {
	if tracker == nil {
		tracker = tracking.Noop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Trainer{
		det:     det,
		sink:    sink,
		tracker: tracker,
		logger:  logger.With("component", "trainer"),
	}
}

// Run executes one training pass over the supplied samples.
func (t *Trainer) Run(ctx context.Context, samples []models.MetricSample) RunReport {
	runID := uuid.NewString()

	if err := t.tracker.LogParams(ctx, runID, map[string]any{
		"samples":       len(samples),
		"min_samples":   t.det.cfg.MinSamples,
		"trees":         t.det.cfg.Trees,
		"contamination": t.det.cfg.Contamination,
	}); err != nil {
		t.logger.Warn("tracking params failed", "run_id", runID, "error", err)
	}

	start := time.Now()
	summary := t.det.Train(samples)
	elapsed := time.Since(start)

	if t.sink != nil && len(summary.Models) > 0 {
		runs := make([]models.TrainingRun, 0, len(summary.Models))
		for _, info := range summary.Models {
			runs = append(runs, models.TrainingRun{
				RunID:      runID,
				Service:    info.Service,
				Metric:     info.Metric,
				Samples:    info.Samples,
				Mean:       info.Mean,
				Std:        info.Std,
				DurationMS: elapsed.Milliseconds(),
				TrainedAt:  info.TrainedAt,
			})
		}
		if err := t.sink.InsertTrainingRuns(ctx, runs); err != nil {
			t.logger.Warn("persisting training runs failed", "run_id", runID, "error", err)
		}
	}

	if err := t.tracker.LogMetrics(ctx, runID, map[string]float64{
		"trained":     float64(summary.Trained),
		"skipped":     float64(summary.Skipped),
		"duration_ms": float64(elapsed.Milliseconds()),
	}); err != nil {
		t.logger.Warn("tracking metrics failed", "run_id", runID, "error", err)
	}

	t.logger.Info("training run finished",
		"run_id", runID,
		"trained", summary.Trained,
		"skipped", summary.Skipped,
		"duration", elapsed)

	return RunReport{
		RunID:    runID,
		Trained:  summary.Trained,
		Skipped:  summary.Skipped,
		Duration: elapsed,
	}
}
