package remediation

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/flowmetry/flowmetry/internal/models"
	"github.com/flowmetry/flowmetry/internal/tracking"
	"github.com/flowmetry/flowmetry/internal/utils"
)

// Engine turns anomalies into remediation records. Decisions always succeed;
// the advisory path and tracking hooks degrade to log lines on failure.
type Engine struct {
	advisor *Advisor
	tracker tracking.Tracker
	logger  *slog.Logger
}

// NewEngine creates a decision engine. Advisor may be nil when the advisory
// feature is disabled; tracker may be nil.
func NewEngine(advisor *Advisor, tracker tracking.Tracker, logger *slog.Logger) *Engine {
	if tracker == nil {
		tracker = tracking.Noop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		advisor: advisor,
		tracker: tracker,
		logger:  logger.With("component", "remediation"),
	}
}

// Remediate decides the corrective action for one anomaly. The returned
// record embeds the anomaly and the wall-clock duration of the decision,
// advisory lookup included.
func (e *Engine) Remediate(ctx context.Context, a models.Anomaly) models.RemediationRecord {
	start := time.Now()

	actionType, action := Decide(a)
	record := models.RemediationRecord{
		Anomaly:    a,
		Action:     action,
		ActionType: actionType,
	}

	result := e.advisor.Advise(ctx, a)
	if result.Err != nil {
		e.logger.Warn("advisory unavailable",
			"service", a.Service,
			"metric", a.Metric,
			"error", result.Err)
	} else {
		record.Advisory = result.Text
		record.AdvisoryCached = result.Cached
	}

	record.Timestamp = time.Now()
	record.DurationSeconds = utils.DurationSeconds(time.Since(start))

	e.track(ctx, record)

	e.logger.Info("applied remediation",
		"action", action,
		"action_type", actionType,
		"service", a.Service,
		"metric", a.Metric,
		"severity", a.Severity)

	return record
}

func (e *Engine) track(ctx context.Context, record models.RemediationRecord) {
	runID := uuid.NewString()
	a := record.Anomaly

	params := map[string]any{
		"service":  a.Service,
		"metric":   a.Metric,
		"severity": string(a.Severity),
		"value":    a.Value,
		"action":   record.Action,
	}
	if record.Advisory != "" {
		params["advisory"] = record.Advisory
	}
	if err := e.tracker.LogParams(ctx, runID, params); err != nil {
		e.logger.Warn("tracking remediation params failed", "run_id", runID, "error", err)
	}
	if err := e.tracker.LogMetrics(ctx, runID, map[string]float64{
		"remediation_duration": record.DurationSeconds,
	}); err != nil {
		e.logger.Warn("tracking remediation metrics failed", "run_id", runID, "error", err)
	}
}
