package store

import (
	"context"
	"time"

	"github.com/flowmetry/flowmetry/internal/models"
	"github.com/flowmetry/flowmetry/internal/utils"
)

const defaultReadLimit = 100

// RecentSamples returns the newest samples, most recent first.
func (s *Store) RecentSamples(ctx context.Context, limit int) ([]models.MetricSample, error) {
	if limit <= 0 {
		limit = defaultReadLimit
	}

	rows, err := s.db.QueryContext(ctx, `
        SELECT service, metric, value, anomaly, ts
        FROM metric_samples ORDER BY id DESC LIMIT ?
    `, limit)
	if err != nil {
		return nil, utils.NewAppError("store.recent_samples", "query samples", err)
	}
	defer rows.Close()

	var samples []models.MetricSample
	for rows.Next() {
		var sample models.MetricSample
		var ts string
		if err := rows.Scan(&sample.Service, &sample.Metric, &sample.Value, &sample.Anomaly, &ts); err != nil {
			return nil, utils.NewAppError("store.recent_samples", "scan sample", err)
		}
		sample.Timestamp, _ = parseTime(ts)
		samples = append(samples, sample)
	}
	return samples, rows.Err()
}

// RecentAnomalies returns the newest anomalies, most recent first.
func (s *Store) RecentAnomalies(ctx context.Context, limit int) ([]models.Anomaly, error) {
	if limit <= 0 {
		limit = defaultReadLimit
	}

	rows, err := s.db.QueryContext(ctx, `
        SELECT service, metric, value, score, severity, method, ts
        FROM anomalies ORDER BY id DESC LIMIT ?
    `, limit)
	if err != nil {
		return nil, utils.NewAppError("store.recent_anomalies", "query anomalies", err)
	}
	defer rows.Close()

	var anomalies []models.Anomaly
	for rows.Next() {
		var a models.Anomaly
		var severity, method, ts string
		if err := rows.Scan(&a.Service, &a.Metric, &a.Value, &a.Score, &severity, &method, &ts); err != nil {
			return nil, utils.NewAppError("store.recent_anomalies", "scan anomaly", err)
		}
		a.Severity = models.Severity(severity)
		a.DetectionMethod = models.DetectionMethod(method)
		a.Timestamp, _ = parseTime(ts)
		anomalies = append(anomalies, a)
	}
	return anomalies, rows.Err()
}

// RecentRemediations returns the newest remediation records, most recent
// first. Rows rebuild the embedded anomaly's identifying fields only.
func (s *Store) RecentRemediations(ctx context.Context, limit int) ([]models.RemediationRecord, error) {
	if limit <= 0 {
		limit = defaultReadLimit
	}

	rows, err := s.db.QueryContext(ctx, `
        SELECT service, metric, severity, action, action_type, advisory, duration_ms, ts
        FROM remediations ORDER BY id DESC LIMIT ?
    `, limit)
	if err != nil {
		return nil, utils.NewAppError("store.recent_remediations", "query remediations", err)
	}
	defer rows.Close()

	var records []models.RemediationRecord
	for rows.Next() {
		var r models.RemediationRecord
		var severity, actionType, ts string
		var durationMS float64
		if err := rows.Scan(
			&r.Anomaly.Service, &r.Anomaly.Metric, &severity,
			&r.Action, &actionType, &r.Advisory, &durationMS, &ts,
		); err != nil {
			return nil, utils.NewAppError("store.recent_remediations", "scan remediation", err)
		}
		r.Anomaly.Severity = models.Severity(severity)
		r.ActionType = models.ActionType(actionType)
		r.DurationSeconds = durationMS / 1000
		r.Timestamp, _ = parseTime(ts)
		records = append(records, r)
	}
	return records, rows.Err()
}

// TimeRange bounds the stored samples.
type TimeRange struct {
	Start           time.Time `json:"start"`
	End             time.Time `json:"end"`
	DurationSeconds float64   `json:"duration_seconds"`
}

// Stats summarizes stored history.
type Stats struct {
	Samples      int64      `json:"samples"`
	Anomalies    int64      `json:"anomalies"`
	Remediations int64      `json:"remediations"`
	TrainingRuns int64      `json:"training_runs"`
	Services     []string   `json:"services"`
	Metrics      []string   `json:"metrics"`
	TimeRange    *TimeRange `json:"time_range,omitempty"`
}

// Stats reports row counts, the distinct service/metric sets, and the span
// of stored sample timestamps. TimeRange is nil while no samples exist.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var stats Stats

	counts := []struct {
		query string
		dest  *int64
	}{
		{`SELECT COUNT(*) FROM metric_samples`, &stats.Samples},
		{`SELECT COUNT(*) FROM anomalies`, &stats.Anomalies},
		{`SELECT COUNT(*) FROM remediations`, &stats.Remediations},
		{`SELECT COUNT(*) FROM training_runs`, &stats.TrainingRuns},
	}
	for _, c := range counts {
		if err := s.db.QueryRowContext(ctx, c.query).Scan(c.dest); err != nil {
			return Stats{}, utils.NewAppError("store.stats", "count rows", err)
		}
	}

	var err error
	if stats.Services, err = s.distinct(ctx, `SELECT DISTINCT service FROM metric_samples ORDER BY service`); err != nil {
		return Stats{}, err
	}
	if stats.Metrics, err = s.distinct(ctx, `SELECT DISTINCT metric FROM metric_samples ORDER BY metric`); err != nil {
		return Stats{}, err
	}

	if stats.Samples > 0 {
		var minTS, maxTS string
		if err := s.db.QueryRowContext(ctx, `SELECT MIN(ts), MAX(ts) FROM metric_samples`).Scan(&minTS, &maxTS); err != nil {
			return Stats{}, utils.NewAppError("store.stats", "sample time range", err)
		}
		start, _ := parseTime(minTS)
		end, _ := parseTime(maxTS)
		stats.TimeRange = &TimeRange{
			Start:           start,
			End:             end,
			DurationSeconds: utils.SpanSeconds(start, end),
		}
	}

	return stats, nil
}

func (s *Store) distinct(ctx context.Context, query string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, utils.NewAppError("store.stats", "distinct values", err)
	}
	defer rows.Close()

	var values []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, utils.NewAppError("store.stats", "scan distinct value", err)
		}
		values = append(values, v)
	}
	return values, rows.Err()
}
