// Package store persists the pipeline's streams in SQLite for the HTTP API
// and offline inspection. Persistence is advisory: the pipeline keeps
// running when writes fail, so nothing here is on the hot path's critical
// section.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver (no CGO required)

	"github.com/flowmetry/flowmetry/internal/models"
	"github.com/flowmetry/flowmetry/internal/utils"
)

var migrations = []struct {
	version int
	sql     string
}{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS metric_samples (
    id      INTEGER PRIMARY KEY AUTOINCREMENT,
    service TEXT NOT NULL,
    metric  TEXT NOT NULL,
    value   REAL NOT NULL,
    anomaly INTEGER NOT NULL DEFAULT 0,
    ts      DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_samples_pair ON metric_samples(service, metric);
CREATE INDEX IF NOT EXISTS idx_samples_ts ON metric_samples(ts DESC);

CREATE TABLE IF NOT EXISTS anomalies (
    id      INTEGER PRIMARY KEY AUTOINCREMENT,
    service TEXT NOT NULL,
    metric  TEXT NOT NULL,
    value   REAL NOT NULL,
    score   REAL NOT NULL,
    severity TEXT NOT NULL,
    method  TEXT NOT NULL,
    ts      DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_anomalies_ts ON anomalies(ts DESC);
CREATE INDEX IF NOT EXISTS idx_anomalies_service ON anomalies(service);

CREATE TABLE IF NOT EXISTS remediations (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    service     TEXT NOT NULL,
    metric      TEXT NOT NULL,
    severity    TEXT NOT NULL,
    action      TEXT NOT NULL,
    action_type TEXT NOT NULL,
    advisory    TEXT NOT NULL DEFAULT '',
    duration_ms REAL NOT NULL DEFAULT 0,
    ts          DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_remediations_ts ON remediations(ts DESC);

CREATE TABLE IF NOT EXISTS training_runs (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id      TEXT NOT NULL,
    service     TEXT NOT NULL,
    metric      TEXT NOT NULL,
    samples     INTEGER NOT NULL,
    mean        REAL NOT NULL,
    std         REAL NOT NULL,
    duration_ms INTEGER NOT NULL DEFAULT 0,
    ts          DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_training_runs_run ON training_runs(run_id);
`,
	},
}

// Store wraps the SQLite history database.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and applies pending
// migrations. An empty path opens an in-memory database.
func Open(path string) (*Store, error) {
	if path == "" {
		path = ":memory:"
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}
	// One connection: SQLite allows a single writer, and pooled connections
	// would each see their own ":memory:" database.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// migrate applies any unapplied migrations in order.
func (s *Store) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_versions (
        version    INTEGER PRIMARY KEY,
        applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
    )`)
	if err != nil {
		return fmt.Errorf("create schema_versions: %w", err)
	}

	for _, m := range migrations {
		var count int
		if err := s.db.QueryRow(`SELECT COUNT(*) FROM schema_versions WHERE version = ?`, m.version).Scan(&count); err != nil {
			return fmt.Errorf("check migration %d: %w", m.version, err)
		}
		if count > 0 {
			continue
		}

		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("apply migration %d: %w", m.version, err)
		}
		if _, err := s.db.Exec(`INSERT INTO schema_versions(version) VALUES(?)`, m.version); err != nil {
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// InsertSamples appends one batch of metric samples in a single transaction.
func (s *Store) InsertSamples(ctx context.Context, samples []models.MetricSample) error {
	if len(samples) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return utils.NewAppError("store.insert_samples", "begin transaction", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
        INSERT INTO metric_samples(service, metric, value, anomaly, ts)
        VALUES(?,?,?,?,?)
    `)
	if err != nil {
		return utils.NewAppError("store.insert_samples", "prepare insert", err)
	}
	defer stmt.Close()

	for _, sample := range samples {
		if _, err := stmt.ExecContext(ctx,
			sample.Service, sample.Metric, sample.Value, sample.Anomaly, formatTime(sample.Timestamp),
		); err != nil {
			return utils.NewAppError("store.insert_samples", "insert sample", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return utils.NewAppError("store.insert_samples", "commit", err)
	}
	return nil
}

// InsertAnomaly appends one anomaly row.
func (s *Store) InsertAnomaly(ctx context.Context, a models.Anomaly) error {
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO anomalies(service, metric, value, score, severity, method, ts)
        VALUES(?,?,?,?,?,?,?)
    `,
		a.Service, a.Metric, a.Value, a.Score, string(a.Severity), string(a.DetectionMethod), formatTime(a.Timestamp),
	)
	if err != nil {
		return utils.NewAppError("store.insert_anomaly", "insert anomaly", err)
	}
	return nil
}

// InsertRemediation appends one remediation row.
func (s *Store) InsertRemediation(ctx context.Context, r models.RemediationRecord) error {
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO remediations(service, metric, severity, action, action_type, advisory, duration_ms, ts)
        VALUES(?,?,?,?,?,?,?,?)
    `,
		r.Anomaly.Service, r.Anomaly.Metric, string(r.Anomaly.Severity),
		r.Action, string(r.ActionType), r.Advisory, r.DurationSeconds*1000, formatTime(r.Timestamp),
	)
	if err != nil {
		return utils.NewAppError("store.insert_remediation", "insert remediation", err)
	}
	return nil
}

// InsertTrainingRuns appends the rows of one training pass in a single
// transaction. Satisfies the trainer's sink contract.
func (s *Store) InsertTrainingRuns(ctx context.Context, runs []models.TrainingRun) error {
	if len(runs) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return utils.NewAppError("store.insert_training_runs", "begin transaction", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
        INSERT INTO training_runs(run_id, service, metric, samples, mean, std, duration_ms, ts)
        VALUES(?,?,?,?,?,?,?,?)
    `)
	if err != nil {
		return utils.NewAppError("store.insert_training_runs", "prepare insert", err)
	}
	defer stmt.Close()

	for _, run := range runs {
		if _, err := stmt.ExecContext(ctx,
			run.RunID, run.Service, run.Metric, run.Samples, run.Mean, run.Std, run.DurationMS, formatTime(run.TrainedAt),
		); err != nil {
			return utils.NewAppError("store.insert_training_runs", "insert run", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return utils.NewAppError("store.insert_training_runs", "commit", err)
	}
	return nil
}

// formatTime pins the stored timestamp text to RFC3339Nano UTC so readback
// and MIN/MAX comparisons never depend on driver bind behavior.
func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// parseTime copes with the timestamp layouts SQLite hands back.
func parseTime(s string) (time.Time, error) {
	if t, err := utils.ParseRFC3339(s); err == nil {
		return t.UTC(), nil
	}
	layouts := []string{
		time.RFC3339Nano,
		"2006-01-02 15:04:05.999999999-07:00",
		"2006-01-02 15:04:05.999999999Z07:00",
		"2006-01-02 15:04:05-07:00",
		"2006-01-02 15:04:05",
		"2006-01-02T15:04:05",
	}
	for _, l := range layouts {
		if t, err := time.Parse(l, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("cannot parse time %q", s)
}
