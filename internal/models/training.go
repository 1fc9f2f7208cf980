package models

import "time"

// TrainingRun records one (service, metric) series fitted during a training
// pass. Rows share the RunID of the pass that produced them.
type TrainingRun struct {
	RunID      string    `json:"run_id"`
	Service    string    `json:"service"`
	Metric     string    `json:"metric"`
	Samples    int       `json:"samples"`
	Mean       float64   `json:"mean"`
	Std        float64   `json:"std"`
	DurationMS int64     `json:"duration_ms"`
	TrainedAt  time.Time `json:"trained_at"`
}
