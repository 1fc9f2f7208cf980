package models

import "time"

// Severity captures anomaly impact levels.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// DetectionMethod enumerates how an anomaly verdict was produced.
type DetectionMethod string

const (
	// DetectionIsolationForest marks verdicts from a fitted forest model.
	DetectionIsolationForest DetectionMethod = "isolation_forest"
	// DetectionStatistical marks verdicts from the z-score fallback.
	DetectionStatistical DetectionMethod = "statistical"
	// DetectionBaseline marks verdicts from the baseline deviation fallback.
	DetectionBaseline DetectionMethod = "baseline"
)

// Anomaly is a flagged observation on one (service, metric) series. Anomalies
// flow over the "anomalies" topic and drive remediation.
type Anomaly struct {
	Service         string          `json:"service"`
	Metric          string          `json:"metric"`
	Value           float64         `json:"value"`
	Score           float64         `json:"score"`
	Severity        Severity        `json:"severity"`
	Timestamp       time.Time       `json:"timestamp"`
	DetectionMethod DetectionMethod `json:"detection_method"`
}

// PairKey identifies the (service, metric) series the anomaly belongs to.
func (a Anomaly) PairKey() string {
	return PairKey(a.Service, a.Metric)
}
