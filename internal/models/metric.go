package models

import (
	"fmt"
	"time"
)

// MetricSample is one observation of a service metric. Samples flow over the
// "metrics" topic and feed model training and detection.
type MetricSample struct {
	Service   string    `json:"service"`
	Metric    string    `json:"metric"`
	Value     float64   `json:"value"`
	Timestamp time.Time `json:"timestamp"`
	Anomaly   bool      `json:"anomaly"`
}

// PairKey identifies the (service, metric) series a sample belongs to.
func (s MetricSample) PairKey() string {
	return PairKey(s.Service, s.Metric)
}

// PairKey builds the canonical series key for a service and metric.
func PairKey(service, metric string) string {
	return fmt.Sprintf("%s:%s", service, metric)
}

// GroupByPair buckets samples per (service, metric) series, preserving
// arrival order within each bucket.
func GroupByPair(samples []MetricSample) map[string][]MetricSample {
	groups := make(map[string][]MetricSample)
	for _, s := range samples {
		key := s.PairKey()
		groups[key] = append(groups[key], s)
	}
	return groups
}

// LatestByPair keeps the last sample seen per (service, metric) series.
func LatestByPair(samples []MetricSample) map[string]MetricSample {
	latest := make(map[string]MetricSample)
	for _, s := range samples {
		latest[s.PairKey()] = s
	}
	return latest
}
