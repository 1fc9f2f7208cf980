package models

import "time"

// ActionType enumerates the remediation actions the decision engine can pick.
type ActionType string

const (
	ActionScaleUp           ActionType = "scale_up"
	ActionOptimizeQueries   ActionType = "optimize_queries"
	ActionAllocateMemory    ActionType = "allocate_memory"
	ActionGarbageCollection ActionType = "garbage_collection"
	ActionAdjustLogging     ActionType = "adjust_logging"
	ActionRerouteTraffic    ActionType = "reroute_traffic"
	ActionCircuitBreaker    ActionType = "circuit_breaker"
	ActionRestartService    ActionType = "restart_service"
	ActionRateLimiting      ActionType = "rate_limiting"
	// ActionMonitor is the low-impact fallback when no template matches.
	ActionMonitor ActionType = "monitor"
)

// RemediationRecord is the outcome of one remediation decision. Records flow
// over the "remediation" topic; the anomaly is embedded by value so the
// record stays self-describing after the anomaly leaves the tails.
type RemediationRecord struct {
	Anomaly         Anomaly    `json:"anomaly"`
	Action          string     `json:"action"`
	ActionType      ActionType `json:"action_type"`
	Advisory        string     `json:"advisory,omitempty"`
	AdvisoryCached  bool       `json:"advisory_cached,omitempty"`
	Timestamp       time.Time  `json:"timestamp"`
	DurationSeconds float64    `json:"duration_seconds"`
}

// AdvisoryResult carries the outcome of an advisory lookup. Exactly one of
// Text or Err is meaningful; Cached reports whether Text was served from the
// cache rather than the model.
type AdvisoryResult struct {
	Text   string
	Cached bool
	Err    error
}
