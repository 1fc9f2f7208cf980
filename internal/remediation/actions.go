// Package remediation decides and describes corrective actions for detected
// anomalies. The decision engine renders an action from the (metric, severity)
// catalog, optionally attaches an advisory suggestion, and emits a
// RemediationRecord. Applying an action is simulated by a separate
// collaborator so the decision path stays fast.
package remediation

import (
	"strings"

	"github.com/flowmetry/flowmetry/internal/models"
)

// catalogEntry couples an action template with its machine-readable type.
// Templates carry a {service} placeholder resolved at decision time.
type catalogEntry struct {
	actionType models.ActionType
	template   string
}

// fallbackEntry covers every (metric, severity) combination the catalog does
// not. The decision engine never returns an empty action.
var fallbackEntry = catalogEntry{
	actionType: models.ActionMonitor,
	template:   "Monitor {service} for further issues",
}

var catalog = map[string]map[models.Severity]catalogEntry{
	"cpu_usage": {
		models.SeverityHigh:   {models.ActionScaleUp, "Scale up {service} by 50%"},
		models.SeverityMedium: {models.ActionScaleUp, "Scale up {service} by 20%"},
		models.SeverityLow:    {models.ActionOptimizeQueries, "Optimize database queries for {service}"},
	},
	"memory_usage": {
		models.SeverityHigh:   {models.ActionAllocateMemory, "Allocate 512MB more memory to {service}"},
		models.SeverityMedium: {models.ActionGarbageCollection, "Trigger garbage collection on {service}"},
		models.SeverityLow:    {models.ActionAdjustLogging, "Adjust logging level to INFO for {service}"},
	},
	"response_time": {
		models.SeverityHigh:   {models.ActionRerouteTraffic, "Reroute traffic away from {service}"},
		models.SeverityMedium: {models.ActionOptimizeQueries, "Optimize database queries for {service}"},
		models.SeverityLow:    {models.ActionAdjustLogging, "Adjust logging level to DEBUG for {service}"},
	},
	"error_rate": {
		models.SeverityHigh:   {models.ActionCircuitBreaker, "Enable circuit breaker for {service}"},
		models.SeverityMedium: {models.ActionRestartService, "Restart {service}"},
		models.SeverityLow:    {models.ActionAdjustLogging, "Adjust logging level to DEBUG for {service}"},
	},
	"request_count": {
		models.SeverityHigh:   {models.ActionRateLimiting, "Enable rate limiting at 1000 RPS for {service}"},
		models.SeverityMedium: {models.ActionRerouteTraffic, "Reroute traffic away from {service}"},
		models.SeverityLow:    {models.ActionAdjustLogging, "Adjust logging level to INFO for {service}"},
	},
}

// Decide resolves the corrective action for an anomaly. Unknown metrics or
// severities fall back to the monitor action.
func Decide(a models.Anomaly) (models.ActionType, string) {
	entry := fallbackEntry
	if bySeverity, ok := catalog[a.Metric]; ok {
		if e, ok := bySeverity[a.Severity]; ok {
			entry = e
		}
	}
	return entry.actionType, renderTemplate(entry.template, a.Service)
}

func renderTemplate(template, service string) string {
	return strings.ReplaceAll(template, "{service}", service)
}
