package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// OutcomeSuccess labels loop iterations that completed.
	OutcomeSuccess = "success"
	// OutcomeError labels loop iterations that hit an error.
	OutcomeError = "error"
)

var (
	anomaliesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flowmetry",
			Name:      "anomalies_total",
			Help:      "Total number of detected anomalies, partitioned by service and metric.",
		},
		[]string{"service", "metric"},
	)

	remediationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flowmetry",
			Name:      "remediations_total",
			Help:      "Total number of remediation decisions, partitioned by service and action type.",
		},
		[]string{"service", "action_type"},
	)

	serviceMetric = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "flowmetry",
			Name:      "service_metric",
			Help:      "Last generated value per service and metric.",
		},
		[]string{"service", "metric"},
	)

	remediationDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "flowmetry",
			Name:      "remediation_duration_seconds",
			Help:      "Remediation decision latency in seconds.",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"service"},
	)

	modelHealth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "flowmetry",
			Name:      "model_health",
			Help:      "Whether a trained model exists for the service and metric (1 trained, 0 not).",
		},
		[]string{"service", "metric"},
	)

	loopIterationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flowmetry",
			Name:      "loop_iterations_total",
			Help:      "Total pipeline loop iterations, partitioned by outcome.",
		},
		[]string{"outcome"},
	)
)

// Register attaches flowmetry collectors to the supplied Prometheus registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		anomaliesTotal,
		remediationsTotal,
		serviceMetric,
		remediationDurationSeconds,
		modelHealth,
		loopIterationsTotal,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// SetServiceMetric records the latest generated value for a series.
func SetServiceMetric(service, metric string, value float64) {
	serviceMetric.WithLabelValues(service, metric).Set(value)
}

// IncAnomaly counts a detected anomaly.
func IncAnomaly(service, metric string) {
	anomaliesTotal.WithLabelValues(service, metric).Inc()
}

// ObserveRemediation counts a remediation decision and records its latency.
func ObserveRemediation(service, actionType string, duration time.Duration) {
	remediationsTotal.WithLabelValues(service, actionType).Inc()
	if duration < 0 {
		duration = 0
	}
	remediationDurationSeconds.WithLabelValues(service).Observe(duration.Seconds())
}

// SetModelHealth flags whether a trained model exists for a series.
func SetModelHealth(service, metric string, trained bool) {
	value := 0.0
	if trained {
		value = 1.0
	}
	modelHealth.WithLabelValues(service, metric).Set(value)
}

// ObserveLoop records the outcome of one pipeline loop iteration.
func ObserveLoop(outcome string) {
	label := outcome
	if label != OutcomeError {
		label = OutcomeSuccess
	}
	loopIterationsTotal.WithLabelValues(label).Inc()
}
