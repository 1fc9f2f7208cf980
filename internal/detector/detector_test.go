package detector

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/flowmetry/flowmetry/internal/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() Config {
	return Config{
		MinSamples:    10,
		Contamination: 0.1,
		Trees:         100,
		SubsampleSize: 256,
		Thresholds:    SeverityThresholds{Low: 0.8, Medium: 1.5, High: 2.5},
		Seed:          7,
	}
}

// seriesSamples builds n samples for one series clustered around center.
func seriesSamples(service, metric string, center float64, n int) []models.MetricSample {
	samples := make([]models.MetricSample, n)
	base := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	for i := range samples {
		offset := float64(i%9-4) / 4.0
		samples[i] = models.MetricSample{
			Service:   service,
			Metric:    metric,
			Value:     center + offset,
			Timestamp: base.Add(time.Duration(i) * time.Second),
		}
	}
	return samples
}

func TestTrainGateOnMinSamples(t *testing.T) {
	d := New(testConfig(), nil, testLogger())

	summary := d.Train(seriesSamples("api-gateway", "cpu_usage", 30, 9))
	if summary.Trained != 0 || summary.Skipped != 1 {
		t.Fatalf("expected 0 trained 1 skipped, got %+v", summary)
	}
	if d.ModelCount() != 0 {
		t.Fatalf("expected no models with 9 samples, got %d", d.ModelCount())
	}

	summary = d.Train(seriesSamples("api-gateway", "cpu_usage", 30, 10))
	if summary.Trained != 1 || summary.Skipped != 0 {
		t.Fatalf("expected 1 trained 0 skipped, got %+v", summary)
	}
	if !d.HasModel("api-gateway", "cpu_usage") {
		t.Fatal("expected model after 10 samples")
	}
}

func TestDetectFlagsInjectedSpike(t *testing.T) {
	d := New(testConfig(), nil, testLogger())
	d.Train(seriesSamples("api-gateway", "cpu_usage", 30, 100))

	batch := []models.MetricSample{
		{Service: "api-gateway", Metric: "cpu_usage", Value: 30.2, Timestamp: time.Now()},
		{Service: "api-gateway", Metric: "cpu_usage", Value: 90, Timestamp: time.Now(), Anomaly: true},
	}
	anomalies := d.Detect(batch)
	if len(anomalies) != 1 {
		t.Fatalf("expected 1 anomaly, got %d", len(anomalies))
	}

	a := anomalies[0]
	if a.DetectionMethod != models.DetectionIsolationForest {
		t.Fatalf("expected isolation_forest method, got %s", a.DetectionMethod)
	}
	if a.Severity != models.SeverityHigh {
		t.Fatalf("expected high severity for a 60-point spike, got %s", a.Severity)
	}
	if a.Value != 90 {
		t.Fatalf("expected latest value 90 evaluated, got %v", a.Value)
	}
	if a.Score <= 0.5 {
		t.Fatalf("expected score above 0.5, got %v", a.Score)
	}
}

func TestDetectQuietOnNormalValues(t *testing.T) {
	d := New(testConfig(), nil, testLogger())
	d.Train(seriesSamples("api-gateway", "cpu_usage", 30, 100))

	batch := []models.MetricSample{
		{Service: "api-gateway", Metric: "cpu_usage", Value: 30, Timestamp: time.Now()},
	}
	if anomalies := d.Detect(batch); len(anomalies) != 0 {
		t.Fatalf("expected no anomalies for the training mean, got %+v", anomalies)
	}
}

func TestSeverityFromTrainingStats(t *testing.T) {
	d := New(testConfig(), nil, testLogger())
	d.Train(seriesSamples("api-gateway", "cpu_usage", 30, 100))

	// Pin the training statistics so the z-score is exact: |60-30|/3 = 10.
	d.mu.Lock()
	m := d.models[models.PairKey("api-gateway", "cpu_usage")]
	m.mean = 30
	m.std = 3
	d.mu.Unlock()

	batch := []models.MetricSample{
		{Service: "api-gateway", Metric: "cpu_usage", Value: 60, Timestamp: time.Now()},
	}
	anomalies := d.Detect(batch)
	if len(anomalies) != 1 {
		t.Fatalf("expected 1 anomaly, got %d", len(anomalies))
	}
	if anomalies[0].Severity != models.SeverityHigh {
		t.Fatalf("z-score 10 must grade high, got %s", anomalies[0].Severity)
	}
}

func TestSeverityMonotonicInZ(t *testing.T) {
	d := New(testConfig(), nil, testLogger())

	rank := map[models.Severity]int{
		models.SeverityLow:    0,
		models.SeverityMedium: 1,
		models.SeverityHigh:   2,
	}

	last := -1
	for _, z := range []float64{0, 0.5, 1.0, 1.6, 2.0, 2.6, 5, 10} {
		r := rank[d.severityFromZ(z)]
		if r < last {
			t.Fatalf("severity rank decreased at z=%v", z)
		}
		last = r
	}

	if d.severityFromZ(3) != models.SeverityHigh {
		t.Fatal("z above high threshold must grade high")
	}
	if d.severityFromZ(2) != models.SeverityMedium {
		t.Fatal("z above medium threshold must grade medium")
	}
	if d.severityFromZ(1) != models.SeverityLow {
		t.Fatal("z below medium threshold must grade low")
	}
	if d.severityFromZ(0) != models.SeverityLow {
		t.Fatal("zero z must grade low")
	}
}

func TestStatisticalFallbackWithoutModel(t *testing.T) {
	d := New(testConfig(), nil, testLogger())

	// Build three cycles of history for the series.
	for i := 0; i < 3; i++ {
		d.Detect([]models.MetricSample{
			{Service: "db", Metric: "response_time", Value: 100, Timestamp: time.Now()},
		})
	}

	anomalies := d.Detect([]models.MetricSample{
		{Service: "db", Metric: "response_time", Value: 200, Timestamp: time.Now()},
	})
	if len(anomalies) != 1 {
		t.Fatalf("expected statistical anomaly, got %d", len(anomalies))
	}
	a := anomalies[0]
	if a.DetectionMethod != models.DetectionStatistical {
		t.Fatalf("expected statistical method, got %s", a.DetectionMethod)
	}
	// Constant history forces the std guard: std = 0.1*mean = 10, z = 10.
	if a.Severity != models.SeverityHigh {
		t.Fatalf("expected high severity, got %s", a.Severity)
	}
}

func TestStatisticalFallbackQuietOnSmallDeviation(t *testing.T) {
	d := New(testConfig(), nil, testLogger())

	for i := 0; i < 3; i++ {
		d.Detect([]models.MetricSample{
			{Service: "db", Metric: "response_time", Value: 100, Timestamp: time.Now()},
		})
	}

	// z = |105-100|/10 = 0.5, below the low threshold.
	anomalies := d.Detect([]models.MetricSample{
		{Service: "db", Metric: "response_time", Value: 105, Timestamp: time.Now()},
	})
	if len(anomalies) != 0 {
		t.Fatalf("expected no anomaly at z=0.5, got %+v", anomalies)
	}
}

func TestBaselineFallbackGrading(t *testing.T) {
	baselines := map[string]map[string]float64{
		"api-gateway": {"cpu_usage": 100},
	}

	cases := []struct {
		value    float64
		flagged  bool
		severity models.Severity
	}{
		{value: 120, flagged: false},
		{value: 135, flagged: true, severity: models.SeverityLow},
		{value: 145, flagged: true, severity: models.SeverityMedium},
		{value: 170, flagged: true, severity: models.SeverityHigh},
	}

	for _, tc := range cases {
		d := New(testConfig(), baselines, testLogger())
		anomalies := d.Detect([]models.MetricSample{
			{Service: "api-gateway", Metric: "cpu_usage", Value: tc.value, Timestamp: time.Now()},
		})
		if !tc.flagged {
			if len(anomalies) != 0 {
				t.Fatalf("value %v: expected quiet, got %+v", tc.value, anomalies)
			}
			continue
		}
		if len(anomalies) != 1 {
			t.Fatalf("value %v: expected baseline anomaly, got %d", tc.value, len(anomalies))
		}
		if anomalies[0].DetectionMethod != models.DetectionBaseline {
			t.Fatalf("value %v: expected baseline method, got %s", tc.value, anomalies[0].DetectionMethod)
		}
		if anomalies[0].Severity != tc.severity {
			t.Fatalf("value %v: expected %s severity, got %s", tc.value, tc.severity, anomalies[0].Severity)
		}
	}
}

func TestDetectIsolatesFailingSeries(t *testing.T) {
	d := New(testConfig(), nil, testLogger())
	d.Train(seriesSamples("api-gateway", "cpu_usage", 30, 100))

	// A corrupt model must not poison the rest of the batch.
	d.mu.Lock()
	d.models["broken:metric"] = &model{forest: nil}
	d.mu.Unlock()

	batch := []models.MetricSample{
		{Service: "broken", Metric: "metric", Value: 1, Timestamp: time.Now()},
		{Service: "api-gateway", Metric: "cpu_usage", Value: 90, Timestamp: time.Now()},
	}
	anomalies := d.Detect(batch)
	if len(anomalies) != 1 {
		t.Fatalf("expected healthy series still detected, got %d anomalies", len(anomalies))
	}
	if anomalies[0].Service != "api-gateway" {
		t.Fatalf("unexpected anomaly source: %+v", anomalies[0])
	}
}

func TestModelsRegistry(t *testing.T) {
	d := New(testConfig(), nil, testLogger())

	samples := append(
		seriesSamples("api-gateway", "cpu_usage", 30, 20),
		seriesSamples("database", "response_time", 50, 20)...,
	)
	d.Train(samples)

	infos := d.Models()
	if len(infos) != 2 {
		t.Fatalf("expected 2 models, got %d", len(infos))
	}
	if infos[0].Service != "api-gateway" || infos[1].Service != "database" {
		t.Fatalf("registry not sorted: %+v", infos)
	}
	for _, info := range infos {
		if info.Samples != 20 {
			t.Fatalf("expected 20 samples recorded, got %d", info.Samples)
		}
		if info.TrainedAt.IsZero() {
			t.Fatal("expected trained_at set")
		}
		if info.Std <= 0 {
			t.Fatalf("expected positive std for noisy series, got %v", info.Std)
		}
	}
}

func TestRetrainReplacesModel(t *testing.T) {
	d := New(testConfig(), nil, testLogger())

	d.Train(seriesSamples("api-gateway", "cpu_usage", 30, 20))
	first := d.Models()[0]

	d.Train(seriesSamples("api-gateway", "cpu_usage", 80, 40))
	second := d.Models()[0]

	if d.ModelCount() != 1 {
		t.Fatalf("retrain must replace, not add: %d models", d.ModelCount())
	}
	if second.Samples != 40 {
		t.Fatalf("expected replaced model with 40 samples, got %d", second.Samples)
	}
	if second.Mean <= first.Mean {
		t.Fatalf("expected mean to move with new data: %v -> %v", first.Mean, second.Mean)
	}
}
