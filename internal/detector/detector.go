// Package detector trains per-series isolation forests and classifies
// incoming samples. Untrained series degrade to a statistical z-score check
// over recent history, then to a baseline deviation check.
package detector

import (
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/flowmetry/flowmetry/internal/models"
)

// History kept per series for the statistical fallback.
const historyCap = 100

// SeverityThresholds map z-scores onto severities.
type SeverityThresholds struct {
	Low    float64
	Medium float64
	High   float64
}

// Config controls training and scoring.
type Config struct {
	MinSamples    int
	Contamination float64
	Trees         int
	SubsampleSize int
	MaxDepth      int
	Thresholds    SeverityThresholds
	Seed          int64
}

// model is one trained series: a fitted forest plus training statistics.
type model struct {
	forest    *Forest
	mean      float64
	std       float64
	samples   int
	trainedAt time.Time
}

// ModelInfo describes one trained series for the registry surface.
type ModelInfo struct {
	Service   string    `json:"service"`
	Metric    string    `json:"metric"`
	Samples   int       `json:"samples"`
	Mean      float64   `json:"mean"`
	Std       float64   `json:"std"`
	TrainedAt time.Time `json:"trained_at"`
}

// TrainSummary reports one training pass. Models lists only the series
// fitted in this pass, not the whole registry.
type TrainSummary struct {
	Trained int
	Skipped int
	Models  []ModelInfo
}

// Detector owns the model map and per-series history.
type Detector struct {
	mu        sync.RWMutex
	cfg       Config
	models    map[string]*model
	history   map[string][]float64
	baselines map[string]map[string]float64
	seedSeq   *atomic.Int64
	logger    *slog.Logger
}

// New creates a detector. Baselines back the last-resort deviation check
// and may be nil.
func New(cfg Config, baselines map[string]map[string]float64, logger *slog.Logger) *Detector {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = 10
	}
	if cfg.Contamination <= 0 || cfg.Contamination >= 1 {
		cfg.Contamination = 0.1
	}
	if cfg.Trees <= 0 {
		cfg.Trees = 100
	}
	if cfg.SubsampleSize <= 0 {
		cfg.SubsampleSize = 256
	}
	if cfg.Thresholds == (SeverityThresholds{}) {
		cfg.Thresholds = SeverityThresholds{Low: 0.8, Medium: 1.5, High: 2.5}
	}

	return &Detector{
		cfg:       cfg,
		models:    make(map[string]*model),
		history:   make(map[string][]float64),
		baselines: baselines,
		seedSeq:   atomic.NewInt64(cfg.Seed),
		logger:    logger.With("component", "detector"),
	}
}

// Train fits one model per (service, metric) group carrying at least
// MinSamples values. Smaller groups are skipped and logged. Existing models
// are replaced whole.
func (d *Detector) Train(samples []models.MetricSample) TrainSummary {
	groups := models.GroupByPair(samples)

	keys := make([]string, 0, len(groups))
	for key := range groups {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	summary := TrainSummary{}
	fitted := make(map[string]*model, len(groups))
	for _, key := range keys {
		group := groups[key]
		if len(group) < d.cfg.MinSamples {
			d.logger.Debug("skipping series with insufficient samples",
				"series", key, "samples", len(group), "min", d.cfg.MinSamples)
			summary.Skipped++
			continue
		}

		values := make([]float64, len(group))
		for i, s := range group {
			values[i] = s.Value
		}

		forest := NewForest(d.cfg.Trees, d.cfg.SubsampleSize, d.cfg.MaxDepth, d.nextSeed())
		if err := forest.Fit(values, d.cfg.Contamination); err != nil {
			d.logger.Error("fit failed", "series", key, "error", err)
			summary.Skipped++
			continue
		}

		mean, std := meanStd(values)
		fitted[key] = &model{
			forest:    forest,
			mean:      mean,
			std:       std,
			samples:   len(values),
			trainedAt: time.Now(),
		}
		summary.Trained++
	}

	d.mu.Lock()
	for key, m := range fitted {
		d.models[key] = m
	}
	d.mu.Unlock()

	for _, key := range keys {
		m, ok := fitted[key]
		if !ok {
			continue
		}
		service, metric := splitPairKey(key)
		summary.Models = append(summary.Models, ModelInfo{
			Service:   service,
			Metric:    metric,
			Samples:   m.samples,
			Mean:      m.mean,
			Std:       m.std,
			TrainedAt: m.trainedAt,
		})
	}

	d.logger.Info("training pass complete", "trained", summary.Trained, "skipped", summary.Skipped)
	return summary
}

// Detect classifies the latest sample of every series in the batch. Each
// series is evaluated independently; a scoring failure on one never affects
// the others.
func (d *Detector) Detect(batch []models.MetricSample) []models.Anomaly {
	latest := models.LatestByPair(batch)

	keys := make([]string, 0, len(latest))
	for key := range latest {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var anomalies []models.Anomaly
	for _, key := range keys {
		sample := latest[key]
		if a, ok := d.evaluate(sample); ok {
			anomalies = append(anomalies, a)
			d.logger.Info("detected anomaly",
				"service", a.Service,
				"metric", a.Metric,
				"value", a.Value,
				"severity", a.Severity,
				"method", a.DetectionMethod)
		}
		d.remember(key, sample.Value)
	}
	return anomalies
}

// evaluate runs the detection chain for one sample, isolating panics so a
// bad series cannot poison the batch.
func (d *Detector) evaluate(sample models.MetricSample) (anomaly models.Anomaly, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("detection failed", "series", sample.PairKey(), "panic", r)
			ok = false
		}
	}()

	d.mu.RLock()
	m := d.models[sample.PairKey()]
	history := d.history[sample.PairKey()]
	d.mu.RUnlock()

	switch {
	case m != nil:
		return d.modelVerdict(sample, m)
	case len(history) >= 3:
		return d.statisticalVerdict(sample, history)
	default:
		return d.baselineVerdict(sample)
	}
}

// modelVerdict asks the fitted forest, then grades severity from the
// z-score against training statistics. Severity depends only on the
// distance from the mean, never on the forest score.
func (d *Detector) modelVerdict(sample models.MetricSample, m *model) (models.Anomaly, bool) {
	if !m.forest.IsAnomaly(sample.Value) {
		return models.Anomaly{}, false
	}

	severity := models.SeverityMedium
	if !math.IsNaN(m.std) && m.samples > 0 {
		z := 0.0
		if m.std > 0 {
			z = math.Abs(sample.Value-m.mean) / m.std
		}
		severity = d.severityFromZ(z)
	}

	return models.Anomaly{
		Service:         sample.Service,
		Metric:          sample.Metric,
		Value:           sample.Value,
		Score:           m.forest.Score(sample.Value),
		Severity:        severity,
		Timestamp:       sample.Timestamp,
		DetectionMethod: models.DetectionIsolationForest,
	}, true
}

// statisticalVerdict flags values whose z-score over recent history clears
// the low threshold. A zero or undefined spread falls back to a tenth of
// the mean so constant history still yields a usable scale.
func (d *Detector) statisticalVerdict(sample models.MetricSample, history []float64) (models.Anomaly, bool) {
	mean, std := meanStd(history)
	if std == 0 || math.IsNaN(std) {
		if mean > 0 {
			std = 0.1 * mean
		} else {
			std = 1.0
		}
	}

	z := math.Abs(sample.Value-mean) / std
	if z <= d.cfg.Thresholds.Low {
		return models.Anomaly{}, false
	}

	return models.Anomaly{
		Service:         sample.Service,
		Metric:          sample.Metric,
		Value:           sample.Value,
		Score:           z,
		Severity:        d.severityFromZ(z),
		Timestamp:       sample.Timestamp,
		DetectionMethod: models.DetectionStatistical,
	}, true
}

// baselineVerdict flags values deviating more than 30% from the configured
// baseline: above 50% grades high, above 40% medium, else low.
func (d *Detector) baselineVerdict(sample models.MetricSample) (models.Anomaly, bool) {
	byMetric, ok := d.baselines[sample.Service]
	if !ok {
		return models.Anomaly{}, false
	}
	baseline, ok := byMetric[sample.Metric]
	if !ok || baseline == 0 {
		return models.Anomaly{}, false
	}

	deviation := math.Abs(sample.Value-baseline) / baseline
	if deviation <= 0.3 {
		return models.Anomaly{}, false
	}

	severity := models.SeverityLow
	if deviation > 0.5 {
		severity = models.SeverityHigh
	} else if deviation > 0.4 {
		severity = models.SeverityMedium
	}

	return models.Anomaly{
		Service:         sample.Service,
		Metric:          sample.Metric,
		Value:           sample.Value,
		Score:           deviation,
		Severity:        severity,
		Timestamp:       sample.Timestamp,
		DetectionMethod: models.DetectionBaseline,
	}, true
}

func (d *Detector) severityFromZ(z float64) models.Severity {
	switch {
	case z > d.cfg.Thresholds.High:
		return models.SeverityHigh
	case z > d.cfg.Thresholds.Medium:
		return models.SeverityMedium
	default:
		return models.SeverityLow
	}
}

// remember appends a value to the bounded per-series history.
func (d *Detector) remember(key string, value float64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	h := append(d.history[key], value)
	if len(h) > historyCap {
		h = h[len(h)-historyCap:]
	}
	d.history[key] = h
}

// ModelCount returns the number of trained series.
func (d *Detector) ModelCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.models)
}

// HasModel reports whether a series has a trained model.
func (d *Detector) HasModel(service, metric string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.models[models.PairKey(service, metric)]
	return ok
}

// Models snapshots the registry sorted by series key.
func (d *Detector) Models() []ModelInfo {
	d.mu.RLock()
	defer d.mu.RUnlock()

	infos := make([]ModelInfo, 0, len(d.models))
	for key, m := range d.models {
		service, metric := splitPairKey(key)
		infos = append(infos, ModelInfo{
			Service:   service,
			Metric:    metric,
			Samples:   m.samples,
			Mean:      m.mean,
			Std:       m.std,
			TrainedAt: m.trainedAt,
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].Service != infos[j].Service {
			return infos[i].Service < infos[j].Service
		}
		return infos[i].Metric < infos[j].Metric
	})
	return infos
}

// nextSeed derives a distinct deterministic seed per fitted forest when the
// detector itself was seeded, and zero (time-based) otherwise.
func (d *Detector) nextSeed() int64 {
	if d.cfg.Seed == 0 {
		return 0
	}
	return d.seedSeq.Inc()
}

func meanStd(values []float64) (float64, float64) {
	if len(values) == 0 {
		return 0, 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(len(values))

	variance := 0.0
	for _, v := range values {
		diff := v - mean
		variance += diff * diff
	}
	variance /= float64(len(values))
	return mean, math.Sqrt(variance)
}

func splitPairKey(key string) (string, string) {
	for i := 0; i < len(key); i++ {
		if key[i] == ':' {
			return key[:i], key[i+1:]
		}
	}
	return key, ""
}
