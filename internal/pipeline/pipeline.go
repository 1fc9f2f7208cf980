// Package pipeline wires the generator, bus, detector, and remediation
// engine into the monitoring loop and exposes its runtime state to the API.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"time"

	"go.uber.org/atomic"

	"github.com/flowmetry/flowmetry/internal/aggregator"
	"github.com/flowmetry/flowmetry/internal/bus"
	"github.com/flowmetry/flowmetry/internal/detector"
	"github.com/flowmetry/flowmetry/internal/generator"
	"github.com/flowmetry/flowmetry/internal/metrics"
	"github.com/flowmetry/flowmetry/internal/models"
	"github.com/flowmetry/flowmetry/internal/remediation"
	"github.com/flowmetry/flowmetry/internal/store"
	"github.com/flowmetry/flowmetry/internal/utils"
)

// Topic names for the three pipeline streams.
const (
	TopicMetrics     = "metrics"
	TopicAnomalies   = "anomalies"
	TopicRemediation = "remediation"
)

// Consumer group names, one worker each.
const (
	GroupMetricsProcessor  = "metrics_processor"
	GroupAnomalyDetector   = "anomaly_detector"
	GroupRemediationEngine = "remediation_engine"
)

// Topics lists every stream the pipeline publishes on, in flow order.
func Topics() []string {
	return []string{TopicMetrics, TopicAnomalies, TopicRemediation}
}

// Config tunes the monitoring loop.
type Config struct {
	// Interval separates monitoring cycles.
	Interval time.Duration
	// BootstrapBatches is how many batches seed the initial training set.
	BootstrapBatches int
	// RetrainProbability is the per-cycle chance of a retrain pass. Zero
	// disables retraining.
	RetrainProbability float64
	// MinRetrainSamples gates retraining until the metrics tail holds at
	// least this many samples.
	MinRetrainSamples int
	// WindowSize is the tumbling window length for both aggregations.
	WindowSize int
	// Tail caps for the three streams.
	MetricsTail      int
	AnomaliesTail    int
	RemediationsTail int
	// Seed fixes the retrain coin for reproducible runs. Zero seeds from
	// the clock.
	Seed int64
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 5 * time.Second
	}
	if c.BootstrapBatches <= 0 {
		c.BootstrapBatches = 20
	}
	if c.MinRetrainSamples <= 0 {
		c.MinRetrainSamples = 10
	}
	if c.WindowSize <= 0 {
		c.WindowSize = 5
	}
	if c.MetricsTail <= 0 {
		c.MetricsTail = 1000
	}
	if c.AnomaliesTail <= 0 {
		c.AnomaliesTail = 100
	}
	if c.RemediationsTail <= 0 {
		c.RemediationsTail = 100
	}
	return c
}

// Pipeline owns the monitoring loop: generate, publish, detect, remediate,
// retrain. The store is advisory; a nil store or failed write never stops
// the loop. A nil simulator skips action simulation.
type Pipeline struct {
	cfg    Config
	logger *slog.Logger

	bus       *bus.Bus
	generator *generator.Generator
	detector  *detector.Detector
	trainer   *detector.Trainer
	evaluator *detector.Evaluator
	engine    *remediation.Engine
	simulator *remediation.ActionSimulator
	agg       *aggregator.Aggregator
	store     *store.Store

	metricsTail      *Tail[models.MetricSample]
	anomaliesTail    *Tail[models.Anomaly]
	remediationsTail *Tail[models.RemediationRecord]
	latency          *utils.LatencyTracker

	rng       *rand.Rand
	running   *atomic.Bool
	cycles    *atomic.Int64
	startedAt time.Time
}

// New wires a pipeline. bus, gen, det, and trainer must be non-nil; the
// evaluator, engine, simulator, aggregator, and store may be nil.
func New(
	cfg Config,
	logger *slog.Logger,
	b *bus.Bus,
	gen *generator.Generator,
	det *detector.Detector,
	trainer *detector.Trainer,
	eval *detector.Evaluator,
	eng *remediation.Engine,
	sim *remediation.ActionSimulator,
	agg *aggregator.Aggregator,
	st *store.Store,
) *Pipeline {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	if eval == nil {
		eval = detector.NewEvaluator()
	}
	if eng == nil {
		eng = remediation.NewEngine(nil, nil, logger)
	}

	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	return &Pipeline{
		cfg:              cfg,
		logger:           logger.With("component", "pipeline"),
		bus:              b,
		generator:        gen,
		detector:         det,
		trainer:          trainer,
		evaluator:        eval,
		engine:           eng,
		simulator:        sim,
		agg:              agg,
		store:            st,
		metricsTail:      NewTail[models.MetricSample](cfg.MetricsTail),
		anomaliesTail:    NewTail[models.Anomaly](cfg.AnomaliesTail),
		remediationsTail: NewTail[models.RemediationRecord](cfg.RemediationsTail),
		latency:          utils.NewLatencyTracker(0),
		rng:              rand.New(rand.NewSource(seed)),
		running:          atomic.NewBool(false),
		cycles:           atomic.NewInt64(0),
		startedAt:        time.Now(),
	}
}

// Bootstrap seeds the system: collect initial batches, train the first
// models, register the aggregation windows, and start the consumer groups.
// Bootstrap publishes happen before any group subscribes, so they count on
// the topic but reach no consumer, matching the produce-after-train flow.
func (p *Pipeline) Bootstrap(ctx context.Context) error {
	pause := p.cfg.Interval / 10
	if pause <= 0 {
		pause = 100 * time.Millisecond
	}

	p.logger.Info("collecting initial training data", "batches", p.cfg.BootstrapBatches)
	var initial []models.MetricSample
	for i := 0; i < p.cfg.BootstrapBatches; i++ {
		batch := p.generator.Generate()
		for _, sample := range batch {
			if err := p.bus.Publish(TopicMetrics, sample); err != nil {
				return err
			}
			metrics.SetServiceMetric(sample.Service, sample.Metric, sample.Value)
		}
		p.persistSamples(ctx, batch)
		initial = append(initial, batch...)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pause):
		}
	}
	p.logger.Info("initial data collected", "samples", len(initial))

	report := p.trainer.Run(ctx, initial)
	p.syncModelHealth()
	p.logger.Info("initial training complete",
		"run_id", report.RunID,
		"trained", report.Trained,
		"skipped", report.Skipped)

	if err := p.registerWindows(); err != nil {
		return err
	}
	return p.subscribe()
}

// Run drives the monitoring loop until ctx is cancelled. Cycle errors are
// logged and followed by a short pause, never fatal.
func (p *Pipeline) Run(ctx context.Context) {
	p.running.Store(true)
	defer p.running.Store(false)

	p.logger.Info("monitoring loop started", "interval", p.cfg.Interval)
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("monitoring loop stopped", "cycles", p.cycles.Load())
			return
		default:
		}

		if err := p.cycle(ctx); err != nil {
			p.logger.Error("monitoring cycle failed", "error", err)
			metrics.ObserveLoop(metrics.OutcomeError)
			p.pause(ctx, time.Second)
			continue
		}
		metrics.ObserveLoop(metrics.OutcomeSuccess)
		p.pause(ctx, p.cfg.Interval)
	}
}

// cycle runs one generate → publish → detect → remediate pass.
func (p *Pipeline) cycle(ctx context.Context) error {
	p.cycles.Inc()

	batch := p.generator.Generate()
	for _, sample := range batch {
		if err := p.bus.Publish(TopicMetrics, sample); err != nil {
			return err
		}
		metrics.SetServiceMetric(sample.Service, sample.Metric, sample.Value)
	}
	p.persistSamples(ctx, batch)

	if len(batch) > 0 {
		anomalies := p.detector.Detect(batch)
		p.recordPredictions(batch, anomalies)

		for _, anomaly := range anomalies {
			metrics.IncAnomaly(anomaly.Service, anomaly.Metric)
			if err := p.bus.Publish(TopicAnomalies, anomaly); err != nil {
				return err
			}
			if p.store != nil {
				if err := p.store.InsertAnomaly(ctx, anomaly); err != nil {
					p.logger.Warn("anomaly persistence failed", "error", err)
				}
			}
			p.remediate(ctx, anomaly)
		}
	}

	p.maybeRetrain(ctx)
	return nil
}

// remediate runs the decision engine for one anomaly and publishes the
// outcome. Simulation happens on the remediation consumer, not here, so
// action delays never stall the loop.
func (p *Pipeline) remediate(ctx context.Context, anomaly models.Anomaly) {
	start := time.Now()
	record := p.engine.Remediate(ctx, anomaly)
	elapsed := time.Since(start)

	p.latency.Observe(elapsed)
	metrics.ObserveRemediation(record.Anomaly.Service, string(record.ActionType), elapsed)
	if count := p.latency.Count(); count >= 20 && count%20 == 0 {
		p.logger.Info("remediation latency", "p95", p.latency.Percentile(95), "samples", count)
	}

	if err := p.bus.Publish(TopicRemediation, record); err != nil {
		p.logger.Error("remediation publish failed", "error", err)
	}
	if p.store != nil {
		if err := p.store.InsertRemediation(ctx, record); err != nil {
			p.logger.Warn("remediation persistence failed", "error", err)
		}
	}
}

// recordPredictions scores the detector against the generator's injection
// flags: a series counts as predicted anomalous when any sample of the
// batch was flagged for it.
func (p *Pipeline) recordPredictions(batch []models.MetricSample, anomalies []models.Anomaly) {
	flagged := make(map[string]bool, len(anomalies))
	for _, anomaly := range anomalies {
		flagged[anomaly.PairKey()] = true
	}
	for _, sample := range batch {
		p.evaluator.RecordPrediction(flagged[sample.PairKey()], sample.Anomaly)
	}
}

// maybeRetrain flips the retrain coin and, on success, retrains over the
// current metrics tail when it holds enough samples.
func (p *Pipeline) maybeRetrain(ctx context.Context) {
	if p.cfg.RetrainProbability <= 0 || p.rng.Float64() >= p.cfg.RetrainProbability {
		return
	}
	corpus := p.metricsTail.Items()
	if len(corpus) < p.cfg.MinRetrainSamples {
		return
	}

	report := p.trainer.Run(ctx, corpus)
	p.syncModelHealth()
	p.logger.Info("models retrained",
		"run_id", report.RunID,
		"samples", len(corpus),
		"trained", report.Trained,
		"skipped", report.Skipped)
}

func (p *Pipeline) syncModelHealth() {
	for _, info := range p.detector.Models() {
		metrics.SetModelHealth(info.Service, info.Metric, true)
	}
}

func (p *Pipeline) persistSamples(ctx context.Context, batch []models.MetricSample) {
	if p.store == nil || len(batch) == 0 {
		return
	}
	if err := p.store.InsertSamples(ctx, batch); err != nil {
		p.logger.Warn("sample persistence failed", "error", err)
	}
}

func (p *Pipeline) registerWindows() error {
	if p.agg == nil {
		return nil
	}

	averages := aggregator.AverageByPair(func(pairs []aggregator.PairAverage) {
		p.logger.Info("metrics window reduced", "pairs", len(pairs))
	})
	if err := p.agg.Register(TopicMetrics, p.cfg.WindowSize, averages); err != nil {
		return err
	}

	counts := aggregator.CountByService(func(total int, perService map[string]int) {
		p.logger.Info("anomaly window reduced", "total", total, "services", len(perService))
	})
	return p.agg.Register(TopicAnomalies, p.cfg.WindowSize, counts)
}

func (p *Pipeline) subscribe() error {
	if _, err := p.bus.Subscribe(GroupMetricsProcessor, TopicMetrics, p.consumeMetric); err != nil {
		return err
	}
	if _, err := p.bus.Subscribe(GroupAnomalyDetector, TopicAnomalies, p.consumeAnomaly); err != nil {
		return err
	}
	if _, err := p.bus.Subscribe(GroupRemediationEngine, TopicRemediation, p.consumeRemediation); err != nil {
		return err
	}
	return nil
}

func (p *Pipeline) consumeMetric(ctx context.Context, msg bus.Message) error {
	var sample models.MetricSample
	if err := msg.Decode(&sample); err != nil {
		return err
	}
	p.metricsTail.Push(sample)
	p.offer(msg)
	return nil
}

func (p *Pipeline) consumeAnomaly(ctx context.Context, msg bus.Message) error {
	var anomaly models.Anomaly
	if err := msg.Decode(&anomaly); err != nil {
		return err
	}
	p.anomaliesTail.Push(anomaly)
	p.offer(msg)
	return nil
}

func (p *Pipeline) consumeRemediation(ctx context.Context, msg bus.Message) error {
	var record models.RemediationRecord
	if err := msg.Decode(&record); err != nil {
		return err
	}
	p.remediationsTail.Push(record)

	if p.simulator != nil {
		if err := p.simulator.Apply(ctx, record); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
	}
	return nil
}

func (p *Pipeline) offer(msg bus.Message) {
	if p.agg != nil {
		p.agg.Offer(msg)
	}
}

func (p *Pipeline) pause(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// RecentMetrics returns the newest samples from the metrics tail.
func (p *Pipeline) RecentMetrics(n int) []models.MetricSample {
	return p.metricsTail.Recent(n)
}

// RecentAnomalies returns the newest anomalies from the anomalies tail.
func (p *Pipeline) RecentAnomalies(n int) []models.Anomaly {
	return p.anomaliesTail.Recent(n)
}

// RecentRemediations returns the newest records from the remediation tail.
func (p *Pipeline) RecentRemediations(n int) []models.RemediationRecord {
	return p.remediationsTail.Recent(n)
}

// TailStats reports tail occupancy for the status surface.
type TailStats struct {
	Metrics           int   `json:"metrics"`
	MetricsTotal      int64 `json:"metrics_total"`
	Anomalies         int   `json:"anomalies"`
	AnomaliesTotal    int64 `json:"anomalies_total"`
	Remediations      int   `json:"remediations"`
	RemediationsTotal int64 `json:"remediations_total"`
}

// Status is the pipeline's runtime snapshot, served by /api/v1/status.
type Status struct {
	Running        bool                             `json:"running"`
	UptimeSeconds  float64                          `json:"uptime_seconds"`
	Cycles         int64                            `json:"cycles"`
	Published      map[string]int64                 `json:"published"`
	Consumers      []bus.GroupStat                  `json:"consumers"`
	ModelCount     int                              `json:"model_count"`
	Models         []detector.ModelInfo             `json:"models"`
	Evaluation     detector.EvalSnapshot            `json:"evaluation"`
	ActiveEpisodes []generator.EpisodeInfo          `json:"active_episodes"`
	Windows        map[string]aggregator.WindowStat `json:"windows"`
	Tails          TailStats                        `json:"tails"`
	Latency        utils.LatencySnapshot            `json:"remediation_latency"`
}

// Status snapshots the pipeline's in-memory state. It never touches the
// store; persistent statistics live on /api/v1/stats.
func (p *Pipeline) Status() Status {
	published := make(map[string]int64)
	for _, topic := range p.bus.Topics() {
		published[topic] = p.bus.Published(topic)
	}

	infos := p.detector.Models()
	status := Status{
		Running:        p.running.Load(),
		UptimeSeconds:  utils.DurationSeconds(time.Since(p.startedAt)),
		Cycles:         p.cycles.Load(),
		Published:      published,
		Consumers:      p.bus.Stats(),
		ModelCount:     len(infos),
		Models:         infos,
		Evaluation:     p.evaluator.Snapshot(),
		ActiveEpisodes: p.generator.ActiveEpisodes(),
		Tails: TailStats{
			Metrics:           p.metricsTail.Len(),
			MetricsTotal:      p.metricsTail.Total(),
			Anomalies:         p.anomaliesTail.Len(),
			AnomaliesTotal:    p.anomaliesTail.Total(),
			Remediations:      p.remediationsTail.Len(),
			RemediationsTotal: p.remediationsTail.Total(),
		},
		Latency: p.latency.Snapshot(),
	}
	if p.agg != nil {
		status.Windows = p.agg.Stats()
	}
	return status
}
