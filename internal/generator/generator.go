// Package generator simulates a fleet of cloud services emitting metrics.
// Values hover around per-service baselines with small noise; injection
// episodes push selected series into anomalous patterns for a few cycles.
package generator

import (
	"log/slog"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/flowmetry/flowmetry/internal/models"
)

// Episode policies.
const (
	PolicySingle     = "single"
	PolicyConcurrent = "concurrent"
)

// Injection patterns.
const (
	PatternSuddenSpike        = "sudden_spike"
	PatternGradualIncrease    = "gradual_increase"
	PatternServiceDegradation = "service_degradation"
)

// FactorRange bounds the random injection factor for a metric.
type FactorRange struct {
	Min float64
	Max float64
}

// Config controls the simulator.
type Config struct {
	Baselines          map[string]map[string]float64
	AnomalyProbability float64
	EpisodePolicy      string
	MinCycles          int
	MaxCycles          int
	Patterns           []string
	FactorRanges       map[string]FactorRange
	DefaultFactorRange FactorRange
	NumServices        int
	Seed               int64
}

// episode tracks one active injection on a (service, metric) series.
type episode struct {
	pattern   string
	factor    float64
	remaining int
}

// Generator owns the injection state and produces metric batches.
type Generator struct {
	mu         sync.Mutex
	cfg        Config
	services   []string
	metrics    map[string][]string
	injections map[string]map[string]*episode
	rng        *rand.Rand
	logger     *slog.Logger
}

// EpisodeInfo describes one active injection for the status surface.
type EpisodeInfo struct {
	Service   string  `json:"service"`
	Metric    string  `json:"metric"`
	Pattern   string  `json:"pattern"`
	Factor    float64 `json:"factor"`
	Remaining int     `json:"remaining_cycles"`
}

// New creates a generator over the configured baselines.
func New(cfg Config, logger *slog.Logger) *Generator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MinCycles <= 0 {
		cfg.MinCycles = 3
	}
	if cfg.MaxCycles < cfg.MinCycles {
		cfg.MaxCycles = cfg.MinCycles
	}
	if len(cfg.Patterns) == 0 {
		cfg.Patterns = []string{PatternSuddenSpike, PatternGradualIncrease, PatternServiceDegradation}
	}
	if cfg.EpisodePolicy == "" {
		cfg.EpisodePolicy = PolicySingle
	}
	if cfg.DefaultFactorRange == (FactorRange{}) {
		cfg.DefaultFactorRange = FactorRange{Min: 0.3, Max: 0.7}
	}

	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	services := make([]string, 0, len(cfg.Baselines))
	metrics := make(map[string][]string, len(cfg.Baselines))
	for service, baselines := range cfg.Baselines {
		services = append(services, service)
		names := make([]string, 0, len(baselines))
		for metric := range baselines {
			names = append(names, metric)
		}
		sort.Strings(names)
		metrics[service] = names
	}
	sort.Strings(services)

	return &Generator{
		cfg:        cfg,
		services:   services,
		metrics:    metrics,
		injections: make(map[string]map[string]*episode),
		rng:        rand.New(rand.NewSource(seed)),
		logger:     logger.With("component", "generator"),
	}
}

// Generate produces one batch of samples, at most one per (service, metric)
// series, all sharing a single timestamp.
func (g *Generator) Generate() []models.MetricSample {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.rng.Float64() < g.cfg.AnomalyProbability && g.canInject() {
		g.introduceEpisode()
	}

	selected := g.selectServices()
	timestamp := time.Now()

	samples := make([]models.MetricSample, 0, len(selected)*5)
	for _, service := range selected {
		for _, metric := range g.metrics[service] {
			baseline := g.cfg.Baselines[service][metric]

			var value float64
			var anomalous bool
			if ep := g.lookupEpisode(service, metric); ep != nil {
				value = applyPattern(ep.pattern, baseline, ep.factor)
				anomalous = true

				ep.remaining--
				if ep.remaining <= 0 {
					g.clearEpisode(service, metric)
				}
			} else {
				variation := g.rng.Float64()*0.1 - 0.05
				value = baseline * (1 + variation)
			}

			samples = append(samples, models.MetricSample{
				Service:   service,
				Metric:    metric,
				Value:     value,
				Timestamp: timestamp,
				Anomaly:   anomalous,
			})
		}
	}
	return samples
}

// ActiveEpisodes snapshots the current injections.
func (g *Generator) ActiveEpisodes() []EpisodeInfo {
	g.mu.Lock()
	defer g.mu.Unlock()

	infos := make([]EpisodeInfo, 0, len(g.injections))
	for service, byMetric := range g.injections {
		for metric, ep := range byMetric {
			infos = append(infos, EpisodeInfo{
				Service:   service,
				Metric:    metric,
				Pattern:   ep.pattern,
				Factor:    ep.factor,
				Remaining: ep.remaining,
			})
		}
	}
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].Service != infos[j].Service {
			return infos[i].Service < infos[j].Service
		}
		return infos[i].Metric < infos[j].Metric
	})
	return infos
}

// Services lists the simulated fleet.
func (g *Generator) Services() []string {
	out := make([]string, len(g.services))
	copy(out, g.services)
	return out
}

// canInject applies the episode policy gate. Under the single policy any
// live episode suppresses new injections.
func (g *Generator) canInject() bool {
	if g.cfg.EpisodePolicy == PolicyConcurrent {
		return true
	}
	return len(g.injections) == 0
}

// introduceEpisode starts an injection on a random service: one shared
// pattern across one to three of its metrics, each with its own factor and
// duration. Callers hold g.mu.
func (g *Generator) introduceEpisode() {
	if len(g.services) == 0 {
		return
	}
	service := g.services[g.rng.Intn(len(g.services))]
	available := g.metrics[service]
	if len(available) == 0 {
		return
	}

	count := g.rng.Intn(min(3, len(available))) + 1
	picked := g.sampleMetrics(available, count)
	pattern := g.cfg.Patterns[g.rng.Intn(len(g.cfg.Patterns))]

	affected := make([]string, 0, len(picked))
	for _, metric := range picked {
		if g.cfg.EpisodePolicy == PolicyConcurrent && g.lookupEpisode(service, metric) != nil {
			continue
		}

		fr, ok := g.cfg.FactorRanges[metric]
		if !ok {
			fr = g.cfg.DefaultFactorRange
		}
		factor := fr.Min + g.rng.Float64()*(fr.Max-fr.Min)
		duration := g.rng.Intn(g.cfg.MaxCycles-g.cfg.MinCycles+1) + g.cfg.MinCycles

		if g.injections[service] == nil {
			g.injections[service] = make(map[string]*episode)
		}
		g.injections[service][metric] = &episode{pattern: pattern, factor: factor, remaining: duration}
		affected = append(affected, metric)
	}

	if len(affected) > 0 {
		g.logger.Info("introduced anomaly episode",
			"pattern", pattern,
			"service", service,
			"metrics", affected)
	}
}

// sampleMetrics picks count distinct metrics uniformly.
func (g *Generator) sampleMetrics(available []string, count int) []string {
	shuffled := make([]string, len(available))
	copy(shuffled, available)
	g.rng.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})
	return shuffled[:count]
}

// selectServices honors the optional fleet subsample.
func (g *Generator) selectServices() []string {
	n := g.cfg.NumServices
	if n <= 0 || n >= len(g.services) {
		return g.services
	}
	shuffled := make([]string, len(g.services))
	copy(shuffled, g.services)
	g.rng.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})
	selected := shuffled[:n]
	sort.Strings(selected)
	return selected
}

func (g *Generator) lookupEpisode(service, metric string) *episode {
	byMetric, ok := g.injections[service]
	if !ok {
		return nil
	}
	return byMetric[metric]
}

func (g *Generator) clearEpisode(service, metric string) {
	byMetric, ok := g.injections[service]
	if !ok {
		return
	}
	delete(byMetric, metric)
	if len(byMetric) == 0 {
		delete(g.injections, service)
	}
}

// applyPattern computes the injected value from the baseline and factor.
func applyPattern(pattern string, baseline, factor float64) float64 {
	switch pattern {
	case PatternSuddenSpike:
		return baseline * (1 + factor)
	case PatternGradualIncrease:
		return baseline * (1 + factor/4)
	case PatternServiceDegradation:
		if baseline > 0 {
			return baseline * (1 - factor/2)
		}
		return baseline
	default:
		return baseline
	}
}
