package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/flowmetry/flowmetry/internal/aggregator"
	"github.com/flowmetry/flowmetry/internal/api"
	"github.com/flowmetry/flowmetry/internal/bus"
	"github.com/flowmetry/flowmetry/internal/cache"
	"github.com/flowmetry/flowmetry/internal/config"
	"github.com/flowmetry/flowmetry/internal/detector"
	"github.com/flowmetry/flowmetry/internal/generator"
	"github.com/flowmetry/flowmetry/internal/metrics"
	"github.com/flowmetry/flowmetry/internal/pipeline"
	"github.com/flowmetry/flowmetry/internal/remediation"
	"github.com/flowmetry/flowmetry/internal/store"
	"github.com/flowmetry/flowmetry/internal/tracking"
	"github.com/flowmetry/flowmetry/internal/utils"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("failed to load config", slog.String("path", configPath), slog.Any("error", err))
		os.Exit(1)
	}

	logger := utils.NewLogger(cfg.Logging.Level, cfg.Logging.JSON)
	logger.Info("starting flowmetry", slog.String("address", cfg.Server.Address))

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		logger.Error("failed to register metrics", slog.Any("error", err))
		os.Exit(1)
	}

	cacheProvider := buildCache(cfg.Cache, logger)
	defer cacheProvider.Close()

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		logger.Error("failed to open store", slog.String("path", cfg.Store.Path), slog.Any("error", err))
		os.Exit(1)
	}
	defer st.Close()

	b := bus.New(pipeline.Topics(), cfg.Bus.PollTimeout, logger)

	genCfg := buildGeneratorConfig(cfg.Generator)
	gen := generator.New(genCfg, logger)
	det := detector.New(detector.Config{
		MinSamples:    cfg.Detector.MinSamples,
		Contamination: cfg.Detector.Contamination,
		Trees:         cfg.Detector.Trees,
		SubsampleSize: cfg.Detector.SubsampleSize,
		MaxDepth:      cfg.Detector.MaxDepth,
		Thresholds: detector.SeverityThresholds{
			Low:    cfg.Detector.Thresholds.Low,
			Medium: cfg.Detector.Thresholds.Medium,
			High:   cfg.Detector.Thresholds.High,
		},
	}, genCfg.Baselines, logger)

	tracker := tracking.NewLogTracker(logger)
	trainer := detector.NewTrainer(det, st, tracker, logger)

	advisor := buildAdvisor(cfg.Remediation, cacheProvider, logger)
	engine := remediation.NewEngine(advisor, tracker, logger)

	var simulator *remediation.ActionSimulator
	if cfg.Remediation.SimulateActions {
		simulator = remediation.NewActionSimulator(0, logger)
	}

	pipe := pipeline.New(pipeline.Config{
		Interval:           cfg.Generator.Interval,
		RetrainProbability: cfg.Detector.RetrainProbability,
		MinRetrainSamples:  cfg.Detector.MinSamples,
		WindowSize:         cfg.Aggregator.WindowSize,
		MetricsTail:        cfg.Tails.Metrics,
		AnomaliesTail:      cfg.Tails.Anomalies,
		RemediationsTail:   cfg.Tails.Remediations,
	}, logger, b, gen, det, trainer, detector.NewEvaluator(), engine, simulator, aggregator.New(logger), st)

	handler := api.NewHandler(pipe, st, logger)
	server, err := api.NewServer(cfg.Server, handler.Router(), logger)
	if err != nil {
		logger.Error("failed to create API server", slog.Any("error", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var metricsServer *http.Server
	if cfg.Server.MetricsAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{
			Addr:         cfg.Server.MetricsAddress,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 15 * time.Second,
		}
		go func() {
			logger.Info("metrics server listening", slog.String("address", cfg.Server.MetricsAddress))
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server exited", slog.Any("error", err))
				stop()
			}
		}()
	}

	go func() {
		logger.Info("API server listening", slog.String("address", server.Address()))
		if serveErr := server.Start(); serveErr != nil {
			logger.Error("API server exited", slog.Any("error", serveErr))
			stop()
		}
	}()

	if err := pipe.Bootstrap(ctx); err != nil {
		logger.Error("bootstrap failed", slog.Any("error", err))
		stop()
	} else {
		go pipe.Run(ctx)
	}

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulTimeout)
	defer cancel()
	server.Shutdown(shutdownCtx)

	if metricsServer != nil {
		metricsCtx, cancelMetrics := context.WithTimeout(context.Background(), 5*time.Second)
		if err := metricsServer.Shutdown(metricsCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server shutdown", slog.Any("error", err))
		}
		cancelMetrics()
	}

	if err := b.Close(); err != nil {
		logger.Warn("bus close", slog.Any("error", err))
	}

	// Give remaining goroutines time to finish logging
	time.Sleep(100 * time.Millisecond)
	logger.Info("flowmetry stopped")
}

// buildGeneratorConfig maps the config section onto the generator package,
// falling back to the default fleet when no baselines are configured.
func buildGeneratorConfig(cfg config.GeneratorConfig) generator.Config {
	baselines := cfg.Baselines
	if len(baselines) == 0 {
		baselines = config.DefaultBaselines()
	}

	ranges := make(map[string]generator.FactorRange, len(cfg.FactorRanges))
	for metric, r := range cfg.FactorRanges {
		ranges[metric] = generator.FactorRange{Min: r.Min, Max: r.Max}
	}

	return generator.Config{
		Baselines:          baselines,
		AnomalyProbability: cfg.AnomalyProbability,
		EpisodePolicy:      cfg.EpisodePolicy,
		MinCycles:          cfg.MinCycles,
		MaxCycles:          cfg.MaxCycles,
		Patterns:           cfg.Patterns,
		FactorRanges:       ranges,
		DefaultFactorRange: generator.FactorRange{Min: cfg.DefaultFactorRange.Min, Max: cfg.DefaultFactorRange.Max},
		NumServices:        cfg.NumServices,
	}
}

// buildCache selects the advisory cache backend. A broken redis target
// degrades to the in-memory provider so advisory caching keeps working.
func buildCache(cfg config.CacheConfig, logger *slog.Logger) cache.Provider {
	switch strings.ToLower(cfg.Backend) {
	case "", "memory":
		return cache.NewMemoryProvider()
	case "none":
		return cache.NoopProvider{}
	case "redis":
		provider, err := cache.NewRedisProvider(cache.RedisConfig{
			Addr:         cfg.Addr,
			Username:     cfg.Username,
			Password:     cfg.Password,
			DB:           cfg.DB,
			DialTimeout:  cfg.DialTimeout,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			MaxRetries:   cfg.MaxRetries,
		})
		if err != nil {
			logger.Warn("redis cache unavailable, using memory cache", slog.Any("error", err))
			return cache.NewMemoryProvider()
		}
		return provider
	default:
		logger.Warn("unknown cache backend, using memory cache", slog.String("backend", cfg.Backend))
		return cache.NewMemoryProvider()
	}
}

// buildAdvisor wires the advisory client when enabled and a key is present.
// Returning nil keeps the decision engine running without advisories.
func buildAdvisor(cfg config.RemediationConfig, provider cache.Provider, logger *slog.Logger) *remediation.Advisor {
	if !cfg.AdvisoryEnabled {
		return nil
	}

	keyEnv := cfg.AdvisoryAPIKeyEnv
	if keyEnv == "" {
		keyEnv = "OPENAI_API_KEY"
	}
	apiKey := os.Getenv(keyEnv)
	if apiKey == "" {
		logger.Warn("advisory enabled but API key is not set", slog.String("env", keyEnv))
		return nil
	}

	client, err := remediation.NewAdvisoryClient(remediation.AdvisoryConfig{
		APIKey:      apiKey,
		Model:       cfg.AdvisoryModel,
		MaxTokens:   cfg.AdvisoryMaxTokens,
		Temperature: cfg.AdvisoryTemperature,
		BaseURL:     cfg.AdvisoryBaseURL,
		Timeout:     cfg.AdvisoryTimeout,
	})
	if err != nil {
		logger.Warn("advisory client unavailable", slog.Any("error", err))
		return nil
	}
	return remediation.NewAdvisor(client, provider, cfg.AdvisoryCacheTTL, logger)
}
