package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Episode policies accepted by GeneratorConfig.EpisodePolicy.
const (
	EpisodePolicySingle     = "single"
	EpisodePolicyConcurrent = "concurrent"
)

// Cache backends accepted by CacheConfig.Backend.
const (
	CacheBackendMemory = "memory"
	CacheBackendRedis  = "redis"
	CacheBackendNone   = "none"
)

// Config captures the settings required to boot the pipeline.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Logging     LoggingConfig     `yaml:"logging"`
	Bus         BusConfig         `yaml:"bus"`
	Generator   GeneratorConfig   `yaml:"generator"`
	Detector    DetectorConfig    `yaml:"detector"`
	Remediation RemediationConfig `yaml:"remediation"`
	Cache       CacheConfig       `yaml:"cache"`
	Store       StoreConfig       `yaml:"store"`
	Aggregator  AggregatorConfig  `yaml:"aggregator"`
	Tails       TailsConfig       `yaml:"tails"`
}

// ServerConfig controls the HTTP listeners.
type ServerConfig struct {
	Address         string        `yaml:"address"`
	MetricsAddress  string        `yaml:"metricsAddress"`
	GracefulTimeout time.Duration `yaml:"gracefulTimeout"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// BusConfig controls the in-process message bus.
type BusConfig struct {
	PollTimeout time.Duration `yaml:"pollTimeout"`
}

// FactorRange bounds the random injection factor for a metric.
type FactorRange struct {
	Min float64 `yaml:"min"`
	Max float64 `yaml:"max"`
}

// GeneratorConfig controls the service fleet simulator.
type GeneratorConfig struct {
	Interval           time.Duration                 `yaml:"interval"`
	NumServices        int                           `yaml:"numServices"`
	AnomalyProbability float64                       `yaml:"anomalyProbability"`
	EpisodePolicy      string                        `yaml:"episodePolicy"`
	MinCycles          int                           `yaml:"minCycles"`
	MaxCycles          int                           `yaml:"maxCycles"`
	Patterns           []string                      `yaml:"patterns"`
	Baselines          map[string]map[string]float64 `yaml:"baselines"`
	FactorRanges       map[string]FactorRange        `yaml:"factorRanges"`
	DefaultFactorRange FactorRange                   `yaml:"defaultFactorRange"`
}

// SeverityThresholds map z-scores onto severities.
type SeverityThresholds struct {
	Low    float64 `yaml:"low"`
	Medium float64 `yaml:"medium"`
	High   float64 `yaml:"high"`
}

// DetectorConfig controls model training and scoring.
type DetectorConfig struct {
	MinSamples         int                `yaml:"minSamples"`
	Contamination      float64            `yaml:"contamination"`
	Trees              int                `yaml:"trees"`
	SubsampleSize      int                `yaml:"subsampleSize"`
	MaxDepth           int                `yaml:"maxDepth"`
	Thresholds         SeverityThresholds `yaml:"thresholds"`
	RetrainProbability float64            `yaml:"retrainProbability"`
}

// RemediationConfig controls the decision engine and the advisory client.
type RemediationConfig struct {
	AdvisoryEnabled     bool          `yaml:"advisoryEnabled"`
	AdvisoryModel       string        `yaml:"advisoryModel"`
	AdvisoryMaxTokens   int           `yaml:"advisoryMaxTokens"`
	AdvisoryTemperature float64       `yaml:"advisoryTemperature"`
	AdvisoryBaseURL     string        `yaml:"advisoryBaseURL"`
	AdvisoryAPIKeyEnv   string        `yaml:"advisoryAPIKeyEnv"`
	AdvisoryTimeout     time.Duration `yaml:"advisoryTimeout"`
	AdvisoryCacheTTL    time.Duration `yaml:"advisoryCacheTTL"`
	SimulateActions     bool          `yaml:"simulateActions"`
}

// CacheConfig selects and configures the cache provider.
type CacheConfig struct {
	Backend      string        `yaml:"backend"`
	Addr         string        `yaml:"addr"`
	Username     string        `yaml:"username"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	DialTimeout  time.Duration `yaml:"dialTimeout"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	MaxRetries   int           `yaml:"maxRetries"`
}

// StoreConfig controls the SQLite history store.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// AggregatorConfig controls tumbling window processing.
type AggregatorConfig struct {
	WindowSize int `yaml:"windowSize"`
}

// TailsConfig bounds the in-memory stream tails served by the API.
type TailsConfig struct {
	Metrics      int `yaml:"metrics"`
	Anomalies    int `yaml:"anomalies"`
	Remediations int `yaml:"remediations"`
}

// Load initialises Config from a YAML file and optional environment overrides.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("FLOWMETRY_CONFIG")
	}

	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config file %s not found: %w", path, err)
			}
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// DefaultBaselines returns the canonical service fleet and its per-metric
// baseline values.
func DefaultBaselines() map[string]map[string]float64 {
	return map[string]map[string]float64{
		"api-gateway": {
			"cpu_usage":     30,
			"memory_usage":  40,
			"response_time": 200,
			"error_rate":    0.5,
			"request_count": 500,
		},
		"auth-service": {
			"cpu_usage":     25,
			"memory_usage":  35,
			"response_time": 100,
			"error_rate":    0.2,
			"request_count": 400,
		},
		"database": {
			"cpu_usage":     60,
			"memory_usage":  70,
			"response_time": 50,
			"error_rate":    0.1,
			"request_count": 1000,
		},
		"storage-service": {
			"cpu_usage":     40,
			"memory_usage":  60,
			"response_time": 150,
			"error_rate":    0.3,
			"request_count": 300,
		},
		"compute-engine": {
			"cpu_usage":     70,
			"memory_usage":  65,
			"response_time": 300,
			"error_rate":    0.4,
			"request_count": 200,
		},
	}
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Address:         ":8080",
			MetricsAddress:  ":2112",
			GracefulTimeout: 10 * time.Second,
		},
		Logging: LoggingConfig{Level: "info", JSON: false},
		Bus:     BusConfig{PollTimeout: time.Second},
		Generator: GeneratorConfig{
			Interval:           5 * time.Second,
			AnomalyProbability: 0.1,
			EpisodePolicy:      EpisodePolicySingle,
			MinCycles:          3,
			MaxCycles:          7,
			Patterns:           []string{"sudden_spike", "gradual_increase", "service_degradation"},
			Baselines:          DefaultBaselines(),
			FactorRanges: map[string]FactorRange{
				"cpu_usage":     {Min: 0.5, Max: 1.5},
				"memory_usage":  {Min: 0.5, Max: 1.5},
				"response_time": {Min: 0.5, Max: 1.5},
			},
			DefaultFactorRange: FactorRange{Min: 0.3, Max: 0.7},
		},
		Detector: DetectorConfig{
			MinSamples:         10,
			Contamination:      0.1,
			Trees:              100,
			SubsampleSize:      256,
			Thresholds:         SeverityThresholds{Low: 0.8, Medium: 1.5, High: 2.5},
			RetrainProbability: 0.1,
		},
		Remediation: RemediationConfig{
			AdvisoryEnabled:     false,
			AdvisoryModel:       "gpt-4o-mini",
			AdvisoryMaxTokens:   150,
			AdvisoryTemperature: 0.7,
			AdvisoryBaseURL:     "https://api.openai.com/v1",
			AdvisoryAPIKeyEnv:   "OPENAI_API_KEY",
			AdvisoryTimeout:     10 * time.Second,
			AdvisoryCacheTTL:    time.Hour,
			SimulateActions:     true,
		},
		Cache: CacheConfig{
			Backend:      CacheBackendMemory,
			DialTimeout:  2 * time.Second,
			ReadTimeout:  500 * time.Millisecond,
			WriteTimeout: 500 * time.Millisecond,
			MaxRetries:   2,
		},
		Store:      StoreConfig{Path: ":memory:"},
		Aggregator: AggregatorConfig{WindowSize: 10},
		Tails: TailsConfig{
			Metrics:      1000,
			Anomalies:    100,
			Remediations: 100,
		},
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("FLOWMETRY_SERVER_ADDRESS"); v != "" {
		cfg.Server.Address = v
	}
	if v := os.Getenv("FLOWMETRY_METRICS_ADDRESS"); v != "" {
		cfg.Server.MetricsAddress = v
	}
	if v := os.Getenv("FLOWMETRY_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("FLOWMETRY_LOG_FORMAT"); v == "json" {
		cfg.Logging.JSON = true
	}
	if v := os.Getenv("FLOWMETRY_BUS_POLL_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Bus.PollTimeout = d
		}
	}
	if v := os.Getenv("FLOWMETRY_GENERATOR_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Generator.Interval = d
		}
	}
	if v := os.Getenv("FLOWMETRY_GENERATOR_NUM_SERVICES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Generator.NumServices = n
		}
	}
	if v := os.Getenv("FLOWMETRY_ANOMALY_PROBABILITY"); v != "" {
		if p, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Generator.AnomalyProbability = p
		}
	}
	if v := os.Getenv("FLOWMETRY_EPISODE_POLICY"); v != "" {
		cfg.Generator.EpisodePolicy = strings.ToLower(v)
	}
	if v := os.Getenv("FLOWMETRY_DETECTOR_MIN_SAMPLES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Detector.MinSamples = n
		}
	}
	if v := os.Getenv("FLOWMETRY_DETECTOR_TREES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Detector.Trees = n
		}
	}
	if v := os.Getenv("FLOWMETRY_RETRAIN_PROBABILITY"); v != "" {
		if p, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Detector.RetrainProbability = p
		}
	}
	if v := os.Getenv("FLOWMETRY_ADVISORY_ENABLED"); v != "" {
		cfg.Remediation.AdvisoryEnabled = strings.EqualFold(v, "true") || strings.EqualFold(v, "1")
	}
	if v := os.Getenv("FLOWMETRY_ADVISORY_MODEL"); v != "" {
		cfg.Remediation.AdvisoryModel = v
	}
	if v := os.Getenv("FLOWMETRY_ADVISORY_BASE_URL"); v != "" {
		cfg.Remediation.AdvisoryBaseURL = v
	}
	if v := os.Getenv("FLOWMETRY_ADVISORY_CACHE_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Remediation.AdvisoryCacheTTL = d
		}
	}
	if v := os.Getenv("FLOWMETRY_CACHE_BACKEND"); v != "" {
		cfg.Cache.Backend = strings.ToLower(v)
	}
	if v := os.Getenv("FLOWMETRY_CACHE_ADDR"); v != "" {
		cfg.Cache.Addr = v
	}
	if v := os.Getenv("FLOWMETRY_CACHE_USERNAME"); v != "" {
		cfg.Cache.Username = v
	}
	if v := os.Getenv("FLOWMETRY_CACHE_PASSWORD"); v != "" {
		cfg.Cache.Password = v
	}
	if v := os.Getenv("FLOWMETRY_CACHE_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			cfg.Cache.DB = db
		}
	}
	if v := os.Getenv("FLOWMETRY_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("FLOWMETRY_AGGREGATOR_WINDOW"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Aggregator.WindowSize = n
		}
	}
}

func validate(cfg *Config) error {
	switch cfg.Generator.EpisodePolicy {
	case EpisodePolicySingle, EpisodePolicyConcurrent:
	default:
		return fmt.Errorf("unknown episode policy %q", cfg.Generator.EpisodePolicy)
	}
	switch cfg.Cache.Backend {
	case CacheBackendMemory, CacheBackendRedis, CacheBackendNone:
	default:
		return fmt.Errorf("unknown cache backend %q", cfg.Cache.Backend)
	}
	if cfg.Cache.Backend == CacheBackendRedis && cfg.Cache.Addr == "" {
		return fmt.Errorf("cache backend redis requires an addr")
	}
	if cfg.Generator.AnomalyProbability < 0 || cfg.Generator.AnomalyProbability > 1 {
		return fmt.Errorf("anomaly probability %v out of range", cfg.Generator.AnomalyProbability)
	}
	if cfg.Generator.MinCycles <= 0 || cfg.Generator.MaxCycles < cfg.Generator.MinCycles {
		return fmt.Errorf("invalid episode cycle range [%d,%d]", cfg.Generator.MinCycles, cfg.Generator.MaxCycles)
	}
	if cfg.Detector.MinSamples <= 0 {
		return fmt.Errorf("detector min samples must be positive")
	}
	if cfg.Aggregator.WindowSize <= 0 {
		return fmt.Errorf("aggregator window size must be positive")
	}
	return nil
}
