package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load default config: %v", err)
	}
	if cfg.Generator.AnomalyProbability != 0.1 {
		t.Fatalf("expected anomaly probability 0.1, got %v", cfg.Generator.AnomalyProbability)
	}
	if cfg.Detector.MinSamples != 10 {
		t.Fatalf("expected min samples 10, got %d", cfg.Detector.MinSamples)
	}
	if cfg.Detector.Thresholds.High != 2.5 {
		t.Fatalf("expected high threshold 2.5, got %v", cfg.Detector.Thresholds.High)
	}
	if got := cfg.Generator.Baselines["api-gateway"]["cpu_usage"]; got != 30 {
		t.Fatalf("expected api-gateway cpu baseline 30, got %v", got)
	}
	if cfg.Generator.EpisodePolicy != EpisodePolicySingle {
		t.Fatalf("expected single episode policy, got %q", cfg.Generator.EpisodePolicy)
	}
	if cfg.Cache.Backend != CacheBackendMemory {
		t.Fatalf("expected memory cache backend, got %q", cfg.Cache.Backend)
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := []byte(`
logging:
  level: debug
  json: true
generator:
  interval: 2s
  anomalyProbability: 0.25
detector:
  minSamples: 5
aggregator:
  windowSize: 5
`)
	if err := os.WriteFile(path, body, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Logging.Level != "debug" || !cfg.Logging.JSON {
		t.Fatalf("logging overrides not applied: %+v", cfg.Logging)
	}
	if cfg.Generator.Interval != 2*time.Second {
		t.Fatalf("expected interval 2s, got %v", cfg.Generator.Interval)
	}
	if cfg.Generator.AnomalyProbability != 0.25 {
		t.Fatalf("expected probability 0.25, got %v", cfg.Generator.AnomalyProbability)
	}
	if cfg.Detector.MinSamples != 5 {
		t.Fatalf("expected min samples 5, got %d", cfg.Detector.MinSamples)
	}
	// Untouched sections keep defaults.
	if cfg.Server.MetricsAddress != ":2112" {
		t.Fatalf("expected default metrics address, got %q", cfg.Server.MetricsAddress)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("FLOWMETRY_LOG_LEVEL", "warn")
	t.Setenv("FLOWMETRY_ANOMALY_PROBABILITY", "0.5")
	t.Setenv("FLOWMETRY_EPISODE_POLICY", "CONCURRENT")
	t.Setenv("FLOWMETRY_ADVISORY_ENABLED", "true")
	t.Setenv("FLOWMETRY_CACHE_BACKEND", "none")
	t.Setenv("FLOWMETRY_GENERATOR_INTERVAL", "250ms")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Logging.Level != "warn" {
		t.Fatalf("expected log level warn, got %q", cfg.Logging.Level)
	}
	if cfg.Generator.AnomalyProbability != 0.5 {
		t.Fatalf("expected probability 0.5, got %v", cfg.Generator.AnomalyProbability)
	}
	if cfg.Generator.EpisodePolicy != EpisodePolicyConcurrent {
		t.Fatalf("expected concurrent policy, got %q", cfg.Generator.EpisodePolicy)
	}
	if !cfg.Remediation.AdvisoryEnabled {
		t.Fatal("expected advisory enabled")
	}
	if cfg.Cache.Backend != CacheBackendNone {
		t.Fatalf("expected cache backend none, got %q", cfg.Cache.Backend)
	}
	if cfg.Generator.Interval != 250*time.Millisecond {
		t.Fatalf("expected interval 250ms, got %v", cfg.Generator.Interval)
	}
}

func TestValidateRejectsBadPolicy(t *testing.T) {
	t.Setenv("FLOWMETRY_EPISODE_POLICY", "sometimes")
	if _, err := Load(""); err == nil {
		t.Fatal("expected error for unknown episode policy")
	}
}

func TestValidateRedisRequiresAddr(t *testing.T) {
	t.Setenv("FLOWMETRY_CACHE_BACKEND", "redis")
	if _, err := Load(""); err == nil {
		t.Fatal("expected error for redis backend without addr")
	}
}
