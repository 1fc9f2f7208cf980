package remediation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/flowmetry/flowmetry/internal/cache"
	"github.com/flowmetry/flowmetry/internal/models"
	"github.com/flowmetry/flowmetry/internal/utils"
)

const (
	defaultAdvisoryModel     = "gpt-4o-mini"
	defaultAdvisoryBaseURL   = "https://api.openai.com/v1"
	defaultAdvisoryMaxTokens = 150
	defaultAdvisoryTimeout   = 10 * time.Second
	defaultAdvisoryTTL       = time.Hour
)

// metricDescriptions gives the prompt a human reading of each metric.
var metricDescriptions = map[string]string{
	"cpu_usage":     "CPU utilization percentage",
	"memory_usage":  "memory utilization percentage",
	"response_time": "API response time in milliseconds",
	"error_rate":    "percentage of requests resulting in errors",
	"request_count": "number of incoming requests per minute",
}

// AdvisoryConfig parameterizes the advisory client.
type AdvisoryConfig struct {
	APIKey      string
	Model       string
	MaxTokens   int
	Temperature float64
	BaseURL     string
	Timeout     time.Duration
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

// AdvisoryClient calls an OpenAI-compatible chat completions endpoint for
// remediation suggestions.
type AdvisoryClient struct {
	apiKey      string
	model       string
	maxTokens   int
	temperature float64
	baseURL     string
	httpClient  *http.Client
}

// NewAdvisoryClient creates an advisory client. The API key is required;
// everything else defaults.
func NewAdvisoryClient(cfg AdvisoryConfig) (*AdvisoryClient, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("advisory API key is required")
	}
	if cfg.Model == "" {
		cfg.Model = defaultAdvisoryModel
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultAdvisoryBaseURL
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultAdvisoryMaxTokens
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultAdvisoryTimeout
	}

	return &AdvisoryClient{
		apiKey:      cfg.APIKey,
		model:       cfg.Model,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		httpClient:  &http.Client{Timeout: cfg.Timeout},
	}, nil
}

// Suggest asks the model for a remediation suggestion for the anomaly.
func (c *AdvisoryClient) Suggest(ctx context.Context, a models.Anomaly) (string, error) {
	request := chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "user", Content: buildPrompt(a)},
		},
		MaxTokens:   c.maxTokens,
		Temperature: c.temperature,
	}

	body, err := json.Marshal(request)
	if err != nil {
		return "", fmt.Errorf("failed to marshal advisory request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create advisory request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("advisory request failed: %w", err)
	}
	defer resp.Body.Close()

	responseBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read advisory response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("advisory endpoint returned status %d: %s", resp.StatusCode, string(responseBody))
	}

	var parsed chatResponse
	if err := json.Unmarshal(responseBody, &parsed); err != nil {
		return "", fmt.Errorf("failed to parse advisory response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", errors.New("no choices in advisory response")
	}

	return strings.TrimSpace(parsed.Choices[0].Message.Content), nil
}

func buildPrompt(a models.Anomaly) string {
	desc, ok := metricDescriptions[a.Metric]
	if !ok {
		desc = a.Metric
	}
	return fmt.Sprintf(`I've detected an anomaly in our cloud services:

Service: %s
Metric: %s
Current Value: %.2f
Severity: %s

As a cloud operations expert, what would be the best remediation action to take?
Please provide a specific, actionable recommendation that addresses the root cause.
Focus on practical steps that could be implemented immediately to resolve the issue.`,
		a.Service, desc, a.Value, a.Severity)
}

// Suggester produces advisory text for an anomaly.
type Suggester interface {
	Suggest(ctx context.Context, a models.Anomaly) (string, error)
}

// Advisor caches suggestions per (service, metric, severity) so repeated
// anomalies on the same series cost at most one model call per TTL window.
// A nil Advisor serves no suggestions.
type Advisor struct {
	client Suggester
	cache  cache.Provider
	ttl    time.Duration
	logger *slog.Logger
}

// NewAdvisor wraps a suggester with caching. Provider may be nil to disable
// caching.
func NewAdvisor(client Suggester, provider cache.Provider, ttl time.Duration, logger *slog.Logger) *Advisor {
	if provider == nil {
		provider = cache.NoopProvider{}
	}
	if ttl <= 0 {
		ttl = defaultAdvisoryTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Advisor{
		client: client,
		cache:  provider,
		ttl:    ttl,
		logger: logger.With("component", "advisor"),
	}
}

// Advise returns a suggestion for the anomaly, serving repeats from the
// cache. Failures land in the result's Err field; callers degrade rather
// than block.
func (ad *Advisor) Advise(ctx context.Context, a models.Anomaly) models.AdvisoryResult {
	if ad == nil {
		return models.AdvisoryResult{}
	}

	key := advisoryCacheKey(a)
	if data, err := ad.cache.Get(ctx, key); err == nil {
		return models.AdvisoryResult{Text: string(data), Cached: true}
	}

	text, err := ad.client.Suggest(ctx, a)
	if err != nil {
		return models.AdvisoryResult{Err: utils.NewAppError("advisory.suggest", "advisory call failed", err)}
	}

	if err := ad.cache.Set(ctx, key, []byte(text), ad.ttl); err != nil {
		ad.logger.Warn("advisory cache write failed", "key", key, "error", err)
	}
	return models.AdvisoryResult{Text: text}
}

func advisoryCacheKey(a models.Anomaly) string {
	return fmt.Sprintf("advisory:%s:%s:%s", a.Service, a.Metric, a.Severity)
}
