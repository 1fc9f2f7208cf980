package remediation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/flowmetry/flowmetry/internal/cache"
	"github.com/flowmetry/flowmetry/internal/models"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

func newTestClient(rt roundTripFunc) *http.Client {
	return &http.Client{Transport: rt}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testAnomaly() models.Anomaly {
	return models.Anomaly{
		Service:         "api-gateway",
		Metric:          "cpu_usage",
		Value:           92.5,
		Severity:        models.SeverityHigh,
		Timestamp:       time.Now(),
		DetectionMethod: models.DetectionIsolationForest,
	}
}

type fakeSuggester struct {
	mu    sync.Mutex
	calls int
	text  string
	err   error
}

func (f *fakeSuggester) Suggest(_ context.Context, _ models.Anomaly) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return f.text, nil
}

func (f *fakeSuggester) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestNewAdvisoryClientRequiresKey(t *testing.T) {
	if _, err := NewAdvisoryClient(AdvisoryConfig{}); err == nil {
		t.Fatal("expected error for missing API key")
	}

	client, err := NewAdvisoryClient(AdvisoryConfig{APIKey: "sk-test"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if client.model != defaultAdvisoryModel {
		t.Fatalf("expected default model %s, got %s", defaultAdvisoryModel, client.model)
	}
	if client.baseURL != defaultAdvisoryBaseURL {
		t.Fatalf("expected default base URL, got %s", client.baseURL)
	}
}

func TestAdvisoryClientSuggest(t *testing.T) {
	client, err := NewAdvisoryClient(AdvisoryConfig{APIKey: "sk-test", Model: "gpt-4o-mini", MaxTokens: 99})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	client.httpClient = newTestClient(roundTripFunc(func(req *http.Request) (*http.Response, error) {
		if req.URL.Path != "/v1/chat/completions" {
			t.Fatalf("unexpected path: %s", req.URL.Path)
		}
		if got := req.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Fatalf("unexpected auth header: %q", got)
		}

		var request chatRequest
		if err := json.NewDecoder(req.Body).Decode(&request); err != nil {
			t.Fatalf("decoding request: %v", err)
		}
		if request.Model != "gpt-4o-mini" || request.MaxTokens != 99 {
			t.Fatalf("unexpected request parameters: %+v", request)
		}
		if len(request.Messages) != 1 {
			t.Fatalf("expected one message, got %d", len(request.Messages))
		}
		prompt := request.Messages[0].Content
		if !strings.Contains(prompt, "api-gateway") || !strings.Contains(prompt, "CPU utilization percentage") {
			t.Fatalf("prompt missing anomaly context: %q", prompt)
		}

		body := []byte(`{"choices":[{"message":{"role":"assistant","content":"  Scale out the deployment.  "},"finish_reason":"stop"}]}`)
		return &http.Response{
			StatusCode: http.StatusOK,
			Body:       io.NopCloser(bytes.NewReader(body)),
			Header:     make(http.Header),
		}, nil
	}))

	text, err := client.Suggest(context.Background(), testAnomaly())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if text != "Scale out the deployment." {
		t.Fatalf("expected trimmed suggestion, got %q", text)
	}
}

func TestAdvisoryClientErrorStatus(t *testing.T) {
	client, err := NewAdvisoryClient(AdvisoryConfig{APIKey: "sk-test"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	client.httpClient = newTestClient(roundTripFunc(func(req *http.Request) (*http.Response, error) {
		return &http.Response{
			StatusCode: http.StatusTooManyRequests,
			Body:       io.NopCloser(strings.NewReader(`{"error":{"message":"rate limited"}}`)),
			Header:     make(http.Header),
		}, nil
	}))

	if _, err := client.Suggest(context.Background(), testAnomaly()); err == nil {
		t.Fatal("expected error for non-200 status")
	}
}

func TestAdvisorCachesPerKey(t *testing.T) {
	suggester := &fakeSuggester{text: "Scale out the deployment."}
	advisor := NewAdvisor(suggester, cache.NewMemoryProvider(), time.Minute, testLogger())

	ctx := context.Background()
	first := advisor.Advise(ctx, testAnomaly())
	if first.Err != nil {
		t.Fatalf("unexpected error: %v", first.Err)
	}
	if first.Cached {
		t.Fatal("first advisory must not be cached")
	}

	second := advisor.Advise(ctx, testAnomaly())
	if second.Err != nil {
		t.Fatalf("unexpected error: %v", second.Err)
	}
	if !second.Cached {
		t.Fatal("second advisory must be served from cache")
	}
	if second.Text != first.Text {
		t.Fatalf("cached text mismatch: %q vs %q", second.Text, first.Text)
	}
	if suggester.callCount() != 1 {
		t.Fatalf("expected exactly one model call, got %d", suggester.callCount())
	}
}

func TestAdvisorKeyIncludesSeverity(t *testing.T) {
	suggester := &fakeSuggester{text: "Do something."}
	advisor := NewAdvisor(suggester, cache.NewMemoryProvider(), time.Minute, testLogger())

	ctx := context.Background()
	advisor.Advise(ctx, testAnomaly())

	lower := testAnomaly()
	lower.Severity = models.SeverityLow
	advisor.Advise(ctx, lower)

	if suggester.callCount() != 2 {
		t.Fatalf("distinct severities must not share cache entries, got %d calls", suggester.callCount())
	}
}

func TestAdvisorErrorNotCached(t *testing.T) {
	suggester := &fakeSuggester{err: errors.New("upstream down")}
	advisor := NewAdvisor(suggester, cache.NewMemoryProvider(), time.Minute, testLogger())

	ctx := context.Background()
	result := advisor.Advise(ctx, testAnomaly())
	if result.Err == nil {
		t.Fatal("expected advisory error")
	}
	if result.Text != "" {
		t.Fatalf("failed advisory must carry no text, got %q", result.Text)
	}

	advisor.Advise(ctx, testAnomaly())
	if suggester.callCount() != 2 {
		t.Fatalf("failures must not be cached, got %d calls", suggester.callCount())
	}
}

func TestNilAdvisorServesNothing(t *testing.T) {
	var advisor *Advisor
	result := advisor.Advise(context.Background(), testAnomaly())
	if result.Err != nil || result.Text != "" || result.Cached {
		t.Fatalf("nil advisor must return an empty result, got %+v", result)
	}
}
