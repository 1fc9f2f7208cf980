package aggregator

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/flowmetry/flowmetry/internal/bus"
	"github.com/flowmetry/flowmetry/internal/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func message(t *testing.T, topic string, payload any) bus.Message {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshaling payload: %v", err)
	}
	return bus.Message{Topic: topic, Payload: data, Timestamp: time.Now()}
}

func TestWindowFiresOnCount(t *testing.T) {
	agg := New(testLogger())

	var invocations int
	var sizes []int
	err := agg.Register("metrics", 5, func(window []bus.Message) error {
		invocations++
		sizes = append(sizes, len(window))
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for i := 0; i < 12; i++ {
		agg.Offer(message(t, "metrics", models.MetricSample{Service: "api", Metric: "cpu_usage", Value: float64(i)}))
	}

	if invocations != 2 {
		t.Fatalf("expected exactly 2 reducer invocations for 12 messages, got %d", invocations)
	}
	for _, size := range sizes {
		if size != 5 {
			t.Fatalf("expected full windows of 5, got %v", sizes)
		}
	}

	stats := agg.Stats()["metrics"]
	if stats.Buffered != 2 {
		t.Fatalf("expected 2 buffered leftovers, got %d", stats.Buffered)
	}
	if stats.Reductions != 2 {
		t.Fatalf("expected 2 recorded reductions, got %d", stats.Reductions)
	}
	if stats.LastProcessed.IsZero() {
		t.Fatal("expected last-processed time recorded")
	}
}

func TestBufferClearsOnReducerError(t *testing.T) {
	agg := New(testLogger())

	var invocations int
	if err := agg.Register("metrics", 3, func(window []bus.Message) error {
		invocations++
		return errors.New("reduce failed")
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for i := 0; i < 6; i++ {
		agg.Offer(message(t, "metrics", models.MetricSample{Service: "api", Metric: "cpu_usage"}))
	}

	if invocations != 2 {
		t.Fatalf("failing reducer must still fire per window, got %d invocations", invocations)
	}
	if buffered := agg.Stats()["metrics"].Buffered; buffered != 0 {
		t.Fatalf("buffer must clear after a failing reducer, got %d buffered", buffered)
	}
}

func TestUnregisteredTopicIgnored(t *testing.T) {
	agg := New(testLogger())

	agg.Offer(message(t, "anomalies", models.Anomaly{Service: "api"}))
	if len(agg.Stats()) != 0 {
		t.Fatal("messages for unregistered topics must not create windows")
	}
}

func TestRegisterValidation(t *testing.T) {
	agg := New(testLogger())

	if err := agg.Register("metrics", 0, func([]bus.Message) error { return nil }); err == nil {
		t.Fatal("expected error for zero window size")
	}
	if err := agg.Register("metrics", 5, nil); err == nil {
		t.Fatal("expected error for nil reducer")
	}
}

func TestRegisterReplacesWindow(t *testing.T) {
	agg := New(testLogger())

	if err := agg.Register("metrics", 10, func([]bus.Message) error { return nil }); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	agg.Offer(message(t, "metrics", models.MetricSample{Service: "api", Metric: "cpu_usage"}))

	var invocations int
	if err := agg.Register("metrics", 2, func(window []bus.Message) error {
		invocations++
		return nil
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	agg.Offer(message(t, "metrics", models.MetricSample{Service: "api", Metric: "cpu_usage"}))
	agg.Offer(message(t, "metrics", models.MetricSample{Service: "api", Metric: "cpu_usage"}))

	if invocations != 1 {
		t.Fatalf("replacement window must start empty, got %d invocations", invocations)
	}
}

func TestCountByService(t *testing.T) {
	var total int
	var counts map[string]int
	reducer := CountByService(func(windowTotal int, byService map[string]int) {
		total = windowTotal
		counts = byService
	})

	window := []bus.Message{
		message(t, "anomalies", models.Anomaly{Service: "api", Metric: "cpu_usage"}),
		message(t, "anomalies", models.Anomaly{Service: "api", Metric: "memory_usage"}),
		message(t, "anomalies", models.Anomaly{Service: "db", Metric: "response_time"}),
		{Topic: "anomalies", Payload: []byte("not json")},
	}
	if err := reducer(window); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if total != 4 {
		t.Fatalf("expected total 4, got %d", total)
	}
	if counts["api"] != 2 || counts["db"] != 1 || counts["unknown"] != 1 {
		t.Fatalf("unexpected counts: %v", counts)
	}
}

func TestAverageByPair(t *testing.T) {
	var averages []PairAverage
	reducer := AverageByPair(func(result []PairAverage) {
		averages = result
	})

	window := []bus.Message{
		message(t, "metrics", models.MetricSample{Service: "api", Metric: "cpu_usage", Value: 30}),
		message(t, "metrics", models.MetricSample{Service: "api", Metric: "cpu_usage", Value: 40}),
		message(t, "metrics", models.MetricSample{Service: "db", Metric: "response_time", Value: 100}),
		{Topic: "metrics", Payload: []byte("not json")},
	}
	if err := reducer(window); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(averages) != 2 {
		t.Fatalf("expected 2 pair averages, got %d", len(averages))
	}
	if averages[0].Service != "api" || averages[0].Average != 35 || averages[0].Count != 2 {
		t.Fatalf("unexpected first average: %+v", averages[0])
	}
	if averages[1].Service != "db" || averages[1].Average != 100 || averages[1].Count != 1 {
		t.Fatalf("unexpected second average: %+v", averages[1])
	}
}
