// Package aggregator reduces per-topic message volume into periodic
// summaries using tumbling count windows.
package aggregator

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/flowmetry/flowmetry/internal/bus"
)

// Reducer consumes one full window of buffered messages.
type Reducer func(window []bus.Message) error

type window struct {
	size          int
	reducer       Reducer
	buffer        []bus.Message
	lastProcessed time.Time
	reductions    int64
}

// Aggregator owns one tumbling window per registered topic. Windows fire on
// message count, not time; the buffer is dropped after every firing whether
// or not the reducer succeeded, so a failing reducer cannot grow the buffer
// without bound.
type Aggregator struct {
	mu      sync.Mutex
	windows map[string]*window
	logger  *slog.Logger
}

// New creates an aggregator with no registered windows.
func New(logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{
		windows: make(map[string]*window),
		logger:  logger.With("component", "aggregator"),
	}
}

// Register installs a tumbling window for a topic, replacing any previous
// registration and its buffered messages.
func (a *Aggregator) Register(topic string, size int, reducer Reducer) error {
	if size <= 0 {
		return fmt.Errorf("window size must be positive, got %d", size)
	}
	if reducer == nil {
		return fmt.Errorf("reducer must not be nil")
	}

	a.mu.Lock()
	a.windows[topic] = &window{size: size, reducer: reducer}
	a.mu.Unlock()

	a.logger.Info("registered aggregator window", "topic", topic, "window", size)
	return nil
}

// Offer feeds one consumed message into its topic's window, firing the
// reducer when the window fills. Messages for topics without a registered
// window are ignored.
func (a *Aggregator) Offer(msg bus.Message) {
	a.mu.Lock()
	w, ok := a.windows[msg.Topic]
	if !ok {
		a.mu.Unlock()
		return
	}

	w.buffer = append(w.buffer, msg)
	if len(w.buffer) < w.size {
		a.mu.Unlock()
		return
	}

	filled := w.buffer
	w.buffer = nil
	w.lastProcessed = time.Now()
	w.reductions++
	reducer := w.reducer
	a.mu.Unlock()

	if err := reducer(filled); err != nil {
		a.logger.Error("reducer failed", "topic", msg.Topic, "window", len(filled), "error", err)
		return
	}
	a.logger.Debug("window reduced", "topic", msg.Topic, "window", len(filled))
}

// WindowStat describes one registered window.
type WindowStat struct {
	Topic         string    `json:"topic"`
	Size          int       `json:"size"`
	Buffered      int       `json:"buffered"`
	Reductions    int64     `json:"reductions"`
	LastProcessed time.Time `json:"last_processed"`
}

// Stats reports every registered window keyed by topic.
func (a *Aggregator) Stats() map[string]WindowStat {
	a.mu.Lock()
	defer a.mu.Unlock()

	stats := make(map[string]WindowStat, len(a.windows))
	for topic, w := range a.windows {
		stats[topic] = WindowStat{
			Topic:         topic,
			Size:          w.size,
			Buffered:      len(w.buffer),
			Reductions:    w.reductions,
			LastProcessed: w.lastProcessed,
		}
	}
	return stats
}
