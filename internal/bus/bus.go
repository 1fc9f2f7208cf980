// Package bus provides the in-process publish/subscribe fabric connecting
// the pipeline stages. Topics are fixed at construction; each consumer group
// runs one worker goroutine and observes the full stream of its topic.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.uber.org/atomic"
)

var (
	// ErrUnknownTopic signals a publish or subscribe against an undeclared topic.
	ErrUnknownTopic = errors.New("unknown topic")
	// ErrClosed signals an operation against a closed bus.
	ErrClosed = errors.New("bus closed")
	// ErrGroupExists signals a second subscription under an existing group name.
	ErrGroupExists = errors.New("consumer group already exists")
)

// Message is one delivered payload. Payload is the JSON encoding of whatever
// was published; Timestamp is the enqueue time.
type Message struct {
	Topic     string
	Payload   []byte
	Timestamp time.Time
}

// Decode unmarshals the payload into v.
func (m Message) Decode(v any) error {
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("decode %s message: %w", m.Topic, err)
	}
	return nil
}

// Handler processes one delivered message. Returning an error logs and drops
// the message; it never stops the worker.
type Handler func(ctx context.Context, msg Message) error

// Bus is the in-process broker.
type Bus struct {
	topics      map[string]*topicState
	pollTimeout time.Duration
	logger      *slog.Logger

	mu     sync.Mutex
	groups map[string]*consumerGroup
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type topicState struct {
	name      string
	published *atomic.Int64

	mu     sync.RWMutex
	groups []*consumerGroup
}

// New creates a bus with a fixed topic set. Duplicate names collapse.
func New(topics []string, pollTimeout time.Duration, logger *slog.Logger) *Bus {
	if pollTimeout <= 0 {
		pollTimeout = time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	states := make(map[string]*topicState, len(topics))
	for _, name := range topics {
		if _, ok := states[name]; ok {
			continue
		}
		states[name] = &topicState{name: name, published: atomic.NewInt64(0)}
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &Bus{
		topics:      states,
		pollTimeout: pollTimeout,
		logger:      logger.With("component", "bus"),
		groups:      make(map[string]*consumerGroup),
		ctx:         ctx,
		cancel:      cancel,
	}
	b.logger.Info("bus created", "topics", len(states), "poll_timeout", pollTimeout)
	return b
}

// Topics lists the declared topic names.
func (b *Bus) Topics() []string {
	names := make([]string, 0, len(b.topics))
	for name := range b.topics {
		names = append(names, name)
	}
	return names
}

// Publish encodes payload as JSON and fans it out to every group subscribed
// to the topic. Payloads without an event timestamp are stamped with the
// current time.
func (b *Bus) Publish(topic string, payload any) error {
	state, ok := b.topics[topic]
	if !ok {
		return fmt.Errorf("publish to %q: %w", topic, ErrUnknownTopic)
	}

	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return fmt.Errorf("publish to %q: %w", topic, ErrClosed)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload for %q: %w", topic, err)
	}

	now := time.Now()
	data = ensureTimestamp(data, now)
	msg := Message{Topic: topic, Payload: data, Timestamp: now}

	state.published.Inc()

	state.mu.RLock()
	groups := state.groups
	state.mu.RUnlock()
	for _, g := range groups {
		g.queue.push(msg)
	}
	return nil
}

// Published reports how many messages were accepted on a topic.
func (b *Bus) Published(topic string) int64 {
	state, ok := b.topics[topic]
	if !ok {
		return 0
	}
	return state.published.Load()
}

// Subscribe registers a consumer group on a topic and starts its worker.
// It returns the worker id.
func (b *Bus) Subscribe(group, topic string, handler Handler) (string, error) {
	state, ok := b.topics[topic]
	if !ok {
		return "", fmt.Errorf("subscribe %q to %q: %w", group, topic, ErrUnknownTopic)
	}
	if handler == nil {
		return "", fmt.Errorf("subscribe %q to %q: nil handler", group, topic)
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return "", fmt.Errorf("subscribe %q: %w", group, ErrClosed)
	}
	if _, exists := b.groups[group]; exists {
		b.mu.Unlock()
		return "", fmt.Errorf("subscribe %q: %w", group, ErrGroupExists)
	}

	g := newConsumerGroup(b, group, topic, handler)
	b.groups[group] = g
	b.mu.Unlock()

	state.mu.Lock()
	state.groups = append(state.groups, g)
	state.mu.Unlock()

	b.wg.Add(1)
	go g.run()

	b.logger.Info("consumer subscribed", "group", group, "topic", topic, "worker", g.id)
	return g.id, nil
}

// Unsubscribe stops a group's worker and removes its registration. The
// worker finishes any in-flight message before exiting.
func (b *Bus) Unsubscribe(group string) error {
	b.mu.Lock()
	g, ok := b.groups[group]
	if ok {
		delete(b.groups, group)
	}
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("unsubscribe: group %q not found", group)
	}

	g.cancel()
	b.detach(g)
	b.logger.Info("consumer unsubscribed", "group", group, "topic", g.topic)
	return nil
}

func (b *Bus) detach(g *consumerGroup) {
	state, ok := b.topics[g.topic]
	if !ok {
		return
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	// Rebuild rather than filter in place: Publish iterates a snapshot of
	// this slice outside the lock.
	kept := make([]*consumerGroup, 0, len(state.groups))
	for _, existing := range state.groups {
		if existing != g {
			kept = append(kept, existing)
		}
	}
	state.groups = kept
}

// Close cancels all workers and waits for them to drain their in-flight
// messages. Further publishes and subscriptions fail with ErrClosed.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.groups = make(map[string]*consumerGroup)
	b.mu.Unlock()

	b.cancel()
	b.wg.Wait()
	b.logger.Info("bus closed")
	return nil
}

// Wait blocks until every worker has exited.
func (b *Bus) Wait() {
	b.wg.Wait()
}

// GroupStat describes one consumer group for the status surface.
type GroupStat struct {
	Group     string `json:"group"`
	Topic     string `json:"topic"`
	WorkerID  string `json:"worker_id"`
	Processed int64  `json:"processed"`
	Backlog   int    `json:"backlog"`
	Active    bool   `json:"active"`
}

// Stats snapshots all consumer groups.
func (b *Bus) Stats() []GroupStat {
	b.mu.Lock()
	defer b.mu.Unlock()

	stats := make([]GroupStat, 0, len(b.groups))
	for _, g := range b.groups {
		stats = append(stats, GroupStat{
			Group:     g.name,
			Topic:     g.topic,
			WorkerID:  g.id,
			Processed: g.processed.Load(),
			Backlog:   g.queue.len(),
			Active:    g.active.Load(),
		})
	}
	return stats
}

// ensureTimestamp injects an event timestamp into object payloads that lack
// one, mirroring the broker convention that every message carries its time.
func ensureTimestamp(data []byte, now time.Time) []byte {
	var obj map[string]any
	if err := json.Unmarshal(data, &obj); err != nil {
		// Non-object payloads pass through untouched.
		return data
	}
	if raw, ok := obj["timestamp"]; ok {
		if s, isString := raw.(string); isString && s != "" && !strings.HasPrefix(s, "0001-01-01T") {
			return data
		}
	}
	obj["timestamp"] = now.UTC().Format(time.RFC3339Nano)
	out, err := json.Marshal(obj)
	if err != nil {
		return data
	}
	return out
}
