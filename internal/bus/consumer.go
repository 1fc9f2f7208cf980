package bus

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/atomic"
)

// consumerGroup owns one worker goroutine draining its private queue.
type consumerGroup struct {
	bus     *Bus
	name    string
	topic   string
	id      string
	handler Handler
	queue   *messageQueue

	ctx       context.Context
	cancel    context.CancelFunc
	active    *atomic.Bool
	processed *atomic.Int64
}

func newConsumerGroup(b *Bus, name, topic string, handler Handler) *consumerGroup {
	ctx, cancel := context.WithCancel(b.ctx)
	return &consumerGroup{
		bus:       b,
		name:      name,
		topic:     topic,
		id:        uuid.NewString(),
		handler:   handler,
		queue:     newMessageQueue(),
		ctx:       ctx,
		cancel:    cancel,
		active:    atomic.NewBool(false),
		processed: atomic.NewInt64(0),
	}
}

// run is the worker loop: poll with timeout, dispatch, repeat. Cancellation
// is cooperative; an in-flight handler call always completes.
func (g *consumerGroup) run() {
	defer g.bus.wg.Done()
	g.active.Store(true)
	defer g.active.Store(false)

	logger := g.bus.logger.With("group", g.name, "topic", g.topic, "worker", g.id)
	logger.Debug("worker started")

	for {
		select {
		case <-g.ctx.Done():
			logger.Debug("worker stopped", "processed", g.processed.Load())
			return
		default:
		}

		msg, ok := g.queue.poll(g.ctx, g.bus.pollTimeout)
		if !ok {
			continue
		}

		g.dispatch(msg)
		g.processed.Inc()
	}
}

// dispatch runs the handler, isolating errors and panics per message.
func (g *consumerGroup) dispatch(msg Message) {
	defer func() {
		if r := recover(); r != nil {
			g.bus.logger.Error("handler panic",
				"group", g.name,
				"topic", msg.Topic,
				"panic", r,
				"stack", string(debug.Stack()))
		}
	}()

	if err := g.handler(g.ctx, msg); err != nil {
		g.bus.logger.Error("handler error", "group", g.name, "topic", msg.Topic, "error", err)
	}
}

// messageQueue is an unbounded FIFO with timed polling.
type messageQueue struct {
	mu     sync.Mutex
	items  []Message
	notify chan struct{}
}

func newMessageQueue() *messageQueue {
	return &messageQueue{notify: make(chan struct{}, 1)}
}

func (q *messageQueue) push(msg Message) {
	q.mu.Lock()
	q.items = append(q.items, msg)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *messageQueue) pop() (Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return Message{}, false
	}
	msg := q.items[0]
	q.items = q.items[1:]
	return msg, true
}

func (q *messageQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// poll returns the next message, waiting up to timeout for one to arrive.
// It returns false on timeout or cancellation.
func (q *messageQueue) poll(ctx context.Context, timeout time.Duration) (Message, bool) {
	if msg, ok := q.pop(); ok {
		return msg, true
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return Message{}, false
		case <-timer.C:
			return q.pop()
		case <-q.notify:
			if msg, ok := q.pop(); ok {
				return msg, true
			}
		}
	}
}
