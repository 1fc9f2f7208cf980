package pipeline

import (
	"sync"

	"go.uber.org/atomic"
)

// Tail retains the newest items of a stream. Once full it evicts the oldest
// item per push, so readers always see a bounded recent window.
type Tail[T any] struct {
	mu    sync.RWMutex
	max   int
	items []T
	total *atomic.Int64
}

// NewTail creates a tail bounded to max items. Non-positive caps fall back
// to 100.
func NewTail[T any](max int) *Tail[T] {
	if max <= 0 {
		max = 100
	}
	return &Tail[T]{max: max, total: atomic.NewInt64(0)}
}

// Push appends an item, evicting the oldest when the tail is full.
func (t *Tail[T]) Push(item T) {
	t.mu.Lock()
	t.items = append(t.items, item)
	if len(t.items) > t.max {
		copy(t.items[0:], t.items[1:])
		t.items = t.items[:t.max]
	}
	t.mu.Unlock()

	t.total.Inc()
}

// Items returns the retained items, oldest first.
func (t *Tail[T]) Items() []T {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]T, len(t.items))
	copy(out, t.items)
	return out
}

// Recent returns up to n retained items, newest first. Non-positive n
// returns everything retained.
func (t *Tail[T]) Recent(n int) []T {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if n <= 0 || n > len(t.items) {
		n = len(t.items)
	}
	out := make([]T, 0, n)
	for i := len(t.items) - 1; i >= len(t.items)-n; i-- {
		out = append(out, t.items[i])
	}
	return out
}

// Len reports how many items are currently retained.
func (t *Tail[T]) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.items)
}

// Total reports how many items were ever pushed.
func (t *Tail[T]) Total() int64 {
	return t.total.Load()
}
