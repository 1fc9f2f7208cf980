package cache

import (
	"context"
	"sync"
	"time"
)

// MemoryProvider implements Provider with a process-local map. It is the
// default backend and the one integration tests run against.
type MemoryProvider struct {
	mu   sync.RWMutex
	data map[string]memoryItem
}

type memoryItem struct {
	value     []byte
	expiresAt time.Time
}

// NewMemoryProvider creates an empty in-memory cache.
func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{data: make(map[string]memoryItem)}
}

func (it memoryItem) expired(now time.Time) bool {
	return !it.expiresAt.IsZero() && now.After(it.expiresAt)
}

// Get retrieves a value if present and not expired. Expired entries are
// dropped lazily on access.
func (p *MemoryProvider) Get(_ context.Context, key string) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	it, ok := p.data[key]
	if !ok {
		return nil, ErrCacheMiss
	}
	if it.expired(time.Now()) {
		delete(p.data, key)
		return nil, ErrCacheMiss
	}
	// Copy so callers cannot mutate the cached bytes.
	out := make([]byte, len(it.value))
	copy(out, it.value)
	return out, nil
}

// Set stores a value with optional TTL. A zero TTL means no expiry.
func (p *MemoryProvider) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.data[key] = newMemoryItem(value, ttl)
	return nil
}

// SetNX stores a value only when the key is absent or expired.
func (p *MemoryProvider) SetNX(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if it, ok := p.data[key]; ok && !it.expired(time.Now()) {
		return false, nil
	}
	p.data[key] = newMemoryItem(value, ttl)
	return true, nil
}

// Del removes an entry.
func (p *MemoryProvider) Del(_ context.Context, key string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.data, key)
	return nil
}

// Close drops all entries.
func (p *MemoryProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.data = make(map[string]memoryItem)
	return nil
}

func newMemoryItem(value []byte, ttl time.Duration) memoryItem {
	stored := make([]byte, len(value))
	copy(stored, value)

	var expires time.Time
	if ttl > 0 {
		expires = time.Now().Add(ttl)
	}
	return memoryItem{value: stored, expiresAt: expires}
}
