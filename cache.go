package batchq

import (
	"context"
	"fmt"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// ResultCache represents the interface for result cache backends.
// Implementations must be thread-safe, bounded, and evict in strict FIFO
// order by first insertion.
type ResultCache interface {
	// Get returns the cached result for key, and whether it was present.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Put stores a result under key, evicting the oldest entry first when
	// the cache is at capacity. Re-inserting an existing key refreshes the
	// value but keeps its original insertion position.
	Put(ctx context.Context, key string, result []byte) error

	// Len returns the number of entries currently stored.
	Len(ctx context.Context) (int, error)

	// Clear removes all entries.
	Clear(ctx context.Context) error

	// Close closes the cache and releases its resources.
	Close() error
}

// cacheKey derives the cache key for a (task type, input) pair.
// The task type and input are hashed together with a separator byte so that
// ("ab","c") and ("a","bc") never collide.
func cacheKey(taskType string, input []byte) string {
	h := xxhash.New()
	_, _ = h.WriteString(taskType)
	_, _ = h.Write([]byte{0})
	_, _ = h.Write(input)
	return fmt.Sprintf("%016x", h.Sum64())
}

// MemoryCache implements ResultCache with an in-process map plus an
// insertion-order key list for FIFO eviction.
type MemoryCache struct {
	mu         sync.RWMutex
	entries    map[string][]byte
	order      []string // keys in first-insertion order, oldest first
	maxEntries int
	closed     bool
}

// NewMemoryCache creates an in-memory cache bounded to maxEntries.
func NewMemoryCache(maxEntries int) *MemoryCache {
	if maxEntries <= 0 {
		maxEntries = 1
	}
	return &MemoryCache{
		entries:    make(map[string][]byte),
		order:      make([]string, 0, maxEntries),
		maxEntries: maxEntries,
	}
}

// Get returns the cached result for key.
func (c *MemoryCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil, false, fmt.Errorf("cache is closed")
	}

	result, ok := c.entries[key]
	if !ok {
		return nil, false, nil
	}
	return copyBytes(result), true, nil
}

// Put stores a result, evicting the oldest entry when at capacity.
func (c *MemoryCache) Put(ctx context.Context, key string, result []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("cache is closed")
	}

	if _, exists := c.entries[key]; exists {
		c.entries[key] = copyBytes(result)
		return nil
	}

	if len(c.order) >= c.maxEntries {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.entries, oldest)
	}
	c.entries[key] = copyBytes(result)
	c.order = append(c.order, key)
	return nil
}

// Len returns the number of entries currently stored.
func (c *MemoryCache) Len(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return 0, fmt.Errorf("cache is closed")
	}
	return len(c.entries), nil
}

// Clear removes all entries.
func (c *MemoryCache) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("cache is closed")
	}
	c.entries = make(map[string][]byte)
	c.order = c.order[:0]
	return nil
}

// Close closes the cache and prevents further operations.
func (c *MemoryCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.entries = nil
	c.order = nil
	return nil
}

func copyBytes(src []byte) []byte {
	if src == nil {
		return nil
	}
	dst := make([]byte, len(src))
	copy(dst, src)
	return dst
}
