package persisted

import "sync"

// ProgramCache stores compiled expression programs keyed by expression strings.
type ProgramCache interface {
	Get(key string) (any, bool)
	Set(key string, value any)
}

// WithProgramCache registers a program cache on the cell.
func WithProgramCache(cache ProgramCache) Option {
	return func(cfg *cellConfig) {
		cfg.programCache = cache
	}
}

// MemoryProgramCache is a concurrency-safe ProgramCache backed by a map. It
// never evicts; callers with unbounded expression sets should bring their own
// implementation.
type MemoryProgramCache struct {
	mu      sync.RWMutex
	entries map[string]any
}

// NewMemoryProgramCache constructs an empty cache.
func NewMemoryProgramCache() *MemoryProgramCache {
	return &MemoryProgramCache{entries: map[string]any{}}
}

// Get returns the cached program for key.
func (c *MemoryProgramCache) Get(key string) (any, bool) {
	c.mu.RLock()
	value, ok := c.entries[key]
	c.mu.RUnlock()
	return value, ok
}

// Set stores value under key, replacing any previous entry.
func (c *MemoryProgramCache) Set(key string, value any) {
	c.mu.Lock()
	if c.entries == nil {
		c.entries = map[string]any{}
	}
	c.entries[key] = value
	c.mu.Unlock()
}
