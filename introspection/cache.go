package introspection

import (
	"context"
	"sync"
	"time"
)

// Cache remembers introspection results per bearer token.
// Set only stores responses that are active and carry an exp claim; Get
// never returns an entry at or past its expiry.
type Cache interface {
	Get(ctx context.Context, token string) (*Response, bool)
	Set(ctx context.Context, token string, resp *Response)
	Clear(ctx context.Context)
}

func cacheable(resp *Response) bool {
	return resp != nil && resp.Active && resp.Exp != nil
}

type memoryCacheEntry struct {
	resp      *Response
	expiresAt time.Time
}

// MemoryCache is an in-process Cache guarded by a RWMutex.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]memoryCacheEntry
	now     func() time.Time
}

// NewMemoryCache returns an empty cache using the wall clock.
func NewMemoryCache() *MemoryCache {
	return NewMemoryCacheWithClock(time.Now)
}

// NewMemoryCacheWithClock returns an empty cache using now as its clock.
func NewMemoryCacheWithClock(now func() time.Time) *MemoryCache {
	return &MemoryCache{entries: make(map[string]memoryCacheEntry), now: now}
}

func (c *MemoryCache) Get(_ context.Context, token string) (*Response, bool) {
	c.mu.RLock()
	entry, ok := c.entries[token]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if !c.now().Before(entry.expiresAt) {
		c.mu.Lock()
		if current, ok := c.entries[token]; ok && current.expiresAt.Equal(entry.expiresAt) {
			delete(c.entries, token)
		}
		c.mu.Unlock()
		return nil, false
	}
	return entry.resp, true
}

func (c *MemoryCache) Set(_ context.Context, token string, resp *Response) {
	if !cacheable(resp) {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[token] = memoryCacheEntry{resp: resp, expiresAt: resp.ExpiresAt()}
}

func (c *MemoryCache) Clear(_ context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]memoryCacheEntry)
}

// Len reports how many entries are stored, including ones not yet evicted.
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
