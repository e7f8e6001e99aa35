package kv

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

func (e memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// MemoryStore keeps entries in process memory. The cache is never started,
// so expired entries are dropped lazily when they are read or listed.
type MemoryStore struct {
	// mu orders writes against lazy eviction so a fresh Put is never
	// removed in place of the expired value it replaced.
	mu    sync.Mutex
	cache *ttlcache.Cache[string, memoryEntry]
	now   func() time.Time
}

// NewMemoryStore constructs an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		cache: ttlcache.New[string, memoryEntry](
			ttlcache.WithDisableTouchOnHit[string, memoryEntry](),
		),
		now: time.Now,
	}
}

// SetClock overrides the time source; used by tests.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *MemoryStore) clock() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now()
}

// lookup returns the live entry for key, evicting it when it has expired.
func (s *MemoryStore) lookup(key string) (memoryEntry, bool) {
	if item := s.cache.Get(key); item != nil {
		if entry := item.Value(); !entry.expired(s.clock()) {
			return entry, true
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	item := s.cache.Get(key)
	if item != nil && !item.Value().expired(s.now()) {
		return item.Value(), true
	}
	s.cache.Delete(key)
	return memoryEntry{}, false
}

// Get returns a copy of the stored value.
func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entry, ok := s.lookup(key)
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(entry.value))
	copy(out, entry.value)
	return out, nil
}

// Put stores or replaces a value.
func (s *MemoryStore) Put(ctx context.Context, key string, value []byte, opts ...PutOption) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	o := applyPutOptions(opts)
	buf := make([]byte, len(value))
	copy(buf, value)

	s.mu.Lock()
	defer s.mu.Unlock()
	ttl := ttlcache.NoTTL
	if !o.expiresAt.IsZero() {
		ttl = o.expiresAt.Sub(s.now())
		if ttl <= 0 {
			s.cache.Delete(key)
			return nil
		}
	}
	s.cache.Set(key, memoryEntry{value: buf, expiresAt: o.expiresAt}, ttl)
	return nil
}

// Delete removes a key. Missing keys are not an error.
func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache.Delete(key)
	return nil
}

// List returns the sorted live keys with the given prefix.
func (s *MemoryStore) List(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	keys := make([]string, 0)
	for _, k := range s.cache.Keys() {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		if _, ok := s.lookup(k); ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Len reports how many entries are held, expired or not.
func (s *MemoryStore) Len() int {
	return s.cache.Len()
}

func (s *MemoryStore) Ping(ctx context.Context) error { return ctx.Err() }

func (s *MemoryStore) Close() error { return nil }
