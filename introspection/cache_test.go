package introspection

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"sessiongate/kv"
)

func activeUntil(exp time.Time) *Response {
	return &Response{Active: true, Sub: "user-1", Exp: jwt.NewNumericDate(exp)}
}

func TestCacheSetPolicy(t *testing.T) {
	now := time.Now()
	caches := map[string]func() Cache{
		"memory": func() Cache { return NewMemoryCache() },
		"store":  func() Cache { return NewStoreCache(kv.NewMemoryStore(), nil) },
	}
	responses := map[string]*Response{
		"inactive":           {Active: false, Sub: "user-1", Exp: jwt.NewNumericDate(now.Add(time.Hour))},
		"active without exp": {Active: true, Sub: "user-1"},
		"nil":                nil,
	}

	for cacheName, mk := range caches {
		for respName, resp := range responses {
			t.Run(cacheName+"/"+respName, func(t *testing.T) {
				ctx := context.Background()
				cache := mk()
				cache.Set(ctx, "tok", resp)
				_, ok := cache.Get(ctx, "tok")
				require.False(t, ok)
			})
		}
	}
}

func TestMemoryCacheExpiry(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	cache := NewMemoryCacheWithClock(func() time.Time { return now })

	resp := activeUntil(now.Add(time.Minute))
	cache.Set(ctx, "tok", resp)

	got, ok := cache.Get(ctx, "tok")
	require.True(t, ok)
	require.Same(t, resp, got)

	now = now.Add(time.Minute)
	_, ok = cache.Get(ctx, "tok")
	require.False(t, ok, "a read at exp is a miss")
	require.Equal(t, 0, cache.Len(), "expired entries are evicted on read")
}

func TestMemoryCacheClear(t *testing.T) {
	ctx := context.Background()
	cache := NewMemoryCache()
	cache.Set(ctx, "a", activeUntil(time.Now().Add(time.Hour)))
	cache.Set(ctx, "b", activeUntil(time.Now().Add(time.Hour)))

	cache.Clear(ctx)
	_, okA := cache.Get(ctx, "a")
	_, okB := cache.Get(ctx, "b")
	require.False(t, okA)
	require.False(t, okB)
	require.Equal(t, 0, cache.Len())
}

func TestMemoryCacheConcurrentAccess(t *testing.T) {
	ctx := context.Background()
	cache := NewMemoryCache()
	resp := activeUntil(time.Now().Add(time.Hour))

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				cache.Set(ctx, "tok", resp)
				cache.Get(ctx, "tok")
			}
		}()
	}
	wg.Wait()
	_, ok := cache.Get(ctx, "tok")
	require.True(t, ok)
}

func TestStoreCacheRoundTripAndExpiry(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	store := kv.NewMemoryStore()
	store.SetClock(func() time.Time { return now })
	cache := NewStoreCache(store, nil)

	resp := activeUntil(now.Add(time.Minute))
	resp.Metadata = map[string]string{"team": "platform"}
	cache.Set(ctx, "secret-token", resp)

	keys, err := store.List(ctx, StoreCachePrefix)
	require.NoError(t, err)
	require.Len(t, keys, 1)
	require.NotContains(t, keys[0], "secret-token")

	got, ok := cache.Get(ctx, "secret-token")
	require.True(t, ok)
	require.Equal(t, "user-1", got.Sub)
	require.Equal(t, "platform", got.Metadata["team"])
	require.True(t, resp.ExpiresAt().Equal(got.ExpiresAt()))

	now = now.Add(time.Minute)
	_, ok = cache.Get(ctx, "secret-token")
	require.False(t, ok)
	require.Equal(t, 0, store.Len())
}

func TestStoreCacheClearOnlyTouchesCacheKeys(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemoryStore()
	require.NoError(t, store.Put(ctx, "keystore::sig", []byte("key")))
	cache := NewStoreCache(store, nil)
	cache.Set(ctx, "a", activeUntil(time.Now().Add(time.Hour)))
	cache.Set(ctx, "b", activeUntil(time.Now().Add(time.Hour)))

	cache.Clear(ctx)

	_, ok := cache.Get(ctx, "a")
	require.False(t, ok)
	_, err := store.Get(ctx, "keystore::sig")
	require.NoError(t, err)
}
