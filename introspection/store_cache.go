package introspection

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"

	"sessiongate/kv"
)

// StoreCachePrefix namespaces cache entries inside the key-value store.
const StoreCachePrefix = "introspectioncache::"

// StoreCache keeps results in a kv.Store. Entries are written with the token's
// exp as native expiry; tokens are hashed before being used as keys.
type StoreCache struct {
	store  kv.Store
	logger *slog.Logger
}

// NewStoreCache wraps store. A nil logger discards errors.
func NewStoreCache(store kv.Store, logger *slog.Logger) *StoreCache {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &StoreCache{store: store, logger: logger}
}

func cacheKey(token string) string {
	sum := sha256.Sum256([]byte(token))
	return StoreCachePrefix + hex.EncodeToString(sum[:])
}

func (c *StoreCache) Get(ctx context.Context, token string) (*Response, bool) {
	raw, err := c.store.Get(ctx, cacheKey(token))
	if err != nil {
		if !errors.Is(err, kv.ErrNotFound) {
			c.logger.Warn("introspection cache read failed", "error", err)
		}
		return nil, false
	}
	var resp Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		c.logger.Warn("introspection cache entry corrupt", "error", err)
		_ = c.store.Delete(ctx, cacheKey(token))
		return nil, false
	}
	return &resp, true
}

func (c *StoreCache) Set(ctx context.Context, token string, resp *Response) {
	if !cacheable(resp) {
		return
	}
	raw, err := json.Marshal(resp)
	if err != nil {
		c.logger.Warn("introspection cache encode failed", "error", err)
		return
	}
	if err := c.store.Put(ctx, cacheKey(token), raw, kv.WithExpiration(resp.ExpiresAt())); err != nil {
		c.logger.Warn("introspection cache write failed", "error", err)
	}
}

// Clear deletes every entry under StoreCachePrefix.
func (c *StoreCache) Clear(ctx context.Context) {
	keys, err := c.store.List(ctx, StoreCachePrefix)
	if err != nil {
		c.logger.Warn("introspection cache list failed", "error", err)
		return
	}
	for _, k := range keys {
		if err := c.store.Delete(ctx, k); err != nil {
			c.logger.Warn("introspection cache delete failed", "error", err)
		}
	}
}
