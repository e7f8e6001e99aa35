// Package kv provides the key-value backends used for sessions, CSRF bindings,
// introspection cache entries and cookie key material.
package kv

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a key is missing or has expired.
var ErrNotFound = errors.New("kv: key not found")

// Store is the minimal key-value contract the gateway relies on.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte, opts ...PutOption) error
	Delete(ctx context.Context, key string) error
	// List returns every live key starting with prefix.
	List(ctx context.Context, prefix string) ([]string, error)
	Ping(ctx context.Context) error
	Close() error
}

// PutOption customises a single write.
type PutOption func(*putOptions)

type putOptions struct {
	expiresAt time.Time
}

// WithExpiration makes the written key disappear at the given instant.
// A zero instant means no expiry.
func WithExpiration(at time.Time) PutOption {
	return func(o *putOptions) {
		o.expiresAt = at
	}
}

func applyPutOptions(opts []PutOption) putOptions {
	var o putOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}
