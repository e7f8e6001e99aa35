package kv

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"go.etcd.io/bbolt"
)

// DefaultBoltBucket is used when BoltConfig.Bucket is empty.
const DefaultBoltBucket = "sessiongate"

// BoltConfig configures a file-backed store.
type BoltConfig struct {
	Path   string
	Bucket string
}

// BoltStore implements Store on a single BoltDB file. bbolt has no native
// TTL, so each value carries its expiry and reads enforce it.
type BoltStore struct {
	db     *bbolt.DB
	bucket []byte
	now    func() time.Time
}

type boltEnvelope struct {
	Value     []byte    `json:"v"`
	ExpiresAt time.Time `json:"exp,omitempty"`
}

func (e boltEnvelope) expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}

// OpenBolt opens (or creates) the database file.
func OpenBolt(cfg BoltConfig) (*BoltStore, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	bucket := cfg.Bucket
	if bucket == "" {
		bucket = DefaultBoltBucket
	}

	db, err := bbolt.Open(filepath.Clean(cfg.Path), 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open storage db: %w", err)
	}

	store := &BoltStore{db: db, bucket: []byte(bucket), now: time.Now}
	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(store.bucket); err != nil {
			return fmt.Errorf("create %s bucket: %w", bucket, err)
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *BoltStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("storage is not configured")
	}

	var (
		env   boltEnvelope
		found bool
	)
	err := s.db.View(func(tx *bbolt.Tx) error {
		payload := tx.Bucket(s.bucket).Get([]byte(key))
		if payload == nil {
			return nil
		}
		found = true
		if err := json.Unmarshal(payload, &env); err != nil {
			return fmt.Errorf("unmarshal entry: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrNotFound
	}
	if env.expired(s.now()) {
		if err := s.evictExpired(key); err != nil {
			return nil, err
		}
		return nil, ErrNotFound
	}
	return env.Value, nil
}

// evictExpired re-reads key inside a write transaction and deletes it only if
// the stored entry is still expired, so a concurrent Put is left alone.
func (s *BoltStore) evictExpired(key string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(s.bucket)
		payload := bucket.Get([]byte(key))
		if payload == nil {
			return nil
		}
		var env boltEnvelope
		if err := json.Unmarshal(payload, &env); err != nil {
			return fmt.Errorf("unmarshal entry: %w", err)
		}
		if !env.expired(s.now()) {
			return nil
		}
		return bucket.Delete([]byte(key))
	})
}

func (s *BoltStore) Put(ctx context.Context, key string, value []byte, opts ...PutOption) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.db == nil {
		return fmt.Errorf("storage is not configured")
	}
	if key == "" {
		return errors.New("key is required")
	}
	o := applyPutOptions(opts)
	payload, err := json.Marshal(boltEnvelope{Value: value, ExpiresAt: o.expiresAt})
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(s.bucket).Put([]byte(key), payload)
	})
}

func (s *BoltStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.db == nil {
		return fmt.Errorf("storage is not configured")
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(s.bucket).Delete([]byte(key))
	})
}

// List scans keys by prefix, skipping entries that have already expired.
func (s *BoltStore) List(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	now := s.now()
	var keys []string
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(s.bucket).Cursor()
		p := []byte(prefix)
		for k, v := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, v = c.Next() {
			var env boltEnvelope
			if err := json.Unmarshal(v, &env); err != nil {
				return fmt.Errorf("unmarshal entry %q: %w", k, err)
			}
			if env.expired(now) {
				continue
			}
			keys = append(keys, string(k))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}

func (s *BoltStore) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.db == nil {
		return fmt.Errorf("storage is not configured")
	}
	return s.db.View(func(tx *bbolt.Tx) error {
		if tx.Bucket(s.bucket) == nil {
			return fmt.Errorf("%s bucket is missing", s.bucket)
		}
		return nil
	})
}

// Close closes the underlying BoltDB database.
func (s *BoltStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
