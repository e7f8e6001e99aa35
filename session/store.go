// Package session implements server-side sessions referenced by a signed and
// encrypted cookie.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"sessiongate/kv"
)

// DefaultTTL is the record lifetime when none is configured.
const DefaultTTL = 14 * 24 * time.Hour

const recordPrefix = "session::"

// ErrNotFound is returned for missing or expired records.
var ErrNotFound = errors.New("session: record not found")

// Record is the persisted form of a session.
type Record struct {
	ID        string                     `json:"id"`
	ExpiresAt time.Time                  `json:"expires_at"`
	Data      map[string]json.RawMessage `json:"data"`
}

func (r *Record) expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// Store keeps session records in a kv.Store.
type Store struct {
	backend kv.Store
	ttl     time.Duration
	now     func() time.Time
}

// NewStore returns a Store; ttl <= 0 selects DefaultTTL.
func NewStore(backend kv.Store, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{backend: backend, ttl: ttl, now: time.Now}
}

// TTL reports the configured record lifetime.
func (s *Store) TTL() time.Duration { return s.ttl }

func (s *Store) newRecord() *Record {
	return &Record{
		ID:        uuid.NewString(),
		ExpiresAt: s.now().Add(s.ttl),
		Data:      map[string]json.RawMessage{},
	}
}

// Create persists a new empty record with a fresh id.
func (s *Store) Create(ctx context.Context) (*Record, error) {
	rec := s.newRecord()
	if err := s.Save(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// Load fetches a record. Expired records are deleted and reported as ErrNotFound.
func (s *Store) Load(ctx context.Context, id string) (*Record, error) {
	if id == "" {
		return nil, ErrNotFound
	}
	raw, err := s.backend.Get(ctx, recordPrefix+id)
	if errors.Is(err, kv.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	if rec.ID != id {
		return nil, ErrNotFound
	}
	if rec.expired(s.now()) {
		_ = s.backend.Delete(ctx, recordPrefix+id)
		return nil, ErrNotFound
	}
	if rec.Data == nil {
		rec.Data = map[string]json.RawMessage{}
	}
	return &rec, nil
}

// Save writes the record, letting the backend expire it at ExpiresAt.
func (s *Store) Save(ctx context.Context, rec *Record) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	if err := s.backend.Put(ctx, recordPrefix+rec.ID, raw, kv.WithExpiration(rec.ExpiresAt)); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// Delete removes a record.
func (s *Store) Delete(ctx context.Context, id string) error {
	if err := s.backend.Delete(ctx, recordPrefix+id); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}
