package session

import (
	"encoding/json"
	"fmt"
	"sync"
)

// Session is a handle on one record. Changes stay in memory until the
// Manager saves it.
type Session struct {
	mu       sync.Mutex
	record   *Record
	stored   bool
	modified bool
}

func newSession() *Session {
	return &Session{record: &Record{Data: map[string]json.RawMessage{}}}
}

func fromRecord(rec *Record) *Session {
	return &Session{record: rec, stored: true}
}

// ID returns the record id, or "" for a session that was never saved.
func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.record.ID
}

// Get decodes the value stored under key into dst. ok is false when absent.
func (s *Session) Get(key string, dst any) (bool, error) {
	s.mu.Lock()
	raw, ok := s.record.Data[key]
	s.mu.Unlock()
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return true, fmt.Errorf("decode session value %q: %w", key, err)
	}
	return true, nil
}

// GetString is Get for string values; undecodable values count as absent.
func (s *Session) GetString(key string) (string, bool) {
	var v string
	ok, err := s.Get(key, &v)
	if err != nil || !ok {
		return "", false
	}
	return v, true
}

// Insert stores v under key.
func (s *Session) Insert(key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode session value %q: %w", key, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record.Data[key] = raw
	s.modified = true
	return nil
}

// Remove deletes key; removing an absent key does not mark the session dirty.
func (s *Session) Remove(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.record.Data[key]; ok {
		delete(s.record.Data, key)
		s.modified = true
	}
}

// Modified reports whether there are unsaved changes.
func (s *Session) Modified() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.modified
}
