// Package store provides the in-memory key-value state shared inside a
// single component. Each store instance is owned by exactly one component
// and accessed only through these operations; nothing in the engine keeps
// bare maps keyed by service id.
package store

import (
	"sync"
	"time"
)

type entry struct {
	value     interface{}
	expiresAt time.Time
}

func (e entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// Store is a concurrency-safe key-value store with optional per-key TTL.
type Store struct {
	mu      sync.RWMutex
	entries map[string]entry
	now     func() time.Time
}

func New() *Store {
	return &Store{
		entries: make(map[string]entry),
		now:     time.Now,
	}
}

// NewWithClock builds a store on an injected clock, for tests.
func NewWithClock(now func() time.Time) *Store {
	s := New()
	s.now = now
	return s
}

func (s *Store) Set(key string, value interface{}) {
	s.SetTTL(key, value, 0)
}

// SetTTL stores value under key; ttl of zero means no expiry.
func (s *Store) SetTTL(key string, value interface{}, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := entry{value: value}
	if ttl > 0 {
		e.expiresAt = s.now().Add(ttl)
	}
	s.entries[key] = e
}

func (s *Store) Get(key string) (interface{}, bool) {
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()

	if !ok {
		return nil, false
	}
	if e.expired(s.now()) {
		s.Delete(key)
		return nil, false
	}
	return e.value, true
}

func (s *Store) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
}

func (s *Store) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.now()
	keys := make([]string, 0, len(s.entries))
	for k, e := range s.entries {
		if !e.expired(now) {
			keys = append(keys, k)
		}
	}
	return keys
}

func (s *Store) Len() int {
	return len(s.Keys())
}

// PurgeExpired removes expired entries and returns how many were dropped.
func (s *Store) PurgeExpired() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var removed int
	for k, e := range s.entries {
		if e.expired(now) {
			delete(s.entries, k)
			removed++
		}
	}
	return removed
}

// Update applies fn to the current value under key (nil if absent) while
// holding the write lock, making read-modify-write atomic.
func (s *Store) Update(key string, fn func(current interface{}) interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var current interface{}
	if e, ok := s.entries[key]; ok && !e.expired(s.now()) {
		current = e.value
	}
	s.entries[key] = entry{value: fn(current)}
}
