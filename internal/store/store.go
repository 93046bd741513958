// Package store provides the fast credential cache.
//
// DESIGN: Credentials are cached by account id (credential file basename) so
// a process restart or a sibling process can pick up the freshest token
// without re-reading and re-parsing credential files.
//
//   - MemoryStore: per-process, TTL-bounded, cleaned by a ticker
//   - SQLiteStore: shared across processes on the same host (WAL mode)
//
// Values are opaque strings; callers serialize their own records.
package store

import (
	"sync"
	"time"
)

// DefaultTTL bounds how long a cached credential is served.
const DefaultTTL = 24 * time.Hour

// Store defines the interface for the credential cache.
type Store interface {
	// Set stores a value under key with the store's TTL.
	Set(key, value string) error

	// Get retrieves a value by key. Expired entries are reported missing.
	Get(key string) (string, bool)

	// Delete removes a value by key.
	Delete(key string) error

	// Close releases resources.
	Close() error
}

// MemoryStore is an in-memory implementation of Store.
type MemoryStore struct {
	data     map[string]entry
	mu       sync.RWMutex
	ttl      time.Duration
	stopChan chan struct{}
	stopped  bool
}

type entry struct {
	value     string
	expiresAt time.Time
}

// NewMemoryStore creates an in-memory store. A non-positive ttl uses DefaultTTL.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	s := &MemoryStore{
		data:     make(map[string]entry),
		ttl:      ttl,
		stopChan: make(chan struct{}),
	}

	go s.cleanup()

	return s
}

// Set stores a value.
func (s *MemoryStore) Set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return nil
	}

	s.data[key] = entry{
		value:     value,
		expiresAt: time.Now().Add(s.ttl),
	}
	return nil
}

// Get retrieves a value if it exists and hasn't expired.
func (s *MemoryStore) Get(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, exists := s.data[key]
	if !exists {
		return "", false
	}

	if time.Now().After(e.expiresAt) {
		return "", false
	}

	return e.value, true
}

// Delete removes a value.
func (s *MemoryStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.data, key)
	return nil
}

// Close stops the cleanup goroutine and clears data.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.stopped {
		s.stopped = true
		close(s.stopChan)
		s.data = nil
	}
	return nil
}

// cleanup periodically removes expired entries.
func (s *MemoryStore) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.mu.Lock()
			if !s.stopped {
				now := time.Now()
				for key, e := range s.data {
					if now.After(e.expiresAt) {
						delete(s.data, key)
					}
				}
			}
			s.mu.Unlock()
		}
	}
}

// Ensure MemoryStore implements Store
var _ Store = (*MemoryStore)(nil)
