// Package memory provides an in-memory implementation of the ephemeral
// record store. It is suitable for development, testing, and single-instance
// deployments; multi-instance deployments need a shared backend such as the
// valkey adapter.
package memory

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/grantd/grantd/storage"
)

// entry is a stored record plus its absolute expiry.
type entry struct {
	rec       storage.Record
	expiresAt time.Time
}

// Store is an in-memory ephemeral record store. A background janitor evicts
// expired entries; reads additionally treat expired entries as absent so a
// record is never observed after its TTL regardless of janitor timing.
type Store struct {
	mu      sync.RWMutex
	entries map[string]entry

	now             func() time.Time
	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
	logger          *slog.Logger
}

var _ storage.Store = (*Store)(nil)

// New creates a new in-memory store with the default janitor interval
// (1 minute).
func New() *Store {
	return NewWithInterval(time.Minute)
}

// NewWithInterval creates a new in-memory store with a custom janitor
// interval. If cleanupInterval is not positive, the default of 1 minute is
// used.
func NewWithInterval(cleanupInterval time.Duration) *Store {
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}

	s := &Store{
		entries:         make(map[string]entry),
		now:             time.Now,
		cleanupInterval: cleanupInterval,
		stopCleanup:     make(chan struct{}),
		logger:          slog.Default(),
	}

	go s.cleanupLoop()

	return s
}

// SetLogger sets a custom logger.
func (s *Store) SetLogger(logger *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if logger != nil {
		s.logger = logger
	}
}

// SetClock overrides the time source. Intended for expiry tests.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if now != nil {
		s.now = now
	}
}

// Stop terminates the janitor goroutine. The store remains usable.
func (s *Store) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCleanup)
	})
}

// Put unconditionally writes the record and resets its expiry.
func (s *Store) Put(_ context.Context, kind storage.Kind, id string, rec storage.Record, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[kind.Key(id)] = entry{
		rec:       rec.Clone(),
		expiresAt: s.now().Add(ttl),
	}
	return nil
}

// PutIfAbsent writes the record only when no live record exists under the
// key. The check and write happen under the write lock, so only one of any
// number of concurrent callers can succeed.
func (s *Store) PutIfAbsent(_ context.Context, kind storage.Kind, id string, rec storage.Record, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := kind.Key(id)
	if e, ok := s.entries[key]; ok && s.now().Before(e.expiresAt) {
		return storage.ErrAlreadyExists
	}

	s.entries[key] = entry{
		rec:       rec.Clone(),
		expiresAt: s.now().Add(ttl),
	}
	return nil
}

// Get returns the record or storage.ErrNotFound.
func (s *Store) Get(_ context.Context, kind storage.Kind, id string) (storage.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[kind.Key(id)]
	if !ok || !s.now().Before(e.expiresAt) {
		return nil, storage.ErrNotFound
	}
	return e.rec.Clone(), nil
}

// TakeAndDelete atomically reads and removes the record. The write lock
// makes the read-then-delete indivisible, so at most one concurrent caller
// observes the record.
func (s *Store) TakeAndDelete(_ context.Context, kind storage.Kind, id string) (storage.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := kind.Key(id)
	e, ok := s.entries[key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	if !s.now().Before(e.expiresAt) {
		delete(s.entries, key)
		return nil, storage.ErrNotFound
	}

	delete(s.entries, key)
	return e.rec.Clone(), nil
}

// Exists reports whether a live record is stored under the key.
func (s *Store) Exists(_ context.Context, kind storage.Kind, id string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[kind.Key(id)]
	return ok && s.now().Before(e.expiresAt), nil
}

// Delete removes the record. Absent records are ignored.
func (s *Store) Delete(_ context.Context, kind storage.Kind, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.entries, kind.Key(id))
	return nil
}

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.cleanup()
		case <-s.stopCleanup:
			return
		}
	}
}

func (s *Store) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for key, e := range s.entries {
		if !now.Before(e.expiresAt) {
			delete(s.entries, key)
			removed++
		}
	}

	if removed > 0 {
		s.logger.Debug("Evicted expired records",
			"removed", removed,
			"remaining", len(s.entries))
	}
}
