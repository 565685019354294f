package ledger

import (
	"context"
	"sync"
	"time"
)

// MemoryStore implements Store with an in-process map.
//
// Suited to single-instance deployments and tests: entries vanish on
// restart and are invisible to other instances, so suppression only covers
// redeliveries into the same process. Use RedisStore for anything shared.
//
// Example:
//
//	store := ledger.NewMemoryStore()
//	defer store.Close()
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]time.Time // key -> expiry
	stopCh  chan struct{}
}

// NewMemoryStore creates an in-memory ledger store. A background goroutine
// purges expired keys every minute; call Close to stop it.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{
		entries: make(map[string]time.Time),
		stopCh:  make(chan struct{}),
	}
	go s.janitor()
	return s
}

// Seen reports whether key was marked and has not expired.
func (s *MemoryStore) Seen(ctx context.Context, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	expiry, ok := s.entries[key]
	if !ok || time.Now().After(expiry) {
		return false, nil
	}
	return true, nil
}

// Mark records key for ttl, refreshing the expiry if it already exists.
func (s *MemoryStore) Mark(ctx context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[key] = time.Now().Add(ttl)
	return nil
}

// Remove forgets key so the next delivery processes again. Useful in tests
// and for manual intervention after fixing a bad handler.
func (s *MemoryStore) Remove(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.entries, key)
	return nil
}

// Len returns the number of tracked keys, including expired ones the
// janitor has not collected yet.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Close stops the janitor goroutine. Safe to call multiple times.
func (s *MemoryStore) Close() {
	select {
	case <-s.stopCh:
	default:
		close(s.stopCh)
	}
}

func (s *MemoryStore) janitor() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.mu.Lock()
			now := time.Now()
			for key, expiry := range s.entries {
				if now.After(expiry) {
					delete(s.entries, key)
				}
			}
			s.mu.Unlock()
		}
	}
}

// Compile-time check that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
