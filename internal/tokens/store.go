package tokens

import (
	"context"
	"sync"
	"time"
)

// Store holds the single valid token entry per principal.
type Store interface {
	Get(ctx context.Context, principalID string) (Entry, error)
	Put(ctx context.Context, entry Entry) error
	Delete(ctx context.Context, principalID string) error
}

// Locker is implemented by stores shared between processes. Refreshes then hold the lock so
// a refresh token is redeemed by one instance only.
type Locker interface {
	Lock(ctx context.Context, principalID string, ttl time.Duration) (release func(), ok bool, err error)
}

// MemoryStore keeps entries in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]Entry)}
}

// Get returns the entry for principalID or ErrNotFound.
func (s *MemoryStore) Get(ctx context.Context, principalID string) (Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entries[principalID]
	if !ok {
		return Entry{}, ErrNotFound
	}
	return entry, nil
}

// Put replaces the entry for the entry's principal.
func (s *MemoryStore) Put(ctx context.Context, entry Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[entry.Principal.ID] = entry
	return nil
}

// Delete removes the entry for principalID.
func (s *MemoryStore) Delete(ctx context.Context, principalID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, principalID)
	return nil
}

var _ Store = (*MemoryStore)(nil)
