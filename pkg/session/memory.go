package session

import (
	"context"
	"sync"
)

// InMemoryStore keeps snapshots in a map. It is the default when no storage
// backend is configured, and the store of choice in tests. Nothing survives a
// restart.
type InMemoryStore struct {
	mu    sync.RWMutex
	snaps map[string]Snapshot
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		snaps: make(map[string]Snapshot),
	}
}

func (s *InMemoryStore) Save(ctx context.Context, snap Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snaps[snap.SessionID] = snap
	return nil
}

func (s *InMemoryStore) LoadAll(ctx context.Context) ([]Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snaps := make([]Snapshot, 0, len(s.snaps))
	for _, snap := range s.snaps {
		snaps = append(snaps, snap)
	}
	return snaps, nil
}

func (s *InMemoryStore) Delete(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.snaps, sessionID)
	return nil
}

func (s *InMemoryStore) Close() error {
	return nil
}

// Compile-time interface compliance check
var _ Store = (*InMemoryStore)(nil)
