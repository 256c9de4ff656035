package auth

import (
	"context"
	"sync"
	"time"
)

// Store tracks live bridge-session ids. Deleting an id revokes the token
// that carries it; a missing or expired id makes liveness probes fail.
type Store interface {
	Put(ctx context.Context, id string, userID int64, ttl time.Duration) error
	Exists(ctx context.Context, id string) (bool, error)
	Del(ctx context.Context, id string) error
}

type memoryEntry struct {
	userID  int64
	expires time.Time
}

// MemoryStore is a process-local Store. Suitable for single-node
// deployments and tests.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]memoryEntry)}
}

// Put implements Store.
func (m *MemoryStore) Put(_ context.Context, id string, userID int64, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[id] = memoryEntry{userID: userID, expires: time.Now().Add(ttl)}
	return nil
}

// Exists implements Store.
func (m *MemoryStore) Exists(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return false, nil
	}
	if time.Now().After(e.expires) {
		delete(m.entries, id)
		return false, nil
	}
	return true, nil
}

// Del implements Store.
func (m *MemoryStore) Del(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, id)
	return nil
}
