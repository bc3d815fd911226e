package store

import (
	"context"
	"sync"

	"github.com/burntcarrot/otpad/commons"
)

// MemoryStore keeps histories in memory. Useful for testing and development.
type MemoryStore struct {
	mu   sync.RWMutex
	docs map[string][]commons.Commit
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[string][]commons.Commit)}
}

func (m *MemoryStore) Append(_ context.Context, documentID string, commit commons.Commit) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	history := m.docs[documentID]
	if err := checkNext(len(history), commit); err != nil {
		return err
	}
	m.docs[documentID] = append(history, commit)
	return nil
}

func (m *MemoryStore) Load(_ context.Context, documentID string) ([]commons.Commit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	history := m.docs[documentID]
	out := make([]commons.Commit, len(history))
	copy(out, history)
	return out, nil
}

func (m *MemoryStore) Close() error {
	return nil
}

var _ HistoryStore = (*MemoryStore)(nil)
