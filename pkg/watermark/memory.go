package watermark

import (
	"context"
	"fmt"
	"sync"
)

// MemoryStore is an in-memory Store for tests and single-process use.
type MemoryStore struct {
	mu     sync.RWMutex
	values map[string]string
}

// NewMemoryStore creates an empty in-memory watermark store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string]string)}
}

// Get implements Store.
func (s *MemoryStore) Get(ctx context.Context, source string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok := s.values[source]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, source)
	}
	return value, nil
}

// Set implements Store.
func (s *MemoryStore) Set(ctx context.Context, source, watermark string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[source] = watermark
	return nil
}
