package stage

import (
	"context"
	"sort"
	"sync"
)

// ObjectStore is the minimal object storage surface the writer needs. Put
// must be atomic (a reader never observes a partial object) and write-once
// (an existing key fails with ErrObjectExists).
type ObjectStore interface {
	Put(ctx context.Context, key string, data []byte) error
}

// MemoryStore is an in-memory ObjectStore for tests. Failures can be
// injected per key to simulate interrupted uploads; a failed put leaves
// nothing visible at the key.
type MemoryStore struct {
	mu       sync.RWMutex
	objects  map[string][]byte
	failures map[string]error
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		objects:  make(map[string][]byte),
		failures: make(map[string]error),
	}
}

// FailKey makes the next Put against key return err instead of storing.
func (s *MemoryStore) FailKey(key string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[key] = err
}

// Put implements ObjectStore.
func (s *MemoryStore) Put(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err, ok := s.failures[key]; ok {
		return err
	}
	if _, exists := s.objects[key]; exists {
		return ErrObjectExists
	}

	buf := make([]byte, len(data))
	copy(buf, data)
	s.objects[key] = buf
	return nil
}

// Get returns the object at key, if present.
func (s *MemoryStore) Get(key string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.objects[key]
	return data, ok
}

// Keys returns all stored keys, sorted.
func (s *MemoryStore) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.objects))
	for k := range s.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Len returns the number of stored objects.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}
