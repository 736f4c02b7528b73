// Package memory stores artifact content in-memory for tests and
// development.
package memory

import (
	"context"
	"fmt"
	"sync"
)

// Store keeps artifact bytes in a map. Each operation takes the lock
// once, so writes are atomic from any reader's perspective.
type Store struct {
	mu       sync.RWMutex
	data     map[string][]byte
	failNext error
}

// New creates an in-memory store.
func New() *Store {
	return &Store{data: make(map[string][]byte)}
}

// FailNext makes the next Write return err. Test hook.
func (s *Store) FailNext(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = err
}

// Write stores a copy of data at path.
func (s *Store) Write(_ context.Context, path string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failNext != nil {
		err := s.failNext
		s.failNext = nil
		return err
	}
	if path == "" {
		return fmt.Errorf("path is required")
	}
	s.data[path] = append([]byte(nil), data...)
	return nil
}

// Read returns a copy of the bytes at path.
func (s *Store) Read(_ context.Context, path string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.data[path]
	if !ok {
		return nil, fmt.Errorf("no object at %q", path)
	}
	return append([]byte(nil), data...), nil
}

// Exists reports whether path holds an object.
func (s *Store) Exists(_ context.Context, path string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.data[path]
	return ok, nil
}

// Delete removes the object at path, if present.
func (s *Store) Delete(_ context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, path)
	return nil
}

// EnsureContainer is a no-op for the map-backed store.
func (s *Store) EnsureContainer(_ context.Context, _ string) error {
	return nil
}

// Len reports how many objects are stored. Test helper.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}
