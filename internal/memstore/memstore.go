// Package memstore implements condamap.BlobStore in process memory.
package memstore

import (
	"context"
	"slices"
	"strings"
	"sync"

	"github.com/pseudomuto/condamap"
)

// Store is a condamap.BlobStore and condamap.Deleter held in memory. It is safe
// for concurrent use.
type Store struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// New returns an empty Store.
func New() *Store {
	return &Store{data: make(map[string][]byte)}
}

// Get implements condamap.BlobStore.
func (s *Store) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.data[key]
	if !ok {
		return nil, condamap.ErrNotFound
	}
	return slices.Clone(v), nil
}

// Put implements condamap.BlobStore.
func (s *Store) Put(_ context.Context, key string, data []byte, opts condamap.PutOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.data[key]; ok && !opts.Overwrite {
		return condamap.ErrExists
	}
	s.data[key] = slices.Clone(data)
	return nil
}

// List implements condamap.BlobStore.
func (s *Store) List(_ context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var keys []string
	for k := range s.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)
	return keys, nil
}

// Exists implements condamap.BlobStore.
func (s *Store) Exists(_ context.Context, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.data[key]
	return ok, nil
}

// Delete implements condamap.Deleter.
func (s *Store) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.data, key)
	return nil
}

// Len returns the number of stored keys.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}
