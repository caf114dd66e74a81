// Package memory provides an in-memory configuration store.
//
// Values are lost when the process exits. It is suitable for development, the
// -dev mode of the relay server and tests.
package memory

import (
	"context"
	"sync"

	"goa.design/coderelay/runtime/configstore"
)

// Store is an in-memory configstore.Store. It is safe for concurrent use.
type Store struct {
	mu     sync.RWMutex
	values map[string]string
}

var _ configstore.Store = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{values: make(map[string]string)}
}

// Get returns the value stored under key.
func (s *Store) Get(ctx context.Context, key string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	if !ok {
		return "", configstore.ErrNotFound
	}
	return v, nil
}

// Set stores value under key.
func (s *Store) Set(ctx context.Context, key, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
	return nil
}

// Delete removes key.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, key)
	return nil
}
