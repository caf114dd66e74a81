// Package configstore defines the key-value store holding the relay's
// persisted configuration, such as the provisioned assistant id.
//
// Available implementations:
//
//   - features/config/memory: in-memory store for development and testing
//   - features/config/mongo: MongoDB collection of {key, value} documents
//   - features/config/replicated: Pulse replicated map shared by a cluster
//
// Implementations return ErrNotFound for missing keys and must be safe for
// concurrent use.
package configstore

import (
	"context"
	"errors"
)

// AssistantIDKey is the key under which the provisioned assistant id is
// stored.
const AssistantIDKey = "assistant_id"

// ErrNotFound is returned when a key is not present in the store.
var ErrNotFound = errors.New("config key not found")

// Store reads and writes configuration values.
type Store interface {
	// Get returns the value stored under key or ErrNotFound.
	Get(ctx context.Context, key string) (string, error)
	// Set stores value under key, replacing any previous value.
	Set(ctx context.Context, key, value string) error
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}

// Lookup is like Get but reports a missing key with ok=false instead of an
// error.
func Lookup(ctx context.Context, s Store, key string) (value string, ok bool, err error) {
	v, err := s.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}
