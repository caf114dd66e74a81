// Package replicated provides a configuration store backed by a Pulse
// replicated map.
//
// The map is stored in Redis so values survive relay restarts and are shared
// by every relay process joined to the same map.
package replicated

import (
	"context"
	"fmt"

	"goa.design/coderelay/runtime/configstore"
)

type (
	// Map is the replicated map contract used by the store. It is satisfied by
	// *rmap.Map from goa.design/pulse/rmap.
	Map interface {
		Delete(ctx context.Context, key string) (string, error)
		Get(key string) (string, bool)
		Set(ctx context.Context, key, value string) (string, error)
	}

	// Store persists configuration values in a replicated map.
	Store struct {
		m Map
	}
)

const keyPrefix = "relay:config:"

var _ configstore.Store = (*Store)(nil)

// New creates a store backed by m.
func New(m Map) *Store {
	return &Store{m: m}
}

// Get returns the value stored under key.
func (s *Store) Get(ctx context.Context, key string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	v, ok := s.m.Get(keyPrefix + key)
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
	if _, err := s.m.Set(ctx, keyPrefix+key, value); err != nil {
		return fmt.Errorf("store config %q: %w", key, err)
	}
	return nil
}

// Delete removes key.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, ok := s.m.Get(keyPrefix + key); !ok {
		return nil
	}
	if _, err := s.m.Delete(ctx, keyPrefix+key); err != nil {
		return fmt.Errorf("delete config %q: %w", key, err)
	}
	return nil
}
