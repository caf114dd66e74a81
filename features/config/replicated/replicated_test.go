package replicated

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"goa.design/coderelay/runtime/configstore"
)

type fakeMap struct {
	mu      sync.RWMutex
	content map[string]string
	setErr  error
}

var _ Map = (*fakeMap)(nil)

func newFakeMap() *fakeMap {
	return &fakeMap{content: make(map[string]string)}
}

func (m *fakeMap) Get(key string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.content[key]
	return v, ok
}

func (m *fakeMap) Set(ctx context.Context, key, value string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if m.setErr != nil {
		return "", m.setErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	prev := m.content[key]
	m.content[key] = value
	return prev, nil
}

func (m *fakeMap) Delete(ctx context.Context, key string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	prev := m.content[key]
	delete(m.content, key)
	return prev, nil
}

func TestStorePrefixesKeys(t *testing.T) {
	ctx := context.Background()
	m := newFakeMap()
	s := New(m)

	require.NoError(t, s.Set(ctx, configstore.AssistantIDKey, "asst_1"))
	require.Equal(t, "asst_1", m.content["relay:config:assistant_id"])

	v, err := s.Get(ctx, configstore.AssistantIDKey)
	require.NoError(t, err)
	require.Equal(t, "asst_1", v)

	require.NoError(t, s.Delete(ctx, configstore.AssistantIDKey))
	_, err = s.Get(ctx, configstore.AssistantIDKey)
	require.ErrorIs(t, err, configstore.ErrNotFound)
	require.NoError(t, s.Delete(ctx, configstore.AssistantIDKey))
}

func TestStoreWrapsMapErrors(t *testing.T) {
	m := newFakeMap()
	m.setErr = errors.New("redis down")
	err := New(m).Set(context.Background(), "k", "v")
	require.ErrorContains(t, err, `store config "k"`)
	require.ErrorIs(t, err, m.setErr)
}
