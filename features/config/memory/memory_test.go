package memory

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"goa.design/coderelay/runtime/configstore"
)

func TestGetSetDelete(t *testing.T) {
	ctx := context.Background()
	s := New()

	_, err := s.Get(ctx, configstore.AssistantIDKey)
	require.ErrorIs(t, err, configstore.ErrNotFound)

	require.NoError(t, s.Set(ctx, configstore.AssistantIDKey, "asst_1"))
	require.NoError(t, s.Set(ctx, configstore.AssistantIDKey, "asst_2"))
	v, err := s.Get(ctx, configstore.AssistantIDKey)
	require.NoError(t, err)
	require.Equal(t, "asst_2", v)

	require.NoError(t, s.Delete(ctx, configstore.AssistantIDKey))
	require.NoError(t, s.Delete(ctx, configstore.AssistantIDKey))
	_, ok, err := configstore.Lookup(ctx, s, configstore.AssistantIDKey)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s := New()
	require.ErrorIs(t, s.Set(ctx, "k", "v"), context.Canceled)
	_, err := s.Get(ctx, "k")
	require.ErrorIs(t, err, context.Canceled)
}

func TestConcurrentAccess(t *testing.T) {
	ctx := context.Background()
	s := New()
	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			key := fmt.Sprintf("k%d", i%5)
			_ = s.Set(ctx, key, "v")
			_, _ = s.Get(ctx, key)
		}()
	}
	wg.Wait()
	for i := range 5 {
		v, err := s.Get(ctx, fmt.Sprintf("k%d", i))
		require.NoError(t, err)
		require.Equal(t, "v", v)
	}
}
