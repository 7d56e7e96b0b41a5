package diffcache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func counter(calls *int, payload string) func(context.Context) ([]byte, error) {
	return func(context.Context) ([]byte, error) {
		*calls++
		return []byte(payload), nil
	}
}

func TestGetOrComputeCachesPerVersionAndMode(t *testing.T) {
	m := New(Config{Enabled: true})
	ctx := context.Background()
	calls := 0

	key := Key{FileChangeID: "doc@filechange-2.1", Version: "filechange-2.1", Mode: "author"}
	first, err := m.GetOrCompute(ctx, key, counter(&calls, "<p>a</p>"))
	require.NoError(t, err)
	second, err := m.GetOrCompute(ctx, key, counter(&calls, "<p>changed</p>"))
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, calls)

	guest := key
	guest.Mode = "guest"
	_, err = m.GetOrCompute(ctx, guest, counter(&calls, "<p>guest</p>"))
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	again, err := m.GetOrCompute(ctx, key, counter(&calls, "unused"))
	require.NoError(t, err)
	assert.Equal(t, "<p>a</p>", string(again))
	assert.Equal(t, 2, calls)

	newer := key
	newer.Version = "filechange-2.2"
	_, err = m.GetOrCompute(ctx, newer, counter(&calls, "<p>b</p>"))
	require.NoError(t, err)
	assert.Equal(t, 3, calls)

	stats := m.Stats()
	assert.Equal(t, uint64(2), stats.Hits)
	assert.Equal(t, uint64(3), stats.Misses)
}

func TestInvalidate(t *testing.T) {
	m := New(Config{Enabled: true})
	ctx := context.Background()
	calls := 0
	key := Key{FileChangeID: "a", Version: "filechange-1.1", Mode: "author"}
	other := Key{FileChangeID: "b", Version: "filechange-1.1", Mode: "author"}

	_, _ = m.GetOrCompute(ctx, key, counter(&calls, "x"))
	_, _ = m.GetOrCompute(ctx, other, counter(&calls, "y"))
	m.Invalidate("a")
	_, _ = m.GetOrCompute(ctx, key, counter(&calls, "x"))
	_, _ = m.GetOrCompute(ctx, other, counter(&calls, "y"))
	assert.Equal(t, 3, calls)

	m.InvalidateAll()
	assert.Equal(t, 0, m.Len())
}

func TestDisabledCacheIsTransparent(t *testing.T) {
	ctx := context.Background()
	render := func(context.Context) ([]byte, error) { return []byte("<ins>B</ins>"), nil }
	key := Key{FileChangeID: "a", Version: "filechange-1.1", Mode: "author"}

	enabled := New(Config{Enabled: true})
	disabled := New(Config{Enabled: false})

	cached, err := enabled.GetOrCompute(ctx, key, render)
	require.NoError(t, err)
	cachedAgain, err := enabled.GetOrCompute(ctx, key, render)
	require.NoError(t, err)
	uncached, err := disabled.GetOrCompute(ctx, key, render)
	require.NoError(t, err)

	assert.Equal(t, cached, cachedAgain)
	assert.Equal(t, cached, uncached)
	assert.Equal(t, 0, disabled.Len())
}

func TestErrorsAreNotCached(t *testing.T) {
	m := New(Config{Enabled: true})
	key := Key{FileChangeID: "a", Version: "filechange-1.1", Mode: "author"}
	_, err := m.GetOrCompute(context.Background(), key, func(context.Context) ([]byte, error) {
		return nil, errors.New("renderer down")
	})
	require.Error(t, err)
	assert.Equal(t, 0, m.Len())
}

func TestEvictionIsBounded(t *testing.T) {
	m := New(Config{Enabled: true, Size: 2})
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		key := Key{FileChangeID: fmt.Sprintf("fc-%d", i), Version: "filechange-1.1", Mode: "author"}
		_, err := m.GetOrCompute(ctx, key, func(context.Context) ([]byte, error) { return []byte("x"), nil })
		require.NoError(t, err)
	}
	assert.Equal(t, 2, m.Len())
	assert.Equal(t, uint64(3), m.Stats().Evictions)
}

func TestConcurrentAccess(t *testing.T) {
	m := New(Config{Enabled: true, Size: 8})
	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := Key{FileChangeID: fmt.Sprintf("fc-%d", i%4), Version: "filechange-1.1", Mode: "author"}
			rendered, err := m.GetOrCompute(ctx, key, func(context.Context) ([]byte, error) {
				return []byte(key.FileChangeID), nil
			})
			assert.NoError(t, err)
			assert.Equal(t, key.FileChangeID, string(rendered))
		}(i)
	}
	wg.Wait()
}
