package cachemanager

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestInMemoryCacheManager_SetAndGet(t *testing.T) {
	cache := NewInMemoryCacheManager[string, string]("resolve", DefaultExpiration, DefaultCleanupInterval)
	cache.Set(context.Background(), "pwsh", "/usr/bin/pwsh", DefaultExpiration)

	got, ok := cache.Get(context.Background(), "pwsh")
	require.True(t, ok)
	require.Equal(t, "/usr/bin/pwsh", got)
}

func TestInMemoryCacheManager_Miss(t *testing.T) {
	cache := NewInMemoryCacheManager[string, string]("resolve", DefaultExpiration, DefaultCleanupInterval)

	got, ok := cache.Get(context.Background(), "missing")
	require.False(t, ok)
	require.Empty(t, got)
}

func TestInMemoryCacheManager_WrongType(t *testing.T) {
	cache := NewInMemoryCacheManager[string, string]("resolve", DefaultExpiration, DefaultCleanupInterval)
	cache.cache.Set("key", 123, DefaultExpiration)

	got, ok := cache.Get(context.Background(), "key")
	require.False(t, ok)
	require.Empty(t, got)
}

func TestInMemoryCacheManager_Expiry(t *testing.T) {
	cache := NewInMemoryCacheManager[string, int]("run", 10*time.Millisecond, time.Minute)
	cache.Set(context.Background(), "t1", 1, 10*time.Millisecond)

	time.Sleep(30 * time.Millisecond)

	_, ok := cache.Get(context.Background(), "t1")
	require.False(t, ok, "entry should have expired")
}

func TestInMemoryCacheManager_DeleteAndFlush(t *testing.T) {
	cache := NewInMemoryCacheManager[string, int]("run", DefaultExpiration, DefaultCleanupInterval)
	ctx := context.Background()
	cache.Set(ctx, "a", 1, DefaultExpiration)
	cache.Set(ctx, "b", 2, DefaultExpiration)

	require.NoError(t, cache.Delete(ctx, "a"))
	_, ok := cache.Get(ctx, "a")
	require.False(t, ok)

	require.NoError(t, cache.Flush(ctx))
	_, ok = cache.Get(ctx, "b")
	require.False(t, ok)
}

func TestInMemoryCacheManager_Items(t *testing.T) {
	cache := NewInMemoryCacheManager[string, int]("run", DefaultExpiration, DefaultCleanupInterval)
	ctx := context.Background()
	cache.Set(ctx, "a", 1, DefaultExpiration)
	cache.Set(ctx, "b", 2, DefaultExpiration)

	require.Equal(t, map[string]int{"a": 1, "b": 2}, cache.Items())
}

func TestReadThroughCache_CallsThroughOnMiss(t *testing.T) {
	calls := 0
	cache := NewInMemoryCacheManager[string, string]("resolve", DefaultExpiration, DefaultCleanupInterval)
	rtc := NewReadThroughCache[string, string, string](
		cache,
		func(ctx context.Context, input string) (string, error) {
			calls++
			return "/bin/" + input, nil
		},
		false,
	)

	ctx := context.Background()
	got, err := rtc.Get(ctx, "pwsh", "pwsh", time.Minute)
	require.NoError(t, err)
	require.Equal(t, "/bin/pwsh", got)

	got, err = rtc.Get(ctx, "pwsh", "pwsh", time.Minute)
	require.NoError(t, err)
	require.Equal(t, "/bin/pwsh", got)
	require.Equal(t, 1, calls, "second get should be served from cache")
}

func TestReadThroughCache_ErrorNotCached(t *testing.T) {
	lookupErr := errors.New("not found")
	calls := 0
	cache := NewInMemoryCacheManager[string, string]("resolve", DefaultExpiration, DefaultCleanupInterval)
	rtc := NewReadThroughCache[string, string, string](
		cache,
		func(ctx context.Context, input string) (string, error) {
			calls++
			return "", lookupErr
		},
		false,
	)

	ctx := context.Background()
	_, err := rtc.Get(ctx, "pwsh", "pwsh", time.Minute)
	require.ErrorIs(t, err, lookupErr)

	_, err = rtc.Get(ctx, "pwsh", "pwsh", time.Minute)
	require.ErrorIs(t, err, lookupErr)
	require.Equal(t, 2, calls, "errors are not cached")
}

func TestReadThroughCache_Invalidate(t *testing.T) {
	calls := 0
	cache := NewInMemoryCacheManager[string, string]("resolve", DefaultExpiration, DefaultCleanupInterval)
	rtc := NewReadThroughCache[string, string, string](
		cache,
		func(ctx context.Context, input string) (string, error) {
			calls++
			return input, nil
		},
		false,
	)

	ctx := context.Background()
	_, err := rtc.Get(ctx, "k", "v", time.Minute)
	require.NoError(t, err)
	require.NoError(t, rtc.Invalidate(ctx, "k"))
	_, err = rtc.Get(ctx, "k", "v", time.Minute)
	require.NoError(t, err)
	require.Equal(t, 2, calls)
}
