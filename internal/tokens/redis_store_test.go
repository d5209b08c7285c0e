package tokens

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-access/internal/observability"
)

func TestRedisStoreRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewRedisStore(client, 12*time.Hour)
	ctx := context.Background()

	_, err := store.Get(ctx, alice.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	entry := Entry{
		Principal: alice,
		Pair: Pair{
			AccessToken:  "a1",
			RefreshToken: "r1",
			ExpiresAt:    time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		},
	}
	require.NoError(t, store.Put(ctx, entry))
	assert.Equal(t, 12*time.Hour, mr.TTL(redisKey(alice.ID)))
	for _, key := range mr.Keys() {
		assert.NotContains(t, key, alice.ID)
	}

	got, err := store.Get(ctx, alice.ID)
	require.NoError(t, err)
	assert.Equal(t, entry.Principal, got.Principal)
	assert.Equal(t, entry.Pair.AccessToken, got.Pair.AccessToken)
	assert.True(t, entry.Pair.ExpiresAt.Equal(got.Pair.ExpiresAt))

	require.NoError(t, store.Delete(ctx, alice.ID))
	_, err = store.Get(ctx, alice.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisStoreKeepsErrorState(t *testing.T) {
	mr := miniredis.RunT(t)
	store := NewRedisStore(redis.NewClient(&redis.Options{Addr: mr.Addr()}), 0)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, Entry{Principal: alice, Pair: Pair{AccessToken: "a1", ErrorState: ErrorStateRefresh}}))
	got, err := store.Get(ctx, alice.ID)
	require.NoError(t, err)
	assert.True(t, got.Pair.Failed())
}

func TestRedisStoreLockIsExclusiveAndOwned(t *testing.T) {
	mr := miniredis.RunT(t)
	store := NewRedisStore(redis.NewClient(&redis.Options{Addr: mr.Addr()}), 0)
	ctx := context.Background()

	release, ok, err := store.Lock(ctx, alice.ID, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = store.Lock(ctx, alice.ID, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	release()
	assert.False(t, mr.Exists(lockKey(alice.ID)))

	// A lapsed lock taken over by someone else is not released by the first holder.
	release, ok, err = store.Lock(ctx, alice.ID, time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	mr.FastForward(2 * time.Second)
	_, ok, err = store.Lock(ctx, alice.ID, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	release()
	assert.True(t, mr.Exists(lockKey(alice.ID)))
}

func TestSharedStoreRedeemsRefreshTokenOnceAcrossInstances(t *testing.T) {
	mr := miniredis.RunT(t)
	store := NewRedisStore(redis.NewClient(&redis.Options{Addr: mr.Addr()}), 0)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	refresher := &stubRefresher{release: make(chan struct{}), now: func() time.Time { return now }}

	instances := make([]*Service, 2)
	for i := range instances {
		instances[i] = NewService(store, refresher, 30*time.Second, nil, observability.NewMetrics())
		instances[i].now = func() time.Time { return now }
		instances[i].lockPoll = 5 * time.Millisecond
	}
	require.NoError(t, store.Put(ctx, Entry{Principal: alice, Pair: Pair{AccessToken: "a", RefreshToken: "r", ExpiresAt: now.Add(5 * time.Second)}}))

	var wg sync.WaitGroup
	results := make([]Entry, len(instances))
	errs := make([]error, len(instances))
	for i, svc := range instances {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = svc.ValidTokenFor(ctx, alice.ID)
		}()
	}
	require.Eventually(t, func() bool { return refresher.calls.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(refresher.release)
	wg.Wait()

	assert.Equal(t, int32(1), refresher.calls.Load())
	for i := range instances {
		require.NoError(t, errs[i])
		assert.Equal(t, "a+", results[i].Pair.AccessToken)
	}
	assert.False(t, mr.Exists(lockKey(alice.ID)))
}

func TestRefreshLockContentionIsNotUnauthenticated(t *testing.T) {
	mr := miniredis.RunT(t)
	store := NewRedisStore(redis.NewClient(&redis.Options{Addr: mr.Addr()}), 0)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	refresher := &stubRefresher{now: func() time.Time { return now }}
	svc := NewService(store, refresher, 30*time.Second, nil, observability.NewMetrics())
	svc.now = func() time.Time { return now }
	svc.lockTTL = 30 * time.Millisecond
	svc.lockPoll = 5 * time.Millisecond

	require.NoError(t, store.Put(ctx, Entry{Principal: alice, Pair: Pair{AccessToken: "a", RefreshToken: "r", ExpiresAt: now}}))
	require.NoError(t, mr.Set(lockKey(alice.ID), "other-instance"))

	_, err := svc.ValidTokenFor(ctx, alice.ID)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrUnauthenticated)
	assert.Zero(t, refresher.calls.Load())
}
