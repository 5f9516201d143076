// Package services provides external service integrations and technical concerns like caching and locking
package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestLockService() (*LockService, *MemoryCacheStore) {
	store := NewMemoryCacheStore()
	return NewLockService(store, zap.NewNop()), store
}

func TestTryWithLockRunsFn(t *testing.T) {
	ctx := context.Background()
	locks, store := newTestLockService()

	ran := false
	err := locks.TryWithLock(ctx, "test_lock", time.Minute, time.Second, func(ctx context.Context) error {
		ran = true

		// The lock key must be held while fn runs.
		_, found, _ := store.Get(ctx, "lock_test_lock")
		assert.True(t, found)
		return nil
	})

	require.NoError(t, err)
	assert.True(t, ran)

	// And released afterwards.
	_, found, _ := store.Get(ctx, "lock_test_lock")
	assert.False(t, found)
}

func TestTryWithLockReleasesOnFnError(t *testing.T) {
	ctx := context.Background()
	locks, store := newTestLockService()

	boom := errors.New("fn failed")
	err := locks.TryWithLock(ctx, "test_lock", time.Minute, time.Second, func(ctx context.Context) error {
		return boom
	})

	require.ErrorIs(t, err, boom)
	_, found, _ := store.Get(ctx, "lock_test_lock")
	assert.False(t, found, "lock must be released even when fn fails")
}

func TestTryWithLockTimesOutWhenHeld(t *testing.T) {
	ctx := context.Background()
	locks, store := newTestLockService()

	// Simulate another holder.
	ok, err := store.SetNX(ctx, "lock_busy_lock", "other-owner", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	start := time.Now()
	err = locks.TryWithLock(ctx, "busy_lock", time.Minute, 150*time.Millisecond, func(ctx context.Context) error {
		t.Fatal("fn must not run when the lock is held")
		return nil
	})

	require.Error(t, err)
	assert.True(t, IsLockTimeout(err))
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond, "acquisition must block up to the timeout")

	// The foreign holder's lock must survive the failed acquisition.
	val, found, _ := store.Get(ctx, "lock_busy_lock")
	assert.True(t, found)
	assert.Equal(t, "other-owner", val)
}

func TestTryWithLockMutualExclusion(t *testing.T) {
	ctx := context.Background()
	locks, _ := newTestLockService()

	const workers = 8
	var wg sync.WaitGroup
	var inside, maxInside int
	var mu sync.Mutex

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := locks.TryWithLock(ctx, "exclusive", time.Minute, 5*time.Second, func(ctx context.Context) error {
				mu.Lock()
				inside++
				if inside > maxInside {
					maxInside = inside
				}
				mu.Unlock()

				time.Sleep(5 * time.Millisecond)

				mu.Lock()
				inside--
				mu.Unlock()
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, maxInside, "at most one holder may run the critical section")
}

func TestTryWithLockRespectsContextCancellation(t *testing.T) {
	locks, store := newTestLockService()

	ok, err := store.SetNX(context.Background(), "lock_held", "other-owner", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	err = locks.TryWithLock(ctx, "held", time.Minute, 10*time.Second, func(ctx context.Context) error {
		return nil
	})
	require.ErrorIs(t, err, context.Canceled)
}

func TestForceClear(t *testing.T) {
	ctx := context.Background()
	locks, store := newTestLockService()

	_, err := store.SetNX(ctx, "lock_stuck", "crashed-owner", time.Hour)
	require.NoError(t, err)

	require.NoError(t, locks.ForceClear(ctx, "stuck"))

	_, found, _ := store.Get(ctx, "lock_stuck")
	assert.False(t, found)

	// A new holder can now acquire immediately.
	err = locks.TryWithLock(ctx, "stuck", time.Minute, 100*time.Millisecond, func(ctx context.Context) error {
		return nil
	})
	require.NoError(t, err)
}
