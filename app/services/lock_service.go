package services

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrLockTimeout signals that a named lock could not be acquired within the
// caller's timeout. It is a routine coordination outcome, not a failure:
// every caller has a defined degraded path.
var ErrLockTimeout = errors.New("lock acquisition timed out")

// IsLockTimeout reports whether err is a lock acquisition timeout.
func IsLockTimeout(err error) bool {
	return errors.Is(err, ErrLockTimeout)
}

const lockKeyPrefix = "lock_"

// lockPollInterval is the base wait between SETNX attempts; a small jitter
// is added so herds of waiters do not retry in phase.
const lockPollInterval = 50 * time.Millisecond

// LockService provides named, TTL-bounded mutual exclusion on top of the
// shared CacheStore. The TTL is the safety net against crashed holders;
// release is best-effort and owner-checked.
type LockService struct {
	cache  CacheStore
	logger *zap.Logger
}

// NewLockService creates a lock service over the given store.
func NewLockService(cache CacheStore, logger *zap.Logger) *LockService {
	return &LockService{cache: cache, logger: logger}
}

// TryWithLock acquires the named lock for at most ttl, blocking up to
// timeout for acquisition, then runs fn exclusively and releases the lock
// afterwards, fn's error notwithstanding. Returns ErrLockTimeout when the
// lock could not be acquired in time; callers choose their degraded path.
func (s *LockService) TryWithLock(ctx context.Context, name string, ttl, timeout time.Duration, fn func(ctx context.Context) error) error {
	key := lockKeyPrefix + name
	token := uuid.NewString()
	deadline := time.Now().Add(timeout)

	for {
		ok, err := s.cache.SetNX(ctx, key, token, ttl)
		if err != nil {
			// An unreachable coordination layer degrades like contention:
			// the caller's fallback keeps the system live.
			s.logger.Warn("lock acquisition failed, treating as timeout",
				zap.String("lock", name), zap.Error(err))
			return ErrLockTimeout
		}
		if ok {
			break
		}
		if time.Now().After(deadline) {
			return ErrLockTimeout
		}

		wait := lockPollInterval + time.Duration(rand.Int63n(int64(lockPollInterval/2)))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}

	defer s.release(key, name, token)

	return fn(ctx)
}

// ForceClear removes a lock regardless of owner. Used by emergency
// remediation when the error rate indicates stuck holders.
func (s *LockService) ForceClear(ctx context.Context, name string) error {
	return s.cache.Delete(ctx, lockKeyPrefix+name)
}

// release deletes the lock only when this holder still owns it. The
// read-compare-delete is not atomic; an expired lock taken over by another
// holder in that window is protected by the owner check on our side and by
// the TTL on theirs.
func (s *LockService) release(key, name, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	current, found, err := s.cache.Get(ctx, key)
	if err != nil {
		s.logger.Warn("lock release read failed, relying on TTL expiry",
			zap.String("lock", name), zap.Error(err))
		return
	}
	if !found || current != token {
		return
	}
	if err := s.cache.Delete(ctx, key); err != nil {
		s.logger.Warn("lock release failed, relying on TTL expiry",
			zap.String("lock", name), zap.Error(err))
	}
}
