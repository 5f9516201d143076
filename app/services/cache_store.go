// Package services contains external service integrations and infrastructure adapters.
package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/oroshi/shopver/config"
	"github.com/redis/go-redis/v9"
)

// ErrCacheOperation wraps individual cache read/write failures.
var ErrCacheOperation = errors.New("cache operation failed")

// CacheStore is the shared key-value layer the versioning engine
// coordinates through. Production uses Redis; tests and single-node
// deployments use the in-process store.
type CacheStore interface {
	// Get returns the value and whether the key exists.
	Get(ctx context.Context, key string) (string, bool, error)

	// Set writes a value with a TTL. A non-positive TTL means no expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// SetNX writes the value only if the key is absent, returning whether
	// the write happened. This is the lock acquisition primitive.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// Delete removes a key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// Remember returns the cached value for key, computing and storing it
	// with the given TTL on a miss.
	Remember(ctx context.Context, key string, ttl time.Duration, compute func() (string, error)) (string, error)

	// Close releases underlying resources.
	Close() error
}

// BatchCapable is implemented by stores that can delete a set of keys in
// one round trip.
type BatchCapable interface {
	DeleteMany(ctx context.Context, keys []string) error
}

// TaggableCapable is implemented by stores that group entries under tags
// and can flush a whole group at once.
type TaggableCapable interface {
	DeleteByTag(ctx context.Context, tags []string) error
}

// RedisCacheStore adapts a go-redis client to CacheStore. All keys are
// namespaced with the configured prefix.
type RedisCacheStore struct {
	rc     *redis.Client
	prefix string
}

// NewRedisCacheStore connects to Redis and verifies connectivity.
func NewRedisCacheStore(cfg config.CacheConfig) (*RedisCacheStore, error) {
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	opt.DB = cfg.RedisDB

	rc := redis.NewClient(opt)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rc.Ping(ctx).Err(); err != nil {
		_ = rc.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisCacheStore{rc: rc, prefix: cfg.RedisPrefix}, nil
}

func (s *RedisCacheStore) key(key string) string {
	if s.prefix == "" {
		return key
	}
	return s.prefix + ":" + key
}

func (s *RedisCacheStore) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := s.rc.Get(ctx, s.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("%w: get %q: %v", ErrCacheOperation, key, err)
	}
	return val, true, nil
}

func (s *RedisCacheStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	if err := s.rc.Set(ctx, s.key(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("%w: set %q: %v", ErrCacheOperation, key, err)
	}
	return nil
}

func (s *RedisCacheStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := s.rc.SetNX(ctx, s.key(key), value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("%w: setnx %q: %v", ErrCacheOperation, key, err)
	}
	return ok, nil
}

func (s *RedisCacheStore) Delete(ctx context.Context, key string) error {
	if err := s.rc.Del(ctx, s.key(key)).Err(); err != nil {
		return fmt.Errorf("%w: del %q: %v", ErrCacheOperation, key, err)
	}
	return nil
}

// DeleteMany removes all keys in one DEL round trip.
func (s *RedisCacheStore) DeleteMany(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	prefixed := make([]string, len(keys))
	for i, k := range keys {
		prefixed[i] = s.key(k)
	}
	if err := s.rc.Del(ctx, prefixed...).Err(); err != nil {
		return fmt.Errorf("%w: del batch of %d keys: %v", ErrCacheOperation, len(keys), err)
	}
	return nil
}

func (s *RedisCacheStore) Remember(ctx context.Context, key string, ttl time.Duration, compute func() (string, error)) (string, error) {
	val, found, err := s.Get(ctx, key)
	if err != nil {
		return "", err
	}
	if found {
		return val, nil
	}

	val, err = compute()
	if err != nil {
		return "", err
	}
	if err := s.Set(ctx, key, val, ttl); err != nil {
		return "", err
	}
	return val, nil
}

func (s *RedisCacheStore) Close() error {
	return s.rc.Close()
}
