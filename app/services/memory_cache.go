package services

import (
	"context"
	"sync"
	"time"

	"github.com/oroshi/shopver/utils"
)

type memoryEntry struct {
	value     string
	expiresAt time.Time // zero means no expiry
}

func (e memoryEntry) expired() bool {
	return !e.expiresAt.IsZero() && utils.UTCNow().After(e.expiresAt)
}

// MemoryCacheStore is a mutex-guarded in-process CacheStore used for the
// "memory" cache provider and as the test double. It supports batched
// deletes and tag-grouped invalidation, so it exercises both capability
// interfaces.
type MemoryCacheStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	tags    map[string]map[string]struct{}
}

// NewMemoryCacheStore creates an empty in-process store.
func NewMemoryCacheStore() *MemoryCacheStore {
	return &MemoryCacheStore{
		entries: make(map[string]memoryEntry),
		tags:    make(map[string]map[string]struct{}),
	}
}

func (s *MemoryCacheStore) Get(ctx context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		return "", false, nil
	}
	if e.expired() {
		delete(s.entries, key)
		return "", false, nil
	}
	return e.value, true, nil
}

func (s *MemoryCacheStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[key] = s.newEntry(value, ttl)
	return nil
}

// SetTagged writes a value and registers it under the given tag groups.
func (s *MemoryCacheStore) SetTagged(ctx context.Context, key, value string, ttl time.Duration, tags ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[key] = s.newEntry(value, ttl)
	for _, tag := range tags {
		if s.tags[tag] == nil {
			s.tags[tag] = make(map[string]struct{})
		}
		s.tags[tag][key] = struct{}{}
	}
	return nil
}

func (s *MemoryCacheStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[key]; ok && !e.expired() {
		return false, nil
	}
	s.entries[key] = s.newEntry(value, ttl)
	return true, nil
}

func (s *MemoryCacheStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.remove(key)
	return nil
}

// DeleteMany removes a set of keys under one lock acquisition.
func (s *MemoryCacheStore) DeleteMany(ctx context.Context, keys []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, key := range keys {
		s.remove(key)
	}
	return nil
}

// DeleteByTag flushes every key registered under any of the given tags.
func (s *MemoryCacheStore) DeleteByTag(ctx context.Context, tags []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, tag := range tags {
		for key := range s.tags[tag] {
			delete(s.entries, key)
		}
		delete(s.tags, tag)
	}
	return nil
}

func (s *MemoryCacheStore) Remember(ctx context.Context, key string, ttl time.Duration, compute func() (string, error)) (string, error) {
	if val, found, _ := s.Get(ctx, key); found {
		return val, nil
	}

	val, err := compute()
	if err != nil {
		return "", err
	}
	if err := s.Set(ctx, key, val, ttl); err != nil {
		return "", err
	}
	return val, nil
}

func (s *MemoryCacheStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries = make(map[string]memoryEntry)
	s.tags = make(map[string]map[string]struct{})
	return nil
}

// Len reports the number of live entries. Expired entries still pending
// lazy removal are excluded.
func (s *MemoryCacheStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, e := range s.entries {
		if !e.expired() {
			n++
		}
	}
	return n
}

// Keys lists the live entry keys in no particular order.
func (s *MemoryCacheStore) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make([]string, 0, len(s.entries))
	for key, e := range s.entries {
		if !e.expired() {
			keys = append(keys, key)
		}
	}
	return keys
}

func (s *MemoryCacheStore) newEntry(value string, ttl time.Duration) memoryEntry {
	e := memoryEntry{value: value}
	if ttl > 0 {
		e.expiresAt = utils.UTCNow().Add(ttl)
	}
	return e
}

// remove must be called with the mutex held.
func (s *MemoryCacheStore) remove(key string) {
	delete(s.entries, key)
	for tag, keys := range s.tags {
		delete(keys, key)
		if len(keys) == 0 {
			delete(s.tags, tag)
		}
	}
}
