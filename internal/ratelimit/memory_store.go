package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryStore implements an in-memory rate limit store using token buckets.
// Suitable for single-instance deployments. For distributed deployments, use
// RedisStore.
type MemoryStore struct {
	buckets map[string]*TokenBucket
	mu      sync.RWMutex

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
}

// NewMemoryStore creates a new in-memory rate limit store.
func NewMemoryStore() *MemoryStore {
	return NewMemoryStoreWithCleanup(5 * time.Minute)
}

// NewMemoryStoreWithCleanup creates a new in-memory store with custom cleanup interval.
func NewMemoryStoreWithCleanup(cleanupInterval time.Duration) *MemoryStore {
	s := &MemoryStore{
		buckets:         make(map[string]*TokenBucket),
		cleanupInterval: cleanupInterval,
		stopCleanup:     make(chan struct{}),
	}
	go s.cleanupLoop()
	return s
}

// Allow checks if a request under the key should be allowed.
func (s *MemoryStore) Allow(ctx context.Context, key string, capacity, refillRate float64) (bool, float64, error) {
	bucket := s.bucket(key, capacity, refillRate)
	allowed := bucket.Allow()
	return allowed, bucket.Remaining(), nil
}

// Remaining returns remaining tokens for the key.
func (s *MemoryStore) Remaining(ctx context.Context, key string, capacity, refillRate float64) (float64, error) {
	return s.bucket(key, capacity, refillRate).Remaining(), nil
}

// Reset refills the bucket for the key.
func (s *MemoryStore) Reset(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if bucket, exists := s.buckets[key]; exists {
		bucket.Reset()
	}
	return nil
}

// Close stops background cleanup.
func (s *MemoryStore) Close() error {
	close(s.stopCleanup)
	return nil
}

// bucket gets or creates the token bucket for a key.
func (s *MemoryStore) bucket(key string, capacity, refillRate float64) *TokenBucket {
	s.mu.RLock()
	bucket, exists := s.buckets[key]
	s.mu.RUnlock()
	if exists {
		return bucket
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// Double-check after acquiring write lock
	if bucket, exists = s.buckets[key]; exists {
		return bucket
	}
	bucket = NewTokenBucket(capacity, refillRate)
	s.buckets[key] = bucket
	return bucket
}

// cleanupLoop periodically removes buckets that are full (inactive).
func (s *MemoryStore) cleanupLoop() {
	if s.cleanupInterval <= 0 {
		return
	}
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.cleanup()
		case <-s.stopCleanup:
			return
		}
	}
}

// cleanup removes inactive buckets to prevent unbounded growth. A bucket near
// full capacity has not been touched for a while.
func (s *MemoryStore) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, bucket := range s.buckets {
		if bucket.Remaining() >= bucket.capacity*0.95 {
			delete(s.buckets, key)
		}
	}
}
