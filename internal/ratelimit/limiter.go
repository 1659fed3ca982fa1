// Package ratelimit throttles requests per pseudonymous user key with a
// token bucket. The storage backend is pluggable: in-memory for a single
// instance, Redis when several instances share one limit.
package ratelimit

import (
	"context"
)

// Store defines the interface for rate limit storage backends.
type Store interface {
	// Allow checks if a request under the key should be allowed, consuming
	// one token if so.
	Allow(ctx context.Context, key string, capacity, refillRate float64) (allowed bool, remaining float64, err error)

	// Remaining returns the tokens currently available for the key.
	Remaining(ctx context.Context, key string, capacity, refillRate float64) (float64, error)

	// Reset refills the key's bucket.
	Reset(ctx context.Context, key string) error

	// Close releases resources.
	Close() error
}

// Limiter manages per-user-key rate limits using a pluggable storage backend.
type Limiter struct {
	store      Store
	capacity   float64
	refillRate float64
}

// Config holds configuration for the rate limiter.
type Config struct {
	// Storage backend (optional, defaults to MemoryStore)
	Store Store

	// RequestsPerMinute is the sustained rate per user key.
	RequestsPerMinute int
	// Burst is the bucket capacity: how many requests may arrive at once.
	Burst int
}

// NewLimiter creates a new rate limiter with the given configuration.
func NewLimiter(cfg Config) *Limiter {
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = 60
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 10
	}

	store := cfg.Store
	if store == nil {
		store = NewMemoryStore()
	}

	return &Limiter{
		store:      store,
		capacity:   float64(cfg.Burst),
		refillRate: float64(cfg.RequestsPerMinute) / 60.0,
	}
}

// Allow checks if a request under the given user key should be allowed.
// Errors from the store fail open: a broken limiter must not take the
// product down with it.
func (l *Limiter) Allow(ctx context.Context, key string) bool {
	if key == "" {
		return true
	}
	allowed, _, err := l.store.Allow(ctx, key, l.capacity, l.refillRate)
	if err != nil {
		return true
	}
	return allowed
}

// Remaining returns the number of tokens left for the key.
func (l *Limiter) Remaining(ctx context.Context, key string) float64 {
	if key == "" {
		return l.capacity
	}
	remaining, err := l.store.Remaining(ctx, key, l.capacity, l.refillRate)
	if err != nil {
		return l.capacity
	}
	return remaining
}

// Capacity returns the configured burst capacity.
func (l *Limiter) Capacity() float64 { return l.capacity }

// RefillRate returns tokens added per second.
func (l *Limiter) RefillRate() float64 { return l.refillRate }

// Reset refills the bucket for a specific key.
func (l *Limiter) Reset(ctx context.Context, key string) error {
	return l.store.Reset(ctx, key)
}

// Close stops the limiter and releases resources.
func (l *Limiter) Close() error {
	return l.store.Close()
}
