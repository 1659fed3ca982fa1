// Package chain wraps multiple try-on providers and provides automatic
// fallback and retry logic. The order of providers is the order of
// preference.
package chain

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/fitsa/fitsa-server/internal/provider"
)

// Chain tries each provider in order, retrying transient failures.
type Chain struct {
	providers  []provider.Provider
	retryCount int
	retryDelay time.Duration
	logger     *log.Logger
}

// Config holds configuration for the Chain.
type Config struct {
	Providers  []provider.Provider
	RetryCount int           // retries per provider (default: 2)
	RetryDelay time.Duration // delay between retries (default: 1s)
	Logger     *log.Logger   // optional
}

// New creates a new Chain.
func New(cfg Config) (*Chain, error) {
	if len(cfg.Providers) == 0 {
		return nil, errors.New("chain: at least one provider required")
	}

	retryCount := cfg.RetryCount
	if retryCount < 0 {
		retryCount = 0
	}
	if retryCount == 0 {
		retryCount = 2
	}

	retryDelay := cfg.RetryDelay
	if retryDelay == 0 {
		retryDelay = 1 * time.Second
	}

	logger := cfg.Logger
	if logger == nil {
		logger = log.New(log.Writer(), "[chain] ", log.LstdFlags|log.Lmicroseconds)
	}

	return &Chain{
		providers:  cfg.Providers,
		retryCount: retryCount,
		retryDelay: retryDelay,
		logger:     logger,
	}, nil
}

// Name identifies the chain in logs and results.
func (c *Chain) Name() string { return "chain" }

// TryOn attempts the try-on with the primary provider, falling back to
// subsequent providers on failure. Non-retryable errors skip straight to the
// next provider.
func (c *Chain) TryOn(ctx context.Context, req provider.Request) (provider.Result, error) {
	var lastErr error
	attempts := 0

	for _, prov := range c.providers {
		for attempt := 0; attempt <= c.retryCount; attempt++ {
			select {
			case <-ctx.Done():
				return provider.Result{}, ctx.Err()
			default:
			}

			res, err := prov.TryOn(ctx, req)
			if err == nil {
				if attempts > 0 {
					c.logger.Printf("provider %s succeeded after %d failed attempts", prov.Name(), attempts)
				}
				return res, nil
			}

			lastErr = err
			attempts++
			c.logger.Printf("provider %s attempt %d failed: %v", prov.Name(), attempt+1, err)

			if !isRetryableError(err) {
				break // next provider
			}
			if attempt < c.retryCount {
				select {
				case <-ctx.Done():
					return provider.Result{}, ctx.Err()
				case <-time.After(c.retryDelay):
				}
			}
		}
	}

	return provider.Result{}, fmt.Errorf("chain: all providers failed: %w (attempts: %d)", lastErr, attempts)
}

// isRetryableError determines if an error should trigger a retry on the same
// provider rather than an immediate fallback.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	errStr := err.Error()

	// Network errors are retryable.
	if containsAny(errStr, []string{
		"timeout",
		"connection refused",
		"connection reset",
		"no such host",
		"temporary failure",
	}) {
		return true
	}

	// Rate limits are retryable (the next provider takes over after the
	// retries run out).
	if containsAny(errStr, []string{
		"rate limit",
		"429",
		"too many requests",
	}) {
		return true
	}

	// Server errors are retryable.
	if containsAny(errStr, []string{
		"http 500",
		"http 502",
		"http 503",
		"http 504",
		"internal server error",
		"bad gateway",
		"service unavailable",
		"gateway timeout",
	}) {
		return true
	}

	// Everything else (bad input, auth failures, content policy) is not.
	return false
}

func containsAny(s string, substrings []string) bool {
	lower := strings.ToLower(s)
	for _, sub := range substrings {
		if strings.Contains(lower, sub) {
			return true
		}
	}
	return false
}
