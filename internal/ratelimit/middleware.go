package ratelimit

import (
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"
)

// KeyFunc resolves a request to the user key the limit is tracked under.
// Returning "" exempts the request.
type KeyFunc func(r *http.Request) string

// Middleware wraps an HTTP handler with per-user-key rate limiting.
type Middleware struct {
	limiter *Limiter
	keyFor  KeyFunc
	enabled bool
	logger  *log.Logger
}

// NewMiddleware creates a new rate limiting middleware.
func NewMiddleware(limiter *Limiter, keyFor KeyFunc, enabled bool, logger *log.Logger) *Middleware {
	return &Middleware{
		limiter: limiter,
		keyFor:  keyFor,
		enabled: enabled,
		logger:  logger,
	}
}

// Wrap applies rate limiting to an HTTP handler. Compatible with chi's
// middleware chain.
func (m *Middleware) Wrap(next http.Handler) http.Handler {
	if !m.enabled {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := m.keyFor(r)

		if !m.limiter.Allow(r.Context(), key) {
			m.addRateLimitHeaders(w, r, key)
			if m.logger != nil {
				m.logger.Printf("rate limit exceeded: user=%s path=%s", key, r.URL.Path)
			}
			http.Error(w, "Rate limit exceeded. Please try again later.", http.StatusTooManyRequests)
			return
		}

		m.addRateLimitHeaders(w, r, key)
		next.ServeHTTP(w, r)
	})
}

// addRateLimitHeaders adds standard rate limit headers to the response.
// See: https://datatracker.ietf.org/doc/html/draft-polli-ratelimit-headers
func (m *Middleware) addRateLimitHeaders(w http.ResponseWriter, r *http.Request, key string) {
	if key == "" {
		return
	}
	limit := m.limiter.Capacity()
	remaining := m.limiter.Remaining(r.Context(), key)

	w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%.0f", limit))
	w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%.0f", remaining))

	if remaining < limit {
		secondsToFull := (limit - remaining) / m.limiter.RefillRate()
		resetTime := time.Now().Add(time.Duration(secondsToFull * float64(time.Second)))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(resetTime.Unix(), 10))
	}
}
