package ratelimit

import (
	"context"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestLimiterAllow(t *testing.T) {
	limiter := NewLimiter(Config{
		Store:             NewMemoryStoreWithCleanup(0),
		RequestsPerMinute: 60,
		Burst:             10,
	})
	defer limiter.Close()
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		if !limiter.Allow(ctx, "user-a") {
			t.Errorf("request %d should be allowed", i)
		}
	}
	if limiter.Allow(ctx, "user-a") {
		t.Error("request past burst should be denied")
	}

	// A different user key has its own bucket.
	if !limiter.Allow(ctx, "user-b") {
		t.Error("different user should be allowed")
	}
	// The empty key is exempt.
	if !limiter.Allow(ctx, "") {
		t.Error("empty key should never be limited")
	}
}

func TestLimiterReset(t *testing.T) {
	limiter := NewLimiter(Config{
		Store:             NewMemoryStoreWithCleanup(0),
		RequestsPerMinute: 60,
		Burst:             3,
	})
	defer limiter.Close()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		limiter.Allow(ctx, "user-a")
	}
	if limiter.Allow(ctx, "user-a") {
		t.Fatal("bucket should be empty")
	}
	if err := limiter.Reset(ctx, "user-a"); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if !limiter.Allow(ctx, "user-a") {
		t.Fatal("reset bucket should allow again")
	}
}

func TestLimiterRefill(t *testing.T) {
	// 600/min = 10/sec: an empty bucket regains a token within ~100ms.
	limiter := NewLimiter(Config{
		Store:             NewMemoryStoreWithCleanup(0),
		RequestsPerMinute: 600,
		Burst:             2,
	})
	defer limiter.Close()
	ctx := context.Background()

	limiter.Allow(ctx, "user-a")
	limiter.Allow(ctx, "user-a")
	if limiter.Allow(ctx, "user-a") {
		t.Fatal("bucket should be empty")
	}

	time.Sleep(150 * time.Millisecond)
	if !limiter.Allow(ctx, "user-a") {
		t.Fatal("bucket should have refilled one token")
	}
}

func TestMiddleware(t *testing.T) {
	limiter := NewLimiter(Config{
		Store:             NewMemoryStoreWithCleanup(0),
		RequestsPerMinute: 60,
		Burst:             2,
	})
	defer limiter.Close()

	keyFor := func(r *http.Request) string { return r.Header.Get("X-Test-User") }
	mw := NewMiddleware(limiter, keyFor, true, log.New(io.Discard, "", 0))

	handler := mw.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	do := func(user string) *httptest.ResponseRecorder {
		r := httptest.NewRequest(http.MethodGet, "/api/credits/status", nil)
		if user != "" {
			r.Header.Set("X-Test-User", user)
		}
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, r)
		return w
	}

	if w := do("alice"); w.Code != http.StatusOK {
		t.Fatalf("first request status %d", w.Code)
	}
	if w := do("alice"); w.Code != http.StatusOK {
		t.Fatalf("second request status %d", w.Code)
	}
	w := do("alice")
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("third request status %d, want 429", w.Code)
	}
	if w.Header().Get("X-RateLimit-Limit") != "2" {
		t.Fatalf("missing rate limit headers: %v", w.Header())
	}

	// Other users are unaffected.
	if w := do("bob"); w.Code != http.StatusOK {
		t.Fatalf("bob status %d", w.Code)
	}
	// Requests without a key pass through.
	if w := do(""); w.Code != http.StatusOK {
		t.Fatalf("anonymous status %d", w.Code)
	}
}

func TestMiddlewareDisabled(t *testing.T) {
	limiter := NewLimiter(Config{
		Store:             NewMemoryStoreWithCleanup(0),
		RequestsPerMinute: 60,
		Burst:             1,
	})
	defer limiter.Close()

	mw := NewMiddleware(limiter, func(*http.Request) string { return "x" }, false, nil)
	handler := mw.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	for i := 0; i < 5; i++ {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, r)
		if w.Code != http.StatusOK {
			t.Fatalf("disabled middleware limited request %d", i)
		}
	}
}
