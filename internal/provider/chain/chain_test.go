package chain

import (
	"context"
	"errors"
	"io"
	"log"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fitsa/fitsa-server/internal/provider"
)

// mockProvider simulates a provider that can succeed or fail a configured
// number of times.
type mockProvider struct {
	name      string
	err       error
	failCount int   // fail this many calls, then succeed; 0 with err set = always fail
	calls     int32 // total calls observed
}

func (m *mockProvider) Name() string { return m.name }

func (m *mockProvider) TryOn(ctx context.Context, req provider.Request) (provider.Result, error) {
	select {
	case <-ctx.Done():
		return provider.Result{}, ctx.Err()
	default:
	}

	n := atomic.AddInt32(&m.calls, 1)
	if m.err != nil && (m.failCount == 0 || int(n) <= m.failCount) {
		return provider.Result{}, m.err
	}
	return provider.Result{ImageDataURI: "data:image/png;base64,", Method: m.name}, nil
}

func validRequest() provider.Request {
	return provider.Request{
		PersonImage:  []byte("person"),
		GarmentImage: []byte("garment"),
		Category:     provider.CategoryUpperBody,
	}
}

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func TestNewRequiresProviders(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatalf("expected error for empty provider list")
	}
}

func TestFirstProviderWins(t *testing.T) {
	primary := &mockProvider{name: "primary"}
	backup := &mockProvider{name: "backup"}
	c, err := New(Config{Providers: []provider.Provider{primary, backup}, Logger: quietLogger()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	res, err := c.TryOn(context.Background(), validRequest())
	if err != nil {
		t.Fatalf("TryOn: %v", err)
	}
	if res.Method != "primary" {
		t.Fatalf("expected primary provider, got %s", res.Method)
	}
	if atomic.LoadInt32(&backup.calls) != 0 {
		t.Fatalf("backup should not have been called")
	}
}

func TestFallbackOnNonRetryableError(t *testing.T) {
	primary := &mockProvider{name: "primary", err: errors.New("http 401: invalid api key")}
	backup := &mockProvider{name: "backup"}
	c, err := New(Config{Providers: []provider.Provider{primary, backup}, Logger: quietLogger()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	res, err := c.TryOn(context.Background(), validRequest())
	if err != nil {
		t.Fatalf("TryOn: %v", err)
	}
	if res.Method != "backup" {
		t.Fatalf("expected backup provider, got %s", res.Method)
	}
	// Non-retryable errors must not burn retries on the failing provider.
	if got := atomic.LoadInt32(&primary.calls); got != 1 {
		t.Fatalf("primary called %d times, want 1", got)
	}
}

func TestRetryOnTransientError(t *testing.T) {
	flaky := &mockProvider{name: "flaky", err: errors.New("http 503: service unavailable"), failCount: 2}
	c, err := New(Config{
		Providers:  []provider.Provider{flaky},
		RetryCount: 2,
		RetryDelay: time.Millisecond,
		Logger:     quietLogger(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	res, err := c.TryOn(context.Background(), validRequest())
	if err != nil {
		t.Fatalf("TryOn: %v", err)
	}
	if res.Method != "flaky" {
		t.Fatalf("expected flaky provider to recover, got %s", res.Method)
	}
	if got := atomic.LoadInt32(&flaky.calls); got != 3 {
		t.Fatalf("flaky called %d times, want 3", got)
	}
}

func TestAllProvidersFailing(t *testing.T) {
	a := &mockProvider{name: "a", err: errors.New("http 400: bad request")}
	b := &mockProvider{name: "b", err: errors.New("http 403: forbidden")}
	c, err := New(Config{Providers: []provider.Provider{a, b}, RetryDelay: time.Millisecond, Logger: quietLogger()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_, err = c.TryOn(context.Background(), validRequest())
	if err == nil {
		t.Fatalf("expected failure when every provider fails")
	}
	if !strings.Contains(err.Error(), "all providers failed") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestContextCancellationStopsChain(t *testing.T) {
	slow := &mockProvider{name: "slow", err: errors.New("timeout")}
	c, err := New(Config{
		Providers:  []provider.Provider{slow},
		RetryCount: 3,
		RetryDelay: time.Hour, // cancellation must interrupt the wait
		Logger:     quietLogger(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	done := make(chan error, 1)
	go func() {
		_, err := c.TryOn(ctx, validRequest())
		done <- err
	}()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("chain did not stop on cancellation")
	}
}

func TestRetryableClassification(t *testing.T) {
	tests := []struct {
		err  string
		want bool
	}{
		{"connection refused", true},
		{"http 429: too many requests", true},
		{"http 502: bad gateway", true},
		{"http 401: unauthorized", false},
		{"gemini: no image data in response", false},
	}
	for _, tt := range tests {
		if got := isRetryableError(errors.New(tt.err)); got != tt.want {
			t.Errorf("isRetryableError(%q) = %v, want %v", tt.err, got, tt.want)
		}
	}
}
