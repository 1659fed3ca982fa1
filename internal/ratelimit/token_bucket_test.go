package ratelimit

import (
	"sync"
	"testing"
	"time"
)

func TestTokenBucketBurstThenDeny(t *testing.T) {
	tb := NewTokenBucket(10, 5)

	for i := 0; i < 10; i++ {
		if !tb.Allow() {
			t.Errorf("burst request %d should be allowed", i)
		}
	}
	if tb.Allow() {
		t.Error("request past capacity should be denied")
	}
}

func TestTokenBucketAllowN(t *testing.T) {
	tb := NewTokenBucket(100, 10)

	if !tb.AllowN(50) {
		t.Error("should allow 50 tokens")
	}
	if tb.AllowN(60) {
		t.Error("should deny 60 tokens when only ~50 remain")
	}
	remaining := tb.Remaining()
	if remaining < 49 || remaining > 51 {
		t.Errorf("expected ~50 remaining, got %f", remaining)
	}
}

func TestTokenBucketRefill(t *testing.T) {
	tb := NewTokenBucket(100, 50)
	tb.AllowN(100)

	time.Sleep(500 * time.Millisecond)

	remaining := tb.Remaining()
	if remaining < 23 || remaining > 27 {
		t.Errorf("expected ~25 tokens after 500ms at 50/sec, got %f", remaining)
	}
}

func TestTokenBucketReset(t *testing.T) {
	tb := NewTokenBucket(100, 10)
	tb.AllowN(100)
	tb.Reset()

	if remaining := tb.Remaining(); remaining != 100 {
		t.Errorf("expected full bucket after reset, got %f", remaining)
	}
}

func TestTokenBucketConcurrent(t *testing.T) {
	tb := NewTokenBucket(1000, 100)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				tb.Allow()
			}
		}()
	}
	wg.Wait()

	if remaining := tb.Remaining(); remaining > 1 {
		t.Errorf("expected empty bucket after 1000 concurrent takes, got %f", remaining)
	}
}
