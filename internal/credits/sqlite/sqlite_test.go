package sqlite

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/fitsa/fitsa-server/internal/credits"
)

func newTestStore(t *testing.T) (*Store, *time.Time) {
	t.Helper()
	dir := t.TempDir()
	store, err := New(filepath.Join(dir, "credits.db"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	now := time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)
	current := &now
	store.now = func() time.Time { return *current }
	return store, current
}

func TestConsumeFreeThenCredits(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	for i, want := range []int{2, 1, 0} {
		out, err := store.TryConsume(ctx, "u1", fmt.Sprintf("hash-%d", i))
		if err != nil {
			t.Fatalf("TryConsume: %v", err)
		}
		if out.ChargeType != credits.ChargeFree || out.RemainingFree != want {
			t.Fatalf("request %d: want remaining %d, got %+v", i, want, out)
		}
	}

	out, err := store.TryConsume(ctx, "u1", "hash-3")
	if err != nil {
		t.Fatalf("TryConsume: %v", err)
	}
	if out.Decision != credits.DecisionNeedsPayment {
		t.Fatalf("expected needs payment, got %+v", out)
	}

	if _, err := store.AddCredits(ctx, "u1", 10, "sess_1"); err != nil {
		t.Fatalf("AddCredits: %v", err)
	}
	out, err = store.TryConsume(ctx, "u1", "hash-4")
	if err != nil {
		t.Fatalf("TryConsume: %v", err)
	}
	if out.ChargeType != credits.ChargeCredit || out.Credits != 9 {
		t.Fatalf("expected credit charge leaving 9, got %+v", out)
	}
}

func TestRefitFlowPersists(t *testing.T) {
	store, current := newTestStore(t)
	ctx := context.Background()

	if _, err := store.TryConsume(ctx, "u1", "hash-H"); err != nil {
		t.Fatalf("TryConsume: %v", err)
	}
	for i := 1; i <= credits.RefitLimit; i++ {
		out, err := store.TryConsume(ctx, "u1", "hash-H")
		if err != nil {
			t.Fatalf("refit %d: %v", i, err)
		}
		if out.ChargeType != credits.ChargeRefit || out.RefitCount != i {
			t.Fatalf("refit %d: %+v", i, out)
		}
	}
	out, err := store.TryConsume(ctx, "u1", "hash-H")
	if err != nil {
		t.Fatalf("TryConsume: %v", err)
	}
	if out.Decision != credits.DecisionRefitLimitExceeded {
		t.Fatalf("expected limit exceeded, got %+v", out)
	}

	*current = current.Add(credits.RefitWindow + time.Minute)
	out, err = store.TryConsume(ctx, "u1", "hash-H")
	if err != nil {
		t.Fatalf("TryConsume: %v", err)
	}
	if out.ChargeType != credits.ChargeRefit || out.RefitCount != 1 {
		t.Fatalf("expected window reset, got %+v", out)
	}
}

func TestRefundRestoresBalance(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	if _, err := store.TryConsume(ctx, "u1", "hash-a"); err != nil {
		t.Fatalf("TryConsume: %v", err)
	}
	if err := store.Refund(ctx, "u1", credits.ChargeFree, "hash-a"); err != nil {
		t.Fatalf("Refund: %v", err)
	}
	st, err := store.Status(ctx, "u1")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.RemainingFree != credits.DailyFreeLimit {
		t.Fatalf("expected full free quota after refund, got %+v", st)
	}

	if err := store.Refund(ctx, "u1", credits.ChargeFree, "hash-wrong"); !errors.Is(err, credits.ErrRefundMismatch) {
		t.Fatalf("expected ErrRefundMismatch, got %v", err)
	}
}

func TestDailyResetSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "credits.db")
	ctx := context.Background()

	now := time.Date(2025, 6, 10, 23, 0, 0, 0, time.UTC)
	current := &now

	store, err := New(path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	store.now = func() time.Time { return *current }
	for i := 0; i < credits.DailyFreeLimit; i++ {
		if _, err := store.TryConsume(ctx, "u1", fmt.Sprintf("hash-%d", i)); err != nil {
			t.Fatalf("TryConsume: %v", err)
		}
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	*current = current.Add(2 * time.Hour) // past UTC midnight
	store, err = New(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	store.now = func() time.Time { return *current }

	st, err := store.Status(ctx, "u1")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.RemainingFree != credits.DailyFreeLimit {
		t.Fatalf("expected daily reset after reopen, got %+v", st)
	}
}

func TestPurchaseIdempotency(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	added, err := store.AddCredits(ctx, "u1", 10, "sess_X")
	if err != nil || added != 10 {
		t.Fatalf("first AddCredits: added=%d err=%v", added, err)
	}
	added, err = store.AddCredits(ctx, "u1", 10, "sess_X")
	if err != nil || added != 0 {
		t.Fatalf("duplicate AddCredits: added=%d err=%v", added, err)
	}
	st, err := store.Status(ctx, "u1")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.Credits != 10 {
		t.Fatalf("expected 10 credits, got %+v", st)
	}
}

func TestAccountsAreIndependent(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < credits.DailyFreeLimit; i++ {
		if _, err := store.TryConsume(ctx, "u1", fmt.Sprintf("hash-%d", i)); err != nil {
			t.Fatalf("TryConsume: %v", err)
		}
	}
	st, err := store.Status(ctx, "u2")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.RemainingFree != credits.DailyFreeLimit {
		t.Fatalf("u2 affected by u1 usage: %+v", st)
	}
}
