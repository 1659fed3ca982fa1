package credits

import (
	"fmt"
	"time"
)

// The functions in this file are the ledger's state machine. Storage backends
// load an account row under a per-key lock, apply one transition, and write
// the row back in the same transaction. Keeping the transitions here means
// every backend enforces identical semantics.

// sameUTCDay reports whether a and b fall on the same UTC calendar date.
// The daily free quota resets at UTC midnight.
func sameUTCDay(a, b time.Time) bool {
	ay, am, ad := a.UTC().Date()
	by, bm, bd := b.UTC().Date()
	return ay == by && am == bm && ad == bd
}

// applyDailyReset zeroes the free counter when last_reset is on an earlier
// UTC date than now. It reports whether the row changed. Idempotent.
func applyDailyReset(acc *Account, now time.Time) bool {
	if !acc.LastReset.IsZero() && sameUTCDay(acc.LastReset, now) {
		return false
	}
	if acc.LastReset.IsZero() && acc.FreeUsedToday == 0 {
		// Fresh row: stamp the date without touching counters.
		acc.LastReset = now
		return true
	}
	acc.FreeUsedToday = 0
	acc.LastReset = now
	return true
}

// validate rejects rows that violate the ledger invariants before any
// mutation is applied on top of them.
func validate(acc *Account) error {
	if acc.Credits < 0 {
		return fmt.Errorf("%w: user %s has credits=%d", ErrInvalidAccountState, acc.UserKey, acc.Credits)
	}
	if acc.FreeUsedToday < 0 || acc.FreeUsedToday > DailyFreeLimit {
		return fmt.Errorf("%w: user %s has free_used_today=%d", ErrInvalidAccountState, acc.UserKey, acc.FreeUsedToday)
	}
	if acc.RefitCount < 0 || acc.RefitCount > RefitLimit {
		return fmt.Errorf("%w: user %s has refit_count=%d", ErrInvalidAccountState, acc.UserKey, acc.RefitCount)
	}
	return nil
}

func remainingFree(acc *Account) int {
	r := DailyFreeLimit - acc.FreeUsedToday
	if r < 0 {
		return 0
	}
	return r
}

// ApplyStatus runs the read path: daily reset if due, then balances.
func ApplyStatus(acc *Account, now time.Time) (Status, bool, error) {
	if err := validate(acc); err != nil {
		return Status{}, false, err
	}
	changed := applyDailyReset(acc, now)
	return Status{RemainingFree: remainingFree(acc), Credits: acc.Credits}, changed, nil
}

// ApplyConsume runs the charge decision for one request. The caller must
// hold the account's serialization point for the whole load/apply/store
// sequence: the decision and the mutation are one critical section.
func ApplyConsume(acc *Account, contentHash string, now time.Time) (Outcome, error) {
	if err := validate(acc); err != nil {
		return Outcome{}, err
	}
	applyDailyReset(acc, now)

	isRefit := acc.LastRequestHash != "" && contentHash == acc.LastRequestHash

	if isRefit {
		if !acc.LastRefitReset.IsZero() && now.Sub(acc.LastRefitReset) >= RefitWindow {
			acc.RefitCount = 0
			acc.LastRefitReset = now
		}
		if acc.RefitCount >= RefitLimit {
			return Outcome{
				Decision:      DecisionRefitLimitExceeded,
				RemainingFree: remainingFree(acc),
				Credits:       acc.Credits,
				RefitCount:    acc.RefitCount,
			}, nil
		}
		acc.RefitCount++
		return Outcome{
			Decision:      DecisionAllowed,
			ChargeType:    ChargeRefit,
			RemainingFree: remainingFree(acc),
			Credits:       acc.Credits,
			RefitCount:    acc.RefitCount,
		}, nil
	}

	if acc.FreeUsedToday >= DailyFreeLimit && acc.Credits == 0 {
		// Balance exhausted. Leave the row untouched (beyond the daily
		// reset) so the same request is billed normally after a top-up.
		return Outcome{Decision: DecisionNeedsPayment}, nil
	}

	// New billable subject: record it and reset the retry budget.
	acc.LastRequestHash = contentHash
	acc.RefitCount = 0
	acc.LastRefitReset = now

	if acc.FreeUsedToday < DailyFreeLimit {
		acc.FreeUsedToday++
		return Outcome{
			Decision:      DecisionAllowed,
			ChargeType:    ChargeFree,
			RemainingFree: remainingFree(acc),
			Credits:       acc.Credits,
		}, nil
	}
	acc.Credits--
	return Outcome{
		Decision:      DecisionAllowed,
		ChargeType:    ChargeCredit,
		RemainingFree: 0,
		Credits:       acc.Credits,
	}, nil
}

// ApplyRefund reverses one prior charge. Refits were never charged, so a
// refit refund is rejected outright.
func ApplyRefund(acc *Account, charge ChargeType, contentHash string) error {
	if err := validate(acc); err != nil {
		return err
	}
	if charge == ChargeRefit {
		return fmt.Errorf("credits: refit charges cannot be refunded")
	}
	if contentHash == "" || contentHash != acc.LastRequestHash {
		return ErrRefundMismatch
	}
	switch charge {
	case ChargeFree:
		if acc.FreeUsedToday > 0 {
			acc.FreeUsedToday--
		}
	case ChargeCredit:
		acc.Credits++
	default:
		return fmt.Errorf("credits: unknown charge type %q", charge)
	}
	return nil
}
