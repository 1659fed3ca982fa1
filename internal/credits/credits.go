package credits

import (
	"context"
	"errors"
	"time"
)

const (
	// DailyFreeLimit is the number of no-cost fittings granted per UTC day.
	DailyFreeLimit = 3
	// RefitLimit caps no-charge repeats of the same inputs per window.
	RefitLimit = 5
	// RefitWindow is the rolling period after which the refit counter resets.
	RefitWindow = time.Hour
)

// ChargeType identifies which balance a consume drew from.
type ChargeType string

const (
	ChargeFree   ChargeType = "free"
	ChargeCredit ChargeType = "credit"
	// ChargeRefit marks a repeat of the previous request; it never charges
	// and must never be refunded.
	ChargeRefit ChargeType = "refit"
)

// Decision is the high level result of a TryConsume call.
type Decision string

const (
	DecisionAllowed            Decision = "allowed"
	DecisionNeedsPayment       Decision = "needs_payment"
	DecisionRefitLimitExceeded Decision = "refit_limit_exceeded"
)

// Outcome reports the result of a TryConsume call together with the
// post-transition balances.
type Outcome struct {
	Decision      Decision   `json:"decision"`
	ChargeType    ChargeType `json:"charge_type,omitempty"`
	RemainingFree int        `json:"remaining_free"`
	Credits       int        `json:"credits"`
	RefitCount    int        `json:"refit_count,omitempty"`
}

// Allowed reports whether the request may proceed.
func (o Outcome) Allowed() bool { return o.Decision == DecisionAllowed }

// Status is the read-only balance view returned by Status.
type Status struct {
	RemainingFree int `json:"remaining_free"`
	Credits       int `json:"credits"`
}

// Account is one ledger row. Rows are created lazily on first use and are
// never deleted; all mutation goes through the Store operations.
type Account struct {
	UserKey         string
	FreeUsedToday   int
	Credits         int
	LastReset       time.Time
	LastRequestHash string
	RefitCount      int
	LastRefitReset  time.Time
}

var (
	// ErrInvalidAccountState signals a stored balance that violates the
	// ledger invariants (e.g. negative credits). It is fatal by design:
	// clamping would hide the bug that corrupted the row.
	ErrInvalidAccountState = errors.New("credits: invalid account state")

	// ErrRefundMismatch is returned when a refund names a content hash that
	// is not the last charge recorded for the account.
	ErrRefundMismatch = errors.New("credits: refund does not match last charge")
)

// Store is the per-user credit ledger. Every mutating call is a single
// atomic read-modify-write; calls for the same user key serialize, calls for
// different keys do not block each other. Implementations never call out to
// the network inside an operation.
type Store interface {
	// Status applies the daily reset if due and reports current balances.
	Status(ctx context.Context, userKey string) (Status, error)

	// TryConsume decides whether a request identified by contentHash may
	// proceed and, if so, charges it. Repeats of the previous hash are
	// refits: free of charge but capped at RefitLimit per RefitWindow.
	TryConsume(ctx context.Context, userKey, contentHash string) (Outcome, error)

	// Refund reverses one prior non-refit charge after a downstream
	// failure. contentHash must match the hash passed to the TryConsume
	// being reversed; a mismatch returns ErrRefundMismatch.
	Refund(ctx context.Context, userKey string, charge ChargeType, contentHash string) error

	// AddCredits adds purchased credits. purchaseID deduplicates payment
	// callbacks: a repeated id is a no-op and reports 0 added.
	AddCredits(ctx context.Context, userKey string, amount int, purchaseID string) (added int, err error)

	Close() error
}
