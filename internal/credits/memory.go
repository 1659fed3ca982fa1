package credits

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for tests and single-process dev runs.
// A single mutex is the per-key serialization point; ledger calls are pure
// in-memory work, so contention is negligible.
type MemoryStore struct {
	mu        sync.Mutex
	accounts  map[string]*Account
	purchases map[string]map[string]struct{} // user key -> completed purchase ids
	now       func() time.Time
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory ledger.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:  make(map[string]*Account),
		purchases: make(map[string]map[string]struct{}),
		now:       time.Now,
	}
}

// SetClock overrides the time source. Intended for tests.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if now != nil {
		s.now = now
	}
}

func (s *MemoryStore) account(userKey string) *Account {
	acc, ok := s.accounts[userKey]
	if !ok {
		acc = &Account{UserKey: userKey, LastReset: s.now()}
		s.accounts[userKey] = acc
	}
	return acc
}

// Status reports balances, applying the daily reset if due.
func (s *MemoryStore) Status(_ context.Context, userKey string) (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, _, err := ApplyStatus(s.account(userKey), s.now())
	return st, err
}

// TryConsume runs the charge decision atomically for the key.
func (s *MemoryStore) TryConsume(_ context.Context, userKey, contentHash string) (Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return ApplyConsume(s.account(userKey), contentHash, s.now())
}

// Refund reverses one prior charge.
func (s *MemoryStore) Refund(_ context.Context, userKey string, charge ChargeType, contentHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return ApplyRefund(s.account(userKey), charge, contentHash)
}

// AddCredits credits a confirmed purchase, deduplicated by purchase id.
func (s *MemoryStore) AddCredits(_ context.Context, userKey string, amount int, purchaseID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen, ok := s.purchases[userKey]
	if !ok {
		seen = make(map[string]struct{})
		s.purchases[userKey] = seen
	}
	if purchaseID != "" {
		if _, done := seen[purchaseID]; done {
			return 0, nil
		}
		seen[purchaseID] = struct{}{}
	}
	acc := s.account(userKey)
	if err := validate(acc); err != nil {
		return 0, err
	}
	acc.Credits += amount
	return amount, nil
}

// Close is a no-op for the in-memory ledger.
func (s *MemoryStore) Close() error { return nil }
