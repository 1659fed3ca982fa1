// Package postgres provides a PostgreSQL-backed credit ledger for
// multi-instance deployments. Each operation is one transaction holding a
// row lock (SELECT ... FOR UPDATE) on the account, which is the per-key
// serialization point; accounts never block each other.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fitsa/fitsa-server/internal/credits"
)

// Store implements credits.Store backed by PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

var _ credits.Store = (*Store)(nil)

// New creates a ledger on an existing connection pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, now: time.Now}
}

// Open connects to the given DSN and ensures the schema exists.
func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s := New(pool)
	if err := s.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// EnsureSchema creates the required tables if they don't exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS accounts (
	user_key TEXT PRIMARY KEY,
	free_used_today INTEGER NOT NULL DEFAULT 0,
	credits INTEGER NOT NULL DEFAULT 0,
	last_reset TIMESTAMPTZ NOT NULL,
	last_request_hash TEXT NOT NULL DEFAULT '',
	refit_count INTEGER NOT NULL DEFAULT 0,
	last_refit_reset TIMESTAMPTZ
);
CREATE TABLE IF NOT EXISTS purchases (
	purchase_id TEXT PRIMARY KEY,
	user_key TEXT NOT NULL,
	amount INTEGER NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_purchases_user ON purchases(user_key);
`
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// lockAccount selects the account row FOR UPDATE, creating it lazily.
func (s *Store) lockAccount(ctx context.Context, tx pgx.Tx, userKey string) (*credits.Account, error) {
	for attempt := 0; attempt < 2; attempt++ {
		acc := &credits.Account{UserKey: userKey}
		var lastRefitReset *time.Time
		err := tx.QueryRow(ctx, `
SELECT free_used_today, credits, last_reset, last_request_hash, refit_count, last_refit_reset
FROM accounts WHERE user_key = $1 FOR UPDATE`, userKey).Scan(
			&acc.FreeUsedToday,
			&acc.Credits,
			&acc.LastReset,
			&acc.LastRequestHash,
			&acc.RefitCount,
			&lastRefitReset,
		)
		if err == nil {
			if lastRefitReset != nil {
				acc.LastRefitReset = *lastRefitReset
			}
			return acc, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("load account %s: %w", userKey, err)
		}
		// Lazy creation: a concurrent insert may win the conflict, so loop
		// back and lock whichever row exists now.
		if _, err := tx.Exec(ctx, `
INSERT INTO accounts(user_key, free_used_today, credits, last_reset)
VALUES ($1, 0, 0, $2)
ON CONFLICT (user_key) DO NOTHING`, userKey, s.now().UTC()); err != nil {
			return nil, fmt.Errorf("create account %s: %w", userKey, err)
		}
	}
	return nil, fmt.Errorf("create account %s: row not visible after insert", userKey)
}

func (s *Store) storeAccount(ctx context.Context, tx pgx.Tx, acc *credits.Account) error {
	var lastRefitReset *time.Time
	if !acc.LastRefitReset.IsZero() {
		lastRefitReset = &acc.LastRefitReset
	}
	_, err := tx.Exec(ctx, `
UPDATE accounts
SET free_used_today = $1, credits = $2, last_reset = $3, last_request_hash = $4, refit_count = $5, last_refit_reset = $6
WHERE user_key = $7`,
		acc.FreeUsedToday,
		acc.Credits,
		acc.LastReset,
		acc.LastRequestHash,
		acc.RefitCount,
		lastRefitReset,
		acc.UserKey,
	)
	if err != nil {
		return fmt.Errorf("store account %s: %w", acc.UserKey, err)
	}
	return nil
}

func (s *Store) withAccount(ctx context.Context, userKey string, fn func(tx pgx.Tx, acc *credits.Account) (bool, error)) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	acc, err := s.lockAccount(ctx, tx, userKey)
	if err != nil {
		return err
	}
	dirty, err := fn(tx, acc)
	if err != nil {
		return err
	}
	if dirty {
		if err := s.storeAccount(ctx, tx, acc); err != nil {
			return err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Status reports balances, applying the daily reset if due.
func (s *Store) Status(ctx context.Context, userKey string) (credits.Status, error) {
	var status credits.Status
	err := s.withAccount(ctx, userKey, func(_ pgx.Tx, acc *credits.Account) (bool, error) {
		st, changed, err := credits.ApplyStatus(acc, s.now())
		if err != nil {
			return false, err
		}
		status = st
		return changed, nil
	})
	return status, err
}

// TryConsume runs the charge decision under the account row lock.
func (s *Store) TryConsume(ctx context.Context, userKey, contentHash string) (credits.Outcome, error) {
	var outcome credits.Outcome
	err := s.withAccount(ctx, userKey, func(_ pgx.Tx, acc *credits.Account) (bool, error) {
		out, err := credits.ApplyConsume(acc, contentHash, s.now())
		if err != nil {
			return false, err
		}
		outcome = out
		return true, nil
	})
	return outcome, err
}

// Refund reverses one prior non-refit charge.
func (s *Store) Refund(ctx context.Context, userKey string, charge credits.ChargeType, contentHash string) error {
	return s.withAccount(ctx, userKey, func(_ pgx.Tx, acc *credits.Account) (bool, error) {
		if err := credits.ApplyRefund(acc, charge, contentHash); err != nil {
			return false, err
		}
		return true, nil
	})
}

// AddCredits credits a confirmed purchase, deduplicated by purchase id.
func (s *Store) AddCredits(ctx context.Context, userKey string, amount int, purchaseID string) (int, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("credit amount must be positive, got %d", amount)
	}
	added := 0
	err := s.withAccount(ctx, userKey, func(tx pgx.Tx, acc *credits.Account) (bool, error) {
		if purchaseID != "" {
			tag, err := tx.Exec(ctx, `
INSERT INTO purchases(purchase_id, user_key, amount) VALUES($1, $2, $3)
ON CONFLICT (purchase_id) DO NOTHING`, purchaseID, userKey, amount)
			if err != nil {
				return false, fmt.Errorf("record purchase %s: %w", purchaseID, err)
			}
			if tag.RowsAffected() == 0 {
				return false, nil // already credited
			}
		}
		acc.Credits += amount
		added = amount
		return true, nil
	})
	return added, err
}
