// Package sqlite provides a SQLite-backed credit ledger.
//
// Every ledger operation runs as one transaction: read the account row,
// apply the transition from the credits package, write the row back. The
// connection pool is capped at a single connection, so transactions for the
// same database serialize; with WAL enabled readers are still cheap.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	// register sqlite driver
	_ "modernc.org/sqlite"

	"github.com/fitsa/fitsa-server/internal/credits"
)

// Store implements credits.Store backed by SQLite.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

var _ credits.Store = (*Store)(nil)

// New opens (or creates) a SQLite ledger at the given path.
func New(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create ledger directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	// One writer connection: the per-key serialization point for this backend.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, now: time.Now}
	if err := s.initSchema(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	const schema = `
CREATE TABLE IF NOT EXISTS accounts (
	user_key TEXT PRIMARY KEY,
	free_used_today INTEGER NOT NULL DEFAULT 0,
	credits INTEGER NOT NULL DEFAULT 0,
	last_reset TIMESTAMP NOT NULL,
	last_request_hash TEXT NOT NULL DEFAULT '',
	refit_count INTEGER NOT NULL DEFAULT 0,
	last_refit_reset TIMESTAMP
);
CREATE TABLE IF NOT EXISTS purchases (
	purchase_id TEXT PRIMARY KEY,
	user_key TEXT NOT NULL,
	amount INTEGER NOT NULL,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_purchases_user ON purchases(user_key);
`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Close releases underlying database resources.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// loadAccount reads the row for userKey inside tx, creating it lazily.
func (s *Store) loadAccount(ctx context.Context, tx *sql.Tx, userKey string) (*credits.Account, error) {
	acc := &credits.Account{UserKey: userKey}
	var lastRefitReset sql.NullTime
	err := tx.QueryRowContext(ctx, `
SELECT free_used_today, credits, last_reset, last_request_hash, refit_count, last_refit_reset
FROM accounts WHERE user_key = ?`, userKey).Scan(
		&acc.FreeUsedToday,
		&acc.Credits,
		&acc.LastReset,
		&acc.LastRequestHash,
		&acc.RefitCount,
		&lastRefitReset,
	)
	if errors.Is(err, sql.ErrNoRows) {
		acc.LastReset = s.now().UTC()
		_, err = tx.ExecContext(ctx, `
INSERT INTO accounts(user_key, free_used_today, credits, last_reset) VALUES(?, 0, 0, ?)`,
			userKey, acc.LastReset)
		if err != nil {
			return nil, fmt.Errorf("create account %s: %w", userKey, err)
		}
		return acc, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load account %s: %w", userKey, err)
	}
	if lastRefitReset.Valid {
		acc.LastRefitReset = lastRefitReset.Time
	}
	return acc, nil
}

func (s *Store) storeAccount(ctx context.Context, tx *sql.Tx, acc *credits.Account) error {
	var lastRefitReset any
	if !acc.LastRefitReset.IsZero() {
		lastRefitReset = acc.LastRefitReset
	}
	_, err := tx.ExecContext(ctx, `
UPDATE accounts
SET free_used_today = ?, credits = ?, last_reset = ?, last_request_hash = ?, refit_count = ?, last_refit_reset = ?
WHERE user_key = ?`,
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

// withAccount runs fn against the locked account row in one transaction.
// fn reports whether the row must be written back.
func (s *Store) withAccount(ctx context.Context, userKey string, fn func(tx *sql.Tx, acc *credits.Account) (bool, error)) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	acc, err := s.loadAccount(ctx, tx, userKey)
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
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Status reports balances, applying the daily reset if due.
func (s *Store) Status(ctx context.Context, userKey string) (credits.Status, error) {
	var status credits.Status
	err := s.withAccount(ctx, userKey, func(_ *sql.Tx, acc *credits.Account) (bool, error) {
		st, changed, err := credits.ApplyStatus(acc, s.now())
		if err != nil {
			return false, err
		}
		status = st
		return changed, nil
	})
	return status, err
}

// TryConsume runs the charge decision as a single read-modify-write.
func (s *Store) TryConsume(ctx context.Context, userKey, contentHash string) (credits.Outcome, error) {
	var outcome credits.Outcome
	err := s.withAccount(ctx, userKey, func(_ *sql.Tx, acc *credits.Account) (bool, error) {
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
	return s.withAccount(ctx, userKey, func(_ *sql.Tx, acc *credits.Account) (bool, error) {
		if err := credits.ApplyRefund(acc, charge, contentHash); err != nil {
			return false, err
		}
		return true, nil
	})
}

// AddCredits credits a confirmed purchase. The purchases table is the
// idempotency guard: inserting a duplicate purchase id is a no-op.
func (s *Store) AddCredits(ctx context.Context, userKey string, amount int, purchaseID string) (int, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("credit amount must be positive, got %d", amount)
	}
	added := 0
	err := s.withAccount(ctx, userKey, func(tx *sql.Tx, acc *credits.Account) (bool, error) {
		if purchaseID != "" {
			res, err := tx.ExecContext(ctx, `
INSERT INTO purchases(purchase_id, user_key, amount) VALUES(?, ?, ?)
ON CONFLICT(purchase_id) DO NOTHING`, purchaseID, userKey, amount)
			if err != nil {
				return false, fmt.Errorf("record purchase %s: %w", purchaseID, err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return false, fmt.Errorf("record purchase %s: %w", purchaseID, err)
			}
			if n == 0 {
				return false, nil // already credited
			}
		}
		acc.Credits += amount
		added = amount
		return true, nil
	})
	return added, err
}
