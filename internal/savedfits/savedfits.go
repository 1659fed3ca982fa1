// Package savedfits persists virtual fitting results the user chose to keep,
// together with the shopping information needed to buy the garment later.
// Fits are scoped to the pseudonymous user key; nobody can read or delete
// another user's saves.
package savedfits

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

var (
	// ErrNotFound is returned when a fit does not exist or belongs to a
	// different user. The two cases are deliberately indistinguishable.
	ErrNotFound = errors.New("savedfits: fit not found")
	// ErrInvalidURL is returned for product URLs that are not absolute HTTPS.
	ErrInvalidURL = errors.New("savedfits: product url must be https")
)

// Fit is one saved fitting result.
type Fit struct {
	ID             string   `json:"id"`
	CreatedAt      int64    `json:"created_at"`
	ResultImageURL string   `json:"result_image_url"`
	ThumbURL       string   `json:"thumb_url,omitempty"`
	ShopName       string   `json:"shop_name"`
	ProductName    string   `json:"product_name"`
	ProductURL     string   `json:"product_url"`
	PriceSnapshot  int64    `json:"price_snapshot,omitempty"`
	Currency       string   `json:"currency"`
	SKU            string   `json:"sku,omitempty"`
	Category       string   `json:"category,omitempty"`
	Tags           []string `json:"tags"`
	Note           string   `json:"note,omitempty"`
}

// SaveInput is the caller-supplied part of a fit. ResultImageURL, ShopName,
// ProductName and ProductURL are required.
type SaveInput struct {
	ResultImageURL string   `json:"result_image_url"`
	ThumbURL       string   `json:"thumb_url"`
	ShopName       string   `json:"shop_name"`
	ProductName    string   `json:"product_name"`
	ProductURL     string   `json:"product_url"`
	PriceSnapshot  int64    `json:"price_snapshot"`
	Currency       string   `json:"currency"`
	SKU            string   `json:"sku"`
	Category       string   `json:"category"`
	Tags           []string `json:"tags"`
	Note           string   `json:"note"`
}

// Page is one page of a user's saved fits.
type Page struct {
	Items      []Fit `json:"items"`
	Total      int   `json:"total"`
	Page       int   `json:"page"`
	PerPage    int   `json:"per_page"`
	TotalPages int   `json:"total_pages"`
}

// Store keeps saved fits in SQLite.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

const schema = `
CREATE TABLE IF NOT EXISTS saved_fits (
    id               TEXT PRIMARY KEY,
    created_at       INTEGER NOT NULL,
    result_image_url TEXT NOT NULL,
    thumb_url        TEXT NOT NULL DEFAULT '',
    shop_name        TEXT NOT NULL,
    product_name     TEXT NOT NULL,
    product_url      TEXT NOT NULL,
    price_snapshot   INTEGER NOT NULL DEFAULT 0,
    currency         TEXT NOT NULL DEFAULT 'KRW',
    sku              TEXT NOT NULL DEFAULT '',
    category         TEXT NOT NULL DEFAULT '',
    tags             TEXT NOT NULL DEFAULT '',
    note             TEXT NOT NULL DEFAULT '',
    user_key         TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_saved_fits_user_key ON saved_fits(user_key);
CREATE INDEX IF NOT EXISTS idx_saved_fits_created_at ON saved_fits(created_at DESC);
`

// Open opens (and if needed creates) the saved-fits database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("savedfits: open database: %w", err)
	}
	// Single connection: modernc sqlite serializes writers anyway, and this
	// keeps transactions from seeing SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("savedfits: enable WAL: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("savedfits: create schema: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Save validates and stores a new fit for the user, returning it with its
// generated id and the UTM-tagged product URL.
func (s *Store) Save(ctx context.Context, userKey string, in SaveInput) (Fit, error) {
	for _, f := range []struct{ name, value string }{
		{"result_image_url", in.ResultImageURL},
		{"shop_name", in.ShopName},
		{"product_name", in.ProductName},
		{"product_url", in.ProductURL},
	} {
		if strings.TrimSpace(f.value) == "" {
			return Fit{}, fmt.Errorf("savedfits: missing required field: %s", f.name)
		}
	}

	productURL, err := tagProductURL(in.ProductURL)
	if err != nil {
		return Fit{}, err
	}

	currency := in.Currency
	if currency == "" {
		currency = "KRW"
	}

	fit := Fit{
		ID:             uuid.NewString(),
		CreatedAt:      s.now().Unix(),
		ResultImageURL: in.ResultImageURL,
		ThumbURL:       in.ThumbURL,
		ShopName:       in.ShopName,
		ProductName:    in.ProductName,
		ProductURL:     productURL,
		PriceSnapshot:  in.PriceSnapshot,
		Currency:       currency,
		SKU:            in.SKU,
		Category:       in.Category,
		Tags:           in.Tags,
		Note:           in.Note,
	}

	_, err = s.db.ExecContext(ctx, `
        INSERT INTO saved_fits (
            id, created_at, result_image_url, thumb_url,
            shop_name, product_name, product_url,
            price_snapshot, currency, sku, category, tags, note, user_key
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		fit.ID, fit.CreatedAt, fit.ResultImageURL, fit.ThumbURL,
		fit.ShopName, fit.ProductName, fit.ProductURL,
		fit.PriceSnapshot, fit.Currency, fit.SKU, fit.Category,
		strings.Join(fit.Tags, ","), fit.Note, userKey)
	if err != nil {
		return Fit{}, fmt.Errorf("savedfits: insert fit: %w", err)
	}
	return fit, nil
}

// List returns one page of the user's fits, newest first. query, when
// non-empty, matches shop name, product name or category as a substring.
func (s *Store) List(ctx context.Context, userKey string, page, perPage int, query string) (Page, error) {
	if page < 1 {
		page = 1
	}
	if perPage < 1 || perPage > 100 {
		perPage = 20
	}

	where := "WHERE user_key = ?"
	args := []any{userKey}
	if query != "" {
		where += " AND (shop_name LIKE ? OR product_name LIKE ? OR category LIKE ?)"
		pattern := "%" + query + "%"
		args = append(args, pattern, pattern, pattern)
	}

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM saved_fits "+where, args...).Scan(&total); err != nil {
		return Page{}, fmt.Errorf("savedfits: count fits: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
        SELECT id, created_at, result_image_url, thumb_url,
               shop_name, product_name, product_url,
               price_snapshot, currency, sku, category, tags, note
        FROM saved_fits `+where+`
        ORDER BY created_at DESC, id
        LIMIT ? OFFSET ?`,
		append(args, perPage, (page-1)*perPage)...)
	if err != nil {
		return Page{}, fmt.Errorf("savedfits: list fits: %w", err)
	}
	defer rows.Close()

	items := make([]Fit, 0, perPage)
	for rows.Next() {
		fit, err := scanFit(rows)
		if err != nil {
			return Page{}, err
		}
		items = append(items, fit)
	}
	if err := rows.Err(); err != nil {
		return Page{}, fmt.Errorf("savedfits: list fits: %w", err)
	}

	return Page{
		Items:      items,
		Total:      total,
		Page:       page,
		PerPage:    perPage,
		TotalPages: (total + perPage - 1) / perPage,
	}, nil
}

// Get returns one fit owned by the user.
func (s *Store) Get(ctx context.Context, userKey, id string) (Fit, error) {
	row := s.db.QueryRowContext(ctx, `
        SELECT id, created_at, result_image_url, thumb_url,
               shop_name, product_name, product_url,
               price_snapshot, currency, sku, category, tags, note
        FROM saved_fits WHERE id = ? AND user_key = ?`, id, userKey)
	fit, err := scanFit(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Fit{}, ErrNotFound
	}
	return fit, err
}

// Delete removes one fit owned by the user.
func (s *Store) Delete(ctx context.Context, userKey, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM saved_fits WHERE id = ? AND user_key = ?", id, userKey)
	if err != nil {
		return fmt.Errorf("savedfits: delete fit: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("savedfits: delete fit: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFit(row rowScanner) (Fit, error) {
	var fit Fit
	var tags string
	err := row.Scan(&fit.ID, &fit.CreatedAt, &fit.ResultImageURL, &fit.ThumbURL,
		&fit.ShopName, &fit.ProductName, &fit.ProductURL,
		&fit.PriceSnapshot, &fit.Currency, &fit.SKU, &fit.Category, &tags, &fit.Note)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Fit{}, err
		}
		return Fit{}, fmt.Errorf("savedfits: scan fit: %w", err)
	}
	if tags != "" {
		fit.Tags = strings.Split(tags, ",")
	} else {
		fit.Tags = []string{}
	}
	return fit, nil
}

// tagProductURL validates the product URL and appends the outbound campaign
// parameters so shop-side analytics attribute the visit.
func tagProductURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme != "https" || u.Host == "" {
		return "", ErrInvalidURL
	}
	q := u.Query()
	q.Set("utm_source", "fitsa")
	q.Set("utm_medium", "savedfits")
	q.Set("utm_campaign", "buy")
	u.RawQuery = q.Encode()
	return u.String(), nil
}
