package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/playermarket/internal/domain"
)

const listingColumns = `id, seller_id, item, price, listed_at, expires_at`

// ListingStore implements domain.ListingStore using SQLite.
type ListingStore struct {
	db *sql.DB
}

// NewListingStore creates a ListingStore on the given database.
func NewListingStore(d *DB) *ListingStore {
	return &ListingStore{db: d.db}
}

// Insert stores a new listing.
func (s *ListingStore) Insert(ctx context.Context, l domain.Listing) error {
	const query = `INSERT INTO listings (` + listingColumns + `) VALUES (?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		l.ID, l.SellerID, l.Item, l.Price.String(),
		toNanos(l.ListedAt), toNanos(l.ExpiresAt),
	)
	if err != nil {
		return fmt.Errorf("sqlite: insert listing %s: %w", l.ID, err)
	}
	return nil
}

// GetByID returns the listing with the given id.
func (s *ListingStore) GetByID(ctx context.Context, id string) (domain.Listing, error) {
	const query = `SELECT ` + listingColumns + ` FROM listings WHERE id = ?`
	l, err := scanListing(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Listing{}, domain.ErrNotFound
		}
		return domain.Listing{}, fmt.Errorf("sqlite: get listing %s: %w", id, err)
	}
	return l, nil
}

// ListActive returns unexpired listings, newest first.
func (s *ListingStore) ListActive(ctx context.Context, now time.Time, opts domain.ListOpts) ([]domain.Listing, error) {
	query := `SELECT ` + listingColumns + ` FROM listings WHERE expires_at > ? ORDER BY listed_at DESC, id`
	args := []any{toNanos(now)}
	if opts.Limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, opts.Limit, opts.Offset)
	}
	return s.queryListings(ctx, "list active listings", query, args...)
}

// CountActive returns the number of unexpired listings.
func (s *ListingStore) CountActive(ctx context.Context, now time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM listings WHERE expires_at > ?`, toNanos(now),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("sqlite: count active listings: %w", err)
	}
	return n, nil
}

// ListActiveBySeller returns the seller's unexpired listings, newest first.
func (s *ListingStore) ListActiveBySeller(ctx context.Context, sellerID string, now time.Time) ([]domain.Listing, error) {
	const query = `SELECT ` + listingColumns + ` FROM listings
		WHERE seller_id = ? AND expires_at > ? ORDER BY listed_at DESC, id`
	return s.queryListings(ctx, "list seller listings", query, sellerID, toNanos(now))
}

// CountActiveBySeller returns the number of unexpired listings for a seller.
func (s *ListingStore) CountActiveBySeller(ctx context.Context, sellerID string, now time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM listings WHERE seller_id = ? AND expires_at > ?`,
		sellerID, toNanos(now),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("sqlite: count seller listings %s: %w", sellerID, err)
	}
	return n, nil
}

// SampleActive returns up to n unexpired listings in random order.
func (s *ListingStore) SampleActive(ctx context.Context, now time.Time, n int) ([]domain.Listing, error) {
	const query = `SELECT ` + listingColumns + ` FROM listings
		WHERE expires_at > ? ORDER BY RANDOM() LIMIT ?`
	return s.queryListings(ctx, "sample listings", query, toNanos(now), n)
}

// Delete removes the listing and returns it. Only one caller can win; the
// rest get domain.ErrNotFound.
func (s *ListingStore) Delete(ctx context.Context, id string) (domain.Listing, error) {
	const query = `DELETE FROM listings WHERE id = ? RETURNING ` + listingColumns
	l, err := scanListing(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Listing{}, domain.ErrNotFound
		}
		return domain.Listing{}, fmt.Errorf("sqlite: delete listing %s: %w", id, err)
	}
	return l, nil
}

// DeleteExpired removes every listing with expires_at <= now.
func (s *ListingStore) DeleteExpired(ctx context.Context, now time.Time) ([]domain.Listing, error) {
	const query = `DELETE FROM listings WHERE expires_at <= ? RETURNING ` + listingColumns
	return s.queryListings(ctx, "delete expired listings", query, toNanos(now))
}

// ListAll returns every stored listing, expired or not.
func (s *ListingStore) ListAll(ctx context.Context) ([]domain.Listing, error) {
	const query = `SELECT ` + listingColumns + ` FROM listings ORDER BY listed_at DESC, id`
	return s.queryListings(ctx, "list all listings", query)
}

func (s *ListingStore) queryListings(ctx context.Context, op, query string, args ...any) ([]domain.Listing, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: %s: %w", op, err)
	}
	defer rows.Close()

	var out []domain.Listing
	for rows.Next() {
		l, err := scanListing(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: %s: scan: %w", op, err)
		}
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: %s rows: %w", op, err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanListing(row rowScanner) (domain.Listing, error) {
	var (
		l         domain.Listing
		price     string
		listedAt  int64
		expiresAt int64
	)
	if err := row.Scan(&l.ID, &l.SellerID, &l.Item, &price, &listedAt, &expiresAt); err != nil {
		return domain.Listing{}, err
	}
	p, err := decimal.NewFromString(price)
	if err != nil {
		return domain.Listing{}, fmt.Errorf("parse price %q: %w", price, err)
	}
	l.Price = p
	l.ListedAt = fromNanos(listedAt)
	l.ExpiresAt = fromNanos(expiresAt)
	return l, nil
}

var _ domain.ListingStore = (*ListingStore)(nil)
