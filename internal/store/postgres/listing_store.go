package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/playermarket/internal/domain"
)

const listingColumns = `id, seller_id, item, price::text, listed_at, expires_at`

// ListingStore implements domain.ListingStore using PostgreSQL.
type ListingStore struct {
	pool *pgxpool.Pool
}

// NewListingStore creates a new ListingStore backed by the given connection pool.
func NewListingStore(pool *pgxpool.Pool) *ListingStore {
	return &ListingStore{pool: pool}
}

// Insert stores a new listing.
func (s *ListingStore) Insert(ctx context.Context, l domain.Listing) error {
	const query = `
		INSERT INTO listings (id, seller_id, item, price, listed_at, expires_at)
		VALUES ($1, $2, $3, $4::numeric, $5, $6)`
	_, err := s.pool.Exec(ctx, query,
		l.ID, l.SellerID, l.Item, l.Price.String(), l.ListedAt, l.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert listing %s: %w", l.ID, err)
	}
	return nil
}

// GetByID returns the listing with the given id.
func (s *ListingStore) GetByID(ctx context.Context, id string) (domain.Listing, error) {
	query := `SELECT ` + listingColumns + ` FROM listings WHERE id = $1`
	l, err := scanListing(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Listing{}, domain.ErrNotFound
		}
		return domain.Listing{}, fmt.Errorf("postgres: get listing %s: %w", id, err)
	}
	return l, nil
}

// ListActive returns unexpired listings, newest first.
func (s *ListingStore) ListActive(ctx context.Context, now time.Time, opts domain.ListOpts) ([]domain.Listing, error) {
	query := `SELECT ` + listingColumns + ` FROM listings
		WHERE expires_at > $1 ORDER BY listed_at DESC, id`
	args := []any{now}
	if opts.Limit > 0 {
		query += ` LIMIT $2 OFFSET $3`
		args = append(args, opts.Limit, opts.Offset)
	}
	return s.queryListings(ctx, "list active listings", query, args...)
}

// CountActive returns the number of unexpired listings.
func (s *ListingStore) CountActive(ctx context.Context, now time.Time) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM listings WHERE expires_at > $1`, now,
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("postgres: count active listings: %w", err)
	}
	return n, nil
}

// ListActiveBySeller returns the seller's unexpired listings, newest first.
func (s *ListingStore) ListActiveBySeller(ctx context.Context, sellerID string, now time.Time) ([]domain.Listing, error) {
	query := `SELECT ` + listingColumns + ` FROM listings
		WHERE seller_id = $1 AND expires_at > $2 ORDER BY listed_at DESC, id`
	return s.queryListings(ctx, "list seller listings", query, sellerID, now)
}

// CountActiveBySeller returns the number of unexpired listings for a seller.
func (s *ListingStore) CountActiveBySeller(ctx context.Context, sellerID string, now time.Time) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM listings WHERE seller_id = $1 AND expires_at > $2`, sellerID, now,
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("postgres: count seller listings %s: %w", sellerID, err)
	}
	return n, nil
}

// SampleActive returns up to n unexpired listings in random order.
func (s *ListingStore) SampleActive(ctx context.Context, now time.Time, n int) ([]domain.Listing, error) {
	query := `SELECT ` + listingColumns + ` FROM listings
		WHERE expires_at > $1 ORDER BY random() LIMIT $2`
	return s.queryListings(ctx, "sample listings", query, now, n)
}

// Delete removes the listing and returns it. The DELETE is the
// linearization point for competing buyers: only one caller gets the row.
func (s *ListingStore) Delete(ctx context.Context, id string) (domain.Listing, error) {
	query := `DELETE FROM listings WHERE id = $1 RETURNING ` + listingColumns
	l, err := scanListing(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Listing{}, domain.ErrNotFound
		}
		return domain.Listing{}, fmt.Errorf("postgres: delete listing %s: %w", id, err)
	}
	return l, nil
}

// DeleteExpired removes every listing with expires_at <= now.
func (s *ListingStore) DeleteExpired(ctx context.Context, now time.Time) ([]domain.Listing, error) {
	query := `DELETE FROM listings WHERE expires_at <= $1 RETURNING ` + listingColumns
	return s.queryListings(ctx, "delete expired listings", query, now)
}

// ListAll returns every stored listing.
func (s *ListingStore) ListAll(ctx context.Context) ([]domain.Listing, error) {
	query := `SELECT ` + listingColumns + ` FROM listings ORDER BY listed_at DESC, id`
	return s.queryListings(ctx, "list all listings", query)
}

func (s *ListingStore) queryListings(ctx context.Context, op, query string, args ...any) ([]domain.Listing, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: %s: %w", op, err)
	}
	defer rows.Close()

	var out []domain.Listing
	for rows.Next() {
		l, err := scanListing(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: %s: scan: %w", op, err)
		}
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: %s rows: %w", op, err)
	}
	return out, nil
}

func scanListing(row pgx.Row) (domain.Listing, error) {
	var (
		l     domain.Listing
		price string
	)
	if err := row.Scan(&l.ID, &l.SellerID, &l.Item, &price, &l.ListedAt, &l.ExpiresAt); err != nil {
		return domain.Listing{}, err
	}
	p, err := decimal.NewFromString(price)
	if err != nil {
		return domain.Listing{}, fmt.Errorf("parse price %q: %w", price, err)
	}
	l.Price = p
	l.ListedAt = l.ListedAt.UTC()
	l.ExpiresAt = l.ExpiresAt.UTC()
	return l, nil
}

var _ domain.ListingStore = (*ListingStore)(nil)
