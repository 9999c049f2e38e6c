package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// ListingStore persists listings. Delete is conditional: exactly one caller
// receives the removed listing, every later caller gets ErrNotFound.
type ListingStore interface {
	Insert(ctx context.Context, l Listing) error
	GetByID(ctx context.Context, id string) (Listing, error)
	ListActive(ctx context.Context, now time.Time, opts ListOpts) ([]Listing, error)
	CountActive(ctx context.Context, now time.Time) (int, error)
	ListActiveBySeller(ctx context.Context, sellerID string, now time.Time) ([]Listing, error)
	CountActiveBySeller(ctx context.Context, sellerID string, now time.Time) (int, error)
	SampleActive(ctx context.Context, now time.Time, n int) ([]Listing, error)
	Delete(ctx context.Context, id string) (Listing, error)
	DeleteExpired(ctx context.Context, now time.Time) ([]Listing, error)
	ListAll(ctx context.Context) ([]Listing, error)
}

// PlayerStore persists per-player ledger records. Get creates an empty
// record on first access.
type PlayerStore interface {
	Get(ctx context.Context, playerID string) (PlayerRecord, error)
	AddListing(ctx context.Context, playerID, listingID string) error
	RemoveListing(ctx context.Context, playerID, listingID string) error
	SetListings(ctx context.Context, playerID string, listingIDs []string) error
	AppendTransaction(ctx context.Context, playerID string, tx Transaction) error
	ListPlayerIDs(ctx context.Context) ([]string, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
