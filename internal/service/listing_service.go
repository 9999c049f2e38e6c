package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/playermarket/internal/domain"
)

// ListingPage is one page of active listings.
type ListingPage struct {
	Listings []domain.Listing `json:"listings"`
	Page     int              `json:"page"`
	Pages    int              `json:"pages"`
	Total    int              `json:"total"`
}

// PageCount returns the number of pages needed for total items, never less
// than one.
func PageCount(total, size int) int {
	if size <= 0 || total <= 0 {
		return 1
	}
	return (total + size - 1) / size
}

// ListingConfig configures a ListingService.
type ListingConfig struct {
	TTL time.Duration
	Now func() time.Time
}

// ListingService owns the listing lifecycle: creation, lookup, pagination,
// removal, expiry and payload integrity. Every mutation is followed by a
// best-effort update of the seller's ledger mirror; a failed mirror write is
// logged and left for Reconcile.
type ListingService struct {
	listings   domain.ListingStore
	players    domain.PlayerStore
	codec      domain.Codec
	quarantine domain.Quarantine
	ttl        time.Duration
	now        func() time.Time
	logger     *slog.Logger
}

// NewListingService creates a ListingService. quarantine may be nil, in which
// case corrupt listings are removed without an archive copy.
func NewListingService(
	listings domain.ListingStore,
	players domain.PlayerStore,
	codec domain.Codec,
	quarantine domain.Quarantine,
	cfg ListingConfig,
	logger *slog.Logger,
) *ListingService {
	if cfg.TTL <= 0 {
		cfg.TTL = domain.DefaultListingTTL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &ListingService{
		listings:   listings,
		players:    players,
		codec:      codec,
		quarantine: quarantine,
		ttl:        cfg.TTL,
		now:        cfg.Now,
		logger:     logger.With(slog.String("component", "listing_service")),
	}
}

// Create lists an already-encoded item for sellerID at price.
func (s *ListingService) Create(ctx context.Context, sellerID string, payload []byte, price decimal.Decimal) (domain.Listing, error) {
	if !price.IsPositive() {
		return domain.Listing{}, fmt.Errorf("listing service: create: price %s: %w", price, domain.ErrInvalidInput)
	}
	if sellerID == "" || len(payload) == 0 {
		return domain.Listing{}, fmt.Errorf("listing service: create: missing seller or item: %w", domain.ErrInvalidInput)
	}

	now := s.now().UTC()
	l := domain.Listing{
		ID:        uuid.NewString(),
		SellerID:  sellerID,
		Item:      payload,
		Price:     price,
		ListedAt:  now,
		ExpiresAt: now.Add(s.ttl),
	}
	if err := s.listings.Insert(ctx, l); err != nil {
		return domain.Listing{}, fmt.Errorf("listing service: create: %w", err)
	}
	if err := s.players.AddListing(ctx, sellerID, l.ID); err != nil {
		s.logger.WarnContext(ctx, "mirror add failed",
			slog.String("player_id", sellerID),
			slog.String("listing_id", l.ID),
			slog.String("error", err.Error()),
		)
	}

	s.logger.InfoContext(ctx, "listing created",
		slog.String("listing_id", l.ID),
		slog.String("seller_id", sellerID),
		slog.String("price", price.String()),
	)
	return l, nil
}

// GetByID returns a listing regardless of expiry.
func (s *ListingService) GetByID(ctx context.Context, id string) (domain.Listing, error) {
	if err := validateID(id); err != nil {
		return domain.Listing{}, err
	}
	l, err := s.listings.GetByID(ctx, id)
	if err != nil {
		return domain.Listing{}, fmt.Errorf("listing service: get %s: %w", id, err)
	}
	return l, nil
}

// CountActive returns the number of unexpired listings.
func (s *ListingService) CountActive(ctx context.Context) (int, error) {
	n, err := s.listings.CountActive(ctx, s.now())
	if err != nil {
		return 0, fmt.Errorf("listing service: count active: %w", err)
	}
	return n, nil
}

// ListActive returns page (1-based) of active listings, newest first. A page
// outside [1, PageCount] is rejected rather than returned empty.
func (s *ListingService) ListActive(ctx context.Context, page, size int) (ListingPage, error) {
	if size <= 0 {
		return ListingPage{}, fmt.Errorf("listing service: page size %d: %w", size, domain.ErrInvalidInput)
	}
	now := s.now()
	total, err := s.listings.CountActive(ctx, now)
	if err != nil {
		return ListingPage{}, fmt.Errorf("listing service: list active: %w", err)
	}
	pages := PageCount(total, size)
	if page < 1 || page > pages {
		return ListingPage{}, fmt.Errorf("listing service: page %d of %d: %w", page, pages, domain.ErrInvalidInput)
	}

	ls, err := s.listings.ListActive(ctx, now, domain.ListOpts{Limit: size, Offset: (page - 1) * size})
	if err != nil {
		return ListingPage{}, fmt.Errorf("listing service: list active: %w", err)
	}
	return ListingPage{Listings: ls, Page: page, Pages: pages, Total: total}, nil
}

// SampleBlackMarket returns up to n active listings in a fresh random order.
// Prices are the stored prices; the caller applies the discount.
func (s *ListingService) SampleBlackMarket(ctx context.Context, n int) ([]domain.Listing, error) {
	if n <= 0 {
		return nil, nil
	}
	ls, err := s.listings.SampleActive(ctx, s.now(), n)
	if err != nil {
		return nil, fmt.Errorf("listing service: sample: %w", err)
	}
	return ls, nil
}

// RemoveByID deletes a listing. Only the first caller for a given id
// succeeds; later calls get domain.ErrNotFound and change nothing. This is
// the claim step used by purchases.
func (s *ListingService) RemoveByID(ctx context.Context, id string) (domain.Listing, error) {
	if err := validateID(id); err != nil {
		return domain.Listing{}, err
	}
	l, err := s.listings.Delete(ctx, id)
	if err != nil {
		return domain.Listing{}, fmt.Errorf("listing service: remove %s: %w", id, err)
	}
	s.unmirror(ctx, l)
	return l, nil
}

// Restore puts back a listing removed by a purchase that could not settle.
// The listing keeps its id and timestamps.
func (s *ListingService) Restore(ctx context.Context, l domain.Listing) error {
	if err := s.listings.Insert(ctx, l); err != nil {
		return fmt.Errorf("listing service: restore %s: %w", l.ID, err)
	}
	if err := s.players.AddListing(ctx, l.SellerID, l.ID); err != nil {
		s.logger.WarnContext(ctx, "mirror add failed",
			slog.String("player_id", l.SellerID),
			slog.String("listing_id", l.ID),
			slog.String("error", err.Error()),
		)
	}
	s.logger.InfoContext(ctx, "listing restored", slog.String("listing_id", l.ID))
	return nil
}

// PurgeExpired deletes every listing with ExpiresAt <= now.
func (s *ListingService) PurgeExpired(ctx context.Context, now time.Time) ([]domain.Listing, error) {
	removed, err := s.listings.DeleteExpired(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("listing service: purge expired: %w", err)
	}
	for _, l := range removed {
		s.unmirror(ctx, l)
	}
	if len(removed) > 0 {
		s.logger.InfoContext(ctx, "expired listings purged", slog.Int("count", len(removed)))
	}
	return removed, nil
}

// RemoveCorrupt archives and deletes a listing whose payload does not
// decode. It returns domain.ErrNotFound if someone else removed it first.
func (s *ListingService) RemoveCorrupt(ctx context.Context, l domain.Listing) error {
	s.archive(ctx, []domain.Listing{l})
	if _, err := s.RemoveByID(ctx, l.ID); err != nil {
		return err
	}
	s.logger.WarnContext(ctx, "corrupt listing removed",
		slog.String("listing_id", l.ID),
		slog.String("seller_id", l.SellerID),
	)
	return nil
}

// PurgeInvalid decodes every stored payload and removes the listings that
// fail. It returns the removed listings.
func (s *ListingService) PurgeInvalid(ctx context.Context) ([]domain.Listing, error) {
	all, err := s.listings.ListAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing service: purge invalid: %w", err)
	}

	var corrupt []domain.Listing
	for _, l := range all {
		if _, err := s.codec.Decode(l.Item); err != nil {
			corrupt = append(corrupt, l)
		}
	}
	if len(corrupt) == 0 {
		return nil, nil
	}

	s.archive(ctx, corrupt)
	removed := make([]domain.Listing, 0, len(corrupt))
	for _, l := range corrupt {
		got, err := s.listings.Delete(ctx, l.ID)
		if errors.Is(err, domain.ErrNotFound) {
			continue
		}
		if err != nil {
			return removed, fmt.Errorf("listing service: purge invalid %s: %w", l.ID, err)
		}
		s.unmirror(ctx, got)
		removed = append(removed, got)
	}
	s.logger.WarnContext(ctx, "invalid listings purged", slog.Int("count", len(removed)))
	return removed, nil
}

func (s *ListingService) archive(ctx context.Context, ls []domain.Listing) {
	if s.quarantine == nil {
		return
	}
	if err := s.quarantine.Quarantine(ctx, ls); err != nil {
		s.logger.ErrorContext(ctx, "quarantine archive failed",
			slog.Int("count", len(ls)),
			slog.String("error", err.Error()),
		)
	}
}

func (s *ListingService) unmirror(ctx context.Context, l domain.Listing) {
	if err := s.players.RemoveListing(ctx, l.SellerID, l.ID); err != nil {
		s.logger.WarnContext(ctx, "mirror remove failed",
			slog.String("player_id", l.SellerID),
			slog.String("listing_id", l.ID),
			slog.String("error", err.Error()),
		)
	}
}

func validateID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return fmt.Errorf("listing id %q: %w", id, domain.ErrInvalidInput)
	}
	return nil
}
