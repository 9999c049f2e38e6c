package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/playermarket/internal/domain"
)

// PayloadCodec is a domain.Codec that can also verify an item survives a
// full encode/decode cycle.
type PayloadCodec interface {
	domain.Codec
	RoundTrip(item domain.Item) ([]byte, error)
}

// MarketConfig holds marketplace rules.
type MarketConfig struct {
	MaxListingsPerPlayer int
	PageSize             int
	TransactionsPageSize int
	ListingFeeRate       decimal.Decimal
}

// MarketService is the entry point used by the front end for everything
// except purchases and browsing sessions.
type MarketService struct {
	listings  *ListingService
	ledger    *LedgerService
	codec     PayloadCodec
	economy   domain.Economy
	audit     domain.AuditStore
	events    *EventPublisher
	announcer Announcer
	refresher ViewRefresher
	cfg       MarketConfig
	logger    *slog.Logger

	// sellers holds a *sync.Mutex per seller; the listing cap check and the
	// insert run under it.
	sellers sync.Map
}

// NewMarketService creates a MarketService. audit, announcer and refresher
// may be nil.
func NewMarketService(
	listings *ListingService,
	ledger *LedgerService,
	codec PayloadCodec,
	economy domain.Economy,
	audit domain.AuditStore,
	events *EventPublisher,
	announcer Announcer,
	refresher ViewRefresher,
	cfg MarketConfig,
	logger *slog.Logger,
) *MarketService {
	if cfg.MaxListingsPerPlayer <= 0 {
		cfg.MaxListingsPerPlayer = 10
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 45
	}
	if cfg.TransactionsPageSize <= 0 {
		cfg.TransactionsPageSize = 5
	}
	return &MarketService{
		listings:  listings,
		ledger:    ledger,
		codec:     codec,
		economy:   economy,
		audit:     audit,
		events:    events,
		announcer: announcer,
		refresher: refresher,
		cfg:       cfg,
		logger:    logger.With(slog.String("component", "market_service")),
	}
}

// CreateListing encodes item, enforces the per-player cap, charges the
// listing fee if one is configured, and lists the item.
func (s *MarketService) CreateListing(ctx context.Context, sellerID string, item domain.Item, price decimal.Decimal) (domain.Listing, error) {
	if !price.IsPositive() {
		return domain.Listing{}, fmt.Errorf("market: create listing: price %s: %w", price, domain.ErrInvalidInput)
	}
	if sellerID == "" {
		return domain.Listing{}, fmt.Errorf("market: create listing: missing seller: %w", domain.ErrInvalidInput)
	}
	payload, err := s.codec.RoundTrip(item)
	if err != nil {
		return domain.Listing{}, fmt.Errorf("market: create listing: %w", err)
	}

	mu, _ := s.sellers.LoadOrStore(sellerID, &sync.Mutex{})
	mu.(*sync.Mutex).Lock()
	defer mu.(*sync.Mutex).Unlock()

	owned, err := s.ledger.CountOwnedActive(ctx, sellerID)
	if err != nil {
		return domain.Listing{}, fmt.Errorf("market: create listing: %w", err)
	}
	if owned >= s.cfg.MaxListingsPerPlayer {
		return domain.Listing{}, fmt.Errorf("market: create listing: %d of %d: %w", owned, s.cfg.MaxListingsPerPlayer, domain.ErrListingLimit)
	}

	fee := price.Mul(s.cfg.ListingFeeRate)
	if fee.IsPositive() {
		if err := s.economy.Withdraw(ctx, sellerID, fee); err != nil {
			return domain.Listing{}, fmt.Errorf("market: create listing: charge fee: %w", err)
		}
	}

	l, err := s.listings.Create(ctx, sellerID, payload, price)
	if err != nil {
		if fee.IsPositive() {
			if rerr := s.economy.Deposit(context.WithoutCancel(ctx), sellerID, fee); rerr != nil {
				s.logger.ErrorContext(ctx, "listing fee refund failed",
					slog.String("seller_id", sellerID),
					slog.String("fee", fee.String()),
					slog.String("error", rerr.Error()),
				)
				s.auditLog(ctx, "listing.fee_refund_failed", map[string]any{
					"seller_id": sellerID,
					"fee":       fee.String(),
					"error":     rerr.Error(),
				})
				err = errors.Join(err, fmt.Errorf("%w: %w", domain.ErrCompensationFailed, rerr))
			}
		}
		return domain.Listing{}, fmt.Errorf("market: create listing: %w", err)
	}

	s.events.Publish(ctx, domain.MarketEvent{
		Type:      domain.EventListingCreated,
		ListingID: l.ID,
		SellerID:  sellerID,
		Price:     price.String(),
		At:        l.ListedAt,
	})
	s.announce(domain.EventListingCreated, "New listing",
		fmt.Sprintf("%s listed %s for %s", sellerID, item.Label(), price.StringFixed(2)))
	s.refresh()
	return l, nil
}

// ListActive returns one page of active listings.
func (s *MarketService) ListActive(ctx context.Context, page int) (ListingPage, error) {
	return s.listings.ListActive(ctx, page, s.cfg.PageSize)
}

// ListOwned returns the player's active listings.
func (s *MarketService) ListOwned(ctx context.Context, playerID string) ([]domain.Listing, error) {
	return s.ledger.ListOwnedActive(ctx, playerID)
}

// DecodeItem decodes a listing payload for display.
func (s *MarketService) DecodeItem(l domain.Listing) (domain.Item, error) {
	return s.codec.Decode(l.Item)
}

// AdminRemove deletes a listing on behalf of an operator.
func (s *MarketService) AdminRemove(ctx context.Context, actor, listingID string) (domain.Listing, error) {
	l, err := s.listings.RemoveByID(ctx, listingID)
	if err != nil {
		return domain.Listing{}, fmt.Errorf("market: admin remove: %w", err)
	}
	s.auditLog(ctx, "listing.admin_removed", map[string]any{
		"listing_id": l.ID,
		"seller_id":  l.SellerID,
		"actor":      actor,
	})
	s.events.Publish(ctx, domain.MarketEvent{
		Type:      domain.EventListingRemoved,
		ListingID: l.ID,
		SellerID:  l.SellerID,
		At:        time.Now().UTC(),
	})
	s.refresh()
	s.logger.InfoContext(ctx, "listing removed by operator",
		slog.String("listing_id", l.ID),
		slog.String("actor", actor),
	)
	return l, nil
}

// QueryTransactions returns page of the player's history filtered by role.
func (s *MarketService) QueryTransactions(ctx context.Context, playerID string, role domain.Role, page int) (TransactionPage, error) {
	return s.ledger.QueryTransactions(ctx, playerID, role, page, s.cfg.TransactionsPageSize)
}

func (s *MarketService) announce(event, title, body string) {
	if s.announcer != nil {
		s.announcer.Enqueue(event, title, body)
	}
}

func (s *MarketService) refresh() {
	if s.refresher != nil {
		s.refresher.RequestRefresh()
	}
}

func (s *MarketService) auditLog(ctx context.Context, event string, detail map[string]any) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Log(context.WithoutCancel(ctx), event, detail); err != nil {
		s.logger.WarnContext(ctx, "audit log failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}
