package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/alanyoungcy/playermarket/internal/domain"
)

// TransactionPage is one page of a player's history, newest first.
type TransactionPage struct {
	Transactions []domain.Transaction `json:"transactions"`
	Page         int                  `json:"page"`
	Pages        int                  `json:"pages"`
	Total        int                  `json:"total"`
}

// LedgerService reads and writes per-player records and keeps the active
// listing mirror in line with the listing store.
type LedgerService struct {
	players  domain.PlayerStore
	listings domain.ListingStore
	now      func() time.Time
	logger   *slog.Logger
}

// NewLedgerService creates a LedgerService. now defaults to time.Now.
func NewLedgerService(players domain.PlayerStore, listings domain.ListingStore, now func() time.Time, logger *slog.Logger) *LedgerService {
	if now == nil {
		now = time.Now
	}
	return &LedgerService{
		players:  players,
		listings: listings,
		now:      now,
		logger:   logger.With(slog.String("component", "ledger_service")),
	}
}

// Get returns the player's record, creating an empty one on first access.
func (s *LedgerService) Get(ctx context.Context, playerID string) (domain.PlayerRecord, error) {
	rec, err := s.players.Get(ctx, playerID)
	if err != nil {
		return domain.PlayerRecord{}, fmt.Errorf("ledger: get %s: %w", playerID, err)
	}
	return rec, nil
}

// RecordTransaction appends tx to the buyer's record and then to the
// seller's. The writes are independent: if the second fails the first stays.
func (s *LedgerService) RecordTransaction(ctx context.Context, tx domain.Transaction) error {
	var errs []error
	if err := s.players.AppendTransaction(ctx, tx.BuyerID, tx); err != nil {
		errs = append(errs, fmt.Errorf("buyer %s: %w", tx.BuyerID, err))
	}
	if err := s.players.AppendTransaction(ctx, tx.SellerID, tx); err != nil {
		errs = append(errs, fmt.Errorf("seller %s: %w", tx.SellerID, err))
	}
	if len(errs) > 0 {
		err := errors.Join(errs...)
		s.logger.ErrorContext(ctx, "transaction record incomplete",
			slog.String("buyer_id", tx.BuyerID),
			slog.String("seller_id", tx.SellerID),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("ledger: record transaction: %w", err)
	}
	return nil
}

// QueryTransactions returns page (1-based) of the player's transactions in
// role, newest first. A page past the last one is rejected.
func (s *LedgerService) QueryTransactions(ctx context.Context, playerID string, role domain.Role, page, size int) (TransactionPage, error) {
	if size <= 0 || page < 1 {
		return TransactionPage{}, fmt.Errorf("ledger: page %d size %d: %w", page, size, domain.ErrInvalidInput)
	}
	rec, err := s.Get(ctx, playerID)
	if err != nil {
		return TransactionPage{}, err
	}

	matched := make([]domain.Transaction, 0, len(rec.Transactions))
	for i := len(rec.Transactions) - 1; i >= 0; i-- {
		if tx := rec.Transactions[i]; tx.Matches(playerID, role) {
			matched = append(matched, tx)
		}
	}

	total := len(matched)
	pages := PageCount(total, size)
	if page > pages {
		return TransactionPage{}, fmt.Errorf("ledger: page %d of %d: %w", page, pages, domain.ErrInvalidInput)
	}
	start := (page - 1) * size
	end := min(start+size, total)
	return TransactionPage{
		Transactions: matched[start:end],
		Page:         page,
		Pages:        pages,
		Total:        total,
	}, nil
}

// ListOwnedActive returns the player's unexpired listings, newest first.
func (s *LedgerService) ListOwnedActive(ctx context.Context, playerID string) ([]domain.Listing, error) {
	ls, err := s.listings.ListActiveBySeller(ctx, playerID, s.now())
	if err != nil {
		return nil, fmt.Errorf("ledger: owned listings %s: %w", playerID, err)
	}
	return ls, nil
}

// CountOwnedActive returns the number of unexpired listings the player has.
func (s *LedgerService) CountOwnedActive(ctx context.Context, playerID string) (int, error) {
	n, err := s.listings.CountActiveBySeller(ctx, playerID, s.now())
	if err != nil {
		return 0, fmt.Errorf("ledger: count owned %s: %w", playerID, err)
	}
	return n, nil
}

// Reconcile rewrites every player's mirror to exactly the ids of their
// active listings in the store. It returns how many records changed.
func (s *LedgerService) Reconcile(ctx context.Context) (int, error) {
	all, err := s.listings.ListAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("ledger: reconcile: %w", err)
	}
	now := s.now()
	want := make(map[string][]string)
	for _, l := range all {
		if l.Active(now) {
			want[l.SellerID] = append(want[l.SellerID], l.ID)
		}
	}

	ids, err := s.players.ListPlayerIDs(ctx)
	if err != nil {
		return 0, fmt.Errorf("ledger: reconcile: %w", err)
	}
	for seller := range want {
		if !slices.Contains(ids, seller) {
			ids = append(ids, seller)
		}
	}

	repaired := 0
	for _, id := range ids {
		rec, err := s.players.Get(ctx, id)
		if err != nil {
			return repaired, fmt.Errorf("ledger: reconcile %s: %w", id, err)
		}
		if sameSet(rec.ActiveListingIDs, want[id]) {
			continue
		}
		if err := s.players.SetListings(ctx, id, want[id]); err != nil {
			return repaired, fmt.Errorf("ledger: reconcile %s: %w", id, err)
		}
		repaired++
	}
	if repaired > 0 {
		s.logger.InfoContext(ctx, "ledger mirrors repaired", slog.Int("count", repaired))
	}
	return repaired, nil
}

func sameSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	x, y := slices.Clone(a), slices.Clone(b)
	slices.Sort(x)
	slices.Sort(y)
	return slices.Equal(x, y)
}
