package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/playermarket/internal/domain"
	"github.com/alanyoungcy/playermarket/internal/server/middleware"
	"github.com/alanyoungcy/playermarket/internal/service"
)

// MarketService is the part of the marketplace the listing and transaction
// handlers call. *service.MarketService satisfies it.
type MarketService interface {
	CreateListing(ctx context.Context, sellerID string, item domain.Item, price decimal.Decimal) (domain.Listing, error)
	ListActive(ctx context.Context, page int) (service.ListingPage, error)
	ListOwned(ctx context.Context, playerID string) ([]domain.Listing, error)
	DecodeItem(l domain.Listing) (domain.Item, error)
	AdminRemove(ctx context.Context, actor, listingID string) (domain.Listing, error)
	QueryTransactions(ctx context.Context, playerID string, role domain.Role, page int) (service.TransactionPage, error)
}

// ListingHandler serves listing endpoints.
type ListingHandler struct {
	market MarketService
	logger *slog.Logger
}

// NewListingHandler creates a ListingHandler.
func NewListingHandler(market MarketService, logger *slog.Logger) *ListingHandler {
	return &ListingHandler{market: market, logger: logger}
}

// listingView is a listing with its item decoded for display. Corrupt is set
// when the payload no longer decodes.
type listingView struct {
	ID        string          `json:"id"`
	SellerID  string          `json:"seller_id"`
	Item      *domain.Item    `json:"item"`
	Corrupt   bool            `json:"corrupt,omitempty"`
	Price     decimal.Decimal `json:"price"`
	ListedAt  time.Time       `json:"listed_at"`
	ExpiresAt time.Time       `json:"expires_at"`
}

func (h *ListingHandler) toView(l domain.Listing) listingView {
	v := listingView{
		ID:        l.ID,
		SellerID:  l.SellerID,
		Price:     l.Price,
		ListedAt:  l.ListedAt,
		ExpiresAt: l.ExpiresAt,
	}
	if item, err := h.market.DecodeItem(l); err == nil {
		v.Item = &item
	} else {
		v.Corrupt = true
	}
	return v
}

func (h *ListingHandler) toViews(ls []domain.Listing) []listingView {
	out := make([]listingView, 0, len(ls))
	for _, l := range ls {
		out = append(out, h.toView(l))
	}
	return out
}

type createListingRequest struct {
	Item  domain.Item     `json:"item"`
	Price decimal.Decimal `json:"price"`
}

// CreateListing lists an item for the acting player.
// POST /api/listings
func (h *ListingHandler) CreateListing(w http.ResponseWriter, r *http.Request) {
	seller, ok := requirePlayer(w, r)
	if !ok {
		return
	}
	var req createListingRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	l, err := h.market.CreateListing(r.Context(), seller, req.Item, req.Price)
	if err != nil {
		writeDomainError(w, r, h.logger, "create listing", err)
		return
	}
	writeJSON(w, http.StatusCreated, h.toView(l))
}

type listingPageResponse struct {
	Listings []listingView `json:"listings"`
	Page     int           `json:"page"`
	Pages    int           `json:"pages"`
	Total    int           `json:"total"`
}

// ListActive returns one page of purchasable listings, newest first.
// GET /api/listings?page=1
func (h *ListingHandler) ListActive(w http.ResponseWriter, r *http.Request) {
	page, err := parsePage(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	p, err := h.market.ListActive(r.Context(), page)
	if err != nil {
		writeDomainError(w, r, h.logger, "list listings", err)
		return
	}
	writeJSON(w, http.StatusOK, listingPageResponse{
		Listings: h.toViews(p.Listings),
		Page:     p.Page,
		Pages:    p.Pages,
		Total:    p.Total,
	})
}

// ListOwned returns a player's active listings.
// GET /api/players/{id}/listings
func (h *ListingHandler) ListOwned(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	ls, err := h.market.ListOwned(r.Context(), id)
	if err != nil {
		writeDomainError(w, r, h.logger, "list owned listings", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"listings": h.toViews(ls)})
}

// AdminRemove takes a listing off the market without a sale.
// DELETE /api/admin/listings/{id}
func (h *ListingHandler) AdminRemove(w http.ResponseWriter, r *http.Request) {
	actor := strings.TrimSpace(r.Header.Get(middleware.PlayerHeader))
	if actor == "" {
		actor = "admin"
	}
	l, err := h.market.AdminRemove(r.Context(), actor, pathParam(r, "id"))
	if err != nil {
		writeDomainError(w, r, h.logger, "remove listing", err)
		return
	}
	writeJSON(w, http.StatusOK, h.toView(l))
}
