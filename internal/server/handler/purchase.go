package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/playermarket/internal/domain"
	"github.com/alanyoungcy/playermarket/internal/purchase"
)

// Purchases runs the buy flow. *purchase.Coordinator satisfies it.
type Purchases interface {
	Begin(ctx context.Context, buyerID, listingID string, mode domain.ViewMode) (purchase.Confirmation, error)
	Confirm(ctx context.Context, buyerID, confirmationID string) (purchase.Receipt, error)
	Cancel(ctx context.Context, buyerID, confirmationID string) error
	Close(ctx context.Context, buyerID, confirmationID string) error
	CloseBuyer(buyerID string)
	Purchase(ctx context.Context, buyerID, listingID string) (purchase.Receipt, error)
}

// PurchaseHandler serves purchase and confirmation endpoints.
type PurchaseHandler struct {
	purchases Purchases
	logger    *slog.Logger
}

// NewPurchaseHandler creates a PurchaseHandler.
func NewPurchaseHandler(purchases Purchases, logger *slog.Logger) *PurchaseHandler {
	return &PurchaseHandler{purchases: purchases, logger: logger}
}

type purchaseRequest struct {
	ListingID string `json:"listing_id"`
}

// Purchase buys a listing in one step at its listed price, without a
// confirmation round trip. Black market prices are only reachable by
// clicking a slot of a black market view.
// POST /api/purchases
func (h *PurchaseHandler) Purchase(w http.ResponseWriter, r *http.Request) {
	buyer, ok := requirePlayer(w, r)
	if !ok {
		return
	}
	var req purchaseRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	receipt, err := h.purchases.Purchase(r.Context(), buyer, req.ListingID)
	if err != nil {
		writeDomainError(w, r, h.logger, "purchase", err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

// Confirm settles an open confirmation.
// POST /api/confirmations/{id}/confirm
func (h *PurchaseHandler) Confirm(w http.ResponseWriter, r *http.Request) {
	buyer, ok := requirePlayer(w, r)
	if !ok {
		return
	}
	receipt, err := h.purchases.Confirm(r.Context(), buyer, pathParam(r, "id"))
	if err != nil {
		writeDomainError(w, r, h.logger, "confirm purchase", err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

// Cancel declines an open confirmation.
// POST /api/confirmations/{id}/cancel
func (h *PurchaseHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	h.end(w, r, "cancel", h.purchases.Cancel)
}

// Close dismisses an open confirmation, as when the player closes the dialog.
// POST /api/confirmations/{id}/close
func (h *PurchaseHandler) Close(w http.ResponseWriter, r *http.Request) {
	h.end(w, r, "close", h.purchases.Close)
}

func (h *PurchaseHandler) end(w http.ResponseWriter, r *http.Request, op string, fn func(context.Context, string, string) error) {
	buyer, ok := requirePlayer(w, r)
	if !ok {
		return
	}
	id := pathParam(r, "id")
	if err := fn(r.Context(), buyer, id); err != nil {
		writeDomainError(w, r, h.logger, op+" confirmation", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "state": string(purchase.StateCancelled)})
}
