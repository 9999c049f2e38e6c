package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/playermarket/internal/domain"
	"github.com/alanyoungcy/playermarket/internal/purchase"
	"github.com/alanyoungcy/playermarket/internal/view"
)

// Views is the session cache. *view.Cache satisfies it.
type Views interface {
	Open(ctx context.Context, playerID string, mode domain.ViewMode, page int) (view.Session, error)
	Paginate(ctx context.Context, playerID string, dir view.Direction) (view.Session, error)
	Resolve(ctx context.Context, playerID string, slot int) (view.Target, bool, error)
	Close(ctx context.Context, playerID string) error
}

// ViewHandler serves the browsing endpoints. A click on a listing slot
// opens a purchase confirmation.
type ViewHandler struct {
	views     Views
	purchases Purchases
	logger    *slog.Logger
}

// NewViewHandler creates a ViewHandler.
func NewViewHandler(views Views, purchases Purchases, logger *slog.Logger) *ViewHandler {
	return &ViewHandler{views: views, purchases: purchases, logger: logger}
}

type openViewRequest struct {
	Mode domain.ViewMode `json:"mode"`
	Page int             `json:"page"`
}

// Open renders a view for the acting player.
// POST /api/views
func (h *ViewHandler) Open(w http.ResponseWriter, r *http.Request) {
	player, ok := requirePlayer(w, r)
	if !ok {
		return
	}
	req := openViewRequest{Mode: domain.ViewNormal, Page: 1}
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	s, err := h.views.Open(r.Context(), player, req.Mode, req.Page)
	if err != nil {
		writeDomainError(w, r, h.logger, "open view", err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

type paginateRequest struct {
	Direction view.Direction `json:"direction"`
}

// Paginate moves the player's view one page.
// POST /api/views/{player}/paginate
func (h *ViewHandler) Paginate(w http.ResponseWriter, r *http.Request) {
	player, ok := actingAs(w, r, "player")
	if !ok {
		return
	}
	var req paginateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s, err := h.views.Paginate(r.Context(), player, req.Direction)
	if err != nil {
		writeDomainError(w, r, h.logger, "paginate view", err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// Close drops the player's view and any confirmation they left open.
// DELETE /api/views/{player}
func (h *ViewHandler) Close(w http.ResponseWriter, r *http.Request) {
	player, ok := actingAs(w, r, "player")
	if !ok {
		return
	}
	if err := h.views.Close(r.Context(), player); err != nil {
		writeDomainError(w, r, h.logger, "close view", err)
		return
	}
	h.purchases.CloseBuyer(player)
	w.WriteHeader(http.StatusNoContent)
}

type clickRequest struct {
	Slot int `json:"slot"`
}

// clickResponse carries either a re-rendered view or a new confirmation.
type clickResponse struct {
	Kind         string                 `json:"kind"`
	Session      *view.Session          `json:"session,omitempty"`
	Confirmation *purchase.Confirmation `json:"confirmation,omitempty"`
}

// Click resolves a slot in the player's current view. Navigation slots turn
// the page; listing slots open a confirmation priced by the view's mode.
// Slots that show nothing answer 204.
// POST /api/views/{player}/click
func (h *ViewHandler) Click(w http.ResponseWriter, r *http.Request) {
	player, ok := actingAs(w, r, "player")
	if !ok {
		return
	}
	var req clickRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	target, ok, err := h.views.Resolve(r.Context(), player, req.Slot)
	if err != nil {
		writeDomainError(w, r, h.logger, "resolve click", err)
		return
	}
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	switch target.Kind {
	case view.TargetPrev, view.TargetNext:
		dir := view.Next
		if target.Kind == view.TargetPrev {
			dir = view.Prev
		}
		s, err := h.views.Paginate(r.Context(), player, dir)
		if err != nil {
			writeDomainError(w, r, h.logger, "paginate view", err)
			return
		}
		writeJSON(w, http.StatusOK, clickResponse{Kind: "view", Session: &s})

	default:
		c, err := h.purchases.Begin(r.Context(), player, target.ListingID, target.Mode)
		if err != nil {
			writeDomainError(w, r, h.logger, "begin purchase", err)
			return
		}
		writeJSON(w, http.StatusCreated, clickResponse{Kind: "confirmation", Confirmation: &c})
	}
}
