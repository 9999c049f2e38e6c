package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/playermarket/internal/domain"
)

// TransactionHandler serves transaction history.
type TransactionHandler struct {
	market MarketService
	codec  domain.Codec
	logger *slog.Logger
}

// NewTransactionHandler creates a TransactionHandler. codec decodes the item
// stored on each transaction for display.
func NewTransactionHandler(market MarketService, codec domain.Codec, logger *slog.Logger) *TransactionHandler {
	return &TransactionHandler{market: market, codec: codec, logger: logger}
}

type transactionView struct {
	BuyerID     string          `json:"buyer_id"`
	SellerID    string          `json:"seller_id"`
	Item        *domain.Item    `json:"item"`
	Label       string          `json:"label"`
	Price       decimal.Decimal `json:"price"`
	BlackMarket bool            `json:"black_market"`
	Timestamp   time.Time       `json:"timestamp"`
}

type transactionPageResponse struct {
	Transactions []transactionView `json:"transactions"`
	Page         int               `json:"page"`
	Pages        int               `json:"pages"`
	Total        int               `json:"total"`
}

// ListOwn returns the acting player's history.
// GET /api/players/{id}/transactions?role=buy|sell&page=1
func (h *TransactionHandler) ListOwn(w http.ResponseWriter, r *http.Request) {
	id, ok := actingAs(w, r, "id")
	if !ok {
		return
	}
	h.list(w, r, id)
}

// ListAny returns any player's history for an operator.
// GET /api/admin/players/{id}/transactions?role=&page=
func (h *TransactionHandler) ListAny(w http.ResponseWriter, r *http.Request) {
	h.list(w, r, pathParam(r, "id"))
}

func (h *TransactionHandler) list(w http.ResponseWriter, r *http.Request, playerID string) {
	role, ok := domain.ParseRole(r.URL.Query().Get("role"))
	if !ok {
		writeError(w, http.StatusBadRequest, "role must be buy or sell")
		return
	}
	page, err := parsePage(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	p, err := h.market.QueryTransactions(r.Context(), playerID, role, page)
	if err != nil {
		writeDomainError(w, r, h.logger, "query transactions", err)
		return
	}

	resp := transactionPageResponse{
		Transactions: make([]transactionView, 0, len(p.Transactions)),
		Page:         p.Page,
		Pages:        p.Pages,
		Total:        p.Total,
	}
	for _, tx := range p.Transactions {
		v := transactionView{
			BuyerID:     tx.BuyerID,
			SellerID:    tx.SellerID,
			Label:       "unknown item",
			Price:       tx.Price,
			BlackMarket: tx.BlackMarket,
			Timestamp:   tx.Timestamp,
		}
		if item, err := h.codec.Decode(tx.Item); err == nil {
			v.Item = &item
			v.Label = item.Label()
		}
		resp.Transactions = append(resp.Transactions, v)
	}
	writeJSON(w, http.StatusOK, resp)
}
