package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// DefaultListingTTL is how long a listing stays purchasable after creation.
const DefaultListingTTL = 7 * 24 * time.Hour

// Listing is an item offered for sale by exactly one seller. Item holds the
// opaque codec output; Price is the amount the seller asked for.
type Listing struct {
	ID        string          `json:"id"`
	SellerID  string          `json:"seller_id"`
	Item      []byte          `json:"-"`
	Price     decimal.Decimal `json:"price"`
	ListedAt  time.Time       `json:"listed_at"`
	ExpiresAt time.Time       `json:"expires_at"`
}

// Active reports whether the listing can still be bought at now.
func (l Listing) Active(now time.Time) bool {
	return l.ExpiresAt.After(now)
}

// ViewMode selects how listings are presented to a browsing player.
type ViewMode string

const (
	ViewNormal      ViewMode = "normal"
	ViewBlackMarket ViewMode = "black_market"
)

// Valid reports whether m is a known mode.
func (m ViewMode) Valid() bool {
	return m == ViewNormal || m == ViewBlackMarket
}

// EffectivePrice returns the amount a buyer pays for l when it was reached
// through the given view mode. Black market purchases pay price*discount; the
// stored price is never modified.
func EffectivePrice(l Listing, mode ViewMode, discount decimal.Decimal) decimal.Decimal {
	if mode == ViewBlackMarket {
		return l.Price.Mul(discount)
	}
	return l.Price
}
