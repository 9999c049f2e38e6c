package domain

import (
	"slices"
	"time"

	"github.com/shopspring/decimal"
)

// Transaction is an immutable record of a completed purchase. The same value
// is appended to both the buyer's and the seller's record.
type Transaction struct {
	BuyerID     string          `json:"buyer_id"`
	SellerID    string          `json:"seller_id"`
	Item        []byte          `json:"item"`
	Price       decimal.Decimal `json:"price"`
	BlackMarket bool            `json:"black_market"`
	Timestamp   time.Time       `json:"timestamp"`
}

// Role filters a player's transactions by which side they were on.
type Role string

const (
	RoleAny    Role = ""
	RoleBuyer  Role = "buyer"
	RoleSeller Role = "seller"
)

// ParseRole maps user input ("buy", "sell", "buyer", ...) to a Role.
func ParseRole(s string) (Role, bool) {
	switch s {
	case "", "all", "any":
		return RoleAny, true
	case "buy", "buyer", "bought":
		return RoleBuyer, true
	case "sell", "seller", "sold":
		return RoleSeller, true
	}
	return RoleAny, false
}

// Matches reports whether tx involves playerID in the given role.
func (tx Transaction) Matches(playerID string, role Role) bool {
	switch role {
	case RoleBuyer:
		return tx.BuyerID == playerID
	case RoleSeller:
		return tx.SellerID == playerID
	default:
		return tx.BuyerID == playerID || tx.SellerID == playerID
	}
}

// PlayerRecord is the per-player ledger entry. ActiveListingIDs mirrors the
// listing store and may drift until the next reconciliation.
type PlayerRecord struct {
	PlayerID         string        `json:"player_id"`
	Transactions     []Transaction `json:"transactions"`
	ActiveListingIDs []string      `json:"active_listing_ids"`
}

// HasListing reports whether id is in the active listing mirror.
func (r PlayerRecord) HasListing(id string) bool {
	return slices.Contains(r.ActiveListingIDs, id)
}
