// Package view tracks what each browsing player is looking at. A Cache
// builds pages from the listing service, hands them to a Display, and maps a
// clicked slot back to the listing it showed.
package view

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/playermarket/internal/domain"
)

// Slot layout of a rendered page: listings fill slots 0..PageSize-1 and the
// bottom row carries navigation.
const (
	PageSize = 45
	PrevSlot = 45
	NextSlot = 53
)

// ErrSuperseded is returned by Open when a newer Open or Close for the same
// player finished first.
var ErrSuperseded = errors.New("view superseded")

// Direction is a pagination step.
type Direction string

const (
	Next Direction = "next"
	Prev Direction = "prev"
)

// Slot is one rendered listing. Price is what the viewer would pay.
type Slot struct {
	Index       int             `json:"index"`
	ListingID   string          `json:"listing_id"`
	SellerID    string          `json:"seller_id"`
	Item        domain.Item     `json:"item"`
	Price       decimal.Decimal `json:"price"`
	ListedPrice decimal.Decimal `json:"listed_price"`
	ExpiresAt   time.Time       `json:"expires_at"`
}

// Session is a player's rendered view. It is rebuilt on every render.
type Session struct {
	ID         string          `json:"id"`
	PlayerID   string          `json:"player_id"`
	Mode       domain.ViewMode `json:"mode"`
	Page       int             `json:"page"`
	Pages      int             `json:"pages"`
	HasPrev    bool            `json:"has_prev"`
	HasNext    bool            `json:"has_next"`
	Slots      []Slot          `json:"slots"`
	RenderedAt time.Time       `json:"rendered_at"`
}

// TargetKind says what a click resolved to.
type TargetKind string

const (
	TargetListing TargetKind = "listing"
	TargetPrev    TargetKind = "prev"
	TargetNext    TargetKind = "next"
)

// Target is the result of resolving a clicked slot.
type Target struct {
	Kind      TargetKind      `json:"kind"`
	SessionID string          `json:"session_id"`
	ListingID string          `json:"listing_id,omitempty"`
	Mode      domain.ViewMode `json:"mode"`
}

func (s *Session) resolve(slot int) (Target, bool) {
	t := Target{SessionID: s.ID, Mode: s.Mode}
	switch {
	case slot == PrevSlot && s.HasPrev:
		t.Kind = TargetPrev
		return t, true
	case slot == NextSlot && s.HasNext:
		t.Kind = TargetNext
		return t, true
	}
	for _, sl := range s.Slots {
		if sl.Index == slot {
			t.Kind = TargetListing
			t.ListingID = sl.ListingID
			return t, true
		}
	}
	return Target{}, false
}
