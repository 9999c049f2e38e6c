package domain

import "strconv"

// Item is the decoded form of a listed item. The marketplace never inspects
// it beyond validation and display; the listing stores only the encoded bytes.
type Item struct {
	Material     string            `json:"material"`
	Amount       int               `json:"amount"`
	DisplayName  string            `json:"display_name,omitempty"`
	Lore         []string          `json:"lore,omitempty"`
	Enchantments map[string]int    `json:"enchantments,omitempty"`
	Attributes   map[string]string `json:"attributes,omitempty"`
}

// Codec converts items to and from the opaque payload stored on a listing.
// Decode returns ErrPayloadCorrupt when data cannot be turned back into a
// valid Item.
type Codec interface {
	Encode(item Item) ([]byte, error)
	Decode(data []byte) (Item, error)
}

// Label returns a short human-readable description such as "3x Diamond".
func (i Item) Label() string {
	name := i.DisplayName
	if name == "" {
		name = i.Material
	}
	return strconv.Itoa(i.Amount) + "x " + name
}
