package codec

import (
	"errors"
	"testing"

	"github.com/alanyoungcy/playermarket/internal/domain"
)

func newCodec(t *testing.T) *Codec {
	t.Helper()
	c, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

func TestEncodeDecode(t *testing.T) {
	c := newCodec(t)
	in := domain.Item{
		Material:     "DIAMOND_SWORD",
		Amount:       1,
		DisplayName:  "Edge",
		Lore:         []string{"first", "second"},
		Enchantments: map[string]int{"sharpness": 5, "unbreaking": 3},
		Attributes:   map[string]string{"origin": "crafted"},
	}

	data, err := c.Encode(in)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	out, err := c.Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	if out.Material != in.Material || out.Amount != in.Amount || out.DisplayName != in.DisplayName {
		t.Fatalf("decoded %+v, want %+v", out, in)
	}
	if len(out.Lore) != 2 || out.Lore[0] != "first" || out.Lore[1] != "second" {
		t.Fatalf("lore = %v", out.Lore)
	}
	if out.Enchantments["sharpness"] != 5 || out.Enchantments["unbreaking"] != 3 {
		t.Fatalf("enchantments = %v", out.Enchantments)
	}
	if out.Attributes["origin"] != "crafted" {
		t.Fatalf("attributes = %v", out.Attributes)
	}
}

func TestDecodeCorrupt(t *testing.T) {
	c := newCodec(t)
	good, err := c.Encode(domain.Item{Material: "STONE", Amount: 64})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	truncated := good[:len(good)/2]
	wrongVersion := append([]byte{9}, good[1:]...)
	garbage := []byte{formatV1, 0xde, 0xad, 0xbe, 0xef}

	for name, data := range map[string][]byte{
		"empty":         nil,
		"truncated":     truncated,
		"wrong version": wrongVersion,
		"garbage":       garbage,
	} {
		t.Run(name, func(t *testing.T) {
			if _, err := c.Decode(data); !errors.Is(err, domain.ErrPayloadCorrupt) {
				t.Fatalf("Decode err = %v, want ErrPayloadCorrupt", err)
			}
		})
	}
}

func TestEncodeRejectsInvalidItem(t *testing.T) {
	c := newCodec(t)
	for _, item := range []domain.Item{
		{Material: "", Amount: 1},
		{Material: "STONE", Amount: 0},
		{Material: "STONE", Amount: MaxStackSize + 1},
	} {
		if _, err := c.Encode(item); !errors.Is(err, domain.ErrInvalidInput) {
			t.Fatalf("Encode(%+v) err = %v, want ErrInvalidInput", item, err)
		}
	}
}

func TestRoundTrip(t *testing.T) {
	c := newCodec(t)
	data, err := c.RoundTrip(domain.Item{Material: "APPLE", Amount: 12})
	if err != nil {
		t.Fatalf("RoundTrip: %v", err)
	}
	if len(data) == 0 || data[0] != formatV1 {
		t.Fatalf("payload missing version prefix: %v", data)
	}
}
