// Package codec encodes marketplace items into the opaque payload stored on
// listings. Items are written as a protobuf Struct and compressed with zstd,
// prefixed by a one-byte format version.
package codec

import (
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/alanyoungcy/playermarket/internal/domain"
)

const (
	formatV1 byte = 1

	// maxDecodedSize bounds decompression of a single payload.
	maxDecodedSize = 1 << 20

	// MaxStackSize is the largest amount a single item stack may carry.
	MaxStackSize = 64
)

// Codec implements domain.Codec. It is safe for concurrent use.
type Codec struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

// New creates a Codec.
func New() (*Codec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("codec: zstd writer: %w", err)
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxDecodedSize))
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("codec: zstd reader: %w", err)
	}
	return &Codec{enc: enc, dec: dec}, nil
}

// Close releases the zstd decoder's background resources.
func (c *Codec) Close() {
	c.dec.Close()
	_ = c.enc.Close()
}

// Encode validates item and returns its payload.
func (c *Codec) Encode(item domain.Item) ([]byte, error) {
	if err := Validate(item); err != nil {
		return nil, err
	}

	st, err := structpb.NewStruct(toMap(item))
	if err != nil {
		return nil, fmt.Errorf("codec: build struct: %w", err)
	}
	raw, err := proto.MarshalOptions{Deterministic: true}.Marshal(st)
	if err != nil {
		return nil, fmt.Errorf("codec: marshal: %w", err)
	}

	out := make([]byte, 0, len(raw)/2+1)
	out = append(out, formatV1)
	return c.enc.EncodeAll(raw, out), nil
}

// Decode turns a payload back into an item. Any failure is reported as
// domain.ErrPayloadCorrupt.
func (c *Codec) Decode(data []byte) (domain.Item, error) {
	if len(data) < 2 {
		return domain.Item{}, fmt.Errorf("codec: payload too short: %w", domain.ErrPayloadCorrupt)
	}
	if data[0] != formatV1 {
		return domain.Item{}, fmt.Errorf("codec: unknown format %d: %w", data[0], domain.ErrPayloadCorrupt)
	}

	raw, err := c.dec.DecodeAll(data[1:], nil)
	if err != nil {
		return domain.Item{}, fmt.Errorf("codec: decompress: %v: %w", err, domain.ErrPayloadCorrupt)
	}

	var st structpb.Struct
	if err := proto.Unmarshal(raw, &st); err != nil {
		return domain.Item{}, fmt.Errorf("codec: unmarshal: %v: %w", err, domain.ErrPayloadCorrupt)
	}

	item, err := fromStruct(&st)
	if err != nil {
		return domain.Item{}, fmt.Errorf("codec: %v: %w", err, domain.ErrPayloadCorrupt)
	}
	if err := Validate(item); err != nil {
		return domain.Item{}, fmt.Errorf("codec: %v: %w", err, domain.ErrPayloadCorrupt)
	}
	return item, nil
}

// RoundTrip encodes item and checks the payload decodes back to an equal
// material and amount. Listings are only created from payloads that pass.
func (c *Codec) RoundTrip(item domain.Item) ([]byte, error) {
	data, err := c.Encode(item)
	if err != nil {
		return nil, err
	}
	back, err := c.Decode(data)
	if err != nil {
		return nil, err
	}
	if back.Material != item.Material || back.Amount != item.Amount {
		return nil, fmt.Errorf("codec: round trip mismatch: %w", domain.ErrPayloadCorrupt)
	}
	return data, nil
}

// Validate checks the fields every listed item must carry.
func Validate(item domain.Item) error {
	switch {
	case item.Material == "":
		return fmt.Errorf("codec: material is required: %w", domain.ErrInvalidInput)
	case item.Amount < 1 || item.Amount > MaxStackSize:
		return fmt.Errorf("codec: amount %d out of range 1-%d: %w", item.Amount, MaxStackSize, domain.ErrInvalidInput)
	}
	return nil
}

func toMap(item domain.Item) map[string]any {
	m := map[string]any{
		"material": item.Material,
		"amount":   float64(item.Amount),
	}
	if item.DisplayName != "" {
		m["display_name"] = item.DisplayName
	}
	if len(item.Lore) > 0 {
		lore := make([]any, len(item.Lore))
		for i, l := range item.Lore {
			lore[i] = l
		}
		m["lore"] = lore
	}
	if len(item.Enchantments) > 0 {
		ench := make(map[string]any, len(item.Enchantments))
		for k, v := range item.Enchantments {
			ench[k] = float64(v)
		}
		m["enchantments"] = ench
	}
	if len(item.Attributes) > 0 {
		attrs := make(map[string]any, len(item.Attributes))
		for k, v := range item.Attributes {
			attrs[k] = v
		}
		m["attributes"] = attrs
	}
	return m
}

var errFieldType = errors.New("unexpected field type")

func fromStruct(st *structpb.Struct) (domain.Item, error) {
	var item domain.Item
	fields := st.GetFields()

	mat, ok := fields["material"].GetKind().(*structpb.Value_StringValue)
	if !ok {
		return item, fmt.Errorf("material: %w", errFieldType)
	}
	item.Material = mat.StringValue

	amt, ok := fields["amount"].GetKind().(*structpb.Value_NumberValue)
	if !ok {
		return item, fmt.Errorf("amount: %w", errFieldType)
	}
	item.Amount = int(amt.NumberValue)

	if v, ok := fields["display_name"]; ok {
		item.DisplayName = v.GetStringValue()
	}
	if v, ok := fields["lore"]; ok {
		for _, l := range v.GetListValue().GetValues() {
			item.Lore = append(item.Lore, l.GetStringValue())
		}
	}
	if v, ok := fields["enchantments"]; ok {
		ench := v.GetStructValue().GetFields()
		item.Enchantments = make(map[string]int, len(ench))
		for k, e := range ench {
			item.Enchantments[k] = int(e.GetNumberValue())
		}
	}
	if v, ok := fields["attributes"]; ok {
		attrs := v.GetStructValue().GetFields()
		item.Attributes = make(map[string]string, len(attrs))
		for k, a := range attrs {
			item.Attributes[k] = a.GetStringValue()
		}
	}
	return item, nil
}

var _ domain.Codec = (*Codec)(nil)
