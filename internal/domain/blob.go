package domain

import (
	"context"
	"io"
)

// BlobWriter uploads data to object storage.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
}

// Quarantine keeps a copy of listings removed because their payload could
// not be decoded, so an operator can recover the items by hand.
type Quarantine interface {
	Quarantine(ctx context.Context, listings []Listing) error
}
