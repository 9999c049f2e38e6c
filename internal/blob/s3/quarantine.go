package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/playermarket/internal/domain"
)

// quarantineRecord is one JSONL line of a quarantine object. Item keeps the
// raw payload (base64 in JSON) so it can be inspected or repaired later.
type quarantineRecord struct {
	ID            string    `json:"id"`
	SellerID      string    `json:"seller_id"`
	Price         string    `json:"price"`
	ListedAt      time.Time `json:"listed_at"`
	ExpiresAt     time.Time `json:"expires_at"`
	Item          []byte    `json:"item"`
	QuarantinedAt time.Time `json:"quarantined_at"`
}

// Quarantine implements domain.Quarantine by uploading removed listings as
// a JSONL object under quarantine/YYYY/MM/DD/.
type Quarantine struct {
	writer domain.BlobWriter
	audit  domain.AuditStore
	now    func() time.Time
}

// NewQuarantine creates a Quarantine. audit may be nil.
func NewQuarantine(writer domain.BlobWriter, audit domain.AuditStore) *Quarantine {
	return &Quarantine{writer: writer, audit: audit, now: time.Now}
}

// Quarantine uploads listings and records the object path in the audit log.
func (q *Quarantine) Quarantine(ctx context.Context, listings []domain.Listing) error {
	if len(listings) == 0 {
		return nil
	}

	at := q.now().UTC()
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, l := range listings {
		if err := enc.Encode(quarantineRecord{
			ID:            l.ID,
			SellerID:      l.SellerID,
			Price:         l.Price.String(),
			ListedAt:      l.ListedAt,
			ExpiresAt:     l.ExpiresAt,
			Item:          l.Item,
			QuarantinedAt: at,
		}); err != nil {
			return fmt.Errorf("s3blob: quarantine marshal %s: %w", l.ID, err)
		}
	}

	path := quarantinePath(at)
	if err := q.writer.Put(ctx, path, &buf, "application/x-ndjson"); err != nil {
		return fmt.Errorf("s3blob: quarantine upload: %w", err)
	}

	if q.audit != nil {
		ids := make([]string, len(listings))
		for i, l := range listings {
			ids[i] = l.ID
		}
		if err := q.audit.Log(ctx, "listing.quarantined", map[string]any{
			"path":        path,
			"count":       len(listings),
			"listing_ids": ids,
		}); err != nil {
			return fmt.Errorf("s3blob: quarantine audit log: %w", err)
		}
	}
	return nil
}

// quarantinePath builds a unique key partitioned by day:
//
//	quarantine/2026/01/31/20260131T120000Z-<uuid>.jsonl
func quarantinePath(at time.Time) string {
	return fmt.Sprintf("quarantine/%s/%s-%s.jsonl",
		at.Format("2006/01/02"), at.Format("20060102T150405Z"), uuid.NewString())
}

var _ domain.Quarantine = (*Quarantine)(nil)
