package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/playermarket/internal/domain"
)

// PlayerStore implements domain.PlayerStore using SQLite.
type PlayerStore struct {
	db *sql.DB
}

// NewPlayerStore creates a PlayerStore on the given database.
func NewPlayerStore(d *DB) *PlayerStore {
	return &PlayerStore{db: d.db}
}

func (s *PlayerStore) ensure(ctx context.Context, playerID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO players (player_id, created_at) VALUES (?, ?) ON CONFLICT (player_id) DO NOTHING`,
		playerID, time.Now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("sqlite: ensure player %s: %w", playerID, err)
	}
	return nil
}

// Get returns the player's record, creating an empty one on first access.
func (s *PlayerStore) Get(ctx context.Context, playerID string) (domain.PlayerRecord, error) {
	if err := s.ensure(ctx, playerID); err != nil {
		return domain.PlayerRecord{}, err
	}
	rec := domain.PlayerRecord{PlayerID: playerID}

	rows, err := s.db.QueryContext(ctx,
		`SELECT buyer_id, seller_id, item, price, black_market, occurred_at
		 FROM player_transactions WHERE player_id = ? ORDER BY id`, playerID)
	if err != nil {
		return domain.PlayerRecord{}, fmt.Errorf("sqlite: list transactions %s: %w", playerID, err)
	}
	for rows.Next() {
		var (
			tx    domain.Transaction
			price string
			at    int64
		)
		if err := rows.Scan(&tx.BuyerID, &tx.SellerID, &tx.Item, &price, &tx.BlackMarket, &at); err != nil {
			rows.Close()
			return domain.PlayerRecord{}, fmt.Errorf("sqlite: scan transaction: %w", err)
		}
		if tx.Price, err = decimal.NewFromString(price); err != nil {
			rows.Close()
			return domain.PlayerRecord{}, fmt.Errorf("sqlite: parse transaction price %q: %w", price, err)
		}
		tx.Timestamp = fromNanos(at)
		rec.Transactions = append(rec.Transactions, tx)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return domain.PlayerRecord{}, fmt.Errorf("sqlite: list transactions rows: %w", err)
	}

	ids, err := s.listingIDs(ctx, playerID)
	if err != nil {
		return domain.PlayerRecord{}, err
	}
	rec.ActiveListingIDs = ids
	return rec, nil
}

func (s *PlayerStore) listingIDs(ctx context.Context, playerID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT listing_id FROM player_listings WHERE player_id = ? ORDER BY listing_id`, playerID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list player listings %s: %w", playerID, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("sqlite: scan player listing: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// AddListing adds listingID to the player's active listing mirror.
func (s *PlayerStore) AddListing(ctx context.Context, playerID, listingID string) error {
	if err := s.ensure(ctx, playerID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO player_listings (player_id, listing_id) VALUES (?, ?) ON CONFLICT DO NOTHING`,
		playerID, listingID)
	if err != nil {
		return fmt.Errorf("sqlite: add player listing %s/%s: %w", playerID, listingID, err)
	}
	return nil
}

// RemoveListing drops listingID from the player's mirror. Removing an id
// that is not present is not an error.
func (s *PlayerStore) RemoveListing(ctx context.Context, playerID, listingID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM player_listings WHERE player_id = ? AND listing_id = ?`,
		playerID, listingID)
	if err != nil {
		return fmt.Errorf("sqlite: remove player listing %s/%s: %w", playerID, listingID, err)
	}
	return nil
}

// SetListings replaces the player's mirror with exactly listingIDs.
func (s *PlayerStore) SetListings(ctx context.Context, playerID string, listingIDs []string) error {
	if err := s.ensure(ctx, playerID); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin set listings %s: %w", playerID, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM player_listings WHERE player_id = ?`, playerID); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("sqlite: clear player listings %s: %w", playerID, err)
	}
	for _, id := range listingIDs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO player_listings (player_id, listing_id) VALUES (?, ?) ON CONFLICT DO NOTHING`,
			playerID, id); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("sqlite: set player listing %s/%s: %w", playerID, id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit set listings %s: %w", playerID, err)
	}
	return nil
}

// AppendTransaction appends tx to the player's history.
func (s *PlayerStore) AppendTransaction(ctx context.Context, playerID string, tx domain.Transaction) error {
	if err := s.ensure(ctx, playerID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO player_transactions
			(player_id, buyer_id, seller_id, item, price, black_market, occurred_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		playerID, tx.BuyerID, tx.SellerID, tx.Item, tx.Price.String(), tx.BlackMarket, toNanos(tx.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("sqlite: append transaction %s: %w", playerID, err)
	}
	return nil
}

// ListPlayerIDs returns every player with a record.
func (s *PlayerStore) ListPlayerIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT player_id FROM players ORDER BY player_id`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list players: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("sqlite: scan player: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

var _ domain.PlayerStore = (*PlayerStore)(nil)
