package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/playermarket/internal/domain"
)

// PlayerStore implements domain.PlayerStore using PostgreSQL. The active
// listing mirror is a TEXT[] column on players; history rows live in
// player_transactions.
type PlayerStore struct {
	pool *pgxpool.Pool
}

// NewPlayerStore creates a new PlayerStore backed by the given connection pool.
func NewPlayerStore(pool *pgxpool.Pool) *PlayerStore {
	return &PlayerStore{pool: pool}
}

// Get returns the player's record, creating an empty one on first access.
func (s *PlayerStore) Get(ctx context.Context, playerID string) (domain.PlayerRecord, error) {
	const upsert = `
		INSERT INTO players (player_id) VALUES ($1)
		ON CONFLICT (player_id) DO UPDATE SET player_id = EXCLUDED.player_id
		RETURNING active_listings`

	rec := domain.PlayerRecord{PlayerID: playerID}
	if err := s.pool.QueryRow(ctx, upsert, playerID).Scan(&rec.ActiveListingIDs); err != nil {
		return domain.PlayerRecord{}, fmt.Errorf("postgres: get player %s: %w", playerID, err)
	}

	const txQuery = `
		SELECT buyer_id, seller_id, item, price::text, black_market, occurred_at
		FROM player_transactions WHERE player_id = $1 ORDER BY id`
	rows, err := s.pool.Query(ctx, txQuery, playerID)
	if err != nil {
		return domain.PlayerRecord{}, fmt.Errorf("postgres: list transactions %s: %w", playerID, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			tx    domain.Transaction
			price string
		)
		if err := rows.Scan(&tx.BuyerID, &tx.SellerID, &tx.Item, &price, &tx.BlackMarket, &tx.Timestamp); err != nil {
			return domain.PlayerRecord{}, fmt.Errorf("postgres: scan transaction: %w", err)
		}
		if tx.Price, err = decimal.NewFromString(price); err != nil {
			return domain.PlayerRecord{}, fmt.Errorf("postgres: parse transaction price %q: %w", price, err)
		}
		tx.Timestamp = tx.Timestamp.UTC()
		rec.Transactions = append(rec.Transactions, tx)
	}
	if err := rows.Err(); err != nil {
		return domain.PlayerRecord{}, fmt.Errorf("postgres: list transactions rows: %w", err)
	}
	return rec, nil
}

// AddListing adds listingID to the player's mirror if not already present.
func (s *PlayerStore) AddListing(ctx context.Context, playerID, listingID string) error {
	const query = `
		INSERT INTO players (player_id, active_listings) VALUES ($1, ARRAY[$2::text])
		ON CONFLICT (player_id) DO UPDATE SET
			active_listings = CASE
				WHEN $2 = ANY(players.active_listings) THEN players.active_listings
				ELSE array_append(players.active_listings, $2)
			END,
			updated_at = NOW()`
	if _, err := s.pool.Exec(ctx, query, playerID, listingID); err != nil {
		return fmt.Errorf("postgres: add player listing %s/%s: %w", playerID, listingID, err)
	}
	return nil
}

// RemoveListing drops listingID from the player's mirror.
func (s *PlayerStore) RemoveListing(ctx context.Context, playerID, listingID string) error {
	const query = `
		UPDATE players SET active_listings = array_remove(active_listings, $2), updated_at = NOW()
		WHERE player_id = $1`
	if _, err := s.pool.Exec(ctx, query, playerID, listingID); err != nil {
		return fmt.Errorf("postgres: remove player listing %s/%s: %w", playerID, listingID, err)
	}
	return nil
}

// SetListings replaces the player's mirror with exactly listingIDs.
func (s *PlayerStore) SetListings(ctx context.Context, playerID string, listingIDs []string) error {
	if listingIDs == nil {
		listingIDs = []string{}
	}
	const query = `
		INSERT INTO players (player_id, active_listings) VALUES ($1, $2)
		ON CONFLICT (player_id) DO UPDATE SET active_listings = EXCLUDED.active_listings, updated_at = NOW()`
	if _, err := s.pool.Exec(ctx, query, playerID, listingIDs); err != nil {
		return fmt.Errorf("postgres: set player listings %s: %w", playerID, err)
	}
	return nil
}

// AppendTransaction appends tx to the player's history.
func (s *PlayerStore) AppendTransaction(ctx context.Context, playerID string, tx domain.Transaction) error {
	const ensure = `INSERT INTO players (player_id) VALUES ($1) ON CONFLICT (player_id) DO NOTHING`
	if _, err := s.pool.Exec(ctx, ensure, playerID); err != nil {
		return fmt.Errorf("postgres: ensure player %s: %w", playerID, err)
	}

	const query = `
		INSERT INTO player_transactions
			(player_id, buyer_id, seller_id, item, price, black_market, occurred_at)
		VALUES ($1, $2, $3, $4, $5::numeric, $6, $7)`
	_, err := s.pool.Exec(ctx, query,
		playerID, tx.BuyerID, tx.SellerID, tx.Item, tx.Price.String(), tx.BlackMarket, tx.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("postgres: append transaction %s: %w", playerID, err)
	}
	return nil
}

// ListPlayerIDs returns every player with a record.
func (s *PlayerStore) ListPlayerIDs(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT player_id FROM players ORDER BY player_id`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list players: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("postgres: scan player: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list players rows: %w", err)
	}
	return ids, nil
}

var _ domain.PlayerStore = (*PlayerStore)(nil)
