// Package database is the Postgres archive of accepted bids and auction outcomes.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/aaronwang/auction-core/internal/models"
	_ "github.com/lib/pq"
	"github.com/shopspring/decimal"
)

// PostgresClient wraps the PostgreSQL database connection
type PostgresClient struct {
	db *sql.DB
}

// ArchivedBid is one row of the bids table
type ArchivedBid struct {
	ID        string
	EventID   string
	AuctionID string
	BidderID  string
	Amount    decimal.Decimal
	Timestamp time.Time
}

// NewPostgresClient creates a new PostgreSQL client
func NewPostgresClient(ctx context.Context, connStr string) (*PostgresClient, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	return &PostgresClient{db: db}, nil
}

// InitSchema creates the archive tables
func (c *PostgresClient) InitSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS bids (
		id VARCHAR(255) PRIMARY KEY,
		event_id VARCHAR(255) NOT NULL UNIQUE,
		auction_id VARCHAR(255) NOT NULL,
		bidder_id VARCHAR(255) NOT NULL,
		amount NUMERIC(18, 2) NOT NULL,
		previous_bid NUMERIC(18, 2) NOT NULL DEFAULT 0,
		previous_bidder VARCHAR(255),
		timestamp TIMESTAMPTZ NOT NULL,
		created_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS auction_results (
		auction_id VARCHAR(255) PRIMARY KEY,
		event_id VARCHAR(255) NOT NULL,
		seller_id VARCHAR(255) NOT NULL,
		winner_id VARCHAR(255) NOT NULL,
		final_price NUMERIC(18, 2) NOT NULL,
		ended_at TIMESTAMPTZ NOT NULL,
		created_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_bids_auction_id ON bids(auction_id);
	CREATE INDEX IF NOT EXISTS idx_bids_bidder_id ON bids(bidder_id);
	CREATE INDEX IF NOT EXISTS idx_bids_timestamp ON bids(timestamp);
	`

	if _, err := c.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// InsertBid archives an accepted bid. Redelivered events are ignored.
func (c *PostgresClient) InsertBid(ctx context.Context, event *models.BidEvent) error {
	query := `
		INSERT INTO bids (id, event_id, auction_id, bidder_id, amount, previous_bid, previous_bidder, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8)
		ON CONFLICT DO NOTHING
	`

	_, err := c.db.ExecContext(
		ctx,
		query,
		event.BidID,
		event.EventID,
		event.AuctionID,
		event.BidderID,
		event.Amount,
		event.PreviousBid,
		event.PreviousBidder,
		event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to insert bid: %w", err)
	}
	return nil
}

// InsertResult records the outcome of an auction. An auction has one result.
func (c *PostgresClient) InsertResult(ctx context.Context, event *models.WinnerEvent) error {
	query := `
		INSERT INTO auction_results (auction_id, event_id, seller_id, winner_id, final_price, ended_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (auction_id) DO NOTHING
	`

	_, err := c.db.ExecContext(
		ctx,
		query,
		event.AuctionID,
		event.EventID,
		event.SellerID,
		event.WinnerID,
		event.FinalPrice,
		event.EndedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert auction result: %w", err)
	}
	return nil
}

// GetBidHistory returns the latest bids of an auction, newest first
func (c *PostgresClient) GetBidHistory(ctx context.Context, auctionID string, limit int) ([]*ArchivedBid, error) {
	query := `
		SELECT id, event_id, auction_id, bidder_id, amount, timestamp
		FROM bids
		WHERE auction_id = $1
		ORDER BY timestamp DESC
		LIMIT $2
	`

	rows, err := c.db.QueryContext(ctx, query, auctionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query bids: %w", err)
	}
	defer rows.Close()

	var bids []*ArchivedBid
	for rows.Next() {
		bid := &ArchivedBid{}
		if err := rows.Scan(
			&bid.ID,
			&bid.EventID,
			&bid.AuctionID,
			&bid.BidderID,
			&bid.Amount,
			&bid.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("failed to scan bid: %w", err)
		}
		bids = append(bids, bid)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read bids: %w", err)
	}

	return bids, nil
}

// Close closes the database connection
func (c *PostgresClient) Close() error {
	return c.db.Close()
}
