package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// BidEvent represents an event that gets published when a bid is accepted.
// It goes to NATS core for realtime consumers and to JetStream for the archive.
type BidEvent struct {
	EventID        string          `json:"event_id"`
	AuctionID      string          `json:"auction_id"`
	BidID          string          `json:"bid_id"`
	BidderID       string          `json:"bidder_id"`
	BidderName     string          `json:"bidder_name,omitempty"`
	Amount         decimal.Decimal `json:"amount"`
	PreviousBid    decimal.Decimal `json:"previous_bid"`
	PreviousBidder string          `json:"previous_bidder,omitempty"`
	Timestamp      time.Time       `json:"timestamp"`
}

// WinnerEvent is the winner-announced trigger handed to the payment service
type WinnerEvent struct {
	EventID    string          `json:"event_id"`
	AuctionID  string          `json:"auction_id"`
	SellerID   string          `json:"seller_id"`
	WinnerID   string          `json:"winner_id"`
	FinalPrice decimal.Decimal `json:"final_price"`
	EndedAt    time.Time       `json:"ended_at"`
}
