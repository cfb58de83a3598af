package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Money amounts carry at most AmountScale decimal places and never exceed
// MaxAmount. Within these bounds every amount compares exactly as a float64,
// which is how the bid script on the Redis server compares them.
const AmountScale = 2

var MaxAmount = decimal.New(1, 12)

// CheckAmount reports why d is not a valid money amount
func CheckAmount(d decimal.Decimal) error {
	switch {
	case !d.IsPositive():
		return errors.New("amount must be positive")
	case d.GreaterThan(MaxAmount):
		return fmt.Errorf("amount must not exceed %s", MaxAmount)
	case !d.Equal(d.Truncate(AmountScale)):
		return fmt.Errorf("amount must have at most %d decimal places", AmountScale)
	}
	return nil
}

// Bid is one accepted entry in an auction's bid history
type Bid struct {
	ID         string          `json:"id"`
	BidderID   string          `json:"bidder_id"`
	BidderName string          `json:"bidder_name,omitempty"`
	Amount     decimal.Decimal `json:"amount"`
	Timestamp  time.Time       `json:"timestamp"`
}

// Bidder identifies the caller placing a bid
type Bidder struct {
	ID   string
	Name string
}

// BidRequest represents the incoming bid request from API
type BidRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

// BidResponse represents the API response after placing a bid
type BidResponse struct {
	Success    bool            `json:"success"`
	Message    string          `json:"message"`
	CurrentBid decimal.Decimal `json:"current_bid"`
	YourBid    decimal.Decimal `json:"your_bid"`
	IsHighest  bool            `json:"is_highest"`
	EventID    string          `json:"event_id,omitempty"`
}

// BidReceipt is returned by the arbitrator for an accepted bid
type BidReceipt struct {
	Bid            Bid             `json:"bid"`
	AuctionID      string          `json:"auction_id"`
	PreviousBid    decimal.Decimal `json:"previous_bid"`
	PreviousBidder string          `json:"previous_bidder,omitempty"`
	Attempts       int             `json:"attempts"`
	EventID        string          `json:"event_id"`
}
