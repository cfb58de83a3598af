package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status is the lifecycle state of an auction
type Status string

// Status constants, in lifecycle order
const (
	StatusUpcoming  Status = "upcoming"
	StatusActive    Status = "active"
	StatusEnded     Status = "ended"
	StatusSold      Status = "sold"
	StatusCancelled Status = "cancelled"
)

// rank orders statuses along Upcoming -> Active -> Ended -> Sold.
// Cancelled sits beside the path and is reachable from anything before Sold.
var rank = map[Status]int{
	StatusUpcoming:  0,
	StatusActive:    1,
	StatusEnded:     2,
	StatusSold:      3,
	StatusCancelled: 3,
}

// Valid reports whether s is a known status
func (s Status) Valid() bool {
	_, ok := rank[s]
	return ok
}

// IsTerminal reports whether no further transition is possible
func (s Status) IsTerminal() bool {
	return s == StatusSold || s == StatusCancelled
}

// CanTransitionTo reports whether moving from s to next keeps the status
// progression monotonic. Staying in place is allowed.
func (s Status) CanTransitionTo(next Status) bool {
	if s == next {
		return true
	}
	if s.IsTerminal() {
		return false
	}
	if next == StatusCancelled {
		return true
	}
	if next == StatusSold {
		return s == StatusEnded
	}
	return rank[next] > rank[s]
}

// DurationClass is the listing length chosen by the seller
type DurationClass string

// DurationClass constants
const (
	DurationFlash  DurationClass = "30m"
	DurationHour   DurationClass = "1h"
	DurationDay    DurationClass = "24h"
	DurationWeek   DurationClass = "7d"
	DurationCustom DurationClass = "custom"
)

// Duration returns the listing length of a fixed class, or 0 for custom
func (d DurationClass) Duration() time.Duration {
	switch d {
	case DurationFlash:
		return 30 * time.Minute
	case DurationHour:
		return time.Hour
	case DurationDay:
		return 24 * time.Hour
	case DurationWeek:
		return 7 * 24 * time.Hour
	}
	return 0
}

// PaymentState tracks settlement after an auction ends with a winner
type PaymentState string

// PaymentState constants
const (
	PaymentNone     PaymentState = ""
	PaymentPending  PaymentState = "pending"
	PaymentPaid     PaymentState = "paid"
	PaymentFailed   PaymentState = "failed"
	PaymentRefunded PaymentState = "refunded"
)

// Auction represents a time-boxed property auction
type Auction struct {
	ID                string              `json:"id"`
	SellerID          string              `json:"seller_id"`
	Title             string              `json:"title"`
	Description       string              `json:"description,omitempty"`
	MediaURLs         []string            `json:"media_urls,omitempty"`
	StartingPrice     decimal.Decimal     `json:"starting_price"`
	CurrentBid        decimal.Decimal     `json:"current_bid"`
	HighestBidderID   string              `json:"highest_bidder_id,omitempty"`
	HighestBidderName string              `json:"highest_bidder_name,omitempty"`
	StartTime         time.Time           `json:"start_time"`
	EndTime           time.Time           `json:"end_time"`
	DurationClass     DurationClass       `json:"duration_class"`
	Status            Status              `json:"status"`
	Bids              []Bid               `json:"bids"`
	Watchers          []string            `json:"watchers,omitempty"`
	CreatedAt         time.Time           `json:"created_at"`
	UpdatedAt         time.Time           `json:"updated_at"`
	WinnerID          string              `json:"winner_id,omitempty"`
	FinalPrice        decimal.NullDecimal `json:"final_price"`
	PaymentState      PaymentState        `json:"payment_state,omitempty"`
	TransactionRef    string              `json:"transaction_ref,omitempty"`

	// Revision counts committed writes. A copy with a lower revision is older.
	Revision int64 `json:"revision"`
}

// Duration returns the length of the bidding window
func (a *Auction) Duration() time.Duration {
	return a.EndTime.Sub(a.StartTime)
}

// HasBids reports whether at least one bid has been accepted
func (a *Auction) HasBids() bool {
	return len(a.Bids) > 0
}

// Remaining returns the time left until the end, clamped at zero
func (a *Auction) Remaining(now time.Time) time.Duration {
	if d := a.EndTime.Sub(now); d > 0 {
		return d
	}
	return 0
}

// IsWatchedBy reports whether userID is on the watch-list
func (a *Auction) IsWatchedBy(userID string) bool {
	for _, w := range a.Watchers {
		if w == userID {
			return true
		}
	}
	return false
}

// Bidders returns the distinct bidder ids in first-bid order
func (a *Auction) Bidders() []string {
	seen := make(map[string]bool, len(a.Bids))
	var out []string
	for _, b := range a.Bids {
		if !seen[b.BidderID] {
			seen[b.BidderID] = true
			out = append(out, b.BidderID)
		}
	}
	return out
}

// Clone returns a deep copy safe to hand to another goroutine
func (a *Auction) Clone() *Auction {
	c := *a
	if a.MediaURLs != nil {
		c.MediaURLs = append([]string(nil), a.MediaURLs...)
	}
	if a.Bids != nil {
		c.Bids = append([]Bid(nil), a.Bids...)
	}
	if a.Watchers != nil {
		c.Watchers = append([]string(nil), a.Watchers...)
	}
	return &c
}

// ResolveWinner fills the settlement fields from the current ranking.
// Auctions without bids end with no winner.
func (a *Auction) ResolveWinner() {
	if !a.HasBids() {
		a.WinnerID = ""
		a.FinalPrice = decimal.NullDecimal{}
		a.PaymentState = PaymentNone
		return
	}
	a.WinnerID = a.HighestBidderID
	a.FinalPrice = decimal.NewNullDecimal(a.CurrentBid)
	a.PaymentState = PaymentPending
}

// ComputeStatus applies the time-driven transition rule: a non-terminal
// auction is Upcoming before start, Active inside [start, end) and Ended
// from end on. The result never moves backwards from prev.
func ComputeStatus(prev Status, now, start, end time.Time) Status {
	if prev.IsTerminal() || prev == StatusEnded {
		return prev
	}

	next := StatusUpcoming
	switch {
	case !now.Before(end):
		next = StatusEnded
	case !now.Before(start):
		next = StatusActive
	}

	if !prev.CanTransitionTo(next) {
		return prev
	}
	return next
}

// RecomputeStatus returns the status the transition rule yields for a at now
func (a *Auction) RecomputeStatus(now time.Time) Status {
	return ComputeStatus(a.Status, now, a.StartTime, a.EndTime)
}
