package models

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	// ErrUserNotAuthenticated means the call carried no caller identity
	ErrUserNotAuthenticated = errors.New("user not authenticated")

	// ErrInvalidBidAmount means the amount is not above the current highest bid
	ErrInvalidBidAmount = errors.New("invalid bid amount")

	// ErrAuctionNotActive means the auction is not accepting bids
	ErrAuctionNotActive = errors.New("auction not active")

	// ErrStaleWrite means a conditional write lost against a concurrent commit
	ErrStaleWrite = errors.New("stale write")

	// ErrRecordDecodeFailed means a stored or remote record could not be decoded
	ErrRecordDecodeFailed = errors.New("record decode failed")

	// ErrTransportUnavailable means an alert could not be handed to the transport
	ErrTransportUnavailable = errors.New("notification transport unavailable")

	ErrAuctionNotFound   = errors.New("auction not found")
	ErrAuctionExists     = errors.New("auction already exists")
	ErrInvalidAuction    = errors.New("invalid auction")
	ErrNotSeller         = errors.New("caller is not the seller")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// BidRejection explains why a bid was refused and carries the state it was
// validated against
type BidRejection struct {
	Reason     error
	CurrentBid decimal.Decimal
	Status     Status
}

func (e *BidRejection) Error() string {
	if errors.Is(e.Reason, ErrInvalidBidAmount) {
		return fmt.Sprintf("%v: current highest bid is %s", e.Reason, e.CurrentBid.StringFixed(2))
	}
	return fmt.Sprintf("%v: status is %s", e.Reason, e.Status)
}

func (e *BidRejection) Unwrap() error {
	return e.Reason
}
