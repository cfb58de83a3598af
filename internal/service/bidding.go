package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aaronwang/auction-core/internal/models"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	redisClient "github.com/aaronwang/auction-core/internal/redis"
)

// BidStore is the part of the Auction Record Store the arbitrator writes through
type BidStore interface {
	Get(ctx context.Context, id string) (*models.Auction, error)
	ApplyBid(ctx context.Context, auctionID string, bid models.Bid) (*redisClient.BidResult, error)
}

// OutbidNotifier fans out outbid alerts for an accepted bid
type OutbidNotifier interface {
	NotifyOutbid(a *models.Auction, newBidderID string, amount decimal.Decimal, priorBidders []string)
}

// BidEventPublisher hands accepted bids to downstream systems
type BidEventPublisher interface {
	BidAccepted(receipt *models.BidReceipt)
}

// DefaultMaxAttempts bounds how often a bid is re-submitted after a stale write
const DefaultMaxAttempts = 3

// BiddingService handles the business logic for bidding operations
type BiddingService struct {
	store       BidStore
	notifier    OutbidNotifier
	events      BidEventPublisher
	logger      *zap.Logger
	now         func() time.Time
	maxAttempts int

	priceCache sync.Map // auctionID -> decimal.Decimal, last current bid seen
}

// BiddingOption configures a BiddingService
type BiddingOption func(*BiddingService)

// WithMaxAttempts sets the stale-write retry bound
func WithMaxAttempts(n int) BiddingOption {
	return func(s *BiddingService) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

// WithBidClock overrides the clock used for bid timestamps
func WithBidClock(now func() time.Time) BiddingOption {
	return func(s *BiddingService) { s.now = now }
}

// NewBiddingService creates a new bidding service
func NewBiddingService(store BidStore, notifier OutbidNotifier, events BidEventPublisher, logger *zap.Logger, opts ...BiddingOption) *BiddingService {
	s := &BiddingService{
		store:       store,
		notifier:    notifier,
		events:      events,
		logger:      logger.With(zap.String("component", "arbitrator")),
		now:         time.Now,
		maxAttempts: DefaultMaxAttempts,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// PlaceBid handles the complete bid placement workflow:
// 1. Validate the caller and the amount
// 2. Pre-filter using the local price cache
// 3. Apply the bid atomically in the store
// 4. On a stale write, re-validate against fresh state and re-submit
// 5. On success, send outbid alerts and publish the bid event
//
// Rejections come back as *models.BidRejection unwrapping to
// ErrAuctionNotActive or ErrInvalidBidAmount and are never retried.
func (s *BiddingService) PlaceBid(ctx context.Context, auctionID string, bidder models.Bidder, amount decimal.Decimal) (*models.BidReceipt, error) {
	if bidder.ID == "" {
		return nil, models.ErrUserNotAuthenticated
	}
	if err := models.CheckAmount(amount); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrInvalidBidAmount, err)
	}

	if err := s.prefilter(ctx, auctionID, amount); err != nil {
		return nil, err
	}

	var (
		bid models.Bid
		res *redisClient.BidResult
		err error
	)
	attempt := 0
	for attempt < s.maxAttempts {
		attempt++
		bid = models.Bid{
			ID:         uuid.New().String(),
			BidderID:   bidder.ID,
			BidderName: bidder.Name,
			Amount:     amount,
			Timestamp:  s.now().UTC(),
		}

		res, err = s.store.ApplyBid(ctx, auctionID, bid)
		if err == nil {
			break
		}
		if !errors.Is(err, models.ErrStaleWrite) {
			s.rejected(auctionID, bidder.ID, amount, err)
			return nil, err
		}

		// another bid committed first: validate against what won
		fresh, gerr := s.store.Get(ctx, auctionID)
		if gerr != nil {
			return nil, fmt.Errorf("failed to refresh auction after stale write: %w", gerr)
		}
		s.priceCache.Store(auctionID, fresh.CurrentBid)
		if cerr := redisClient.CheckBid(fresh, amount, s.now()); cerr != nil {
			s.rejected(auctionID, bidder.ID, amount, cerr)
			return nil, cerr
		}
		s.logger.Debug("Bid lost a race, re-submitting",
			zap.String("auction_id", auctionID), zap.Int("attempt", attempt))
	}
	if err != nil {
		return nil, fmt.Errorf("bid on auction %s after %d attempts: %w", auctionID, attempt, err)
	}

	s.priceCache.Store(auctionID, amount)

	receipt := &models.BidReceipt{
		Bid:            bid,
		AuctionID:      auctionID,
		PreviousBid:    res.PreviousBid,
		PreviousBidder: res.PreviousBidder,
		Attempts:       attempt,
		EventID:        uuid.New().String(),
	}

	s.logger.Info("Bid accepted",
		zap.String("auction_id", auctionID),
		zap.String("bidder_id", bidder.ID),
		zap.String("amount", amount.String()),
		zap.Int("attempts", attempt))

	snapshot := res.Auction
	if snapshot == nil {
		snapshot = &models.Auction{ID: auctionID, CurrentBid: amount}
	}
	if s.notifier != nil {
		s.notifier.NotifyOutbid(snapshot, bidder.ID, amount, res.PriorBidders)
	}
	if s.events != nil {
		s.events.BidAccepted(receipt)
	}

	return receipt, nil
}

// prefilter rejects bids that are obviously too low without a store write.
// The cache only ever triggers a fresh read, never a rejection on its own.
func (s *BiddingService) prefilter(ctx context.Context, auctionID string, amount decimal.Decimal) error {
	cached, ok := s.priceCache.Load(auctionID)
	if !ok || amount.GreaterThan(cached.(decimal.Decimal)) {
		return nil
	}

	a, err := s.store.Get(ctx, auctionID)
	if err != nil {
		if errors.Is(err, models.ErrAuctionNotFound) {
			s.priceCache.Delete(auctionID)
			return err
		}
		// store trouble: let the atomic path decide
		s.logger.Warn("Price cache refresh failed", zap.String("auction_id", auctionID), zap.Error(err))
		return nil
	}
	s.priceCache.Store(auctionID, a.CurrentBid)

	if !amount.GreaterThan(a.CurrentBid) {
		err := &models.BidRejection{Reason: models.ErrInvalidBidAmount, CurrentBid: a.CurrentBid, Status: a.Status}
		s.rejected(auctionID, "", amount, err)
		return err
	}
	return nil
}

func (s *BiddingService) rejected(auctionID, bidderID string, amount decimal.Decimal, err error) {
	var rej *models.BidRejection
	if errors.As(err, &rej) {
		s.priceCache.Store(auctionID, rej.CurrentBid)
	}
	s.logger.Debug("Bid rejected",
		zap.String("auction_id", auctionID),
		zap.String("bidder_id", bidderID),
		zap.String("amount", amount.String()),
		zap.Error(err))
}

// Response converts the outcome of PlaceBid to the API shape
func Response(amount decimal.Decimal, receipt *models.BidReceipt, err error) *models.BidResponse {
	if err == nil {
		return &models.BidResponse{
			Success:    true,
			Message:    "Bid placed successfully!",
			CurrentBid: receipt.Bid.Amount,
			YourBid:    amount,
			IsHighest:  true,
			EventID:    receipt.EventID,
		}
	}

	resp := &models.BidResponse{Success: false, YourBid: amount}
	var rej *models.BidRejection
	switch {
	case errors.As(err, &rej) && errors.Is(err, models.ErrInvalidBidAmount):
		resp.Message = fmt.Sprintf("Bid too low. Current highest bid is $%s", rej.CurrentBid.StringFixed(2))
		resp.CurrentBid = rej.CurrentBid
	case errors.As(err, &rej):
		resp.Message = fmt.Sprintf("Auction is not accepting bids (status %s)", rej.Status)
		resp.CurrentBid = rej.CurrentBid
	case errors.Is(err, models.ErrInvalidBidAmount):
		resp.Message = fmt.Sprintf("Bid amount must be positive, at most %s, with at most %d decimal places",
			models.MaxAmount, models.AmountScale)
	case errors.Is(err, models.ErrUserNotAuthenticated):
		resp.Message = "Sign in to place a bid"
	case errors.Is(err, models.ErrAuctionNotFound):
		resp.Message = "Auction not found"
	case errors.Is(err, models.ErrStaleWrite):
		resp.Message = "Too many competing bids, try again"
	default:
		resp.Message = "Failed to place bid"
	}
	return resp
}
