package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aaronwang/auction-core/internal/models"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	redisClient "github.com/aaronwang/auction-core/internal/redis"
)

// AuctionStore is the part of the Auction Record Store used for administration
type AuctionStore interface {
	Create(ctx context.Context, a *models.Auction) error
	Get(ctx context.Context, id string) (*models.Auction, error)
	ListByStart(ctx context.Context) ([]*models.Auction, error)
	Update(ctx context.Context, id string, mutate redisClient.Mutator) (*models.Auction, error)
	AddWatcher(ctx context.Context, auctionID, userID string) error
	RemoveWatcher(ctx context.Context, auctionID, userID string) error
}

// TimerControl stops the countdown of an auction
type TimerControl interface {
	Stop(auctionID string)
}

// AlertCanceller removes pending alerts of an auction
type AlertCanceller interface {
	CancelAll(auctionID string)
}

// CreateAuctionInput is what a seller submits. EndTime may be left zero when
// DurationClass names a fixed length.
type CreateAuctionInput struct {
	Title         string               `json:"title"`
	Description   string               `json:"description"`
	MediaURLs     []string             `json:"media_urls"`
	StartingPrice decimal.Decimal      `json:"starting_price"`
	StartTime     time.Time            `json:"start_time"`
	EndTime       time.Time            `json:"end_time"`
	DurationClass models.DurationClass `json:"duration_class"`
}

// AuctionService handles seller, watcher and payment operations
type AuctionService struct {
	store  AuctionStore
	timers TimerControl
	alerts AlertCanceller
	logger *zap.Logger
	now    func() time.Time
}

// NewAuctionService creates a new auction service
func NewAuctionService(store AuctionStore, timers TimerControl, alerts AlertCanceller, logger *zap.Logger) *AuctionService {
	return &AuctionService{
		store:  store,
		timers: timers,
		alerts: alerts,
		logger: logger.With(zap.String("component", "auctions")),
		now:    time.Now,
	}
}

// Create stores a new Upcoming auction for seller. Activation is left to the
// sync listener so the admission cap applies to new listings too.
func (s *AuctionService) Create(ctx context.Context, sellerID string, in CreateAuctionInput) (*models.Auction, error) {
	if sellerID == "" {
		return nil, models.ErrUserNotAuthenticated
	}

	now := s.now().UTC()
	if in.StartTime.IsZero() {
		in.StartTime = now
	}
	if in.DurationClass == "" {
		in.DurationClass = models.DurationCustom
	}
	if in.EndTime.IsZero() {
		d := in.DurationClass.Duration()
		if d == 0 {
			return nil, fmt.Errorf("%w: end time or a fixed duration class is required", models.ErrInvalidAuction)
		}
		in.EndTime = in.StartTime.Add(d)
	}

	priceErr := models.CheckAmount(in.StartingPrice)
	switch {
	case strings.TrimSpace(in.Title) == "":
		return nil, fmt.Errorf("%w: title is required", models.ErrInvalidAuction)
	case priceErr != nil:
		return nil, fmt.Errorf("%w: starting price: %v", models.ErrInvalidAuction, priceErr)
	case !in.EndTime.After(in.StartTime):
		return nil, fmt.Errorf("%w: end time must be after start time", models.ErrInvalidAuction)
	case !in.EndTime.After(now):
		return nil, fmt.Errorf("%w: end time is in the past", models.ErrInvalidAuction)
	}

	a := &models.Auction{
		ID:            uuid.New().String(),
		SellerID:      sellerID,
		Title:         in.Title,
		Description:   in.Description,
		MediaURLs:     in.MediaURLs,
		StartingPrice: in.StartingPrice,
		CurrentBid:    in.StartingPrice,
		StartTime:     in.StartTime.UTC(),
		EndTime:       in.EndTime.UTC(),
		DurationClass: in.DurationClass,
		Status:        models.StatusUpcoming,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.store.Create(ctx, a); err != nil {
		return nil, err
	}

	s.logger.Info("Auction created",
		zap.String("auction_id", a.ID),
		zap.String("seller_id", sellerID),
		zap.Time("start_time", a.StartTime),
		zap.Time("end_time", a.EndTime))
	return a, nil
}

// Get returns one auction
func (s *AuctionService) Get(ctx context.Context, id string) (*models.Auction, error) {
	return s.store.Get(ctx, id)
}

// List returns every auction ordered by start time
func (s *AuctionService) List(ctx context.Context) ([]*models.Auction, error) {
	return s.store.ListByStart(ctx)
}

// Cancel withdraws an auction. Only the seller may cancel, and only before Sold.
func (s *AuctionService) Cancel(ctx context.Context, callerID, id string) (*models.Auction, error) {
	if callerID == "" {
		return nil, models.ErrUserNotAuthenticated
	}

	a, err := s.store.Update(ctx, id, func(a *models.Auction) (bool, error) {
		if a.SellerID != callerID {
			return false, models.ErrNotSeller
		}
		if a.Status == models.StatusCancelled {
			return false, nil
		}
		if !a.Status.CanTransitionTo(models.StatusCancelled) {
			return false, fmt.Errorf("%w: %s -> %s", models.ErrInvalidTransition, a.Status, models.StatusCancelled)
		}
		a.Status = models.StatusCancelled
		return true, nil
	})
	if err != nil {
		return nil, err
	}

	s.timers.Stop(id)
	s.alerts.CancelAll(id)
	s.logger.Info("Auction cancelled", zap.String("auction_id", id))
	return a, nil
}

// Settle records a completed payment and moves the auction to Sold.
// Settling again with the same reference is a no-op.
func (s *AuctionService) Settle(ctx context.Context, id, transactionRef string) (*models.Auction, error) {
	if transactionRef == "" {
		return nil, fmt.Errorf("%w: transaction reference is required", models.ErrInvalidTransition)
	}

	a, err := s.store.Update(ctx, id, func(a *models.Auction) (bool, error) {
		if a.Status == models.StatusSold && a.TransactionRef == transactionRef {
			return false, nil
		}
		if a.Status != models.StatusEnded || a.WinnerID == "" {
			return false, fmt.Errorf("%w: cannot settle a %s auction", models.ErrInvalidTransition, a.Status)
		}
		a.Status = models.StatusSold
		a.PaymentState = models.PaymentPaid
		a.TransactionRef = transactionRef
		return true, nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Auction settled",
		zap.String("auction_id", id), zap.String("transaction_ref", transactionRef))
	return a, nil
}

// UpdatePayment records a payment-state change from the payment service.
// Payment fields stay writable after Sold.
func (s *AuctionService) UpdatePayment(ctx context.Context, id string, state models.PaymentState, transactionRef string) (*models.Auction, error) {
	switch state {
	case models.PaymentPending, models.PaymentPaid, models.PaymentFailed, models.PaymentRefunded:
	default:
		return nil, fmt.Errorf("%w: unknown payment state %q", models.ErrInvalidTransition, state)
	}

	return s.store.Update(ctx, id, func(a *models.Auction) (bool, error) {
		if a.WinnerID == "" || (a.Status != models.StatusEnded && a.Status != models.StatusSold) {
			return false, fmt.Errorf("%w: no payment expected for a %s auction", models.ErrInvalidTransition, a.Status)
		}
		if a.PaymentState == state && (transactionRef == "" || a.TransactionRef == transactionRef) {
			return false, nil
		}
		a.PaymentState = state
		if transactionRef != "" {
			a.TransactionRef = transactionRef
		}
		return true, nil
	})
}

// Watch adds the caller to the auction's watch-list
func (s *AuctionService) Watch(ctx context.Context, userID, id string) error {
	if userID == "" {
		return models.ErrUserNotAuthenticated
	}
	return s.store.AddWatcher(ctx, id, userID)
}

// Unwatch removes the caller from the auction's watch-list
func (s *AuctionService) Unwatch(ctx context.Context, userID, id string) error {
	if userID == "" {
		return models.ErrUserNotAuthenticated
	}
	return s.store.RemoveWatcher(ctx, id, userID)
}
