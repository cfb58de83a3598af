package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/aaronwang/auction-core/internal/models"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	redisClient "github.com/aaronwang/auction-core/internal/redis"
)

var testNow = time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

func clock() time.Time { return testNow }

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func newStore(t *testing.T, strategy redisClient.Strategy) *redisClient.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return redisClient.New(rdb, strategy, zap.NewNop(), redisClient.WithClock(clock))
}

func seedAuction(t *testing.T, store *redisClient.Client, status models.Status) *models.Auction {
	t.Helper()
	a := &models.Auction{
		ID:            "a1",
		SellerID:      "seller",
		Title:         "Canal house",
		StartingPrice: dec("90"),
		CurrentBid:    dec("90"),
		StartTime:     testNow.Add(-10 * time.Minute),
		EndTime:       testNow.Add(50 * time.Minute),
		DurationClass: models.DurationHour,
		Status:        status,
		CreatedAt:     testNow.Add(-time.Hour),
		UpdatedAt:     testNow.Add(-time.Hour),
	}
	require.NoError(t, store.Create(context.Background(), a))
	return a
}

type outbidCall struct {
	auctionID string
	newBidder string
	amount    decimal.Decimal
	prior     []string
}

type fakeNotifier struct {
	mu    sync.Mutex
	calls []outbidCall
}

func (f *fakeNotifier) NotifyOutbid(a *models.Auction, newBidderID string, amount decimal.Decimal, prior []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, outbidCall{a.ID, newBidderID, amount, prior})
}

type fakeEvents struct {
	mu       sync.Mutex
	receipts []*models.BidReceipt
}

func (f *fakeEvents) BidAccepted(r *models.BidReceipt) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.receipts = append(f.receipts, r)
}

type fakeTimers struct{ stopped []string }

func (f *fakeTimers) Stop(id string) { f.stopped = append(f.stopped, id) }

type fakeAlerts struct{ cancelled []string }

func (f *fakeAlerts) CancelAll(id string) { f.cancelled = append(f.cancelled, id) }
