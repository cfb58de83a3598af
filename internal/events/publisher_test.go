package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aaronwang/auction-core/internal/lifecycle"
	"github.com/aaronwang/auction-core/internal/models"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type published struct {
	subject string
	data    []byte
}

type fakeCore struct {
	mu   sync.Mutex
	msgs []published
	err  error
}

func (f *fakeCore) Publish(subject string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, published{subject, data})
	return nil
}

type fakeStream struct {
	mu   sync.Mutex
	msgs []published
	err  error
}

func (f *fakeStream) Publish(_ context.Context, subject string, data []byte, _ ...jetstream.PublishOpt) (*jetstream.PubAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.msgs = append(f.msgs, published{subject, data})
	return &jetstream.PubAck{Stream: StreamName, Sequence: uint64(len(f.msgs))}, nil
}

func (f *fakeStream) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.msgs)
}

func TestPublishBid(t *testing.T) {
	core, js := &fakeCore{}, &fakeStream{}
	p := newPublisher(core, js, zap.NewNop())

	ev := &models.BidEvent{
		EventID:   "e1",
		AuctionID: "a1",
		BidID:     "b1",
		BidderID:  "u1",
		Amount:    decimal.RequireFromString("12.50"),
		Timestamp: time.Now().UTC(),
	}
	require.NoError(t, p.PublishBid(context.Background(), ev))

	require.Len(t, core.msgs, 1)
	assert.Equal(t, "bid_events.a1", core.msgs[0].subject)
	require.Len(t, js.msgs, 1)
	assert.Equal(t, "auction.events.bid.a1", js.msgs[0].subject)

	var got models.BidEvent
	require.NoError(t, json.Unmarshal(js.msgs[0].data, &got))
	assert.Equal(t, "b1", got.BidID)
	assert.True(t, got.Amount.Equal(ev.Amount))
}

func TestPublishBid_RealtimeFailureStillArchives(t *testing.T) {
	core, js := &fakeCore{err: errors.New("nats: connection closed")}, &fakeStream{}
	p := newPublisher(core, js, zap.NewNop())

	require.NoError(t, p.PublishBid(context.Background(), &models.BidEvent{EventID: "e1", AuctionID: "a1"}))
	assert.Len(t, js.msgs, 1)
}

func TestPublishBid_StreamFailure(t *testing.T) {
	js := &fakeStream{err: errors.New("nats: no response from stream")}
	p := newPublisher(&fakeCore{}, js, zap.NewNop())

	err := p.PublishBid(context.Background(), &models.BidEvent{EventID: "e1", AuctionID: "a1"})
	assert.Error(t, err)
}

func TestBidAccepted_PublishesInBackground(t *testing.T) {
	js := &fakeStream{}
	p := newPublisher(&fakeCore{}, js, zap.NewNop())

	p.BidAccepted(&models.BidReceipt{
		AuctionID: "a1",
		EventID:   "e1",
		Bid:       models.Bid{ID: "b1", BidderID: "u1", Amount: decimal.NewFromInt(5), Timestamp: time.Now()},
	})
	require.Eventually(t, func() bool { return js.count() == 1 }, time.Second, 5*time.Millisecond)
}

func TestEmit_WinnerAnnounced(t *testing.T) {
	js := &fakeStream{}
	p := newPublisher(&fakeCore{}, js, zap.NewNop())

	end := time.Now()
	a := &models.Auction{
		ID:              "a1",
		SellerID:        "seller",
		CurrentBid:      decimal.NewFromInt(40),
		HighestBidderID: "u2",
		EndTime:         end,
		Status:          models.StatusEnded,
		Bids:            []models.Bid{{ID: "b1", BidderID: "u2", Amount: decimal.NewFromInt(40)}},
	}
	a.ResolveWinner()

	// other kinds never leave the process
	p.Emit(lifecycle.Event{Kind: lifecycle.EventEnded, Auction: a})
	p.Emit(lifecycle.Event{Kind: lifecycle.EventWinnerAnnounced, Auction: a})
	require.Eventually(t, func() bool { return js.count() == 1 }, time.Second, 5*time.Millisecond)

	js.mu.Lock()
	msg := js.msgs[0]
	js.mu.Unlock()
	assert.Equal(t, "auction.events.winner.a1", msg.subject)

	var got models.WinnerEvent
	require.NoError(t, json.Unmarshal(msg.data, &got))
	assert.Equal(t, "u2", got.WinnerID)
	assert.Equal(t, "seller", got.SellerID)
	assert.True(t, got.FinalPrice.Equal(decimal.NewFromInt(40)))
}

func TestWinnerFromAuction_StableEventID(t *testing.T) {
	a := &models.Auction{ID: "a1", WinnerID: "u1", CurrentBid: decimal.NewFromInt(3)}
	first := WinnerFromAuction(a)
	second := WinnerFromAuction(a)
	assert.Equal(t, first.EventID, second.EventID)
	assert.NotEqual(t, first.EventID, WinnerFromAuction(&models.Auction{ID: "a2"}).EventID)
}
