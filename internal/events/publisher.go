// Package events publishes accepted bids and auction outcomes to NATS.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aaronwang/auction-core/internal/lifecycle"
	"github.com/aaronwang/auction-core/internal/models"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"
)

// Stream and subject names
const (
	StreamName = "AUCTION_EVENTS"

	// StreamSubjects covers every durable auction event
	StreamSubjects = "auction.events.>"

	BidSubjectPrefix    = "auction.events.bid."
	WinnerSubjectPrefix = "auction.events.winner."

	// RealtimeSubjectPrefix carries bid events on core NATS, no persistence
	RealtimeSubjectPrefix = "bid_events."
)

const publishTimeout = 5 * time.Second

// corePublisher is the part of *nats.Conn used for realtime fan-out
type corePublisher interface {
	Publish(subject string, data []byte) error
}

// streamPublisher is the part of jetstream.JetStream used for durable events
type streamPublisher interface {
	Publish(ctx context.Context, subject string, payload []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// Publisher sends bid and winner events. Publishing never blocks the
// caller's write path: failures are logged and dropped.
type Publisher struct {
	core   corePublisher
	js     streamPublisher
	logger *zap.Logger
}

// NewPublisher creates a publisher on conn and makes sure the durable
// stream exists
func NewPublisher(ctx context.Context, conn *nats.Conn, logger *zap.Logger) (*Publisher, error) {
	js, err := jetstream.New(conn)
	if err != nil {
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	if err := EnsureStream(ctx, js); err != nil {
		return nil, err
	}
	logger.Info("JetStream stream ready", zap.String("stream", StreamName))

	return newPublisher(conn, js, logger), nil
}

func newPublisher(core corePublisher, js streamPublisher, logger *zap.Logger) *Publisher {
	return &Publisher{
		core:   core,
		js:     js,
		logger: logger.With(zap.String("component", "events")),
	}
}

// EnsureStream creates or updates the AUCTION_EVENTS stream. The archive
// and the payment service read it through their own durable consumers.
func EnsureStream(ctx context.Context, js jetstream.StreamManager) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:        StreamName,
		Description: "Accepted bids and auction outcomes",
		Subjects:    []string{StreamSubjects},
		Storage:     jetstream.FileStorage,
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      7 * 24 * time.Hour,
		Duplicates:  10 * time.Minute,
		Replicas:    1,
	})
	if err != nil {
		return fmt.Errorf("failed to create/update stream: %w", err)
	}
	return nil
}

// PublishBid sends ev on the realtime subject and the durable stream
func (p *Publisher) PublishBid(ctx context.Context, ev *models.BidEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal bid event: %w", err)
	}

	if err := p.core.Publish(RealtimeSubjectPrefix+ev.AuctionID, data); err != nil {
		p.logger.Warn("Failed to publish realtime bid event",
			zap.String("auction_id", ev.AuctionID), zap.Error(err))
	}

	return p.publishDurable(ctx, BidSubjectPrefix+ev.AuctionID, ev.EventID, data)
}

// PublishWinner sends ev on the durable stream
func (p *Publisher) PublishWinner(ctx context.Context, ev *models.WinnerEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal winner event: %w", err)
	}
	return p.publishDurable(ctx, WinnerSubjectPrefix+ev.AuctionID, ev.EventID, data)
}

func (p *Publisher) publishDurable(ctx context.Context, subject, msgID string, data []byte) error {
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	// the message id lets the stream drop redeliveries of the same event
	ack, err := p.js.Publish(ctx, subject, data, jetstream.WithMsgID(msgID))
	if err != nil {
		return fmt.Errorf("failed to publish to JetStream: %w", err)
	}
	p.logger.Debug("Published event",
		zap.String("subject", subject), zap.Uint64("seq", ack.Sequence))
	return nil
}

// BidAccepted publishes the receipt in the background
func (p *Publisher) BidAccepted(receipt *models.BidReceipt) {
	ev := &models.BidEvent{
		EventID:        receipt.EventID,
		AuctionID:      receipt.AuctionID,
		BidID:          receipt.Bid.ID,
		BidderID:       receipt.Bid.BidderID,
		BidderName:     receipt.Bid.BidderName,
		Amount:         receipt.Bid.Amount,
		PreviousBid:    receipt.PreviousBid,
		PreviousBidder: receipt.PreviousBidder,
		Timestamp:      receipt.Bid.Timestamp.UTC(),
	}

	go func() {
		if err := p.PublishBid(context.Background(), ev); err != nil {
			p.logger.Warn("Failed to publish bid event",
				zap.String("auction_id", ev.AuctionID),
				zap.String("event_id", ev.EventID),
				zap.Error(err))
		}
	}()
}

// Emit implements lifecycle.Sink. Only winner announcements with a winner
// leave the process.
func (p *Publisher) Emit(ev lifecycle.Event) {
	if ev.Kind != lifecycle.EventWinnerAnnounced || ev.Auction == nil || ev.Auction.WinnerID == "" {
		return
	}
	winner := WinnerFromAuction(ev.Auction)

	go func() {
		if err := p.PublishWinner(context.Background(), winner); err != nil {
			p.logger.Warn("Failed to publish winner event",
				zap.String("auction_id", winner.AuctionID), zap.Error(err))
		}
	}()
}

// WinnerFromAuction builds the winner event of an ended auction. The event id
// is derived from the auction so a replay deduplicates in the stream.
func WinnerFromAuction(a *models.Auction) *models.WinnerEvent {
	price := a.CurrentBid
	if a.FinalPrice.Valid {
		price = a.FinalPrice.Decimal
	}
	return &models.WinnerEvent{
		EventID:    uuid.NewSHA1(uuid.NameSpaceURL, []byte("winner/"+a.ID)).String(),
		AuctionID:  a.ID,
		SellerID:   a.SellerID,
		WinnerID:   a.WinnerID,
		FinalPrice: price,
		EndedAt:    a.EndTime.UTC(),
	}
}
