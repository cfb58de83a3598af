// Package consumer archives auction events read from the JetStream stream.
package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aaronwang/auction-core/internal/events"
	"github.com/aaronwang/auction-core/internal/models"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"
)

// DurableName is the archiver's consumer on the stream
const DurableName = "archiver"

const (
	storeTimeout = 10 * time.Second
	maxDeliver   = 5
	ackWait      = 30 * time.Second
)

// Store persists archived events
type Store interface {
	InsertBid(ctx context.Context, event *models.BidEvent) error
	InsertResult(ctx context.Context, event *models.WinnerEvent) error
}

// message is the part of jetstream.Msg the consumer needs
type message interface {
	Subject() string
	Data() []byte
	Ack() error
	Nak() error
	Term() error
}

// NATSConsumer consumes auction events from JetStream and persists them
type NATSConsumer struct {
	js     jetstream.JetStream
	store  Store
	logger *zap.Logger

	cc jetstream.ConsumeContext
}

// NewNATSConsumer creates a consumer on conn
func NewNATSConsumer(conn *nats.Conn, store Store, logger *zap.Logger) (*NATSConsumer, error) {
	js, err := jetstream.New(conn)
	if err != nil {
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	return &NATSConsumer{
		js:     js,
		store:  store,
		logger: logger.With(zap.String("component", "consumer")),
	}, nil
}

// Start binds the durable consumer and processes messages until ctx is
// done. Unacknowledged messages are redelivered after ackWait.
func (c *NATSConsumer) Start(ctx context.Context) error {
	if err := events.EnsureStream(ctx, c.js); err != nil {
		return err
	}

	cons, err := c.js.CreateOrUpdateConsumer(ctx, events.StreamName, jetstream.ConsumerConfig{
		Durable: DurableName,
		FilterSubjects: []string{
			events.BidSubjectPrefix + "*",
			events.WinnerSubjectPrefix + "*",
		},
		AckPolicy:  jetstream.AckExplicitPolicy,
		AckWait:    ackWait,
		MaxDeliver: maxDeliver,
	})
	if err != nil {
		return fmt.Errorf("failed to create consumer: %w", err)
	}

	cc, err := cons.Consume(func(msg jetstream.Msg) {
		c.Handle(ctx, msg)
	})
	if err != nil {
		return fmt.Errorf("failed to consume: %w", err)
	}
	c.cc = cc
	c.logger.Info("Consuming auction events",
		zap.String("stream", events.StreamName), zap.String("durable", DurableName))

	<-ctx.Done()
	return nil
}

// Handle persists one message. Undecodable messages are terminated so they
// are not redelivered; store failures are nak'd for a retry.
func (c *NATSConsumer) Handle(ctx context.Context, msg message) {
	dbCtx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()

	var err error
	switch subject := msg.Subject(); {
	case strings.HasPrefix(subject, events.BidSubjectPrefix):
		err = c.archiveBid(dbCtx, msg.Data())
	case strings.HasPrefix(subject, events.WinnerSubjectPrefix):
		err = c.archiveResult(dbCtx, msg.Data())
	default:
		err = fmt.Errorf("%w: unexpected subject %q", models.ErrRecordDecodeFailed, subject)
	}

	switch {
	case err == nil:
		if ackErr := msg.Ack(); ackErr != nil {
			c.logger.Warn("Failed to ack message", zap.String("subject", msg.Subject()), zap.Error(ackErr))
		}
	case errors.Is(err, models.ErrRecordDecodeFailed):
		c.logger.Warn("Dropping malformed event", zap.String("subject", msg.Subject()), zap.Error(err))
		msg.Term()
	default:
		c.logger.Warn("Failed to persist event", zap.String("subject", msg.Subject()), zap.Error(err))
		msg.Nak()
	}
}

func (c *NATSConsumer) archiveBid(ctx context.Context, data []byte) error {
	var event models.BidEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return fmt.Errorf("%w: %v", models.ErrRecordDecodeFailed, err)
	}
	if event.BidID == "" || event.AuctionID == "" {
		return fmt.Errorf("%w: bid event without ids", models.ErrRecordDecodeFailed)
	}
	if err := c.store.InsertBid(ctx, &event); err != nil {
		return err
	}

	c.logger.Debug("Archived bid",
		zap.String("auction_id", event.AuctionID),
		zap.String("bidder_id", event.BidderID),
		zap.String("amount", event.Amount.StringFixed(2)))
	return nil
}

func (c *NATSConsumer) archiveResult(ctx context.Context, data []byte) error {
	var event models.WinnerEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return fmt.Errorf("%w: %v", models.ErrRecordDecodeFailed, err)
	}
	if event.AuctionID == "" || event.WinnerID == "" {
		return fmt.Errorf("%w: winner event without ids", models.ErrRecordDecodeFailed)
	}
	if err := c.store.InsertResult(ctx, &event); err != nil {
		return err
	}

	c.logger.Info("Archived auction result",
		zap.String("auction_id", event.AuctionID),
		zap.String("winner_id", event.WinnerID),
		zap.String("amount", event.FinalPrice.StringFixed(2)))
	return nil
}

// Close stops consuming
func (c *NATSConsumer) Close() {
	if c.cc != nil {
		c.cc.Stop()
	}
}
