package redis

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

// Subscriber receives the per-auction change feed over Redis Pub/Sub
type Subscriber struct {
	pubsub *redis.PubSub
}

// Message is one raw change notification.
// Payload is left undecoded so consumers can skip malformed records.
type Message struct {
	AuctionID string
	Payload   []byte
}

// SubscribeChanges subscribes to every auction_changes:{id} channel and
// waits for the server to confirm the subscription
func (c *Client) SubscribeChanges(ctx context.Context) (*Subscriber, error) {
	pubsub := c.client.PSubscribe(ctx, ChangePattern)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", ChangePattern, err)
	}
	return &Subscriber{pubsub: pubsub}, nil
}

// Listen forwards messages to out until ctx is done or the subscription closes.
// This is a blocking operation - run in a goroutine.
func (s *Subscriber) Listen(ctx context.Context, out chan<- *Message) error {
	ch := s.pubsub.Channel()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("change subscription closed")
			}
			select {
			case out <- &Message{
				AuctionID: extractAuctionID(msg.Channel),
				Payload:   []byte(msg.Payload),
			}:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// extractAuctionID extracts the auction id from a channel name.
// Example: "auction_changes:a1" -> "a1"
func extractAuctionID(channel string) string {
	return strings.TrimPrefix(channel, changePrefix)
}

// Close closes the subscription
func (s *Subscriber) Close() error {
	return s.pubsub.Close()
}
