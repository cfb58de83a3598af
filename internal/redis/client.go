package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aaronwang/auction-core/internal/models"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Strategy selects how ApplyBid makes the read-validate-write atomic
type Strategy string

const (
	// StrategyLua runs the whole bid as one server-side script
	StrategyLua Strategy = "lua"
	// StrategyOptimistic uses WATCH/MULTI and reports ErrStaleWrite on conflict
	StrategyOptimistic Strategy = "optimistic"
)

// ParseStrategy maps a config value to a Strategy
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case StrategyLua, StrategyOptimistic:
		return Strategy(s), nil
	}
	return "", fmt.Errorf("unknown redis strategy %q", s)
}

const defaultUpdateRetries = 5

// Client is the Auction Record Store backed by Redis
type Client struct {
	client        *redis.Client
	strategy      Strategy
	updateRetries int
	now           func() time.Time
	logger        *zap.Logger
}

// Option configures a Client
type Option func(*Client)

// WithClock overrides the wall clock used for timestamps and bid windows
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// WithUpdateRetries bounds the WATCH retry loop of Update
func WithUpdateRetries(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.updateRetries = n
		}
	}
}

// NewClient connects to Redis and verifies the connection
func NewClient(addr, password string, db int, strategy Strategy, logger *zap.Logger, opts ...Option) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return New(rdb, strategy, logger, opts...), nil
}

// New wraps an existing go-redis client
func New(rdb *redis.Client, strategy Strategy, logger *zap.Logger, opts ...Option) *Client {
	if strategy == "" {
		strategy = StrategyLua
	}
	c := &Client{
		client:        rdb,
		strategy:      strategy,
		updateRetries: defaultUpdateRetries,
		now:           time.Now,
		logger:        logger.With(zap.String("component", "store")),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Strategy returns the configured bid strategy
func (c *Client) Strategy() Strategy {
	return c.strategy
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.client.Close()
}

// reader is the read subset shared by *redis.Client, *redis.Tx and pipelines
type reader interface {
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
	LRange(ctx context.Context, key string, start, stop int64) *redis.StringSliceCmd
	SMembers(ctx context.Context, key string) *redis.StringSliceCmd
}

// queueRead issues the three reads of one auction on r
func queueRead(ctx context.Context, r reader, id string) (*redis.MapStringStringCmd, *redis.StringSliceCmd, *redis.StringSliceCmd) {
	return r.HGetAll(ctx, auctionKey(id)), r.LRange(ctx, bidsKey(id), 0, -1), r.SMembers(ctx, watchersKey(id))
}

func decodeRead(id string, h *redis.MapStringStringCmd, b, w *redis.StringSliceCmd) (*models.Auction, error) {
	for _, err := range []error{h.Err(), b.Err(), w.Err()} {
		if err != nil && err != redis.Nil {
			return nil, fmt.Errorf("failed to read auction %s: %w", id, err)
		}
	}
	if len(h.Val()) == 0 {
		return nil, fmt.Errorf("auction %s: %w", id, models.ErrAuctionNotFound)
	}
	return decodeAuction(h.Val(), b.Val(), w.Val())
}

// Get returns a consistent snapshot of one auction
func (c *Client) Get(ctx context.Context, id string) (*models.Auction, error) {
	var h *redis.MapStringStringCmd
	var b, w *redis.StringSliceCmd

	_, err := c.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		h, b, w = queueRead(ctx, p, id)
		return nil
	})
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("failed to read auction %s: %w", id, err)
	}
	return decodeRead(id, h, b, w)
}

// ListByStart returns every decodable auction ordered by start time.
// Records that fail to decode are logged and skipped.
func (c *Client) ListByStart(ctx context.Context) ([]*models.Auction, error) {
	ids, err := c.client.ZRange(ctx, startIndexKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list auctions: %w", err)
	}

	auctions := make([]*models.Auction, 0, len(ids))
	for _, id := range ids {
		a, err := c.Get(ctx, id)
		switch {
		case errors.Is(err, models.ErrAuctionNotFound):
			continue
		case errors.Is(err, models.ErrRecordDecodeFailed):
			c.logger.Warn("Skipping undecodable auction", zap.String("auction_id", id), zap.Error(err))
			continue
		case err != nil:
			return nil, err
		}
		auctions = append(auctions, a)
	}
	return auctions, nil
}

// Create stores a new auction at revision 1. It fails with ErrAuctionExists
// if the id is taken.
func (c *Client) Create(ctx context.Context, a *models.Auction) error {
	a.Revision = 1
	fields, err := encodeFields(a)
	if err != nil {
		return err
	}

	err = c.client.Watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, auctionKey(a.ID)).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return fmt.Errorf("auction %s: %w", a.ID, models.ErrAuctionExists)
		}

		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.HSet(ctx, auctionKey(a.ID), fields)
			p.ZAdd(ctx, startIndexKey, redis.Z{Score: float64(a.StartTime.UnixMilli()), Member: a.ID})
			if len(a.Watchers) > 0 {
				p.SAdd(ctx, watchersKey(a.ID), toArgs(a.Watchers)...)
			}
			return nil
		})
		return err
	}, auctionKey(a.ID))

	if errors.Is(err, redis.TxFailedErr) {
		return fmt.Errorf("auction %s: %w", a.ID, models.ErrAuctionExists)
	}
	if err != nil {
		return fmt.Errorf("failed to create auction: %w", err)
	}

	c.publishChange(ctx, a)
	return nil
}

// Mutator edits an auction in place and reports whether anything changed
type Mutator = func(a *models.Auction) (changed bool, err error)

// Update is the conditional-update primitive. It reads the auction under
// WATCH, applies mutate and commits only if no other writer touched the
// record in between. On conflict mutate is re-run against fresh state, up
// to the configured retry bound, after which ErrStaleWrite is returned.
// Bid history and watch-list are never written by Update.
func (c *Client) Update(ctx context.Context, id string, mutate Mutator) (*models.Auction, error) {
	keys := []string{auctionKey(id), bidsKey(id), watchersKey(id)}

	for attempt := 1; attempt <= c.updateRetries; attempt++ {
		var out *models.Auction
		var written bool

		err := c.client.Watch(ctx, func(tx *redis.Tx) error {
			h, b, w := queueRead(ctx, tx, id)
			a, err := decodeRead(id, h, b, w)
			if err != nil {
				return err
			}

			changed, err := mutate(a)
			if err != nil {
				return err
			}
			out = a
			if !changed {
				return nil
			}

			a.UpdatedAt = c.now().UTC()
			a.Revision++
			fields, err := encodeFields(a)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
				p.HSet(ctx, auctionKey(id), fields)
				p.ZAdd(ctx, startIndexKey, redis.Z{Score: float64(a.StartTime.UnixMilli()), Member: id})
				return nil
			})
			if err == nil {
				written = true
			}
			return err
		}, keys...)

		if errors.Is(err, redis.TxFailedErr) {
			c.logger.Debug("Conditional update conflicted, retrying",
				zap.String("auction_id", id), zap.Int("attempt", attempt))
			continue
		}
		if err != nil {
			return nil, err
		}

		if written {
			c.publishChange(ctx, out)
		}
		return out, nil
	}

	return nil, fmt.Errorf("update auction %s: %w", id, models.ErrStaleWrite)
}

// BidResult describes an accepted bid
type BidResult struct {
	PreviousBid    decimal.Decimal
	PreviousBidder string
	// PriorBidders are the distinct bidders before this bid, excluding the new bidder
	PriorBidders []string
	Auction      *models.Auction
}

// ApplyBid validates bid against the stored auction and appends it in one
// atomic step. Precondition failures come back as *models.BidRejection.
// With StrategyOptimistic a lost race returns ErrStaleWrite and nothing is written.
func (c *Client) ApplyBid(ctx context.Context, auctionID string, bid models.Bid) (*BidResult, error) {
	var (
		res *BidResult
		err error
	)
	switch c.strategy {
	case StrategyOptimistic:
		res, err = c.applyBidOptimistic(ctx, auctionID, bid)
	default:
		res, err = c.applyBidScript(ctx, auctionID, bid)
	}
	if err != nil {
		return nil, err
	}

	res.PriorBidders = without(res.PriorBidders, bid.BidderID)

	if res.Auction == nil {
		a, err := c.Get(ctx, auctionID)
		if err != nil {
			c.logger.Warn("Failed to read auction after bid", zap.String("auction_id", auctionID), zap.Error(err))
			return res, nil
		}
		res.Auction = a
	}
	c.publishChange(ctx, res.Auction)
	return res, nil
}

func (c *Client) applyBidScript(ctx context.Context, auctionID string, bid models.Bid) (*BidResult, error) {
	entry, err := json.Marshal(bid)
	if err != nil {
		return nil, fmt.Errorf("failed to encode bid: %w", err)
	}

	keys := []string{auctionKey(auctionID), bidsKey(auctionID), biddersKey(auctionID)}
	raw, err := bidScript.Run(ctx, c.client, keys,
		bid.Amount.String(), bid.BidderID, bid.BidderName, string(entry), bid.Timestamp.UnixMilli()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to execute bid script: %w", err)
	}

	// Result is [code, current_bid, previous_bidder_or_status, prior_bidders...]
	vals, ok := raw.([]interface{})
	if !ok || len(vals) < 3 {
		return nil, fmt.Errorf("unexpected script result format")
	}
	code, _ := vals[0].(int64)
	currentRaw, _ := vals[1].(string)
	third, _ := vals[2].(string)

	current, err := decimal.NewFromString(currentRaw)
	if err != nil {
		return nil, fmt.Errorf("%w: current bid %q", models.ErrRecordDecodeFailed, currentRaw)
	}

	switch code {
	case bidAccepted:
	case bidNotFound:
		return nil, fmt.Errorf("auction %s: %w", auctionID, models.ErrAuctionNotFound)
	case bidNotActive:
		return nil, &models.BidRejection{Reason: models.ErrAuctionNotActive, CurrentBid: current, Status: models.Status(third)}
	case bidTooLow:
		return nil, &models.BidRejection{Reason: models.ErrInvalidBidAmount, CurrentBid: current, Status: models.Status(third)}
	default:
		return nil, fmt.Errorf("unexpected script result code %d", code)
	}

	res := &BidResult{PreviousBid: current, PreviousBidder: third}
	for _, v := range vals[3:] {
		if s, ok := v.(string); ok {
			res.PriorBidders = append(res.PriorBidders, s)
		}
	}
	return res, nil
}

func (c *Client) applyBidOptimistic(ctx context.Context, auctionID string, bid models.Bid) (*BidResult, error) {
	entry, err := json.Marshal(bid)
	if err != nil {
		return nil, fmt.Errorf("failed to encode bid: %w", err)
	}

	var res *BidResult
	keys := []string{auctionKey(auctionID), bidsKey(auctionID), biddersKey(auctionID)}

	err = c.client.Watch(ctx, func(tx *redis.Tx) error {
		h, b, w := queueRead(ctx, tx, auctionID)
		a, err := decodeRead(auctionID, h, b, w)
		if err != nil {
			return err
		}
		if err := CheckBid(a, bid.Amount, bid.Timestamp); err != nil {
			return err
		}

		res = &BidResult{
			PreviousBid:    a.CurrentBid,
			PreviousBidder: a.HighestBidderID,
			PriorBidders:   a.Bidders(),
		}

		a.Bids = append(a.Bids, bid)
		a.CurrentBid = bid.Amount
		a.HighestBidderID = bid.BidderID
		a.HighestBidderName = bid.BidderName
		a.UpdatedAt = bid.Timestamp
		a.Revision++
		res.Auction = a

		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.HSet(ctx, auctionKey(auctionID),
				fieldCurrentBid, bid.Amount.String(),
				fieldHighestBidderID, bid.BidderID,
				fieldHighestBidderName, bid.BidderName,
				fieldUpdatedAt, millis(bid.Timestamp),
				fieldRevision, a.Revision)
			p.RPush(ctx, bidsKey(auctionID), string(entry))
			p.SAdd(ctx, biddersKey(auctionID), bid.BidderID)
			return nil
		})
		return err
	}, keys...)

	if errors.Is(err, redis.TxFailedErr) {
		return nil, fmt.Errorf("bid on auction %s: %w", auctionID, models.ErrStaleWrite)
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

// CheckBid applies the bid preconditions to a snapshot: the auction must be
// Active with at inside [start, end), and amount must beat the current bid.
func CheckBid(a *models.Auction, amount decimal.Decimal, at time.Time) error {
	if a.Status != models.StatusActive || at.Before(a.StartTime) || !at.Before(a.EndTime) {
		return &models.BidRejection{Reason: models.ErrAuctionNotActive, CurrentBid: a.CurrentBid, Status: a.Status}
	}
	if !amount.GreaterThan(a.CurrentBid) {
		return &models.BidRejection{Reason: models.ErrInvalidBidAmount, CurrentBid: a.CurrentBid, Status: a.Status}
	}
	return nil
}

// AddWatcher puts userID on the auction's watch-list
func (c *Client) AddWatcher(ctx context.Context, auctionID, userID string) error {
	return c.editWatchers(ctx, auctionID, func(p redis.Pipeliner) {
		p.SAdd(ctx, watchersKey(auctionID), userID)
	})
}

// RemoveWatcher takes userID off the auction's watch-list
func (c *Client) RemoveWatcher(ctx context.Context, auctionID, userID string) error {
	return c.editWatchers(ctx, auctionID, func(p redis.Pipeliner) {
		p.SRem(ctx, watchersKey(auctionID), userID)
	})
}

func (c *Client) editWatchers(ctx context.Context, auctionID string, edit func(p redis.Pipeliner)) error {
	err := c.client.Watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, auctionKey(auctionID)).Result()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("auction %s: %w", auctionID, models.ErrAuctionNotFound)
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			edit(p)
			p.HIncrBy(ctx, auctionKey(auctionID), fieldRevision, 1)
			return nil
		})
		return err
	}, auctionKey(auctionID))
	if errors.Is(err, redis.TxFailedErr) {
		return fmt.Errorf("watch-list of auction %s: %w", auctionID, models.ErrStaleWrite)
	}
	if err != nil {
		return err
	}

	if a, err := c.Get(ctx, auctionID); err == nil {
		c.publishChange(ctx, a)
	}
	return nil
}

// Delete removes every key of the auction and publishes a tombstone
func (c *Client) Delete(ctx context.Context, id string) error {
	_, err := c.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, auctionKey(id), bidsKey(id), biddersKey(id), watchersKey(id))
		p.ZRem(ctx, startIndexKey, id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete auction %s: %w", id, err)
	}

	c.publish(ctx, id, &Change{AuctionID: id, Deleted: true})
	return nil
}

// publishChange announces a committed record on auction_changes:{id}.
// Publishing is best effort: a failure is logged and the commit stands.
func (c *Client) publishChange(ctx context.Context, a *models.Auction) {
	record, err := json.Marshal(a)
	if err != nil {
		c.logger.Warn("Failed to encode change", zap.String("auction_id", a.ID), zap.Error(err))
		return
	}
	c.publish(ctx, a.ID, &Change{AuctionID: a.ID, Record: record})
}

func (c *Client) publish(ctx context.Context, id string, change *Change) {
	payload, err := json.Marshal(change)
	if err != nil {
		c.logger.Warn("Failed to encode change", zap.String("auction_id", id), zap.Error(err))
		return
	}
	if err := c.client.Publish(ctx, changeChannel(id), payload).Err(); err != nil {
		c.logger.Warn("Failed to publish change", zap.String("auction_id", id), zap.Error(err))
	}
}

func toArgs(ss []string) []interface{} {
	out := make([]interface{}, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

func without(ss []string, drop string) []string {
	out := ss[:0:0]
	for _, s := range ss {
		if s != drop {
			out = append(out, s)
		}
	}
	return out
}
