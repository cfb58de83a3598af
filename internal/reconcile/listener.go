package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aaronwang/auction-core/internal/models"
	"go.uber.org/zap"

	redisClient "github.com/aaronwang/auction-core/internal/redis"
)

// Store is the part of the Auction Record Store the listener reads and corrects
type Store interface {
	ListByStart(ctx context.Context) ([]*models.Auction, error)
	Update(ctx context.Context, id string, mutate redisClient.Mutator) (*models.Auction, error)
}

// Timers is the part of the scheduler the listener drives
type Timers interface {
	Ensure(a *models.Auction)
	Stop(auctionID string)
}

const (
	defaultResyncInterval = 30 * time.Second
	defaultMaxBatch       = 256
)

// Listener reconciles the store's change feed into scheduled auctions and
// the local view. It is the view's only writer.
type Listener struct {
	store     Store
	timers    Timers
	admission *Controller
	view      *View
	logger    *zap.Logger
	now       func() time.Time

	resyncInterval time.Duration
	maxBatch       int
}

// ListenerOption configures a Listener
type ListenerOption func(*Listener)

// WithResyncInterval sets how often the full auction list is re-read. Pub/Sub
// drops messages while disconnected; the resync repairs that.
func WithResyncInterval(d time.Duration) ListenerOption {
	return func(l *Listener) { l.resyncInterval = d }
}

// WithListenerClock overrides the wall clock
func WithListenerClock(now func() time.Time) ListenerOption {
	return func(l *Listener) { l.now = now }
}

// NewListener creates a listener
func NewListener(store Store, timers Timers, admission *Controller, view *View, logger *zap.Logger, opts ...ListenerOption) *Listener {
	l := &Listener{
		store:          store,
		timers:         timers,
		admission:      admission,
		view:           view,
		logger:         logger.With(zap.String("component", "sync")),
		now:            time.Now,
		resyncInterval: defaultResyncInterval,
		maxBatch:       defaultMaxBatch,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Run performs a full sync, then applies change batches until ctx is done
// or changes is closed. Sync failures are logged and retried on the next
// resync.
func (l *Listener) Run(ctx context.Context, changes <-chan *redisClient.Message) error {
	if err := l.Sync(ctx); err != nil {
		l.logger.Warn("Initial sync failed", zap.Error(err))
	}

	ticker := time.NewTicker(l.resyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := l.Sync(ctx); err != nil {
				l.logger.Warn("Resync failed", zap.Error(err))
			}
		case msg, ok := <-changes:
			if !ok {
				return errors.New("change feed closed")
			}
			l.Apply(ctx, l.collect(msg, changes))
		}
	}
}

// collect drains whatever else is already queued into one batch
func (l *Listener) collect(first *redisClient.Message, changes <-chan *redisClient.Message) []*redisClient.Message {
	batch := []*redisClient.Message{first}
	for len(batch) < l.maxBatch {
		select {
		case msg, ok := <-changes:
			if !ok {
				return batch
			}
			batch = append(batch, msg)
		default:
			return batch
		}
	}
	return batch
}

// Sync reconciles the full auction list ordered by start time. Auctions
// missing from the list leave the view.
func (l *Listener) Sync(ctx context.Context) error {
	auctions, err := l.store.ListByStart(ctx)
	if err != nil {
		return fmt.Errorf("failed to list auctions: %w", err)
	}

	seen := make(map[string]bool, len(auctions))
	for _, a := range auctions {
		seen[a.ID] = true
	}
	var gone []string
	for _, id := range l.view.ids() {
		if !seen[id] {
			gone = append(gone, id)
		}
	}

	l.reconcile(ctx, auctions, gone)
	return nil
}

// Apply reconciles one batch of change messages. A malformed message is
// logged and skipped; the rest of the batch still applies.
func (l *Listener) Apply(ctx context.Context, batch []*redisClient.Message) {
	var records []*models.Auction
	var gone []string

	for _, msg := range batch {
		change, a, err := redisClient.DecodeChange(msg.Payload)
		if err != nil {
			l.logger.Warn("Skipping malformed change",
				zap.String("auction_id", msg.AuctionID), zap.Error(err))
			continue
		}
		if change.Deleted {
			gone = append(gone, change.AuctionID)
			continue
		}
		records = append(records, a)
	}

	l.reconcile(ctx, records, gone)
}

// reconcile recomputes every record against now, admits those due to be
// Active, writes deferrals back, drives the scheduler and publishes the result
func (l *Listener) reconcile(ctx context.Context, records []*models.Auction, gone []string) {
	now := l.now()

	// the newest copy of an id in a batch wins; Pub/Sub may deliver commits
	// of one auction out of order
	latest := make(map[string]*models.Auction, len(records))
	var order []string
	for _, a := range records {
		prev, ok := latest[a.ID]
		if !ok {
			order = append(order, a.ID)
		}
		if !ok || !olderThan(a, prev) {
			latest[a.ID] = a
		}
	}

	// copies older than the view are dropped before they reach admission
	kept := order[:0]
	for _, id := range order {
		if held, ok := l.view.peek(id); ok && olderThan(latest[id], held) {
			l.logger.Debug("Dropping out-of-order change",
				zap.String("auction_id", id),
				zap.Int64("revision", latest[id].Revision),
				zap.Int64("held_revision", held.Revision))
			continue
		}
		kept = append(kept, id)
	}
	order = kept

	targets := make(map[string]*models.Auction, len(latest))
	var candidates []*models.Auction
	for _, id := range order {
		a := latest[id]
		next := models.ComputeStatus(a.Status, now, a.StartTime, a.EndTime)
		if next == models.StatusActive {
			candidates = append(candidates, a)
			continue
		}
		l.admission.Release(id)
		t := a.Clone()
		t.Status = next
		targets[id] = t
	}

	admitted, deferred := l.admission.AdmitBatch(candidates, now)
	for _, a := range admitted {
		targets[a.ID] = a
	}
	for _, d := range deferred {
		targets[d.ID] = l.writeDeferral(ctx, latest[d.ID], d)
	}

	puts := make([]*models.Auction, 0, len(order))
	for _, id := range order {
		target := targets[id]
		if target == nil {
			continue
		}
		stored := latest[id]

		// the scheduler writes status corrections itself so that each edge
		// is emitted exactly once
		sched := target.Clone()
		sched.Status = stored.Status
		if stored.Status.IsTerminal() || stored.Status == models.StatusEnded {
			l.timers.Stop(id)
		} else {
			l.timers.Ensure(sched)
		}

		if target.Status != stored.Status {
			l.logger.Debug("Status recomputed",
				zap.String("auction_id", id),
				zap.String("stored", string(stored.Status)),
				zap.String("status", string(target.Status)))
		}
		puts = append(puts, target)
	}

	for _, id := range gone {
		l.timers.Stop(id)
		l.admission.Release(id)
	}
	l.view.apply(puts, gone)
}

// olderThan reports whether a is an earlier copy of the same auction than b.
// Revisions order committed writes. A record never leaves Sold or Cancelled
// and never loses bids, which also orders copies written before revisions.
func olderThan(a, b *models.Auction) bool {
	switch {
	case a.Revision != b.Revision:
		return a.Revision < b.Revision
	case b.Status.IsTerminal() && !a.Status.IsTerminal():
		return true
	default:
		return len(a.Bids) < len(b.Bids)
	}
}

// writeDeferral moves a deferred auction's window in the store. The write
// only applies while the stored record still has the window admission saw.
func (l *Listener) writeDeferral(ctx context.Context, stored, deferred *models.Auction) *models.Auction {
	updated, err := l.store.Update(ctx, deferred.ID, func(cur *models.Auction) (bool, error) {
		if cur.Status != models.StatusUpcoming ||
			!cur.StartTime.Equal(stored.StartTime) || !cur.EndTime.Equal(stored.EndTime) {
			return false, nil
		}
		cur.StartTime, cur.EndTime = deferred.StartTime, deferred.EndTime
		return true, nil
	})
	if err != nil {
		l.logger.Warn("Failed to write deferral, keeping local correction",
			zap.String("auction_id", deferred.ID), zap.Error(err))
		return deferred
	}

	l.logger.Info("Auction deferred by admission cap",
		zap.String("auction_id", deferred.ID),
		zap.Time("start_time", updated.StartTime),
		zap.Time("end_time", updated.EndTime))

	updated.Status = models.ComputeStatus(updated.Status, l.now(), updated.StartTime, updated.EndTime)
	return updated
}
