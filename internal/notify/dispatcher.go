package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aaronwang/auction-core/internal/lifecycle"
	"github.com/aaronwang/auction-core/internal/models"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Transport delivers alerts to devices. Scheduling an id that already
// exists replaces the pending alert.
type Transport interface {
	Schedule(ctx context.Context, alert Alert) error
	Cancel(ctx context.Context, id string) error
	CancelAll(ctx context.Context, prefix string) error
}

// DefaultPaymentThresholds are the reminders before the payment deadline
var DefaultPaymentThresholds = []time.Duration{24 * time.Hour, time.Hour}

const (
	defaultQueueSize       = 1024
	defaultDeliveryTimeout = 5 * time.Second
)

// job is either an alert to schedule or an auction whose alerts to cancel
type job struct {
	alert         *Alert
	cancelAuction string
}

// Dispatcher turns lifecycle and bidding outcomes into alerts. Delivery runs
// on its own goroutine; callers never wait on the transport.
type Dispatcher struct {
	transport Transport
	logger    *zap.Logger
	now       func() time.Time

	paymentWindow     time.Duration
	paymentThresholds []time.Duration
	deliveryTimeout   time.Duration

	queue chan job

	mu sync.Mutex
	// sent holds the ids already handed out per auction
	sent map[string]map[string]bool
}

// DispatcherOption configures a Dispatcher
type DispatcherOption func(*Dispatcher)

// WithPaymentWindow sets how long a winner has to pay after the end
func WithPaymentWindow(window time.Duration) DispatcherOption {
	return func(d *Dispatcher) { d.paymentWindow = window }
}

// WithQueueSize bounds the number of undelivered jobs
func WithQueueSize(n int) DispatcherOption {
	return func(d *Dispatcher) { d.queue = make(chan job, n) }
}

// WithDispatcherClock overrides the wall clock
func WithDispatcherClock(now func() time.Time) DispatcherOption {
	return func(d *Dispatcher) { d.now = now }
}

// NewDispatcher creates a dispatcher. Call Run to start delivering.
func NewDispatcher(transport Transport, logger *zap.Logger, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		transport:         transport,
		logger:            logger.With(zap.String("component", "dispatcher")),
		now:               time.Now,
		paymentWindow:     48 * time.Hour,
		paymentThresholds: DefaultPaymentThresholds,
		deliveryTimeout:   defaultDeliveryTimeout,
		queue:             make(chan job, defaultQueueSize),
		sent:              make(map[string]map[string]bool),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run delivers queued jobs until ctx is done
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-d.queue:
			d.deliver(ctx, j)
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, j job) {
	ctx, cancel := context.WithTimeout(ctx, d.deliveryTimeout)
	defer cancel()

	if j.alert != nil {
		if err := d.transport.Schedule(ctx, *j.alert); err != nil {
			d.logger.Warn("Failed to deliver alert",
				zap.String("alert_id", j.alert.ID), zap.Error(err))
		}
		return
	}

	// unsuffixed ids are cancelled exactly so that auction "1" never
	// matches the alerts of auction "12"
	for _, event := range AllEventTypes {
		id := AlertID(event, j.cancelAuction)
		var err error
		if suffixed[event] {
			err = d.transport.CancelAll(ctx, id+"_")
		} else {
			err = d.transport.Cancel(ctx, id)
		}
		if err != nil {
			d.logger.Warn("Failed to cancel alerts", zap.String("alert_id", id), zap.Error(err))
		}
	}
}

func (d *Dispatcher) enqueue(j job) {
	select {
	case d.queue <- j:
	default:
		id := j.cancelAuction
		if j.alert != nil {
			id = j.alert.ID
		}
		d.logger.Warn("Alert queue full, dropping",
			zap.String("alert_id", id), zap.Error(models.ErrTransportUnavailable))
	}
}

// Schedule queues alert for delivery. A repeat of an id already handed out
// is dropped unless the alert is marked Replace.
// It reports whether the alert was queued.
func (d *Dispatcher) Schedule(alert Alert) bool {
	if len(alert.Recipients) == 0 {
		return false
	}

	d.mu.Lock()
	ids, ok := d.sent[alert.AuctionID]
	if !ok {
		ids = make(map[string]bool)
		d.sent[alert.AuctionID] = ids
	}
	if ids[alert.ID] && !alert.Replace {
		d.mu.Unlock()
		return false
	}
	ids[alert.ID] = true
	d.mu.Unlock()

	if alert.Trigger.IsZero() {
		alert.Trigger = d.now()
	}
	d.enqueue(job{alert: &alert})
	return true
}

// CancelAll removes every pending alert of auctionID
func (d *Dispatcher) CancelAll(auctionID string) {
	d.Forget(auctionID)
	d.enqueue(job{cancelAuction: auctionID})
}

// Forget drops dedup state of auctionID without touching delivered alerts.
// Emit calls it once an auction has queued its last alert.
func (d *Dispatcher) Forget(auctionID string) {
	d.mu.Lock()
	delete(d.sent, auctionID)
	d.mu.Unlock()
}

// Emit implements lifecycle.Sink
func (d *Dispatcher) Emit(ev lifecycle.Event) {
	a := ev.Auction
	if a == nil {
		return
	}

	switch ev.Kind {
	case lifecycle.EventStarted:
		d.Schedule(Alert{
			ID:         AlertID(EventAuctionStarted, a.ID),
			AuctionID:  a.ID,
			Event:      EventAuctionStarted,
			Title:      "Auction started",
			Body:       fmt.Sprintf("Bidding is open for %s", title(a)),
			Recipients: a.Watchers,
		})

	case lifecycle.EventStartingSoon:
		d.Schedule(Alert{
			ID:         ThresholdID(EventAuctionUpcoming, a.ID, ev.Threshold),
			AuctionID:  a.ID,
			Event:      EventAuctionUpcoming,
			Title:      "Auction starting soon",
			Body:       fmt.Sprintf("%s opens for bidding in %s", title(a), humanize(ev.Threshold)),
			Recipients: a.Watchers,
			// a deferred start moves the window, so the warning is re-issued
			Replace: true,
		})

	case lifecycle.EventEndingSoon:
		d.Schedule(Alert{
			ID:         ThresholdID(EventAuctionEnding, a.ID, ev.Threshold),
			AuctionID:  a.ID,
			Event:      EventAuctionEnding,
			Title:      "Auction ending soon",
			Body:       fmt.Sprintf("Only %s left on %s. Current bid %s", humanize(ev.Threshold), title(a), money(a.CurrentBid)),
			Recipients: union(a.Watchers, a.Bidders()),
		})

	case lifecycle.EventEnded:
		d.Schedule(Alert{
			ID:         AlertID(EventAuctionEnded, a.ID),
			AuctionID:  a.ID,
			Event:      EventAuctionEnded,
			Title:      "Auction ended",
			Body:       fmt.Sprintf("%s has ended", title(a)),
			Recipients: union(a.Watchers, a.Bidders(), []string{a.SellerID}),
		})
		// without a winner nothing further is alerted for this auction
		if a.WinnerID == "" {
			d.Forget(a.ID)
		}

	case lifecycle.EventWinnerAnnounced:
		d.announceWinner(a)
		d.Forget(a.ID)
	}
}

func (d *Dispatcher) announceWinner(a *models.Auction) {
	if a.WinnerID == "" {
		return
	}
	price := a.CurrentBid
	if a.FinalPrice.Valid {
		price = a.FinalPrice.Decimal
	}

	d.Schedule(Alert{
		ID:         AlertID(EventWinnerAnnounced, a.ID),
		AuctionID:  a.ID,
		Event:      EventWinnerAnnounced,
		Title:      "Winner announced",
		Body:       fmt.Sprintf("%s sold for %s", title(a), money(price)),
		Recipients: union([]string{a.WinnerID}, []string{a.SellerID}),
	})

	deadline := a.EndTime.Add(d.paymentWindow)
	now := d.now()
	for _, th := range d.paymentThresholds {
		trigger := deadline.Add(-th)
		if trigger.Before(now) {
			continue
		}
		d.Schedule(Alert{
			ID:         ThresholdID(EventPaymentDeadline, a.ID, th),
			AuctionID:  a.ID,
			Event:      EventPaymentDeadline,
			Title:      "Payment due",
			Body:       fmt.Sprintf("Payment of %s for %s is due in %s", money(price), title(a), humanize(th)),
			Recipients: []string{a.WinnerID},
			Trigger:    trigger,
		})
	}
}

// NotifyOutbid alerts every prior bidder except the new highest bidder.
// Each bidder has one outbid alert per auction, replaced on every new outbid.
func (d *Dispatcher) NotifyOutbid(a *models.Auction, newBidderID string, amount decimal.Decimal, priorBidders []string) {
	for _, bidder := range priorBidders {
		if bidder == newBidderID || bidder == "" {
			continue
		}
		d.Schedule(Alert{
			ID:         AlertID(EventOutbid, a.ID, bidder),
			AuctionID:  a.ID,
			Event:      EventOutbid,
			Title:      "You've been outbid",
			Body:       fmt.Sprintf("New highest bid on %s is %s", title(a), money(amount)),
			Recipients: []string{bidder},
			Replace:    true,
		})
	}
}

func title(a *models.Auction) string {
	if a.Title != "" {
		return a.Title
	}
	return "auction " + a.ID
}

func money(d decimal.Decimal) string {
	return "$" + d.StringFixed(2)
}

// union merges id lists, dropping blanks and duplicates, keeping first-seen order
func union(lists ...[]string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, list := range lists {
		for _, id := range list {
			if id == "" || seen[id] {
				continue
			}
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}
