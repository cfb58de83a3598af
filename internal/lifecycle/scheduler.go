// Package lifecycle drives each auction through its time-based states.
//
// The Scheduler owns one timer per in-flight auction. Every tick re-reads the
// record, applies the transition rule from models.ComputeStatus through the
// store's conditional update and reports status edges and threshold crossings
// to a Sink.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aaronwang/auction-core/internal/models"
	"go.uber.org/zap"
)

// Store is the part of the Auction Record Store the Scheduler needs
type Store interface {
	Get(ctx context.Context, id string) (*models.Auction, error)
	Update(ctx context.Context, id string, mutate func(a *models.Auction) (bool, error)) (*models.Auction, error)
}

// Gate admits auctions into Active status. When it refuses, it returns the
// window the auction is moved to instead.
type Gate interface {
	Activate(a *models.Auction, now time.Time) (start, end time.Time, ok bool)
}

// Default warning thresholds
var (
	DefaultStartThresholds = []time.Duration{15 * time.Minute}
	DefaultEndThresholds   = []time.Duration{5 * time.Minute, time.Minute, 30 * time.Second, 10 * time.Second}
)

// Scheduler runs the per-auction countdowns
type Scheduler struct {
	store  Store
	sink   Sink
	gate   Gate
	logger *zap.Logger

	interval        time.Duration
	tolerance       time.Duration
	startThresholds []time.Duration
	endThresholds   []time.Duration
	now             func() time.Time

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu     sync.Mutex
	timers map[string]*timer
}

// Option configures a Scheduler
type Option func(*Scheduler)

// WithInterval sets the tick period. The threshold tolerance follows at twice
// the interval unless set explicitly.
func WithInterval(d time.Duration) Option {
	return func(s *Scheduler) { s.interval = d }
}

// WithTolerance sets how far past a threshold a tick may land and still fire it
func WithTolerance(d time.Duration) Option {
	return func(s *Scheduler) { s.tolerance = d }
}

// WithThresholds replaces the warning thresholds
func WithThresholds(beforeStart, beforeEnd []time.Duration) Option {
	return func(s *Scheduler) {
		s.startThresholds = beforeStart
		s.endThresholds = beforeEnd
	}
}

// WithClock overrides the wall clock
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithGate makes every Upcoming -> Active transition ask g first
func WithGate(g Gate) Option {
	return func(s *Scheduler) { s.gate = g }
}

// NewScheduler creates a scheduler. Close releases every timer.
func NewScheduler(store Store, sink Sink, logger *zap.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:           store,
		sink:            sink,
		logger:          logger.With(zap.String("component", "scheduler")),
		interval:        time.Second,
		startThresholds: DefaultStartThresholds,
		endThresholds:   DefaultEndThresholds,
		now:             time.Now,
		timers:          make(map[string]*timer),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.tolerance <= 0 {
		s.tolerance = 2 * s.interval
	}
	s.baseCtx, s.cancel = context.WithCancel(context.Background())
	return s
}

// timer is the in-memory countdown of one auction
type timer struct {
	auctionID string
	ctx       context.Context
	cancel    context.CancelFunc

	// mu serializes applying a tick's result against stop
	mu        sync.Mutex
	alive     bool
	startTime time.Time
	endTime   time.Time
	status    models.Status
	fired     map[string]bool
}

// retime follows a rescheduled window. Crossings of the old window no
// longer apply. The caller holds t.mu.
func (t *timer) retime(a *models.Auction) {
	if a.StartTime.Equal(t.startTime) && a.EndTime.Equal(t.endTime) {
		return
	}
	t.startTime, t.endTime = a.StartTime, a.EndTime
	t.fired = make(map[string]bool)
}

func (t *timer) stop() {
	t.cancel()
	t.mu.Lock()
	t.alive = false
	t.mu.Unlock()
}

// Start begins the countdown for a, replacing any timer already running for
// the same id. Auctions that are Ended, Sold or Cancelled get no timer.
func (s *Scheduler) Start(a *models.Auction) {
	if a.Status.IsTerminal() || a.Status == models.StatusEnded {
		s.Stop(a.ID)
		return
	}

	t := s.register(a)
	s.wg.Add(1)
	go s.run(t)
}

// Ensure starts a timer for a unless one is already counting down to the
// same window
func (s *Scheduler) Ensure(a *models.Auction) {
	s.mu.Lock()
	t, ok := s.timers[a.ID]
	s.mu.Unlock()

	if ok {
		t.mu.Lock()
		same := t.alive && t.startTime.Equal(a.StartTime) && t.endTime.Equal(a.EndTime)
		t.mu.Unlock()
		if same {
			return
		}
	}
	s.Start(a)
}

// Stop cancels the timer of auctionID and drops its state. When Stop
// returns, no tick of that timer will write to the store or emit an event.
// Stopping an id without a timer is a no-op.
func (s *Scheduler) Stop(auctionID string) {
	s.mu.Lock()
	t, ok := s.timers[auctionID]
	if ok {
		delete(s.timers, auctionID)
	}
	s.mu.Unlock()

	if ok {
		t.stop()
	}
}

// Running reports whether auctionID has a live timer
func (s *Scheduler) Running(auctionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.timers[auctionID]
	return ok
}

// Len returns the number of live timers
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Close stops every timer and waits for their goroutines to exit
func (s *Scheduler) Close() {
	s.cancel()

	s.mu.Lock()
	timers := s.timers
	s.timers = make(map[string]*timer)
	s.mu.Unlock()

	for _, t := range timers {
		t.stop()
	}
	s.wg.Wait()
}

func (s *Scheduler) register(a *models.Auction) *timer {
	ctx, cancel := context.WithCancel(s.baseCtx)
	t := &timer{
		auctionID: a.ID,
		ctx:       ctx,
		cancel:    cancel,
		alive:     true,
		startTime: a.StartTime,
		endTime:   a.EndTime,
		status:    a.Status,
		fired:     make(map[string]bool),
	}

	s.mu.Lock()
	old := s.timers[a.ID]
	s.timers[a.ID] = t
	s.mu.Unlock()

	if old != nil {
		old.stop()
	}
	return t
}

// release drops t from the registry if it is still the current timer for its
// id. The caller holds t.mu.
func (s *Scheduler) release(t *timer) {
	t.alive = false
	t.cancel()

	s.mu.Lock()
	if s.timers[t.auctionID] == t {
		delete(s.timers, t.auctionID)
	}
	s.mu.Unlock()
}

func (s *Scheduler) run(t *timer) {
	defer s.wg.Done()

	if s.tick(t) {
		return
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-t.ctx.Done():
			return
		case <-ticker.C:
			if s.tick(t) {
				return
			}
		}
	}
}

// tick performs one evaluation and reports whether the timer is finished
func (s *Scheduler) tick(t *timer) bool {
	a, err := s.store.Get(t.ctx, t.auctionID)
	if err != nil {
		if t.ctx.Err() != nil {
			return true
		}
		if errors.Is(err, models.ErrAuctionNotFound) {
			s.logger.Info("Auction gone, releasing timer", zap.String("auction_id", t.auctionID))
			t.mu.Lock()
			s.release(t)
			t.mu.Unlock()
			return true
		}
		// transient: try again on the next tick
		s.logger.Warn("Tick failed to read auction", zap.String("auction_id", t.auctionID), zap.Error(err))
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.alive {
		return true
	}

	t.retime(a)
	t.status = a.Status

	if a.Status.IsTerminal() || a.Status == models.StatusEnded {
		s.release(t)
		return true
	}

	now := s.now()
	if next := a.RecomputeStatus(now); next != a.Status {
		updated, from, err := s.transition(t.ctx, a.ID, now)
		if err != nil {
			if t.ctx.Err() == nil {
				s.logger.Warn("Status transition failed, retrying next tick",
					zap.String("auction_id", a.ID), zap.String("status", string(next)), zap.Error(err))
			}
			return false
		}
		a = updated
		t.retime(a)
		t.status = a.Status
		s.emitTransition(from, a, now)

		if a.Status == models.StatusEnded {
			s.release(t)
			return true
		}
	}

	s.checkThresholds(t, a, now)
	return false
}

// transition applies the transition rule through the conditional update.
// It returns the committed record and the status the mutation started from;
// from equals the record's status when another writer got there first.
func (s *Scheduler) transition(ctx context.Context, id string, now time.Time) (*models.Auction, models.Status, error) {
	var from models.Status

	updated, err := s.store.Update(ctx, id, func(cur *models.Auction) (bool, error) {
		from = cur.Status
		next := cur.RecomputeStatus(now)
		if next == cur.Status {
			return false, nil
		}
		if !cur.Status.CanTransitionTo(next) {
			return false, fmt.Errorf("%s -> %s: %w", cur.Status, next, models.ErrInvalidTransition)
		}
		if next == models.StatusActive && s.gate != nil {
			if start, end, ok := s.gate.Activate(cur, now); !ok {
				s.logger.Info("Activation deferred",
					zap.String("auction_id", id), zap.Time("start_time", start))
				cur.StartTime, cur.EndTime = start, end
				return true, nil
			}
		}

		cur.Status = next
		if next == models.StatusEnded {
			cur.ResolveWinner()
		}
		return true, nil
	})
	if err != nil {
		return nil, "", err
	}
	return updated, from, nil
}

// emitTransition reports the edges crossed between from and a.Status.
// Nothing is emitted when the record already carried the new status.
func (s *Scheduler) emitTransition(from models.Status, a *models.Auction, now time.Time) {
	if from == a.Status {
		return
	}

	if from == models.StatusUpcoming && a.Status == models.StatusActive {
		s.logger.Info("Auction started", zap.String("auction_id", a.ID))
		s.emit(Event{Kind: EventStarted, AuctionID: a.ID, Auction: a, At: now})
		return
	}

	if a.Status == models.StatusEnded {
		s.logger.Info("Auction ended",
			zap.String("auction_id", a.ID),
			zap.String("winner_id", a.WinnerID),
			zap.String("final_price", a.CurrentBid.String()))
		s.emit(Event{Kind: EventEnded, AuctionID: a.ID, Auction: a, At: now})
		if a.WinnerID != "" {
			s.emit(Event{Kind: EventWinnerAnnounced, AuctionID: a.ID, Auction: a, At: now})
		}
	}
}

func (s *Scheduler) checkThresholds(t *timer, a *models.Auction, now time.Time) {
	switch a.Status {
	case models.StatusUpcoming:
		s.fireCrossed(t, a, EventStartingSoon, s.startThresholds, a.StartTime.Sub(now), now)
	case models.StatusActive:
		s.fireCrossed(t, a, EventEndingSoon, s.endThresholds, a.EndTime.Sub(now), now)
	}
}

func (s *Scheduler) fireCrossed(t *timer, a *models.Auction, kind EventKind, thresholds []time.Duration, remaining time.Duration, now time.Time) {
	for _, th := range thresholds {
		key := fmt.Sprintf("%s:%s", kind, th)
		if t.fired[key] || !Crossed(remaining, th, s.tolerance) {
			continue
		}
		t.fired[key] = true
		s.emit(Event{Kind: kind, AuctionID: a.ID, Threshold: th, Auction: a, At: now})
	}
}

// Crossed reports whether remaining sits inside the firing window of
// threshold: at or below it, but by less than tolerance. Ticks that land
// further past the threshold are too late and do not fire.
func Crossed(remaining, threshold, tolerance time.Duration) bool {
	return remaining <= threshold && remaining > threshold-tolerance
}

func (s *Scheduler) emit(ev Event) {
	if s.sink == nil {
		return
	}
	ev.Auction = ev.Auction.Clone()
	s.sink.Emit(ev)
}
