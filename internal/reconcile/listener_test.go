package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/aaronwang/auction-core/internal/models"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	redisClient "github.com/aaronwang/auction-core/internal/redis"
)

type fakeTimers struct {
	mu      sync.Mutex
	ensured map[string]*models.Auction
	stopped []string
}

func newFakeTimers() *fakeTimers {
	return &fakeTimers{ensured: make(map[string]*models.Auction)}
}

func (f *fakeTimers) Ensure(a *models.Auction) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ensured[a.ID] = a.Clone()
}

func (f *fakeTimers) Stop(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.ensured, id)
	f.stopped = append(f.stopped, id)
}

type harness struct {
	store    *redisClient.Client
	timers   *fakeTimers
	control  *Controller
	view     *View
	listener *Listener
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	clock := func() time.Time { return now }
	h := &harness{
		store:   redisClient.New(rdb, redisClient.StrategyLua, zap.NewNop(), redisClient.WithClock(clock)),
		timers:  newFakeTimers(),
		control: NewController(2, 15*time.Minute),
		view:    NewView(zap.NewNop()),
	}
	h.listener = NewListener(h.store, h.timers, h.control, h.view, zap.NewNop(), WithListenerClock(clock))
	return h
}

func (h *harness) create(t *testing.T, as ...*models.Auction) {
	t.Helper()
	for _, a := range as {
		require.NoError(t, h.store.Create(context.Background(), a))
	}
}

func changeMessage(t *testing.T, a *models.Auction) *redisClient.Message {
	t.Helper()
	record, err := json.Marshal(a)
	require.NoError(t, err)
	payload, err := json.Marshal(redisClient.Change{AuctionID: a.ID, Record: record})
	require.NoError(t, err)
	return &redisClient.Message{AuctionID: a.ID, Payload: payload}
}

func TestListener_SyncAdmitsAndDefers(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	for _, id := range []string{"a0", "a1", "a2", "a3", "a4"} {
		h.create(t, auction(id, models.StatusUpcoming, now, time.Hour))
	}

	require.NoError(t, h.listener.Sync(ctx))

	assert.Equal(t, 5, h.view.Len())
	var active, upcoming int
	for _, a := range h.view.Snapshot() {
		switch a.Status {
		case models.StatusActive:
			active++
		case models.StatusUpcoming:
			upcoming++
			assert.True(t, a.StartTime.After(now))
			assert.Equal(t, time.Hour, a.Duration())
		}
	}
	assert.Equal(t, 2, active)
	assert.Equal(t, 3, upcoming)

	// deferrals are written back so the store converges
	stored, err := h.store.Get(ctx, "a4")
	require.NoError(t, err)
	assert.Equal(t, now.Add(30*time.Minute), stored.StartTime)
	assert.Equal(t, time.Hour, stored.Duration())

	// admitted auctions are still Upcoming in the store: their timers flip them
	assert.Len(t, h.timers.ensured, 5)
	assert.Equal(t, models.StatusUpcoming, h.timers.ensured["a0"].Status)
	assert.Equal(t, now.Add(15*time.Minute), h.timers.ensured["a2"].StartTime)
	assert.Equal(t, 2, h.control.ActiveCount())
}

func TestListener_SyncIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	for _, id := range []string{"a0", "a1", "a2"} {
		h.create(t, auction(id, models.StatusUpcoming, now, time.Hour))
	}

	require.NoError(t, h.listener.Sync(ctx))
	first := h.view.Snapshot()
	require.NoError(t, h.listener.Sync(ctx))
	second := h.view.Snapshot()

	require.Len(t, second, len(first))
	for i := range first {
		assert.Equal(t, first[i].ID, second[i].ID)
		assert.Equal(t, first[i].Status, second[i].Status)
		assert.Equal(t, first[i].StartTime, second[i].StartTime)
	}
}

func TestListener_StaleStatusCorrected(t *testing.T) {
	h := newHarness(t)
	ended := auction("old", models.StatusActive, now.Add(-2*time.Hour), time.Hour)
	sold := auction("sold", models.StatusSold, now.Add(-3*time.Hour), time.Hour)
	h.create(t, ended, sold)

	require.NoError(t, h.listener.Sync(context.Background()))

	a, ok := h.view.Get("old")
	require.True(t, ok)
	assert.Equal(t, models.StatusEnded, a.Status)
	// stored Active: the timer writes Ended and announces the winner
	assert.Contains(t, h.timers.ensured, "old")

	s, ok := h.view.Get("sold")
	require.True(t, ok)
	assert.Equal(t, models.StatusSold, s.Status)
	assert.NotContains(t, h.timers.ensured, "sold")
	assert.Contains(t, h.timers.stopped, "sold")
}

func TestListener_ApplySkipsMalformed(t *testing.T) {
	h := newHarness(t)
	good := auction("good", models.StatusUpcoming, now.Add(time.Hour), time.Hour)
	other := auction("other", models.StatusUpcoming, now.Add(2*time.Hour), time.Hour)

	h.listener.Apply(context.Background(), []*redisClient.Message{
		changeMessage(t, good),
		{AuctionID: "bad", Payload: []byte("{not json")},
		{AuctionID: "broken", Payload: []byte(`{"auction_id":"broken","record":{"id":"broken","status":"weird"}}`)},
		changeMessage(t, other),
	})

	assert.Equal(t, 2, h.view.Len())
	_, ok := h.view.Get("good")
	assert.True(t, ok)
	_, ok = h.view.Get("other")
	assert.True(t, ok)
}

func TestListener_ApplyDeletion(t *testing.T) {
	h := newHarness(t)
	a := auction("a1", models.StatusUpcoming, now.Add(time.Hour), time.Hour)
	h.listener.Apply(context.Background(), []*redisClient.Message{changeMessage(t, a)})
	require.Equal(t, 1, h.view.Len())

	tombstone, err := json.Marshal(redisClient.Change{AuctionID: "a1", Deleted: true})
	require.NoError(t, err)
	h.listener.Apply(context.Background(), []*redisClient.Message{{AuctionID: "a1", Payload: tombstone}})

	assert.Equal(t, 0, h.view.Len())
	assert.Contains(t, h.timers.stopped, "a1")
}

func bidCopy(id string, revision int64, amounts ...int64) *models.Auction {
	a := auction(id, models.StatusActive, now.Add(-10*time.Minute), time.Hour)
	a.Revision = revision
	for i, amount := range amounts {
		a.Bids = append(a.Bids, models.Bid{
			ID:       fmt.Sprintf("b%d", i),
			BidderID: fmt.Sprintf("u%d", i),
			Amount:   decimal.NewFromInt(amount),
		})
		a.CurrentBid = decimal.NewFromInt(amount)
	}
	return a
}

func TestListener_ApplyIgnoresOlderCopies(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	newer := bidCopy("a1", 3, 150, 200)
	older := bidCopy("a1", 2, 150)

	h.listener.Apply(ctx, []*redisClient.Message{changeMessage(t, newer)})
	h.listener.Apply(ctx, []*redisClient.Message{changeMessage(t, older)})

	a, ok := h.view.Get("a1")
	require.True(t, ok)
	assert.True(t, a.CurrentBid.Equal(decimal.NewFromInt(200)), "current bid %s", a.CurrentBid)
	assert.Len(t, a.Bids, 2)
	assert.Equal(t, int64(3), a.Revision)
}

func TestListener_ApplyBatchKeepsNewest(t *testing.T) {
	h := newHarness(t)

	h.listener.Apply(context.Background(), []*redisClient.Message{
		changeMessage(t, bidCopy("a1", 3, 150, 200)),
		changeMessage(t, bidCopy("a1", 2, 150)),
	})

	a, ok := h.view.Get("a1")
	require.True(t, ok)
	assert.True(t, a.CurrentBid.Equal(decimal.NewFromInt(200)))
}

func TestListener_CancelledNotResurrected(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	active := bidCopy("a1", 2, 150)
	h.listener.Apply(ctx, []*redisClient.Message{changeMessage(t, active)})
	require.Equal(t, 1, h.control.ActiveCount())

	cancelled := bidCopy("a1", 3, 150)
	cancelled.Status = models.StatusCancelled
	h.listener.Apply(ctx, []*redisClient.Message{changeMessage(t, cancelled)})
	h.listener.Apply(ctx, []*redisClient.Message{changeMessage(t, active)})

	a, ok := h.view.Get("a1")
	require.True(t, ok)
	assert.Equal(t, models.StatusCancelled, a.Status)
	assert.Equal(t, 0, h.control.ActiveCount())
	assert.NotContains(t, h.timers.ensured, "a1")

	// a copy without revisions still never leaves a terminal status
	legacy := bidCopy("a2", 0, 150)
	legacy.Status = models.StatusSold
	h.listener.Apply(ctx, []*redisClient.Message{changeMessage(t, legacy)})
	h.listener.Apply(ctx, []*redisClient.Message{changeMessage(t, bidCopy("a2", 0, 150))})
	b, ok := h.view.Get("a2")
	require.True(t, ok)
	assert.Equal(t, models.StatusSold, b.Status)
	assert.Equal(t, 0, h.control.ActiveCount())
}

func TestListener_SyncSkipsListOlderThanFeed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := auction("a1", models.StatusActive, now.Add(-10*time.Minute), time.Hour)
	h.create(t, a)

	// the feed already delivered a later commit than the listing will read
	h.listener.Apply(ctx, []*redisClient.Message{changeMessage(t, bidCopy("a1", 5, 150))})
	require.NoError(t, h.listener.Sync(ctx))

	got, ok := h.view.Get("a1")
	require.True(t, ok)
	assert.Equal(t, int64(5), got.Revision)
	assert.Len(t, got.Bids, 1)
}

func TestListener_SyncDropsVanished(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.create(t, auction("a1", models.StatusUpcoming, now.Add(time.Hour), time.Hour))
	require.NoError(t, h.listener.Sync(ctx))
	require.Equal(t, 1, h.view.Len())

	require.NoError(t, h.store.Delete(ctx, "a1"))
	require.NoError(t, h.listener.Sync(ctx))
	assert.Equal(t, 0, h.view.Len())
}

func TestListener_RunConsumesFeed(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	updates, unsubscribe := h.view.Subscribe("a1")
	defer unsubscribe()

	changes := make(chan *redisClient.Message, 1)
	done := make(chan error, 1)
	go func() { done <- h.listener.Run(ctx, changes) }()

	changes <- changeMessage(t, auction("a1", models.StatusUpcoming, now.Add(time.Hour), time.Hour))

	select {
	case u := <-updates:
		require.NotNil(t, u.Auction)
		assert.Equal(t, "a1", u.AuctionID)
	case <-time.After(2 * time.Second):
		t.Fatal("no update from the view")
	}

	close(changes)
	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("listener did not stop when the feed closed")
	}
}

func TestView_SubscribeFilters(t *testing.T) {
	v := NewView(zap.NewNop())
	mine, unsubscribe := v.Subscribe("a1")
	all, unsubscribeAll := v.Subscribe("")
	defer unsubscribeAll()

	v.apply([]*models.Auction{
		auction("a1", models.StatusUpcoming, now, time.Hour),
		auction("a2", models.StatusUpcoming, now, time.Hour),
	}, nil)

	assert.Len(t, mine, 1)
	assert.Len(t, all, 2)

	unsubscribe()
	unsubscribe()
	_, open := <-mine
	assert.True(t, open, "buffered update is still readable")
	_, open = <-mine
	assert.False(t, open)
}
