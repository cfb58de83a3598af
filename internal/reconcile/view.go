package reconcile

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/aaronwang/auction-core/internal/models"
	"go.uber.org/zap"
)

// Update is one change of the view. Auction is nil when the auction was removed.
type Update struct {
	AuctionID string
	Auction   *models.Auction
}

const subscriberBuffer = 64

// View is the in-process picture of every auction. Only the listener writes
// it; readers get immutable snapshots or a stream of updates.
type View struct {
	logger *zap.Logger

	// snapshot holds a map[string]*models.Auction that is never mutated
	// after publication
	snapshot atomic.Value

	mu     sync.Mutex
	nextID int
	subs   map[int]*subscription
}

type subscription struct {
	auctionID string
	ch        chan Update
}

// NewView creates an empty view
func NewView(logger *zap.Logger) *View {
	v := &View{
		logger: logger.With(zap.String("component", "view")),
		subs:   make(map[int]*subscription),
	}
	v.snapshot.Store(map[string]*models.Auction{})
	return v
}

func (v *View) current() map[string]*models.Auction {
	return v.snapshot.Load().(map[string]*models.Auction)
}

// Get returns a copy of one auction
func (v *View) Get(id string) (*models.Auction, bool) {
	a, ok := v.current()[id]
	if !ok {
		return nil, false
	}
	return a.Clone(), true
}

// peek returns the held copy without cloning. Callers must not modify it.
func (v *View) peek(id string) (*models.Auction, bool) {
	a, ok := v.current()[id]
	return a, ok
}

// Snapshot returns copies of every auction ordered by start time
func (v *View) Snapshot() []*models.Auction {
	cur := v.current()
	out := make([]*models.Auction, 0, len(cur))
	for _, a := range cur {
		out = append(out, a.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].StartTime.Before(out[j].StartTime)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Len returns the number of auctions in view
func (v *View) Len() int {
	return len(v.current())
}

// Subscribe streams updates of auctionID, or of every auction when
// auctionID is empty. Call the returned func to unsubscribe. A subscriber
// that falls behind loses updates rather than stalling the listener.
func (v *View) Subscribe(auctionID string) (<-chan Update, func()) {
	sub := &subscription{auctionID: auctionID, ch: make(chan Update, subscriberBuffer)}

	v.mu.Lock()
	id := v.nextID
	v.nextID++
	v.subs[id] = sub
	v.mu.Unlock()

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			v.mu.Lock()
			delete(v.subs, id)
			v.mu.Unlock()
			close(sub.ch)
		})
	}
}

// apply publishes a new snapshot with puts and removals applied, then
// notifies subscribers. Only the listener goroutine calls it.
func (v *View) apply(puts []*models.Auction, removals []string) {
	if len(puts) == 0 && len(removals) == 0 {
		return
	}

	old := v.current()
	next := make(map[string]*models.Auction, len(old)+len(puts))
	for id, a := range old {
		next[id] = a
	}

	var updates []Update
	for _, id := range removals {
		if _, ok := next[id]; !ok {
			continue
		}
		delete(next, id)
		updates = append(updates, Update{AuctionID: id})
	}
	for _, a := range puts {
		cp := a.Clone()
		next[a.ID] = cp
		updates = append(updates, Update{AuctionID: a.ID, Auction: cp})
	}
	v.snapshot.Store(next)

	v.mu.Lock()
	defer v.mu.Unlock()
	for _, u := range updates {
		for _, sub := range v.subs {
			if sub.auctionID != "" && sub.auctionID != u.AuctionID {
				continue
			}
			select {
			case sub.ch <- u:
			default:
				v.logger.Warn("Subscriber too slow, dropping update", zap.String("auction_id", u.AuctionID))
			}
		}
	}
}

// ids returns the ids currently in view
func (v *View) ids() []string {
	cur := v.current()
	out := make([]string, 0, len(cur))
	for id := range cur {
		out = append(out, id)
	}
	return out
}
