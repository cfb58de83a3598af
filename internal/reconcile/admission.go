// Package reconcile brings remote auction records into the local process:
// it admits them under the active-auction cap, corrects stale records in the
// store, hands them to the scheduler and publishes a read-only view.
package reconcile

import (
	"sort"
	"sync"
	"time"

	"github.com/aaronwang/auction-core/internal/models"
)

// Defaults for the admission rule
const (
	DefaultMaxActive = 2
	DefaultSpacing   = 15 * time.Minute
)

// Admit splits candidates, every one of them due to be Active at now, into
// those that may hold Active status and those deferred. At most n are
// admitted, except that records already stored as Active are never deferred.
//
// The rest are admitted by start time, then id. Deferred record k moves to
// start at now + (1 + k/n) * spacing, so at most n become due in each later
// slot, and keeps its original duration.
//
// Inputs are not modified. Admitted records come back with status Active,
// deferred ones with status Upcoming and their new window.
func Admit(candidates []*models.Auction, n int, now time.Time, spacing time.Duration) (admitted, deferred []*models.Auction) {
	if n < 1 {
		n = 1
	}

	var incumbents, pending []*models.Auction
	for _, a := range candidates {
		if a.Status == models.StatusActive {
			incumbents = append(incumbents, a)
		} else {
			pending = append(pending, a)
		}
	}
	sort.SliceStable(pending, func(i, j int) bool {
		if !pending[i].StartTime.Equal(pending[j].StartTime) {
			return pending[i].StartTime.Before(pending[j].StartTime)
		}
		return pending[i].ID < pending[j].ID
	})

	for _, a := range incumbents {
		admitted = append(admitted, a.Clone())
	}

	free := n - len(incumbents)
	for i, a := range pending {
		cp := a.Clone()
		if i < free {
			cp.Status = models.StatusActive
			admitted = append(admitted, cp)
			continue
		}

		k := i - max(free, 0)
		d := cp.Duration()
		cp.StartTime = now.Add(time.Duration(1+k/n) * spacing)
		cp.EndTime = cp.StartTime.Add(d)
		cp.Status = models.StatusUpcoming
		deferred = append(deferred, cp)
	}
	return admitted, deferred
}

// Controller applies Admit across every path that can activate an auction:
// batches from the sync listener and scheduler ticks. It remembers which
// auctions hold an Active slot in this process.
type Controller struct {
	maxActive int
	spacing   time.Duration

	mu     sync.Mutex
	active map[string]*models.Auction
}

// NewController creates a controller allowing maxActive simultaneous auctions
func NewController(maxActive int, spacing time.Duration) *Controller {
	if maxActive < 1 {
		maxActive = DefaultMaxActive
	}
	if spacing <= 0 {
		spacing = DefaultSpacing
	}
	return &Controller{
		maxActive: maxActive,
		spacing:   spacing,
		active:    make(map[string]*models.Auction),
	}
}

// AdmitBatch runs Admit over candidates together with the auctions already
// holding a slot
func (c *Controller) AdmitBatch(candidates []*models.Auction, now time.Time) (admitted, deferred []*models.Auction) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.prune(now)

	inBatch := make(map[string]bool, len(candidates))
	all := make([]*models.Auction, 0, len(candidates)+len(c.active))
	for _, a := range candidates {
		cp := a
		if c.active[a.ID] != nil && a.Status == models.StatusUpcoming {
			// already granted a slot, the store just hasn't caught up
			cp = a.Clone()
			cp.Status = models.StatusActive
		}
		inBatch[a.ID] = true
		all = append(all, cp)
	}
	for id, a := range c.active {
		if !inBatch[id] {
			all = append(all, a)
		}
	}

	admitted, deferred = Admit(all, c.maxActive, now, c.spacing)

	out := admitted[:0:0]
	for _, a := range admitted {
		c.active[a.ID] = a
		if inBatch[a.ID] {
			out = append(out, a)
		}
	}
	return out, deferred
}

// Activate implements lifecycle.Gate
func (c *Controller) Activate(a *models.Auction, now time.Time) (time.Time, time.Time, bool) {
	admitted, deferred := c.AdmitBatch([]*models.Auction{a}, now)
	if len(admitted) == 1 {
		return a.StartTime, a.EndTime, true
	}
	d := deferred[0]
	return d.StartTime, d.EndTime, false
}

// Release frees the slot of id
func (c *Controller) Release(id string) {
	c.mu.Lock()
	delete(c.active, id)
	c.mu.Unlock()
}

// ActiveCount returns the number of occupied slots
func (c *Controller) ActiveCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.active)
}

// prune drops slots whose window has closed. The caller holds c.mu.
func (c *Controller) prune(now time.Time) {
	for id, a := range c.active {
		if !now.Before(a.EndTime) {
			delete(c.active, id)
		}
	}
}
