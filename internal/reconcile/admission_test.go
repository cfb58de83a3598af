package reconcile

import (
	"fmt"
	"testing"
	"time"

	"github.com/aaronwang/auction-core/internal/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)

func auction(id string, status models.Status, start time.Time, d time.Duration) *models.Auction {
	return &models.Auction{
		ID:            id,
		SellerID:      "seller",
		Title:         "Listing " + id,
		StartingPrice: decimal.NewFromInt(100),
		CurrentBid:    decimal.NewFromInt(100),
		StartTime:     start,
		EndTime:       start.Add(d),
		Status:        status,
	}
}

func ids(as []*models.Auction) []string {
	out := make([]string, 0, len(as))
	for _, a := range as {
		out = append(out, a.ID)
	}
	return out
}

func TestAdmit_FiveCandidatesCapTwo(t *testing.T) {
	var candidates []*models.Auction
	for i := 0; i < 5; i++ {
		d := time.Duration(i+1) * time.Hour
		candidates = append(candidates, auction(fmt.Sprintf("a%d", i), models.StatusUpcoming, now, d))
	}

	admitted, deferred := Admit(candidates, 2, now, 15*time.Minute)

	require.Len(t, admitted, 2)
	require.Len(t, deferred, 3)
	assert.Equal(t, []string{"a0", "a1"}, ids(admitted))
	assert.Equal(t, []string{"a2", "a3", "a4"}, ids(deferred))

	for _, a := range admitted {
		assert.Equal(t, models.StatusActive, a.Status)
		assert.Equal(t, now, a.StartTime)
	}

	wantStart := []time.Time{now.Add(15 * time.Minute), now.Add(15 * time.Minute), now.Add(30 * time.Minute)}
	for i, d := range deferred {
		orig := candidates[i+2]
		assert.Equal(t, models.StatusUpcoming, d.Status)
		assert.Equal(t, wantStart[i], d.StartTime)
		assert.Equal(t, orig.Duration(), d.Duration(), "duration of %s", d.ID)
		assert.True(t, d.StartTime.After(now))
	}

	// inputs are untouched
	for _, c := range candidates {
		assert.Equal(t, models.StatusUpcoming, c.Status)
		assert.Equal(t, now, c.StartTime)
	}
}

func TestAdmit_IncumbentsNeverDeferred(t *testing.T) {
	candidates := []*models.Auction{
		auction("new", models.StatusUpcoming, now.Add(-time.Minute), time.Hour),
		auction("x", models.StatusActive, now.Add(-time.Hour), 2*time.Hour),
		auction("y", models.StatusActive, now.Add(-time.Hour), 2*time.Hour),
		auction("z", models.StatusActive, now.Add(-time.Hour), 2*time.Hour),
	}

	admitted, deferred := Admit(candidates, 2, now, 15*time.Minute)
	assert.ElementsMatch(t, []string{"x", "y", "z"}, ids(admitted))
	require.Len(t, deferred, 1)
	assert.Equal(t, "new", deferred[0].ID)
	assert.Equal(t, now.Add(15*time.Minute), deferred[0].StartTime)
	assert.Equal(t, time.Hour, deferred[0].Duration())
}

func TestAdmit_OrderByStartThenID(t *testing.T) {
	candidates := []*models.Auction{
		auction("b", models.StatusUpcoming, now.Add(-time.Minute), time.Hour),
		auction("c", models.StatusUpcoming, now.Add(-2*time.Minute), time.Hour),
		auction("a", models.StatusUpcoming, now.Add(-time.Minute), time.Hour),
	}

	admitted, deferred := Admit(candidates, 2, now, 10*time.Minute)
	assert.Equal(t, []string{"c", "a"}, ids(admitted))
	assert.Equal(t, []string{"b"}, ids(deferred))
}

func TestAdmit_UnderCap(t *testing.T) {
	admitted, deferred := Admit([]*models.Auction{auction("a", models.StatusUpcoming, now, time.Hour)}, 2, now, time.Minute)
	assert.Len(t, admitted, 1)
	assert.Empty(t, deferred)

	admitted, deferred = Admit(nil, 2, now, time.Minute)
	assert.Empty(t, admitted)
	assert.Empty(t, deferred)
}

func TestController_Activate(t *testing.T) {
	c := NewController(2, 15*time.Minute)

	for _, id := range []string{"a", "b"} {
		_, _, ok := c.Activate(auction(id, models.StatusUpcoming, now, time.Hour), now)
		assert.True(t, ok, id)
	}
	assert.Equal(t, 2, c.ActiveCount())

	start, end, ok := c.Activate(auction("c", models.StatusUpcoming, now, time.Hour), now)
	assert.False(t, ok)
	assert.Equal(t, now.Add(15*time.Minute), start)
	assert.Equal(t, time.Hour, end.Sub(start))

	// a slot holder asking again keeps its slot
	_, _, ok = c.Activate(auction("a", models.StatusUpcoming, now, time.Hour), now)
	assert.True(t, ok)

	c.Release("a")
	_, _, ok = c.Activate(auction("c", models.StatusUpcoming, now, time.Hour), now)
	assert.True(t, ok)
}

func TestController_PrunesClosedWindows(t *testing.T) {
	c := NewController(1, time.Minute)
	_, _, ok := c.Activate(auction("a", models.StatusUpcoming, now, time.Hour), now)
	require.True(t, ok)

	later := now.Add(time.Hour)
	_, _, ok = c.Activate(auction("b", models.StatusUpcoming, later, time.Hour), later)
	assert.True(t, ok)
	assert.Equal(t, 1, c.ActiveCount())
}

func TestController_AdmitBatchCountsHeldSlots(t *testing.T) {
	c := NewController(2, 15*time.Minute)
	_, _, ok := c.Activate(auction("held", models.StatusUpcoming, now, time.Hour), now)
	require.True(t, ok)

	admitted, deferred := c.AdmitBatch([]*models.Auction{
		auction("a", models.StatusUpcoming, now, time.Hour),
		auction("b", models.StatusUpcoming, now, time.Hour),
	}, now)

	assert.Equal(t, []string{"a"}, ids(admitted))
	assert.Equal(t, []string{"b"}, ids(deferred))
	assert.Equal(t, 2, c.ActiveCount())
}
