package lifecycle

import (
	"time"

	"github.com/aaronwang/auction-core/internal/models"
)

// EventKind names a lifecycle event
type EventKind string

// EventKind constants
const (
	EventStarted         EventKind = "started"
	EventStartingSoon    EventKind = "starting_soon"
	EventEndingSoon      EventKind = "ending_soon"
	EventEnded           EventKind = "ended"
	EventWinnerAnnounced EventKind = "winner_announced"
)

// Event is emitted by the Scheduler on a status edge or threshold crossing
type Event struct {
	Kind      EventKind
	AuctionID string
	// Threshold is set for StartingSoon and EndingSoon
	Threshold time.Duration
	// Auction is a snapshot taken after the transition was committed
	Auction *models.Auction
	At      time.Time
}

// Sink consumes lifecycle events. Emit must not block for long: it is
// called from the auction's tick.
type Sink interface {
	Emit(Event)
}

// SinkFunc adapts a function to Sink
type SinkFunc func(Event)

// Emit calls f(ev)
func (f SinkFunc) Emit(ev Event) { f(ev) }

// MultiSink fans one event out to several sinks in order
type MultiSink []Sink

// Emit forwards ev to every sink
func (m MultiSink) Emit(ev Event) {
	for _, s := range m {
		s.Emit(ev)
	}
}
