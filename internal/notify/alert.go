// Package notify schedules, deduplicates and cancels user-facing alerts.
package notify

import (
	"fmt"
	"strings"
	"time"
)

// EventType is the first component of every alert identifier
type EventType string

// EventType constants
const (
	EventAuctionStarted  EventType = "auction_started"
	EventAuctionUpcoming EventType = "auction_upcoming"
	EventAuctionEnding   EventType = "auction_ending"
	EventAuctionEnded    EventType = "auction_ended"
	EventOutbid          EventType = "outbid"
	EventWinnerAnnounced EventType = "winner_announced"
	EventPaymentDeadline EventType = "payment_deadline"
)

// suffixed event types carry a threshold or bidder id after the auction id
var suffixed = map[EventType]bool{
	EventAuctionUpcoming: true,
	EventAuctionEnding:   true,
	EventOutbid:          true,
	EventPaymentDeadline: true,
}

// AllEventTypes lists every event type an auction can have alerts for
var AllEventTypes = []EventType{
	EventAuctionStarted,
	EventAuctionUpcoming,
	EventAuctionEnding,
	EventAuctionEnded,
	EventOutbid,
	EventWinnerAnnounced,
	EventPaymentDeadline,
}

// Alert is one scheduled user-facing notification
type Alert struct {
	ID         string    `json:"id"`
	AuctionID  string    `json:"auction_id"`
	Event      EventType `json:"event"`
	Title      string    `json:"title"`
	Body       string    `json:"body"`
	Recipients []string  `json:"recipients"`
	Trigger    time.Time `json:"trigger"`
	// Replace re-sends under the same id instead of dropping repeats
	Replace bool `json:"-"`
}

// AlertID builds the deterministic identifier <eventType>_<auctionId>[_<suffix>]
func AlertID(event EventType, auctionID string, suffix ...string) string {
	parts := append([]string{string(event), auctionID}, suffix...)
	return strings.Join(parts, "_")
}

// ThresholdID is AlertID with a formatted threshold suffix
func ThresholdID(event EventType, auctionID string, threshold time.Duration) string {
	return AlertID(event, auctionID, FormatThreshold(threshold))
}

// FormatThreshold renders a threshold compactly: 24h, 5m, 30s
func FormatThreshold(d time.Duration) string {
	switch {
	case d >= time.Hour && d%time.Hour == 0:
		return fmt.Sprintf("%dh", d/time.Hour)
	case d >= time.Minute && d%time.Minute == 0:
		return fmt.Sprintf("%dm", d/time.Minute)
	default:
		return fmt.Sprintf("%ds", d/time.Second)
	}
}

// humanize renders a threshold for alert text
func humanize(d time.Duration) string {
	switch {
	case d >= time.Hour && d%time.Hour == 0:
		return plural(int(d/time.Hour), "hour")
	case d >= time.Minute && d%time.Minute == 0:
		return plural(int(d/time.Minute), "minute")
	default:
		return plural(int(d/time.Second), "second")
	}
}

func plural(n int, unit string) string {
	if n == 1 {
		return fmt.Sprintf("1 %s", unit)
	}
	return fmt.Sprintf("%d %ss", n, unit)
}
