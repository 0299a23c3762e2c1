package model

import (
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
)

// EventName identifies a subscription behavioral event.
type EventName string

const (
	EventTrialStarted    EventName = "Trial started"
	EventTrialConverted  EventName = "Trial converted"
	EventTrialCancelled  EventName = "Trial cancelled"
	EventInitialPurchase EventName = "Initial purchase"
	EventCancellation    EventName = "Cancellation"
	EventRenewal         EventName = "Renewal"
)

var knownEvents = map[EventName]struct{}{
	EventTrialStarted:    {},
	EventTrialConverted:  {},
	EventTrialCancelled:  {},
	EventInitialPurchase: {},
	EventCancellation:    {},
	EventRenewal:         {},
}

// ParseEventName validates an upstream event name.
func ParseEventName(s string) (EventName, error) {
	n := EventName(strings.TrimSpace(s))
	if _, ok := knownEvents[n]; !ok {
		return "", eris.Errorf("model: unknown event name %q", s)
	}
	return n, nil
}

// IsConversion reports whether the event carries a paid conversion price.
func (n EventName) IsConversion() bool {
	return n == EventTrialConverted || n == EventInitialPurchase
}

// Event is an immutable row of the event store. RawTime is kept exactly as
// delivered upstream so unparsable timestamps can be reported per pair.
type Event struct {
	ID        int64           `json:"id"`
	UserID    string          `json:"user_id"`
	ProductID string          `json:"product_id"`
	Country   string          `json:"country"`
	Name      EventName       `json:"event_name"`
	RawTime   string          `json:"event_time"`
	Revenue   decimal.Decimal `json:"revenue"`
}

// Key returns the (user, product) key of the event.
func (e Event) Key() PairKey {
	return PairKey{UserID: e.UserID, ProductID: e.ProductID}
}

var eventTimeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05-07",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// ParseEventTime parses an upstream timestamp into UTC.
func ParseEventTime(raw string) (time.Time, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return time.Time{}, eris.New("model: empty event time")
	}
	for _, layout := range eventTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, eris.Errorf("model: unparsable event time %q", raw)
}

// TimedEvent is an event whose timestamp parsed successfully.
type TimedEvent struct {
	Event
	Time time.Time
}

// SortByTime parses every event time and returns the events in ascending
// time order. Ties keep their input order. The first parse failure is returned.
func SortByTime(events []Event) ([]TimedEvent, error) {
	out := make([]TimedEvent, 0, len(events))
	for _, e := range events {
		t, err := ParseEventTime(e.RawTime)
		if err != nil {
			return nil, err
		}
		out = append(out, TimedEvent{Event: e, Time: t})
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Time.Before(out[j].Time)
	})
	return out, nil
}
