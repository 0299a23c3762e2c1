package model

import (
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
)

// PairKey identifies a row of the shared user/product table.
type PairKey struct {
	UserID    string `json:"user_id"`
	ProductID string `json:"product_id"`
}

// String renders the key for logging.
func (k PairKey) String() string {
	return k.UserID + "/" + k.ProductID
}

// Less orders keys by user then product.
func (k PairKey) Less(o PairKey) bool {
	if k.UserID != o.UserID {
		return k.UserID < o.UserID
	}
	return k.ProductID < o.ProductID
}

// History is the full event history of one pair.
type History struct {
	Key     PairKey
	Country string
	Events  []Event
}

// Histories is the result of grouping a full event scan by pair.
type Histories struct {
	ByKey map[PairKey]*History
	Keys  []PairKey // sorted
}

// GroupByPair groups a single scan of the event store by (user, product).
// The pair's country is the first non-empty country seen in scan order.
func GroupByPair(events []Event) *Histories {
	h := &Histories{ByKey: make(map[PairKey]*History)}
	for _, e := range events {
		k := e.Key()
		hist, ok := h.ByKey[k]
		if !ok {
			hist = &History{Key: k}
			h.ByKey[k] = hist
			h.Keys = append(h.Keys, k)
		}
		if hist.Country == "" && e.Country != "" {
			hist.Country = e.Country
		}
		hist.Events = append(hist.Events, e)
	}
	sort.Slice(h.Keys, func(i, j int) bool { return h.Keys[i].Less(h.Keys[j]) })
	return h
}

// Events returns the history for k, or nil.
func (h *Histories) Events(k PairKey) []Event {
	if hist, ok := h.ByKey[k]; ok {
		return hist.Events
	}
	return nil
}

// RateProfile is the externally supplied conversion/refund rate profile of a pair.
type RateProfile struct {
	TrialConversionRate decimal.Decimal `json:"trial_conversion_rate"`
	TrialRefundRate     decimal.Decimal `json:"trial_converted_to_refund_rate"`
	PurchaseRefundRate  decimal.Decimal `json:"initial_purchase_to_refund_rate"`
}

// DefaultRateProfile is the documented fallback used when a pair has no profile.
func DefaultRateProfile() RateProfile {
	return RateProfile{
		TrialConversionRate: decimal.RequireFromString("0.25"),
		TrialRefundRate:     decimal.RequireFromString("0.20"),
		PurchaseRefundRate:  decimal.RequireFromString("0.40"),
	}
}

// Validate checks every rate is within [0,1].
func (r RateProfile) Validate() error {
	one := decimal.NewFromInt(1)
	for name, v := range map[string]decimal.Decimal{
		"trial_conversion_rate":           r.TrialConversionRate,
		"trial_converted_to_refund_rate":  r.TrialRefundRate,
		"initial_purchase_to_refund_rate": r.PurchaseRefundRate,
	} {
		if v.IsNegative() || v.GreaterThan(one) {
			return eris.Errorf("model: %s %s outside [0,1]", name, v)
		}
	}
	return nil
}

// Pair is one row of the shared keyed table with every field group.
type Pair struct {
	PairKey
	Country      string       `json:"country"`
	CreditedDate string       `json:"credited_date,omitempty"`
	Rates        *RateProfile `json:"rates,omitempty"`

	// Lifecycle validator.
	CurrentStatus   Status `json:"current_status,omitempty"`
	ValidLifecycle  *bool  `json:"valid_lifecycle,omitempty"`
	LifecycleReason string `json:"lifecycle_reason,omitempty"`

	// Price bucket assigner.
	PriceBucket            *decimal.Decimal `json:"price_bucket,omitempty"`
	AssignmentType         AssignmentType   `json:"assignment_type,omitempty"`
	InheritedFromEventType *EventName       `json:"inherited_from_event_type,omitempty"`

	// Value estimator.
	CurrentValue *decimal.Decimal `json:"current_value,omitempty"`
	ValueStatus  ValueStatus      `json:"value_status,omitempty"`
}

// Bucket returns the stored price bucket, or zero when unset.
func (p Pair) Bucket() decimal.Decimal {
	if p.PriceBucket == nil {
		return decimal.Zero
	}
	return *p.PriceBucket
}

// CreditedDateLayout is the canonical credited_date format.
const CreditedDateLayout = "2006-01-02"

// ParseCreditedDate parses a credited date, accepting a plain date or a full timestamp.
func ParseCreditedDate(raw string) (time.Time, error) {
	s := strings.TrimSpace(raw)
	if t, err := time.Parse(CreditedDateLayout, s); err == nil {
		return t, nil
	}
	t, err := ParseEventTime(s)
	if err != nil {
		return time.Time{}, eris.Errorf("model: invalid credited date %q", raw)
	}
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC), nil
}

// NewPair describes a pair discovered from the event scan.
type NewPair struct {
	PairKey
	Country string
}

// CreditedDate is an upstream credited_date assignment.
type CreditedDate struct {
	PairKey
	Date string
}

// PairRates is an upstream rate profile assignment.
type PairRates struct {
	PairKey
	RateProfile
}
