// Package store persists the event store and the shared user/product table.
package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"

	"github.com/sells-group/revenue-engine/internal/model"
)

// Store defines the persistence interface for the engine stages.
type Store interface {
	// Event store (append-only).
	InsertEvents(ctx context.Context, events []model.Event) (int64, error)
	LoadEvents(ctx context.Context) ([]model.Event, error)

	// Shared user/product table.
	ListPairs(ctx context.Context) ([]model.Pair, error)
	EnsurePairs(ctx context.Context, pairs []model.NewPair) (int64, error)
	SetCreditedDates(ctx context.Context, dates []model.CreditedDate) (int64, error)
	UpsertRates(ctx context.Context, rates []model.PairRates) (int64, error)

	// Owned-column swaps. Each replaces its stage's columns on every row in
	// one transaction; rows absent from the set are cleared.
	SwapLifecycle(ctx context.Context, fresh []model.NewPair, results []model.LifecycleResult) error
	SwapPrices(ctx context.Context, assignments []model.PriceAssignment) error
	SwapValues(ctx context.Context, results []model.ValueResult) error

	// Stage run log.
	StartRun(ctx context.Context, stage string) (string, error)
	CompleteRun(ctx context.Context, runID string, pairs int, metadata map[string]any) error
	FailRun(ctx context.Context, runID string, errMsg string) error
	ListRuns(ctx context.Context, limit int) ([]RunEntry, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// Run statuses recorded in the stage run log.
const (
	RunRunning  = "running"
	RunComplete = "complete"
	RunFailed   = "failed"
)

// RunEntry is one row of the stage run log.
type RunEntry struct {
	ID          string         `json:"id"`
	Stage       string         `json:"stage"`
	Status      string         `json:"status"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	Pairs       int            `json:"pairs"`
	Error       string         `json:"error,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Owned column groups of the shared table.
var (
	lifecycleColumns = []string{"valid_lifecycle", "lifecycle_reason", "current_status"}
	priceColumns     = []string{"price_bucket", "assignment_type", "inherited_from_event_type"}
	valueColumns     = []string{"current_status", "current_value", "value_status"}
)

// eventRow and rateRow carry money and rates as exact decimal text.
func eventRow(e model.Event) []any {
	return []any{e.UserID, e.ProductID, e.Country, string(e.Name), e.RawTime, e.Revenue.StringFixed(4)}
}

func rateRow(r model.PairRates) []any {
	return []any{
		r.UserID, r.ProductID,
		r.TrialConversionRate.String(),
		r.TrialRefundRate.String(),
		r.PurchaseRefundRate.String(),
	}
}

func lifecycleRow(r model.LifecycleResult) []any {
	return []any{r.UserID, r.ProductID, boolText(r.Valid), nullText(r.Reason), nullText(string(r.Status))}
}

func priceRow(a model.PriceAssignment) []any {
	var inherited any
	if a.InheritedFromEventType != nil {
		inherited = string(*a.InheritedFromEventType)
	}
	return []any{a.UserID, a.ProductID, a.PriceBucket.StringFixed(4), string(a.AssignmentType), inherited}
}

func valueRow(r model.ValueResult) []any {
	return []any{r.UserID, r.ProductID, nullText(string(r.Status)), r.CurrentValue.StringFixed(2), string(r.ValueStatus)}
}

func boolText(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

func nullText(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// pairScan holds the nullable columns of a pair row.
type pairScan struct {
	country, credited, status, reason     *string
	valid                                 *bool
	bucket, assignment, inherited         *string
	value, valueStatus                    *string
	convRate, trialRefund, purchaseRefund *string
}

func (ps pairScan) toPair(k model.PairKey) (model.Pair, error) {
	p := model.Pair{PairKey: k, ValidLifecycle: ps.valid}
	p.Country = deref(ps.country)
	p.CreditedDate = deref(ps.credited)
	p.CurrentStatus = model.Status(deref(ps.status))
	p.LifecycleReason = deref(ps.reason)
	p.AssignmentType = model.AssignmentType(deref(ps.assignment))
	p.ValueStatus = model.ValueStatus(deref(ps.valueStatus))
	if ps.inherited != nil {
		n := model.EventName(*ps.inherited)
		p.InheritedFromEventType = &n
	}

	var err error
	if p.PriceBucket, err = optDecimal(ps.bucket); err != nil {
		return p, eris.Wrapf(err, "store: price_bucket of %s", k)
	}
	if p.CurrentValue, err = optDecimal(ps.value); err != nil {
		return p, eris.Wrapf(err, "store: current_value of %s", k)
	}

	if ps.convRate != nil && ps.trialRefund != nil && ps.purchaseRefund != nil {
		var r model.RateProfile
		if r.TrialConversionRate, err = decimal.NewFromString(*ps.convRate); err != nil {
			return p, eris.Wrapf(err, "store: trial_conversion_rate of %s", k)
		}
		if r.TrialRefundRate, err = decimal.NewFromString(*ps.trialRefund); err != nil {
			return p, eris.Wrapf(err, "store: trial_converted_to_refund_rate of %s", k)
		}
		if r.PurchaseRefundRate, err = decimal.NewFromString(*ps.purchaseRefund); err != nil {
			return p, eris.Wrapf(err, "store: initial_purchase_to_refund_rate of %s", k)
		}
		p.Rates = &r
	}
	return p, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func optDecimal(s *string) (*decimal.Decimal, error) {
	if s == nil {
		return nil, nil
	}
	d, err := decimal.NewFromString(*s)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func parseRevenue(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}
