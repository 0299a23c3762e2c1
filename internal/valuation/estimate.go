// Package valuation estimates the current monetary value of every
// user/product pair from its subscription phase, price bucket and rates.
package valuation

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/sells-group/revenue-engine/internal/lifecycle"
	"github.com/sells-group/revenue-engine/internal/model"
)

// Skip categories. A skipped pair is excluded from the run and its value
// fields are cleared.
const (
	SkipNoStartEvent      = "no_subscription_start_event"
	SkipMissingCredited   = "missing_credited_date"
	SkipInvalidCredited   = "invalid_credited_date"
	SkipDatetimeParse     = "datetime_parse_error"
	SkipFailedCalculation = "failed_value_calculation"
)

// Note categories. A noted pair is still valued.
const (
	NoteSynthesizedStart = "synthesized_start_event"
	NoteNoRates          = "no_conversion_rates_found"
	NoteNoPriceBucket    = "no_price_bucket_in_database"
)

// Config holds the phase windows, in whole days since the credited date.
type Config struct {
	TrialPendingDays         int
	TrialRefundWindowDays    int
	PurchaseRefundWindowDays int
	DefaultRates             model.RateProfile
}

// DefaultConfig returns the 7 / 37 / 30 day windows and the fallback rates.
func DefaultConfig() Config {
	return Config{
		TrialPendingDays:         7,
		TrialRefundWindowDays:    37,
		PurchaseRefundWindowDays: 30,
		DefaultRates:             model.DefaultRateProfile(),
	}
}

// Outcome is the valuation of one pair. Skip is set when the pair could not
// be valued; Notes lists non-fatal issues of a valued pair.
type Outcome struct {
	Result model.ValueResult
	Skip   string
	Notes  []string
}

// Skipped reports whether the pair was excluded.
func (o Outcome) Skipped() bool { return o.Skip != "" }

// Estimator values pairs. It is pure: the same pair, events and now always
// produce the same outcome, independent of any previously stored value.
type Estimator struct {
	Config    Config
	Validator lifecycle.Validator
}

// NewEstimator returns an estimator with cfg and the given maximum trial length.
func NewEstimator(cfg Config, maxTrialDays int) Estimator {
	return Estimator{Config: cfg, Validator: lifecycle.Validator{MaxTrialDays: maxTrialDays}}
}

// start is the event that opened the pair's current subscription journey.
type start struct {
	name        model.EventName
	at          time.Time
	revenue     decimal.Decimal
	synthesized bool
}

// Estimate values one pair at now.
func (e Estimator) Estimate(p model.Pair, events []model.Event, now time.Time) Outcome {
	out := Outcome{Result: model.ValueResult{PairKey: p.PairKey}}

	timed, err := model.SortByTime(events)
	if err != nil {
		out.Skip = SkipDatetimeParse
		return out
	}

	if p.CreditedDate == "" {
		if _, ok := lastStart(timed); !ok {
			out.Skip = SkipNoStartEvent
		} else {
			out.Skip = SkipMissingCredited
		}
		return out
	}
	credited, err := model.ParseCreditedDate(p.CreditedDate)
	if err != nil {
		out.Skip = SkipInvalidCredited
		return out
	}

	st, ok := lastStart(timed)
	if !ok {
		st = synthesize(timed, credited)
		out.Notes = append(out.Notes, NoteSynthesizedStart)
	}

	rates := e.Config.DefaultRates
	if p.Rates != nil {
		rates = *p.Rates
	} else {
		out.Notes = append(out.Notes, NoteNoRates)
	}
	if err := rates.Validate(); err != nil {
		out.Skip = SkipFailedCalculation
		return out
	}

	days := daysSince(credited, now)
	status := e.Validator.DeriveStatus(timed, now)
	bucket := p.Bucket()

	var (
		value decimal.Decimal
		phase model.ValueStatus
	)
	one := decimal.NewFromInt(1)
	if st.name == model.EventTrialStarted {
		keep := one.Sub(rates.TrialRefundRate)
		actual, converted := conversionRevenue(timed, st)
		switch {
		case days <= e.Config.TrialPendingDays:
			phase = model.ValuePendingTrial
			if !bucket.IsPositive() {
				out.Notes = append(out.Notes, NoteNoPriceBucket)
			}
			value = bucket.Mul(rates.TrialConversionRate).Mul(keep)
		case days <= e.Config.TrialRefundWindowDays:
			phase = model.ValuePostConversionPreRefund
			if converted {
				value = actual.Mul(keep)
			}
		default:
			phase = model.ValueFinal
			switch status {
			case model.StatusTrialConvertedRefunded, model.StatusTrialCancelled, model.StatusExtendedTrialError:
			default:
				value = actual
			}
		}
	} else {
		keep := one.Sub(rates.PurchaseRefundRate)
		actual := st.revenue
		switch {
		case days <= e.Config.PurchaseRefundWindowDays:
			phase = model.ValuePostPurchasePreRefund
			if actual.IsPositive() {
				value = actual.Mul(keep)
			} else {
				if !bucket.IsPositive() {
					out.Notes = append(out.Notes, NoteNoPriceBucket)
				}
				value = bucket.Mul(keep)
			}
		default:
			phase = model.ValueFinal
			if status != model.StatusPurchaseRefunded && actual.IsPositive() {
				value = actual
			}
		}
	}

	value = value.Round(2)
	if value.IsNegative() {
		value = decimal.Zero
	}
	out.Result.Status = status
	out.Result.CurrentValue = value
	out.Result.ValueStatus = phase
	return out
}

// lastStart returns the last Trial started or Initial purchase, so a
// trial -> cancel -> purchase journey is valued as a purchase.
func lastStart(timed []model.TimedEvent) (start, bool) {
	for i := len(timed) - 1; i >= 0; i-- {
		ev := timed[i]
		if ev.Name == model.EventTrialStarted || ev.Name == model.EventInitialPurchase {
			return start{name: ev.Name, at: ev.Time, revenue: ev.Revenue}, true
		}
	}
	return start{}, false
}

// synthesize builds a start event at the credited date: a Trial started if
// the history has any trial event, else an Initial purchase.
func synthesize(timed []model.TimedEvent, credited time.Time) start {
	name := model.EventInitialPurchase
	for _, ev := range timed {
		switch ev.Name {
		case model.EventTrialStarted, model.EventTrialConverted, model.EventTrialCancelled:
			name = model.EventTrialStarted
		}
	}
	return start{name: name, at: credited, synthesized: true}
}

// conversionRevenue returns the first paid Trial converted of the journey
// opened by st.
func conversionRevenue(timed []model.TimedEvent, st start) (decimal.Decimal, bool) {
	for _, ev := range timed {
		if ev.Name != model.EventTrialConverted || !ev.Revenue.IsPositive() {
			continue
		}
		if !st.synthesized && ev.Time.Before(st.at) {
			continue
		}
		return ev.Revenue, true
	}
	return decimal.Zero, false
}

// daysSince is the number of whole days from credited to now, never negative.
func daysSince(credited, now time.Time) int {
	d := now.Sub(credited)
	if d < 0 {
		return 0
	}
	return int(d / (24 * time.Hour))
}
