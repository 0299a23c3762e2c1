package pricing

import (
	"context"
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/sells-group/revenue-engine/internal/model"
	"github.com/sells-group/revenue-engine/internal/report"
)

// ErrDatetimeParse is the tally category for events with unparsable times.
const ErrDatetimeParse = "datetime_parse_error"

// PairEvents is a pair with its parsed, time-sorted events. Events whose
// time could not be parsed are dropped and counted in ParseErrors.
type PairEvents struct {
	model.PairKey
	Country      string
	CreditedDate string
	Events       []model.TimedEvent
	ParseErrors  int
}

// PrepareEvents joins stored pairs with their event histories. The result
// covers the union of both, in key order. The stored country wins over the
// one seen in events.
func PrepareEvents(hist *model.Histories, pairs []model.Pair) []PairEvents {
	byKey := make(map[model.PairKey]*PairEvents, len(pairs)+len(hist.Keys))
	for _, p := range pairs {
		byKey[p.PairKey] = &PairEvents{PairKey: p.PairKey, Country: p.Country, CreditedDate: p.CreditedDate}
	}
	for _, k := range hist.Keys {
		pe, ok := byKey[k]
		if !ok {
			pe = &PairEvents{PairKey: k}
			byKey[k] = pe
		}
		h := hist.ByKey[k]
		if pe.Country == "" {
			pe.Country = h.Country
		}
		for _, e := range h.Events {
			t, err := model.ParseEventTime(e.RawTime)
			if err != nil {
				pe.ParseErrors++
				continue
			}
			pe.Events = append(pe.Events, model.TimedEvent{Event: e, Time: t})
		}
		sort.SliceStable(pe.Events, func(i, j int) bool { return pe.Events[i].Time.Before(pe.Events[j].Time) })
	}

	out := make([]PairEvents, 0, len(byKey))
	for _, pe := range byKey {
		out = append(out, *pe)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PairKey.Less(out[j].PairKey) })
	return out
}

// Assigner runs the two-pass price bucket assignment.
type Assigner struct {
	Config  ClusterConfig
	Workers int
}

// Assign builds the conversion index once, resolves every pair it can from
// its own conversion or a prior Trial converted, then resolves the deferred
// pairs against the closest conversion in time. Exactly one assignment type
// applies to each pair.
func (a Assigner) Assign(ctx context.Context, pairs []PairEvents) ([]model.PriceAssignment, *report.Tally, error) {
	log := zap.L().With(zap.String("component", "pricing.assign"))
	tally := report.NewTally(StageName)

	idx, err := BuildIndex(ctx, a.Config, pairs, a.Workers)
	if err != nil {
		return nil, nil, eris.Wrap(err, "pricing: build index")
	}

	out := make([]model.PriceAssignment, len(pairs))
	var deferred []int
	starts := make(map[int]time.Time)

	for i, p := range pairs {
		if p.ParseErrors > 0 {
			tally.Add(ErrDatetimeParse, p.ProductID, p.CreditedDate)
			log.Debug("unparsable event times ignored", zap.String("pair", p.String()), zap.Int("count", p.ParseErrors))
		}
		gk := GroupKey{Country: p.Country, ProductID: p.ProductID}
		out[i] = model.PriceAssignment{PairKey: p.PairKey}

		if conv, ok := ownConversion(p.Events); ok {
			if avg, matched := idx.BucketFor(gk, conv.Name, conv.Revenue); matched {
				out[i].PriceBucket = avg
				out[i].AssignmentType = model.AssignConversion
			} else {
				out[i].PriceBucket = decimal.Zero
				out[i].AssignmentType = model.AssignConversionNoBucket
			}
			continue
		}

		start, ok := trialStart(p.Events)
		if !ok {
			out[i].PriceBucket = decimal.Zero
			out[i].AssignmentType = model.AssignNoEvent
			continue
		}

		if prior, found := idx.PriorConverted(gk, start); found {
			if avg, matched := idx.BucketFor(gk, prior.Name, prior.Price); matched {
				out[i].PriceBucket = avg
				out[i].AssignmentType = model.AssignInheritedPrior
				out[i].InheritedFromEventType = eventName(prior.Name)
				continue
			}
		}
		out[i].AssignmentType = model.AssignNeedsPass2
		deferred = append(deferred, i)
		starts[i] = start
	}

	for _, i := range deferred {
		gk := GroupKey{Country: pairs[i].Country, ProductID: pairs[i].ProductID}
		out[i].PriceBucket = decimal.Zero
		out[i].AssignmentType = model.AssignNoConversionsEver
		if c, found := idx.Closest(gk, starts[i]); found {
			if avg, matched := idx.BucketFor(gk, c.Name, c.Price); matched {
				out[i].PriceBucket = avg
				out[i].AssignmentType = model.AssignInheritedClosest
				out[i].InheritedFromEventType = eventName(c.Name)
			}
		}
	}

	for i, res := range out {
		switch res.AssignmentType {
		case model.AssignConversion, model.AssignInheritedPrior, model.AssignInheritedClosest:
			tally.Observe(string(res.AssignmentType))
		default:
			tally.Add(string(res.AssignmentType), pairs[i].ProductID, pairs[i].CreditedDate)
		}
	}
	tally.SetPairs(len(out))
	return out, tally, nil
}

// ownConversion returns the pair's earliest paid conversion.
func ownConversion(events []model.TimedEvent) (model.TimedEvent, bool) {
	for _, e := range events {
		if e.Name.IsConversion() && e.Revenue.IsPositive() {
			return e, true
		}
	}
	return model.TimedEvent{}, false
}

// trialStart returns the time of the pair's first Trial started.
func trialStart(events []model.TimedEvent) (time.Time, bool) {
	for _, e := range events {
		if e.Name == model.EventTrialStarted {
			return e.Time, true
		}
	}
	return time.Time{}, false
}

func eventName(n model.EventName) *model.EventName {
	return &n
}
