package lifecycle

import (
	"context"
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/revenue-engine/internal/model"
	"github.com/sells-group/revenue-engine/internal/report"
	"github.com/sells-group/revenue-engine/internal/store"
)

// StageName is the registry name of the lifecycle stage.
const StageName = "lifecycle"

// OutcomeValid counts pairs with a legal lifecycle.
const OutcomeValid = "valid"

// Stage validates every pair and swaps its lifecycle columns.
type Stage struct {
	Validator Validator
}

// NewStage returns a lifecycle stage with the given maximum trial length.
func NewStage(maxTrialDays int) *Stage {
	return &Stage{Validator: Validator{MaxTrialDays: maxTrialDays}}
}

// Name implements engine.Stage.
func (s *Stage) Name() string { return StageName }

// Run scans the event store once, classifies every pair, and in one swap
// registers pairs seen for the first time and replaces the lifecycle columns.
func (s *Stage) Run(ctx context.Context, st store.Store, now time.Time) (*report.Tally, error) {
	log := zap.L().With(zap.String("component", "lifecycle.stage"))

	events, err := st.LoadEvents(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "lifecycle: load events")
	}
	hist := model.GroupByPair(events)

	pairs, err := st.ListPairs(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "lifecycle: list pairs")
	}

	fresh := NewPairs(hist, pairs)
	results, tally := s.Classify(hist, pairs, now)
	if err := st.SwapLifecycle(ctx, fresh, results); err != nil {
		return nil, eris.Wrap(err, "lifecycle: swap results")
	}

	log.Info("lifecycle validated",
		zap.Int("pairs", len(results)),
		zap.Int("new_pairs", len(fresh)),
		zap.Int("valid", tally.Outcomes(OutcomeValid)),
		zap.Int("invalid", tally.TotalErrors()),
	)
	return tally, nil
}

// NewPairs returns the keys of hist not already present in pairs, in key order.
func NewPairs(hist *model.Histories, pairs []model.Pair) []model.NewPair {
	known := make(map[model.PairKey]bool, len(pairs))
	for _, p := range pairs {
		known[p.PairKey] = true
	}
	var out []model.NewPair
	for _, k := range hist.Keys {
		if !known[k] {
			out = append(out, model.NewPair{PairKey: k, Country: hist.ByKey[k].Country})
		}
	}
	return out
}

// Classify validates every pair in the union of hist and pairs. Stored pairs
// without events are classified as no_events.
func (s *Stage) Classify(hist *model.Histories, pairs []model.Pair, now time.Time) ([]model.LifecycleResult, *report.Tally) {
	tally := report.NewTally(StageName)

	credited := make(map[model.PairKey]string, len(pairs))
	keys := make([]model.PairKey, 0, len(hist.Keys)+len(pairs))
	seen := make(map[model.PairKey]bool, len(hist.Keys)+len(pairs))
	for _, p := range pairs {
		credited[p.PairKey] = p.CreditedDate
		if !seen[p.PairKey] {
			seen[p.PairKey] = true
			keys = append(keys, p.PairKey)
		}
	}
	for _, k := range hist.Keys {
		if !seen[k] {
			seen[k] = true
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })

	results := make([]model.LifecycleResult, 0, len(keys))
	for _, k := range keys {
		res := s.Validator.Validate(hist.Events(k), now)
		results = append(results, model.LifecycleResult{
			PairKey: k,
			Valid:   res.Valid,
			Reason:  res.Reason,
			Status:  res.Status,
		})
		if res.Valid {
			tally.Observe(OutcomeValid)
			continue
		}
		tally.Add(res.Reason, k.ProductID, credited[k])
		zap.L().Debug("invalid lifecycle",
			zap.String("component", "lifecycle.stage"),
			zap.String("pair", k.String()),
			zap.String("reason", res.Reason),
		)
	}
	tally.SetPairs(len(results))
	return results, tally
}
