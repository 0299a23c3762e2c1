package valuation

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/revenue-engine/internal/model"
	"github.com/sells-group/revenue-engine/internal/report"
	"github.com/sells-group/revenue-engine/internal/store"
)

// StageName is the registry name of the valuation stage.
const StageName = "valuation"

const progressInterval = 10 * time.Second

// Stage values every stored pair.
type Stage struct {
	Estimator Estimator
}

// NewStage returns a valuation stage.
func NewStage(cfg Config, maxTrialDays int) *Stage {
	return &Stage{Estimator: NewEstimator(cfg, maxTrialDays)}
}

// Name implements engine.Stage.
func (s *Stage) Name() string { return StageName }

// Value estimates every pair at now. Results cover valued pairs only, in key order.
func (s *Stage) Value(hist *model.Histories, pairs []model.Pair, now time.Time) ([]model.ValueResult, *report.Tally) {
	log := zap.L().With(zap.String("component", "valuation.stage"))
	tally := report.NewTally(StageName)

	progress := rate.Sometimes{Interval: progressInterval}
	var results []model.ValueResult
	for i, p := range pairs {
		progress.Do(func() {
			log.Info("valuing pairs", zap.Int("done", i), zap.Int("total", len(pairs)))
		})
		o := s.Estimator.Estimate(p, hist.Events(p.PairKey), now)
		if o.Skipped() {
			tally.Add(o.Skip, p.ProductID, p.CreditedDate)
			log.Debug("pair skipped", zap.String("pair", p.String()), zap.String("reason", o.Skip))
			continue
		}
		for _, n := range o.Notes {
			tally.Add(n, p.ProductID, p.CreditedDate)
			if n == NoteNoRates {
				log.Error("no conversion rates found, using defaults", zap.String("pair", p.String()))
			}
		}
		tally.Observe(string(o.Result.ValueStatus))
		results = append(results, o.Result)
	}
	tally.SetPairs(len(pairs))
	return results, tally
}

// Run values every stored pair and swaps the value columns. Pairs that were
// skipped have their value fields cleared; their status is kept.
func (s *Stage) Run(ctx context.Context, st store.Store, now time.Time) (*report.Tally, error) {
	events, err := st.LoadEvents(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "valuation: load events")
	}
	pairs, err := st.ListPairs(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "valuation: list pairs")
	}

	results, tally := s.Value(model.GroupByPair(events), pairs, now)
	if err := st.SwapValues(ctx, results); err != nil {
		return nil, eris.Wrap(err, "valuation: swap values")
	}

	zap.L().Info("pair values estimated",
		zap.String("component", "valuation.stage"),
		zap.Int("pairs", len(pairs)),
		zap.Int("valued", len(results)),
		zap.Int("issues", tally.TotalErrors()),
		zap.Int("default_rates", tally.Errors(NoteNoRates)),
	)
	return tally, nil
}
