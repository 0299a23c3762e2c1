package pricing

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/revenue-engine/internal/model"
	"github.com/sells-group/revenue-engine/internal/report"
	"github.com/sells-group/revenue-engine/internal/store"
)

// StageName is the registry name of the pricing stage.
const StageName = "pricing"

// Stage assigns price buckets to every pair.
type Stage struct {
	Assigner Assigner
}

// NewStage returns a pricing stage.
func NewStage(cfg ClusterConfig, workers int) *Stage {
	return &Stage{Assigner: Assigner{Config: cfg, Workers: workers}}
}

// Name implements engine.Stage.
func (s *Stage) Name() string { return StageName }

// Run assigns buckets from one scan of the event store and swaps the price
// columns of every pair. Assignment does not depend on now.
func (s *Stage) Run(ctx context.Context, st store.Store, _ time.Time) (*report.Tally, error) {
	events, err := st.LoadEvents(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "pricing: load events")
	}
	pairs, err := st.ListPairs(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "pricing: list pairs")
	}

	assignments, tally, err := s.Assigner.Assign(ctx, PrepareEvents(model.GroupByPair(events), pairs))
	if err != nil {
		return nil, err
	}
	if err := st.SwapPrices(ctx, assignments); err != nil {
		return nil, eris.Wrap(err, "pricing: swap assignments")
	}

	zap.L().Info("price buckets assigned",
		zap.String("component", "pricing.stage"),
		zap.Int("pairs", len(assignments)),
		zap.Int("unpriced", tally.TotalErrors()),
	)
	return tally, nil
}
